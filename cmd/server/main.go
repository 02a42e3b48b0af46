// fwpush server: push proxy node. Overlay + push proxy HTTP on one TCP port, UDP pushes
// and STUN on one UDP port, metrics and the admin API.
package main

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"time"

	"dev.c0redev.fwpush/internal/config"
	"dev.c0redev.fwpush/internal/endpoint"
	"dev.c0redev.fwpush/internal/fwt"
	"dev.c0redev.fwpush/internal/guid"
	"dev.c0redev.fwpush/internal/idwords"
	"dev.c0redev.fwpush/internal/logging"
	"dev.c0redev.fwpush/internal/overlay"
	"dev.c0redev.fwpush/internal/pushproxy"
	"dev.c0redev.fwpush/internal/registry"
	"dev.c0redev.fwpush/internal/server/api"
	"dev.c0redev.fwpush/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func logRequest(log *zap.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)
		if sw.code >= 400 {
			log.Info("http", zap.String("method", r.Method), zap.String("path", r.URL.Path), zap.Int("code", sw.code))
		}
	})
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		os.Stderr.WriteString("config: " + err.Error() + "\n")
		os.Exit(2)
	}
	log, err := logging.New(cfg.Node.LogLevel, cfg.Node.LogFormat)
	if err != nil {
		os.Stderr.WriteString(err.Error() + "\n")
		os.Exit(2)
	}
	defer log.Sync()
	if err := run(cfg, log); err != nil {
		log.Fatal("server", zap.Error(err))
	}
}

func run(cfg config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	n := cfg.Node

	db, err := store.Open(n.DBPath())
	if err != nil {
		return err
	}
	defer db.Close()
	id, err := db.LoadOrCreateIdentity(ctx)
	if err != nil {
		return err
	}
	log = log.With(zap.String("node", idwords.ForGUID(id.ClientGUID)))
	log.Info("identity", zap.Stringer("guid", id.ClientGUID))

	reg := registry.New(registry.WithStore(db), registry.WithLogger(log))
	if _, err := reg.Load(ctx); err != nil {
		log.Warn("load endpoints", zap.Error(err))
	}

	ln, err := net.Listen("tcp", n.Listen)
	if err != nil {
		return err
	}
	advertise := n.Advertise
	if !advertise.IsValid() {
		advertise, _ = netip.ParseAddrPort(ln.Addr().String())
	}
	var tlsConf *tls.Config
	if n.TLS {
		cert, err := fwt.SelfSignedCert()
		if err != nil {
			return err
		}
		tlsConf = fwt.ServerTLS(cert)
		log.Info("tls on")
	}

	hub := overlay.NewHub(overlay.Peer{UserAgent: n.UserAgent, Listen: advertise, PushTLS: n.TLS}, log)
	hub.OnRegister = func(g guid.GUID, _ *overlay.Conn) {
		// we are now one of g's push proxies
		reg.Merge(ctx, endpoint.New(g, []endpoint.Proxy{{Addr: advertise, TLS: n.TLS}}, 0, netip.AddrPort{}))
	}

	sock, err := fwt.Listen(n.UDP, log)
	if err != nil {
		ln.Close()
		return err
	}
	defer sock.Close()
	sock.OnMessage = hub.HandleDatagram
	sock.ServeSTUN(n.ServeSTUN)

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	pp := pushproxy.NewServer(hub, log, promReg)
	mux := http.NewServeMux()
	pp.Mount(mux)
	api.New(reg, db, hub, n.AdminTokenHash).Mount(mux)
	metrics := promhttp.HandlerFor(promReg, promhttp.HandlerOpts{})
	if n.Metrics == "" {
		mux.Handle("/metrics", metrics)
	}

	split := overlay.NewSplit(ln, tlsConf, log)
	httpSrv := &http.Server{Handler: logRequest(log, mux), ReadHeaderTimeout: 10 * time.Second}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return split.Serve(ctx) })
	g.Go(func() error { return hub.Serve(ctx, split.Overlay(), n.Keepalive) })
	g.Go(func() error { return sock.Serve(ctx) })
	g.Go(func() error {
		err := httpSrv.Serve(split.HTTP())
		if errors.Is(err, http.ErrServerClosed) || errors.Is(err, net.ErrClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		pp.Cleanup(ctx.Done())
		return nil
	})
	g.Go(func() error {
		tick := time.NewTicker(time.Hour)
		defer tick.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-tick.C:
				if pruned, err := db.PruneEndpoints(ctx, time.Now().Add(-7*24*time.Hour)); err != nil {
					log.Warn("prune endpoints", zap.Error(err))
				} else if pruned > 0 {
					log.Info("pruned endpoints", zap.Int64("count", pruned))
				}
			}
		}
	})
	if n.Metrics != "" {
		metricsSrv := &http.Server{Addr: n.Metrics, Handler: metrics, ReadHeaderTimeout: 10 * time.Second}
		g.Go(func() error {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			return metricsSrv.Close()
		})
	}
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})

	log.Info("server listening", zap.String("tcp", n.Listen), zap.Stringer("udp", sock.LocalAddr()), zap.Stringer("advertise", advertise))
	return g.Wait()
}
