// fwpush agent: firewalled node. Keeps conns to its push proxies, answers pushes by
// connecting back (TCP, TLS or FWT) and serves files from DATA/share by index.
package main

import (
	"context"
	"io"
	"net"
	"net/netip"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"syscall"
	"time"

	"dev.c0redev.fwpush/internal/config"
	"dev.c0redev.fwpush/internal/endpoint"
	"dev.c0redev.fwpush/internal/fwt"
	"dev.c0redev.fwpush/internal/idwords"
	"dev.c0redev.fwpush/internal/logging"
	"dev.c0redev.fwpush/internal/overlay"
	"dev.c0redev.fwpush/internal/proto"
	"dev.c0redev.fwpush/internal/registry"
	"dev.c0redev.fwpush/internal/responder"
	"dev.c0redev.fwpush/internal/store"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

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
		log.Fatal("agent", zap.Error(err))
	}
}

// share lists DATA/share; file index i is the i-th name in sorted order.
type share struct {
	dir string
}

func (s share) names() []string {
	ents, err := os.ReadDir(s.dir)
	if err != nil {
		return nil
	}
	var out []string
	for _, e := range ents {
		if e.Type().IsRegular() {
			out = append(out, e.Name())
		}
	}
	slices.Sort(out)
	return out
}

func (s share) name(index uint32) string {
	names := s.names()
	if int(index) < len(names) {
		return names[index]
	}
	return ""
}

func (s share) serve(log *zap.Logger) func(net.Conn, proto.GIV) {
	return func(conn net.Conn, giv proto.GIV) {
		defer conn.Close()
		name := s.name(giv.Index)
		if name == "" {
			log.Debug("no such file", zap.Uint32("index", giv.Index))
			return
		}
		f, err := os.Open(filepath.Join(s.dir, name))
		if err != nil {
			log.Warn("open", zap.String("file", name), zap.Error(err))
			return
		}
		defer f.Close()
		conn.SetWriteDeadline(time.Now().Add(5 * time.Minute))
		n, err := io.Copy(conn, f)
		log.Info("served", zap.String("file", name), zap.Int64("bytes", n), zap.Error(err))
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
	self := id.ClientGUID
	log = log.With(zap.String("node", idwords.ForGUID(self)))

	reg := registry.New(registry.WithStore(db), registry.WithLogger(log))
	if _, err := reg.Load(ctx); err != nil {
		log.Warn("load endpoints", zap.Error(err))
	}
	// proxies from a previous run are stale until they ack again
	reg.Update(ctx, self, func(e endpoint.Endpoint) endpoint.Endpoint { return e.WithProxies(nil) })
	announce := func(e endpoint.Endpoint) {
		log.Info("push endpoint", zap.String("text", endpoint.MarshalText(e, n.TLS)), zap.Int("proxies", len(e.Proxies)))
	}

	sock, err := fwt.Listen(n.UDP, log)
	if err != nil {
		return err
	}
	tr, err := fwt.NewTransport(sock, log)
	if err != nil {
		sock.Close()
		return err
	}
	defer tr.Close()

	opts := responder.Options{
		FWT:      tr,
		FileName: share{dir: filepath.Join(n.DataDir, "share")}.name,
		Serve:    share{dir: filepath.Join(n.DataDir, "share")}.serve(log),
		Log:      log,
	}
	if n.TLS {
		opts.TLS = fwt.ClientTLS()
	}
	resp := responder.New(ctx, self, opts)
	sock.OnMessage = resp.HandleDatagram

	leaf := &overlay.Leaf{
		Self:      overlay.Peer{UserAgent: n.UserAgent, PushTLS: n.TLS},
		Client:    self,
		Handler:   resp.HandleConn,
		Keepalive: n.Keepalive,
		Log:       log,
		OnAck: func(proxy netip.AddrPort) {
			announce(reg.Merge(ctx, endpoint.New(self, []endpoint.Proxy{{Addr: proxy, TLS: n.TLS}}, 0, netip.AddrPort{})))
		},
		OnLost: func(proxy netip.AddrPort) {
			announce(reg.Update(ctx, self, func(e endpoint.Endpoint) endpoint.Endpoint {
				return e.WithProxies(slices.DeleteFunc(slices.Clone(e.Proxies), func(p endpoint.Proxy) bool { return p.Addr == proxy }))
			}))
		},
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sock.Serve(ctx) })
	for _, addr := range n.Proxies {
		g.Go(func() error {
			leaf.Maintain(ctx, addr)
			return nil
		})
	}
	if len(n.STUN) > 0 {
		g.Go(func() error {
			ext, err := tr.DiscoverExternal(ctx, n.STUN, 3*time.Second)
			if err != nil {
				log.Warn("stun: no external address, fwt off", zap.Error(err))
				return nil
			}
			log.Info("external address", zap.Stringer("addr", ext))
			announce(reg.Update(ctx, self, func(e endpoint.Endpoint) endpoint.Endpoint {
				return e.WithFWT(endpoint.DefaultFWTVersion, ext)
			}))
			return nil
		})
	}
	if n.Multicast {
		mc, err := overlay.ListenMulticast(nil, n.Group, false)
		if err != nil {
			return err
		}
		defer mc.Close()
		g.Go(func() error { return mc.Serve(ctx, resp.HandleDatagram) })
	}

	log.Info("agent up", zap.Stringer("guid", self), zap.Stringer("udp", sock.LocalAddr()), zap.Strings("proxies", n.Proxies))
	return g.Wait()
}
