package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"time"

	"dev.c0redev.fwpush/internal/config"
	"dev.c0redev.fwpush/internal/delivery"
	"dev.c0redev.fwpush/internal/endpoint"
	"dev.c0redev.fwpush/internal/fwt"
	"dev.c0redev.fwpush/internal/guid"
	"dev.c0redev.fwpush/internal/idwords"
	"dev.c0redev.fwpush/internal/logging"
	"dev.c0redev.fwpush/internal/overlay"
	"dev.c0redev.fwpush/internal/pushproxy"
	"dev.c0redev.fwpush/internal/registry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type dialFlags struct {
	file      uint32
	name      string
	ultrapeer string
	fwt       bool
	multicast bool
	timeout   time.Duration
}

func newDialCommand() *cobra.Command {
	var f dialFlags
	cmd := &cobra.Command{
		Use:   "dial <push-endpoint-text>",
		Short: "Ask a firewalled node to connect back and copy its data to stdout.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			log, err := logging.New(cfg.Node.LogLevel, "console")
			if err != nil {
				return err
			}
			defer log.Sync()
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return dial(ctx, cfg, log, args[0], f)
		},
	}
	fl := cmd.Flags()
	fl.Uint32Var(&f.file, "file", 0, "file index to request")
	fl.StringVar(&f.name, "name", "", "file name put in the push log lines")
	fl.StringVar(&f.ultrapeer, "ultrapeer", "", "ultrapeer to route the TCP broadcast through (host:port)")
	fl.BoolVar(&f.fwt, "fwt", true, "try firewall-to-firewall transfer when the target supports it")
	fl.BoolVar(&f.multicast, "multicast", false, "target is on the local multicast group")
	fl.DurationVar(&f.timeout, "timeout", time.Minute, "overall deadline")
	return cmd
}

// stdoutTransfer logs the outcome; the data copy happens in dial.
type stdoutTransfer struct{ log *zap.Logger }

func (t stdoutTransfer) Connected(req delivery.Request, conn net.Conn) {
	t.log.Info("connected", zap.Stringer("target", req.Target), zap.Stringer("remote", conn.RemoteAddr()))
}

func (t stdoutTransfer) Failed(req delivery.Request, err error) {
	t.log.Warn("delivery failed", zap.Stringer("target", req.Target), zap.Error(err))
}

func dial(ctx context.Context, cfg config.Config, log *zap.Logger, text string, f dialFlags) error {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()
	n := cfg.Node

	reg := registry.New(registry.WithLogger(log))
	target, err := reg.OverwriteText(ctx, text)
	if err != nil {
		return err
	}
	if f.multicast {
		target = reg.Update(ctx, target.ClientGUID, func(e endpoint.Endpoint) endpoint.Endpoint {
			e.Multicast = true
			return e
		})
	}
	log = log.With(zap.String("target", idwords.ForGUID(target.ClientGUID)))

	ln, err := net.Listen("tcp", n.GIVListen)
	if err != nil {
		return err
	}
	local := n.Advertise
	if !local.IsValid() {
		local, _ = netip.ParseAddrPort(ln.Addr().String())
	}

	sock, err := fwt.Listen(n.UDP, log)
	if err != nil {
		ln.Close()
		return err
	}
	tr, err := fwt.NewTransport(sock, log)
	if err != nil {
		ln.Close()
		sock.Close()
		return err
	}
	defer tr.Close()

	var mc *overlay.MulticastConn
	if f.multicast {
		if mc, err = overlay.ListenMulticast(nil, n.Group, false); err != nil {
			return err
		}
		defer mc.Close()
	}
	router := overlay.NewRouter(sock, mc)
	if f.ultrapeer != "" {
		conn, peer, err := overlay.Dial(ctx, f.ultrapeer, overlay.Peer{UserAgent: n.UserAgent, PushTLS: n.TLS})
		if err != nil {
			return fmt.Errorf("ultrapeer: %w", err)
		}
		c := overlay.NewConn(conn, peer, nil, log)
		router.Add(c)
		go c.Run(ctx, n.Keepalive)
	}

	dcfg := delivery.DefaultConfig()
	cfg.Timeouts.Apply(&dcfg)
	secret := guid.NewSecret()
	dcfg.Local = local
	dcfg.Secret = &secret
	if n.TLS {
		cert, err := fwt.SelfSignedCert()
		if err != nil {
			return err
		}
		dcfg.TLS = fwt.ServerTLS(cert)
		dcfg.TLSIncoming = true
	}
	deps := delivery.Deps{
		Registry: reg,
		Sender:   router,
		Proxies:  pushproxy.NewClient(dcfg.ProxyTimeout),
		Transfer: stdoutTransfer{log: log},
		Logger:   log,
	}
	if f.fwt && target.SupportsFWT() {
		if ext, err := tr.DiscoverExternal(ctx, n.STUN, 3*time.Second); err != nil {
			log.Warn("stun: fwt off", zap.Error(err))
		} else {
			log.Info("external address", zap.Stringer("addr", ext))
			deps.FWT = tr
		}
	}
	coord := delivery.New(dcfg, deps)

	go coord.Sweep(ctx)
	go sock.Serve(ctx)
	go tr.Serve(ctx, func(c net.Conn) { coord.HandleGIV(c) })
	acc := &delivery.Acceptor{C: coord, Listeners: []net.Listener{ln}}
	go acc.Serve(ctx)

	a, err := coord.Start(ctx, delivery.Request{Target: target.ClientGUID, FileIndex: f.file, FileName: f.name})
	if err != nil {
		return err
	}
	log.Info("push sent", zap.Stringer("corr", a.Correlation()), zap.Stringer("local", local), zap.Stringer("endpoint", target))
	res, err := a.Wait(ctx)
	if err != nil {
		return err
	}
	defer res.Conn.Close()
	copied, err := io.Copy(os.Stdout, res.Conn)
	log.Info("done", zap.Stringer("phase", res.Phase), zap.Int64("bytes", copied))
	return err
}
