package delivery

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"net"
	"time"

	"dev.c0redev.fwpush/internal/overlay"
	"dev.c0redev.fwpush/internal/proto"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// HandleGIV reads the GIV from a freshly accepted conn and hands the conn to the matching
// attempt. Unmatched, late and unreadable conns are closed; the return says which happened.
func (c *Coordinator) HandleGIV(conn net.Conn) bool {
	conn, err := c.maybeTLS(conn)
	if err != nil {
		c.metrics.unmatched.Inc()
		c.log.Debug("giv tls", zap.Stringer("remote", conn.RemoteAddr()), zap.Error(err))
		conn.Close()
		return false
	}
	_ = conn.SetReadDeadline(time.Now().Add(c.cfg.GIVReadTimeout))
	br := bufio.NewReader(conn)
	giv, err := proto.ReadGIV(br)
	_ = conn.SetReadDeadline(time.Time{})
	if err != nil {
		c.metrics.unmatched.Inc()
		c.log.Debug("bad giv", zap.Stringer("remote", conn.RemoteAddr()), zap.Error(err))
		conn.Close()
		return false
	}
	item := c.pending.Get(giv.Correlation)
	if item == nil || !item.Value().deliver(&givConn{Conn: conn, r: br}, giv) {
		c.metrics.unmatched.Inc()
		c.log.Debug("unmatched giv", zap.Stringer("corr", giv.Correlation), zap.Stringer("remote", conn.RemoteAddr()),
			zap.Bool("ours", c.cfg.Secret != nil && giv.Correlation.Verify(*c.cfg.Secret)))
		conn.Close()
		return false
	}
	return true
}

// maybeTLS unwraps a TLS connect-back when a server config is set.
func (c *Coordinator) maybeTLS(conn net.Conn) (net.Conn, error) {
	if c.cfg.TLS == nil {
		return conn, nil
	}
	sniffed, head, err := overlay.Sniff(conn, 1, c.cfg.GIVReadTimeout)
	if err != nil {
		return conn, err
	}
	if !overlay.IsTLSHandshake(head) {
		return sniffed, nil
	}
	tc := tls.Server(sniffed, c.cfg.TLS)
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.GIVReadTimeout)
	defer cancel()
	if err := tc.HandshakeContext(ctx); err != nil {
		return conn, err
	}
	return tc, nil
}

// givConn replays bytes buffered past the GIV.
type givConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *givConn) Read(p []byte) (int, error) { return c.r.Read(p) }

// Acceptor feeds connections from its listeners into HandleGIV.
type Acceptor struct {
	C         *Coordinator
	Listeners []net.Listener
}

// Serve accepts on every listener until ctx is done or one fails.
func (a *Acceptor) Serve(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, ln := range a.Listeners {
		ln := ln
		g.Go(func() error { return a.serve(gctx, ln) })
	}
	go func() {
		<-gctx.Done()
		a.Close()
	}()
	err := g.Wait()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (a *Acceptor) serve(ctx context.Context, ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		go a.C.HandleGIV(conn)
	}
}

// Close closes all listeners.
func (a *Acceptor) Close() error {
	var errs error
	for _, ln := range a.Listeners {
		if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}
