package fwt

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync/atomic"
	"time"

	"dev.c0redev.fwpush/internal/guid"
	"github.com/quic-go/quic-go"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

var ErrNoExternal = errors.New("fwt: external address unknown")

// Transport: punch + QUIC over a Socket.
// Requester side: Open punches toward the target, Serve accepts its stream.
// Target side: DialBack punches toward the requester and opens the stream.
type Transport struct {
	sock      *Socket
	tr        *quic.Transport
	ln        *quic.Listener
	clientTLS *tls.Config
	conf      *quic.Config
	ext       atomic.Pointer[netip.AddrPort]
	log       *zap.Logger

	PunchInterval time.Duration
}

// NewTransport starts QUIC on sock and listens for FWT streams.
func NewTransport(sock *Socket, log *zap.Logger) (*Transport, error) {
	cert, err := SelfSignedCert()
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}
	t := &Transport{
		sock:      sock,
		tr:        &quic.Transport{Conn: sock.quic},
		clientTLS: ClientTLS(alpn),
		conf: &quic.Config{
			HandshakeIdleTimeout: 5 * time.Second,
			MaxIdleTimeout:       30 * time.Second,
			KeepAlivePeriod:      10 * time.Second,
		},
		log:           log.Named("fwt"),
		PunchInterval: DefaultPunchInterval,
	}
	t.ln, err = t.tr.Listen(ServerTLS(cert, alpn), t.conf)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// Socket underlying the transport.
func (t *Transport) Socket() *Socket { return t.sock }

// External: discovered or configured external address.
func (t *Transport) External() (netip.AddrPort, bool) {
	if a := t.ext.Load(); a != nil {
		return *a, true
	}
	return netip.AddrPort{}, false
}

// SetExternal overrides the external address (zero clears).
func (t *Transport) SetExternal(a netip.AddrPort) {
	if !a.IsValid() {
		t.ext.Store(nil)
		return
	}
	t.ext.Store(&a)
}

// DiscoverExternal tries servers in order; first answer wins.
func (t *Transport) DiscoverExternal(ctx context.Context, servers []string, perServer time.Duration) (netip.AddrPort, error) {
	var errs error
	for _, srv := range servers {
		sctx, cancel := context.WithTimeout(ctx, perServer)
		a, err := t.sock.Discover(sctx, srv)
		cancel()
		if err == nil {
			t.SetExternal(a)
			t.log.Info("external address", zap.Stringer("addr", a), zap.String("stun", srv))
			return a, nil
		}
		errs = multierr.Append(errs, err)
		if ctx.Err() != nil {
			break
		}
	}
	if errs == nil {
		errs = ErrNoExternal
	}
	return netip.AddrPort{}, errs
}

// Open punches toward the target's external address (requester side).
// The target's stream arrives through Serve.
func (t *Transport) Open(ctx context.Context, corr guid.GUID, remote netip.AddrPort) error {
	if _, ok := t.External(); !ok {
		return ErrNoExternal
	}
	from, err := t.sock.Punch(ctx, corr, remote, t.PunchInterval)
	if err != nil {
		return fmt.Errorf("fwt punch %s: %w", remote, err)
	}
	t.log.Debug("punched", zap.Stringer("corr", corr), zap.Stringer("peer", from))
	return nil
}

// DialBack punches toward the requester and opens one stream (target side).
func (t *Transport) DialBack(ctx context.Context, corr guid.GUID, remote netip.AddrPort) (net.Conn, error) {
	from, err := t.sock.Punch(ctx, corr, remote, t.PunchInterval)
	if err != nil {
		return nil, fmt.Errorf("fwt punch %s: %w", remote, err)
	}
	qc, err := t.tr.Dial(ctx, net.UDPAddrFromAddrPort(from), t.clientTLS, t.conf)
	if err != nil {
		return nil, fmt.Errorf("fwt dial %s: %w", from, err)
	}
	stream, err := qc.OpenStreamSync(ctx)
	if err != nil {
		_ = qc.CloseWithError(0, "")
		return nil, err
	}
	return &streamConn{Stream: stream, conn: qc}, nil
}

// Serve accepts FWT connections until ctx done; fn gets the first stream of each.
func (t *Transport) Serve(ctx context.Context, fn func(net.Conn)) error {
	for {
		qc, err := t.ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, quic.ErrServerClosed) {
				return nil
			}
			return err
		}
		go func() {
			sctx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			stream, err := qc.AcceptStream(sctx)
			if err != nil {
				_ = qc.CloseWithError(0, "no stream")
				return
			}
			fn(&streamConn{Stream: stream, conn: qc})
		}()
	}
}

// Close stops QUIC and closes the socket.
func (t *Transport) Close() error {
	return multierr.Combine(t.ln.Close(), t.tr.Close(), t.sock.Close())
}

// streamConn wraps a QUIC stream as net.Conn.
type streamConn struct {
	*quic.Stream
	conn *quic.Conn
}

func (c *streamConn) LocalAddr() net.Addr  { return c.conn.LocalAddr() }
func (c *streamConn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

// Close closes both directions and the QUIC connection.
func (c *streamConn) Close() error {
	c.Stream.CancelRead(0)
	err := c.Stream.Close()
	return multierr.Append(err, c.conn.CloseWithError(0, ""))
}
