package overlay

import (
	"bufio"
	"context"
	"io"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"dev.c0redev.fwpush/internal/guid"
	"dev.c0redev.fwpush/internal/proto"
	"go.uber.org/zap"
)

// HandlerFunc is called for each non-ping message read from c.
type HandlerFunc func(c *Conn, m *proto.Message)

// Conn: framed overlay connection. Reads messages, answers pings, dispatches the rest.
type Conn struct {
	conn    net.Conn
	peer    Peer
	handler HandlerFunc
	log     *zap.Logger

	mu     sync.Mutex // serializes writes
	closed atomic.Bool
	done   chan struct{}

	// client GUID of the leaf once it asked us to be its push proxy
	leaf atomic.Pointer[guid.GUID]
}

// NewConn wraps an established (handshaken) connection.
func NewConn(conn net.Conn, peer Peer, handler HandlerFunc, log *zap.Logger) *Conn {
	if log == nil {
		log = zap.NewNop()
	}
	return &Conn{
		conn:    conn,
		peer:    peer,
		handler: handler,
		log:     log.With(zap.Stringer("remote", conn.RemoteAddr())),
		done:    make(chan struct{}),
	}
}

// Run reads until close or ctx done. Pong for Ping. keepalive > 0 sends pings.
func (c *Conn) Run(ctx context.Context, keepalive time.Duration) error {
	defer c.Close()
	stop := context.AfterFunc(ctx, func() { c.Close() })
	defer stop()
	if keepalive > 0 {
		go c.pingLoop(keepalive)
	}
	r := bufio.NewReader(c.conn)
	for {
		// fresh buffer per message; handlers may keep the payload
		m, err := proto.DecodeMessage(r, nil)
		if err != nil {
			if err == io.EOF || c.closed.Load() {
				return nil
			}
			return err
		}
		switch m.Func {
		case proto.FuncPing:
			_ = c.Send(proto.NewPong(m, proto.Pong{Addr: c.peer.Listen}))
		case proto.FuncPong:
		default:
			if c.handler != nil {
				c.handler(c, m)
			}
		}
	}
}

func (c *Conn) pingLoop(every time.Duration) {
	tick := time.NewTicker(every)
	defer tick.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-tick.C:
			if err := c.Send(proto.NewPing()); err != nil {
				c.log.Debug("ping", zap.Error(err))
				return
			}
		}
	}
}

// Send writes one message.
func (c *Conn) Send(m *proto.Message) error {
	if c.closed.Load() {
		return ErrClosed
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return proto.EncodeMessage(c.conn, m)
}

// Close closes the connection once.
func (c *Conn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(c.done)
	return c.conn.Close()
}

// Done is closed when c is closed.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Peer handshake info of the remote side.
func (c *Conn) Peer() Peer { return c.peer }

// RemoteAddr of the underlying socket.
func (c *Conn) RemoteAddr() netip.AddrPort {
	if ap, err := netip.ParseAddrPort(c.conn.RemoteAddr().String()); err == nil {
		return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
	}
	return netip.AddrPort{}
}

// SetLeaf marks c as carrying pushes for client g.
func (c *Conn) SetLeaf(g guid.GUID) { c.leaf.Store(&g) }

// Leaf client GUID if set.
func (c *Conn) Leaf() (guid.GUID, bool) {
	if g := c.leaf.Load(); g != nil {
		return *g, true
	}
	return guid.Zero, false
}
