// Package fwt: firewall-to-firewall transfers. One UDP socket carries STUN, punch
// packets, overlay datagrams and QUIC; QUIC runs over a virtual conn fed by the demux.
package fwt

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"os"
	"sync"
	"time"

	"dev.c0redev.fwpush/internal/overlay"
	"github.com/pion/stun/v2"
	"go.uber.org/zap"
)

const maxDatagram = 64 * 1024

// Socket demultiplexes one UDP socket.
type Socket struct {
	pc  *net.UDPConn
	log *zap.Logger

	// OnMessage opt, overlay datagrams (UDP push requests).
	OnMessage overlay.DatagramFunc

	quic *quicConn

	mu     sync.Mutex
	stunTx map[[stun.TransactionIDSize]byte]chan *stun.Message
	waits  map[punchKey]*punchWait
	// stunServer answers binding requests
	stunServer bool
}

// Listen opens the UDP socket on addr (":0" = any port).
func Listen(addr string, log *zap.Logger) (*Socket, error) {
	ua, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		return nil, err
	}
	pc, err := net.ListenUDP("udp4", ua)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}
	s := &Socket{
		pc:     pc,
		log:    log.Named("fwt"),
		stunTx: make(map[[stun.TransactionIDSize]byte]chan *stun.Message),
		waits:  make(map[punchKey]*punchWait),
	}
	s.quic = newQUICConn(s)
	return s, nil
}

// LocalAddr of the socket.
func (s *Socket) LocalAddr() netip.AddrPort {
	return s.pc.LocalAddr().(*net.UDPAddr).AddrPort()
}

// WriteTo raw datagram (overlay.PacketWriter).
func (s *Socket) WriteTo(b []byte, addr net.Addr) (int, error) {
	return s.pc.WriteTo(b, addr)
}

func (s *Socket) writeToAddrPort(b []byte, to netip.AddrPort) error {
	_, err := s.pc.WriteToUDPAddrPort(b, to)
	return err
}

// Serve reads until ctx done or the socket is closed.
func (s *Socket) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { s.Close() })
	defer stop()
	buf := make([]byte, maxDatagram)
	for {
		n, from, err := s.pc.ReadFromUDPAddrPort(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		from = netip.AddrPortFrom(from.Addr().Unmap(), from.Port())
		s.demux(buf[:n], from)
	}
}

func (s *Socket) demux(b []byte, from netip.AddrPort) {
	switch {
	case stun.IsMessage(b):
		s.handleSTUN(b, from)
	case isPunch(b):
		if p, ok := parsePunch(b); ok {
			s.handlePunch(p, from)
		}
	case s.OnMessage != nil && overlay.HandleDatagram(b, from, s.OnMessage):
	default:
		s.quic.deliver(b, from)
	}
}

// Close closes the socket; QUIC reads return net.ErrClosed.
func (s *Socket) Close() error {
	s.quic.close()
	return s.pc.Close()
}

type packet struct {
	b    []byte
	from netip.AddrPort
}

// quicConn: net.PacketConn view of the QUIC share of the socket.
type quicConn struct {
	s      *Socket
	in     chan packet
	closed chan struct{}
	once   sync.Once

	mu       sync.Mutex
	deadline time.Time
	changed  chan struct{}
}

func newQUICConn(s *Socket) *quicConn {
	return &quicConn{s: s, in: make(chan packet, 256), closed: make(chan struct{}), changed: make(chan struct{})}
}

func (c *quicConn) deliver(b []byte, from netip.AddrPort) {
	p := packet{b: append([]byte(nil), b...), from: from}
	select {
	case c.in <- p:
	default:
		// full queue: drop like a congested link
	}
}

func (c *quicConn) ReadFrom(p []byte) (int, net.Addr, error) {
	for {
		c.mu.Lock()
		d, changed := c.deadline, c.changed
		c.mu.Unlock()
		var timer *time.Timer
		var timeout <-chan time.Time
		if !d.IsZero() {
			left := time.Until(d)
			if left <= 0 {
				return 0, nil, os.ErrDeadlineExceeded
			}
			timer = time.NewTimer(left)
			timeout = timer.C
		}
		select {
		case pk := <-c.in:
			stopTimer(timer)
			n := copy(p, pk.b)
			return n, net.UDPAddrFromAddrPort(pk.from), nil
		case <-c.closed:
			stopTimer(timer)
			return 0, nil, net.ErrClosed
		case <-timeout:
			return 0, nil, os.ErrDeadlineExceeded
		case <-changed:
			stopTimer(timer)
		}
	}
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}

func (c *quicConn) WriteTo(p []byte, addr net.Addr) (int, error) {
	select {
	case <-c.closed:
		return 0, net.ErrClosed
	default:
	}
	return c.s.pc.WriteTo(p, addr)
}

func (c *quicConn) close() {
	c.once.Do(func() { close(c.closed) })
}

// Close is a no-op; the Socket owns the fd.
func (c *quicConn) Close() error { return nil }

func (c *quicConn) LocalAddr() net.Addr { return c.s.pc.LocalAddr() }

func (c *quicConn) SetDeadline(t time.Time) error { return c.SetReadDeadline(t) }

func (c *quicConn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	c.deadline = t
	close(c.changed)
	c.changed = make(chan struct{})
	c.mu.Unlock()
	return nil
}

func (c *quicConn) SetWriteDeadline(t time.Time) error { return c.s.pc.SetWriteDeadline(t) }
