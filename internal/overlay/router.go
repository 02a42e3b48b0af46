package overlay

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"sync"

	"dev.c0redev.fwpush/internal/proto"
	"go.uber.org/multierr"
)

// PacketWriter: write half of a datagram socket.
type PacketWriter interface {
	WriteTo(b []byte, addr net.Addr) (int, error)
}

// Router implements Sender over overlay conns to ultrapeers, a UDP socket and the multicast group.
type Router struct {
	mu    sync.RWMutex
	peers map[netip.AddrPort]*Conn
	udp   PacketWriter
	mcast *MulticastConn
}

// NewRouter; udp and mcast opt (nil disables that destination).
func NewRouter(udp PacketWriter, mcast *MulticastConn) *Router {
	return &Router{peers: make(map[netip.AddrPort]*Conn), udp: udp, mcast: mcast}
}

// Add an ultrapeer conn, keyed by its announced listen address (remote address if none).
func (r *Router) Add(c *Conn) {
	key := routeKey(c)
	r.mu.Lock()
	r.peers[key] = c
	r.mu.Unlock()
	go func() {
		<-c.Done()
		r.mu.Lock()
		if r.peers[key] == c {
			delete(r.peers, key)
		}
		r.mu.Unlock()
	}()
}

// Conns currently connected.
func (r *Router) Conns() []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Conn, 0, len(r.peers))
	for _, c := range r.peers {
		out = append(out, c)
	}
	return out
}

func routeKey(c *Conn) netip.AddrPort {
	if p := c.Peer(); p.Listen.IsValid() {
		return p.Listen
	}
	return c.RemoteAddr()
}

// Send implements Sender.
func (r *Router) Send(ctx context.Context, m *proto.Message, dst Destination) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	switch dst.Kind {
	case Routed:
		return r.sendRouted(m, dst.Addr)
	case UDP:
		if r.udp == nil {
			return fmt.Errorf("%w: no udp socket", ErrNotConnected)
		}
		_, err := r.udp.WriteTo(proto.AppendMessage(nil, m), net.UDPAddrFromAddrPort(dst.Addr))
		return err
	case Multicast:
		if r.mcast == nil {
			return fmt.Errorf("%w: no multicast socket", ErrNotConnected)
		}
		return r.mcast.Send(m)
	}
	return fmt.Errorf("overlay: unknown destination %s", dst)
}

func (r *Router) sendRouted(m *proto.Message, hint netip.AddrPort) error {
	r.mu.RLock()
	c, ok := r.peers[hint]
	r.mu.RUnlock()
	if hint.IsValid() && ok {
		return c.Send(m)
	}
	conns := r.Conns()
	if len(conns) == 0 {
		return ErrNotConnected
	}
	var errs error
	sent := 0
	for _, c := range conns {
		if err := c.Send(m); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		sent++
	}
	if sent == 0 {
		return errs
	}
	return nil
}
