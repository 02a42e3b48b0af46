package overlay

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"sync"
	"time"

	"dev.c0redev.fwpush/internal/guid"
	"dev.c0redev.fwpush/internal/proto"
	"go.uber.org/zap"
)

// Hub: push proxy side. Leaves register with a push proxy request; pushes for them
// (overlay, UDP or HTTP) are forwarded on their connection.
type Hub struct {
	self Peer
	log  *zap.Logger

	mu     sync.RWMutex
	leaves map[guid.GUID]*Conn

	// OnRegister opt, called after a leaf registered.
	OnRegister func(g guid.GUID, c *Conn)
}

// NewHub: self is announced in handshakes; self.Listen goes into acks.
func NewHub(self Peer, log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	self.Ultrapeer = true
	return &Hub{self: self, log: log.Named("hub"), leaves: make(map[guid.GUID]*Conn)}
}

// Serve accepts overlay conns until ln is closed or ctx done.
func (h *Hub) Serve(ctx context.Context, ln net.Listener, keepalive time.Duration) error {
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()
	for {
		raw, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		go h.serveConn(ctx, raw, keepalive)
	}
}

func (h *Hub) serveConn(ctx context.Context, raw net.Conn, keepalive time.Duration) {
	conn, peer, err := Accept(raw, h.self)
	if err != nil {
		h.log.Debug("handshake", zap.Stringer("remote", raw.RemoteAddr()), zap.Error(err))
		raw.Close()
		return
	}
	c := NewConn(conn, peer, h.Handle, h.log)
	err = c.Run(ctx, keepalive)
	h.Unregister(c)
	if err != nil {
		h.log.Debug("conn closed", zap.Stringer("remote", raw.RemoteAddr()), zap.Error(err))
	}
}

// Handle is the HandlerFunc for conns served by the hub.
func (h *Hub) Handle(c *Conn, m *proto.Message) {
	switch m.Func {
	case proto.FuncVendor:
		v, err := proto.DecodeVendor(m.Payload)
		if err != nil || !v.Is(proto.VendorLIME, proto.SelectorPushProxyRequest) {
			return
		}
		h.Register(m.GUID, c)
		ack := proto.NewPushProxyAck(m.GUID, proto.PushProxyAck{Addr: h.self.Listen})
		if err := c.Send(ack); err != nil {
			h.log.Debug("push proxy ack", zap.Error(err))
		}
	case proto.FuncPush:
		h.HandlePush(m)
	}
}

// HandleDatagram forwards push requests that arrived over UDP.
func (h *Hub) HandleDatagram(m *proto.Message, from netip.AddrPort) {
	if m.Func == proto.FuncPush {
		h.HandlePush(m)
	}
}

// HandlePush forwards a push message to the leaf it names, if it is ours.
func (h *Hub) HandlePush(m *proto.Message) {
	p, err := proto.DecodePushRequest(m.Payload)
	if err != nil {
		return
	}
	if err := h.Forward(p.ClientGUID, m); err != nil {
		h.log.Debug("push not forwarded", zap.Stringer("target", p.ClientGUID), zap.Stringer("corr", m.GUID), zap.Error(err))
	}
}

// Forward sends m to leaf g; ErrNotConnected if g is not registered.
func (h *Hub) Forward(g guid.GUID, m *proto.Message) error {
	c, ok := h.Leaf(g)
	if !ok {
		return ErrNotConnected
	}
	fwd := *m
	fwd.Hops++
	if fwd.TTL > 1 {
		fwd.TTL--
	}
	return c.Send(&fwd)
}

// Register maps leaf g to c, replacing an older conn.
func (h *Hub) Register(g guid.GUID, c *Conn) {
	c.SetLeaf(g)
	h.mu.Lock()
	old := h.leaves[g]
	h.leaves[g] = c
	h.mu.Unlock()
	if old != nil && old != c {
		old.Close()
	}
	h.log.Info("leaf registered", zap.Stringer("guid", g), zap.Stringer("remote", c.RemoteAddr()))
	if h.OnRegister != nil {
		h.OnRegister(g, c)
	}
}

// Unregister drops c if it is the current conn of its leaf.
func (h *Hub) Unregister(c *Conn) {
	g, ok := c.Leaf()
	if !ok {
		return
	}
	h.mu.Lock()
	if h.leaves[g] == c {
		delete(h.leaves, g)
	}
	h.mu.Unlock()
}

// Leaf returns the conn for g.
func (h *Hub) Leaf(g guid.GUID) (*Conn, bool) {
	h.mu.RLock()
	c, ok := h.leaves[g]
	h.mu.RUnlock()
	return c, ok
}

// Len number of registered leaves.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.leaves)
}
