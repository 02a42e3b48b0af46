package overlay

import (
	"context"
	"net/netip"
	"time"

	"dev.c0redev.fwpush/internal/guid"
	"dev.c0redev.fwpush/internal/proto"
	"go.uber.org/zap"
)

// Leaf keeps a firewalled node connected and registered to its push proxies.
type Leaf struct {
	Self      Peer
	Client    guid.GUID
	Router    *Router
	Handler   HandlerFunc
	Keepalive time.Duration
	Log       *zap.Logger

	// OnAck opt, called with the proxy address from each push proxy ack.
	OnAck func(proxy netip.AddrPort)
	// OnLost opt, called when the conn to a proxy closes.
	OnLost func(proxy netip.AddrPort)
}

// Connect dials addr, asks it to be our push proxy and runs the conn in the background.
func (l *Leaf) Connect(ctx context.Context, addr string) (*Conn, error) {
	conn, peer, err := Dial(ctx, addr, l.Self)
	if err != nil {
		return nil, err
	}
	dialed, _ := netip.ParseAddrPort(conn.RemoteAddr().String())
	c := NewConn(conn, peer, l.handle(dialed), l.logger())
	if err := c.Send(proto.NewPushProxyRequest(l.Client)); err != nil {
		c.Close()
		return nil, err
	}
	if l.Router != nil && peer.Ultrapeer {
		l.Router.Add(c)
	}
	go func() {
		if err := c.Run(ctx, l.Keepalive); err != nil {
			l.logger().Debug("proxy conn", zap.String("addr", addr), zap.Error(err))
		}
		if l.OnLost != nil {
			l.OnLost(proxyAddr(peer, dialed))
		}
	}()
	return c, nil
}

// Maintain keeps a conn to addr, redialing with backoff until ctx done.
func (l *Leaf) Maintain(ctx context.Context, addr string) {
	backoff := time.Second
	for ctx.Err() == nil {
		c, err := l.Connect(ctx, addr)
		if err != nil {
			l.logger().Warn("proxy connect", zap.String("addr", addr), zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff < time.Minute {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second
		select {
		case <-ctx.Done():
			return
		case <-c.Done():
		}
	}
}

func (l *Leaf) handle(dialed netip.AddrPort) HandlerFunc {
	return func(c *Conn, m *proto.Message) {
		if m.Func == proto.FuncVendor {
			if v, err := proto.DecodeVendor(m.Payload); err == nil && v.Is(proto.VendorLIME, proto.SelectorPushProxyAck) {
				ack, err := proto.DecodePushProxyAck(v)
				if err != nil {
					return
				}
				addr := ack.Addr
				if !addr.IsValid() || addr.Addr().IsUnspecified() || addr.Port() == 0 {
					addr = proxyAddr(c.Peer(), dialed)
				}
				l.logger().Info("push proxy ack", zap.Stringer("proxy", addr))
				if l.OnAck != nil {
					l.OnAck(netip.AddrPortFrom(addr.Addr().Unmap(), addr.Port()))
				}
				return
			}
		}
		if l.Handler != nil {
			l.Handler(c, m)
		}
	}
}

func (l *Leaf) logger() *zap.Logger {
	if l.Log == nil {
		return zap.NewNop()
	}
	return l.Log
}

func proxyAddr(p Peer, dialed netip.AddrPort) netip.AddrPort {
	if p.Listen.IsValid() && !p.Listen.Addr().IsUnspecified() {
		return p.Listen
	}
	return netip.AddrPortFrom(dialed.Addr().Unmap(), dialed.Port())
}
