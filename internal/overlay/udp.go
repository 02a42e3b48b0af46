package overlay

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"strconv"

	"dev.c0redev.fwpush/internal/proto"
	"golang.org/x/net/ipv4"
)

// DatagramFunc is called for each overlay message read from a datagram socket.
type DatagramFunc func(m *proto.Message, from netip.AddrPort)

// DefaultMulticastGroup: LAN group for multicast pushes.
var DefaultMulticastGroup = netip.MustParseAddrPort("234.21.81.1:6347")

// LooksLikeMessage true if b is exactly one overlay message of a known kind.
func LooksLikeMessage(b []byte) bool {
	m, err := proto.ParseMessage(b)
	if err != nil {
		return false
	}
	switch m.Func {
	case proto.FuncPing, proto.FuncPong, proto.FuncVendor, proto.FuncPush:
		return true
	}
	return false
}

// HandleDatagram parses b and calls fn; false if b is not an overlay message.
func HandleDatagram(b []byte, from netip.AddrPort, fn DatagramFunc) bool {
	if !LooksLikeMessage(b) {
		return false
	}
	m, _ := proto.ParseMessage(append([]byte(nil), b...))
	fn(m, netip.AddrPortFrom(from.Addr().Unmap(), from.Port()))
	return true
}

// ServeUDP reads datagrams from pc until ctx done or pc closed.
func ServeUDP(ctx context.Context, pc net.PacketConn, fn DatagramFunc) error {
	stop := context.AfterFunc(ctx, func() { pc.Close() })
	defer stop()
	buf := make([]byte, proto.HeaderSize+proto.MaxPayloadSize)
	for {
		n, addr, err := pc.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		ua, ok := addr.(*net.UDPAddr)
		if !ok {
			continue
		}
		HandleDatagram(buf[:n], ua.AddrPort(), fn)
	}
}

// MulticastConn: joined multicast group socket.
type MulticastConn struct {
	raw   net.PacketConn
	pc    *ipv4.PacketConn
	ifi   *net.Interface
	group *net.UDPAddr
}

// ListenMulticast joins group on ifi (nil = default interface). loopback delivers own sends locally.
func ListenMulticast(ifi *net.Interface, group netip.AddrPort, loopback bool) (*MulticastConn, error) {
	raw, err := net.ListenPacket("udp4", net.JoinHostPort("0.0.0.0", strconv.Itoa(int(group.Port()))))
	if err != nil {
		return nil, err
	}
	pc := ipv4.NewPacketConn(raw)
	ga := net.UDPAddrFromAddrPort(group)
	if err := pc.JoinGroup(ifi, &net.UDPAddr{IP: ga.IP}); err != nil {
		raw.Close()
		return nil, err
	}
	if ifi != nil {
		if err := pc.SetMulticastInterface(ifi); err != nil {
			raw.Close()
			return nil, err
		}
	}
	_ = pc.SetMulticastTTL(1)
	_ = pc.SetMulticastLoopback(loopback)
	return &MulticastConn{raw: raw, pc: pc, ifi: ifi, group: ga}, nil
}

// Send one message to the group.
func (m *MulticastConn) Send(msg *proto.Message) error {
	_, err := m.pc.WriteTo(proto.AppendMessage(nil, msg), nil, m.group)
	return err
}

// Serve reads group datagrams until ctx done.
func (m *MulticastConn) Serve(ctx context.Context, fn DatagramFunc) error {
	return ServeUDP(ctx, m.raw, fn)
}

// Close leaves the group and closes the socket.
func (m *MulticastConn) Close() error {
	_ = m.pc.LeaveGroup(m.ifi, &net.UDPAddr{IP: m.group.IP})
	return m.raw.Close()
}
