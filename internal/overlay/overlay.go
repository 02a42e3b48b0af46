// Package overlay: Gnutella overlay plumbing around the push protocol.
// Framed TCP connections (Conn), the proxy-side leaf table (Hub), datagram and
// multicast sockets, and the Sender used by the delivery coordinator.
package overlay

import (
	"context"
	"errors"
	"fmt"
	"net/netip"

	"dev.c0redev.fwpush/internal/proto"
)

var ErrNotConnected = errors.New("overlay: not connected")
var ErrClosed = errors.New("overlay: closed")

// Kind of destination.
type Kind uint8

const (
	// Routed: over overlay TCP toward Addr (ultrapeer hint); invalid Addr = all ultrapeers.
	Routed Kind = iota
	// UDP: one datagram to Addr.
	UDP
	// Multicast: one datagram to the LAN multicast group.
	Multicast
)

func (k Kind) String() string {
	switch k {
	case Routed:
		return "routed"
	case UDP:
		return "udp"
	case Multicast:
		return "multicast"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Destination of a sent message.
type Destination struct {
	Kind Kind
	Addr netip.AddrPort
}

// RoutedTo toward ultrapeer hint (zero = broadcast to connected ultrapeers).
func RoutedTo(hint netip.AddrPort) Destination { return Destination{Kind: Routed, Addr: hint} }

// UDPTo single datagram.
func UDPTo(addr netip.AddrPort) Destination { return Destination{Kind: UDP, Addr: addr} }

// MulticastGroup destination.
func MulticastGroup() Destination { return Destination{Kind: Multicast} }

func (d Destination) String() string {
	if d.Addr.IsValid() {
		return d.Kind.String() + ":" + d.Addr.String()
	}
	return d.Kind.String()
}

// Sender: send capability injected into the coordinator.
type Sender interface {
	Send(ctx context.Context, m *proto.Message, dst Destination) error
}

// SenderFunc adapts a func to Sender.
type SenderFunc func(ctx context.Context, m *proto.Message, dst Destination) error

func (f SenderFunc) Send(ctx context.Context, m *proto.Message, dst Destination) error {
	return f(ctx, m, dst)
}
