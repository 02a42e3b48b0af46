package fwt

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/pion/stun/v2"
	"go.uber.org/zap"
)

// DefaultSTUNServer used when none is configured.
const DefaultSTUNServer = "stun.l.google.com:19302"

const stunRetransmit = 500 * time.Millisecond

// ServeSTUN makes the socket answer binding requests (push proxy nodes).
func (s *Socket) ServeSTUN(on bool) {
	s.mu.Lock()
	s.stunServer = on
	s.mu.Unlock()
}

func (s *Socket) handleSTUN(b []byte, from netip.AddrPort) {
	m := &stun.Message{Raw: append([]byte(nil), b...)}
	if err := m.Decode(); err != nil {
		return
	}
	s.mu.Lock()
	ch := s.stunTx[m.TransactionID]
	serve := s.stunServer
	s.mu.Unlock()
	if ch != nil {
		select {
		case ch <- m:
		default:
		}
		return
	}
	if serve && m.Type == stun.BindingRequest {
		resp, err := stun.Build(
			stun.NewTransactionIDSetter(m.TransactionID),
			stun.BindingSuccess,
			&stun.XORMappedAddress{IP: from.Addr().AsSlice(), Port: int(from.Port())},
			stun.Fingerprint,
		)
		if err != nil {
			return
		}
		if err := s.writeToAddrPort(resp.Raw, from); err != nil {
			s.log.Debug("stun reply", zap.Stringer("to", from), zap.Error(err))
		}
	}
}

// Discover asks server for this socket's mapped (external) address.
func (s *Socket) Discover(ctx context.Context, server string) (netip.AddrPort, error) {
	ua, err := net.ResolveUDPAddr("udp4", server)
	if err != nil {
		return netip.AddrPort{}, err
	}
	to := ua.AddrPort()
	to = netip.AddrPortFrom(to.Addr().Unmap(), to.Port())

	req, err := stun.Build(stun.TransactionID, stun.BindingRequest)
	if err != nil {
		return netip.AddrPort{}, err
	}
	ch := make(chan *stun.Message, 1)
	s.mu.Lock()
	s.stunTx[req.TransactionID] = ch
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.stunTx, req.TransactionID)
		s.mu.Unlock()
	}()

	tick := time.NewTicker(stunRetransmit)
	defer tick.Stop()
	for {
		if err := s.writeToAddrPort(req.Raw, to); err != nil {
			return netip.AddrPort{}, err
		}
		select {
		case res := <-ch:
			return mappedAddr(res)
		case <-ctx.Done():
			return netip.AddrPort{}, fmt.Errorf("stun %s: %w", server, ctx.Err())
		case <-tick.C:
		}
	}
}

func mappedAddr(res *stun.Message) (netip.AddrPort, error) {
	var xor stun.XORMappedAddress
	if err := xor.GetFrom(res); err == nil {
		return toAddrPort(xor.IP, xor.Port)
	}
	var mapped stun.MappedAddress
	if err := mapped.GetFrom(res); err != nil {
		return netip.AddrPort{}, fmt.Errorf("stun: no mapped address: %w", err)
	}
	return toAddrPort(mapped.IP, mapped.Port)
}

func toAddrPort(ip net.IP, port int) (netip.AddrPort, error) {
	a, ok := netip.AddrFromSlice(ip)
	if !ok {
		return netip.AddrPort{}, fmt.Errorf("stun: bad address %v", ip)
	}
	return netip.AddrPortFrom(a.Unmap(), uint16(port)), nil
}
