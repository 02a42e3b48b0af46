package fwt

import (
	"context"
	"net/netip"
	"time"

	"dev.c0redev.fwpush/internal/guid"
	"go.uber.org/zap"
)

// punch packet: 0x00 'F' 'W' 'T', kind, correlation guid.
// First byte 0x00 never has the QUIC fixed bit set.
const (
	punchSize = 5 + guid.Size

	punchSyn byte = 1
	punchAck byte = 2
)

var punchMagic = [4]byte{0x00, 'F', 'W', 'T'}

// DefaultPunchInterval between punch packets.
const DefaultPunchInterval = 200 * time.Millisecond

type punchPacket struct {
	kind byte
	corr guid.GUID
}

type punchKey = guid.GUID

type punchWait struct {
	done chan struct{}
	from netip.AddrPort
}

func (p punchPacket) marshal() []byte {
	b := make([]byte, 0, punchSize)
	b = append(b, punchMagic[:]...)
	b = append(b, p.kind)
	return append(b, p.corr[:]...)
}

func isPunch(b []byte) bool {
	return len(b) == punchSize && [4]byte(b[:4]) == punchMagic
}

func parsePunch(b []byte) (punchPacket, bool) {
	if !isPunch(b) || (b[4] != punchSyn && b[4] != punchAck) {
		return punchPacket{}, false
	}
	var p punchPacket
	p.kind = b[4]
	copy(p.corr[:], b[5:])
	return p, true
}

func (s *Socket) handlePunch(p punchPacket, from netip.AddrPort) {
	if p.kind == punchSyn {
		if err := s.writeToAddrPort(punchPacket{kind: punchAck, corr: p.corr}.marshal(), from); err != nil {
			s.log.Debug("punch ack", zap.Stringer("to", from), zap.Error(err))
		}
	}
	s.mu.Lock()
	w := s.waits[p.corr]
	if w != nil {
		delete(s.waits, p.corr)
		w.from = from
	}
	s.mu.Unlock()
	if w != nil {
		close(w.done)
	}
}

// Punch sends punch packets for corr to remote until the peer is heard from or ctx is done.
// Returns the address the peer was heard from (differs from remote behind port-rewriting NATs).
func (s *Socket) Punch(ctx context.Context, corr guid.GUID, remote netip.AddrPort, interval time.Duration) (netip.AddrPort, error) {
	if interval <= 0 {
		interval = DefaultPunchInterval
	}
	w := &punchWait{done: make(chan struct{})}
	s.mu.Lock()
	s.waits[corr] = w
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		if s.waits[corr] == w {
			delete(s.waits, corr)
		}
		s.mu.Unlock()
	}()

	syn := punchPacket{kind: punchSyn, corr: corr}.marshal()
	tick := time.NewTicker(interval)
	defer tick.Stop()
	for {
		if err := s.writeToAddrPort(syn, remote); err != nil {
			s.log.Debug("punch", zap.Stringer("to", remote), zap.Error(err))
		}
		select {
		case <-w.done:
			return w.from, nil
		case <-ctx.Done():
			return netip.AddrPort{}, ctx.Err()
		case <-tick.C:
		}
	}
}
