package delivery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"dev.c0redev.fwpush/internal/endpoint"
	"dev.c0redev.fwpush/internal/guid"
	"dev.c0redev.fwpush/internal/overlay"
	"dev.c0redev.fwpush/internal/proto"
	"dev.c0redev.fwpush/internal/pushproxy"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// State of an attempt; the phase states double as phase labels.
type State int32

const (
	StateStarting State = iota
	StateMulticastOnly
	StateProxyHTTP
	StateFWTUDP
	StateTCPBroadcast
	StateConnected
	StateNoRoute
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateMulticastOnly:
		return "multicast"
	case StateProxyHTTP:
		return "proxy_http"
	case StateFWTUDP:
		return "fwt_udp"
	case StateTCPBroadcast:
		return "tcp_broadcast"
	case StateConnected:
		return "connected"
	case StateNoRoute:
		return "no_route"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Terminal true for Connected and NoRoute.
func (s State) Terminal() bool { return s == StateConnected || s == StateNoRoute }

type arrival struct {
	conn net.Conn
	giv  proto.GIV
}

// Attempt is one push delivery in flight.
type Attempt struct {
	c      *Coordinator
	req    Request
	log    *zap.Logger
	cancel context.CancelFunc

	state     atomic.Int32
	cancelled atomic.Bool

	mu     sync.Mutex
	closed bool
	givs   chan arrival

	done   chan struct{}
	result Result
	err    error
}

func newAttempt(c *Coordinator, req Request, cancel context.CancelFunc) *Attempt {
	return &Attempt{
		c:      c,
		req:    req,
		log:    c.log.With(zap.Stringer("corr", req.Correlation), zap.Stringer("target", req.Target)),
		cancel: cancel,
		givs:   make(chan arrival, 1),
		done:   make(chan struct{}),
	}
}

// Correlation GUID the target echoes in its GIV.
func (a *Attempt) Correlation() guid.GUID { return a.req.Correlation }

// State current state.
func (a *Attempt) State() State { return State(a.state.Load()) }

// Done closed once the attempt is terminal.
func (a *Attempt) Done() <-chan struct{} { return a.done }

// Cancel stops the attempt; it ends in NoRoute with ErrCancelled unless already terminal.
// GIVs are refused from here on, and one already queued is discarded.
func (a *Attempt) Cancel() {
	a.mu.Lock()
	a.closed = true
	a.cancelled.Store(true)
	a.mu.Unlock()
	a.cancel()
}

// Wait blocks until the attempt is terminal or ctx is done.
func (a *Attempt) Wait(ctx context.Context) (Result, error) {
	select {
	case <-a.done:
		return a.result, a.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// deliver hands an inbound GIV conn to the attempt; false if it no longer wants one.
func (a *Attempt) deliver(conn net.Conn, giv proto.GIV) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return false
	}
	select {
	case a.givs <- arrival{conn: conn, giv: giv}:
		return true
	default:
		return false
	}
}

func (a *Attempt) setState(s State) {
	a.state.Store(int32(s))
	if !s.Terminal() && s != StateStarting {
		a.log.Debug("phase", zap.Stringer("phase", s))
	}
}

func (a *Attempt) run(ctx context.Context) {
	var (
		res  Result
		errs error
		ok   bool
	)
	e := a.c.deps.Registry.Get(a.req.Target)
	if e.Multicast {
		res, ok, errs = a.multicast(ctx)
	} else {
		for _, phase := range []func(context.Context) (Result, bool, error){a.proxyHTTP, a.fwtUDP, a.tcpBroadcast} {
			var err error
			res, ok, err = phase(ctx)
			errs = multierr.Append(errs, err)
			if ok || ctx.Err() != nil {
				break
			}
		}
	}
	a.finish(ctx, res, ok, errs)
}

func (a *Attempt) finish(ctx context.Context, res Result, ok bool, errs error) {
	a.mu.Lock()
	a.closed = true
	a.mu.Unlock()
	// a conn queued after the last wait is not ours to keep
	select {
	case late := <-a.givs:
		late.conn.Close()
	default:
	}

	switch {
	case a.cancelled.Load() || ctx.Err() != nil:
		if ok {
			res.Conn.Close()
			ok = false
		}
		a.setState(StateNoRoute)
		a.err = ErrCancelled
	case ok:
		a.setState(StateConnected)
		a.result = res
	default:
		a.setState(StateNoRoute)
		if errs != nil {
			a.err = fmt.Errorf("%w: %v", ErrNoRoute, errs)
		} else {
			a.err = ErrNoRoute
		}
	}
	a.cancel()
	a.c.finished(a)

	outcome := "connected"
	if a.err != nil {
		outcome = "failed"
		if errors.Is(a.err, ErrCancelled) {
			outcome = "cancelled"
		}
	}
	a.c.metrics.attempts.WithLabelValues(outcome).Inc()
	if t := a.c.deps.Transfer; t != nil {
		if ok {
			t.Connected(a.req, res.Conn)
		} else {
			t.Failed(a.req, a.err)
		}
	}
	if ok {
		a.log.Info("push connected", zap.Stringer("phase", res.Phase))
	} else {
		a.log.Info("push failed", zap.Error(a.err))
	}
	close(a.done)
}

// await a GIV for up to d.
func (a *Attempt) await(ctx context.Context, phase State, d time.Duration) (Result, bool, error) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case got := <-a.givs:
		return Result{Conn: got.conn, GIV: got.giv, Phase: phase}, true, nil
	case <-t.C:
		return Result{}, false, fmt.Errorf("%s: %w", phase, ErrTimeout)
	case <-ctx.Done():
		return Result{}, false, ctx.Err()
	}
}

// arrived returns a GIV that is already queued, if any.
func (a *Attempt) arrived(phase State) (Result, bool) {
	select {
	case got := <-a.givs:
		return Result{Conn: got.conn, GIV: got.giv, Phase: phase}, true
	default:
		return Result{}, false
	}
}

func (a *Attempt) phaseResult(phase State, result string) {
	a.c.metrics.phases.WithLabelValues(phase.String(), result).Inc()
}

func (a *Attempt) push(index uint32, addr netip.AddrPort, ttl uint8) (*proto.Message, error) {
	return proto.NewPushMessage(a.req.Correlation, ttl, proto.PushRequest{
		ClientGUID: a.req.Target,
		Index:      index,
		Addr:       addr,
		TLS:        a.c.cfg.TLSIncoming,
	})
}

func (a *Attempt) multicast(ctx context.Context) (Result, bool, error) {
	a.setState(StateMulticastOnly)
	m, err := a.push(a.req.FileIndex, a.c.cfg.Local, 1)
	if err != nil {
		return Result{}, false, err
	}
	if err := a.c.deps.Sender.Send(ctx, m, overlay.MulticastGroup()); err != nil {
		a.phaseResult(StateMulticastOnly, "error")
		return Result{}, false, fmt.Errorf("multicast: %w", err)
	}
	res, ok, err := a.await(ctx, StateMulticastOnly, a.c.cfg.MulticastTimeout)
	a.phaseResult(StateMulticastOnly, resultLabel(ok, err))
	return res, ok, err
}

func (a *Attempt) proxyHTTP(ctx context.Context) (Result, bool, error) {
	e := a.c.deps.Registry.Get(a.req.Target)
	proxies := e.DeclaredProxies()
	if e.DoNotProxy || len(proxies) == 0 || a.c.deps.Proxies == nil {
		return Result{}, false, nil
	}
	a.setState(StateProxyHTTP)
	req := pushproxy.Request{
		Target:      a.req.Target,
		Correlation: a.req.Correlation,
		FileIndex:   a.req.FileIndex,
		TLS:         a.c.cfg.TLSIncoming,
		Node:        a.c.cfg.Local,
	}
	var errs error
	for _, p := range proxies {
		if res, ok := a.arrived(StateProxyHTTP); ok {
			a.phaseResult(StateProxyHTTP, "connected")
			return res, true, nil
		}
		rctx, cancel := context.WithTimeout(ctx, a.c.cfg.ProxyTimeout)
		err := a.c.deps.Proxies.Request(rctx, p, req)
		cancel()
		if ctx.Err() != nil {
			return Result{}, false, ctx.Err()
		}
		if err != nil {
			a.log.Debug("proxy request", zap.Stringer("proxy", p), zap.Error(err))
			a.phaseResult(StateProxyHTTP, "error")
			errs = multierr.Append(errs, fmt.Errorf("proxy %s: %w", p, err))
			continue
		}
		res, ok, err := a.await(ctx, StateProxyHTTP, a.c.cfg.ProxyGrace)
		a.phaseResult(StateProxyHTTP, resultLabel(ok, err))
		return res, ok, err
	}
	return Result{}, false, errs
}

func (a *Attempt) fwtUDP(ctx context.Context) (Result, bool, error) {
	e := a.c.deps.Registry.Get(a.req.Target)
	remote, ok := e.ExternalAddr()
	if !ok || a.c.deps.FWT == nil {
		return Result{}, false, nil
	}
	local, ok := a.c.deps.FWT.External()
	if !ok {
		return Result{}, false, nil
	}
	a.setState(StateFWTUDP)
	m, err := a.push(proto.FWTIndex, local, 1)
	if err != nil {
		return Result{}, false, err
	}
	dsts := udpDestinations(e, remote)
	var sendErrs error
	for _, d := range dsts {
		sendErrs = multierr.Append(sendErrs, a.c.deps.Sender.Send(ctx, m, d))
	}
	if len(multierr.Errors(sendErrs)) == len(dsts) {
		a.phaseResult(StateFWTUDP, "error")
		return Result{}, false, fmt.Errorf("%s: %w", StateFWTUDP, sendErrs)
	}

	fctx, cancel := context.WithTimeout(ctx, a.c.cfg.FWTTimeout)
	defer cancel()
	opened := make(chan error, 1)
	go func() { opened <- a.c.deps.FWT.Open(fctx, a.req.Correlation, remote) }()
	for {
		select {
		case got := <-a.givs:
			a.phaseResult(StateFWTUDP, "connected")
			return Result{Conn: got.conn, GIV: got.giv, Phase: StateFWTUDP}, true, nil
		case err := <-opened:
			opened = nil
			if err != nil {
				if ctx.Err() != nil {
					return Result{}, false, ctx.Err()
				}
				a.phaseResult(StateFWTUDP, "error")
				return Result{}, false, fmt.Errorf("%s: %w", StateFWTUDP, err)
			}
			a.log.Debug("fwt handshake done", zap.Stringer("remote", remote))
		case <-fctx.Done():
			if ctx.Err() != nil {
				return Result{}, false, ctx.Err()
			}
			a.phaseResult(StateFWTUDP, "timeout")
			return Result{}, false, fmt.Errorf("%s: %w", StateFWTUDP, ErrTimeout)
		}
	}
}

// udpDestinations: the target's proxies relay the UDP push; without proxies it goes direct.
func udpDestinations(e endpoint.Endpoint, remote netip.AddrPort) []overlay.Destination {
	ps := e.DeclaredProxies()
	if len(ps) == 0 || e.DoNotProxy {
		return []overlay.Destination{overlay.UDPTo(remote)}
	}
	out := make([]overlay.Destination, 0, len(ps))
	for _, p := range ps {
		out = append(out, overlay.UDPTo(p.Addr))
	}
	return out
}

func (a *Attempt) tcpBroadcast(ctx context.Context) (Result, bool, error) {
	e := a.c.deps.Registry.Get(a.req.Target)
	a.setState(StateTCPBroadcast)
	m, err := a.push(a.req.FileIndex, a.c.cfg.Local, proto.DefaultTTL)
	if err != nil {
		return Result{}, false, err
	}
	if err := a.c.deps.Sender.Send(ctx, m, overlay.RoutedTo(e.Ultrapeer)); err != nil {
		a.phaseResult(StateTCPBroadcast, "error")
		return Result{}, false, fmt.Errorf("%s: %w", StateTCPBroadcast, err)
	}
	res, ok, err := a.await(ctx, StateTCPBroadcast, a.c.cfg.BroadcastTimeout)
	a.phaseResult(StateTCPBroadcast, resultLabel(ok, err))
	return res, ok, err
}

func resultLabel(ok bool, err error) string {
	switch {
	case ok:
		return "connected"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	}
	return "error"
}
