// Package delivery drives push delivery to a firewalled target: push proxies over HTTP,
// then a firewall-to-firewall UDP handshake, then a routed overlay push, until the target
// connects back with a GIV carrying the attempt's correlation GUID.
package delivery

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"time"

	"dev.c0redev.fwpush/internal/endpoint"
	"dev.c0redev.fwpush/internal/guid"
	"dev.c0redev.fwpush/internal/overlay"
	"dev.c0redev.fwpush/internal/proto"
	"dev.c0redev.fwpush/internal/pushproxy"
	"github.com/jellydator/ttlcache/v3"
	"go.uber.org/zap"
)

var (
	ErrNoRoute   = errors.New("delivery: no route to target")
	ErrCancelled = errors.New("delivery: cancelled")
	ErrTimeout   = errors.New("delivery: phase timed out")
	ErrPending   = errors.New("delivery: correlation already pending")
	ErrNoLocal   = errors.New("delivery: local address not ipv4")
)

// Config: local identity and phase timeouts.
type Config struct {
	// Local is where targets connect back (TCP) and what PushRequests carry.
	Local netip.AddrPort
	// TLSIncoming advertises TLS on every push; TLS serves those connect-backs.
	TLSIncoming bool
	TLS         *tls.Config
	// Secret, if set, mints address-encoded correlation GUIDs bound to Local.
	Secret *guid.Secret

	ProxyTimeout     time.Duration
	ProxyGrace       time.Duration
	FWTTimeout       time.Duration
	BroadcastTimeout time.Duration
	MulticastTimeout time.Duration
	GIVReadTimeout   time.Duration
	PendingTTL       time.Duration
}

// DefaultConfig timeouts; Local still has to be set.
func DefaultConfig() Config {
	return Config{
		ProxyTimeout:     3 * time.Second,
		ProxyGrace:       4 * time.Second,
		FWTTimeout:       8 * time.Second,
		BroadcastTimeout: 8 * time.Second,
		MulticastTimeout: 3 * time.Second,
		GIVReadTimeout:   5 * time.Second,
		PendingTTL:       60 * time.Second,
	}
}

func (c *Config) fill() {
	d := DefaultConfig()
	set := func(v *time.Duration, def time.Duration) {
		if *v <= 0 {
			*v = def
		}
	}
	set(&c.ProxyTimeout, d.ProxyTimeout)
	set(&c.ProxyGrace, d.ProxyGrace)
	set(&c.FWTTimeout, d.FWTTimeout)
	set(&c.BroadcastTimeout, d.BroadcastTimeout)
	set(&c.MulticastTimeout, d.MulticastTimeout)
	set(&c.GIVReadTimeout, d.GIVReadTimeout)
	set(&c.PendingTTL, d.PendingTTL)
}

// Registry is the endpoint source, re-read at every phase.
type Registry interface {
	Get(g guid.GUID) endpoint.Endpoint
}

// ProxyRequester sends HTTP push proxy requests (pushproxy.Client).
type ProxyRequester interface {
	Request(ctx context.Context, proxy endpoint.Proxy, req pushproxy.Request) error
}

// FWT is the local hole-punch transport (fwt.Transport).
type FWT interface {
	External() (netip.AddrPort, bool)
	Open(ctx context.Context, corr guid.GUID, remote netip.AddrPort) error
}

// Transfer receives the outcome of every attempt exactly once.
type Transfer interface {
	Connected(req Request, conn net.Conn)
	Failed(req Request, err error)
}

// Deps injected into New. Registry and Sender are required.
type Deps struct {
	Registry Registry
	Sender   overlay.Sender
	Proxies  ProxyRequester
	FWT      FWT
	Transfer Transfer
	Logger   *zap.Logger
	Metrics  *Metrics
}

// Request: what to fetch from whom. Correlation is minted when zero.
type Request struct {
	Target      guid.GUID
	FileIndex   uint32
	FileName    string
	Correlation guid.GUID
}

// Result of a connected attempt.
type Result struct {
	Conn  net.Conn
	GIV   proto.GIV
	Phase State
}

// Coordinator starts attempts and matches inbound GIVs to them.
type Coordinator struct {
	cfg     Config
	deps    Deps
	log     *zap.Logger
	metrics *Metrics
	pending *ttlcache.Cache[guid.GUID, *Attempt]
}

// New builds a coordinator; call Sweep to run the pending table janitor.
func New(cfg Config, deps Deps) *Coordinator {
	cfg.fill()
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Metrics == nil {
		deps.Metrics = NewMetrics(nil)
	}
	c := &Coordinator{
		cfg:     cfg,
		deps:    deps,
		log:     deps.Logger.Named("delivery"),
		metrics: deps.Metrics,
		pending: ttlcache.New(
			ttlcache.WithTTL[guid.GUID, *Attempt](cfg.PendingTTL),
			ttlcache.WithDisableTouchOnHit[guid.GUID, *Attempt](),
		),
	}
	c.pending.OnEviction(func(_ context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[guid.GUID, *Attempt]) {
		if reason == ttlcache.EvictionReasonExpired {
			c.log.Debug("pending expired", zap.Stringer("corr", item.Key()))
			item.Value().Cancel()
		}
	})
	return c
}

// Sweep runs the pending table janitor until ctx is done.
func (c *Coordinator) Sweep(ctx context.Context) {
	go c.pending.Start()
	<-ctx.Done()
	c.pending.Stop()
}

func (c *Coordinator) sweep() { c.pending.DeleteExpired() }

// Pending number of attempts awaiting a GIV.
func (c *Coordinator) Pending() int { return c.pending.Len() }

// Start registers req and runs its attempt in the background; ctx bounds the whole attempt.
func (c *Coordinator) Start(ctx context.Context, req Request) (*Attempt, error) {
	local := netip.AddrPortFrom(c.cfg.Local.Addr().Unmap(), c.cfg.Local.Port())
	if !local.Addr().Is4() {
		return nil, ErrNoLocal
	}
	if req.Correlation.IsZero() {
		corr, err := c.mint(local)
		if err != nil {
			return nil, err
		}
		req.Correlation = corr
	}
	actx, cancel := context.WithCancel(ctx)
	a := newAttempt(c, req, cancel)
	if _, loaded := c.pending.GetOrSet(req.Correlation, a); loaded {
		cancel()
		return nil, fmt.Errorf("%w: %s", ErrPending, req.Correlation)
	}
	c.metrics.pending.Inc()
	go a.run(actx)
	return a, nil
}

func (c *Coordinator) mint(local netip.AddrPort) (guid.GUID, error) {
	if c.cfg.Secret != nil {
		return guid.AddressEncode(*c.cfg.Secret, local)
	}
	return guid.New(), nil
}

// finished drops a from the pending table once it reaches a terminal state.
func (c *Coordinator) finished(a *Attempt) {
	if item := c.pending.Get(a.req.Correlation); item != nil && item.Value() == a {
		c.pending.Delete(a.req.Correlation)
	}
	c.metrics.pending.Dec()
}
