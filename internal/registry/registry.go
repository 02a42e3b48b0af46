// Package registry: process-wide client GUID -> canonical push endpoint table.
//
// Entries are immutable endpoint values behind per-GUID atomic pointers. Overwrites swap a
// single entry; holders of an older value do not see the change and must call Get again.
// Store writes for one GUID are serialized and always save the entry's latest value.
package registry

import (
	"context"
	"sync"
	"sync/atomic"

	"dev.c0redev.fwpush/internal/endpoint"
	"dev.c0redev.fwpush/internal/guid"
	"go.uber.org/zap"
)

// Store persists endpoints across restarts (see internal/store).
type Store interface {
	SaveEndpoint(ctx context.Context, e endpoint.Endpoint) error
	DeleteEndpoint(ctx context.Context, g guid.GUID) error
	ClearEndpoints(ctx context.Context) error
	LoadEndpoints(ctx context.Context) ([]endpoint.Endpoint, error)
}

// Registry maps client GUID -> endpoint.
type Registry struct {
	entries sync.Map // guid.GUID -> *cell
	count   atomic.Int64
	store   Store
	log     *zap.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithStore writes overwrites through to s.
func WithStore(s Store) Option {
	return func(r *Registry) { r.store = s }
}

// WithLogger sets the logger (default nop).
func WithLogger(l *zap.Logger) Option {
	return func(r *Registry) { r.log = l.Named("registry") }
}

// New returns an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{log: zap.NewNop()}
	for _, o := range opts {
		o(r)
	}
	return r
}

type cell struct {
	atomic.Pointer[endpoint.Endpoint]
	// persist orders store writes and deletes for this GUID
	persist sync.Mutex
}

func (r *Registry) cell(g guid.GUID) *cell {
	if c, ok := r.entries.Load(g); ok {
		return c.(*cell)
	}
	fresh := new(cell)
	empty := endpoint.Empty(g)
	fresh.Store(&empty)
	c, loaded := r.entries.LoadOrStore(g, fresh)
	if !loaded {
		r.count.Add(1)
	}
	return c.(*cell)
}

// Get returns the canonical endpoint for g, creating an empty one if absent.
func (r *Registry) Get(g guid.GUID) endpoint.Endpoint {
	return *r.cell(g).Load()
}

// Lookup returns the endpoint for g without creating it.
func (r *Registry) Lookup(g guid.GUID) (endpoint.Endpoint, bool) {
	c, ok := r.entries.Load(g)
	if !ok {
		return endpoint.Endpoint{}, false
	}
	return *c.(*cell).Load(), true
}

// Overwrite replaces the proxy set, FWT info and source hints (do-not-proxy, multicast) of
// e.ClientGUID's entry with e's. The last known ultrapeer survives unless e sets one.
func (r *Registry) Overwrite(ctx context.Context, e endpoint.Endpoint) endpoint.Endpoint {
	return r.update(ctx, e.ClientGUID, func(cur endpoint.Endpoint) endpoint.Endpoint {
		next := cur.WithProxies(e.Proxies).WithFWT(e.FWTVersion, e.External)
		next.DoNotProxy, next.Multicast = e.DoNotProxy, e.Multicast
		if e.Ultrapeer.IsValid() {
			next.Ultrapeer = e.Ultrapeer
		}
		return next
	})
}

// OverwriteText parses a text-form endpoint and overwrites its entry.
func (r *Registry) OverwriteText(ctx context.Context, s string) (endpoint.Endpoint, error) {
	e, err := endpoint.UnmarshalText(s)
	if err != nil {
		return endpoint.Endpoint{}, err
	}
	return r.Overwrite(ctx, e), nil
}

// Merge adds e's proxies to the entry; FWT info taken from e when e carries it.
// Hints only accumulate here: a set flag in e sets it, a clear one leaves the entry's.
func (r *Registry) Merge(ctx context.Context, e endpoint.Endpoint) endpoint.Endpoint {
	return r.update(ctx, e.ClientGUID, func(cur endpoint.Endpoint) endpoint.Endpoint {
		return withHints(cur.Union(e), e)
	})
}

// Update applies fn to the entry for g atomically (compare-and-swap loop).
func (r *Registry) Update(ctx context.Context, g guid.GUID, fn func(endpoint.Endpoint) endpoint.Endpoint) endpoint.Endpoint {
	return r.update(ctx, g, fn)
}

func (r *Registry) update(ctx context.Context, g guid.GUID, fn func(endpoint.Endpoint) endpoint.Endpoint) endpoint.Endpoint {
	c := r.cell(g)
	for {
		old := c.Load()
		next := fn(*old)
		next.ClientGUID = g
		if c.CompareAndSwap(old, &next) {
			r.persist(ctx, g, c)
			return next
		}
	}
}

// Remove evicts g.
func (r *Registry) Remove(ctx context.Context, g guid.GUID) {
	v, ok := r.entries.Load(g)
	if !ok {
		r.deleteStored(ctx, g)
		return
	}
	c := v.(*cell)
	c.persist.Lock()
	defer c.persist.Unlock()
	if r.entries.CompareAndDelete(g, c) {
		r.count.Add(-1)
	}
	r.deleteStored(ctx, g)
}

func (r *Registry) deleteStored(ctx context.Context, g guid.GUID) {
	if r.store == nil {
		return
	}
	if err := r.store.DeleteEndpoint(ctx, g); err != nil {
		r.log.Warn("store delete", zap.Stringer("guid", g), zap.Error(err))
	}
}

// Clear drops all entries (session reset).
func (r *Registry) Clear(ctx context.Context) {
	r.entries.Range(func(k, v any) bool {
		c := v.(*cell)
		c.persist.Lock()
		if r.entries.CompareAndDelete(k, c) {
			r.count.Add(-1)
		}
		c.persist.Unlock()
		return true
	})
	if r.store != nil {
		if err := r.store.ClearEndpoints(ctx); err != nil {
			r.log.Warn("store clear", zap.Error(err))
		}
	}
}

// Len number of entries.
func (r *Registry) Len() int {
	return int(r.count.Load())
}

// Load restores entries from the store; returns how many were loaded.
func (r *Registry) Load(ctx context.Context) (int, error) {
	if r.store == nil {
		return 0, nil
	}
	list, err := r.store.LoadEndpoints(ctx)
	if err != nil {
		return 0, err
	}
	for _, e := range list {
		e := e
		c := r.cell(e.ClientGUID)
		c.Store(&e)
	}
	r.log.Info("loaded endpoints", zap.Int("count", len(list)))
	return len(list), nil
}

// persist saves c's current value, not the one this writer swapped in: a later writer may
// have won the lock first. A cell no longer in the table is not saved.
func (r *Registry) persist(ctx context.Context, g guid.GUID, c *cell) {
	if r.store == nil {
		return
	}
	c.persist.Lock()
	defer c.persist.Unlock()
	if v, ok := r.entries.Load(g); !ok || v.(*cell) != c {
		return
	}
	e := *c.Load()
	if err := r.store.SaveEndpoint(ctx, e); err != nil {
		r.log.Warn("store save", zap.Stringer("guid", g), zap.Error(err))
	}
}

func withHints(next, src endpoint.Endpoint) endpoint.Endpoint {
	if src.DoNotProxy {
		next.DoNotProxy = true
	}
	if src.Multicast {
		next.Multicast = true
	}
	if src.Ultrapeer.IsValid() {
		next.Ultrapeer = src.Ultrapeer
	}
	return next
}
