package registry

import (
	"context"
	"net/netip"
	"sync"
	"testing"

	"dev.c0redev.fwpush/internal/endpoint"
	"dev.c0redev.fwpush/internal/guid"
	"dev.c0redev.fwpush/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func proxy(t *testing.T, s string, tls bool) endpoint.Proxy {
	t.Helper()
	p, err := endpoint.NewProxy(netip.MustParseAddrPort(s), tls)
	require.NoError(t, err)
	return p
}

func TestGetCreatesEmpty(t *testing.T) {
	r := New()
	g := guid.New()

	_, ok := r.Lookup(g)
	assert.False(t, ok)

	e := r.Get(g)
	assert.Equal(t, g, e.ClientGUID)
	assert.Empty(t, e.Proxies)
	assert.False(t, e.SupportsFWT())
	assert.Equal(t, 1, r.Len())

	_, ok = r.Lookup(g)
	assert.True(t, ok)
}

func TestOverwriteVisibleToLaterGet(t *testing.T) {
	ctx := context.Background()
	r := New()
	g := guid.New()
	held := r.Get(g)

	e := endpoint.New(g, []endpoint.Proxy{proxy(t, "1.2.3.4:6346", false)}, 1, netip.MustParseAddrPort("8.8.8.8:7000"))
	r.Overwrite(ctx, e)

	// held value is a snapshot
	assert.Empty(t, held.Proxies)

	got := r.Get(g)
	assert.True(t, got.Equal(e))
	assert.True(t, got.SupportsFWT())

	// overwrite replaces, not unions
	e2 := endpoint.New(g, []endpoint.Proxy{proxy(t, "5.6.7.8:6346", true)}, 0, netip.AddrPort{})
	r.Overwrite(ctx, e2)
	got = r.Get(g)
	require.Len(t, got.Proxies, 1)
	assert.Equal(t, "5.6.7.8:6346", got.Proxies[0].Addr.String())
	assert.False(t, got.SupportsFWT())
	assert.Equal(t, 1, r.Len())
}

func TestOverwriteReplacesSourceHints(t *testing.T) {
	ctx := context.Background()
	r := New()
	g := guid.New()
	r.Update(ctx, g, func(e endpoint.Endpoint) endpoint.Endpoint {
		e.DoNotProxy = true
		e.Multicast = true
		e.Ultrapeer = netip.MustParseAddrPort("10.0.0.1:6346")
		return e
	})
	r.Overwrite(ctx, endpoint.New(g, []endpoint.Proxy{proxy(t, "1.2.3.4:1", false)}, 0, netip.AddrPort{}))
	got := r.Get(g)
	assert.False(t, got.DoNotProxy)
	assert.False(t, got.Multicast, "a fresh descriptor is no longer multicast-only")
	assert.Equal(t, "10.0.0.1:6346", got.Ultrapeer.String())
	assert.Len(t, got.Proxies, 1)

	e := endpoint.Empty(g)
	e.Multicast = true
	r.Overwrite(ctx, e)
	assert.True(t, r.Get(g).Multicast)

	// merge only accumulates
	r.Merge(ctx, endpoint.Empty(g))
	assert.True(t, r.Get(g).Multicast)
}

func TestOverwriteText(t *testing.T) {
	ctx := context.Background()
	r := New()
	g := guid.MustParse("0102030405060708090A0B0C0D0E0F10")

	e, err := r.OverwriteText(ctx, g.String()+";fwt/1;7000:8.8.8.8;pptls=1;1.2.3.4:6346;5.6.7.8:6346")
	require.NoError(t, err)
	assert.Len(t, e.Proxies, 2)
	assert.True(t, r.Get(g).Equal(e))

	_, err = r.OverwriteText(ctx, g.String()+";1.2.3.4:notaport")
	assert.ErrorIs(t, err, endpoint.ErrMalformedTextData)
	// failed overwrite leaves entry intact
	assert.Len(t, r.Get(g).Proxies, 2)
}

func TestMergeUnions(t *testing.T) {
	ctx := context.Background()
	r := New()
	g := guid.New()

	r.Merge(ctx, endpoint.New(g, []endpoint.Proxy{proxy(t, "1.2.3.4:1", false)}, 0, netip.AddrPort{}))
	r.Merge(ctx, endpoint.New(g, []endpoint.Proxy{proxy(t, "1.2.3.4:1", true), proxy(t, "2.2.2.2:2", false)}, 1, netip.MustParseAddrPort("8.8.8.8:9")))
	got := r.Get(g)
	require.Len(t, got.Proxies, 2)
	assert.True(t, got.Proxies[0].TLS)
	assert.True(t, got.SupportsFWT())

	// merge without FWT keeps FWT
	r.Merge(ctx, endpoint.New(g, []endpoint.Proxy{proxy(t, "3.3.3.3:3", false)}, 0, netip.AddrPort{}))
	got = r.Get(g)
	assert.Len(t, got.Proxies, 3)
	assert.True(t, got.SupportsFWT())
}

func TestRemoveAndClear(t *testing.T) {
	ctx := context.Background()
	r := New()
	a, b := guid.New(), guid.New()
	r.Get(a)
	r.Get(b)
	assert.Equal(t, 2, r.Len())

	r.Remove(ctx, a)
	assert.Equal(t, 1, r.Len())
	_, ok := r.Lookup(a)
	assert.False(t, ok)
	r.Remove(ctx, a)
	assert.Equal(t, 1, r.Len())

	r.Clear(ctx)
	assert.Equal(t, 0, r.Len())
	_, ok = r.Lookup(b)
	assert.False(t, ok)
}

func TestConcurrentOverwrites(t *testing.T) {
	ctx := context.Background()
	r := New()
	g := guid.New()

	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			addr := netip.AddrPortFrom(netip.AddrFrom4([4]byte{10, 0, byte(i), 1}), 6346)
			r.Merge(ctx, endpoint.New(g, []endpoint.Proxy{{Addr: addr}}, 0, netip.AddrPort{}))
			_ = r.Get(g)
		}(i)
	}
	wg.Wait()
	assert.Len(t, r.Get(g).Proxies, 64)
	assert.Equal(t, 1, r.Len())
}

func TestStoreWriteThroughAndLoad(t *testing.T) {
	ctx := context.Background()
	db, err := store.Open(":memory:")
	require.NoError(t, err)
	defer db.Close()

	r := New(WithStore(db))
	g := guid.New()
	e := endpoint.New(g, []endpoint.Proxy{proxy(t, "1.2.3.4:6346", true)}, 1, netip.MustParseAddrPort("8.8.8.8:7000"))
	r.Overwrite(ctx, e)

	r2 := New(WithStore(db))
	n, err := r2.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	got, ok := r2.Lookup(g)
	require.True(t, ok)
	assert.True(t, got.Equal(e))

	r2.Remove(ctx, g)
	list, err := db.LoadEndpoints(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
}

type saveLog struct {
	mu    sync.Mutex
	saved []endpoint.Endpoint
}

func (s *saveLog) SaveEndpoint(_ context.Context, e endpoint.Endpoint) error {
	s.mu.Lock()
	s.saved = append(s.saved, e)
	s.mu.Unlock()
	return nil
}

func (s *saveLog) DeleteEndpoint(context.Context, guid.GUID) error { return nil }

func (s *saveLog) ClearEndpoints(context.Context) error { return nil }

func (s *saveLog) LoadEndpoints(context.Context) ([]endpoint.Endpoint, error) { return nil, nil }

func (s *saveLog) last() (endpoint.Endpoint, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.saved) == 0 {
		return endpoint.Endpoint{}, 0
	}
	return s.saved[len(s.saved)-1], len(s.saved)
}

func TestStoreSeesLatestAfterConcurrentWrites(t *testing.T) {
	ctx := context.Background()
	log := &saveLog{}
	r := New(WithStore(log))
	g := guid.New()

	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			addr := netip.AddrPortFrom(netip.AddrFrom4([4]byte{10, 0, byte(i), 1}), 6346)
			r.Merge(ctx, endpoint.New(g, []endpoint.Proxy{{Addr: addr}}, 0, netip.AddrPort{}))
		}(i)
	}
	wg.Wait()
	last, n := log.last()
	assert.Equal(t, 64, n)
	assert.True(t, last.Equal(r.Get(g)), "last save is the live value")
	assert.Len(t, last.Proxies, 64)
}

func TestRemovedCellNotPersisted(t *testing.T) {
	ctx := context.Background()
	log := &saveLog{}
	r := New(WithStore(log))
	g := guid.New()
	r.Overwrite(ctx, endpoint.New(g, []endpoint.Proxy{proxy(t, "1.2.3.4:1", false)}, 0, netip.AddrPort{}))
	_, before := log.last()

	// a writer still holding the cell finishes after Remove
	c := r.cell(g)
	r.Remove(ctx, g)
	stale := endpoint.New(g, []endpoint.Proxy{proxy(t, "5.5.5.5:5", false)}, 0, netip.AddrPort{})
	c.Store(&stale)
	r.persist(ctx, g, c)
	_, after := log.last()
	assert.Equal(t, before, after)

	c = r.cell(g)
	r.Clear(ctx)
	c.Store(&stale)
	r.persist(ctx, g, c)
	_, afterClear := log.last()
	assert.Equal(t, after, afterClear)
	assert.Equal(t, 0, r.Len())
}
