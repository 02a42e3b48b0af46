package pushproxy

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"sync"
	"testing"
	"time"

	"dev.c0redev.fwpush/internal/endpoint"
	"dev.c0redev.fwpush/internal/guid"
	"dev.c0redev.fwpush/internal/overlay"
	"dev.c0redev.fwpush/internal/proto"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHub struct {
	mu     sync.Mutex
	leaves map[guid.GUID]bool
	got    []*proto.Message
}

func (h *fakeHub) Forward(g guid.GUID, m *proto.Message) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.leaves[g] {
		return overlay.ErrNotConnected
	}
	h.got = append(h.got, m)
	return nil
}

func newTestServer(t *testing.T, leaves ...guid.GUID) (*Server, *fakeHub, *httptest.Server) {
	t.Helper()
	hub := &fakeHub{leaves: map[guid.GUID]bool{}}
	for _, g := range leaves {
		hub.leaves[g] = true
	}
	s := NewServer(hub, nil, prometheus.NewRegistry())
	mux := http.NewServeMux()
	s.Mount(mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return s, hub, ts
}

func proxyFor(t *testing.T, ts *httptest.Server) endpoint.Proxy {
	t.Helper()
	return endpoint.Proxy{Addr: netip.MustParseAddrPort(ts.Listener.Addr().String())}
}

func TestRequestForwarded(t *testing.T) {
	target := guid.New()
	s, hub, ts := newTestServer(t, target)
	c := NewClient(2 * time.Second)

	corr := guid.New()
	err := c.Request(context.Background(), proxyFor(t, ts), Request{
		Target:      target,
		Correlation: corr,
		FileIndex:   42,
		TLS:         true,
		Node:        netip.MustParseAddrPort("9.8.7.6:6346"),
	})
	require.NoError(t, err)

	require.Len(t, hub.got, 1)
	m := hub.got[0]
	assert.Equal(t, corr, m.GUID)
	assert.Equal(t, proto.FuncPush, m.Func)
	p, err := proto.DecodePushRequest(m.Payload)
	require.NoError(t, err)
	assert.Equal(t, target, p.ClientGUID)
	assert.Equal(t, uint32(42), p.Index)
	assert.Equal(t, "9.8.7.6:6346", p.Addr.String())
	assert.True(t, p.TLS)
	assert.Equal(t, 1.0, testutil.ToFloat64(s.requests.WithLabelValues("forwarded")))
}

func TestRequestLeafGone(t *testing.T) {
	_, _, ts := newTestServer(t)
	c := NewClient(2 * time.Second)
	err := c.Request(context.Background(), proxyFor(t, ts), Request{
		Target:      guid.New(),
		Correlation: guid.New(),
		Node:        netip.MustParseAddrPort("9.8.7.6:6346"),
	})
	var se StatusError
	require.True(t, errors.As(err, &se), "err %v", err)
	assert.Equal(t, http.StatusGone, int(se))
}

func TestBadParams(t *testing.T) {
	target := guid.New()
	s, _, _ := newTestServer(t, target)
	cases := map[string]struct {
		query string
		node  string
	}{
		"no server id":  {"", "1.2.3.4:5"},
		"bad id":        {"ServerID=" + target.String() + "&ID=zz", "1.2.3.4:5"},
		"bad file":      {"ServerID=" + target.String() + "&file=-1", "1.2.3.4:5"},
		"missing node":  {"ServerID=" + target.String(), ""},
		"ipv6 node":     {"ServerID=" + target.String(), "[::1]:5"},
		"zero port":     {"ServerID=" + target.String(), "1.2.3.4:0"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, Path+"?"+tc.query, nil)
			if tc.node != "" {
				req.Header.Set(HeaderNode, tc.node)
			}
			rr := httptest.NewRecorder()
			s.HandlePushProxy(rr, req)
			assert.Equal(t, http.StatusBadRequest, rr.Code)
		})
	}
}

func TestCorrelationMintedWhenAbsent(t *testing.T) {
	target := guid.New()
	s, hub, _ := newTestServer(t, target)
	req := httptest.NewRequest(http.MethodGet, Path+"?ServerID="+target.String(), nil)
	req.Header.Set(HeaderNode, "1.2.3.4:5")
	rr := httptest.NewRecorder()
	s.HandlePushProxy(rr, req)
	require.Equal(t, http.StatusAccepted, rr.Code)
	require.Len(t, hub.got, 1)
	assert.False(t, hub.got[0].GUID.IsZero())
}

func TestRateLimit(t *testing.T) {
	target := guid.New()
	s, _, _ := newTestServer(t, target)
	var last int
	for i := 0; i <= rateLimitMaxPerIP; i++ {
		req := httptest.NewRequest(http.MethodGet, Path+"?ServerID="+target.String(), nil)
		req.Header.Set(HeaderNode, "1.2.3.4:5")
		rr := httptest.NewRecorder()
		s.HandlePushProxy(rr, req)
		last = rr.Code
	}
	assert.Equal(t, http.StatusTooManyRequests, last)

	s.sweep(time.Now().Add(2 * rateLimitWindow))
	assert.Empty(t, s.rateLimit)
}

func TestHealthAndMethod(t *testing.T) {
	s, _, _ := newTestServer(t)
	rr := httptest.NewRecorder()
	s.HandleHealth(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = httptest.NewRecorder()
	s.HandlePushProxy(rr, httptest.NewRequest(http.MethodPost, Path, nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}

func TestURL(t *testing.T) {
	target := guid.MustParse("0102030405060708090A0B0C0D0E0F10")
	corr := guid.MustParse("00112233445566778899AABBCCDDEEFF")
	p := endpoint.Proxy{Addr: netip.MustParseAddrPort("1.2.3.4:6346"), TLS: true}
	u := URL(p, Request{Target: target, Correlation: corr, FileIndex: 7, TLS: true})
	assert.Equal(t, "https://1.2.3.4:6346/gnutella/push-proxy?ID=00112233445566778899AABBCCDDEEFF&ServerID=0102030405060708090A0B0C0D0E0F10&file=7&tls=true", u)
}
