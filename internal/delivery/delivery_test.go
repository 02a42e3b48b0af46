package delivery

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"dev.c0redev.fwpush/internal/endpoint"
	"dev.c0redev.fwpush/internal/fwt"
	"dev.c0redev.fwpush/internal/guid"
	"dev.c0redev.fwpush/internal/overlay"
	"dev.c0redev.fwpush/internal/proto"
	"dev.c0redev.fwpush/internal/pushproxy"
	"dev.c0redev.fwpush/internal/registry"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sent struct {
	m   *proto.Message
	dst overlay.Destination
}

type fakeSender struct {
	mu   sync.Mutex
	sent []sent
	err  error
}

func (s *fakeSender) Send(_ context.Context, m *proto.Message, dst overlay.Destination) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, sent{m: m, dst: dst})
	return s.err
}

func (s *fakeSender) all() []sent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sent(nil), s.sent...)
}

type fakeProxies struct {
	mu    sync.Mutex
	calls []netip.AddrPort
	reqs  []pushproxy.Request
	ok    map[netip.AddrPort]bool
	// onOK runs when a proxy accepts.
	onOK func(req pushproxy.Request)
}

func (p *fakeProxies) Request(_ context.Context, proxy endpoint.Proxy, req pushproxy.Request) error {
	p.mu.Lock()
	p.calls = append(p.calls, proxy.Addr)
	p.reqs = append(p.reqs, req)
	accept := p.ok[proxy.Addr]
	p.mu.Unlock()
	if !accept {
		return pushproxy.StatusError(410)
	}
	if p.onOK != nil {
		p.onOK(req)
	}
	return nil
}

func (p *fakeProxies) called() []netip.AddrPort {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]netip.AddrPort(nil), p.calls...)
}

type fakeFWT struct {
	ext     netip.AddrPort
	openErr error
	opened  chan netip.AddrPort
}

func (f *fakeFWT) External() (netip.AddrPort, bool) { return f.ext, f.ext.IsValid() }

func (f *fakeFWT) Open(_ context.Context, _ guid.GUID, remote netip.AddrPort) error {
	if f.opened != nil {
		f.opened <- remote
	}
	return f.openErr
}

type fakeTransfer struct {
	mu        sync.Mutex
	connected []Request
	failed    []error
}

func (t *fakeTransfer) Connected(req Request, _ net.Conn) {
	t.mu.Lock()
	t.connected = append(t.connected, req)
	t.mu.Unlock()
}

func (t *fakeTransfer) Failed(_ Request, err error) {
	t.mu.Lock()
	t.failed = append(t.failed, err)
	t.mu.Unlock()
}

var (
	local  = netip.MustParseAddrPort("127.0.0.1:6346")
	proxyA = netip.MustParseAddrPort("10.0.0.1:6346")
	proxyB = netip.MustParseAddrPort("10.0.0.2:6346")
	extT   = netip.MustParseAddrPort("8.8.4.4:7000")
)

func testConfig() Config {
	return Config{
		Local:            local,
		TLSIncoming:      true,
		ProxyTimeout:     200 * time.Millisecond,
		ProxyGrace:       200 * time.Millisecond,
		FWTTimeout:       100 * time.Millisecond,
		BroadcastTimeout: 100 * time.Millisecond,
		MulticastTimeout: 50 * time.Millisecond,
		GIVReadTimeout:   time.Second,
		PendingTTL:       time.Minute,
	}
}

type harness struct {
	c        *Coordinator
	reg      *registry.Registry
	sender   *fakeSender
	proxies  *fakeProxies
	fwt      *fakeFWT
	transfer *fakeTransfer
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		reg:      registry.New(),
		sender:   &fakeSender{},
		proxies:  &fakeProxies{ok: map[netip.AddrPort]bool{}},
		fwt:      &fakeFWT{ext: netip.MustParseAddrPort("9.9.9.9:5000"), openErr: errors.New("punch failed")},
		transfer: &fakeTransfer{},
	}
	h.c = New(cfg, Deps{
		Registry: h.reg,
		Sender:   h.sender,
		Proxies:  h.proxies,
		FWT:      h.fwt,
		Transfer: h.transfer,
	})
	return h
}

func (h *harness) target(t *testing.T, e endpoint.Endpoint) guid.GUID {
	t.Helper()
	h.reg.Overwrite(context.Background(), e)
	return e.ClientGUID
}

func wait(t *testing.T, a *Attempt) (Result, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := a.Wait(ctx)
	require.NotErrorIs(t, err, context.DeadlineExceeded)
	return res, err
}

// giv writes a GIV (plus trailing data) into a pipe served by HandleGIV.
func giv(c *Coordinator, corr guid.GUID, trailer string) (client net.Conn, matched chan bool) {
	client, server := net.Pipe()
	matched = make(chan bool, 1)
	go func() { matched <- c.HandleGIV(server) }()
	go func() {
		io.WriteString(client, proto.FormatGIV(proto.GIV{Index: 1, Correlation: corr, FileName: "f"})+trailer)
	}()
	return client, matched
}

func decodePush(t *testing.T, m *proto.Message) proto.PushRequest {
	t.Helper()
	require.Equal(t, proto.FuncPush, m.Func)
	p, err := proto.DecodePushRequest(m.Payload)
	require.NoError(t, err)
	return p
}

func TestFailoverOrder(t *testing.T) {
	h := newHarness(t, testConfig())
	target := h.target(t, endpoint.New(guid.New(), []endpoint.Proxy{{Addr: proxyB}, {Addr: proxyA}}, 1, extT))

	a, err := h.c.Start(context.Background(), Request{Target: target, FileIndex: 7})
	require.NoError(t, err)
	_, err = wait(t, a)
	require.ErrorIs(t, err, ErrNoRoute)
	assert.Equal(t, StateNoRoute, a.State())

	// phase 1: declared order
	assert.Equal(t, []netip.AddrPort{proxyB, proxyA}, h.proxies.called())

	msgs := h.sender.all()
	require.Len(t, msgs, 3)
	// phase 2: FWT push relayed by each proxy over UDP
	for i, want := range []netip.AddrPort{proxyB, proxyA} {
		assert.Equal(t, overlay.UDPTo(want), msgs[i].dst)
		p := decodePush(t, msgs[i].m)
		assert.True(t, p.IsFWT())
		assert.Equal(t, "9.9.9.9:5000", p.Addr.String())
	}
	// phase 3: routed standard push
	assert.Equal(t, overlay.Routed, msgs[2].dst.Kind)
	p := decodePush(t, msgs[2].m)
	assert.Equal(t, uint32(7), p.Index)
	assert.Equal(t, local, p.Addr)

	for _, s := range msgs {
		assert.True(t, decodePush(t, s.m).TLS, "tls flag on every push")
		assert.Equal(t, a.Correlation(), s.m.GUID)
	}
	for _, r := range h.proxies.reqs {
		assert.True(t, r.TLS)
		assert.Equal(t, a.Correlation(), r.Correlation)
	}
	require.Len(t, h.transfer.failed, 1)
	assert.Equal(t, 0, h.c.Pending())
}

func TestMulticastShortCircuit(t *testing.T) {
	h := newHarness(t, testConfig())
	e := endpoint.New(guid.New(), []endpoint.Proxy{{Addr: proxyA}}, 1, extT)
	e.Multicast = true
	target := h.target(t, e)

	a, err := h.c.Start(context.Background(), Request{Target: target})
	require.NoError(t, err)
	_, err = wait(t, a)
	require.ErrorIs(t, err, ErrNoRoute)

	msgs := h.sender.all()
	require.Len(t, msgs, 1)
	assert.Equal(t, overlay.Multicast, msgs[0].dst.Kind)
	assert.True(t, decodePush(t, msgs[0].m).TLS)
	assert.Empty(t, h.proxies.called())
}

func TestMulticastConnects(t *testing.T) {
	cfg := testConfig()
	cfg.MulticastTimeout = 2 * time.Second
	h := newHarness(t, cfg)
	e := endpoint.Empty(guid.New())
	e.Multicast = true
	target := h.target(t, e)

	a, err := h.c.Start(context.Background(), Request{Target: target})
	require.NoError(t, err)
	client, matched := giv(h.c, a.Correlation(), "")
	defer client.Close()
	res, err := wait(t, a)
	require.NoError(t, err)
	assert.True(t, <-matched)
	assert.Equal(t, StateMulticastOnly, res.Phase)
	res.Conn.Close()
}

func TestProxyAcceptsThenGIV(t *testing.T) {
	h := newHarness(t, testConfig())
	target := h.target(t, endpoint.New(guid.New(), []endpoint.Proxy{{Addr: proxyA}, {Addr: proxyB}}, 0, netip.AddrPort{}))
	h.proxies.ok[proxyB] = true
	var client net.Conn
	h.proxies.onOK = func(req pushproxy.Request) {
		client, _ = giv(h.c, req.Correlation, "hello")
	}

	a, err := h.c.Start(context.Background(), Request{Target: target, FileName: "f"})
	require.NoError(t, err)
	res, err := wait(t, a)
	require.NoError(t, err)
	defer client.Close()
	defer res.Conn.Close()

	assert.Equal(t, StateConnected, a.State())
	assert.Equal(t, StateProxyHTTP, res.Phase)
	assert.Equal(t, a.Correlation(), res.GIV.Correlation)
	assert.Equal(t, []netip.AddrPort{proxyA, proxyB}, h.proxies.called())
	assert.Empty(t, h.sender.all())

	// bytes after the GIV are still readable
	buf := make([]byte, 5)
	_, err = io.ReadFull(res.Conn, buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf))
	require.Len(t, h.transfer.connected, 1)
}

func TestProxyCapAndDoNotProxy(t *testing.T) {
	t.Run("cap", func(t *testing.T) {
		h := newHarness(t, testConfig())
		var ps []endpoint.Proxy
		for i := 1; i <= 6; i++ {
			ps = append(ps, endpoint.Proxy{Addr: netip.AddrPortFrom(netip.AddrFrom4([4]byte{10, 0, 1, byte(i)}), 6346)})
		}
		target := h.target(t, endpoint.New(guid.New(), ps, 0, netip.AddrPort{}))
		a, err := h.c.Start(context.Background(), Request{Target: target})
		require.NoError(t, err)
		_, err = wait(t, a)
		require.ErrorIs(t, err, ErrNoRoute)
		calls := h.proxies.called()
		require.Len(t, calls, endpoint.MaxProxies)
		for i, c := range calls {
			assert.Equal(t, ps[i].Addr, c)
		}
	})
	t.Run("do not proxy", func(t *testing.T) {
		h := newHarness(t, testConfig())
		e := endpoint.New(guid.New(), []endpoint.Proxy{{Addr: proxyA}}, 1, extT)
		e.DoNotProxy = true
		target := h.target(t, e)
		a, err := h.c.Start(context.Background(), Request{Target: target})
		require.NoError(t, err)
		_, err = wait(t, a)
		require.ErrorIs(t, err, ErrNoRoute)
		assert.Empty(t, h.proxies.called())
		msgs := h.sender.all()
		require.Len(t, msgs, 2)
		assert.Equal(t, overlay.UDPTo(extT), msgs[0].dst, "fwt push goes direct")
		assert.Equal(t, overlay.Routed, msgs[1].dst.Kind)
	})
}

func TestFWTSkippedWithoutLocalExternal(t *testing.T) {
	h := newHarness(t, testConfig())
	h.fwt.ext = netip.AddrPort{}
	target := h.target(t, endpoint.New(guid.New(), nil, 1, extT))
	a, err := h.c.Start(context.Background(), Request{Target: target})
	require.NoError(t, err)
	_, err = wait(t, a)
	require.ErrorIs(t, err, ErrNoRoute)
	msgs := h.sender.all()
	require.Len(t, msgs, 1)
	assert.Equal(t, overlay.Routed, msgs[0].dst.Kind)
}

func TestFWTConnects(t *testing.T) {
	cfg := testConfig()
	cfg.FWTTimeout = 2 * time.Second
	h := newHarness(t, cfg)
	h.fwt.openErr = nil
	h.fwt.opened = make(chan netip.AddrPort, 1)
	target := h.target(t, endpoint.New(guid.New(), nil, 1, extT))

	a, err := h.c.Start(context.Background(), Request{Target: target})
	require.NoError(t, err)
	assert.Equal(t, extT, <-h.fwt.opened)
	client, _ := giv(h.c, a.Correlation(), "")
	defer client.Close()
	res, err := wait(t, a)
	require.NoError(t, err)
	defer res.Conn.Close()
	assert.Equal(t, StateFWTUDP, res.Phase)
}

func TestCancelDiscardsLateGIV(t *testing.T) {
	cfg := testConfig()
	cfg.BroadcastTimeout = time.Minute
	h := newHarness(t, cfg)
	target := h.target(t, endpoint.Empty(guid.New()))

	a, err := h.c.Start(context.Background(), Request{Target: target})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return a.State() == StateTCPBroadcast }, time.Second, 5*time.Millisecond)
	a.Cancel()
	_, err = wait(t, a)
	require.ErrorIs(t, err, ErrCancelled)
	assert.Equal(t, StateNoRoute, a.State())
	assert.Equal(t, 0, h.c.Pending())

	client, matched := giv(h.c, a.Correlation(), "")
	defer client.Close()
	assert.False(t, <-matched)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.c.metrics.unmatched))
	n := len(h.sender.all())
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, n, len(h.sender.all()), "no traffic after cancel")
}

// gateSender holds the routed send until released.
type gateSender struct {
	entered chan struct{}
	release chan struct{}
}

func (s *gateSender) Send(_ context.Context, _ *proto.Message, dst overlay.Destination) error {
	if dst.Kind == overlay.Routed {
		s.entered <- struct{}{}
		<-s.release
	}
	return nil
}

func TestCancelWinsOverQueuedGIV(t *testing.T) {
	for i := 0; i < 50; i++ {
		sender := &gateSender{entered: make(chan struct{}, 1), release: make(chan struct{})}
		transfer := &fakeTransfer{}
		reg := registry.New()
		target := endpoint.Empty(guid.New())
		reg.Overwrite(context.Background(), target)
		cfg := testConfig()
		cfg.BroadcastTimeout = time.Minute
		c := New(cfg, Deps{Registry: reg, Sender: sender, Transfer: transfer})

		a, err := c.Start(context.Background(), Request{Target: target.ClientGUID})
		require.NoError(t, err)
		<-sender.entered
		conn, peer := net.Pipe()
		require.True(t, a.deliver(conn, proto.GIV{Correlation: a.Correlation()}))
		a.Cancel()
		late, latePeer := net.Pipe()
		assert.False(t, a.deliver(late, proto.GIV{Correlation: a.Correlation()}), "intake closed by cancel")
		late.Close()
		latePeer.Close()
		close(sender.release)

		_, err = wait(t, a)
		require.ErrorIs(t, err, ErrCancelled)
		assert.Equal(t, StateNoRoute, a.State())
		transfer.mu.Lock()
		assert.Empty(t, transfer.connected)
		assert.Len(t, transfer.failed, 1)
		transfer.mu.Unlock()
		_ = peer.SetReadDeadline(time.Now().Add(time.Second))
		_, err = peer.Read(make([]byte, 1))
		assert.ErrorIs(t, err, io.EOF, "queued conn closed")
		peer.Close()
	}
}

func TestPendingExpiry(t *testing.T) {
	cfg := testConfig()
	cfg.BroadcastTimeout = time.Minute
	cfg.PendingTTL = 10 * time.Millisecond
	h := newHarness(t, cfg)
	target := h.target(t, endpoint.Empty(guid.New()))

	a, err := h.c.Start(context.Background(), Request{Target: target})
	require.NoError(t, err)
	time.Sleep(30 * time.Millisecond)
	h.c.sweep()
	_, err = wait(t, a)
	require.ErrorIs(t, err, ErrCancelled)
}

func TestStartErrors(t *testing.T) {
	cfg := testConfig()
	cfg.BroadcastTimeout = time.Minute
	h := newHarness(t, cfg)
	target := h.target(t, endpoint.Empty(guid.New()))
	corr := guid.New()

	a, err := h.c.Start(context.Background(), Request{Target: target, Correlation: corr})
	require.NoError(t, err)
	defer a.Cancel()
	_, err = h.c.Start(context.Background(), Request{Target: target, Correlation: corr})
	assert.ErrorIs(t, err, ErrPending)

	cfg.Local = netip.MustParseAddrPort("[::1]:6346")
	c6 := New(cfg, Deps{Registry: h.reg, Sender: h.sender})
	_, err = c6.Start(context.Background(), Request{Target: target})
	assert.ErrorIs(t, err, ErrNoLocal)
}

func TestAddressEncodedCorrelation(t *testing.T) {
	cfg := testConfig()
	secret := guid.NewSecret()
	cfg.Secret = &secret
	h := newHarness(t, cfg)
	target := h.target(t, endpoint.Empty(guid.New()))
	a, err := h.c.Start(context.Background(), Request{Target: target})
	require.NoError(t, err)
	a.Cancel()
	assert.True(t, a.Correlation().Verify(secret))
	assert.True(t, a.Correlation().AddressMatches(local))
}

func TestUnmatchedAndGarbage(t *testing.T) {
	h := newHarness(t, testConfig())
	client, matched := giv(h.c, guid.New(), "")
	assert.False(t, <-matched)
	client.Close()

	client, server := net.Pipe()
	ok := make(chan bool, 1)
	go func() { ok <- h.c.HandleGIV(server) }()
	go io.WriteString(client, "GET / HTTP/1.1\r\n\r\n")
	assert.False(t, <-ok)
	client.Close()
	assert.Equal(t, 2.0, testutil.ToFloat64(h.c.metrics.unmatched))
}

func TestAcceptorTCP(t *testing.T) {
	cfg := testConfig()
	cfg.BroadcastTimeout = 5 * time.Second
	h := newHarness(t, cfg)
	target := h.target(t, endpoint.Empty(guid.New()))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	acc := &Acceptor{C: h.c, Listeners: []net.Listener{ln}}
	served := make(chan error, 1)
	go func() { served <- acc.Serve(ctx) }()

	a, err := h.c.Start(context.Background(), Request{Target: target})
	require.NoError(t, err)
	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	_, err = io.WriteString(conn, proto.FormatGIV(proto.GIV{Index: 3, Correlation: a.Correlation(), FileName: "x"}))
	require.NoError(t, err)

	res, err := wait(t, a)
	require.NoError(t, err)
	res.Conn.Close()
	assert.Equal(t, StateTCPBroadcast, res.Phase)
	assert.Equal(t, uint32(3), res.GIV.Index)

	cancel()
	assert.NoError(t, <-served)
}

func TestTLSConnectBack(t *testing.T) {
	cert, err := fwt.SelfSignedCert()
	require.NoError(t, err)
	cfg := testConfig()
	cfg.BroadcastTimeout = 5 * time.Second
	cfg.TLS = fwt.ServerTLS(cert)
	h := newHarness(t, cfg)
	target := h.target(t, endpoint.Empty(guid.New()))

	a, err := h.c.Start(context.Background(), Request{Target: target})
	require.NoError(t, err)

	client, server := net.Pipe()
	go h.c.HandleGIV(server)
	tc := tls.Client(client, &tls.Config{InsecureSkipVerify: true})
	defer tc.Close()
	go func() {
		w := bufio.NewWriter(tc)
		w.WriteString(proto.FormatGIV(proto.GIV{Index: 1, Correlation: a.Correlation(), FileName: "f"}))
		w.Flush()
	}()

	res, err := wait(t, a)
	require.NoError(t, err)
	defer res.Conn.Close()
	_, isTLS := res.Conn.(*givConn).Conn.(*tls.Conn)
	assert.True(t, isTLS)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "proxy_http", StateProxyHTTP.String())
	assert.Equal(t, "fwt_udp", StateFWTUDP.String())
	assert.True(t, StateNoRoute.Terminal())
	assert.False(t, StateTCPBroadcast.Terminal())
}
