// Package pushproxy: HTTP push proxy requests (GET /gnutella/push-proxy), both sides.
package pushproxy

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"dev.c0redev.fwpush/internal/guid"
	"dev.c0redev.fwpush/internal/overlay"
	"dev.c0redev.fwpush/internal/proto"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

const (
	Path = "/gnutella/push-proxy"

	ParamServerID = "ServerID"
	ParamID       = "ID"
	ParamFile     = "file"
	ParamTLS      = "tls"
	HeaderNode    = "X-Node"
)

const rateLimitWindow = time.Minute
const rateLimitMaxPerIP = 120

// Forwarder delivers a push message to a connected leaf (overlay.Hub).
type Forwarder interface {
	Forward(g guid.GUID, m *proto.Message) error
}

// Server: push proxy side.
type Server struct {
	hub Forwarder
	log *zap.Logger

	requests *prometheus.CounterVec

	rateLimitMu sync.Mutex
	rateLimit   map[string]rateLimitEntry
}

type rateLimitEntry struct {
	count int
	until time.Time
}

// NewServer; reg opt (nil = metrics not registered).
func NewServer(hub Forwarder, log *zap.Logger, reg prometheus.Registerer) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{
		hub: hub,
		log: log.Named("pushproxy"),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fwpush_pushproxy_requests_total",
			Help: "Push proxy HTTP requests by result.",
		}, []string{"result"}),
		rateLimit: make(map[string]rateLimitEntry),
	}
	if reg != nil {
		reg.MustRegister(s.requests)
	}
	return s
}

// allow false if rate limited (per remote IP).
func (s *Server) allow(r *http.Request) bool {
	ip, _, _ := net.SplitHostPort(r.RemoteAddr)
	if ip == "" {
		ip = r.RemoteAddr
	}
	now := time.Now()
	s.rateLimitMu.Lock()
	defer s.rateLimitMu.Unlock()
	e, ok := s.rateLimit[ip]
	if !ok || now.After(e.until) {
		s.rateLimit[ip] = rateLimitEntry{count: 1, until: now.Add(rateLimitWindow)}
		return true
	}
	if e.count >= rateLimitMaxPerIP {
		return false
	}
	e.count++
	s.rateLimit[ip] = e
	return true
}

// sweep drops expired rate limit entries.
func (s *Server) sweep(now time.Time) {
	s.rateLimitMu.Lock()
	for k, e := range s.rateLimit {
		if now.After(e.until) {
			delete(s.rateLimit, k)
		}
	}
	s.rateLimitMu.Unlock()
}

// Cleanup runs sweep every window until stop is closed.
func (s *Server) Cleanup(stop <-chan struct{}) {
	tick := time.NewTicker(rateLimitWindow)
	defer tick.Stop()
	for {
		select {
		case <-stop:
			return
		case now := <-tick.C:
			s.sweep(now)
		}
	}
}

// HandlePushProxy GET /gnutella/push-proxy?ServerID=&ID=&file=&tls=; X-Node: requester ip:port.
func (s *Server) HandlePushProxy(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.allow(r) {
		s.requests.WithLabelValues("rate_limited").Inc()
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}
	req, err := parseRequest(r)
	if err != nil {
		s.requests.WithLabelValues("bad_request").Inc()
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	m, err := proto.NewPushMessage(req.Correlation, 1, proto.PushRequest{
		ClientGUID: req.Target,
		Index:      req.FileIndex,
		Addr:       req.Node,
		TLS:        req.TLS,
	})
	if err != nil {
		s.requests.WithLabelValues("bad_request").Inc()
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.hub.Forward(req.Target, m); err != nil {
		if errors.Is(err, overlay.ErrNotConnected) {
			s.requests.WithLabelValues("gone").Inc()
			http.Error(w, "leaf not connected", http.StatusGone)
			return
		}
		s.requests.WithLabelValues("error").Inc()
		s.log.Warn("forward push", zap.Stringer("target", req.Target), zap.Error(err))
		http.Error(w, "forward failed", http.StatusBadGateway)
		return
	}
	s.requests.WithLabelValues("forwarded").Inc()
	s.log.Debug("push forwarded", zap.Stringer("target", req.Target), zap.Stringer("corr", req.Correlation), zap.Stringer("node", req.Node))
	w.WriteHeader(http.StatusAccepted)
}

// HandleHealth GET /health.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(struct {
		Status string `json:"status"`
	}{Status: "ok"})
}

// Mount registers routes on mux.
func (s *Server) Mount(mux *http.ServeMux) {
	mux.HandleFunc(Path, s.HandlePushProxy)
	mux.HandleFunc("/health", s.HandleHealth)
}

type request struct {
	Target      guid.GUID
	Correlation guid.GUID
	FileIndex   uint32
	TLS         bool
	Node        netip.AddrPort
}

func parseRequest(r *http.Request) (request, error) {
	q := r.URL.Query()
	var req request
	var err error
	if req.Target, err = guid.Parse(q.Get(ParamServerID)); err != nil {
		return request{}, errors.New("bad ServerID")
	}
	if id := q.Get(ParamID); id != "" {
		if req.Correlation, err = guid.Parse(id); err != nil {
			return request{}, errors.New("bad ID")
		}
	} else {
		req.Correlation = guid.New()
	}
	if f := q.Get(ParamFile); f != "" {
		n, err := strconv.ParseUint(f, 10, 32)
		if err != nil {
			return request{}, errors.New("bad file")
		}
		req.FileIndex = uint32(n)
	}
	req.TLS = strings.EqualFold(q.Get(ParamTLS), "true")
	node, err := netip.ParseAddrPort(strings.TrimSpace(r.Header.Get(HeaderNode)))
	if err != nil || !node.Addr().Unmap().Is4() || node.Port() == 0 {
		return request{}, errors.New("bad X-Node")
	}
	req.Node = netip.AddrPortFrom(node.Addr().Unmap(), node.Port())
	return req, nil
}
