// Package api: admin HTTP API of a push proxy node (endpoint registry, leaf stats).
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/netip"
	"strings"
	"sync"

	"dev.c0redev.fwpush/internal/endpoint"
	"dev.c0redev.fwpush/internal/guid"
	"dev.c0redev.fwpush/internal/idwords"
	"dev.c0redev.fwpush/internal/registry"
	"dev.c0redev.fwpush/internal/server/auth"
)

// Pinger reports storage health (store.DB).
type Pinger interface {
	PingContext(ctx context.Context) error
}

// LeafCounter reports connected leaves (overlay.Hub).
type LeafCounter interface {
	Len() int
}

// Server holds API deps.
type Server struct {
	Registry  *registry.Registry
	DB        Pinger
	Leaves    LeafCounter
	tokenHash string

	// last token that passed bcrypt, so repeat calls skip the hash
	okMu    sync.Mutex
	okToken string
}

// New; tokenHash is a bcrypt hash (auth.HashToken). Empty disables the /api routes.
func New(reg *registry.Registry, db Pinger, leaves LeafCounter, tokenHash string) *Server {
	return &Server{Registry: reg, DB: db, Leaves: leaves, tokenHash: tokenHash}
}

// EndpointDTO: JSON view of a push endpoint.
type EndpointDTO struct {
	GUID       string     `json:"guid"`
	Label      string     `json:"label"`
	Text       string     `json:"text"`
	Proxies    []ProxyDTO `json:"proxies"`
	FWTVersion int        `json:"fwt_version"`
	External   string     `json:"external,omitempty"`
	DoNotProxy bool       `json:"do_not_proxy,omitempty"`
	Multicast  bool       `json:"multicast,omitempty"`
	Ultrapeer  string     `json:"ultrapeer,omitempty"`
}

type ProxyDTO struct {
	Addr string `json:"addr"`
	TLS  bool   `json:"tls"`
}

// PutEndpointRequest body: text form, as in an X-Push-Endpoint header.
type PutEndpointRequest struct {
	Text      string `json:"text"`
	Merge     bool   `json:"merge,omitempty"`
	Ultrapeer string `json:"ultrapeer,omitempty"`
}

// StatsResponse GET /api/stats.
type StatsResponse struct {
	Endpoints int `json:"endpoints"`
	Leaves    int `json:"leaves"`
}

func endpointToDTO(e endpoint.Endpoint) EndpointDTO {
	d := EndpointDTO{
		GUID:       e.ClientGUID.String(),
		Label:      idwords.ForGUID(e.ClientGUID),
		Text:       endpoint.MarshalText(e, true),
		Proxies:    make([]ProxyDTO, 0, len(e.Proxies)),
		FWTVersion: e.FWTVersion,
		DoNotProxy: e.DoNotProxy,
		Multicast:  e.Multicast,
	}
	for _, p := range e.Proxies {
		d.Proxies = append(d.Proxies, ProxyDTO{Addr: p.Addr.String(), TLS: p.TLS})
	}
	if ext, ok := e.ExternalAddr(); ok {
		d.External = ext.String()
	}
	if e.Ultrapeer.IsValid() {
		d.Ultrapeer = e.Ultrapeer.String()
	}
	return d
}

// RequireToken true if the request carries the admin bearer token.
func (s *Server) RequireToken(r *http.Request) bool {
	tok := auth.Bearer(r)
	if tok == "" {
		return false
	}
	s.okMu.Lock()
	cached := s.okToken
	s.okMu.Unlock()
	if cached != "" && auth.ConstantTimeEqual(tok, cached) {
		return true
	}
	if !auth.CheckToken(tok, s.tokenHash) {
		return false
	}
	s.okMu.Lock()
	s.okToken = tok
	s.okMu.Unlock()
	return true
}

// HandleReady GET /ready; 200 if DB ok else 503.
func (s *Server) HandleReady(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.DB != nil {
		if err := s.DB.PingContext(r.Context()); err != nil {
			http.Error(w, "db unavailable", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
}

// HandleEndpoints GET /api/endpoints?guid= (one), PUT/POST (overwrite or merge from text form).
func (s *Server) HandleEndpoints(w http.ResponseWriter, r *http.Request) {
	if !s.RequireToken(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	switch r.Method {
	case http.MethodGet:
		g, err := guid.Parse(r.URL.Query().Get("guid"))
		if err != nil {
			http.Error(w, "bad guid", http.StatusBadRequest)
			return
		}
		e, ok := s.Registry.Lookup(g)
		if !ok {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(endpointToDTO(e))
	case http.MethodPut, http.MethodPost:
		var req PutEndpointRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		e, err := endpoint.UnmarshalText(strings.TrimSpace(req.Text))
		if err != nil {
			if errors.Is(err, endpoint.ErrMalformedTextData) {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		if req.Ultrapeer != "" {
			up, err := netip.ParseAddrPort(req.Ultrapeer)
			if err != nil {
				http.Error(w, "bad ultrapeer", http.StatusBadRequest)
				return
			}
			e.Ultrapeer = up
		}
		if req.Merge {
			e = s.Registry.Merge(r.Context(), e)
		} else {
			e = s.Registry.Overwrite(r.Context(), e)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(endpointToDTO(e))
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// HandleDeleteEndpoint POST /api/endpoints/delete?guid=
func (s *Server) HandleDeleteEndpoint(w http.ResponseWriter, r *http.Request) {
	if !s.RequireToken(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if r.Method != http.MethodPost && r.Method != http.MethodDelete {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	g, err := guid.Parse(r.URL.Query().Get("guid"))
	if err != nil {
		http.Error(w, "bad guid", http.StatusBadRequest)
		return
	}
	s.Registry.Remove(r.Context(), g)
	w.WriteHeader(http.StatusNoContent)
}

// HandleStats GET /api/stats
func (s *Server) HandleStats(w http.ResponseWriter, r *http.Request) {
	if !s.RequireToken(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	resp := StatsResponse{Endpoints: s.Registry.Len()}
	if s.Leaves != nil {
		resp.Leaves = s.Leaves.Len()
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// CORS for the admin routes.
func CORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, PUT, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Mount registers routes on mux.
func (s *Server) Mount(mux *http.ServeMux) {
	mux.HandleFunc("/ready", s.HandleReady)
	mux.Handle("/api/endpoints", CORS(http.HandlerFunc(s.HandleEndpoints)))
	mux.Handle("/api/endpoints/delete", CORS(http.HandlerFunc(s.HandleDeleteEndpoint)))
	mux.Handle("/api/stats", CORS(http.HandlerFunc(s.HandleStats)))
}
