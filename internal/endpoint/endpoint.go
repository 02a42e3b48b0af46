// Package endpoint: push endpoint (how to reach a firewalled node) and its binary/text wire forms.
//
// An Endpoint is a value. Fields are read-only once built; derive changed copies
// with the With* helpers or through the registry.
package endpoint

import (
	"bytes"
	"fmt"
	"net/netip"
	"slices"

	"dev.c0redev.fwpush/internal/guid"
)

// MaxProxies encoded per endpoint; extra proxies stay in memory only.
const MaxProxies = 4

// DefaultFWTVersion is the FWT version implied by the binary FWT flag.
const DefaultFWTVersion = 1

// Proxy: always-reachable peer relaying pushes to the target.
type Proxy struct {
	Addr netip.AddrPort
	TLS  bool
}

// NewProxy validates addr (IPv4, non-zero ip and port).
func NewProxy(addr netip.AddrPort, tls bool) (Proxy, error) {
	addr = unmap(addr)
	if !usable(addr) {
		return Proxy{}, fmt.Errorf("endpoint: unusable proxy address %s", addr)
	}
	return Proxy{Addr: addr, TLS: tls}, nil
}

func (p Proxy) String() string {
	if p.TLS {
		return p.Addr.String() + "(tls)"
	}
	return p.Addr.String()
}

// Endpoint: target identity, proxy set, FWT capability, optional external address.
type Endpoint struct {
	ClientGUID guid.GUID
	// Proxies in declared order, deduplicated by address.
	Proxies    []Proxy
	FWTVersion int
	// External is ignored whenever FWTVersion == 0.
	External netip.AddrPort

	// local-only, never encoded
	DoNotProxy bool
	Multicast  bool
	Ultrapeer  netip.AddrPort
}

// New builds an endpoint; proxies are deduplicated (TLS flags OR-ed), unusable ones dropped.
func New(g guid.GUID, proxies []Proxy, fwtVersion int, external netip.AddrPort) Endpoint {
	if fwtVersion < 0 {
		fwtVersion = 0
	}
	e := Endpoint{ClientGUID: g, Proxies: dedupe(proxies), FWTVersion: fwtVersion}
	if fwtVersion > 0 {
		e.External = unmap(external)
	}
	return e
}

// Empty is the GUID-only placeholder.
func Empty(g guid.GUID) Endpoint {
	return Endpoint{ClientGUID: g}
}

// Canonical returns proxies sorted by address bytes then port, capped at MaxProxies.
func (e Endpoint) Canonical() []Proxy {
	ps := slices.Clone(e.Proxies)
	slices.SortFunc(ps, compareProxy)
	if len(ps) > MaxProxies {
		ps = ps[:MaxProxies]
	}
	if len(ps) == 0 {
		return nil
	}
	return ps
}

// DeclaredProxies are the proxies in declared order, capped at MaxProxies.
func (e Endpoint) DeclaredProxies() []Proxy {
	if len(e.Proxies) > MaxProxies {
		return slices.Clone(e.Proxies[:MaxProxies])
	}
	return slices.Clone(e.Proxies)
}

// ExternalAddr returns the external address; absent when FWTVersion == 0 or unusable.
func (e Endpoint) ExternalAddr() (netip.AddrPort, bool) {
	if e.FWTVersion <= 0 || !usable(e.External) {
		return netip.AddrPort{}, false
	}
	return e.External, true
}

// SupportsFWT true if FWT is advertised with a usable external address.
func (e Endpoint) SupportsFWT() bool {
	_, ok := e.ExternalAddr()
	return ok
}

// HasTLSProxy true if any canonical (encodable) proxy takes TLS.
func (e Endpoint) HasTLSProxy() bool {
	for _, p := range e.Canonical() {
		if p.TLS {
			return true
		}
	}
	return false
}

// WithProxies copy with the proxy set replaced.
func (e Endpoint) WithProxies(ps []Proxy) Endpoint {
	e.Proxies = dedupe(ps)
	return e
}

// WithFWT copy with FWT info replaced.
func (e Endpoint) WithFWT(version int, external netip.AddrPort) Endpoint {
	if version <= 0 {
		e.FWTVersion = 0
		e.External = netip.AddrPort{}
		return e
	}
	e.FWTVersion = version
	e.External = unmap(external)
	return e
}

// Union copy whose proxy set is e's followed by o's new ones; FWT info from o when o carries it.
func (e Endpoint) Union(o Endpoint) Endpoint {
	e.Proxies = dedupe(append(slices.Clone(e.Proxies), o.Proxies...))
	if o.FWTVersion > 0 {
		e.FWTVersion = o.FWTVersion
		e.External = o.External
	}
	return e
}

// Equal compares wire-relevant state (GUID, proxies in order, FWT info).
func (e Endpoint) Equal(o Endpoint) bool {
	if e.ClientGUID != o.ClientGUID || e.FWTVersion != o.FWTVersion {
		return false
	}
	ea, _ := e.ExternalAddr()
	oa, _ := o.ExternalAddr()
	return ea == oa && slices.Equal(e.Proxies, o.Proxies)
}

func (e Endpoint) String() string {
	return MarshalText(e, true)
}

func dedupe(in []Proxy) []Proxy {
	if len(in) == 0 {
		return nil
	}
	out := make([]Proxy, 0, len(in))
	idx := make(map[netip.AddrPort]int, len(in))
	for _, p := range in {
		p.Addr = unmap(p.Addr)
		if !usable(p.Addr) {
			continue
		}
		if i, ok := idx[p.Addr]; ok {
			out[i].TLS = out[i].TLS || p.TLS
			continue
		}
		idx[p.Addr] = len(out)
		out = append(out, p)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func compareProxy(a, b Proxy) int {
	a4, b4 := a.Addr.Addr().As4(), b.Addr.Addr().As4()
	if c := bytes.Compare(a4[:], b4[:]); c != 0 {
		return c
	}
	return int(a.Addr.Port()) - int(b.Addr.Port())
}

func unmap(a netip.AddrPort) netip.AddrPort {
	if !a.IsValid() {
		return a
	}
	return netip.AddrPortFrom(a.Addr().Unmap(), a.Port())
}

// usable: IPv4, not 0.0.0.0, port != 0.
func usable(a netip.AddrPort) bool {
	return a.IsValid() && a.Addr().Is4() && !a.Addr().IsUnspecified() && a.Port() != 0
}
