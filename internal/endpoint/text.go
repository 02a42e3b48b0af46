package endpoint

import (
	"errors"
	"fmt"
	"net/netip"
	"strconv"
	"strings"

	"dev.c0redev.fwpush/internal/guid"
)

// Text form (X-Push-Endpoint style header value):
//
//	<hex-guid>[;fwt/<v>;<port>:<ip>][;pptls=<hex>];<ip>:<port>;...
const (
	textSep     = ";"
	fwtPrefix   = "fwt/"
	pptlsPrefix = "pptls="
)

var ErrMalformedTextData = errors.New("malformed push endpoint text")

// MarshalText encodes e; pptls only when tlsAware and a carried proxy takes TLS.
func MarshalText(e Endpoint, tlsAware bool) string {
	var sb strings.Builder
	sb.WriteString(e.ClientGUID.String())
	if ext, ok := e.ExternalAddr(); ok {
		fmt.Fprintf(&sb, ";%s%d;%d:%s", fwtPrefix, e.FWTVersion, ext.Port(), ext.Addr())
	}
	ps := e.Canonical()
	if tlsAware && anyTLS(ps) {
		var bits byte
		for i, p := range ps {
			if p.TLS {
				bits |= 1 << i
			}
		}
		fmt.Fprintf(&sb, ";%s%X", pptlsPrefix, bits)
	}
	for _, p := range ps {
		sb.WriteString(textSep)
		sb.WriteString(p.Addr.String())
	}
	return sb.String()
}

// UnmarshalText parses the text form. Unknown name/version and name=value tokens are skipped;
// a token that is none of feature, address or <port>:<ip> is malformed.
// fwt/<v> counts only when directly followed by a valid <port>:<ip>; otherwise FWT is cleared,
// which is more lenient than UnmarshalBinary on purpose.
func UnmarshalText(s string) (Endpoint, error) {
	toks := strings.Split(strings.TrimSpace(s), textSep)
	g, err := guid.Parse(toks[0])
	if err != nil {
		return Endpoint{}, fmt.Errorf("%w: %v", ErrMalformedTextData, err)
	}
	e := Empty(g)
	var (
		ps      []Proxy
		seen    int // proxy tokens so far
		tlsBits uint64
		tlsBase = -1
	)
	for i := 1; i < len(toks); i++ {
		tok := strings.TrimSpace(toks[i])
		if tok == "" {
			continue
		}
		lower := strings.ToLower(tok)
		switch {
		case strings.HasPrefix(lower, fwtPrefix):
			v := parseFWTVersion(tok[len(fwtPrefix):])
			e.FWTVersion, e.External = 0, netip.AddrPort{}
			if i+1 < len(toks) {
				if ext, ok := parseExternal(strings.TrimSpace(toks[i+1])); ok {
					i++
					if v > 0 && usable(ext) {
						e.FWTVersion, e.External = v, ext
					}
				}
			}
		case strings.HasPrefix(lower, pptlsPrefix):
			bits, err := strconv.ParseUint(tok[len(pptlsPrefix):], 16, 64)
			if err != nil {
				return Endpoint{}, fmt.Errorf("%w: bad pptls %q", ErrMalformedTextData, tok)
			}
			tlsBits, tlsBase = bits, seen
		case strings.ContainsAny(tok, "/="):
			// unknown feature token
		case strings.Contains(tok, ":"):
			addr, err := netip.ParseAddrPort(tok)
			if err != nil {
				if _, ok := parseExternal(tok); ok {
					// stray <port>:<ip> without fwt
					continue
				}
				return Endpoint{}, fmt.Errorf("%w: bad address %q", ErrMalformedTextData, tok)
			}
			pos := seen - tlsBase
			seen++
			tls := tlsBase >= 0 && pos < 64 && tlsBits&(1<<uint(pos)) != 0
			addr = unmap(addr)
			if usable(addr) {
				ps = append(ps, Proxy{Addr: addr, TLS: tls})
			}
		default:
			return Endpoint{}, fmt.Errorf("%w: bad token %q", ErrMalformedTextData, tok)
		}
	}
	e.Proxies = dedupe(ps)
	return e, nil
}

// parseFWTVersion: "1", "1.0" -> 1; bad -> 0.
func parseFWTVersion(s string) int {
	if i := strings.IndexByte(s, '.'); i >= 0 {
		s = s[:i]
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return 0
	}
	return v
}

// parseExternal reads <port>:<ip>; ok means well-formed, usability is checked by the caller.
func parseExternal(tok string) (netip.AddrPort, bool) {
	i := strings.IndexByte(tok, ':')
	if i <= 0 {
		return netip.AddrPort{}, false
	}
	port, err := strconv.ParseUint(tok[:i], 10, 16)
	if err != nil {
		return netip.AddrPort{}, false
	}
	ip, err := netip.ParseAddr(tok[i+1:])
	if err != nil {
		return netip.AddrPort{}, false
	}
	return unmap(netip.AddrPortFrom(ip, uint16(port))), true
}
