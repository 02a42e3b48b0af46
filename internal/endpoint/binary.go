package endpoint

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net/netip"

	"dev.c0redev.fwpush/internal/guid"
	"go.uber.org/multierr"
)

// Binary layout:
//
//	[0]       header: bits 0-2 proxy count, bit 3 FWT, bit 7 TLS bitmap present
//	[1:17]    client GUID
//	[+6]      external IPv4 + LE port, if FWT
//	[+6*n]    proxies, IPv4 + LE port
//	[+1]      TLS bitmap, bit i = i-th proxy above, if TLS
const (
	HeaderSize = 1 + guid.Size
	AddrSize   = 6

	countMask = 0x07
	fwtFlag   = 0x08
	tlsFlag   = 0x80
)

var ErrMalformedWireData = errors.New("malformed push endpoint wire data")

// BinarySize is len(MarshalBinary(e, tlsAware)) without encoding.
func BinarySize(e Endpoint, tlsAware bool) int {
	ps := e.Canonical()
	n := HeaderSize + AddrSize*len(ps)
	if e.SupportsFWT() {
		n += AddrSize
	}
	if tlsAware && anyTLS(ps) {
		n++
	}
	return n
}

// MarshalBinary encodes e; tlsAware adds the TLS bitmap when a carried proxy takes TLS.
func MarshalBinary(e Endpoint, tlsAware bool) []byte {
	return AppendBinary(make([]byte, 0, BinarySize(e, tlsAware)), e, tlsAware)
}

// AppendBinary appends the encoding of e to dst.
func AppendBinary(dst []byte, e Endpoint, tlsAware bool) []byte {
	ps := e.Canonical()
	ext, fwt := e.ExternalAddr()
	withTLS := tlsAware && anyTLS(ps)

	header := byte(len(ps)) & countMask
	if fwt {
		header |= fwtFlag
	}
	if withTLS {
		header |= tlsFlag
	}
	dst = append(dst, header)
	dst = append(dst, e.ClientGUID[:]...)
	if fwt {
		dst = appendAddr(dst, ext)
	}
	var bits byte
	for i, p := range ps {
		dst = appendAddr(dst, p.Addr)
		if p.TLS {
			bits |= 1 << i
		}
	}
	if withTLS {
		dst = append(dst, bits)
	}
	return dst
}

// WriteBinary writes the encoding of e to w.
func WriteBinary(w io.Writer, e Endpoint, tlsAware bool) error {
	_, err := w.Write(MarshalBinary(e, tlsAware))
	return err
}

// recordLen from header byte; count may be > MaxProxies (caller rejects).
func recordLen(header byte) int {
	n := HeaderSize + AddrSize*int(header&countMask)
	if header&fwtFlag != 0 {
		n += AddrSize
	}
	if header&tlsFlag != 0 {
		n++
	}
	return n
}

// UnmarshalBinary decodes one endpoint from b; returns bytes consumed.
// The GUID region is taken verbatim, writers that populated only 15 bytes decode as written.
func UnmarshalBinary(b []byte) (Endpoint, int, error) {
	if len(b) < HeaderSize {
		return Endpoint{}, 0, fmt.Errorf("%w: %d bytes, need %d", ErrMalformedWireData, len(b), HeaderSize)
	}
	header := b[0]
	count := int(header & countMask)
	size := recordLen(header)
	if count > MaxProxies {
		return Endpoint{}, 0, fmt.Errorf("%w: %d proxies", ErrMalformedWireData, count)
	}
	if len(b) < size {
		return Endpoint{}, 0, fmt.Errorf("%w: truncated, %d bytes, need %d", ErrMalformedWireData, len(b), size)
	}
	var e Endpoint
	copy(e.ClientGUID[:], b[1:HeaderSize])
	off := HeaderSize
	if header&fwtFlag != 0 {
		ext := readAddr(b[off:])
		if !usable(ext) {
			return Endpoint{}, 0, fmt.Errorf("%w: fwt flag without usable address", ErrMalformedWireData)
		}
		e.FWTVersion = DefaultFWTVersion
		e.External = ext
		off += AddrSize
	}
	var bits byte
	if header&tlsFlag != 0 {
		bits = b[size-1]
	}
	ps := make([]Proxy, 0, count)
	for i := 0; i < count; i++ {
		addr := readAddr(b[off:])
		off += AddrSize
		if !usable(addr) {
			continue
		}
		ps = append(ps, Proxy{Addr: addr, TLS: bits&(1<<i) != 0})
	}
	e.Proxies = dedupe(ps)
	return e, size, nil
}

// ReadBinary reads one endpoint from r.
func ReadBinary(r io.Reader) (Endpoint, error) {
	head := make([]byte, HeaderSize, HeaderSize+AddrSize*(countMask+1)+1)
	if _, err := io.ReadFull(r, head); err != nil {
		return Endpoint{}, fmt.Errorf("%w: %v", ErrMalformedWireData, err)
	}
	if int(head[0]&countMask) > MaxProxies {
		return Endpoint{}, fmt.Errorf("%w: %d proxies", ErrMalformedWireData, head[0]&countMask)
	}
	buf := head[:recordLen(head[0])]
	if _, err := io.ReadFull(r, buf[HeaderSize:]); err != nil {
		return Endpoint{}, fmt.Errorf("%w: %v", ErrMalformedWireData, err)
	}
	e, _, err := UnmarshalBinary(buf)
	return e, err
}

// DecodeAll decodes back-to-back records; malformed records whose length is known are skipped,
// decoding stops at the first truncated one. err joins all per-record errors.
func DecodeAll(b []byte) ([]Endpoint, error) {
	var out []Endpoint
	var errs error
	for len(b) > 0 {
		e, n, err := UnmarshalBinary(b)
		if err == nil {
			out = append(out, e)
			b = b[n:]
			continue
		}
		errs = multierr.Append(errs, err)
		size := recordLen(b[0])
		if len(b) < HeaderSize || len(b) < size {
			break
		}
		b = b[size:]
	}
	return out, errs
}

func appendAddr(dst []byte, a netip.AddrPort) []byte {
	ip := a.Addr().As4()
	dst = append(dst, ip[:]...)
	return binary.LittleEndian.AppendUint16(dst, a.Port())
}

func readAddr(b []byte) netip.AddrPort {
	ip := netip.AddrFrom4([4]byte{b[0], b[1], b[2], b[3]})
	return netip.AddrPortFrom(ip, binary.LittleEndian.Uint16(b[4:6]))
}

func anyTLS(ps []Proxy) bool {
	for _, p := range ps {
		if p.TLS {
			return true
		}
	}
	return false
}
