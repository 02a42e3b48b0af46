package proto

import (
	"errors"
	"fmt"
)

// GGEP block: magic, then extensions. Flags byte: bit 7 last, bit 6 COBS, bit 5 deflate,
// bits 0-3 id length. Data length is 1-3 bytes of 6 bits each, 0x80 = more, 0x40 = last.
const (
	ggepMagic = 0xC3

	ggepLast    = 0x80
	ggepCOBS    = 0x40
	ggepDeflate = 0x20
	ggepIDMask  = 0x0F

	ggepLenMore = 0x80
	ggepLenLast = 0x40
	ggepMaxLen  = 1<<18 - 1
)

var errBadGGEP = errors.New("bad ggep")

// GGEP: extension id -> raw data. Encoded extensions cannot use COBS or compression.
type GGEP map[string][]byte

// Has reports whether key is present.
func (g GGEP) Has(key string) bool {
	_, ok := g[key]
	return ok
}

// AppendGGEP appends the block for g to dst; keys in the order given.
func AppendGGEP(dst []byte, g GGEP, keys ...string) ([]byte, error) {
	if len(keys) == 0 {
		return dst, nil
	}
	dst = append(dst, ggepMagic)
	for i, k := range keys {
		if len(k) == 0 || len(k) > ggepIDMask {
			return nil, fmt.Errorf("%w: key %q", errBadGGEP, k)
		}
		data := g[k]
		if len(data) > ggepMaxLen {
			return nil, fmt.Errorf("%w: %s data %d bytes", errBadGGEP, k, len(data))
		}
		flags := byte(len(k))
		if i == len(keys)-1 {
			flags |= ggepLast
		}
		dst = append(dst, flags)
		dst = append(dst, k...)
		dst = appendGGEPLen(dst, len(data))
		dst = append(dst, data...)
	}
	return dst, nil
}

func appendGGEPLen(dst []byte, n int) []byte {
	switch {
	case n < 1<<6:
		return append(dst, ggepLenLast|byte(n))
	case n < 1<<12:
		return append(dst, ggepLenMore|byte(n>>6), ggepLenLast|byte(n&0x3F))
	default:
		return append(dst, ggepLenMore|byte(n>>12), ggepLenMore|byte(n>>6&0x3F), ggepLenLast|byte(n&0x3F))
	}
}

// ParseGGEP reads one block from b; returns the extensions and bytes consumed.
// Extensions using COBS or compression are skipped.
func ParseGGEP(b []byte) (GGEP, int, error) {
	if len(b) == 0 || b[0] != ggepMagic {
		return nil, 0, fmt.Errorf("%w: no magic", errBadGGEP)
	}
	g := GGEP{}
	off := 1
	for {
		if off >= len(b) {
			return nil, 0, fmt.Errorf("%w: truncated", errBadGGEP)
		}
		flags := b[off]
		off++
		idLen := int(flags & ggepIDMask)
		if idLen == 0 || off+idLen > len(b) {
			return nil, 0, fmt.Errorf("%w: id", errBadGGEP)
		}
		id := string(b[off : off+idLen])
		off += idLen
		n := 0
		for j := 0; ; j++ {
			if j == 3 || off >= len(b) {
				return nil, 0, fmt.Errorf("%w: length", errBadGGEP)
			}
			c := b[off]
			off++
			n = n<<6 | int(c&0x3F)
			if c&ggepLenLast != 0 {
				break
			}
			if c&ggepLenMore == 0 {
				return nil, 0, fmt.Errorf("%w: length", errBadGGEP)
			}
		}
		if off+n > len(b) {
			return nil, 0, fmt.Errorf("%w: %s data truncated", errBadGGEP, id)
		}
		if flags&(ggepCOBS|ggepDeflate) == 0 {
			g[id] = append([]byte(nil), b[off:off+n]...)
		}
		off += n
		if flags&ggepLast != 0 {
			return g, off, nil
		}
	}
}
