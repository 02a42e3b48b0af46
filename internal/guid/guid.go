// Package guid: 16-byte Gnutella GUIDs (client identity and per-attempt correlation).
package guid

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// Size of a GUID on the wire.
const Size = 16

var ErrBadLength = errors.New("guid: need exactly 16 bytes")
var ErrBadHex = errors.New("guid: bad hex")

// GUID is comparable, usable as map key.
type GUID [Size]byte

// Zero GUID (unset).
var Zero GUID

// New returns a random GUID with the modern-servent markers (byte 8 = 0xff, byte 15 = 0x00).
func New() GUID {
	var g GUID
	if _, err := rand.Read(g[:]); err != nil {
		panic("guid: crypto/rand: " + err.Error())
	}
	g[8] = 0xff
	g[15] = 0x00
	return g
}

// FromBytes copies b; err unless len(b) == 16.
func FromBytes(b []byte) (GUID, error) {
	var g GUID
	if len(b) != Size {
		return g, fmt.Errorf("%w: got %d", ErrBadLength, len(b))
	}
	copy(g[:], b)
	return g, nil
}

// Parse reads 32 hex digits, case-insensitive.
func Parse(s string) (GUID, error) {
	var g GUID
	s = strings.TrimSpace(s)
	if len(s) != 2*Size {
		return g, fmt.Errorf("%w: %q", ErrBadHex, s)
	}
	if _, err := hex.Decode(g[:], []byte(s)); err != nil {
		return g, fmt.Errorf("%w: %q", ErrBadHex, s)
	}
	return g, nil
}

// MustParse like Parse, panics on error (tests, constants).
func MustParse(s string) GUID {
	g, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return g
}

// String is 32 uppercase hex digits.
func (g GUID) String() string {
	return strings.ToUpper(hex.EncodeToString(g[:]))
}

// Bytes returns a copy.
func (g GUID) Bytes() []byte {
	b := make([]byte, Size)
	copy(b, g[:])
	return b
}

// IsZero true if unset.
func (g GUID) IsZero() bool { return g == Zero }

// Short is the first 8 hex digits (logs).
func (g GUID) Short() string { return g.String()[:8] }
