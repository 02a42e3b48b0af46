package guid

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"net/netip"

	"golang.org/x/crypto/blake2s"
)

// Address-encoded layout:
//
//	[0:4]   requester IPv4
//	[4:8]   blake2s-256(secret, ip|port|nonce)[:4]
//	[8]     0xff
//	[9:13]  nonce
//	[13:15] requester port, LE
//	[15]    0x00
const (
	ipOff    = 0
	macOff   = 4
	nonceOff = 9
	portOff  = 13
	macLen   = 4
)

var ErrNotIPv4 = errors.New("guid: address encoding needs IPv4")

// Secret keys the MAC in address-encoded GUIDs; only its holder can verify them.
type Secret [32]byte

// NewSecret returns a random node-local secret.
func NewSecret() Secret {
	var s Secret
	if _, err := rand.Read(s[:]); err != nil {
		panic("guid: crypto/rand: " + err.Error())
	}
	return s
}

// AddressEncode mints a correlation GUID carrying addr (requester IP:port) and a keyed MAC.
func AddressEncode(secret Secret, addr netip.AddrPort) (GUID, error) {
	ip := addr.Addr().Unmap()
	if !ip.Is4() {
		return Zero, ErrNotIPv4
	}
	g := New()
	ip4 := ip.As4()
	copy(g[ipOff:ipOff+4], ip4[:])
	binary.LittleEndian.PutUint16(g[portOff:portOff+2], addr.Port())
	mac := g.mac(secret)
	copy(g[macOff:macOff+macLen], mac[:macLen])
	return g, nil
}

// Address returns the spliced IP:port (meaningful only for address-encoded GUIDs).
func (g GUID) Address() netip.AddrPort {
	ip := netip.AddrFrom4([4]byte{g[0], g[1], g[2], g[3]})
	return netip.AddrPortFrom(ip, binary.LittleEndian.Uint16(g[portOff:portOff+2]))
}

// AddressMatches true if addr is what was spliced in.
func (g GUID) AddressMatches(addr netip.AddrPort) bool {
	return g.Address() == netip.AddrPortFrom(addr.Addr().Unmap(), addr.Port())
}

// Verify true if g was address-encoded with secret and not altered since.
func (g GUID) Verify(secret Secret) bool {
	if g[8] != 0xff || g[15] != 0x00 {
		return false
	}
	mac := g.mac(secret)
	return subtle.ConstantTimeCompare(mac[:macLen], g[macOff:macOff+macLen]) == 1
}

func (g GUID) mac(secret Secret) [blake2s.Size]byte {
	h, err := blake2s.New256(secret[:])
	if err != nil {
		// key is 32 bytes, New256 accepts up to 32
		panic(err)
	}
	h.Write(g[ipOff : ipOff+4])
	h.Write(g[portOff : portOff+2])
	h.Write(g[nonceOff : nonceOff+4])
	var out [blake2s.Size]byte
	h.Sum(out[:0])
	return out
}
