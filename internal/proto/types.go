package proto

// Func: 1-byte payload descriptor on wire.
type Func uint8

const (
	FuncPing   Func = 0x00
	FuncPong   Func = 0x01
	FuncVendor Func = 0x31
	FuncPush   Func = 0x40
)

func (f Func) String() string {
	switch f {
	case FuncPing:
		return "ping"
	case FuncPong:
		return "pong"
	case FuncVendor:
		return "vendor"
	case FuncPush:
		return "push"
	}
	return "unknown"
}

// HeaderSize: guid 16 + func 1 + ttl 1 + hops 1 + length 4.
const HeaderSize = 23

// MaxPayloadSize 64KiB.
const MaxPayloadSize = 64 * 1024

// DefaultTTL for routed messages; push requests sent direct over UDP use TTL 1.
const DefaultTTL = 7

// FWTIndex is the file index that marks a push request as a firewall-to-firewall request.
const FWTIndex uint32 = 0x7FFFFFFD

// PushRequestSize without GGEP.
const PushRequestSize = 16 + 4 + 4 + 2

// Vendor message ids.
var VendorLIME = [4]byte{'L', 'I', 'M', 'E'}

const (
	SelectorPushProxyRequest uint16 = 21
	SelectorPushProxyAck     uint16 = 22
	PushProxyVersion         uint16 = 2
)

// GGEP keys.
const (
	GGEPKeyTLS = "TLS"
)
