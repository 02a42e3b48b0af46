package proto

import (
	"net/netip"

	"dev.c0redev.fwpush/internal/guid"
)

// Header: leading 23 bytes of every overlay message.
type Header struct {
	GUID   guid.GUID
	Func   Func
	TTL    uint8
	Hops   uint8
	Length uint32
}

// Message: header + payload. Length is set from the payload on encode.
type Message struct {
	Header
	Payload []byte
}

// PushRequest asks the target (ClientGUID) to connect back to Addr and send a GIV.
// Message GUID of the carrying message is the correlation GUID.
type PushRequest struct {
	ClientGUID guid.GUID
	Index      uint32
	Addr       netip.AddrPort
	TLS        bool
}

// IsFWT true for firewall-to-firewall push requests.
func (p PushRequest) IsFWT() bool { return p.Index == FWTIndex }

// Vendor: vendor message body (id, selector, version, data).
type Vendor struct {
	ID       [4]byte
	Selector uint16
	Version  uint16
	Data     []byte
}

// PushProxyAck: proxy's address, sent in reply to a push proxy request.
type PushProxyAck struct {
	Addr netip.AddrPort
}

// Pong: minimal pong (port, ip); file counts are always zero.
type Pong struct {
	Addr netip.AddrPort
}

// GIV: first line a pushed node writes on the connection it opened.
type GIV struct {
	Index       uint32
	Correlation guid.GUID
	FileName    string
}
