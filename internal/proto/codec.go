package proto

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net/netip"

	"dev.c0redev.fwpush/internal/guid"
)

var ErrShortRead = errors.New("short read")
var ErrInvalidMessage = errors.New("invalid message")

// EncodeMessage writes the 23-byte header + payload to w.
func EncodeMessage(w io.Writer, m *Message) error {
	_, err := w.Write(AppendMessage(nil, m))
	return err
}

// AppendMessage appends the wire form of m to dst (single write for UDP).
func AppendMessage(dst []byte, m *Message) []byte {
	var header [HeaderSize]byte
	copy(header[:16], m.GUID[:])
	header[16] = byte(m.Func)
	header[17] = m.TTL
	header[18] = m.Hops
	binary.LittleEndian.PutUint32(header[19:23], uint32(len(m.Payload)))
	dst = append(dst, header[:]...)
	return append(dst, m.Payload...)
}

// DecodeMessage reads one message; payloadBuf opt (nil = alloc).
func DecodeMessage(r io.Reader, payloadBuf []byte) (*Message, error) {
	var header [HeaderSize]byte
	if n, err := io.ReadFull(r, header[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		if n > 0 {
			return nil, fmt.Errorf("%w: header %d/%d bytes", ErrShortRead, n, HeaderSize)
		}
		return nil, err
	}
	m := &Message{Header: parseHeader(header[:])}
	if m.Length > MaxPayloadSize {
		return nil, fmt.Errorf("%w: payload %d bytes", ErrInvalidMessage, m.Length)
	}
	if m.Length > 0 {
		if payloadBuf != nil && cap(payloadBuf) >= int(m.Length) {
			m.Payload = payloadBuf[:m.Length]
		} else {
			m.Payload = make([]byte, m.Length)
		}
		if _, err := io.ReadFull(r, m.Payload); err != nil {
			return nil, fmt.Errorf("%w: payload: %v", ErrShortRead, err)
		}
	}
	return m, nil
}

// ParseMessage decodes a datagram holding exactly one message.
func ParseMessage(b []byte) (*Message, error) {
	if len(b) < HeaderSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrShortRead, len(b))
	}
	m := &Message{Header: parseHeader(b[:HeaderSize])}
	if int(m.Length) != len(b)-HeaderSize {
		return nil, fmt.Errorf("%w: length %d, datagram carries %d", ErrInvalidMessage, m.Length, len(b)-HeaderSize)
	}
	m.Payload = b[HeaderSize:]
	return m, nil
}

func parseHeader(b []byte) Header {
	var h Header
	copy(h.GUID[:], b[:16])
	h.Func = Func(b[16])
	h.TTL = b[17]
	h.Hops = b[18]
	h.Length = binary.LittleEndian.Uint32(b[19:23])
	return h
}

// NewPushMessage wraps p in a message whose GUID is the correlation GUID.
func NewPushMessage(corr guid.GUID, ttl uint8, p PushRequest) (*Message, error) {
	payload, err := EncodePushRequest(p)
	if err != nil {
		return nil, err
	}
	return &Message{Header: Header{GUID: corr, Func: FuncPush, TTL: ttl}, Payload: payload}, nil
}

// EncodePushRequest serializes p; TLS adds a GGEP block.
func EncodePushRequest(p PushRequest) ([]byte, error) {
	if !p.Addr.Addr().Is4() && !p.Addr.Addr().Is4In6() {
		return nil, fmt.Errorf("%w: push address %s not ipv4", ErrInvalidMessage, p.Addr)
	}
	b := make([]byte, 0, PushRequestSize+8)
	b = append(b, p.ClientGUID[:]...)
	b = binary.LittleEndian.AppendUint32(b, p.Index)
	b = appendAddr(b, p.Addr)
	if p.TLS {
		return AppendGGEP(b, GGEP{GGEPKeyTLS: nil}, GGEPKeyTLS)
	}
	return b, nil
}

// DecodePushRequest parses payload -> PushRequest; bad GGEP is ignored.
func DecodePushRequest(payload []byte) (PushRequest, error) {
	if len(payload) < PushRequestSize {
		return PushRequest{}, fmt.Errorf("%w: push %d bytes", ErrInvalidMessage, len(payload))
	}
	var p PushRequest
	copy(p.ClientGUID[:], payload[:16])
	p.Index = binary.LittleEndian.Uint32(payload[16:20])
	p.Addr = readAddr(payload[20:26])
	if len(payload) > PushRequestSize {
		if g, _, err := ParseGGEP(payload[PushRequestSize:]); err == nil {
			p.TLS = g.Has(GGEPKeyTLS)
		}
	}
	return p, nil
}

// EncodeVendor serializes a vendor message body.
func EncodeVendor(v Vendor) []byte {
	b := make([]byte, 0, 8+len(v.Data))
	b = append(b, v.ID[:]...)
	b = binary.LittleEndian.AppendUint16(b, v.Selector)
	b = binary.LittleEndian.AppendUint16(b, v.Version)
	return append(b, v.Data...)
}

// DecodeVendor parses payload -> Vendor.
func DecodeVendor(payload []byte) (Vendor, error) {
	if len(payload) < 8 {
		return Vendor{}, fmt.Errorf("%w: vendor %d bytes", ErrInvalidMessage, len(payload))
	}
	var v Vendor
	copy(v.ID[:], payload[:4])
	v.Selector = binary.LittleEndian.Uint16(payload[4:6])
	v.Version = binary.LittleEndian.Uint16(payload[6:8])
	v.Data = payload[8:]
	return v, nil
}

// Is matches vendor id and selector.
func (v Vendor) Is(id [4]byte, selector uint16) bool {
	return v.ID == id && v.Selector == selector
}

// NewPushProxyRequest: leaf asks a peer to act as its push proxy; message GUID = leaf client GUID.
func NewPushProxyRequest(client guid.GUID) *Message {
	body := EncodeVendor(Vendor{ID: VendorLIME, Selector: SelectorPushProxyRequest, Version: PushProxyVersion})
	return &Message{Header: Header{GUID: client, Func: FuncVendor, TTL: 1}, Payload: body}
}

// NewPushProxyAck: proxy confirms with its own address; echoes the request GUID.
func NewPushProxyAck(client guid.GUID, ack PushProxyAck) *Message {
	body := EncodeVendor(Vendor{ID: VendorLIME, Selector: SelectorPushProxyAck, Version: PushProxyVersion, Data: appendAddr(nil, ack.Addr)})
	return &Message{Header: Header{GUID: client, Func: FuncVendor, TTL: 1}, Payload: body}
}

// DecodePushProxyAck parses the ack vendor body (ip 4 + LE port 2).
func DecodePushProxyAck(v Vendor) (PushProxyAck, error) {
	if !v.Is(VendorLIME, SelectorPushProxyAck) || v.Version < PushProxyVersion || len(v.Data) < 6 {
		return PushProxyAck{}, fmt.Errorf("%w: push proxy ack", ErrInvalidMessage)
	}
	return PushProxyAck{Addr: readAddr(v.Data[:6])}, nil
}

// NewPing: keepalive, ttl 1.
func NewPing() *Message {
	return &Message{Header: Header{GUID: guid.New(), Func: FuncPing, TTL: 1}}
}

// NewPong answers ping (same GUID).
func NewPong(ping *Message, p Pong) *Message {
	b := make([]byte, 0, 14)
	b = binary.LittleEndian.AppendUint16(b, p.Addr.Port())
	ip := p.Addr.Addr().As4()
	b = append(b, ip[:]...)
	b = append(b, make([]byte, 8)...)
	return &Message{Header: Header{GUID: ping.GUID, Func: FuncPong, TTL: 1}, Payload: b}
}

// DecodePong parses pong payload (port LE16, ip, counts ignored).
func DecodePong(payload []byte) (Pong, error) {
	if len(payload) < 6 {
		return Pong{}, fmt.Errorf("%w: pong %d bytes", ErrInvalidMessage, len(payload))
	}
	port := binary.LittleEndian.Uint16(payload[:2])
	ip := netip.AddrFrom4([4]byte{payload[2], payload[3], payload[4], payload[5]})
	return Pong{Addr: netip.AddrPortFrom(ip, port)}, nil
}

// appendAddr: ipv4 (network order) + LE port.
func appendAddr(dst []byte, a netip.AddrPort) []byte {
	ip := a.Addr().Unmap().As4()
	dst = append(dst, ip[:]...)
	return binary.LittleEndian.AppendUint16(dst, a.Port())
}

func readAddr(b []byte) netip.AddrPort {
	ip := netip.AddrFrom4([4]byte{b[0], b[1], b[2], b[3]})
	return netip.AddrPortFrom(ip, binary.LittleEndian.Uint16(b[4:6]))
}
