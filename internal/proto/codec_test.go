package proto

import (
	"bufio"
	"bytes"
	"encoding/hex"
	"errors"
	"io"
	"net/netip"
	"strings"
	"testing"

	"dev.c0redev.fwpush/internal/guid"
)

var (
	corr   = guid.MustParse("00112233445566778899AABBCCDDEEFF")
	client = guid.MustParse("0102030405060708090A0B0C0D0E0F10")
)

func TestEncodeDecodeMessage(t *testing.T) {
	m := &Message{Header: Header{GUID: corr, Func: FuncPing, TTL: 3, Hops: 1}, Payload: []byte("hello")}
	var buf bytes.Buffer
	if err := EncodeMessage(&buf, m); err != nil {
		t.Fatal(err)
	}
	if buf.Len() != HeaderSize+5 {
		t.Fatalf("wire size %d", buf.Len())
	}
	dec, err := DecodeMessage(&buf, nil)
	if err != nil {
		t.Fatal(err)
	}
	if dec.GUID != m.GUID || dec.Func != m.Func || dec.TTL != 3 || dec.Hops != 1 || dec.Length != 5 || !bytes.Equal(dec.Payload, m.Payload) {
		t.Fatalf("roundtrip: got %+v", dec)
	}
}

func TestDecodeMessageEmptyPayload(t *testing.T) {
	var buf bytes.Buffer
	if err := EncodeMessage(&buf, NewPing()); err != nil {
		t.Fatal(err)
	}
	dec, err := DecodeMessage(&buf, nil)
	if err != nil {
		t.Fatal(err)
	}
	if dec.Func != FuncPing || len(dec.Payload) != 0 {
		t.Fatalf("roundtrip empty: got %+v", dec)
	}
	if _, err := DecodeMessage(&buf, nil); err != io.EOF {
		t.Fatalf("expected io.EOF at end, got %v", err)
	}
}

func TestDecodeMessageShortRead(t *testing.T) {
	r := bytes.NewReader([]byte{0x01, 0x00, 0x00}) // 3 bytes, need 23
	_, err := DecodeMessage(r, nil)
	if !errors.Is(err, ErrShortRead) {
		t.Fatalf("expected ErrShortRead, got %v", err)
	}
}

func TestDecodeMessageTooLarge(t *testing.T) {
	b := AppendMessage(nil, &Message{Header: Header{Func: FuncPush}})
	b[19], b[20], b[21], b[22] = 0xff, 0xff, 0xff, 0x00
	_, err := DecodeMessage(bytes.NewReader(b), nil)
	if !errors.Is(err, ErrInvalidMessage) {
		t.Fatalf("expected ErrInvalidMessage, got %v", err)
	}
}

func TestParseMessageDatagram(t *testing.T) {
	m, err := NewPushMessage(corr, 1, PushRequest{ClientGUID: client, Index: FWTIndex, Addr: netip.MustParseAddrPort("1.2.3.4:6346")})
	if err != nil {
		t.Fatal(err)
	}
	b := AppendMessage(nil, m)
	dec, err := ParseMessage(b)
	if err != nil {
		t.Fatal(err)
	}
	if dec.GUID != corr || dec.Func != FuncPush {
		t.Fatalf("header: %+v", dec.Header)
	}
	if _, err := ParseMessage(b[:len(b)-1]); !errors.Is(err, ErrInvalidMessage) {
		t.Fatalf("truncated datagram: %v", err)
	}
}

func TestPushRequestLayout(t *testing.T) {
	p := PushRequest{ClientGUID: client, Index: 5, Addr: netip.MustParseAddrPort("1.2.3.4:6346")}
	b, err := EncodePushRequest(p)
	if err != nil {
		t.Fatal(err)
	}
	want := "0102030405060708090a0b0c0d0e0f10" + "05000000" + "01020304" + "ca18"
	if hex.EncodeToString(b) != want {
		t.Fatalf("layout:\n got %x\nwant %s", b, want)
	}
	dec, err := DecodePushRequest(b)
	if err != nil {
		t.Fatal(err)
	}
	if dec != p {
		t.Fatalf("roundtrip: %+v", dec)
	}
}

func TestPushRequestTLS(t *testing.T) {
	p := PushRequest{ClientGUID: client, Index: FWTIndex, Addr: netip.MustParseAddrPort("9.8.7.6:1000"), TLS: true}
	b, err := EncodePushRequest(p)
	if err != nil {
		t.Fatal(err)
	}
	// magic, flags(last|3), "TLS", len 0
	if tail := hex.EncodeToString(b[PushRequestSize:]); tail != "c383544c5340" {
		t.Fatalf("ggep tail %s", tail)
	}
	dec, err := DecodePushRequest(b)
	if err != nil {
		t.Fatal(err)
	}
	if !dec.TLS || !dec.IsFWT() {
		t.Fatalf("decoded %+v", dec)
	}
}

func TestPushRequestRejects(t *testing.T) {
	if _, err := EncodePushRequest(PushRequest{ClientGUID: client, Addr: netip.MustParseAddrPort("[::1]:1")}); !errors.Is(err, ErrInvalidMessage) {
		t.Fatalf("ipv6: %v", err)
	}
	if _, err := DecodePushRequest(make([]byte, PushRequestSize-1)); !errors.Is(err, ErrInvalidMessage) {
		t.Fatalf("short: %v", err)
	}
	// garbage after the fixed part is not an error, just no TLS
	b := append(make([]byte, PushRequestSize), 0x01, 0x02)
	p, err := DecodePushRequest(b)
	if err != nil || p.TLS {
		t.Fatalf("garbage tail: %+v %v", p, err)
	}
}

func TestPushProxyMessages(t *testing.T) {
	req := NewPushProxyRequest(client)
	if req.GUID != client || req.Func != FuncVendor {
		t.Fatalf("request header %+v", req.Header)
	}
	v, err := DecodeVendor(req.Payload)
	if err != nil {
		t.Fatal(err)
	}
	if !v.Is(VendorLIME, SelectorPushProxyRequest) || v.Version != PushProxyVersion || len(v.Data) != 0 {
		t.Fatalf("request body %+v", v)
	}

	ack := NewPushProxyAck(client, PushProxyAck{Addr: netip.MustParseAddrPort("5.6.7.8:6346")})
	v, err = DecodeVendor(ack.Payload)
	if err != nil {
		t.Fatal(err)
	}
	a, err := DecodePushProxyAck(v)
	if err != nil {
		t.Fatal(err)
	}
	if a.Addr.String() != "5.6.7.8:6346" {
		t.Fatalf("ack addr %s", a.Addr)
	}
	if _, err := DecodePushProxyAck(Vendor{ID: VendorLIME, Selector: SelectorPushProxyRequest, Version: 2}); err == nil {
		t.Fatal("expected error for wrong selector")
	}
}

func TestPingPong(t *testing.T) {
	ping := NewPing()
	pong := NewPong(ping, Pong{Addr: netip.MustParseAddrPort("1.2.3.4:6346")})
	if pong.GUID != ping.GUID || pong.Func != FuncPong {
		t.Fatalf("pong header %+v", pong.Header)
	}
	p, err := DecodePong(pong.Payload)
	if err != nil || p.Addr.String() != "1.2.3.4:6346" {
		t.Fatalf("pong: %+v %v", p, err)
	}
}

func TestGGEPRoundtrip(t *testing.T) {
	long := bytes.Repeat([]byte{0xAB}, 300)
	huge := bytes.Repeat([]byte{0xCD}, 5000)
	b, err := AppendGGEP(nil, GGEP{"TLS": nil, "A": []byte("x"), "LONG": long, "HUGE": huge}, "TLS", "A", "LONG", "HUGE")
	if err != nil {
		t.Fatal(err)
	}
	g, n, err := ParseGGEP(append(b, 0xFF))
	if err != nil {
		t.Fatal(err)
	}
	if n != len(b) {
		t.Fatalf("consumed %d of %d", n, len(b))
	}
	if !g.Has("TLS") || string(g["A"]) != "x" || !bytes.Equal(g["LONG"], long) || !bytes.Equal(g["HUGE"], huge) {
		t.Fatalf("parsed %v", g)
	}
}

func TestGGEPSkipsCompressed(t *testing.T) {
	// first ext deflate-flagged, second plain + last
	b := []byte{ggepMagic, ggepDeflate | 1, 'Z', ggepLenLast | 2, 0x00, 0x00, ggepLast | 1, 'B', ggepLenLast | 1, 'y'}
	g, _, err := ParseGGEP(b)
	if err != nil {
		t.Fatal(err)
	}
	if g.Has("Z") || string(g["B"]) != "y" {
		t.Fatalf("parsed %v", g)
	}
	if _, _, err := ParseGGEP([]byte{ggepMagic, 1, 'Z'}); err == nil {
		t.Fatal("expected error on truncated block")
	}
}

func TestGIV(t *testing.T) {
	g := GIV{Index: 7, Correlation: corr, FileName: "song.mp3"}
	s := FormatGIV(g)
	if s != "GIV 7:00112233445566778899AABBCCDDEEFF/song.mp3\r\n\r\n" {
		t.Fatalf("format %q", s)
	}
	dec, err := ReadGIV(bufio.NewReader(strings.NewReader(s + "GET / HTTP/1.1\r\n")))
	if err != nil {
		t.Fatal(err)
	}
	if dec != g {
		t.Fatalf("roundtrip %+v", dec)
	}

	// lowercase hex, LF only, no file
	dec, err = ReadGIV(bufio.NewReader(strings.NewReader("GIV 0:00112233445566778899aabbccddeeff\n\n")))
	if err != nil || dec.Correlation != corr || dec.FileName != "" {
		t.Fatalf("lenient: %+v %v", dec, err)
	}
}

func TestGIVRejects(t *testing.T) {
	for _, line := range []string{
		"GET / HTTP/1.1",
		"GIV x:00112233445566778899AABBCCDDEEFF/a",
		"GIV 1:0011/a",
		"GIV 100000000000:00112233445566778899AABBCCDDEEFF/a",
	} {
		if _, err := ParseGIV(line); !errors.Is(err, ErrBadGIV) {
			t.Fatalf("%q: expected ErrBadGIV, got %v", line, err)
		}
	}
	if _, err := ReadGIV(bufio.NewReader(strings.NewReader("GIV 1:00112233445566778899AABBCCDDEEFF/a\r\n"))); !errors.Is(err, ErrShortRead) {
		t.Fatalf("missing blank line: %v", err)
	}
	long := "GIV 1:" + strings.Repeat("a", MaxGIVLine+10) + "\r\n\r\n"
	if _, err := ReadGIV(bufio.NewReaderSize(strings.NewReader(long), 16)); !errors.Is(err, ErrBadGIV) {
		t.Fatalf("long line: %v", err)
	}
}
