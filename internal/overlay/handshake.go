package overlay

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"net/textproto"
	"strings"
	"time"
)

const (
	connectLine = "GNUTELLA CONNECT/0.6"
	okLine      = "GNUTELLA/0.6 200 OK"

	headerUserAgent = "User-Agent"
	headerUltrapeer = "X-Ultrapeer"
	headerListenIP  = "Listen-IP"
	headerRemoteIP  = "Remote-IP"
	headerPushTLS   = "X-Push-TLS"

	handshakeTimeout = 10 * time.Second
)

var ErrHandshake = errors.New("overlay: handshake failed")

// Peer: what one side announces in the handshake.
type Peer struct {
	UserAgent string
	Ultrapeer bool
	// Listen: address the peer accepts connections on (zero if firewalled).
	Listen netip.AddrPort
	// Remote: our address as seen by the peer.
	Remote netip.AddrPort
	// PushTLS: peer accepts TLS on incoming push connections.
	PushTLS bool
}

func (p Peer) headers() textproto.MIMEHeader {
	h := textproto.MIMEHeader{}
	ua := p.UserAgent
	if ua == "" {
		ua = "fwpush/1"
	}
	h.Set(headerUserAgent, ua)
	h.Set(headerUltrapeer, fmt.Sprint(p.Ultrapeer))
	if p.Listen.IsValid() {
		h.Set(headerListenIP, p.Listen.String())
	}
	if p.Remote.IsValid() {
		h.Set(headerRemoteIP, p.Remote.Addr().String())
	}
	if p.PushTLS {
		h.Set(headerPushTLS, "1")
	}
	return h
}

func peerFrom(h textproto.MIMEHeader) Peer {
	p := Peer{
		UserAgent: h.Get(headerUserAgent),
		Ultrapeer: strings.EqualFold(h.Get(headerUltrapeer), "true"),
		PushTLS:   h.Get(headerPushTLS) == "1",
	}
	p.Listen, _ = netip.ParseAddrPort(h.Get(headerListenIP))
	if ip, err := netip.ParseAddr(h.Get(headerRemoteIP)); err == nil {
		p.Remote = netip.AddrPortFrom(ip, 0)
	}
	return p
}

// Dial connects to addr and runs the initiator side of the handshake.
func Dial(ctx context.Context, addr string, self Peer) (net.Conn, Peer, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, Peer{}, err
	}
	bc, remote, err := Handshake(conn, self)
	if err != nil {
		conn.Close()
		return nil, Peer{}, err
	}
	return bc, remote, nil
}

// Handshake runs the initiator side on an established conn.
// The returned conn must be used for further reads.
func Handshake(conn net.Conn, self Peer) (net.Conn, Peer, error) {
	_ = conn.SetDeadline(time.Now().Add(handshakeTimeout))
	defer conn.SetDeadline(time.Time{})
	w := bufio.NewWriter(conn)
	writeBlock(w, connectLine, self.headers())
	if err := w.Flush(); err != nil {
		return nil, Peer{}, err
	}
	br := bufio.NewReader(conn)
	tp := textproto.NewReader(br)
	status, h, err := readBlock(tp)
	if err != nil {
		return nil, Peer{}, err
	}
	if status != okLine {
		return nil, Peer{}, fmt.Errorf("%w: %q", ErrHandshake, status)
	}
	writeBlock(w, okLine, textproto.MIMEHeader{})
	if err := w.Flush(); err != nil {
		return nil, Peer{}, err
	}
	return &bufConn{Conn: conn, r: br}, peerFrom(h), nil
}

// Accept runs the responder side of the handshake on an accepted conn.
// The returned conn must be used for further reads.
func Accept(conn net.Conn, self Peer) (net.Conn, Peer, error) {
	_ = conn.SetDeadline(time.Now().Add(handshakeTimeout))
	defer conn.SetDeadline(time.Time{})
	br := bufio.NewReader(conn)
	tp := textproto.NewReader(br)
	line, h, err := readBlock(tp)
	if err != nil {
		return nil, Peer{}, err
	}
	if line != connectLine {
		return nil, Peer{}, fmt.Errorf("%w: %q", ErrHandshake, line)
	}
	if ap, err := netip.ParseAddrPort(conn.RemoteAddr().String()); err == nil {
		self.Remote = netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
	}
	w := bufio.NewWriter(conn)
	writeBlock(w, okLine, self.headers())
	if err := w.Flush(); err != nil {
		return nil, Peer{}, err
	}
	final, _, err := readBlock(tp)
	if err != nil {
		return nil, Peer{}, err
	}
	if final != okLine {
		return nil, Peer{}, fmt.Errorf("%w: %q", ErrHandshake, final)
	}
	return &bufConn{Conn: conn, r: br}, peerFrom(h), nil
}

// bufConn drains bytes buffered during the handshake before reading conn.
type bufConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufConn) Read(p []byte) (int, error) { return c.r.Read(p) }

func writeBlock(w *bufio.Writer, first string, h textproto.MIMEHeader) {
	w.WriteString(first + "\r\n")
	for k, vs := range h {
		for _, v := range vs {
			w.WriteString(k + ": " + v + "\r\n")
		}
	}
	w.WriteString("\r\n")
}

func readBlock(tp *textproto.Reader) (string, textproto.MIMEHeader, error) {
	line, err := tp.ReadLine()
	if err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	h, err := tp.ReadMIMEHeader()
	if err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	return line, h, nil
}
