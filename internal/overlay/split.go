package overlay

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
)

const sniffTimeout = 5 * time.Second

// Sniff peeks the first n bytes of conn; the returned conn replays them.
func Sniff(conn net.Conn, n int, timeout time.Duration) (net.Conn, []byte, error) {
	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	defer conn.SetReadDeadline(time.Time{})
	br := bufio.NewReader(conn)
	head, err := br.Peek(n)
	if err != nil && len(head) == 0 {
		return nil, nil, err
	}
	return &bufConn{Conn: conn, r: br}, head, nil
}

// IsTLSHandshake true if head starts a TLS record (handshake content type).
func IsTLSHandshake(head []byte) bool { return len(head) > 0 && head[0] == 0x16 }

// Split serves one TCP port for both overlay handshakes and HTTP (push proxy requests),
// optionally behind TLS.
type Split struct {
	ln      net.Listener
	tls     *tls.Config
	overlay *chanListener
	http    *chanListener
	log     *zap.Logger
}

// NewSplit; tlsConf opt, TLS clients are unwrapped when set.
func NewSplit(ln net.Listener, tlsConf *tls.Config, log *zap.Logger) *Split {
	if log == nil {
		log = zap.NewNop()
	}
	return &Split{
		ln:      ln,
		tls:     tlsConf,
		overlay: newChanListener(ln.Addr()),
		http:    newChanListener(ln.Addr()),
		log:     log.Named("split"),
	}
}

// Overlay listener (GNUTELLA CONNECT).
func (s *Split) Overlay() net.Listener { return s.overlay }

// HTTP listener (everything else).
func (s *Split) HTTP() net.Listener { return s.http }

// Serve accepts on the real listener until ctx done.
func (s *Split) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { s.ln.Close() })
	defer stop()
	defer s.overlay.Close()
	defer s.http.Close()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		go s.route(conn)
	}
}

func (s *Split) route(conn net.Conn) {
	c, head, err := Sniff(conn, len(connectLine), sniffTimeout)
	if err != nil {
		conn.Close()
		return
	}
	if IsTLSHandshake(head) {
		if s.tls == nil {
			conn.Close()
			return
		}
		tc := tls.Server(c, s.tls)
		_ = tc.SetDeadline(time.Now().Add(handshakeTimeout))
		if err := tc.Handshake(); err != nil {
			s.log.Debug("tls handshake", zap.Stringer("remote", conn.RemoteAddr()), zap.Error(err))
			conn.Close()
			return
		}
		_ = tc.SetDeadline(time.Time{})
		c, head, err = Sniff(tc, len(connectLine), sniffTimeout)
		if err != nil {
			tc.Close()
			return
		}
	}
	dst := s.http
	if bytes.HasPrefix(head, []byte("GNUTELLA")) {
		dst = s.overlay
	}
	if !dst.push(c) {
		c.Close()
	}
}

// chanListener: net.Listener fed by Split.
type chanListener struct {
	addr net.Addr
	ch   chan net.Conn
	done chan struct{}
	once sync.Once
}

func newChanListener(addr net.Addr) *chanListener {
	return &chanListener{addr: addr, ch: make(chan net.Conn), done: make(chan struct{})}
}

func (l *chanListener) push(c net.Conn) bool {
	select {
	case l.ch <- c:
		return true
	case <-l.done:
		return false
	}
}

func (l *chanListener) Accept() (net.Conn, error) {
	select {
	case c := <-l.ch:
		return c, nil
	case <-l.done:
		return nil, net.ErrClosed
	}
}

func (l *chanListener) Close() error {
	l.once.Do(func() { close(l.done) })
	return nil
}

func (l *chanListener) Addr() net.Addr { return l.addr }
