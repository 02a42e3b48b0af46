// Package responder answers pushes addressed to this node: it connects back to the
// requester and announces itself with a GIV line.
package responder

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"time"

	"dev.c0redev.fwpush/internal/guid"
	"dev.c0redev.fwpush/internal/overlay"
	"dev.c0redev.fwpush/internal/proto"
	"github.com/jellydator/ttlcache/v3"
	"go.uber.org/zap"
)

var ErrDuplicate = errors.New("responder: duplicate push")

// DialBacker opens the FWT stream to a requester (fwt.Transport).
type DialBacker interface {
	DialBack(ctx context.Context, corr guid.GUID, remote netip.AddrPort) (net.Conn, error)
}

// Options for New. Zero values are usable.
type Options struct {
	// TLS dials TLS connect-backs when a push asks for it; nil = always plain.
	TLS *tls.Config
	// FWT answers FWT-index pushes; nil = those are dropped.
	FWT DialBacker
	// FileName maps a file index to the name put in the GIV.
	FileName func(index uint32) string
	// Serve takes the conn after the GIV is written; default closes it.
	Serve func(conn net.Conn, giv proto.GIV)

	DialTimeout time.Duration
	DedupWindow time.Duration
	Log         *zap.Logger
}

// Responder handles PushRequests for one client GUID.
type Responder struct {
	self guid.GUID
	opts Options
	ctx  context.Context
	log  *zap.Logger
	seen *ttlcache.Cache[pushKey, struct{}]
}

// pushKey: the same correlation arrives once per failover phase, TCP and FWT apart.
type pushKey struct {
	corr guid.GUID
	fwt  bool
}

// New; ctx bounds every connect-back.
func New(ctx context.Context, self guid.GUID, opts Options) *Responder {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 10 * time.Second
	}
	if opts.DedupWindow <= 0 {
		opts.DedupWindow = 30 * time.Second
	}
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	r := &Responder{
		self: self,
		opts: opts,
		ctx:  ctx,
		log:  opts.Log.Named("responder"),
		seen: ttlcache.New(ttlcache.WithTTL[pushKey, struct{}](opts.DedupWindow)),
	}
	go r.seen.Start()
	go func() {
		<-ctx.Done()
		r.seen.Stop()
	}()
	return r
}

// HandleConn is an overlay.HandlerFunc for pushes forwarded by a proxy.
func (r *Responder) HandleConn(_ *overlay.Conn, m *proto.Message) {
	r.handle(m)
}

// HandleDatagram is an overlay.DatagramFunc for pushes that arrive over UDP.
func (r *Responder) HandleDatagram(m *proto.Message, _ netip.AddrPort) {
	r.handle(m)
}

func (r *Responder) handle(m *proto.Message) {
	if m.Func != proto.FuncPush {
		return
	}
	p, err := proto.DecodePushRequest(m.Payload)
	if err != nil {
		r.log.Debug("bad push", zap.Error(err))
		return
	}
	if p.ClientGUID != r.self {
		return
	}
	go func() {
		if err := r.Respond(r.ctx, m.GUID, p); err != nil && !errors.Is(err, ErrDuplicate) {
			r.log.Info("connect back", zap.Stringer("corr", m.GUID), zap.Stringer("to", p.Addr), zap.Error(err))
		}
	}()
}

// Respond connects back for one push. A repeat of corr over the same transport inside the
// dedup window is refused; a failed connect-back is forgotten so a later push can retry.
func (r *Responder) Respond(ctx context.Context, corr guid.GUID, p proto.PushRequest) error {
	if !p.Addr.IsValid() || p.Addr.Addr().IsUnspecified() || p.Addr.Port() == 0 {
		return fmt.Errorf("responder: unusable requester address %s", p.Addr)
	}
	key := pushKey{corr: corr, fwt: p.IsFWT()}
	if _, loaded := r.seen.GetOrSet(key, struct{}{}); loaded {
		return ErrDuplicate
	}
	err := r.respond(ctx, corr, p)
	if err != nil {
		r.seen.Delete(key)
	}
	return err
}

func (r *Responder) respond(ctx context.Context, corr guid.GUID, p proto.PushRequest) error {
	ctx, cancel := context.WithTimeout(ctx, r.opts.DialTimeout)
	defer cancel()

	var (
		conn net.Conn
		err  error
	)
	if p.IsFWT() {
		if r.opts.FWT == nil {
			return errors.New("responder: fwt push without fwt transport")
		}
		conn, err = r.opts.FWT.DialBack(ctx, corr, p.Addr)
	} else {
		conn, err = r.dialTCP(ctx, p)
	}
	if err != nil {
		return err
	}
	giv := proto.GIV{Index: p.Index, Correlation: corr}
	if r.opts.FileName != nil {
		giv.FileName = r.opts.FileName(p.Index)
	}
	_ = conn.SetWriteDeadline(time.Now().Add(r.opts.DialTimeout))
	if _, err := io.WriteString(conn, proto.FormatGIV(giv)); err != nil {
		conn.Close()
		return fmt.Errorf("write giv: %w", err)
	}
	_ = conn.SetWriteDeadline(time.Time{})
	r.log.Debug("giv sent", zap.Stringer("corr", corr), zap.Stringer("to", p.Addr), zap.Bool("fwt", p.IsFWT()))
	if r.opts.Serve != nil {
		r.opts.Serve(conn, giv)
		return nil
	}
	return conn.Close()
}

func (r *Responder) dialTCP(ctx context.Context, p proto.PushRequest) (net.Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", p.Addr.String())
	if err != nil {
		return nil, err
	}
	if !p.TLS || r.opts.TLS == nil {
		return conn, nil
	}
	tc := tls.Client(conn, r.opts.TLS)
	if err := tc.HandshakeContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("tls connect back: %w", err)
	}
	return tc, nil
}
