// Package config reads FWPUSH_* settings from the environment and an optional .env file.
package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"dev.c0redev.fwpush/internal/delivery"
	"github.com/joho/godotenv"
	"go.uber.org/multierr"
)

const Prefix = "FWPUSH_"

// Node settings shared by the binaries.
type Node struct {
	DataDir   string
	Listen    string // TCP: overlay + push proxy HTTP
	UDP       string // overlay datagrams, STUN, FWT
	GIVListen string // requester TCP listener for connect-backs
	Advertise netip.AddrPort
	UserAgent string

	Proxies   []string // push proxies a leaf keeps connections to
	STUN      []string
	ServeSTUN bool
	TLS       bool
	Multicast bool
	Group     netip.AddrPort

	// AdminTokenHash bcrypt hash guarding the admin API; empty disables it.
	AdminTokenHash string

	Metrics   string
	LogLevel  string
	LogFormat string
	Keepalive time.Duration
}

// DBPath under DataDir.
func (n Node) DBPath() string { return filepath.Join(n.DataDir, "fwpush.db") }

// Timeouts for push delivery.
type Timeouts struct {
	Proxy     time.Duration
	Grace     time.Duration
	FWT       time.Duration
	Broadcast time.Duration
	Multicast time.Duration
	GIVRead   time.Duration
	Pending   time.Duration
}

// Apply copies the timeouts onto cfg.
func (t Timeouts) Apply(cfg *delivery.Config) {
	cfg.ProxyTimeout = t.Proxy
	cfg.ProxyGrace = t.Grace
	cfg.FWTTimeout = t.FWT
	cfg.BroadcastTimeout = t.Broadcast
	cfg.MulticastTimeout = t.Multicast
	cfg.GIVReadTimeout = t.GIVRead
	cfg.PendingTTL = t.Pending
}

// Config: everything Load reads.
type Config struct {
	Node     Node
	Timeouts Timeouts
}

// Load reads .env (FWPUSH_ENV or ./.env, if present) then the environment.
func Load() (Config, error) {
	if err := loadDotEnv(); err != nil {
		return Config{}, err
	}
	return Parse(os.Getenv)
}

func loadDotEnv() error {
	path := os.Getenv(Prefix + "ENV")
	if path == "" {
		path = ".env"
	}
	if _, err := os.Stat(path); err == nil {
		return godotenv.Load(path)
	} else if !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Parse builds a Config from getenv; all bad values are reported together.
func Parse(getenv func(string) string) (Config, error) {
	p := parser{getenv: getenv}
	d := delivery.DefaultConfig()
	c := Config{
		Node: Node{
			DataDir:   p.str("DATA", "."),
			Listen:    p.str("LISTEN", ":6346"),
			UDP:       p.str("UDP", ":6346"),
			GIVListen: p.str("GIV_LISTEN", ":6347"),
			Advertise: p.addr("ADVERTISE"),
			UserAgent: p.str("USER_AGENT", "fwpush/0.1"),
			Proxies:   p.list("PROXIES", nil),
			STUN:      p.list("STUN", []string{"stun.l.google.com:19302"}),
			ServeSTUN: p.bool("SERVE_STUN", false),
			TLS:       p.bool("TLS", false),
			Multicast: p.bool("MULTICAST", false),
			Group:     p.addrDefault("MULTICAST_GROUP", "234.21.81.1:6347"),
			Metrics:   p.str("METRICS", ""),
			LogLevel:  p.str("LOG_LEVEL", "info"),
			LogFormat: p.str("LOG_FORMAT", "json"),
			Keepalive: p.duration("KEEPALIVE", 30*time.Second),

			AdminTokenHash: p.str("ADMIN_TOKEN_HASH", ""),
		},
		Timeouts: Timeouts{
			Proxy:     p.duration("PROXY_TIMEOUT", d.ProxyTimeout),
			Grace:     p.duration("PROXY_GRACE", d.ProxyGrace),
			FWT:       p.duration("FWT_TIMEOUT", d.FWTTimeout),
			Broadcast: p.duration("BROADCAST_TIMEOUT", d.BroadcastTimeout),
			Multicast: p.duration("MULTICAST_TIMEOUT", d.MulticastTimeout),
			GIVRead:   p.duration("GIV_READ_TIMEOUT", d.GIVReadTimeout),
			Pending:   p.duration("PENDING_TTL", d.PendingTTL),
		},
	}
	if c.Node.Advertise.IsValid() && !c.Node.Advertise.Addr().Unmap().Is4() {
		p.fail("ADVERTISE", "must be ipv4")
	}
	return c, p.errs
}

type parser struct {
	getenv func(string) string
	errs   error
}

func (p *parser) fail(key, msg string) {
	p.errs = multierr.Append(p.errs, fmt.Errorf("%s%s: %s", Prefix, key, msg))
}

func (p *parser) str(key, def string) string {
	if v := strings.TrimSpace(p.getenv(Prefix + key)); v != "" {
		return v
	}
	return def
}

func (p *parser) list(key string, def []string) []string {
	v := p.str(key, "")
	if v == "" {
		return def
	}
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func (p *parser) bool(key string, def bool) bool {
	v := p.str(key, "")
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		p.fail(key, err.Error())
		return def
	}
	return b
}

func (p *parser) duration(key string, def time.Duration) time.Duration {
	v := p.str(key, "")
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		p.fail(key, fmt.Sprintf("bad duration %q", v))
		return def
	}
	return d
}

func (p *parser) addr(key string) netip.AddrPort {
	v := p.str(key, "")
	if v == "" {
		return netip.AddrPort{}
	}
	a, err := netip.ParseAddrPort(v)
	if err != nil {
		p.fail(key, err.Error())
		return netip.AddrPort{}
	}
	return a
}

func (p *parser) addrDefault(key, def string) netip.AddrPort {
	if a := p.addr(key); a.IsValid() {
		return a
	}
	return netip.MustParseAddrPort(def)
}
