package pushproxy

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"net/netip"
	"net/url"
	"strconv"
	"time"

	"dev.c0redev.fwpush/internal/endpoint"
	"dev.c0redev.fwpush/internal/guid"
)

// Request: one push proxy request on behalf of a requester.
type Request struct {
	Target      guid.GUID
	Correlation guid.GUID
	FileIndex   uint32
	// TLS: requester accepts TLS on the connect-back.
	TLS bool
	// Node: requester address the target connects back to.
	Node netip.AddrPort
}

// StatusError: proxy answered non-2xx.
type StatusError int

func (e StatusError) Error() string {
	return fmt.Sprintf("push proxy returned %d", int(e))
}

// Client: requester side.
type Client struct {
	HTTP *http.Client
}

// NewClient; timeout bounds each request (ctx may bound it further).
func NewClient(timeout time.Duration) *Client {
	transport := &http.Transport{
		TLSClientConfig:     &tls.Config{InsecureSkipVerify: true, MinVersion: tls.VersionTLS12},
		DisableKeepAlives:   true,
		MaxIdleConnsPerHost: 1,
	}
	return &Client{HTTP: &http.Client{Timeout: timeout, Transport: transport}}
}

// URL for req sent to proxy; TLS proxies get https.
func URL(proxy endpoint.Proxy, req Request) string {
	scheme := "http"
	if proxy.TLS {
		scheme = "https"
	}
	q := url.Values{}
	q.Set(ParamServerID, req.Target.String())
	q.Set(ParamID, req.Correlation.String())
	q.Set(ParamFile, strconv.FormatUint(uint64(req.FileIndex), 10))
	if req.TLS {
		q.Set(ParamTLS, "true")
	}
	u := url.URL{Scheme: scheme, Host: proxy.Addr.String(), Path: Path, RawQuery: q.Encode()}
	return u.String()
}

// Request sends req to proxy; nil only on 2xx.
func (c *Client) Request(ctx context.Context, proxy endpoint.Proxy, req Request) error {
	hr, err := http.NewRequestWithContext(ctx, http.MethodGet, URL(proxy, req), nil)
	if err != nil {
		return err
	}
	hr.Header.Set(HeaderNode, req.Node.String())
	resp, err := c.HTTP.Do(hr)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return StatusError(resp.StatusCode)
	}
	return nil
}
