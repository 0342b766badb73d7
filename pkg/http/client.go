package http

import (
	"crypto/tls"
	"net/http"
	"time"

	"golang.org/x/net/http2"
)

type ClientOpts struct {
	// Timeout bounds a single request including reading the body.  Zero leaves requests unbounded, which is what
	// long running cluster calls such as reindex task polling rely on; they carry their own context deadline.
	Timeout time.Duration

	InsecureSkipVerify bool

	// IdleConnTimeout closes pooled connections unused for this long.  Defaults to 1m.
	IdleConnTimeout time.Duration

	// ResponseHeaderTimeout bounds the wait for response headers once the request is written.  Defaults to 1m,
	// which covers a bulk request against a busy node.
	ResponseHeaderTimeout time.Duration

	// MaxConnsPerNode caps connections to one cluster node.  Defaults to 32.
	MaxConnsPerNode int

	// MaxIdleConnsPerNode defaults to 10.
	MaxIdleConnsPerNode int

	TLSHandshakeTimeout time.Duration

	// DisableHTTP2 forces HTTP/1.1, which some search cluster proxies require.
	DisableHTTP2 bool
}

func (c ClientOpts) WithDefaults() ClientOpts {
	if c.IdleConnTimeout == 0 {
		c.IdleConnTimeout = time.Minute
	}
	if c.ResponseHeaderTimeout == 0 {
		c.ResponseHeaderTimeout = time.Minute
	}
	if c.MaxConnsPerNode == 0 {
		c.MaxConnsPerNode = 32
	}
	if c.MaxIdleConnsPerNode == 0 {
		c.MaxIdleConnsPerNode = 10
	}
	if c.TLSHandshakeTimeout == 0 {
		c.TLSHandshakeTimeout = 10 * time.Second
	}
	return c
}

// NewTransport returns a transport tuned for a search cluster: bounded per-node connections and http2 pings
// on idle connections so dead nodes are noticed.
func NewTransport(opts ClientOpts) *http.Transport {
	opts = opts.WithDefaults()
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.MaxConnsPerHost = opts.MaxConnsPerNode
	t.MaxIdleConnsPerHost = opts.MaxIdleConnsPerNode
	t.ResponseHeaderTimeout = opts.ResponseHeaderTimeout
	t.IdleConnTimeout = opts.IdleConnTimeout
	t.TLSHandshakeTimeout = opts.TLSHandshakeTimeout
	t.TLSClientConfig = &tls.Config{InsecureSkipVerify: opts.InsecureSkipVerify}

	if opts.DisableHTTP2 {
		t.ForceAttemptHTTP2 = false
		t.TLSNextProto = make(map[string]func(authority string, c *tls.Conn) http.RoundTripper)
		t.TLSClientConfig.NextProtos = []string{"http/1.1"}
		return t
	}

	if h2, err := http2.ConfigureTransports(t); err == nil {
		// Ping a connection idle for 10s and drop it when the ping is not answered within 2s.
		h2.ReadIdleTimeout = 10 * time.Second
		h2.PingTimeout = 2 * time.Second
	}
	return t
}

func NewClient(opts ClientOpts) *http.Client {
	return &http.Client{
		Timeout:   opts.Timeout,
		Transport: NewTransport(opts),
	}
}
