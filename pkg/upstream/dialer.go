package upstream

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

// HTTPConn is a pooled HTTP connection: a client backed by a dedicated
// keep-alive transport holding at most one TCP connection, so the pool's
// health accounting maps onto a real socket.
type HTTPConn struct {
	client    *http.Client
	transport *http.Transport
}

// Client returns the HTTP client bound to this connection.
func (c *HTTPConn) Client() *http.Client { return c.client }

// Close drops the underlying keep-alive connection.
func (c *HTTPConn) Close() error {
	c.transport.CloseIdleConnections()
	return nil
}

// HTTPDialer opens [*HTTPConn] values against BaseURL.
type HTTPDialer struct {
	// BaseURL is probed with a HEAD request by Probe.
	BaseURL string

	// DialTimeout bounds TCP connection setup. Default: 10s.
	DialTimeout time.Duration

	// IdleTimeout is how long the transport keeps the socket open between
	// calls. Default: 90s.
	IdleTimeout time.Duration
}

// Dial implements [Dialer]. The socket is opened lazily by the first request.
func (d *HTTPDialer) Dial(_ context.Context, _ string) (io.Closer, error) {
	dt := d.DialTimeout
	if dt <= 0 {
		dt = 10 * time.Second
	}
	it := d.IdleTimeout
	if it <= 0 {
		it = 90 * time.Second
	}
	tr := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         (&net.Dialer{Timeout: dt, KeepAlive: 30 * time.Second}).DialContext,
		MaxConnsPerHost:     1,
		MaxIdleConnsPerHost: 1,
		IdleConnTimeout:     it,
		ForceAttemptHTTP2:   false,
		TLSHandshakeTimeout: dt,
	}
	return &HTTPConn{client: &http.Client{Transport: tr}, transport: tr}, nil
}

// Probe implements [Dialer]. Any HTTP response counts as healthy; only a
// transport failure does not.
func (d *HTTPDialer) Probe(ctx context.Context, conn io.Closer) error {
	hc, ok := conn.(*HTTPConn)
	if !ok {
		return fmt.Errorf("upstream: probe: unexpected connection type %T", conn)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, d.BaseURL, nil)
	if err != nil {
		return fmt.Errorf("upstream: probe: %w", err)
	}
	resp, err := hc.client.Do(req)
	if err != nil {
		return fmt.Errorf("upstream: probe %s: %w", d.BaseURL, err)
	}
	resp.Body.Close()
	return nil
}

// HTTPClient extracts the client from a connection produced by [HTTPDialer].
func HTTPClient(conn io.Closer) (*http.Client, error) {
	hc, ok := conn.(*HTTPConn)
	if !ok {
		return nil, fmt.Errorf("upstream: expected *HTTPConn, got %T", conn)
	}
	return hc.client, nil
}
