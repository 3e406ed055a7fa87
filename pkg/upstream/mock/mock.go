// Package mock provides a scriptable test double for upstream.Caller.
//
// Use Caller.Respond to decide, per call, what the fake provider answers, and
// inspect Calls, Peak and DialCount afterwards to assert how the dispatch
// layer drove it.
//
// Example:
//
//	c := &mock.Caller{
//	    Latency: 5 * time.Millisecond,
//	    Respond: func(n int, req upstream.Request) (upstream.Response, error) {
//	        if n < 3 {
//	            return upstream.Response{}, upstream.StatusError(503, nil, "busy")
//	        }
//	        return upstream.Response{Text: "ok"}, nil
//	    },
//	}
package mock

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lliWcWill/ytFetch-sub002/pkg/upstream"
)

// CallRecord records a single invocation of Caller.Call.
type CallRecord struct {
	// Req is the request passed to Call (Audio is not copied).
	Req upstream.Request
	// At is when the call started.
	At time.Time
	// Conn is the connection the call ran on.
	Conn io.Closer
}

// Caller is a mock implementation of upstream.Caller. The zero value answers
// every request with "chunk-<index>".
type Caller struct {
	// HostName is returned by Host. Defaults to "mock".
	HostName string

	// Latency is slept (honouring ctx) before each response.
	Latency time.Duration

	// Respond, when set, produces the outcome of the n-th call (0-based,
	// counted across all goroutines).
	Respond func(n int, req upstream.Request) (upstream.Response, error)

	// DialErr, if non-nil, is returned by every Dial.
	DialErr error

	mu       sync.Mutex
	calls    []CallRecord
	inFlight int
	peak     int
	dials    atomic.Int32
	n        atomic.Int64
}

// Ensure Caller implements upstream.Caller at compile time.
var _ upstream.Caller = (*Caller)(nil)

// Name implements upstream.Caller.
func (c *Caller) Name() string { return "mock" }

// Host implements upstream.Caller.
func (c *Caller) Host() string {
	if c.HostName == "" {
		return "mock"
	}
	return c.HostName
}

// Dialer implements upstream.Caller.
func (c *Caller) Dialer() upstream.Dialer { return dialer{c} }

// Call implements upstream.Caller.
func (c *Caller) Call(ctx context.Context, conn io.Closer, req upstream.Request) (upstream.Response, error) {
	mc, ok := conn.(*Conn)
	if !ok {
		return upstream.Response{}, fmt.Errorf("mock: unexpected connection type %T", conn)
	}
	if mc.closed.Load() {
		return upstream.Response{}, upstream.TransportError(errors.New("mock: use of closed connection"))
	}
	n := int(c.n.Add(1) - 1)

	c.mu.Lock()
	c.calls = append(c.calls, CallRecord{Req: req, At: time.Now(), Conn: conn})
	c.inFlight++
	c.peak = max(c.peak, c.inFlight)
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.inFlight--
		c.mu.Unlock()
	}()

	if c.Latency > 0 {
		t := time.NewTimer(c.Latency)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return upstream.Response{}, upstream.TransportError(ctx.Err())
		}
	}
	if c.Respond != nil {
		return c.Respond(n, req)
	}
	return upstream.Response{Text: fmt.Sprintf("chunk-%d", req.Index), Duration: c.Latency}, nil
}

// Calls returns a copy of every recorded call. Thread-safe.
func (c *Caller) Calls() []CallRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]CallRecord, len(c.calls))
	copy(out, c.calls)
	return out
}

// CallCount returns the number of calls made. Thread-safe.
func (c *Caller) CallCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

// Peak returns the highest number of concurrent calls observed.
func (c *Caller) Peak() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peak
}

// DialCount returns how many connections were opened.
func (c *Caller) DialCount() int { return int(c.dials.Load()) }

// Reset clears all recorded calls. Thread-safe.
func (c *Caller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = nil
	c.peak = 0
	c.n.Store(0)
}

// Conn is a fake pooled connection.
type Conn struct {
	// Broken makes Probe fail.
	Broken atomic.Bool
	closed atomic.Bool
}

// Close marks the connection closed.
func (c *Conn) Close() error {
	c.closed.Store(true)
	return nil
}

// Closed reports whether Close was called.
func (c *Conn) Closed() bool { return c.closed.Load() }

type dialer struct{ c *Caller }

func (d dialer) Dial(_ context.Context, _ string) (io.Closer, error) {
	if d.c.DialErr != nil {
		return nil, d.c.DialErr
	}
	d.c.dials.Add(1)
	return &Conn{}, nil
}

func (d dialer) Probe(_ context.Context, conn io.Closer) error {
	mc, ok := conn.(*Conn)
	if !ok || mc.Broken.Load() || mc.closed.Load() {
		return errors.New("mock: probe failed")
	}
	return nil
}
