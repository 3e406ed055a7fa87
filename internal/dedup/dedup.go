// Package dedup collapses identical upstream requests.
//
// The first caller for a [Fingerprint] becomes the Lead and performs the call;
// every concurrent caller with the same fingerprint becomes a Follower and
// waits on the Lead's [Handle] instead of issuing its own request. Successful
// results stay joinable for a short TTL after completion so that retries fired
// right after a perceived timeout collapse as well.
package dedup

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrAbandoned is what Followers receive when the Lead gave up before the
// upstream answered. They should retry, and may become the new Lead.
var ErrAbandoned = errors.New("dedup: lead abandoned the request")

// Role tells a caller whether it must perform the call.
type Role int

const (
	// Lead performs the call and resolves the handle.
	Lead Role = iota
	// Follow waits for the Lead's result.
	Follow
)

// String returns "lead" or "follow".
func (r Role) String() string {
	if r == Lead {
		return "lead"
	}
	return "follow"
}

// Handle is a single-resolution result slot. The Lead resolves it once;
// Followers only read it.
type Handle struct {
	done   chan struct{}
	once   sync.Once
	result any
	err    error

	d  *Deduplicator
	fp Fingerprint
}

// Resolve publishes the Lead's outcome. Only the first call has an effect.
func (h *Handle) Resolve(result any, err error) { h.resolve(result, err, true) }

// Abandon resolves the handle with [ErrAbandoned] and drops it from the
// deduplicator regardless of the failure caching policy.
func (h *Handle) Abandon() { h.resolve(nil, ErrAbandoned, false) }

func (h *Handle) resolve(result any, err error, retain bool) {
	h.once.Do(func() {
		h.result = result
		h.err = err
		if h.d != nil {
			h.d.complete(h, err, retain)
		}
		close(h.done)
	})
}

// Done is closed once the handle is resolved.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until the handle resolves or ctx is done.
func (h *Handle) Wait(ctx context.Context) (any, error) {
	select {
	case <-h.done:
		return h.result, h.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Resolved reports whether the handle already carries a result.
func (h *Handle) Resolved() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Config configures a [Deduplicator].
type Config struct {
	// TTL is how long a completed result stays joinable. Default: 5s.
	TTL time.Duration

	// CacheFailures keeps failed results joinable for TTL as well. By default
	// a failure is only shared with Followers that joined while in flight.
	CacheFailures bool

	// OnHit, when set, is called whenever a caller is made a Follower.
	OnHit func(fp Fingerprint, inFlight bool)

	// Now overrides the clock. Tests only.
	Now func() time.Time
}

type entry struct {
	h         *Handle
	expiresAt time.Time // zero while in flight
}

// Deduplicator maps fingerprints to in-flight or recently completed handles.
// It is safe for concurrent use.
type Deduplicator struct {
	ttl           time.Duration
	cacheFailures bool
	onHit         func(Fingerprint, bool)
	now           func() time.Time

	mu      sync.Mutex
	entries map[Fingerprint]*entry
}

// New creates a [Deduplicator].
func New(cfg Config) *Deduplicator {
	if cfg.TTL <= 0 {
		cfg.TTL = 5 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Deduplicator{
		ttl:           cfg.TTL,
		cacheFailures: cfg.CacheFailures,
		onHit:         cfg.OnHit,
		now:           cfg.Now,
		entries:       make(map[Fingerprint]*entry),
	}
}

// Dedupe registers interest in fp. A Lead must eventually call
// [Handle.Resolve]; a Follower must only wait.
func (d *Deduplicator) Dedupe(fp Fingerprint) (*Handle, Role) {
	now := d.now()

	d.mu.Lock()
	if e, ok := d.entries[fp]; ok {
		if e.expiresAt.IsZero() || now.Before(e.expiresAt) {
			d.mu.Unlock()
			if d.onHit != nil {
				d.onHit(fp, e.expiresAt.IsZero())
			}
			return e.h, Follow
		}
		delete(d.entries, fp)
	}
	h := &Handle{done: make(chan struct{}), d: d, fp: fp}
	d.entries[fp] = &entry{h: h}
	d.mu.Unlock()
	return h, Lead
}

// complete moves the Lead's entry from in-flight to retained (or drops it).
func (d *Deduplicator) complete(h *Handle, err error, retain bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.entries[h.fp]
	if !ok || e.h != h {
		return
	}
	if !retain || (err != nil && !d.cacheFailures) {
		delete(d.entries, h.fp)
		return
	}
	e.expiresAt = d.now().Add(d.ttl)
}

// Sweep removes every expired entry and returns how many were dropped.
func (d *Deduplicator) Sweep() int {
	now := d.now()
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for fp, e := range d.entries {
		if !e.expiresAt.IsZero() && !now.Before(e.expiresAt) {
			delete(d.entries, fp)
			n++
		}
	}
	return n
}

// Len returns the number of tracked fingerprints.
func (d *Deduplicator) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries)
}

// Run sweeps expired entries every interval until ctx is done.
func (d *Deduplicator) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = d.ttl
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.Sweep()
		}
	}
}
