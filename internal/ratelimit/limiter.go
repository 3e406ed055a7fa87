// Package ratelimit enforces per-model request quotas for the upstream speech
// API.
//
// A [Limiter] keeps, for every model, a sliding window of successful dispatch
// timestamps plus a count of reservations that have been granted but not yet
// confirmed. A reservation is granted only while
//
//	windowed + reserved < capacity
//
// so the number of calls that can land inside any trailing window never
// exceeds the model's capacity. Failed and cancelled calls give their
// reservation back without consuming window budget, which keeps retries from
// starving first attempts.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultWindow is the trailing window that capacities are expressed in.
const DefaultWindow = time.Minute

// defaultPoll is the retry hint given when only outstanding reservations (not
// window events) block a model. Any release wakes waiters earlier.
const defaultPoll = 250 * time.Millisecond

var (
	// ErrRateLimited is matched by every [*RejectedError].
	ErrRateLimited = errors.New("ratelimit: rate limit exceeded")

	// ErrTokenReleased is returned when a token is released more than once.
	ErrTokenReleased = errors.New("ratelimit: token already released")

	// ErrUnknownModel is returned for models without a capacity when the
	// limiter has no default capacity.
	ErrUnknownModel = errors.New("ratelimit: no capacity configured for model")
)

// Outcome classifies how a reserved call ended.
type Outcome int

const (
	// OutcomeSuccess records the call in the window.
	OutcomeSuccess Outcome = iota
	// OutcomeFailure returns the reservation; the call does not count.
	OutcomeFailure
	// OutcomeCancelled returns the reservation; no call was made.
	OutcomeCancelled
)

// String returns the lowercase outcome name.
func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeFailure:
		return "failure"
	case OutcomeCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// RejectedError is returned by [Limiter.Reserve] when no slot is free.
type RejectedError struct {
	Model string
	// RetryAt is the earliest time a slot is expected to free.
	RetryAt time.Time
	// Throttled is set when the rejection comes from an upstream
	// Retry-After rather than local accounting.
	Throttled bool
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("ratelimit: model %q at capacity, retry at %s", e.Model, e.RetryAt.Format(time.RFC3339Nano))
}

// Is makes errors.Is(err, ErrRateLimited) true for rejections.
func (e *RejectedError) Is(target error) bool { return target == ErrRateLimited }

// Token is an opaque reservation for exactly one upstream call.
type Token struct {
	model    string
	issued   time.Time
	released atomic.Bool
	b        *bucket
}

// Model returns the model the token was reserved for.
func (t *Token) Model() string { return t.model }

// Issued returns when the reservation was granted.
func (t *Token) Issued() time.Time { return t.issued }

// Stats is a point-in-time view of one model's accounting.
type Stats struct {
	Capacity      int
	MaxConcurrent int
	Windowed      int
	Reserved      int
	ThrottledFor  time.Duration
}

// Available returns how many reservations could be granted right now.
func (s Stats) Available() int {
	if s.ThrottledFor > 0 {
		return 0
	}
	n := s.Capacity - s.Windowed - s.Reserved
	if s.MaxConcurrent > 0 {
		n = min(n, s.MaxConcurrent-s.Reserved)
	}
	return max(n, 0)
}

// Config configures a [Limiter].
type Config struct {
	// Capacity maps model → calls per Window.
	Capacity map[string]int

	// Concurrency maps model → maximum outstanding reservations. Zero or
	// missing means no concurrency ceiling.
	Concurrency map[string]int

	// DefaultCapacity applies to models absent from Capacity. Zero makes
	// unknown models fail with [ErrUnknownModel].
	DefaultCapacity int

	// Window is the sliding window length. Default: [DefaultWindow].
	Window time.Duration

	// Now overrides the clock. Tests only.
	Now func() time.Time

	// OnReserve, when set, is called after every granted reservation.
	OnReserve func(model string, s Stats)
}

// Limiter is a per-model sliding-window rate limiter. It is safe for
// concurrent use.
type Limiter struct {
	window          time.Duration
	now             func() time.Time
	defaultCapacity atomic.Int64
	onReserve       func(string, Stats)

	mu      sync.Mutex
	buckets map[string]*bucket
}

// bucket is the per-model state. Its fields are guarded by mu; the wake
// channel is closed and replaced on every release so waiters can re-check.
type bucket struct {
	mu            sync.Mutex
	capacity      int
	maxConcurrent int
	events        []time.Time // successful dispatches, oldest first
	reserved      int
	throttleUntil time.Time
	wake          chan struct{}
}

// New creates a [Limiter].
func New(cfg Config) *Limiter {
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	l := &Limiter{
		window:    cfg.Window,
		now:       cfg.Now,
		onReserve: cfg.OnReserve,
		buckets:   make(map[string]*bucket),
	}
	l.defaultCapacity.Store(int64(cfg.DefaultCapacity))
	for model, c := range cfg.Capacity {
		l.bucket(model).capacity = c
	}
	for model, n := range cfg.Concurrency {
		l.bucket(model).maxConcurrent = n
	}
	return l
}

// Window returns the sliding window length.
func (l *Limiter) Window() time.Duration { return l.window }

func (l *Limiter) bucket(model string) *bucket {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[model]
	if !ok {
		b = &bucket{capacity: int(l.defaultCapacity.Load()), wake: make(chan struct{})}
		l.buckets[model] = b
	}
	return b
}

// lookup returns the bucket for model, creating it from the default capacity
// when allowed.
func (l *Limiter) lookup(model string, create bool) (*bucket, error) {
	l.mu.Lock()
	b, ok := l.buckets[model]
	l.mu.Unlock()
	if ok {
		return b, nil
	}
	if !create && l.defaultCapacity.Load() <= 0 {
		return nil, fmt.Errorf("%w: %q", ErrUnknownModel, model)
	}
	return l.bucket(model), nil
}

// Reserve tries to take one slot for model without blocking. On success the
// returned token must be passed to [Limiter.Release] exactly once. When the
// model is at capacity the error is a [*RejectedError].
func (l *Limiter) Reserve(model string) (*Token, error) {
	b, err := l.lookup(model, false)
	if err != nil {
		return nil, err
	}
	now := l.now()

	b.mu.Lock()
	b.prune(now, l.window)

	if now.Before(b.throttleUntil) {
		until := b.throttleUntil
		b.mu.Unlock()
		return nil, &RejectedError{Model: model, RetryAt: until, Throttled: true}
	}
	if b.capacity <= 0 {
		b.mu.Unlock()
		return nil, fmt.Errorf("%w: %q", ErrUnknownModel, model)
	}

	full := len(b.events)+b.reserved >= b.capacity
	busy := b.maxConcurrent > 0 && b.reserved >= b.maxConcurrent
	if full || busy {
		retry := now.Add(defaultPoll)
		// Once reservations resolve, the oldest window event is the next
		// slot to expire.
		if full && len(b.events) > 0 && b.reserved < b.capacity {
			retry = b.events[0].Add(l.window)
		}
		b.mu.Unlock()
		return nil, &RejectedError{Model: model, RetryAt: retry}
	}

	b.reserved++
	stats := b.stats(now)
	b.mu.Unlock()

	if l.onReserve != nil {
		l.onReserve(model, stats)
	}
	return &Token{model: model, issued: now, b: b}, nil
}

// Wait blocks until a slot for model is reserved or ctx is done. It wakes as
// soon as another token for the same model is released, or when the
// rejection's RetryAt passes.
func (l *Limiter) Wait(ctx context.Context, model string) (*Token, error) {
	for {
		tok, err := l.Reserve(model)
		if err == nil {
			return tok, nil
		}
		var rej *RejectedError
		if !errors.As(err, &rej) {
			return nil, err
		}
		b, _ := l.lookup(model, true)
		b.mu.Lock()
		wake := b.wake
		b.mu.Unlock()

		delay := max(rej.RetryAt.Sub(l.now()), time.Millisecond)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("%w: %w", err, ctx.Err())
		case <-wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// Release settles a token. Success records a dispatch event in the window;
// failure and cancellation only return the reservation.
func (l *Limiter) Release(t *Token, outcome Outcome) error {
	if t == nil || t.b == nil {
		return errors.New("ratelimit: release of nil token")
	}
	if !t.released.CompareAndSwap(false, true) {
		return ErrTokenReleased
	}
	b := t.b
	now := l.now()

	b.mu.Lock()
	b.reserved--
	if outcome == OutcomeSuccess {
		b.events = append(b.events, now)
	}
	b.prune(now, l.window)
	close(b.wake)
	b.wake = make(chan struct{})
	b.mu.Unlock()
	return nil
}

// Throttle blocks new reservations for model until the given instant. It is
// fed from upstream 429 responses carrying Retry-After.
func (l *Limiter) Throttle(model string, until time.Time) {
	b := l.bucket(model)
	b.mu.Lock()
	if until.After(b.throttleUntil) {
		b.throttleUntil = until
	}
	b.mu.Unlock()
}

// SetCapacity changes the per-window capacity of model. Reservations already
// granted stay valid even if the new capacity is lower.
func (l *Limiter) SetCapacity(model string, capacity int) {
	b := l.bucket(model)
	b.mu.Lock()
	b.capacity = capacity
	close(b.wake)
	b.wake = make(chan struct{})
	b.mu.Unlock()
}

// SetConcurrency changes the outstanding-reservation ceiling of model. Zero
// removes the ceiling.
func (l *Limiter) SetConcurrency(model string, n int) {
	b := l.bucket(model)
	b.mu.Lock()
	b.maxConcurrent = n
	close(b.wake)
	b.wake = make(chan struct{})
	b.mu.Unlock()
}

// SetDefaultCapacity changes the capacity given to models seen for the first
// time.
func (l *Limiter) SetDefaultCapacity(capacity int) {
	l.defaultCapacity.Store(int64(capacity))
}

// Snapshot returns the current accounting of model.
func (l *Limiter) Snapshot(model string) Stats {
	b, err := l.lookup(model, false)
	if err != nil {
		return Stats{}
	}
	now := l.now()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.prune(now, l.window)
	return b.stats(now)
}

// Models returns every model the limiter has state for.
func (l *Limiter) Models() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.buckets))
	for m := range l.buckets {
		out = append(out, m)
	}
	return out
}

// prune drops events that fell out of the window. Must be called with b.mu
// held.
func (b *bucket) prune(now time.Time, window time.Duration) {
	cutoff := now.Add(-window)
	i := 0
	for i < len(b.events) && !b.events[i].After(cutoff) {
		i++
	}
	if i > 0 {
		b.events = append(b.events[:0], b.events[i:]...)
	}
}

// stats must be called with b.mu held.
func (b *bucket) stats(now time.Time) Stats {
	s := Stats{
		Capacity:      b.capacity,
		MaxConcurrent: b.maxConcurrent,
		Windowed:      len(b.events),
		Reserved:      b.reserved,
	}
	if now.Before(b.throttleUntil) {
		s.ThrottledFor = b.throttleUntil.Sub(now)
	}
	return s
}
