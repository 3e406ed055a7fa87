// Package resilience provides the circuit breaker used to guard each upstream
// endpoint (model) of the dispatch layer.
//
// The central type is [CircuitBreaker], a three-state breaker
// (closed → open → half-open) with an exponentially growing, jittered
// cooldown and a single probe permit while half-open. [Breakers] keys one
// breaker per logical endpoint so that a failing model never blocks the
// others sharing the same connection pool.
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Allow] and
// [CircuitBreaker.Execute] when the breaker rejects a call without attempting
// it.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State represents the current operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed is the normal operating state; all calls are forwarded.
	StateClosed State = iota

	// StateOpen indicates the breaker has tripped due to consecutive failures.
	// Calls are rejected immediately with [ErrCircuitOpen] until the cooldown
	// elapses.
	StateOpen

	// StateHalfOpen is the probe state entered after the cooldown. Exactly one
	// call is let through; its outcome decides between closed and open.
	StateHalfOpen
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Outcome is the result of a call admitted by [CircuitBreaker.Allow].
type Outcome int

const (
	// OutcomeSuccess counts towards closing the breaker.
	OutcomeSuccess Outcome = iota
	// OutcomeFailure counts towards tripping the breaker.
	OutcomeFailure
	// OutcomeCancelled means the admitted call was never made. It frees a
	// probe permit without changing state.
	OutcomeCancelled
)

// CircuitBreakerConfig holds tuning knobs for a [CircuitBreaker].
type CircuitBreakerConfig struct {
	// Name is a human-readable label used in log messages.
	Name string

	// MaxFailures is the number of consecutive failures in the closed state
	// before the breaker opens. Default: 5.
	MaxFailures int

	// FailureWindow bounds how far apart consecutive failures may be. A
	// failure arriving more than FailureWindow after the previous one starts
	// a new run. Zero disables the window.
	FailureWindow time.Duration

	// BaseCooldown is how long the breaker stays open after the first trip.
	// Default: 30s.
	BaseCooldown time.Duration

	// MaxCooldown caps the doubling cooldown. Default: 10 × BaseCooldown.
	MaxCooldown time.Duration

	// JitterFraction adds a uniform random delay in [0, cooldown×fraction) to
	// every open period so that concurrent workers do not probe in lockstep.
	// Default: 0 (no jitter).
	JitterFraction float64

	// OnStateChange, when set, is called after every transition. It runs
	// outside the breaker's lock.
	OnStateChange func(name string, from, to State)

	// Now overrides the clock. Tests only.
	Now func() time.Time
}

// Permit is returned by [CircuitBreaker.Allow] and must be passed back to
// [CircuitBreaker.Report] exactly once.
type Permit struct {
	probe bool
}

// Probe reports whether the permit is the single half-open probe.
func (p Permit) Probe() bool { return p.probe }

// CircuitBreaker implements the three-state circuit breaker pattern.
// It is safe for concurrent use from multiple goroutines.
type CircuitBreaker struct {
	name          string
	maxFailures   int
	failureWindow time.Duration
	baseCooldown  time.Duration
	maxCooldown   time.Duration
	jitter        float64
	onChange      func(name string, from, to State)
	now           func() time.Time

	mu              sync.Mutex
	state           State
	consecutiveFail int
	lastFailure     time.Time
	cooldown        time.Duration
	openUntil       time.Time
	probing         bool
}

// NewCircuitBreaker creates a [CircuitBreaker] with the supplied configuration.
// Zero-value config fields are replaced with sensible defaults.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.BaseCooldown <= 0 {
		cfg.BaseCooldown = 30 * time.Second
	}
	if cfg.MaxCooldown < cfg.BaseCooldown {
		cfg.MaxCooldown = 10 * cfg.BaseCooldown
	}
	if cfg.JitterFraction < 0 {
		cfg.JitterFraction = 0
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &CircuitBreaker{
		name:          cfg.Name,
		maxFailures:   cfg.MaxFailures,
		failureWindow: cfg.FailureWindow,
		baseCooldown:  cfg.BaseCooldown,
		maxCooldown:   cfg.MaxCooldown,
		jitter:        cfg.JitterFraction,
		onChange:      cfg.OnStateChange,
		now:           cfg.Now,
		state:         StateClosed,
		cooldown:      cfg.BaseCooldown,
	}
}

// Name returns the endpoint label of the breaker.
func (cb *CircuitBreaker) Name() string { return cb.name }

// Allow asks for permission to make one call. In the open state, or while a
// half-open probe is already in flight, it returns [ErrCircuitOpen] and no
// call must be made. Otherwise the returned [Permit] must be handed to
// [CircuitBreaker.Report] once the call finishes.
func (cb *CircuitBreaker) Allow() (Permit, error) {
	cb.mu.Lock()
	var from State
	transitioned := false
	switch cb.state {
	case StateOpen:
		if cb.now().Before(cb.openUntil) {
			cb.mu.Unlock()
			return Permit{}, ErrCircuitOpen
		}
		from, transitioned = cb.state, true
		cb.state = StateHalfOpen
		cb.probing = true
		slog.Info("circuit breaker transitioning to half-open", "name", cb.name)
		cb.mu.Unlock()
		cb.notify(from, StateHalfOpen, transitioned)
		return Permit{probe: true}, nil

	case StateHalfOpen:
		if cb.probing {
			cb.mu.Unlock()
			return Permit{}, ErrCircuitOpen
		}
		cb.probing = true
		cb.mu.Unlock()
		return Permit{probe: true}, nil
	}
	cb.mu.Unlock()
	return Permit{}, nil
}

// Report records the outcome of a call admitted by [CircuitBreaker.Allow].
func (cb *CircuitBreaker) Report(p Permit, outcome Outcome) {
	cb.mu.Lock()
	from := cb.state

	switch outcome {
	case OutcomeCancelled:
		if p.probe {
			cb.probing = false
		}
	case OutcomeSuccess:
		cb.recordSuccess(p.probe)
	case OutcomeFailure:
		cb.recordFailure(p.probe)
	}

	to := cb.state
	cb.mu.Unlock()
	cb.notify(from, to, from != to)
}

// Execute runs fn if the breaker allows it. In the open state it returns
// [ErrCircuitOpen] without calling fn.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	p, err := cb.Allow()
	if err != nil {
		return err
	}
	err = fn()
	if err != nil {
		cb.Report(p, OutcomeFailure)
	} else {
		cb.Report(p, OutcomeSuccess)
	}
	return err
}

// recordFailure handles failure accounting. Must be called with cb.mu held.
func (cb *CircuitBreaker) recordFailure(probe bool) {
	now := cb.now()

	if probe && cb.state == StateHalfOpen {
		cb.probing = false
		cb.cooldown = min(cb.cooldown*2, cb.maxCooldown)
		cb.trip(now)
		slog.Warn("circuit breaker re-opened from half-open",
			"name", cb.name,
			"cooldown", cb.cooldown)
		return
	}
	if cb.state != StateClosed {
		// A straggler admitted before the trip; the breaker is already open.
		cb.lastFailure = now
		return
	}

	if cb.failureWindow > 0 && !cb.lastFailure.IsZero() && now.Sub(cb.lastFailure) > cb.failureWindow {
		cb.consecutiveFail = 0
	}
	cb.lastFailure = now
	cb.consecutiveFail++
	if cb.consecutiveFail >= cb.maxFailures {
		cb.trip(now)
		slog.Warn("circuit breaker opened",
			"name", cb.name,
			"consecutive_failures", cb.consecutiveFail,
			"cooldown", cb.cooldown)
	}
}

// trip moves to the open state using the current cooldown. Must be called
// with cb.mu held.
func (cb *CircuitBreaker) trip(now time.Time) {
	cb.state = StateOpen
	cb.lastFailure = now
	wait := cb.cooldown
	if cb.jitter > 0 {
		wait += time.Duration(rand.Float64() * cb.jitter * float64(cb.cooldown))
	}
	cb.openUntil = now.Add(wait)
}

// recordSuccess handles success accounting. Must be called with cb.mu held.
func (cb *CircuitBreaker) recordSuccess(probe bool) {
	if probe && cb.state == StateHalfOpen {
		cb.state = StateClosed
		cb.probing = false
		cb.consecutiveFail = 0
		cb.cooldown = cb.baseCooldown
		slog.Info("circuit breaker closed after successful probe", "name", cb.name)
		return
	}
	if cb.state == StateClosed {
		cb.consecutiveFail = 0
	}
}

func (cb *CircuitBreaker) notify(from, to State, changed bool) {
	if changed && cb.onChange != nil {
		cb.onChange(cb.name, from, to)
	}
}

// State returns the current [State] of the breaker. If the breaker is open and
// the cooldown has elapsed, the returned state is [StateHalfOpen] (the actual
// transition happens on the next [CircuitBreaker.Allow] call).
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen && !cb.now().Before(cb.openUntil) {
		return StateHalfOpen
	}
	return cb.state
}

// Cooldown returns the cooldown that applies to the current (or next) open
// period, excluding jitter.
func (cb *CircuitBreaker) Cooldown() time.Duration {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.cooldown
}

// RetryAfter returns how long a rejected caller should wait before asking
// again. It is zero unless the breaker is open.
func (cb *CircuitBreaker) RetryAfter() time.Duration {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state != StateOpen {
		return 0
	}
	return max(cb.openUntil.Sub(cb.now()), 0)
}

// Reset manually forces the breaker back to [StateClosed], clearing all failure
// counters and the cooldown.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	from := cb.state
	cb.state = StateClosed
	cb.consecutiveFail = 0
	cb.probing = false
	cb.cooldown = cb.baseCooldown
	cb.mu.Unlock()
	slog.Info("circuit breaker manually reset", "name", cb.name)
	cb.notify(from, StateClosed, from != StateClosed)
}
