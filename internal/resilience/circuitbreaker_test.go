package resilience

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

var errTest = errors.New("test error")

// fakeClock is a manually advanced clock for deterministic cooldown tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func tripBreaker(t *testing.T, cb *CircuitBreaker, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_ = cb.Execute(func() error { return errTest })
	}
}

func TestNewCircuitBreaker_Defaults(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{Name: "test"})
	if cb.maxFailures != 5 {
		t.Errorf("maxFailures = %d, want 5", cb.maxFailures)
	}
	if cb.baseCooldown != 30*time.Second {
		t.Errorf("baseCooldown = %v, want 30s", cb.baseCooldown)
	}
	if cb.maxCooldown != 300*time.Second {
		t.Errorf("maxCooldown = %v, want 5m", cb.maxCooldown)
	}
	if cb.State() != StateClosed {
		t.Errorf("initial state = %v, want closed", cb.State())
	}
}

func TestCircuitBreaker_ClosedAllowsCalls(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{Name: "test", MaxFailures: 3})
	called := false
	err := cb.Execute(func() error {
		called = true
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Fatal("fn was not called")
	}
}

func TestCircuitBreaker_ClosedToOpen(t *testing.T) {
	clk := newFakeClock()
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:         "test",
		MaxFailures:  3,
		BaseCooldown: time.Hour,
		Now:          clk.Now,
	})

	tripBreaker(t, cb, 3)
	if cb.State() != StateOpen {
		t.Fatalf("state = %v, want open after %d failures", cb.State(), 3)
	}

	called := false
	err := cb.Execute(func() error { called = true; return nil })
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen", err)
	}
	if called {
		t.Fatal("fn must not run while the circuit is open")
	}
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:        "test",
		MaxFailures: 3,
	})

	_ = cb.Execute(func() error { return errTest })
	_ = cb.Execute(func() error { return errTest })
	_ = cb.Execute(func() error { return nil })

	if cb.State() != StateClosed {
		t.Fatalf("state = %v, want closed (success should reset counter)", cb.State())
	}

	_ = cb.Execute(func() error { return errTest })
	_ = cb.Execute(func() error { return errTest })
	if cb.State() != StateClosed {
		t.Fatal("should still be closed after 2 failures post-reset")
	}
}

func TestCircuitBreaker_FailureWindowResetsRun(t *testing.T) {
	clk := newFakeClock()
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:          "test",
		MaxFailures:   3,
		FailureWindow: time.Second,
		Now:           clk.Now,
	})

	tripBreaker(t, cb, 2)
	clk.Advance(2 * time.Second)
	tripBreaker(t, cb, 2)
	if cb.State() != StateClosed {
		t.Fatalf("state = %v, want closed: failures were outside the window", cb.State())
	}
	tripBreaker(t, cb, 1)
	if cb.State() != StateOpen {
		t.Fatalf("state = %v, want open after 3 failures inside the window", cb.State())
	}
}

func TestCircuitBreaker_OpenToHalfOpen(t *testing.T) {
	clk := newFakeClock()
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:         "test",
		MaxFailures:  2,
		BaseCooldown: 10 * time.Second,
		Now:          clk.Now,
	})

	tripBreaker(t, cb, 2)
	if cb.State() != StateOpen {
		t.Fatal("expected open")
	}
	if got := cb.RetryAfter(); got != 10*time.Second {
		t.Errorf("RetryAfter = %v, want 10s", got)
	}

	clk.Advance(10 * time.Second)
	if cb.State() != StateHalfOpen {
		t.Fatalf("state = %v, want half-open after cooldown", cb.State())
	}
}

func TestCircuitBreaker_HalfOpenAllowsExactlyOneProbe(t *testing.T) {
	clk := newFakeClock()
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:         "test",
		MaxFailures:  1,
		BaseCooldown: time.Second,
		Now:          clk.Now,
	})
	tripBreaker(t, cb, 1)
	clk.Advance(time.Second)

	var granted atomic.Int32
	var wg sync.WaitGroup
	permits := make(chan Permit, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if p, err := cb.Allow(); err == nil {
				granted.Add(1)
				permits <- p
			}
		}()
	}
	wg.Wait()
	close(permits)

	if got := granted.Load(); got != 1 {
		t.Fatalf("granted permits = %d, want exactly 1 probe", got)
	}
	p := <-permits
	if !p.Probe() {
		t.Fatal("half-open permit should be a probe")
	}

	cb.Report(p, OutcomeSuccess)
	if cb.State() != StateClosed {
		t.Fatalf("state = %v, want closed after successful probe", cb.State())
	}
	if cb.Cooldown() != time.Second {
		t.Errorf("cooldown = %v, want reset to base 1s", cb.Cooldown())
	}
}

func TestCircuitBreaker_ProbeFailureGrowsCooldown(t *testing.T) {
	clk := newFakeClock()
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:         "test",
		MaxFailures:  2,
		BaseCooldown: time.Second,
		MaxCooldown:  5 * time.Second,
		Now:          clk.Now,
	})
	tripBreaker(t, cb, 2)

	prev := cb.Cooldown()
	for i := 0; i < 5; i++ {
		clk.Advance(prev)
		err := cb.Execute(func() error { return errTest })
		if !errors.Is(err, errTest) {
			t.Fatalf("probe %d: err = %v, want the probe's own error", i, err)
		}
		cb.mu.Lock()
		s := cb.state
		cb.mu.Unlock()
		if s != StateOpen {
			t.Fatalf("probe %d: state = %v, want open", i, s)
		}
		next := cb.Cooldown()
		if next < prev {
			t.Fatalf("probe %d: cooldown shrank from %v to %v", i, prev, next)
		}
		prev = next
	}
	if prev != 5*time.Second {
		t.Errorf("cooldown = %v, want capped at 5s", prev)
	}
}

func TestCircuitBreaker_CancelledProbeFreesPermit(t *testing.T) {
	clk := newFakeClock()
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:         "test",
		MaxFailures:  1,
		BaseCooldown: time.Second,
		Now:          clk.Now,
	})
	tripBreaker(t, cb, 1)
	clk.Advance(time.Second)

	p, err := cb.Allow()
	if err != nil {
		t.Fatalf("Allow: %v", err)
	}
	if _, err := cb.Allow(); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("second Allow err = %v, want ErrCircuitOpen", err)
	}
	cb.Report(p, OutcomeCancelled)
	if cb.State() != StateHalfOpen {
		t.Fatalf("state = %v, want still half-open", cb.State())
	}
	if _, err := cb.Allow(); err != nil {
		t.Fatalf("Allow after cancelled probe: %v", err)
	}
}

func TestCircuitBreaker_JitterExtendsOpenPeriod(t *testing.T) {
	clk := newFakeClock()
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:           "test",
		MaxFailures:    1,
		BaseCooldown:   10 * time.Second,
		JitterFraction: 0.5,
		Now:            clk.Now,
	})
	tripBreaker(t, cb, 1)

	wait := cb.RetryAfter()
	if wait < 10*time.Second || wait >= 15*time.Second {
		t.Fatalf("RetryAfter = %v, want in [10s, 15s)", wait)
	}
	clk.Advance(15 * time.Second)
	if cb.State() != StateHalfOpen {
		t.Fatalf("state = %v, want half-open after max jittered cooldown", cb.State())
	}
}

func TestCircuitBreaker_OnStateChange(t *testing.T) {
	clk := newFakeClock()
	var mu sync.Mutex
	var transitions []string
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:         "whisper-1",
		MaxFailures:  1,
		BaseCooldown: time.Second,
		Now:          clk.Now,
		OnStateChange: func(name string, from, to State) {
			mu.Lock()
			defer mu.Unlock()
			transitions = append(transitions, name+":"+from.String()+"->"+to.String())
		},
	})

	tripBreaker(t, cb, 1)
	clk.Advance(time.Second)
	_ = cb.Execute(func() error { return nil })

	want := []string{
		"whisper-1:closed->open",
		"whisper-1:open->half-open",
		"whisper-1:half-open->closed",
	}
	mu.Lock()
	defer mu.Unlock()
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition[%d] = %q, want %q", i, transitions[i], want[i])
		}
	}
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:         "test",
		MaxFailures:  2,
		BaseCooldown: time.Hour,
	})

	tripBreaker(t, cb, 2)
	if cb.State() != StateOpen {
		t.Fatal("expected open")
	}

	cb.Reset()
	if cb.State() != StateClosed {
		t.Fatalf("state = %v, want closed after reset", cb.State())
	}

	err := cb.Execute(func() error { return nil })
	if err != nil {
		t.Fatalf("unexpected error after reset: %v", err)
	}
}

func TestBreakers_PerEndpointIsolation(t *testing.T) {
	b := NewBreakers(CircuitBreakerConfig{MaxFailures: 1, BaseCooldown: time.Hour})

	tripBreaker(t, b.Get("whisper-1"), 1)

	if b.Get("whisper-1") != b.Get("whisper-1") {
		t.Fatal("Get should return the same breaker for the same endpoint")
	}
	if st := b.Get("nova-3").State(); st != StateClosed {
		t.Fatalf("nova-3 state = %v, want closed", st)
	}
	open := b.Open()
	if len(open) != 1 || open[0] != "whisper-1" {
		t.Fatalf("Open() = %v, want [whisper-1]", open)
	}
}

func TestState_String(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half-open"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}
