package health

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/lliWcWill/ytFetch-sub002/internal/connpool"
	"github.com/lliWcWill/ytFetch-sub002/internal/ratelimit"
	"github.com/lliWcWill/ytFetch-sub002/internal/resilience"
)

func TestBreakersChecker(t *testing.T) {
	b := resilience.NewBreakers(resilience.CircuitBreakerConfig{MaxFailures: 1, BaseCooldown: time.Minute})
	c := Breakers(b)
	if err := c.Check(context.Background()); err != nil {
		t.Fatalf("no breakers yet: %v", err)
	}

	cb := b.Get("whisper-1")
	p, err := cb.Allow()
	if err != nil {
		t.Fatalf("Allow: %v", err)
	}
	cb.Report(p, resilience.OutcomeFailure)

	err = c.Check(context.Background())
	if err == nil || !strings.Contains(err.Error(), "whisper-1") {
		t.Errorf("Check = %v, want open circuit for whisper-1", err)
	}
}

type nopDialer struct{}

func (nopDialer) Dial(context.Context, string) (connpool.Conn, error) { return io.NopCloser(nil), nil }
func (nopDialer) Probe(context.Context, connpool.Conn) error          { return nil }

func TestPoolChecker(t *testing.T) {
	p := connpool.New(nopDialer{}, connpool.Config{MaxPerHost: 1, AcquireTimeout: time.Second})
	t.Cleanup(func() { _ = p.Close() })
	c := Pool(p, "api")

	rec, err := p.Acquire(context.Background(), "api")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := c.Check(context.Background()); err != nil {
		t.Fatalf("busy but nobody waiting: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		r, err := p.Acquire(context.Background(), "api")
		if err == nil {
			p.Release(r, true)
		}
	}()
	deadline := time.Now().Add(time.Second)
	for p.Stats("api").Waiting == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if err := c.Check(context.Background()); err == nil {
		t.Error("Check should fail while a caller waits")
	}
	p.Release(rec, true)
	<-done
}

func TestRateLimitChecker(t *testing.T) {
	l := ratelimit.New(ratelimit.Config{Capacity: map[string]int{"whisper-1": 10}})
	c := RateLimit(l)
	if err := c.Check(context.Background()); err != nil {
		t.Fatalf("fresh limiter: %v", err)
	}
	l.Throttle("whisper-1", time.Now().Add(time.Minute))
	if err := c.Check(context.Background()); err == nil || !strings.Contains(err.Error(), "whisper-1") {
		t.Errorf("Check = %v, want throttled whisper-1", err)
	}
}

type fakePinger struct{ err error }

func (f fakePinger) Ping(context.Context) error { return f.err }

func TestStoreChecker_IsCritical(t *testing.T) {
	c := Store(fakePinger{err: io.ErrUnexpectedEOF})
	if !c.Critical {
		t.Error("store checker must be critical")
	}
	if err := c.Check(context.Background()); err != io.ErrUnexpectedEOF {
		t.Errorf("Check = %v", err)
	}
}
