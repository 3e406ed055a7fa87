package health

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/lliWcWill/ytFetch-sub002/internal/connpool"
	"github.com/lliWcWill/ytFetch-sub002/internal/ratelimit"
	"github.com/lliWcWill/ytFetch-sub002/internal/resilience"
)

// Breakers fails while any endpoint's circuit is open.
func Breakers(b *resilience.Breakers) Checker {
	return Checker{
		Name: "breakers",
		Check: func(context.Context) error {
			if open := b.Open(); len(open) > 0 {
				return fmt.Errorf("circuit open for %s", strings.Join(open, ", "))
			}
			return nil
		},
	}
}

// Pool fails when callers are queued for a connection to host.
func Pool(p *connpool.Pool, host string) Checker {
	return Checker{
		Name: "pool",
		Check: func(context.Context) error {
			st := p.Stats(host)
			if st.Waiting > 0 {
				return fmt.Errorf("%s saturated: %d open, %d waiting", host, st.Open, st.Waiting)
			}
			return nil
		},
	}
}

// RateLimit fails while the upstream has throttled any model.
func RateLimit(l *ratelimit.Limiter) Checker {
	return Checker{
		Name: "ratelimit",
		Check: func(context.Context) error {
			var throttled []string
			models := l.Models()
			slices.Sort(models)
			for _, m := range models {
				if st := l.Snapshot(m); st.ThrottledFor > 0 {
					throttled = append(throttled, fmt.Sprintf("%s (%s)", m, st.ThrottledFor.Round(time.Millisecond)))
				}
			}
			if len(throttled) > 0 {
				return fmt.Errorf("throttled by upstream: %s", strings.Join(throttled, ", "))
			}
			return nil
		},
	}
}

// Pinger is implemented by stores that can verify their backend.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Store is a critical checker that pings the job store.
func Store(p Pinger) Checker {
	return Checker{Name: "store", Critical: true, Check: p.Ping}
}
