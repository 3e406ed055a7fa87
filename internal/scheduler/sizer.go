package scheduler

import (
	"math"
	"sync"
	"time"

	"github.com/lliWcWill/ytFetch-sub002/internal/ratelimit"
)

// TargetWorkers applies Little's law to the model's rate budget: the number
// of workers that keeps the upstream saturated is the request rate times the
// average call latency. The result is capped by the concurrency ceiling and
// maxWorkers and is never below 1. A degraded endpoint gets a single worker.
func TargetWorkers(st ratelimit.Stats, window, avgLatency time.Duration, maxWorkers int, degraded bool) int {
	maxWorkers = max(maxWorkers, 1)
	if degraded || st.ThrottledFor > 0 || window <= 0 {
		return 1
	}
	rps := float64(st.Capacity) / window.Seconds()
	n := int(math.Ceil(rps * avgLatency.Seconds()))
	if st.MaxConcurrent > 0 {
		n = min(n, st.MaxConcurrent)
	}
	return min(max(n, 1), maxWorkers)
}

// ewmaAlpha weights the newest latency sample.
const ewmaAlpha = 0.2

type latencyEWMA struct {
	mu sync.Mutex
	v  float64
}

func (e *latencyEWMA) observe(d time.Duration) {
	e.mu.Lock()
	e.v = ewmaAlpha*float64(d) + (1-ewmaAlpha)*e.v
	e.mu.Unlock()
}

func (e *latencyEWMA) value() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return time.Duration(e.v)
}
