package scheduler

import (
	"testing"
	"time"

	"github.com/lliWcWill/ytFetch-sub002/internal/ratelimit"
	"github.com/lliWcWill/ytFetch-sub002/pkg/audio"
)

func planJob(t *testing.T, d time.Duration) *Job {
	t.Helper()
	f := audio.DefaultFormat
	size := int64(d/time.Second) * int64(f.BytesPerSecond())
	return &Job{ID: "plan", Source: sizedSource(size), Format: f, Duration: d, Model: testModel}
}

// sizedSource reports a size without backing memory; planning never reads.
type sizedSource int64

func (s sizedSource) ReadAt(p []byte, off int64) (int, error) { return len(p), nil }
func (s sizedSource) Size() int64                             { return int64(s) }
func (s sizedSource) ID() string                              { return "sized" }

func TestPlan_CoversSourceContiguously(t *testing.T) {
	job := planJob(t, 10*time.Minute+30*time.Second)
	chunks := Plan(job, ChunkPolicy{Target: time.Minute, Min: 10 * time.Second, Max: 10 * time.Minute}, Budget{})

	if len(chunks) != 11 {
		t.Fatalf("chunks = %d, want 11", len(chunks))
	}
	var off int64
	for i, c := range chunks {
		if c.Index != i {
			t.Errorf("chunk %d has index %d", i, c.Index)
		}
		if c.Offset != off {
			t.Errorf("chunk %d offset = %d, want %d (gap or overlap)", i, c.Offset, off)
		}
		if c.Offset%2 != 0 || c.Length%2 != 0 {
			t.Errorf("chunk %d not sample aligned: off=%d len=%d", i, c.Offset, c.Length)
		}
		if c.Status != ChunkPending {
			t.Errorf("chunk %d status = %s, want pending", i, c.Status)
		}
		off += c.Length
	}
	if off != job.Source.Size() {
		t.Errorf("chunks cover %d bytes, want %d", off, job.Source.Size())
	}
	if last := chunks[len(chunks)-1]; last.Start != 10*time.Minute || last.End != job.Duration {
		t.Errorf("last chunk = [%v, %v), want [10m, %v)", last.Start, last.End, job.Duration)
	}
}

func TestPlan_MergesShortTail(t *testing.T) {
	job := planJob(t, 65*time.Second)
	chunks := Plan(job, ChunkPolicy{Target: time.Minute, Min: 10 * time.Second, Max: 5 * time.Minute}, Budget{})

	if len(chunks) != 1 {
		t.Fatalf("chunks = %d, want the 5s tail merged into one", len(chunks))
	}
	if c := chunks[0]; c.End != 65*time.Second || c.Length != job.Source.Size() {
		t.Errorf("chunk = %+v, want the whole source", c)
	}
}

func TestPlan_LongAudioDoesNotOverflow(t *testing.T) {
	job := planJob(t, 6*time.Hour)
	chunks := Plan(job, ChunkPolicy{Target: 7 * time.Minute, Min: time.Minute, Max: 10 * time.Minute}, Budget{})
	var total int64
	for _, c := range chunks {
		if c.Length <= 0 {
			t.Fatalf("chunk %d has length %d", c.Index, c.Length)
		}
		total += c.Length
	}
	if total != job.Source.Size() {
		t.Errorf("covered %d bytes, want %d", total, job.Source.Size())
	}
}

func TestChunkDuration(t *testing.T) {
	policy := ChunkPolicy{Target: time.Minute, Min: 10 * time.Second, Max: 10 * time.Minute}
	tests := []struct {
		name   string
		total  time.Duration
		policy ChunkPolicy
		budget Budget
		want   time.Duration
	}{
		{"no deadline keeps target", time.Hour, policy, Budget{Capacity: 10, Window: time.Minute}, time.Minute},
		{"target clamped to max", time.Hour, ChunkPolicy{Target: time.Hour, Min: time.Second, Max: 5 * time.Minute}, Budget{}, 5 * time.Minute},
		{"target clamped to min", time.Hour, ChunkPolicy{Target: time.Second, Min: 30 * time.Second, Max: time.Minute}, Budget{}, 30 * time.Second},
		{"deadline already met", time.Hour, policy, Budget{Capacity: 60, Window: time.Minute, AvgLatency: 5 * time.Second, Remaining: time.Hour}, time.Minute},
		// 60 chunks at 10/min need 5m5s; 30 chunks need 2m5s.
		{"deadline doubles chunk", time.Hour, policy, Budget{Capacity: 10, Window: time.Minute, AvgLatency: 5 * time.Second, Remaining: 3 * time.Minute}, 2 * time.Minute},
		{"unreachable deadline stops at max", time.Hour, policy, Budget{Capacity: 1, Window: time.Minute, AvgLatency: 5 * time.Second, Remaining: time.Second}, 10 * time.Minute},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ChunkDuration(tt.total, tt.policy, tt.budget); got != tt.want {
				t.Errorf("ChunkDuration = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestBudget_Estimate(t *testing.T) {
	b := Budget{Capacity: 10, Window: time.Minute, AvgLatency: 3 * time.Second}
	tests := []struct {
		n    int
		want time.Duration
	}{
		{0, 0},
		{1, 3 * time.Second},
		{10, 3 * time.Second},
		{11, time.Minute + 3*time.Second},
		{30, 2*time.Minute + 3*time.Second},
	}
	for _, tt := range tests {
		if got := b.Estimate(tt.n); got != tt.want {
			t.Errorf("Estimate(%d) = %v, want %v", tt.n, got, tt.want)
		}
	}
}

func TestTargetWorkers(t *testing.T) {
	tests := []struct {
		name     string
		st       ratelimit.Stats
		latency  time.Duration
		max      int
		degraded bool
		want     int
	}{
		{"littles law", ratelimit.Stats{Capacity: 60}, 5 * time.Second, 16, false, 5},
		{"rounds up", ratelimit.Stats{Capacity: 50}, 5 * time.Second, 16, false, 5},
		{"capped by max", ratelimit.Stats{Capacity: 600}, 5 * time.Second, 16, false, 16},
		{"capped by concurrency", ratelimit.Stats{Capacity: 600, MaxConcurrent: 3}, 5 * time.Second, 16, false, 3},
		{"at least one", ratelimit.Stats{Capacity: 1}, 100 * time.Millisecond, 16, false, 1},
		{"degraded endpoint", ratelimit.Stats{Capacity: 600}, 5 * time.Second, 16, true, 1},
		{"throttled model", ratelimit.Stats{Capacity: 600, ThrottledFor: time.Second}, 5 * time.Second, 16, false, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := TargetWorkers(tt.st, time.Minute, tt.latency, tt.max, tt.degraded); got != tt.want {
				t.Errorf("TargetWorkers = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestLatencyEWMA(t *testing.T) {
	e := &latencyEWMA{v: float64(time.Second)}
	for range 50 {
		e.observe(100 * time.Millisecond)
	}
	if got := e.value(); got < 99*time.Millisecond || got > 110*time.Millisecond {
		t.Errorf("EWMA after 50 samples = %v, want ~100ms", got)
	}
}

func TestReason_RoundTrip(t *testing.T) {
	for r := RateLimitExceeded; r <= Cancelled; r++ {
		got, err := ParseReason(r.String())
		if err != nil || got != r {
			t.Errorf("ParseReason(%q) = %v, %v", r.String(), got, err)
		}
	}
	if _, err := ParseReason("Bogus"); err == nil {
		t.Error("expected error for unknown reason")
	}
}
