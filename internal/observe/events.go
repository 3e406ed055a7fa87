package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// EventKind names a dispatch event.
type EventKind string

const (
	EventTokenReserved  EventKind = "token_reserved"
	EventCircuitOpened  EventKind = "circuit_opened"
	EventCircuitClosed  EventKind = "circuit_closed"
	EventDedupHit       EventKind = "dedup_hit"
	EventPoolExhausted  EventKind = "pool_exhausted"
	EventChunkFailed    EventKind = "chunk_failed"
	EventChunkSucceeded EventKind = "chunk_succeeded"
	EventJobCompleted   EventKind = "job_completed"
)

// Event is one observable step of the dispatch pipeline. Fields that do not
// apply to a kind are left zero.
type Event struct {
	Kind  EventKind
	Time  time.Time
	JobID string
	Model string
	// Endpoint is the breaker endpoint or pool host the event concerns.
	Endpoint string
	Chunk    int
	Attempt  int
	// Reason is the failure class for chunk_failed or the final status for
	// job_completed.
	Reason string
	Err    error
}

// Emitter receives dispatch events. Implementations must be safe for
// concurrent use and must not block.
type Emitter interface {
	Emit(ctx context.Context, ev Event)
}

// Nop discards all events.
type Nop struct{}

// Emit implements [Emitter].
func (Nop) Emit(context.Context, Event) {}

// Recorder logs every event through slog and counts it on [Metrics].
type Recorder struct {
	m *Metrics
}

// NewRecorder returns a [Recorder] backed by m. A nil m uses [DefaultMetrics].
func NewRecorder(m *Metrics) *Recorder {
	if m == nil {
		m = DefaultMetrics()
	}
	return &Recorder{m: m}
}

// Emit implements [Emitter].
func (r *Recorder) Emit(ctx context.Context, ev Event) {
	l := Logger(ctx)
	attrs := []any{"job_id", ev.JobID}
	if ev.Model != "" {
		attrs = append(attrs, "model", ev.Model)
	}

	switch ev.Kind {
	case EventTokenReserved:
		r.m.TokensReserved.Add(ctx, 1, metric.WithAttributes(attribute.String("model", ev.Model)))
		l.Debug("rate token reserved", append(attrs, "chunk", ev.Chunk)...)
	case EventCircuitOpened:
		r.m.RecordCircuitTransition(ctx, ev.Endpoint, "open")
		l.Warn("circuit opened", append(attrs, "endpoint", ev.Endpoint)...)
	case EventCircuitClosed:
		r.m.RecordCircuitTransition(ctx, ev.Endpoint, "closed")
		l.Info("circuit closed", append(attrs, "endpoint", ev.Endpoint)...)
	case EventDedupHit:
		r.m.DedupHits.Add(ctx, 1, metric.WithAttributes(attribute.String("model", ev.Model)))
		l.Debug("duplicate request collapsed", append(attrs, "chunk", ev.Chunk)...)
	case EventPoolExhausted:
		r.m.PoolExhausted.Add(ctx, 1, metric.WithAttributes(attribute.String("host", ev.Endpoint)))
		l.Warn("connection pool exhausted", append(attrs, "host", ev.Endpoint, "chunk", ev.Chunk)...)
	case EventChunkFailed:
		r.m.RecordChunk(ctx, ev.Model, "failed", ev.Reason)
		l.Warn("chunk attempt failed", append(attrs, "chunk", ev.Chunk, "attempt", ev.Attempt, "reason", ev.Reason, "err", ev.Err)...)
	case EventChunkSucceeded:
		r.m.RecordChunk(ctx, ev.Model, "succeeded", "")
		l.Debug("chunk transcribed", append(attrs, "chunk", ev.Chunk, "attempt", ev.Attempt)...)
	case EventJobCompleted:
		r.m.Jobs.Add(ctx, 1, metric.WithAttributes(attribute.String("status", ev.Reason)))
		l.Info("job completed", append(attrs, "status", ev.Reason)...)
	default:
		l.Debug("dispatch event", append(attrs, "kind", string(ev.Kind))...)
	}
}

// Collector keeps every event in memory. Useful in tests and for per-job
// summaries.
type Collector struct {
	mu     sync.Mutex
	events []Event
}

// Emit implements [Emitter].
func (c *Collector) Emit(_ context.Context, ev Event) {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
}

// Events returns a copy of every recorded event.
func (c *Collector) Events() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Event, len(c.events))
	copy(out, c.events)
	return out
}

// Count returns how many events of kind were recorded.
func (c *Collector) Count(kind EventKind) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, ev := range c.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

// Multi fans every event out to several emitters.
type Multi []Emitter

// Emit implements [Emitter].
func (m Multi) Emit(ctx context.Context, ev Event) {
	for _, e := range m {
		e.Emit(ctx, ev)
	}
}
