// Package observe provides application-wide observability primitives for
// the transcription dispatcher: OpenTelemetry metrics, distributed tracing,
// structured logging, dispatch events, and HTTP middleware that ties them
// together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all dispatcher metrics.
const meterName = "github.com/lliWcWill/ytFetch-sub002"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// CallDuration tracks upstream transcription call latency. Use with
	// attributes: attribute.String("provider", ...), attribute.String("model", ...),
	// attribute.String("outcome", ...)
	CallDuration metric.Float64Histogram

	// JobDuration tracks wall-clock time from job start to assembly.
	JobDuration metric.Float64Histogram

	// RateWait tracks how long workers waited for a rate-limit token.
	RateWait metric.Float64Histogram

	// --- Counters ---

	// TokensReserved counts granted rate-limit tokens per model.
	TokensReserved metric.Int64Counter

	// CircuitTransitions counts breaker state changes. Use with attributes:
	//   attribute.String("endpoint", ...), attribute.String("to", ...)
	CircuitTransitions metric.Int64Counter

	// DedupHits counts requests collapsed onto an existing fingerprint.
	DedupHits metric.Int64Counter

	// PoolExhausted counts acquire timeouts per host.
	PoolExhausted metric.Int64Counter

	// Chunks counts finished chunk attempts. Use with attributes:
	//   attribute.String("model", ...), attribute.String("result", ...),
	//   attribute.String("reason", ...)
	Chunks metric.Int64Counter

	// Jobs counts completed jobs by final status.
	Jobs metric.Int64Counter

	// --- Gauges ---

	// ActiveWorkers tracks the number of workers currently dispatching.
	ActiveWorkers metric.Int64UpDownCounter

	// InFlightCalls tracks upstream calls currently on the wire.
	InFlightCalls metric.Int64UpDownCounter

	// ActiveJobs tracks jobs that are still running.
	ActiveJobs metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Attributes:
	//   method, route (the mux pattern, never the raw path), status
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// transcription calls, which range from sub-second to minutes.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.CallDuration, err = m.Float64Histogram("ytfetch.upstream.call.duration",
		metric.WithDescription("Latency of upstream transcription calls."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.JobDuration, err = m.Float64Histogram("ytfetch.job.duration",
		metric.WithDescription("Wall-clock duration of transcription jobs."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.RateWait, err = m.Float64Histogram("ytfetch.ratelimit.wait",
		metric.WithDescription("Time spent waiting for a rate-limit token."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.TokensReserved, err = m.Int64Counter("ytfetch.ratelimit.tokens_reserved",
		metric.WithDescription("Total rate-limit tokens granted by model."),
	); err != nil {
		return nil, err
	}
	if met.CircuitTransitions, err = m.Int64Counter("ytfetch.circuit.transitions",
		metric.WithDescription("Total circuit breaker state changes by endpoint and target state."),
	); err != nil {
		return nil, err
	}
	if met.DedupHits, err = m.Int64Counter("ytfetch.dedup.hits",
		metric.WithDescription("Total requests served by an existing in-flight or cached call."),
	); err != nil {
		return nil, err
	}
	if met.PoolExhausted, err = m.Int64Counter("ytfetch.pool.exhausted",
		metric.WithDescription("Total connection acquire timeouts by host."),
	); err != nil {
		return nil, err
	}
	if met.Chunks, err = m.Int64Counter("ytfetch.chunks",
		metric.WithDescription("Total finished chunk attempts by model, result, and reason."),
	); err != nil {
		return nil, err
	}
	if met.Jobs, err = m.Int64Counter("ytfetch.jobs",
		metric.WithDescription("Total completed jobs by status."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveWorkers, err = m.Int64UpDownCounter("ytfetch.active_workers",
		metric.WithDescription("Number of workers currently dispatching chunks."),
	); err != nil {
		return nil, err
	}
	if met.InFlightCalls, err = m.Int64UpDownCounter("ytfetch.inflight_calls",
		metric.WithDescription("Number of upstream calls currently in flight."),
	); err != nil {
		return nil, err
	}
	if met.ActiveJobs, err = m.Int64UpDownCounter("ytfetch.active_jobs",
		metric.WithDescription("Number of transcription jobs still running."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("ytfetch.http.request.duration",
		metric.WithDescription("HTTP request latency by method, route and status."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordCall records the latency and outcome of one upstream call.
func (m *Metrics) RecordCall(ctx context.Context, provider, model, outcome string, seconds float64) {
	m.CallDuration.Record(ctx, seconds,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("model", model),
			attribute.String("outcome", outcome),
		),
	)
}

// RecordChunk records a finished chunk attempt. reason is empty on success.
func (m *Metrics) RecordChunk(ctx context.Context, model, result, reason string) {
	m.Chunks.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("model", model),
			attribute.String("result", result),
			attribute.String("reason", reason),
		),
	)
}

// RecordCircuitTransition records a breaker state change.
func (m *Metrics) RecordCircuitTransition(ctx context.Context, endpoint, to string) {
	m.CircuitTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("endpoint", endpoint),
			attribute.String("to", to),
		),
	)
}
