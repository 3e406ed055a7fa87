package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope name for the dispatcher tracer.
const tracerName = "github.com/lliWcWill/ytFetch-sub002"

// Attribute keys shared by dispatch spans and job-scoped logs.
const (
	AttrJobID    = attribute.Key("job.id")
	AttrModel    = attribute.Key("model")
	AttrChunk    = attribute.Key("chunk")
	AttrProvider = attribute.Key("provider")
)

type jobKey struct{}

type jobScope struct {
	id    string
	model string
}

// WithJob scopes ctx to a transcription job. Spans started with [StartSpan]
// and loggers from [Logger] under the returned context carry the job ID and
// model.
func WithJob(ctx context.Context, jobID, model string) context.Context {
	return context.WithValue(ctx, jobKey{}, jobScope{id: jobID, model: model})
}

// JobID returns the job ctx is scoped to, or "".
func JobID(ctx context.Context) string {
	j, _ := ctx.Value(jobKey{}).(jobScope)
	return j.id
}

// Tracer returns the package-level [trace.Tracer] for the dispatcher. It uses the
// globally registered [trace.TracerProvider].
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a new span and returns the updated context and span. The
// caller must call span.End() when done. Inside a job scope the span is
// tagged with [AttrJobID] and [AttrModel].
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if j, ok := ctx.Value(jobKey{}).(jobScope); ok {
		opts = append(opts, trace.WithAttributes(AttrJobID.String(j.id), AttrModel.String(j.model)))
	}
	return Tracer().Start(ctx, name, opts...)
}

// CorrelationID extracts the trace ID from the OTel span context in ctx.
// Returns the empty string when no active span with a valid trace ID exists.
// Job logs and the X-Correlation-ID header both use it.
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns the default logger enriched with job_id and model when ctx
// is job-scoped, and with trace_id and span_id when ctx carries a span.
func Logger(ctx context.Context) *slog.Logger {
	l := slog.Default()
	if j, ok := ctx.Value(jobKey{}).(jobScope); ok {
		l = l.With(slog.String("job_id", j.id), slog.String("model", j.model))
	}
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		l = l.With(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	return l
}
