package observe

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// unmatchedRoute labels requests no mux pattern served, so unknown paths
// share one metric series.
const unmatchedRoute = "unmatched"

// scrapeRoutes are polled continuously; their successes log at debug.
var scrapeRoutes = map[string]bool{"/metrics": true, "/healthz": true, "/readyz": true}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

// Middleware traces and times every request to the operational endpoints.
// It continues an incoming W3C trace, echoes the trace ID as
// X-Correlation-ID and labels spans and [Metrics.HTTPRequestDuration] with
// the [http.ServeMux] pattern that served the request (e.g. "/jobs/{id}"),
// never the raw path. Job routes also tag the span with [AttrJobID].
//
// next must be a ServeMux or wrap one without copying the request, since the
// pattern is read back from the request after it is served.
func Middleware(m *Metrics) func(http.Handler) http.Handler {
	prop := propagation.TraceContext{}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			ctx := prop.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
			ctx, span := StartSpan(ctx, "HTTP "+r.Method,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					semconv.HTTPRequestMethodKey.String(r.Method),
					semconv.URLPath(r.URL.Path),
				),
			)
			defer span.End()

			cid := CorrelationID(ctx)
			if cid != "" {
				w.Header().Set("X-Correlation-ID", cid)
			}
			prop.Inject(ctx, propagation.HeaderCarrier(w.Header()))

			r = r.WithContext(ctx)
			rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(rec, r)

			route := routeOf(r)
			duration := time.Since(start)
			span.SetName("HTTP " + r.Method + " " + route)
			span.SetAttributes(semconv.HTTPRoute(route), semconv.HTTPResponseStatusCode(rec.statusCode))
			if id := r.PathValue("id"); id != "" && strings.HasPrefix(route, "/jobs/") {
				span.SetAttributes(AttrJobID.String(id))
			}

			m.HTTPRequestDuration.Record(ctx, duration.Seconds(),
				metric.WithAttributes(
					attribute.String("method", r.Method),
					attribute.String("route", route),
					attribute.Int("status", rec.statusCode),
				),
			)

			level := slog.LevelInfo
			if scrapeRoutes[route] && rec.statusCode < 400 {
				level = slog.LevelDebug
			}
			slog.LogAttrs(ctx, level, "request completed",
				slog.String("trace_id", cid),
				slog.String("method", r.Method),
				slog.String("route", route),
				slog.String("path", r.URL.Path),
				slog.Int("status", rec.statusCode),
				slog.Duration("duration", duration),
			)
		})
	}
}

// routeOf returns the pattern that served r without its method prefix.
func routeOf(r *http.Request) string {
	p := r.Pattern
	if _, path, ok := strings.Cut(p, " "); ok {
		p = path
	}
	if p == "" {
		return unmatchedRoute
	}
	return p
}
