package observe

import (
	"cmp"
	"context"
	"errors"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Resource attribute keys describing the dispatcher instance.
const (
	AttrUpstream     = attribute.Key("ytfetch.upstream")
	AttrDefaultModel = attribute.Key("ytfetch.default_model")
)

// ProviderConfig describes the dispatcher instance reported with every span
// and metric.
type ProviderConfig struct {
	// ServiceName defaults to "ytfetch".
	ServiceName    string
	ServiceVersion string

	// InstanceID distinguishes replicas sharing a job store. A random UUID
	// is used when empty.
	InstanceID string

	// Upstream and DefaultModel name the transcription backend this
	// instance dispatches to.
	Upstream     string
	DefaultModel string

	// SampleRatio is the fraction of root traces kept, in (0, 1]. Zero
	// keeps every trace. Remote parents decide for their children.
	SampleRatio float64

	// TraceExporter receives finished spans. When nil spans are recorded
	// for correlation IDs but never exported.
	TraceExporter sdktrace.SpanExporter
}

// Resource builds the OTel resource for cfg.
func (cfg ProviderConfig) Resource() (*resource.Resource, error) {
	attrs := []attribute.KeyValue{
		semconv.ServiceName(cmp.Or(cfg.ServiceName, "ytfetch")),
		semconv.ServiceInstanceID(cmp.Or(cfg.InstanceID, uuid.NewString())),
	}
	if cfg.ServiceVersion != "" {
		attrs = append(attrs, semconv.ServiceVersion(cfg.ServiceVersion))
	}
	if cfg.Upstream != "" {
		attrs = append(attrs, AttrUpstream.String(cfg.Upstream))
	}
	if cfg.DefaultModel != "" {
		attrs = append(attrs, AttrDefaultModel.String(cfg.DefaultModel))
	}
	return resource.Merge(resource.Default(), resource.NewSchemaless(attrs...))
}

func (cfg ProviderConfig) sampler() sdktrace.Sampler {
	if cfg.SampleRatio <= 0 || cfg.SampleRatio >= 1 {
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))
}

// InitProvider registers global meter and tracer providers and the W3C
// propagator. Metrics are exported through the Prometheus registry served on
// /metrics.
//
// The returned function flushes and closes both providers.
func InitProvider(ctx context.Context, cfg ProviderConfig) (shutdown func(context.Context) error, err error) {
	res, err := cfg.Resource()
	if err != nil {
		return nil, err
	}

	promExp, err := promexporter.New()
	if err != nil {
		return nil, err
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(promExp),
	)

	tpOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(cfg.sampler()),
	}
	if cfg.TraceExporter != nil {
		tpOpts = append(tpOpts, sdktrace.WithBatcher(cfg.TraceExporter))
	}
	tp := sdktrace.NewTracerProvider(tpOpts...)

	otel.SetMeterProvider(mp)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))

	return func(ctx context.Context) error {
		return errors.Join(tp.Shutdown(ctx), mp.Shutdown(ctx))
	}, nil
}
