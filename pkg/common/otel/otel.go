// Package otel provides otel support.
package otel

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/scanwatch/pkg/common/logger"
)

// Config defines the information needed to init tracing.
type Config struct {
	ServiceName string
	// ExporterEndpoint is the OTLP gRPC collector address. Empty disables
	// export; spans and metrics are still produced in process.
	ExporterEndpoint   string
	Host               string
	ExcludedRoutes     map[string]struct{}
	Probability        float64
	ResourceAttributes map[string]string
	InsecureExporter   bool
}

// Providers bundles the providers created by InitTelemetry.
type Providers struct {
	Tracer trace.TracerProvider
	Meter  *metric.MeterProvider
}

// InitTelemetry configures open telemetry to be used with the service.
func InitTelemetry(log *logger.Logger, cfg Config) (Providers, func(ctx context.Context), error) {
	attrs := make([]attribute.KeyValue, 0, len(cfg.ResourceAttributes)+1)
	for k, v := range cfg.ResourceAttributes {
		attrs = append(attrs, attribute.String(k, v))
	}
	if cfg.Host != "" {
		attrs = append(attrs, attribute.String("host.name", cfg.Host))
	}
	res := NewResource(cfg.ServiceName, attrs...)

	traceOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithSampler(newEndpointExcluder(cfg.ExcludedRoutes, cfg.Probability)),
		sdktrace.WithResource(res),
	}
	metricOpts := []metric.Option{metric.WithResource(res)}

	if cfg.ExporterEndpoint != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		traceClientOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.ExporterEndpoint)}
		metricClientOpts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.ExporterEndpoint)}
		if cfg.InsecureExporter {
			traceClientOpts = append(traceClientOpts, otlptracegrpc.WithInsecure())
			metricClientOpts = append(metricClientOpts, otlpmetricgrpc.WithInsecure())
		}

		traceExporter, err := otlptracegrpc.New(ctx, traceClientOpts...)
		if err != nil {
			return Providers{}, nil, fmt.Errorf("creating trace exporter: %w", err)
		}

		metricExporter, err := otlpmetricgrpc.New(ctx, metricClientOpts...)
		if err != nil {
			return Providers{}, nil, fmt.Errorf("creating metric exporter: %w", err)
		}

		traceOpts = append(traceOpts, sdktrace.WithBatcher(traceExporter,
			sdktrace.WithBatchTimeout(5*time.Second),
			sdktrace.WithMaxExportBatchSize(512),
			sdktrace.WithMaxQueueSize(2048),
		))
		metricOpts = append(metricOpts, metric.WithReader(metric.NewPeriodicReader(metricExporter)))
	} else {
		log.Info(context.Background(), "telemetry exporter disabled", "service", cfg.ServiceName)
	}

	tp := sdktrace.NewTracerProvider(traceOpts...)
	mp := metric.NewMeterProvider(metricOpts...)

	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	cleanup := func(ctx context.Context) {
		if err := tp.Shutdown(ctx); err != nil {
			log.Error(ctx, "shutting down tracer provider", "error", err)
		}
		if err := mp.Shutdown(ctx); err != nil {
			log.Error(ctx, "shutting down meter provider", "error", err)
		}
	}

	return Providers{Tracer: tp, Meter: mp}, cleanup, nil
}

// endpointExcluder drops spans whose name is in the excluded set and samples
// the rest with the configured probability.
type endpointExcluder struct {
	endpoints   map[string]struct{}
	probability float64
	sampler     sdktrace.Sampler
}

func newEndpointExcluder(endpoints map[string]struct{}, probability float64) endpointExcluder {
	return endpointExcluder{
		endpoints:   endpoints,
		probability: probability,
		sampler:     sdktrace.ParentBased(sdktrace.TraceIDRatioBased(probability)),
	}
}

// ShouldSample implements the sampler interface.
func (ee endpointExcluder) ShouldSample(p sdktrace.SamplingParameters) sdktrace.SamplingResult {
	if _, exists := ee.endpoints[p.Name]; exists {
		return sdktrace.SamplingResult{Decision: sdktrace.Drop}
	}
	return ee.sampler.ShouldSample(p)
}

// Description implements the sampler interface.
func (ee endpointExcluder) Description() string {
	return fmt.Sprintf("EndpointExcluder{probability=%g}", ee.probability)
}

// noTraceID is logged for records written outside any span.
var noTraceID = trace.TraceID{}.String()

// GetTraceID returns the trace id of the span carried by ctx, or an all-zero
// id when there is none. It satisfies logger.TraceIDFn.
func GetTraceID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return noTraceID
	}
	return sc.TraceID().String()
}
