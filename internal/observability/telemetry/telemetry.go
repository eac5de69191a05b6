// Package telemetry configures the OpenTelemetry trace and metric providers
// used by the settlement, escrow and resolver spans.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// ShutdownFunc flushes and stops the providers.
type ShutdownFunc func(context.Context) error

// Config controls exporter behaviour. Exporter is "none", "stdout" or "otlp".
type Config struct {
	Exporter     string  `koanf:"exporter" json:"exporter"`
	OTLPEndpoint string  `koanf:"otlp_endpoint" json:"otlp_endpoint"`
	OTLPInsecure bool    `koanf:"otlp_insecure" json:"otlp_insecure"`
	SampleRatio  float64 `koanf:"sample_ratio" json:"sample_ratio"`
	// Output receives stdout exporter data; nil means os.Stdout.
	Output io.Writer `koanf:"-" json:"-"`
}

// Init installs global providers and a W3C trace-context propagator.
func Init(ctx context.Context, serviceName, version string, cfg Config) (ShutdownFunc, error) {
	exporter := strings.ToLower(strings.TrimSpace(cfg.Exporter))
	if exporter == "" || exporter == "none" {
		return func(context.Context) error { return nil }, nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	var (
		spans   sdktrace.SpanExporter
		metrics sdkmetric.Exporter
	)
	switch exporter {
	case "stdout":
		out := cfg.Output
		if out == nil {
			out = os.Stdout
		}
		if spans, err = stdouttrace.New(stdouttrace.WithWriter(out)); err != nil {
			return nil, fmt.Errorf("create trace exporter: %w", err)
		}
		if metrics, err = stdoutmetric.New(stdoutmetric.WithWriter(out)); err != nil {
			return nil, fmt.Errorf("create metric exporter: %w", err)
		}
	case "otlp":
		if cfg.OTLPEndpoint == "" {
			return nil, errors.New("otlp endpoint is required")
		}
		traceOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint)}
		metricOpts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint)}
		if cfg.OTLPInsecure {
			traceOpts = append(traceOpts, otlptracegrpc.WithInsecure())
			metricOpts = append(metricOpts, otlpmetricgrpc.WithInsecure())
		}
		if spans, err = otlptracegrpc.New(ctx, traceOpts...); err != nil {
			return nil, fmt.Errorf("create otlp trace exporter: %w", err)
		}
		if metrics, err = otlpmetricgrpc.New(ctx, metricOpts...); err != nil {
			return nil, fmt.Errorf("create otlp metric exporter: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown telemetry exporter: %s", cfg.Exporter)
	}

	sampler := sdktrace.ParentBased(sdktrace.AlwaysSample())
	if cfg.SampleRatio > 0 && cfg.SampleRatio < 1 {
		sampler = sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(spans, sdktrace.WithBatchTimeout(time.Second)),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metrics, sdkmetric.WithInterval(time.Minute))),
		sdkmetric.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return func(ctx context.Context) error {
		return errors.Join(tp.Shutdown(ctx), mp.Shutdown(ctx))
	}, nil
}
