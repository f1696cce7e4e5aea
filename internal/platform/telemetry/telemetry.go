// Package telemetry wires OpenTelemetry tracing for the server: a tracer
// provider exporting over OTLP/HTTP when an endpoint is configured, and an
// echo middleware that opens a server span per request.
package telemetry

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.27.0"
)

type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	// OTLPEndpoint is host:port or the URL of an OTLP/HTTP collector. Empty
	// disables export.
	OTLPEndpoint string
	OTLPInsecure bool
	SampleRate   float64
}

func (c *Config) applyDefaults() {
	if c.ServiceName == "" {
		c.ServiceName = "caseload-server"
	}
	if c.ServiceVersion == "" {
		c.ServiceVersion = "0.0.0"
	}
	if c.Environment == "" {
		c.Environment = "development"
	}
	if c.SampleRate <= 0 || c.SampleRate > 1 {
		c.SampleRate = 1.0
	}
}

// Provider owns the tracer provider installed as the global one.
type Provider struct {
	TracerProvider *sdktrace.TracerProvider
	exporting      bool
}

// Init builds the tracer provider and installs it, together with the W3C
// trace context propagator, as the otel globals.
func Init(ctx context.Context, cfg Config, opts ...sdktrace.TracerProviderOption) (*Provider, error) {
	cfg.applyDefaults()

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			"",
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
			semconv.DeploymentEnvironmentName(cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	tpOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRate))),
	}

	exporting := false
	if cfg.OTLPEndpoint != "" {
		var expOpts []otlptracehttp.Option
		if strings.Contains(cfg.OTLPEndpoint, "://") {
			expOpts = append(expOpts, otlptracehttp.WithEndpointURL(cfg.OTLPEndpoint))
		} else {
			expOpts = append(expOpts, otlptracehttp.WithEndpoint(cfg.OTLPEndpoint))
			if cfg.OTLPInsecure {
				expOpts = append(expOpts, otlptracehttp.WithInsecure())
			}
		}
		exporter, err := otlptracehttp.New(ctx, expOpts...)
		if err != nil {
			return nil, fmt.Errorf("create OTLP exporter: %w", err)
		}
		tpOpts = append(tpOpts, sdktrace.WithBatcher(exporter))
		exporting = true
	}
	tpOpts = append(tpOpts, opts...)

	tp := sdktrace.NewTracerProvider(tpOpts...)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &Provider{TracerProvider: tp, exporting: exporting}, nil
}

// Exporting reports whether spans leave the process.
func (p *Provider) Exporting() bool {
	return p.exporting
}

// Shutdown flushes pending spans, giving up after five seconds.
func (p *Provider) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := p.TracerProvider.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown tracer provider: %w", err)
	}
	return nil
}
