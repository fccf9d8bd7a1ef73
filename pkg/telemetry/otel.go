// Package telemetry installs the OpenTelemetry tracer provider that the
// import and export pipelines report their spans to.
package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Config configures the OTLP gRPC exporter.
type Config struct {
	// Endpoint is the OTLP gRPC endpoint (e.g., "localhost:4317")
	Endpoint       string
	ServiceName    string
	ServiceVersion string

	// Insecure disables TLS for the gRPC connection (use for local dev)
	Insecure bool
	Headers  map[string]string

	BatchTimeout  time.Duration
	ExportTimeout time.Duration

	// SamplingRatio is the fraction of traces to sample (0.0 to 1.0)
	SamplingRatio float64
}

// DefaultConfig returns defaults for a local collector.
func DefaultConfig(serviceName string) Config {
	return Config{
		Endpoint:      "localhost:4317",
		ServiceName:   serviceName,
		Insecure:      true,
		BatchTimeout:  5 * time.Second,
		ExportTimeout: 30 * time.Second,
		SamplingRatio: 1.0,
	}
}

// Provider owns the tracer provider lifecycle.
type Provider struct {
	mu sync.Mutex

	cfg Config
	tp  *sdktrace.TracerProvider
}

// New creates a provider; Start installs it.
func New(cfg Config) *Provider {
	return &Provider{cfg: cfg}
}

// Start creates the exporter and sets the global tracer provider and
// propagators. Calling it again is a no-op.
func (p *Provider) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.tp != nil {
		return nil
	}

	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(p.cfg.Endpoint),
		otlptracegrpc.WithTimeout(p.cfg.ExportTimeout),
	}
	if p.cfg.Insecure {
		opts = append(opts,
			otlptracegrpc.WithInsecure(),
			otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
		)
	}
	if len(p.cfg.Headers) > 0 {
		opts = append(opts, otlptracegrpc.WithHeaders(p.cfg.Headers))
	}

	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(p.cfg.ServiceName),
			semconv.ServiceVersion(p.cfg.ServiceVersion),
		),
	)
	if err != nil {
		return fmt.Errorf("failed to create resource: %w", err)
	}

	p.tp = sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(p.cfg.BatchTimeout)),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(Sampler(p.cfg.SamplingRatio)),
	)
	otel.SetTracerProvider(p.tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return nil
}

// Shutdown flushes pending spans and stops the exporter.
func (p *Provider) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.tp == nil {
		return nil
	}
	err := p.tp.Shutdown(ctx)
	p.tp = nil
	return err
}

// Tracer returns a tracer from the installed provider, or from the global
// one before Start.
func (p *Provider) Tracer(name string) trace.Tracer {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.tp == nil {
		return otel.Tracer(name)
	}
	return p.tp.Tracer(name)
}

// Sampler maps a ratio to a parent-based sampler.
func Sampler(ratio float64) sdktrace.Sampler {
	switch {
	case ratio >= 1:
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	case ratio <= 0:
		return sdktrace.ParentBased(sdktrace.NeverSample())
	default:
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
	}
}

// Carrier is a string map usable as a propagation carrier, for passing a
// trace across the job queue.
type Carrier = propagation.MapCarrier

// Inject writes the trace context of ctx into c.
func Inject(ctx context.Context, c Carrier) {
	otel.GetTextMapPropagator().Inject(ctx, c)
}

// Extract returns ctx carrying the trace context found in c.
func Extract(ctx context.Context, c Carrier) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, c)
}
