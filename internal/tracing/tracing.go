package tracing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.40.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const (
	// ScopeName is the instrumentation scope of every projector span.
	ScopeName = "github.com/lsm/projector"

	DefaultEndpoint    = "localhost:4317"
	DefaultServiceName = "projector"
)

// Config is the tracing section of a projector definition.
type Config struct {
	Enabled     bool   `yaml:"enabled"`
	Endpoint    string `yaml:"endpoint"`
	TLS         bool   `yaml:"tls"` // plaintext gRPC unless set
	ServiceName string `yaml:"serviceName"`
	// SampleRatio is the fraction of new traces recorded. Zero means 1;
	// traces continued from an event keep the upstream decision.
	SampleRatio float64 `yaml:"sampleRatio"`
}

// Validate rejects a sample ratio outside [0, 1].
func (c Config) Validate() error {
	var errs []error
	if c.SampleRatio < 0 || c.SampleRatio > 1 {
		errs = append(errs, fmt.Errorf("sampleRatio must be between 0 and 1, got %g", c.SampleRatio))
	}
	if c.Endpoint != "" && strings.Contains(c.Endpoint, "://") {
		errs = append(errs, fmt.Errorf("endpoint %q must be host:port", c.Endpoint))
	}
	return errors.Join(errs...)
}

// Resolve fills defaults and applies the environment. PROJECTOR_OTEL_ENABLED
// set to "true" enables tracing and OTEL_EXPORTER_OTLP_ENDPOINT replaces the
// endpoint, so an operator can switch tracing on without editing the
// definition.
func (c Config) Resolve() Config {
	if strings.EqualFold(os.Getenv("PROJECTOR_OTEL_ENABLED"), "true") {
		c.Enabled = true
	}
	if endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); endpoint != "" {
		c.Endpoint = endpoint
	}
	if c.Endpoint == "" {
		c.Endpoint = DefaultEndpoint
	}
	if c.ServiceName == "" {
		c.ServiceName = DefaultServiceName
	}
	if c.SampleRatio == 0 {
		c.SampleRatio = 1
	}
	return c
}

// Initialize installs the global tracer provider for the named projector and
// returns its tracer and shutdown function. Spans carry the service name and
// the projector name as resource attributes. A disabled config yields a
// no-op tracer.
func Initialize(cfg Config, projector string, logger *slog.Logger) (trace.Tracer, func(context.Context) error, error) {
	cfg = cfg.Resolve()
	if !cfg.Enabled {
		logger.Info("tracing disabled, using no-op tracer")
		return noop.NewTracerProvider().Tracer(ScopeName), func(context.Context) error { return nil }, nil
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("tracing: %w", err)
	}

	logger.Info("initializing tracing",
		"endpoint", cfg.Endpoint,
		"service", cfg.ServiceName,
		"sample_ratio", cfg.SampleRatio,
		"tls", cfg.TLS,
	)

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if !cfg.TLS {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(context.Background(), opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("create OTLP exporter: %w", err)
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			DriverAttr(projector),
		),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	shutdown := func(ctx context.Context) error {
		logger.Info("shutting down tracer provider")
		return tp.Shutdown(ctx)
	}
	return tp.Tracer(ScopeName), shutdown, nil
}
