// Package observability wires OpenTelemetry tracing and metrics for the
// praetor runtime: OTLP gRPC export, RED instruments over mission operations,
// and counters for the governance surfaces (decisions, enforcement, reflexes).
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Config configures the OpenTelemetry providers.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string        // gRPC collector endpoint, e.g. "localhost:4317"
	SampleRate     float64       // 0.0 to 1.0
	BatchTimeout   time.Duration // span batch flush interval
	MetricInterval time.Duration // periodic reader interval
	Enabled        bool
	Insecure       bool
}

// DefaultConfig samples everything and exports to a local collector.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "praetor-runtime",
		ServiceVersion: "1.0.0",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		MetricInterval: 15 * time.Second,
		Enabled:        true,
	}
}

// Provider manages the trace and metric providers plus the runtime's
// instruments. A disabled provider is safe to call; every record is a no-op.
type Provider struct {
	config         *Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *slog.Logger

	// RED instruments over mission operations.
	requestCounter metric.Int64Counter
	errorCounter   metric.Int64Counter
	durationHist   metric.Float64Histogram
	activeAttempts metric.Int64UpDownCounter

	// Governance instruments.
	decisionCounter  metric.Int64Counter
	violationCounter metric.Int64Counter
	reflexCounter    metric.Int64Counter
	auditDegraded    metric.Int64UpDownCounter
	streamDrops      metric.Int64Counter
}

// New creates the provider. When config.Enabled is false no exporters are
// built and every method is a no-op.
func New(ctx context.Context, config *Config, logger *slog.Logger) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}

	p := &Provider{
		config: config,
		logger: logger.With("component", "observability"),
	}

	if !config.Enabled {
		p.logger.InfoContext(ctx, "telemetry disabled")
		return p, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
			semconv.DeploymentEnvironment(config.Environment),
			attribute.String("praetor.component", "runtime"),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("build resource: %w", err)
	}

	if err := p.initTraceProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("init trace provider: %w", err)
	}
	if err := p.initMetricProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("init metric provider: %w", err)
	}

	p.tracer = otel.Tracer("praetor.runtime",
		trace.WithInstrumentationVersion(config.ServiceVersion),
	)
	p.meter = otel.Meter("praetor.runtime",
		metric.WithInstrumentationVersion(config.ServiceVersion),
	)

	if err := p.initInstruments(); err != nil {
		return nil, fmt.Errorf("init instruments: %w", err)
	}

	p.logger.InfoContext(ctx, "telemetry initialized",
		"service", config.ServiceName,
		"environment", config.Environment,
		"endpoint", config.OTLPEndpoint,
		"sample_rate", config.SampleRate,
	)
	return p, nil
}

func (p *Provider) initTraceProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(p.config.OTLPEndpoint),
	}
	if p.config.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}

	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("create trace exporter: %w", err)
	}

	var sampler sdktrace.Sampler
	switch {
	case p.config.SampleRate >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case p.config.SampleRate <= 0.0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(p.config.SampleRate)
	}

	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter,
			sdktrace.WithBatchTimeout(p.config.BatchTimeout),
		),
		sdktrace.WithSampler(sampler),
	)

	otel.SetTracerProvider(p.tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return nil
}

func (p *Provider) initMetricProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlpmetricgrpc.Option{
		otlpmetricgrpc.WithEndpoint(p.config.OTLPEndpoint),
	}
	if p.config.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}

	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("create metric exporter: %w", err)
	}

	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(p.config.MetricInterval),
		)),
	)
	otel.SetMeterProvider(p.meterProvider)
	return nil
}

func (p *Provider) initInstruments() error {
	var err error

	p.requestCounter, err = p.meter.Int64Counter("praetor.operations.total",
		metric.WithDescription("Total governed operations processed"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return err
	}

	p.errorCounter, err = p.meter.Int64Counter("praetor.errors.total",
		metric.WithDescription("Total operation failures by fault code"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return err
	}

	p.durationHist, err = p.meter.Float64Histogram("praetor.operation.duration",
		metric.WithDescription("Operation duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0),
	)
	if err != nil {
		return err
	}

	p.activeAttempts, err = p.meter.Int64UpDownCounter("praetor.attempts.active",
		metric.WithDescription("Attempts currently executing"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return err
	}

	p.decisionCounter, err = p.meter.Int64Counter("praetor.decisions.total",
		metric.WithDescription("Governor decisions by mode"),
		metric.WithUnit("{decision}"),
	)
	if err != nil {
		return err
	}

	p.violationCounter, err = p.meter.Int64Counter("praetor.budget_violations.total",
		metric.WithDescription("Budget violations by kind"),
		metric.WithUnit("{violation}"),
	)
	if err != nil {
		return err
	}

	p.reflexCounter, err = p.meter.Int64Counter("praetor.reflex_actions.total",
		metric.WithDescription("Reflex actions dispatched by type"),
		metric.WithUnit("{action}"),
	)
	if err != nil {
		return err
	}

	p.auditDegraded, err = p.meter.Int64UpDownCounter("praetor.audit.degraded",
		metric.WithDescription("1 while the audit log is degraded"),
	)
	if err != nil {
		return err
	}

	p.streamDrops, err = p.meter.Int64Counter("praetor.stream.drops.total",
		metric.WithDescription("Events dropped by slow stream subscribers"),
		metric.WithUnit("{event}"),
	)
	return err
}

// Shutdown flushes and stops both providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "trace provider shutdown failed", "error", err)
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "meter provider shutdown failed", "error", err)
		}
	}
	return nil
}

// Tracer returns the runtime tracer.
func (p *Provider) Tracer() trace.Tracer {
	if p.tracer == nil {
		return otel.Tracer("praetor.runtime")
	}
	return p.tracer
}

// Meter returns the runtime meter.
func (p *Provider) Meter() metric.Meter {
	if p.meter == nil {
		return otel.Meter("praetor.runtime")
	}
	return p.meter
}

// StartSpan starts a span on the runtime tracer.
func (p *Provider) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return p.Tracer().Start(ctx, name, opts...)
}

// RecordDecision counts one governor decision.
func (p *Provider) RecordDecision(ctx context.Context, mode string, shadow bool) {
	if p.decisionCounter != nil {
		p.decisionCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("mode", mode),
			attribute.Bool("shadow", shadow),
		))
	}
}

// RecordViolation counts one budget violation.
func (p *Provider) RecordViolation(ctx context.Context, kind string) {
	if p.violationCounter != nil {
		p.violationCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
	}
}

// RecordReflexAction counts one dispatched reflex action.
func (p *Provider) RecordReflexAction(ctx context.Context, action, result string) {
	if p.reflexCounter != nil {
		p.reflexCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("action", action),
			attribute.String("result", result),
		))
	}
}

// SetAuditDegraded moves the degraded gauge to 1 or back to 0.
func (p *Provider) SetAuditDegraded(ctx context.Context, degraded bool) {
	if p.auditDegraded == nil {
		return
	}
	if degraded {
		p.auditDegraded.Add(ctx, 1)
	} else {
		p.auditDegraded.Add(ctx, -1)
	}
}

// RecordStreamDrops counts events dropped for a slow subscriber.
func (p *Provider) RecordStreamDrops(ctx context.Context, n int64, channel string) {
	if p.streamDrops != nil && n > 0 {
		p.streamDrops.Add(ctx, n, metric.WithAttributes(attribute.String("channel", channel)))
	}
}

// TrackOperation opens a span, bumps the RED instruments, and returns a
// closer that records duration and the eventual error.
func (p *Provider) TrackOperation(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	start := time.Now()

	ctx, span := p.StartSpan(ctx, name,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)

	if p.activeAttempts != nil {
		p.activeAttempts.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
	if p.requestCounter != nil {
		p.requestCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	}

	return ctx, func(err error) {
		duration := time.Since(start)
		if p.activeAttempts != nil {
			p.activeAttempts.Add(ctx, -1, metric.WithAttributes(attrs...))
		}
		if p.durationHist != nil {
			p.durationHist.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
		}
		if err != nil {
			span.RecordError(err)
			if p.errorCounter != nil {
				all := append(attrs, attribute.String("error.type", fmt.Sprintf("%T", err)))
				p.errorCounter.Add(ctx, 1, metric.WithAttributes(all...))
			}
		}
		span.End()
	}
}
