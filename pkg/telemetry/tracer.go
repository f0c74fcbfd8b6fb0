package telemetry

import (
	"context"
	"fmt"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Tracer wraps the OpenTelemetry tracer with run and session spans.
type Tracer struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
	config   TracingConfig
}

// NewTracer creates a new tracer with the given configuration.
func NewTracer(cfg TracingConfig, serviceName, serviceVersion, environment string) (*Tracer, error) {
	if !cfg.Enabled {
		// Return a tracer with no-op provider
		return &Tracer{
			provider: sdktrace.NewTracerProvider(),
			tracer:   otel.Tracer(serviceName),
			config:   cfg,
		}, nil
	}

	// Create resource with service information
	res, err := resource.New(
		context.Background(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(serviceName),
			semconv.ServiceVersionKey.String(serviceVersion),
			attribute.String("environment", environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace resource: %w", err)
	}

	// Create exporter based on configuration
	var exporter sdktrace.SpanExporter
	switch cfg.Exporter {
	case "otlp":
		exporter, err = createOTLPExporter(cfg)
	case "stdout":
		exporter, err = createStdoutExporter(cfg)
	case "none":
		// No exporter - traces are generated but not exported
		exporter = nil
	default:
		return nil, fmt.Errorf("unsupported trace exporter: %s", cfg.Exporter)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	// Configure sampler
	sampler := sdktrace.ParentBased(
		sdktrace.TraceIDRatioBased(cfg.SamplingRate),
	)

	// Create trace provider
	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	}

	if exporter != nil {
		opts = append(opts, sdktrace.WithBatcher(
			exporter,
			sdktrace.WithMaxExportBatchSize(cfg.MaxExportBatchSize),
			sdktrace.WithExportTimeout(cfg.ExportTimeout),
		))
	}

	provider := sdktrace.NewTracerProvider(opts...)

	// Set global trace provider
	otel.SetTracerProvider(provider)

	// Set global propagator for context propagation
	otel.SetTextMapPropagator(
		propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		),
	)

	return &Tracer{
		provider: provider,
		tracer:   provider.Tracer(serviceName),
		config:   cfg,
	}, nil
}

// createOTLPExporter creates an OTLP gRPC exporter.
func createOTLPExporter(cfg TracingConfig) (sdktrace.SpanExporter, error) {
	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
	}

	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithTLSCredentials(insecure.NewCredentials()))
	}

	// Add custom headers if provided
	if len(cfg.Headers) > 0 {
		opts = append(opts, otlptracegrpc.WithHeaders(cfg.Headers))
	}

	opts = append(opts, otlptracegrpc.WithDialOption(
		grpc.WithUserAgent("skiff"),
	))

	return otlptracegrpc.New(context.Background(), opts...)
}

// createStdoutExporter creates a console exporter for debugging. Spans go to stderr so they
// never interleave with rendered results.
func createStdoutExporter(_ TracingConfig) (sdktrace.SpanExporter, error) {
	return stdouttrace.New(
		stdouttrace.WithWriter(os.Stderr),
		stdouttrace.WithPrettyPrint(),
	)
}

// Start begins a new span with the given name.
func (t *Tracer) Start(ctx context.Context, spanName string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, spanName, opts...)
}

// StartSpan is a convenience method that starts a span with common attributes.
func (t *Tracer) StartSpan(ctx context.Context, operation string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if t == nil || t.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return t.tracer.Start(ctx, operation, trace.WithAttributes(attrs...))
}

// StartRunSpan starts a span for a whole run.
func (t *Tracer) StartRunSpan(ctx context.Context, jid, fun string, targets int) (context.Context, trace.Span) {
	return t.StartSpan(ctx, "run.execute",
		AttrJID.String(jid),
		AttrFun.String(fun),
		attribute.Int("run.targets", targets),
	)
}

// StartSessionSpan starts a span for one target's session.
func (t *Tracer) StartSessionSpan(ctx context.Context, targetID, host, mode string) (context.Context, trace.Span) {
	return t.StartSpan(ctx, "session.run",
		AttrTargetID.String(targetID),
		AttrTargetHost.String(host),
		AttrMode.String(mode),
	)
}

// StartDeploySpan starts a span for a runtime deploy.
func (t *Tracer) StartDeploySpan(ctx context.Context, targetID, stamp string) (context.Context, trace.Span) {
	return t.StartSpan(ctx, "session.deploy",
		AttrTargetID.String(targetID),
		attribute.String("package.stamp", stamp),
	)
}

// RecordError records an error on the current span.
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// RecordSuccess marks the span as successful.
func RecordSuccess(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}

// SetAttributes sets multiple attributes on a span.
func SetAttributes(span trace.Span, attrs ...attribute.KeyValue) {
	span.SetAttributes(attrs...)
}

// AddEvent adds an event to the span.
func AddEvent(span trace.Span, name string, attrs ...attribute.KeyValue) {
	span.AddEvent(name, trace.WithAttributes(attrs...))
}

// AddPhaseEvent records a session phase transition on the span.
func AddPhaseEvent(span trace.Span, phase string) {
	span.AddEvent("phase", trace.WithAttributes(AttrPhase.String(phase)))
}

// Shutdown gracefully shuts down the tracer, flushing any pending spans.
func (t *Tracer) Shutdown(ctx context.Context) error {
	if t == nil || t.provider == nil {
		return nil
	}
	return t.provider.Shutdown(ctx)
}

// ForceFlush forces all pending spans to be exported immediately.
func (t *Tracer) ForceFlush(ctx context.Context) error {
	if t == nil || t.provider == nil {
		return nil
	}
	return t.provider.ForceFlush(ctx)
}

// SpanFromContext returns the current span from the context.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// TraceID returns the trace ID of the current span in the context.
func TraceID(ctx context.Context) string {
	span := trace.SpanFromContext(ctx)
	if !span.SpanContext().IsValid() {
		return ""
	}
	return span.SpanContext().TraceID().String()
}

// SpanID returns the span ID of the current span in the context.
func SpanID(ctx context.Context) string {
	span := trace.SpanFromContext(ctx)
	if !span.SpanContext().IsValid() {
		return ""
	}
	return span.SpanContext().SpanID().String()
}

// Common attribute keys for skiff tracing.
var (
	AttrJID        = attribute.Key("job.jid")
	AttrFun        = attribute.Key("job.fun")
	AttrMode       = attribute.Key("session.mode")
	AttrPhase      = attribute.Key("session.phase")
	AttrTargetHost = attribute.Key("target.host")
	AttrTargetID   = attribute.Key("target.id")
	AttrErrorKind  = attribute.Key("error.kind")
)
