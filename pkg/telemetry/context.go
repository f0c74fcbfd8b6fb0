package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry bundles logging, tracing, metrics and events. Every field may be nil; all
// recording methods are nil-safe.
type Telemetry struct {
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Events  *EventPublisher
	Config  *Config
}

// telemetryContextKey is the context key for telemetry instances.
type telemetryContextKey struct{}

// NewTelemetry creates a new telemetry instance from configuration.
func NewTelemetry(cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}

	tracer, err := NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, cfg.Environment)
	if err != nil {
		return nil, err
	}

	metrics, err := NewMetrics(cfg.Metrics)
	if err != nil {
		return nil, err
	}

	events, err := NewEventPublisher(cfg.Events)
	if err != nil {
		return nil, err
	}

	return &Telemetry{
		Logger:  logger,
		Tracer:  tracer,
		Metrics: metrics,
		Events:  events,
		Config:  cfg,
	}, nil
}

// Noop returns a telemetry instance that records nothing but still delivers events
// synchronously to subscribers, which is what tests use for instrumentation.
func Noop() *Telemetry {
	events, _ := NewEventPublisher(EventsConfig{Enabled: true})
	return &Telemetry{Events: events}
}

// WithContext adds the telemetry instance to the context.
func (t *Telemetry) WithContext(ctx context.Context) context.Context {
	ctx = context.WithValue(ctx, telemetryContextKey{}, t)
	if t.Logger != nil {
		ctx = t.Logger.WithContext(ctx)
	}
	return ctx
}

// FromTelemetryContext retrieves the telemetry instance from the context, or nil.
func FromTelemetryContext(ctx context.Context) *Telemetry {
	if t, ok := ctx.Value(telemetryContextKey{}).(*Telemetry); ok {
		return t
	}
	return nil
}

// Shutdown gracefully shuts down all telemetry components.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil {
		return nil
	}
	if err := t.Events.Shutdown(ctx); err != nil {
		return err
	}
	return t.Tracer.Shutdown(ctx)
}

// StartMetricsServer starts the metrics HTTP server if one is configured.
func (t *Telemetry) StartMetricsServer(ctx context.Context) error {
	if t == nil {
		return nil
	}
	return t.Metrics.StartMetricsServer(ctx)
}

// InstrumentedContext carries a span and timer for one operation.
type InstrumentedContext struct {
	Ctx   context.Context
	Span  trace.Span
	Timer *Timer
}

// StartOperation begins an instrumented operation with tracing and timing.
func StartOperation(ctx context.Context, operation string, attrs ...attribute.KeyValue) *InstrumentedContext {
	tel := FromTelemetryContext(ctx)
	if tel == nil || tel.Tracer == nil {
		return &InstrumentedContext{
			Ctx:   ctx,
			Span:  trace.SpanFromContext(ctx),
			Timer: NewTimer(),
		}
	}

	spanCtx, span := tel.Tracer.StartSpan(ctx, operation, attrs...)
	return &InstrumentedContext{
		Ctx:   spanCtx,
		Span:  span,
		Timer: NewTimer(),
	}
}

// End finishes the instrumented operation, recording success or failure.
func (ic *InstrumentedContext) End(err error) {
	if ic.Span == nil || !ic.Span.IsRecording() {
		return
	}
	if err != nil {
		RecordError(ic.Span, err)
	} else {
		RecordSuccess(ic.Span)
	}
	ic.Span.End()
}
