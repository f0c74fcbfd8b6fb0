package telemetry

import (
	"bytes"
	"context"
	"errors"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func TestDefaultConfigValidates(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected the default config to validate, got %v", err)
	}
	if cfg.Tracing.Enabled {
		t.Error("expected tracing to be off by default")
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		want   string
	}{
		{"no service name", func(c *Config) { c.ServiceName = "" }, "service name"},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, "invalid log level"},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }, "invalid log format"},
		{"bad exporter", func(c *Config) { c.Tracing.Enabled = true; c.Tracing.Exporter = "zipkin" }, "invalid trace exporter"},
		{"bad sampling", func(c *Config) { c.Tracing.SamplingRate = 2 }, "sampling rate"},
		{"bad buffer", func(c *Config) { c.Events.EnableAsync = true; c.Events.BufferSize = 0 }, "buffer size"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected %q, got %v", tt.want, err)
			}
		})
	}
}

func TestMetricsRecording(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: true, Namespace: "skiff"})
	if err != nil {
		t.Fatalf("NewMetrics failed: %v", err)
	}

	m.RecordRunStarted(3)
	m.RecordSessionStarted()
	m.RecordSessionStarted()
	m.RecordPhase("probe")
	m.RecordPhase("probe")
	m.RecordDeploy("ok")
	m.RecordPackageBuild("runtime", "hit")
	m.RecordPasswordPrompt()
	m.RecordPolicyDenial("destructive-raw")
	m.RecordSessionCompleted("raw", "ok", 250*time.Millisecond)

	if got := testutil.ToFloat64(m.runsStarted); got != 1 {
		t.Errorf("expected 1 run started, got %v", got)
	}
	if got := testutil.ToFloat64(m.sessionsActive); got != 1 {
		t.Errorf("expected 1 active session, got %v", got)
	}
	if got := testutil.ToFloat64(m.sessionsQueued); got != 1 {
		t.Errorf("expected 1 queued target, got %v", got)
	}
	if got := testutil.ToFloat64(m.phaseTransitions.WithLabelValues("probe")); got != 2 {
		t.Errorf("expected 2 probe transitions, got %v", got)
	}
	if got := testutil.ToFloat64(m.policyDenials.WithLabelValues("destructive-raw")); got != 1 {
		t.Errorf("expected 1 policy denial, got %v", got)
	}

	m.RecordRunCompleted("ok", time.Second)
	if got := testutil.ToFloat64(m.sessionsQueued); got != 0 {
		t.Errorf("expected the queue to reset, got %v", got)
	}
}

func TestMetricsDisabled(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: false})
	if err != nil {
		t.Fatal(err)
	}
	var none *Metrics
	for _, metrics := range []*Metrics{m, none} {
		metrics.RecordRunStarted(1)
		metrics.RecordSessionStarted()
		metrics.RecordSessionCompleted("raw", "ok", time.Second)
		metrics.RecordPhase("probe")
		metrics.RecordDeploy("ok")
		metrics.RecordPolicyDenial("x")
		if err := metrics.StartMetricsServer(context.Background()); err != nil {
			t.Errorf("expected a disabled server to be a no-op, got %v", err)
		}
	}
	if m.Registry() != nil {
		t.Error("expected no registry when disabled")
	}
}

func TestMetricsHandler(t *testing.T) {
	m, _ := NewMetrics(MetricsConfig{Enabled: true, Namespace: "skiff"})
	m.RecordDeploy("failed")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()
	if !strings.Contains(body, `skiff_deploys_total{outcome="failed"} 1`) {
		t.Errorf("expected the deploy counter in the exposition, got:\n%s", body)
	}
}

func TestEventPublisherSync(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: true})
	if err != nil {
		t.Fatal(err)
	}

	var got []Event
	ep.Subscribe(func(e Event) { got = append(got, e) }, FilterByType(EventTypeDeploy))

	_ = ep.PublishRunStarted("j1", "test.ping", 2)
	_ = ep.PublishDeploy("j1", "web1", "abc", nil)
	_ = ep.PublishDeploy("j1", "web2", "abc", errors.New("scp failed"))

	if len(got) != 2 {
		t.Fatalf("expected 2 deploy events, got %d", len(got))
	}
	if got[0].ID == "" || got[0].Timestamp.IsZero() {
		t.Errorf("expected an id and timestamp, got %+v", got[0])
	}
	if got[0].Target != "web1" || got[0].Level != EventLevelInfo {
		t.Errorf("unexpected first event %+v", got[0])
	}
	if got[1].Level != EventLevelError {
		t.Errorf("expected a failed deploy to be an error event, got %+v", got[1])
	}
}

func TestEventPublisherAsync(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: true, EnableAsync: true, BufferSize: 10})
	if err != nil {
		t.Fatal(err)
	}

	var (
		mu  sync.Mutex
		ids []string
	)
	ep.Subscribe(func(e Event) {
		mu.Lock()
		ids = append(ids, e.Target)
		mu.Unlock()
	}, FilterByTarget("web2"))

	for _, target := range []string{"web1", "web2", "web2"} {
		if err := ep.PublishSessionPhase("j1", target, "probe"); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ep.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(ids) != 2 {
		t.Errorf("expected 2 events for web2, got %v", ids)
	}
}

func TestEventPublisherDisabled(t *testing.T) {
	var none *EventPublisher
	if err := none.Publish(Event{Type: EventTypeRunStarted}); err != nil {
		t.Errorf("expected a nil publisher to drop events, got %v", err)
	}
	ep, _ := NewEventPublisher(EventsConfig{Enabled: false})
	called := false
	ep.Subscribe(func(Event) { called = true }, nil)
	_ = ep.PublishRunStarted("j1", "test.ping", 1)
	if called {
		t.Error("expected a disabled publisher to drop events")
	}
	if err := ep.Shutdown(context.Background()); err != nil {
		t.Errorf("expected a disabled shutdown to succeed, got %v", err)
	}
}

func TestNewLogger(t *testing.T) {
	path := filepath.Join(t.TempDir(), "skiff.log")
	logger, err := NewLogger(LoggingConfig{Level: "debug", Format: "json", Output: path})
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}

	zl := logger.WithComponent("session").WithJID("j1").WithTarget("web1", "10.0.0.1").Zerolog()
	zl.Info().Msg("probing")
	zl.Trace().Msg("trace line")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	out := string(data)
	for _, want := range []string{`"component":"session"`, `"jid":"j1"`, `"target":"web1"`, `"host":"10.0.0.1"`, `"message":"probing"`} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %s in log output:\n%s", want, out)
		}
	}
	if strings.Contains(out, "trace line") {
		t.Errorf("expected trace to be filtered at debug level:\n%s", out)
	}
}

func TestNilLoggerUsesGlobal(t *testing.T) {
	var buf bytes.Buffer
	prev := log.Logger
	log.Logger = zerolog.New(&buf)
	t.Cleanup(func() { log.Logger = prev })

	var logger *Logger
	zl := logger.WithComponent("orchestrator").WithJID("j2").Zerolog()
	zl.Warn().Msg("cancelled")

	out := buf.String()
	for _, want := range []string{`"component":"orchestrator"`, `"jid":"j2"`, `"message":"cancelled"`} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %s in log output: %s", want, out)
		}
	}
	if FromContext(context.Background()) != nil {
		t.Error("expected no logger in an empty context")
	}
}

func TestNoopAndContext(t *testing.T) {
	tel := Noop()
	var seen int
	tel.Events.Subscribe(func(Event) { seen++ }, nil)
	_ = tel.Events.PublishSessionAdmitted("j1", "web1", 1)
	if seen != 1 {
		t.Errorf("expected synchronous delivery, got %d events", seen)
	}

	ctx := tel.WithContext(context.Background())
	if FromTelemetryContext(ctx) != tel {
		t.Error("expected the telemetry instance from the context")
	}
	if FromTelemetryContext(context.Background()) != nil {
		t.Error("expected nil without telemetry in the context")
	}

	// Recording through a Noop instance's nil components must not panic.
	tel.Metrics.RecordRunStarted(1)
	_, span := tel.Tracer.StartRunSpan(ctx, "j1", "test.ping", 1)
	span.End()
	if err := tel.Shutdown(context.Background()); err != nil {
		t.Errorf("expected Shutdown to succeed, got %v", err)
	}
}

func TestTracerDisabled(t *testing.T) {
	tracer, err := NewTracer(TracingConfig{Enabled: false}, "skiff", "dev", "test")
	if err != nil {
		t.Fatalf("NewTracer failed: %v", err)
	}
	ctx, span := tracer.StartSessionSpan(context.Background(), "web1", "web1", "raw")
	AddPhaseEvent(span, "probe")
	RecordSuccess(span)
	span.End()
	if SpanFromContext(ctx) == nil {
		t.Error("expected a span in the context")
	}
	if err := tracer.Shutdown(context.Background()); err != nil {
		t.Errorf("expected Shutdown to succeed, got %v", err)
	}
}
