package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Metrics provides Prometheus metrics for skiff runs. A nil or disabled Metrics is a no-op.
type Metrics struct {
	config MetricsConfig

	// Run metrics
	runsStarted   prometheus.Counter
	runsCompleted *prometheus.CounterVec
	runDuration   prometheus.Histogram

	// Session metrics
	sessionsActive   prometheus.Gauge
	sessionsQueued   prometheus.Gauge
	sessionResults   *prometheus.CounterVec
	sessionDuration  *prometheus.HistogramVec
	phaseTransitions *prometheus.CounterVec

	// Deploy and package metrics
	deploys        *prometheus.CounterVec
	packageBuilds  *prometheus.CounterVec
	passwordPrompt prometheus.Counter

	// Policy metrics
	policyDenials *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_started_total",
			Help:      "Total number of runs started",
		}),
		runsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_completed_total",
			Help:      "Total number of runs completed",
		}, []string{"status"}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Duration of whole runs in seconds",
			Buckets:   buckets,
		}),

		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Current number of sessions in a non-terminal phase",
		}),
		sessionsQueued: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_queued",
			Help:      "Current number of targets waiting for admission",
		}),
		sessionResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_results_total",
			Help:      "Total number of session results by status",
		}, []string{"status"}),
		sessionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Duration of sessions in seconds",
			Buckets:   buckets,
		}, []string{"mode"}),
		phaseTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_phase_transitions_total",
			Help:      "Total number of session phase transitions",
		}, []string{"phase"}),

		deploys: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deploys_total",
			Help:      "Total number of runtime deploys by outcome",
		}, []string{"outcome"}),
		packageBuilds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "package_builds_total",
			Help:      "Total number of package builds by kind and cache outcome",
		}, []string{"kind", "cache"}),
		passwordPrompt: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "password_prompts_total",
			Help:      "Total number of password prompts answered",
		}),

		policyDenials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "policy_denials_total",
			Help:      "Total number of targets refused by admission policy",
		}, []string{"policy"}),
	}

	registry.MustRegister(
		m.runsStarted,
		m.runsCompleted,
		m.runDuration,
		m.sessionsActive,
		m.sessionsQueued,
		m.sessionResults,
		m.sessionDuration,
		m.phaseTransitions,
		m.deploys,
		m.packageBuilds,
		m.passwordPrompt,
		m.policyDenials,
	)

	return m, nil
}

// RecordRunStarted increments the counter for started runs.
func (m *Metrics) RecordRunStarted(targets int) {
	if m == nil || m.runsStarted == nil {
		return
	}
	m.runsStarted.Inc()
	m.sessionsQueued.Set(float64(targets))
}

// RecordRunCompleted records a completed run with its status and duration.
func (m *Metrics) RecordRunCompleted(status string, duration time.Duration) {
	if m == nil || m.runsCompleted == nil {
		return
	}
	m.runsCompleted.WithLabelValues(status).Inc()
	m.runDuration.Observe(duration.Seconds())
	m.sessionsQueued.Set(0)
}

// RecordSessionStarted moves one target from queued to active.
func (m *Metrics) RecordSessionStarted() {
	if m == nil || m.sessionsActive == nil {
		return
	}
	m.sessionsActive.Inc()
	m.sessionsQueued.Dec()
}

// RecordSessionCompleted records a finished session.
func (m *Metrics) RecordSessionCompleted(mode, status string, duration time.Duration) {
	if m == nil || m.sessionsActive == nil {
		return
	}
	m.sessionsActive.Dec()
	m.sessionResults.WithLabelValues(status).Inc()
	m.sessionDuration.WithLabelValues(mode).Observe(duration.Seconds())
}

// RecordPhase records a session phase transition.
func (m *Metrics) RecordPhase(phase string) {
	if m == nil || m.phaseTransitions == nil {
		return
	}
	m.phaseTransitions.WithLabelValues(phase).Inc()
}

// RecordDeploy records a runtime deploy outcome (ok, failed, repeated).
func (m *Metrics) RecordDeploy(outcome string) {
	if m == nil || m.deploys == nil {
		return
	}
	m.deploys.WithLabelValues(outcome).Inc()
}

// RecordPackageBuild records a package build; cache is "hit" or "miss".
func (m *Metrics) RecordPackageBuild(kind, cache string) {
	if m == nil || m.packageBuilds == nil {
		return
	}
	m.packageBuilds.WithLabelValues(kind, cache).Inc()
}

// RecordPasswordPrompt records an answered password prompt.
func (m *Metrics) RecordPasswordPrompt() {
	if m == nil || m.passwordPrompt == nil {
		return
	}
	m.passwordPrompt.Inc()
}

// RecordPolicyDenial records a target refused by a policy.
func (m *Metrics) RecordPolicyDenial(policy string) {
	if m == nil || m.policyDenials == nil {
		return
	}
	m.policyDenials.WithLabelValues(policy).Inc()
}

// Registry returns the underlying registry, or nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer serves metrics until ctx is done. It is a no-op without a listen address.
func (m *Metrics) StartMetricsServer(ctx context.Context) error {
	if m == nil || !m.config.Enabled || m.config.ListenAddress == "" {
		return nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("address", m.config.ListenAddress).Msg("metrics server failed")
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	return nil
}
