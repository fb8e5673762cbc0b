package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/openfroyo/animus/pkg/engine"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors of manager runs. A disabled
// Metrics has nil collectors and every Record method is a no-op.
type Metrics struct {
	config   MetricsConfig
	registry *prometheus.Registry
	server   *http.Server

	runsStarted      *prometheus.CounterVec
	runsCompleted    *prometheus.CounterVec
	runDuration      *prometheus.HistogramVec
	manifestsParsed  *prometheus.CounterVec
	actions          *prometheus.CounterVec
	actionDuration   *prometheus.HistogramVec
	skips            *prometheus.CounterVec
	dependencies     *prometheus.CounterVec
	errorsByClass    *prometheus.CounterVec
	errorsByCode     *prometheus.CounterVec
	policyViolations *prometheus.CounterVec
	activeRuns       prometheus.Gauge
}

// collectorFactory registers collectors under one namespace.
type collectorFactory struct {
	namespace string
	buckets   []float64
	registry  *prometheus.Registry
}

func (f collectorFactory) counter(name, help string, labels ...string) *prometheus.CounterVec {
	c := prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: f.namespace, Name: name, Help: help}, labels)
	f.registry.MustRegister(c)
	return c
}

func (f collectorFactory) histogram(name, help string, labels ...string) *prometheus.HistogramVec {
	h := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: f.namespace, Name: name, Help: help, Buckets: f.buckets,
	}, labels)
	f.registry.MustRegister(h)
	return h
}

func (f collectorFactory) gauge(name, help string) prometheus.Gauge {
	g := prometheus.NewGauge(prometheus.GaugeOpts{Namespace: f.namespace, Name: name, Help: help})
	f.registry.MustRegister(g)
	return g
}

// NewMetrics creates the collectors on a private registry.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	f := collectorFactory{
		namespace: cfg.Namespace,
		buckets:   cfg.DefaultHistogramBuckets,
		registry:  prometheus.NewRegistry(),
	}
	if len(f.buckets) == 0 {
		f.buckets = prometheus.DefBuckets
	}

	return &Metrics{
		config:   cfg,
		registry: f.registry,

		runsStarted:   f.counter("runs_started_total", "Runs started", "action"),
		runsCompleted: f.counter("runs_completed_total", "Runs completed", "action", "status"),
		runDuration:   f.histogram("run_duration_seconds", "Run duration in seconds", "action", "status"),

		manifestsParsed: f.counter("manifests_parsed_total", "Manifests parsed", "kind", "version"),
		actions:         f.counter("actions_total", "Manifest actions executed", "action", "outcome"),
		actionDuration:  f.histogram("action_duration_seconds", "Manifest action duration in seconds", "action"),
		skips:           f.counter("action_skips_total", "Manifest actions skipped", "action", "reason"),
		dependencies:    f.counter("dependencies_processed_total", "Dependencies processed", "action", "status"),

		errorsByClass:    f.counter("errors_by_class_total", "Errors by engine error class", "class"),
		errorsByCode:     f.counter("errors_by_code_total", "Errors by engine error code", "code"),
		policyViolations: f.counter("policy_violations_total", "Policy violations", "policy", "severity"),

		activeRuns: f.gauge("active_runs", "Runs in progress"),
	}, nil
}

// Registry returns the backing registry, or nil when disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) enabled() bool { return m.registry != nil }

func (m *Metrics) RecordRunStarted(action string) {
	if !m.enabled() {
		return
	}
	m.runsStarted.WithLabelValues(action).Inc()
	m.activeRuns.Inc()
}

func (m *Metrics) RecordRunCompleted(action, status string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.runsCompleted.WithLabelValues(action, status).Inc()
	m.runDuration.WithLabelValues(action, status).Observe(duration.Seconds())
	m.activeRuns.Dec()
}

func (m *Metrics) RecordManifestParsed(kind, version string) {
	if m.enabled() {
		m.manifestsParsed.WithLabelValues(kind, version).Inc()
	}
}

// RecordAction counts one executed action and observes its duration.
func (m *Metrics) RecordAction(action string, outcome engine.Outcome, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.actions.WithLabelValues(action, string(outcome)).Inc()
	m.actionDuration.WithLabelValues(action).Observe(duration.Seconds())
}

func (m *Metrics) RecordSkip(action, reason string) {
	if m.enabled() {
		m.skips.WithLabelValues(action, reason).Inc()
	}
}

func (m *Metrics) RecordDependency(action string, err error) {
	if !m.enabled() {
		return
	}
	status := string(engine.OutcomeSucceeded)
	if err != nil {
		status = string(engine.OutcomeFailed)
	}
	m.dependencies.WithLabelValues(action, status).Inc()
}

// RecordError counts err by engine error class and code. Other errors count
// under class "unknown".
func (m *Metrics) RecordError(err error) {
	if !m.enabled() || err == nil {
		return
	}
	var ee *engine.EngineError
	if !errors.As(err, &ee) {
		m.errorsByClass.WithLabelValues("unknown").Inc()
		return
	}
	m.errorsByClass.WithLabelValues(string(ee.Class)).Inc()
	if ee.Code != "" {
		m.errorsByCode.WithLabelValues(ee.Code).Inc()
	}
}

func (m *Metrics) RecordPolicyViolation(policy, severity string) {
	if m.enabled() {
		m.policyViolations.WithLabelValues(policy, severity).Inc()
	}
}

func (m *Metrics) SetActiveRuns(count float64) {
	if m.enabled() {
		m.activeRuns.Set(count)
	}
}

// Timer measures time since its creation.
type Timer struct {
	start time.Time
}

func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveDuration records the elapsed seconds on observer.
func (t *Timer) ObserveDuration(observer prometheus.Observer) {
	observer.Observe(t.Duration().Seconds())
}

// Handler serves the registry in the OpenMetrics format, or 404 when
// disabled.
func (m *Metrics) Handler() http.Handler {
	if !m.enabled() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// StartMetricsServer binds ListenAddress and serves Handler on Path in the
// background. Bind errors are returned; later serve errors go to onError.
func (m *Metrics) StartMetricsServer(onError func(error)) error {
	if !m.config.Enabled {
		return nil
	}

	ln, err := net.Listen("tcp", m.config.ListenAddress)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", m.config.ListenAddress, err)
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())
	m.server = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		err := m.server.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) && onError != nil {
			onError(err)
		}
	}()
	return nil
}

// Shutdown stops the metrics server, if started.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m.server == nil {
		return nil
	}
	return m.server.Shutdown(ctx)
}
