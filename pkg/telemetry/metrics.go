package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors for runs, actions, backend calls,
// drift and checkpoints. A Metrics built from a disabled config, the zero
// value and a nil pointer all record nothing.
type Metrics struct {
	config   MetricsConfig
	registry *prometheus.Registry

	runsStarted     prometheus.Counter
	runsCompleted   *prometheus.CounterVec
	runDuration     *prometheus.HistogramVec
	actionsExecuted *prometheus.CounterVec
	actionDuration  *prometheus.HistogramVec
	planActions     *prometheus.GaugeVec
	backendCalls    *prometheus.CounterVec
	backendDuration *prometheus.HistogramVec
	backendErrors   *prometheus.CounterVec
	errors          *prometheus.CounterVec
	driftItems      *prometheus.CounterVec
	checkpoints     prometheus.Counter
}

// collectors registers each collector it builds on one registry under one
// namespace.
type collectors struct {
	reg       *prometheus.Registry
	namespace string
	buckets   []float64
}

func (c collectors) counter(name, help string) prometheus.Counter {
	m := prometheus.NewCounter(prometheus.CounterOpts{Namespace: c.namespace, Name: name, Help: help})
	c.reg.MustRegister(m)
	return m
}

func (c collectors) counterVec(name, help string, labels ...string) *prometheus.CounterVec {
	m := prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: c.namespace, Name: name, Help: help}, labels)
	c.reg.MustRegister(m)
	return m
}

func (c collectors) gaugeVec(name, help string, labels ...string) *prometheus.GaugeVec {
	m := prometheus.NewGaugeVec(prometheus.GaugeOpts{Namespace: c.namespace, Name: name, Help: help}, labels)
	c.reg.MustRegister(m)
	return m
}

func (c collectors) histogramVec(name, help string, labels ...string) *prometheus.HistogramVec {
	m := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: c.namespace, Name: name, Help: help, Buckets: c.buckets,
	}, labels)
	c.reg.MustRegister(m)
	return m
}

// NewMetrics creates the collectors on a private registry.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	c := collectors{reg: prometheus.NewRegistry(), namespace: cfg.Namespace, buckets: cfg.DefaultHistogramBuckets}
	if len(c.buckets) == 0 {
		c.buckets = prometheus.DefBuckets
	}

	return &Metrics{
		config:   cfg,
		registry: c.reg,

		runsStarted:   c.counter("runs_started_total", "Apply runs started."),
		runsCompleted: c.counterVec("runs_completed_total", "Apply runs finished, by final status.", "status"),
		runDuration:   c.histogramVec("run_duration_seconds", "Apply run duration.", "status"),

		actionsExecuted: c.counterVec("actions_executed_total", "Plan actions that reached a terminal state.", "kind", "status"),
		actionDuration:  c.histogramVec("action_duration_seconds", "Plan action duration.", "kind"),
		planActions:     c.gaugeVec("plan_actions", "Actions in the last computed plan.", "kind"),

		backendCalls:    c.counterVec("backend_calls_total", "Backend command invocations.", "backend", "operation"),
		backendDuration: c.histogramVec("backend_call_duration_seconds", "Backend command duration.", "backend", "operation"),
		backendErrors:   c.counterVec("backend_errors_total", "Failed backend command invocations.", "backend", "operation"),

		errors:      c.counterVec("errors_total", "Classified errors.", "class", "code"),
		driftItems:  c.counterVec("drift_items_total", "Drift items detected.", "safety", "change"),
		checkpoints: c.counter("checkpoints_created_total", "Checkpoints created."),
	}, nil
}

// NewNopMetrics returns a Metrics that records nothing.
func NewNopMetrics() *Metrics {
	return &Metrics{}
}

func (m *Metrics) on() bool { return m != nil && m.registry != nil }

func (m *Metrics) RecordRunStarted() {
	if m.on() {
		m.runsStarted.Inc()
	}
}

func (m *Metrics) RecordRunCompleted(status string, duration time.Duration) {
	if !m.on() {
		return
	}
	m.runsCompleted.WithLabelValues(status).Inc()
	m.runDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordActionExecution counts an action reaching a terminal state. Skipped
// actions have no duration and are only counted.
func (m *Metrics) RecordActionExecution(kind, status string, duration time.Duration) {
	if !m.on() {
		return
	}
	m.actionsExecuted.WithLabelValues(kind, status).Inc()
	if duration > 0 {
		m.actionDuration.WithLabelValues(kind).Observe(duration.Seconds())
	}
}

// SetPlanActions replaces the per-kind counts of the last plan.
func (m *Metrics) SetPlanActions(counts map[string]int) {
	if !m.on() {
		return
	}
	m.planActions.Reset()
	for kind, n := range counts {
		m.planActions.WithLabelValues(kind).Set(float64(n))
	}
}

func (m *Metrics) RecordBackendCall(backend, operation string, duration time.Duration) {
	if !m.on() {
		return
	}
	m.backendCalls.WithLabelValues(backend, operation).Inc()
	m.backendDuration.WithLabelValues(backend, operation).Observe(duration.Seconds())
}

func (m *Metrics) RecordBackendError(backend, operation string) {
	if m.on() {
		m.backendErrors.WithLabelValues(backend, operation).Inc()
	}
}

func (m *Metrics) RecordError(errorClass, errorCode string) {
	if m.on() {
		m.errors.WithLabelValues(errorClass, errorCode).Inc()
	}
}

func (m *Metrics) RecordDriftItem(safety, change string) {
	if m.on() {
		m.driftItems.WithLabelValues(safety, change).Inc()
	}
}

func (m *Metrics) RecordCheckpointCreated() {
	if m.on() {
		m.checkpoints.Inc()
	}
}

// Gather exposes the registry for tests and one-shot dumps.
func (m *Metrics) Gather() (int, error) {
	if !m.on() {
		return 0, nil
	}
	families, err := m.registry.Gather()
	return len(families), err
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if !m.on() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer serves metrics on addr until ctx is cancelled.
// Errors after startup are reported on the returned channel.
func (m *Metrics) StartMetricsServer(ctx context.Context, addr string) <-chan error {
	errCh := make(chan error, 1)
	if !m.on() || addr == "" {
		close(errCh)
		return errCh
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}

	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	go func() {
		defer close(errCh)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	return errCh
}
