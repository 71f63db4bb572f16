package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/grammy-jiang/RouterOS-MCP-sub003/pkg/engine"
)

// Metrics exposes Prometheus metrics for the orchestration engine. It
// implements engine.MetricsRecorder; a disabled instance is a no-op so
// callers never need to nil-check.
type Metrics struct {
	cfg MetricsConfig

	jobsStarted     prometheus.Counter
	jobsFinished    *prometheus.CounterVec
	jobDuration     *prometheus.HistogramVec
	deviceOps       *prometheus.CounterVec
	deviceDuration  prometheus.Histogram
	batchesExecuted prometheus.Counter
	batchDuration   prometheus.Histogram
	activeJobs      prometheus.Gauge

	registry *prometheus.Registry
}

var _ engine.MetricsRecorder = (*Metrics)(nil)

// NewMetrics creates a metrics collector. A disabled config yields a no-op
// instance.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{cfg: cfg}, nil
	}

	namespace := cfg.Namespace
	registry := prometheus.NewRegistry()

	m := &Metrics{
		cfg:      cfg,
		registry: registry,

		jobsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_started_total",
			Help:      "Total number of jobs started",
		}),
		jobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_finished_total",
			Help:      "Total number of jobs finished",
		}, []string{"status"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Duration of job execution in seconds",
			Buckets:   []float64{1, 5, 15, 60, 300, 900, 3600},
		}, []string{"status"}),
		deviceOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "device_operations_total",
			Help:      "Total number of per-device operations by outcome",
		}, []string{"outcome"}),
		deviceDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "device_operation_duration_seconds",
			Help:      "Duration of per-device operations in seconds",
			Buckets:   prometheus.DefBuckets,
		}),
		batchesExecuted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_executed_total",
			Help:      "Total number of batches executed",
		}),
		batchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_duration_seconds",
			Help:      "Duration of batch execution in seconds",
			Buckets:   []float64{1, 5, 15, 60, 300, 900},
		}),
		activeJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_jobs",
			Help:      "Current number of running jobs",
		}),
	}

	registry.MustRegister(
		m.jobsStarted,
		m.jobsFinished,
		m.jobDuration,
		m.deviceOps,
		m.deviceDuration,
		m.batchesExecuted,
		m.batchDuration,
		m.activeJobs,
	)
	return m, nil
}

// JobStarted records the start of a job execution.
func (m *Metrics) JobStarted() {
	if m.jobsStarted == nil {
		return
	}
	m.jobsStarted.Inc()
	m.activeJobs.Inc()
}

// JobFinished records a job reaching a terminal status.
func (m *Metrics) JobFinished(status engine.JobStatus, duration time.Duration) {
	if m.jobsFinished == nil {
		return
	}
	m.jobsFinished.WithLabelValues(string(status)).Inc()
	m.jobDuration.WithLabelValues(string(status)).Observe(duration.Seconds())
	m.activeJobs.Dec()
}

// DeviceOperation records one per-device operation and its outcome.
func (m *Metrics) DeviceOperation(outcome engine.DeviceOutcome, duration time.Duration) {
	if m.deviceOps == nil {
		return
	}
	m.deviceOps.WithLabelValues(string(outcome)).Inc()
	m.deviceDuration.Observe(duration.Seconds())
}

// BatchExecuted records the completion of one batch.
func (m *Metrics) BatchExecuted(duration time.Duration) {
	if m.batchesExecuted == nil {
		return
	}
	m.batchesExecuted.Inc()
	m.batchDuration.Observe(duration.Seconds())
}

// Handler returns the HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Serve starts the metrics HTTP server in the background. It is a no-op when
// metrics are disabled.
func (m *Metrics) Serve(logger zerolog.Logger) {
	if !m.cfg.Enabled {
		return
	}

	path := m.cfg.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	server := &http.Server{
		Addr:              m.cfg.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("Metrics server failed")
		}
	}()
}
