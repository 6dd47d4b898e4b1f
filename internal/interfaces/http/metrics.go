package http

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_model/go"
	"github.com/rs/zerolog/log"
)

// MetricsRegistry holds all Prometheus metrics for the velocity service
type MetricsRegistry struct {
	// Step duration metrics
	StepDuration *prometheus.HistogramVec

	// Computation metrics
	ComputeDuration *prometheus.HistogramVec
	Computations    *prometheus.CounterVec
	TotalComputes   prometheus.Counter
	VelocityValues  prometheus.Histogram

	// Constraint gate metrics
	ConstraintFired *prometheus.CounterVec
	ConstraintRate  prometheus.Gauge

	// Pipeline error metrics
	ComputeErrors *prometheus.CounterVec

	// Batch run metrics
	ActiveBatchRuns prometheus.Gauge
	TotalBatchRuns  prometheus.Counter
	BatchUsers      *prometheus.CounterVec
	LastBatchUnix   prometheus.Gauge
}

// NewMetricsRegistry creates a new metrics registry with all velocity metrics
func NewMetricsRegistry() *MetricsRegistry {
	registry := &MetricsRegistry{
		StepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "biovelocity_step_duration_seconds",
				Help:    "Duration of each pipeline step in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"step", "result"},
		),

		ComputeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "biovelocity_compute_duration_seconds",
				Help:    "Duration of a single velocity computation in seconds",
				Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
			},
			[]string{"surface", "result"},
		),

		Computations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "biovelocity_computations_total",
				Help: "Total number of velocity computations by surface and dominant factor",
			},
			[]string{"surface", "dominant_factor"},
		),

		TotalComputes: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "biovelocity_computes_total",
				Help: "Total number of velocity computations completed",
			},
		),

		VelocityValues: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "biovelocity_velocity_ratio",
				Help:    "Distribution of computed velocity ratios across the contract bounds",
				Buckets: []float64{0.60, 0.80, 0.90, 0.95, 1.00, 1.05, 1.10, 1.20, 1.40, 1.80},
			},
		),

		ConstraintFired: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "biovelocity_constraint_fired_total",
				Help: "Total number of hard constraint gate activations by rule",
			},
			[]string{"rule"},
		),

		ConstraintRate: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "biovelocity_constraint_rate",
				Help: "Fraction of computations capped by the hard constraint gate (0.0 to 1.0)",
			},
		),

		ComputeErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "biovelocity_compute_errors_total",
				Help: "Total number of pipeline errors by step",
			},
			[]string{"step", "error_type"},
		),

		ActiveBatchRuns: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "biovelocity_active_batch_runs",
				Help: "Number of currently active batch recompute runs",
			},
		),

		TotalBatchRuns: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "biovelocity_batch_runs_total",
				Help: "Total number of batch recompute runs initiated",
			},
		),

		BatchUsers: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "biovelocity_batch_users_total",
				Help: "Total number of users processed by batch runs, by outcome",
			},
			[]string{"outcome"},
		),

		LastBatchUnix: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "biovelocity_last_batch_unix_seconds",
				Help: "Unix timestamp of the most recent completed batch run",
			},
		),
	}

	// Register all metrics with Prometheus
	prometheus.MustRegister(
		registry.StepDuration,
		registry.ComputeDuration,
		registry.Computations,
		registry.TotalComputes,
		registry.VelocityValues,
		registry.ConstraintFired,
		registry.ConstraintRate,
		registry.ComputeErrors,
		registry.ActiveBatchRuns,
		registry.TotalBatchRuns,
		registry.BatchUsers,
		registry.LastBatchUnix,
	)

	return registry
}

// StepTimer tracks execution time for pipeline steps
type StepTimer struct {
	metrics *MetricsRegistry
	step    string
	start   time.Time
}

// StartStepTimer begins timing a pipeline step
func (m *MetricsRegistry) StartStepTimer(step string) *StepTimer {
	return &StepTimer{
		metrics: m,
		step:    step,
		start:   time.Now(),
	}
}

// Stop completes the step timing and records the metric
func (st *StepTimer) Stop(result string) {
	duration := time.Since(st.start)
	st.metrics.StepDuration.WithLabelValues(st.step, result).Observe(duration.Seconds())

	log.Debug().
		Str("step", st.step).
		Str("result", result).
		Dur("duration", duration).
		Msg("Pipeline step completed")
}

// RecordComputation records one completed velocity computation
func (m *MetricsRegistry) RecordComputation(surface, dominantFactor string, velocity float64, duration time.Duration) {
	m.ComputeDuration.WithLabelValues(surface, string(ResultSuccess)).Observe(duration.Seconds())
	m.Computations.WithLabelValues(surface, dominantFactor).Inc()
	m.TotalComputes.Inc()
	m.VelocityValues.Observe(velocity)
	m.updateConstraintRate()
}

// RecordConstraint records a hard constraint gate activation
func (m *MetricsRegistry) RecordConstraint(rule string) {
	m.ConstraintFired.WithLabelValues(rule).Inc()
	m.updateConstraintRate()
}

// RecordComputeError records a pipeline error
func (m *MetricsRegistry) RecordComputeError(step, errorType string) {
	m.ComputeErrors.WithLabelValues(step, errorType).Inc()
	log.Warn().
		Str("step", step).
		Str("error_type", errorType).
		Msg("Pipeline error recorded")
}

// IncrementActiveBatchRuns marks the start of a batch recompute run
func (m *MetricsRegistry) IncrementActiveBatchRuns() {
	m.ActiveBatchRuns.Inc()
	m.TotalBatchRuns.Inc()
}

// DecrementActiveBatchRuns marks the end of a batch recompute run
func (m *MetricsRegistry) DecrementActiveBatchRuns() {
	m.ActiveBatchRuns.Dec()
	m.LastBatchUnix.Set(float64(time.Now().Unix()))
}

// RecordBatchUser records one per-user outcome within a batch run
func (m *MetricsRegistry) RecordBatchUser(outcome string) {
	m.BatchUsers.WithLabelValues(outcome).Inc()
}

// updateConstraintRate recalculates what fraction of computations were capped
func (m *MetricsRegistry) updateConstraintRate() {
	fired := 0.0
	metric := &io_prometheus_client.Metric{}

	// The gate only ever emits these two rules
	rules := []string{"vo2max_improving", "body_fat_improving"}

	for _, rule := range rules {
		if counter, err := m.ConstraintFired.GetMetricWithLabelValues(rule); err == nil {
			if err := counter.Write(metric); err == nil {
				fired += metric.GetCounter().GetValue()
			}
		}
	}

	total := 0.0
	totalMetric := &io_prometheus_client.Metric{}
	if err := m.TotalComputes.Write(totalMetric); err == nil {
		total = totalMetric.GetCounter().GetValue()
	}

	if total > 0 {
		m.ConstraintRate.Set(fired / total)
	}
}

// MetricsHandler returns an HTTP handler for Prometheus metrics
func (m *MetricsRegistry) MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// PipelineStep represents the steps of a velocity recompute pipeline
type PipelineStep string

const (
	StepListUsers    PipelineStep = "list_users"
	StepFetchHistory PipelineStep = "fetch_history"
	StepCompute      PipelineStep = "compute"
	StepPersist      PipelineStep = "persist"
	StepArtifacts    PipelineStep = "artifacts"
)

// PipelineResult represents the result of a pipeline step
type PipelineResult string

const (
	ResultSuccess PipelineResult = "success"
	ResultError   PipelineResult = "error"
	ResultSkipped PipelineResult = "skipped"
	ResultTimeout PipelineResult = "timeout"
)

// Global metrics registry instance
var DefaultMetrics *MetricsRegistry

// InitializeMetrics initializes the global metrics registry
func InitializeMetrics() {
	DefaultMetrics = NewMetricsRegistry()
	log.Info().Msg("Prometheus metrics registry initialized")
}
