// Package metrics holds the Prometheus collectors shared across Service
// Manager components, grounded on the teacher's pkg/metrics registry
// pattern (promauto-constructed collectors grouped by subsystem).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "servicemanager"

// RetryMetrics tracks internal/core/resilience.WithRetry outcomes.
type RetryMetrics struct {
	Attempts     *prometheus.CounterVec
	FinalOutcome *prometheus.CounterVec
	BackoffSecs  *prometheus.HistogramVec
}

// NewRetryMetrics creates a new RetryMetrics instance.
func NewRetryMetrics() *RetryMetrics {
	return &RetryMetrics{
		Attempts: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "retry",
			Name:      "attempts_total",
			Help:      "Total retry attempts by operation, outcome and error type.",
		}, []string{"operation", "outcome", "error_type"}),

		FinalOutcome: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "retry",
			Name:      "final_outcome_total",
			Help:      "Final outcome of a retried operation.",
		}, []string{"operation", "outcome"}),

		BackoffSecs: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "retry",
			Name:      "backoff_seconds",
			Help:      "Backoff delay applied between retry attempts.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 8),
		}, []string{"operation"}),
	}
}

// RecordAttempt counts one attempt by operation, outcome and error type;
// durationSeconds is not recorded.
func (m *RetryMetrics) RecordAttempt(operation, outcome, errorType string, durationSeconds float64) {
	m.Attempts.WithLabelValues(operation, outcome, errorType).Inc()
}

// RecordFinalAttempt counts the terminal outcome of a retried operation;
// attempts is not recorded.
func (m *RetryMetrics) RecordFinalAttempt(operation, outcome string, attempts int) {
	m.FinalOutcome.WithLabelValues(operation, outcome).Inc()
}

// RecordBackoff records the delay applied before a retry attempt.
func (m *RetryMetrics) RecordBackoff(operation string, delaySeconds float64) {
	m.BackoffSecs.WithLabelValues(operation).Observe(delaySeconds)
}

// ComponentMetrics is a common set of per-component health counters for a
// long-running worker. No component in this tree constructs one.
type ComponentMetrics struct {
	OperationsTotal *prometheus.CounterVec
	ErrorsTotal     *prometheus.CounterVec
	OperationSecs   *prometheus.HistogramVec
}

// NewComponentMetrics creates metrics scoped to one named component
// (e.g. "traffic_monitor", "unit_launcher").
func NewComponentMetrics(component string) *ComponentMetrics {
	return &ComponentMetrics{
		OperationsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: component,
			Name:      "operations_total",
			Help:      "Total operations performed by this component, by name and result.",
		}, []string{"operation", "result"}),

		ErrorsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: component,
			Name:      "errors_total",
			Help:      "Total errors by kind.",
		}, []string{"kind"}),

		OperationSecs: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: component,
			Name:      "operation_duration_seconds",
			Help:      "Duration of operations performed by this component.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
	}
}

// RecordOperation records one operation outcome and its duration.
func (m *ComponentMetrics) RecordOperation(operation, result string, durationSeconds float64) {
	m.OperationsTotal.WithLabelValues(operation, result).Inc()
	m.OperationSecs.WithLabelValues(operation).Observe(durationSeconds)
}

// RecordError increments the error counter for kind.
func (m *ComponentMetrics) RecordError(kind string) {
	m.ErrorsTotal.WithLabelValues(kind).Inc()
}
