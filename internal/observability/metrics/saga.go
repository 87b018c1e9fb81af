package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sagaOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "saga_outcomes_total",
		Help:      "Paid executions by terminal outcome.",
	}, []string{"outcome"})

	sagaDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "saga_duration_seconds",
		Help:      "End-to-end duration of paid executions.",
		Buckets:   []float64{0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
	}, []string{"outcome"})

	paymentTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "payment_status_total",
		Help:      "Payment records that reached a status.",
	}, []string{"status"})

	modelInvocations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "model_invocations_total",
		Help:      "Model invocations by provider and result.",
	}, []string{"provider", "result"})

	modelAttempts = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "model_attempts",
		Help:      "Attempts used per model invocation.",
		Buckets:   []float64{1, 2, 3, 4, 5},
	})

	augmentResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "augment_results_total",
		Help:      "Tool augmentation results by data kind and source tier.",
	}, []string{"kind", "tier"})

	reconcileTickets = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reconcile_tickets_total",
		Help:      "Reconciliation tickets by stage and lifecycle event.",
	}, []string{"stage", "event"})
)

// ObserveSaga records the terminal outcome of one paid execution.
func ObserveSaga(outcome string, duration time.Duration) {
	sagaOutcomes.WithLabelValues(outcome).Inc()
	sagaDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// ObservePaymentStatus counts a payment reaching status.
func ObservePaymentStatus(status string) {
	paymentTransitions.WithLabelValues(status).Inc()
}

// ObserveModel records a model invocation.
func ObserveModel(provider, result string, attempts int) {
	if provider == "" {
		provider = "none"
	}
	modelInvocations.WithLabelValues(provider, result).Inc()
	if attempts > 0 {
		modelAttempts.Observe(float64(attempts))
	}
}

// ObserveAugment records a snippet added to the prompt.
func ObserveAugment(kind, tier string) {
	augmentResults.WithLabelValues(kind, tier).Inc()
}

// ObserveReconcile records a reconciliation ticket event (published, processed, failed).
func ObserveReconcile(stage, event string) {
	reconcileTickets.WithLabelValues(stage, event).Inc()
}
