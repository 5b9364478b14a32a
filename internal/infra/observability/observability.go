// Package observability holds the Prometheus metrics of the payment core.
//
// Metrics are package-level promauto collectors registered on the default
// registry and served by the API at /metrics. Helpers below keep label
// values consistent across call sites.
package observability

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/slotbook/paycore/internal/domain"
)

const namespace = "paycore"

// ═══════════════════════════════════════════════════════════════════════════
// Provider Metrics
// ═══════════════════════════════════════════════════════════════════════════

// ProviderRequests counts provider calls by operation and outcome.
var ProviderRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "provider",
	Name:      "requests_total",
	Help:      "Provider calls by operation and outcome.",
}, []string{"op", "outcome"})

// ProviderLatency tracks provider call duration, retries included.
var ProviderLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: namespace,
	Subsystem: "provider",
	Name:      "request_duration_seconds",
	Help:      "Provider call duration in seconds, retries included.",
	Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 15},
}, []string{"op"})

// ─── Circuit Breaker Metrics ────────────────────────────────────────────────

// CircuitBreakerState tracks circuit breaker states.
var CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: namespace,
	Subsystem: "circuit_breaker",
	Name:      "state",
	Help:      "Current circuit breaker state (0=closed, 1=open).",
}, []string{"name"})

// CircuitBreakerTrips tracks total circuit breaker trips.
var CircuitBreakerTrips = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "circuit_breaker",
	Name:      "trips_total",
	Help:      "Total circuit breaker trips.",
}, []string{"name"})

// ═══════════════════════════════════════════════════════════════════════════
// Webhook Metrics
// ═══════════════════════════════════════════════════════════════════════════

// WebhookEvents counts inbound webhook deliveries by event and result.
var WebhookEvents = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "webhook",
	Name:      "events_total",
	Help:      "Inbound webhook deliveries by event and result.",
}, []string{"event", "result"})

// WebhookSignatureFailures counts rejected signatures and replays.
var WebhookSignatureFailures = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "webhook",
	Name:      "signature_failures_total",
	Help:      "Webhook deliveries rejected by signature or replay checks.",
}, []string{"event"})

// ═══════════════════════════════════════════════════════════════════════════
// Ledger Metrics
// ═══════════════════════════════════════════════════════════════════════════

// PaymentTransitions counts payment state changes by type and new status.
var PaymentTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "payments",
	Name:      "transitions_total",
	Help:      "Payment state transitions by payment type and resulting status.",
}, []string{"type", "status"})

// AmountMismatches counts webhooks whose amount disagreed with the payment.
var AmountMismatches = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "payments",
	Name:      "amount_mismatches_total",
	Help:      "Payments forced to ERROR because the reported amount did not match.",
})

// FulfillmentPublishes counts fulfillment publish attempts by action and outcome.
var FulfillmentPublishes = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "payments",
	Name:      "fulfillment_publishes_total",
	Help:      "Fulfillment outbox publish attempts by action and outcome.",
}, []string{"action", "outcome"})

// CreditApplied sums store credit consumed, in minor units.
var CreditApplied = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "credits",
	Name:      "applied_cents_total",
	Help:      "Store credit consumed by allocations, in minor units.",
})

// CreditReleased sums store credit returned by failed payments, in minor units.
var CreditReleased = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "credits",
	Name:      "released_cents_total",
	Help:      "Store credit returned to credits by failed payments, in minor units.",
})

// CreditsExpired counts credits moved to EXPIRED.
var CreditsExpired = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "credits",
	Name:      "expired_total",
	Help:      "Credits moved to EXPIRED by the expiry job.",
})

// CommissionRegistered counts commission entries created.
var CommissionRegistered = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "commission",
	Name:      "entries_total",
	Help:      "Commission ledger entries created.",
})

// CommissionDebt is the outstanding commission debt seen by the last evaluation.
var CommissionDebt = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: namespace,
	Subsystem: "commission",
	Name:      "debt",
	Help:      "Outstanding commission debt at the last payout evaluation.",
})

// Payouts counts payout attempts by source and outcome.
var Payouts = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "payout",
	Name:      "attempts_total",
	Help:      "Payout attempts by source and outcome.",
}, []string{"source", "outcome"})

// PayoutInDefault is 1 while the payout settings are in the default state.
var PayoutInDefault = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: namespace,
	Subsystem: "payout",
	Name:      "in_default",
	Help:      "Whether commission payouts are in default (1) or not (0).",
})

// ═══════════════════════════════════════════════════════════════════════════
// Background Work Metrics
// ═══════════════════════════════════════════════════════════════════════════

// ExecutorTasks counts side-effect tasks by name and outcome.
var ExecutorTasks = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "executor",
	Name:      "tasks_total",
	Help:      "Side-effect tasks by name and outcome.",
}, []string{"task", "outcome"})

// ExecutorInFlight tracks side-effect tasks currently running.
var ExecutorInFlight = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: namespace,
	Subsystem: "executor",
	Name:      "in_flight",
	Help:      "Side-effect tasks currently running.",
})

// SchedulerRuns counts periodic job runs by job and outcome.
var SchedulerRuns = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "scheduler",
	Name:      "runs_total",
	Help:      "Periodic job runs by job and outcome.",
}, []string{"job", "outcome"})

// ─── Helpers ────────────────────────────────────────────────────────────────

// Outcome maps an error onto a bounded label value.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, domain.ErrCircuitOpen):
		return "circuit_open"
	case errors.Is(err, domain.ErrProviderRejected):
		return "rejected"
	case errors.Is(err, domain.ErrProviderUnavailable):
		return "unavailable"
	case errors.Is(err, domain.ErrInvalidResponse):
		return "invalid_response"
	case errors.Is(err, domain.ErrConfiguration):
		return "misconfigured"
	case errors.Is(err, domain.ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, domain.ErrLockNotAcquired):
		return "locked"
	default:
		return "error"
	}
}

// ObserveProviderCall records one provider operation.
func ObserveProviderCall(op string, start time.Time, err error) {
	ProviderRequests.WithLabelValues(op, Outcome(err)).Inc()
	ProviderLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// SetBreakerOpen publishes the breaker state gauge.
func SetBreakerOpen(name string, open bool) {
	v := 0.0
	if open {
		v = 1
	}
	CircuitBreakerState.WithLabelValues(name).Set(v)
}

// SetInDefault publishes the payout default gauge.
func SetInDefault(inDefault bool) {
	v := 0.0
	if inDefault {
		v = 1
	}
	PayoutInDefault.Set(v)
}
