package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all application metrics
type Metrics struct {
	// Outbox metrics
	OutboxClaimed          prometheus.Counter
	OutboxReclaimed        prometheus.Counter
	OutboxDispatched       prometheus.Counter
	OutboxPublishFailures  *prometheus.CounterVec
	OutboxDispatchDuration prometheus.Histogram

	// Inbox metrics
	InboxMessages        *prometheus.CounterVec
	InboxHandlerDuration *prometheus.HistogramVec

	// Idempotency metrics
	IdempotencyRequests *prometheus.CounterVec

	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Circuit breaker metrics
	CircuitBreakerState *prometheus.GaugeVec
}

// NewMetrics creates and registers all metrics against the given registry.
// If reg is nil, prometheus.DefaultRegisterer is used.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		OutboxClaimed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "outbox_claimed_total",
				Help:      "Outbox records claimed for dispatch",
			},
		),
		OutboxReclaimed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "outbox_reclaimed_total",
				Help:      "Stale IN_FLIGHT outbox records returned to PENDING",
			},
		),
		OutboxDispatched: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "outbox_dispatched_total",
				Help:      "Outbox records published and marked DISPATCHED",
			},
		),
		OutboxPublishFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "outbox_publish_failures_total",
				Help:      "Failed publish attempts by resulting outcome (retry, failed, state_update)",
			},
			[]string{"outcome"},
		),
		OutboxDispatchDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "outbox_dispatch_duration_seconds",
				Help:      "Duration of a single dispatch cycle in seconds",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
			},
		),
		InboxMessages: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "inbox_messages_total",
				Help:      "Consumed messages by outcome (processed, duplicate, failed, error)",
			},
			[]string{"outcome"},
		),
		InboxHandlerDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "inbox_handler_duration_seconds",
				Help:      "Domain handler duration in seconds",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"subject"},
		),
		IdempotencyRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "idempotency_requests_total",
				Help:      "Idempotency-Key requests by outcome (executed, replayed, conflict, contention, abandoned)",
			},
			[]string{"outcome"},
		),
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		CircuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_state",
				Help:      "Circuit breaker state (0=closed, 1=half-open, 2=open)",
			},
			[]string{"name"},
		),
	}

	// Register all collectors
	reg.MustRegister(
		m.OutboxClaimed,
		m.OutboxReclaimed,
		m.OutboxDispatched,
		m.OutboxPublishFailures,
		m.OutboxDispatchDuration,
		m.InboxMessages,
		m.InboxHandlerDuration,
		m.IdempotencyRequests,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.CircuitBreakerState,
	)

	return m
}

// NewNopMetrics returns metrics registered against a private registry.
func NewNopMetrics() *Metrics {
	return NewMetrics("nop", prometheus.NewRegistry())
}
