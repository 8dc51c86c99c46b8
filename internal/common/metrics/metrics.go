package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Relay metrics

	// RelayMessagesProcessed tracks outbox messages by final result
	RelayMessagesProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relaykit",
			Subsystem: "relay",
			Name:      "messages_processed_total",
			Help:      "Total outbox messages processed",
		},
		[]string{"destination", "result"}, // result: published, failed, skipped
	)

	// RelayPublishDuration tracks time from claim to transport confirmation
	RelayPublishDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "relaykit",
			Subsystem: "relay",
			Name:      "publish_duration_seconds",
			Help:      "Time to publish one outbox message",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"destination"},
	)

	// RelayBatchDuration tracks the duration of one poll cycle
	RelayBatchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "relaykit",
			Subsystem: "relay",
			Name:      "batch_duration_seconds",
			Help:      "Time to fetch and process one outbox batch",
			Buckets:   prometheus.DefBuckets,
		},
	)

	// RelayPendingMessages tracks the current outbox backlog
	RelayPendingMessages = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "relaykit",
			Subsystem: "relay",
			Name:      "pending_messages",
			Help:      "Outbox messages by status",
		},
		[]string{"status"},
	)

	// RelayStuckReleased tracks PROCESSING rows released back to PENDING
	RelayStuckReleased = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relaykit",
			Subsystem: "relay",
			Name:      "stuck_released_total",
			Help:      "Total messages released from a stale PROCESSING claim",
		},
		[]string{"table"},
	)

	// RelayRetries tracks FAILED rows reset back to PENDING
	RelayRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "relaykit",
			Subsystem: "relay",
			Name:      "retries_total",
			Help:      "Total failed outbox messages reset for retry",
		},
	)

	// Inbox metrics

	// InboxAdmitted tracks admission outcomes
	InboxAdmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relaykit",
			Subsystem: "inbox",
			Name:      "admitted_total",
			Help:      "Total inbox admission attempts",
		},
		[]string{"source", "result"}, // result: admitted, duplicate
	)

	// InboxMessagesProcessed tracks dispatch outcomes
	InboxMessagesProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relaykit",
			Subsystem: "inbox",
			Name:      "messages_processed_total",
			Help:      "Total inbox messages dispatched to handlers",
		},
		[]string{"event_type", "result"}, // result: processed, failed, no_handler, skipped
	)

	// InboxHandlerDuration tracks handler execution time
	InboxHandlerDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "relaykit",
			Subsystem: "inbox",
			Name:      "handler_duration_seconds",
			Help:      "Inbox handler execution time",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"event_type"},
	)

	// Ingress metrics

	// IngressRequests tracks webhook requests by outcome
	IngressRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relaykit",
			Subsystem: "ingress",
			Name:      "requests_total",
			Help:      "Total webhook ingress requests",
		},
		[]string{"status"}, // accepted, duplicate, bad_request, unauthorized, rate_limited, error
	)

	// IngressRequestDuration tracks webhook request duration
	IngressRequestDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "relaykit",
			Subsystem: "ingress",
			Name:      "request_duration_seconds",
			Help:      "Webhook ingress request duration",
			Buckets:   prometheus.DefBuckets,
		},
	)

	// Transport metrics

	// TransportPublishes tracks publish attempts per driver
	TransportPublishes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relaykit",
			Subsystem: "transport",
			Name:      "publishes_total",
			Help:      "Total transport publish attempts",
		},
		[]string{"driver", "result"}, // driver: http, nats, sqs
	)

	// TransportCircuitBreakerState tracks circuit breaker state per target
	// 0 = closed (healthy), 1 = open (tripped), 2 = half-open (testing)
	TransportCircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "relaykit",
			Subsystem: "transport",
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
		[]string{"target"},
	)

	// TransportCircuitBreakerTrips tracks circuit breaker trip events
	TransportCircuitBreakerTrips = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relaykit",
			Subsystem: "transport",
			Name:      "circuit_breaker_trips_total",
			Help:      "Total circuit breaker trip events",
		},
		[]string{"target"},
	)

	// Retention metrics

	// RetentionDeleted tracks purged terminal rows
	RetentionDeleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relaykit",
			Subsystem: "retention",
			Name:      "deleted_total",
			Help:      "Total terminal messages purged",
		},
		[]string{"table"},
	)

	// RetentionRunDuration tracks cleanup run duration
	RetentionRunDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "relaykit",
			Subsystem: "retention",
			Name:      "run_duration_seconds",
			Help:      "Retention cleanup run duration",
			Buckets:   prometheus.DefBuckets,
		},
	)

	// Leader election metrics

	// LeaderState tracks leader election status
	// 0 = follower, 1 = leader
	LeaderState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "relaykit",
			Subsystem: "leader",
			Name:      "state",
			Help:      "Leader election state (0=follower, 1=leader)",
		},
	)

	// HTTP API metrics

	// HTTPRequestsTotal tracks HTTP API requests
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relaykit",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP API requests",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration tracks HTTP API request duration
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "relaykit",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP API request duration",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

// CircuitBreakerState constants
const (
	CircuitBreakerClosed   = 0
	CircuitBreakerOpen     = 1
	CircuitBreakerHalfOpen = 2
)
