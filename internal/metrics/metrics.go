// Package metrics provides Prometheus instrumentation for the broker.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics.
var (
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "broker_http_requests_total",
		Help: "Total number of HTTP requests.",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "broker_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})
)

// RPC metrics, keyed by the broker operation name (register_agent,
// send_message, wait_for_response, ...) rather than a wire procedure.
var (
	RPCRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "broker_rpc_requests_total",
		Help: "Total number of RPC operations.",
	}, []string{"operation", "code"})

	RPCRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "broker_rpc_request_duration_seconds",
		Help:    "RPC operation duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})
)

// Auth and authorization metrics.
var (
	AuthAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "broker_auth_attempts_total",
		Help: "Total authentication attempts by tier and outcome.",
	}, []string{"tier", "outcome"})

	AuthorizationDeniedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "broker_authorization_denied_total",
		Help: "Total requests denied by agent-pattern authorization.",
	}, []string{"operation"})

	RateLimitedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "broker_rate_limited_total",
		Help: "Total requests rejected by the rate limiter.",
	}, []string{"operation"})
)

// Presence and messaging gauges/counters.
var (
	AgentsOnline = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "broker_agents_online",
		Help: "Number of agents currently registered and within their liveness window.",
	})

	MessagesSentTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "broker_messages_sent_total",
		Help: "Total number of messages accepted into an inbox.",
	})

	MessagesAckedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "broker_messages_acked_total",
		Help: "Total number of messages acknowledged and removed from an inbox.",
	})

	InboxCompactionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "broker_inbox_compactions_total",
		Help: "Total number of inbox compaction passes performed.",
	})

	NotifyDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "broker_notify_dropped_total",
		Help: "Total number of notify tokens dropped because a channel was at capacity.",
	})

	AuditWritesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "broker_audit_writes_total",
		Help: "Total number of audit log entries written.",
	})
)
