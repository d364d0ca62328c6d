package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the storefront chat core.
//
// Naming convention: namespace_subsystem_name
// - namespace: storefront_chat (application-level grouping)
// - subsystem: socket, session, directory, api (feature-level grouping)
// - name: specific metric (connections_active, messages_total, etc.)
//
// Metric Types:
// - Gauge: Current state (connections, sessions, unread counts)
// - Counter: Cumulative events (messages processed, refresh attempts)
// - Histogram: Latency distributions (send round-trip time)

var (
	// ActiveSocketConnections tracks currently established upstream socket connections
	ActiveSocketConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "storefront_chat",
		Subsystem: "socket",
		Name:      "connections_active",
		Help:      "Current number of established upstream socket connections",
	})

	// ActiveSessions tracks the current number of live session engines
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "storefront_chat",
		Subsystem: "session",
		Name:      "sessions_active",
		Help:      "Current number of live chat session engines",
	})

	// UnreadMessages tracks the aggregate unread count per session
	UnreadMessages = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "storefront_chat",
		Subsystem: "session",
		Name:      "unread_messages",
		Help:      "Aggregate unread message count per session",
	}, []string{"user_id"})

	// MessagesSent counts outgoing sends by final delivery state
	MessagesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "storefront_chat",
		Subsystem: "session",
		Name:      "messages_sent_total",
		Help:      "Total outgoing messages by delivery outcome",
	}, []string{"outcome"})

	// MessagesReceived counts unique incoming messages after de-duplication
	MessagesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "storefront_chat",
		Subsystem: "socket",
		Name:      "messages_received_total",
		Help:      "Total unique incoming messages delivered to sessions",
	})

	// DuplicateMessages counts incoming messages dropped by the id dedup filter
	DuplicateMessages = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "storefront_chat",
		Subsystem: "socket",
		Name:      "messages_duplicate_total",
		Help:      "Incoming messages dropped as duplicates by message id",
	})

	// SocketReconnects counts reconnection attempts by result
	SocketReconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "storefront_chat",
		Subsystem: "socket",
		Name:      "reconnects_total",
		Help:      "Socket reconnection attempts",
	}, []string{"status"})

	// DirectoryRefreshes counts conversation listing refreshes by result
	DirectoryRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "storefront_chat",
		Subsystem: "directory",
		Name:      "refreshes_total",
		Help:      "Conversation directory refresh attempts",
	}, []string{"status"})

	// SendEchoDuration tracks time between optimistic send and server echo
	SendEchoDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "storefront_chat",
		Subsystem: "session",
		Name:      "send_echo_seconds",
		Help:      "Time between an optimistic send and its server echo",
		Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10},
	})

	// RateLimitRequests counts requests passing through the rate limiter
	RateLimitRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "storefront_chat",
		Subsystem: "api",
		Name:      "ratelimit_requests_total",
		Help:      "Requests checked by the rate limiter",
	}, []string{"path"})

	// RateLimitExceeded counts requests rejected by the rate limiter
	RateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "storefront_chat",
		Subsystem: "api",
		Name:      "ratelimit_exceeded_total",
		Help:      "Requests rejected by the rate limiter",
	}, []string{"path", "limit_type"})

	// CircuitBreakerState reports breaker state per upstream (0 closed, 1 open, 2 half-open)
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "storefront_chat",
		Subsystem: "upstream",
		Name:      "circuit_breaker_state",
		Help:      "Circuit breaker state per upstream (0=closed, 1=open, 2=half-open)",
	}, []string{"upstream"})

	// CircuitBreakerFailures counts calls rejected by an open breaker
	CircuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "storefront_chat",
		Subsystem: "upstream",
		Name:      "circuit_breaker_failures_total",
		Help:      "Calls rejected because a circuit breaker was open",
	}, []string{"upstream"})
)

func IncConnection() {
	ActiveSocketConnections.Inc()
}

func DecConnection() {
	ActiveSocketConnections.Dec()
}
