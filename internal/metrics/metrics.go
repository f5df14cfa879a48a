// Package metrics provides Prometheus instrumentation for the relay. It
// exposes a gauge for live connections, counters for message routing
// outcomes and store failures, and a histogram for send latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Routing paths for MessagesTotal.
const (
	PathDirect       = "direct"
	PathQueued       = "queued"
	PathDrained      = "drained"
	PathDeadLettered = "dead_lettered"
	PathFailed       = "failed"
)

var (
	// ConnectionsActive tracks the current number of authenticated
	// WebSocket connections on this instance.
	ConnectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_connections_active",
		Help: "Current number of authenticated WebSocket connections",
	})

	// MessagesTotal counts messages by the path they took through the relay.
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_messages_total",
		Help: "Total number of messages routed, by path",
	}, []string{"path"}) // direct | queued | drained | dead_lettered | failed

	// SendDuration records the time from message:send receipt to the
	// sender acknowledgement.
	SendDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "relay_send_duration_seconds",
		Help:    "Time to route or enqueue a message",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
	})

	// StatusRelays counts delivered/read reports by outcome.
	StatusRelays = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_status_relays_total",
		Help: "Delivery status reports by status and outcome",
	}, []string{"status", "outcome"}) // outcome = relayed | dropped | rejected

	// TypingSignals counts typing signals by outcome.
	TypingSignals = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_typing_signals_total",
		Help: "Typing signals by outcome",
	}, []string{"outcome"}) // relayed | dropped | throttled

	// AuthFailures counts connections rejected at the handshake.
	AuthFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_auth_failures_total",
		Help: "Connections rejected for a missing or invalid token",
	})

	// StoreErrors counts degraded calls to shared stores.
	StoreErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_store_errors_total",
		Help: "Failed calls to shared stores, by store",
	}, []string{"store"}) // presence | tracker | mailbox | router

	// MailboxExpired counts queued messages dead-lettered for age.
	MailboxExpired = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_mailbox_expired_total",
		Help: "Queued messages dead-lettered after exceeding their TTL",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsActive,
		MessagesTotal,
		SendDuration,
		StatusRelays,
		TypingSignals,
		AuthFailures,
		StoreErrors,
		MailboxExpired,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
