// Package metrics provides Prometheus instrumentation for the live-chat
// routing layer. It exposes gauges for queue depth and connection counts,
// counters for message throughput and delivery failures, and a histogram for
// durable-write latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// QueueDepth tracks the current number of pending chat requests in the
	// lobby queue.
	QueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "livechat_queue_depth",
		Help: "Current number of pending chat requests in the lobby queue",
	})

	// ConnectedAgents tracks the current number of agents connected to the lobby.
	ConnectedAgents = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "livechat_connected_agents",
		Help: "Current number of agents connected to the lobby",
	})

	// ActiveSessions tracks the number of session actors with at least one
	// connected participant.
	ActiveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "livechat_active_sessions",
		Help: "Number of chat sessions with at least one connected participant",
	})

	// MessagesTotal counts chat messages processed, labeled by outcome:
	// "relayed", "rejected", or "rate_limited".
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "livechat_messages_total",
		Help: "Total number of chat messages processed",
	}, []string{"outcome"})

	// BroadcastFailures counts per-socket delivery failures during lobby
	// broadcasts and session fan-out.
	BroadcastFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "livechat_broadcast_failures_total",
		Help: "Per-socket delivery failures during broadcast and fan-out",
	})

	// ExpiredRequests counts queue entries removed by the TTL sweep.
	ExpiredRequests = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "livechat_expired_requests_total",
		Help: "Queue entries removed because they waited longer than the TTL",
	})

	// PersistLatency records the latency of durable queue and message-log
	// writes in seconds.
	PersistLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "livechat_persist_latency_seconds",
		Help:    "Durable write latency for queue and message-log persistence",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})
)

func init() {
	prometheus.MustRegister(
		QueueDepth,
		ConnectedAgents,
		ActiveSessions,
		MessagesTotal,
		BroadcastFailures,
		ExpiredRequests,
		PersistLatency,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
