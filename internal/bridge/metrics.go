package bridge

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	messagesSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentlink_messages_sent_total",
			Help: "Messages sent to the agent",
		},
		[]string{"kind"},
	)

	messagesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentlink_messages_received_total",
			Help: "Messages received from the agent",
		},
		[]string{"kind"},
	)

	reconnects = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "agentlink_reconnects_total",
			Help: "Reconnect attempts scheduled after a lost connection",
		},
	)

	pendingRequests = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "agentlink_pending_requests",
			Help: "Correlated requests awaiting a reply",
		},
	)

	keepalivePings = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "agentlink_keepalive_pings_total",
			Help: "Keep-alive pings sent while connected",
		},
	)

	catalogTools = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "agentlink_catalog_tools",
			Help: "Tools in the last catalog snapshot",
		},
	)
)

var registerOnce sync.Once

// RegisterMetrics registers the bridge collectors with the default registry.
func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(messagesSent, messagesReceived, reconnects, pendingRequests, keepalivePings, catalogTools)
	})
}
