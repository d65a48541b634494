package transport

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Hot-path transport counters, exposed through promhttp on the ops mux.
var (
	connectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nimbus_connections_total",
		Help: "Total accepted WebSocket connections",
	})

	connectionsCurrent = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "nimbus_connections_current",
		Help: "Currently open WebSocket connections",
	})

	connectionsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nimbus_connections_rejected_total",
		Help: "Connections rejected at accept, by reason",
	}, []string{"reason"})

	messagesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nimbus_messages_received_total",
		Help: "Inbound WebSocket text frames",
	})

	messagesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nimbus_messages_sent_total",
		Help: "Outbound WebSocket frames",
	})

	bytesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nimbus_bytes_received_total",
		Help: "Inbound payload bytes",
	})

	bytesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nimbus_bytes_sent_total",
		Help: "Outbound payload bytes",
	})

	outboundDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nimbus_outbound_dropped_total",
		Help: "Outbound frames dropped because a client buffer was full",
	})

	rateLimitedMessages = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nimbus_rate_limited_messages_total",
		Help: "Inbound frames rejected by the per-address rate limiter",
	})

	slowClientDisconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nimbus_slow_client_disconnects_total",
		Help: "Clients disconnected for sustained outbound backpressure",
	})
)
