// Package metrics provides Prometheus instrumentation for the realtime
// server. It exposes gauges for connection and presence counts, counters for
// message, attachment and notification throughput, and a histogram for event
// handling latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "social_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// OnlineUsers tracks the number of users with at least one registered
	// connection on this server.
	OnlineUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "social_online_users",
		Help: "Current number of online users",
	})

	// MessagesTotal counts private messages, labeled by outcome:
	// "delivered", "stored", "blocked", "rejected" or "failed".
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "social_messages_total",
		Help: "Total number of private messages processed",
	}, []string{"outcome"})

	// AttachmentsTotal counts attachment uploads labeled by ack status.
	AttachmentsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "social_attachments_total",
		Help: "Total number of attachment uploads processed",
	}, []string{"status"})

	// AttachmentBytes records the size of stored attachments.
	AttachmentBytes = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "social_attachment_bytes",
		Help:    "Size of stored attachments in bytes",
		Buckets: prometheus.ExponentialBuckets(1024, 4, 8),
	})

	// NotificationsTotal counts notifications labeled by outcome:
	// "pushed", "stored", "skipped" or "failed".
	NotificationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "social_notifications_total",
		Help: "Total number of notifications processed",
	}, []string{"outcome"})

	// PresencePushes counts onlineFriends frames delivered.
	PresencePushes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "social_presence_pushes_total",
		Help: "Total number of onlineFriends events delivered",
	})

	// EventLatency records socket event handling latency in seconds.
	EventLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "social_event_latency_seconds",
		Help:    "Socket event handling latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"type"})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		OnlineUsers,
		MessagesTotal,
		AttachmentsTotal,
		AttachmentBytes,
		NotificationsTotal,
		PresencePushes,
		EventLatency,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
