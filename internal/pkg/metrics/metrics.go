// Package metrics provides Prometheus metrics for the realtime client
// (connection lifecycle, message flow, outbox). Scrapeable via /metrics on the
// agent's operational listener.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "bizlink_realtime"

var (
	// ConnectionUp is 1 while the websocket transport is open.
	ConnectionUp = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_up",
			Help:      "Whether the websocket connection is currently open (1) or not (0).",
		},
	)

	// ReconnectAttemptsTotal counts scheduled reconnection attempts.
	ReconnectAttemptsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnect_attempts_total",
			Help:      "Total number of reconnection attempts scheduled after abnormal closure.",
		},
	)

	// MessagesSentTotal counts outbound frames by type tag.
	MessagesSentTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "Total outbound websocket frames by message type.",
		},
		[]string{"type"},
	)

	// MessagesDroppedTotal counts sends refused because the transport was closed.
	MessagesDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_dropped_total",
			Help:      "Total outbound messages dropped because the transport was not open.",
		},
		[]string{"type"},
	)

	// MessagesReceivedTotal counts inbound frames by type tag.
	MessagesReceivedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Total inbound websocket frames by message type.",
		},
		[]string{"type"},
	)

	// SubscriberPanicsTotal counts recovered panics inside dispatch callbacks.
	SubscriberPanicsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subscriber_panics_total",
			Help:      "Total panics recovered from message subscribers during dispatch.",
		},
	)

	// OutboxDepth is the number of messages waiting in the offline outbox.
	OutboxDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "outbox_depth",
			Help:      "Number of messages queued in the offline outbox.",
		},
	)
)
