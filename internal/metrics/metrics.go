// Package metrics holds the Prometheus collectors shared by the chat client and the relay.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Transport
	TransportConnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "livechat_transport_connects_total",
			Help: "Successful STOMP sessions established",
		},
	)

	TransportErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livechat_transport_errors_total",
			Help: "Transport failures by stage",
		},
		[]string{"stage"}, // "dial", "handshake", "read", "write", "protocol"
	)

	FramesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livechat_frames_received_total",
			Help: "Inbound frames by outcome",
		},
		[]string{"outcome"}, // "ok", "unparsable", "heartbeat"
	)

	// Sync layer
	MessagesAppended = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livechat_messages_appended_total",
			Help: "Messages appended to the local store",
		},
		[]string{"source"}, // "local", "live", "history"
	)

	DuplicatesDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "livechat_duplicates_dropped_total",
			Help: "Deliveries suppressed by the deduplicator",
		},
	)

	PersistFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "livechat_persist_failures_total",
			Help: "State saves that failed and were swallowed",
		},
	)

	// REST
	APIRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livechat_api_requests_total",
			Help: "REST calls by endpoint and status class",
		},
		[]string{"endpoint", "class"},
	)

	// Relay
	RelaySessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "livechat_relay_sessions",
			Help: "Open STOMP sessions on the relay",
		},
	)

	RelayBroadcasts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livechat_relay_broadcasts_total",
			Help: "Frames fanned out by the relay",
		},
		[]string{"topic"}, // "presence", "room", "join"
	)

	RelayHTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livechat_relay_http_requests_total",
			Help: "Relay HTTP requests by route pattern and status class",
		},
		[]string{"route", "class"},
	)
)
