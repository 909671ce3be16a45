package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EventsPublished counts notification events published to the bus by kind.
	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_events_published_total",
			Help: "Total number of notification events published",
		},
		[]string{"kind"},
	)

	// EventsConsumed counts bus events handled locally by kind and result
	// (delivered|skipped|malformed).
	EventsConsumed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_events_consumed_total",
			Help: "Total number of notification events consumed from the bus",
		},
		[]string{"kind", "result"},
	)

	// PayloadsDelivered counts payloads written to local sockets by result (ok|error).
	PayloadsDelivered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_payloads_delivered_total",
			Help: "Total number of payloads sent to local connections",
		},
		[]string{"result"},
	)

	// StatusTransitions counts delivery-status transitions by target state.
	StatusTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_status_transitions_total",
			Help: "Total number of delivery status transitions applied",
		},
		[]string{"status"},
	)

	// ActiveConnections tracks currently registered websocket connections.
	ActiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "courier_active_connections",
			Help: "Number of registered realtime connections",
		},
	)

	// ForcedDisconnects counts administrative and sweep-driven disconnections by reason.
	ForcedDisconnects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_forced_disconnects_total",
			Help: "Total number of forcefully closed connections",
		},
		[]string{"reason"},
	)

	// APILatency measures HTTP request latencies.
	APILatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "courier_api_latency_seconds",
			Help:    "API endpoint latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
