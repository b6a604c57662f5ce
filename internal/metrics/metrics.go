package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	NotificationsReceivedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_notifications_received_total",
			Help: "Total number of notifications received from the feed, by type.",
		},
		[]string{"type"},
	)

	NotificationsDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_notifications_dropped_total",
			Help: "Total number of notifications dropped before delivery, by reason.",
		},
		[]string{"reason"}, // parse_error, validation_error, buffer_overflow, shutdown
	)

	StreamReconnectsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_stream_reconnects_total",
			Help: "Total number of reconnect attempts to the notification feed.",
		},
	)

	BufferDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_buffer_depth",
			Help: "Current number of notifications held in the event buffer.",
		},
	)

	DeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_deliveries_total",
			Help: "Total number of delivery attempts with a terminal outcome, by sink and status.",
		},
		[]string{"sink", "status"}, // delivered, dead_lettered
	)

	RetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_retries_total",
			Help: "Total number of delivery retries by sink and reason.",
		},
		[]string{"sink", "reason"}, // http_5xx, http_429, timeout, network, inner_status
	)

	DeliveryLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_delivery_latency_seconds",
			Help:    "Latency of individual sink delivery attempts.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"sink"},
	)
)

// MustRegister registers all relay collectors on reg.
func MustRegister(reg *prometheus.Registry) {
	reg.MustRegister(
		NotificationsReceivedTotal,
		NotificationsDroppedTotal,
		StreamReconnectsTotal,
		BufferDepth,
		DeliveriesTotal,
		RetriesTotal,
		DeliveryLatency,
	)
}
