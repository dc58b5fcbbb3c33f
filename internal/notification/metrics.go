package notification

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	subscriptionsMatchedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "acme_cse",
			Subsystem: "notifications",
			Name:      "subscriptions_matched_total",
			Help:      "Total number of subscriptions matched per event NET",
		},
		[]string{"net"},
	)

	notificationsDeliveredTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "acme_cse",
			Subsystem: "notifications",
			Name:      "delivered_total",
			Help:      "Total number of notification deliveries by outcome",
		},
		[]string{"status"},
	)

	notificationDeliveryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "acme_cse",
			Subsystem: "notifications",
			Name:      "delivery_duration_seconds",
			Help:      "Notification delivery duration in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1.0, 2.0, 5.0},
		},
		[]string{"status"},
	)

	batchBufferDropsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "acme_cse",
			Subsystem: "notifications",
			Name:      "batch_buffer_drops_total",
			Help:      "Total number of batched notifications dropped due to backpressure",
		},
	)
)

func recordMatched(net NET, count int) {
	subscriptionsMatchedTotal.WithLabelValues(netLabel(net)).Add(float64(count))
}

func recordDelivered(status DeliveryStatus, durationSeconds float64) {
	label := string(status)
	notificationsDeliveredTotal.WithLabelValues(label).Inc()
	notificationDeliveryDuration.WithLabelValues(label).Observe(durationSeconds)
}

func netLabel(net NET) string {
	switch net {
	case NETUpdateOfResource:
		return "update"
	case NETDeleteOfResource:
		return "delete"
	case NETCreateOfDirectChild:
		return "child_create"
	case NETDeleteOfDirectChild:
		return "child_delete"
	default:
		return "other"
	}
}
