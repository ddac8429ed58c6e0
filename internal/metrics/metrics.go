package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	itemsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "assetsync",
			Name:      "items_processed_total",
			Help:      "Queue items processed by outcome.",
		},
		[]string{"outcome"},
	)

	conflictsDetected = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "assetsync",
			Name:      "conflicts_detected_total",
			Help:      "Conflicts detected during sync runs.",
		},
	)

	batchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "assetsync",
			Name:      "batches_total",
			Help:      "Sync batches by final status.",
		},
		[]string{"status"},
	)

	queueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "assetsync",
			Name:      "queue_depth",
			Help:      "Queue items by organization and status.",
		},
		[]string{"organization", "status"},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "assetsync",
			Name:      "http_requests_total",
			Help:      "HTTP requests by endpoint.",
		},
		[]string{"endpoint"},
	)
)

// Register registers Prometheus metrics. Safe to call multiple times.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(itemsProcessed, conflictsDetected, batchesTotal, queueDepth, httpRequests)
	})
}

func IncItemProcessed(outcome string) {
	itemsProcessed.WithLabelValues(outcome).Inc()
}

func IncConflictDetected() {
	conflictsDetected.Inc()
}

func IncBatch(status string) {
	batchesTotal.WithLabelValues(status).Inc()
}

func SetQueueDepth(organizationID, status string, n int) {
	queueDepth.WithLabelValues(organizationID, status).Set(float64(n))
}

func IncHTTP(endpoint string) {
	httpRequests.WithLabelValues(endpoint).Inc()
}
