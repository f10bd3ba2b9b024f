package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// Connections and subscriptions
	ActiveConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "feedrelay_active_connections",
		Help: "The current number of attached connections",
	})

	ActiveSubscriptions = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "feedrelay_active_subscriptions",
		Help: "The current number of live subscriptions",
	}, []string{"mode"})

	// Delivery
	ChangesDelivered = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "feedrelay_changes_delivered_total",
		Help: "The total number of change events handed to connection sinks",
	}, []string{"mode"})

	BufferFlushes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "feedrelay_buffer_flushes_total",
		Help: "The total number of buffered batches emitted",
	}, []string{"trigger"})

	BatchSize = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "feedrelay_buffer_batch_size",
		Help:    "The number of change events per buffered batch",
		Buckets: prometheus.ExponentialBuckets(1, 2, 10),
	})

	// Store
	WatcherFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "feedrelay_watcher_failures_total",
		Help: "The total number of change feeds that ended unexpectedly",
	})

	CollectionCacheMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "feedrelay_collection_cache_misses_total",
		Help: "The total number of collection lookups that went to the store",
	})

	// Queries
	FindRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "feedrelay_find_requests_total",
		Help: "The total number of find requests by outcome",
	}, []string{"outcome"})
)

func init() {
	prometheus.MustRegister(ActiveConnections)
	prometheus.MustRegister(ActiveSubscriptions)
	prometheus.MustRegister(ChangesDelivered)
	prometheus.MustRegister(BufferFlushes)
	prometheus.MustRegister(BatchSize)
	prometheus.MustRegister(WatcherFailures)
	prometheus.MustRegister(CollectionCacheMisses)
	prometheus.MustRegister(FindRequests)
}
