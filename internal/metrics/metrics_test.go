package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsRegistered(t *testing.T) {
	ActiveSubscriptions.WithLabelValues("immediate").Add(0)
	ChangesDelivered.WithLabelValues("buffered").Add(0)
	BufferFlushes.WithLabelValues("count").Add(0)
	FindRequests.WithLabelValues("ok").Add(0)

	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)

	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, name := range []string{
		"feedrelay_active_connections",
		"feedrelay_active_subscriptions",
		"feedrelay_changes_delivered_total",
		"feedrelay_buffer_flushes_total",
		"feedrelay_buffer_batch_size",
		"feedrelay_watcher_failures_total",
		"feedrelay_collection_cache_misses_total",
		"feedrelay_find_requests_total",
	} {
		assert.True(t, names[name], "missing metric %s", name)
	}
}
