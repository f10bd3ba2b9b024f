package reporter

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/syntrixbase/feedrelay/pkg/benchmark/types"
)

func sampleResult() *types.Result {
	start := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	return &types.Result{
		StartTime:   start,
		EndTime:     start.Add(30 * time.Second),
		Duration:    30,
		Connections: 10,
		Config: &types.Config{
			Name:   "smoke",
			Target: "http://localhost:8080",
			Subscription: types.SubscriptionConfig{
				Collection: "result-cache-0",
				Mode:       types.ModeBuffered,
			},
		},
		Summary: &types.AggregatedMetrics{
			TotalOperations: 310,
			TotalErrors:     2,
			SuccessRate:     99.35,
			Throughput:      10.33,
			Latency:         types.LatencyStats{Min: 0.5, Median: 2, Mean: 2.5, Max: 40, P90: 5, P95: 8, P99: 20},
			ErrorsByType:    map[string]int64{"find result-cache-0: boom": 2},
			Operations: map[string]*types.AggregatedMetrics{
				types.OpFind:              {TotalOperations: 300, SuccessRate: 99.3},
				types.OpBufferedSubscribe: {TotalOperations: 10, SuccessRate: 100},
			},
			ChangeFrames:    12,
			ChangesReceived: 340,
			ChangeRate:      11.33,
		},
	}
}

func TestConsoleReporter_ReportProgress(t *testing.T) {
	t.Run("with metrics", func(t *testing.T) {
		buf := &bytes.Buffer{}
		NewConsoleReporter(buf, false).ReportProgress(5*time.Second, &types.AggregatedMetrics{
			TotalOperations: 1000,
			SuccessRate:     98.5,
			Throughput:      123.45,
			Latency:         types.LatencyStats{P99: 50},
			ChangesReceived: 77,
		})

		out := buf.String()
		assert.True(t, strings.HasPrefix(out, "\r[5.0s]"))
		assert.Contains(t, out, "Ops: 1000")
		assert.Contains(t, out, "98.5%")
		assert.Contains(t, out, "123.45")
		assert.Contains(t, out, "50.00ms")
		assert.Contains(t, out, "Changes: 77")
	})

	t.Run("nil metrics", func(t *testing.T) {
		buf := &bytes.Buffer{}
		NewConsoleReporter(buf, false).ReportProgress(time.Second, nil)
		assert.Empty(t, buf.String())
	})
}

func TestConsoleReporter_ReportSummary(t *testing.T) {
	buf := &bytes.Buffer{}
	require.NoError(t, NewConsoleReporter(buf, false).ReportSummary(sampleResult()))

	out := buf.String()
	assert.Contains(t, out, "Benchmark Results")
	assert.Contains(t, out, "smoke")
	assert.Contains(t, out, "result-cache-0 (buffered)")
	assert.Contains(t, out, "Connections:  10")
	assert.Contains(t, out, "2024-01-01 12:00:00")
	assert.Contains(t, out, "Changes:  340")
	assert.Contains(t, out, "find result-cache-0: boom: 2")
	assert.NotContains(t, out, "\033[")

	// Per-operation sections are sorted by name.
	assert.Less(t, strings.Index(out, types.OpBufferedSubscribe+":"), strings.Index(out, types.OpFind+":"))
}

func TestConsoleReporter_ReportSummary_Colors(t *testing.T) {
	buf := &bytes.Buffer{}
	require.NoError(t, NewConsoleReporter(buf, true).ReportSummary(sampleResult()))
	assert.Contains(t, buf.String(), colorBold)
}

func TestConsoleReporter_ReportSummary_NoSummary(t *testing.T) {
	result := sampleResult()
	result.Summary = nil

	buf := &bytes.Buffer{}
	require.NoError(t, NewConsoleReporter(buf, false).ReportSummary(result))
	assert.NotContains(t, buf.String(), "Overall Performance")
}

func TestConsoleReporter_NilResult(t *testing.T) {
	r := NewConsoleReporter(&bytes.Buffer{}, false)
	assert.Error(t, r.ReportSummary(nil))
	assert.Error(t, r.ReportJSON(nil))
}

func TestConsoleReporter_ReportJSON(t *testing.T) {
	buf := &bytes.Buffer{}
	require.NoError(t, NewConsoleReporter(buf, false).ReportJSON(sampleResult()))

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, float64(10), decoded["connections"])
	summary := decoded["summary"].(map[string]any)
	assert.Equal(t, float64(340), summary["changes_received"])
}

func TestFormatPercentage(t *testing.T) {
	r := NewConsoleReporter(&bytes.Buffer{}, true)
	assert.Contains(t, r.formatPercentage(99), colorGreen)
	assert.Contains(t, r.formatPercentage(92), colorYellow)
	assert.Contains(t, r.formatPercentage(50), colorRed)
}
