// Package metrics aggregates benchmark operation results.
package metrics

import (
	"slices"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/syntrixbase/feedrelay/pkg/benchmark/types"
)

// Collector implements types.MetricsCollector.
type Collector struct {
	clock     clock.Clock
	mu        sync.RWMutex
	startTime time.Time

	overall      *operationStats
	errorsByType map[string]int64
	operations   map[string]*operationStats

	changeFrames int64
	changes      int64
}

type operationStats struct {
	count     int64
	failCount int64
	latencies []time.Duration
}

// NewCollector creates a collector timed by the wall clock.
func NewCollector() *Collector {
	return NewCollectorWithClock(clock.WallClock)
}

// NewCollectorWithClock creates a collector timed by clk.
func NewCollectorWithClock(clk clock.Clock) *Collector {
	c := &Collector{clock: clk}
	c.reset()
	return c
}

// RecordOperation records the result of a single operation.
func (c *Collector) RecordOperation(result *types.OperationResult) {
	if result == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if !result.Success && result.Error != nil {
		c.errorsByType[result.Error.Error()]++
	}

	c.overall.add(result)
	op := c.operations[result.OperationType]
	if op == nil {
		op = &operationStats{}
		c.operations[result.OperationType] = op
	}
	op.add(result)
}

// RecordChanges adds change frames and the changes they carried.
func (c *Collector) RecordChanges(frames, changes int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.changeFrames += frames
	c.changes += changes
}

// GetSnapshot returns a copy of the current aggregates.
func (c *Collector) GetSnapshot() *types.AggregatedMetrics {
	c.mu.RLock()
	defer c.mu.RUnlock()

	elapsed := c.clock.Now().Sub(c.startTime).Seconds()

	snap := c.overall.aggregate(elapsed)
	snap.ErrorsByType = make(map[string]int64, len(c.errorsByType))
	for k, v := range c.errorsByType {
		snap.ErrorsByType[k] = v
	}
	snap.Operations = make(map[string]*types.AggregatedMetrics, len(c.operations))
	for name, op := range c.operations {
		snap.Operations[name] = op.aggregate(elapsed)
	}

	snap.ChangeFrames = c.changeFrames
	snap.ChangesReceived = c.changes
	if elapsed > 0 {
		snap.ChangeRate = float64(c.changes) / elapsed
	}
	return snap
}

// Reset clears all metrics and restarts the throughput clock.
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reset()
}

func (c *Collector) reset() {
	c.startTime = c.clock.Now()
	c.overall = &operationStats{latencies: make([]time.Duration, 0, 10000)}
	c.errorsByType = make(map[string]int64)
	c.operations = make(map[string]*operationStats)
	c.changeFrames = 0
	c.changes = 0
}

func (s *operationStats) add(result *types.OperationResult) {
	s.count++
	if !result.Success {
		s.failCount++
	}
	s.latencies = append(s.latencies, result.Duration)
}

func (s *operationStats) aggregate(elapsed float64) *types.AggregatedMetrics {
	m := &types.AggregatedMetrics{
		TotalOperations: s.count,
		TotalErrors:     s.failCount,
	}
	if s.count > 0 {
		m.SuccessRate = float64(s.count-s.failCount) / float64(s.count) * 100
	}
	if elapsed > 0 {
		m.Throughput = float64(s.count) / elapsed
	}
	m.Latency = latencyStats(s.latencies)
	return m
}

func latencyStats(latencies []time.Duration) types.LatencyStats {
	if len(latencies) == 0 {
		return types.LatencyStats{}
	}
	sorted := slices.Clone(latencies)
	slices.Sort(sorted)

	var total time.Duration
	for _, d := range sorted {
		total += d
	}
	n := len(sorted)
	return types.LatencyStats{
		Min:    ms(sorted[0]),
		Max:    ms(sorted[n-1]),
		Mean:   ms(total) / float64(n),
		Median: ms(sorted[n/2]),
		P90:    ms(sorted[percentileIndex(n, 0.90)]),
		P95:    ms(sorted[percentileIndex(n, 0.95)]),
		P99:    ms(sorted[percentileIndex(n, 0.99)]),
	}
}

func percentileIndex(n int, p float64) int {
	i := int(float64(n) * p)
	if i >= n {
		i = n - 1
	}
	return i
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
