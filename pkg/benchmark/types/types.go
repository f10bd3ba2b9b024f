// Package types defines the configuration and result types shared by the
// feedrelay benchmark packages.
package types

import (
	"encoding/json"
	"time"
)

// Operation types recorded by the benchmark.
const (
	OpConnect           = "connect"
	OpSubscribe         = "subscribe"
	OpBufferedSubscribe = "bufferedSubscribe"
	OpFind              = "find"
)

// Subscription modes a worker can use.
const (
	ModeImmediate = "immediate"
	ModeBuffered  = "buffered"
)

// Config describes one benchmark run.
type Config struct {
	Name     string        `yaml:"name"`
	Target   string        `yaml:"target"` // http(s) base URL of the relay
	Duration time.Duration `yaml:"duration"`
	Workers  int           `yaml:"workers"` // one websocket connection each

	Subscription SubscriptionConfig `yaml:"subscription"`
	Find         FindConfig         `yaml:"find"`
}

// SubscriptionConfig is the change feed every worker opens on connect.
type SubscriptionConfig struct {
	Collection  string          `yaml:"collection"`
	Mode        string          `yaml:"mode"` // immediate, buffered
	ChangeLimit int             `yaml:"change_limit"`
	EmitDelay   time.Duration   `yaml:"emit_delay"`
	Pipeline    json.RawMessage `yaml:"-"`
	PipelineRaw string          `yaml:"pipeline"` // JSON text
}

// FindConfig drives request/response load alongside the feed.
type FindConfig struct {
	// Rate is finds per second per worker. Zero disables finds.
	Rate       float64 `yaml:"rate"`
	Collection string  `yaml:"collection"`
	Query      string  `yaml:"query"` // JSON text
}

// OperationResult is the outcome of one request.
type OperationResult struct {
	OperationType string
	Duration      time.Duration
	Success       bool
	Error         error
}

// LatencyStats are in milliseconds.
type LatencyStats struct {
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Mean   float64 `json:"mean"`
	Median float64 `json:"median"`
	P90    float64 `json:"p90"`
	P95    float64 `json:"p95"`
	P99    float64 `json:"p99"`
}

// AggregatedMetrics summarize the operations recorded so far.
type AggregatedMetrics struct {
	TotalOperations int64                         `json:"total_operations"`
	TotalErrors     int64                         `json:"total_errors"`
	SuccessRate     float64                       `json:"success_rate"`
	Throughput      float64                       `json:"throughput"`
	Latency         LatencyStats                  `json:"latency"`
	ErrorsByType    map[string]int64              `json:"errors_by_type,omitempty"`
	Operations      map[string]*AggregatedMetrics `json:"operations,omitempty"`

	// Change feed counters
	ChangeFrames    int64   `json:"change_frames"`
	ChangesReceived int64   `json:"changes_received"`
	ChangeRate      float64 `json:"change_rate"`
}

// Result is the outcome of a whole run.
type Result struct {
	StartTime   time.Time          `json:"start_time"`
	EndTime     time.Time          `json:"end_time"`
	Duration    float64            `json:"duration"` // seconds
	Connections int                `json:"connections"`
	Summary     *AggregatedMetrics `json:"summary"`
	Config      *Config            `json:"config"`
}

// MetricsCollector collects benchmark metrics from many workers.
type MetricsCollector interface {
	RecordOperation(result *OperationResult)
	RecordChanges(frames, changes int64)
	GetSnapshot() *AggregatedMetrics
	Reset()
}
