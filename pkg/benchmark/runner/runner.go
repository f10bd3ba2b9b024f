// Package runner drives websocket load against a relay.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/syntrixbase/feedrelay/pkg/benchmark/client"
	"github.com/syntrixbase/feedrelay/pkg/benchmark/types"
	"golang.org/x/time/rate"
)

const sampleInterval = time.Second

var errNoConfig = errors.New("config cannot be nil")

// Runner opens one connection per worker, subscribes each to the configured
// feed and optionally issues finds at a fixed per-worker rate.
type Runner struct {
	config  *types.Config
	metrics types.MetricsCollector

	mu      sync.Mutex
	clients []*client.Client

	connected atomic.Int64
	// last change counters already handed to metrics
	sentFrames  int64
	sentChanges int64
}

// New creates a runner reporting to metrics.
func New(config *types.Config, metrics types.MetricsCollector) *Runner {
	return &Runner{config: config, metrics: metrics}
}

// Run blocks until the configured duration elapses or ctx is cancelled.
func (r *Runner) Run(ctx context.Context) (*types.Result, error) {
	if r.config == nil {
		return nil, errNoConfig
	}
	cfg := r.config

	runCtx, cancel := context.WithTimeout(ctx, cfg.Duration)
	defer cancel()

	start := time.Now()

	sampleDone := make(chan struct{})
	go func() {
		defer close(sampleDone)
		r.sampleChanges(runCtx)
	}()

	var wg sync.WaitGroup
	for i := 0; i < cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.worker(runCtx)
		}()
	}
	wg.Wait()
	cancel()
	<-sampleDone
	r.recordChanges()

	end := time.Now()
	return &types.Result{
		StartTime:   start,
		EndTime:     end,
		Duration:    end.Sub(start).Seconds(),
		Connections: int(r.connected.Load()),
		Summary:     r.metrics.GetSnapshot(),
		Config:      cfg,
	}, nil
}

func (r *Runner) worker(ctx context.Context) {
	cfg := r.config

	began := time.Now()
	c, err := client.Dial(ctx, cfg.Target)
	if err != nil {
		r.record(ctx, types.OpConnect, began, err)
		return
	}
	r.record(ctx, types.OpConnect, began, nil)
	r.connected.Add(1)
	r.mu.Lock()
	r.clients = append(r.clients, c)
	r.mu.Unlock()
	defer c.Close()

	sub := cfg.Subscription
	began = time.Now()
	op := types.OpSubscribe
	if sub.Mode == types.ModeBuffered {
		op = types.OpBufferedSubscribe
		_, err = c.BufferedSubscribe(ctx, sub.Collection, sub.ChangeLimit, sub.EmitDelay, sub.Pipeline)
	} else {
		_, err = c.Subscribe(ctx, sub.Collection, sub.Pipeline)
	}
	r.record(ctx, op, began, err)

	if cfg.Find.Rate <= 0 {
		<-ctx.Done()
		return
	}

	query := json.RawMessage(cfg.Find.Query)
	limiter := rate.NewLimiter(rate.Limit(cfg.Find.Rate), 1)
	for {
		if err := limiter.Wait(ctx); err != nil {
			return
		}
		began = time.Now()
		_, err := c.Find(ctx, cfg.Find.Collection, query)
		r.record(ctx, types.OpFind, began, err)
		if errors.Is(err, client.ErrClosed) {
			<-ctx.Done()
			return
		}
	}
}

// record drops results of requests cut short by the end of the run.
func (r *Runner) record(ctx context.Context, op string, began time.Time, err error) {
	if err != nil && ctx.Err() != nil {
		return
	}
	r.metrics.RecordOperation(&types.OperationResult{
		OperationType: op,
		Duration:      time.Since(began),
		Success:       err == nil,
		Error:         err,
	})
}

func (r *Runner) sampleChanges(ctx context.Context) {
	ticker := time.NewTicker(sampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.recordChanges()
		}
	}
}

// recordChanges hands metrics the change counts received since the last call.
func (r *Runner) recordChanges() {
	r.mu.Lock()
	defer r.mu.Unlock()

	var frames, changes int64
	for _, c := range r.clients {
		f, n := c.Changes()
		frames += f
		changes += n
	}
	if frames == r.sentFrames && changes == r.sentChanges {
		return
	}
	r.metrics.RecordChanges(frames-r.sentFrames, changes-r.sentChanges)
	r.sentFrames, r.sentChanges = frames, changes
}
