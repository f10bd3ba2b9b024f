package runner

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/syntrixbase/feedrelay/internal/gateway/config"
	"github.com/syntrixbase/feedrelay/internal/gateway/realtime"
	"github.com/syntrixbase/feedrelay/internal/relay"
	"github.com/syntrixbase/feedrelay/internal/store/memory"
	"github.com/syntrixbase/feedrelay/pkg/benchmark/metrics"
	"github.com/syntrixbase/feedrelay/pkg/benchmark/types"
)

func startRelay(t *testing.T) (string, *memory.Store) {
	t.Helper()
	st := memory.New(slog.Default(), "orders")
	resolver := relay.NewResolver(st, "test", slog.Default())
	registry := relay.NewRegistry(resolver)
	correlator := relay.NewCorrelator(resolver)
	rt := realtime.NewServer(registry, correlator, config.DefaultGatewayConfig().Realtime)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", rt.HandleWS)
	ts := httptest.NewServer(mux)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = rt.Close(ctx)
		ts.Close()
		correlator.Close()
		_ = registry.Shutdown(ctx)
	})
	return ts.URL, st
}

// insertUntil writes a document every interval until ctx is done.
func insertUntil(ctx context.Context, st *memory.Store, interval time.Duration) *sync.WaitGroup {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for i := 0; ; i++ {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_, _ = st.Insert("orders", map[string]interface{}{"seq": i})
			}
		}
	}()
	return &wg
}

func testConfig(target string) *types.Config {
	return &types.Config{
		Name:     "test",
		Target:   target,
		Duration: 500 * time.Millisecond,
		Workers:  3,
		Subscription: types.SubscriptionConfig{
			Collection: "orders",
			Mode:       types.ModeImmediate,
		},
		Find: types.FindConfig{
			Rate:       20,
			Collection: "orders",
			Query:      "{}",
		},
	}
}

func TestRunner_NilConfig(t *testing.T) {
	_, err := New(nil, metrics.NewCollector()).Run(context.Background())
	assert.Error(t, err)
}

func TestRunner_Immediate(t *testing.T) {
	target, st := startRelay(t)

	ctx, cancel := context.WithCancel(context.Background())
	wg := insertUntil(ctx, st, 20*time.Millisecond)
	defer func() {
		cancel()
		wg.Wait()
	}()

	collector := metrics.NewCollector()
	result, err := New(testConfig(target), collector).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, result.Connections)
	assert.GreaterOrEqual(t, result.Duration, 0.5)
	require.NotNil(t, result.Summary)

	ops := result.Summary.Operations
	require.Contains(t, ops, types.OpConnect)
	assert.Equal(t, int64(3), ops[types.OpConnect].TotalOperations)
	require.Contains(t, ops, types.OpSubscribe)
	assert.Equal(t, int64(3), ops[types.OpSubscribe].TotalOperations)
	assert.Equal(t, 100.0, ops[types.OpSubscribe].SuccessRate)
	require.Contains(t, ops, types.OpFind)
	assert.Positive(t, ops[types.OpFind].TotalOperations)
	assert.Equal(t, int64(0), result.Summary.TotalErrors)

	assert.Positive(t, result.Summary.ChangesReceived)
	assert.Equal(t, result.Summary.ChangeFrames, result.Summary.ChangesReceived)
}

func TestRunner_BufferedWithoutFinds(t *testing.T) {
	target, st := startRelay(t)

	ctx, cancel := context.WithCancel(context.Background())
	wg := insertUntil(ctx, st, 10*time.Millisecond)
	defer func() {
		cancel()
		wg.Wait()
	}()

	cfg := testConfig(target)
	cfg.Workers = 2
	cfg.Subscription.Mode = types.ModeBuffered
	cfg.Subscription.ChangeLimit = 1000
	cfg.Subscription.EmitDelay = 100 * time.Millisecond
	cfg.Find.Rate = 0

	result, err := New(cfg, metrics.NewCollector()).Run(context.Background())
	require.NoError(t, err)

	ops := result.Summary.Operations
	require.Contains(t, ops, types.OpBufferedSubscribe)
	assert.Equal(t, int64(2), ops[types.OpBufferedSubscribe].TotalOperations)
	assert.NotContains(t, ops, types.OpFind)
	assert.Positive(t, result.Summary.ChangesReceived)
	assert.Less(t, result.Summary.ChangeFrames, result.Summary.ChangesReceived)
}

func TestRunner_SubscribeError(t *testing.T) {
	target, _ := startRelay(t)

	cfg := testConfig(target)
	cfg.Duration = 200 * time.Millisecond
	cfg.Workers = 1
	cfg.Subscription.Collection = "missing"
	cfg.Find.Rate = 0

	result, err := New(cfg, metrics.NewCollector()).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int64(1), result.Summary.TotalErrors)
	assert.Len(t, result.Summary.ErrorsByType, 1)
}

func TestRunner_Unreachable(t *testing.T) {
	cfg := testConfig("http://127.0.0.1:1")
	cfg.Duration = 200 * time.Millisecond

	result, err := New(cfg, metrics.NewCollector()).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 0, result.Connections)
	require.Contains(t, result.Summary.Operations, types.OpConnect)
	assert.Equal(t, int64(3), result.Summary.Operations[types.OpConnect].TotalErrors)
}

func TestRunner_ParentCancel(t *testing.T) {
	target, _ := startRelay(t)
	cfg := testConfig(target)
	cfg.Duration = time.Hour

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := New(cfg, metrics.NewCollector()).Run(ctx)
		assert.NoError(t, err)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("runner did not stop on context cancel")
	}
}
