package relay

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/syntrixbase/feedrelay/internal/notify"
	"github.com/syntrixbase/feedrelay/internal/store"
	"github.com/syntrixbase/feedrelay/internal/store/memory"
)

const waitTimeout = 2 * time.Second

type recordingSink struct {
	mu   sync.Mutex
	msgs []Message
	err  error
}

func (s *recordingSink) Send(msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, msg)
	return s.err
}

func (s *recordingSink) messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.msgs))
	copy(out, s.msgs)
	return out
}

func (s *recordingSink) byEvent(name string) []Message {
	var out []Message
	for _, m := range s.messages() {
		if m.EventName() == name {
			out = append(out, m)
		}
	}
	return out
}

// waitEvents waits until at least n messages named name were sent.
func (s *recordingSink) waitEvents(t *testing.T, name string, n int) []Message {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(s.byEvent(name)) >= n
	}, waitTimeout, 5*time.Millisecond, "waiting for %d %s", n, name)
	return s.byEvent(name)
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (n *recordingNotifier) Notify(_ context.Context, evt notify.Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, evt)
	return nil
}

func (n *recordingNotifier) Close() error { return nil }

func (n *recordingNotifier) kinds() []notify.Kind {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]notify.Kind, len(n.events))
	for i, e := range n.events {
		out[i] = e.Kind
	}
	return out
}

func newOrdersStore(t *testing.T, n int) *memory.Store {
	t.Helper()
	s := memory.New(nil, "orders", "users")
	for i := 0; i < n; i++ {
		_, err := s.Insert("orders", map[string]interface{}{"_id": orderID(i), "seq": i})
		require.NoError(t, err)
	}
	return s
}

func orderID(i int) string {
	return "o" + string(rune('a'+i))
}

func insertSeq(t *testing.T, s *memory.Store, collection string, from, to int) {
	t.Helper()
	for i := from; i < to; i++ {
		_, err := s.Insert(collection, map[string]interface{}{"seq": i})
		require.NoError(t, err)
	}
}

func seqOf(evt store.ChangeEvent) int {
	return int(evt.FullDocument["seq"].(float64))
}

// countingStore counts collection listings.
type countingStore struct {
	store.Store
	mu    sync.Mutex
	lists int
	block chan struct{}
}

func (c *countingStore) ListCollections(ctx context.Context) ([]string, error) {
	c.mu.Lock()
	c.lists++
	c.mu.Unlock()
	if c.block != nil {
		select {
		case <-c.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return c.Store.ListCollections(ctx)
}

func (c *countingStore) listCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lists
}

// hookStore lets tests replace Aggregate and Find on every collection.
type hookStore struct {
	store.Store
	aggregate func(ctx context.Context) error
	find      func(ctx context.Context) error
}

func (h *hookStore) Collection(name string) store.Collection {
	return &hookCollection{Collection: h.Store.Collection(name), hooks: h}
}

type hookCollection struct {
	store.Collection
	hooks *hookStore
}

func (c *hookCollection) Aggregate(ctx context.Context, pipeline json.RawMessage) ([]store.Document, error) {
	if c.hooks.aggregate != nil {
		if err := c.hooks.aggregate(ctx); err != nil {
			return nil, err
		}
	}
	return c.Collection.Aggregate(ctx, pipeline)
}

func (c *hookCollection) Find(ctx context.Context, query, opts json.RawMessage) ([]store.Document, error) {
	if c.hooks.find != nil {
		if err := c.hooks.find(ctx); err != nil {
			return nil, err
		}
	}
	return c.Collection.Find(ctx, query, opts)
}
