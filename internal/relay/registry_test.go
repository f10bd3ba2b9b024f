package relay

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/juju/clock"
	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/syntrixbase/feedrelay/internal/notify"
	"github.com/syntrixbase/feedrelay/internal/store"
	"github.com/syntrixbase/feedrelay/internal/store/memory"
)

type registryFixture struct {
	store    *memory.Store
	clock    *testclock.Clock
	registry *Registry
	sink     *recordingSink
	notifier *recordingNotifier
}

func newRegistryFixture(t *testing.T, st store.Store, mem *memory.Store, opts ...Option) *registryFixture {
	t.Helper()
	f := &registryFixture{
		store:    mem,
		clock:    testclock.NewClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)),
		sink:     &recordingSink{},
		notifier: &recordingNotifier{},
	}
	opts = append([]Option{WithClock(f.clock), WithNotifier(f.notifier)}, opts...)
	f.registry = NewRegistry(NewResolver(st, "test", nil), opts...)
	require.NoError(t, f.registry.Attach("c1", f.sink))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
		defer cancel()
		assert.NoError(t, f.registry.Shutdown(ctx))
	})
	return f
}

func newMemoryFixture(t *testing.T, docs int, opts ...Option) *registryFixture {
	s := newOrdersStore(t, docs)
	return newRegistryFixture(t, s, s, opts...)
}

// pending returns the queued event count, or -1 without a subscription.
func (f *registryFixture) pending(collection string) int {
	infos := f.registry.Subscriptions(SubscriptionFilter{ConnectionID: "c1", Collection: collection})
	if len(infos) != 1 {
		return -1
	}
	return infos[0].Pending
}

func (f *registryFixture) waitPending(t *testing.T, collection string, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return f.pending(collection) == n
	}, waitTimeout, 5*time.Millisecond)
}

func TestRegistry_SubscribeSnapshot(t *testing.T) {
	f := newMemoryFixture(t, 3)

	docs, err := f.registry.Subscribe(context.Background(), "c1", "orders", nil)
	require.NoError(t, err)
	require.Len(t, docs, 3)
	for i, d := range docs {
		assert.Equal(t, orderID(i), d["_id"])
	}

	msgs := f.sink.byEvent(EventInitialDocuments)
	require.Len(t, msgs, 1)
	initial := msgs[0].(InitialDocuments)
	assert.Equal(t, "orders", initial.CollectionName)
	assert.Equal(t, docs, initial.Data)
	assert.Equal(t, 1, f.store.WatcherCount("orders"))
}

func TestRegistry_SubscribeSnapshotWithPipeline(t *testing.T) {
	f := newMemoryFixture(t, 5)

	docs, err := f.registry.Subscribe(context.Background(), "c1", "orders",
		json.RawMessage(`[{"$match":{"seq":{"$gte":3}}}]`))
	require.NoError(t, err)
	require.Len(t, docs, 2)

	initial := f.sink.byEvent(EventInitialDocuments)[0].(InitialDocuments)
	assert.Len(t, initial.Data, 2)
}

func TestRegistry_SubscribeEmptyCollection(t *testing.T) {
	f := newMemoryFixture(t, 0)

	docs, err := f.registry.Subscribe(context.Background(), "c1", "users", nil)
	require.NoError(t, err)
	assert.NotNil(t, docs)
	assert.Empty(t, docs)

	data, err := json.Marshal(f.sink.byEvent(EventInitialDocuments)[0])
	require.NoError(t, err)
	assert.JSONEq(t, `{"collectionName":"users","data":[]}`, string(data))
}

func TestRegistry_ImmediateDeliveryOrder(t *testing.T) {
	f := newMemoryFixture(t, 0)
	_, err := f.registry.Subscribe(context.Background(), "c1", "orders", nil)
	require.NoError(t, err)

	insertSeq(t, f.store, "orders", 0, 20)

	msgs := f.sink.waitEvents(t, EventUpdateDocuments, 20)
	require.Len(t, msgs, 20)
	for i, m := range msgs {
		upd := m.(UpdateDocuments)
		assert.Equal(t, "orders", upd.CollectionName)
		assert.Equal(t, store.OperationInsert, upd.Change.Operation)
		assert.Equal(t, i, seqOf(upd.Change))
	}
}

func TestRegistry_InitialDocumentsPrecedeUpdates(t *testing.T) {
	f := newMemoryFixture(t, 1)
	_, err := f.registry.Subscribe(context.Background(), "c1", "orders", nil)
	require.NoError(t, err)
	insertSeq(t, f.store, "orders", 1, 2)

	f.sink.waitEvents(t, EventUpdateDocuments, 1)
	msgs := f.sink.messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, EventInitialDocuments, msgs[0].EventName())
	assert.Equal(t, EventUpdateDocuments, msgs[1].EventName())
}

func TestRegistry_UpdateAndDeleteEvents(t *testing.T) {
	f := newMemoryFixture(t, 1)
	_, err := f.registry.Subscribe(context.Background(), "c1", "orders", nil)
	require.NoError(t, err)

	require.NoError(t, f.store.Update("orders", orderID(0), map[string]interface{}{"seq": 9}, nil))
	require.NoError(t, f.store.Delete("orders", orderID(0)))

	msgs := f.sink.waitEvents(t, EventUpdateDocuments, 2)
	upd := msgs[0].(UpdateDocuments).Change
	assert.Equal(t, store.OperationUpdate, upd.Operation)
	assert.Equal(t, float64(9), upd.UpdateDescription.UpdatedFields["seq"])
	del := msgs[1].(UpdateDocuments).Change
	assert.Equal(t, store.OperationDelete, del.Operation)
	assert.Equal(t, orderID(0), del.DocumentKey["_id"])
}

func TestRegistry_RepeatedSubscribeKeepsOneWatcher(t *testing.T) {
	f := newMemoryFixture(t, 2)

	for i := 0; i < 3; i++ {
		_, err := f.registry.Subscribe(context.Background(), "c1", "orders", nil)
		require.NoError(t, err)
		assert.Equal(t, 1, f.store.WatcherCount("orders"))
	}
	_, err := f.registry.BufferedSubscribe(context.Background(), "c1", "orders", 1, time.Second, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, f.store.WatcherCount("orders"))

	infos := f.registry.Subscriptions(SubscriptionFilter{})
	require.Len(t, infos, 1)
	assert.Equal(t, ModeBuffered, infos[0].Mode)

	insertSeq(t, f.store, "orders", 0, 2)
	msgs := f.sink.waitEvents(t, EventBufferedUpdateDocuments, 2)
	assert.Empty(t, f.sink.byEvent(EventUpdateDocuments))
	assert.Equal(t, 0, seqOf(msgs[0].(BufferedUpdateDocuments).Changes[0]))
	assert.Equal(t, 1, seqOf(msgs[1].(BufferedUpdateDocuments).Changes[0]))

	assert.Equal(t, []notify.Kind{
		notify.KindSubscriptionOpened,
		notify.KindSubscriptionClosed, notify.KindSubscriptionOpened,
		notify.KindSubscriptionClosed, notify.KindSubscriptionOpened,
		notify.KindSubscriptionClosed, notify.KindSubscriptionOpened,
	}, f.notifier.kinds())
}

func TestRegistry_SubscriptionsPerCollection(t *testing.T) {
	f := newMemoryFixture(t, 0)

	_, err := f.registry.Subscribe(context.Background(), "c1", "orders", nil)
	require.NoError(t, err)
	_, err = f.registry.Subscribe(context.Background(), "c1", "users", nil)
	require.NoError(t, err)

	insertSeq(t, f.store, "users", 0, 1)
	msgs := f.sink.waitEvents(t, EventUpdateDocuments, 1)
	assert.Equal(t, "users", msgs[0].(UpdateDocuments).CollectionName)

	assert.Len(t, f.registry.Subscriptions(SubscriptionFilter{}), 2)
	assert.Len(t, f.registry.Subscriptions(SubscriptionFilter{Collection: "users"}), 1)
	assert.Empty(t, f.registry.Subscriptions(SubscriptionFilter{ConnectionID: "other"}))
	assert.Len(t, f.registry.Subscriptions(SubscriptionFilter{Mode: ModeImmediate}), 2)
	assert.Empty(t, f.registry.Subscriptions(SubscriptionFilter{Mode: ModeBuffered}))
}

func TestRegistry_SubscribeMissingCollection(t *testing.T) {
	f := newMemoryFixture(t, 1)

	docs, err := f.registry.Subscribe(context.Background(), "c1", "ghost", nil)
	assert.Nil(t, docs)
	assert.ErrorIs(t, err, ErrCollectionNotFound)

	msgs := f.sink.byEvent(EventSubscribeError)
	require.Len(t, msgs, 1)
	assert.Equal(t, SubscribeError{
		CollectionName: "ghost",
		Message:        "Collection name ghost does not exist in test",
	}, msgs[0])
	assert.Empty(t, f.sink.byEvent(EventInitialDocuments))
	assert.Equal(t, 0, f.store.WatcherCount("ghost"))
	assert.Empty(t, f.registry.Subscriptions(SubscriptionFilter{}))
}

func TestRegistry_BufferedInvalidParameters(t *testing.T) {
	tests := []struct {
		name        string
		changeLimit int
		emitDelay   time.Duration
	}{
		{"zero change limit", 0, time.Second},
		{"negative change limit", -3, time.Second},
		{"negative delay", 2, -time.Millisecond},
		{"above maximum", 101, time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newMemoryFixture(t, 1, WithMaxChangeLimit(100))
			// Validation happens before any store round trip.
			f.store.SetFailure(errors.New("store down"))

			_, err := f.registry.BufferedSubscribe(context.Background(), "c1", "orders", tt.changeLimit, tt.emitDelay, nil)
			assert.ErrorIs(t, err, ErrInvalidSubscriptionParameters)

			msgs := f.sink.byEvent(EventSubscribeError)
			require.Len(t, msgs, 1)
			assert.Contains(t, msgs[0].(SubscribeError).Message, "invalid subscription parameters")
			assert.Empty(t, f.registry.Subscriptions(SubscriptionFilter{}))
		})
	}
}

func TestRegistry_SubscribeStoreUnavailable(t *testing.T) {
	f := newMemoryFixture(t, 1)
	f.store.SetFailure(errors.New("connection refused"))

	_, err := f.registry.Subscribe(context.Background(), "c1", "orders", nil)
	assert.ErrorIs(t, err, ErrStoreUnavailable)

	msgs := f.sink.byEvent(EventSubscribeError)
	require.Len(t, msgs, 1)
	assert.Equal(t, "Store unavailable", msgs[0].(SubscribeError).Message)
}

func TestRegistry_SubscribeInvalidPipeline(t *testing.T) {
	f := newMemoryFixture(t, 1)

	_, err := f.registry.Subscribe(context.Background(), "c1", "orders", json.RawMessage(`{"bad":true}`))
	assert.ErrorIs(t, err, store.ErrInvalidPipeline)
	assert.Equal(t, "Invalid pipeline", f.sink.byEvent(EventSubscribeError)[0].(SubscribeError).Message)
	assert.Equal(t, 0, f.store.WatcherCount("orders"))
}

func TestRegistry_SnapshotFailureClosesWatcher(t *testing.T) {
	mem := newOrdersStore(t, 1)
	hooks := &hookStore{Store: mem, aggregate: func(context.Context) error {
		return errors.New("cursor lost")
	}}
	f := newRegistryFixture(t, hooks, mem)

	_, err := f.registry.Subscribe(context.Background(), "c1", "orders", nil)
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.Equal(t, 0, mem.WatcherCount("orders"))
	assert.Len(t, f.sink.byEvent(EventSubscribeError), 1)
	assert.Empty(t, f.registry.Subscriptions(SubscriptionFilter{}))
}

func TestRegistry_UnknownConnection(t *testing.T) {
	f := newMemoryFixture(t, 1)

	_, err := f.registry.Subscribe(context.Background(), "nobody", "orders", nil)
	assert.ErrorIs(t, err, ErrUnknownConnection)
	_, err = f.registry.Unsubscribe("nobody", "orders")
	assert.ErrorIs(t, err, ErrUnknownConnection)
	assert.Equal(t, 0, f.store.WatcherCount("orders"))
}

func TestRegistry_AttachTwice(t *testing.T) {
	f := newMemoryFixture(t, 0)
	assert.Error(t, f.registry.Attach("c1", &recordingSink{}))
	assert.Equal(t, 1, f.registry.Connections())
}

func TestRegistry_BufferedCountFlush(t *testing.T) {
	f := newMemoryFixture(t, 0)
	_, err := f.registry.BufferedSubscribe(context.Background(), "c1", "orders", 2, 40*time.Second, nil)
	require.NoError(t, err)

	insertSeq(t, f.store, "orders", 0, 3)

	msgs := f.sink.waitEvents(t, EventBufferedUpdateDocuments, 1)
	batch := msgs[0].(BufferedUpdateDocuments)
	assert.Equal(t, "orders", batch.CollectionName)
	require.Len(t, batch.Changes, 2)
	assert.Equal(t, 0, seqOf(batch.Changes[0]))
	assert.Equal(t, 1, seqOf(batch.Changes[1]))

	// The third insert waits for a fourth event or the timer.
	f.waitPending(t, "orders", 1)
	assert.Len(t, f.sink.byEvent(EventBufferedUpdateDocuments), 1)

	require.NoError(t, f.clock.WaitAdvance(40*time.Second, waitTimeout, 1))
	msgs = f.sink.waitEvents(t, EventBufferedUpdateDocuments, 2)
	batch = msgs[1].(BufferedUpdateDocuments)
	require.Len(t, batch.Changes, 1)
	assert.Equal(t, 2, seqOf(batch.Changes[0]))
	f.waitPending(t, "orders", 0)
}

func TestRegistry_BufferedDebounce(t *testing.T) {
	f := newMemoryFixture(t, 0)
	_, err := f.registry.BufferedSubscribe(context.Background(), "c1", "orders", 10, 10*time.Second, nil)
	require.NoError(t, err)

	insertSeq(t, f.store, "orders", 0, 1)
	f.waitPending(t, "orders", 1)
	require.NoError(t, f.clock.WaitAdvance(5*time.Second, waitTimeout, 1))

	insertSeq(t, f.store, "orders", 1, 2)
	f.waitPending(t, "orders", 2)

	// The first timer was replaced, so nothing is due 10s after the first event.
	require.NoError(t, f.clock.WaitAdvance(5*time.Second, waitTimeout, 1))
	assert.Never(t, func() bool {
		return len(f.sink.byEvent(EventBufferedUpdateDocuments)) > 0
	}, 50*time.Millisecond, 5*time.Millisecond)

	require.NoError(t, f.clock.WaitAdvance(5*time.Second, waitTimeout, 1))
	msgs := f.sink.waitEvents(t, EventBufferedUpdateDocuments, 1)
	assert.Len(t, msgs[0].(BufferedUpdateDocuments).Changes, 2)
}

func TestRegistry_BufferedOrderAndBatchLimit(t *testing.T) {
	f := newMemoryFixture(t, 0)
	_, err := f.registry.BufferedSubscribe(context.Background(), "c1", "orders", 3, time.Minute, nil)
	require.NoError(t, err)

	insertSeq(t, f.store, "orders", 0, 7)
	f.sink.waitEvents(t, EventBufferedUpdateDocuments, 2)
	f.waitPending(t, "orders", 1)

	require.NoError(t, f.clock.WaitAdvance(time.Minute, waitTimeout, 1))
	msgs := f.sink.waitEvents(t, EventBufferedUpdateDocuments, 3)

	var seqs []int
	for i, m := range msgs {
		changes := m.(BufferedUpdateDocuments).Changes
		assert.LessOrEqual(t, len(changes), 3)
		if i < 2 {
			assert.Len(t, changes, 3)
		}
		for _, c := range changes {
			seqs = append(seqs, seqOf(c))
		}
	}
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6}, seqs)
}

func TestRegistry_BufferedZeroDelay(t *testing.T) {
	s := newOrdersStore(t, 0)
	sink := &recordingSink{}
	reg := NewRegistry(NewResolver(s, "test", nil), WithClock(clock.WallClock))
	require.NoError(t, reg.Attach("c1", sink))
	defer reg.Disconnect("c1")

	_, err := reg.BufferedSubscribe(context.Background(), "c1", "orders", 100, 0, nil)
	require.NoError(t, err)

	insertSeq(t, s, "orders", 0, 1)
	msgs := sink.waitEvents(t, EventBufferedUpdateDocuments, 1)
	assert.Len(t, msgs[0].(BufferedUpdateDocuments).Changes, 1)
}

func TestRegistry_DisconnectDiscardsBuffer(t *testing.T) {
	f := newMemoryFixture(t, 0)
	_, err := f.registry.BufferedSubscribe(context.Background(), "c1", "orders", 5, 40*time.Second, nil)
	require.NoError(t, err)

	insertSeq(t, f.store, "orders", 0, 1)
	f.waitPending(t, "orders", 1)

	f.registry.Disconnect("c1")
	assert.Equal(t, 0, f.store.WatcherCount("orders"))
	assert.Equal(t, 0, f.registry.Connections())
	assert.Empty(t, f.registry.Subscriptions(SubscriptionFilter{}))

	f.clock.Advance(time.Minute)
	insertSeq(t, f.store, "orders", 1, 2)
	assert.Never(t, func() bool {
		return len(f.sink.byEvent(EventBufferedUpdateDocuments)) > 0
	}, 50*time.Millisecond, 5*time.Millisecond)
	assert.Len(t, f.sink.messages(), 1)
}

func TestRegistry_DisconnectIdempotent(t *testing.T) {
	f := newMemoryFixture(t, 0)
	_, err := f.registry.Subscribe(context.Background(), "c1", "orders", nil)
	require.NoError(t, err)
	_, err = f.registry.BufferedSubscribe(context.Background(), "c1", "users", 2, time.Second, nil)
	require.NoError(t, err)

	f.registry.Disconnect("c1")
	kinds := f.notifier.kinds()
	f.registry.Disconnect("c1")
	f.registry.Disconnect("never-attached")

	assert.Equal(t, kinds, f.notifier.kinds())
	assert.Equal(t, 0, f.store.WatcherCount("orders"))
	assert.Equal(t, 0, f.store.WatcherCount("users"))
	assert.Equal(t, 0, f.registry.Connections())
	assert.Equal(t, notify.KindConnectionClosed, kinds[len(kinds)-1])

	_, err = f.registry.Subscribe(context.Background(), "c1", "orders", nil)
	assert.ErrorIs(t, err, ErrUnknownConnection)
}

func TestRegistry_Unsubscribe(t *testing.T) {
	f := newMemoryFixture(t, 0)
	_, err := f.registry.Subscribe(context.Background(), "c1", "orders", nil)
	require.NoError(t, err)

	ok, err := f.registry.Unsubscribe("c1", "orders")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 0, f.store.WatcherCount("orders"))
	assert.Equal(t, []Message{Unsubscribed{CollectionName: "orders"}}, f.sink.byEvent(EventUnsubscribed))

	ok, err = f.registry.Unsubscribe("c1", "orders")
	require.NoError(t, err)
	assert.False(t, ok)

	insertSeq(t, f.store, "orders", 0, 1)
	assert.Never(t, func() bool {
		return len(f.sink.byEvent(EventUpdateDocuments)) > 0
	}, 50*time.Millisecond, 5*time.Millisecond)
	assert.Equal(t, 1, f.registry.Connections())
}

func TestRegistry_WatcherFailure(t *testing.T) {
	f := newMemoryFixture(t, 0)
	_, err := f.registry.Subscribe(context.Background(), "c1", "orders", nil)
	require.NoError(t, err)

	f.store.Interrupt("orders", errors.New("cursor killed"))

	msgs := f.sink.waitEvents(t, EventSubscribeError, 1)
	assert.Equal(t, SubscribeError{CollectionName: "orders", Message: "Change feed failed"}, msgs[0])
	require.Eventually(t, func() bool {
		return len(f.registry.Subscriptions(SubscriptionFilter{})) == 0
	}, waitTimeout, 5*time.Millisecond)
	assert.Equal(t, 1, f.registry.Connections())
}

func TestRegistry_WatcherFailureFlushesBuffer(t *testing.T) {
	f := newMemoryFixture(t, 0)
	_, err := f.registry.BufferedSubscribe(context.Background(), "c1", "orders", 5, time.Minute, nil)
	require.NoError(t, err)

	insertSeq(t, f.store, "orders", 0, 1)
	f.waitPending(t, "orders", 1)
	f.store.Interrupt("orders", errors.New("cursor killed"))

	f.sink.waitEvents(t, EventSubscribeError, 1)
	msgs := f.sink.messages()
	require.Len(t, msgs, 3)
	assert.Equal(t, EventInitialDocuments, msgs[0].EventName())
	assert.Equal(t, EventBufferedUpdateDocuments, msgs[1].EventName())
	assert.Equal(t, EventSubscribeError, msgs[2].EventName())

	// The expired timer must not flush again.
	f.clock.Advance(time.Minute)
	assert.Never(t, func() bool {
		return len(f.sink.messages()) > 3
	}, 50*time.Millisecond, 5*time.Millisecond)
}

func TestRegistry_ResubscribeAfterDisconnectWithNewConnection(t *testing.T) {
	f := newMemoryFixture(t, 1)
	_, err := f.registry.Subscribe(context.Background(), "c1", "orders", nil)
	require.NoError(t, err)
	f.registry.Disconnect("c1")

	sink := &recordingSink{}
	require.NoError(t, f.registry.Attach("c2", sink))
	_, err = f.registry.Subscribe(context.Background(), "c2", "orders", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, f.store.WatcherCount("orders"))

	insertSeq(t, f.store, "orders", 1, 2)
	sink.waitEvents(t, EventUpdateDocuments, 1)
	assert.Empty(t, f.sink.byEvent(EventUpdateDocuments))
}
