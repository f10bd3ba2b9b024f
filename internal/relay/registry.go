package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/syntrixbase/feedrelay/internal/metrics"
	"github.com/syntrixbase/feedrelay/internal/notify"
	"github.com/syntrixbase/feedrelay/internal/store"
)

// Mode is the delivery mode of a subscription.
type Mode string

const (
	ModeImmediate Mode = "immediate"
	ModeBuffered  Mode = "buffered"
)

// Reasons reported when a subscription closes.
const (
	reasonReplaced     = "replaced"
	reasonUnsubscribed = "unsubscribed"
	reasonDisconnected = "disconnected"
	reasonFeedEnded    = "feed_ended"
)

// Registry owns every connection's subscriptions. Each subscription holds one
// change feed whose events are forwarded to the connection sink, directly or
// through a buffer.
//
// All state of a connection and every delivery to its sink is serialized by
// the connection's lock. Store round trips happen outside it.
type Registry struct {
	resolver       *Resolver
	clock          clock.Clock
	logger         *slog.Logger
	notifier       notify.Notifier
	maxChangeLimit int

	mu    sync.RWMutex
	conns map[string]*connection

	pumps sync.WaitGroup
}

type connection struct {
	id       string
	sink     Sink
	attached time.Time

	mu     sync.Mutex
	subs   map[string]*subscription
	closed bool
}

type subscription struct {
	conn        *connection
	collection  string
	pipeline    json.RawMessage
	mode        Mode
	changeLimit int
	emitDelay   time.Duration
	created     time.Time

	watcher store.Watcher
	buffer  *buffer
	closed  bool
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock sets the clock used for buffer timers.
func WithClock(clk clock.Clock) Option {
	return func(r *Registry) {
		r.clock = clk
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		r.logger = logger
	}
}

// WithNotifier publishes subscription lifecycle events.
func WithNotifier(n notify.Notifier) Option {
	return func(r *Registry) {
		r.notifier = n
	}
}

// WithMaxChangeLimit rejects buffered subscriptions whose changeLimit exceeds
// limit. Zero disables the check.
func WithMaxChangeLimit(limit int) Option {
	return func(r *Registry) {
		r.maxChangeLimit = limit
	}
}

// NewRegistry creates a registry resolving collections through resolver.
func NewRegistry(resolver *Resolver, opts ...Option) *Registry {
	r := &Registry{
		resolver: resolver,
		clock:    clock.WallClock,
		logger:   slog.Default(),
		conns:    make(map[string]*connection),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "relay.registry")
	return r
}

// Attach registers a connection and the sink its messages go to.
func (r *Registry) Attach(connID string, sink Sink) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[connID]; ok {
		return fmt.Errorf("connection %s is already attached", connID)
	}
	r.conns[connID] = &connection{
		id:       connID,
		sink:     sink,
		attached: r.clock.Now(),
		subs:     make(map[string]*subscription),
	}
	metrics.ActiveConnections.Inc()
	r.logger.Debug("Connection attached", "connection", connID)
	return nil
}

// Subscribe opens an immediate subscription: the snapshot is sent as
// initialDocuments and every later change as its own updateDocuments.
// The snapshot is also returned. Failures are reported to the connection as
// subscribeError and returned.
func (r *Registry) Subscribe(ctx context.Context, connID, collectionName string, pipeline json.RawMessage) ([]store.Document, error) {
	return r.subscribe(ctx, connID, &subscription{
		collection: collectionName,
		pipeline:   pipeline,
		mode:       ModeImmediate,
	})
}

// BufferedSubscribe is Subscribe with changes batched into
// bufferedUpdateDocuments. A batch is emitted when changeLimit events are
// queued, or when emitDelay passes without a new event.
func (r *Registry) BufferedSubscribe(ctx context.Context, connID, collectionName string, changeLimit int, emitDelay time.Duration, pipeline json.RawMessage) ([]store.Document, error) {
	return r.subscribe(ctx, connID, &subscription{
		collection:  collectionName,
		pipeline:    pipeline,
		mode:        ModeBuffered,
		changeLimit: changeLimit,
		emitDelay:   emitDelay,
	})
}

func (r *Registry) validate(sub *subscription) error {
	if sub.mode != ModeBuffered {
		return nil
	}
	if sub.changeLimit < 1 {
		return fmt.Errorf("%w: changeLimit must be at least 1", ErrInvalidSubscriptionParameters)
	}
	if r.maxChangeLimit > 0 && sub.changeLimit > r.maxChangeLimit {
		return fmt.Errorf("%w: changeLimit must not exceed %d", ErrInvalidSubscriptionParameters, r.maxChangeLimit)
	}
	if sub.emitDelay < 0 {
		return fmt.Errorf("%w: emitDelay must not be negative", ErrInvalidSubscriptionParameters)
	}
	return nil
}

func (r *Registry) subscribe(ctx context.Context, connID string, sub *subscription) ([]store.Document, error) {
	conn, err := r.connection(connID)
	if err != nil {
		return nil, err
	}
	sub.conn = conn
	logger := r.logger.With("connection", connID, "collection", sub.collection, "mode", sub.mode)

	if err := r.validate(sub); err != nil {
		return nil, r.reject(conn, sub.collection, err)
	}

	coll, err := r.resolver.Resolve(ctx, sub.collection)
	if err != nil {
		logger.Warn("Failed to resolve collection", "error", err)
		return nil, r.reject(conn, sub.collection, err)
	}

	// The feed is opened before the snapshot so no change is lost in between.
	// A change may show up in both.
	w, err := coll.Watch(ctx, sub.pipeline)
	if err != nil {
		logger.Warn("Failed to open change feed", "error", err)
		return nil, r.reject(conn, sub.collection, wrapStoreError("watch", err))
	}

	docs, err := coll.Aggregate(ctx, sub.pipeline)
	if err != nil {
		r.closeWatcher(w, logger)
		logger.Warn("Failed to load snapshot", "error", err)
		return nil, r.reject(conn, sub.collection, wrapStoreError("aggregate", err))
	}
	docs = nonNilDocuments(docs)

	sub.watcher = w
	sub.created = r.clock.Now()

	conn.mu.Lock()
	if conn.closed {
		conn.mu.Unlock()
		r.closeWatcher(w, logger)
		return nil, fmt.Errorf("%w: %s", ErrUnknownConnection, connID)
	}
	if old, ok := conn.subs[sub.collection]; ok {
		r.release(old, reasonReplaced)
	}
	if sub.mode == ModeBuffered {
		sub.buffer = newBuffer(sub.changeLimit, sub.emitDelay, r.clock, func(gen uint64) {
			r.expire(sub, gen)
		})
	}
	conn.subs[sub.collection] = sub
	metrics.ActiveSubscriptions.WithLabelValues(string(sub.mode)).Inc()

	if err := conn.sink.Send(InitialDocuments{CollectionName: sub.collection, Data: docs}); err != nil {
		logger.Warn("Failed to send initial documents", "error", err)
	}
	r.notify(notify.Event{
		Kind:         notify.KindSubscriptionOpened,
		ConnectionID: connID,
		Collection:   sub.collection,
		Mode:         string(sub.mode),
	})

	r.pumps.Add(1)
	go r.pump(sub)
	conn.mu.Unlock()

	logger.Info("Subscribed", "documents", len(docs))
	return docs, nil
}

// reject reports err to the connection as subscribeError and returns it.
func (r *Registry) reject(conn *connection, collectionName string, err error) error {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	if !conn.closed {
		if sendErr := conn.sink.Send(SubscribeError{
			CollectionName: collectionName,
			Message:        PublicMessage(err),
		}); sendErr != nil {
			r.logger.Warn("Failed to send subscribe error", "connection", conn.id, "error", sendErr)
		}
	}
	return err
}

// pump forwards the watcher's events until its channel closes.
func (r *Registry) pump(sub *subscription) {
	defer r.pumps.Done()
	for evt := range sub.watcher.Events() {
		r.deliver(sub, evt)
	}
	r.feedEnded(sub)
}

func (r *Registry) deliver(sub *subscription, evt store.ChangeEvent) {
	conn := sub.conn
	conn.mu.Lock()
	defer conn.mu.Unlock()
	if sub.closed {
		return
	}

	if sub.mode == ModeImmediate {
		r.send(sub, UpdateDocuments{CollectionName: sub.collection, Change: evt})
		metrics.ChangesDelivered.WithLabelValues(string(ModeImmediate)).Inc()
		return
	}
	if batch := sub.buffer.push(evt); batch != nil {
		r.flush(sub, batch, "count")
	}
}

// expire handles a buffer timer. It runs on the clock's goroutine.
func (r *Registry) expire(sub *subscription, gen uint64) {
	conn := sub.conn
	conn.mu.Lock()
	defer conn.mu.Unlock()
	if sub.closed {
		return
	}
	if batch := sub.buffer.expire(gen); batch != nil {
		r.flush(sub, batch, "timer")
	}
}

// flush emits one batch. Caller holds the connection lock.
func (r *Registry) flush(sub *subscription, batch []store.ChangeEvent, trigger string) {
	r.send(sub, BufferedUpdateDocuments{CollectionName: sub.collection, Changes: batch})
	metrics.BufferFlushes.WithLabelValues(trigger).Inc()
	metrics.BatchSize.Observe(float64(len(batch)))
	metrics.ChangesDelivered.WithLabelValues(string(ModeBuffered)).Add(float64(len(batch)))
}

func (r *Registry) send(sub *subscription, msg Message) {
	if err := sub.conn.sink.Send(msg); err != nil {
		r.logger.Warn("Failed to deliver message",
			"connection", sub.conn.id,
			"collection", sub.collection,
			"event", msg.EventName(),
			"error", err)
	}
}

// feedEnded tears the subscription down when its feed stops on its own.
// Queued buffered changes are still delivered before the error.
func (r *Registry) feedEnded(sub *subscription) {
	conn := sub.conn
	conn.mu.Lock()
	defer conn.mu.Unlock()
	if sub.closed {
		return
	}

	cause := sub.watcher.Err()
	r.logger.Warn("Change feed ended",
		"connection", conn.id,
		"collection", sub.collection,
		"error", cause)
	metrics.WatcherFailures.Inc()

	if sub.buffer != nil {
		if batch := sub.buffer.take(); batch != nil {
			r.flush(sub, batch, "feed_end")
		}
	}
	r.send(sub, SubscribeError{
		CollectionName: sub.collection,
		Message:        PublicMessage(fmt.Errorf("%w: %v", ErrWatcherFailure, cause)),
	})
	r.release(sub, reasonFeedEnded)
}

// release closes the subscription's feed and drops its buffer without
// emitting. Caller holds the connection lock.
func (r *Registry) release(sub *subscription, reason string) {
	if sub.closed {
		return
	}
	sub.closed = true
	if sub.buffer != nil {
		sub.buffer.discard()
	}
	r.closeWatcher(sub.watcher, r.logger.With("connection", sub.conn.id, "collection", sub.collection))
	if cur, ok := sub.conn.subs[sub.collection]; ok && cur == sub {
		delete(sub.conn.subs, sub.collection)
	}
	metrics.ActiveSubscriptions.WithLabelValues(string(sub.mode)).Dec()
	r.notify(notify.Event{
		Kind:         notify.KindSubscriptionClosed,
		ConnectionID: sub.conn.id,
		Collection:   sub.collection,
		Mode:         string(sub.mode),
		Reason:       reason,
	})
}

func (r *Registry) closeWatcher(w store.Watcher, logger *slog.Logger) {
	if err := w.Close(); err != nil {
		logger.Warn("Failed to close change feed", "error", err)
	}
}

// Unsubscribe releases one subscription and acknowledges it with
// unsubscribed. It reports whether a subscription existed.
func (r *Registry) Unsubscribe(connID, collectionName string) (bool, error) {
	conn, err := r.connection(connID)
	if err != nil {
		return false, err
	}

	conn.mu.Lock()
	defer conn.mu.Unlock()
	sub, ok := conn.subs[collectionName]
	if !ok {
		return false, nil
	}
	r.release(sub, reasonUnsubscribed)
	if err := conn.sink.Send(Unsubscribed{CollectionName: collectionName}); err != nil {
		r.logger.Warn("Failed to acknowledge unsubscribe", "connection", connID, "error", err)
	}
	r.logger.Info("Unsubscribed", "connection", connID, "collection", collectionName)
	return true, nil
}

// Disconnect releases every subscription of the connection and forgets it.
// Nothing is sent to the connection once Disconnect returns. Calling it
// again, or for an unknown connection, does nothing.
func (r *Registry) Disconnect(connID string) {
	r.mu.Lock()
	conn, ok := r.conns[connID]
	delete(r.conns, connID)
	r.mu.Unlock()
	if !ok {
		return
	}

	conn.mu.Lock()
	conn.closed = true
	count := len(conn.subs)
	for _, sub := range conn.subs {
		r.release(sub, reasonDisconnected)
	}
	conn.mu.Unlock()

	metrics.ActiveConnections.Dec()
	r.notify(notify.Event{
		Kind:          notify.KindConnectionClosed,
		ConnectionID:  connID,
		Subscriptions: count,
	})
	r.logger.Info("Cleaned up resources for connection", "connection", connID, "subscriptions", count)
}

// Shutdown disconnects every connection and waits for the feed pumps to stop.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.RLock()
	ids := make([]string, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	for _, id := range ids {
		r.Disconnect(id)
	}

	done := make(chan struct{})
	go func() {
		r.pumps.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SubscriptionFilter narrows Subscriptions. Empty fields match everything.
type SubscriptionFilter struct {
	ConnectionID string `schema:"connection"`
	Collection   string `schema:"collection"`
	Mode         Mode   `schema:"mode"`
}

// SubscriptionInfo describes one live subscription.
type SubscriptionInfo struct {
	ConnectionID   string        `json:"connectionId"`
	CollectionName string        `json:"collectionName"`
	Mode           Mode          `json:"mode"`
	ChangeLimit    int           `json:"changeLimit,omitempty"`
	EmitDelay      time.Duration `json:"emitDelay,omitempty"`
	Pending        int           `json:"pending"`
	Created        time.Time     `json:"created"`
}

// Subscriptions lists live subscriptions ordered by connection and collection.
func (r *Registry) Subscriptions(filter SubscriptionFilter) []SubscriptionInfo {
	r.mu.RLock()
	conns := make([]*connection, 0, len(r.conns))
	for id, conn := range r.conns {
		if filter.ConnectionID != "" && filter.ConnectionID != id {
			continue
		}
		conns = append(conns, conn)
	}
	r.mu.RUnlock()

	infos := []SubscriptionInfo{}
	for _, conn := range conns {
		conn.mu.Lock()
		for name, sub := range conn.subs {
			if filter.Collection != "" && filter.Collection != name {
				continue
			}
			if filter.Mode != "" && filter.Mode != sub.mode {
				continue
			}
			info := SubscriptionInfo{
				ConnectionID:   conn.id,
				CollectionName: name,
				Mode:           sub.mode,
				ChangeLimit:    sub.changeLimit,
				EmitDelay:      sub.emitDelay,
				Created:        sub.created,
			}
			if sub.buffer != nil {
				info.Pending = sub.buffer.len()
			}
			infos = append(infos, info)
		}
		conn.mu.Unlock()
	}

	sort.Slice(infos, func(i, j int) bool {
		if infos[i].ConnectionID != infos[j].ConnectionID {
			return infos[i].ConnectionID < infos[j].ConnectionID
		}
		return infos[i].CollectionName < infos[j].CollectionName
	})
	return infos
}

// Connections returns the number of attached connections.
func (r *Registry) Connections() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

func (r *Registry) connection(connID string) (*connection, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[connID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownConnection, connID)
	}
	return conn, nil
}

func (r *Registry) notify(evt notify.Event) {
	if r.notifier == nil {
		return
	}
	evt.Timestamp = r.clock.Now()
	if err := r.notifier.Notify(context.Background(), evt); err != nil {
		r.logger.Warn("Failed to publish lifecycle event", "kind", evt.Kind, "error", err)
	}
}
