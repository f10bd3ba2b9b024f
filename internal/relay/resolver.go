package relay

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/syntrixbase/feedrelay/internal/metrics"
	"github.com/syntrixbase/feedrelay/internal/store"
	"golang.org/x/sync/singleflight"
)

// listTimeout bounds a shared collection listing. The listing outlives the
// caller that started it, so it cannot borrow that caller's deadline.
const listTimeout = 10 * time.Second

// Resolver maps collection names to store handles. Handles are cached for
// the life of the process; missing names are never cached.
type Resolver struct {
	store    store.Store
	database string
	logger   *slog.Logger

	mu    sync.RWMutex
	cache map[string]store.Collection
	group singleflight.Group
}

// NewResolver creates a resolver over st. database is only used in
// not-found messages.
func NewResolver(st store.Store, database string, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		store:    st,
		database: database,
		logger:   logger.With("component", "relay.resolver"),
		cache:    make(map[string]store.Collection),
	}
}

// Resolve returns the handle for name, listing the store's collections on a
// cache miss. Concurrent misses for the same name share one listing, which
// runs detached from any single caller; each caller still gives up when its
// own ctx is done.
func (r *Resolver) Resolve(ctx context.Context, name string) (store.Collection, error) {
	if coll, ok := r.cached(name); ok {
		return coll, nil
	}
	if name == "" {
		return nil, &collectionNotFoundError{collection: name, database: r.database}
	}

	ch := r.group.DoChan(name, func() (interface{}, error) {
		if coll, ok := r.cached(name); ok {
			return coll, nil
		}

		metrics.CollectionCacheMisses.Inc()
		listCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), listTimeout)
		defer cancel()
		names, err := r.store.ListCollections(listCtx)
		if err != nil {
			return nil, wrapStoreError("list collections", err)
		}
		if !slices.Contains(names, name) {
			return nil, &collectionNotFoundError{collection: name, database: r.database}
		}

		r.mu.Lock()
		defer r.mu.Unlock()
		coll, ok := r.cache[name]
		if !ok {
			coll = r.store.Collection(name)
			r.cache[name] = coll
			r.logger.Debug("Cached collection handle", "collection", name)
		}
		return coll, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(store.Collection), nil
	case <-ctx.Done():
		return nil, wrapStoreError("list collections", ctx.Err())
	}
}

func (r *Resolver) cached(name string) (store.Collection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	coll, ok := r.cache[name]
	return coll, ok
}
