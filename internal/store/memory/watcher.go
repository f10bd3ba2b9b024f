package memory

import (
	"errors"
	"sync"

	"github.com/syntrixbase/feedrelay/internal/store"
)

const watcherBufferSize = 1024

var errWatcherOverflow = errors.New("change feed consumer too slow")

type matchAll []*matcher

func (m matchAll) Match(doc map[string]interface{}) bool {
	for _, mm := range m {
		if !mm.Match(doc) {
			return false
		}
	}
	return true
}

// watcher is fed by Store.publish. Every channel operation happens under the
// owning store's mutex, so a send can never race the close.
type watcher struct {
	store      *Store
	collection string
	match      matchAll
	events     chan store.ChangeEvent

	mu   sync.Mutex
	done bool
	err  error
}

func newWatcher(s *Store, collection string, matchers []*matcher) *watcher {
	return &watcher{
		store:      s,
		collection: collection,
		match:      matchAll(matchers),
		events:     make(chan store.ChangeEvent, watcherBufferSize),
	}
}

func (w *watcher) Events() <-chan store.ChangeEvent {
	return w.events
}

func (w *watcher) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

func (w *watcher) Close() error {
	w.store.removeWatcher(w.collection, w)
	return nil
}

// offer queues evt without blocking and reports whether there was room.
func (w *watcher) offer(evt store.ChangeEvent) bool {
	select {
	case w.events <- evt:
		return true
	default:
		return false
	}
}

func (w *watcher) finish(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done {
		return
	}
	w.done = true
	w.err = err
	close(w.events)
}
