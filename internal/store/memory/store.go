// Package memory is an in-process store.Store. It backs the "memory" store
// backend for local development and drives the relay tests.
//
// Documents are normalized through a JSON round trip, so every number is a
// float64 and nested documents are map[string]interface{}.
package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/syntrixbase/feedrelay/internal/store"
)

var (
	ErrDocumentNotFound = errors.New("document not found")
	ErrDuplicateKey     = errors.New("duplicate key")
)

// Store is an in-memory store.Store.
type Store struct {
	mu          sync.Mutex
	collections map[string][]store.Document
	watchers    map[string]map[*watcher]struct{}
	failure     error
	logger      *slog.Logger
}

var _ store.Store = (*Store)(nil)

// New creates a store holding the given empty collections.
func New(logger *slog.Logger, collections ...string) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		collections: make(map[string][]store.Document),
		watchers:    make(map[string]map[*watcher]struct{}),
		logger:      logger.With("component", "store.memory"),
	}
	for _, name := range collections {
		s.collections[name] = nil
	}
	return s
}

func (s *Store) ListCollections(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failure != nil {
		return nil, s.failure
	}

	names := make([]string, 0, len(s.collections))
	for name := range s.collections {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (s *Store) Collection(name string) store.Collection {
	return &collection{store: s, name: name}
}

// Close fails every open watcher and drops all data.
func (s *Store) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, set := range s.watchers {
		for w := range set {
			w.finish(nil)
		}
	}
	s.watchers = make(map[string]map[*watcher]struct{})
	s.collections = make(map[string][]store.Document)
	return nil
}

// CreateCollection creates an empty collection if it does not exist yet.
func (s *Store) CreateCollection(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.collections[name]; !ok {
		s.collections[name] = nil
	}
}

// SetFailure makes every subsequent store round trip fail with err until it
// is called again with nil.
func (s *Store) SetFailure(err error) {
	s.mu.Lock()
	s.failure = err
	s.mu.Unlock()
}

// Interrupt ends every open change feed on the collection with err.
func (s *Store) Interrupt(name string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for w := range s.watchers[name] {
		w.finish(err)
	}
	delete(s.watchers, name)
}

// WatcherCount reports the number of open change feeds on the collection.
func (s *Store) WatcherCount(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.watchers[name])
}

// Insert adds a document, creating the collection if needed. A missing _id
// is filled with a random UUID. The stored document is returned.
func (s *Store) Insert(name string, doc map[string]interface{}) (store.Document, error) {
	normalized, err := normalize(doc)
	if err != nil {
		return nil, err
	}
	if _, ok := normalized["_id"]; !ok {
		normalized["_id"] = uuid.NewString()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failure != nil {
		return nil, s.failure
	}
	if indexOf(s.collections[name], normalized["_id"]) >= 0 {
		return nil, fmt.Errorf("%w: %v", ErrDuplicateKey, normalized["_id"])
	}
	s.collections[name] = append(s.collections[name], normalized)

	s.publish(name, store.ChangeEvent{
		Operation:    store.OperationInsert,
		Collection:   name,
		DocumentKey:  store.Document{"_id": normalized["_id"]},
		FullDocument: copyDocument(normalized),
	})
	return copyDocument(normalized), nil
}

// Update sets and removes top-level fields of the document with the given _id.
func (s *Store) Update(name string, id interface{}, set map[string]interface{}, unset []string) error {
	fields, err := normalize(set)
	if err != nil {
		return err
	}
	key, err := normalizeValue(id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failure != nil {
		return s.failure
	}
	idx := indexOf(s.collections[name], key)
	if idx < 0 {
		return fmt.Errorf("%w: %v", ErrDocumentNotFound, id)
	}

	doc := copyDocument(s.collections[name][idx])
	for k, v := range fields {
		if k == "_id" {
			continue
		}
		doc[k] = v
	}
	removed := make([]string, 0, len(unset))
	for _, k := range unset {
		if k == "_id" {
			continue
		}
		delete(doc, k)
		removed = append(removed, k)
	}
	delete(fields, "_id")
	s.collections[name][idx] = doc

	s.publish(name, store.ChangeEvent{
		Operation:   store.OperationUpdate,
		Collection:  name,
		DocumentKey: store.Document{"_id": key},
		UpdateDescription: &store.UpdateDescription{
			UpdatedFields: fields,
			RemovedFields: removed,
		},
	})
	return nil
}

// Delete removes the document with the given _id.
func (s *Store) Delete(name string, id interface{}) error {
	key, err := normalizeValue(id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failure != nil {
		return s.failure
	}
	docs := s.collections[name]
	idx := indexOf(docs, key)
	if idx < 0 {
		return fmt.Errorf("%w: %v", ErrDocumentNotFound, id)
	}
	s.collections[name] = append(docs[:idx:idx], docs[idx+1:]...)

	s.publish(name, store.ChangeEvent{
		Operation:   store.OperationDelete,
		Collection:  name,
		DocumentKey: store.Document{"_id": key},
	})
	return nil
}

// publish fans an event out to the collection's watchers. Caller holds s.mu.
func (s *Store) publish(name string, evt store.ChangeEvent) {
	if len(s.watchers[name]) == 0 {
		return
	}
	view, err := eventView(evt)
	if err != nil {
		s.logger.Warn("Failed to build change event view", "collection", name, "error", err)
		return
	}
	for w := range s.watchers[name] {
		if !w.match.Match(view) {
			continue
		}
		if !w.offer(evt) {
			s.logger.Warn("Change feed overflowed, closing watcher", "collection", name)
			delete(s.watchers[name], w)
			w.finish(errWatcherOverflow)
		}
	}
}

func (s *Store) snapshot(ctx context.Context, name string) ([]store.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failure != nil {
		return nil, s.failure
	}
	docs := make([]store.Document, len(s.collections[name]))
	for i, d := range s.collections[name] {
		docs[i] = copyDocument(d)
	}
	return docs, nil
}

func (s *Store) addWatcher(ctx context.Context, name string, w *watcher) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failure != nil {
		return s.failure
	}
	set, ok := s.watchers[name]
	if !ok {
		set = make(map[*watcher]struct{})
		s.watchers[name] = set
	}
	set[w] = struct{}{}
	return nil
}

func (s *Store) removeWatcher(name string, w *watcher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if set, ok := s.watchers[name]; ok {
		delete(set, w)
		if len(set) == 0 {
			delete(s.watchers, name)
		}
	}
	w.finish(nil)
}

type collection struct {
	store *Store
	name  string
}

func (c *collection) Name() string {
	return c.name
}

func (c *collection) Aggregate(ctx context.Context, raw json.RawMessage) ([]store.Document, error) {
	stages, err := parsePipeline(raw)
	if err != nil {
		return nil, err
	}
	docs, err := c.store.snapshot(ctx, c.name)
	if err != nil {
		return nil, err
	}
	return runPipeline(stages, docs), nil
}

// findOptions is the subset of find options the memory store understands.
type findOptions struct {
	Sort       json.RawMessage `json:"sort"`
	Projection json.RawMessage `json:"projection"`
	Skip       int             `json:"skip"`
	Limit      int             `json:"limit"`
}

func (c *collection) Find(ctx context.Context, query json.RawMessage, opts json.RawMessage) ([]store.Document, error) {
	var stages []stage
	if !store.IsEmptyJSON(query) {
		m, err := compileMatch(query)
		if err != nil {
			return nil, err
		}
		stages = append(stages, stage{kind: stageMatch, match: m})
	}

	if !store.IsEmptyJSON(opts) {
		var fo findOptions
		if err := json.Unmarshal(opts, &fo); err != nil {
			return nil, fmt.Errorf("%w: options: %v", store.ErrInvalidPipeline, err)
		}
		if fo.Skip < 0 || fo.Limit < 0 {
			return nil, fmt.Errorf("%w: options: limit and skip must not be negative", store.ErrInvalidPipeline)
		}
		if !store.IsEmptyJSON(fo.Sort) {
			keys, err := parseSort(fo.Sort)
			if err != nil {
				return nil, err
			}
			stages = append(stages, stage{kind: stageSort, sort: keys})
		}
		if fo.Skip > 0 {
			stages = append(stages, stage{kind: stageSkip, n: fo.Skip})
		}
		if fo.Limit > 0 {
			stages = append(stages, stage{kind: stageLimit, n: fo.Limit})
		}
		if !store.IsEmptyJSON(fo.Projection) {
			p, err := parseProjection(fo.Projection)
			if err != nil {
				return nil, err
			}
			stages = append(stages, stage{kind: stageProject, project: p})
		}
	}

	docs, err := c.store.snapshot(ctx, c.name)
	if err != nil {
		return nil, err
	}
	return runPipeline(stages, docs), nil
}

// Watch accepts only $match stages. Match expressions see the change event
// fields (operationType, documentKey, fullDocument, updateDescription).
func (c *collection) Watch(ctx context.Context, raw json.RawMessage) (store.Watcher, error) {
	stages, err := parsePipeline(raw)
	if err != nil {
		return nil, err
	}

	var matchers []*matcher
	for _, st := range stages {
		if st.kind != stageMatch {
			return nil, fmt.Errorf("%w: change feeds only support $match stages", store.ErrInvalidPipeline)
		}
		matchers = append(matchers, st.match)
	}

	w := newWatcher(c.store, c.name, matchers)
	if err := c.store.addWatcher(ctx, c.name, w); err != nil {
		return nil, err
	}
	return w, nil
}

func indexOf(docs []store.Document, id interface{}) int {
	for i, d := range docs {
		if reflect.DeepEqual(d["_id"], id) {
			return i
		}
	}
	return -1
}

func normalize(doc map[string]interface{}) (store.Document, error) {
	out := store.Document{}
	if doc == nil {
		return out, nil
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to encode document: %w", err)
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to decode document: %w", err)
	}
	return out, nil
}

func normalizeValue(v interface{}) (interface{}, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode value: %w", err)
	}
	var out interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to decode value: %w", err)
	}
	return out, nil
}

// copyDocument copies the top level. Nested values are never mutated in
// place, so sharing them is safe.
func copyDocument(doc store.Document) store.Document {
	out := make(store.Document, len(doc))
	for k, v := range doc {
		out[k] = v
	}
	return out
}

// eventView is the map a change feed $match is evaluated against.
func eventView(evt store.ChangeEvent) (map[string]interface{}, error) {
	data, err := json.Marshal(evt)
	if err != nil {
		return nil, err
	}
	var view map[string]interface{}
	if err := json.Unmarshal(data, &view); err != nil {
		return nil, err
	}
	return view, nil
}
