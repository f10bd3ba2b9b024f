package mongo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/syntrixbase/feedrelay/internal/store"
	"go.mongodb.org/mongo-driver/bson"
)

var errStreamEnded = errors.New("change stream ended")

type changeDoc struct {
	ID                bson.M `bson:"_id"`
	OperationType     string `bson:"operationType"`
	FullDocument      bson.M `bson:"fullDocument"`
	DocumentKey       bson.M `bson:"documentKey"`
	UpdateDescription *struct {
		UpdatedFields bson.M   `bson:"updatedFields"`
		RemovedFields []string `bson:"removedFields"`
	} `bson:"updateDescription"`
}

// changeCursor is the part of *mongo.ChangeStream the watcher reads from.
type changeCursor interface {
	Next(ctx context.Context) bool
	Decode(val interface{}) error
	Err() error
	Close(ctx context.Context) error
}

type watcher struct {
	events chan store.ChangeEvent
	cancel context.CancelFunc
	logger *slog.Logger

	mu  sync.Mutex
	err error
}

func (w *watcher) Events() <-chan store.ChangeEvent {
	return w.events
}

func (w *watcher) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

// Close cancels the cursor. It does not wait for the reader goroutine, which
// may still be parked on a blocked send; the events channel is closed once it exits.
func (w *watcher) Close() error {
	w.cancel()
	return nil
}

func (w *watcher) setErr(err error) {
	w.mu.Lock()
	w.err = err
	w.mu.Unlock()
}

// run pumps decoded events until the cursor ends. A change that cannot be
// decoded ends the watch with an error rather than leaving a gap in the feed.
func (w *watcher) run(ctx context.Context, stream changeCursor, collection string) {
	defer close(w.events)
	defer stream.Close(context.Background())

	for stream.Next(ctx) {
		var raw changeDoc
		if err := stream.Decode(&raw); err != nil {
			w.logger.Warn("Failed to decode change event", "collection", collection, "error", err)
			w.setErr(fmt.Errorf("decode change event: %w", err))
			return
		}

		evt, ok := convertChange(raw, collection)
		if !ok {
			continue
		}

		select {
		case w.events <- evt:
		case <-ctx.Done():
			return
		}
	}

	if ctx.Err() != nil {
		return
	}
	if err := stream.Err(); err != nil {
		w.setErr(err)
		return
	}
	w.setErr(errStreamEnded)
}

// convertChange maps a raw change stream document to a store.ChangeEvent.
// A replace is reported as an update carrying the whole replacement document.
func convertChange(raw changeDoc, collection string) (store.ChangeEvent, bool) {
	evt := store.ChangeEvent{
		Collection:  collection,
		DocumentKey: store.Document(raw.DocumentKey),
	}
	if raw.ID != nil {
		evt.ResumeToken = raw.ID
	}

	switch raw.OperationType {
	case "insert":
		evt.Operation = store.OperationInsert
		evt.FullDocument = store.Document(raw.FullDocument)
	case "update":
		evt.Operation = store.OperationUpdate
		desc := &store.UpdateDescription{UpdatedFields: store.Document{}, RemovedFields: []string{}}
		if raw.UpdateDescription != nil {
			if raw.UpdateDescription.UpdatedFields != nil {
				desc.UpdatedFields = store.Document(raw.UpdateDescription.UpdatedFields)
			}
			if raw.UpdateDescription.RemovedFields != nil {
				desc.RemovedFields = raw.UpdateDescription.RemovedFields
			}
		}
		evt.UpdateDescription = desc
	case "replace":
		evt.Operation = store.OperationUpdate
		fields := store.Document{}
		for k, v := range raw.FullDocument {
			if k == "_id" {
				continue
			}
			fields[k] = v
		}
		evt.UpdateDescription = &store.UpdateDescription{UpdatedFields: fields, RemovedFields: []string{}}
	case "delete":
		evt.Operation = store.OperationDelete
	default:
		// drop, rename, invalidate and DDL events end or do not affect the document view.
		return store.ChangeEvent{}, false
	}
	return evt, true
}
