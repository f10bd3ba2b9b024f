// Package store defines the document store contract consumed by the relay:
// collection discovery, one-shot aggregation and find queries, and
// push-based change feeds.
//
// Pipelines, queries and find options are opaque JSON. Each implementation
// decides how to interpret them (the MongoDB store reads relaxed extended
// JSON, the memory store evaluates a small subset of match operators).
package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
)

// ErrInvalidPipeline is returned when a pipeline, query or options value
// cannot be interpreted by the store.
var ErrInvalidPipeline = errors.New("invalid pipeline")

// Document is a single stored document as returned by the store.
type Document map[string]interface{}

// OperationType is the kind of mutation a ChangeEvent describes.
type OperationType string

const (
	OperationInsert OperationType = "insert"
	OperationUpdate OperationType = "update"
	OperationDelete OperationType = "delete"
)

// UpdateDescription carries the partial delta of an update.
type UpdateDescription struct {
	UpdatedFields Document `json:"updatedFields"`
	RemovedFields []string `json:"removedFields"`
}

// ChangeEvent is one store mutation notification. JSON field names follow
// MongoDB change events so that clients written against raw change streams
// keep working.
type ChangeEvent struct {
	ResumeToken       interface{}        `json:"_id,omitempty"`
	Operation         OperationType      `json:"operationType"`
	Collection        string             `json:"collection,omitempty"`
	DocumentKey       Document           `json:"documentKey"`
	FullDocument      Document           `json:"fullDocument,omitempty"`
	UpdateDescription *UpdateDescription `json:"updateDescription,omitempty"`
}

// Store gives access to the collections of one database.
type Store interface {
	// ListCollections returns the names of all existing collections.
	ListCollections(ctx context.Context) ([]string, error)

	// Collection returns a handle for the named collection. It performs no I/O
	// and does not check that the collection exists.
	Collection(name string) Collection

	// Close releases the underlying connection.
	Close(ctx context.Context) error
}

// Collection is a handle for running queries and change feeds on one collection.
type Collection interface {
	Name() string

	// Aggregate runs the pipeline once and returns the resulting documents in
	// the order the store produced them. An empty pipeline returns every document.
	Aggregate(ctx context.Context, pipeline json.RawMessage) ([]Document, error)

	// Watch opens a change feed filtered by pipeline. ctx bounds only the
	// opening of the feed; the returned Watcher runs until Close is called or
	// the store ends the feed.
	Watch(ctx context.Context, pipeline json.RawMessage) (Watcher, error)

	// Find runs a single query with the given options.
	Find(ctx context.Context, query json.RawMessage, opts json.RawMessage) ([]Document, error)
}

// Watcher is a live cursor over a collection change feed.
//
// Events are delivered in store order. The events channel is closed when the
// watcher is closed or the feed ends; Err then reports why the feed ended
// (nil after a Close by the owner).
type Watcher interface {
	Events() <-chan ChangeEvent
	Err() error
	Close() error
}

// IsEmptyJSON reports whether raw carries no value (absent, blank or null).
func IsEmptyJSON(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}
