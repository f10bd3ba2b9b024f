package relay

import (
	"github.com/syntrixbase/feedrelay/internal/store"
)

// Outbound event names.
const (
	EventInitialDocuments        = "initialDocuments"
	EventUpdateDocuments         = "updateDocuments"
	EventBufferedUpdateDocuments = "bufferedUpdateDocuments"
	EventFindResults             = "findResults"
	EventFindError               = "findError"
	EventSubscribeError          = "subscribeError"
	EventUnsubscribed            = "unsubscribed"
)

// Message is an outbound event. The concrete type is the payload.
type Message interface {
	EventName() string
}

// Sink delivers messages to one connection. Implementations must be safe for
// concurrent use and must not block indefinitely.
type Sink interface {
	Send(msg Message) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(msg Message) error

func (f SinkFunc) Send(msg Message) error { return f(msg) }

type InitialDocuments struct {
	CollectionName string           `json:"collectionName"`
	Data           []store.Document `json:"data"`
}

type UpdateDocuments struct {
	CollectionName string            `json:"collectionName"`
	Change         store.ChangeEvent `json:"change"`
}

type BufferedUpdateDocuments struct {
	CollectionName string              `json:"collectionName"`
	Changes        []store.ChangeEvent `json:"changes"`
}

type FindResults struct {
	RequestID string           `json:"requestId"`
	Results   []store.Document `json:"results"`
}

type FindError struct {
	RequestID string `json:"requestId"`
	Message   string `json:"message"`
}

type SubscribeError struct {
	CollectionName string `json:"collectionName"`
	Message        string `json:"message"`
}

// Unsubscribed acknowledges an explicit unsubscribe.
type Unsubscribed struct {
	CollectionName string `json:"collectionName"`
}

func (InitialDocuments) EventName() string        { return EventInitialDocuments }
func (UpdateDocuments) EventName() string         { return EventUpdateDocuments }
func (BufferedUpdateDocuments) EventName() string { return EventBufferedUpdateDocuments }
func (FindResults) EventName() string             { return EventFindResults }
func (FindError) EventName() string               { return EventFindError }
func (SubscribeError) EventName() string          { return EventSubscribeError }
func (Unsubscribed) EventName() string            { return EventUnsubscribed }

func nonNilDocuments(docs []store.Document) []store.Document {
	if docs == nil {
		return []store.Document{}
	}
	return docs
}
