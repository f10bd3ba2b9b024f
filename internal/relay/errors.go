package relay

import (
	"context"
	"errors"
	"fmt"

	"github.com/syntrixbase/feedrelay/internal/store"
)

var (
	// ErrCollectionNotFound is returned when the requested collection does not exist in the store.
	ErrCollectionNotFound = errors.New("collection not found")
	// ErrInvalidSubscriptionParameters is returned for a malformed buffered subscribe.
	ErrInvalidSubscriptionParameters = errors.New("invalid subscription parameters")
	// ErrDuplicateRequestID is returned when a requestId is already pending.
	ErrDuplicateRequestID = errors.New("duplicate request id")
	// ErrWatcherFailure is reported when a change feed ends while its subscription is live.
	ErrWatcherFailure = errors.New("watcher failure")
	// ErrStoreUnavailable wraps any failed store round trip.
	ErrStoreUnavailable = errors.New("store unavailable")
	// ErrUnknownConnection is returned for operations on a connection that is not attached.
	ErrUnknownConnection = errors.New("unknown connection")
	// ErrMissingRequestID is returned for a find without a requestId.
	ErrMissingRequestID = errors.New("missing request id")
)

// collectionNotFoundError names the missing collection and database.
type collectionNotFoundError struct {
	collection string
	database   string
}

func (e *collectionNotFoundError) Error() string {
	if e.database == "" {
		return fmt.Sprintf("collection name %s does not exist", e.collection)
	}
	return fmt.Sprintf("collection name %s does not exist in %s", e.collection, e.database)
}

func (e *collectionNotFoundError) Is(target error) bool {
	return target == ErrCollectionNotFound
}

// wrapStoreError classifies an error from a store round trip.
func wrapStoreError(op string, err error) error {
	if errors.Is(err, store.ErrInvalidPipeline) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrStoreUnavailable, op, err)
}

// PublicMessage renders err as a message safe to send to a client. Store
// and driver details are never included.
func PublicMessage(err error) string {
	var notFound *collectionNotFoundError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &notFound):
		return "Collection name " + notFound.collection + " does not exist" + inDatabase(notFound.database)
	case errors.Is(err, ErrCollectionNotFound):
		return "Collection does not exist"
	case errors.Is(err, ErrInvalidSubscriptionParameters),
		errors.Is(err, ErrDuplicateRequestID),
		errors.Is(err, ErrMissingRequestID),
		errors.Is(err, ErrUnknownConnection):
		return err.Error()
	case errors.Is(err, store.ErrInvalidPipeline):
		return "Invalid pipeline"
	case errors.Is(err, ErrWatcherFailure):
		return "Change feed failed"
	case errors.Is(err, context.DeadlineExceeded):
		return "Request timed out"
	case errors.Is(err, ErrStoreUnavailable):
		return "Store unavailable"
	default:
		return "Internal error"
	}
}

func inDatabase(db string) string {
	if db == "" {
		return ""
	}
	return " in " + db
}
