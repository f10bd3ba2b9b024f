package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/syntrixbase/feedrelay/internal/relay"
)

// Inbound event names
const (
	EventSubscribe         = "subscribe"
	EventBufferedSubscribe = "bufferedSubscribe"
	EventUnsubscribe       = "unsubscribe"
	EventFind              = "find"
)

// Frame is the envelope for every message in both directions.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type SubscribePayload struct {
	CollectionName string          `json:"collectionName"`
	Pipeline       json.RawMessage `json:"pipeline,omitempty"`
}

type BufferedSubscribePayload struct {
	CollectionName string          `json:"collectionName"`
	ChangeLimit    *float64        `json:"changeLimit"`
	EmitDelay      *float64        `json:"emitDelay"` // milliseconds
	Pipeline       json.RawMessage `json:"pipeline,omitempty"`
}

type UnsubscribePayload struct {
	CollectionName string `json:"collectionName"`
}

type FindPayload struct {
	RequestID      string          `json:"requestId"`
	CollectionName string          `json:"collectionName"`
	Query          json.RawMessage `json:"query,omitempty"`
	Options        json.RawMessage `json:"options,omitempty"`
}

var errMissingCollectionName = errors.New("collectionName is required")

// params converts the wire fields into Registry arguments.
func (p BufferedSubscribePayload) params() (int, time.Duration, error) {
	if p.ChangeLimit == nil {
		return 0, 0, fmt.Errorf("%w: changeLimit is required", relay.ErrInvalidSubscriptionParameters)
	}
	if p.EmitDelay == nil {
		return 0, 0, fmt.Errorf("%w: emitDelay is required", relay.ErrInvalidSubscriptionParameters)
	}
	limit := *p.ChangeLimit
	if limit != math.Trunc(limit) || limit > math.MaxInt32 {
		return 0, 0, fmt.Errorf("%w: changeLimit must be an integer", relay.ErrInvalidSubscriptionParameters)
	}
	delay := *p.EmitDelay
	if math.IsNaN(delay) || delay > float64(math.MaxInt64/int64(time.Millisecond)) {
		return 0, 0, fmt.Errorf("%w: emitDelay is out of range", relay.ErrInvalidSubscriptionParameters)
	}
	return int(limit), time.Duration(delay * float64(time.Millisecond)), nil
}

// correlation pulls the fields an error reply can be addressed with out of
// a payload that otherwise failed to decode.
type correlation struct {
	CollectionName string `json:"collectionName"`
	RequestID      string `json:"requestId"`
}

func peekCorrelation(data json.RawMessage) correlation {
	var c correlation
	if len(data) > 0 {
		// Best effort: either field may be missing or of the wrong type.
		var loose map[string]json.RawMessage
		if json.Unmarshal(data, &loose) == nil {
			_ = json.Unmarshal(loose["collectionName"], &c.CollectionName)
			_ = json.Unmarshal(loose["requestId"], &c.RequestID)
		}
	}
	return c
}

// encodeFrame wraps an outbound message in a Frame.
func encodeFrame(msg relay.Message) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s: %w", msg.EventName(), err)
	}
	return json.Marshal(Frame{Event: msg.EventName(), Data: data})
}
