// Package client speaks the relay websocket protocol for the benchmark.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/syntrixbase/feedrelay/internal/gateway/realtime"
	"github.com/syntrixbase/feedrelay/internal/relay"
)

const writeWait = 10 * time.Second

var (
	ErrClosed         = errors.New("connection closed")
	ErrPending        = errors.New("a subscribe for this collection is already pending")
	ErrInvalidTarget  = errors.New("target must be an http, https, ws or wss URL")
	errUnexpectedType = errors.New("unexpected reply")
)

type reply struct {
	event string
	data  json.RawMessage
}

// Client is one relay connection. Requests may be issued concurrently;
// change frames are counted, not kept.
type Client struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	mu    sync.Mutex
	subs  map[string]chan reply // by collection name
	finds map[string]chan reply // by request id

	frames  atomic.Int64
	changes atomic.Int64

	done    chan struct{}
	readErr error
}

// Dial connects to target, an http(s) base URL or a ws(s) URL of the
// websocket endpoint.
func Dial(ctx context.Context, target string) (*Client, error) {
	wsURL, err := websocketURL(target)
	if err != nil {
		return nil, err
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", wsURL, err)
	}

	c := &Client{
		conn:  conn,
		subs:  make(map[string]chan reply),
		finds: make(map[string]chan reply),
		done:  make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func websocketURL(target string) (string, error) {
	target = strings.TrimSuffix(target, "/")
	switch {
	case strings.HasPrefix(target, "http://"):
		return "ws://" + strings.TrimPrefix(target, "http://") + "/ws", nil
	case strings.HasPrefix(target, "https://"):
		return "wss://" + strings.TrimPrefix(target, "https://") + "/ws", nil
	case strings.HasPrefix(target, "ws://"), strings.HasPrefix(target, "wss://"):
		return target, nil
	default:
		return "", ErrInvalidTarget
	}
}

// Subscribe opens an immediate subscription and returns the size of the
// initial snapshot.
func (c *Client) Subscribe(ctx context.Context, collection string, pipeline json.RawMessage) (int, error) {
	return c.subscribe(ctx, collection, realtime.EventSubscribe, realtime.SubscribePayload{
		CollectionName: collection,
		Pipeline:       pipeline,
	})
}

// BufferedSubscribe opens a buffered subscription and returns the size of
// the initial snapshot.
func (c *Client) BufferedSubscribe(ctx context.Context, collection string, changeLimit int, emitDelay time.Duration, pipeline json.RawMessage) (int, error) {
	limit := float64(changeLimit)
	delay := float64(emitDelay) / float64(time.Millisecond)
	return c.subscribe(ctx, collection, realtime.EventBufferedSubscribe, realtime.BufferedSubscribePayload{
		CollectionName: collection,
		ChangeLimit:    &limit,
		EmitDelay:      &delay,
		Pipeline:       pipeline,
	})
}

func (c *Client) subscribe(ctx context.Context, collection, event string, payload any) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	ch := make(chan reply, 1)
	c.mu.Lock()
	if _, ok := c.subs[collection]; ok {
		c.mu.Unlock()
		return 0, ErrPending
	}
	c.subs[collection] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		if c.subs[collection] == ch {
			delete(c.subs, collection)
		}
		c.mu.Unlock()
	}()

	if err := c.send(event, payload); err != nil {
		return 0, err
	}

	r, err := c.await(ctx, ch)
	if err != nil {
		return 0, err
	}
	switch r.event {
	case relay.EventInitialDocuments:
		var msg relay.InitialDocuments
		if err := json.Unmarshal(r.data, &msg); err != nil {
			return 0, fmt.Errorf("decode %s: %w", r.event, err)
		}
		return len(msg.Data), nil
	case relay.EventSubscribeError:
		var msg relay.SubscribeError
		_ = json.Unmarshal(r.data, &msg)
		return 0, fmt.Errorf("subscribe %s: %s", collection, msg.Message)
	default:
		return 0, fmt.Errorf("%w: %s", errUnexpectedType, r.event)
	}
}

// Find runs one find request and returns the number of results.
func (c *Client) Find(ctx context.Context, collection string, query json.RawMessage) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	requestID := uuid.NewString()
	ch := make(chan reply, 1)
	c.mu.Lock()
	c.finds[requestID] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.finds, requestID)
		c.mu.Unlock()
	}()

	if err := c.send(realtime.EventFind, realtime.FindPayload{
		RequestID:      requestID,
		CollectionName: collection,
		Query:          query,
	}); err != nil {
		return 0, err
	}

	r, err := c.await(ctx, ch)
	if err != nil {
		return 0, err
	}
	switch r.event {
	case relay.EventFindResults:
		var msg relay.FindResults
		if err := json.Unmarshal(r.data, &msg); err != nil {
			return 0, fmt.Errorf("decode %s: %w", r.event, err)
		}
		return len(msg.Results), nil
	case relay.EventFindError:
		var msg relay.FindError
		_ = json.Unmarshal(r.data, &msg)
		return 0, fmt.Errorf("find %s: %s", collection, msg.Message)
	default:
		return 0, fmt.Errorf("%w: %s", errUnexpectedType, r.event)
	}
}

// Changes returns the number of change frames and individual changes
// received so far.
func (c *Client) Changes() (frames, changes int64) {
	return c.frames.Load(), c.changes.Load()
}

// Close sends a close frame and tears down the connection.
func (c *Client) Close() error {
	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
	c.writeMu.Unlock()
	err := c.conn.Close()
	<-c.done
	return err
}

// Err reports why the read loop stopped, or nil while it is running.
func (c *Client) Err() error {
	select {
	case <-c.done:
		return c.readErr
	default:
		return nil
	}
}

func (c *Client) send(event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	frame, err := json.Marshal(realtime.Frame{Event: event, Data: data})
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, frame)
}

func (c *Client) await(ctx context.Context, ch <-chan reply) (reply, error) {
	select {
	case r := <-ch:
		return r, nil
	case <-c.done:
		return reply{}, ErrClosed
	case <-ctx.Done():
		return reply{}, ctx.Err()
	}
}

func (c *Client) readLoop() {
	defer close(c.done)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.readErr = err
			return
		}
		var frame realtime.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}
		c.dispatch(reply{event: frame.Event, data: frame.Data})
	}
}

func (c *Client) dispatch(r reply) {
	switch r.event {
	case relay.EventUpdateDocuments:
		c.frames.Add(1)
		c.changes.Add(1)
	case relay.EventBufferedUpdateDocuments:
		var msg struct {
			Changes []json.RawMessage `json:"changes"`
		}
		if json.Unmarshal(r.data, &msg) == nil {
			c.frames.Add(1)
			c.changes.Add(int64(len(msg.Changes)))
		}
	case relay.EventInitialDocuments, relay.EventSubscribeError:
		var key struct {
			CollectionName string `json:"collectionName"`
		}
		_ = json.Unmarshal(r.data, &key)
		c.deliver(c.subs, key.CollectionName, r)
	case relay.EventFindResults, relay.EventFindError:
		var key struct {
			RequestID string `json:"requestId"`
		}
		_ = json.Unmarshal(r.data, &key)
		c.deliver(c.finds, key.RequestID, r)
	}
}

func (c *Client) deliver(waiters map[string]chan reply, key string, r reply) {
	c.mu.Lock()
	ch, ok := waiters[key]
	if ok {
		delete(waiters, key)
	}
	c.mu.Unlock()
	if ok {
		ch <- r
	}
}
