package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/syntrixbase/feedrelay/internal/relay"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
)

var (
	errClientClosed = errors.New("connection is closed")
	errSendTimeout  = errors.New("send queue is full")
)

// Client is one websocket connection. It is the relay.Sink of its
// connection id.
type Client struct {
	id     string
	server *Server
	conn   *websocket.Conn
	logger *slog.Logger

	// Buffered channel of encoded outbound frames.
	send chan []byte

	done      chan struct{}
	closeOnce sync.Once
}

var _ relay.Sink = (*Client)(nil)

func newClient(s *Server, conn *websocket.Conn) *Client {
	id := uuid.NewString()
	return &Client{
		id:     id,
		server: s,
		conn:   conn,
		logger: s.logger.With("connection", id),
		send:   make(chan []byte, s.cfg.SendQueueSize),
		done:   make(chan struct{}),
	}
}

// ID returns the connection id used with the relay.
func (c *Client) ID() string {
	return c.id
}

// Send queues msg for the write pump. When the queue stays full for the
// configured send timeout the connection is dropped.
func (c *Client) Send(msg relay.Message) error {
	data, err := encodeFrame(msg)
	if err != nil {
		return err
	}

	select {
	case <-c.done:
		return errClientClosed
	case c.send <- data:
		return nil
	default:
	}

	timer := time.NewTimer(c.server.cfg.SendTimeout)
	defer timer.Stop()
	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return errClientClosed
	case <-timer.C:
		c.logger.Warn("Send queue full, dropping connection", "event", msg.EventName())
		c.close()
		return errSendTimeout
	}
}

// close stops both pumps: the write pump sends a close frame and closes the
// socket, which ends the read pump. Cleanup with the relay happens when the
// read pump exits.
func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// readPump reads frames until the connection fails or closes.
//
// The application runs readPump in a per-connection goroutine. The application
// ensures that there is at most one reader on a connection by executing all
// reads from this goroutine.
func (c *Client) readPump() {
	defer c.server.release(c)

	c.conn.SetReadLimit(c.server.cfg.MaxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Warn("WebSocket connection closed unexpectedly", "error", err)
			}
			return
		}

		var frame Frame
		if err := json.Unmarshal(message, &frame); err != nil {
			c.logger.Warn("Failed to unmarshal frame", "error", err)
			continue
		}
		c.handleFrame(frame)
	}
}

// writePump writes queued frames and keeps the connection alive with pings.
//
// A goroutine running writePump is started for each connection. The
// application ensures that there is at most one writer to a connection by
// executing all writes from this goroutine.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
		c.conn.Close()
	}()
	for {
		select {
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Debug("Write failed", "error", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}

func (c *Client) handleFrame(frame Frame) {
	switch frame.Event {
	case EventSubscribe:
		c.handleSubscribe(frame.Data)
	case EventBufferedSubscribe:
		c.handleBufferedSubscribe(frame.Data)
	case EventUnsubscribe:
		c.handleUnsubscribe(frame.Data)
	case EventFind:
		c.handleFind(frame.Data)
	default:
		c.logger.Warn("Unknown event", "event", frame.Event)
	}
}

func (c *Client) handleSubscribe(data json.RawMessage) {
	var p SubscribePayload
	if err := json.Unmarshal(data, &p); err != nil {
		c.rejectSubscribe(EventSubscribe, data, err)
		return
	}
	if p.CollectionName == "" {
		c.reply(relay.SubscribeError{Message: errMissingCollectionName.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.server.subscribeTimeout)
	defer cancel()
	// The registry has already told the client about any failure.
	if _, err := c.server.subs.Subscribe(ctx, c.id, p.CollectionName, p.Pipeline); err != nil {
		c.logger.Debug("Subscribe failed", "collection", p.CollectionName, "error", err)
	}
}

func (c *Client) handleBufferedSubscribe(data json.RawMessage) {
	var p BufferedSubscribePayload
	if err := json.Unmarshal(data, &p); err != nil {
		c.rejectSubscribe(EventBufferedSubscribe, data, err)
		return
	}
	if p.CollectionName == "" {
		c.reply(relay.SubscribeError{Message: errMissingCollectionName.Error()})
		return
	}
	changeLimit, emitDelay, err := p.params()
	if err != nil {
		c.reply(relay.SubscribeError{CollectionName: p.CollectionName, Message: relay.PublicMessage(err)})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.server.subscribeTimeout)
	defer cancel()
	if _, err := c.server.subs.BufferedSubscribe(ctx, c.id, p.CollectionName, changeLimit, emitDelay, p.Pipeline); err != nil {
		c.logger.Debug("Buffered subscribe failed", "collection", p.CollectionName, "error", err)
	}
}

func (c *Client) handleUnsubscribe(data json.RawMessage) {
	var p UnsubscribePayload
	if err := json.Unmarshal(data, &p); err != nil {
		c.rejectSubscribe(EventUnsubscribe, data, err)
		return
	}
	if p.CollectionName == "" {
		c.logger.Warn("Dropping unsubscribe without collectionName")
		return
	}

	found, err := c.server.subs.Unsubscribe(c.id, p.CollectionName)
	if err != nil {
		c.logger.Warn("Unsubscribe failed", "collection", p.CollectionName, "error", err)
		return
	}
	if !found {
		// Unsubscribing twice is acknowledged the same way.
		c.reply(relay.Unsubscribed{CollectionName: p.CollectionName})
	}
}

func (c *Client) handleFind(data json.RawMessage) {
	var p FindPayload
	if err := json.Unmarshal(data, &p); err != nil {
		if corr := peekCorrelation(data); corr.RequestID != "" {
			c.reply(relay.FindError{RequestID: corr.RequestID, Message: "Invalid find request"})
			return
		}
		c.logger.Warn("Dropping malformed find", "error", err)
		return
	}
	if p.RequestID == "" {
		c.logger.Warn("Dropping find without requestId", "collection", p.CollectionName)
		return
	}
	if p.CollectionName == "" {
		c.reply(relay.FindError{RequestID: p.RequestID, Message: errMissingCollectionName.Error()})
		return
	}

	if err := c.server.finder.Find(context.Background(), c.id, c, p.RequestID, p.CollectionName, p.Query, p.Options); err != nil {
		c.logger.Debug("Find rejected", "requestId", p.RequestID, "error", err)
	}
}

// rejectSubscribe answers a payload that failed to decode when it still
// names a collection, and logs it otherwise.
func (c *Client) rejectSubscribe(event string, data json.RawMessage, err error) {
	corr := peekCorrelation(data)
	if corr.CollectionName == "" {
		c.logger.Warn("Dropping malformed frame", "event", event, "error", err)
		return
	}
	c.reply(relay.SubscribeError{
		CollectionName: corr.CollectionName,
		Message:        "Invalid " + event + " request",
	})
}

func (c *Client) reply(msg relay.Message) {
	if err := c.Send(msg); err != nil {
		c.logger.Debug("Failed to send reply", "event", msg.EventName(), "error", err)
	}
}
