package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/syntrixbase/feedrelay/internal/gateway/config"
	"github.com/syntrixbase/feedrelay/internal/relay"
	"github.com/syntrixbase/feedrelay/internal/store"
)

const defaultSubscribeTimeout = 30 * time.Second

// Subscriptions is the part of relay.Registry the gateway drives.
type Subscriptions interface {
	Attach(connID string, sink relay.Sink) error
	Subscribe(ctx context.Context, connID, collectionName string, pipeline json.RawMessage) ([]store.Document, error)
	BufferedSubscribe(ctx context.Context, connID, collectionName string, changeLimit int, emitDelay time.Duration, pipeline json.RawMessage) ([]store.Document, error)
	Unsubscribe(connID, collectionName string) (bool, error)
	Disconnect(connID string)
}

// Finder is the part of relay.Correlator the gateway drives.
type Finder interface {
	Find(ctx context.Context, connID string, sink relay.Sink, requestID, collectionName string, query, options json.RawMessage) error
	CancelConnection(connID string) int
}

var errServerClosed = errors.New("realtime server is closed")

// Server accepts websocket connections and bridges their frames to the relay.
type Server struct {
	subs             Subscriptions
	finder           Finder
	cfg              config.RealtimeConfig
	subscribeTimeout time.Duration
	logger           *slog.Logger
	upgrader         websocket.Upgrader

	mu      sync.Mutex
	clients map[string]*Client
	closed  bool
	wg      sync.WaitGroup
}

type Option func(*Server)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithSubscribeTimeout bounds each subscribe and bufferedSubscribe request.
func WithSubscribeTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.subscribeTimeout = d
		}
	}
}

func NewServer(subs Subscriptions, finder Finder, cfg config.RealtimeConfig, opts ...Option) *Server {
	s := &Server{
		subs:             subs,
		finder:           finder,
		cfg:              cfg,
		subscribeTimeout: defaultSubscribeTimeout,
		logger:           slog.Default(),
		clients:          make(map[string]*Client),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "gateway.realtime")
	if s.cfg.SendQueueSize < 1 {
		s.cfg.SendQueueSize = 1
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		// Origins are checked in HandleWS before the upgrade.
		CheckOrigin: func(*http.Request) bool { return true },
	}
	return s
}

// HandleWS upgrades the request and serves the connection until it closes.
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := checkAllowedOrigin(r.Header.Get("Origin"), r.Host, s.cfg); err != nil {
		s.logger.Warn("Rejected websocket origin", "origin", r.Header.Get("Origin"), "error", err)
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied with an HTTP error.
		s.logger.Warn("Websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	c := newClient(s, conn)
	if err := s.track(c); err != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(writeWait))
		conn.Close()
		return
	}
	if err := s.subs.Attach(c.id, c); err != nil {
		s.logger.Error("Failed to attach connection", "connection", c.id, "error", err)
		s.untrack(c)
		conn.Close()
		return
	}

	c.logger.Info("WebSocket connection established", "remote", r.RemoteAddr)
	go c.writePump()
	go c.readPump()
}

func (s *Server) track(c *Client) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errServerClosed
	}
	s.clients[c.id] = c
	s.wg.Add(1)
	return nil
}

func (s *Server) untrack(c *Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clients[c.id]; ok {
		delete(s.clients, c.id)
		s.wg.Done()
	}
}

// release tears down everything the relay holds for c. It runs once, when
// the read pump exits.
func (s *Server) release(c *Client) {
	c.close()
	s.subs.Disconnect(c.id)
	if n := s.finder.CancelConnection(c.id); n > 0 {
		c.logger.Debug("Cancelled pending finds", "count", n)
	}
	s.untrack(c)
	c.logger.Info("WebSocket connection closed")
}

// Clients returns the number of open connections.
func (s *Server) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// Close stops accepting connections, closes the open ones and waits for
// their cleanup to finish or ctx to expire.
func (s *Server) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	clients := make([]*Client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		c.close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// checkAllowedOrigin accepts requests without an Origin header (non-browser
// clients), same-host origins, loopback origins when AllowDevOrigin is set,
// and anything listed in AllowedOrigins. "*" in the list allows every origin.
func checkAllowedOrigin(origin, host string, cfg config.RealtimeConfig) error {
	if origin == "" {
		return nil
	}
	u, err := url.Parse(origin)
	if err != nil {
		return fmt.Errorf("invalid origin %q: %w", origin, err)
	}
	if u.Host == host {
		return nil
	}
	if cfg.AllowDevOrigin && isLoopback(u.Hostname()) {
		return nil
	}
	if slices.Contains(cfg.AllowedOrigins, "*") || slices.Contains(cfg.AllowedOrigins, origin) {
		return nil
	}
	return fmt.Errorf("origin %q is not allowed", origin)
}

func isLoopback(hostname string) bool {
	if hostname == "localhost" {
		return true
	}
	ip := net.ParseIP(hostname)
	return ip != nil && ip.IsLoopback()
}
