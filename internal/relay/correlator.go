package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/syntrixbase/feedrelay/internal/metrics"
	"github.com/syntrixbase/feedrelay/internal/store"
)

const defaultFindTimeout = 30 * time.Second

// Correlator runs one-shot find requests and answers each with findResults
// or findError carrying the caller's requestId.
//
// A requestId is unique among pending requests process-wide. Requests owned
// by a connection are cancelled when the connection goes away.
type Correlator struct {
	resolver *Resolver
	timeout  time.Duration
	logger   *slog.Logger
	prefix   string
	counter  atomic.Uint64

	mu      sync.Mutex
	pending map[string]*pendingRequest
	wg      sync.WaitGroup
}

type pendingRequest struct {
	id         string
	connID     string
	collection string
	sink       Sink
	cancel     context.CancelFunc
}

// CorrelatorOption configures a Correlator.
type CorrelatorOption func(*Correlator)

// WithFindTimeout bounds each find request.
func WithFindTimeout(d time.Duration) CorrelatorOption {
	return func(c *Correlator) {
		if d > 0 {
			c.timeout = d
		}
	}
}

func WithCorrelatorLogger(logger *slog.Logger) CorrelatorOption {
	return func(c *Correlator) {
		c.logger = logger
	}
}

// NewCorrelator creates a correlator resolving collections through resolver.
func NewCorrelator(resolver *Resolver, opts ...CorrelatorOption) *Correlator {
	c := &Correlator{
		resolver: resolver,
		timeout:  defaultFindTimeout,
		logger:   slog.Default(),
		prefix:   uuid.NewString()[:8],
		pending:  make(map[string]*pendingRequest),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "relay.correlator")
	return c
}

// NewRequestID returns an id that is unique within this process.
func (c *Correlator) NewRequestID() string {
	return fmt.Sprintf("%s-%d", c.prefix, c.counter.Add(1))
}

// Find registers the request and runs it in the background. The answer goes
// to sink. A requestId that is already pending is answered with findError
// and ErrDuplicateRequestID is returned; the pending request is untouched.
func (c *Correlator) Find(ctx context.Context, connID string, sink Sink, requestID, collectionName string, query, options json.RawMessage) error {
	if requestID == "" {
		return ErrMissingRequestID
	}

	c.mu.Lock()
	if _, dup := c.pending[requestID]; dup {
		c.mu.Unlock()
		err := fmt.Errorf("%w: %s", ErrDuplicateRequestID, requestID)
		metrics.FindRequests.WithLabelValues("duplicate").Inc()
		if sendErr := sink.Send(FindError{RequestID: requestID, Message: PublicMessage(err)}); sendErr != nil {
			c.logger.Warn("Failed to send find error", "connection", connID, "requestId", requestID, "error", sendErr)
		}
		return err
	}

	// The request outlives the inbound frame handler, so it keeps ctx values
	// but not its cancellation.
	reqCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
	p := &pendingRequest{
		id:         requestID,
		connID:     connID,
		collection: collectionName,
		sink:       sink,
		cancel:     cancel,
	}
	c.pending[requestID] = p
	c.wg.Add(1)
	c.mu.Unlock()

	go c.run(reqCtx, p, query, options)
	return nil
}

func (c *Correlator) run(ctx context.Context, p *pendingRequest, query, options json.RawMessage) {
	defer c.wg.Done()

	docs, err := c.execute(ctx, p.collection, query, options)
	c.complete(p, docs, err)
}

func (c *Correlator) execute(ctx context.Context, collectionName string, query, options json.RawMessage) ([]store.Document, error) {
	coll, err := c.resolver.Resolve(ctx, collectionName)
	if err != nil {
		return nil, err
	}
	docs, err := coll.Find(ctx, query, options)
	if err != nil {
		return nil, wrapStoreError("find", err)
	}
	return nonNilDocuments(docs), nil
}

// complete answers p unless it was cancelled or already answered.
func (c *Correlator) complete(p *pendingRequest, docs []store.Document, err error) {
	c.mu.Lock()
	cur, ok := c.pending[p.id]
	if !ok || cur != p {
		c.mu.Unlock()
		c.logger.Debug("Dropping result of cancelled find", "requestId", p.id, "connection", p.connID)
		return
	}
	delete(c.pending, p.id)
	c.mu.Unlock()
	p.cancel()

	var msg Message
	if err != nil {
		c.logger.Warn("Error finding documents",
			"requestId", p.id,
			"connection", p.connID,
			"collection", p.collection,
			"error", err)
		metrics.FindRequests.WithLabelValues("error").Inc()
		msg = FindError{RequestID: p.id, Message: PublicMessage(err)}
	} else {
		metrics.FindRequests.WithLabelValues("ok").Inc()
		msg = FindResults{RequestID: p.id, Results: docs}
	}
	if sendErr := p.sink.Send(msg); sendErr != nil {
		c.logger.Warn("Failed to deliver find response", "requestId", p.id, "connection", p.connID, "error", sendErr)
	}
}

// CancelConnection cancels and forgets every pending request of connID.
// Their results are never delivered. It returns how many were cancelled.
func (c *Correlator) CancelConnection(connID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for id, p := range c.pending {
		if p.connID != connID {
			continue
		}
		delete(c.pending, id)
		p.cancel()
		n++
	}
	if n > 0 {
		metrics.FindRequests.WithLabelValues("cancelled").Add(float64(n))
		c.logger.Debug("Cancelled pending finds", "connection", connID, "count", n)
	}
	return n
}

// Pending returns the number of requests awaiting an answer.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Close cancels every pending request and waits for their goroutines.
func (c *Correlator) Close() {
	c.mu.Lock()
	for id, p := range c.pending {
		delete(c.pending, id)
		p.cancel()
	}
	c.mu.Unlock()
	c.wg.Wait()
}
