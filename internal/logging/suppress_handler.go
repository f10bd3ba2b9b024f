package logging

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/juju/clock"
)

// maxTracked bounds the number of distinct records remembered between prunes.
const maxTracked = 4096

// SuppressHandler drops records identical to one already passed through
// within the window. Identity covers level, message, handler attrs and
// record attrs, but not the timestamp. The next identical record after the
// window carries a "suppressed" attribute with the number dropped.
//
// A watcher that fails the same way for every subscriber, or a client that
// keeps sending malformed frames, is logged once per window instead of once
// per event.
type SuppressHandler struct {
	handler slog.Handler
	state   *suppressState
	scope   string // rendered WithAttrs/WithGroup chain
}

type suppressState struct {
	mu     sync.Mutex
	clock  clock.Clock
	window time.Duration
	seen   map[uint64]*suppressEntry
}

type suppressEntry struct {
	since      time.Time
	suppressed int
}

func NewSuppressHandler(handler slog.Handler, window time.Duration) *SuppressHandler {
	return newSuppressHandler(handler, window, clock.WallClock)
}

func newSuppressHandler(handler slog.Handler, window time.Duration, clk clock.Clock) *SuppressHandler {
	return &SuppressHandler{
		handler: handler,
		state: &suppressState{
			clock:  clk,
			window: window,
			seen:   make(map[uint64]*suppressEntry),
		},
	}
}

func (h *SuppressHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.handler.Enabled(ctx, level)
}

func (h *SuppressHandler) Handle(ctx context.Context, r slog.Record) error {
	pass, dropped := h.state.admit(h.key(r))
	if !pass {
		return nil
	}
	if dropped > 0 {
		r = r.Clone()
		r.AddAttrs(slog.Int("suppressed", dropped))
	}
	return h.handler.Handle(ctx, r)
}

func (h *SuppressHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	scope := h.scope
	for _, a := range attrs {
		scope += "|" + a.String()
	}
	return &SuppressHandler{handler: h.handler.WithAttrs(attrs), state: h.state, scope: scope}
}

func (h *SuppressHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &SuppressHandler{handler: h.handler.WithGroup(name), state: h.state, scope: h.scope + "|" + name + "."}
}

func (h *SuppressHandler) key(r slog.Record) uint64 {
	d := xxhash.New()
	_, _ = d.WriteString(r.Level.String())
	_, _ = d.WriteString("|")
	_, _ = d.WriteString(r.Message)
	_, _ = d.WriteString(h.scope)
	r.Attrs(func(a slog.Attr) bool {
		_, _ = d.WriteString("|")
		_, _ = d.WriteString(a.String())
		return true
	})
	return d.Sum64()
}

// admit reports whether a record with key should be written and how many
// identical records were dropped before it.
func (s *suppressState) admit(key uint64) (bool, int) {
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.seen[key]
	if ok && now.Sub(entry.since) < s.window {
		entry.suppressed++
		return false, 0
	}

	dropped := 0
	if ok {
		dropped = entry.suppressed
	}
	if !ok && len(s.seen) >= maxTracked {
		s.prune(now)
	}
	s.seen[key] = &suppressEntry{since: now}
	return true, dropped
}

// prune forgets expired entries, or everything when all are live. Counts of
// records dropped for forgotten entries are lost.
func (s *suppressState) prune(now time.Time) {
	for k, e := range s.seen {
		if now.Sub(e.since) >= s.window {
			delete(s.seen, k)
		}
	}
	if len(s.seen) >= maxTracked {
		clear(s.seen)
	}
}
