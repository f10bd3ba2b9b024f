package relay

import (
	"time"

	"github.com/juju/clock"
	"github.com/syntrixbase/feedrelay/internal/store"
)

// buffer accumulates change events for one buffered subscription and decides
// when a batch is due. It is not safe for concurrent use; the owning
// connection's lock guards every call, including the expiry callback.
//
// Every flush disarms the timer. A timer that fired before it could be
// stopped carries a stale generation and is ignored by expire.
type buffer struct {
	changeLimit int
	emitDelay   time.Duration
	clock       clock.Clock
	onExpire    func(gen uint64)

	pending []store.ChangeEvent
	timer   clock.Timer
	gen     uint64
}

func newBuffer(changeLimit int, emitDelay time.Duration, clk clock.Clock, onExpire func(gen uint64)) *buffer {
	return &buffer{
		changeLimit: changeLimit,
		emitDelay:   emitDelay,
		clock:       clk,
		onExpire:    onExpire,
	}
}

// push appends evt. It returns the batch to emit when the count threshold is
// reached; otherwise it restarts the delay timer and returns nil.
func (b *buffer) push(evt store.ChangeEvent) []store.ChangeEvent {
	b.pending = append(b.pending, evt)
	if len(b.pending) >= b.changeLimit {
		return b.take()
	}
	b.arm()
	return nil
}

// expire is called when the timer armed with gen fires.
func (b *buffer) expire(gen uint64) []store.ChangeEvent {
	if gen != b.gen || b.timer == nil {
		return nil
	}
	b.timer = nil
	return b.take()
}

// take disarms the timer and hands over the queued events.
func (b *buffer) take() []store.ChangeEvent {
	b.disarm()
	if len(b.pending) == 0 {
		return nil
	}
	batch := b.pending
	b.pending = nil
	return batch
}

// discard drops queued events without emitting them.
func (b *buffer) discard() {
	b.disarm()
	b.pending = nil
}

func (b *buffer) len() int {
	return len(b.pending)
}

func (b *buffer) arm() {
	b.disarm()
	gen := b.gen
	b.timer = b.clock.AfterFunc(b.emitDelay, func() { b.onExpire(gen) })
}

func (b *buffer) disarm() {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.gen++
}
