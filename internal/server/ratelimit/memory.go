package ratelimit

import (
	"sync"
	"time"

	"github.com/juju/clock"
	"golang.org/x/time/rate"
)

// memoryLimiter keeps one token bucket per key. Buckets refill at
// Requests per Window and hold at most Requests tokens.
type memoryLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	config  Config
	clock   clock.Clock

	stopOnce sync.Once
	stopCh   chan struct{}
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewMemoryLimiter creates an in-memory limiter driven by the wall clock.
func NewMemoryLimiter(cfg Config) Stoppable {
	return newMemoryLimiter(cfg, clock.WallClock)
}

func newMemoryLimiter(cfg Config, clk clock.Clock) *memoryLimiter {
	l := &memoryLimiter{
		buckets: make(map[string]*bucket),
		config:  cfg,
		clock:   clk,
		stopCh:  make(chan struct{}),
	}
	if cfg.Enabled {
		go l.cleanup()
	}
	return l
}

func (l *memoryLimiter) Allow(key string) bool {
	if !l.config.Enabled {
		return true
	}

	now := l.clock.Now()
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok {
		every := l.config.Window / time.Duration(l.config.Requests)
		b = &bucket{limiter: rate.NewLimiter(rate.Every(every), l.config.Requests)}
		l.buckets[key] = b
	}
	b.lastSeen = now
	return b.limiter.AllowN(now, 1)
}

func (l *memoryLimiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, key)
}

// cleanup periodically drops buckets idle for two windows. By then they
// are full again, so forgetting them changes nothing.
func (l *memoryLimiter) cleanup() {
	for {
		select {
		case <-l.clock.After(l.config.Window * 2):
			l.cleanupStale()
		case <-l.stopCh:
			return
		}
	}
}

func (l *memoryLimiter) cleanupStale() {
	now := l.clock.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, b := range l.buckets {
		if now.Sub(b.lastSeen) > l.config.Window*2 {
			delete(l.buckets, key)
		}
	}
}

func (l *memoryLimiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// Stop stops the cleanup goroutine. It is safe to call more than once.
func (l *memoryLimiter) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
}
