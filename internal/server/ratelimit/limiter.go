// Package ratelimit limits how often a single client may hit the HTTP
// surface, websocket upgrades included.
package ratelimit

import (
	"fmt"
	"time"
)

// Limiter defines the interface for rate limiting implementations.
type Limiter interface {
	// Allow checks if a request from the given key should be allowed.
	// Returns true if the request is allowed, false if it should be rate limited.
	Allow(key string) bool

	// Reset clears the rate limit state for the given key.
	Reset(key string)
}

// Stoppable extends Limiter with a Stop method for cleanup.
type Stoppable interface {
	Limiter
	Stop()
}

// Config holds the configuration for rate limiting.
type Config struct {
	// Enabled controls whether rate limiting is active.
	Enabled bool `yaml:"enabled"`

	// Requests is the maximum number of requests allowed per window. It is
	// also the burst a fresh client may spend at once.
	Requests int `yaml:"requests"`

	// Window is the duration of the rate limiting window.
	Window time.Duration `yaml:"window"`
}

// DefaultConfig returns the default rate limiting configuration.
func DefaultConfig() Config {
	return Config{
		Enabled:  false,
		Requests: 120,
		Window:   time.Minute,
	}
}

// Validate returns an error if an enabled configuration cannot work.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Requests < 1 {
		return fmt.Errorf("rate_limit.requests must be at least 1")
	}
	if c.Window <= 0 {
		return fmt.Errorf("rate_limit.window must be positive")
	}
	return nil
}
