package relay

import (
	"fmt"
	"time"
)

// Config holds relay limits.
type Config struct {
	// MaxChangeLimit caps changeLimit on buffered subscriptions. Zero means no cap.
	MaxChangeLimit int `yaml:"max_change_limit"`
	// FindTimeout bounds a single find request.
	FindTimeout time.Duration `yaml:"find_timeout"`
	// SubscribeTimeout bounds collection resolution, watch open and snapshot.
	SubscribeTimeout time.Duration `yaml:"subscribe_timeout"`
}

func DefaultConfig() Config {
	return Config{
		MaxChangeLimit:   10000,
		FindTimeout:      30 * time.Second,
		SubscribeTimeout: 30 * time.Second,
	}
}

// ApplyDefaults fills in zero values with defaults.
func (c *Config) ApplyDefaults() {
	defaults := DefaultConfig()
	if c.FindTimeout == 0 {
		c.FindTimeout = defaults.FindTimeout
	}
	if c.SubscribeTimeout == 0 {
		c.SubscribeTimeout = defaults.SubscribeTimeout
	}
}

// ApplyEnvOverrides applies environment variable overrides.
// No env overrides for relay config.
func (c *Config) ApplyEnvOverrides() { _ = c }

// ResolvePaths resolves relative paths using the given base directory.
// No paths to resolve in relay config.
func (c *Config) ResolvePaths(_ string) { _ = c }

// Validate returns an error if the configuration is invalid.
func (c *Config) Validate() error {
	if c.MaxChangeLimit < 0 {
		return fmt.Errorf("relay.max_change_limit must not be negative")
	}
	if c.FindTimeout <= 0 {
		return fmt.Errorf("relay.find_timeout must be positive")
	}
	if c.SubscribeTimeout <= 0 {
		return fmt.Errorf("relay.subscribe_timeout must be positive")
	}
	return nil
}
