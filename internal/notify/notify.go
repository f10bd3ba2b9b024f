// Package notify publishes subscription lifecycle events for external
// observers. Notifiers must not block: they are called from the relay while
// a connection lock is held.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"
)

// Kind names a lifecycle event. It is also the last subject token.
type Kind string

const (
	KindSubscriptionOpened Kind = "subscription.opened"
	KindSubscriptionClosed Kind = "subscription.closed"
	KindConnectionClosed   Kind = "connection.closed"
)

// Event is one lifecycle notification.
type Event struct {
	Kind          Kind      `json:"kind"`
	ConnectionID  string    `json:"connectionId"`
	Collection    string    `json:"collectionName,omitempty"`
	Mode          string    `json:"mode,omitempty"`
	Reason        string    `json:"reason,omitempty"`
	Subscriptions int       `json:"subscriptions,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// Notifier publishes lifecycle events.
type Notifier interface {
	Notify(ctx context.Context, evt Event) error
	Close() error
}

// Config selects the notifier. An empty NatsURL logs events instead.
type Config struct {
	NatsURL       string `yaml:"nats_url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

func DefaultConfig() Config {
	return Config{
		SubjectPrefix: "feedrelay",
	}
}

// ApplyDefaults fills in zero values with defaults.
func (c *Config) ApplyDefaults() {
	if c.SubjectPrefix == "" {
		c.SubjectPrefix = DefaultConfig().SubjectPrefix
	}
}

// ApplyEnvOverrides applies environment variable overrides.
func (c *Config) ApplyEnvOverrides() {
	if val := os.Getenv("FEEDRELAY_NATS_URL"); val != "" {
		c.NatsURL = val
	}
}

// ResolvePaths resolves relative paths using the given base directory.
// No paths to resolve in notify config.
func (c *Config) ResolvePaths(_ string) { _ = c }

// Validate returns an error if the configuration is invalid.
func (c *Config) Validate() error {
	if c.SubjectPrefix == "" {
		return fmt.Errorf("notify.subject_prefix is required")
	}
	return nil
}

// New builds the notifier described by cfg.
func New(cfg Config, logger *slog.Logger) (Notifier, error) {
	if cfg.NatsURL == "" {
		return NewLogNotifier(logger), nil
	}
	return NewNATSNotifier(cfg.NatsURL, cfg.SubjectPrefix, logger)
}
