package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

type GatewayConfig struct {
	Realtime RealtimeConfig `yaml:"realtime"`
	Admin    AdminConfig    `yaml:"admin"`
}

type RealtimeConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowDevOrigin bool     `yaml:"allow_dev_origin"`

	// SendQueueSize is the number of outbound frames buffered per connection.
	SendQueueSize int `yaml:"send_queue_size"`
	// SendTimeout is how long a full send queue may block a delivery before
	// the connection is dropped.
	SendTimeout time.Duration `yaml:"send_timeout"`
	// MaxMessageSize limits inbound frames, in bytes.
	MaxMessageSize int64 `yaml:"max_message_size"`
}

type AdminConfig struct {
	// Enabled exposes GET /api/v1/subscriptions.
	Enabled bool `yaml:"enabled"`
	// PublicKeyFile holds the RSA key that admin bearer tokens are checked
	// against. Empty leaves the admin endpoints open.
	PublicKeyFile string `yaml:"public_key_file"`
}

func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		Realtime: RealtimeConfig{
			AllowedOrigins: []string{"http://localhost:8080", "http://localhost:3000", "http://localhost:5173"},
			AllowDevOrigin: true,
			SendQueueSize:  256,
			SendTimeout:    5 * time.Second,
			MaxMessageSize: 64 * 1024,
		},
		Admin: AdminConfig{Enabled: true},
	}
}

// ApplyDefaults fills in zero values with defaults.
func (g *GatewayConfig) ApplyDefaults() {
	defaults := DefaultGatewayConfig()
	if len(g.Realtime.AllowedOrigins) == 0 {
		g.Realtime.AllowedOrigins = defaults.Realtime.AllowedOrigins
	}
	if g.Realtime.SendQueueSize == 0 {
		g.Realtime.SendQueueSize = defaults.Realtime.SendQueueSize
	}
	if g.Realtime.SendTimeout == 0 {
		g.Realtime.SendTimeout = defaults.Realtime.SendTimeout
	}
	if g.Realtime.MaxMessageSize == 0 {
		g.Realtime.MaxMessageSize = defaults.Realtime.MaxMessageSize
	}
}

// ApplyEnvOverrides applies environment variable overrides.
func (g *GatewayConfig) ApplyEnvOverrides() {
	if val := os.Getenv("FEEDRELAY_ALLOWED_ORIGINS"); val != "" {
		var origins []string
		for _, o := range strings.Split(val, ",") {
			if o = strings.TrimSpace(o); o != "" {
				origins = append(origins, o)
			}
		}
		g.Realtime.AllowedOrigins = origins
	}
	if val := os.Getenv("FEEDRELAY_ADMIN_PUBLIC_KEY_FILE"); val != "" {
		g.Admin.PublicKeyFile = val
	}
}

// ResolvePaths resolves relative paths using the given base directory.
func (g *GatewayConfig) ResolvePaths(baseDir string) {
	if g.Admin.PublicKeyFile != "" && !filepath.IsAbs(g.Admin.PublicKeyFile) {
		g.Admin.PublicKeyFile = filepath.Join(baseDir, g.Admin.PublicKeyFile)
	}
}

// Validate returns an error if the configuration is invalid.
func (g *GatewayConfig) Validate() error {
	if g.Realtime.SendQueueSize < 1 {
		return fmt.Errorf("gateway.realtime.send_queue_size must be at least 1")
	}
	if g.Realtime.SendTimeout <= 0 {
		return fmt.Errorf("gateway.realtime.send_timeout must be positive")
	}
	if g.Realtime.MaxMessageSize < 1 {
		return fmt.Errorf("gateway.realtime.max_message_size must be positive")
	}
	return nil
}
