package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	gateway "github.com/syntrixbase/feedrelay/internal/gateway/config"
	"github.com/syntrixbase/feedrelay/internal/notify"
	"github.com/syntrixbase/feedrelay/internal/relay"
	"github.com/syntrixbase/feedrelay/internal/server"
	"github.com/syntrixbase/feedrelay/internal/store"
	"gopkg.in/yaml.v3"
)

const (
	baseFile  = "config.yml"
	localFile = "config.local.yml"
)

// Config holds the relay configuration.
type Config struct {
	Server  server.Config         `yaml:"server"`
	Gateway gateway.GatewayConfig `yaml:"gateway"`
	Store   store.Config          `yaml:"store"`
	Relay   relay.Config          `yaml:"relay"`
	Notify  notify.Config         `yaml:"notify"`
	Logging LoggingConfig         `yaml:"logging"`
}

// Default returns the configuration used when no files are present.
func Default() *Config {
	return &Config{
		Server:  server.DefaultConfig(),
		Gateway: gateway.DefaultGatewayConfig(),
		Store:   store.DefaultConfig(),
		Relay:   relay.DefaultConfig(),
		Notify:  notify.DefaultConfig(),
		Logging: DefaultLoggingConfig(),
	}
}

// LoadConfig loads configuration from configDir and the environment.
// Order: defaults -> config.yml -> config.local.yml -> ApplyDefaults ->
// ApplyEnvOverrides -> ResolvePaths -> Validate. Missing files are skipped.
func LoadConfig(configDir string) (*Config, error) {
	// Defaults first so YAML can override them, including bool fields.
	cfg := Default()

	for _, name := range []string{baseFile, localFile} {
		if err := loadFile(filepath.Join(configDir, name), cfg); err != nil {
			return nil, err
		}
	}

	if err := ApplyServiceConfigs(configDir,
		&cfg.Server,
		&cfg.Gateway,
		&cfg.Store,
		&cfg.Relay,
		&cfg.Notify,
		&cfg.Logging,
	); err != nil {
		return nil, fmt.Errorf("configuration error: %w", err)
	}

	return cfg, nil
}

func loadFile(filename string, cfg *Config) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		// An unreadable optional file is not fatal.
		slog.Warn("Error reading config file", "file", filename, "error", err)
		return nil
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", filename, err)
	}
	return nil
}
