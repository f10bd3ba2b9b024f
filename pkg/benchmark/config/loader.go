// Package config loads and validates benchmark configuration files.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/syntrixbase/feedrelay/pkg/benchmark/types"
	"gopkg.in/yaml.v3"
)

const maxWorkers = 10000

// Load loads configuration from a YAML file.
func Load(path string) (*types.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg types.Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	ApplyDefaults(&cfg)
	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Default returns a configuration usable against a local relay started with
// the memory store.
func Default() *types.Config {
	cfg := &types.Config{Name: "default"}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills zero values.
func ApplyDefaults(cfg *types.Config) {
	if cfg.Target == "" {
		cfg.Target = "http://localhost:8080"
	}
	if cfg.Duration == 0 {
		cfg.Duration = 30 * time.Second
	}
	if cfg.Workers == 0 {
		cfg.Workers = 10
	}
	if cfg.Subscription.Collection == "" {
		cfg.Subscription.Collection = "result-cache-0"
	}
	if cfg.Subscription.Mode == "" {
		cfg.Subscription.Mode = types.ModeImmediate
	}
	if cfg.Subscription.Mode == types.ModeBuffered {
		if cfg.Subscription.ChangeLimit == 0 {
			cfg.Subscription.ChangeLimit = 100
		}
		if cfg.Subscription.EmitDelay == 0 {
			cfg.Subscription.EmitDelay = time.Second
		}
	}
	if cfg.Find.Collection == "" {
		cfg.Find.Collection = cfg.Subscription.Collection
	}
	if cfg.Find.Query == "" {
		cfg.Find.Query = "{}"
	}
}

// Validate checks the configuration and parses the embedded JSON.
func Validate(cfg *types.Config) error {
	if cfg.Name == "" {
		return fmt.Errorf("benchmark name is required")
	}
	if !strings.HasPrefix(cfg.Target, "http://") && !strings.HasPrefix(cfg.Target, "https://") {
		return fmt.Errorf("target must be an http or https URL")
	}
	if cfg.Duration <= 0 {
		return fmt.Errorf("duration must be positive")
	}
	if cfg.Workers <= 0 {
		return fmt.Errorf("workers must be positive")
	}
	if cfg.Workers > maxWorkers {
		return fmt.Errorf("workers must not exceed %d", maxWorkers)
	}

	sub := &cfg.Subscription
	switch sub.Mode {
	case types.ModeImmediate:
	case types.ModeBuffered:
		if sub.ChangeLimit < 1 {
			return fmt.Errorf("subscription.change_limit must be at least 1")
		}
		if sub.EmitDelay <= 0 {
			return fmt.Errorf("subscription.emit_delay must be positive")
		}
	default:
		return fmt.Errorf("invalid subscription mode: %s (must be immediate or buffered)", sub.Mode)
	}
	if sub.PipelineRaw != "" {
		if !json.Valid([]byte(sub.PipelineRaw)) {
			return fmt.Errorf("subscription.pipeline is not valid JSON")
		}
		sub.Pipeline = json.RawMessage(sub.PipelineRaw)
	}

	if cfg.Find.Rate < 0 {
		return fmt.Errorf("find.rate must not be negative")
	}
	if !json.Valid([]byte(cfg.Find.Query)) {
		return fmt.Errorf("find.query is not valid JSON")
	}
	return nil
}
