package store

import (
	"fmt"
	"os"
	"time"
)

const (
	BackendMongo  = "mongo"
	BackendMemory = "memory"
)

// Config selects and configures the document store backend.
type Config struct {
	Backend string       `yaml:"backend"` // mongo, memory
	Mongo   MongoConfig  `yaml:"mongo"`
	Memory  MemoryConfig `yaml:"memory"`
}

type MongoConfig struct {
	URI            string        `yaml:"uri"`
	DatabaseName   string        `yaml:"database_name"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// MemoryConfig configures the in-process store used for development.
type MemoryConfig struct {
	// Collections are created empty at startup.
	Collections []string `yaml:"collections"`
	// DemoInsertInterval, when non-zero, inserts a {timestamp} document into
	// every configured collection on that interval.
	DemoInsertInterval time.Duration `yaml:"demo_insert_interval"`
}

func DefaultConfig() Config {
	return Config{
		Backend: BackendMongo,
		Mongo: MongoConfig{
			URI:            "mongodb://localhost:27017",
			DatabaseName:   "test",
			ConnectTimeout: 10 * time.Second,
		},
		Memory: MemoryConfig{
			Collections: []string{"result-cache-0", "result-cache-1"},
		},
	}
}

// ApplyDefaults fills in zero values with defaults.
func (c *Config) ApplyDefaults() {
	defaults := DefaultConfig()
	if c.Backend == "" {
		c.Backend = defaults.Backend
	}
	if c.Mongo.URI == "" {
		c.Mongo.URI = defaults.Mongo.URI
	}
	if c.Mongo.DatabaseName == "" {
		c.Mongo.DatabaseName = defaults.Mongo.DatabaseName
	}
	if c.Mongo.ConnectTimeout == 0 {
		c.Mongo.ConnectTimeout = defaults.Mongo.ConnectTimeout
	}
}

// ApplyEnvOverrides applies environment variable overrides.
func (c *Config) ApplyEnvOverrides() {
	if val := os.Getenv("FEEDRELAY_STORE_BACKEND"); val != "" {
		c.Backend = val
	}
	if val := os.Getenv("FEEDRELAY_MONGO_URI"); val != "" {
		c.Mongo.URI = val
	}
	if val := os.Getenv("FEEDRELAY_MONGO_DB"); val != "" {
		c.Mongo.DatabaseName = val
	}
}

// ResolvePaths resolves relative paths using the given base directory.
// No paths to resolve in store config.
func (c *Config) ResolvePaths(_ string) { _ = c }

// Validate returns an error if the configuration is invalid.
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendMongo:
		if c.Mongo.URI == "" {
			return fmt.Errorf("store.mongo.uri is required")
		}
		if c.Mongo.DatabaseName == "" {
			return fmt.Errorf("store.mongo.database_name is required")
		}
	case BackendMemory:
		if c.Memory.DemoInsertInterval < 0 {
			return fmt.Errorf("store.memory.demo_insert_interval must not be negative")
		}
	default:
		return fmt.Errorf("unknown store backend: %s (must be mongo or memory)", c.Backend)
	}
	return nil
}
