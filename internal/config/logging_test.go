package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDefaultLoggingConfig(t *testing.T) {
	cfg := DefaultLoggingConfig()

	assert.Equal(t, "info", cfg.Level)
	assert.Equal(t, "text", cfg.Format)
	assert.Equal(t, "logs", cfg.Dir)
	assert.Equal(t, 100, cfg.Rotation.MaxSize)
	assert.True(t, cfg.Rotation.Compress)
	assert.True(t, cfg.Console.Enabled)
	assert.True(t, cfg.File.Enabled)
	assert.Equal(t, 10*time.Second, cfg.SuppressWindow)
}

func TestLoggingConfig_ApplyDefaults(t *testing.T) {
	cfg := LoggingConfig{
		Level:   "warn",
		Console: OutputConfig{Enabled: true, Format: "json"},
	}
	cfg.ApplyDefaults()

	assert.Equal(t, "warn", cfg.Level)
	assert.Equal(t, "text", cfg.Format)
	assert.Equal(t, "logs", cfg.Dir)
	assert.Equal(t, 10, cfg.Rotation.MaxBackups)
	assert.Equal(t, 30, cfg.Rotation.MaxAge)
	assert.Equal(t, OutputConfig{Enabled: true, Level: "warn", Format: "json"}, cfg.Console)
	assert.Equal(t, OutputConfig{Enabled: false, Level: "warn", Format: "text"}, cfg.File)
}

func TestLoggingConfig_ApplyEnvOverrides(t *testing.T) {
	t.Run("unset", func(t *testing.T) {
		t.Setenv("FEEDRELAY_LOG_LEVEL", "")
		cfg := DefaultLoggingConfig()
		cfg.ApplyDefaults()
		cfg.ApplyEnvOverrides()
		assert.Equal(t, "info", cfg.Level)
	})

	t.Run("explicit sink level kept", func(t *testing.T) {
		t.Setenv("FEEDRELAY_LOG_LEVEL", "ERROR")
		cfg := DefaultLoggingConfig()
		cfg.File.Level = "debug"
		cfg.ApplyDefaults()
		cfg.ApplyEnvOverrides()

		assert.Equal(t, "error", cfg.Level)
		assert.Equal(t, "error", cfg.Console.Level)
		assert.Equal(t, "debug", cfg.File.Level)
	})
}

func TestLoggingConfig_ResolvePaths(t *testing.T) {
	abs := filepath.Join(t.TempDir(), "logs")
	tests := []struct {
		name string
		dir  string
		want string
	}{
		{"relative resolves next to config dir", "logs", filepath.Join("app", "logs")},
		{"parent-relative resolves from config dir", "../var/logs", filepath.Join("app", "var", "logs")},
		{"absolute unchanged", abs, abs},
		{"empty unchanged", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := LoggingConfig{Dir: tt.dir}
			cfg.ResolvePaths(filepath.Join("app", "config"))
			assert.Equal(t, tt.want, cfg.Dir)
		})
	}
}

func TestLoggingConfig_Validate(t *testing.T) {
	valid := func() LoggingConfig {
		cfg := DefaultLoggingConfig()
		cfg.ApplyDefaults()
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*LoggingConfig)
		wantErr string
	}{
		{"valid", func(*LoggingConfig) {}, ""},
		{"bad level", func(c *LoggingConfig) { c.Level = "verbose" }, "invalid log level"},
		{"bad format", func(c *LoggingConfig) { c.Format = "xml" }, "invalid log format"},
		{"empty dir with file", func(c *LoggingConfig) { c.Dir = "" }, "log directory cannot be empty"},
		{"empty dir without file", func(c *LoggingConfig) { c.Dir = ""; c.File.Enabled = false }, ""},
		{"negative window", func(c *LoggingConfig) { c.SuppressWindow = -time.Second }, "suppress_window"},
		{"bad console level", func(c *LoggingConfig) { c.Console.Level = "loud" }, "invalid console log level"},
		{"bad file format", func(c *LoggingConfig) { c.File.Format = "csv" }, "invalid file log format"},
		{"disabled sink ignored", func(c *LoggingConfig) { c.File.Enabled = false; c.File.Format = "csv" }, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.ErrorContains(t, err, tt.wantErr)
			}
		})
	}
}
