package logging

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/syntrixbase/feedrelay/internal/config"
)

func testLoggingConfig(t *testing.T) config.LoggingConfig {
	t.Helper()
	cfg := config.DefaultLoggingConfig()
	cfg.Dir = t.TempDir()
	cfg.Console.Enabled = false
	cfg.SuppressWindow = 0
	cfg.ApplyDefaults()
	return cfg
}

func readLog(t *testing.T, dir, name string) string {
	t.Helper()
	content, err := os.ReadFile(filepath.Join(dir, name))
	require.NoError(t, err)
	return string(content)
}

func TestNewLogger_TextFile(t *testing.T) {
	cfg := testLoggingConfig(t)

	logger, err := NewLogger(cfg)
	require.NoError(t, err)

	logger.Info("subscription opened", "collection", "orders")
	require.NoError(t, Shutdown())

	content := readLog(t, cfg.Dir, "feedrelay.log")
	assert.Contains(t, content, "[INFO] subscription opened collection=orders")
	assert.NoFileExists(t, filepath.Join(cfg.Dir, "errors.log"))
}

func TestNewLogger_JSONFormat(t *testing.T) {
	cfg := testLoggingConfig(t)
	cfg.File.Format = "json"

	logger, err := NewLogger(cfg)
	require.NoError(t, err)

	logger.Info("test json", "key", "value")
	require.NoError(t, Shutdown())

	content := readLog(t, cfg.Dir, "feedrelay.log")
	assert.Contains(t, content, `"msg":"test json"`)
	assert.Contains(t, content, `"key":"value"`)
}

func TestNewLogger_ErrorLogSeparation(t *testing.T) {
	cfg := testLoggingConfig(t)

	logger, err := NewLogger(cfg)
	require.NoError(t, err)

	logger.Info("info message")
	logger.Warn("warning message")
	logger.Error("error message")
	require.NoError(t, Shutdown())

	mainLog := readLog(t, cfg.Dir, "feedrelay.log")
	assert.Contains(t, mainLog, "info message")
	assert.Contains(t, mainLog, "warning message")
	assert.Contains(t, mainLog, "error message")

	errorLog := readLog(t, cfg.Dir, "errors.log")
	assert.NotContains(t, errorLog, "info message")
	assert.Contains(t, errorLog, "warning message")
	assert.Contains(t, errorLog, "error message")
}

func TestNewLogger_FileLevel(t *testing.T) {
	cfg := testLoggingConfig(t)
	cfg.File.Level = "debug"

	logger, err := NewLogger(cfg)
	require.NoError(t, err)

	logger.Debug("debug message")
	require.NoError(t, Shutdown())

	assert.Contains(t, readLog(t, cfg.Dir, "feedrelay.log"), "[DEBUG] debug message")
}

func TestNewLogger_Console(t *testing.T) {
	var buf bytes.Buffer
	prev := consoleOut
	consoleOut = &buf
	t.Cleanup(func() { consoleOut = prev })

	cfg := testLoggingConfig(t)
	cfg.Console.Enabled = true
	cfg.File.Enabled = false

	logger, err := NewLogger(cfg)
	require.NoError(t, err)

	logger.Info("to console")
	assert.Contains(t, buf.String(), "[INFO] to console")
	assert.NoFileExists(t, filepath.Join(cfg.Dir, "feedrelay.log"))
}

func TestNewLogger_Suppression(t *testing.T) {
	var buf bytes.Buffer
	prev := consoleOut
	consoleOut = &buf
	t.Cleanup(func() { consoleOut = prev })

	cfg := testLoggingConfig(t)
	cfg.Console.Enabled = true
	cfg.File.Enabled = false
	cfg.SuppressWindow = time.Hour

	logger, err := NewLogger(cfg)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		logger.Warn("watcher failed", "collection", "orders")
	}
	assert.Equal(t, 1, bytes.Count(buf.Bytes(), []byte("watcher failed")))
}

func TestNewLogger_NoOutputs(t *testing.T) {
	cfg := testLoggingConfig(t)
	cfg.File.Enabled = false

	logger, err := NewLogger(cfg)
	require.NoError(t, err)
	assert.NotPanics(t, func() { logger.Info("discarded") })
}

func TestNewLogger_InvalidDir(t *testing.T) {
	cfg := testLoggingConfig(t)
	blocker := filepath.Join(cfg.Dir, "file")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0644))
	cfg.Dir = filepath.Join(blocker, "logs")

	_, err := NewLogger(cfg)
	assert.Error(t, err)
}

func TestInitialize(t *testing.T) {
	prevDefault := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prevDefault) })

	cfg := testLoggingConfig(t)

	logger, err := Initialize(cfg)
	require.NoError(t, err)
	assert.Same(t, logger, slog.Default())
	require.NoError(t, Shutdown())

	assert.Contains(t, readLog(t, cfg.Dir, "feedrelay.log"), "Logging initialized")
}

func TestShutdown_Idempotent(t *testing.T) {
	assert.NoError(t, Shutdown())
	assert.NoError(t, Shutdown())
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"info":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range tests {
		assert.Equal(t, want, parseLevel(in), in)
	}
}
