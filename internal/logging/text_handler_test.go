package logging

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTextHandler_Format(t *testing.T) {
	var buf bytes.Buffer
	h := NewTextHandler(&buf, nil)

	ts := time.Date(2024, 1, 19, 10, 30, 0, 0, time.UTC)
	r := slog.NewRecord(ts, slog.LevelInfo, "server started", 0)
	r.AddAttrs(slog.Int("port", 8080))
	require.NoError(t, h.Handle(context.Background(), r))

	assert.Equal(t, "2024-01-19T10:30:00Z [INFO] server started port=8080\n", buf.String())
}

func TestTextHandler_Values(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewTextHandler(&buf, nil))

	logger.Info("values",
		"str", "plain",
		"quoted", "two words",
		"empty", "",
		"uint", uint64(7),
		"float", 1.5,
		"bool", true,
		"dur", 1500*time.Millisecond,
		"at", time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
		"err", errors.New("boom failed"),
		slog.Group("sub", "a", 1, "b", "x"),
		"any", []int{1, 2},
	)

	line := buf.String()
	for _, want := range []string{
		" str=plain",
		` quoted="two words"`,
		` empty=""`,
		" uint=7",
		" float=1.5",
		" bool=true",
		" dur=1.5s",
		" at=2024-01-02T03:04:05Z",
		` err="boom failed"`,
		" sub.a=1 sub.b=x",
		` any="[1 2]"`,
	} {
		assert.Contains(t, line, want)
	}
	assert.True(t, strings.HasSuffix(line, "\n"))
}

func TestTextHandler_Level(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}))

	logger.Info("hidden")
	logger.Warn("shown")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "[WARN] shown")
}

func TestTextHandler_WithAttrsAndGroup(t *testing.T) {
	var buf bytes.Buffer
	base := NewTextHandler(&buf, nil)

	assert.Same(t, base, base.WithAttrs(nil))
	assert.Same(t, base, base.WithGroup(""))

	logger := slog.New(base).With("component", "relay").WithGroup("sub").With("conn", "c1")
	logger.Info("opened", "collection", "orders")

	assert.Contains(t, buf.String(), "[INFO] opened component=relay sub.conn=c1 sub.collection=orders")
}

func TestTextHandler_SkipsEmptyAttrs(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewTextHandler(&buf, nil))

	logger.Info("msg", slog.Attr{})

	assert.True(t, strings.HasSuffix(buf.String(), "[INFO] msg\n"))
}
