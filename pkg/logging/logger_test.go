package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"", slog.LevelInfo},
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{" warn ", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	_, err := ParseLevel("verbose")
	assert.Error(t, err)
}

func TestNewLoggerJSON(t *testing.T) {
	var buf bytes.Buffer
	logger, _, err := NewLogger(Config{Level: "info", Output: &buf})
	require.NoError(t, err)

	logger.Debug("hidden")
	logger.Info("handle started", "instance", 3)

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 1)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(lines[0], &entry))
	assert.Equal(t, "handle started", entry["msg"])
	assert.Equal(t, float64(3), entry["instance"])
}

func TestSetLevelAppliesAtRuntime(t *testing.T) {
	var buf bytes.Buffer
	logger, level, err := NewLogger(Config{Level: "warn", Format: FormatText, Output: &buf})
	require.NoError(t, err)

	logger.Info("before")
	assert.Empty(t, buf.String())

	require.NoError(t, SetLevel(level, "debug"))
	logger.Debug("after")
	assert.Contains(t, buf.String(), "msg=after")

	assert.Error(t, SetLevel(level, "loud"))
	assert.Equal(t, slog.LevelDebug, level.Level())
}

func TestNewLoggerRejectsUnknownFormat(t *testing.T) {
	_, _, err := NewLogger(Config{Format: "xml"})
	assert.Error(t, err)

	_, _, err = NewLogger(Config{Level: "chatty"})
	assert.Error(t, err)
}

func TestConsoleHandler(t *testing.T) {
	var buf bytes.Buffer
	logger, level, err := NewLogger(Config{Level: "info", Format: FormatConsole, Output: &buf})
	require.NoError(t, err)

	logger = logger.With("component", "offload").WithGroup("handle")
	logger.Warn("poll failed",
		"instance", 2,
		"delay", 5*time.Millisecond,
		"error", errors.New("device busy"),
		slog.Group("numa", "node", 1),
	)

	out := buf.String()
	assert.Contains(t, out, "WRN")
	assert.Contains(t, out, "poll failed")
	assert.Contains(t, out, "component=offload")
	assert.Contains(t, out, "handle.instance=2")
	assert.Contains(t, out, "handle.numa.node=1")
	assert.Contains(t, out, "device busy")

	buf.Reset()
	logger.Debug("quiet")
	assert.Empty(t, buf.String())

	level.Set(slog.LevelDebug)
	logger.Debug("loud")
	assert.Contains(t, buf.String(), "loud")
}
