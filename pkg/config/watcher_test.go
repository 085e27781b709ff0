package config

import (
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatcherReloadsOnWrite(t *testing.T) {
	path := writeConfig(t, "offload:\n  poll_delay: 1ms\n")

	w, err := NewWatcher(path, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })

	updates := w.Subscribe()
	initial := <-updates
	assert.Equal(t, time.Millisecond, initial.Offload.PollDelay.Duration)

	require.NoError(t, os.WriteFile(path, []byte("offload:\n  poll_delay: 7ms\n"), 0o600))

	select {
	case cfg := <-updates:
		assert.Equal(t, 7*time.Millisecond, cfg.Offload.PollDelay.Duration)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reload")
	}
	assert.Equal(t, 7*time.Millisecond, w.Current().Offload.PollDelay.Duration)
}

func TestWatcherKeepsLastGoodConfig(t *testing.T) {
	path := writeConfig(t, "logging:\n  level: debug\n")

	w, err := NewWatcher(path, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })

	require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: deafening\n"), 0o600))

	// Give the debounced reload time to run and reject the edit.
	time.Sleep(4 * defaultDebounce)
	assert.Equal(t, "debug", w.Current().Logging.Level)
}

func TestNewWatcherRejectsInvalidFile(t *testing.T) {
	path := writeConfig(t, "offload:\n  driver: fpga\n")

	_, err := NewWatcher(path, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown offload driver")
}
