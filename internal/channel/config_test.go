package channel

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	t.Setenv("HOME", "/home/cajero")

	cfg := DefaultConfig()
	require.Equal(t, 30*time.Second, cfg.ConnectTimeout)
	require.Equal(t, 5, cfg.MaxReconnectAttempts)
	require.Equal(t, filepath.Join("/home/cajero", ".restodesk", "outbox.json"), cfg.OutboxPath)
}

func TestBackoffSchedule(t *testing.T) {
	cfg := DefaultConfig()

	want := []time.Duration{
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		32 * time.Second,
		60 * time.Second,
		60 * time.Second,
	}

	for i, expected := range want {
		attempt := i + 1
		require.Equal(t, expected, cfg.Backoff(attempt), "attempt %d", attempt)
	}
}

func TestWithDefaultsFillsZeroValues(t *testing.T) {
	cfg := (&Config{MaxReconnectAttempts: 2}).withDefaults()

	require.Equal(t, 2, cfg.MaxReconnectAttempts)
	require.Equal(t, 30*time.Second, cfg.ConnectTimeout)
	require.Equal(t, 2*time.Second, cfg.BackoffInitial)
	require.Equal(t, 60*time.Second, cfg.BackoffMax)
	require.Empty(t, cfg.OutboxPath)
}
