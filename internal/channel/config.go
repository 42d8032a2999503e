package channel

import (
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Config configures the channel client.
type Config struct {
	// ConnectTimeout bounds each handshake and each inbound read.
	ConnectTimeout time.Duration

	// MaxReconnectAttempts is how many times the client redials after the
	// remote closes the connection before giving up.
	MaxReconnectAttempts int

	// BackoffInitial is the delay before the first reconnection attempt.
	// Each further attempt doubles it.
	BackoffInitial time.Duration

	// BackoffMax caps the reconnection delay.
	BackoffMax time.Duration

	// OutboxPath is the file holding undelivered messages. Empty keeps them in memory.
	OutboxPath string
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()

	cfg := &Config{
		ConnectTimeout:       30 * time.Second,
		MaxReconnectAttempts: 5,
		BackoffInitial:       2 * time.Second,
		BackoffMax:           60 * time.Second,
	}

	if homeDir != "" {
		cfg.OutboxPath = filepath.Join(homeDir, ".restodesk", "outbox.json")
	}

	return cfg
}

func (c *Config) withDefaults() *Config {
	defaults := DefaultConfig()
	if c == nil {
		return defaults
	}

	cfg := *c
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaults.ConnectTimeout
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = defaults.MaxReconnectAttempts
	}
	if cfg.BackoffInitial <= 0 {
		cfg.BackoffInitial = defaults.BackoffInitial
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = defaults.BackoffMax
	}
	return &cfg
}

// newBackOff returns a jitter free exponential policy yielding
// BackoffInitial, 2*BackoffInitial, ... capped at BackoffMax.
func (c *Config) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.BackoffInitial
	b.MaxInterval = c.BackoffMax
	b.Multiplier = 2.0
	b.RandomizationFactor = 0
	b.Reset()
	return b
}

// Backoff returns the delay waited before reconnection attempt n (1-based).
// With the defaults this is min(2^n, 60) seconds.
func (c *Config) Backoff(attempt int) time.Duration {
	b := c.withDefaults().newBackOff()

	var delay time.Duration
	for range max(attempt, 1) {
		delay = b.NextBackOff()
	}
	return delay
}
