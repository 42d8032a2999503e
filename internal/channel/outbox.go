package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/rs/zerolog"
	"github.com/wolfeidau/restodesk/internal/telemetry"
)

const outboxVersion = 1

// outboxFile is the on-disk representation of the outbox.
type outboxFile struct {
	Version  int       `json:"version"`
	Messages []Message `json:"messages"`
}

// Outbox is an ordered queue of messages awaiting delivery.
//
// Every mutation rewrites the whole file. Write failures are logged and the
// queue carries on in memory only.
type Outbox struct {
	mu       sync.Mutex
	path     string
	messages []Message
	logger   zerolog.Logger
}

// LoadOutbox reads the outbox stored at path. A missing, unreadable or corrupt
// file yields an empty queue. An empty path keeps the queue in memory.
func LoadOutbox(path string, logger zerolog.Logger) *Outbox {
	o := &Outbox{
		path:   path,
		logger: logger.With().Str("outbox_path", path).Logger(),
	}

	if path == "" {
		o.logger.Warn().Msg("No outbox path configured, pending messages will not survive a restart")
		return o
	}

	messages, err := readOutbox(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			o.logger.Debug().Msg("No outbox file found, starting empty")
		} else {
			o.logger.Warn().Err(err).Msg("Failed to load outbox, starting empty")
		}
		return o
	}

	o.messages = messages

	o.logger.Info().Int("pending", len(messages)).Msg("Outbox loaded")

	return o
}

func readOutbox(path string) ([]Message, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, nil
	}

	// files written before the envelope existed hold a bare array
	if trimmed[0] == '[' {
		var messages []Message
		if err := json.Unmarshal(trimmed, &messages); err != nil {
			return nil, fmt.Errorf("failed to parse outbox: %w", err)
		}
		return messages, nil
	}

	var f outboxFile
	if err := json.Unmarshal(trimmed, &f); err != nil {
		return nil, fmt.Errorf("failed to parse outbox: %w", err)
	}

	if f.Version > outboxVersion {
		return nil, fmt.Errorf("unsupported outbox version %d", f.Version)
	}

	return f.Messages, nil
}

// Enqueue appends the message and persists the queue.
func (o *Outbox) Enqueue(msg Message) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.messages = append(o.messages, msg)
	o.persistLocked()
}

// Drain removes and returns every queued message, persisting the empty queue.
func (o *Outbox) Drain() []Message {
	o.mu.Lock()
	defer o.mu.Unlock()

	drained := o.messages
	o.messages = nil

	if len(drained) > 0 {
		o.persistLocked()
	}

	return drained
}

// Requeue puts messages back at the head of the queue, ahead of anything
// enqueued since they were drained.
func (o *Outbox) Requeue(msgs []Message) {
	if len(msgs) == 0 {
		return
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	o.messages = append(slices.Clone(msgs), o.messages...)
	o.persistLocked()
}

// Pending returns a copy of the queued messages in delivery order.
func (o *Outbox) Pending() []Message {
	o.mu.Lock()
	defer o.mu.Unlock()

	return slices.Clone(o.messages)
}

// Len returns the number of queued messages.
func (o *Outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()

	return len(o.messages)
}

func (o *Outbox) persistLocked() {
	if o.path == "" {
		return
	}

	if err := writeOutbox(o.path, o.messages); err != nil {
		telemetry.GetMetrics().OutboxPersistErrorsTotal.Add(context.Background(), 1)
		o.logger.Error().Err(err).Int("pending", len(o.messages)).Msg("Failed to persist outbox")
	}
}

// writeOutbox writes the queue atomically.
func writeOutbox(path string, messages []Message) error {
	if messages == nil {
		messages = []Message{}
	}

	data, err := json.MarshalIndent(outboxFile{Version: outboxVersion, Messages: messages}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal outbox: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create outbox directory: %w", err)
	}

	tempPath := path + ".tmp"

	if err := os.WriteFile(tempPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write outbox: %w", err)
	}

	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to save outbox: %w", err)
	}

	return nil
}
