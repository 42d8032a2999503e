package commands

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/restodesk/internal/channel"
)

// recordingHub accepts every connection and keeps the messages it reads.
type recordingHub struct {
	*httptest.Server

	mu       sync.Mutex
	received []channel.Message
}

func newRecordingHub(t *testing.T) *recordingHub {
	t.Helper()

	h := &recordingHub{}
	h.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()

		for {
			_, data, err := conn.Read(r.Context())
			if err != nil {
				return
			}
			msg, err := channel.DecodeMessage(data)
			if err != nil {
				continue
			}
			h.mu.Lock()
			h.received = append(h.received, msg)
			h.mu.Unlock()
		}
	}))
	t.Cleanup(h.Close)

	return h
}

func (h *recordingHub) texts() []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]string, 0, len(h.received))
	for _, msg := range h.received {
		out = append(out, msg.Body["texto"].(string))
	}
	return out
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

// deadURL returns a websocket URL nothing is listening on.
func deadURL(t *testing.T) string {
	t.Helper()

	srv := httptest.NewServer(http.NotFoundHandler())
	url := wsURL(srv)
	srv.Close()
	return url
}

func pending(t *testing.T, path string) []channel.Message {
	t.Helper()
	return channel.LoadOutbox(path, zerolog.Nop()).Pending()
}

func TestSendCmd_HubUnavailable(t *testing.T) {
	outbox := filepath.Join(t.TempDir(), "outbox.json")
	flags := ChannelFlags{Server: deadURL(t), Outbox: outbox, MaxReconnectAttempts: 1}

	cmd := &SendCmd{ChannelFlags: flags, Kind: "pedido", Field: []string{"mesa=4"}, Text: "dos cafes"}
	require.NoError(t, cmd.Run(context.Background(), &Globals{}))

	queued := pending(t, outbox)
	require.Len(t, queued, 1)
	assert.Equal(t, "pedido", queued[0].Kind)
	assert.Equal(t, map[string]any{"mesa": "4", "texto": "dos cafes"}, queued[0].Body)
	assert.NotEmpty(t, queued[0].ID)

	t.Run("second message queues behind the first", func(t *testing.T) {
		cmd := &SendCmd{ChannelFlags: flags, Kind: "chat", Text: "hola"}
		require.NoError(t, cmd.Run(context.Background(), &Globals{}))

		queued := pending(t, outbox)
		require.Len(t, queued, 2)
		assert.Equal(t, "pedido", queued[0].Kind)
		assert.Equal(t, "chat", queued[1].Kind)
	})
}

func TestSendCmd_InvalidField(t *testing.T) {
	outbox := filepath.Join(t.TempDir(), "outbox.json")
	cmd := &SendCmd{
		ChannelFlags: ChannelFlags{Server: deadURL(t), Outbox: outbox},
		Field:        []string{"mesa"},
	}

	err := cmd.Run(context.Background(), &Globals{})
	require.ErrorContains(t, err, "invalid field")
	assert.Empty(t, pending(t, outbox))
}

func TestSendCmd_Delivered(t *testing.T) {
	hub := newRecordingHub(t)
	outbox := filepath.Join(t.TempDir(), "outbox.json")

	cmd := &SendCmd{ChannelFlags: ChannelFlags{Server: wsURL(hub.Server), Outbox: outbox}, Kind: "chat", Text: "hola"}
	require.NoError(t, cmd.Run(context.Background(), &Globals{}))

	require.Eventually(t, func() bool {
		return len(hub.texts()) == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Empty(t, pending(t, outbox))
}

func TestOutboxFlushCmd_Run(t *testing.T) {
	outbox := filepath.Join(t.TempDir(), "outbox.json")

	for _, text := range []string{"uno", "dos", "tres"} {
		cmd := &SendCmd{ChannelFlags: ChannelFlags{Server: deadURL(t), Outbox: outbox}, Kind: "chat", Text: text}
		require.NoError(t, cmd.Run(context.Background(), &Globals{}))
	}
	require.Len(t, pending(t, outbox), 3)

	t.Run("hub still unavailable", func(t *testing.T) {
		cmd := &OutboxFlushCmd{ChannelFlags: ChannelFlags{Server: deadURL(t), Outbox: outbox}}
		err := cmd.Run(context.Background(), &Globals{})
		require.ErrorContains(t, err, "3 message(s) still pending")
		assert.Len(t, pending(t, outbox), 3)
	})

	t.Run("delivers in order", func(t *testing.T) {
		hub := newRecordingHub(t)

		cmd := &OutboxFlushCmd{ChannelFlags: ChannelFlags{Server: wsURL(hub.Server), Outbox: outbox}}
		require.NoError(t, cmd.Run(context.Background(), &Globals{}))

		assert.Empty(t, pending(t, outbox))
		require.Eventually(t, func() bool {
			return len(hub.texts()) == 3
		}, 5*time.Second, 10*time.Millisecond)
		assert.Equal(t, []string{"uno", "dos", "tres"}, hub.texts())
	})

	t.Run("empty outbox does not connect", func(t *testing.T) {
		cmd := &OutboxFlushCmd{ChannelFlags: ChannelFlags{Server: deadURL(t), Outbox: outbox}}
		require.NoError(t, cmd.Run(context.Background(), &Globals{}))
	})
}

func TestListenCmd_ReconnectExhausted(t *testing.T) {
	var accepted atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if accepted.Add(1) > 1 {
			http.Error(w, "restarting", http.StatusServiceUnavailable)
			return
		}

		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		_ = conn.Close(websocket.StatusGoingAway, "restarting")
	}))
	t.Cleanup(srv.Close)

	cmd := &ListenCmd{ChannelFlags: ChannelFlags{
		Server:               wsURL(srv),
		Outbox:               filepath.Join(t.TempDir(), "outbox.json"),
		MaxReconnectAttempts: 1,
		ReconnectDelay:       10 * time.Millisecond,
	}}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := cmd.Run(ctx, &Globals{})
	require.ErrorIs(t, err, channel.ErrReconnectExhausted)
	assert.ErrorContains(t, err, "lost connection to")
	assert.Equal(t, int32(2), accepted.Load())
}

func TestListenCmd_ConnectFailed(t *testing.T) {
	url := deadURL(t)
	cmd := &ListenCmd{ChannelFlags: ChannelFlags{Server: url, Outbox: filepath.Join(t.TempDir(), "outbox.json")}}

	err := cmd.Run(context.Background(), &Globals{})
	require.ErrorContains(t, err, "failed to connect to "+url)
}

func TestListenCmd_StopsOnCancel(t *testing.T) {
	hub := newRecordingHub(t)
	cmd := &ListenCmd{ChannelFlags: ChannelFlags{Server: wsURL(hub.Server), Outbox: filepath.Join(t.TempDir(), "outbox.json")}}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	require.NoError(t, cmd.Run(ctx, &Globals{}))
}
