package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"
	"github.com/wolfeidau/restodesk/internal/channel"
	"github.com/wolfeidau/restodesk/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	// KindChat frames are relayed to every other connected client.
	KindChat = "chat"

	// KindNotification frames are pushed by the notifications endpoint.
	KindNotification = "notificacion"

	sendBuffer     = 32
	writeTimeout   = 10 * time.Second
	maxFrameSize   = 1 << 20
	heartbeatEvery = 15 * time.Second
)

// Hub tracks connected channel clients and fans frames out to them.
type Hub struct {
	mu      sync.Mutex
	clients map[*client]struct{}
	logger  zerolog.Logger
}

type client struct {
	subject string
	addr    string
	conn    *websocket.Conn
	send    chan []byte
	once    sync.Once
	done    chan struct{}
}

func (c *client) close(code websocket.StatusCode, reason string) {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close(code, reason)
	})
}

// drop tears the connection down without waiting for the close handshake.
func (c *client) drop() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.CloseNow()
	})
}

// New creates an empty hub.
func New(logger zerolog.Logger) *Hub {
	return &Hub{
		clients: make(map[*client]struct{}),
		logger:  logger.With().Str("component", "hub").Logger(),
	}
}

// Count returns the number of connected clients.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Serve runs a client connection until it closes or ctx is done.
// Chat frames are stamped with the sender and relayed to everyone else.
// Malformed frames are logged and skipped.
func (h *Hub) Serve(ctx context.Context, conn *websocket.Conn, subject, addr string) {
	conn.SetReadLimit(maxFrameSize)

	c := &client{
		subject: subject,
		addr:    addr,
		conn:    conn,
		send:    make(chan []byte, sendBuffer),
		done:    make(chan struct{}),
	}

	h.register(ctx, c)
	defer h.unregister(ctx, c)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go h.writePump(ctx, c)
	go heartbeat(ctx, c)

	log := h.logger.With().Str("subject", subject).Str("addr", addr).Logger()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 || errors.Is(err, context.Canceled) {
				log.Debug().Err(err).Msg("Client closed connection")
			} else {
				log.Warn().Err(err).Msg("Failed to read from client")
			}
			return
		}

		msg, err := channel.DecodeMessage(data)
		if err != nil {
			log.Warn().Err(err).Msg("Ignoring malformed frame")
			continue
		}

		switch msg.Kind {
		case KindChat:
			if msg.Body == nil {
				msg.Body = map[string]any{}
			}
			msg.Body["autor"] = subject
			if _, err := h.broadcast(ctx, msg, c); err != nil {
				log.Error().Err(err).Msg("Failed to relay chat message")
			}
		default:
			log.Debug().Str("kind", msg.Kind).Msg("Ignoring frame kind")
		}
	}
}

// Broadcast delivers msg to every connected client and returns how many
// clients it was queued for. Clients whose send buffer is full are disconnected.
func (h *Hub) Broadcast(ctx context.Context, msg channel.Message) (int, error) {
	return h.broadcast(ctx, msg, nil)
}

func (h *Hub) broadcast(ctx context.Context, msg channel.Message, exclude *client) (int, error) {
	frame, err := json.Marshal(msg)
	if err != nil {
		return 0, fmt.Errorf("failed to encode frame: %w", err)
	}

	h.mu.Lock()
	targets := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		if c == exclude {
			continue
		}
		targets = append(targets, c)
	}
	h.mu.Unlock()

	delivered := 0
	for _, c := range targets {
		select {
		case c.send <- frame:
			delivered++
		case <-c.done:
		default:
			h.logger.Warn().Str("subject", c.subject).Msg("Client too slow, disconnecting")
			c.drop()
		}
	}

	telemetry.GetMetrics().HubBroadcastsTotal.Add(ctx, 1,
		metric.WithAttributes(attribute.String("kind", msg.Kind)))

	h.logger.Debug().
		Str("kind", msg.Kind).
		Str("id", msg.ID).
		Int("delivered", delivered).
		Msg("Frame broadcast")

	return delivered, nil
}

// DisconnectAll closes every client connection and returns how many were closed.
func (h *Hub) DisconnectAll(reason string) int {
	h.mu.Lock()
	targets := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.Unlock()

	for _, c := range targets {
		c.close(websocket.StatusGoingAway, reason)
	}

	h.logger.Info().Int("clients", len(targets)).Str("reason", reason).Msg("Disconnected all clients")

	return len(targets)
}

func (h *Hub) register(ctx context.Context, c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	count := len(h.clients)
	h.mu.Unlock()

	telemetry.GetMetrics().HubActiveConnections.Add(ctx, 1)
	h.logger.Info().Str("subject", c.subject).Str("addr", c.addr).Int("clients", count).Msg("Client connected")
}

func (h *Hub) unregister(ctx context.Context, c *client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	count := len(h.clients)
	h.mu.Unlock()

	c.close(websocket.StatusNormalClosure, "")

	if ok {
		telemetry.GetMetrics().HubActiveConnections.Add(context.WithoutCancel(ctx), -1)
		h.logger.Info().Str("subject", c.subject).Int("clients", count).Msg("Client disconnected")
	}
}

func (h *Hub) writePump(ctx context.Context, c *client) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case frame := <-c.send:
			writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := c.conn.Write(writeCtx, websocket.MessageText, frame)
			cancel()
			if err != nil {
				h.logger.Debug().Err(err).Str("subject", c.subject).Msg("Failed to write to client")
				c.close(websocket.StatusInternalError, "write failed")
				return
			}
		}
	}
}

// heartbeat pings the client so idle connections behind proxies stay open.
func heartbeat(ctx context.Context, c *client) {
	ticker := time.NewTicker(heartbeatEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := c.conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return
			}
		}
	}
}
