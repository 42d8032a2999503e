package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/wolfeidau/restodesk/internal/telemetry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/wolfeidau/restodesk/internal/channel"

// ErrReconnectExhausted is reported to the error callback when every
// automatic reconnection attempt has failed.
var ErrReconnectExhausted = errors.New("reconnect attempts exhausted")

// State is the connection state of a Client.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateReconnecting:
		return "RECONNECTING"
	default:
		return "UNKNOWN"
	}
}

// Client keeps one logical connection to the remote channel and a durable
// outbox of messages that could not be delivered immediately.
//
// Connect failures are reported to the caller and never retried. Once
// connected, a remote close moves the client to RECONNECTING and it redials
// with exponential backoff up to MaxReconnectAttempts.
type Client struct {
	transport Transport
	cfg       *Config
	outbox    *Outbox
	logger    zerolog.Logger
	tracer    trace.Tracer

	mu     sync.Mutex
	state  State
	conn   Conn
	cancel context.CancelFunc
	done   chan struct{}
	// flushing is set while the outbox drains; sends queue behind it
	flushing bool

	// writeMu serialises frames written to the connection
	writeMu sync.Mutex

	cbMu      sync.RWMutex
	onMessage func(Message)
	onError   func(error)
	onState   func(from, to State)
}

// NewClient creates a disconnected client and loads its outbox.
func NewClient(transport Transport, cfg *Config, logger zerolog.Logger) *Client {
	cfg = cfg.withDefaults()

	return &Client{
		transport: transport,
		cfg:       cfg,
		outbox:    LoadOutbox(cfg.OutboxPath, logger),
		logger:    logger.With().Str("component", "channel").Logger(),
		tracer:    otel.Tracer(tracerName),
		state:     StateDisconnected,
	}
}

// OnMessage registers the callback for inbound messages, replacing any previous one.
// Invocations are serialised in arrival order.
func (c *Client) OnMessage(fn func(Message)) {
	c.cbMu.Lock()
	defer c.cbMu.Unlock()
	c.onMessage = fn
}

// OnError registers the callback for listen loop failures, replacing any previous one.
func (c *Client) OnError(fn func(error)) {
	c.cbMu.Lock()
	defer c.cbMu.Unlock()
	c.onError = fn
}

// OnStateChange registers the callback for state transitions, replacing any previous one.
func (c *Client) OnStateChange(fn func(from, to State)) {
	c.cbMu.Lock()
	defer c.cbMu.Unlock()
	c.onState = fn
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Pending returns the messages waiting in the outbox.
func (c *Client) Pending() []Message {
	return c.outbox.Pending()
}

// Connect performs a single handshake bounded by ConnectTimeout.
// On success the listen loop is started and the outbox is flushed.
// A failed handshake leaves the client DISCONNECTED and is not retried.
func (c *Client) Connect(ctx context.Context) bool {
	c.mu.Lock()
	switch c.state {
	case StateConnected:
		c.mu.Unlock()
		return true
	case StateConnecting, StateReconnecting:
		state := c.state
		c.mu.Unlock()
		c.logger.Warn().Stringer("state", state).Msg("Connect called while a connection attempt is in progress")
		return false
	}
	from := c.state
	c.state = StateConnecting
	c.mu.Unlock()
	c.notifyState(from, StateConnecting)

	ctx, span := c.tracer.Start(ctx, "channel.connect")
	defer span.End()

	telemetry.GetMetrics().ChannelConnectAttemptsTotal.Add(ctx, 1)
	c.logger.Info().Dur("timeout", c.cfg.ConnectTimeout).Msg("Connecting to channel")

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	conn, err := c.transport.Dial(dialCtx)
	cancel()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "dial failed")
		c.logger.Warn().Err(err).Msg("Failed to connect to channel")
		c.transitionIf(StateConnecting, StateDisconnected)
		return false
	}

	if !c.attach(conn, StateConnecting) {
		_ = conn.Close()
		c.logger.Info().Msg("Connect abandoned, client was disconnected during the handshake")
		return false
	}

	c.logger.Info().Msg("Connected to channel")

	c.flush(ctx)

	return true
}

// attach installs conn and starts the run loop if the client is still in
// the expected state.
func (c *Client) attach(conn Conn, expected State) bool {
	c.mu.Lock()
	if c.state != expected {
		c.mu.Unlock()
		return false
	}

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	c.conn = conn
	c.cancel = cancel
	c.done = done
	c.state = StateConnected
	c.flushing = true
	c.mu.Unlock()

	c.notifyState(expected, StateConnected)

	go c.run(runCtx, conn, done)

	return true
}

// Send writes the message when connected. Otherwise, or when the write
// fails, the message is queued in the outbox and false is returned; the
// message is deferred, not lost. While the outbox is being flushed the
// message is queued behind the older ones and goes out with that flush.
func (c *Client) Send(ctx context.Context, msg Message) bool {
	if msg.ID == "" {
		msg.ID = newMessageID()
	}

	c.mu.Lock()
	conn := c.conn
	connected := c.state == StateConnected
	if connected && c.flushing {
		// the running flush drains this before it clears flushing
		c.outbox.Enqueue(msg)
		c.mu.Unlock()
		c.deferred(ctx, msg)
		return false
	}
	c.mu.Unlock()

	if connected && conn != nil {
		err := c.write(ctx, conn, msg)
		if err == nil {
			return true
		}
		c.logger.Warn().Err(err).Str("kind", msg.Kind).Msg("Failed to send message, deferring to outbox")
	}

	c.outbox.Enqueue(msg)
	c.deferred(ctx, msg)

	return false
}

func (c *Client) deferred(ctx context.Context, msg Message) {
	telemetry.GetMetrics().ChannelMessagesDeferredTotal.Add(ctx, 1)

	c.logger.Debug().
		Str("kind", msg.Kind).
		Str("id", msg.ID).
		Int("pending", c.outbox.Len()).
		Msg("Message deferred")
}

// Disconnect stops the listen loop, closes the connection and leaves the
// client DISCONNECTED. It is safe to call repeatedly. It must not be called
// from inside the message or error callbacks.
func (c *Client) Disconnect() {
	c.mu.Lock()
	cancel, done, conn := c.cancel, c.done, c.conn
	c.cancel, c.done, c.conn = nil, nil, nil
	c.flushing = false
	from := c.state
	c.state = StateDisconnected
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		if err := conn.Close(); err != nil {
			c.logger.Debug().Err(err).Msg("Error closing connection")
		}
	}
	if done != nil {
		<-done
	}

	if from != StateDisconnected {
		c.notifyState(from, StateDisconnected)
		c.logger.Info().Stringer("from", from).Msg("Disconnected from channel")
	}
}

type listenOutcome int

const (
	listenCancelled listenOutcome = iota
	listenClosed
	listenFailed
)

// run owns a connection until it is cancelled, fails, or reconnection gives up.
func (c *Client) run(ctx context.Context, conn Conn, done chan struct{}) {
	defer close(done)

	for {
		switch c.listen(ctx, conn) {
		case listenCancelled:
			return

		case listenFailed:
			_ = conn.Close()
			c.detach(conn)
			return

		case listenClosed:
			_ = conn.Close()
			if !c.transitionIf(StateConnected, StateReconnecting) {
				return
			}

			next := c.reconnect(ctx)
			if next == nil {
				return
			}
			conn = next
		}
	}
}

// listen reads frames until the connection ends.
func (c *Client) listen(ctx context.Context, conn Conn) listenOutcome {
	metrics := telemetry.GetMetrics()

	for {
		readCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
		frame, err := conn.Read(readCtx)
		cancel()

		res := classifyRead(ctx, frame, err)

		switch res.Kind {
		case ReadFrame:
			metrics.ChannelMessagesReceivedTotal.Add(ctx, 1,
				metric.WithAttributes(attribute.String("kind", res.Message.Kind)))
			c.logger.Debug().
				Str("kind", res.Message.Kind).
				Str("id", res.Message.ID).
				Msg("Message received")
			c.dispatch(res.Message)

		case ReadTimeout:
			continue

		case ReadDecodeError:
			metrics.ChannelDecodeErrorsTotal.Add(ctx, 1)
			c.logger.Warn().Err(res.Err).Int("bytes", len(frame)).Msg("Discarding malformed frame")

		case ReadClosed:
			c.logger.Info().Err(res.Err).Msg("Channel connection lost")
			return listenClosed

		case ReadCancelled:
			return listenCancelled

		case ReadFailed:
			c.logger.Error().Err(res.Err).Msg("Channel listen loop failed")
			c.emitError(res.Err)
			return listenFailed
		}
	}
}

// reconnect redials with exponential backoff. It returns the new connection,
// or nil when cancelled or when every attempt failed.
func (c *Client) reconnect(ctx context.Context) Conn {
	b := c.cfg.newBackOff()
	metrics := telemetry.GetMetrics()

	for attempt := 1; attempt <= c.cfg.MaxReconnectAttempts; attempt++ {
		delay := b.NextBackOff()

		c.logger.Info().
			Int("attempt", attempt).
			Int("max_attempts", c.cfg.MaxReconnectAttempts).
			Dur("delay", delay).
			Msg("Reconnecting to channel")

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil
		}

		metrics.ChannelReconnectAttemptsTotal.Add(ctx, 1)

		dialCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
		conn, err := c.transport.Dial(dialCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Warn().Err(err).Int("attempt", attempt).Msg("Reconnection attempt failed")
			continue
		}

		c.mu.Lock()
		if c.state != StateReconnecting || ctx.Err() != nil {
			c.mu.Unlock()
			_ = conn.Close()
			return nil
		}
		c.conn = conn
		c.state = StateConnected
		c.flushing = true
		c.mu.Unlock()

		c.notifyState(StateReconnecting, StateConnected)
		c.logger.Info().Int("attempt", attempt).Msg("Reconnected to channel")

		c.flush(ctx)

		return conn
	}

	c.mu.Lock()
	exhausted := c.state == StateReconnecting
	if exhausted {
		if c.cancel != nil {
			c.cancel()
		}
		c.conn, c.cancel, c.done = nil, nil, nil
		c.state = StateDisconnected
	}
	c.mu.Unlock()

	if exhausted {
		c.notifyState(StateReconnecting, StateDisconnected)
		err := fmt.Errorf("%w after %d attempts", ErrReconnectExhausted, c.cfg.MaxReconnectAttempts)
		c.logger.Error().Err(err).Msg("Giving up on channel")
		c.emitError(err)
	}

	return nil
}

// flush drains the outbox in FIFO order until it is empty, including
// messages queued by Send while the flush runs. A message that fails to send
// is put back at the head of the outbox together with everything after it.
func (c *Client) flush(ctx context.Context) {
	sent := 0

	for {
		c.mu.Lock()
		conn := c.conn
		pending := c.outbox.Drain()
		if len(pending) == 0 {
			c.flushing = false
			c.mu.Unlock()
			if sent > 0 {
				c.logger.Info().Int("sent", sent).Msg("Outbox flushed")
			}
			return
		}
		c.mu.Unlock()

		c.logger.Info().Int("pending", len(pending)).Msg("Flushing outbox")

		for i, msg := range pending {
			var err error
			if conn == nil {
				err = ErrConnClosed
			} else {
				err = c.write(ctx, conn, msg)
			}

			if err != nil {
				c.mu.Lock()
				c.outbox.Requeue(pending[i:])
				c.flushing = false
				c.mu.Unlock()

				c.logger.Warn().
					Err(err).
					Int("sent", sent+i).
					Int("requeued", len(pending)-i).
					Msg("Outbox flush interrupted")
				return
			}
		}

		sent += len(pending)
	}
}

func (c *Client) write(ctx context.Context, conn Conn, msg Message) error {
	frame, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}

	writeCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()

	c.writeMu.Lock()
	err = conn.Write(writeCtx, frame)
	c.writeMu.Unlock()
	if err != nil {
		return err
	}

	telemetry.GetMetrics().ChannelMessagesSentTotal.Add(ctx, 1,
		metric.WithAttributes(attribute.String("kind", msg.Kind)))

	return nil
}

// detach clears conn after the listen loop failed, unless it was already replaced.
func (c *Client) detach(conn Conn) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	from := c.state
	if c.cancel != nil {
		c.cancel()
	}
	c.conn, c.cancel, c.done = nil, nil, nil
	c.state = StateDisconnected
	c.mu.Unlock()

	c.notifyState(from, StateDisconnected)
}

func (c *Client) transitionIf(from, to State) bool {
	c.mu.Lock()
	if c.state != from {
		c.mu.Unlock()
		return false
	}
	c.state = to
	c.mu.Unlock()

	c.notifyState(from, to)
	return true
}

func (c *Client) dispatch(msg Message) {
	c.cbMu.RLock()
	fn := c.onMessage
	c.cbMu.RUnlock()

	if fn != nil {
		fn(msg)
	}
}

func (c *Client) emitError(err error) {
	c.cbMu.RLock()
	fn := c.onError
	c.cbMu.RUnlock()

	if fn != nil {
		fn(err)
	}
}

func (c *Client) notifyState(from, to State) {
	if from == to {
		return
	}

	c.logger.Debug().Stringer("from", from).Stringer("to", to).Msg("Channel state changed")

	c.cbMu.RLock()
	fn := c.onState
	c.cbMu.RUnlock()

	if fn != nil {
		fn(from, to)
	}
}
