package channel

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var errDialRefused = errors.New("dial refused")

type fakeRead struct {
	frame []byte
	err   error
}

type fakeConn struct {
	inbound chan fakeRead
	closed  chan struct{}
	once    sync.Once

	mu       sync.Mutex
	written  [][]byte
	writeErr func(n int) error
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound: make(chan fakeRead, 16),
		closed:  make(chan struct{}),
	}
}

func (c *fakeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case r := <-c.inbound:
		return r.frame, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.closed:
		return nil, ErrConnClosed
	}
}

func (c *fakeConn) Write(_ context.Context, frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.writeErr != nil {
		if err := c.writeErr(len(c.written)); err != nil {
			return err
		}
	}
	c.written = append(c.written, frame)
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

// remoteClose simulates the peer closing the connection.
func (c *fakeConn) remoteClose() {
	c.inbound <- fakeRead{err: ErrConnClosed}
}

func (c *fakeConn) push(t *testing.T, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	c.inbound <- fakeRead{frame: data}
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeConn) writtenCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.written)
}

func (c *fakeConn) kinds(t *testing.T) []string {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()

	kinds := make([]string, 0, len(c.written))
	for _, frame := range c.written {
		msg, err := DecodeMessage(frame)
		require.NoError(t, err)
		kinds = append(kinds, msg.Kind)
	}
	return kinds
}

// fakeTransport hands out queued dial results in order. Once the queue is
// empty every dial is refused.
type fakeTransport struct {
	mu      sync.Mutex
	results []dialResult
	dials   []time.Time
}

type dialResult struct {
	conn  *fakeConn
	err   error
	block bool
}

func (f *fakeTransport) queue(results ...dialResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results = append(f.results, results...)
}

func (f *fakeTransport) Dial(ctx context.Context) (Conn, error) {
	f.mu.Lock()
	f.dials = append(f.dials, time.Now())
	var res dialResult
	if len(f.results) > 0 {
		res = f.results[0]
		f.results = f.results[1:]
	} else {
		res = dialResult{err: errDialRefused}
	}
	f.mu.Unlock()

	if res.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if res.err != nil {
		return nil, res.err
	}
	return res.conn, nil
}

func (f *fakeTransport) dialCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.dials)
}

func (f *fakeTransport) dialTimes() []time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Time(nil), f.dials...)
}

// stateRecorder collects state transitions reported to OnStateChange.
type stateRecorder struct {
	mu          sync.Mutex
	transitions [][2]State
}

func (r *stateRecorder) record(from, to State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transitions = append(r.transitions, [2]State{from, to})
}

func (r *stateRecorder) targets() []State {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]State, 0, len(r.transitions))
	for _, tr := range r.transitions {
		out = append(out, tr[1])
	}
	return out
}

func testConfig(t *testing.T) *Config {
	t.Helper()
	return &Config{
		ConnectTimeout:       200 * time.Millisecond,
		MaxReconnectAttempts: 3,
		BackoffInitial:       10 * time.Millisecond,
		BackoffMax:           40 * time.Millisecond,
		OutboxPath:           t.TempDir() + "/outbox.json",
	}
}
