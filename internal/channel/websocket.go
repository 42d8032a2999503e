package channel

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"github.com/coder/websocket"
)

const maxFrameSize = 1 << 20

// WebSocketTransport dials the restodesk hub over WebSocket.
//
// The token is sent as a bearer Authorization header. When the server
// rejects the handshake with 401 or 403 the dial is retried once with the
// token in the "token" query parameter, for proxies that strip headers.
type WebSocketTransport struct {
	url        string
	token      string
	httpClient *http.Client
}

// NewWebSocketTransport creates a transport for the given ws:// or wss:// URL.
func NewWebSocketTransport(rawURL, token string) *WebSocketTransport {
	return &WebSocketTransport{
		url:   rawURL,
		token: token,
	}
}

// WithHTTPClient overrides the HTTP client used for the handshake.
func (t *WebSocketTransport) WithHTTPClient(client *http.Client) *WebSocketTransport {
	t.httpClient = client
	return t
}

// Dial implements Transport.
func (t *WebSocketTransport) Dial(ctx context.Context) (Conn, error) {
	header := http.Header{}
	if t.token != "" {
		header.Set("Authorization", "Bearer "+t.token)
	}

	//nolint:bodyclose
	conn, resp, err := websocket.Dial(ctx, t.url, &websocket.DialOptions{
		HTTPHeader: header,
		HTTPClient: t.httpClient,
	})
	if err != nil && t.token != "" && rejected(resp) {
		queryURL, uerr := withTokenQuery(t.url, t.token)
		if uerr != nil {
			return nil, uerr
		}

		//nolint:bodyclose
		conn, resp, err = websocket.Dial(ctx, queryURL, &websocket.DialOptions{
			HTTPClient: t.httpClient,
		})
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to dial channel (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("failed to dial channel: %w", err)
	}

	return newWSConn(conn), nil
}

func rejected(resp *http.Response) bool {
	if resp == nil {
		return false
	}
	return resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden
}

func withTokenQuery(rawURL, token string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("failed to parse channel url: %w", err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

type readFrame struct {
	data []byte
	err  error
}

// wsConn adapts a websocket.Conn to Conn. A single goroutine owns reads so
// a per-read deadline never closes the underlying socket.
type wsConn struct {
	conn    *websocket.Conn
	frames  chan readFrame
	closing chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc
	once    sync.Once
}

func newWSConn(conn *websocket.Conn) *wsConn {
	conn.SetReadLimit(maxFrameSize)

	ctx, cancel := context.WithCancel(context.Background())
	c := &wsConn{
		conn:    conn,
		frames:  make(chan readFrame),
		closing: make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}

	go c.readLoop()

	return c
}

func (c *wsConn) readLoop() {
	for {
		_, data, err := c.conn.Read(c.ctx)
		if err != nil {
			// the library closes the connection after any failed read
			err = fmt.Errorf("%w: %w", ErrConnClosed, err)
		}

		// after Close starts, keep reading so the close handshake completes
		select {
		case c.frames <- readFrame{data: data, err: err}:
		case <-c.closing:
		case <-c.ctx.Done():
			return
		}

		if err != nil {
			return
		}
	}
}

// Read implements Conn.
func (c *wsConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case f := <-c.frames:
		return f.data, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.closing:
		return nil, ErrConnClosed
	}
}

// Write implements Conn.
func (c *wsConn) Write(ctx context.Context, frame []byte) error {
	if err := c.conn.Write(ctx, websocket.MessageText, frame); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

// Close implements Conn.
func (c *wsConn) Close() error {
	var err error
	c.once.Do(func() {
		close(c.closing)
		err = c.conn.Close(websocket.StatusNormalClosure, "")
		c.cancel()
	})
	return err
}
