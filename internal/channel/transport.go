package channel

import (
	"context"
	"errors"
)

// ErrConnClosed is returned by Conn.Read once the connection has ended,
// whether the peer closed it or the network dropped it.
var ErrConnClosed = errors.New("connection closed")

// Transport establishes connections to the remote channel.
type Transport interface {
	// Dial performs one handshake. It must give up when ctx is done.
	Dial(ctx context.Context) (Conn, error)
}

// Conn is a single established connection.
type Conn interface {
	// Read blocks until a frame arrives, ctx is done or the connection ends.
	// A ctx deadline must not tear the connection down. Errors that end the
	// connection wrap ErrConnClosed; any other error is treated as a local
	// failure and stops the client without reconnecting.
	Read(ctx context.Context) ([]byte, error)

	// Write sends one frame.
	Write(ctx context.Context, frame []byte) error

	// Close releases the connection. It is safe to call more than once.
	Close() error
}

// ReadKind tags the outcome of a single read.
type ReadKind int

const (
	ReadFrame ReadKind = iota
	ReadTimeout
	ReadClosed
	ReadDecodeError
	ReadCancelled
	ReadFailed
)

func (k ReadKind) String() string {
	switch k {
	case ReadFrame:
		return "frame"
	case ReadTimeout:
		return "timeout"
	case ReadClosed:
		return "closed"
	case ReadDecodeError:
		return "decode_error"
	case ReadCancelled:
		return "cancelled"
	case ReadFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ReadResult is the classified outcome of a read.
type ReadResult struct {
	Kind    ReadKind
	Message Message
	Err     error
}

// classifyRead maps a raw read into a ReadResult. parent is the listen
// context; its cancellation takes precedence over everything else.
func classifyRead(parent context.Context, frame []byte, err error) ReadResult {
	if parent.Err() != nil {
		return ReadResult{Kind: ReadCancelled, Err: parent.Err()}
	}

	if err != nil {
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			return ReadResult{Kind: ReadTimeout, Err: err}
		case errors.Is(err, ErrConnClosed):
			return ReadResult{Kind: ReadClosed, Err: err}
		default:
			return ReadResult{Kind: ReadFailed, Err: err}
		}
	}

	msg, err := DecodeMessage(frame)
	if err != nil {
		return ReadResult{Kind: ReadDecodeError, Err: err}
	}

	return ReadResult{Kind: ReadFrame, Message: msg}
}
