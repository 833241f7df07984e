package transport

import (
	"context"
	"errors"
	"time"

	"github.com/vango-dev/tether/pkg/protocol"
)

var (
	// ErrClosed is returned by Accept once StopListening has been called.
	ErrClosed = errors.New("transport: closed")

	// ErrConnClosed is returned by Conn operations after Close.
	ErrConnClosed = errors.New("transport: connection closed")
)

// Conn is one accepted or dialed connection carrying protocol frames.
//
// ReadFrame must only be called from one goroutine at a time. WriteFrame is
// safe for concurrent use; frames are never interleaved. Close is idempotent
// and unblocks pending reads and writes.
type Conn interface {
	ReadFrame() (*protocol.Frame, error)
	WriteFrame(f *protocol.Frame) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	RemoteAddr() string
	Close() error
}

// Transport accepts raw connections.
type Transport interface {
	// Accept blocks until a connection arrives, ctx is done, or the
	// transport stops listening. Errors other than ErrClosed and ctx errors
	// are transient: the caller may retry.
	Accept(ctx context.Context) (Conn, error)

	// StopListening releases the listening resource and unblocks Accept.
	StopListening() error
}
