package server

import (
	"errors"
	"fmt"
)

// Sentinel errors for session and server conditions.
var (
	// ErrSessionShutdown is returned when recovering or using a session that
	// has been shut down.
	ErrSessionShutdown = errors.New("server: session shut down")

	// ErrSessionNotFound is returned when a session id is not registered.
	ErrSessionNotFound = errors.New("server: session not found")

	// ErrManagerClosed is returned when creating a session after the
	// registry has been shut down.
	ErrManagerClosed = errors.New("server: session manager closed")

	// ErrIDSpaceExhausted is returned when no free session id remains. It is
	// the only error that stops the accept loop.
	ErrIDSpaceExhausted = errors.New("server: ran out of client ids")

	// ErrVersionMismatch is returned by dispatch when a new-session request
	// declares a different protocol version.
	ErrVersionMismatch = errors.New("server: protocol version mismatch")

	// ErrUnknownClient is returned by dispatch when a recovery names an id
	// that is not live.
	ErrUnknownClient = errors.New("server: tried to revive an unknown client")

	// ErrNilConn is returned when a nil connection is handed to a session.
	ErrNilConn = errors.New("server: nil connection")

	// ErrServerRunning is returned by Run when the server is already running.
	ErrServerRunning = errors.New("server: already running")

	// ErrServerClosed is returned by Run when called after Close.
	ErrServerClosed = errors.New("server: closed")
)

// SessionError wraps an error with the session it happened on.
type SessionError struct {
	SessionID int64
	Op        string
	Err       error
}

func (e *SessionError) Error() string {
	return fmt.Sprintf("server: session %d: %s: %v", e.SessionID, e.Op, e.Err)
}

func (e *SessionError) Unwrap() error {
	return e.Err
}

func newSessionError(id int64, op string, err error) *SessionError {
	return &SessionError{SessionID: id, Op: op, Err: err}
}

// HandlerPanicError reports a panic raised by a SessionHandler.
type HandlerPanicError struct {
	SessionID int64
	Panic     any
	Stack     []byte
}

func (e *HandlerPanicError) Error() string {
	return fmt.Sprintf("server: session handler panic in session %d: %v", e.SessionID, e.Panic)
}
