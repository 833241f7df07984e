package server

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/vango-dev/tether/pkg/protocol"
	"github.com/vango-dev/tether/pkg/transport"
)

// SessionState is the lifecycle state of a Session.
type SessionState uint8

const (
	// StateCreated is a registered session whose admission callback has not
	// yet accepted it.
	StateCreated SessionState = iota

	// StateActive is an admitted session.
	StateActive

	// StateShutdown is terminal.
	StateShutdown
)

func (s SessionState) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateActive:
		return "active"
	case StateShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// Session is one logical client. Its id survives reconnects; the transport
// connection underneath it is replaced by Recover.
type Session struct {
	id         int64
	key        []byte
	remoteAddr string
	createdAt  time.Time

	mu              sync.Mutex
	conn            transport.Conn
	state           SessionState
	generation      uint64
	recovered       chan struct{} // closed and replaced on every recover
	done            chan struct{}
	lastRecoveredAt time.Time
	recoverCount    uint64
	lastRemoteAddr  string

	logger *slog.Logger
}

// SessionStats is a point-in-time view of a Session.
type SessionStats struct {
	ID              int64     `json:"id"`
	State           string    `json:"state"`
	RemoteAddr      string    `json:"remote_addr"`
	LastRemoteAddr  string    `json:"last_remote_addr"`
	CreatedAt       time.Time `json:"created_at"`
	LastRecoveredAt time.Time `json:"last_recovered_at,omitempty"`
	RecoverCount    uint64    `json:"recover_count"`
	Generation      uint64    `json:"generation"`
}

func newSession(id int64, key []byte, conn transport.Conn, remoteAddr string, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		id:             id,
		key:            append([]byte(nil), key...),
		remoteAddr:     remoteAddr,
		lastRemoteAddr: remoteAddr,
		createdAt:      time.Now(),
		conn:           conn,
		state:          StateCreated,
		recovered:      make(chan struct{}),
		done:           make(chan struct{}),
		logger:         logger.With("session_id", id),
	}
}

// ID returns the session id.
func (s *Session) ID() int64 { return s.id }

// Key returns a copy of the pre-shared key the session was created with.
func (s *Session) Key() []byte {
	return append([]byte(nil), s.key...)
}

// RemoteAddr returns the address of the connection that created the session.
func (s *Session) RemoteAddr() string { return s.remoteAddr }

// CreatedAt returns when the session was registered.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// State returns the current lifecycle state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// IsShutdown reports whether Shutdown has run.
func (s *Session) IsShutdown() bool {
	return s.State() == StateShutdown
}

// Generation counts completed recovers.
func (s *Session) Generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation
}

// Conn returns the current connection, or nil after shutdown.
func (s *Session) Conn() transport.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

// Done is closed when the session shuts down.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Recovered returns a channel that is closed by the next successful
// Recover. Call it again afterwards to wait for the one after that.
func (s *Session) Recovered() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recovered
}

// Stats returns a snapshot of the session.
func (s *Session) Stats() SessionStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionStats{
		ID:              s.id,
		State:           s.state.String(),
		RemoteAddr:      s.remoteAddr,
		LastRemoteAddr:  s.lastRemoteAddr,
		CreatedAt:       s.createdAt,
		LastRecoveredAt: s.lastRecoveredAt,
		RecoverCount:    s.recoverCount,
		Generation:      s.generation,
	}
}

// Recover replaces the session's connection with conn and closes the one it
// displaces. Data buffered on the old connection is lost. It returns
// ErrSessionShutdown, leaving conn untouched, if the session has shut down.
func (s *Session) Recover(conn transport.Conn) error {
	if conn == nil {
		return ErrNilConn
	}
	s.mu.Lock()
	if s.state == StateShutdown {
		s.mu.Unlock()
		return ErrSessionShutdown
	}
	old := s.conn
	s.conn = conn
	s.generation++
	s.recoverCount++
	s.lastRecoveredAt = time.Now()
	if addr := conn.RemoteAddr(); addr != "" {
		s.lastRemoteAddr = addr
	}
	close(s.recovered)
	s.recovered = make(chan struct{})
	gen := s.generation
	s.mu.Unlock()

	if old != nil && old != conn {
		_ = old.Close()
	}
	s.logger.Debug("session recovered", "generation", gen, "remote_addr", conn.RemoteAddr())
	return nil
}

// Shutdown moves the session to StateShutdown and closes its connection.
// It is safe to call more than once.
func (s *Session) Shutdown() {
	s.mu.Lock()
	if s.state == StateShutdown {
		s.mu.Unlock()
		return
	}
	s.state = StateShutdown
	conn := s.conn
	s.conn = nil
	close(s.done)
	s.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	s.logger.Debug("session shut down")
}

// activate moves a created session to StateActive. It reports false if the
// session shut down first.
func (s *Session) activate() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateCreated:
		s.state = StateActive
		return true
	case StateActive:
		return true
	default:
		return false
	}
}

// current returns the connection together with the recover channel of its
// generation.
func (s *Session) current() (transport.Conn, <-chan struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateShutdown {
		return nil, nil, ErrSessionShutdown
	}
	return s.conn, s.recovered, nil
}

// await blocks until the generation behind recovered is replaced, the
// session shuts down, or ctx is done.
func (s *Session) await(ctx context.Context, recovered <-chan struct{}) error {
	select {
	case <-recovered:
		return nil
	case <-s.done:
		return ErrSessionShutdown
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ReadFrame reads the next frame from the current connection. When the
// connection fails it waits for the client to recover and reads from the
// replacement. It returns ErrSessionShutdown once the session is shut down.
func (s *Session) ReadFrame(ctx context.Context) (*protocol.Frame, error) {
	for {
		conn, recovered, err := s.current()
		if err != nil {
			return nil, err
		}
		f, err := readWithContext(ctx, conn)
		if err == nil {
			return f, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		s.logger.Debug("session read failed, awaiting recover", "error", err)
		if err := s.await(ctx, recovered); err != nil {
			return nil, err
		}
	}
}

// WriteFrame writes f to the current connection, retrying on the
// replacement connection if the write fails before a recover.
func (s *Session) WriteFrame(ctx context.Context, f *protocol.Frame) error {
	for {
		conn, recovered, err := s.current()
		if err != nil {
			return err
		}
		err = writeWithContext(ctx, conn, f)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.logger.Debug("session write failed, awaiting recover", "error", err)
		if err := s.await(ctx, recovered); err != nil {
			return err
		}
	}
}

// readWithContext interrupts a blocked read by moving the deadline when ctx
// is done. The deadline is cleared again before returning.
func readWithContext(ctx context.Context, conn transport.Conn) (*protocol.Frame, error) {
	fired := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetReadDeadline(time.Now())
		close(fired)
	})
	f, err := conn.ReadFrame()
	if !stop() {
		<-fired
		_ = conn.SetReadDeadline(time.Time{})
	}
	return f, err
}

func writeWithContext(ctx context.Context, conn transport.Conn, f *protocol.Frame) error {
	fired := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetWriteDeadline(time.Now())
		close(fired)
	})
	err := conn.WriteFrame(f)
	if !stop() {
		<-fired
		_ = conn.SetWriteDeadline(time.Time{})
	}
	return err
}
