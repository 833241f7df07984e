package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/vango-dev/tether/pkg/protocol"
	"github.com/vango-dev/tether/pkg/transport"
)

// Outcome classifies how a handshake ended.
type Outcome uint8

const (
	// OutcomeAdmitted: a new session was registered and accepted.
	OutcomeAdmitted Outcome = iota
	// OutcomeRecovered: an existing session took over the connection.
	OutcomeRecovered
	// OutcomeVetoed: the session handler refused a new session.
	OutcomeVetoed
	// OutcomeRejectedUnknown: a recover named an id that is not live.
	OutcomeRejectedUnknown
	// OutcomeRejectedVersion: a new-session request had the wrong version.
	OutcomeRejectedVersion
	// OutcomeRejectedMalformed: the handshake could not be read, decoded or
	// answered.
	OutcomeRejectedMalformed
	// OutcomeRejectedClosed: the server was shutting down.
	OutcomeRejectedClosed
	// OutcomeRejectedExhausted: no session id was free.
	OutcomeRejectedExhausted
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAdmitted:
		return "admitted"
	case OutcomeRecovered:
		return "recovered"
	case OutcomeVetoed:
		return "vetoed"
	case OutcomeRejectedUnknown:
		return "rejected_unknown"
	case OutcomeRejectedVersion:
		return "rejected_version"
	case OutcomeRejectedMalformed:
		return "rejected_malformed"
	case OutcomeRejectedClosed:
		return "rejected_closed"
	case OutcomeRejectedExhausted:
		return "rejected_exhausted"
	default:
		return "unknown"
	}
}

// DispatchResult describes one handshake.
type DispatchResult struct {
	Outcome  Outcome
	ClientID int64
	// Session is set for admitted and recovered outcomes.
	Session *Session
	Err     error
}

// DispatchFunc runs the handshake on a freshly accepted connection. It owns
// conn: it either hands it to a Session or closes it.
type DispatchFunc func(ctx context.Context, conn transport.Conn) DispatchResult

// Middleware wraps a DispatchFunc.
type Middleware func(next DispatchFunc) DispatchFunc

type connIDKey struct{}

// WithConnID returns a context carrying the connection id assigned at accept.
func WithConnID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, connIDKey{}, id)
}

// ConnIDFromContext returns the connection id set by the accept loop.
func ConnIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(connIDKey{}).(string)
	return id
}

func (s *Server) dispatch(ctx context.Context, conn transport.Conn) DispatchResult {
	logger := s.logger.With("conn_id", ConnIDFromContext(ctx), "remote_addr", conn.RemoteAddr())

	req, err := s.readRequest(ctx, conn)
	if err != nil {
		_ = conn.Close()
		logger.Debug("handshake failed", "error", err)
		return DispatchResult{Outcome: OutcomeRejectedMalformed, ClientID: protocol.NoClientID, Err: err}
	}
	_ = conn.SetReadDeadline(time.Time{})

	if req.IsNewSession() {
		return s.admitNew(conn, req, logger)
	}
	return s.recoverExisting(conn, req.ClientID, logger)
}

func (s *Server) readRequest(ctx context.Context, conn transport.Conn) (*protocol.ConnectRequest, error) {
	if err := conn.SetReadDeadline(time.Now().Add(s.config.HandshakeTimeout)); err != nil {
		return nil, err
	}
	// dispatch clears the deadline after a successful read, so a cancel that
	// already fired must finish setting it before we return.
	fired := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetReadDeadline(time.Now())
		close(fired)
	})
	f, err := conn.ReadFrame()
	if !stop() {
		<-fired
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("read handshake: %w", err)
	}
	req, err := protocol.ParseConnectRequest(f)
	if err != nil {
		return nil, fmt.Errorf("decode handshake: %w", err)
	}
	return req, nil
}

func (s *Server) writeResponse(conn transport.Conn, resp *protocol.ConnectResponse) error {
	if err := conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout)); err != nil {
		return err
	}
	if err := conn.WriteFrame(protocol.HandshakeFrame(protocol.EncodeConnectResponse(resp))); err != nil {
		return fmt.Errorf("write handshake response: %w", err)
	}
	return conn.SetWriteDeadline(time.Time{})
}

func (s *Server) admitNew(conn transport.Conn, req *protocol.ConnectRequest, logger *slog.Logger) DispatchResult {
	if req.Version != s.config.ProtocolVersion {
		msg := protocol.VersionMismatchMessage(req.Version, s.config.ProtocolVersion)
		_ = s.writeResponse(conn, &protocol.ConnectResponse{ClientID: protocol.NoClientID, Error: msg})
		_ = conn.Close()
		logger.Warn("protocol version mismatch", "client_version", req.Version, "server_version", s.config.ProtocolVersion)
		return DispatchResult{
			Outcome:  OutcomeRejectedVersion,
			ClientID: protocol.NoClientID,
			Err:      fmt.Errorf("%w: %s", ErrVersionMismatch, msg),
		}
	}

	session, err := s.sessions.Create(conn, conn.RemoteAddr())
	if err != nil {
		_ = conn.Close()
		outcome := OutcomeRejectedMalformed
		switch {
		case errors.Is(err, ErrManagerClosed):
			outcome = OutcomeRejectedClosed
			logger.Debug("new session refused, server closing")
		case errors.Is(err, ErrIDSpaceExhausted):
			outcome = OutcomeRejectedExhausted
			logger.Error("ran out of client ids")
		}
		return DispatchResult{Outcome: outcome, ClientID: protocol.NoClientID, Err: err}
	}
	id := session.ID()

	if err := s.writeResponse(conn, &protocol.ConnectResponse{ClientID: id}); err != nil {
		s.sessions.Remove(id)
		logger.Debug("new session response failed", "session_id", id, "error", err)
		return DispatchResult{Outcome: OutcomeRejectedMalformed, ClientID: id, Err: newSessionError(id, "admit", err)}
	}

	if !s.callHandler(session) {
		s.sessions.Remove(id)
		logger.Info("new session vetoed", "session_id", id)
		return DispatchResult{Outcome: OutcomeVetoed, ClientID: id}
	}
	if !session.activate() {
		return DispatchResult{Outcome: OutcomeRejectedClosed, ClientID: id, Err: newSessionError(id, "admit", ErrSessionShutdown)}
	}
	return DispatchResult{Outcome: OutcomeAdmitted, ClientID: id, Session: session}
}

// callHandler runs the admission callback. A panic counts as a veto.
func (s *Server) callHandler(session *Session) (admitted bool) {
	h := s.config.Handler
	if h == nil {
		return true
	}
	defer func() {
		if r := recover(); r != nil {
			err := &HandlerPanicError{SessionID: session.ID(), Panic: r, Stack: debug.Stack()}
			s.logger.Error("session handler panic",
				"session_id", session.ID(),
				"error", err,
				"stack", string(err.Stack))
			admitted = false
		}
	}()
	return h.OnNewSession(session)
}

func (s *Server) recoverExisting(conn transport.Conn, id int64, logger *slog.Logger) DispatchResult {
	session := s.sessions.Get(id)
	if session == nil {
		_ = conn.Close()
		logger.Warn("tried to revive an unknown client", "session_id", id)
		return DispatchResult{Outcome: OutcomeRejectedUnknown, ClientID: id, Err: fmt.Errorf("%w: %d", ErrUnknownClient, id)}
	}
	if err := session.Recover(conn); err != nil {
		_ = conn.Close()
		logger.Warn("recover lost to shutdown", "session_id", id)
		return DispatchResult{Outcome: OutcomeRejectedUnknown, ClientID: id, Err: newSessionError(id, "recover", err)}
	}
	logger.Info("session recovered", "session_id", id)
	return DispatchResult{Outcome: OutcomeRecovered, ClientID: id, Session: session}
}
