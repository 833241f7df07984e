// Package echo is a minimal session service: every data frame a client
// sends is written back on the same session. tetherd runs it by default
// and the probe and bench tools use it to check that a session survives a
// reconnect.
package echo

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/vango-dev/tether/pkg/protocol"
	"github.com/vango-dev/tether/pkg/server"
	"github.com/vango-dev/tether/pkg/transport"
)

// DefaultTimeout bounds RoundTrip and KeyCheck when ctx has no deadline.
const DefaultTimeout = 5 * time.Second

// KeyCheckRequest is the control payload that asks Serve for the session's
// key check value. The reply is a control frame carrying the same bytes
// followed by the value, or nothing more when the session has no key.
var KeyCheckRequest = []byte("key-check")

// ErrNoServerKey is returned by KeyCheck when the server session has no key.
var ErrNoServerKey = errors.New("echo: server session has no key")

// Handler admits every session and echoes its data frames back until the
// session shuts down. Reads and writes follow the session across
// recovers.
func Handler(logger *slog.Logger) server.SessionHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return server.SessionHandlerFunc(func(s *server.Session) bool {
		go Serve(s, logger.With("component", "echo", "session_id", s.ID()))
		return true
	})
}

// Serve runs the echo loop for s. It returns when s shuts down.
func Serve(s *server.Session, logger *slog.Logger) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-s.Done()
		cancel()
	}()

	for {
		f, err := s.ReadFrame(ctx)
		if err != nil {
			logStop(ctx, logger, "read", err)
			return
		}
		reply := replyTo(s, f, logger)
		if reply == nil {
			continue
		}
		if err := s.WriteFrame(ctx, reply); err != nil {
			logStop(ctx, logger, "write", err)
			return
		}
	}
}

// replyTo returns the frame to send back for f, or nil to send nothing.
func replyTo(s *server.Session, f *protocol.Frame, logger *slog.Logger) *protocol.Frame {
	switch {
	case f.Type == protocol.FrameData:
		return protocol.NewFrame(protocol.FrameData, f.Payload)
	case f.Type == protocol.FrameControl && bytes.Equal(f.Payload, KeyCheckRequest):
		payload := append([]byte(nil), KeyCheckRequest...)
		check, err := s.KeyCheck()
		if err != nil {
			logger.Debug("key check unavailable", "error", err)
		} else {
			payload = append(payload, check...)
		}
		return protocol.NewFrame(protocol.FrameControl, payload)
	default:
		return nil
	}
}

func logStop(ctx context.Context, logger *slog.Logger, op string, err error) {
	if errors.Is(err, server.ErrSessionShutdown) || ctx.Err() != nil {
		return
	}
	logger.Warn("echo stopped", "op", op, "error", err)
}

// RoundTrip writes payload as a data frame on conn and waits until the
// same payload comes back. Other frames are skipped.
func RoundTrip(ctx context.Context, conn transport.Conn, payload []byte) error {
	_, err := exchange(ctx, conn, protocol.NewFrame(protocol.FrameData, payload), func(f *protocol.Frame) bool {
		return f.Type == protocol.FrameData && bytes.Equal(f.Payload, payload)
	})
	return err
}

// KeyCheck asks the server for the key check value of the session on conn.
// Compare it with server.KeyCheck computed from the client's copy of the key.
func KeyCheck(ctx context.Context, conn transport.Conn) ([]byte, error) {
	f, err := exchange(ctx, conn, protocol.NewFrame(protocol.FrameControl, KeyCheckRequest), func(f *protocol.Frame) bool {
		return f.Type == protocol.FrameControl && bytes.HasPrefix(f.Payload, KeyCheckRequest)
	})
	if err != nil {
		return nil, err
	}
	check := f.Payload[len(KeyCheckRequest):]
	if len(check) == 0 {
		return nil, ErrNoServerKey
	}
	return check, nil
}

// exchange writes req and reads until match accepts a frame.
func exchange(ctx context.Context, conn transport.Conn, req *protocol.Frame, match func(*protocol.Frame) bool) (*protocol.Frame, error) {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(DefaultTimeout)
	}
	if err := conn.SetWriteDeadline(deadline); err != nil {
		return nil, err
	}
	if err := conn.WriteFrame(req); err != nil {
		return nil, err
	}
	if err := conn.SetReadDeadline(deadline); err != nil {
		return nil, err
	}
	defer conn.SetReadDeadline(time.Time{})
	for {
		f, err := conn.ReadFrame()
		if err != nil {
			return nil, err
		}
		if match(f) {
			return f, nil
		}
	}
}
