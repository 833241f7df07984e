// Package client implements the client half of the Tether handshake: asking
// for a new session and resuming an existing one on a fresh connection.
//
// It does not retry or buffer; callers decide when to reconnect.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/vango-dev/tether/pkg/protocol"
	"github.com/vango-dev/tether/pkg/transport"
)

// ErrNoSession is returned by Reconnect before a session has been created.
var ErrNoSession = errors.New("client: no session")

// VersionError is returned when the server rejects the protocol version.
type VersionError struct {
	Message string
}

func (e *VersionError) Error() string {
	return "client: server rejected session: " + e.Message
}

// NewSession asks the server on conn for a new session and returns its id.
func NewSession(ctx context.Context, conn transport.Conn, version int32) (int64, error) {
	req := &protocol.ConnectRequest{ClientID: protocol.NoClientID, Version: version}
	if err := writeRequest(ctx, conn, req); err != nil {
		return protocol.NoClientID, err
	}

	stop := watch(ctx, conn.SetReadDeadline)
	f, err := conn.ReadFrame()
	stop()
	if err != nil {
		if ctx.Err() != nil {
			return protocol.NoClientID, ctx.Err()
		}
		return protocol.NoClientID, fmt.Errorf("client: read response: %w", err)
	}
	resp, err := protocol.ParseConnectResponse(f)
	if err != nil {
		return protocol.NoClientID, fmt.Errorf("client: decode response: %w", err)
	}
	if resp.Error != "" {
		return protocol.NoClientID, &VersionError{Message: resp.Error}
	}
	return resp.ClientID, nil
}

// Resume binds session id to conn. The server sends no reply; a session it
// does not know closes conn.
func Resume(ctx context.Context, conn transport.Conn, id int64) error {
	if id == protocol.NoClientID {
		return ErrNoSession
	}
	return writeRequest(ctx, conn, protocol.NewRecoverRequest(id))
}

func writeRequest(ctx context.Context, conn transport.Conn, req *protocol.ConnectRequest) error {
	stop := watch(ctx, conn.SetWriteDeadline)
	defer stop()
	if err := conn.WriteFrame(protocol.HandshakeFrame(protocol.EncodeConnectRequest(req))); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("client: write request: %w", err)
	}
	return nil
}

// watch applies ctx's deadline through set and moves it to now when ctx is
// done. The returned func clears it.
func watch(ctx context.Context, set func(time.Time) error) func() {
	if dl, ok := ctx.Deadline(); ok {
		_ = set(dl)
	}
	fired := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		_ = set(time.Now())
		close(fired)
	})
	return func() {
		if !stop() {
			<-fired
		}
		_ = set(time.Time{})
	}
}

// DialFunc opens a new transport connection to the server.
type DialFunc func(ctx context.Context) (transport.Conn, error)

// Client keeps one session id across reconnects.
type Client struct {
	dial    DialFunc
	version int32

	mu   sync.Mutex
	id   int64
	conn transport.Conn
}

// Option configures a Client.
type Option func(*Client)

// WithVersion overrides the protocol version sent in new-session requests.
func WithVersion(v int32) Option {
	return func(c *Client) { c.version = v }
}

// New creates a Client that opens connections with dial.
func New(dial DialFunc, opts ...Option) *Client {
	c := &Client{dial: dial, version: protocol.CurrentVersion, id: protocol.NoClientID}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect dials and requests a new session.
func (c *Client) Connect(ctx context.Context) (int64, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return protocol.NoClientID, err
	}
	id, err := NewSession(ctx, conn, c.version)
	if err != nil {
		_ = conn.Close()
		return protocol.NoClientID, err
	}
	c.swap(id, conn)
	return id, nil
}

// Reconnect dials again and resumes the current session on the new
// connection. The previous connection is closed.
func (c *Client) Reconnect(ctx context.Context) error {
	id := c.ID()
	if id == protocol.NoClientID {
		return ErrNoSession
	}
	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	if err := Resume(ctx, conn, id); err != nil {
		_ = conn.Close()
		return err
	}
	c.swap(id, conn)
	return nil
}

func (c *Client) swap(id int64, conn transport.Conn) {
	c.mu.Lock()
	old := c.conn
	c.id = id
	c.conn = conn
	c.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
}

// ID returns the session id, or protocol.NoClientID before Connect.
func (c *Client) ID() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

// Conn returns the current connection.
func (c *Client) Conn() transport.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

// Close closes the current connection. The session id is kept.
func (c *Client) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}
