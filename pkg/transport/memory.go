package transport

import (
	"context"
	"net"
	"sync"
)

// Memory is an in-process transport. Dial creates a connected pair over
// net.Pipe and queues the server half for Accept.
type Memory struct {
	conns chan Conn

	stopOnce sync.Once
	done     chan struct{}
}

// NewMemory creates an in-process transport.
func NewMemory() *Memory {
	return &Memory{
		conns: make(chan Conn, 64),
		done:  make(chan struct{}),
	}
}

// Dial returns the client half of a new connection.
func (m *Memory) Dial(ctx context.Context) (Conn, error) {
	client, server := net.Pipe()
	select {
	case m.conns <- NewStreamConn(server):
		return NewStreamConn(client), nil
	case <-m.done:
	case <-ctx.Done():
	}
	_ = client.Close()
	_ = server.Close()
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return nil, ErrClosed
}

// Accept returns the server half of the next dialed connection.
func (m *Memory) Accept(ctx context.Context) (Conn, error) {
	select {
	case <-m.done:
		return nil, ErrClosed
	default:
	}
	select {
	case c := <-m.conns:
		return c, nil
	case <-m.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// StopListening unblocks Accept and closes queued connections.
func (m *Memory) StopListening() error {
	m.stopOnce.Do(func() {
		close(m.done)
		for {
			select {
			case c := <-m.conns:
				_ = c.Close()
			default:
				return
			}
		}
	})
	return nil
}
