package transport

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"
)

// TCP accepts frame streams on a TCP address. The listener is opened lazily
// by the first Accept (or an explicit Listen) so that a bind failure surfaces
// as a retryable Accept error.
type TCP struct {
	addr string

	mu      sync.Mutex
	ln      *net.TCPListener
	stopped bool
}

// NewTCP creates a TCP transport for addr, e.g. ":2022" or "127.0.0.1:0".
func NewTCP(addr string) *TCP {
	return &TCP{addr: addr}
}

// Listen binds the listener if it is not bound yet.
func (t *TCP) Listen() error {
	_, err := t.listener()
	return err
}

// Addr returns the bound address, or nil before the first successful Listen.
func (t *TCP) Addr() net.Addr {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ln == nil {
		return nil
	}
	return t.ln.Addr()
}

func (t *TCP) listener() (*net.TCPListener, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return nil, ErrClosed
	}
	if t.ln != nil {
		return t.ln, nil
	}
	ln, err := net.Listen("tcp", t.addr)
	if err != nil {
		return nil, err
	}
	t.ln = ln.(*net.TCPListener)
	return t.ln, nil
}

// Accept waits for the next TCP connection.
func (t *TCP) Accept(ctx context.Context) (Conn, error) {
	ln, err := t.listener()
	if err != nil {
		return nil, err
	}

	// Clear a deadline left behind by an earlier cancelled Accept.
	_ = ln.SetDeadline(time.Time{})
	stop := context.AfterFunc(ctx, func() {
		_ = ln.SetDeadline(time.Now())
	})
	defer stop()

	c, err := ln.Accept()
	if err != nil {
		if t.isStopped() || errors.Is(err, net.ErrClosed) {
			return nil, ErrClosed
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}

	if tc, ok := c.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
		_ = tc.SetKeepAlive(true)
	}
	return NewStreamConn(c), nil
}

// StopListening closes the listener. Accept returns ErrClosed afterwards.
func (t *TCP) StopListening() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return nil
	}
	t.stopped = true
	if t.ln == nil {
		return nil
	}
	return t.ln.Close()
}

func (t *TCP) isStopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}
