package transport

import (
	"bufio"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/vango-dev/tether/pkg/protocol"
)

// StreamConn carries frames over a byte-stream net.Conn.
type StreamConn struct {
	conn   net.Conn
	reader *bufio.Reader

	writeMu sync.Mutex

	closeOnce sync.Once
	closeErr  error
	closed    chan struct{}
}

// NewStreamConn wraps c. The StreamConn owns c from now on.
func NewStreamConn(c net.Conn) *StreamConn {
	return &StreamConn{
		conn:   c,
		reader: bufio.NewReaderSize(c, 4096),
		closed: make(chan struct{}),
	}
}

// ReadFrame reads the next complete frame.
func (c *StreamConn) ReadFrame() (*protocol.Frame, error) {
	f, err := protocol.ReadFrame(c.reader)
	if err != nil {
		return nil, c.mapErr(err)
	}
	return f, nil
}

// WriteFrame writes f as a single contiguous write.
func (c *StreamConn) WriteFrame(f *protocol.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := protocol.WriteFrame(c.conn, f); err != nil {
		return c.mapErr(err)
	}
	return nil
}

func (c *StreamConn) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

func (c *StreamConn) SetWriteDeadline(t time.Time) error {
	return c.conn.SetWriteDeadline(t)
}

func (c *StreamConn) RemoteAddr() string {
	if addr := c.conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

// Close closes the underlying connection once.
func (c *StreamConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

// mapErr reports ErrConnClosed for any failure caused by our own Close so
// callers can tell a deliberate close from a network fault.
func (c *StreamConn) mapErr(err error) error {
	select {
	case <-c.closed:
		return ErrConnClosed
	default:
	}
	if errors.Is(err, net.ErrClosed) {
		return ErrConnClosed
	}
	return err
}
