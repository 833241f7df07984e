package transport

import (
	"context"
	"net"

	"github.com/gorilla/websocket"
)

// DialTCP connects to a TCP transport.
func DialTCP(ctx context.Context, addr string) (Conn, error) {
	var d net.Dialer
	c, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return NewStreamConn(c), nil
}

// DialWebSocket connects to a WebSocket transport, e.g.
// "ws://localhost:2023/_tether/ws".
func DialWebSocket(ctx context.Context, url string) (Conn, error) {
	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return newWSConn(ws), nil
}
