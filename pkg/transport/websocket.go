package transport

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/vango-dev/tether/pkg/protocol"
)

// DefaultWebSocketPath is the route the upgrade handler is mounted on.
const DefaultWebSocketPath = "/_tether/ws"

// WebSocket accepts connections through an HTTP upgrade. Each upgraded
// connection is queued until Accept picks it up.
//
// With a non-empty address the transport runs its own HTTP server, started
// by the first Accept. With an empty address the caller mounts Handler on a
// server it owns.
type WebSocket struct {
	addr     string
	path     string
	upgrader websocket.Upgrader
	router   chi.Router
	logger   *slog.Logger

	conns chan Conn

	mu       sync.Mutex
	srv      *http.Server
	ln       net.Listener
	done     chan struct{}
	stopOnce sync.Once
}

// WebSocketOption configures a WebSocket transport.
type WebSocketOption func(*WebSocket)

// WithPath sets the upgrade route. Default: DefaultWebSocketPath.
func WithPath(path string) WebSocketOption {
	return func(w *WebSocket) {
		w.path = path
	}
}

// WithCheckOrigin sets the upgrader's origin check.
// Default: allows all origins.
func WithCheckOrigin(fn func(r *http.Request) bool) WebSocketOption {
	return func(w *WebSocket) {
		w.upgrader.CheckOrigin = fn
	}
}

// WithBacklog sets how many upgraded connections may wait for Accept.
func WithBacklog(n int) WebSocketOption {
	return func(w *WebSocket) {
		if n >= 0 {
			w.conns = make(chan Conn, n)
		}
	}
}

// WithLogger sets the logger used for upgrade failures.
func WithLogger(logger *slog.Logger) WebSocketOption {
	return func(w *WebSocket) {
		w.logger = logger
	}
}

// NewWebSocket creates a WebSocket transport. addr may be empty, see
// WebSocket.
func NewWebSocket(addr string, opts ...WebSocketOption) *WebSocket {
	w := &WebSocket{
		addr: addr,
		path: DefaultWebSocketPath,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger: slog.Default(),
		conns:  make(chan Conn, 16),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.With("component", "transport_ws")

	r := chi.NewRouter()
	r.Get(w.path, w.handleUpgrade)
	w.router = r
	return w
}

// Handler returns the HTTP handler serving the upgrade route.
func (w *WebSocket) Handler() http.Handler {
	return w.router
}

// Addr returns the bound address of the transport's own server, or nil.
func (w *WebSocket) Addr() net.Addr {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.ln == nil {
		return nil
	}
	return w.ln.Addr()
}

// Listen starts the transport's own HTTP server if an address was given.
func (w *WebSocket) Listen() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	select {
	case <-w.done:
		return ErrClosed
	default:
	}
	if w.addr == "" || w.srv != nil {
		return nil
	}

	ln, err := net.Listen("tcp", w.addr)
	if err != nil {
		return err
	}
	w.ln = ln
	w.srv = &http.Server{
		Handler:           w.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func(srv *http.Server) {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			w.logger.Error("websocket server stopped", "error", err)
		}
	}(w.srv)
	return nil
}

// Accept waits for the next upgraded connection.
func (w *WebSocket) Accept(ctx context.Context) (Conn, error) {
	if err := w.Listen(); err != nil {
		return nil, err
	}
	select {
	case c := <-w.conns:
		return c, nil
	case <-w.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// StopListening stops the transport's HTTP server, if any, and closes any
// upgraded connections still waiting for Accept.
func (w *WebSocket) StopListening() error {
	var err error
	w.stopOnce.Do(func() {
		w.mu.Lock()
		close(w.done)
		srv := w.srv
		w.mu.Unlock()

		if srv != nil {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			err = srv.Shutdown(ctx)
		}
		for {
			select {
			case c := <-w.conns:
				_ = c.Close()
			default:
				return
			}
		}
	})
	return err
}

func (w *WebSocket) handleUpgrade(rw http.ResponseWriter, r *http.Request) {
	select {
	case <-w.done:
		http.Error(rw, "shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	ws, err := w.upgrader.Upgrade(rw, r, nil)
	if err != nil {
		w.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	c := newWSConn(ws)

	select {
	case w.conns <- c:
	case <-w.done:
		_ = c.Close()
	}
}

// wsConn carries one frame per binary WebSocket message.
type wsConn struct {
	ws *websocket.Conn

	writeMu sync.Mutex

	closeOnce sync.Once
	closed    chan struct{}
}

func newWSConn(ws *websocket.Conn) *wsConn {
	ws.SetReadLimit(protocol.FrameHeaderSize + protocol.MaxPayloadSize)
	return &wsConn{ws: ws, closed: make(chan struct{})}
}

// ReadFrame returns the next binary message as a frame. Text messages are
// not part of the protocol and are dropped.
func (c *wsConn) ReadFrame() (*protocol.Frame, error) {
	for {
		mt, msg, err := c.ws.ReadMessage()
		if err != nil {
			return nil, c.mapErr(err)
		}
		if mt == websocket.BinaryMessage {
			return protocol.DecodeFrame(msg)
		}
	}
}

func (c *wsConn) WriteFrame(f *protocol.Frame) error {
	if len(f.Payload) > protocol.MaxPayloadSize {
		return protocol.ErrFrameTooLarge
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.WriteMessage(websocket.BinaryMessage, f.Encode()); err != nil {
		return c.mapErr(err)
	}
	return nil
}

func (c *wsConn) SetReadDeadline(t time.Time) error {
	return c.ws.SetReadDeadline(t)
}

func (c *wsConn) SetWriteDeadline(t time.Time) error {
	return c.ws.SetWriteDeadline(t)
}

func (c *wsConn) RemoteAddr() string {
	return c.ws.RemoteAddr().String()
}

func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.ws.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		err = c.ws.Close()
	})
	return err
}

func (c *wsConn) mapErr(err error) error {
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
