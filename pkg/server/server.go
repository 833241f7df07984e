package server

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/vango-dev/tether/pkg/transport"
)

// Server accepts connections from a Transport and binds each one to a new
// or existing Session.
type Server struct {
	transport transport.Transport
	sessions  *SessionManager
	config    *ServerConfig
	logger    *slog.Logger

	mu          sync.Mutex
	middleware  []Middleware
	onAcceptErr func(error)

	running   atomic.Bool
	stopping  atomic.Bool
	closeOnce sync.Once
	closed    chan struct{}
	closeErr  error

	fatal      error
	handshakes sync.WaitGroup

	stats serverCounters
}

type serverCounters struct {
	accepted       atomic.Uint64
	acceptFailures atomic.Uint64
	admitted       atomic.Uint64
	recovered      atomic.Uint64
	vetoed         atomic.Uint64
	rejected       atomic.Uint64
}

// ServerStats contains server statistics.
type ServerStats struct {
	Accepted       uint64       `json:"accepted"`
	AcceptFailures uint64       `json:"accept_failures"`
	Admitted       uint64       `json:"admitted"`
	Recovered      uint64       `json:"recovered"`
	Vetoed         uint64       `json:"vetoed"`
	Rejected       uint64       `json:"rejected"`
	Sessions       ManagerStats `json:"sessions"`
}

// New creates a Server on t. A nil config uses DefaultServerConfig; unset
// fields are filled from it.
func New(t transport.Transport, config *ServerConfig) *Server {
	config = config.withDefaults()

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "server")

	return &Server{
		transport: t,
		sessions:  NewSessionManager(config.Key, config.MaxClientID, logger),
		config:    config,
		logger:    logger,
		closed:    make(chan struct{}),
	}
}

// Use appends middleware to the dispatch chain. The first middleware added
// is the outermost. Middleware added after Run starts is ignored.
func (s *Server) Use(mw ...Middleware) {
	s.mu.Lock()
	s.middleware = append(s.middleware, mw...)
	s.mu.Unlock()
}

// OnAcceptError sets a callback for transient accept failures.
func (s *Server) OnAcceptError(fn func(error)) {
	s.mu.Lock()
	s.onAcceptErr = fn
	s.mu.Unlock()
}

func (s *Server) chain() DispatchFunc {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := DispatchFunc(s.dispatch)
	for i := len(s.middleware) - 1; i >= 0; i-- {
		h = s.middleware[i](h)
	}
	return h
}

// Run accepts connections until Close is called, ctx is done, or the id
// space is exhausted. It returns nil after Close, ctx.Err() on
// cancellation and ErrIDSpaceExhausted on exhaustion. Other accept failures
// are retried after AcceptBackoff.
//
// Run waits for in-flight handshakes before returning.
func (s *Server) Run(ctx context.Context) error {
	if s.stopping.Load() {
		return ErrServerClosed
	}
	if !s.running.CompareAndSwap(false, true) {
		return ErrServerRunning
	}
	defer s.running.Store(false)

	parent := ctx
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-s.closed:
			cancel()
		case <-ctx.Done():
		}
	}()
	defer s.handshakes.Wait()

	dispatch := s.chain()
	s.logger.Info("server accepting connections", "protocol_version", s.config.ProtocolVersion)

	for {
		conn, err := s.transport.Accept(ctx)
		if err != nil {
			if ferr := s.fatalErr(); ferr != nil {
				return ferr
			}
			if s.stopping.Load() || errors.Is(err, transport.ErrClosed) {
				return nil
			}
			if parent.Err() != nil {
				return parent.Err()
			}
			s.stats.acceptFailures.Add(1)
			s.acceptFailed(err)
			if !s.backoff(ctx) {
				if ferr := s.fatalErr(); ferr != nil {
					return ferr
				}
				if s.stopping.Load() {
					return nil
				}
				return parent.Err()
			}
			continue
		}
		s.stats.accepted.Add(1)

		connCtx := WithConnID(ctx, uuid.NewString())
		if s.config.SerialHandshakes {
			s.handle(connCtx, cancel, dispatch, conn)
			continue
		}
		s.handshakes.Add(1)
		go func() {
			defer s.handshakes.Done()
			s.handle(connCtx, cancel, dispatch, conn)
		}()
	}
}

func (s *Server) handle(ctx context.Context, cancel context.CancelFunc, dispatch DispatchFunc, conn transport.Conn) {
	res := dispatch(ctx, conn)
	switch res.Outcome {
	case OutcomeAdmitted:
		s.stats.admitted.Add(1)
	case OutcomeRecovered:
		s.stats.recovered.Add(1)
	case OutcomeVetoed:
		s.stats.vetoed.Add(1)
	default:
		s.stats.rejected.Add(1)
	}
	if errors.Is(res.Err, ErrIDSpaceExhausted) {
		s.mu.Lock()
		if s.fatal == nil {
			s.fatal = res.Err
		}
		s.mu.Unlock()
		_ = s.transport.StopListening()
		cancel()
	}
}

func (s *Server) fatalErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fatal
}

func (s *Server) acceptFailed(err error) {
	s.logger.Debug("accept failed", "error", err, "backoff", s.config.AcceptBackoff)
	s.mu.Lock()
	fn := s.onAcceptErr
	s.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}

// backoff sleeps for AcceptBackoff. It reports false if ctx ended first.
func (s *Server) backoff(ctx context.Context) bool {
	t := time.NewTimer(s.config.AcceptBackoff)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// Close stops accepting and shuts down every session. It is safe to call
// while Run is active and more than once; only the first call does work.
// When Close returns the registry is empty and refuses new sessions.
func (s *Server) Close() error {
	s.closeOnce.Do(func() {
		s.stopping.Store(true)
		close(s.closed)
		s.closeErr = s.transport.StopListening()
		s.sessions.Shutdown()
		s.logger.Info("server closed")
	})
	return s.closeErr
}

// Sessions returns the session registry.
func (s *Server) Sessions() *SessionManager {
	return s.sessions
}

// Config returns the server configuration.
func (s *Server) Config() *ServerConfig {
	return s.config
}

// Logger returns the server logger.
func (s *Server) Logger() *slog.Logger {
	return s.logger
}

// Stats returns server statistics.
func (s *Server) Stats() ServerStats {
	return ServerStats{
		Accepted:       s.stats.accepted.Load(),
		AcceptFailures: s.stats.acceptFailures.Load(),
		Admitted:       s.stats.admitted.Load(),
		Recovered:      s.stats.recovered.Load(),
		Vetoed:         s.stats.vetoed.Load(),
		Rejected:       s.stats.rejected.Load(),
		Sessions:       s.sessions.Stats(),
	}
}
