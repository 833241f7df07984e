package server

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vango-dev/tether/pkg/client"
	"github.com/vango-dev/tether/pkg/protocol"
	"github.com/vango-dev/tether/pkg/transport"
)

type runner struct {
	done chan struct{}
	err  error
}

func (r *runner) wait(t *testing.T) error {
	t.Helper()
	select {
	case <-r.done:
		return r.err
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return")
		return nil
	}
}

func startRun(ctx context.Context, srv *Server) *runner {
	r := &runner{done: make(chan struct{})}
	go func() {
		r.err = srv.Run(ctx)
		close(r.done)
	}()
	return r
}

func startServer(t *testing.T, cfg *ServerConfig) (*Server, *transport.Memory, *runner) {
	t.Helper()
	if cfg == nil {
		cfg = DefaultServerConfig()
	}
	cfg.Logger = testLogger()

	m := transport.NewMemory()
	srv := New(m, cfg)
	r := startRun(context.Background(), srv)
	t.Cleanup(func() {
		_ = srv.Close()
		_ = r.wait(t)
	})
	return srv, m, r
}

func dial(t *testing.T, m *transport.Memory) transport.Conn {
	t.Helper()
	conn, err := m.Dial(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func connectNew(t *testing.T, m *transport.Memory) (int64, transport.Conn) {
	t.Helper()
	conn := dial(t, m)
	id, err := client.NewSession(context.Background(), conn, protocol.CurrentVersion)
	require.NoError(t, err)
	return id, conn
}

// closedByServer reports whether the server closed its end of conn.
func closedByServer(t *testing.T, conn transport.Conn) bool {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err := conn.ReadFrame()
	return err != nil && !errors.Is(err, context.DeadlineExceeded) && !isTimeout(err)
}

func isTimeout(err error) bool {
	var te interface{ Timeout() bool }
	return errors.As(err, &te) && te.Timeout()
}

func TestServerAdmitsNewSession(t *testing.T) {
	admitted := make(chan *Session, 1)
	cfg := DefaultServerConfig().
		WithKey([]byte("k")).
		WithHandler(SessionHandlerFunc(func(s *Session) bool {
			admitted <- s
			return true
		}))
	srv, m, _ := startServer(t, cfg)

	id, _ := connectNew(t, m)
	assert.GreaterOrEqual(t, id, int64(0))

	s := <-admitted
	assert.Equal(t, id, s.ID())
	assert.Equal(t, []byte("k"), s.Key())
	assert.Same(t, s, srv.Sessions().Get(id))
	require.Eventually(t, func() bool { return s.State() == StateActive }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return srv.Stats().Admitted == 1 }, time.Second, 5*time.Millisecond)
}

func TestServerNilHandlerAdmits(t *testing.T) {
	srv, m, _ := startServer(t, nil)
	id, _ := connectNew(t, m)
	require.Eventually(t, func() bool {
		s := srv.Sessions().Get(id)
		return s != nil && s.State() == StateActive
	}, time.Second, 5*time.Millisecond)
}

func TestServerVersionMismatch(t *testing.T) {
	srv, m, _ := startServer(t, nil)

	conn := dial(t, m)
	_, err := client.NewSession(context.Background(), conn, protocol.CurrentVersion+1)

	var verr *client.VersionError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, protocol.VersionMismatchMessage(protocol.CurrentVersion+1, protocol.CurrentVersion), verr.Message)
	assert.True(t, closedByServer(t, conn))
	assert.Equal(t, 0, srv.Sessions().Count())
	assert.Equal(t, uint64(0), srv.Sessions().Stats().TotalCreated)
}

func TestServerRecover(t *testing.T) {
	srv, m, _ := startServer(t, nil)

	id, first := connectNew(t, m)
	require.Eventually(t, func() bool { return srv.Sessions().Get(id) != nil }, time.Second, 5*time.Millisecond)
	s := srv.Sessions().Get(id)
	before := s.Conn()

	second := dial(t, m)
	require.NoError(t, client.Resume(context.Background(), second, id))

	require.Eventually(t, func() bool { return s.Generation() == 1 }, time.Second, 5*time.Millisecond)
	assert.NotSame(t, before, s.Conn())
	assert.True(t, closedByServer(t, first), "old connection is closed on recover")
	assert.Equal(t, 1, srv.Sessions().Count())

	// The session now talks over the second connection.
	go func() {
		_ = s.WriteFrame(context.Background(), protocol.NewFrame(protocol.FrameData, []byte("hello")))
	}()
	f, err := second.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), f.Payload)
	assert.Equal(t, uint64(1), srv.Stats().Recovered)
}

func TestServerRecoverUnknownID(t *testing.T) {
	srv, m, _ := startServer(t, nil)

	conn := dial(t, m)
	require.NoError(t, client.Resume(context.Background(), conn, 12345))

	assert.True(t, closedByServer(t, conn))
	assert.Equal(t, 0, srv.Sessions().Count())
	require.Eventually(t, func() bool { return srv.Stats().Rejected == 1 }, time.Second, 5*time.Millisecond)
}

func TestServerVeto(t *testing.T) {
	cfg := DefaultServerConfig().WithHandler(SessionHandlerFunc(func(*Session) bool { return false }))
	srv, m, _ := startServer(t, cfg)

	id, conn := connectNew(t, m)
	assert.True(t, closedByServer(t, conn))
	require.Eventually(t, func() bool { return srv.Stats().Vetoed == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, srv.Sessions().Count())

	// The vetoed id cannot be recovered.
	again := dial(t, m)
	require.NoError(t, client.Resume(context.Background(), again, id))
	assert.True(t, closedByServer(t, again))
}

func TestServerHandlerPanicIsVeto(t *testing.T) {
	cfg := DefaultServerConfig().WithHandler(SessionHandlerFunc(func(*Session) bool { panic("boom") }))
	srv, m, _ := startServer(t, cfg)

	_, conn := connectNew(t, m)
	assert.True(t, closedByServer(t, conn))
	require.Eventually(t, func() bool { return srv.Stats().Vetoed == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, srv.Sessions().Count())

	// The server keeps serving.
	connectNew(t, m)
}

func TestServerMalformedHandshake(t *testing.T) {
	srv, m, _ := startServer(t, nil)

	conn := dial(t, m)
	require.NoError(t, conn.WriteFrame(protocol.NewFrame(protocol.FrameData, []byte{1, 2, 3})))
	assert.True(t, closedByServer(t, conn))

	conn = dial(t, m)
	require.NoError(t, conn.WriteFrame(protocol.HandshakeFrame([]byte{0xff})))
	assert.True(t, closedByServer(t, conn))

	require.Eventually(t, func() bool { return srv.Stats().Rejected == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, srv.Sessions().Count())
}

func TestServerRejectsVersionOutsideInt32(t *testing.T) {
	srv, m, _ := startServer(t, nil)

	// The low 32 bits equal the current version.
	e := protocol.NewEncoder()
	e.WriteSvarint(protocol.NoClientID)
	e.WriteSvarint(int64(protocol.CurrentVersion) + 1<<32)

	conn := dial(t, m)
	require.NoError(t, conn.WriteFrame(protocol.HandshakeFrame(e.Bytes())))
	assert.True(t, closedByServer(t, conn))

	require.Eventually(t, func() bool { return srv.Stats().Rejected == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, srv.Sessions().Count())
	assert.Equal(t, uint64(0), srv.Sessions().Stats().TotalCreated)
}

func TestServerHandshakeTimeout(t *testing.T) {
	cfg := DefaultServerConfig()
	cfg.HandshakeTimeout = 50 * time.Millisecond
	srv, m, _ := startServer(t, cfg)

	conn := dial(t, m)
	assert.True(t, closedByServer(t, conn))
	assert.Equal(t, 0, srv.Sessions().Count())
}

func TestServerSlowHandshakeDoesNotBlockOthers(t *testing.T) {
	_, m, _ := startServer(t, nil)

	// Connect but never send a request.
	dial(t, m)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	conn := dial(t, m)
	_, err := client.NewSession(ctx, conn, protocol.CurrentVersion)
	require.NoError(t, err)
}

func TestServerSerialHandshakes(t *testing.T) {
	cfg := DefaultServerConfig()
	cfg.SerialHandshakes = true
	srv, m, _ := startServer(t, cfg)

	for i := 0; i < 3; i++ {
		connectNew(t, m)
	}
	require.Eventually(t, func() bool { return srv.Sessions().Count() == 3 }, time.Second, 5*time.Millisecond)
}

func TestServerConcurrentNewSessionsDistinctIDs(t *testing.T) {
	srv, m, _ := startServer(t, nil)

	const n = 50
	ids := make(chan int64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn, err := m.Dial(context.Background())
			if !assert.NoError(t, err) {
				return
			}
			id, err := client.NewSession(context.Background(), conn, protocol.CurrentVersion)
			if assert.NoError(t, err) {
				ids <- id
			}
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[int64]bool)
	for id := range ids {
		assert.False(t, seen[id])
		seen[id] = true
	}
	assert.Len(t, seen, n)
	require.Eventually(t, func() bool { return srv.Sessions().Count() == n }, time.Second, 5*time.Millisecond)
}

func TestServerCloseDuringRun(t *testing.T) {
	srv, m, r := startServer(t, nil)

	var sessions []*Session
	for i := 0; i < 3; i++ {
		id, _ := connectNew(t, m)
		require.Eventually(t, func() bool { return srv.Sessions().Get(id) != nil }, time.Second, 5*time.Millisecond)
		sessions = append(sessions, srv.Sessions().Get(id))
	}

	require.NoError(t, srv.Close())
	require.NoError(t, srv.Close())
	assert.NoError(t, r.wait(t))

	assert.Equal(t, 0, srv.Sessions().Count())
	for _, s := range sessions {
		assert.True(t, s.IsShutdown())
	}

	_, err := m.Dial(context.Background())
	assert.ErrorIs(t, err, transport.ErrClosed)

	_, err = srv.Sessions().Create(newFakeConn("late"), "late")
	assert.ErrorIs(t, err, ErrManagerClosed)

	assert.ErrorIs(t, srv.Run(context.Background()), ErrServerClosed)
}

func TestServerRunContextCancel(t *testing.T) {
	srv := New(transport.NewMemory(), &ServerConfig{Logger: testLogger()})
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	r := startRun(ctx, srv)
	time.Sleep(10 * time.Millisecond)
	cancel()
	assert.ErrorIs(t, r.wait(t), context.Canceled)
}

func TestServerRunTwice(t *testing.T) {
	srv, _, _ := startServer(t, nil)
	require.Eventually(t, func() bool { return srv.running.Load() }, time.Second, time.Millisecond)
	assert.ErrorIs(t, srv.Run(context.Background()), ErrServerRunning)
}

func TestServerIDExhaustionStopsRun(t *testing.T) {
	cfg := DefaultServerConfig()
	cfg.MaxClientID = 1
	_, m, r := startServer(t, cfg)

	connectNew(t, m)
	connectNew(t, m)

	conn := dial(t, m)
	_, err := client.NewSession(context.Background(), conn, protocol.CurrentVersion)
	require.Error(t, err)

	assert.ErrorIs(t, r.wait(t), ErrIDSpaceExhausted)
}

func TestServerVetoedIDNotReused(t *testing.T) {
	var calls atomic.Int32
	cfg := DefaultServerConfig().WithHandler(SessionHandlerFunc(func(*Session) bool {
		return calls.Add(1) > 1
	}))
	cfg.MaxClientID = 1
	srv, m, r := startServer(t, cfg)

	vetoed, _ := connectNew(t, m)
	admitted, _ := connectNew(t, m)
	assert.NotEqual(t, vetoed, admitted)
	require.Eventually(t, func() bool { return srv.Sessions().Count() == 1 }, time.Second, 5*time.Millisecond)

	conn := dial(t, m)
	_, err := client.NewSession(context.Background(), conn, protocol.CurrentVersion)
	require.Error(t, err)
	assert.ErrorIs(t, r.wait(t), ErrIDSpaceExhausted)
}

// flakyTransport fails Accept a fixed number of times, then blocks until
// StopListening.
type flakyTransport struct {
	failures atomic.Int32
	stopOnce sync.Once
	stopped  chan struct{}
}

func (f *flakyTransport) Accept(ctx context.Context) (transport.Conn, error) {
	if f.failures.Add(-1) >= 0 {
		return nil, errors.New("accept: too many open files")
	}
	select {
	case <-f.stopped:
		return nil, transport.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *flakyTransport) StopListening() error {
	f.stopOnce.Do(func() { close(f.stopped) })
	return nil
}

func TestServerSurvivesAcceptFailures(t *testing.T) {
	ft := &flakyTransport{stopped: make(chan struct{})}
	ft.failures.Store(3)

	srv := New(ft, &ServerConfig{Logger: testLogger(), AcceptBackoff: time.Millisecond})
	var hooked atomic.Int32
	srv.OnAcceptError(func(error) { hooked.Add(1) })

	r := startRun(context.Background(), srv)
	require.Eventually(t, func() bool { return srv.Stats().AcceptFailures == 3 }, time.Second, time.Millisecond)
	assert.Equal(t, int32(3), hooked.Load())

	require.NoError(t, srv.Close())
	assert.NoError(t, r.wait(t))
}

func TestServerCloseInterruptsBackoff(t *testing.T) {
	ft := &flakyTransport{stopped: make(chan struct{})}
	ft.failures.Store(1)

	srv := New(ft, &ServerConfig{Logger: testLogger(), AcceptBackoff: time.Hour})
	r := startRun(context.Background(), srv)
	require.Eventually(t, func() bool { return srv.Stats().AcceptFailures == 1 }, time.Second, time.Millisecond)

	require.NoError(t, srv.Close())
	assert.NoError(t, r.wait(t))
}

func TestServerMiddlewareOrder(t *testing.T) {
	var mu sync.Mutex
	var order []string
	var outcomes []Outcome
	record := func(name string) Middleware {
		return func(next DispatchFunc) DispatchFunc {
			return func(ctx context.Context, conn transport.Conn) DispatchResult {
				mu.Lock()
				order = append(order, name)
				mu.Unlock()
				res := next(ctx, conn)
				if name == "outer" {
					mu.Lock()
					outcomes = append(outcomes, res.Outcome)
					mu.Unlock()
					assert.NotEmpty(t, ConnIDFromContext(ctx))
				}
				return res
			}
		}
	}

	cfg := DefaultServerConfig()
	cfg.Logger = testLogger()
	m := transport.NewMemory()
	srv := New(m, cfg)
	srv.Use(record("outer"), record("inner"))
	r := startRun(context.Background(), srv)
	defer func() {
		_ = srv.Close()
		_ = r.wait(t)
	}()

	connectNew(t, m)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(outcomes) == 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"outer", "inner"}, order)
	assert.Equal(t, OutcomeAdmitted, outcomes[0])
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "admitted", OutcomeAdmitted.String())
	assert.Equal(t, "rejected_exhausted", OutcomeRejectedExhausted.String())
	assert.Equal(t, "unknown", Outcome(200).String())
}

func TestConfigDefaults(t *testing.T) {
	srv := New(transport.NewMemory(), &ServerConfig{Key: []byte("x")})
	cfg := srv.Config()
	assert.Equal(t, protocol.CurrentVersion, cfg.ProtocolVersion)
	assert.Equal(t, 10*time.Second, cfg.HandshakeTimeout)
	assert.Equal(t, time.Second, cfg.AcceptBackoff)
	assert.Equal(t, []byte("x"), cfg.Key)
}
