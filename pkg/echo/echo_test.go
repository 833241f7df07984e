package echo

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vango-dev/tether/pkg/client"
	"github.com/vango-dev/tether/pkg/protocol"
	"github.com/vango-dev/tether/pkg/server"
	"github.com/vango-dev/tether/pkg/transport"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func startServer(t *testing.T) *transport.Memory {
	t.Helper()
	return startServerWithKey(t, []byte("k"))
}

func startServerWithKey(t *testing.T, key []byte) *transport.Memory {
	t.Helper()
	m := transport.NewMemory()
	cfg := server.DefaultServerConfig().WithKey(key).WithHandler(Handler(testLogger()))
	cfg.Logger = testLogger()
	srv := server.New(m, cfg)

	done := make(chan error, 1)
	go func() { done <- srv.Run(context.Background()) }()
	t.Cleanup(func() {
		_ = srv.Close()
		<-done
	})
	return m
}

func TestEchoFollowsRecover(t *testing.T) {
	m := startServer(t)
	ctx := testCtx(t)

	first, err := m.Dial(ctx)
	require.NoError(t, err)
	id, err := client.NewSession(ctx, first, protocol.CurrentVersion)
	require.NoError(t, err)
	require.NoError(t, RoundTrip(ctx, first, []byte("one")))

	second, err := m.Dial(ctx)
	require.NoError(t, err)
	defer second.Close()
	require.NoError(t, client.Resume(ctx, second, id))
	require.NoError(t, RoundTrip(ctx, second, []byte("two")))

	// The server closed the old connection on recover.
	_ = first.SetReadDeadline(time.Now().Add(time.Second))
	_, err = first.ReadFrame()
	assert.Error(t, err)
}

func TestEchoSkipsControlFrames(t *testing.T) {
	m := startServer(t)
	ctx := testCtx(t)

	conn, err := m.Dial(ctx)
	require.NoError(t, err)
	defer conn.Close()
	_, err = client.NewSession(ctx, conn, protocol.CurrentVersion)
	require.NoError(t, err)

	require.NoError(t, conn.WriteFrame(protocol.NewFrame(protocol.FrameControl, []byte("ignored"))))
	require.NoError(t, RoundTrip(ctx, conn, []byte("data")))
}

func TestKeyCheckMatchesClientDerivation(t *testing.T) {
	m := startServer(t)
	ctx := testCtx(t)

	first, err := m.Dial(ctx)
	require.NoError(t, err)
	id, err := client.NewSession(ctx, first, protocol.CurrentVersion)
	require.NoError(t, err)

	got, err := KeyCheck(ctx, first)
	require.NoError(t, err)
	want, err := server.KeyCheck([]byte("k"), id)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	wrong, err := server.KeyCheck([]byte("not k"), id)
	require.NoError(t, err)
	assert.NotEqual(t, wrong, got)

	// Same value after the session moves to a new connection.
	second, err := m.Dial(ctx)
	require.NoError(t, err)
	defer second.Close()
	require.NoError(t, client.Resume(ctx, second, id))
	again, err := KeyCheck(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, want, again)
}

func TestKeyCheckWithoutServerKey(t *testing.T) {
	m := startServerWithKey(t, nil)
	ctx := testCtx(t)

	conn, err := m.Dial(ctx)
	require.NoError(t, err)
	defer conn.Close()
	_, err = client.NewSession(ctx, conn, protocol.CurrentVersion)
	require.NoError(t, err)

	_, err = KeyCheck(ctx, conn)
	assert.ErrorIs(t, err, ErrNoServerKey)

	// Data still echoes.
	require.NoError(t, RoundTrip(ctx, conn, []byte("data")))
}

func TestServeStopsOnShutdown(t *testing.T) {
	m := transport.NewMemory()
	t.Cleanup(func() { _ = m.StopListening() })
	ctx := testCtx(t)

	peer, err := m.Dial(ctx)
	require.NoError(t, err)
	defer peer.Close()
	conn, err := m.Accept(ctx)
	require.NoError(t, err)

	sm := server.NewSessionManager([]byte("k"), 0, testLogger())
	s, err := sm.Create(conn, conn.RemoteAddr())
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		Serve(s, testLogger())
		close(done)
	}()

	require.NoError(t, sm.Close(s.ID()))
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after shutdown")
	}
}

func TestRoundTripTimesOut(t *testing.T) {
	m := transport.NewMemory()
	t.Cleanup(func() { _ = m.StopListening() })

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	conn, err := m.Dial(ctx)
	require.NoError(t, err)
	defer conn.Close()
	peer, err := m.Accept(ctx)
	require.NoError(t, err)
	defer peer.Close()

	// Drain the write so it does not block on the pipe, but never answer.
	go func() { _, _ = peer.ReadFrame() }()

	assert.Error(t, RoundTrip(ctx, conn, []byte("x")))
}
