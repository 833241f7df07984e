package main

import (
	"bytes"
	"context"
	stderrors "errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vango-dev/tether/internal/errors"
	"github.com/vango-dev/tether/pkg/echo"
	"github.com/vango-dev/tether/pkg/protocol"
	"github.com/vango-dev/tether/pkg/server"
	"github.com/vango-dev/tether/pkg/transport"
)

func TestVersionShort(t *testing.T) {
	cmd := versionCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--short"})

	require.NoError(t, cmd.Execute())
	assert.Equal(t, version+"\n", out.String())
}

func TestRootCommands(t *testing.T) {
	root := newRootCmd()
	for _, name := range []string{"serve", "probe", "version"} {
		cmd, _, err := root.Find([]string{name})
		require.NoError(t, err)
		assert.Equal(t, name, cmd.Name())
	}
}

func startEchoServer(t *testing.T) string {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	tr := transport.NewTCP("127.0.0.1:0")
	require.NoError(t, tr.Listen())

	cfg := server.DefaultServerConfig().WithKey([]byte("shared-key")).WithHandler(echo.Handler(logger))
	cfg.Logger = logger
	srv := server.New(tr, cfg)

	done := make(chan error, 1)
	go func() { done <- srv.Run(context.Background()) }()
	t.Cleanup(func() {
		_ = srv.Close()
		<-done
	})
	return tr.Addr().String()
}

func probeCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func errorCode(t *testing.T, err error) string {
	t.Helper()
	var te *errors.TetherError
	require.True(t, stderrors.As(err, &te), "expected TetherError, got %v", err)
	return te.Code
}

func TestProbeCreatesAndResumes(t *testing.T) {
	addr := startEchoServer(t)

	var out bytes.Buffer
	err := runProbe(probeCtx(t), &out, probeOptions{
		addr:    addr,
		id:      protocol.NoClientID,
		version: protocol.CurrentVersion,
		echo:    true,
	})
	require.NoError(t, err)
	assert.Contains(t, out.String(), "created")
	assert.Contains(t, out.String(), "resumed")
	assert.Equal(t, 2, bytes.Count(out.Bytes(), []byte("echo ok")))
}

func TestProbeVersionRejected(t *testing.T) {
	addr := startEchoServer(t)

	err := runProbe(probeCtx(t), io.Discard, probeOptions{
		addr:    addr,
		id:      protocol.NoClientID,
		version: protocol.CurrentVersion + 1,
		echo:    true,
	})
	require.Error(t, err)
	assert.Equal(t, "T142", errorCode(t, err))
}

func TestProbeUnknownSession(t *testing.T) {
	addr := startEchoServer(t)

	err := runProbe(probeCtx(t), io.Discard, probeOptions{
		addr:    addr,
		id:      12345,
		version: protocol.CurrentVersion,
		echo:    true,
	})
	require.Error(t, err)
	assert.Equal(t, "T143", errorCode(t, err))
}

func TestProbeDialFailure(t *testing.T) {
	tr := transport.NewTCP("127.0.0.1:0")
	require.NoError(t, tr.Listen())
	addr := tr.Addr().String()
	require.NoError(t, tr.StopListening())

	err := runProbe(probeCtx(t), io.Discard, probeOptions{
		addr:    addr,
		id:      protocol.NoClientID,
		version: protocol.CurrentVersion,
	})
	require.Error(t, err)
	assert.Equal(t, "T140", errorCode(t, err))
}

func TestKeyCheckAgainstServer(t *testing.T) {
	addr := startEchoServer(t)

	var out bytes.Buffer
	err := runProbe(probeCtx(t), &out, probeOptions{
		addr:    addr,
		id:      protocol.NoClientID,
		version: protocol.CurrentVersion,
		echo:    true,
		key:     "shared-key",
	})
	require.NoError(t, err)
	assert.Contains(t, out.String(), "key ok")
}

func TestKeyCheckFromFile(t *testing.T) {
	addr := startEchoServer(t)
	path := filepath.Join(t.TempDir(), "key")
	require.NoError(t, os.WriteFile(path, []byte("shared-key\n"), 0o600))

	var out bytes.Buffer
	err := runProbe(probeCtx(t), &out, probeOptions{
		addr:    addr,
		id:      protocol.NoClientID,
		version: protocol.CurrentVersion,
		keyFile: path,
	})
	require.NoError(t, err)
	assert.Contains(t, out.String(), "key ok")
}

func TestKeyCheckWrongKey(t *testing.T) {
	addr := startEchoServer(t)

	var out bytes.Buffer
	err := runProbe(probeCtx(t), &out, probeOptions{
		addr:    addr,
		id:      protocol.NoClientID,
		version: protocol.CurrentVersion,
		echo:    true,
		key:     "some other key",
	})
	require.Error(t, err)
	assert.Equal(t, "T144", errorCode(t, err))
	assert.NotContains(t, out.String(), "key ok")
}
