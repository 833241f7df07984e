package transport

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vango-dev/tether/pkg/protocol"
)

func pipePair() (*StreamConn, *StreamConn) {
	a, b := net.Pipe()
	return NewStreamConn(a), NewStreamConn(b)
}

func TestStreamConnFrames(t *testing.T) {
	client, server := pipePair()
	defer client.Close()
	defer server.Close()

	go func() {
		_ = client.WriteFrame(protocol.NewFrame(protocol.FrameData, []byte("hello")))
	}()

	f, err := server.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, protocol.FrameData, f.Type)
	assert.Equal(t, []byte("hello"), f.Payload)
}

func TestStreamConnCloseIsIdempotent(t *testing.T) {
	client, server := pipePair()
	defer server.Close()

	require.NoError(t, client.Close())
	assert.NoError(t, client.Close())

	_, err := client.ReadFrame()
	assert.ErrorIs(t, err, ErrConnClosed)
	err = client.WriteFrame(protocol.NewFrame(protocol.FrameData, nil))
	assert.ErrorIs(t, err, ErrConnClosed)
}

func TestStreamConnCloseUnblocksRead(t *testing.T) {
	client, server := pipePair()
	defer client.Close()

	errCh := make(chan error, 1)
	go func() {
		_, err := server.ReadFrame()
		errCh <- err
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, server.Close())

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrConnClosed)
	case <-time.After(time.Second):
		t.Fatal("ReadFrame did not return after Close")
	}
}

func TestStreamConnReadDeadline(t *testing.T) {
	client, server := pipePair()
	defer client.Close()
	defer server.Close()

	require.NoError(t, server.SetReadDeadline(time.Now().Add(20*time.Millisecond)))
	_, err := server.ReadFrame()
	require.Error(t, err)

	var ne net.Error
	require.ErrorAs(t, err, &ne)
	assert.True(t, ne.Timeout())
}
