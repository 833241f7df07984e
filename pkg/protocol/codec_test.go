package protocol

import (
	"io"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSvarintRoundTrip(t *testing.T) {
	values := []int64{0, 1, -1, 63, -64, 300, -300, math.MaxInt64, math.MinInt64}

	e := NewEncoder()
	for _, v := range values {
		e.WriteSvarint(v)
	}

	d := NewDecoder(e.Bytes())
	for _, want := range values {
		got, err := d.ReadSvarint()
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	assert.True(t, d.EOF())
}

func TestSentinelEncodesInOneByte(t *testing.T) {
	e := NewEncoder()
	e.WriteSvarint(NoClientID)
	assert.Equal(t, []byte{0x01}, e.Bytes())
}

func TestDecoderVarintOverflow(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{name: "eleven_bytes", data: []byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0x01}},
		{name: "tenth_byte_too_large", data: []byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0x02}},
		{name: "tenth_byte_continues", data: []byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0x81, 0x00}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewDecoder(tc.data).ReadUvarint()
			assert.ErrorIs(t, err, ErrVarintOverflow)
		})
	}
}

func TestDecoderMaxUvarint(t *testing.T) {
	e := NewEncoder()
	e.WriteUvarint(math.MaxUint64)
	require.Len(t, e.Bytes(), 10)

	got, err := NewDecoder(e.Bytes()).ReadUvarint()
	require.NoError(t, err)
	assert.Equal(t, uint64(math.MaxUint64), got)
}

func TestDecoderShortReads(t *testing.T) {
	_, err := NewDecoder(nil).ReadUvarint()
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)

	// Declared string length longer than the buffer.
	_, err = NewDecoder([]byte{0x05, 'a'}).ReadString()
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestDecoderStringLimit(t *testing.T) {
	e := NewEncoder()
	e.WriteUvarint(MaxStringLen + 1)
	_, err := NewDecoder(e.Bytes()).ReadString()
	assert.ErrorIs(t, err, ErrAllocationTooLarge)
}
