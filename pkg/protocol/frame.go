package protocol

import (
	"errors"
	"io"
)

const (
	// FrameHeaderSize is the size of the frame header in bytes.
	FrameHeaderSize = 4

	// MaxPayloadSize is the largest payload a frame can carry (2^16 - 1 bytes).
	MaxPayloadSize = 65535
)

// FrameType identifies what a frame's payload holds.
type FrameType uint8

const (
	FrameHandshake FrameType = 0x00 // ConnectRequest / ConnectResponse
	FrameData      FrameType = 0x01 // Session traffic, opaque to this package
	FrameControl   FrameType = 0x02 // Session-level control traffic
)

// String returns the string representation of the frame type.
func (ft FrameType) String() string {
	switch ft {
	case FrameHandshake:
		return "Handshake"
	case FrameData:
		return "Data"
	case FrameControl:
		return "Control"
	default:
		return "Unknown"
	}
}

// Frame errors.
var (
	ErrFrameTooLarge   = errors.New("protocol: frame payload too large")
	ErrUnexpectedFrame = errors.New("protocol: unexpected frame type")
	ErrTruncatedFrame  = errors.New("protocol: truncated frame")
)

// Frame is one framed message. Flags are carried on the wire but no flag
// values are defined yet; receivers ignore unknown bits.
type Frame struct {
	Type    FrameType
	Flags   uint8
	Payload []byte
}

// NewFrame creates a frame with the given type and payload.
func NewFrame(ft FrameType, payload []byte) *Frame {
	return &Frame{Type: ft, Payload: payload}
}

// Encode returns the frame header followed by the payload.
func (f *Frame) Encode() []byte {
	length := len(f.Payload)
	buf := make([]byte, FrameHeaderSize+length)
	buf[0] = byte(f.Type)
	buf[1] = f.Flags
	buf[2] = byte(length >> 8)
	buf[3] = byte(length)
	copy(buf[FrameHeaderSize:], f.Payload)
	return buf
}

// DecodeFrame decodes a frame from a complete message such as a WebSocket
// binary message. Bytes past the declared payload length are rejected.
func DecodeFrame(data []byte) (*Frame, error) {
	if len(data) < FrameHeaderSize {
		return nil, ErrTruncatedFrame
	}
	length := int(data[2])<<8 | int(data[3])
	switch {
	case len(data) < FrameHeaderSize+length:
		return nil, ErrTruncatedFrame
	case len(data) > FrameHeaderSize+length:
		return nil, ErrTrailingBytes
	}

	payload := make([]byte, length)
	copy(payload, data[FrameHeaderSize:])
	return &Frame{
		Type:    FrameType(data[0]),
		Flags:   data[1],
		Payload: payload,
	}, nil
}

// ReadFrame reads one complete frame from a byte stream.
func ReadFrame(r io.Reader) (*Frame, error) {
	var header [FrameHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	length := int(header[2])<<8 | int(header[3])

	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			if errors.Is(err, io.EOF) {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
	}

	return &Frame{
		Type:    FrameType(header[0]),
		Flags:   header[1],
		Payload: payload,
	}, nil
}

// WriteFrame writes one complete frame in a single Write call.
func WriteFrame(w io.Writer, f *Frame) error {
	if len(f.Payload) > MaxPayloadSize {
		return ErrFrameTooLarge
	}
	_, err := w.Write(f.Encode())
	return err
}
