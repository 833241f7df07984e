package protocol

import (
	"errors"
	"fmt"
	"math"
)

// CurrentVersion is the protocol version spoken by this build. A client
// requesting a new session must declare exactly this version.
const CurrentVersion int32 = 3

// NoClientID is the ClientID a client sends when it has no session yet.
// It can never be assigned to a session.
const NoClientID int64 = -1

// ErrVersionRange is returned when a ConnectRequest declares a version that
// does not fit in an int32.
var ErrVersionRange = errors.New("protocol: version out of range")

// ConnectRequest is the first message a client sends on a fresh connection.
type ConnectRequest struct {
	// ClientID is NoClientID for a new session, or the id of a live session
	// the client wants to recover onto this connection.
	ClientID int64

	// Version is only meaningful when ClientID is NoClientID.
	Version int32
}

// IsNewSession reports whether the request asks for a new session.
func (r *ConnectRequest) IsNewSession() bool {
	return r.ClientID == NoClientID
}

// ConnectResponse answers a new-session request. Recovery requests get no
// response.
type ConnectResponse struct {
	// ClientID is the newly allocated session id. Not meaningful when Error
	// is set.
	ClientID int64

	// Error is set only when the request was refused.
	Error string
}

// VersionMismatchMessage formats the error carried in a ConnectResponse
// when a client declares the wrong protocol version.
func VersionMismatchMessage(client, server int32) string {
	return fmt.Sprintf("Mismatched protocol versions.  Client: %d != Server: %d", client, server)
}

// NewConnectRequest creates a request for a brand-new session.
func NewConnectRequest() *ConnectRequest {
	return &ConnectRequest{ClientID: NoClientID, Version: CurrentVersion}
}

// NewRecoverRequest creates a request that rebinds session id to the
// connection it is sent on.
func NewRecoverRequest(id int64) *ConnectRequest {
	return &ConnectRequest{ClientID: id, Version: CurrentVersion}
}

// EncodeConnectRequest encodes a ConnectRequest payload.
func EncodeConnectRequest(r *ConnectRequest) []byte {
	e := NewEncoder()
	e.WriteSvarint(r.ClientID)
	e.WriteSvarint(int64(r.Version))
	return e.Bytes()
}

// DecodeConnectRequest decodes a ConnectRequest payload.
func DecodeConnectRequest(data []byte) (*ConnectRequest, error) {
	d := NewDecoder(data)

	id, err := d.ReadSvarint()
	if err != nil {
		return nil, err
	}
	version, err := d.ReadSvarint()
	if err != nil {
		return nil, err
	}
	if !d.EOF() {
		return nil, ErrTrailingBytes
	}
	if version < math.MinInt32 || version > math.MaxInt32 {
		return nil, fmt.Errorf("%w: %d", ErrVersionRange, version)
	}

	return &ConnectRequest{ClientID: id, Version: int32(version)}, nil
}

// EncodeConnectResponse encodes a ConnectResponse payload.
func EncodeConnectResponse(r *ConnectResponse) []byte {
	e := NewEncoder()
	e.WriteSvarint(r.ClientID)
	e.WriteString(r.Error)
	return e.Bytes()
}

// DecodeConnectResponse decodes a ConnectResponse payload.
func DecodeConnectResponse(data []byte) (*ConnectResponse, error) {
	d := NewDecoder(data)

	id, err := d.ReadSvarint()
	if err != nil {
		return nil, err
	}
	msg, err := d.ReadString()
	if err != nil {
		return nil, err
	}
	if !d.EOF() {
		return nil, ErrTrailingBytes
	}

	return &ConnectResponse{ClientID: id, Error: msg}, nil
}

// HandshakeFrame wraps an encoded handshake payload in a FrameHandshake.
func HandshakeFrame(payload []byte) *Frame {
	return NewFrame(FrameHandshake, payload)
}

// ParseConnectRequest validates that f is a handshake frame and decodes the
// request it carries.
func ParseConnectRequest(f *Frame) (*ConnectRequest, error) {
	if f.Type != FrameHandshake {
		return nil, fmt.Errorf("%w: %s", ErrUnexpectedFrame, f.Type)
	}
	return DecodeConnectRequest(f.Payload)
}

// ParseConnectResponse validates that f is a handshake frame and decodes the
// response it carries.
func ParseConnectResponse(f *Frame) (*ConnectResponse, error) {
	if f.Type != FrameHandshake {
		return nil, fmt.Errorf("%w: %s", ErrUnexpectedFrame, f.Type)
	}
	return DecodeConnectResponse(f.Payload)
}
