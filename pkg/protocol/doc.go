// Package protocol implements the binary wire format spoken between a tether
// client and server.
//
// Every message travels inside a frame with a 4-byte header:
//
//	┌─────────────┬──────────────┬───────────────────────────────┐
//	│ Frame Type  │ Flags        │ Payload Length                │
//	│ (1 byte)    │ (1 byte)     │ (2 bytes, big-endian)         │
//	└─────────────┴──────────────┴───────────────────────────────┘
//
// # Handshake
//
// The first frame on every connection is a FrameHandshake carrying a
// ConnectRequest. A client asking for a brand-new session sends NoClientID
// together with its protocol version; a client reconnecting after losing its
// socket sends the id it was given earlier.
//
//	Client                               Server
//	  │                                     │
//	  │── ConnectRequest{-1, version} ─────>│
//	  │<─ ConnectResponse{clientID} ────────│   new session
//	  │                                     │
//	  │── ConnectRequest{clientID} ────────>│   recovery, no reply
//	  │                                     │
//
// A version mismatch is answered with a ConnectResponse whose Error field
// names both versions, after which the server closes the connection. A
// recovery for an id the server does not know is answered with nothing at
// all: the connection is simply closed.
//
// # Encoding
//
//   - Varint: unsigned integers, protobuf-style
//   - ZigZag: signed integers encoded as unsigned varints
//   - Length-prefixed: strings and byte slices prefixed with a varint length
//   - Big-endian: fixed-width integers
package protocol
