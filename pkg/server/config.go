package server

import (
	"log/slog"
	"math"
	"time"

	"github.com/vango-dev/tether/pkg/protocol"
)

// ServerConfig holds configuration for a Server.
type ServerConfig struct {
	// ProtocolVersion is the version a new-session request must declare.
	// Default: protocol.CurrentVersion.
	ProtocolVersion int32

	// Key is the pre-shared key handed to every session. It is copied; later
	// changes to the slice do not affect the server.
	Key []byte

	// Handler is notified of every new session and may veto it.
	// Default: nil (admit everything).
	Handler SessionHandler

	// Timeouts

	// HandshakeTimeout bounds reading the ConnectRequest.
	// Default: 10 seconds.
	HandshakeTimeout time.Duration

	// WriteTimeout bounds writing the ConnectResponse.
	// Default: 10 seconds.
	WriteTimeout time.Duration

	// AcceptBackoff is the pause after a failed Accept before retrying.
	// Default: 1 second.
	AcceptBackoff time.Duration

	// Dispatch

	// SerialHandshakes runs each handshake on the accept loop instead of its
	// own goroutine. A slow client then stalls every later accept.
	// Default: false.
	SerialHandshakes bool

	// MaxClientID is the largest session id the allocator may hand out.
	// Ids are drawn from [0, MaxClientID].
	// Default: math.MaxInt64.
	MaxClientID int64

	// Logger is the base logger. Default: slog.Default().
	Logger *slog.Logger
}

// DefaultServerConfig returns a ServerConfig with sensible defaults.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		ProtocolVersion:  protocol.CurrentVersion,
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     10 * time.Second,
		AcceptBackoff:    time.Second,
		MaxClientID:      math.MaxInt64,
	}
}

// Clone returns a copy of the ServerConfig with its own key slice.
func (c *ServerConfig) Clone() *ServerConfig {
	if c == nil {
		return nil
	}
	clone := *c
	if c.Key != nil {
		clone.Key = append([]byte(nil), c.Key...)
	}
	return &clone
}

// WithKey sets the pre-shared key and returns the config for chaining.
func (c *ServerConfig) WithKey(key []byte) *ServerConfig {
	c.Key = key
	return c
}

// WithHandler sets the new-session handler and returns the config for chaining.
func (c *ServerConfig) WithHandler(h SessionHandler) *ServerConfig {
	c.Handler = h
	return c
}

// withDefaults fills every unset field from DefaultServerConfig.
func (c *ServerConfig) withDefaults() *ServerConfig {
	defaults := DefaultServerConfig()
	if c == nil {
		return defaults
	}
	cfg := c.Clone()
	if cfg.ProtocolVersion == 0 {
		cfg.ProtocolVersion = defaults.ProtocolVersion
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaults.HandshakeTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaults.WriteTimeout
	}
	if cfg.AcceptBackoff <= 0 {
		cfg.AcceptBackoff = defaults.AcceptBackoff
	}
	if cfg.MaxClientID <= 0 {
		cfg.MaxClientID = defaults.MaxClientID
	}
	return cfg
}
