package config

import (
	"bytes"
	stderrors "errors"
	"io"
	"io/fs"
	"log/slog"
	"math"
	"net"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/vango-dev/tether/internal/errors"
	"github.com/vango-dev/tether/pkg/protocol"
	"github.com/vango-dev/tether/pkg/server"
	"github.com/vango-dev/tether/pkg/transport"
)

const (
	// ConfigFileName is the default configuration file name.
	ConfigFileName = "tether.yaml"

	// EnvPrefix prefixes every environment override.
	EnvPrefix = "TETHER_"

	// DefaultListen is the default session listen address.
	DefaultListen = ":2022"

	// DefaultAdminListen is the default admin listen address.
	DefaultAdminListen = "127.0.0.1:9090"

	// TransportTCP and TransportWebSocket name the supported transports.
	TransportTCP       = "tcp"
	TransportWebSocket = "websocket"
)

// Config is the complete tetherd configuration.
type Config struct {
	// Listen is the session listen address.
	Listen string `yaml:"listen" env:"LISTEN"`

	// Transport selects how clients connect: tcp or websocket.
	Transport string `yaml:"transport" env:"TRANSPORT"`

	// WebSocketPath is the upgrade route for the websocket transport.
	WebSocketPath string `yaml:"websocket_path" env:"WEBSOCKET_PATH"`

	// Key is the pre-shared key. KeyFile is read when Key is empty.
	Key     string `yaml:"key" env:"KEY"`
	KeyFile string `yaml:"key_file" env:"KEY_FILE"`

	// ProtocolVersion is the handshake version new sessions must declare.
	ProtocolVersion int32 `yaml:"protocol_version" env:"PROTOCOL_VERSION"`

	HandshakeTimeout time.Duration `yaml:"handshake_timeout" env:"HANDSHAKE_TIMEOUT"`
	WriteTimeout     time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	AcceptBackoff    time.Duration `yaml:"accept_backoff" env:"ACCEPT_BACKOFF"`

	// SerialHandshakes runs handshakes on the accept loop.
	SerialHandshakes bool `yaml:"serial_handshakes" env:"SERIAL_HANDSHAKES"`

	// MaxClientID bounds the session id space.
	MaxClientID int64 `yaml:"max_client_id" env:"MAX_CLIENT_ID"`

	Admin AdminConfig `yaml:"admin" envPrefix:"ADMIN_"`
	Log   LogConfig   `yaml:"log" envPrefix:"LOG_"`

	// Tracing wraps handshakes in OpenTelemetry spans using the global
	// tracer provider.
	Tracing bool `yaml:"tracing" env:"TRACING"`

	// configPath stores the path where the config was loaded from.
	configPath string
}

// AdminConfig configures the admin HTTP server.
type AdminConfig struct {
	Enabled bool   `yaml:"enabled" env:"ENABLED"`
	Listen  string `yaml:"listen" env:"LISTEN"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" env:"LEVEL"`
	Format string `yaml:"format" env:"FORMAT"`
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Listen:           DefaultListen,
		Transport:        TransportTCP,
		WebSocketPath:    transport.DefaultWebSocketPath,
		ProtocolVersion:  protocol.CurrentVersion,
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     10 * time.Second,
		AcceptBackoff:    time.Second,
		MaxClientID:      math.MaxInt64,
		Admin: AdminConfig{
			Enabled: true,
			Listen:  DefaultAdminListen,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load builds a Config from defaults, the YAML file at path (skipped when
// path is empty), .env files and the environment, then validates it.
// With no envFiles, a .env in the working directory is loaded if present.
func Load(path string, envFiles ...string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	if err := loadDotEnv(envFiles); err != nil {
		return nil, err
	}

	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, errors.New("T107").Wrap(err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if stderrors.Is(err, fs.ErrNotExist) {
			return errors.New("T101").
				WithDetail(path).
				WithSuggestion("Create " + ConfigFileName + " or omit --config to use defaults and TETHER_* variables")
		}
		return errors.New("T100").WithDetail(path).Wrap(err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !stderrors.Is(err, io.EOF) {
		return errors.New("T100").
			WithDetail(path).
			WithSuggestion("Check that " + path + " is valid YAML with known keys").
			Wrap(err)
	}
	c.configPath = path
	return nil
}

func loadDotEnv(files []string) error {
	if len(files) == 0 {
		if err := godotenv.Load(); err != nil && !stderrors.Is(err, fs.ErrNotExist) {
			return errors.New("T107").WithDetail(".env").Wrap(err)
		}
		return nil
	}
	if err := godotenv.Load(files...); err != nil {
		return errors.New("T107").WithDetail(strings.Join(files, ", ")).Wrap(err)
	}
	return nil
}

// Path returns the file the config was loaded from, if any.
func (c *Config) Path() string {
	return c.configPath
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Key == "" && c.KeyFile == "" {
		return errors.New("T102").
			WithSuggestion("Set key_file in " + ConfigFileName + " or the TETHER_KEY variable")
	}
	if err := validateAddr(c.Listen); err != nil {
		return err
	}
	switch c.Transport {
	case TransportTCP:
	case TransportWebSocket:
		if !strings.HasPrefix(c.WebSocketPath, "/") {
			return errors.New("T105").WithDetailf("websocket_path %q must start with /", c.WebSocketPath)
		}
	default:
		return errors.New("T105").WithDetailf("unknown transport %q", c.Transport)
	}
	for name, d := range map[string]time.Duration{
		"handshake_timeout": c.HandshakeTimeout,
		"write_timeout":     c.WriteTimeout,
		"accept_backoff":    c.AcceptBackoff,
	} {
		if d <= 0 {
			return errors.New("T104").WithDetailf("%s must be positive, got %s", name, d)
		}
	}
	if c.MaxClientID <= 0 {
		return errors.New("T108").WithDetailf("max_client_id is %d", c.MaxClientID)
	}
	if c.Admin.Enabled {
		if err := validateAddr(c.Admin.Listen); err != nil {
			return err
		}
	}
	if _, err := c.Log.SlogLevel(); err != nil {
		return err
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return errors.New("T106").WithDetailf("unknown log format %q", c.Log.Format)
	}
	return nil
}

func validateAddr(addr string) error {
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return errors.New("T103").
			WithDetailf("%q", addr).
			WithSuggestion(`Use host:port, e.g. ":2022"`).
			Wrap(err)
	}
	return nil
}

// ResolveKey returns the pre-shared key, reading KeyFile if Key is empty.
// Surrounding whitespace in the file is ignored.
func (c *Config) ResolveKey() ([]byte, error) {
	if c.Key != "" {
		return []byte(c.Key), nil
	}
	data, err := os.ReadFile(c.KeyFile)
	if err != nil {
		return nil, errors.New("T102").WithDetail(c.KeyFile).Wrap(err)
	}
	key := bytes.TrimSpace(data)
	if len(key) == 0 {
		return nil, errors.New("T102").WithDetailf("%s is empty", c.KeyFile)
	}
	return key, nil
}

// SlogLevel parses the configured level.
func (l LogConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, errors.New("T106").WithDetailf("unknown log level %q", l.Level)
	}
	return level, nil
}

// NewLogger builds a logger writing to w in the configured format.
func (l LogConfig) NewLogger(w io.Writer) *slog.Logger {
	level, err := l.SlogLevel()
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if l.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// ServerConfig converts the daemon configuration into a server.ServerConfig.
func (c *Config) ServerConfig(key []byte, logger *slog.Logger) *server.ServerConfig {
	cfg := server.DefaultServerConfig().WithKey(key)
	cfg.ProtocolVersion = c.ProtocolVersion
	cfg.HandshakeTimeout = c.HandshakeTimeout
	cfg.WriteTimeout = c.WriteTimeout
	cfg.AcceptBackoff = c.AcceptBackoff
	cfg.SerialHandshakes = c.SerialHandshakes
	cfg.MaxClientID = c.MaxClientID
	cfg.Logger = logger
	return cfg
}
