// Package config loads the gateway configuration. Sources are merged
// in priority order: built-in defaults, then a YAML file, then
// TAILCAST_ environment variables. Double underscores nest sections
// (TAILCAST_LISTEN__ADDR sets listen.addr, TAILCAST_TLS__CERT_FILE
// sets tls.cert_file).
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is the environment variable prefix.
const EnvPrefix = "TAILCAST_"

// Config is the gateway's typed configuration.
type Config struct {
	Listen    ListenConfig    `koanf:"listen"`
	TLS       TLSConfig       `koanf:"tls"`
	Input     InputConfig     `koanf:"input"`
	Broadcast BroadcastConfig `koanf:"broadcast"`
	Session   SessionConfig   `koanf:"session"`
	Wire      WireConfig      `koanf:"wire"`
	Auth      AuthConfig      `koanf:"auth"`
	Shutdown  ShutdownConfig  `koanf:"shutdown"`
	Log       LogConfig       `koanf:"log"`
}

// ListenConfig configures the listening socket.
type ListenConfig struct {
	Addr string `koanf:"addr"`
}

// TLSConfig configures transport encryption and credential hot-reload.
type TLSConfig struct {
	Enabled  bool          `koanf:"enabled"`
	CertFile string        `koanf:"cert_file"`
	KeyFile  string        `koanf:"key_file"`
	Debounce time.Duration `koanf:"debounce"`
}

// InputConfig configures the event input.
type InputConfig struct {
	Path         string        `koanf:"path"`
	Watch        bool          `koanf:"watch"`
	PollInterval time.Duration `koanf:"poll_interval"`
}

// BroadcastConfig configures the fan-out engine.
type BroadcastConfig struct {
	QueueSize int `koanf:"queue_size"`
}

// SessionConfig configures per-connection behavior.
type SessionConfig struct {
	PingInterval     time.Duration `koanf:"ping_interval"`
	WriteTimeout     time.Duration `koanf:"write_timeout"`
	HandshakeTimeout time.Duration `koanf:"handshake_timeout"`
}

// WireConfig configures the frame format: "binary" or "text".
type WireConfig struct {
	Format string `koanf:"format"`
}

// AuthConfig configures client authentication. An empty token disables it.
type AuthConfig struct {
	Token string `koanf:"token"`
}

// ShutdownConfig bounds the drain on termination.
type ShutdownConfig struct {
	Timeout time.Duration `koanf:"timeout"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level string `koanf:"level"`
}

// Default returns the built-in defaults.
func Default() *Config {
	return &Config{
		Listen: ListenConfig{Addr: "127.0.0.1:8080"},
		TLS: TLSConfig{
			Debounce: 500 * time.Millisecond,
		},
		Input: InputConfig{
			Path:         "-",
			Watch:        true,
			PollInterval: time.Second,
		},
		Broadcast: BroadcastConfig{QueueSize: 256},
		Session: SessionConfig{
			PingInterval:     30 * time.Second,
			WriteTimeout:     10 * time.Second,
			HandshakeTimeout: 10 * time.Second,
		},
		Wire:     WireConfig{Format: "binary"},
		Shutdown: ShutdownConfig{Timeout: 15 * time.Second},
		Log:      LogConfig{Level: "info"},
	}
}

// Load builds the configuration from defaults, an optional YAML file,
// and environment overrides, then validates it.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	// TAILCAST_LISTEN__ADDR -> listen.addr
	envTransformer := func(s string) string {
		s = strings.TrimPrefix(s, EnvPrefix)
		s = strings.ToLower(s)
		s = strings.ReplaceAll(s, "__", ".")
		return s
	}
	if err := k.Load(env.Provider(EnvPrefix, ".", envTransformer), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	cfg := Default()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if c.Listen.Addr == "" {
		return fmt.Errorf("listen.addr must not be empty")
	}
	if c.Broadcast.QueueSize <= 0 {
		return fmt.Errorf("broadcast.queue_size must be positive, got %d", c.Broadcast.QueueSize)
	}
	if c.TLS.Enabled && (c.TLS.CertFile == "" || c.TLS.KeyFile == "") {
		return fmt.Errorf("tls.cert_file and tls.key_file are required when tls.enabled is true")
	}
	switch c.Wire.Format {
	case "binary", "text":
	default:
		return fmt.Errorf("wire.format must be %q or %q, got %q", "binary", "text", c.Wire.Format)
	}
	if c.Shutdown.Timeout <= 0 {
		return fmt.Errorf("shutdown.timeout must be positive, got %s", c.Shutdown.Timeout)
	}
	if c.Input.Path == "" {
		return fmt.Errorf("input.path must not be empty")
	}
	return nil
}
