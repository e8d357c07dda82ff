package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:8080", cfg.Listen.Addr)
	assert.False(t, cfg.TLS.Enabled)
	assert.Equal(t, "-", cfg.Input.Path)
	assert.True(t, cfg.Input.Watch)
	assert.Equal(t, 256, cfg.Broadcast.QueueSize)
	assert.Equal(t, "binary", cfg.Wire.Format)
	assert.Empty(t, cfg.Auth.Token)
	assert.Equal(t, 15*time.Second, cfg.Shutdown.Timeout)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoadYAMLFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tailcast.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
listen:
  addr: "0.0.0.0:9443"
tls:
  enabled: true
  cert_file: /etc/tailcast/tls.crt
  key_file: /etc/tailcast/tls.key
  debounce: 250ms
input:
  path: /var/log/updates.log
broadcast:
  queue_size: 1024
session:
  ping_interval: 5s
wire:
  format: text
auth:
  token: s3cret
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:9443", cfg.Listen.Addr)
	assert.True(t, cfg.TLS.Enabled)
	assert.Equal(t, "/etc/tailcast/tls.crt", cfg.TLS.CertFile)
	assert.Equal(t, 250*time.Millisecond, cfg.TLS.Debounce)
	assert.Equal(t, "/var/log/updates.log", cfg.Input.Path)
	assert.Equal(t, 1024, cfg.Broadcast.QueueSize)
	assert.Equal(t, 5*time.Second, cfg.Session.PingInterval)
	assert.Equal(t, "text", cfg.Wire.Format)
	assert.Equal(t, "s3cret", cfg.Auth.Token)

	// Untouched sections keep their defaults.
	assert.Equal(t, 10*time.Second, cfg.Session.WriteTimeout)
	assert.Equal(t, 15*time.Second, cfg.Shutdown.Timeout)
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tailcast.yaml")
	require.NoError(t, os.WriteFile(path, []byte("listen:\n  addr: \"127.0.0.1:7000\"\n"), 0o600))

	t.Setenv("TAILCAST_LISTEN__ADDR", "127.0.0.1:7001")
	t.Setenv("TAILCAST_BROADCAST__QUEUE_SIZE", "32")
	t.Setenv("TAILCAST_AUTH__TOKEN", "from-env")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:7001", cfg.Listen.Addr)
	assert.Equal(t, 32, cfg.Broadcast.QueueSize)
	assert.Equal(t, "from-env", cfg.Auth.Token)
}

func TestLoadFailsOnMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load config file")
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"empty listen addr", func(c *Config) { c.Listen.Addr = "" }, "listen.addr"},
		{"zero queue size", func(c *Config) { c.Broadcast.QueueSize = 0 }, "queue_size"},
		{"negative queue size", func(c *Config) { c.Broadcast.QueueSize = -1 }, "queue_size"},
		{"tls without cert", func(c *Config) { c.TLS.Enabled = true; c.TLS.KeyFile = "k" }, "tls.cert_file"},
		{"tls without key", func(c *Config) { c.TLS.Enabled = true; c.TLS.CertFile = "c" }, "tls.cert_file"},
		{"bad wire format", func(c *Config) { c.Wire.Format = "msgpack" }, "wire.format"},
		{"zero shutdown timeout", func(c *Config) { c.Shutdown.Timeout = 0 }, "shutdown.timeout"},
		{"empty input path", func(c *Config) { c.Input.Path = "" }, "input.path"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}

	assert.NoError(t, Default().Validate())
}

func TestValidateAcceptsTLSWithBothFiles(t *testing.T) {
	cfg := Default()
	cfg.TLS.Enabled = true
	cfg.TLS.CertFile = "/etc/tailcast/tls.crt"
	cfg.TLS.KeyFile = "/etc/tailcast/tls.key"
	assert.NoError(t, cfg.Validate())
}
