package gateway

import (
	"crypto/tls"
	"fmt"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/tailcast/tailcast/pkg/tailcast/o11y"
	"github.com/tailcast/tailcast/pkg/tailcast/registry"
)

// ListenerConfig holds the configuration for creating a Listener.
// Use NewListenerConfig() to create a new configuration and chain
// methods to set the required parameters before calling Build().
type ListenerConfig struct {
	reg       *registry.Registry
	logger    *zap.Logger
	addr      string
	tlsConfig *tls.Config

	queueSize        int
	pingInterval     time.Duration
	writeTimeout     time.Duration
	handshakeTimeout time.Duration

	authToken    string
	binaryFrames bool

	metrics o11y.MetricsProvider
}

const (
	// DefaultQueueSize is the default capacity of a session's outgoing
	// queue. A session that falls this many frames behind is evicted.
	DefaultQueueSize = 256

	// DefaultPingInterval is the default interval for sending WebSocket
	// ping frames to detect dead connections.
	DefaultPingInterval = 30 * time.Second

	// DefaultWriteTimeout is the default timeout for writing one frame
	// to a client.
	DefaultWriteTimeout = 10 * time.Second

	// DefaultHandshakeTimeout bounds both the HTTP upgrade and the auth
	// handshake so an unresponsive handshake cannot occupy resources
	// forever.
	DefaultHandshakeTimeout = 10 * time.Second
)

// NewListenerConfig creates a new ListenerConfig for building a Listener.
//
// Example:
//
//	listener, err := gateway.NewListenerConfig().
//	    WithRegistry(reg).
//	    WithLogger(logger).
//	    WithAddr("127.0.0.1:8080").
//	    WithTLSConfig(store.TLSConfig()).
//	    WithQueueSize(512).
//	    Build()
func NewListenerConfig() *ListenerConfig {
	return &ListenerConfig{
		queueSize:        DefaultQueueSize,
		pingInterval:     DefaultPingInterval,
		writeTimeout:     DefaultWriteTimeout,
		handshakeTimeout: DefaultHandshakeTimeout,
		binaryFrames:     true,
	}
}

// WithRegistry sets the subscriber registry sessions register into.
func (c *ListenerConfig) WithRegistry(reg *registry.Registry) *ListenerConfig {
	c.reg = reg
	return c
}

// WithLogger sets the Logger for the Listener.
func (c *ListenerConfig) WithLogger(logger *zap.Logger) *ListenerConfig {
	c.logger = logger
	return c
}

// WithAddr sets the address to listen on.
func (c *ListenerConfig) WithAddr(addr string) *ListenerConfig {
	c.addr = addr
	return c
}

// WithTLSConfig sets the TLS configuration for the listener. Pass a
// config whose GetCertificate consults the credential store so each
// handshake captures the bundle current at handshake start. Nil serves
// plaintext WebSocket.
func (c *ListenerConfig) WithTLSConfig(tlsConfig *tls.Config) *ListenerConfig {
	c.tlsConfig = tlsConfig
	return c
}

// WithQueueSize sets the outgoing queue capacity per session. Must be
// positive.
//
// Default: 256 frames per session
func (c *ListenerConfig) WithQueueSize(size int) *ListenerConfig {
	if size > 0 {
		c.queueSize = size
	}
	return c
}

// WithPingInterval sets the interval for sending WebSocket ping frames.
// Set to 0 to disable ping health monitoring.
//
// Default: 30 seconds
func (c *ListenerConfig) WithPingInterval(interval time.Duration) *ListenerConfig {
	if interval >= 0 {
		c.pingInterval = interval
	}
	return c
}

// WithWriteTimeout sets the timeout for writing one frame to a client.
//
// Default: 10 seconds
func (c *ListenerConfig) WithWriteTimeout(timeout time.Duration) *ListenerConfig {
	if timeout > 0 {
		c.writeTimeout = timeout
	}
	return c
}

// WithHandshakeTimeout bounds the upgrade and auth handshake.
//
// Default: 10 seconds
func (c *ListenerConfig) WithHandshakeTimeout(timeout time.Duration) *ListenerConfig {
	if timeout > 0 {
		c.handshakeTimeout = timeout
	}
	return c
}

// WithAuthToken requires clients to present the given token in a
// handshake frame before any events are delivered. Empty disables
// authentication.
func (c *ListenerConfig) WithAuthToken(token string) *ListenerConfig {
	c.authToken = token
	return c
}

// WithTextFrames switches event delivery from binary to text frames.
func (c *ListenerConfig) WithTextFrames() *ListenerConfig {
	c.binaryFrames = false
	return c
}

// WithMetrics enables listener metrics on the given provider.
func (c *ListenerConfig) WithMetrics(provider o11y.MetricsProvider) *ListenerConfig {
	c.metrics = provider
	return c
}

// IsValid checks if the configuration has all required parameters set.
func (c *ListenerConfig) IsValid() error {
	var missing []string
	if c.reg == nil {
		missing = append(missing, "Registry")
	}
	if c.logger == nil {
		missing = append(missing, "Logger")
	}
	if c.addr == "" {
		missing = append(missing, "Addr")
	}

	if len(missing) > 0 {
		return fmt.Errorf("invalid listener configuration, missing: %v", missing)
	}
	return nil
}

// Build creates a new Listener from the configuration.
func (c *ListenerConfig) Build() (*Listener, error) {
	if err := c.IsValid(); err != nil {
		return nil, err
	}
	return newListener(c), nil
}

func (c *ListenerConfig) messageType() websocket.MessageType {
	if c.binaryFrames {
		return websocket.MessageBinary
	}
	return websocket.MessageText
}
