// Package gateway accepts client connections and runs one session per
// connection. The listener performs the TLS handshake (using whatever
// credential bundle is current at handshake start) and the WebSocket
// upgrade; each accepted connection becomes a session that registers
// itself with the subscriber registry and drains its outgoing queue to
// the socket.
package gateway

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/tailcast/tailcast/pkg/tailcast/o11y"
	"github.com/tailcast/tailcast/pkg/tailcast/registry"
)

// Listener accepts WebSocket connections and hands each one to a
// session. A failed or hostile handshake is an isolated, recoverable
// event: it is logged and the connection dropped without affecting the
// accept loop or other connections.
type Listener struct {
	config *ListenerConfig
	reg    *registry.Registry
	logger *zap.Logger

	httpServer *http.Server
	ln         net.Listener

	shutdown     chan struct{}
	shutdownOnce sync.Once

	handshakeFailures o11y.Counter
	acceptCounter     o11y.Counter
}

func newListener(config *ListenerConfig) *Listener {
	l := &Listener{
		config:   config,
		reg:      config.reg,
		logger:   config.logger,
		shutdown: make(chan struct{}),
	}

	if config.metrics != nil {
		l.handshakeFailures = config.metrics.Counter("gateway_handshake_failures_total")
		l.acceptCounter = config.metrics.Counter("gateway_connections_accepted_total")
	}

	return l
}

// Start binds the listening socket and begins serving in a background
// goroutine. A bind failure is returned and is fatal to startup.
func (l *Listener) Start() error {
	ln, err := net.Listen("tcp", l.config.addr)
	if err != nil {
		return err
	}

	if l.config.tlsConfig != nil {
		ln = tls.NewListener(ln, l.config.tlsConfig)
	}
	l.ln = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/", l.serveWebsocket)

	l.httpServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: l.config.handshakeTimeout,
	}

	l.logger.Info("Gateway listening",
		zap.String("addr", ln.Addr().String()),
		zap.Bool("tls", l.config.tlsConfig != nil),
	)

	go func() {
		if err := l.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) && !errors.Is(err, net.ErrClosed) {
			l.logger.Error("Gateway serve loop ended", zap.Error(err))
		}
	}()

	return nil
}

// Addr returns the bound listener address. Useful when listening on
// port 0.
func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}

// serveWebsocket upgrades one HTTP request to a WebSocket connection
// and runs its session until the connection ends.
func (l *Listener) serveWebsocket(w http.ResponseWriter, r *http.Request) {
	select {
	case <-l.shutdown:
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		l.logger.Debug("Failed to accept WebSocket connection",
			zap.Error(err),
			zap.String("remote_addr", r.RemoteAddr),
		)
		if l.handshakeFailures != nil {
			l.handshakeFailures.Add(r.Context(), 1)
		}
		return
	}

	if l.acceptCounter != nil {
		l.acceptCounter.Add(r.Context(), 1)
	}
	l.logger.Debug("WebSocket connection established",
		zap.String("remote_addr", r.RemoteAddr),
	)

	sess := newSession(r.Context(), conn, l.config)
	sess.run()

	l.logger.Debug("WebSocket connection finished",
		zap.String("remote_addr", r.RemoteAddr),
	)
}

// Shutdown drives the drain sequence: stop accepting, ask every
// registered session to drain, wait for the registry to empty, and
// force-close whatever remains when ctx expires. Blocks until drained
// or ctx is done.
func (l *Listener) Shutdown(ctx context.Context) error {
	l.shutdownOnce.Do(func() {
		l.logger.Info("Gateway shutdown: closing listener",
			zap.Int("active_sessions", l.reg.Len()),
		)

		close(l.shutdown)
		if l.ln != nil {
			l.ln.Close()
		}

		l.reg.Each(func(e *registry.Entry) {
			e.RequestClose()
		})
	})

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			remaining := l.reg.Len()
			if remaining > 0 {
				l.logger.Warn("Shutdown deadline reached, forcing remaining sessions closed",
					zap.Int("remaining_sessions", remaining),
				)
				l.reg.Each(func(e *registry.Entry) {
					e.ForceClose()
				})
			}
			return ctx.Err()

		case <-ticker.C:
			if l.reg.Len() == 0 {
				l.logger.Info("All sessions closed")
				return nil
			}
		}
	}
}
