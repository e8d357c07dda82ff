package gateway

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/tailcast/tailcast/pkg/tailcast/registry"
	"github.com/tailcast/tailcast/pkg/tailcast/wire"
)

// sessionState tracks a session through its lifecycle:
// handshaking -> active -> draining -> closed.
type sessionState int32

const (
	stateHandshaking sessionState = iota
	stateActive
	stateDraining
	stateClosed
)

// maxInboundFrame limits client frame size; clients only ever send
// small control/handshake frames.
const maxInboundFrame = 4096

// session owns one socket and one outgoing queue. Two concurrent
// duties while active: the sender goroutine drains the queue to the
// socket in order, and the reader (running in the accept handler's
// goroutine) consumes client frames and detects peer disconnect.
//
// Any of queue-overflow eviction, peer close, write error, or shutdown
// request moves the session to draining: the session context is
// cancelled, in-flight writes finish or time out, a close frame is sent
// if the transport still permits, and the session unregisters itself.
// All of these are routine disconnects, not process errors.
type session struct {
	conn   *websocket.Conn
	config *ListenerConfig
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	entry *registry.Entry
	state atomic.Int32

	// control frames (acks/nacks) bypass the broadcast queue but are
	// still written by the sender goroutine only
	control chan []byte

	cleanupOnce sync.Once
}

func newSession(parent context.Context, conn *websocket.Conn, config *ListenerConfig) *session {
	ctx, cancel := context.WithCancel(parent)
	return &session{
		conn:    conn,
		config:  config,
		logger:  config.logger,
		ctx:     ctx,
		cancel:  cancel,
		control: make(chan []byte, 4),
	}
}

// run executes the session to completion and blocks until it is closed.
func (s *session) run() {
	defer s.cleanup()

	s.conn.SetReadLimit(maxInboundFrame)

	if !s.handshake() {
		return
	}

	s.entry = registry.NewEntry(s.config.queueSize, s.requestClose, s.forceClose)
	s.config.reg.Register(s.entry)
	s.state.Store(int32(stateActive))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.sender()
	}()

	s.reader()
	s.cancel()
	wg.Wait()
}

// handshake authenticates the client when an auth token is configured.
// The first frame must be a handshake carrying the token; anything else
// (or silence past the deadline) drops the connection.
func (s *session) handshake() bool {
	if s.config.authToken == "" {
		return true
	}

	readCtx, cancel := context.WithTimeout(s.ctx, s.config.handshakeTimeout)
	defer cancel()

	_, data, err := s.conn.Read(readCtx)
	if err != nil {
		s.logger.Debug("Handshake read failed", zap.Error(err))
		s.conn.Close(websocket.StatusPolicyViolation, "handshake required")
		return false
	}

	msg, err := wire.Decode(data)
	if err != nil || msg.Kind != wire.MessageKindHandshake {
		s.logger.Debug("First frame was not a handshake")
		s.conn.Close(websocket.StatusPolicyViolation, "handshake required")
		return false
	}
	if msg.Token != s.config.authToken {
		s.logger.Debug("Handshake presented an incorrect auth token")
		s.conn.Close(websocket.StatusPolicyViolation, "bad auth token")
		return false
	}

	writeCtx, cancelWrite := context.WithTimeout(s.ctx, s.config.writeTimeout)
	defer cancelWrite()
	if err := s.conn.Write(writeCtx, s.config.messageType(), wire.Ack()); err != nil {
		s.logger.Debug("Handshake ack write failed", zap.Error(err))
		return false
	}

	return true
}

// sender drains the outgoing queue to the socket, preserving queue
// order, and sends periodic pings when enabled. A write or ping
// failure moves the session to draining.
func (s *session) sender() {
	var pingChan <-chan time.Time
	if s.config.pingInterval > 0 {
		pingTicker := time.NewTicker(s.config.pingInterval)
		pingChan = pingTicker.C
		defer pingTicker.Stop()
	}

	for {
		select {
		case frame := <-s.entry.Queue():
			writeCtx, cancel := context.WithTimeout(s.ctx, s.config.writeTimeout)
			err := s.conn.Write(writeCtx, s.config.messageType(), frame)
			cancel()
			if err != nil {
				s.logger.Debug("Frame write failed, draining session", zap.Error(err))
				s.cancel()
				return
			}

		case frame := <-s.control:
			writeCtx, cancel := context.WithTimeout(s.ctx, s.config.writeTimeout)
			err := s.conn.Write(writeCtx, s.config.messageType(), frame)
			cancel()
			if err != nil {
				s.logger.Debug("Control write failed, draining session", zap.Error(err))
				s.cancel()
				return
			}

		case <-pingChan:
			pingCtx, cancel := context.WithTimeout(s.ctx, s.config.writeTimeout)
			err := s.conn.Ping(pingCtx)
			cancel()
			if err != nil {
				s.logger.Debug("Ping failed, draining session", zap.Error(err))
				s.cancel()
				return
			}

		case <-s.ctx.Done():
			return
		}
	}
}

// reader consumes frames from the client until the connection ends.
// Ping/pong control frames are answered by the websocket library during
// the read; a close frame or transport error surfaces here as a read
// error and ends the session. No read deadline is applied in steady
// state: a broadcast client may legitimately stay silent forever, and
// dead peers are detected by ping failures instead.
func (s *session) reader() {
	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if status := websocket.CloseStatus(err); status != -1 {
				s.logger.Debug("Connection closed by client",
					zap.Int("close_status", int(status)),
				)
			} else {
				s.logger.Debug("Connection read ended", zap.Error(err))
			}
			return
		}

		if len(data) == 0 {
			continue
		}

		msg, err := wire.Decode(data)
		if err != nil {
			s.sendControl(wire.Nack("invalid frame"))
			continue
		}

		switch msg.Kind {
		case wire.MessageKindHandshake:
			s.sendControl(wire.Nack("already authenticated"))
		default:
			// The feed is one-way; clients have nothing else to request.
			s.sendControl(wire.Nack("unsupported request"))
		}
	}
}

// sendControl queues a control frame for the sender without blocking
// the reader. Dropped when the control queue is full.
func (s *session) sendControl(frame []byte) {
	select {
	case s.control <- frame:
	default:
		s.logger.Debug("Control queue full, dropping response")
	}
}

// requestClose asks the session to drain. Called by the fan-out engine
// on eviction and by the listener during shutdown.
func (s *session) requestClose() {
	s.state.CompareAndSwap(int32(stateActive), int32(stateDraining))
	s.cancel()
}

// forceClose severs the socket immediately, bypassing the close
// handshake. Used only after the shutdown drain deadline.
func (s *session) forceClose() {
	s.conn.CloseNow()
}

// cleanup releases the session exactly once: unregister (idempotent),
// close the socket with a close frame if the transport still permits,
// and mark the session closed.
func (s *session) cleanup() {
	s.cleanupOnce.Do(func() {
		s.cancel()
		s.state.Store(int32(stateDraining))

		if s.entry != nil {
			s.config.reg.Unregister(s.entry.Token())
		}

		// Best-effort close frame; expected to fail if the peer is
		// already gone or the socket was force-closed.
		s.conn.Close(websocket.StatusNormalClosure, "")

		s.state.Store(int32(stateClosed))
		s.logger.Debug("Session closed")
	})
}
