// Copyright 2026 The Terminus Authors
// SPDX-License-Identifier: Apache-2.0

package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/terminus-mobility/realtime/lib/clock"
	"github.com/terminus-mobility/realtime/wire"
)

// ErrNotConnected is returned by operations that need a live connection
// right now, as opposed to publishes, which are fire-and-forget.
var ErrNotConnected = errors.New("bus: not connected")

// DefaultHeartbeatInterval is how often the session pings the server.
// The server pings on the same cadence; either side treats prolonged
// silence as a dead connection.
const DefaultHeartbeatInterval = 10 * time.Second

// DefaultHeartbeatTimeout is how long the session tolerates no
// keep-alive traffic from the server before forcing a reconnect.
const DefaultHeartbeatTimeout = 25 * time.Second

// DefaultReconnectDelay is the fixed delay between automatic reconnect
// attempts after an established connection drops.
const DefaultReconnectDelay = 3 * time.Second

// writeWait bounds individual websocket writes. Network deadlines are
// inherently wall-clock, so this does not go through the Clock.
const writeWait = 10 * time.Second

// Config holds configuration for creating a Session.
type Config struct {
	// URL is the websocket endpoint of the bus (e.g., "wss://rt.terminus.example/bus").
	URL string
	// Header carries handshake headers (authorization token). May be nil.
	Header http.Header
	// Dialer performs the websocket handshake. If nil, websocket.DefaultDialer.
	Dialer *websocket.Dialer
	// Logger is used for structured logging. If nil, slog.Default() is used.
	Logger *slog.Logger
	// Clock drives heartbeats and reconnect delays. If nil, clock.Real().
	Clock clock.Clock
	// HeartbeatInterval overrides DefaultHeartbeatInterval when positive.
	HeartbeatInterval time.Duration
	// HeartbeatTimeout overrides DefaultHeartbeatTimeout when positive.
	HeartbeatTimeout time.Duration
	// ReconnectDelay overrides DefaultReconnectDelay when positive.
	ReconnectDelay time.Duration
}

// Session owns the single websocket connection to the bus. All publish
// and subscribe traffic from every component funnels through it.
//
// Wire-level subscriptions are invalidated whenever the connection is
// lost or torn down; the Mux re-creates them on reconnect. Callers
// other than the Mux should not use Subscribe directly.
type Session struct {
	url               string
	header            http.Header
	dialer            *websocket.Dialer
	logger            *slog.Logger
	clock             clock.Clock
	heartbeatInterval time.Duration
	heartbeatTimeout  time.Duration
	reconnectDelay    time.Duration

	mu         sync.Mutex
	state      State
	conn       *websocket.Conn
	connDone   chan struct{} // closed when the current connection is torn down
	attempt    *connectAttempt
	handlers   map[string]*subscription
	listeners  []func(State)
	generation uint64
	closed     bool
	lastAlive  time.Time // last pong or ping from the server

	// writeMu serializes data writes; gorilla permits one concurrent
	// writer only. Control frames (ping/pong) have their own internal
	// serialization and bypass this.
	writeMu sync.Mutex
}

// subscription identifies a registered handler. Unsubscribe closures
// compare pointers so a replaced handler's stale closure is a no-op.
type subscription struct {
	handler func(wire.Frame)
}

// connectAttempt is an in-flight dial shared by concurrent Connect
// callers: everyone waits on done and reads the same err.
type connectAttempt struct {
	done chan struct{}
	err  error
}

// NewSession creates a Session. It does not connect.
func NewSession(config Config) (*Session, error) {
	if config.URL == "" {
		return nil, fmt.Errorf("bus: URL is required")
	}

	dialer := config.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cl := config.Clock
	if cl == nil {
		cl = clock.Real()
	}

	session := &Session{
		url:               config.URL,
		header:            config.Header,
		dialer:            dialer,
		logger:            logger,
		clock:             cl,
		heartbeatInterval: config.HeartbeatInterval,
		heartbeatTimeout:  config.HeartbeatTimeout,
		reconnectDelay:    config.ReconnectDelay,
		handlers:          make(map[string]*subscription),
	}
	if session.heartbeatInterval <= 0 {
		session.heartbeatInterval = DefaultHeartbeatInterval
	}
	if session.heartbeatTimeout <= 0 {
		session.heartbeatTimeout = DefaultHeartbeatTimeout
	}
	if session.reconnectDelay <= 0 {
		session.reconnectDelay = DefaultReconnectDelay
	}
	return session, nil
}

// State returns the current connection state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// AddStateListener registers a listener invoked on every state
// transition. Listeners are called outside the session lock, from the
// goroutine driving the transition, and must not block.
func (s *Session) AddStateListener(listener func(State)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, listener)
}

// transitionLocked sets the state and returns a snapshot of listeners
// for the caller to notify after releasing the lock.
func (s *Session) transitionLocked(to State) []func(State) {
	s.state = to
	return append([]func(State){}, s.listeners...)
}

func notify(listeners []func(State), state State) {
	for _, listener := range listeners {
		listener(state)
	}
}

// Connect establishes the connection, returning once the session is
// Connected or the handshake fails. A call while already Connected is
// a no-op. A call while another attempt is in flight joins that
// attempt instead of opening a second physical connection — all
// joiners complete together with the same result.
//
// Connect does not retry a failed handshake; automatic retry applies
// only to connections that were established and then lost.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	s.closed = false
	if s.state == StateConnected {
		s.mu.Unlock()
		return nil
	}
	if s.attempt != nil {
		attempt := s.attempt
		s.mu.Unlock()
		select {
		case <-attempt.done:
			return attempt.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	attempt := &connectAttempt{done: make(chan struct{})}
	s.attempt = attempt
	listeners := s.transitionLocked(StateConnecting)
	s.mu.Unlock()
	notify(listeners, StateConnecting)

	conn, err := s.dialOnce(ctx)
	if err != nil {
		s.mu.Lock()
		s.attempt = nil
		listeners = s.transitionLocked(StateError)
		s.mu.Unlock()
		attempt.err = fmt.Errorf("bus: connecting to %s: %w", s.url, err)
		close(attempt.done)
		notify(listeners, StateError)
		return attempt.err
	}

	installed := s.install(conn)
	s.mu.Lock()
	s.attempt = nil
	s.mu.Unlock()
	if !installed {
		conn.Close()
		attempt.err = fmt.Errorf("bus: session closed during connect")
	}
	close(attempt.done)
	return attempt.err
}

// dialOnce performs a single websocket handshake.
func (s *Session) dialOnce(ctx context.Context) (*websocket.Conn, error) {
	conn, response, err := s.dialer.DialContext(ctx, s.url, s.header)
	if err != nil {
		if response != nil {
			return nil, fmt.Errorf("handshake rejected with %d: %w", response.StatusCode, err)
		}
		return nil, err
	}
	return conn, nil
}

// install wires up an established connection: pong/ping liveness
// handlers, the read loop, and the heartbeat loop. Returns false if
// the session was closed while the dial was in flight.
func (s *Session) install(conn *websocket.Conn) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.generation++
	generation := s.generation
	done := make(chan struct{})
	s.conn = conn
	s.connDone = done
	s.lastAlive = s.clock.Now()
	s.mu.Unlock()

	conn.SetPongHandler(func(string) error {
		s.markAlive()
		return nil
	})
	conn.SetPingHandler(func(payload string) error {
		s.markAlive()
		return conn.WriteControl(websocket.PongMessage, []byte(payload), time.Now().Add(writeWait))
	})

	s.mu.Lock()
	deferred := make([]string, 0, len(s.handlers))
	for destination := range s.handlers {
		deferred = append(deferred, destination)
	}
	listeners := s.transitionLocked(StateConnected)
	s.mu.Unlock()

	go s.readLoop(conn, generation)
	go s.heartbeatLoop(conn, done)

	// Flush wire subscriptions for handlers registered before the
	// connection existed.
	for _, destination := range deferred {
		s.sendControl(conn, wire.OpSubscribe, destination)
	}

	s.logger.Info("bus: connected", "url", s.url)
	notify(listeners, StateConnected)
	return true
}

func (s *Session) markAlive() {
	s.mu.Lock()
	s.lastAlive = s.clock.Now()
	s.mu.Unlock()
}

// Disconnect tears down the connection and invalidates all wire
// subscriptions. Idempotent. Automatic reconnects stop until the next
// Connect call.
func (s *Session) Disconnect() error {
	s.mu.Lock()
	if s.closed && s.conn == nil {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	if s.conn != nil {
		message := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = s.conn.WriteControl(websocket.CloseMessage, message, time.Now().Add(writeWait))
		s.conn.Close()
		s.conn = nil
		close(s.connDone)
	}
	s.handlers = make(map[string]*subscription)
	listeners := s.transitionLocked(StateDisconnected)
	s.mu.Unlock()

	s.logger.Info("bus: disconnected")
	notify(listeners, StateDisconnected)
	return nil
}

// Publish sends a frame to a destination. Fire-and-forget: when the
// session is not connected the frame is dropped with a warning rather
// than an error — at-most-once delivery for user actions. Callers that
// need confirmation await a correlated inbound frame.
func (s *Session) Publish(destination string, frame wire.Frame) {
	s.mu.Lock()
	conn := s.conn
	state := s.state
	s.mu.Unlock()

	if state != StateConnected || conn == nil {
		s.logger.Warn("bus: publish dropped, not connected",
			"destination", destination,
			"kind", frame.Kind,
			"state", state.String(),
		)
		return
	}

	data, err := (wire.Envelope{Op: wire.OpSend, Destination: destination, Frame: &frame}).Encode()
	if err != nil {
		s.logger.Warn("bus: publish dropped, encoding failed",
			"destination", destination,
			"error", err,
		)
		return
	}
	if err := s.writeMessage(conn, data); err != nil {
		// The read loop observes the same failure and drives reconnect.
		s.logger.Warn("bus: publish write failed",
			"destination", destination,
			"error", err,
		)
	}
}

// Subscribe registers a frame handler for a destination and tells the
// server to start delivering it. If a handler is already registered
// for the destination it is replaced without a second wire-level
// subscription. The returned unsubscribe function is idempotent:
// calling it twice, after a replacement, or after disconnect is a
// no-op.
func (s *Session) Subscribe(destination string, handler func(wire.Frame)) func() {
	sub := &subscription{handler: handler}

	s.mu.Lock()
	_, replacing := s.handlers[destination]
	s.handlers[destination] = sub
	conn := s.conn
	state := s.state
	s.mu.Unlock()

	if state == StateConnected && conn != nil && !replacing {
		s.sendControl(conn, wire.OpSubscribe, destination)
	} else if state != StateConnected {
		s.logger.Debug("bus: wire subscribe deferred, not connected", "destination", destination)
	}

	return func() {
		s.mu.Lock()
		current, ok := s.handlers[destination]
		if !ok || current != sub {
			s.mu.Unlock()
			return
		}
		delete(s.handlers, destination)
		conn := s.conn
		state := s.state
		s.mu.Unlock()
		if state == StateConnected && conn != nil {
			s.sendControl(conn, wire.OpUnsubscribe, destination)
		}
	}
}

// sendControl writes a frameless subscribe/unsubscribe envelope.
func (s *Session) sendControl(conn *websocket.Conn, op wire.Op, destination string) {
	data, err := (wire.Envelope{Op: op, Destination: destination}).Encode()
	if err != nil {
		s.logger.Warn("bus: encoding control envelope failed", "op", op, "error", err)
		return
	}
	if err := s.writeMessage(conn, data); err != nil {
		s.logger.Warn("bus: control write failed",
			"op", op,
			"destination", destination,
			"error", err,
		)
	}
}

func (s *Session) writeMessage(conn *websocket.Conn, data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, data)
}

// readLoop is the single reader for one connection. Frames for a given
// destination reach their handler in arrival order because dispatch is
// sequential here.
func (s *Session) readLoop(conn *websocket.Conn, generation uint64) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.connectionLost(generation, err)
			return
		}
		envelope, err := wire.ParseEnvelope(data)
		if err != nil {
			s.logger.Debug("bus: dropping malformed message", "error", err)
			continue
		}
		if envelope.Op != wire.OpMessage {
			s.logger.Debug("bus: dropping unexpected op", "op", envelope.Op)
			continue
		}
		s.dispatch(envelope.Destination, *envelope.Frame)
	}
}

// dispatch routes one inbound frame to the handler registered for its
// destination, exactly one handler per frame. Unmatched frames are
// dropped with a debug log, never a crash.
func (s *Session) dispatch(destination string, frame wire.Frame) {
	s.mu.Lock()
	sub := s.handlers[destination]
	s.mu.Unlock()
	if sub == nil {
		s.logger.Debug("bus: dropping frame for unknown destination",
			"destination", destination,
			"kind", frame.Kind,
		)
		return
	}
	sub.handler(frame)
}

// heartbeatLoop pings the server every heartbeat interval and forces a
// reconnect when the server has been silent past the timeout. Closing
// the connection unblocks the read loop, which owns the reconnect.
func (s *Session) heartbeatLoop(conn *websocket.Conn, done <-chan struct{}) {
	ticker := s.clock.NewTicker(s.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			s.mu.Lock()
			last := s.lastAlive
			s.mu.Unlock()
			if s.clock.Now().Sub(last) > s.heartbeatTimeout {
				s.logger.Warn("bus: heartbeat timed out", "timeout", s.heartbeatTimeout)
				conn.Close()
				return
			}
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				s.logger.Warn("bus: heartbeat ping failed", "error", err)
				conn.Close()
				return
			}
		}
	}
}

// connectionLost handles an unexpected connection failure: invalidate
// wire subscriptions, transition to Connecting, and start the fixed-
// delay reconnect loop. Stale generations (already superseded) and
// explicit disconnects are ignored.
func (s *Session) connectionLost(generation uint64, cause error) {
	s.mu.Lock()
	if s.closed || generation != s.generation || s.conn == nil {
		// Explicit disconnect, a superseded generation, or a loss
		// already being handled.
		s.mu.Unlock()
		return
	}
	s.conn.Close()
	s.conn = nil
	close(s.connDone)
	s.handlers = make(map[string]*subscription)
	listeners := s.transitionLocked(StateConnecting)
	s.mu.Unlock()

	s.logger.Warn("bus: connection lost, reconnecting",
		"error", cause,
		"delay", s.reconnectDelay,
	)
	notify(listeners, StateConnecting)
	go s.reconnectLoop(generation)
}

// reconnectLoop redials with a fixed delay until the dial succeeds,
// the session is explicitly disconnected, or an explicit Connect takes
// over the attempt.
func (s *Session) reconnectLoop(generation uint64) {
	for {
		<-s.clock.After(s.reconnectDelay)

		s.mu.Lock()
		if s.closed || generation != s.generation || s.attempt != nil {
			s.mu.Unlock()
			return
		}
		attempt := &connectAttempt{done: make(chan struct{})}
		s.attempt = attempt
		s.mu.Unlock()

		conn, err := s.dialOnce(context.Background())
		if err != nil {
			s.mu.Lock()
			s.attempt = nil
			s.mu.Unlock()
			attempt.err = err
			close(attempt.done)
			s.logger.Warn("bus: reconnect attempt failed",
				"error", err,
				"delay", s.reconnectDelay,
			)
			continue
		}

		installed := s.install(conn)
		s.mu.Lock()
		s.attempt = nil
		s.mu.Unlock()
		close(attempt.done)
		if !installed {
			conn.Close()
		}
		return
	}
}
