// Copyright 2026 The Terminus Authors
// SPDX-License-Identifier: Apache-2.0

package bus

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/terminus-mobility/realtime/wire"
)

// busServer is an in-process bus for tests: it upgrades websocket
// connections, tracks per-connection subscriptions, and broadcasts
// send envelopes to subscribers as message envelopes.
type busServer struct {
	t          *testing.T
	httpServer *httptest.Server
	upgrader   websocket.Upgrader

	// silent connections are registered but never read, so the server
	// produces no pongs — used to starve the client's heartbeat.
	silent bool
	// reject refuses the handshake with a 403 instead of upgrading.
	reject atomic.Bool
	// handshakeDelay stalls the upgrade, widening the window for
	// concurrent Connect calls to pile onto one attempt.
	handshakeDelay time.Duration

	upgrades atomic.Int32

	// subscribed receives each destination the server is asked to
	// deliver, letting tests sequence injects after the subscription
	// is live.
	subscribed chan string

	mu    sync.Mutex
	conns map[*serverConn]bool
}

type serverConn struct {
	conn *websocket.Conn

	mu   sync.Mutex // write lock
	subs map[string]bool
}

func newBusServer(t *testing.T) *busServer {
	t.Helper()
	server := &busServer{
		t:          t,
		conns:      make(map[*serverConn]bool),
		subscribed: make(chan string, 16),
	}
	server.httpServer = httptest.NewServer(http.HandlerFunc(server.handle))
	t.Cleanup(server.httpServer.Close)
	return server
}

// URL returns the ws:// endpoint of the test bus.
func (s *busServer) URL() string {
	return "ws" + strings.TrimPrefix(s.httpServer.URL, "http")
}

func (s *busServer) handle(writer http.ResponseWriter, request *http.Request) {
	if s.reject.Load() {
		http.Error(writer, "forbidden", http.StatusForbidden)
		return
	}
	if s.handshakeDelay > 0 {
		time.Sleep(s.handshakeDelay)
	}
	conn, err := s.upgrader.Upgrade(writer, request, nil)
	if err != nil {
		return
	}
	s.upgrades.Add(1)

	sc := &serverConn{conn: conn, subs: make(map[string]bool)}
	s.mu.Lock()
	s.conns[sc] = true
	s.mu.Unlock()

	if s.silent {
		// Leave the hijacked connection open but never read: no pongs,
		// no close handling.
		return
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.mu.Lock()
			delete(s.conns, sc)
			s.mu.Unlock()
			return
		}
		envelope, err := wire.ParseEnvelope(data)
		if err != nil {
			continue
		}
		switch envelope.Op {
		case wire.OpSubscribe:
			sc.mu.Lock()
			sc.subs[envelope.Destination] = true
			sc.mu.Unlock()
			select {
			case s.subscribed <- envelope.Destination:
			default:
			}
		case wire.OpUnsubscribe:
			sc.mu.Lock()
			delete(sc.subs, envelope.Destination)
			sc.mu.Unlock()
		case wire.OpSend:
			s.inject(envelope.Destination, *envelope.Frame)
		}
	}
}

// inject delivers a frame to every connection subscribed to the
// destination, as the server would on a broadcast.
func (s *busServer) inject(destination string, frame wire.Frame) {
	data, err := (wire.Envelope{Op: wire.OpMessage, Destination: destination, Frame: &frame}).Encode()
	if err != nil {
		s.t.Errorf("encoding inject envelope: %v", err)
		return
	}

	s.mu.Lock()
	conns := make([]*serverConn, 0, len(s.conns))
	for sc := range s.conns {
		conns = append(conns, sc)
	}
	s.mu.Unlock()

	for _, sc := range conns {
		sc.mu.Lock()
		if sc.subs[destination] {
			sc.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			_ = sc.conn.WriteMessage(websocket.TextMessage, data)
		}
		sc.mu.Unlock()
	}
}

// closeAll force-closes every server-side connection, simulating a
// network drop from the client's perspective.
func (s *busServer) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for sc := range s.conns {
		sc.conn.Close()
		delete(s.conns, sc)
	}
}
