// Copyright 2026 The Terminus Authors
// SPDX-License-Identifier: Apache-2.0

package bus

import (
	"sync"
	"testing"
	"time"

	"github.com/terminus-mobility/realtime/lib/testutil"
	"github.com/terminus-mobility/realtime/wire"
)

// fakeTransport is an in-process Transport that records subscribe and
// publish traffic and lets tests deliver frames and fire state
// transitions directly.
type fakeTransport struct {
	mu           sync.Mutex
	handlers     map[string]func(wire.Frame)
	subscribes   []string
	unsubscribes []string
	published    []publishedFrame
	listeners    []func(State)
}

type publishedFrame struct {
	destination string
	frame       wire.Frame
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{handlers: make(map[string]func(wire.Frame))}
}

func (f *fakeTransport) Subscribe(destination string, handler func(wire.Frame)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribes = append(f.subscribes, destination)
	f.handlers[destination] = handler

	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.unsubscribes = append(f.unsubscribes, destination)
			delete(f.handlers, destination)
		})
	}
}

func (f *fakeTransport) Publish(destination string, frame wire.Frame) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, publishedFrame{destination: destination, frame: frame})
}

func (f *fakeTransport) AddStateListener(listener func(State)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listeners = append(f.listeners, listener)
}

// deliver pushes a frame through the wire-level handler for destination,
// as the session's read loop would.
func (f *fakeTransport) deliver(t *testing.T, destination string, frame wire.Frame) {
	t.Helper()
	f.mu.Lock()
	handler := f.handlers[destination]
	f.mu.Unlock()
	if handler == nil {
		t.Fatalf("no wire handler for %q", destination)
	}
	handler(frame)
}

// fireState invokes every registered state listener, simulating a
// session transition.
func (f *fakeTransport) fireState(state State) {
	f.mu.Lock()
	listeners := append([]func(State){}, f.listeners...)
	f.mu.Unlock()
	for _, listener := range listeners {
		listener(state)
	}
}

func (f *fakeTransport) subscribeCount(destination string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for _, d := range f.subscribes {
		if d == destination {
			count++
		}
	}
	return count
}

func TestMuxRoutesFrames(t *testing.T) {
	transport := newFakeTransport()
	mux := NewMux(transport, discardLogger())

	frames := make(chan wire.Frame, 4)
	mux.SubscribeToDestination("conversation/1", func(frame wire.Frame) {
		frames <- frame
	})

	transport.deliver(t, "conversation/1", chatFrame(t, "1", "bob", "hello"))
	frame := testutil.RequireReceive(t, frames, waitTimeout, "routed frame")
	message, err := frame.ChatMessage()
	if err != nil {
		t.Fatalf("ChatMessage: %v", err)
	}
	if message.Content != "hello" {
		t.Fatalf("content = %q, want %q", message.Content, "hello")
	}
}

func TestMuxHandlerReplacement(t *testing.T) {
	transport := newFakeTransport()
	mux := NewMux(transport, discardLogger())

	first := make(chan wire.Frame, 4)
	mux.SubscribeToDestination("conversation/1", func(frame wire.Frame) {
		first <- frame
	})
	second := make(chan wire.Frame, 4)
	mux.SubscribeToDestination("conversation/1", func(frame wire.Frame) {
		second <- frame
	})

	// Replacement swaps the handler without a second wire subscription.
	if got := transport.subscribeCount("conversation/1"); got != 1 {
		t.Fatalf("wire subscribes = %d, want 1", got)
	}

	transport.deliver(t, "conversation/1", chatFrame(t, "1", "bob", "for the new handler"))
	testutil.RequireReceive(t, second, waitTimeout, "replacement handler receives")
	testutil.RequireNoReceive(t, first, 50*time.Millisecond, "replaced handler is silent")
}

func TestMuxUnsubscribe(t *testing.T) {
	transport := newFakeTransport()
	mux := NewMux(transport, discardLogger())

	frames := make(chan wire.Frame, 4)
	mux.SubscribeToDestination("conversation/1", func(frame wire.Frame) {
		frames <- frame
	})

	mux.Unsubscribe("conversation/1")
	transport.mu.Lock()
	unsubscribes := len(transport.unsubscribes)
	transport.mu.Unlock()
	if unsubscribes != 1 {
		t.Fatalf("wire unsubscribes = %d, want 1", unsubscribes)
	}

	// Unknown keys and repeats are no-ops.
	mux.Unsubscribe("conversation/1")
	mux.Unsubscribe("never-subscribed")

	// A frame racing the unsubscribe is dropped, not delivered and not
	// a crash.
	mux.dispatch("conversation/1", chatFrame(t, "1", "bob", "late"))
	testutil.RequireNoReceive(t, frames, 50*time.Millisecond, "no delivery after unsubscribe")
}

func TestMuxResubscribesOnReconnect(t *testing.T) {
	transport := newFakeTransport()
	mux := NewMux(transport, discardLogger())

	aliceQueue := make(chan wire.Frame, 4)
	mux.SubscribeToDestination("queue/alice", func(frame wire.Frame) {
		aliceQueue <- frame
	})
	conversation := make(chan wire.Frame, 4)
	mux.SubscribeToDestination("conversation/2", func(frame wire.Frame) {
		conversation <- frame
	})

	// The session invalidates wire subscriptions on loss; simulate the
	// reconnect notification.
	transport.fireState(StateConnecting)
	transport.fireState(StateConnected)

	if got := transport.subscribeCount("queue/alice"); got != 2 {
		t.Fatalf("queue/alice wire subscribes = %d, want 2", got)
	}
	if got := transport.subscribeCount("conversation/2"); got != 2 {
		t.Fatalf("conversation/2 wire subscribes = %d, want 2", got)
	}

	// Handlers survive the reconnect unchanged.
	transport.deliver(t, "conversation/2", chatFrame(t, "2", "bob", "after reconnect"))
	testutil.RequireReceive(t, conversation, waitTimeout, "handler survives reconnect")
	testutil.RequireNoReceive(t, aliceQueue, 50*time.Millisecond, "frame routed to exactly one handler")
}

func TestMuxPublishPassesThrough(t *testing.T) {
	transport := newFakeTransport()
	mux := NewMux(transport, discardLogger())

	frame := chatFrame(t, "1", "alice", "outbound")
	mux.Publish("conversation/1", frame)

	transport.mu.Lock()
	defer transport.mu.Unlock()
	if len(transport.published) != 1 {
		t.Fatalf("published = %d frames, want 1", len(transport.published))
	}
	if transport.published[0].destination != "conversation/1" {
		t.Fatalf("destination = %q", transport.published[0].destination)
	}
}

func TestMuxEndToEndOverSession(t *testing.T) {
	server := newBusServer(t)
	session := newTestSession(t, Config{
		URL:            server.URL(),
		ReconnectDelay: 20 * time.Millisecond,
	})
	mux := NewMux(session, discardLogger())

	frames := make(chan wire.Frame, 4)
	mux.SubscribeToDestination("conversation/5", func(frame wire.Frame) {
		frames <- frame
	})

	if err := session.Connect(t.Context()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	testutil.RequireReceive(t, server.subscribed, waitTimeout, "subscribe reached server")
	server.inject("conversation/5", chatFrame(t, "5", "bob", "first"))
	testutil.RequireReceive(t, frames, waitTimeout, "delivery before drop")

	// Drop the connection; the mux restores the subscription on its own.
	server.closeAll()
	testutil.RequireReceive(t, server.subscribed, waitTimeout, "subscription restored after reconnect")
	server.inject("conversation/5", chatFrame(t, "5", "bob", "second"))
	testutil.RequireReceive(t, frames, waitTimeout, "delivery after reconnect")
}
