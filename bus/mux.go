// Copyright 2026 The Terminus Authors
// SPDX-License-Identifier: Apache-2.0

package bus

import (
	"log/slog"
	"sync"

	"github.com/terminus-mobility/realtime/wire"
)

// Transport is the subset of Session the Mux depends on. Tests inject
// an in-process implementation.
type Transport interface {
	// Subscribe registers a wire-level frame handler and returns an
	// idempotent unsubscribe function.
	Subscribe(destination string, handler func(wire.Frame)) func()
	// Publish sends a frame, fire-and-forget.
	Publish(destination string, frame wire.Frame)
	// AddStateListener observes connection-state transitions.
	AddStateListener(listener func(State))
}

// Compile-time check: *Session satisfies Transport.
var _ Transport = (*Session)(nil)

// Mux owns the mapping from logical destination keys to wire-level
// subscriptions. Logical subscriptions survive reconnects: the
// transport invalidates its wire subscriptions when the connection
// drops, and the Mux re-issues every active key, preserving handlers,
// as soon as the transport reports Connected again.
type Mux struct {
	transport Transport
	logger    *slog.Logger

	mu      sync.Mutex
	entries map[string]*muxEntry
}

// muxEntry tracks one logical subscription. The handler is read at
// dispatch time so SubscribeToDestination can replace it atomically
// without touching the wire.
type muxEntry struct {
	handler func(wire.Frame)
	cancel  func()
}

// NewMux creates a Mux over the given transport and registers for its
// reconnect notifications.
func NewMux(transport Transport, logger *slog.Logger) *Mux {
	if logger == nil {
		logger = slog.Default()
	}
	mux := &Mux{
		transport: transport,
		logger:    logger,
		entries:   make(map[string]*muxEntry),
	}
	transport.AddStateListener(func(state State) {
		if state == StateConnected {
			mux.resubscribeAll()
		}
	})
	return mux
}

// SubscribeToDestination routes frames arriving on key to handler. If
// a subscription for key already exists, the handler is replaced in
// place — no duplicate wire subscription is created and the previous
// handler stops receiving frames from this call onward.
func (m *Mux) SubscribeToDestination(key string, handler func(wire.Frame)) {
	m.mu.Lock()
	if entry, ok := m.entries[key]; ok {
		entry.handler = handler
		m.mu.Unlock()
		return
	}
	entry := &muxEntry{handler: handler}
	m.entries[key] = entry
	m.mu.Unlock()

	// Wire up outside the lock: the transport may deliver frames (and
	// call back into dispatch) before Subscribe returns.
	cancel := m.transport.Subscribe(key, func(frame wire.Frame) {
		m.dispatch(key, frame)
	})

	m.mu.Lock()
	// The entry may have been unsubscribed while the wire subscription
	// was being created; in that case tear the wire side back down.
	if current, ok := m.entries[key]; ok && current == entry {
		entry.cancel = cancel
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()
	cancel()
}

// Unsubscribe removes the logical subscription and its wire-level
// counterpart. Unknown keys are a no-op.
func (m *Mux) Unsubscribe(key string) {
	m.mu.Lock()
	entry, ok := m.entries[key]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.entries, key)
	cancel := entry.cancel
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// Publish is the outbound path for components above the Mux.
func (m *Mux) Publish(destination string, frame wire.Frame) {
	m.transport.Publish(destination, frame)
}

// dispatch invokes the current handler for key. Exactly one handler
// sees each frame; frames for keys without an entry (a race with
// Unsubscribe) are dropped with a debug log.
func (m *Mux) dispatch(key string, frame wire.Frame) {
	m.mu.Lock()
	entry, ok := m.entries[key]
	var handler func(wire.Frame)
	if ok {
		handler = entry.handler
	}
	m.mu.Unlock()

	if handler == nil {
		m.logger.Debug("mux: dropping frame for unsubscribed key",
			"key", key,
			"kind", frame.Kind,
		)
		return
	}
	handler(frame)
}

// resubscribeAll re-issues wire subscriptions for every active key
// after a reconnect. A failed re-subscribe (the transport dropping the
// control frame while still settling) is retried on the next reconnect
// cycle; the logical entry is never lost.
func (m *Mux) resubscribeAll() {
	m.mu.Lock()
	keys := make([]string, 0, len(m.entries))
	for key := range m.entries {
		keys = append(keys, key)
	}
	m.mu.Unlock()

	for _, key := range keys {
		m.mu.Lock()
		entry, ok := m.entries[key]
		m.mu.Unlock()
		if !ok {
			continue
		}
		cancel := m.transport.Subscribe(key, func(frame wire.Frame) {
			m.dispatch(key, frame)
		})
		m.mu.Lock()
		if current, stillThere := m.entries[key]; stillThere && current == entry {
			entry.cancel = cancel
			m.mu.Unlock()
			continue
		}
		m.mu.Unlock()
		cancel()
	}
	if len(keys) > 0 {
		m.logger.Info("mux: restored subscriptions after reconnect", "count", len(keys))
	}
}
