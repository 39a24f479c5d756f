// Copyright 2026 The Terminus Authors
// SPDX-License-Identifier: Apache-2.0

package chat

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/terminus-mobility/realtime/lib/clock"
	"github.com/terminus-mobility/realtime/wire"
)

// DefaultReconcileWindow bounds how old a pending local echo may be and
// still match an incoming server-confirmed message. Past the window the
// incoming message appends instead, so a genuinely repeated message
// ("ok" sent twice) is never swallowed.
const DefaultReconcileWindow = 10 * time.Second

// HistoryFetcher is the REST history endpoint as the store needs it.
// *backend.Client satisfies it.
type HistoryFetcher interface {
	History(ctx context.Context, conversationID string) ([]wire.ChatMessage, error)
}

// Config holds configuration for creating a Store.
type Config struct {
	// Fetcher loads conversation history. Required.
	Fetcher HistoryFetcher
	// Logger is used for structured logging. If nil, slog.Default().
	Logger *slog.Logger
	// Clock stamps local echoes for window matching. If nil, clock.Real().
	Clock clock.Clock
	// ReconcileWindow overrides DefaultReconcileWindow when positive.
	ReconcileWindow time.Duration
}

// Store is the message reconciliation store. All mutation goes through
// its lock; append and replace for a conversation never interleave.
type Store struct {
	fetcher HistoryFetcher
	logger  *slog.Logger
	clock   clock.Clock
	window  time.Duration

	mu            sync.Mutex
	conversations map[string]*conversation
	active        string
	summaries     []Summary
}

// conversation is the per-conversation message list plus unread count.
type conversation struct {
	entries []entry
	unread  int
}

// entry wraps a message with the echo timestamp used for window
// matching. echoedAt is zero for server-confirmed messages.
type entry struct {
	message  wire.ChatMessage
	echoedAt time.Time
}

// NewStore creates a Store.
func NewStore(config Config) (*Store, error) {
	if config.Fetcher == nil {
		return nil, fmt.Errorf("chat: Fetcher is required")
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cl := config.Clock
	if cl == nil {
		cl = clock.Real()
	}
	window := config.ReconcileWindow
	if window <= 0 {
		window = DefaultReconcileWindow
	}
	return &Store{
		fetcher:       config.Fetcher,
		logger:        logger,
		clock:         cl,
		window:        window,
		conversations: make(map[string]*conversation),
	}, nil
}

// LoadHistory fetches and replaces the full ordered message list for a
// conversation. On failure the previous in-memory state is untouched and
// the error is returned to the caller; stale-but-present beats falsely
// empty.
func (s *Store) LoadHistory(ctx context.Context, conversationID string) ([]wire.ChatMessage, error) {
	messages, err := s.fetcher.History(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("chat: loading history for %s: %w", conversationID, err)
	}

	s.mu.Lock()
	conv := s.conversationLocked(conversationID)
	conv.entries = make([]entry, 0, len(messages))
	for _, message := range messages {
		conv.entries = append(conv.entries, entry{message: message})
	}
	if s.active == conversationID {
		conv.unread = 0
	}
	s.mu.Unlock()

	s.logger.Debug("chat: history loaded",
		"conversation", conversationID,
		"messages", len(messages),
	)
	return messages, nil
}

// AppendLocalEcho inserts an outgoing message at the tail before any
// server round trip completes. The message must be pending (no server
// id); the echo becomes eligible for replacement by ReconcileIncoming
// until the reconcile window expires.
func (s *Store) AppendLocalEcho(message wire.ChatMessage) {
	if !message.Pending() {
		s.logger.Warn("chat: local echo carries a server id, storing as confirmed",
			"conversation", message.ConversationID,
			"id", message.ID,
		)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	conv := s.conversationLocked(message.ConversationID)
	conv.entries = append(conv.entries, entry{
		message:  message,
		echoedAt: s.clock.Now(),
	})
}

// ReconcileIncoming merges a server-delivered message into the
// conversation. A message whose server id is already present is dropped.
// A message matching a pending echo on sender, content, and conversation
// within the reconcile window replaces that echo in place. Everything
// else appends at the tail. Messages for a background conversation bump
// its unread count; the active conversation stays read.
func (s *Store) ReconcileIncoming(message wire.ChatMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv := s.conversationLocked(message.ConversationID)

	if message.ID != "" {
		for i := range conv.entries {
			if conv.entries[i].message.ID == message.ID {
				// Redelivery of a confirmed message; keep the freshest copy.
				conv.entries[i] = entry{message: message}
				return
			}
		}
	}

	now := s.clock.Now()
	for i := range conv.entries {
		e := conv.entries[i]
		if !e.message.Pending() {
			continue
		}
		if e.message.SenderID != message.SenderID || e.message.Content != message.Content {
			continue
		}
		if now.Sub(e.echoedAt) > s.window {
			continue
		}
		conv.entries[i] = entry{message: message}
		return
	}

	conv.entries = append(conv.entries, entry{message: message})
	if s.active != message.ConversationID {
		conv.unread++
		s.bumpSummaryLocked(message.ConversationID, message.Content, message.SentAt)
	}
}

// MarkRead resets the unread count for a conversation to zero.
func (s *Store) MarkRead(conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if conv, ok := s.conversations[conversationID]; ok {
		conv.unread = 0
	}
	for i := range s.summaries {
		if s.summaries[i].ConversationID == conversationID {
			s.summaries[i].Unread = 0
		}
	}
}

// Activate makes a conversation the active one and marks it read. An
// empty id deactivates, sending every conversation to the background.
func (s *Store) Activate(conversationID string) {
	s.mu.Lock()
	s.active = conversationID
	s.mu.Unlock()
	if conversationID != "" {
		s.MarkRead(conversationID)
	}
}

// Active returns the id of the active conversation, or "".
func (s *Store) Active() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Messages returns a snapshot of the ordered message list for a
// conversation. Pending echoes are included, distinguishable by their
// empty id.
func (s *Store) Messages(conversationID string) []wire.ChatMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[conversationID]
	if !ok {
		return nil
	}
	messages := make([]wire.ChatMessage, len(conv.entries))
	for i, e := range conv.entries {
		messages[i] = e.message
	}
	return messages
}

// Unread returns the unread count for a conversation. Unknown
// conversations report zero.
func (s *Store) Unread(conversationID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if conv, ok := s.conversations[conversationID]; ok {
		return conv.unread
	}
	return 0
}

// conversationLocked returns the conversation state, creating it on
// first touch. Caller holds s.mu.
func (s *Store) conversationLocked(conversationID string) *conversation {
	conv, ok := s.conversations[conversationID]
	if !ok {
		conv = &conversation{}
		s.conversations[conversationID] = conv
	}
	return conv
}
