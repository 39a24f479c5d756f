// Copyright 2026 The Terminus Authors
// SPDX-License-Identifier: Apache-2.0

package chat

import (
	"time"

	"github.com/terminus-mobility/realtime/wire"
)

// Summary is one row of the conversation list. It mirrors the server's
// room-listing aggregate; the client never recomputes it from message
// history.
type Summary struct {
	ConversationID string    `json:"conversation_id"`
	Name           string    `json:"name"`
	Group          bool      `json:"group"`
	// PeerID is the other participant of a direct conversation; empty
	// for group conversations.
	PeerID       string    `json:"peer_id,omitempty"`
	LastMessage  string    `json:"last_message,omitempty"`
	LastActivity time.Time `json:"last_activity"`
	Unread       int       `json:"unread"`
}

// SetSummaries replaces the mirrored conversation list with the
// server's aggregate, overlaying the local unread count where the
// client has seen messages the aggregate predates.
func (s *Store) SetSummaries(summaries []Summary) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.summaries = append([]Summary(nil), summaries...)
	for i := range s.summaries {
		conversationID := s.summaries[i].ConversationID
		if conversationID == s.active {
			// The active conversation is read by definition.
			s.summaries[i].Unread = 0
			if conv, ok := s.conversations[conversationID]; ok {
				conv.unread = 0
			}
			continue
		}
		if conv, ok := s.conversations[conversationID]; ok && conv.unread > s.summaries[i].Unread {
			s.summaries[i].Unread = conv.unread
		}
	}
}

// Summaries returns a snapshot of the conversation list.
func (s *Store) Summaries() []Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Summary(nil), s.summaries...)
}

// ApplyNotification folds a personal-queue notification into the
// mirrored list: background conversations gain an unread and a fresher
// preview, the active conversation is left alone (its topic
// subscription already delivered the full message).
func (s *Store) ApplyNotification(notification wire.Notification) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if notification.ConversationID == s.active {
		return
	}
	conv := s.conversationLocked(notification.ConversationID)
	conv.unread++
	s.bumpSummaryLocked(notification.ConversationID, notification.Preview, notification.SentAt)
}

// bumpSummaryLocked refreshes the preview and unread for one summary
// row. Unknown conversations are ignored; the next SetSummaries brings
// them in. Caller holds s.mu.
func (s *Store) bumpSummaryLocked(conversationID, preview string, sentAt time.Time) {
	for i := range s.summaries {
		if s.summaries[i].ConversationID != conversationID {
			continue
		}
		if preview != "" {
			s.summaries[i].LastMessage = preview
		}
		if sentAt.After(s.summaries[i].LastActivity) {
			s.summaries[i].LastActivity = sentAt
		}
		s.summaries[i].Unread++
		return
	}
}
