// Copyright 2026 The Terminus Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind discriminates the payload carried by a Frame.
type Kind string

const (
	// KindChat carries a ChatMessage on a conversation topic.
	KindChat Kind = "chat"
	// KindNotification carries a Notification on a personal queue.
	KindNotification Kind = "notification"
	// KindCallOffer carries an SDP offer starting a call.
	KindCallOffer Kind = "call-offer"
	// KindCallAnswer carries an SDP answer accepting a call.
	KindCallAnswer Kind = "call-answer"
	// KindCallCandidate carries a trickled ICE candidate.
	KindCallCandidate Kind = "call-candidate"
	// KindCallEnd terminates a call in any phase.
	KindCallEnd Kind = "call-end"
)

// knownKinds is the set of frame kinds this client understands.
var knownKinds = map[Kind]bool{
	KindChat:          true,
	KindNotification:  true,
	KindCallOffer:     true,
	KindCallAnswer:    true,
	KindCallCandidate: true,
	KindCallEnd:       true,
}

// Signal reports whether the kind belongs to the call-signaling family.
// Signal frames route to the call state machine; everything else routes
// to the reconciliation store or the conversation list.
func (k Kind) Signal() bool {
	switch k {
	case KindCallOffer, KindCallAnswer, KindCallCandidate, KindCallEnd:
		return true
	}
	return false
}

// Frame is a single tagged unit on the bus. ConversationID and SenderID
// are common to every kind; the payload shape depends on Kind.
type Frame struct {
	Kind           Kind            `json:"kind"`
	ConversationID string          `json:"conversation_id"`
	SenderID       string          `json:"sender_id"`
	Payload        json.RawMessage `json:"payload,omitempty"`
}

// Validate checks the envelope-level fields common to all kinds. Payload
// validation happens in the typed accessors.
func (f Frame) Validate() error {
	if !knownKinds[f.Kind] {
		return fmt.Errorf("wire: unknown frame kind %q", f.Kind)
	}
	if f.ConversationID == "" {
		return fmt.Errorf("wire: %s frame missing conversation_id", f.Kind)
	}
	if f.SenderID == "" {
		return fmt.Errorf("wire: %s frame missing sender_id", f.Kind)
	}
	return nil
}

// MessageKind classifies the content of a chat message.
type MessageKind string

const (
	// MessageText is a plain text message.
	MessageText MessageKind = "text"
	// MessageImage is an image reference (URL in Content).
	MessageImage MessageKind = "image"
	// MessageCallInvite is the chat-visible marker a caller posts when
	// placing a call, so the conversation history records the attempt.
	MessageCallInvite MessageKind = "call-invite"
)

// ChatMessage is the payload of a KindChat frame and the unit stored in
// conversation history. An empty ID marks a pending local echo; the
// server assigns IDs on broadcast.
type ChatMessage struct {
	ID             string      `json:"id,omitempty"`
	ConversationID string      `json:"conversation_id"`
	SenderID       string      `json:"sender_id"`
	Content        string      `json:"content"`
	Kind           MessageKind `json:"kind"`
	SentAt         time.Time   `json:"sent_at"`
	Read           bool        `json:"read,omitempty"`
}

// Pending reports whether the message is a local echo awaiting server
// confirmation.
func (m ChatMessage) Pending() bool {
	return m.ID == ""
}

// Notification is the payload of a KindNotification frame, delivered on
// the personal queue to prompt a conversation-list refresh. It carries a
// preview only, never the canonical message body.
type Notification struct {
	ConversationID string    `json:"conversation_id"`
	Preview        string    `json:"preview,omitempty"`
	SentAt         time.Time `json:"sent_at"`
}

// Offer is the payload of a KindCallOffer frame.
type Offer struct {
	PeerID string `json:"peer_id"`
	SDP    string `json:"sdp"`
}

// Answer is the payload of a KindCallAnswer frame.
type Answer struct {
	PeerID string `json:"peer_id"`
	SDP    string `json:"sdp"`
}

// Candidate is the payload of a KindCallCandidate frame. The fields
// mirror the ICE candidate init dictionary so the peer connection can
// apply it directly.
type Candidate struct {
	PeerID        string  `json:"peer_id"`
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdp_mid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdp_mline_index,omitempty"`
}

// End is the payload of a KindCallEnd frame.
type End struct {
	PeerID string `json:"peer_id"`
	Reason string `json:"reason,omitempty"`
}

// NewFrame builds a Frame of the given kind around a payload value.
func NewFrame(kind Kind, conversationID, senderID string, payload any) (Frame, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, fmt.Errorf("wire: encoding %s payload: %w", kind, err)
	}
	frame := Frame{
		Kind:           kind,
		ConversationID: conversationID,
		SenderID:       senderID,
		Payload:        encoded,
	}
	if err := frame.Validate(); err != nil {
		return Frame{}, err
	}
	return frame, nil
}

// NewChatFrame wraps a chat message as a KindChat frame.
func NewChatFrame(message ChatMessage) (Frame, error) {
	return NewFrame(KindChat, message.ConversationID, message.SenderID, message)
}

// ChatMessage decodes and validates the payload of a KindChat frame.
func (f Frame) ChatMessage() (ChatMessage, error) {
	if f.Kind != KindChat {
		return ChatMessage{}, fmt.Errorf("wire: frame kind is %s, not %s", f.Kind, KindChat)
	}
	var message ChatMessage
	if err := json.Unmarshal(f.Payload, &message); err != nil {
		return ChatMessage{}, fmt.Errorf("wire: decoding chat payload: %w", err)
	}
	if message.ConversationID == "" {
		message.ConversationID = f.ConversationID
	}
	if message.SenderID == "" {
		message.SenderID = f.SenderID
	}
	if message.Content == "" && message.Kind != MessageCallInvite {
		return ChatMessage{}, fmt.Errorf("wire: chat message missing content")
	}
	if message.Kind == "" {
		message.Kind = MessageText
	}
	return message, nil
}

// Notification decodes the payload of a KindNotification frame.
func (f Frame) Notification() (Notification, error) {
	if f.Kind != KindNotification {
		return Notification{}, fmt.Errorf("wire: frame kind is %s, not %s", f.Kind, KindNotification)
	}
	var notification Notification
	if err := json.Unmarshal(f.Payload, &notification); err != nil {
		return Notification{}, fmt.Errorf("wire: decoding notification payload: %w", err)
	}
	if notification.ConversationID == "" {
		notification.ConversationID = f.ConversationID
	}
	return notification, nil
}

// Offer decodes and validates the payload of a KindCallOffer frame.
func (f Frame) Offer() (Offer, error) {
	if f.Kind != KindCallOffer {
		return Offer{}, fmt.Errorf("wire: frame kind is %s, not %s", f.Kind, KindCallOffer)
	}
	var offer Offer
	if err := json.Unmarshal(f.Payload, &offer); err != nil {
		return Offer{}, fmt.Errorf("wire: decoding offer payload: %w", err)
	}
	if offer.SDP == "" {
		return Offer{}, fmt.Errorf("wire: call offer missing sdp")
	}
	if offer.PeerID == "" {
		offer.PeerID = f.SenderID
	}
	return offer, nil
}

// Answer decodes and validates the payload of a KindCallAnswer frame.
func (f Frame) Answer() (Answer, error) {
	if f.Kind != KindCallAnswer {
		return Answer{}, fmt.Errorf("wire: frame kind is %s, not %s", f.Kind, KindCallAnswer)
	}
	var answer Answer
	if err := json.Unmarshal(f.Payload, &answer); err != nil {
		return Answer{}, fmt.Errorf("wire: decoding answer payload: %w", err)
	}
	if answer.SDP == "" {
		return Answer{}, fmt.Errorf("wire: call answer missing sdp")
	}
	if answer.PeerID == "" {
		answer.PeerID = f.SenderID
	}
	return answer, nil
}

// Candidate decodes and validates the payload of a KindCallCandidate frame.
func (f Frame) Candidate() (Candidate, error) {
	if f.Kind != KindCallCandidate {
		return Candidate{}, fmt.Errorf("wire: frame kind is %s, not %s", f.Kind, KindCallCandidate)
	}
	var candidate Candidate
	if err := json.Unmarshal(f.Payload, &candidate); err != nil {
		return Candidate{}, fmt.Errorf("wire: decoding candidate payload: %w", err)
	}
	if candidate.Candidate == "" {
		return Candidate{}, fmt.Errorf("wire: ICE candidate missing candidate string")
	}
	if candidate.PeerID == "" {
		candidate.PeerID = f.SenderID
	}
	return candidate, nil
}

// End decodes the payload of a KindCallEnd frame.
func (f Frame) End() (End, error) {
	if f.Kind != KindCallEnd {
		return End{}, fmt.Errorf("wire: frame kind is %s, not %s", f.Kind, KindCallEnd)
	}
	var end End
	if err := json.Unmarshal(f.Payload, &end); err != nil {
		return End{}, fmt.Errorf("wire: decoding call-end payload: %w", err)
	}
	if end.PeerID == "" {
		end.PeerID = f.SenderID
	}
	return end, nil
}
