// Copyright 2026 The Terminus Authors
// SPDX-License-Identifier: Apache-2.0

package call

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/terminus-mobility/realtime/lib/clock"
	"github.com/terminus-mobility/realtime/wire"
)

// ErrBusy is returned by PlaceCall while another call is in any
// non-idle phase. The rejection has no side effects: no offer is sent
// and no media is touched.
var ErrBusy = errors.New("call: another call is already in progress")

// ErrNotRinging is returned by Accept and Decline when no inbound call
// is waiting.
var ErrNotRinging = errors.New("call: no ringing call")

// End reasons carried on call-end frames.
const (
	ReasonHangup       = "hangup"
	ReasonDeclined     = "declined"
	ReasonBusy         = "busy"
	ReasonMediaFailure = "media-failure"
	ReasonSignalError  = "signal-error"
)

// Config holds configuration for creating a Machine.
type Config struct {
	// Publisher sends signal and chat frames. Required.
	Publisher Publisher
	// Factory opens peer connections with local audio. Required.
	Factory PeerConnFactory
	// SelfID is the local user id; frames we published and received back
	// off the bus are recognized by it and ignored.
	SelfID string
	// SignalDestination maps a conversation id to its call-signal topic.
	// Required.
	SignalDestination func(conversationID string) string
	// ChatDestination maps a conversation id to its message topic, used
	// for the call-invite marker a caller posts. Required.
	ChatDestination func(conversationID string) string
	// Logger is used for structured logging. If nil, slog.Default().
	Logger *slog.Logger
	// Clock stamps call-invite messages. If nil, clock.Real().
	Clock clock.Clock
}

// Machine is the call-signaling state machine. At most one call session
// exists at a time; every transition flows through it.
type Machine struct {
	publisher  Publisher
	factory    PeerConnFactory
	selfID     string
	signalDest func(string) string
	chatDest   func(string) string
	logger     *slog.Logger
	clock      clock.Clock

	mu        sync.Mutex
	phase     Phase
	session   *session
	listeners []func(Phase)
}

// session is the state of one call from first signal to teardown.
type session struct {
	conversationID string
	peerID         string
	role           Role

	pc      PeerConn
	release func()

	// remoteOffer holds the peer's SDP until the callee accepts.
	remoteOffer string
	// remoteSet flips once a remote description is installed; until
	// then inbound candidates queue in pendingCandidates.
	remoteSet         bool
	pendingCandidates []wire.Candidate
}

// Info is a read-only snapshot of the current call.
type Info struct {
	ConversationID string
	PeerID         string
	Role           Role
	Phase          Phase
}

// NewMachine creates a Machine in PhaseIdle.
func NewMachine(config Config) (*Machine, error) {
	if config.Publisher == nil {
		return nil, fmt.Errorf("call: Publisher is required")
	}
	if config.Factory == nil {
		return nil, fmt.Errorf("call: Factory is required")
	}
	if config.SelfID == "" {
		return nil, fmt.Errorf("call: SelfID is required")
	}
	if config.SignalDestination == nil || config.ChatDestination == nil {
		return nil, fmt.Errorf("call: destination templates are required")
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cl := config.Clock
	if cl == nil {
		cl = clock.Real()
	}
	return &Machine{
		publisher:  config.Publisher,
		factory:    config.Factory,
		selfID:     config.SelfID,
		signalDest: config.SignalDestination,
		chatDest:   config.ChatDestination,
		logger:     logger,
		clock:      cl,
	}, nil
}

// Phase returns the current phase.
func (m *Machine) Phase() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

// Current returns a snapshot of the call in progress, if any.
func (m *Machine) Current() (Info, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return Info{}, false
	}
	return Info{
		ConversationID: m.session.conversationID,
		PeerID:         m.session.peerID,
		Role:           m.session.role,
		Phase:          m.phase,
	}, true
}

// AddPhaseListener registers a listener invoked on every phase
// transition. Listeners are called outside the machine lock and must
// not block.
func (m *Machine) AddPhaseListener(listener func(Phase)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, listener)
}

func (m *Machine) transitionLocked(to Phase) []func(Phase) {
	m.phase = to
	return append([]func(Phase){}, m.listeners...)
}

func notify(listeners []func(Phase), phase Phase) {
	for _, listener := range listeners {
		listener(phase)
	}
}

// PlaceCall starts an outbound voice call to peerID in the given
// conversation: acquires the microphone, creates the offer, publishes
// it on the conversation's signal topic, and posts a call-invite marker
// to the conversation history. Rejected with ErrBusy while any call is
// in progress.
func (m *Machine) PlaceCall(ctx context.Context, conversationID, peerID string) error {
	m.mu.Lock()
	if m.phase != PhaseIdle {
		m.mu.Unlock()
		return ErrBusy
	}
	sess := &session{conversationID: conversationID, peerID: peerID, role: RoleCaller}
	m.session = sess
	listeners := m.transitionLocked(PhaseOffering)
	m.mu.Unlock()
	notify(listeners, PhaseOffering)
	m.logger.Info("call: placing call",
		"conversation", conversationID,
		"peer", peerID,
	)

	pc, release, err := m.factory.NewPeerConn(ctx, func(candidate wire.Candidate) {
		m.relayCandidate(sess, candidate)
	})
	if err != nil {
		// Nothing was signaled yet; the peer never learns of the attempt.
		m.endSession(sess, "", "")
		return fmt.Errorf("call: acquiring media: %w", err)
	}
	if !m.adoptPeerConn(sess, pc, release) {
		return fmt.Errorf("call: call ended during media setup")
	}

	sdp, err := pc.CreateOffer(ctx)
	if err != nil {
		m.endSession(sess, "", "")
		return fmt.Errorf("call: creating offer: %w", err)
	}

	offerFrame, err := wire.NewFrame(wire.KindCallOffer, conversationID, m.selfID, wire.Offer{
		PeerID: peerID,
		SDP:    sdp,
	})
	if err != nil {
		m.endSession(sess, "", "")
		return err
	}
	m.publisher.Publish(m.signalDest(conversationID), offerFrame)

	// The call-invite marker keeps the attempt visible in history even
	// if the call never connects.
	invite, err := wire.NewChatFrame(wire.ChatMessage{
		ConversationID: conversationID,
		SenderID:       m.selfID,
		Kind:           wire.MessageCallInvite,
		SentAt:         m.clock.Now(),
	})
	if err == nil {
		m.publisher.Publish(m.chatDest(conversationID), invite)
	}
	return nil
}

// Accept answers the ringing inbound call: acquires the microphone,
// installs the stored remote offer, applies any ICE candidates queued
// while ringing, and publishes the answer. On media failure the caller
// is notified with a call-end so it does not ring forever.
func (m *Machine) Accept(ctx context.Context) error {
	m.mu.Lock()
	if m.phase != PhaseRinging || m.session == nil {
		m.mu.Unlock()
		return ErrNotRinging
	}
	sess := m.session
	m.mu.Unlock()

	pc, release, err := m.factory.NewPeerConn(ctx, func(candidate wire.Candidate) {
		m.relayCandidate(sess, candidate)
	})
	if err != nil {
		m.endSession(sess, ReasonMediaFailure, "media acquisition failed")
		return fmt.Errorf("call: acquiring media: %w", err)
	}
	if !m.adoptPeerConn(sess, pc, release) {
		return fmt.Errorf("call: call ended during media setup")
	}

	m.mu.Lock()
	if m.session != sess {
		m.mu.Unlock()
		return fmt.Errorf("call: call ended during media setup")
	}
	if err := pc.SetRemoteOffer(sess.remoteOffer); err != nil {
		m.mu.Unlock()
		m.endSession(sess, ReasonSignalError, "malformed offer")
		return fmt.Errorf("call: applying remote offer: %w", err)
	}
	m.flushCandidatesLocked(sess)
	m.mu.Unlock()

	sdp, err := pc.CreateAnswer(ctx)
	if err != nil {
		m.endSession(sess, ReasonMediaFailure, "answer creation failed")
		return fmt.Errorf("call: creating answer: %w", err)
	}
	answerFrame, err := wire.NewFrame(wire.KindCallAnswer, sess.conversationID, m.selfID, wire.Answer{
		PeerID: sess.peerID,
		SDP:    sdp,
	})
	if err != nil {
		m.endSession(sess, ReasonSignalError, "")
		return err
	}

	m.mu.Lock()
	if m.session != sess {
		m.mu.Unlock()
		return fmt.Errorf("call: call ended during answer")
	}
	listeners := m.transitionLocked(PhaseActive)
	m.mu.Unlock()
	m.publisher.Publish(m.signalDest(sess.conversationID), answerFrame)
	notify(listeners, PhaseActive)
	m.logger.Info("call: answered", "conversation", sess.conversationID, "peer", sess.peerID)
	return nil
}

// Decline rejects the ringing inbound call and tells the caller.
func (m *Machine) Decline() error {
	m.mu.Lock()
	if m.phase != PhaseRinging || m.session == nil {
		m.mu.Unlock()
		return ErrNotRinging
	}
	sess := m.session
	m.mu.Unlock()
	m.endSession(sess, ReasonDeclined, "")
	return nil
}

// End hangs up the current call in any phase and notifies the peer.
// A no-op when idle.
func (m *Machine) End() {
	m.mu.Lock()
	sess := m.session
	m.mu.Unlock()
	if sess == nil {
		return
	}
	m.endSession(sess, ReasonHangup, "")
}

// ForceEnd aborts the current call without signaling the peer, for use
// when the transport is gone and a call-end could not be delivered
// anyway. Media is still released.
func (m *Machine) ForceEnd() {
	m.mu.Lock()
	sess := m.session
	m.mu.Unlock()
	if sess == nil {
		return
	}
	m.logger.Warn("call: forcing call end",
		"conversation", sess.conversationID,
		"peer", sess.peerID,
	)
	m.endSession(sess, "", "")
}

// HandleFrame routes an inbound signal frame into the state machine.
// Frames we published ourselves (echoed back by the bus) and non-signal
// kinds are ignored.
func (m *Machine) HandleFrame(frame wire.Frame) {
	if frame.SenderID == m.selfID {
		return
	}
	if !frame.Kind.Signal() {
		m.logger.Debug("call: ignoring non-signal frame", "kind", frame.Kind)
		return
	}
	switch frame.Kind {
	case wire.KindCallOffer:
		m.handleOffer(frame)
	case wire.KindCallAnswer:
		m.handleAnswer(frame)
	case wire.KindCallCandidate:
		m.handleCandidate(frame)
	case wire.KindCallEnd:
		m.handleEnd(frame)
	}
}

func (m *Machine) handleOffer(frame wire.Frame) {
	offer, err := frame.Offer()
	if err != nil {
		m.logger.Debug("call: dropping malformed offer", "error", err)
		return
	}

	m.mu.Lock()
	if m.phase != PhaseIdle {
		busy := m.session == nil || m.session.conversationID != frame.ConversationID || m.session.peerID != frame.SenderID
		m.mu.Unlock()
		if busy {
			// Tell the caller immediately so it does not sit in
			// offering until a timeout it does not have.
			m.sendEnd(frame.ConversationID, frame.SenderID, ReasonBusy)
		}
		return
	}
	sess := &session{
		conversationID: frame.ConversationID,
		peerID:         frame.SenderID,
		role:           RoleCallee,
		remoteOffer:    offer.SDP,
	}
	m.session = sess
	listeners := m.transitionLocked(PhaseRinging)
	m.mu.Unlock()
	notify(listeners, PhaseRinging)
	m.logger.Info("call: incoming call",
		"conversation", sess.conversationID,
		"peer", sess.peerID,
	)
}

func (m *Machine) handleAnswer(frame wire.Frame) {
	answer, err := frame.Answer()
	if err != nil {
		m.logger.Debug("call: dropping malformed answer", "error", err)
		return
	}

	m.mu.Lock()
	sess := m.session
	if sess == nil || sess.role != RoleCaller || m.phase != PhaseOffering ||
		sess.conversationID != frame.ConversationID || sess.peerID != frame.SenderID {
		m.mu.Unlock()
		m.logger.Debug("call: dropping unexpected answer",
			"conversation", frame.ConversationID,
			"sender", frame.SenderID,
		)
		return
	}
	if sess.pc == nil {
		// Media acquisition has not finished, so no offer has been
		// published yet. An answer this early is unsolicited; a genuine
		// one can only follow the offer.
		m.mu.Unlock()
		m.logger.Debug("call: dropping answer before offer was sent",
			"conversation", frame.ConversationID,
		)
		return
	}
	if err := sess.pc.SetRemoteAnswer(answer.SDP); err != nil {
		m.mu.Unlock()
		m.logger.Warn("call: applying remote answer failed", "error", err)
		m.endSession(sess, ReasonSignalError, "malformed answer")
		return
	}
	m.flushCandidatesLocked(sess)
	listeners := m.transitionLocked(PhaseActive)
	m.mu.Unlock()
	notify(listeners, PhaseActive)
	m.logger.Info("call: connected", "conversation", sess.conversationID, "peer", sess.peerID)
}

func (m *Machine) handleCandidate(frame wire.Frame) {
	candidate, err := frame.Candidate()
	if err != nil {
		m.logger.Debug("call: dropping malformed candidate", "error", err)
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	sess := m.session
	if sess == nil || sess.conversationID != frame.ConversationID || sess.peerID != frame.SenderID {
		m.logger.Debug("call: dropping candidate for unknown call",
			"conversation", frame.ConversationID,
		)
		return
	}
	if !sess.remoteSet || sess.pc == nil {
		// Arrived before the remote description; applied in order once
		// it lands.
		sess.pendingCandidates = append(sess.pendingCandidates, candidate)
		return
	}
	if err := sess.pc.AddCandidate(candidate); err != nil {
		m.logger.Warn("call: applying ICE candidate failed", "error", err)
	}
}

func (m *Machine) handleEnd(frame wire.Frame) {
	end, err := frame.End()
	if err != nil {
		m.logger.Debug("call: dropping malformed call-end", "error", err)
		return
	}

	m.mu.Lock()
	sess := m.session
	m.mu.Unlock()
	if sess == nil || sess.conversationID != frame.ConversationID || sess.peerID != frame.SenderID {
		return
	}
	m.logger.Info("call: peer ended call",
		"conversation", sess.conversationID,
		"peer", sess.peerID,
		"reason", end.Reason,
	)
	m.endSession(sess, "", "")
}

// adoptPeerConn attaches a freshly created peer connection to the
// session, or tears it down if the call ended while media was being
// acquired. Returns false in the latter case.
func (m *Machine) adoptPeerConn(sess *session, pc PeerConn, release func()) bool {
	m.mu.Lock()
	if m.session != sess {
		m.mu.Unlock()
		pc.Close()
		release()
		return false
	}
	sess.pc = pc
	sess.release = release
	m.mu.Unlock()
	return true
}

// flushCandidatesLocked applies candidates queued before the remote
// description, in arrival order, and marks the session ready for direct
// application. Caller holds m.mu and has set the remote description.
func (m *Machine) flushCandidatesLocked(sess *session) {
	sess.remoteSet = true
	pending := sess.pendingCandidates
	sess.pendingCandidates = nil
	for _, candidate := range pending {
		if err := sess.pc.AddCandidate(candidate); err != nil {
			m.logger.Warn("call: applying queued ICE candidate failed", "error", err)
		}
	}
}

// relayCandidate publishes a locally gathered candidate to the peer,
// unless the session it belongs to is already gone.
func (m *Machine) relayCandidate(sess *session, candidate wire.Candidate) {
	m.mu.Lock()
	live := m.session == sess
	m.mu.Unlock()
	if !live {
		return
	}
	candidate.PeerID = sess.peerID
	frame, err := wire.NewFrame(wire.KindCallCandidate, sess.conversationID, m.selfID, candidate)
	if err != nil {
		m.logger.Warn("call: encoding ICE candidate failed", "error", err)
		return
	}
	m.publisher.Publish(m.signalDest(sess.conversationID), frame)
}

// sendEnd publishes a call-end frame outside any session, used for
// busy rejections.
func (m *Machine) sendEnd(conversationID, peerID, reason string) {
	frame, err := wire.NewFrame(wire.KindCallEnd, conversationID, m.selfID, wire.End{
		PeerID: peerID,
		Reason: reason,
	})
	if err != nil {
		m.logger.Warn("call: encoding call-end failed", "error", err)
		return
	}
	m.publisher.Publish(m.signalDest(conversationID), frame)
}

// endSession tears down one session: notifies the peer when reason is
// non-empty, closes the peer connection, releases media, and walks the
// machine through Ended back to Idle. Stale sessions (already replaced
// or torn down) are a no-op.
func (m *Machine) endSession(sess *session, reason, detail string) {
	m.mu.Lock()
	if m.session != sess {
		m.mu.Unlock()
		return
	}
	m.session = nil
	pc := sess.pc
	release := sess.release
	endedListeners := m.transitionLocked(PhaseEnded)
	idleListeners := m.transitionLocked(PhaseIdle)
	m.mu.Unlock()

	if reason != "" {
		m.sendEnd(sess.conversationID, sess.peerID, reason)
	}
	if pc != nil {
		pc.Close()
	}
	if release != nil {
		release()
	}
	notify(endedListeners, PhaseEnded)
	notify(idleListeners, PhaseIdle)

	if detail != "" {
		m.logger.Warn("call: ended", "conversation", sess.conversationID, "detail", detail)
	} else {
		m.logger.Info("call: ended", "conversation", sess.conversationID)
	}
}
