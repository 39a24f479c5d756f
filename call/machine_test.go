// Copyright 2026 The Terminus Authors
// SPDX-License-Identifier: Apache-2.0

package call

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/terminus-mobility/realtime/lib/testutil"
	"github.com/terminus-mobility/realtime/wire"
)

const waitTimeout = 5 * time.Second

// published is one frame recorded by the fake publisher.
type published struct {
	destination string
	frame       wire.Frame
}

// fakePublisher records outbound frames and exposes them on a channel
// for ordered assertions.
type fakePublisher struct {
	frames chan published
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{frames: make(chan published, 32)}
}

func (f *fakePublisher) Publish(destination string, frame wire.Frame) {
	f.frames <- published{destination: destination, frame: frame}
}

// fakePeerConn records the SDP exchange and applied candidates.
type fakePeerConn struct {
	mu           sync.Mutex
	remoteOffer  string
	remoteAnswer string
	candidates   []wire.Candidate
	closed       bool

	offerErr error
}

func (f *fakePeerConn) CreateOffer(ctx context.Context) (string, error) {
	if f.offerErr != nil {
		return "", f.offerErr
	}
	return "sdp-offer", nil
}

func (f *fakePeerConn) CreateAnswer(ctx context.Context) (string, error) {
	return "sdp-answer", nil
}

func (f *fakePeerConn) SetRemoteOffer(sdp string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.remoteOffer = sdp
	return nil
}

func (f *fakePeerConn) SetRemoteAnswer(sdp string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.remoteAnswer = sdp
	return nil
}

func (f *fakePeerConn) AddCandidate(candidate wire.Candidate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.remoteOffer == "" && f.remoteAnswer == "" {
		return fmt.Errorf("candidate before remote description")
	}
	f.candidates = append(f.candidates, candidate)
	return nil
}

func (f *fakePeerConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakePeerConn) appliedCandidates() []wire.Candidate {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]wire.Candidate(nil), f.candidates...)
}

// fakeFactory counts acquisitions and tracks whether media was released.
type fakeFactory struct {
	mu       sync.Mutex
	err      error
	acquired int
	released int
	conns    []*fakePeerConn
}

func (f *fakeFactory) NewPeerConn(ctx context.Context, onCandidate func(wire.Candidate)) (PeerConn, func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, nil, f.err
	}
	f.acquired++
	conn := &fakePeerConn{}
	f.conns = append(f.conns, conn)
	var once sync.Once
	release := func() {
		once.Do(func() {
			f.mu.Lock()
			f.released++
			f.mu.Unlock()
		})
	}
	return conn, release, nil
}

func (f *fakeFactory) counts() (acquired, released int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.acquired, f.released
}

func newTestMachine(t *testing.T, selfID string, publisher Publisher, factory PeerConnFactory) *Machine {
	t.Helper()
	machine, err := NewMachine(Config{
		Publisher:         publisher,
		Factory:           factory,
		SelfID:            selfID,
		SignalDestination: func(id string) string { return "signal/" + id },
		ChatDestination:   func(id string) string { return "chat/" + id },
		Logger:            slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("NewMachine: %v", err)
	}
	return machine
}

func recordPhases(machine *Machine) <-chan Phase {
	phases := make(chan Phase, 32)
	machine.AddPhaseListener(func(phase Phase) {
		phases <- phase
	})
	return phases
}

func requirePhase(t *testing.T, phases <-chan Phase, want Phase) {
	t.Helper()
	got := testutil.RequireReceive(t, phases, waitTimeout, "phase transition")
	if got != want {
		t.Fatalf("phase = %v, want %v", got, want)
	}
}

func signalFrame(t *testing.T, kind wire.Kind, conversationID, senderID string, payload any) wire.Frame {
	t.Helper()
	frame, err := wire.NewFrame(kind, conversationID, senderID, payload)
	if err != nil {
		t.Fatalf("NewFrame(%s): %v", kind, err)
	}
	return frame
}

func TestPlaceCall(t *testing.T) {
	publisher := newFakePublisher()
	factory := &fakeFactory{}
	machine := newTestMachine(t, "alice", publisher, factory)
	phases := recordPhases(machine)

	if err := machine.PlaceCall(context.Background(), "c1", "bob"); err != nil {
		t.Fatalf("PlaceCall: %v", err)
	}
	requirePhase(t, phases, PhaseOffering)

	offer := testutil.RequireReceive(t, publisher.frames, waitTimeout, "offer published")
	if offer.destination != "signal/c1" || offer.frame.Kind != wire.KindCallOffer {
		t.Fatalf("first publish = %s %s", offer.destination, offer.frame.Kind)
	}
	decoded, err := offer.frame.Offer()
	if err != nil {
		t.Fatalf("Offer: %v", err)
	}
	if decoded.PeerID != "bob" || decoded.SDP != "sdp-offer" {
		t.Fatalf("offer payload = %+v", decoded)
	}

	invite := testutil.RequireReceive(t, publisher.frames, waitTimeout, "call-invite published")
	if invite.destination != "chat/c1" || invite.frame.Kind != wire.KindChat {
		t.Fatalf("second publish = %s %s", invite.destination, invite.frame.Kind)
	}
	message, err := invite.frame.ChatMessage()
	if err != nil {
		t.Fatalf("ChatMessage: %v", err)
	}
	if message.Kind != wire.MessageCallInvite || !message.Pending() {
		t.Fatalf("invite message = %+v", message)
	}
}

func TestPlaceCallWhileBusy(t *testing.T) {
	publisher := newFakePublisher()
	factory := &fakeFactory{}
	machine := newTestMachine(t, "alice", publisher, factory)

	if err := machine.PlaceCall(context.Background(), "c1", "bob"); err != nil {
		t.Fatalf("PlaceCall: %v", err)
	}
	drain(publisher)

	// Rejected without side effects: no new offer, no media re-acquired.
	if err := machine.PlaceCall(context.Background(), "c2", "carol"); err != ErrBusy {
		t.Fatalf("second PlaceCall err = %v, want ErrBusy", err)
	}
	if acquired, _ := factory.counts(); acquired != 1 {
		t.Fatalf("media acquisitions = %d, want 1", acquired)
	}
	testutil.RequireNoReceive(t, publisher.frames, 50*time.Millisecond, "no frames from rejected call")

	if info, ok := machine.Current(); !ok || info.ConversationID != "c1" {
		t.Fatalf("current call = %+v, %v", info, ok)
	}
}

func TestCallerAnswerActivates(t *testing.T) {
	publisher := newFakePublisher()
	factory := &fakeFactory{}
	machine := newTestMachine(t, "alice", publisher, factory)
	phases := recordPhases(machine)

	if err := machine.PlaceCall(context.Background(), "c1", "bob"); err != nil {
		t.Fatalf("PlaceCall: %v", err)
	}
	requirePhase(t, phases, PhaseOffering)

	machine.HandleFrame(signalFrame(t, wire.KindCallAnswer, "c1", "bob", wire.Answer{SDP: "sdp-answer"}))
	requirePhase(t, phases, PhaseActive)

	if got := factory.conns[0].remoteAnswer; got != "sdp-answer" {
		t.Fatalf("remote answer = %q", got)
	}
}

// gatedFactory parks NewPeerConn until released, holding a call in the
// window where the phase has advanced but no peer connection exists yet.
type gatedFactory struct {
	fakeFactory
	gate chan struct{}
}

func (g *gatedFactory) NewPeerConn(ctx context.Context, onCandidate func(wire.Candidate)) (PeerConn, func(), error) {
	<-g.gate
	return g.fakeFactory.NewPeerConn(ctx, onCandidate)
}

func TestAnswerDuringMediaAcquisitionIsDropped(t *testing.T) {
	publisher := newFakePublisher()
	factory := &gatedFactory{gate: make(chan struct{})}
	machine := newTestMachine(t, "alice", publisher, factory)
	phases := recordPhases(machine)

	placed := make(chan error, 1)
	go func() {
		placed <- machine.PlaceCall(context.Background(), "c1", "bob")
	}()
	requirePhase(t, phases, PhaseOffering)

	// The answer beats media acquisition: no peer connection exists yet,
	// and no offer has been published. It must be dropped, not applied.
	machine.HandleFrame(signalFrame(t, wire.KindCallAnswer, "c1", "bob", wire.Answer{SDP: "sdp-answer"}))
	if got := machine.Phase(); got != PhaseOffering {
		t.Fatalf("phase after early answer = %v, want %v", got, PhaseOffering)
	}

	close(factory.gate)
	if err := testutil.RequireReceive(t, placed, waitTimeout, "PlaceCall returned"); err != nil {
		t.Fatalf("PlaceCall: %v", err)
	}
	offer := testutil.RequireReceive(t, publisher.frames, waitTimeout, "offer published")
	if offer.frame.Kind != wire.KindCallOffer {
		t.Fatalf("first publish = %s", offer.frame.Kind)
	}

	// The answer that follows the published offer connects as usual.
	machine.HandleFrame(signalFrame(t, wire.KindCallAnswer, "c1", "bob", wire.Answer{SDP: "sdp-answer"}))
	requirePhase(t, phases, PhaseActive)
}

func TestCalleeAcceptFlow(t *testing.T) {
	publisher := newFakePublisher()
	factory := &fakeFactory{}
	machine := newTestMachine(t, "bob", publisher, factory)
	phases := recordPhases(machine)

	machine.HandleFrame(signalFrame(t, wire.KindCallOffer, "c1", "alice", wire.Offer{SDP: "sdp-offer"}))
	requirePhase(t, phases, PhaseRinging)
	if info, ok := machine.Current(); !ok || info.Role != RoleCallee || info.PeerID != "alice" {
		t.Fatalf("current call = %+v, %v", info, ok)
	}

	if err := machine.Accept(context.Background()); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	requirePhase(t, phases, PhaseActive)

	answer := testutil.RequireReceive(t, publisher.frames, waitTimeout, "answer published")
	if answer.destination != "signal/c1" || answer.frame.Kind != wire.KindCallAnswer {
		t.Fatalf("publish = %s %s", answer.destination, answer.frame.Kind)
	}
	if got := factory.conns[0].remoteOffer; got != "sdp-offer" {
		t.Fatalf("remote offer = %q", got)
	}
}

func TestCandidatesQueuedUntilRemoteDescription(t *testing.T) {
	publisher := newFakePublisher()
	factory := &fakeFactory{}
	machine := newTestMachine(t, "bob", publisher, factory)

	machine.HandleFrame(signalFrame(t, wire.KindCallOffer, "c1", "alice", wire.Offer{SDP: "sdp-offer"}))

	// Trickled before Accept: no peer connection exists yet.
	for i := range 3 {
		machine.HandleFrame(signalFrame(t, wire.KindCallCandidate, "c1", "alice", wire.Candidate{
			Candidate: fmt.Sprintf("candidate-%d", i),
		}))
	}

	if err := machine.Accept(context.Background()); err != nil {
		t.Fatalf("Accept: %v", err)
	}

	applied := factory.conns[0].appliedCandidates()
	if len(applied) != 3 {
		t.Fatalf("applied candidates = %d, want 3", len(applied))
	}
	for i, candidate := range applied {
		if want := fmt.Sprintf("candidate-%d", i); candidate.Candidate != want {
			t.Fatalf("candidate[%d] = %q, want %q (arrival order)", i, candidate.Candidate, want)
		}
	}

	// After the remote description, candidates apply directly.
	machine.HandleFrame(signalFrame(t, wire.KindCallCandidate, "c1", "alice", wire.Candidate{
		Candidate: "candidate-late",
	}))
	if applied := factory.conns[0].appliedCandidates(); len(applied) != 4 {
		t.Fatalf("applied candidates = %d, want 4", len(applied))
	}
}

func TestCallerCandidatesFlushOnAnswer(t *testing.T) {
	publisher := newFakePublisher()
	factory := &fakeFactory{}
	machine := newTestMachine(t, "alice", publisher, factory)

	if err := machine.PlaceCall(context.Background(), "c1", "bob"); err != nil {
		t.Fatalf("PlaceCall: %v", err)
	}
	machine.HandleFrame(signalFrame(t, wire.KindCallCandidate, "c1", "bob", wire.Candidate{
		Candidate: "early",
	}))
	if applied := factory.conns[0].appliedCandidates(); len(applied) != 0 {
		t.Fatalf("candidates before answer = %d, want 0 (queued)", len(applied))
	}

	machine.HandleFrame(signalFrame(t, wire.KindCallAnswer, "c1", "bob", wire.Answer{SDP: "sdp-answer"}))
	applied := factory.conns[0].appliedCandidates()
	if len(applied) != 1 || applied[0].Candidate != "early" {
		t.Fatalf("candidates after answer = %+v", applied)
	}
}

func TestEndNotifiesPeerAndReleasesMedia(t *testing.T) {
	publisher := newFakePublisher()
	factory := &fakeFactory{}
	machine := newTestMachine(t, "alice", publisher, factory)
	phases := recordPhases(machine)

	if err := machine.PlaceCall(context.Background(), "c1", "bob"); err != nil {
		t.Fatalf("PlaceCall: %v", err)
	}
	requirePhase(t, phases, PhaseOffering)
	machine.HandleFrame(signalFrame(t, wire.KindCallAnswer, "c1", "bob", wire.Answer{SDP: "sdp-answer"}))
	requirePhase(t, phases, PhaseActive)
	drain(publisher)

	machine.End()
	requirePhase(t, phases, PhaseEnded)
	requirePhase(t, phases, PhaseIdle)

	end := testutil.RequireReceive(t, publisher.frames, waitTimeout, "call-end published")
	if end.frame.Kind != wire.KindCallEnd {
		t.Fatalf("publish kind = %s", end.frame.Kind)
	}
	decoded, err := end.frame.End()
	if err != nil {
		t.Fatalf("End: %v", err)
	}
	if decoded.Reason != ReasonHangup {
		t.Fatalf("reason = %q", decoded.Reason)
	}

	if !factory.conns[0].closed {
		t.Fatal("peer connection not closed")
	}
	if _, released := factory.counts(); released != 1 {
		t.Fatalf("media released = %d, want 1", released)
	}

	// A second End is a no-op.
	machine.End()
	testutil.RequireNoReceive(t, publisher.frames, 50*time.Millisecond, "no frames from idle End")
}

func TestPeerEndReturnsToIdle(t *testing.T) {
	publisher := newFakePublisher()
	factory := &fakeFactory{}
	machine := newTestMachine(t, "alice", publisher, factory)
	phases := recordPhases(machine)

	if err := machine.PlaceCall(context.Background(), "c1", "bob"); err != nil {
		t.Fatalf("PlaceCall: %v", err)
	}
	requirePhase(t, phases, PhaseOffering)
	drain(publisher)

	machine.HandleFrame(signalFrame(t, wire.KindCallEnd, "c1", "bob", wire.End{Reason: ReasonDeclined}))
	requirePhase(t, phases, PhaseEnded)
	requirePhase(t, phases, PhaseIdle)

	// No call-end echo back at the peer.
	testutil.RequireNoReceive(t, publisher.frames, 50*time.Millisecond, "no echo of peer's call-end")
	if _, released := factory.counts(); released != 1 {
		t.Fatalf("media released = %d, want 1", released)
	}
}

func TestOfferWhileBusySendsBusyEnd(t *testing.T) {
	publisher := newFakePublisher()
	factory := &fakeFactory{}
	machine := newTestMachine(t, "alice", publisher, factory)

	if err := machine.PlaceCall(context.Background(), "c1", "bob"); err != nil {
		t.Fatalf("PlaceCall: %v", err)
	}
	drain(publisher)

	machine.HandleFrame(signalFrame(t, wire.KindCallOffer, "c2", "carol", wire.Offer{SDP: "sdp-carol"}))

	busy := testutil.RequireReceive(t, publisher.frames, waitTimeout, "busy call-end published")
	if busy.destination != "signal/c2" || busy.frame.Kind != wire.KindCallEnd {
		t.Fatalf("publish = %s %s", busy.destination, busy.frame.Kind)
	}
	decoded, err := busy.frame.End()
	if err != nil {
		t.Fatalf("End: %v", err)
	}
	if decoded.Reason != ReasonBusy {
		t.Fatalf("reason = %q", decoded.Reason)
	}

	// The ongoing call is untouched.
	if info, ok := machine.Current(); !ok || info.ConversationID != "c1" || info.Phase != PhaseOffering {
		t.Fatalf("current call = %+v, %v", info, ok)
	}
}

func TestDecline(t *testing.T) {
	publisher := newFakePublisher()
	factory := &fakeFactory{}
	machine := newTestMachine(t, "bob", publisher, factory)
	phases := recordPhases(machine)

	machine.HandleFrame(signalFrame(t, wire.KindCallOffer, "c1", "alice", wire.Offer{SDP: "sdp-offer"}))
	requirePhase(t, phases, PhaseRinging)

	if err := machine.Decline(); err != nil {
		t.Fatalf("Decline: %v", err)
	}
	requirePhase(t, phases, PhaseEnded)
	requirePhase(t, phases, PhaseIdle)

	end := testutil.RequireReceive(t, publisher.frames, waitTimeout, "decline published")
	decoded, err := end.frame.End()
	if err != nil {
		t.Fatalf("End: %v", err)
	}
	if decoded.Reason != ReasonDeclined {
		t.Fatalf("reason = %q", decoded.Reason)
	}

	if err := machine.Decline(); err != ErrNotRinging {
		t.Fatalf("second Decline err = %v, want ErrNotRinging", err)
	}
}

func TestForceEndOnTransportLoss(t *testing.T) {
	publisher := newFakePublisher()
	factory := &fakeFactory{}
	machine := newTestMachine(t, "alice", publisher, factory)
	phases := recordPhases(machine)

	if err := machine.PlaceCall(context.Background(), "c1", "bob"); err != nil {
		t.Fatalf("PlaceCall: %v", err)
	}
	requirePhase(t, phases, PhaseOffering)
	machine.HandleFrame(signalFrame(t, wire.KindCallAnswer, "c1", "bob", wire.Answer{SDP: "sdp-answer"}))
	requirePhase(t, phases, PhaseActive)
	drain(publisher)

	machine.ForceEnd()
	requirePhase(t, phases, PhaseEnded)
	requirePhase(t, phases, PhaseIdle)

	// The transport is gone; nothing is published.
	testutil.RequireNoReceive(t, publisher.frames, 50*time.Millisecond, "no frames on forced end")
	if _, released := factory.counts(); released != 1 {
		t.Fatalf("media released = %d, want 1", released)
	}
	if !factory.conns[0].closed {
		t.Fatal("peer connection not closed")
	}
}

func TestMediaFailureAbortsPlaceCall(t *testing.T) {
	publisher := newFakePublisher()
	factory := &fakeFactory{err: fmt.Errorf("microphone busy")}
	machine := newTestMachine(t, "alice", publisher, factory)

	err := machine.PlaceCall(context.Background(), "c1", "bob")
	if err == nil {
		t.Fatal("PlaceCall succeeded without media")
	}
	if got := machine.Phase(); got != PhaseIdle {
		t.Fatalf("phase after media failure = %v, want %v", got, PhaseIdle)
	}
	// The peer never learned of the attempt; nothing was published.
	testutil.RequireNoReceive(t, publisher.frames, 50*time.Millisecond, "no frames from aborted call")

	// The machine is usable again.
	factory.err = nil
	if err := machine.PlaceCall(context.Background(), "c1", "bob"); err != nil {
		t.Fatalf("PlaceCall after recovery: %v", err)
	}
}

func TestMediaFailureOnAcceptNotifiesCaller(t *testing.T) {
	publisher := newFakePublisher()
	factory := &fakeFactory{err: fmt.Errorf("microphone busy")}
	machine := newTestMachine(t, "bob", publisher, factory)

	machine.HandleFrame(signalFrame(t, wire.KindCallOffer, "c1", "alice", wire.Offer{SDP: "sdp-offer"}))
	if err := machine.Accept(context.Background()); err == nil {
		t.Fatal("Accept succeeded without media")
	}

	// The caller must not hang in offering.
	end := testutil.RequireReceive(t, publisher.frames, waitTimeout, "call-end published")
	decoded, err := end.frame.End()
	if err != nil {
		t.Fatalf("End: %v", err)
	}
	if decoded.Reason != ReasonMediaFailure {
		t.Fatalf("reason = %q", decoded.Reason)
	}
	if got := machine.Phase(); got != PhaseIdle {
		t.Fatalf("phase = %v, want %v", got, PhaseIdle)
	}
}

func TestSignalsForOtherCallsIgnored(t *testing.T) {
	publisher := newFakePublisher()
	factory := &fakeFactory{}
	machine := newTestMachine(t, "alice", publisher, factory)

	if err := machine.PlaceCall(context.Background(), "c1", "bob"); err != nil {
		t.Fatalf("PlaceCall: %v", err)
	}
	drain(publisher)

	// Answer from the wrong peer, and signals echoed back from self.
	machine.HandleFrame(signalFrame(t, wire.KindCallAnswer, "c1", "carol", wire.Answer{SDP: "sdp-wrong"}))
	machine.HandleFrame(signalFrame(t, wire.KindCallAnswer, "c1", "alice", wire.Answer{SDP: "sdp-self"}))
	machine.HandleFrame(signalFrame(t, wire.KindCallEnd, "c9", "dave", wire.End{}))

	if got := machine.Phase(); got != PhaseOffering {
		t.Fatalf("phase = %v, want %v", got, PhaseOffering)
	}
	if factory.conns[0].remoteAnswer != "" {
		t.Fatalf("remote answer = %q, want unset", factory.conns[0].remoteAnswer)
	}
}

// TestTwoMachinesEndToEnd exchanges signals between a caller and a
// callee over an in-process bus that routes each machine's frames to
// the other.
func TestTwoMachinesEndToEnd(t *testing.T) {
	var alice, bob *Machine

	route := func(to **Machine) Publisher {
		return publisherFunc(func(destination string, frame wire.Frame) {
			if frame.Kind.Signal() {
				(*to).HandleFrame(frame)
			}
		})
	}

	aliceFactory := &fakeFactory{}
	bobFactory := &fakeFactory{}
	alice = newTestMachine(t, "alice", route(&bob), aliceFactory)
	bob = newTestMachine(t, "bob", route(&alice), bobFactory)
	alicePhases := recordPhases(alice)
	bobPhases := recordPhases(bob)

	if err := alice.PlaceCall(context.Background(), "c1", "bob"); err != nil {
		t.Fatalf("PlaceCall: %v", err)
	}
	requirePhase(t, alicePhases, PhaseOffering)
	requirePhase(t, bobPhases, PhaseRinging)

	if err := bob.Accept(context.Background()); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	requirePhase(t, bobPhases, PhaseActive)
	requirePhase(t, alicePhases, PhaseActive)

	bob.End()
	requirePhase(t, bobPhases, PhaseEnded)
	requirePhase(t, bobPhases, PhaseIdle)
	requirePhase(t, alicePhases, PhaseEnded)
	requirePhase(t, alicePhases, PhaseIdle)

	if _, released := aliceFactory.counts(); released != 1 {
		t.Fatalf("caller media released = %d, want 1", released)
	}
	if _, released := bobFactory.counts(); released != 1 {
		t.Fatalf("callee media released = %d, want 1", released)
	}
}

// publisherFunc adapts a function to the Publisher interface.
type publisherFunc func(destination string, frame wire.Frame)

func (f publisherFunc) Publish(destination string, frame wire.Frame) {
	f(destination, frame)
}

// drain discards any frames already recorded.
func drain(publisher *fakePublisher) {
	for {
		select {
		case <-publisher.frames:
		default:
			return
		}
	}
}
