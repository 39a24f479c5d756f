// Copyright 2026 The Terminus Authors
// SPDX-License-Identifier: Apache-2.0

package call

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pion/webrtc/v4"

	"github.com/terminus-mobility/realtime/wire"
)

// Compile-time interface checks.
var (
	_ PeerConnFactory = (*Factory)(nil)
	_ PeerConn        = (*peerConn)(nil)
)

// DefaultSTUNServer is used when no ICE servers are configured.
const DefaultSTUNServer = "stun:stun.l.google.com:19302"

// Factory builds pion-backed peer connections with the local microphone
// attached as an Opus track. Microphone capture is platform-dependent;
// on platforms without a capture driver the connection is receive-only.
type Factory struct {
	// ICEServers are STUN/TURN URLs. Empty means DefaultSTUNServer.
	ICEServers []string
	// Logger is used for structured logging. If nil, slog.Default().
	Logger *slog.Logger
}

// NewPeerConn implements PeerConnFactory.
func (f *Factory) NewPeerConn(ctx context.Context, onCandidate func(wire.Candidate)) (PeerConn, func(), error) {
	logger := f.Logger
	if logger == nil {
		logger = slog.Default()
	}
	servers := f.ICEServers
	if len(servers) == 0 {
		servers = []string{DefaultSTUNServer}
	}

	pc, release, err := newAudioPeerConnection(servers, logger)
	if err != nil {
		return nil, nil, err
	}

	pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			// Gathering complete marker.
			return
		}
		init := candidate.ToJSON()
		onCandidate(wire.Candidate{
			Candidate:     init.Candidate,
			SDPMid:        init.SDPMid,
			SDPMLineIndex: init.SDPMLineIndex,
		})
	})
	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		logger.Debug("call: ICE state change", "state", state.String())
	})

	return &peerConn{pc: pc}, release, nil
}

// peerConn adapts *webrtc.PeerConnection to the PeerConn interface the
// state machine drives.
type peerConn struct {
	pc *webrtc.PeerConnection
}

func (p *peerConn) CreateOffer(ctx context.Context) (string, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("creating SDP offer: %w", err)
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("setting local description: %w", err)
	}
	return p.pc.LocalDescription().SDP, nil
}

func (p *peerConn) CreateAnswer(ctx context.Context) (string, error) {
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("creating SDP answer: %w", err)
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("setting local description: %w", err)
	}
	return p.pc.LocalDescription().SDP, nil
}

func (p *peerConn) SetRemoteOffer(sdp string) error {
	return p.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  sdp,
	})
}

func (p *peerConn) SetRemoteAnswer(sdp string) error {
	return p.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  sdp,
	})
}

func (p *peerConn) AddCandidate(candidate wire.Candidate) error {
	return p.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:     candidate.Candidate,
		SDPMid:        candidate.SDPMid,
		SDPMLineIndex: candidate.SDPMLineIndex,
	})
}

func (p *peerConn) Close() error {
	return p.pc.Close()
}

// addRecvOnlyAudio adds a recvonly audio transceiver so the SDP carries
// a valid m-line with ICE credentials even without a local track.
func addRecvOnlyAudio(pc *webrtc.PeerConnection) error {
	_, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	})
	if err != nil {
		return fmt.Errorf("call: adding recvonly audio transceiver: %w", err)
	}
	return nil
}

// iceConfiguration builds the pion configuration from server URLs.
func iceConfiguration(servers []string) webrtc.Configuration {
	iceServers := make([]webrtc.ICEServer, 0, len(servers))
	for _, server := range servers {
		iceServers = append(iceServers, webrtc.ICEServer{URLs: []string{server}})
	}
	return webrtc.Configuration{ICEServers: iceServers}
}
