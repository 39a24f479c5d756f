// Copyright 2026 The Terminus Authors
// SPDX-License-Identifier: Apache-2.0

package call

import (
	"context"

	"github.com/terminus-mobility/realtime/wire"
)

// PeerConn is the peer-connection capability the state machine drives.
// The production implementation wraps a pion PeerConnection; tests
// substitute an in-memory fake.
type PeerConn interface {
	// CreateOffer builds the local SDP offer and installs it as the
	// local description. Candidates trickle separately.
	CreateOffer(ctx context.Context) (sdp string, err error)
	// CreateAnswer builds the local SDP answer and installs it as the
	// local description. The remote offer must be set first.
	CreateAnswer(ctx context.Context) (sdp string, err error)
	// SetRemoteOffer installs the peer's offer as the remote description.
	SetRemoteOffer(sdp string) error
	// SetRemoteAnswer installs the peer's answer as the remote description.
	SetRemoteAnswer(sdp string) error
	// AddCandidate applies a trickled remote ICE candidate. Callers must
	// not invoke it before a remote description is set.
	AddCandidate(candidate wire.Candidate) error
	// Close tears the connection down. Idempotent.
	Close() error
}

// PeerConnFactory opens a peer connection with local audio attached.
// onCandidate receives each locally gathered ICE candidate for relay to
// the peer; it may be invoked until Close. The returned release
// function stops audio capture and is safe to call more than once.
type PeerConnFactory interface {
	NewPeerConn(ctx context.Context, onCandidate func(wire.Candidate)) (pc PeerConn, release func(), err error)
}

// Publisher is the outbound path for signal and chat frames. *bus.Mux
// satisfies it.
type Publisher interface {
	Publish(destination string, frame wire.Frame)
}
