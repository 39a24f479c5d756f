// Copyright 2026 The Terminus Authors
// SPDX-License-Identifier: Apache-2.0

// Package call implements the client's call-signaling state machine for
// one-to-one voice calls over WebRTC.
//
// [Machine] is the single source of truth for call state. It holds at
// most one session at a time and walks it through the phases
//
//	Idle -> Offering (caller) | Ringing (callee) -> Active -> Ended -> Idle
//
// with an abort path back to Idle from any phase. UI layers observe
// phase transitions through a listener; they never keep their own call
// flags.
//
// Signaling rides the message bus as call-offer, call-answer,
// call-candidate, and call-end frames on a per-conversation signal
// topic. ICE is trickled: candidates received before the remote
// description is set are queued and applied in arrival order the moment
// it is, so early candidates are never dropped.
//
// Media and the peer connection are capabilities the machine drives but
// does not implement: [PeerConnFactory] acquires the microphone and
// builds the connection. [Factory] is the production implementation on
// pion; tests substitute fakes.
package call
