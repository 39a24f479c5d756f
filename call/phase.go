// Copyright 2026 The Terminus Authors
// SPDX-License-Identifier: Apache-2.0

package call

// Phase is the call state machine's current position. Only the Machine
// mutates it.
type Phase int

const (
	// PhaseIdle means no call exists. The only phase from which a call
	// may start, in either direction.
	PhaseIdle Phase = iota
	// PhaseOffering means we placed a call and await the peer's answer.
	PhaseOffering
	// PhaseRinging means a peer's offer arrived and awaits our accept
	// or decline.
	PhaseRinging
	// PhaseActive means answer exchange completed and media flows.
	PhaseActive
	// PhaseEnded is the transient teardown phase; the machine moves on
	// to PhaseIdle immediately after resources are released.
	PhaseEnded
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseOffering:
		return "offering"
	case PhaseRinging:
		return "ringing"
	case PhaseActive:
		return "active"
	case PhaseEnded:
		return "ended"
	}
	return "unknown"
}

// Role distinguishes which side of the call we are.
type Role int

const (
	// RoleCaller placed the call.
	RoleCaller Role = iota
	// RoleCallee received it.
	RoleCallee
)

func (r Role) String() string {
	if r == RoleCallee {
		return "callee"
	}
	return "caller"
}
