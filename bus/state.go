// Copyright 2026 The Terminus Authors
// SPDX-License-Identifier: Apache-2.0

package bus

// State is the connection state of a Session. Only the Session mutates
// it; every other component observes it through a state listener.
type State int

const (
	// StateDisconnected means no connection exists and none is being
	// attempted. The initial state, and the state after Disconnect.
	StateDisconnected State = iota
	// StateConnecting means a handshake or reconnect attempt is in
	// flight.
	StateConnecting
	// StateConnected means the session is established and frames flow.
	StateConnected
	// StateError means a handshake failed and the caller decides
	// whether to retry. Automatic reconnects never rest here — they
	// stay in StateConnecting between attempts.
	StateError
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	}
	return "unknown"
}
