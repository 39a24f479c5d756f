// Copyright 2026 The Terminus Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"encoding/json"
	"fmt"
)

// Op is the bus-level operation carried by an Envelope.
type Op string

const (
	// OpSubscribe asks the server to start delivering frames for a
	// destination on this connection.
	OpSubscribe Op = "subscribe"
	// OpUnsubscribe cancels a prior subscribe for a destination.
	OpUnsubscribe Op = "unsubscribe"
	// OpSend publishes a frame to a destination (client to server).
	OpSend Op = "send"
	// OpMessage delivers a frame from a destination (server to client).
	OpMessage Op = "message"
)

// Envelope is one websocket text message on the bus: an operation, the
// destination it applies to, and a frame for send/message operations.
// Destinations are opaque strings owned by the server configuration.
type Envelope struct {
	Op          Op     `json:"op"`
	Destination string `json:"destination"`
	Frame       *Frame `json:"frame,omitempty"`
}

// ParseEnvelope decodes and validates a single bus message. Unknown
// operations and missing destinations are errors; the dispatcher logs
// and drops such messages rather than crashing.
func ParseEnvelope(data []byte) (Envelope, error) {
	var envelope Envelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return Envelope{}, fmt.Errorf("wire: decoding envelope: %w", err)
	}
	switch envelope.Op {
	case OpSubscribe, OpUnsubscribe:
		// Control operations carry no frame.
	case OpSend, OpMessage:
		if envelope.Frame == nil {
			return Envelope{}, fmt.Errorf("wire: %s envelope missing frame", envelope.Op)
		}
		if err := envelope.Frame.Validate(); err != nil {
			return Envelope{}, err
		}
	default:
		return Envelope{}, fmt.Errorf("wire: unknown envelope op %q", envelope.Op)
	}
	if envelope.Destination == "" {
		return Envelope{}, fmt.Errorf("wire: %s envelope missing destination", envelope.Op)
	}
	return envelope, nil
}

// Encode serializes the envelope for the wire.
func (e Envelope) Encode() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("wire: encoding envelope: %w", err)
	}
	return data, nil
}
