// Copyright 2026 The Terminus Authors
// SPDX-License-Identifier: Apache-2.0

// Package client wires the realtime pieces into one UI-facing object:
// the bus session and multiplexer, the message reconciliation store,
// the REST backend, and the call state machine.
//
// [Client] owns destination naming (expanding the configured templates)
// and frame routing: chat frames go to the store, call signals to the
// state machine, personal-queue notifications to the conversation
// list. UI layers call the Client and observe the store and call
// phases; they never touch the bus directly.
package client
