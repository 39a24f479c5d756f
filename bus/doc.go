// Copyright 2026 The Terminus Authors
// SPDX-License-Identifier: Apache-2.0

// Package bus implements the client side of the Terminus realtime
// message bus: a single persistent websocket connection multiplexing
// chat topics, personal notification queues, and call-signal channels.
//
// [Session] owns the physical connection and its lifecycle: connect,
// heartbeat, automatic reconnect with a fixed delay, and teardown.
// Subscriptions registered on a Session are wire-level and die with the
// connection — after a reconnect the transport is empty again.
//
// [Mux] sits above the Session and owns the mapping from logical
// destination keys to wire subscriptions. It survives reconnects: when
// the Session reports Connected again, the Mux re-issues every wire
// subscription that was active before the drop, preserving handlers.
// No other component issues raw subscribe or unsubscribe calls.
//
// Publishing is fire-and-forget with at-most-once delivery: a publish
// while disconnected is dropped with a logged warning, never an error
// thrown into UI code. Callers that need confirmation await a
// correlated inbound frame instead.
package bus
