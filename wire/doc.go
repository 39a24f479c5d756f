// Copyright 2026 The Terminus Authors
// SPDX-License-Identifier: Apache-2.0

// Package wire defines the frame model for the Terminus realtime bus.
//
// Every unit delivered over the bus is an [Envelope]: an operation
// (subscribe, unsubscribe, send, message) plus a destination and, for
// the send/message operations, a [Frame]. A Frame is a tagged variant —
// the Kind field selects the payload shape, and typed accessors
// ([Frame.ChatMessage], [Frame.Offer], and so on) decode and validate
// the payload at the boundary. Handlers never shape-match raw JSON.
//
// Chat messages use an empty ID to mark a pending local echo: a message
// the client has rendered optimistically but the server has not yet
// confirmed. Server-confirmed messages always carry a non-empty ID.
package wire
