// Copyright 2026 The Terminus Authors
// SPDX-License-Identifier: Apache-2.0

// Package chat holds the client-side conversation state: ordered
// message history, optimistic local echoes, and unread accounting.
//
// The central problem is reconciliation. An outgoing message is shown
// immediately as a local echo (no server id yet) and the server later
// broadcasts the confirmed copy back on the conversation topic. [Store]
// merges the two without duplicate bubbles: a confirmed message that
// matches a recent pending echo on sender, content, and conversation
// replaces the echo in place, preserving its position; anything else
// appends in arrival order. Confirmed messages dedupe on server id, so
// redelivery is harmless.
//
// Unread counts follow the active-conversation rule: messages arriving
// for the active conversation are read immediately, messages for
// background conversations increment that conversation's unread count
// until it is activated. Server-computed conversation summaries are
// mirrored, not recomputed; the local unread count overlays the
// server's where fresher.
package chat
