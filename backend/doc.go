// Copyright 2026 The Terminus Authors
// SPDX-License-Identifier: Apache-2.0

// Package backend is the REST client for the Terminus chat backend. It
// covers only what the realtime client needs: conversation history,
// the conversation listing with server-side unread aggregates, read
// receipts, and the caller's own identity. Booking, payment, and the
// rest of the platform API are out of scope here.
package backend
