// Copyright 2026 The Terminus Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil holds small helpers shared by the realtime client's
// tests: channel receives with a timeout safety valve, so a broken
// dispatch path fails the test instead of hanging the run.
package testutil

import (
	"time"
)

// failer is the subset of *testing.T the helpers need.
type failer interface {
	Helper()
	Fatalf(format string, args ...any)
}

// RequireReceive reads one value from ch within timeout, or fails the
// test.
func RequireReceive[T any](t failer, ch <-chan T, timeout time.Duration, msg string) T {
	t.Helper()
	select {
	case v, ok := <-ch:
		if !ok {
			t.Fatalf("channel closed without a value: %s", msg)
		}
		return v
	case <-time.After(timeout):
		t.Fatalf("timed out after %v: %s", timeout, msg)
	}
	panic("unreachable")
}

// RequireClosed waits for ch to close (or deliver) within timeout, or
// fails the test. Use for readiness channels that signal by closing.
func RequireClosed(t failer, ch <-chan struct{}, timeout time.Duration, msg string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(timeout):
		t.Fatalf("timed out after %v waiting for close: %s", timeout, msg)
	}
}

// RequireNoReceive asserts that ch stays silent for the full window.
// The window should be short; this is for "nothing must happen" checks
// such as dropped frames after unsubscribe.
func RequireNoReceive[T any](t failer, ch <-chan T, window time.Duration, msg string) {
	t.Helper()
	select {
	case v := <-ch:
		t.Fatalf("unexpected value %v: %s", v, msg)
	case <-time.After(window):
	}
}
