// Copyright 2026 The Terminus Authors
// SPDX-License-Identifier: Apache-2.0

package main

import "github.com/charmbracelet/bubbles/key"

// keyMap defines the key bindings for the chat TUI.
type keyMap struct {
	// Conversation list navigation.
	Up   key.Binding
	Down key.Binding
	Open key.Binding

	// Focus switching between the list and the message input.
	FocusToggle key.Binding

	// Call control. Accept and Decline are only consulted while a call
	// is ringing, so their plain letters do not collide with typing.
	Call    key.Binding
	HangUp  key.Binding
	Accept  key.Binding
	Decline key.Binding

	Quit key.Binding
}

var defaultKeyMap = keyMap{
	Up: key.NewBinding(
		key.WithKeys("k", "up"),
		key.WithHelp("k/↑", "up"),
	),
	Down: key.NewBinding(
		key.WithKeys("j", "down"),
		key.WithHelp("j/↓", "down"),
	),
	Open: key.NewBinding(
		key.WithKeys("enter"),
		key.WithHelp("enter", "open"),
	),
	FocusToggle: key.NewBinding(
		key.WithKeys("tab"),
		key.WithHelp("tab", "switch focus"),
	),
	Call: key.NewBinding(
		key.WithKeys("ctrl+o"),
		key.WithHelp("C-o", "call"),
	),
	HangUp: key.NewBinding(
		key.WithKeys("ctrl+g"),
		key.WithHelp("C-g", "hang up"),
	),
	Accept: key.NewBinding(
		key.WithKeys("a"),
		key.WithHelp("a", "accept"),
	),
	Decline: key.NewBinding(
		key.WithKeys("d"),
		key.WithHelp("d", "decline"),
	),
	Quit: key.NewBinding(
		key.WithKeys("ctrl+c"),
		key.WithHelp("C-c", "quit"),
	),
}
