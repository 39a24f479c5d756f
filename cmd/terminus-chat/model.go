// Copyright 2026 The Terminus Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/terminus-mobility/realtime/bus"
	"github.com/terminus-mobility/realtime/call"
	"github.com/terminus-mobility/realtime/chat"
	"github.com/terminus-mobility/realtime/client"
	"github.com/terminus-mobility/realtime/wire"
)

// focusRegion identifies which pane has keyboard focus.
type focusRegion int

const (
	// focusList means navigation keys move the conversation cursor.
	focusList focusRegion = iota
	// focusInput means keystrokes go to the message input.
	focusInput
)

// refreshInterval drives the periodic store snapshot. Frames arrive on
// session goroutines and mutate the store directly; the TUI re-reads it
// on a short tick instead of plumbing every store change through the
// message loop.
const refreshInterval = 250 * time.Millisecond

// listWidth is the fixed width of the conversation sidebar.
const listWidth = 28

// busStateMsg wraps a connection-state transition for the message loop.
type busStateMsg struct {
	state bus.State
}

// callPhaseMsg wraps a call-phase transition for the message loop.
type callPhaseMsg struct {
	phase call.Phase
}

// refreshTickMsg re-reads the store snapshot.
type refreshTickMsg struct{}

// conversationOpenedMsg reports the result of an OpenConversation call.
type conversationOpenedMsg struct {
	conversationID string
	err            error
}

// noticeMsg puts a transient message in the status bar, used for call
// and send failures reported from commands.
type noticeMsg struct {
	text string
}

// noticeFadeMsg clears the transient status-bar notice.
type noticeFadeMsg struct{}

// noticeFadeDelay is how long errors stay visible in the status bar.
const noticeFadeDelay = 4 * time.Second

var (
	listStyle       = lipgloss.NewStyle().BorderStyle(lipgloss.NormalBorder()).BorderRight(true).PaddingRight(1)
	selectedStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	unreadStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("203")).Bold(true)
	senderStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	ownSenderStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("81"))
	pendingStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("240")).Italic(true)
	callMarkerStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("178")).Italic(true)
	statusStyle     = lipgloss.NewStyle().Background(lipgloss.Color("236")).Foreground(lipgloss.Color("252")).Padding(0, 1)
	noticeStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("203"))
)

// model is the top-level bubbletea model for the chat TUI.
type model struct {
	client *client.Client
	keys   keyMap

	width  int
	height int
	ready  bool

	focus    focusRegion
	cursor   int
	openID   string
	initial  string // conversation requested via --conversation
	opening  string // conversation with an OpenConversation in flight
	pinned   bool   // viewport follows the newest message
	summary  []chat.Summary
	messages []wire.ChatMessage

	connState bus.State
	callPhase call.Phase
	notice    string

	input    textinput.Model
	viewport viewport.Model
}

func newModel(realtime *client.Client, initialConversation string) model {
	input := textinput.New()
	input.Placeholder = "message"
	input.CharLimit = 4000
	input.Focus()

	return model{
		client:    realtime,
		keys:      defaultKeyMap,
		focus:     focusInput,
		initial:   initialConversation,
		pinned:    true,
		summary:   realtime.Store().Summaries(),
		connState: realtime.ConnectionState(),
		callPhase: call.PhaseIdle,
		input:     input,
	}
}

func (m model) Init() tea.Cmd {
	commands := []tea.Cmd{textinput.Blink, refreshTick()}
	if m.initial != "" {
		commands = append(commands, m.openConversation(m.initial))
	}
	return tea.Batch(commands...)
}

func refreshTick() tea.Cmd {
	return tea.Tick(refreshInterval, func(time.Time) tea.Msg {
		return refreshTickMsg{}
	})
}

func noticeFade() tea.Cmd {
	return tea.Tick(noticeFadeDelay, func(time.Time) tea.Msg {
		return noticeFadeMsg{}
	})
}

// openConversation runs the blocking open off the message loop.
func (m model) openConversation(conversationID string) tea.Cmd {
	realtime := m.client
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_, err := realtime.OpenConversation(ctx, conversationID)
		return conversationOpenedMsg{conversationID: conversationID, err: err}
	}
}

func (m model) Update(message tea.Msg) (tea.Model, tea.Cmd) {
	switch message := message.(type) {
	case tea.WindowSizeMsg:
		m.width = message.Width
		m.height = message.Height
		m.layout()
		m.ready = true
		return m, nil

	case busStateMsg:
		m.connState = message.state
		return m, nil

	case callPhaseMsg:
		m.callPhase = message.phase
		return m, nil

	case refreshTickMsg:
		m.refresh()
		return m, refreshTick()

	case conversationOpenedMsg:
		if m.opening == message.conversationID {
			m.opening = ""
		}
		if message.err != nil {
			m.notice = fmt.Sprintf("history unavailable: %v", message.err)
			return m, noticeFade()
		}
		m.openID = message.conversationID
		m.pinned = true
		m.refresh()
		return m, nil

	case noticeMsg:
		m.notice = message.text
		return m, noticeFade()

	case noticeFadeMsg:
		m.notice = ""
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(message)
	}

	return m, nil
}

func (m model) handleKey(message tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(message, m.keys.Quit):
		return m, tea.Quit

	case key.Matches(message, m.keys.FocusToggle):
		if m.focus == focusList {
			m.focus = focusInput
			m.input.Focus()
		} else {
			m.focus = focusList
			m.input.Blur()
		}
		return m, nil

	case key.Matches(message, m.keys.Call):
		return m.placeCall()

	case key.Matches(message, m.keys.HangUp):
		if m.callPhase != call.PhaseIdle {
			m.client.Calls().End()
		}
		return m, nil
	}

	// Ringing intercepts accept/decline before anything else sees the
	// keystroke.
	if m.callPhase == call.PhaseRinging {
		switch {
		case key.Matches(message, m.keys.Accept):
			return m, func() tea.Msg {
				ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
				defer cancel()
				if err := m.client.Calls().Accept(ctx); err != nil {
					return noticeMsg{text: fmt.Sprintf("accept failed: %v", err)}
				}
				return nil
			}
		case key.Matches(message, m.keys.Decline):
			m.client.Calls().Decline()
			return m, nil
		}
	}

	if m.focus == focusList {
		return m.handleListKey(message)
	}
	return m.handleInputKey(message)
}

func (m model) handleListKey(message tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(message, m.keys.Up):
		if m.cursor > 0 {
			m.cursor--
		}
	case key.Matches(message, m.keys.Down):
		if m.cursor < len(m.summary)-1 {
			m.cursor++
		}
	case key.Matches(message, m.keys.Open):
		if m.cursor < len(m.summary) {
			target := m.summary[m.cursor].ConversationID
			if target != m.openID && m.opening == "" {
				m.opening = target
				m.focus = focusInput
				m.input.Focus()
				return m, m.openConversation(target)
			}
		}
	}
	return m, nil
}

func (m model) handleInputKey(message tea.KeyMsg) (tea.Model, tea.Cmd) {
	if message.Type == tea.KeyEnter {
		content := strings.TrimSpace(m.input.Value())
		if content == "" || m.openID == "" {
			return m, nil
		}
		if _, err := m.client.SendMessage(content); err != nil {
			m.notice = err.Error()
			return m, noticeFade()
		}
		m.input.Reset()
		m.pinned = true
		m.refresh()
		return m, nil
	}
	var command tea.Cmd
	m.input, command = m.input.Update(message)
	return m, command
}

// placeCall dials the other participant of an open direct conversation.
// Group calls are not supported.
func (m model) placeCall() (tea.Model, tea.Cmd) {
	if m.openID == "" {
		m.notice = "open a conversation first"
		return m, noticeFade()
	}
	current := m.currentSummary()
	if current == nil || current.Group || current.PeerID == "" {
		m.notice = "calls are one-to-one only"
		return m, noticeFade()
	}
	peerID := current.PeerID
	realtime := m.client
	return m, func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := realtime.PlaceCall(ctx, peerID); err != nil {
			return noticeMsg{text: fmt.Sprintf("call failed: %v", err)}
		}
		return nil
	}
}

func (m *model) currentSummary() *chat.Summary {
	for i := range m.summary {
		if m.summary[i].ConversationID == m.openID {
			return &m.summary[i]
		}
	}
	return nil
}

// refresh re-reads the store snapshot and re-renders the viewport.
func (m *model) refresh() {
	m.summary = m.client.Store().Summaries()
	if m.cursor >= len(m.summary) && len(m.summary) > 0 {
		m.cursor = len(m.summary) - 1
	}
	if m.openID == "" {
		return
	}
	m.messages = m.client.Store().Messages(m.openID)
	if m.ready {
		m.viewport.SetContent(m.renderMessages())
		if m.pinned {
			m.viewport.GotoBottom()
		}
	}
}

func (m *model) layout() {
	contentHeight := m.height - 3 // input line + status bar + border
	if contentHeight < 1 {
		contentHeight = 1
	}
	messageWidth := m.width - listWidth - 2
	if messageWidth < 10 {
		messageWidth = 10
	}
	if !m.ready {
		m.viewport = viewport.New(messageWidth, contentHeight)
	} else {
		m.viewport.Width = messageWidth
		m.viewport.Height = contentHeight
	}
	m.input.Width = m.width - 4
	m.viewport.SetContent(m.renderMessages())
	if m.pinned {
		m.viewport.GotoBottom()
	}
}

func (m model) View() string {
	if !m.ready {
		return "connecting..."
	}
	body := lipgloss.JoinHorizontal(lipgloss.Top,
		listStyle.Height(m.viewport.Height).Render(m.renderList()),
		m.viewport.View(),
	)
	return lipgloss.JoinVertical(lipgloss.Left,
		body,
		"> "+m.input.View(),
		m.renderStatus(),
	)
}

func (m model) renderList() string {
	var b strings.Builder
	for i, summary := range m.summary {
		name := summary.Name
		if name == "" {
			name = summary.ConversationID
		}
		line := truncate(name, listWidth-6)
		if summary.Unread > 0 {
			line += unreadStyle.Render(fmt.Sprintf(" (%d)", summary.Unread))
		}
		switch {
		case i == m.cursor && m.focus == focusList:
			line = selectedStyle.Render("> " + line)
		case summary.ConversationID == m.openID:
			line = selectedStyle.Render("* " + line)
		default:
			line = "  " + line
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}
	if len(m.summary) == 0 {
		b.WriteString("no conversations")
	}
	return b.String()
}

func (m model) renderMessages() string {
	if m.openID == "" {
		return "select a conversation (tab, then ↑/↓ and enter)"
	}
	self := m.client.Identity().UserID
	var b strings.Builder
	for _, message := range m.messages {
		if message.Kind == wire.MessageCallInvite {
			b.WriteString(callMarkerStyle.Render(fmt.Sprintf("· %s started a call", message.SenderID)))
			b.WriteByte('\n')
			continue
		}
		sender := senderStyle
		if message.SenderID == self {
			sender = ownSenderStyle
		}
		b.WriteString(sender.Render(message.SenderID + ": "))
		if message.Pending() {
			b.WriteString(pendingStyle.Render(message.Content + " …"))
		} else {
			b.WriteString(message.Content)
		}
		b.WriteByte('\n')
	}
	return b.String()
}

func (m model) renderStatus() string {
	parts := []string{
		m.client.Identity().UserID,
		connectionLabel(m.connState),
	}
	if m.callPhase != call.PhaseIdle {
		label := "call: " + m.callPhase.String()
		if info, ok := m.client.Calls().Current(); ok {
			label += " " + info.PeerID
		}
		if m.callPhase == call.PhaseRinging {
			label += "  [a]ccept [d]ecline"
		}
		parts = append(parts, label)
	}
	if m.notice != "" {
		parts = append(parts, noticeStyle.Render(m.notice))
	}
	return statusStyle.Width(m.width).Render(strings.Join(parts, "  |  "))
}

func connectionLabel(state bus.State) string {
	switch state {
	case bus.StateConnected:
		return "online"
	case bus.StateConnecting:
		return "reconnecting"
	case bus.StateError:
		return "connection error"
	default:
		return "offline"
	}
}

func truncate(s string, max int) string {
	if max < 1 || len(s) <= max {
		return s
	}
	if max <= 1 {
		return s[:max]
	}
	return s[:max-1] + "…"
}
