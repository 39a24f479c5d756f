// Copyright 2026 The Terminus Authors
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/terminus-mobility/realtime/backend"
	"github.com/terminus-mobility/realtime/bus"
	"github.com/terminus-mobility/realtime/call"
	"github.com/terminus-mobility/realtime/chat"
	"github.com/terminus-mobility/realtime/config"
	"github.com/terminus-mobility/realtime/lib/clock"
	"github.com/terminus-mobility/realtime/wire"
)

// Options holds everything needed to build a Client.
type Options struct {
	// Backend is the REST client. Required.
	Backend *backend.Client
	// BusURL is the websocket endpoint of the bus. Required.
	BusURL string
	// BusHeader carries handshake headers (authorization). May be nil.
	BusHeader http.Header
	// Destinations are the bus destination templates.
	Destinations config.DestinationsConfig
	// HeartbeatInterval, HeartbeatTimeout, and ReconnectDelay tune the
	// session; zero means the session defaults.
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	ReconnectDelay    time.Duration
	// Factory opens call peer connections. Nil means the pion-backed
	// production factory with ICEServers.
	Factory    call.PeerConnFactory
	ICEServers []string
	// Dialer overrides the websocket dialer, for tests.
	Dialer *websocket.Dialer
	// Logger is used for structured logging. If nil, slog.Default().
	Logger *slog.Logger
	// Clock drives timers and timestamps. If nil, clock.Real().
	Clock clock.Clock
}

// Client is the UI-facing realtime session.
type Client struct {
	backend *backend.Client
	session *bus.Session
	mux     *bus.Mux
	store   *chat.Store
	dest    config.DestinationsConfig
	factory call.PeerConnFactory
	logger  *slog.Logger
	clock   clock.Clock

	// instanceID identifies this client instance in bus handshakes and
	// logs, distinguishing multiple devices of the same user.
	instanceID string

	mu       sync.Mutex
	identity backend.Identity
	calls    *call.Machine
	open     string // the active conversation, "" when none
}

// New builds a Client. It performs no I/O; call Start to connect.
func New(options Options) (*Client, error) {
	if options.Backend == nil {
		return nil, fmt.Errorf("client: Backend is required")
	}
	if options.BusURL == "" {
		return nil, fmt.Errorf("client: BusURL is required")
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cl := options.Clock
	if cl == nil {
		cl = clock.Real()
	}
	dest := options.Destinations
	if dest.Queue == "" || dest.Conversation == "" || dest.Signal == "" {
		defaults := config.Default().Destinations
		if dest.Queue == "" {
			dest.Queue = defaults.Queue
		}
		if dest.Conversation == "" {
			dest.Conversation = defaults.Conversation
		}
		if dest.Signal == "" {
			dest.Signal = defaults.Signal
		}
	}
	factory := options.Factory
	if factory == nil {
		factory = &call.Factory{ICEServers: options.ICEServers, Logger: logger}
	}

	instanceID := uuid.NewString()
	logger = logger.With("client_instance", instanceID)

	header := http.Header{}
	for name, values := range options.BusHeader {
		header[name] = values
	}
	header.Set("X-Terminus-Client-Instance", instanceID)

	session, err := bus.NewSession(bus.Config{
		URL:               options.BusURL,
		Header:            header,
		Dialer:            options.Dialer,
		Logger:            logger,
		Clock:             cl,
		HeartbeatInterval: options.HeartbeatInterval,
		HeartbeatTimeout:  options.HeartbeatTimeout,
		ReconnectDelay:    options.ReconnectDelay,
	})
	if err != nil {
		return nil, err
	}

	store, err := chat.NewStore(chat.Config{
		Fetcher: options.Backend,
		Logger:  logger,
		Clock:   cl,
	})
	if err != nil {
		return nil, err
	}

	client := &Client{
		backend:    options.Backend,
		session:    session,
		mux:        bus.NewMux(session, logger),
		store:      store,
		dest:       dest,
		factory:    factory,
		logger:     logger,
		clock:      cl,
		instanceID: instanceID,
	}
	return client, nil
}

// Start resolves the local identity, connects the bus, subscribes the
// personal notification queue, and loads the conversation list. The
// listing failing is not fatal; the client starts with an empty list
// and the UI can retry.
func (c *Client) Start(ctx context.Context) error {
	identity, err := c.backend.WhoAmI(ctx)
	if err != nil {
		return fmt.Errorf("client: resolving identity: %w", err)
	}

	machine, err := call.NewMachine(call.Config{
		Publisher:         c.mux,
		Factory:           c.factory,
		SelfID:            identity.UserID,
		SignalDestination: c.dest.SignalTopic,
		ChatDestination:   c.dest.ConversationTopic,
		Logger:            c.logger,
		Clock:             c.clock,
	})
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.identity = identity
	c.calls = machine
	c.mu.Unlock()

	// A call cannot survive losing its signaling path. Any departure
	// from Connected tears the active call down; the initial
	// Disconnected->Connecting transitions are no-ops with no call up.
	c.session.AddStateListener(func(state bus.State) {
		if state != bus.StateConnected {
			machine.ForceEnd()
		}
	})

	if err := c.session.Connect(ctx); err != nil {
		return err
	}

	c.mux.SubscribeToDestination(c.dest.QueueFor(identity.UserID), c.handleQueueFrame)

	summaries, err := c.backend.Conversations(ctx)
	if err != nil {
		c.logger.Warn("client: loading conversation list failed", "error", err)
	} else {
		c.store.SetSummaries(summaries)
	}

	c.logger.Info("client: started", "user", identity.UserID)
	return nil
}

// Close hangs up any call, disconnects the bus, and stops automatic
// reconnects.
func (c *Client) Close() error {
	c.mu.Lock()
	machine := c.calls
	c.mu.Unlock()
	if machine != nil {
		machine.End()
	}
	return c.session.Disconnect()
}

// Identity returns the local user as resolved by Start.
func (c *Client) Identity() backend.Identity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity
}

// Store exposes conversation state to the UI layer.
func (c *Client) Store() *chat.Store {
	return c.store
}

// ConnectionState reports the bus connection state for the UI's status
// indicator.
func (c *Client) ConnectionState() bus.State {
	return c.session.State()
}

// AddStateListener observes bus connection-state transitions.
func (c *Client) AddStateListener(listener func(bus.State)) {
	c.session.AddStateListener(listener)
}

// OpenConversation makes a conversation active: subscribes its message
// and call-signal topics, loads its history, and records a read
// receipt. The previous conversation's topics are released, except a
// signal topic still carrying an active call.
//
// A history failure leaves the subscription and previous messages in
// place and returns the error; the UI shows "history unavailable"
// rather than a falsely empty conversation.
func (c *Client) OpenConversation(ctx context.Context, conversationID string) ([]wire.ChatMessage, error) {
	c.mu.Lock()
	machine := c.calls
	previous := c.open
	c.open = conversationID
	c.mu.Unlock()
	if machine == nil {
		return nil, fmt.Errorf("client: not started")
	}

	if previous != "" && previous != conversationID {
		c.mux.Unsubscribe(c.dest.ConversationTopic(previous))
		if info, ok := machine.Current(); !ok || info.ConversationID != previous {
			c.mux.Unsubscribe(c.dest.SignalTopic(previous))
		}
	}

	c.store.Activate(conversationID)
	c.mux.SubscribeToDestination(c.dest.ConversationTopic(conversationID), c.handleConversationFrame)
	c.mux.SubscribeToDestination(c.dest.SignalTopic(conversationID), machine.HandleFrame)

	messages, err := c.store.LoadHistory(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if err := c.backend.MarkRead(ctx, conversationID); err != nil {
		c.logger.Warn("client: read receipt failed",
			"conversation", conversationID,
			"error", err,
		)
	}
	return messages, nil
}

// SendMessage publishes a text message to the active conversation and
// returns the local echo already inserted into the store. The echo
// stays pending until the server's broadcast replaces it; while the
// bus is disconnected the publish is dropped and the echo simply never
// confirms.
func (c *Client) SendMessage(content string) (wire.ChatMessage, error) {
	if content == "" {
		return wire.ChatMessage{}, fmt.Errorf("client: empty message")
	}
	c.mu.Lock()
	conversationID := c.open
	identity := c.identity
	c.mu.Unlock()
	if conversationID == "" {
		return wire.ChatMessage{}, fmt.Errorf("client: no open conversation")
	}

	message := wire.ChatMessage{
		ConversationID: conversationID,
		SenderID:       identity.UserID,
		Content:        content,
		Kind:           wire.MessageText,
		SentAt:         c.clock.Now(),
	}
	c.store.AppendLocalEcho(message)

	frame, err := wire.NewChatFrame(message)
	if err != nil {
		return wire.ChatMessage{}, err
	}
	c.mux.Publish(c.dest.ConversationTopic(conversationID), frame)
	return message, nil
}

// PlaceCall starts a voice call to peerID in the active conversation.
func (c *Client) PlaceCall(ctx context.Context, peerID string) error {
	c.mu.Lock()
	machine := c.calls
	conversationID := c.open
	c.mu.Unlock()
	if machine == nil {
		return fmt.Errorf("client: not started")
	}
	if conversationID == "" {
		return fmt.Errorf("client: no open conversation")
	}
	// A dropped offer would leave the machine in Offering with nothing
	// inbound to move it, so dialing needs a live signaling path up
	// front.
	if c.session.State() != bus.StateConnected {
		return bus.ErrNotConnected
	}
	return machine.PlaceCall(ctx, conversationID, peerID)
}

// Calls exposes the call state machine to the UI layer for accept,
// decline, hang up, and phase observation.
func (c *Client) Calls() *call.Machine {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

// handleQueueFrame routes personal-queue frames: notifications update
// the conversation list, anything else is dropped.
func (c *Client) handleQueueFrame(frame wire.Frame) {
	switch {
	case frame.Kind == wire.KindNotification:
		notification, err := frame.Notification()
		if err != nil {
			c.logger.Debug("client: dropping malformed notification", "error", err)
			return
		}
		c.store.ApplyNotification(notification)
	default:
		c.logger.Debug("client: dropping unexpected queue frame", "kind", frame.Kind)
	}
}

// handleConversationFrame routes frames from the active conversation's
// message topic: chat messages reconcile into the store, stray signal
// frames are forwarded to the call machine.
func (c *Client) handleConversationFrame(frame wire.Frame) {
	switch {
	case frame.Kind == wire.KindChat:
		message, err := frame.ChatMessage()
		if err != nil {
			c.logger.Debug("client: dropping malformed chat frame", "error", err)
			return
		}
		c.store.ReconcileIncoming(message)
	case frame.Kind.Signal():
		c.mu.Lock()
		machine := c.calls
		c.mu.Unlock()
		if machine != nil {
			machine.HandleFrame(frame)
		}
	default:
		c.logger.Debug("client: dropping unexpected conversation frame", "kind", frame.Kind)
	}
}
