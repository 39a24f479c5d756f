// Copyright 2026 The Terminus Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for the Terminus
// realtime client.
//
// Configuration is loaded from a single YAML file specified by:
//   - TERMINUS_CONFIG environment variable, or
//   - --config flag passed to the command
//
// There are no fallbacks or automatic discovery. The config file is the
// single source of truth; environment variables do not override values.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the master configuration for the realtime client.
type Config struct {
	// Backend configures the REST API client.
	Backend BackendConfig `yaml:"backend"`

	// Bus configures the realtime websocket connection.
	Bus BusConfig `yaml:"bus"`

	// Destinations names the bus destination templates. The server owns
	// destination naming; these templates mirror its layout.
	Destinations DestinationsConfig `yaml:"destinations"`

	// Call configures WebRTC voice calls.
	Call CallConfig `yaml:"call"`
}

// BackendConfig configures the REST API client.
type BackendConfig struct {
	// BaseURL is the backend origin, e.g. "https://api.terminus.example".
	BaseURL string `yaml:"base_url"`

	// Token is the bearer token for authenticated requests.
	Token string `yaml:"token"`
}

// BusConfig configures the realtime websocket connection. Durations are
// Go duration strings ("10s", "1m30s").
type BusConfig struct {
	// URL is the websocket endpoint, e.g. "wss://rt.terminus.example/bus".
	URL string `yaml:"url"`

	// HeartbeatInterval is how often the client pings the server.
	// Default: 10s
	HeartbeatInterval string `yaml:"heartbeat_interval"`

	// HeartbeatTimeout is how long server silence is tolerated before
	// the connection is considered dead. Default: 25s
	HeartbeatTimeout string `yaml:"heartbeat_timeout"`

	// ReconnectDelay is the fixed delay between automatic reconnect
	// attempts. Default: 3s
	ReconnectDelay string `yaml:"reconnect_delay"`
}

// DestinationsConfig holds the destination templates. "{user}" expands
// to the local user id and "{conversation}" to a conversation id.
type DestinationsConfig struct {
	// Queue is the personal notification queue. Default: /user/{user}/queue
	Queue string `yaml:"queue"`

	// Conversation is the per-conversation message topic.
	// Default: /topic/chat.{conversation}
	Conversation string `yaml:"conversation"`

	// Signal is the per-conversation call-signal topic.
	// Default: /topic/call.{conversation}
	Signal string `yaml:"signal"`
}

// CallConfig configures WebRTC voice calls.
type CallConfig struct {
	// ICEServers are STUN/TURN URLs. Default: a public STUN server.
	ICEServers []string `yaml:"ice_servers"`
}

// Default returns the default configuration. Endpoint URLs and the
// token have no defaults; the config file must provide them.
func Default() *Config {
	return &Config{
		Bus: BusConfig{
			HeartbeatInterval: "10s",
			HeartbeatTimeout:  "25s",
			ReconnectDelay:    "3s",
		},
		Destinations: DestinationsConfig{
			Queue:        "/user/{user}/queue",
			Conversation: "/topic/chat.{conversation}",
			Signal:       "/topic/call.{conversation}",
		},
		Call: CallConfig{
			ICEServers: []string{"stun:stun.l.google.com:19302"},
		},
	}
}

// Load loads configuration from the file named by TERMINUS_CONFIG.
func Load() (*Config, error) {
	configPath := os.Getenv("TERMINUS_CONFIG")
	if configPath == "" {
		return nil, fmt.Errorf("TERMINUS_CONFIG environment variable not set; " +
			"set it to the path of your terminus.yaml config file, or use --config flag")
	}
	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path, merging over
// the defaults, and validates the result.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	// ${VAR} references expand before parsing so tokens can live in the
	// environment instead of the file.
	data = []byte(os.ExpandEnv(string(data)))
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks that required fields are present and well formed.
func (c *Config) Validate() error {
	if c.Backend.BaseURL == "" {
		return fmt.Errorf("backend.base_url is required")
	}
	if c.Bus.URL == "" {
		return fmt.Errorf("bus.url is required")
	}
	if _, _, _, err := c.Bus.Timeouts(); err != nil {
		return err
	}
	if !strings.Contains(c.Destinations.Queue, "{user}") {
		return fmt.Errorf("destinations.queue must contain {user}")
	}
	if !strings.Contains(c.Destinations.Conversation, "{conversation}") {
		return fmt.Errorf("destinations.conversation must contain {conversation}")
	}
	if !strings.Contains(c.Destinations.Signal, "{conversation}") {
		return fmt.Errorf("destinations.signal must contain {conversation}")
	}
	return nil
}

// Timeouts parses the bus duration strings. Empty strings mean the
// session's own defaults.
func (b BusConfig) Timeouts() (heartbeatInterval, heartbeatTimeout, reconnectDelay time.Duration, err error) {
	parse := func(name, value string) (time.Duration, error) {
		if value == "" {
			return 0, nil
		}
		d, err := time.ParseDuration(value)
		if err != nil {
			return 0, fmt.Errorf("bus.%s: %w", name, err)
		}
		if d <= 0 {
			return 0, fmt.Errorf("bus.%s must be positive, got %s", name, value)
		}
		return d, nil
	}

	if heartbeatInterval, err = parse("heartbeat_interval", b.HeartbeatInterval); err != nil {
		return 0, 0, 0, err
	}
	if heartbeatTimeout, err = parse("heartbeat_timeout", b.HeartbeatTimeout); err != nil {
		return 0, 0, 0, err
	}
	if reconnectDelay, err = parse("reconnect_delay", b.ReconnectDelay); err != nil {
		return 0, 0, 0, err
	}
	return heartbeatInterval, heartbeatTimeout, reconnectDelay, nil
}

// QueueFor expands the personal queue template for a user.
func (d DestinationsConfig) QueueFor(userID string) string {
	return strings.ReplaceAll(d.Queue, "{user}", userID)
}

// ConversationTopic expands the message-topic template.
func (d DestinationsConfig) ConversationTopic(conversationID string) string {
	return strings.ReplaceAll(d.Conversation, "{conversation}", conversationID)
}

// SignalTopic expands the call-signal-topic template.
func (d DestinationsConfig) SignalTopic(conversationID string) string {
	return strings.ReplaceAll(d.Signal, "{conversation}", conversationID)
}
