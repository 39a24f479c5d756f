// Copyright 2026 The Terminus Authors
// SPDX-License-Identifier: Apache-2.0

// terminus-chat is a terminal chat client for the Terminus realtime
// platform. It connects to the message bus and the REST backend,
// mirrors the conversation list, and supports text messaging and
// one-to-one voice calls.
//
// Configuration comes from a YAML file named by the TERMINUS_CONFIG
// environment variable or the --config flag. See the config package
// for the file format.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/terminus-mobility/realtime/backend"
	"github.com/terminus-mobility/realtime/bus"
	"github.com/terminus-mobility/realtime/call"
	"github.com/terminus-mobility/realtime/client"
	"github.com/terminus-mobility/realtime/config"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath string
	var conversationID string
	var logOutput string

	flagSet := pflag.NewFlagSet("terminus-chat", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to terminus.yaml (default: $TERMINUS_CONFIG)")
	flagSet.StringVar(&conversationID, "conversation", "", "open this conversation on startup")
	flagSet.StringVar(&logOutput, "log-output", "", "write JSON log records to this file")
	flagSet.BoolP("help", "h", false, "show help")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			printHelp(flagSet)
			return nil
		}
		return err
	}
	if help, _ := flagSet.GetBool("help"); help {
		printHelp(flagSet)
		return nil
	}
	if args := flagSet.Args(); len(args) > 0 {
		return fmt.Errorf("unexpected argument: %s", args[0])
	}

	if !term.IsTerminal(int(os.Stdout.Fd())) {
		return fmt.Errorf("terminus-chat requires an interactive terminal")
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// Stderr would corrupt the alt-screen display, so logging goes to a
	// file when requested and is discarded otherwise.
	logger, closeLogger, err := newLogger(logOutput)
	if err != nil {
		return err
	}
	defer closeLogger()

	restClient, err := backend.NewClient(backend.Config{
		BaseURL: cfg.Backend.BaseURL,
		Token:   cfg.Backend.Token,
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	heartbeatInterval, heartbeatTimeout, reconnectDelay, err := cfg.Bus.Timeouts()
	if err != nil {
		return err
	}
	header := http.Header{}
	if cfg.Backend.Token != "" {
		header.Set("Authorization", "Bearer "+cfg.Backend.Token)
	}

	realtime, err := client.New(client.Options{
		Backend:           restClient,
		BusURL:            cfg.Bus.URL,
		BusHeader:         header,
		Destinations:      cfg.Destinations,
		HeartbeatInterval: heartbeatInterval,
		HeartbeatTimeout:  heartbeatTimeout,
		ReconnectDelay:    reconnectDelay,
		ICEServers:        cfg.Call.ICEServers,
		Logger:            logger,
	})
	if err != nil {
		return err
	}
	defer realtime.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := realtime.Start(ctx); err != nil {
		return err
	}

	program := tea.NewProgram(newModel(realtime, conversationID), tea.WithAltScreen())

	// Bus and call events arrive on session goroutines; forward them
	// into the bubbletea message loop.
	realtime.AddStateListener(func(state bus.State) {
		program.Send(busStateMsg{state: state})
	})
	realtime.Calls().AddPhaseListener(func(phase call.Phase) {
		program.Send(callPhaseMsg{phase: phase})
	})

	_, err = program.Run()
	return err
}

// loadConfig resolves the config path from the flag or the environment.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	return config.Load()
}

// newLogger returns a JSON file logger when path is set, otherwise a
// logger that discards everything.
func newLogger(path string) (*slog.Logger, func(), error) {
	if path == "" {
		handler := slog.NewTextHandler(io.Discard, nil)
		return slog.New(handler), func() {}, nil
	}
	file, err := os.Create(path)
	if err != nil {
		return nil, nil, fmt.Errorf("cannot open log file %s: %w", path, err)
	}
	handler := slog.NewJSONHandler(file, &slog.HandlerOptions{Level: slog.LevelDebug})
	return slog.New(handler), func() { file.Close() }, nil
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `Terminus chat — terminal client for realtime messaging and calls.

Configuration is read from the YAML file named by TERMINUS_CONFIG or
the --config flag. The file must provide the backend base URL and the
bus websocket URL.

Usage:
  terminus-chat [flags]

Examples:
  # Connect using $TERMINUS_CONFIG
  terminus-chat

  # Open a specific conversation on startup
  terminus-chat --config ~/.config/terminus.yaml --conversation c-dispatch

Flags:
`)
	flagSet.SetOutput(os.Stderr)
	flagSet.PrintDefaults()
}
