// Copyright 2026 The Terminus Authors
// SPDX-License-Identifier: Apache-2.0

//go:build !linux || !cgo

package call

import (
	"fmt"
	"log/slog"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
)

// newAudioPeerConnection creates a receive-only PeerConnection.
// Microphone capture via pion/mediadevices needs platform drivers that
// are only wired up on Linux; other platforms still receive remote
// audio.
func newAudioPeerConnection(servers []string, logger *slog.Logger) (*webrtc.PeerConnection, func(), error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, nil, fmt.Errorf("call: registering codecs: %w", err)
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, nil, fmt.Errorf("call: registering interceptors: %w", err)
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
	)
	pc, err := api.NewPeerConnection(iceConfiguration(servers))
	if err != nil {
		return nil, nil, fmt.Errorf("call: creating peer connection: %w", err)
	}

	logger.Debug("call: no capture driver on this platform, receive-only")
	if err := addRecvOnlyAudio(pc); err != nil {
		pc.Close()
		return nil, nil, err
	}
	return pc, func() {}, nil
}
