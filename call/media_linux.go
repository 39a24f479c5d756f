// Copyright 2026 The Terminus Authors
// SPDX-License-Identifier: Apache-2.0

//go:build linux && cgo

package call

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/webrtc/v4"
)

// newAudioPeerConnection creates a PeerConnection with the local
// microphone captured via pion/mediadevices (malgo on Linux) and
// attached as an Opus track. When no microphone can be opened the call
// proceeds receive-only rather than failing outright; a one-way call
// beats no call.
func newAudioPeerConnection(servers []string, logger *slog.Logger) (*webrtc.PeerConnection, func(), error) {
	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, nil, fmt.Errorf("call: configuring opus encoder: %w", err)
	}
	codecSelector := mediadevices.NewCodecSelector(
		mediadevices.WithAudioEncoders(&opusParams),
	)

	mediaEngine := &webrtc.MediaEngine{}
	codecSelector.Populate(mediaEngine)

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

	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Audio: func(_ *mediadevices.MediaTrackConstraints) {},
		Codec: codecSelector,
	})
	if err != nil {
		logger.Warn("call: opening microphone failed, proceeding receive-only", "error", err)
		if err := addRecvOnlyAudio(pc); err != nil {
			pc.Close()
			return nil, nil, err
		}
		return pc, func() {}, nil
	}

	tracks := stream.GetTracks()
	for _, track := range tracks {
		if _, err := pc.AddTrack(track); err != nil {
			for _, t := range tracks {
				t.Close()
			}
			pc.Close()
			return nil, nil, fmt.Errorf("call: attaching audio track: %w", err)
		}
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			for _, track := range tracks {
				track.Close()
			}
		})
	}
	return pc, release, nil
}
