/*
 * This file is part of Loqa (https://github.com/loqalabs/loqa).
 * Copyright (C) 2025 Loqa Labs
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program. If not, see <https://www.gnu.org/licenses/>.
 */

package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loqalabs/loqa-playthrough-go/internal/audio"
	"github.com/loqalabs/loqa-playthrough-go/internal/playthrough"
)

func TestParseFlags(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		opts, err := parseFlags(nil)
		require.NoError(t, err)
		assert.Equal(t, playthrough.DefaultConfig(), opts.config)
		assert.Equal(t, "nats://localhost:4222", opts.natsURL)
		assert.Equal(t, 10*time.Second, opts.statsInterval)
	})

	t.Run("overrides", func(t *testing.T) {
		opts, err := parseFlags([]string{
			"-id", "kitchen",
			"-source", "external",
			"-rate", "44100",
			"-channels", "1",
			"-frames", "256",
			"-multiplier", "4",
			"-latency", "2",
			"-resync", "8",
			"-mix-freq", "880",
			"-mix-gain", "0.25",
			"-nats", "nats://hub:4222",
			"-stats", "0",
		})
		require.NoError(t, err)

		cfg := opts.config
		assert.Equal(t, "kitchen", cfg.DeviceID)
		assert.Equal(t, playthrough.SourceExternal, cfg.Source)
		assert.Equal(t, 44100.0, cfg.SampleRate)
		assert.Equal(t, 1, cfg.Channels)
		assert.Equal(t, 256, cfg.FramesPerBuffer)
		assert.Equal(t, 4, cfg.CapacityMultiplier)
		assert.Equal(t, 2, cfg.LatencyBuffers)
		assert.Equal(t, 8, cfg.ResyncAfter)
		assert.Equal(t, 880.0, cfg.MixFrequency)
		assert.Equal(t, float32(0.25), cfg.MixGain)
		assert.Equal(t, uint32(1024), cfg.CapacityFrames())
		assert.Equal(t, "nats://hub:4222", opts.natsURL)
		assert.Zero(t, opts.statsInterval)
		assert.False(t, opts.publish)
	})

	t.Run("publish_captured_frames", func(t *testing.T) {
		opts, err := parseFlags([]string{"-publish"})
		require.NoError(t, err)
		assert.True(t, opts.publish)
	})

	invalid := []struct {
		name string
		args []string
	}{
		{"unknown_source", []string{"-source", "file"}},
		{"zero_channels", []string{"-channels", "0"}},
		{"multiplier_too_small", []string{"-multiplier", "1"}},
		{"latency_exceeds_capacity", []string{"-multiplier", "3", "-latency", "3"}},
		{"external_without_nats", []string{"-source", "external", "-nats", ""}},
		{"unknown_flag", []string{"-hub", "http://localhost:3000"}},
		{"mix_gain_above_one", []string{"-mix-gain", "2"}},
		{"publish_without_nats", []string{"-publish", "-nats", ""}},
		{"publish_external_source", []string{"-publish", "-source", "external"}},
	}
	for _, tc := range invalid {
		t.Run(tc.name, func(t *testing.T) {
			_, err := parseFlags(tc.args)
			assert.Error(t, err)
		})
	}
}

func TestParseFlags_Help(t *testing.T) {
	_, err := parseFlags([]string{"-h"})
	assert.True(t, errors.Is(err, flag.ErrHelp))
}

func TestRun_WithoutNATS(t *testing.T) {
	opts, err := parseFlags([]string{"-nats", "", "-frames", "64", "-stats", "20ms"})
	require.NoError(t, err)

	backend := audio.NewMockAudioBackend()
	backend.SetSimulateRealTiming(true)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	require.NoError(t, run(ctx, opts, backend))
	assert.NotEmpty(t, backend.GetPlaybackAudioData(), "audio should have been rendered")
	assert.Empty(t, backend.Streams(), "streams are closed on shutdown")
}

func TestRun_AudioInitFailure(t *testing.T) {
	opts, err := parseFlags([]string{"-nats", ""})
	require.NoError(t, err)

	backend := audio.NewMockAudioBackend()
	backend.SetInitError(io.ErrUnexpectedEOF)

	err = run(context.Background(), opts, backend)
	require.Error(t, err)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}
