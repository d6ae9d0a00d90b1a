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

package audio

import (
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newInitializedMock(t *testing.T) *MockAudioBackend {
	t.Helper()
	backend := NewMockAudioBackend()
	backend.SetSimulateRealTiming(false)
	require.NoError(t, backend.Initialize())
	t.Cleanup(func() { _ = backend.Terminate() }) // Ignore errors during test cleanup
	return backend
}

func TestMockBackendLifecycle(t *testing.T) {
	t.Run("backend_initialization_error", func(t *testing.T) {
		backend := NewMockAudioBackend()
		backend.SetInitError(fmt.Errorf("hardware initialization failed"))

		err := backend.Initialize()
		require.Error(t, err, "should fail initialization")
		assert.Contains(t, err.Error(), "hardware initialization failed")
	})

	t.Run("stream_before_initialize", func(t *testing.T) {
		backend := NewMockAudioBackend()
		_, err := backend.CreateInputStream(16000, 1, 256)
		assert.Error(t, err)
	})

	t.Run("create_stream_error", func(t *testing.T) {
		backend := newInitializedMock(t)
		backend.SetCreateStreamError(fmt.Errorf("device busy"))

		_, err := backend.CreateOutputStream(16000, 1, 256)
		assert.EqualError(t, err, "device busy")
	})

	t.Run("invalid_stream_parameters", func(t *testing.T) {
		backend := newInitializedMock(t)
		_, err := backend.CreateInputStream(16000, 0, 256)
		assert.Error(t, err)
	})

	t.Run("terminate_closes_streams", func(t *testing.T) {
		backend := NewMockAudioBackend()
		require.NoError(t, backend.Initialize())

		in, err := backend.CreateInputStream(16000, 1, 256)
		require.NoError(t, err)
		_, err = backend.CreateOutputStream(16000, 1, 256)
		require.NoError(t, err)
		require.NoError(t, in.Start())
		assert.Len(t, backend.Streams(), 2)

		require.NoError(t, backend.Terminate())
		assert.Empty(t, backend.Streams())
		assert.False(t, in.IsActive())
	})
}

func TestMockStreamOperations(t *testing.T) {
	t.Run("read_uses_generator_with_frame_clock", func(t *testing.T) {
		backend := newInitializedMock(t)
		var frames []int64
		backend.SetGenerator(func(frame int64, channels int, data []float32) {
			frames = append(frames, frame)
			for i := range data {
				data[i] = float32(frame) + float32(i)
			}
		})

		stream, err := backend.CreateInputStream(16000, 2, 128)
		require.NoError(t, err)
		require.NoError(t, stream.Start())

		data := make([]float32, 256)
		require.NoError(t, stream.Read(data))
		require.NoError(t, stream.Read(data))

		assert.Equal(t, []int64{0, 128}, frames)
		assert.Equal(t, float32(128), data[0])
	})

	t.Run("write_records_playback", func(t *testing.T) {
		backend := newInitializedMock(t)
		stream, err := backend.CreateOutputStream(16000, 1, 4)
		require.NoError(t, err)
		require.NoError(t, stream.Start())

		require.NoError(t, stream.Write([]float32{1, 2, 3, 4}))
		require.NoError(t, stream.Write([]float32{5, 6}))

		played := backend.GetPlaybackAudioData()
		require.Len(t, played, 2)
		assert.Equal(t, []float32{1, 2, 3, 4}, played[0])
		assert.Equal(t, []float32{5, 6, 0, 0}, played[1], "short writes are padded with silence")
	})

	t.Run("direction_and_state_checks", func(t *testing.T) {
		backend := newInitializedMock(t)
		in, err := backend.CreateInputStream(16000, 1, 4)
		require.NoError(t, err)
		out, err := backend.CreateOutputStream(16000, 1, 4)
		require.NoError(t, err)

		buf := make([]float32, 4)
		assert.Error(t, in.Read(buf), "read before start")
		require.NoError(t, in.Start())
		require.NoError(t, out.Start())
		assert.Error(t, in.Start(), "double start")
		assert.Error(t, in.Write(buf))
		assert.Error(t, out.Read(buf))

		require.NoError(t, in.Close())
		assert.NoError(t, in.Close(), "double close")
		assert.Error(t, in.Read(buf))
	})

	t.Run("error_injection", func(t *testing.T) {
		backend := newInitializedMock(t)
		s, err := backend.CreateInputStream(16000, 1, 4)
		require.NoError(t, err)
		in := s.(*MockStream)

		in.SetStartError(fmt.Errorf("start failed"))
		assert.EqualError(t, in.Start(), "start failed")
		in.SetStartError(nil)
		require.NoError(t, in.Start())

		in.SetReadError(fmt.Errorf("device unplugged"))
		assert.EqualError(t, in.Read(make([]float32, 4)), "device unplugged")

		o, err := backend.CreateOutputStream(16000, 1, 4)
		require.NoError(t, err)
		out := o.(*MockStream)
		require.NoError(t, out.Start())
		out.SetWriteError(fmt.Errorf("write failed"))
		assert.EqualError(t, out.Write(make([]float32, 4)), "write failed")
	})
}

func TestMockTimingSimulation(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping timing test in short mode")
	}

	backend := NewMockAudioBackend()
	require.NoError(t, backend.Initialize())
	defer func() { _ = backend.Terminate() }() // Ignore errors during test cleanup

	stream, err := backend.CreateInputStream(8000, 1, 400)
	require.NoError(t, err)
	require.NoError(t, stream.Start())

	data := make([]float32, 400)
	start := time.Now()
	for i := 0; i < 4; i++ {
		require.NoError(t, stream.Read(data))
	}

	// 4 buffers of 50ms each
	assert.GreaterOrEqual(t, time.Since(start), 190*time.Millisecond)
}

func TestSineGenerator(t *testing.T) {
	gen := SineGenerator(8000, 1000, 0.5)
	data := make([]float32, 16)
	gen(0, 2, data)

	for i := 0; i < 8; i++ {
		want := 0.5 * math.Sin(2*math.Pi*1000*float64(i)/8000)
		assert.InDelta(t, want, data[2*i], 1e-6, "left sample %d", i)
		assert.Equal(t, data[2*i], data[2*i+1], "channels carry the same tone")
	}
}
