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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeinterleaveInterleave(t *testing.T) {
	tests := []struct {
		name     string
		channels int
		samples  []float32
	}{
		{"mono", 1, []float32{0.1, -0.2, 0.3}},
		{"stereo", 2, []float32{1, -1, 0.5, -0.5, 0.25, -0.25}},
		{"six_channels", 6, []float32{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}},
		{"empty", 2, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frames := len(tt.samples) / tt.channels
			bufs := NewChannelBuffers(tt.channels, frames)

			n, err := Deinterleave(tt.samples, tt.channels, bufs)
			require.NoError(t, err)
			assert.Equal(t, frames, n)

			out := make([]float32, len(tt.samples))
			n, err = Interleave(bufs, tt.channels, out)
			require.NoError(t, err)
			assert.Equal(t, frames, n)
			if frames > 0 {
				assert.Equal(t, tt.samples, out)
			}
		})
	}
}

func TestDeinterleave_ChannelLayout(t *testing.T) {
	bufs := NewChannelBuffers(2, 2)
	_, err := Deinterleave([]float32{1, 2, 3, 4}, 2, bufs)
	require.NoError(t, err)

	// 1.0 = 0x3F800000, little endian
	assert.Equal(t, []byte{0x00, 0x00, 0x80, 0x3F}, bufs[0][:4])
	// 4.0 = 0x40800000
	assert.Equal(t, []byte{0x00, 0x00, 0x80, 0x40}, bufs[1][4:])
}

func TestPCMErrors(t *testing.T) {
	t.Run("channel_count_mismatch", func(t *testing.T) {
		_, err := Deinterleave(make([]float32, 4), 2, NewChannelBuffers(1, 4))
		assert.Error(t, err)

		_, err = Interleave(NewChannelBuffers(3, 4), 2, make([]float32, 8))
		assert.Error(t, err)
	})

	t.Run("zero_channels", func(t *testing.T) {
		_, err := Deinterleave(nil, 0, nil)
		assert.Error(t, err)
	})

	t.Run("short_channel_buffer", func(t *testing.T) {
		bufs := NewChannelBuffers(2, 1)
		_, err := Deinterleave(make([]float32, 4), 2, bufs)
		assert.Error(t, err)
	})

	t.Run("interleave_clamps_to_shortest", func(t *testing.T) {
		bufs := [][]byte{make([]byte, 8), make([]byte, 4)}
		n, err := Interleave(bufs, 2, make([]float32, 8))
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})
}

func TestMix(t *testing.T) {
	dst := []float32{0.5, -0.25, 0, 1}
	Mix(dst, []float32{0.25, 0.25, -0.5})
	assert.Equal(t, []float32{0.75, 0, -0.5, 1}, dst, "samples past the shorter slice are untouched")
}
