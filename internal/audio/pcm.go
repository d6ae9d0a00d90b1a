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
	"encoding/binary"
	"fmt"
	"math"
)

// BytesPerSample is the size of one float32 sample in a channel buffer
const BytesPerSample = 4

// NewChannelBuffers allocates one byte buffer per channel, each holding frames samples
func NewChannelBuffers(channels, frames int) [][]byte {
	bufs := make([][]byte, channels)
	for ch := range bufs {
		bufs[ch] = make([]byte, frames*BytesPerSample)
	}
	return bufs
}

// Deinterleave splits interleaved float32 samples into per-channel
// little-endian byte buffers and returns the number of frames converted.
func Deinterleave(src []float32, channels int, dst [][]byte) (int, error) {
	if channels <= 0 || len(dst) != channels {
		return 0, fmt.Errorf("deinterleave: %d channel buffers for %d channels", len(dst), channels)
	}

	frames := len(src) / channels
	for ch, buf := range dst {
		if len(buf) < frames*BytesPerSample {
			return 0, fmt.Errorf("deinterleave: channel %d buffer holds %d bytes, need %d", ch, len(buf), frames*BytesPerSample)
		}
	}

	for i := 0; i < frames; i++ {
		for ch := 0; ch < channels; ch++ {
			binary.LittleEndian.PutUint32(dst[ch][i*BytesPerSample:], math.Float32bits(src[i*channels+ch]))
		}
	}
	return frames, nil
}

// Interleave merges per-channel little-endian byte buffers into interleaved
// float32 samples and returns the number of frames converted.
func Interleave(src [][]byte, channels int, dst []float32) (int, error) {
	if channels <= 0 || len(src) != channels {
		return 0, fmt.Errorf("interleave: %d channel buffers for %d channels", len(src), channels)
	}

	frames := len(dst) / channels
	for _, buf := range src {
		frames = min(frames, len(buf)/BytesPerSample)
	}

	for i := 0; i < frames; i++ {
		for ch := 0; ch < channels; ch++ {
			dst[i*channels+ch] = math.Float32frombits(binary.LittleEndian.Uint32(src[ch][i*BytesPerSample:]))
		}
	}
	return frames, nil
}

// Mix adds src into dst sample by sample, up to the shorter length.
func Mix(dst, src []float32) {
	n := min(len(dst), len(src))
	for i := 0; i < n; i++ {
		dst[i] += src[i]
	}
}
