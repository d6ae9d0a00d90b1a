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

package playthrough

import (
	"fmt"
)

// Source selects what feeds the ring buffer.
type Source string

const (
	// SourceDevice captures from the default input device.
	SourceDevice Source = "device"
	// SourceExternal leaves the producer side to the caller, for example a
	// network subscriber storing into RingBuffer().
	SourceExternal Source = "external"
)

// Config holds play-through configuration.
type Config struct {
	// DeviceID names this node in published events and subjects.
	DeviceID string

	// Source selects the producer. Default: SourceDevice
	Source Source

	// SampleRate in Hz. Default: 48000
	SampleRate float64

	// Channels per frame. Default: 2
	Channels int

	// FramesPerBuffer is the device buffer size in frames. Default: 512
	FramesPerBuffer int

	// CapacityMultiplier sizes the ring buffer in device buffers. Default: 3
	CapacityMultiplier int

	// LatencyBuffers is how many device buffers the render side trails the
	// newest stored frame after a resync. Default: 1
	LatencyBuffers int

	// ResyncAfter is the number of consecutive underruns after which the
	// render side realigns to the stored window. Default: 4
	ResyncAfter int

	// EventBuffer is the capacity of the event channel. Default: 64
	EventBuffer int

	// MixFrequency is the tone mixed into the rendered output, in Hz.
	MixFrequency float64

	// MixGain is the tone amplitude in [0, 1]. Zero disables the mix. Default: 0
	MixGain float32
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		DeviceID:           "playthrough-001",
		Source:             SourceDevice,
		SampleRate:         48000,
		Channels:           2,
		FramesPerBuffer:    512,
		CapacityMultiplier: 3,
		LatencyBuffers:     1,
		ResyncAfter:        4,
		EventBuffer:        64,
		MixFrequency:       440,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.DeviceID == "" {
		return fmt.Errorf("device id must not be empty")
	}
	if c.Source != SourceDevice && c.Source != SourceExternal {
		return fmt.Errorf("unknown source %q", c.Source)
	}
	if c.SampleRate <= 0 {
		return fmt.Errorf("sample rate must be positive, got %v", c.SampleRate)
	}
	if c.Channels <= 0 || c.Channels > 255 {
		return fmt.Errorf("channels must be in [1, 255], got %d", c.Channels)
	}
	if c.FramesPerBuffer <= 0 {
		return fmt.Errorf("frames per buffer must be positive, got %d", c.FramesPerBuffer)
	}
	if c.CapacityMultiplier < 2 {
		return fmt.Errorf("capacity multiplier must be at least 2, got %d", c.CapacityMultiplier)
	}
	if c.LatencyBuffers < 0 || c.LatencyBuffers >= c.CapacityMultiplier {
		return fmt.Errorf("latency buffers must be in [0, %d), got %d", c.CapacityMultiplier, c.LatencyBuffers)
	}
	if c.ResyncAfter <= 0 {
		return fmt.Errorf("resync threshold must be positive, got %d", c.ResyncAfter)
	}
	if c.EventBuffer < 0 {
		return fmt.Errorf("event buffer must not be negative, got %d", c.EventBuffer)
	}
	if c.MixGain < 0 || c.MixGain > 1 {
		return fmt.Errorf("mix gain must be in [0, 1], got %v", c.MixGain)
	}
	if c.MixGain > 0 && (c.MixFrequency <= 0 || c.MixFrequency >= c.SampleRate/2) {
		return fmt.Errorf("mix frequency must be in (0, %v), got %v", c.SampleRate/2, c.MixFrequency)
	}
	return nil
}

// CapacityFrames is the requested ring buffer capacity in frames.
func (c Config) CapacityFrames() uint32 {
	return uint32(c.FramesPerBuffer * c.CapacityMultiplier)
}

// LatencyFrames is the render-side trailing distance in frames.
func (c Config) LatencyFrames() int64 {
	return int64(c.FramesPerBuffer * c.LatencyBuffers)
}
