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

// AudioBackend opens blocking input and output streams on an audio device.
// Implementations let the play-through run against real hardware or a mock.
type AudioBackend interface {
	// Initialize the audio subsystem
	Initialize() error

	// Terminate the audio subsystem
	Terminate() error

	// CreateInputStream opens a capture stream delivering framesPerBuffer
	// interleaved frames of channels samples per Read.
	CreateInputStream(sampleRate float64, channels, framesPerBuffer int) (StreamInterface, error)

	// CreateOutputStream opens a playback stream consuming framesPerBuffer
	// interleaved frames of channels samples per Write.
	CreateOutputStream(sampleRate float64, channels, framesPerBuffer int) (StreamInterface, error)
}

// StreamInterface abstracts a blocking audio stream
type StreamInterface interface {
	// Start the audio stream
	Start() error

	// Stop the audio stream
	Stop() error

	// Close the audio stream and release resources
	Close() error

	// Write blocks until one buffer of interleaved samples has been queued for playback
	Write(data []float32) error

	// Read blocks until one buffer of interleaved samples has been captured
	Read(data []float32) error

	// IsActive returns true between Start and Stop
	IsActive() bool

	// Params returns the format the stream was opened with
	Params() StreamParams
}

// StreamParams holds the format of an open stream
type StreamParams struct {
	SampleRate      float64
	Channels        int
	FramesPerBuffer int
}

// Samples returns the number of interleaved float32 samples in one buffer
func (p StreamParams) Samples() int {
	return p.Channels * p.FramesPerBuffer
}
