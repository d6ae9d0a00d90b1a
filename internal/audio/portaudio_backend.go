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
	"sync/atomic"

	"github.com/gordonklaus/portaudio"
)

// PortAudioBackend implements AudioBackend using the real PortAudio library
type PortAudioBackend struct {
	initialized bool
}

// NewPortAudioBackend creates a new PortAudio backend
func NewPortAudioBackend() *PortAudioBackend {
	return &PortAudioBackend{}
}

// Initialize initializes the PortAudio subsystem
func (p *PortAudioBackend) Initialize() error {
	if p.initialized {
		return nil
	}

	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize PortAudio: %w", err)
	}

	p.initialized = true
	return nil
}

// Terminate terminates the PortAudio subsystem
func (p *PortAudioBackend) Terminate() error {
	if !p.initialized {
		return nil
	}

	err := portaudio.Terminate()
	p.initialized = false
	return err
}

// CreateInputStream opens the default input device
func (p *PortAudioBackend) CreateInputStream(sampleRate float64, channels, framesPerBuffer int) (StreamInterface, error) {
	return p.openStream(true, sampleRate, channels, framesPerBuffer)
}

// CreateOutputStream opens the default output device
func (p *PortAudioBackend) CreateOutputStream(sampleRate float64, channels, framesPerBuffer int) (StreamInterface, error) {
	return p.openStream(false, sampleRate, channels, framesPerBuffer)
}

func (p *PortAudioBackend) openStream(input bool, sampleRate float64, channels, framesPerBuffer int) (StreamInterface, error) {
	if !p.initialized {
		return nil, fmt.Errorf("PortAudio not initialized")
	}

	params := StreamParams{SampleRate: sampleRate, Channels: channels, FramesPerBuffer: framesPerBuffer}
	if err := params.validate(); err != nil {
		return nil, err
	}

	// PortAudio reads from and writes to this buffer on every blocking call
	buffer := make([]float32, params.Samples())

	inChannels, outChannels := 0, channels
	direction := "output"
	if input {
		inChannels, outChannels = channels, 0
		direction = "input"
	}

	stream, err := portaudio.OpenDefaultStream(inChannels, outChannels, sampleRate, framesPerBuffer, buffer)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s stream: %w", direction, err)
	}

	return &PortAudioStream{
		stream:  stream,
		buffer:  buffer,
		isInput: input,
		params:  params,
	}, nil
}

// PortAudioStream implements StreamInterface using PortAudio blocking streams
type PortAudioStream struct {
	stream  *portaudio.Stream
	buffer  []float32
	isInput bool
	params  StreamParams
	active  atomic.Bool
}

// Start starts the audio stream
func (p *PortAudioStream) Start() error {
	if p.stream == nil {
		return fmt.Errorf("stream is nil")
	}
	if err := p.stream.Start(); err != nil {
		return err
	}
	p.active.Store(true)
	return nil
}

// Stop stops the audio stream
func (p *PortAudioStream) Stop() error {
	if p.stream == nil {
		return fmt.Errorf("stream is nil")
	}
	if !p.active.Swap(false) {
		return nil
	}
	return p.stream.Stop()
}

// Close closes the audio stream
func (p *PortAudioStream) Close() error {
	if p.stream == nil {
		return fmt.Errorf("stream is nil")
	}
	p.active.Store(false)
	return p.stream.Close()
}

// Write copies one buffer of samples and blocks until PortAudio accepts it
func (p *PortAudioStream) Write(data []float32) error {
	if p.stream == nil {
		return fmt.Errorf("stream is nil")
	}
	if p.isInput {
		return fmt.Errorf("cannot write to input stream")
	}

	n := copy(p.buffer, data)
	clear(p.buffer[n:])
	if err := p.stream.Write(); err != nil && err != portaudio.OutputUnderflowed {
		return err
	}
	return nil
}

// Read blocks until PortAudio has captured one buffer, then copies it out
func (p *PortAudioStream) Read(data []float32) error {
	if p.stream == nil {
		return fmt.Errorf("stream is nil")
	}
	if !p.isInput {
		return fmt.Errorf("cannot read from output stream")
	}

	if err := p.stream.Read(); err != nil {
		// Input overflow still delivers a full buffer. The samples the device
		// dropped are not counted, so capture time runs behind wall time.
		if err != portaudio.InputOverflowed {
			return err
		}
	}

	copy(data, p.buffer)
	return nil
}

// IsActive returns true between Start and Stop
func (p *PortAudioStream) IsActive() bool {
	return p.stream != nil && p.active.Load()
}

// Params returns the stream format
func (p *PortAudioStream) Params() StreamParams {
	return p.params
}

func (p StreamParams) validate() error {
	if p.SampleRate <= 0 {
		return fmt.Errorf("invalid sample rate: %v", p.SampleRate)
	}
	if p.Channels <= 0 {
		return fmt.Errorf("invalid channel count: %d", p.Channels)
	}
	if p.FramesPerBuffer <= 0 {
		return fmt.Errorf("invalid frames per buffer: %d", p.FramesPerBuffer)
	}
	return nil
}
