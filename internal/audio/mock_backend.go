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
	"sync"
	"time"
)

// SampleGenerator fills one interleaved input buffer whose first frame is
// frame number frame of the stream.
type SampleGenerator func(frame int64, channels int, data []float32)

// SineGenerator returns a generator producing the same sine tone on every channel
func SineGenerator(sampleRate, frequency float64, amplitude float32) SampleGenerator {
	return func(frame int64, channels int, data []float32) {
		for i := 0; i < len(data)/channels; i++ {
			t := float64(frame+int64(i)) / sampleRate
			v := amplitude * float32(math.Sin(2*math.Pi*frequency*t))
			for ch := 0; ch < channels; ch++ {
				data[i*channels+ch] = v
			}
		}
	}
}

// MockAudioBackend implements AudioBackend for testing without hardware dependencies
type MockAudioBackend struct {
	mu                 sync.Mutex
	initialized        bool
	streams            map[string]*MockStream
	streamCounter      int
	initError          error
	createStreamError  error
	simulateRealTiming bool
	generator          SampleGenerator
	playbackAudioData  [][]float32
}

// NewMockAudioBackend creates a new mock audio backend
func NewMockAudioBackend() *MockAudioBackend {
	return &MockAudioBackend{
		streams:            make(map[string]*MockStream),
		simulateRealTiming: true,
	}
}

// SetInitError configures the backend to return an error on Initialize()
func (m *MockAudioBackend) SetInitError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.initError = err
}

// SetCreateStreamError configures the backend to return an error on stream creation
func (m *MockAudioBackend) SetCreateStreamError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.createStreamError = err
}

// SetSimulateRealTiming controls whether Read and Write pace themselves at the sample rate
func (m *MockAudioBackend) SetSimulateRealTiming(simulate bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.simulateRealTiming = simulate
}

// SetGenerator sets the input generator used by streams created afterwards
func (m *MockAudioBackend) SetGenerator(generator SampleGenerator) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.generator = generator
}

// GetPlaybackAudioData returns every buffer written to output streams, in order
func (m *MockAudioBackend) GetPlaybackAudioData() [][]float32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([][]float32, len(m.playbackAudioData))
	copy(result, m.playbackAudioData)
	return result
}

// Streams returns the streams that are currently open
func (m *MockAudioBackend) Streams() []*MockStream {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]*MockStream, 0, len(m.streams))
	for _, s := range m.streams {
		result = append(result, s)
	}
	return result
}

// Initialize initializes the mock audio subsystem
func (m *MockAudioBackend) Initialize() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.initError != nil {
		return m.initError
	}

	m.initialized = true
	return nil
}

// Terminate closes every open stream and marks the backend uninitialized
func (m *MockAudioBackend) Terminate() error {
	m.mu.Lock()
	streams := make([]*MockStream, 0, len(m.streams))
	for _, s := range m.streams {
		streams = append(streams, s)
	}
	m.mu.Unlock()

	// Stream Close takes the backend lock
	for _, s := range streams {
		_ = s.Stop()  // Ignore errors during cleanup
		_ = s.Close() // Ignore errors during cleanup
	}

	m.mu.Lock()
	m.initialized = false
	m.mu.Unlock()
	return nil
}

// CreateInputStream creates a mock input stream
func (m *MockAudioBackend) CreateInputStream(sampleRate float64, channels, framesPerBuffer int) (StreamInterface, error) {
	return m.createStream(true, sampleRate, channels, framesPerBuffer)
}

// CreateOutputStream creates a mock output stream
func (m *MockAudioBackend) CreateOutputStream(sampleRate float64, channels, framesPerBuffer int) (StreamInterface, error) {
	return m.createStream(false, sampleRate, channels, framesPerBuffer)
}

func (m *MockAudioBackend) createStream(input bool, sampleRate float64, channels, framesPerBuffer int) (*MockStream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.initialized {
		return nil, fmt.Errorf("mock audio backend not initialized")
	}

	if m.createStreamError != nil {
		return nil, m.createStreamError
	}

	params := StreamParams{SampleRate: sampleRate, Channels: channels, FramesPerBuffer: framesPerBuffer}
	if err := params.validate(); err != nil {
		return nil, err
	}

	prefix := "output"
	if input {
		prefix = "input"
	}
	streamID := fmt.Sprintf("%s_%d", prefix, m.streamCounter)
	m.streamCounter++

	generator := m.generator
	if generator == nil {
		generator = SineGenerator(sampleRate, 440, 0.1)
	}

	stream := &MockStream{
		id:                 streamID,
		backend:            m,
		params:             params,
		isInput:            input,
		isOpen:             true,
		simulateRealTiming: m.simulateRealTiming,
		generator:          generator,
	}

	m.streams[streamID] = stream
	return stream, nil
}

// MockStream implements StreamInterface for testing
type MockStream struct {
	mu                 sync.Mutex
	id                 string
	backend            *MockAudioBackend
	params             StreamParams
	isInput            bool
	isOpen             bool
	isActive           bool
	simulateRealTiming bool
	generator          SampleGenerator
	startError         error
	writeError         error
	readError          error

	// frames is the stream's sample clock; started anchors it to wall time
	frames  int64
	started time.Time
}

// ID returns the stream identifier
func (m *MockStream) ID() string {
	return m.id
}

// SetStartError configures the stream to return an error on Start()
func (m *MockStream) SetStartError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.startError = err
}

// SetWriteError configures the stream to return an error on Write()
func (m *MockStream) SetWriteError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeError = err
}

// SetReadError configures the stream to return an error on Read()
func (m *MockStream) SetReadError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readError = err
}

// Start starts the mock stream
func (m *MockStream) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.startError != nil {
		return m.startError
	}
	if !m.isOpen {
		return fmt.Errorf("stream not open")
	}
	if m.isActive {
		return fmt.Errorf("stream already active")
	}

	m.isActive = true
	m.started = time.Now()
	m.frames = 0
	return nil
}

// Stop stops the mock stream
func (m *MockStream) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.isActive = false
	return nil
}

// Close closes the mock stream and removes it from the backend
func (m *MockStream) Close() error {
	m.mu.Lock()
	if !m.isOpen {
		m.mu.Unlock()
		return nil // Already closed
	}
	m.isOpen = false
	m.isActive = false
	m.mu.Unlock()

	m.backend.mu.Lock()
	delete(m.backend.streams, m.id)
	m.backend.mu.Unlock()
	return nil
}

// Write records one buffer of playback data
func (m *MockStream) Write(data []float32) error {
	m.mu.Lock()
	if err := m.checkIO(false, m.writeError); err != nil {
		m.mu.Unlock()
		return err
	}
	deadline := m.advance()
	m.mu.Unlock()

	dataCopy := make([]float32, m.params.Samples())
	copy(dataCopy, data)

	m.backend.mu.Lock()
	m.backend.playbackAudioData = append(m.backend.playbackAudioData, dataCopy)
	m.backend.mu.Unlock()

	sleepUntil(deadline)
	return nil
}

// Read fills data with one buffer from the generator
func (m *MockStream) Read(data []float32) error {
	m.mu.Lock()
	if err := m.checkIO(true, m.readError); err != nil {
		m.mu.Unlock()
		return err
	}
	frame := m.frames
	deadline := m.advance()
	generator := m.generator
	m.mu.Unlock()

	// A real device only hands over a buffer once it has been captured
	sleepUntil(deadline)
	generator(frame, m.params.Channels, data[:m.params.Samples()])
	return nil
}

// IsActive returns true if the mock stream is active
func (m *MockStream) IsActive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isActive
}

// Params returns the stream format
func (m *MockStream) Params() StreamParams {
	return m.params
}

// checkIO must be called with m.mu held
func (m *MockStream) checkIO(read bool, injected error) error {
	if injected != nil {
		return injected
	}
	if !m.isOpen {
		return fmt.Errorf("stream not open")
	}
	if !m.isActive {
		return fmt.Errorf("stream not active")
	}
	if read && !m.isInput {
		return fmt.Errorf("cannot read from output stream")
	}
	if !read && m.isInput {
		return fmt.Errorf("cannot write to input stream")
	}
	return nil
}

// advance moves the sample clock by one buffer and returns the wall time at
// which that buffer is due, or the zero time when timing is not simulated.
// Must be called with m.mu held.
func (m *MockStream) advance() time.Time {
	m.frames += int64(m.params.FramesPerBuffer)
	if !m.simulateRealTiming {
		return time.Time{}
	}
	elapsed := time.Duration(float64(m.frames) / m.params.SampleRate * float64(time.Second))
	return m.started.Add(elapsed)
}

func sleepUntil(deadline time.Time) {
	if deadline.IsZero() {
		return
	}
	if d := time.Until(deadline); d > 0 {
		time.Sleep(d)
	}
}
