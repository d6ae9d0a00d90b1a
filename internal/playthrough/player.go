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
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/loqalabs/loqa-playthrough-go/internal/audio"
	"github.com/loqalabs/loqa-playthrough-go/internal/ringbuffer"
)

// CaptureTap receives every buffer the capture loop stores, after the store.
// It runs on the capture goroutine and must neither block nor retain spans.
type CaptureTap interface {
	Forward(spans [][]byte, frames uint32, startFrame int64)
}

// Player moves audio from a producer into a ring buffer and renders it to the
// default output device on an independent clock.
type Player struct {
	config    Config
	backend   audio.AudioBackend
	ring      *ringbuffer.RingBuffer
	sessionID string
	events    chan Event

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	done    chan struct{}
	err     error
	input   audio.StreamInterface
	output  audio.StreamInterface
	tap     CaptureTap

	framesCaptured atomic.Uint64
	framesRendered atomic.Uint64
	underruns      atomic.Uint64
	drops          atomic.Uint64
	resyncs        atomic.Uint64
	storeErrors    atomic.Uint64
	eventsDropped  atomic.Uint64
	offset         atomic.Int64
}

// NewPlayer creates a player. The backend must already be initialized.
func NewPlayer(config Config, backend audio.AudioBackend) (*Player, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if backend == nil {
		return nil, fmt.Errorf("audio backend is nil")
	}

	return &Player{
		config:    config,
		backend:   backend,
		ring:      ringbuffer.New(),
		sessionID: uuid.NewString(),
		events:    make(chan Event, config.EventBuffer),
	}, nil
}

// SessionID identifies this player instance in events.
func (p *Player) SessionID() string {
	return p.sessionID
}

// Config returns the player configuration.
func (p *Player) Config() Config {
	return p.config
}

// RingBuffer exposes the buffer so an external producer can Store into it
// when Source is SourceExternal. It is allocated by Start.
func (p *Player) RingBuffer() *ringbuffer.RingBuffer {
	return p.ring
}

// Events delivers play-through events. Events are dropped when the channel is full.
func (p *Player) Events() <-chan Event {
	return p.events
}

// SetCaptureTap installs tap for the next Start. Only device capture feeds it.
func (p *Player) SetCaptureTap(tap CaptureTap) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tap = tap
}

// Done is closed once the player's loops have exited. It is nil before Start.
func (p *Player) Done() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.done
}

// Start allocates the ring buffer, opens the streams and starts the capture
// and render loops.
func (p *Player) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return fmt.Errorf("player already running")
	}

	cfg := p.config
	if err := p.ring.Allocate(cfg.Channels, audio.BytesPerSample, cfg.CapacityFrames()); err != nil {
		return fmt.Errorf("failed to allocate ring buffer: %w", err)
	}

	output, err := p.backend.CreateOutputStream(cfg.SampleRate, cfg.Channels, cfg.FramesPerBuffer)
	if err != nil {
		p.ring.Deallocate()
		return fmt.Errorf("failed to open output stream: %w", err)
	}

	var input audio.StreamInterface
	if cfg.Source == SourceDevice {
		input, err = p.backend.CreateInputStream(cfg.SampleRate, cfg.Channels, cfg.FramesPerBuffer)
		if err != nil {
			_ = output.Close() // Ignore errors during cleanup
			p.ring.Deallocate()
			return fmt.Errorf("failed to open input stream: %w", err)
		}
		if err := input.Start(); err != nil {
			p.closeStreams(input, output)
			p.ring.Deallocate()
			return fmt.Errorf("failed to start input stream: %w", err)
		}
	}

	if err := output.Start(); err != nil {
		p.closeStreams(input, output)
		p.ring.Deallocate()
		return fmt.Errorf("failed to start output stream: %w", err)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	p.input = input
	p.output = output
	p.cancel = cancel
	p.err = nil
	p.done = make(chan struct{})
	p.running = true

	if input != nil {
		p.wg.Add(1)
		tap := p.tap
		go p.runLoop(loopCtx, "capture", func(ctx context.Context) error { return p.captureLoop(ctx, input, tap) })
	}
	p.wg.Add(1)
	go p.runLoop(loopCtx, "render", func(ctx context.Context) error { return p.renderLoop(ctx, output) })

	go func(done chan struct{}) {
		p.wg.Wait()
		close(done)
	}(p.done)

	log.Printf("🎧 Play-through started: session=%s, %d ch @ %.0f Hz, %d frames/buffer, ring capacity %d frames",
		p.sessionID, cfg.Channels, cfg.SampleRate, cfg.FramesPerBuffer, p.ring.Capacity())
	return nil
}

// Stop cancels the loops, waits for them, closes the streams and releases the
// ring buffer. It returns the first error a loop failed with, if any.
func (p *Player) Stop() error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	cancel := p.cancel
	p.mu.Unlock()

	cancel()
	p.wg.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()

	p.closeStreams(p.input, p.output)
	p.input, p.output = nil, nil
	p.ring.Deallocate()

	stats := p.snapshot()
	log.Printf("🛑 Play-through stopped: captured=%d rendered=%d underruns=%d drops=%d resyncs=%d",
		stats.FramesCaptured, stats.FramesRendered, stats.Underruns, stats.Drops, stats.Resyncs)
	return p.err
}

// Stats returns a snapshot of the counters.
func (p *Player) Stats() Stats {
	return p.snapshot()
}

func (p *Player) snapshot() Stats {
	return Stats{
		FramesCaptured: p.framesCaptured.Load(),
		FramesRendered: p.framesRendered.Load(),
		Underruns:      p.underruns.Load(),
		Drops:          p.drops.Load(),
		Resyncs:        p.resyncs.Load(),
		StoreErrors:    p.storeErrors.Load(),
		EventsDropped:  p.eventsDropped.Load(),
		Offset:         p.offset.Load(),
	}
}

func (p *Player) runLoop(ctx context.Context, name string, loop func(context.Context) error) {
	defer p.wg.Done()

	err := loop(ctx)
	if err == nil || ctx.Err() != nil {
		return
	}

	log.Printf("❌ Play-through %s loop failed: %v", name, err)
	p.mu.Lock()
	if p.err == nil {
		p.err = fmt.Errorf("%s loop: %w", name, err)
	}
	cancel := p.cancel
	p.mu.Unlock()
	cancel()
}

// captureLoop is the only producer: it stores each captured buffer at the
// input stream's running sample time.
func (p *Player) captureLoop(ctx context.Context, input audio.StreamInterface, tap CaptureTap) error {
	cfg := p.config
	interleaved := make([]float32, cfg.Channels*cfg.FramesPerBuffer)
	channels := audio.NewChannelBuffers(cfg.Channels, cfg.FramesPerBuffer)

	var inputTime int64
	for ctx.Err() == nil {
		if err := input.Read(interleaved); err != nil {
			return fmt.Errorf("failed to read input: %w", err)
		}

		frames, err := audio.Deinterleave(interleaved, cfg.Channels, channels)
		if err != nil {
			return err
		}

		if err := p.ring.Store(channels, uint32(frames), inputTime); err != nil {
			p.storeErrors.Add(1)
			p.emit(Event{Kind: EventStoreFailed, Frame: inputTime, Frames: uint32(frames), Err: err})
		} else {
			p.framesCaptured.Add(uint64(frames))
			if tap != nil {
				tap.Forward(channels, uint32(frames), inputTime)
			}
		}
		inputTime += int64(frames)
	}
	return nil
}

// renderLoop is the only consumer. Output sample time is mapped into the
// producer's timeline through an offset chosen when it (re)synchronizes so
// that it trails the newest stored frame by the configured latency.
func (p *Player) renderLoop(ctx context.Context, output audio.StreamInterface) error {
	cfg := p.config
	frames := uint32(cfg.FramesPerBuffer)
	interleaved := make([]float32, cfg.Channels*cfg.FramesPerBuffer)
	channels := audio.NewChannelBuffers(cfg.Channels, cfg.FramesPerBuffer)

	var tone audio.SampleGenerator
	var mixed []float32
	if cfg.MixGain > 0 {
		tone = audio.SineGenerator(cfg.SampleRate, cfg.MixFrequency, cfg.MixGain)
		mixed = make([]float32, len(interleaved))
	}

	var (
		outputTime int64
		offset     int64
		synced     bool
		misses     int
	)

	for ctx.Err() == nil {
		if !synced {
			if start, end, err := p.ring.GetTimeBounds(); err == nil && end > start {
				at := max(start, end-cfg.LatencyFrames()-int64(frames))
				offset = at - outputTime
				p.offset.Store(offset)
				synced = true
				misses = 0
				p.resyncs.Add(1)
				p.emit(Event{Kind: EventResync, Frame: outputTime + offset})
			}
		}

		if synced {
			at := outputTime + offset
			err := p.ring.Fetch(channels, frames, at)
			switch {
			case err == nil:
				misses = 0
			case errors.Is(err, ringbuffer.ErrTooNew):
				p.underruns.Add(1)
				p.emit(Event{Kind: EventUnderrun, Frame: at, Frames: frames, Err: err})
				if misses++; misses >= cfg.ResyncAfter {
					synced = false
				}
			case errors.Is(err, ringbuffer.ErrTooOld):
				p.drops.Add(1)
				p.emit(Event{Kind: EventDropped, Frame: at, Frames: frames, Err: err})
				synced = false
			default:
				return fmt.Errorf("failed to fetch frames at %d: %w", at, err)
			}
		} else {
			for _, ch := range channels {
				clear(ch)
			}
		}

		if _, err := audio.Interleave(channels, cfg.Channels, interleaved); err != nil {
			return err
		}
		if tone != nil {
			tone(outputTime, cfg.Channels, mixed)
			audio.Mix(interleaved, mixed)
		}
		if err := output.Write(interleaved); err != nil {
			return fmt.Errorf("failed to write output: %w", err)
		}
		p.framesRendered.Add(uint64(frames))
		outputTime += int64(frames)
	}
	return nil
}

// emit never blocks the real-time loops.
func (p *Player) emit(ev Event) {
	ev.SessionID = p.sessionID
	ev.Time = time.Now()
	select {
	case p.events <- ev:
	default:
		p.eventsDropped.Add(1)
	}
}

func (p *Player) closeStreams(streams ...audio.StreamInterface) {
	for _, s := range streams {
		if s == nil {
			continue
		}
		if err := s.Stop(); err != nil {
			log.Printf("⚠️ Failed to stop stream: %v", err)
		}
		if err := s.Close(); err != nil {
			log.Printf("⚠️ Failed to close stream: %v", err)
		}
	}
}
