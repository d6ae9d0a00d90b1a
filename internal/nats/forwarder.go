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

package nats

import (
	"context"
	"log"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-playthrough-go/internal/transport"
)

// DefaultHeartbeatInterval is how long a forwarder stays silent before it
// sends a heartbeat block.
const DefaultHeartbeatInterval = time.Second

// ForwarderStats counts forwarder outcomes.
type ForwarderStats struct {
	Queued     uint64
	Dropped    uint64
	Blocks     uint64
	Failed     uint64
	Heartbeats uint64
}

type capturedBuffer struct {
	spans      [][]byte
	frames     uint32
	startFrame int64
}

// FrameForwarder hands captured buffers from the real-time capture loop to a
// FramePublisher. Forward copies into a fixed pool of buffers and never blocks
// or allocates; Run publishes them from its own goroutine.
type FrameForwarder struct {
	publisher      *FramePublisher
	channels       int
	bytesPerFrame  uint16
	maxFrames      uint32
	framesPerBlock uint32
	heartbeat      time.Duration

	free  chan *capturedBuffer
	ready chan *capturedBuffer
	views [][]byte

	queued     atomic.Uint64
	dropped    atomic.Uint64
	blocks     atomic.Uint64
	failed     atomic.Uint64
	heartbeats atomic.Uint64
}

// NewFrameForwarder keeps depth buffers of maxFrames frames per channel.
func NewFrameForwarder(publisher *FramePublisher, channels int, bytesPerFrame uint16, maxFrames uint32, depth int) *FrameForwarder {
	depth = max(depth, 1)
	f := &FrameForwarder{
		publisher:      publisher,
		channels:       channels,
		bytesPerFrame:  bytesPerFrame,
		maxFrames:      maxFrames,
		framesPerBlock: max(1, uint32(transport.MaxDataSize/(max(channels, 1)*max(int(bytesPerFrame), 1)))),
		heartbeat:      DefaultHeartbeatInterval,
		free:           make(chan *capturedBuffer, depth),
		ready:          make(chan *capturedBuffer, depth),
		views:          make([][]byte, channels),
	}
	for i := 0; i < depth; i++ {
		buf := &capturedBuffer{spans: make([][]byte, channels)}
		for ch := range buf.spans {
			buf.spans[ch] = make([]byte, int(maxFrames)*int(bytesPerFrame))
		}
		f.free <- buf
	}
	return f
}

// SetHeartbeatInterval changes the idle heartbeat period. Call before Run.
func (f *FrameForwarder) SetHeartbeatInterval(d time.Duration) {
	f.heartbeat = d
}

// Forward queues a copy of the buffer, or drops it when every pooled buffer
// is still waiting to be published.
func (f *FrameForwarder) Forward(spans [][]byte, frames uint32, startFrame int64) {
	if frames > f.maxFrames || len(spans) != f.channels {
		f.dropped.Add(1)
		return
	}

	var buf *capturedBuffer
	select {
	case buf = <-f.free:
	default:
		f.dropped.Add(1)
		return
	}

	n := int(frames) * int(f.bytesPerFrame)
	for ch, span := range spans {
		copy(buf.spans[ch][:n], span)
	}
	buf.frames = frames
	buf.startFrame = startFrame

	f.ready <- buf
	f.queued.Add(1)
}

// Run publishes queued buffers until ctx is done, then publishes what is
// left and ends the stream.
func (f *FrameForwarder) Run(ctx context.Context) {
	ticker := time.NewTicker(f.heartbeat)
	defer ticker.Stop()

	idle := true
	for {
		select {
		case <-ctx.Done():
			f.drain()
			if err := f.publisher.End(); err != nil {
				log.Printf("⚠️  Failed to end frame stream: %v", err)
			}
			return
		case buf := <-f.ready:
			f.publish(buf)
			idle = false
		case <-ticker.C:
			if idle {
				if err := f.publisher.Heartbeat(); err != nil {
					f.failed.Add(1)
				} else {
					f.heartbeats.Add(1)
				}
			}
			idle = true
		}
	}
}

func (f *FrameForwarder) drain() {
	for {
		select {
		case buf := <-f.ready:
			f.publish(buf)
		default:
			return
		}
	}
}

// publish splits the buffer into blocks that fit the block size limit.
func (f *FrameForwarder) publish(buf *capturedBuffer) {
	bpf := uint32(f.bytesPerFrame)
	for off := uint32(0); off < buf.frames; off += f.framesPerBlock {
		n := min(f.framesPerBlock, buf.frames-off)
		for ch, span := range buf.spans {
			f.views[ch] = span[off*bpf : (off+n)*bpf]
		}
		if err := f.publisher.Publish(f.views, f.bytesPerFrame, n, buf.startFrame+int64(off)); err != nil {
			f.failed.Add(1)
			log.Printf("❌ Failed to forward frames at %d: %v", buf.startFrame+int64(off), err)
			continue
		}
		f.blocks.Add(1)
	}
	f.free <- buf
}

// Stats returns a snapshot of the forwarder counters.
func (f *FrameForwarder) Stats() ForwarderStats {
	return ForwarderStats{
		Queued:     f.queued.Load(),
		Dropped:    f.dropped.Load(),
		Blocks:     f.blocks.Load(),
		Failed:     f.failed.Load(),
		Heartbeats: f.heartbeats.Load(),
	}
}
