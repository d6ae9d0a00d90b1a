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
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"

	"github.com/nats-io/nats.go"

	"github.com/loqalabs/loqa-playthrough-go/internal/ringbuffer"
	"github.com/loqalabs/loqa-playthrough-go/internal/transport"
)

// FramePublisher sends ring-buffer-shaped audio blocks for a device.
type FramePublisher struct {
	conn      NATSConnection
	subject   string
	sessionID uint32
	sequence  atomic.Uint32
}

func NewFramePublisher(conn NATSConnection, deviceID string, sessionID uint32) *FramePublisher {
	return &FramePublisher{
		conn:      conn,
		subject:   FramesSubject(deviceID),
		sessionID: sessionID,
	}
}

// Publish encodes frameCount frames per channel starting at startFrame.
func (p *FramePublisher) Publish(spans [][]byte, bytesPerFrame uint16, frameCount uint32, startFrame int64) error {
	seq := p.sequence.Add(1) - 1
	block, err := transport.NewAudioBlock(p.sessionID, seq, startFrame, bytesPerFrame, frameCount, spans)
	if err != nil {
		return err
	}
	return p.publishBlock(block)
}

// End tells subscribers the stream is finished.
func (p *FramePublisher) End() error {
	seq := p.sequence.Add(1) - 1
	return p.publishBlock(&transport.Block{Type: transport.BlockTypeStreamEnd, SessionID: p.sessionID, Sequence: seq})
}

// Heartbeat tells subscribers the stream is alive while no audio flows.
func (p *FramePublisher) Heartbeat() error {
	seq := p.sequence.Add(1) - 1
	return p.publishBlock(&transport.Block{Type: transport.BlockTypeHeartbeat, SessionID: p.sessionID, Sequence: seq})
}

func (p *FramePublisher) publishBlock(block *transport.Block) error {
	data, err := block.Serialize()
	if err != nil {
		return fmt.Errorf("failed to encode block: %w", err)
	}
	if err := p.conn.Publish(p.subject, data); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", p.subject, err)
	}
	return nil
}

// SubscriberStats counts what happened to received blocks.
type SubscriberStats struct {
	Blocks       uint64
	FramesStored uint64
	Stale        uint64
	Mismatched   uint64
	Invalid      uint64
	StoreErrors  uint64
	SequenceGaps uint64
	StreamEnds   uint64
}

// FrameSubscriber stores audio blocks received from NATS into a ring buffer,
// acting as its single producer.
type FrameSubscriber struct {
	conn    NATSConnection
	subject string
	ring    *ringbuffer.RingBuffer

	// mu serializes Store calls; NATSConnection implementations may deliver
	// messages concurrently.
	mu      sync.Mutex
	sub     *nats.Subscription
	closed  atomic.Bool
	lastSeq map[uint32]uint32

	blocks       atomic.Uint64
	framesStored atomic.Uint64
	stale        atomic.Uint64
	mismatched   atomic.Uint64
	invalid      atomic.Uint64
	storeErrors  atomic.Uint64
	sequenceGaps atomic.Uint64
	streamEnds   atomic.Uint64
}

func NewFrameSubscriber(conn NATSConnection, deviceID string, ring *ringbuffer.RingBuffer) *FrameSubscriber {
	return &FrameSubscriber{
		conn:    conn,
		subject: FramesSubject(deviceID),
		ring:    ring,
		lastSeq: make(map[uint32]uint32),
	}
}

// Subject returns the subject blocks are received on.
func (s *FrameSubscriber) Subject() string {
	return s.subject
}

// Start subscribes to the device's frame subject. The ring buffer must be
// allocated before blocks arrive.
func (s *FrameSubscriber) Start() error {
	sub, err := s.conn.Subscribe(s.subject, s.handleBlock)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", s.subject, err)
	}

	s.mu.Lock()
	s.sub = sub
	s.mu.Unlock()

	log.Printf("🎧 Subscribed to audio frames: %s", s.subject)
	return nil
}

// Close stops delivery into the ring buffer. Once it returns no further
// Store calls are made, so the buffer may be deallocated.
func (s *FrameSubscriber) Close() {
	s.closed.Store(true)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sub != nil {
		if err := s.sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			log.Printf("⚠️  Failed to unsubscribe from %s: %v", s.subject, err)
		}
		s.sub = nil
	}
}

func (s *FrameSubscriber) handleBlock(msg *nats.Msg) {
	if s.closed.Load() {
		return
	}

	block, err := transport.DeserializeBlock(msg.Data)
	if err != nil {
		s.invalid.Add(1)
		log.Printf("❌ Failed to decode audio block: %v", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		return
	}

	s.blocks.Add(1)
	if last, ok := s.lastSeq[block.SessionID]; ok && block.Sequence != last+1 {
		s.sequenceGaps.Add(1)
	}
	s.lastSeq[block.SessionID] = block.Sequence

	switch block.Type {
	case transport.BlockTypeAudio:
	case transport.BlockTypeStreamEnd:
		s.streamEnds.Add(1)
		delete(s.lastSeq, block.SessionID)
		log.Printf("📭 Stream %d ended", block.SessionID)
		return
	default:
		return
	}

	if int(block.Channels) != s.ring.Channels() || uint32(block.BytesPerFrame) != s.ring.BytesPerFrame() {
		s.mismatched.Add(1)
		log.Printf("⚠️  Block shape %dx%d does not match ring buffer %dx%d, dropping",
			block.Channels, block.BytesPerFrame, s.ring.Channels(), s.ring.BytesPerFrame())
		return
	}

	err = s.ring.Store(block.Spans(), block.FrameCount, block.StartFrame)
	switch {
	case err == nil:
		s.framesStored.Add(uint64(block.FrameCount))
	case errors.Is(err, ringbuffer.ErrTooOld):
		s.stale.Add(1)
	default:
		s.storeErrors.Add(1)
		log.Printf("❌ Failed to store block at frame %d: %v", block.StartFrame, err)
	}
}

// Stats returns a snapshot of the subscriber counters.
func (s *FrameSubscriber) Stats() SubscriberStats {
	return SubscriberStats{
		Blocks:       s.blocks.Load(),
		FramesStored: s.framesStored.Load(),
		Stale:        s.stale.Load(),
		Mismatched:   s.mismatched.Load(),
		Invalid:      s.invalid.Load(),
		StoreErrors:  s.storeErrors.Load(),
		SequenceGaps: s.sequenceGaps.Load(),
		StreamEnds:   s.streamEnds.Load(),
	}
}
