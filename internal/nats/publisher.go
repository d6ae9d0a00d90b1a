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
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"
	"github.com/nats-io/nuid"

	"github.com/loqalabs/loqa-playthrough-go/internal/playthrough"
)

// DefaultMaxBacklog bounds how many unpublished events are kept for retry.
const DefaultMaxBacklog = 256

// DropEvent is the wire form of a play-through event.
type DropEvent struct {
	ID        string    `json:"id"`
	DeviceID  string    `json:"device_id"`
	SessionID string    `json:"session_id"`
	Kind      string    `json:"kind"`
	Frame     int64     `json:"frame"`
	Frames    uint32    `json:"frames"`
	Error     string    `json:"error,omitempty"`
	Time      time.Time `json:"time"`
}

// PublisherStats counts publisher outcomes.
type PublisherStats struct {
	Published uint64
	Failed    uint64
	Discarded uint64
	Backlog   int
}

// EventPublisher publishes play-through events to NATS. Events that fail to
// publish are kept in a bounded backlog and retried before the next event.
type EventPublisher struct {
	conn       NATSConnection
	deviceID   string
	subject    string
	maxBacklog int

	mu      sync.Mutex
	backlog *queue.Queue // of []byte

	published atomic.Uint64
	failed    atomic.Uint64
	discarded atomic.Uint64
}

// NewEventPublisher creates a publisher for deviceID. A non-positive
// maxBacklog uses DefaultMaxBacklog.
func NewEventPublisher(conn NATSConnection, deviceID string, maxBacklog int) *EventPublisher {
	if maxBacklog <= 0 {
		maxBacklog = DefaultMaxBacklog
	}
	return &EventPublisher{
		conn:       conn,
		deviceID:   deviceID,
		subject:    EventsSubject(deviceID),
		maxBacklog: maxBacklog,
		backlog:    queue.New(),
	}
}

// Subject returns the subject events are published on.
func (p *EventPublisher) Subject() string {
	return p.subject
}

// NewDropEvent converts a player event into its wire form.
func (p *EventPublisher) NewDropEvent(ev playthrough.Event) DropEvent {
	drop := DropEvent{
		ID:        nuid.Next(),
		DeviceID:  p.deviceID,
		SessionID: ev.SessionID,
		Kind:      string(ev.Kind),
		Frame:     ev.Frame,
		Frames:    ev.Frames,
		Time:      ev.Time,
	}
	if ev.Err != nil {
		drop.Error = ev.Err.Error()
	}
	if drop.Time.IsZero() {
		drop.Time = time.Now()
	}
	return drop
}

// Publish sends one event. If the backlog cannot be drained first, or the
// publish itself fails, the event is queued and the error returned.
func (p *EventPublisher) Publish(ev playthrough.Event) error {
	data, err := json.Marshal(p.NewDropEvent(ev))
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.flushLocked(); err != nil {
		p.enqueueLocked(data)
		return err
	}
	if err := p.conn.Publish(p.subject, data); err != nil {
		p.failed.Add(1)
		p.enqueueLocked(data)
		return fmt.Errorf("failed to publish to %s: %w", p.subject, err)
	}
	p.published.Add(1)
	return nil
}

// Flush retries queued events in order, stopping at the first failure.
func (p *EventPublisher) Flush() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.flushLocked()
}

func (p *EventPublisher) flushLocked() error {
	for p.backlog.Length() > 0 {
		data := p.backlog.Peek().([]byte)
		if err := p.conn.Publish(p.subject, data); err != nil {
			p.failed.Add(1)
			return fmt.Errorf("failed to flush backlog to %s: %w", p.subject, err)
		}
		p.backlog.Remove()
		p.published.Add(1)
	}
	return nil
}

// enqueueLocked keeps the newest maxBacklog events.
func (p *EventPublisher) enqueueLocked(data []byte) {
	for p.backlog.Length() >= p.maxBacklog {
		p.backlog.Remove()
		p.discarded.Add(1)
	}
	p.backlog.Add(data)
}

// Run publishes events until ctx is done or the channel is closed, then
// makes a last attempt at the backlog.
func (p *EventPublisher) Run(ctx context.Context, events <-chan playthrough.Event) {
	for {
		select {
		case <-ctx.Done():
			p.finish()
			return
		case ev, ok := <-events:
			if !ok {
				p.finish()
				return
			}
			logEvent(ev)
			if err := p.Publish(ev); err != nil {
				log.Printf("⚠️  Event not published (backlog %d): %v", p.Stats().Backlog, err)
			}
		}
	}
}

func (p *EventPublisher) finish() {
	if err := p.Flush(); err != nil {
		log.Printf("⚠️  %d events left unpublished: %v", p.Stats().Backlog, err)
	}
}

// Stats returns a snapshot of the publisher counters.
func (p *EventPublisher) Stats() PublisherStats {
	p.mu.Lock()
	backlog := p.backlog.Length()
	p.mu.Unlock()

	return PublisherStats{
		Published: p.published.Load(),
		Failed:    p.failed.Load(),
		Discarded: p.discarded.Load(),
		Backlog:   backlog,
	}
}

func logEvent(ev playthrough.Event) {
	switch ev.Kind {
	case playthrough.EventUnderrun:
		log.Printf("🔇 Underrun at frame %d (%d frames)", ev.Frame, ev.Frames)
	case playthrough.EventDropped:
		log.Printf("⏭️  Dropped %d frames at %d", ev.Frames, ev.Frame)
	case playthrough.EventResync:
		log.Printf("🔄 Resynced render offset to frame %d", ev.Frame)
	case playthrough.EventStoreFailed:
		log.Printf("❌ Store failed at frame %d: %v", ev.Frame, ev.Err)
	}
}
