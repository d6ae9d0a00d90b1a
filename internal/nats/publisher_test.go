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
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loqalabs/loqa-playthrough-go/internal/playthrough"
	"github.com/loqalabs/loqa-playthrough-go/internal/ringbuffer"
)

func decodeEvents(t *testing.T, payloads [][]byte) []DropEvent {
	t.Helper()
	events := make([]DropEvent, 0, len(payloads))
	for _, data := range payloads {
		var ev DropEvent
		require.NoError(t, json.Unmarshal(data, &ev))
		events = append(events, ev)
	}
	return events
}

func TestSubjects(t *testing.T) {
	assert.Equal(t, "audio.kitchen.frames", FramesSubject("kitchen"))
	assert.Equal(t, "audio.kitchen.events", EventsSubject("kitchen"))
}

func TestEventPublisher_Publish(t *testing.T) {
	conn := NewMockNATSConnection()
	publisher := NewEventPublisher(conn, "kitchen", 0)
	assert.Equal(t, "audio.kitchen.events", publisher.Subject())

	when := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, publisher.Publish(playthrough.Event{
		Kind:      playthrough.EventDropped,
		SessionID: "session-1",
		Frame:     4096,
		Frames:    512,
		Err:       ringbuffer.ErrTooOld,
		Time:      when,
	}))
	require.NoError(t, publisher.Publish(playthrough.Event{Kind: playthrough.EventUnderrun, SessionID: "session-1"}))

	events := decodeEvents(t, conn.Published(publisher.Subject()))
	require.Len(t, events, 2)

	first := events[0]
	assert.NotEmpty(t, first.ID)
	assert.Equal(t, "kitchen", first.DeviceID)
	assert.Equal(t, "session-1", first.SessionID)
	assert.Equal(t, "dropped", first.Kind)
	assert.Equal(t, int64(4096), first.Frame)
	assert.Equal(t, uint32(512), first.Frames)
	assert.Equal(t, ringbuffer.ErrTooOld.Error(), first.Error)
	assert.True(t, first.Time.Equal(when))

	assert.NotEqual(t, first.ID, events[1].ID, "event ids must be unique")
	assert.Empty(t, events[1].Error)
	assert.False(t, events[1].Time.IsZero(), "missing time is filled in")

	stats := publisher.Stats()
	assert.Equal(t, uint64(2), stats.Published)
	assert.Zero(t, stats.Backlog)
}

func TestEventPublisher_Backlog(t *testing.T) {
	conn := NewMockNATSConnection()
	publisher := NewEventPublisher(conn, "kitchen", 3)
	outage := errors.New("nats unavailable")

	conn.SetPublishError(outage)
	for i := 0; i < 5; i++ {
		err := publisher.Publish(playthrough.Event{Kind: playthrough.EventUnderrun, Frame: int64(i)})
		require.ErrorIs(t, err, outage)
	}

	stats := publisher.Stats()
	assert.Equal(t, 3, stats.Backlog, "backlog is bounded")
	assert.Equal(t, uint64(2), stats.Discarded, "oldest events are discarded first")
	assert.Empty(t, conn.Published(publisher.Subject()))

	require.ErrorIs(t, publisher.Flush(), outage)

	conn.SetPublishError(nil)
	require.NoError(t, publisher.Publish(playthrough.Event{Kind: playthrough.EventResync, Frame: 99}))

	events := decodeEvents(t, conn.Published(publisher.Subject()))
	require.Len(t, events, 4)
	for i, want := range []int64{2, 3, 4, 99} {
		assert.Equal(t, want, events[i].Frame, "event %d out of order", i)
	}
	assert.Zero(t, publisher.Stats().Backlog)
}

func TestEventPublisher_Run(t *testing.T) {
	conn := NewMockNATSConnection()
	publisher := NewEventPublisher(conn, "kitchen", 0)

	events := make(chan playthrough.Event, 4)
	events <- playthrough.Event{Kind: playthrough.EventUnderrun, Frame: 1}
	events <- playthrough.Event{Kind: playthrough.EventStoreFailed, Frame: 2, Err: ringbuffer.ErrInvalidArgument}
	close(events)

	done := make(chan struct{})
	go func() {
		publisher.Run(context.Background(), events)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after the channel closed")
	}
	assert.Len(t, conn.Published(publisher.Subject()), 2)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	publisher.Run(ctx, make(chan playthrough.Event))
}
