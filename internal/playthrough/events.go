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
	"time"
)

// EventKind classifies a play-through event.
type EventKind string

const (
	// EventUnderrun means the render side asked for frames not yet stored.
	EventUnderrun EventKind = "underrun"
	// EventDropped means frames were overwritten before the render side read them.
	EventDropped EventKind = "dropped"
	// EventResync means the render side realigned to the stored window.
	EventResync EventKind = "resync"
	// EventStoreFailed means the capture side could not store a buffer.
	EventStoreFailed EventKind = "store_failed"
)

// Event is emitted by the real-time loops without blocking them.
type Event struct {
	Kind      EventKind
	SessionID string
	Frame     int64
	Frames    uint32
	Err       error
	Time      time.Time
}

func (e Event) String() string {
	if e.Err != nil {
		return fmt.Sprintf("%s at frame %d (%d frames): %v", e.Kind, e.Frame, e.Frames, e.Err)
	}
	return fmt.Sprintf("%s at frame %d (%d frames)", e.Kind, e.Frame, e.Frames)
}

// Stats is a snapshot of the play-through counters.
type Stats struct {
	FramesCaptured uint64
	FramesRendered uint64
	Underruns      uint64
	Drops          uint64
	Resyncs        uint64
	StoreErrors    uint64
	EventsDropped  uint64
	Offset         int64
}
