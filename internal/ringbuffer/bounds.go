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

package ringbuffer

import (
	"sync/atomic"
)

// timeBounds is one published snapshot of the valid range. counter holds the
// queue index it was published under, or staleCounter while being rewritten.
type timeBounds struct {
	start   atomic.Int64
	end     atomic.Int64
	counter atomic.Uint64
}

// setTimeBounds publishes a new valid range. Producer only.
func (b *RingBuffer) setTimeBounds(start, end int64) {
	next := b.boundsIndex.Load() + 1
	slot := &b.bounds[next&boundsQueueMask]

	slot.counter.Store(staleCounter)
	slot.start.Store(start)
	slot.end.Store(end)
	slot.counter.Store(next)

	b.boundsIndex.Store(next)
}

// producerBounds returns the latest published range. The producer is the only
// writer, so the slot cannot change underneath it.
func (b *RingBuffer) producerBounds() (start, end int64) {
	slot := &b.bounds[b.boundsIndex.Load()&boundsQueueMask]
	return slot.start.Load(), slot.end.Load()
}

// consumerBounds returns a consistent snapshot of the valid range. It gives up
// after one full lap of the queue and reports ErrTooNew so the caller retries.
func (b *RingBuffer) consumerBounds() (start, end int64, err error) {
	for i := 0; i < boundsQueueSize; i++ {
		index := b.boundsIndex.Load()
		slot := &b.bounds[index&boundsQueueMask]

		if slot.counter.Load() != index {
			continue
		}
		start = slot.start.Load()
		end = slot.end.Load()
		if slot.counter.Load() == index {
			return start, end, nil
		}
	}
	return 0, 0, ErrTooNew
}
