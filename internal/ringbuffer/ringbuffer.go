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

// Package ringbuffer implements a fixed-capacity, multi-channel audio sample
// buffer indexed by absolute sample-frame number.
//
// One producer calls Store and one consumer calls Fetch and GetTimeBounds,
// concurrently and without locks. Allocate, Deallocate and Close must not run
// concurrently with either side.
package ringbuffer

import (
	"fmt"
	"math"
	"math/bits"
	"sync/atomic"

	"golang.org/x/sys/cpu"
)

const (
	// emptyTime marks both bounds before the first Store.
	emptyTime = math.MinInt64

	// boundsQueueSize must be a power of two.
	boundsQueueSize = 32
	boundsQueueMask = boundsQueueSize - 1

	// staleCounter is stored in a bounds slot while the producer rewrites it.
	staleCounter = math.MaxUint64

	// maxStorageBytes caps the total storage of one buffer across all channels.
	maxStorageBytes = 1 << 30

	maxChannels = 1 << 16
)

// RingBuffer holds the most recent Capacity() frames of every channel.
// Frame f of a channel lives at physical slot f & (Capacity()-1).
type RingBuffer struct {
	channels      int
	bytesPerFrame uint32
	capacity      uint32
	mask          int64
	storage       [][]byte

	_ cpu.CacheLinePad

	// bounds is a small queue of snapshots so a reader never sees a torn
	// start/end pair while the producer publishes the next one.
	bounds [boundsQueueSize]timeBounds

	_ cpu.CacheLinePad

	boundsIndex atomic.Uint64

	_ cpu.CacheLinePad
}

// New creates an empty, unallocated buffer.
func New() *RingBuffer {
	b := &RingBuffer{}
	b.setTimeBounds(emptyTime, emptyTime)
	return b
}

// Allocate releases any held storage and allocates channels regions of
// capacityFrames*bytesPerFrame bytes each. capacityFrames is rounded up to the
// next power of two. Either every channel is allocated or none is.
func (b *RingBuffer) Allocate(channels int, bytesPerFrame, capacityFrames uint32) error {
	b.Deallocate()

	if channels <= 0 || channels > maxChannels {
		return fmt.Errorf("%w: channel count %d", ErrInvalidArgument, channels)
	}
	if bytesPerFrame == 0 {
		return fmt.Errorf("%w: bytes per frame must be positive", ErrInvalidArgument)
	}
	if capacityFrames == 0 {
		return fmt.Errorf("%w: capacity must be positive", ErrInvalidArgument)
	}

	capacity := nextPowerOfTwo(uint64(capacityFrames))
	hi, channelBytes := bits.Mul64(capacity, uint64(bytesPerFrame))
	if hi != 0 || channelBytes > maxStorageBytes {
		return fmt.Errorf("%w: %d frames of %d bytes per channel", ErrAllocationFailed, capacity, bytesPerFrame)
	}
	hi, totalBytes := bits.Mul64(channelBytes, uint64(channels))
	if hi != 0 || totalBytes > maxStorageBytes {
		return fmt.Errorf("%w: %d bytes across %d channels", ErrAllocationFailed, totalBytes, channels)
	}

	storage, err := allocateChannels(channels, int(channelBytes))
	if err != nil {
		return err
	}

	b.channels = channels
	b.bytesPerFrame = bytesPerFrame
	b.capacity = uint32(capacity)
	b.mask = int64(capacity - 1)
	b.storage = storage
	b.setTimeBounds(emptyTime, emptyTime)
	return nil
}

func allocateChannels(channels, size int) (storage [][]byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			storage = nil
			err = fmt.Errorf("%w: %v", ErrAllocationFailed, r)
		}
	}()

	storage = make([][]byte, channels)
	for i := range storage {
		storage[i] = make([]byte, size)
	}
	return storage, nil
}

// Deallocate releases all channel storage. It is a no-op on an unallocated buffer.
func (b *RingBuffer) Deallocate() {
	if b.storage == nil {
		return
	}
	b.storage = nil
	b.channels = 0
	b.bytesPerFrame = 0
	b.capacity = 0
	b.mask = 0
	b.setTimeBounds(emptyTime, emptyTime)
}

// Close destroys the buffer, deallocating it if still allocated.
func (b *RingBuffer) Close() error {
	b.Deallocate()
	return nil
}

// IsAllocated reports whether channel storage is held.
func (b *RingBuffer) IsAllocated() bool {
	return b.storage != nil
}

// Channels returns the channel count, or 0 when unallocated.
func (b *RingBuffer) Channels() int {
	return b.channels
}

// BytesPerFrame returns the size of one frame of one channel.
func (b *RingBuffer) BytesPerFrame() uint32 {
	return b.bytesPerFrame
}

// Capacity returns the number of frames each channel holds after rounding.
func (b *RingBuffer) Capacity() uint32 {
	return b.capacity
}

// Store copies frameCount frames of every channel of src into the buffer at
// absolute frame startFrame. The valid range grows to include the new frames
// and its start advances past anything the write evicted.
//
// A store that begins before the current start of the valid range is rejected
// with ErrTooOld and leaves the buffer unchanged. A store that begins after the
// current end abandons the old window.
//
// Store must only be called by the producer.
func (b *RingBuffer) Store(src [][]byte, frameCount uint32, startFrame int64) error {
	if b.storage == nil {
		return ErrNotAllocated
	}
	if frameCount == 0 {
		return nil
	}
	if frameCount > b.capacity {
		return fmt.Errorf("%w: store of %d frames exceeds capacity %d", ErrInvalidArgument, frameCount, b.capacity)
	}
	if err := b.checkRange(startFrame, frameCount); err != nil {
		return err
	}
	if err := b.checkSpans(src, frameCount); err != nil {
		return err
	}

	endFrame := startFrame + int64(frameCount)
	start, end := b.producerBounds()

	var newStart, newEnd int64
	switch {
	case start == emptyTime || startFrame > end:
		newStart, newEnd = startFrame, endFrame
	case startFrame < start:
		return ErrTooOld
	default:
		newEnd = max(end, endFrame)
		newStart = max(start, newEnd-int64(b.capacity))
	}

	// Invalidate what this write is about to overwrite before touching storage.
	preEnd := newStart
	if start != emptyTime && startFrame <= end {
		preEnd = max(newStart, min(end, startFrame))
	}
	if preEnd != end || newStart != start {
		b.setTimeBounds(newStart, preEnd)
	}

	bpf := int(b.bytesPerFrame)
	offset := int(startFrame&b.mask) * bpf
	n := int(frameCount) * bpf
	for ch, ring := range b.storage {
		storeSplit(ring, offset, src[ch][:n])
	}

	b.setTimeBounds(newStart, newEnd)
	return nil
}

// Fetch copies frameCount frames starting at absolute frame startFrame from
// every channel into dst. It succeeds only when the whole range is inside the
// valid range.
//
// On ErrTooOld or ErrTooNew the frames that were available are still copied
// and every unavailable frame in dst is zeroed. Those two sentinels are
// returned unwrapped so the real-time paths never allocate. On any other error
// dst is left untouched.
//
// Fetch must only be called by the consumer.
func (b *RingBuffer) Fetch(dst [][]byte, frameCount uint32, startFrame int64) error {
	if b.storage == nil {
		return ErrNotAllocated
	}
	if frameCount == 0 {
		return nil
	}
	if frameCount > b.capacity {
		return fmt.Errorf("%w: fetch of %d frames exceeds capacity %d", ErrInvalidArgument, frameCount, b.capacity)
	}
	if err := b.checkRange(startFrame, frameCount); err != nil {
		return err
	}
	if err := b.checkSpans(dst, frameCount); err != nil {
		return err
	}

	endFrame := startFrame + int64(frameCount)
	start, end, err := b.consumerBounds()
	if err != nil {
		b.zeroFrames(dst, startFrame, startFrame, endFrame)
		return err
	}
	if start == emptyTime {
		b.zeroFrames(dst, startFrame, startFrame, endFrame)
		return ErrTooNew
	}

	validStart := max(startFrame, start)
	validEnd := min(endFrame, end)
	if validStart >= validEnd {
		b.zeroFrames(dst, startFrame, startFrame, endFrame)
	} else {
		b.zeroFrames(dst, startFrame, startFrame, validStart)
		b.copyOut(dst, startFrame, validStart, validEnd)
		b.zeroFrames(dst, startFrame, validEnd, endFrame)

		// The producer may have evicted part of the range while we copied.
		// Without a consistent re-read none of the copy can be trusted.
		after, _, err := b.consumerBounds()
		if err != nil {
			b.zeroFrames(dst, startFrame, validStart, validEnd)
			return ErrTooOld
		}
		if after > validStart {
			b.zeroFrames(dst, startFrame, validStart, min(after, validEnd))
			return ErrTooOld
		}
	}

	switch {
	case startFrame < start:
		return ErrTooOld
	case endFrame > end:
		return ErrTooNew
	}
	return nil
}

// GetTimeBounds returns the valid range [start, end). It returns ErrEmpty
// until the first successful Store.
func (b *RingBuffer) GetTimeBounds() (start, end int64, err error) {
	if b.storage == nil {
		return 0, 0, ErrNotAllocated
	}
	start, end, err = b.consumerBounds()
	if err != nil {
		return 0, 0, err
	}
	if start == emptyTime {
		return 0, 0, ErrEmpty
	}
	return start, end, nil
}

func (b *RingBuffer) checkRange(startFrame int64, frameCount uint32) error {
	if startFrame == emptyTime || startFrame > math.MaxInt64-int64(frameCount) {
		return fmt.Errorf("%w: frame range at %d overflows", ErrInvalidArgument, startFrame)
	}
	return nil
}

func (b *RingBuffer) checkSpans(spans [][]byte, frameCount uint32) error {
	if len(spans) != b.channels {
		return fmt.Errorf("%w: got %d channel buffers, want %d", ErrInvalidArgument, len(spans), b.channels)
	}
	need := int(frameCount) * int(b.bytesPerFrame)
	for ch, span := range spans {
		if len(span) < need {
			return fmt.Errorf("%w: channel %d holds %d bytes, need %d", ErrInvalidArgument, ch, len(span), need)
		}
	}
	return nil
}

// copyOut copies frames [from, to) into dst, where dst[ch] begins at frame base.
func (b *RingBuffer) copyOut(dst [][]byte, base, from, to int64) {
	bpf := int(b.bytesPerFrame)
	offset := int(from&b.mask) * bpf
	lo := int(from-base) * bpf
	hi := int(to-base) * bpf
	for ch, ring := range b.storage {
		fetchSplit(dst[ch][lo:hi], ring, offset)
	}
}

// zeroFrames clears frames [from, to) of dst, where dst[ch] begins at frame base.
func (b *RingBuffer) zeroFrames(dst [][]byte, base, from, to int64) {
	if from >= to {
		return
	}
	bpf := int(b.bytesPerFrame)
	lo := int(from-base) * bpf
	hi := int(to-base) * bpf
	for _, span := range dst {
		clear(span[lo:hi])
	}
}

// storeSplit copies src into ring at offset, wrapping to the front at most once.
func storeSplit(ring []byte, offset int, src []byte) {
	n := copy(ring[offset:], src)
	if n < len(src) {
		copy(ring, src[n:])
	}
}

// fetchSplit fills dst from ring at offset, wrapping to the front at most once.
func fetchSplit(dst, ring []byte, offset int) {
	n := copy(dst, ring[offset:])
	if n < len(dst) {
		copy(dst[n:], ring[:len(dst)-n])
	}
}

func nextPowerOfTwo(n uint64) uint64 {
	if n <= 1 {
		return 1
	}
	return 1 << bits.Len64(n-1)
}
