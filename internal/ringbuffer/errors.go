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
	"errors"
	"fmt"
)

var (
	// ErrInvalidArgument reports malformed shapes or sizes. It is a caller bug.
	ErrInvalidArgument = errors.New("ring buffer: invalid argument")

	// ErrAllocationFailed reports that channel storage could not be obtained.
	ErrAllocationFailed = errors.New("ring buffer: allocation failed")

	// ErrTooOld reports frames that precede the retained window (overrun).
	ErrTooOld = errors.New("ring buffer: frames already overwritten")

	// ErrTooNew reports frames that have not been stored yet (underrun).
	ErrTooNew = errors.New("ring buffer: frames not yet stored")

	// ErrNotAllocated reports an operation on an unallocated buffer.
	ErrNotAllocated = errors.New("ring buffer: not allocated")

	// ErrEmpty is returned by GetTimeBounds before the first successful Store.
	// It matches ErrNotAllocated under errors.Is.
	ErrEmpty = fmt.Errorf("%w: no frames stored", ErrNotAllocated)
)

// Status is the closed set of result codes a binding layer exposes.
type Status int32

const (
	StatusOK Status = iota
	StatusInvalidArgument
	StatusAllocationFailed
	StatusTooOld
	StatusTooNew
	StatusNotAllocated
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusInvalidArgument:
		return "invalid-argument"
	case StatusAllocationFailed:
		return "allocation-failed"
	case StatusTooOld:
		return "too-old"
	case StatusTooNew:
		return "too-new"
	case StatusNotAllocated:
		return "not-allocated"
	default:
		return fmt.Sprintf("status(%d)", int32(s))
	}
}

// Err returns the sentinel error for s, or nil for StatusOK.
func (s Status) Err() error {
	switch s {
	case StatusOK:
		return nil
	case StatusInvalidArgument:
		return ErrInvalidArgument
	case StatusAllocationFailed:
		return ErrAllocationFailed
	case StatusTooOld:
		return ErrTooOld
	case StatusTooNew:
		return ErrTooNew
	case StatusNotAllocated:
		return ErrNotAllocated
	default:
		return fmt.Errorf("%w: unknown status %d", ErrInvalidArgument, int32(s))
	}
}

// StatusOf maps an error returned by a RingBuffer onto its Status.
// Errors that did not originate from this package map to StatusInvalidArgument.
func StatusOf(err error) Status {
	switch {
	case err == nil:
		return StatusOK
	case errors.Is(err, ErrTooOld):
		return StatusTooOld
	case errors.Is(err, ErrTooNew):
		return StatusTooNew
	case errors.Is(err, ErrNotAllocated):
		return StatusNotAllocated
	case errors.Is(err, ErrAllocationFailed):
		return StatusAllocationFailed
	default:
		return StatusInvalidArgument
	}
}
