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
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/loqalabs/loqa-playthrough-go/internal/ringbuffer"
)

func TestEventString(t *testing.T) {
	assert.Equal(t, "underrun at frame 512 (256 frames)",
		Event{Kind: EventUnderrun, Frame: 512, Frames: 256}.String())
	assert.Equal(t, "store_failed at frame -1 (4 frames): ring buffer: invalid argument",
		Event{Kind: EventStoreFailed, Frame: -1, Frames: 4, Err: ringbuffer.ErrInvalidArgument}.String())
}
