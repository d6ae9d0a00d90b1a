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

package transport

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Binary block protocol carrying ring buffer frames between nodes.
// Payload is the per-channel sample spans back to back, channel 0 first.

// BlockType represents the type of block being transmitted
type BlockType uint8

const (
	// Audio block types
	BlockTypeAudio     BlockType = 0x01
	BlockTypeStreamEnd BlockType = 0x02

	// Control block types
	BlockTypeHeartbeat BlockType = 0x10
)

func (t BlockType) String() string {
	switch t {
	case BlockTypeAudio:
		return "audio"
	case BlockTypeStreamEnd:
		return "stream_end"
	case BlockTypeHeartbeat:
		return "heartbeat"
	default:
		return fmt.Sprintf("0x%02X", uint8(t))
	}
}

// Block is a run of frames starting at absolute frame StartFrame
type Block struct {
	Type          BlockType
	SessionID     uint32
	Sequence      uint32
	StartFrame    int64
	Channels      uint8
	BytesPerFrame uint16
	FrameCount    uint32
	Data          []byte
}

// BlockHeader is the fixed-size block header (32 bytes, big-endian)
type BlockHeader struct {
	Magic         uint32    // 0x52425546 ("RBUF")
	Type          BlockType // Block type (1 byte)
	Channels      uint8     // Channel count (1 byte)
	BytesPerFrame uint16    // Bytes per frame per channel (2 bytes)
	FrameCount    uint32    // Frames per channel (4 bytes)
	SessionID     uint32    // Producer session (4 bytes)
	Sequence      uint32    // Sequence number (4 bytes)
	StartFrame    int64     // Absolute frame number of the first frame (8 bytes)
	Length        uint32    // Payload length (4 bytes)
}

const (
	// Magic number for block validation
	BlockMagic = 0x52425546 // "RBUF" in big-endian

	// MaxBlockSize stays well below the default NATS max payload
	MaxBlockSize = 64 * 1024
	HeaderSize   = 32
	MaxDataSize  = MaxBlockSize - HeaderSize
)

// NewAudioBlock copies frameCount frames of every channel span into a new block
func NewAudioBlock(sessionID, sequence uint32, startFrame int64, bytesPerFrame uint16, frameCount uint32, spans [][]byte) (*Block, error) {
	if len(spans) == 0 || len(spans) > 255 {
		return nil, fmt.Errorf("invalid channel count: %d", len(spans))
	}
	if bytesPerFrame == 0 {
		return nil, fmt.Errorf("bytes per frame must be positive")
	}

	spanSize := int(frameCount) * int(bytesPerFrame)
	if spanSize*len(spans) > MaxDataSize {
		return nil, fmt.Errorf("block data too large: %d bytes (max %d)", spanSize*len(spans), MaxDataSize)
	}

	data := make([]byte, 0, spanSize*len(spans))
	for ch, span := range spans {
		if len(span) < spanSize {
			return nil, fmt.Errorf("channel %d holds %d bytes, need %d", ch, len(span), spanSize)
		}
		data = append(data, span[:spanSize]...)
	}

	return &Block{
		Type:          BlockTypeAudio,
		SessionID:     sessionID,
		Sequence:      sequence,
		StartFrame:    startFrame,
		Channels:      uint8(len(spans)), //nolint:gosec // G115: bounds-checked above
		BytesPerFrame: bytesPerFrame,
		FrameCount:    frameCount,
		Data:          data,
	}, nil
}

// Spans returns one slice per channel aliasing the block data
func (b *Block) Spans() [][]byte {
	if b.Channels == 0 {
		return nil
	}
	spanSize := int(b.FrameCount) * int(b.BytesPerFrame)
	spans := make([][]byte, b.Channels)
	for ch := range spans {
		spans[ch] = b.Data[ch*spanSize : (ch+1)*spanSize]
	}
	return spans
}

// Validate checks that the payload matches the declared shape
func (b *Block) Validate() error {
	if len(b.Data) > MaxDataSize {
		return fmt.Errorf("block data too large: %d bytes (max %d)", len(b.Data), MaxDataSize)
	}
	if b.Type != BlockTypeAudio {
		return nil
	}
	if b.Channels == 0 || b.BytesPerFrame == 0 {
		return fmt.Errorf("audio block without shape: %d channels, %d bytes per frame", b.Channels, b.BytesPerFrame)
	}
	want := int(b.Channels) * int(b.BytesPerFrame) * int(b.FrameCount)
	if len(b.Data) != want {
		return fmt.Errorf("audio block payload is %d bytes, shape needs %d", len(b.Data), want)
	}
	return nil
}

// EndFrame returns the frame number just past the block
func (b *Block) EndFrame() int64 {
	return b.StartFrame + int64(b.FrameCount)
}

// Size returns the total serialized size of the block
func (b *Block) Size() int {
	return HeaderSize + len(b.Data)
}

// Serialize converts a block to binary format
func (b *Block) Serialize() ([]byte, error) {
	if err := b.Validate(); err != nil {
		return nil, err
	}

	header := BlockHeader{
		Magic:         BlockMagic,
		Type:          b.Type,
		Channels:      b.Channels,
		BytesPerFrame: b.BytesPerFrame,
		FrameCount:    b.FrameCount,
		SessionID:     b.SessionID,
		Sequence:      b.Sequence,
		StartFrame:    b.StartFrame,
		Length:        uint32(len(b.Data)), //nolint:gosec // G115: bounded by MaxDataSize
	}

	buf := bytes.NewBuffer(make([]byte, 0, b.Size()))

	if err := binary.Write(buf, binary.BigEndian, header); err != nil {
		return nil, fmt.Errorf("failed to write block header: %w", err)
	}
	buf.Write(b.Data)

	return buf.Bytes(), nil
}

// DeserializeBlock converts binary data to a block
func DeserializeBlock(data []byte) (*Block, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("block too small: %d bytes (min %d)", len(data), HeaderSize)
	}

	header, err := parseBlockHeader(data[:HeaderSize])
	if err != nil {
		return nil, err
	}

	expectedSize := HeaderSize + int(header.Length)
	if len(data) != expectedSize {
		return nil, fmt.Errorf("block size mismatch: got %d bytes, expected %d", len(data), expectedSize)
	}

	block := &Block{
		Type:          header.Type,
		SessionID:     header.SessionID,
		Sequence:      header.Sequence,
		StartFrame:    header.StartFrame,
		Channels:      header.Channels,
		BytesPerFrame: header.BytesPerFrame,
		FrameCount:    header.FrameCount,
	}
	if header.Length > 0 {
		block.Data = make([]byte, header.Length)
		copy(block.Data, data[HeaderSize:])
	}

	if err := block.Validate(); err != nil {
		return nil, err
	}
	return block, nil
}

// parseBlockHeader parses just the header portion of block data
func parseBlockHeader(headerData []byte) (*BlockHeader, error) {
	if len(headerData) != HeaderSize {
		return nil, fmt.Errorf("invalid header size: %d bytes (expected %d)", len(headerData), HeaderSize)
	}

	var header BlockHeader
	if err := binary.Read(bytes.NewReader(headerData), binary.BigEndian, &header); err != nil {
		return nil, fmt.Errorf("failed to read block header: %w", err)
	}

	if header.Magic != BlockMagic {
		return nil, fmt.Errorf("invalid block magic: 0x%08X (expected 0x%08X)", header.Magic, BlockMagic)
	}

	if header.Length > MaxDataSize {
		return nil, fmt.Errorf("block data too large: %d bytes (max %d)", header.Length, MaxDataSize)
	}

	return &header, nil
}
