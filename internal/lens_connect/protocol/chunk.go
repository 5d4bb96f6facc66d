package protocol

import (
	"encoding/binary"
	"fmt"
)

// Video chunk header: chunkId, timestampMs, durationMs, payloadSize, flags.
// All fields are u32 big-endian.
const ChunkHeaderSize = 20

// Chunk flags
const (
	ChunkFlagKeyframe    = uint32(1) << 0
	ChunkFlagEndOfStream = uint32(1) << 1
)

// VideoChunk is one framed unit of encoded video from the video characteristic.
// Payload is whatever followed the header; the reassembler checks it against
// PayloadSize.
type VideoChunk struct {
	ChunkID     uint32
	TimestampMs uint32
	DurationMs  uint32
	PayloadSize uint32
	Flags       uint32
	Payload     []byte
}

func (c VideoChunk) IsKeyframe() bool    { return c.Flags&ChunkFlagKeyframe != 0 }
func (c VideoChunk) IsEndOfStream() bool { return c.Flags&ChunkFlagEndOfStream != 0 }

// DecodeChunk parses a chunk notification. Only a short header is an error here.
func DecodeChunk(b []byte) (VideoChunk, error) {
	if len(b) < ChunkHeaderSize {
		return VideoChunk{}, &CodecError{
			Op:     "decode chunk",
			Err:    ErrChunkTruncated,
			Detail: fmt.Sprintf("need %d header bytes, got %d", ChunkHeaderSize, len(b)),
		}
	}
	return VideoChunk{
		ChunkID:     binary.BigEndian.Uint32(b[0:4]),
		TimestampMs: binary.BigEndian.Uint32(b[4:8]),
		DurationMs:  binary.BigEndian.Uint32(b[8:12]),
		PayloadSize: binary.BigEndian.Uint32(b[12:16]),
		Flags:       binary.BigEndian.Uint32(b[16:20]),
		Payload:     append([]byte(nil), b[ChunkHeaderSize:]...),
	}, nil
}

// EncodeChunk writes the header with PayloadSize taken from the chunk as given,
// so callers can produce deliberately inconsistent chunks.
func EncodeChunk(c VideoChunk) []byte {
	buf := make([]byte, ChunkHeaderSize+len(c.Payload))
	binary.BigEndian.PutUint32(buf[0:4], c.ChunkID)
	binary.BigEndian.PutUint32(buf[4:8], c.TimestampMs)
	binary.BigEndian.PutUint32(buf[8:12], c.DurationMs)
	binary.BigEndian.PutUint32(buf[12:16], c.PayloadSize)
	binary.BigEndian.PutUint32(buf[16:20], c.Flags)
	copy(buf[ChunkHeaderSize:], c.Payload)
	return buf
}

// NewChunk builds a well-formed chunk.
func NewChunk(id, tsMs, durMs uint32, keyframe, eos bool, payload []byte) VideoChunk {
	var flags uint32
	if keyframe {
		flags |= ChunkFlagKeyframe
	}
	if eos {
		flags |= ChunkFlagEndOfStream
	}
	return VideoChunk{
		ChunkID:     id,
		TimestampMs: tsMs,
		DurationMs:  durMs,
		PayloadSize: uint32(len(payload)),
		Flags:       flags,
		Payload:     payload,
	}
}
