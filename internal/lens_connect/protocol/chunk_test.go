package protocol

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeChunk(t *testing.T) {
	c := NewChunk(7, 1000, 33, true, false, []byte("frame"))
	b := EncodeChunk(c)
	require.Len(t, b, ChunkHeaderSize+5)
	assert.Equal(t, []byte{0, 0, 0, 7}, b[0:4])
	assert.Equal(t, []byte{0, 0, 0, 1}, b[16:20])

	got, err := DecodeChunk(b)
	require.NoError(t, err)
	assert.Equal(t, uint32(7), got.ChunkID)
	assert.Equal(t, uint32(1000), got.TimestampMs)
	assert.Equal(t, uint32(33), got.DurationMs)
	assert.Equal(t, uint32(5), got.PayloadSize)
	assert.True(t, got.IsKeyframe())
	assert.False(t, got.IsEndOfStream())
	assert.Equal(t, []byte("frame"), got.Payload)
}

func TestDecodeChunkKeepsDeclaredSize(t *testing.T) {
	c := NewChunk(1, 0, 0, false, true, []byte("abc"))
	c.PayloadSize = 10
	got, err := DecodeChunk(EncodeChunk(c))
	require.NoError(t, err)
	assert.Equal(t, uint32(10), got.PayloadSize)
	assert.Len(t, got.Payload, 3)
	assert.True(t, got.IsEndOfStream())
}

func TestDecodeChunkShortHeader(t *testing.T) {
	_, err := DecodeChunk(make([]byte, ChunkHeaderSize-1))
	assert.True(t, errors.Is(err, ErrChunkTruncated))
	assert.NotContains(t, err.Error(), "POWER_OFF")
}
