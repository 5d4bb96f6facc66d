package core

// MediaFrame is a run of chunks with no detected gap, starting at a keyframe
// and ending at the next keyframe or at end of stream.
type MediaFrame struct {
	Seq          uint64 // per-session emission order
	FirstChunkID uint32
	LastChunkID  uint32
	TimestampMs  uint32 // timestamp of the first chunk
	DurationMs   uint32 // sum of chunk durations
	Keyframe     bool
	EndOfStream  bool
	Data         []byte
}

// Size returns the payload length.
func (f *MediaFrame) Size() int { return len(f.Data) }

// ChunkCount returns the number of chunks the frame was assembled from.
func (f *MediaFrame) ChunkCount() int { return int(f.LastChunkID-f.FirstChunkID) + 1 }
