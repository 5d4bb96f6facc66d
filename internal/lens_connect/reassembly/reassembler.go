package reassembly

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/heartneyes/lenslink/internal/lens_connect/core"
	"github.com/heartneyes/lenslink/internal/lens_connect/protocol"
)

// Reassembly error kinds
var (
	ErrSizeMismatch  = errors.New("payload size mismatch")
	ErrFrameTooLarge = errors.New("frame too large")
)

// Error describes a dropped chunk.
type Error struct {
	Kind     error
	ChunkID  uint32
	Declared uint32
	Actual   int
}

func (e *Error) Error() string {
	return fmt.Sprintf("chunk %d: %v (declared %d, got %d)", e.ChunkID, e.Kind, e.Declared, e.Actual)
}

func (e *Error) Unwrap() error { return e.Kind }

// DefaultMaxFrameBytes bounds a single assembled frame.
const DefaultMaxFrameBytes = 16 << 20

// EventKind distinguishes reassembler output.
type EventKind int

const (
	EventFrame EventKind = iota
	EventGap
	EventEndOfStream
)

func (k EventKind) String() string {
	switch k {
	case EventFrame:
		return "frame"
	case EventGap:
		return "gap"
	case EventEndOfStream:
		return "end_of_stream"
	}
	return "unknown"
}

// Gap reports chunk ids that never arrived.
type Gap struct {
	Missing  uint32 // number of skipped ids
	AfterID  uint32 // last id seen before the gap
	ResumeID uint32 // id that revealed the gap
}

// Event is one reassembler output, in emission order.
type Event struct {
	Kind  EventKind
	Frame *core.MediaFrame // EventFrame
	Gap   Gap              // EventGap
}

// Stats counts chunk outcomes since the last Reset.
type Stats struct {
	Chunks         uint64
	Frames         uint64
	Gaps           uint64
	MissingChunks  uint64
	Duplicates     uint64
	SizeMismatches uint64
	Oversized      uint64
	AwaitingKey    uint64 // chunks dropped while waiting for a keyframe
}

type run struct {
	firstID   uint32
	lastID    uint32
	timestamp uint32
	duration  uint32
	buf       bytes.Buffer
	open      bool
}

func (r *run) reset() {
	r.open = false
	r.buf.Reset()
	r.duration = 0
}

// Reassembler turns an ordered chunk stream into media frames. It is not safe
// for concurrent use; the link event loop owns it.
type Reassembler struct {
	maxFrameBytes int

	started     bool
	lastSeen    uint32
	awaitingKey bool
	complete    bool
	seq         uint64
	cur         run
	stats       Stats
}

// New returns a reassembler waiting for the first keyframe. maxFrameBytes <= 0
// selects DefaultMaxFrameBytes.
func New(maxFrameBytes int) *Reassembler {
	if maxFrameBytes <= 0 {
		maxFrameBytes = DefaultMaxFrameBytes
	}
	return &Reassembler{maxFrameBytes: maxFrameBytes, awaitingKey: true}
}

// Reset drops all state, for a new link session.
func (r *Reassembler) Reset() {
	*r = Reassembler{maxFrameBytes: r.maxFrameBytes, awaitingKey: true}
}

// Stats returns the counters.
func (r *Reassembler) Stats() Stats { return r.stats }

// Complete reports whether end of stream was seen and no keyframe followed it.
func (r *Reassembler) Complete() bool { return r.complete }

// LastSeen returns the highest accepted chunk id.
func (r *Reassembler) LastSeen() (uint32, bool) { return r.lastSeen, r.started }

// Ingest consumes one chunk and returns the events it produced. A chunk whose
// payload length disagrees with its header is dropped with an error and does
// not count as seen, so the next chunk reports it as a gap.
func (r *Reassembler) Ingest(c protocol.VideoChunk) ([]Event, error) {
	if len(c.Payload) != int(c.PayloadSize) {
		r.stats.SizeMismatches++
		return nil, &Error{Kind: ErrSizeMismatch, ChunkID: c.ChunkID, Declared: c.PayloadSize, Actual: len(c.Payload)}
	}
	if r.started && c.ChunkID <= r.lastSeen {
		r.stats.Duplicates++
		return nil, nil
	}

	var events []Event
	if r.started && c.ChunkID > r.lastSeen+1 {
		missing := c.ChunkID - r.lastSeen - 1
		events = append(events, Event{Kind: EventGap, Gap: Gap{Missing: missing, AfterID: r.lastSeen, ResumeID: c.ChunkID}})
		r.stats.Gaps++
		r.stats.MissingChunks += uint64(missing)
		r.cur.reset()
		r.awaitingKey = true
	}
	r.started = true
	r.lastSeen = c.ChunkID
	r.stats.Chunks++

	var err error
	switch {
	case c.IsKeyframe():
		events = r.flush(events, false)
		r.cur.open = true
		r.cur.firstID = c.ChunkID
		r.cur.lastID = c.ChunkID
		r.cur.timestamp = c.TimestampMs
		r.awaitingKey = false
		r.complete = false
		err = r.append(c)
	case r.awaitingKey:
		if !c.IsEndOfStream() {
			r.stats.AwaitingKey++
		}
	default:
		err = r.append(c)
	}

	// end of stream holds even when its chunk overflowed the frame
	if c.IsEndOfStream() {
		events = r.flush(events, true)
		events = append(events, Event{Kind: EventEndOfStream})
		r.complete = true
		r.awaitingKey = true
	}
	return events, err
}

func (r *Reassembler) append(c protocol.VideoChunk) error {
	if r.cur.buf.Len()+len(c.Payload) > r.maxFrameBytes {
		r.stats.Oversized++
		r.cur.reset()
		r.awaitingKey = true
		return &Error{Kind: ErrFrameTooLarge, ChunkID: c.ChunkID, Declared: c.PayloadSize, Actual: r.maxFrameBytes}
	}
	// An empty end-of-stream marker closes the frame without extending it.
	if len(c.Payload) > 0 || !c.IsEndOfStream() {
		r.cur.lastID = c.ChunkID
		r.cur.duration += c.DurationMs
		r.cur.buf.Write(c.Payload)
	}
	return nil
}

func (r *Reassembler) flush(events []Event, eos bool) []Event {
	if !r.cur.open {
		return events
	}
	r.seq++
	frame := &core.MediaFrame{
		Seq:          r.seq,
		FirstChunkID: r.cur.firstID,
		LastChunkID:  r.cur.lastID,
		TimestampMs:  r.cur.timestamp,
		DurationMs:   r.cur.duration,
		Keyframe:     true,
		EndOfStream:  eos,
		Data:         append([]byte(nil), r.cur.buf.Bytes()...),
	}
	r.cur.reset()
	r.stats.Frames++
	return append(events, Event{Kind: EventFrame, Frame: frame})
}
