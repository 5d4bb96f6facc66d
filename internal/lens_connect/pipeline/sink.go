package pipeline

import (
	"context"

	"github.com/heartneyes/lenslink/internal/lens_connect/core"
)

// Sink consumes assembled frames on its own worker goroutine.
type Sink interface {
	Name() string
	// WriteFrame may block; ctx is cancelled when the sink is stopped without draining.
	WriteFrame(ctx context.Context, f *core.MediaFrame) error
	Close() error
}

// SinkKind identifies one of the two fan-out slots.
type SinkKind int

const (
	Recording SinkKind = iota
	Streaming
)

func (k SinkKind) String() string {
	if k == Streaming {
		return "streaming"
	}
	return "recording"
}

// SinkOptions configure one slot.
type SinkOptions struct {
	Depth  int
	Policy Policy
	// DrainOnStop delivers queued frames after Stop instead of discarding them.
	DrainOnStop bool
}

// DefaultRecordingOptions favor completeness.
func DefaultRecordingOptions() SinkOptions {
	return SinkOptions{Depth: 64, Policy: DropNewest, DrainOnStop: true}
}

// DefaultStreamingOptions favor freshness.
func DefaultStreamingOptions() SinkOptions {
	return SinkOptions{Depth: 16, Policy: DropOldest, DrainOnStop: false}
}
