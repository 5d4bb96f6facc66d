package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/heartneyes/lenslink/internal/lens_connect/core"
	"github.com/heartneyes/lenslink/internal/util"
)

// ErrSinkActive is returned when starting a slot that already has a sink.
var ErrSinkActive = errors.New("sink already active")

// SinkErrorHandler is told when a sink write fails. The slot is already
// stopped when it runs.
type SinkErrorHandler func(kind SinkKind, sinkName string, err error)

type slot struct {
	kind   SinkKind
	sink   Sink
	queue  *FrameQueue
	opts   SinkOptions
	cancel context.CancelFunc
}

// SlotState describes one slot for status output.
type SlotState struct {
	Active  bool       `json:"active"`
	Sink    string     `json:"sink,omitempty"`
	Pending int        `json:"pending"`
	Depth   int        `json:"depth"`
	Policy  string     `json:"policy"`
	Stats   QueueStats `json:"stats"`
}

// State is the runtime view of the media session.
type State struct {
	Recording SlotState `json:"recording"`
	Streaming SlotState `json:"streaming"`
}

// Session fans frames out to at most one recording and one streaming sink.
// Publish never blocks; each sink runs on its own worker.
type Session struct {
	mu      sync.Mutex
	slots   [2]*slot
	opts    [2]SinkOptions
	last    [2]QueueStats
	running map[*slot]struct{}
	onError SinkErrorHandler
	wg      sync.WaitGroup
	logger  *slog.Logger
}

// NewSession creates a session with per-slot queue options.
func NewSession(recording, streaming SinkOptions, onError SinkErrorHandler) *Session {
	return &Session{
		opts:    [2]SinkOptions{recording, streaming},
		onError: onError,
		running: make(map[*slot]struct{}),
		logger:  util.GetLogger().With("component", "media_session"),
	}
}

// Start attaches sink to the slot and starts its worker.
func (s *Session) Start(kind SinkKind, sink Sink) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.slots[kind] != nil {
		return fmt.Errorf("%s: %w", kind, ErrSinkActive)
	}
	opts := s.opts[kind]
	ctx, cancel := context.WithCancel(context.Background())
	sl := &slot{
		kind:   kind,
		sink:   sink,
		queue:  NewFrameQueue(opts.Depth, opts.Policy),
		opts:   opts,
		cancel: cancel,
	}
	s.slots[kind] = sl
	s.running[sl] = struct{}{}

	s.wg.Add(1)
	go s.run(ctx, sl)

	s.logger.Info("Sink started", "kind", kind, "sink", sink.Name(), "depth", opts.Depth, "policy", opts.Policy)
	return nil
}

// Stop detaches the slot's sink and returns without waiting for it. Queued
// frames are drained or discarded according to the slot options. Stopping an
// idle slot is a no-op.
func (s *Session) Stop(kind SinkKind) bool {
	s.mu.Lock()
	sl := s.slots[kind]
	s.slots[kind] = nil
	if sl != nil {
		s.last[kind] = sl.queue.Stats()
	}
	s.mu.Unlock()

	if sl == nil {
		return false
	}
	s.stopSlot(sl)
	return true
}

// StopAll stops both slots.
func (s *Session) StopAll() {
	s.Stop(Recording)
	s.Stop(Streaming)
}

func (s *Session) stopSlot(sl *slot) {
	sl.queue.Close(sl.opts.DrainOnStop)
	if !sl.opts.DrainOnStop {
		sl.cancel()
	}
	s.logger.Info("Sink stopping", "kind", sl.kind, "sink", sl.sink.Name(), "drain", sl.opts.DrainOnStop)
}

// Publish hands f to every active slot.
func (s *Session) Publish(f *core.MediaFrame) {
	s.mu.Lock()
	slots := s.slots
	s.mu.Unlock()

	for _, sl := range slots {
		if sl == nil {
			continue
		}
		if !sl.queue.Push(f) {
			s.logger.Debug("Sink queue full, frame dropped", "kind", sl.kind, "seq", f.Seq)
		}
	}
}

// Active reports whether the slot has a sink.
func (s *Session) Active(kind SinkKind) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.slots[kind] != nil
}

// State returns queue lengths and counters for both slots.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out [2]SlotState
	for k := range s.slots {
		opts := s.opts[k]
		st := SlotState{Depth: opts.Depth, Policy: opts.Policy.String(), Stats: s.last[k]}
		if sl := s.slots[k]; sl != nil {
			st.Active = true
			st.Sink = sl.sink.Name()
			st.Pending = sl.queue.Len()
			st.Stats = sl.queue.Stats()
		}
		out[k] = st
	}
	return State{Recording: out[Recording], Streaming: out[Streaming]}
}

// Close stops both slots and waits for their workers, or for ctx.
func (s *Session) Close(ctx context.Context) error {
	s.StopAll()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		// Abort drains still in progress.
		s.mu.Lock()
		for sl := range s.running {
			sl.cancel()
		}
		s.mu.Unlock()
		return ctx.Err()
	}
}

func (s *Session) run(ctx context.Context, sl *slot) {
	defer s.wg.Done()
	defer func() {
		sl.cancel()
		s.mu.Lock()
		delete(s.running, sl)
		s.mu.Unlock()
	}()

	var failed error
	for {
		f, ok := sl.queue.Pop()
		if !ok {
			break
		}
		if err := sl.sink.WriteFrame(ctx, f); err != nil {
			if ctx.Err() != nil {
				break
			}
			failed = err
			break
		}
	}

	if err := sl.sink.Close(); err != nil {
		s.logger.Warn("Sink close failed", "kind", sl.kind, "sink", sl.sink.Name(), "error", err)
	}

	if failed == nil {
		s.logger.Info("Sink stopped", "kind", sl.kind, "sink", sl.sink.Name())
		return
	}

	s.logger.Error("Sink write failed", "kind", sl.kind, "sink", sl.sink.Name(), "error", failed)
	s.mu.Lock()
	if s.slots[sl.kind] == sl {
		s.slots[sl.kind] = nil
		s.last[sl.kind] = sl.queue.Stats()
	}
	s.mu.Unlock()
	sl.queue.Close(false)
	if s.onError != nil {
		s.onError(sl.kind, sl.sink.Name(), failed)
	}
}
