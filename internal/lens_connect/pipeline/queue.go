package pipeline

import (
	"fmt"
	"strings"
	"sync"

	"github.com/heartneyes/lenslink/internal/lens_connect/core"
)

// Policy decides which frame is lost when a sink queue is full.
type Policy int

const (
	// DropNewest rejects the incoming frame and keeps the queued ones. The
	// producer is never blocked.
	DropNewest Policy = iota
	// DropOldest evicts the head of the queue to make room.
	DropOldest
)

func (p Policy) String() string {
	if p == DropOldest {
		return "drop-oldest"
	}
	return "drop-newest"
}

// ParsePolicy accepts "drop-oldest" and "drop-newest" ("backpressure" is an alias
// of drop-newest).
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "drop-oldest", "oldest":
		return DropOldest, nil
	case "drop-newest", "newest", "backpressure":
		return DropNewest, nil
	}
	return DropNewest, fmt.Errorf("unknown queue policy %q", s)
}

// QueueStats counts queue activity.
type QueueStats struct {
	Pushed        uint64 `json:"pushed"`
	Delivered     uint64 `json:"delivered"`
	DroppedOldest uint64 `json:"droppedOldest"`
	DroppedNewest uint64 `json:"droppedNewest"`
	Discarded     uint64 `json:"discarded"`
}

// FrameQueue is a bounded single-producer single-consumer handoff between the
// link event loop and one sink worker.
type FrameQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	buf    []*core.MediaFrame
	head   int
	n      int
	policy Policy
	closed bool
	stats  QueueStats
}

// NewFrameQueue creates a queue holding at most depth frames.
func NewFrameQueue(depth int, policy Policy) *FrameQueue {
	if depth < 1 {
		depth = 1
	}
	q := &FrameQueue{buf: make([]*core.MediaFrame, depth), policy: policy}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push enqueues f without blocking. It returns false when f itself was not
// queued (queue closed, or full under DropNewest).
func (q *FrameQueue) Push(f *core.MediaFrame) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	q.stats.Pushed++
	if q.n == len(q.buf) {
		if q.policy == DropNewest {
			q.stats.DroppedNewest++
			return false
		}
		q.buf[q.head] = nil
		q.head = (q.head + 1) % len(q.buf)
		q.n--
		q.stats.DroppedOldest++
	}
	q.buf[(q.head+q.n)%len(q.buf)] = f
	q.n++
	q.cond.Signal()
	return true
}

// Pop blocks until a frame is available. It returns false once the queue is
// closed and empty.
func (q *FrameQueue) Pop() (*core.MediaFrame, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.n == 0 && !q.closed {
		q.cond.Wait()
	}
	if q.n == 0 {
		return nil, false
	}
	f := q.buf[q.head]
	q.buf[q.head] = nil
	q.head = (q.head + 1) % len(q.buf)
	q.n--
	q.stats.Delivered++
	return f, true
}

// Close stops accepting frames. With drain the consumer still receives what
// is queued; without it the queue is emptied immediately.
func (q *FrameQueue) Close(drain bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !drain {
		for q.n > 0 {
			q.buf[q.head] = nil
			q.head = (q.head + 1) % len(q.buf)
			q.n--
			q.stats.Discarded++
		}
	}
	q.closed = true
	q.cond.Broadcast()
}

// Len returns the number of pending frames.
func (q *FrameQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.n
}

// Cap returns the configured depth.
func (q *FrameQueue) Cap() int { return len(q.buf) }

// Stats returns a copy of the counters.
func (q *FrameQueue) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stats
}

// Snapshot returns the pending frames in order without removing them.
func (q *FrameQueue) Snapshot() []*core.MediaFrame {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*core.MediaFrame, q.n)
	for i := 0; i < q.n; i++ {
		out[i] = q.buf[(q.head+i)%len(q.buf)]
	}
	return out
}
