package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/heartneyes/lenslink/internal/lens_connect/core"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func frame(seq uint64) *core.MediaFrame {
	return &core.MediaFrame{Seq: seq, Keyframe: true, Data: []byte{byte(seq)}}
}

func seqs(frames []*core.MediaFrame) []uint64 {
	out := make([]uint64, len(frames))
	for i, f := range frames {
		out[i] = f.Seq
	}
	return out
}

// gatedSink blocks every write until released.
type gatedSink struct {
	name    string
	gate    chan struct{}
	started chan struct{}
	once    sync.Once

	mu     sync.Mutex
	got    []uint64
	closed bool
	fail   error
}

func newGatedSink(name string) *gatedSink {
	return &gatedSink{name: name, gate: make(chan struct{}), started: make(chan struct{})}
}

func (s *gatedSink) Name() string { return s.name }

func (s *gatedSink) WriteFrame(ctx context.Context, f *core.MediaFrame) error {
	s.once.Do(func() { close(s.started) })
	select {
	case <-s.gate:
	case <-ctx.Done():
		return ctx.Err()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	s.got = append(s.got, f.Seq)
	return nil
}

func (s *gatedSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *gatedSink) received() []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]uint64(nil), s.got...)
}

func (s *gatedSink) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func TestFrameQueuePolicies(t *testing.T) {
	const depth = 8
	rec := NewFrameQueue(depth, DropNewest)
	str := NewFrameQueue(depth, DropOldest)

	for i := uint64(1); i <= depth+10; i++ {
		rec.Push(frame(i))
		str.Push(frame(i))
	}

	assert.Equal(t, []uint64{1, 2, 3, 4, 5, 6, 7, 8}, seqs(rec.Snapshot()))
	assert.Equal(t, []uint64{11, 12, 13, 14, 15, 16, 17, 18}, seqs(str.Snapshot()))
	assert.Equal(t, uint64(10), rec.Stats().DroppedNewest)
	assert.Equal(t, uint64(10), str.Stats().DroppedOldest)

	rec.Close(false)
	str.Close(false)
}

func TestFrameQueueClose(t *testing.T) {
	q := NewFrameQueue(4, DropNewest)
	q.Push(frame(1))
	q.Push(frame(2))
	q.Close(true)
	assert.False(t, q.Push(frame(3)))

	f, ok := q.Pop()
	require.True(t, ok)
	assert.Equal(t, uint64(1), f.Seq)
	f, ok = q.Pop()
	require.True(t, ok)
	assert.Equal(t, uint64(2), f.Seq)
	_, ok = q.Pop()
	assert.False(t, ok)

	q = NewFrameQueue(4, DropOldest)
	q.Push(frame(1))
	q.Close(false)
	_, ok = q.Pop()
	assert.False(t, ok)
	assert.Equal(t, uint64(1), q.Stats().Discarded)
}

func TestFrameQueuePopWakesOnPush(t *testing.T) {
	q := NewFrameQueue(2, DropOldest)
	got := make(chan uint64)
	go func() {
		f, ok := q.Pop()
		if ok {
			got <- f.Seq
		}
		close(got)
	}()
	time.Sleep(10 * time.Millisecond)
	q.Push(frame(42))
	assert.Equal(t, uint64(42), <-got)
	q.Close(false)
}

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy("drop-oldest")
	require.NoError(t, err)
	assert.Equal(t, DropOldest, p)
	p, err = ParsePolicy("backpressure")
	require.NoError(t, err)
	assert.Equal(t, DropNewest, p)
	_, err = ParsePolicy("random")
	assert.Error(t, err)
}

func TestSessionSlowSinksDoNotBlockEachOther(t *testing.T) {
	s := NewSession(
		SinkOptions{Depth: 4, Policy: DropNewest, DrainOnStop: true},
		SinkOptions{Depth: 4, Policy: DropOldest},
		nil,
	)
	rec := newGatedSink("rec")
	str := newGatedSink("relay")
	require.NoError(t, s.Start(Recording, rec))
	require.NoError(t, s.Start(Streaming, str))

	// first frame is taken by each worker and blocks in WriteFrame
	s.Publish(frame(1))
	<-rec.started
	<-str.started

	done := make(chan struct{})
	go func() {
		for i := uint64(2); i <= 15; i++ {
			s.Publish(frame(i))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a stalled sink")
	}

	st := s.State()
	assert.True(t, st.Recording.Active)
	assert.Equal(t, 4, st.Recording.Pending)
	assert.Equal(t, 4, st.Streaming.Pending)
	assert.Equal(t, []uint64{2, 3, 4, 5}, seqs(s.slots[Recording].queue.Snapshot()))
	assert.Equal(t, []uint64{12, 13, 14, 15}, seqs(s.slots[Streaming].queue.Snapshot()))

	close(rec.gate)
	require.NoError(t, s.Close(context.Background()))

	// recording kept the oldest frames and drained them on stop
	assert.Equal(t, []uint64{1, 2, 3, 4, 5}, rec.received())
	// streaming discarded its queue and aborted the stalled write
	assert.Empty(t, str.received())
	assert.True(t, rec.isClosed())
	assert.True(t, str.isClosed())
}

func TestSessionStopIsImmediate(t *testing.T) {
	s := NewSession(DefaultRecordingOptions(), DefaultStreamingOptions(), nil)
	str := newGatedSink("relay")
	require.NoError(t, s.Start(Streaming, str))
	s.Publish(frame(1))
	<-str.started

	start := time.Now()
	assert.True(t, s.Stop(Streaming))
	assert.Less(t, time.Since(start), 100*time.Millisecond)
	assert.False(t, s.Active(Streaming))
	assert.False(t, s.Stop(Streaming))

	require.NoError(t, s.Close(context.Background()))
	assert.Empty(t, str.received())
	assert.True(t, str.isClosed())
}

func TestSessionStartTwice(t *testing.T) {
	s := NewSession(DefaultRecordingOptions(), DefaultStreamingOptions(), nil)
	require.NoError(t, s.Start(Recording, newGatedSink("a")))
	err := s.Start(Recording, newGatedSink("b"))
	assert.True(t, errors.Is(err, ErrSinkActive))
	require.NoError(t, s.Close(context.Background()))
}

func TestSessionSinkFailure(t *testing.T) {
	failures := make(chan error, 1)
	s := NewSession(DefaultRecordingOptions(), DefaultStreamingOptions(), func(kind SinkKind, name string, err error) {
		assert.Equal(t, Streaming, kind)
		assert.Equal(t, "relay", name)
		failures <- err
	})

	str := newGatedSink("relay")
	str.fail = errors.New("connection reset")
	close(str.gate)
	rec := newGatedSink("rec")
	close(rec.gate)
	require.NoError(t, s.Start(Recording, rec))
	require.NoError(t, s.Start(Streaming, str))

	s.Publish(frame(1))
	select {
	case err := <-failures:
		assert.EqualError(t, err, "connection reset")
	case <-time.After(time.Second):
		t.Fatal("sink failure not reported")
	}

	assert.False(t, s.Active(Streaming))
	assert.True(t, s.Active(Recording))

	s.Publish(frame(2))
	require.NoError(t, s.Close(context.Background()))
	assert.Equal(t, []uint64{1, 2}, rec.received())
}

func TestSessionCloseTimeout(t *testing.T) {
	s := NewSession(SinkOptions{Depth: 4, Policy: DropNewest, DrainOnStop: true}, DefaultStreamingOptions(), nil)
	rec := newGatedSink("rec")
	require.NoError(t, s.Start(Recording, rec))
	s.Publish(frame(1))
	<-rec.started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := s.Close(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// the drain was aborted, so the worker exits
	require.Eventually(t, rec.isClosed, time.Second, 5*time.Millisecond)
}

func TestBroadcaster(t *testing.T) {
	b := NewBroadcaster[string]()
	b.SetCached("ready")

	ch := b.Subscribe("a", 2)
	assert.Equal(t, "ready", <-ch)

	b.Broadcast("one")
	b.Broadcast("two")
	assert.Equal(t, 1, b.Broadcast("three"))
	assert.Equal(t, "one", <-ch)
	assert.Equal(t, "two", <-ch)

	b.Unsubscribe("a")
	_, ok := <-ch
	assert.False(t, ok)

	ch2 := b.Subscribe("b", 1)
	b.Close()
	<-ch2
	_, ok = <-ch2
	assert.False(t, ok)
	assert.Equal(t, 0, b.GetSubscriberCount())
}
