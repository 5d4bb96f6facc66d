package pipeline

import (
	"sync"

	"github.com/heartneyes/lenslink/internal/util"
)

// Broadcaster is a pub/sub fan-out for small values such as link events. It
// can cache one value that is sent immediately to new subscribers.
type Broadcaster[T any] struct {
	mu          sync.RWMutex
	subscribers map[string]chan T
	cached      T
	hasCached   bool
	closed      bool
}

// NewBroadcaster creates a new broadcaster instance.
func NewBroadcaster[T any]() *Broadcaster[T] {
	return &Broadcaster[T]{
		subscribers: make(map[string]chan T),
	}
}

// SetCached stores the value replayed to new subscribers.
func (b *Broadcaster[T]) SetCached(v T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cached = v
	b.hasCached = true
}

// Subscribe adds a subscriber with the given ID. A cached value, if any, is
// delivered first.
func (b *Broadcaster[T]) Subscribe(subscriberID string, bufferSize int) <-chan T {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		ch := make(chan T)
		close(ch)
		return ch
	}

	if old, exists := b.subscribers[subscriberID]; exists {
		close(old)
	}
	ch := make(chan T, bufferSize)
	b.subscribers[subscriberID] = ch

	if b.hasCached {
		select {
		case ch <- b.cached:
		default:
		}
	}

	util.GetLogger().Debug("New subscriber added", "id", subscriberID, "total", len(b.subscribers))
	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Broadcaster[T]) Unsubscribe(subscriberID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, exists := b.subscribers[subscriberID]; exists {
		close(ch)
		delete(b.subscribers, subscriberID)
		util.GetLogger().Debug("Subscriber removed", "id", subscriberID, "remaining", len(b.subscribers))
	}
}

// Broadcast delivers v to every subscriber without blocking. A subscriber
// whose buffer is full misses v.
func (b *Broadcaster[T]) Broadcast(v T) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return 0
	}
	missed := 0
	for id, ch := range b.subscribers {
		select {
		case ch <- v:
		default:
			missed++
			util.GetLogger().Warn("Subscriber channel full, dropping event", "id", id)
		}
	}
	return missed
}

// Close shuts down the broadcaster and closes all subscriber channels.
func (b *Broadcaster[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for _, ch := range b.subscribers {
		close(ch)
	}
	b.subscribers = make(map[string]chan T)
}

// GetSubscriberCount returns the current number of subscribers.
func (b *Broadcaster[T]) GetSubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
