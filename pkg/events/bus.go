package events

import "sync"

// Bus is a minimal typed publish/subscribe channel fan-out. Subscribers get
// their own buffered channel; a slow subscriber drops events rather than
// blocking the publisher, since every event here is advisory (peer joined,
// chunk announced) and the authoritative state lives elsewhere.
type Bus[T any] struct {
	mu     sync.Mutex
	subs   []chan T
	closed bool
}

func NewBus[T any]() *Bus[T] {
	return &Bus[T]{}
}

// Subscribe registers a new subscriber and returns its receive channel.
func (b *Bus[T]) Subscribe() <-chan T {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan T, 64)
	if b.closed {
		close(ch)
		return ch
	}
	b.subs = append(b.subs, ch)
	return ch
}

// Publish delivers ev to every subscriber that has buffer room.
func (b *Bus[T]) Publish(ev T) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Close closes all subscriber channels. Publish becomes a no-op.
func (b *Bus[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for _, ch := range b.subs {
		close(ch)
	}
	b.subs = nil
}
