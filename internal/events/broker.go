// Package events fans state changes out to any number of observers.
package events

import "sync"

// DefaultBuffer is the channel capacity handed to subscribers by Subscribe.
const DefaultBuffer = 64

// Broker delivers published values to every live subscriber. Publish never
// blocks: a subscriber whose buffer is full misses the value.
type Broker[T any] struct {
	mu     sync.Mutex
	subs   map[int]chan T
	nextID int
	closed bool
}

func NewBroker[T any]() *Broker[T] {
	return &Broker[T]{subs: make(map[int]chan T)}
}

// Subscribe registers a new observer. The returned func removes it and closes
// the channel; calling it more than once is fine.
func (b *Broker[T]) Subscribe() (<-chan T, func()) {
	return b.SubscribeBuffer(DefaultBuffer)
}

func (b *Broker[T]) SubscribeBuffer(size int) (<-chan T, func()) {
	ch := make(chan T, size)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		close(ch)
		return ch, func() {}
	}

	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
		})
	}
}

func (b *Broker[T]) Publish(v T) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range b.subs {
		select {
		case ch <- v:
		default:
		}
	}
}

// Close closes all subscriber channels. Later publishes are dropped.
func (b *Broker[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
