package pubsub

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"hcfstream/internal/metrics"
)

var ErrBusClosed = errors.New("bus closed")

type subscriber[T any] struct {
	ch      chan T
	lossy   bool
	dropped atomic.Uint64
}

// Bus is an in-process fan-out of typed notifications.
// Every subscriber gets every message in publish order; a full subscriber buffer blocks Publish,
// except for lossy subscribers which drop the message instead.
type Bus[T any] struct {
	mu     sync.RWMutex
	subs   map[string]*subscriber[T]
	buffer int
	closed bool
}

func NewBus[T any](buffer int) *Bus[T] {
	if buffer <= 0 {
		buffer = 1024
	}
	return &Bus[T]{
		subs:   make(map[string]*subscriber[T]),
		buffer: buffer,
	}
}

// Subscribe registers a named consumer; subscribing the same name twice returns the same channel
func (b *Bus[T]) Subscribe(name string) <-chan T {
	return b.subscribe(name, false)
}

// SubscribeLossy registers a consumer that never holds back Publish:
// messages that do not fit into its buffer are dropped and counted.
func (b *Bus[T]) SubscribeLossy(name string) <-chan T {
	return b.subscribe(name, true)
}

func (b *Bus[T]) subscribe(name string, lossy bool) <-chan T {
	b.mu.Lock()
	defer b.mu.Unlock()

	if s, ok := b.subs[name]; ok {
		return s.ch
	}
	s := &subscriber[T]{ch: make(chan T, b.buffer), lossy: lossy}
	if b.closed {
		close(s.ch)
	}
	b.subs[name] = s
	return s.ch
}

func (b *Bus[T]) Publish(ctx context.Context, msg T) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return ErrBusClosed
	}

	for name, s := range b.subs {
		if s.lossy {
			select {
			case s.ch <- msg:
			default:
				s.dropped.Add(1)
				metrics.BusDropped.WithLabelValues(name).Inc()
			}
			continue
		}

		select {
		case s.ch <- msg:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Dropped returns how many messages a lossy subscriber has missed
func (b *Bus[T]) Dropped(name string) uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if s, ok := b.subs[name]; ok {
		return s.dropped.Load()
	}
	return 0
}

// Close closes all subscriber channels; later publishes return ErrBusClosed
func (b *Bus[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for _, s := range b.subs {
		close(s.ch)
	}
}
