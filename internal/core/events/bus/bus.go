// Package bus is an in-process, typed fan-out of values to channel
// subscribers.
//
// Key characteristics:
// - Ordered delivery: every subscriber observes values in publish order.
// - Non-blocking publish: each subscriber has its own unbounded queue drained
//   by a pump goroutine, so a slow reader never stalls the publisher.
// - Cancel closes the subscriber channel; Close cancels every subscription.
package bus

import (
	"sync"

	"github.com/google/uuid"
)

// Subscription is a registered receiver. Cancel is safe to call repeatedly.
type Subscription interface {
	ID() string
	IsActive() bool
	Cancel()
}

// Metrics is a best-effort snapshot of counters.
type Metrics struct {
	Published         uint64
	Delivered         uint64
	SubscribersActive uint64
}

type subscriber[T any] struct {
	id  string
	out chan T

	mu     sync.Mutex
	queue  []T
	wake   chan struct{}
	done   chan struct{}
	active bool

	onCancel func()
	once     sync.Once
}

func (s *subscriber[T]) ID() string { return s.id }

func (s *subscriber[T]) IsActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *subscriber[T]) Cancel() {
	s.once.Do(func() {
		s.mu.Lock()
		s.active = false
		s.queue = nil
		s.mu.Unlock()
		close(s.done)
		if s.onCancel != nil {
			s.onCancel()
		}
	})
}

func (s *subscriber[T]) push(v T) bool {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return false
	}
	s.queue = append(s.queue, v)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
	return true
}

func (s *subscriber[T]) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			select {
			case <-s.wake:
				continue
			case <-s.done:
				return
			}
		}
		v := s.queue[0]
		var zero T
		s.queue[0] = zero
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- v:
		case <-s.done:
			return
		}
	}
}

// Bus fans values of type T out to subscribers. It is safe for concurrent use.
type Bus[T any] struct {
	mu      sync.RWMutex
	subs    map[string]*subscriber[T]
	order   []string
	metrics Metrics
	closed  bool
}

func New[T any]() *Bus[T] {
	return &Bus[T]{subs: make(map[string]*subscriber[T])}
}

// Subscribe registers a receiver. The channel is closed after Cancel or
// Close. Values published before Subscribe are not replayed.
func (b *Bus[T]) Subscribe() (<-chan T, Subscription) {
	s := &subscriber[T]{
		id:     uuid.NewString(),
		out:    make(chan T),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		active: true,
	}
	s.onCancel = func() { b.remove(s.id) }

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		s.active = false
		close(s.done)
		close(s.out)
		return s.out, s
	}
	b.subs[s.id] = s
	b.order = append(b.order, s.id)
	b.metrics.SubscribersActive = uint64(len(b.subs))
	b.mu.Unlock()

	go s.pump()
	return s.out, s
}

func (b *Bus[T]) remove(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[id]; !ok {
		return
	}
	delete(b.subs, id)
	for i, sid := range b.order {
		if sid == id {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
	b.metrics.SubscribersActive = uint64(len(b.subs))
}

// Publish queues v for every active subscriber and never blocks on readers.
func (b *Bus[T]) Publish(v T) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	subs := make([]*subscriber[T], 0, len(b.order))
	for _, id := range b.order {
		subs = append(subs, b.subs[id])
	}
	b.mu.RUnlock()

	var delivered uint64
	for _, s := range subs {
		if s.push(v) {
			delivered++
		}
	}

	b.mu.Lock()
	b.metrics.Published++
	b.metrics.Delivered += delivered
	b.mu.Unlock()
}

// Close cancels all subscriptions. Later publishes are dropped.
func (b *Bus[T]) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*subscriber[T], 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		s.Cancel()
	}
}

// GetMetrics returns a snapshot of the counters.
func (b *Bus[T]) GetMetrics() Metrics {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.metrics
}
