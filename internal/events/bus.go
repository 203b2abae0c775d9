// Package events implements the in-process broadcast of queue lifecycle and
// progress events.
//
// A Bus fans every published event out to all subscriptions that exist at
// publish time. Publishing never blocks: when a subscriber's buffer is full
// the event is dropped for that subscriber and counted as lag.
package events

import (
	"sync"
	"sync/atomic"
)

const DefaultBuffer = 256

type Bus struct {
	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	buffer int
	closed bool
}

// NewBus creates a bus whose subscriptions buffer up to buffer events.
func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Bus{
		subs:   make(map[*Subscription]struct{}),
		buffer: buffer,
	}
}

// Subscription receives every event published after it was created.
type Subscription struct {
	bus    *Bus
	ch     chan Event
	lagged atomic.Uint64
	once   sync.Once
}

// C returns the receive side of the subscription. It is closed on
// Unsubscribe or when the bus closes.
func (s *Subscription) C() <-chan Event {
	return s.ch
}

// TakeLagged returns how many events were dropped since the last call.
func (s *Subscription) TakeLagged() uint64 {
	return s.lagged.Swap(0)
}

// Unsubscribe detaches the subscription and closes its channel.
func (s *Subscription) Unsubscribe() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if _, ok := s.bus.subs[s]; ok {
		delete(s.bus.subs, s)
		s.close()
	}
}

func (s *Subscription) close() {
	s.once.Do(func() { close(s.ch) })
}

func (b *Bus) Subscribe() *Subscription {
	sub := &Subscription{bus: b, ch: make(chan Event, b.buffer)}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		sub.close()
		return sub
	}
	b.subs[sub] = struct{}{}
	return sub
}

// Publish delivers e to every subscriber without blocking.
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for sub := range b.subs {
		select {
		case sub.ch <- e:
		default:
			sub.lagged.Add(1)
		}
	}
}

// Subscribers returns the number of attached subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close detaches all subscribers. Later publishes are ignored.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subs {
		delete(b.subs, sub)
		sub.close()
	}
}
