package events

import (
	"context"
	"sync"
	"sync/atomic"
)

// Broker distributes events to in-process subscribers over buffered
// channels. When a subscriber's buffer is full the oldest event is dropped
// to make room, so publishers never wait and laggards see the newest state.
type Broker struct {
	buffer int

	mu     sync.Mutex
	nextID int
	subs   map[int]*Subscription
	closed bool
}

// Subscription is one subscriber's event feed. Read from C until it closes.
type Subscription struct {
	// C delivers matching events. Closed by Close or Broker.Close.
	C <-chan Event

	id        int
	requestID string
	ch        chan Event
	broker    *Broker
	closed    bool
	dropped   atomic.Int64
}

// NewBroker creates a broker whose subscribers each buffer up to buffer
// events.
func NewBroker(buffer int) *Broker {
	if buffer <= 0 {
		buffer = 64
	}
	return &Broker{
		buffer: buffer,
		subs:   make(map[int]*Subscription),
	}
}

// Subscribe registers a feed for one request, or for all requests when
// requestID is empty.
func (b *Broker) Subscribe(requestID string) *Subscription {
	ch := make(chan Event, b.buffer)
	sub := &Subscription{C: ch, requestID: requestID, ch: ch, broker: b}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		sub.closed = true
		close(ch)
		return sub
	}
	b.nextID++
	sub.id = b.nextID
	b.subs[sub.id] = sub
	return sub
}

// Publish delivers ev to matching subscribers without blocking.
func (b *Broker) Publish(_ context.Context, ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		if sub.requestID != "" && sub.requestID != ev.RequestID {
			continue
		}
		select {
		case sub.ch <- ev:
			continue
		default:
		}
		// Full: evict the oldest queued event and try once more. The reader
		// may win the race for the slot; then this event is the one dropped.
		select {
		case <-sub.ch:
		default:
		}
		select {
		case sub.ch <- ev:
			sub.dropped.Add(1)
		default:
			sub.dropped.Add(1)
		}
	}
}

// Close shuts every subscription down. Publish becomes a no-op.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		sub.closed = true
		close(sub.ch)
		delete(b.subs, id)
	}
}

// Close removes the subscription and closes C. Safe to call twice.
func (s *Subscription) Close() {
	if s.broker == nil {
		return
	}
	s.broker.mu.Lock()
	defer s.broker.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	delete(s.broker.subs, s.id)
	close(s.ch)
}

// Dropped is the number of events this subscriber lost to backpressure.
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}
