package events

import (
	"context"
	"sync"
	"time"
)

// Emitter stamps events with per-request sequence numbers and fans them out
// to every sink. Delivery happens under the emitter lock so the sequence
// order seen by each sink matches the numbers on the events; sinks must
// therefore return immediately.
type Emitter struct {
	mu    sync.Mutex
	seqs  map[string]int64
	sinks []Sink
	now   func() time.Time
}

// NewEmitter fans events out to sinks. An emitter with no sinks drops
// everything, which keeps callers free of nil checks.
func NewEmitter(sinks ...Sink) *Emitter {
	return &Emitter{
		seqs:  make(map[string]int64),
		sinks: sinks,
		now:   time.Now,
	}
}

// Emit assigns the next sequence number for ev's request, stamps the time if
// unset and delivers to all sinks. The stamped event is returned. Terminal
// request events release the per-request counter.
func (e *Emitter) Emit(ctx context.Context, ev Event) Event {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.seqs[ev.RequestID]++
	ev.Seq = e.seqs[ev.RequestID]
	if ev.Timestamp.IsZero() {
		ev.Timestamp = e.now().UTC()
	}
	if ev.Terminal() {
		delete(e.seqs, ev.RequestID)
	}
	for _, s := range e.sinks {
		s.Publish(ctx, ev)
	}
	return ev
}
