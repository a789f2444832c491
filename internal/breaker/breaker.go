package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// State is the breaker's position in the Closed -> Open -> HalfOpen cycle.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// OpenError is returned when a call is short-circuited without reaching the
// upstream. Matched with errors.As or IsOpen.
type OpenError struct {
	Name string
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("%s: circuit open", e.Name)
}

// IsOpen reports whether err is a short-circuit rejection.
func IsOpen(err error) bool {
	var oe *OpenError
	return errors.As(err, &oe)
}

// Config tunes a single breaker instance.
type Config struct {
	// FailureThreshold is the number of consecutive counting failures that
	// opens the breaker.
	FailureThreshold int
	// RecoveryTimeout is how long the breaker stays open before admitting a
	// single trial call.
	RecoveryTimeout time.Duration
	// IsFailure decides whether an error counts toward the threshold. A nil
	// func counts every non-nil error. Errors reported as non-counting
	// neither advance nor reset the consecutive-failure streak.
	IsFailure func(error) bool
	// OnTransition observes state changes. Called outside the breaker lock.
	OnTransition func(name string, from, to State)
}

// Breaker isolates one upstream dependency. Each adapter owns its own
// instance; instances are never shared across sources.
type Breaker struct {
	name string
	cfg  Config

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	probing  bool

	now func() time.Time
}

// Snapshot is a point-in-time view of a breaker for health reporting.
type Snapshot struct {
	Name                string     `json:"name"`
	State               string     `json:"state"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	OpenedAt            *time.Time `json:"opened_at,omitempty"`
}

type transition struct {
	from, to State
}

// New creates a closed breaker.
func New(name string, cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = 30 * time.Second
	}
	if cfg.IsFailure == nil {
		cfg.IsFailure = func(err error) bool { return err != nil }
	}
	return &Breaker{name: name, cfg: cfg, state: StateClosed, now: time.Now}
}

// Do runs fn if the breaker admits the call. While open it returns an
// *OpenError immediately without invoking fn. fn's error is returned
// unchanged so callers keep their own taxonomy.
func (b *Breaker) Do(ctx context.Context, fn func(context.Context) error) error {
	probe, err := b.allow()
	if err != nil {
		return err
	}
	err = fn(ctx)
	b.record(probe, err)
	return err
}

// allow admits or rejects a call. The returned probe flag marks the single
// half-open trial; its outcome alone settles the half-open state.
func (b *Breaker) allow() (bool, error) {
	var tr *transition

	b.mu.Lock()
	switch b.state {
	case StateClosed:
		b.mu.Unlock()
		return false, nil
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.cfg.RecoveryTimeout {
			b.mu.Unlock()
			return false, &OpenError{Name: b.name}
		}
		tr = &transition{from: StateOpen, to: StateHalfOpen}
		b.state = StateHalfOpen
		b.probing = true
		b.mu.Unlock()
		b.notify(tr)
		return true, nil
	default: // StateHalfOpen
		if b.probing {
			b.mu.Unlock()
			return false, &OpenError{Name: b.name}
		}
		b.probing = true
		b.mu.Unlock()
		return true, nil
	}
}

func (b *Breaker) record(probe bool, err error) {
	counting := err != nil && b.cfg.IsFailure(err)
	var tr *transition

	b.mu.Lock()
	if probe {
		b.probing = false
		// A client-fault error still proves the upstream answered, so only a
		// counting failure reopens.
		if counting {
			tr = b.trip()
		} else {
			tr = b.reset()
		}
		b.mu.Unlock()
		b.notify(tr)
		return
	}

	if b.state != StateClosed {
		// Call admitted before the state changed; the probe owns recovery.
		b.mu.Unlock()
		return
	}
	switch {
	case err == nil:
		b.failures = 0
	case counting:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			tr = b.trip()
		}
	}
	b.mu.Unlock()
	b.notify(tr)
}

// trip moves to Open. Caller holds the lock.
func (b *Breaker) trip() *transition {
	tr := &transition{from: b.state, to: StateOpen}
	b.state = StateOpen
	b.openedAt = b.now()
	b.probing = false
	return tr
}

// reset moves to Closed and clears counters. Caller holds the lock.
func (b *Breaker) reset() *transition {
	tr := &transition{from: b.state, to: StateClosed}
	b.state = StateClosed
	b.failures = 0
	b.openedAt = time.Time{}
	return tr
}

func (b *Breaker) notify(tr *transition) {
	if tr == nil || tr.from == tr.to || b.cfg.OnTransition == nil {
		return
	}
	b.cfg.OnTransition(b.name, tr.from, tr.to)
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot returns a copy of the breaker's observable state.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	snap := Snapshot{
		Name:                b.name,
		State:               b.state.String(),
		ConsecutiveFailures: b.failures,
	}
	if !b.openedAt.IsZero() {
		at := b.openedAt
		snap.OpenedAt = &at
	}
	return snap
}
