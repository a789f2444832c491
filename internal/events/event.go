// Package events carries per-request progress signals from the orchestrator
// to live subscribers and durable sinks. Emission never blocks request
// processing: slow consumers lose events, they do not slow the engine.
package events

import (
	"context"
	"time"
)

// Status is the lifecycle position of a stage.
type Status string

const (
	StatusStarted   Status = "started"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Stage names used by the engine beyond the per-source stages, which are
// named after the source itself.
const (
	StagePlan    = "plan"
	StageScore   = "score"
	StageRequest = "request"
)

// Event is one progress notification for a request. Seq is assigned by the
// Emitter and is strictly increasing within a request.
type Event struct {
	RequestID string    `json:"request_id"`
	Seq       int64     `json:"seq"`
	Stage     string    `json:"stage"`
	Status    Status    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Summary   string    `json:"summary,omitempty"`
	Reason    string    `json:"reason,omitempty"`
}

// Terminal reports whether this event ends the whole request.
func (e Event) Terminal() bool {
	return e.Stage == StageRequest && (e.Status == StatusCompleted || e.Status == StatusFailed)
}

// Sink receives emitted events. Publish must not block; sinks that do slow
// work queue internally and drop on overflow.
type Sink interface {
	Publish(ctx context.Context, ev Event)
}
