package server

import (
	"time"

	"github.com/rish2jain/youcom-sub007/internal/breaker"
	"github.com/rish2jain/youcom-sub007/internal/cache"
	"github.com/rish2jain/youcom-sub007/internal/engine"
)

// HTTPError is the error envelope returned by every handler.
type HTTPError struct {
	Error string `json:"error"`
}

// ImpactRequest is the POST /api/impact payload.
type ImpactRequest struct {
	RequestID string   `json:"request_id,omitempty"`
	Entity    string   `json:"entity"`
	Keywords  []string `json:"keywords,omitempty"`
	Urgency   string   `json:"urgency,omitempty"`
}

// BreakersResponse lists every source breaker state.
type BreakersResponse struct {
	Breakers []breaker.Snapshot `json:"breakers"`
}

// CachePolicyView is one source's freshness windows.
type CachePolicyView struct {
	TTL      time.Duration `json:"ttl"`
	StaleFor time.Duration `json:"stale_for"`
}

// CacheStatsResponse pairs the counters with the policy table they run under.
type CacheStatsResponse struct {
	Stats    cache.Stats                `json:"stats"`
	Policies map[string]CachePolicyView `json:"policies"`
}

func (r ImpactRequest) toEngine() engine.Request {
	return engine.Request{
		RequestID: r.RequestID,
		Entity:    r.Entity,
		Keywords:  r.Keywords,
		Urgency:   engine.Urgency(r.Urgency),
	}
}
