package engine

import (
	"fmt"
	"time"

	"github.com/rish2jain/youcom-sub007/config"
)

// maxEntityLength bounds the normalized entity name.
const maxEntityLength = 256

// Router turns a validated request into an execution plan. Routing is a
// pure function of the request, the policy and the profile store; it never
// touches the network.
type Router struct {
	policy   config.RouterConfig
	profiles *ProfileStore
	now      func() time.Time
}

// NewRouter creates a router over the given policy. profiles may be nil, in
// which case every entity is treated as cold.
func NewRouter(policy config.RouterConfig, profiles *ProfileStore) *Router {
	return &Router{policy: policy, profiles: profiles, now: time.Now}
}

// Plan validates the request, scores its complexity and returns the stages
// to execute. Validation failures return a *PlanningError.
func (r *Router) Plan(entity string, keywords []string, urgency Urgency) (ExecutionPlan, error) {
	var plan ExecutionPlan

	ent := NormalizeEntity(entity)
	if ent == "" {
		return plan, &PlanningError{Reason: "entity is required"}
	}
	if len(ent) > maxEntityLength {
		return plan, &PlanningError{Reason: fmt.Sprintf("entity exceeds %d characters", maxEntityLength)}
	}
	switch urgency {
	case "":
		urgency = UrgencyNormal
	case UrgencyRealtime, UrgencyNormal, UrgencyThorough:
	default:
		return plan, &PlanningError{Reason: fmt.Sprintf("unknown urgency %q", urgency)}
	}
	kws := NormalizeKeywords(keywords)
	if len(kws) > r.policy.MaxKeywords {
		return plan, &PlanningError{Reason: fmt.Sprintf("too many keywords: %d > %d", len(kws), r.policy.MaxKeywords)}
	}

	fresh := r.hasFreshProfile(ent)

	complexity := float64(len(kws)) * r.policy.KeywordWeight
	switch urgency {
	case UrgencyThorough:
		complexity += r.policy.ThoroughBias
	case UrgencyRealtime:
		complexity -= r.policy.RealtimeBias
	}
	if !fresh {
		complexity += r.policy.ColdEntityBias
	}

	route := RouteStandard
	switch {
	case complexity >= r.policy.DeepDiveThreshold:
		route = RouteDeepDive
	case complexity <= r.policy.FastTrackThreshold && fresh:
		// A low score without a fresh profile stays on the standard route:
		// there is no baseline to answer from.
		route = RouteFastTrack
	}

	plan = ExecutionPlan{
		Route:      route,
		Entity:     ent,
		Keywords:   kws,
		Stages:     stagesFor(route),
		Budget:     r.budgetFor(route),
		Complexity: complexity,
	}
	return plan, nil
}

func (r *Router) hasFreshProfile(entity string) bool {
	if r.profiles == nil {
		return false
	}
	p, ok := r.profiles.Get(entity)
	if !ok {
		return false
	}
	return r.now().Sub(p.GeneratedAt) <= r.policy.ProfileFreshness
}

func (r *Router) budgetFor(route Route) time.Duration {
	switch route {
	case RouteFastTrack:
		return r.policy.Budgets.FastTrack
	case RouteDeepDive:
		return r.policy.Budgets.DeepDive
	default:
		return r.policy.Budgets.Standard
	}
}

// stagesFor lays out the dependency graph for a route. News and search are
// independent; analysis consumes both; research is independent long-tail
// work that must never delay analysis.
func stagesFor(route Route) []PlanStage {
	switch route {
	case RouteFastTrack:
		return []PlanStage{{Source: SourceNews}}
	case RouteDeepDive:
		return []PlanStage{
			{Source: SourceNews},
			{Source: SourceSearch},
			{Source: SourceAnalysis, DependsOn: []SourceKind{SourceNews, SourceSearch}},
			{Source: SourceResearch},
		}
	default:
		return []PlanStage{
			{Source: SourceNews},
			{Source: SourceSearch},
			{Source: SourceAnalysis, DependsOn: []SourceKind{SourceNews, SourceSearch}},
		}
	}
}
