// Package engine plans, executes and scores impact card requests. A request
// names a company entity; the engine fans out to the configured upstream
// sources, survives partial failures and folds whatever arrived into a
// single risk-scored card.
package engine

import (
	"encoding/json"
	"fmt"
	"time"
)

// SourceKind names one upstream signal source.
type SourceKind string

const (
	SourceNews     SourceKind = "news"
	SourceSearch   SourceKind = "search"
	SourceAnalysis SourceKind = "analysis"
	SourceResearch SourceKind = "research"
)

// AllSources lists every source in plan order.
var AllSources = []SourceKind{SourceNews, SourceSearch, SourceAnalysis, SourceResearch}

// Route is the execution strategy chosen by the router.
type Route string

const (
	RouteFastTrack Route = "fast_track"
	RouteStandard  Route = "standard"
	RouteDeepDive  Route = "deep_dive"
)

// Urgency is the caller's latency/depth preference.
type Urgency string

const (
	UrgencyRealtime Urgency = "realtime"
	UrgencyNormal   Urgency = "normal"
	UrgencyThorough Urgency = "thorough"
)

// Request is one impact card request. RequestID is assigned by the engine
// when empty.
type Request struct {
	RequestID string   `json:"request_id,omitempty"`
	Entity    string   `json:"entity"`
	Keywords  []string `json:"keywords,omitempty"`
	Urgency   Urgency  `json:"urgency,omitempty"`
}

// Query is the normalized upstream input shared by all adapters. Analysis is
// only set for the analysis source and carries upstream context gathered
// earlier in the run.
type Query struct {
	Entity   string
	Keywords []string
	Analysis *AnalysisContext
}

// AnalysisContext is the material handed to the analysis model.
type AnalysisContext struct {
	Headlines []Article   `json:"headlines"`
	Findings  []WebResult `json:"findings"`
}

// Article is a single news item.
type Article struct {
	Title       string    `json:"title"`
	URL         string    `json:"url"`
	PublishedAt time.Time `json:"published_at"`
	Snippet     string    `json:"snippet,omitempty"`
}

// WebResult is a single web search hit.
type WebResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet,omitempty"`
}

// Citation is one source referenced by a research report.
type Citation struct {
	Title string `json:"title,omitempty"`
	URL   string `json:"url"`
}

// Payload is the typed per-source result. Exactly four implementations
// exist, one per SourceKind.
type Payload interface {
	Kind() SourceKind
}

// NewsPayload is the news source result.
type NewsPayload struct {
	Articles []Article `json:"articles"`
}

func (NewsPayload) Kind() SourceKind { return SourceNews }

// SearchPayload is the web search result.
type SearchPayload struct {
	Results []WebResult `json:"results"`
}

func (SearchPayload) Kind() SourceKind { return SourceSearch }

// AnalysisPayload is the model's risk assessment.
type AnalysisPayload struct {
	RiskScore   float64  `json:"risk_score"`
	Insights    []string `json:"insights"`
	ImpactAreas []string `json:"impact_areas"`
	Summary     string   `json:"summary,omitempty"`
}

func (AnalysisPayload) Kind() SourceKind { return SourceAnalysis }

// ResearchPayload is the deep research report. RiskScore is optional; not
// every report quantifies risk.
type ResearchPayload struct {
	Report    string     `json:"report"`
	RiskScore *float64   `json:"risk_score,omitempty"`
	Citations []Citation `json:"citations"`
}

func (ResearchPayload) Kind() SourceKind { return SourceResearch }

// taggedPayload is the self-describing wire form used when payloads leave
// process memory.
type taggedPayload struct {
	Kind SourceKind      `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// EncodePayload serializes p with a kind tag so DecodePayload can pick the
// concrete type back out.
func EncodePayload(p Payload) ([]byte, error) {
	if p == nil {
		return nil, fmt.Errorf("encode payload: nil payload")
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return json.Marshal(taggedPayload{Kind: p.Kind(), Data: data})
}

// DecodePayload parses bytes produced by EncodePayload.
func DecodePayload(b []byte) (Payload, error) {
	var tagged taggedPayload
	if err := json.Unmarshal(b, &tagged); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	switch tagged.Kind {
	case SourceNews:
		var p NewsPayload
		if err := json.Unmarshal(tagged.Data, &p); err != nil {
			return nil, fmt.Errorf("decode news payload: %w", err)
		}
		return p, nil
	case SourceSearch:
		var p SearchPayload
		if err := json.Unmarshal(tagged.Data, &p); err != nil {
			return nil, fmt.Errorf("decode search payload: %w", err)
		}
		return p, nil
	case SourceAnalysis:
		var p AnalysisPayload
		if err := json.Unmarshal(tagged.Data, &p); err != nil {
			return nil, fmt.Errorf("decode analysis payload: %w", err)
		}
		return p, nil
	case SourceResearch:
		var p ResearchPayload
		if err := json.Unmarshal(tagged.Data, &p); err != nil {
			return nil, fmt.Errorf("decode research payload: %w", err)
		}
		return p, nil
	default:
		return nil, fmt.Errorf("decode payload: unknown kind %q", tagged.Kind)
	}
}

// PlanStage is one source launch in an execution plan. DependsOn lists
// stages whose results must settle before this one starts.
type PlanStage struct {
	Source    SourceKind   `json:"source"`
	DependsOn []SourceKind `json:"depends_on,omitempty"`
}

// ExecutionPlan is the router's decision for one request: the route, the
// stages to run, the time budget and the normalized inputs the stages use.
type ExecutionPlan struct {
	Route    Route         `json:"route"`
	Entity   string        `json:"entity"`
	Keywords []string      `json:"keywords,omitempty"`
	Stages   []PlanStage   `json:"stages"`
	Budget   time.Duration `json:"budget"`
	// Complexity is the router's score, kept for diagnostics.
	Complexity float64 `json:"complexity"`
}

// SourceStatus classifies how a stage settled.
type SourceStatus string

const (
	SourceOK       SourceStatus = "ok"
	SourceDegraded SourceStatus = "degraded"
	SourceFailed   SourceStatus = "failed"
)

// ReasonCode explains a degraded or failed stage.
type ReasonCode string

const (
	ReasonTimeout          ReasonCode = "timeout"
	ReasonUpstreamError    ReasonCode = "upstream_error"
	ReasonMalformed        ReasonCode = "malformed_response"
	ReasonBreakerOpen      ReasonCode = "breaker_open"
	ReasonDeadlineExceeded ReasonCode = "deadline_exceeded"
	ReasonStaleCache       ReasonCode = "stale_cache"
	ReasonEmptyContext     ReasonCode = "empty_context"
)

// SourceResult is one settled stage. Failed stages carry no payload;
// degraded stages carry a usable payload plus the reason it is second-rate.
type SourceResult struct {
	Source    SourceKind    `json:"source"`
	Status    SourceStatus  `json:"status"`
	Payload   Payload       `json:"payload,omitempty"`
	FromCache bool          `json:"from_cache,omitempty"`
	Stale     bool          `json:"stale,omitempty"`
	FetchedAt time.Time     `json:"fetched_at,omitempty"`
	Latency   time.Duration `json:"latency"`
	Reason    ReasonCode    `json:"reason,omitempty"`
}

// DegradedSource is the card's provenance record for a stage that did not
// settle cleanly.
type DegradedSource struct {
	Source SourceKind `json:"source"`
	Reason ReasonCode `json:"reason"`
	Stale  bool       `json:"stale,omitempty"`
}

// Evidence is one scored citation backing the card.
type Evidence struct {
	URL    string  `json:"url"`
	Title  string  `json:"title,omitempty"`
	Domain string  `json:"domain"`
	Tier   int     `json:"tier"`
	Weight float64 `json:"weight"`
}

// ImpactCard is the aggregated answer for one request.
type ImpactCard struct {
	RequestID        string           `json:"request_id"`
	Entity           string           `json:"entity"`
	Keywords         []string         `json:"keywords,omitempty"`
	Route            Route            `json:"route"`
	RiskScore        float64          `json:"risk_score"`
	ConfidenceScore  float64          `json:"confidence_score"`
	CredibilityScore float64          `json:"credibility_score"`
	Insights         []string         `json:"insights,omitempty"`
	ImpactAreas      []string         `json:"impact_areas,omitempty"`
	Report           string           `json:"report,omitempty"`
	Evidence         []Evidence       `json:"evidence,omitempty"`
	Results          []SourceResult   `json:"results"`
	Degraded         []DegradedSource `json:"degraded_sources,omitempty"`
	GeneratedAt      time.Time        `json:"generated_at"`
	Elapsed          time.Duration    `json:"elapsed"`
}
