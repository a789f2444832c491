package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/rish2jain/youcom-sub007/config"
	"github.com/rish2jain/youcom-sub007/internal/breaker"
	"github.com/rish2jain/youcom-sub007/internal/cache"
	"github.com/rish2jain/youcom-sub007/internal/events"
	"github.com/rish2jain/youcom-sub007/internal/telemetry"
)

var engineTracer = otel.Tracer("impact/internal/engine")

// maxTrackedRequests bounds the in-memory status registry. The oldest entry
// is evicted once the bound is hit.
const maxTrackedRequests = 512

// maxContextItems caps how many headlines and findings are forwarded into
// the analysis prompt.
const maxContextItems = 10

// Options carries the orchestrator's collaborators. Everything is
// constructed once at process start and injected; the orchestrator owns no
// globals.
type Options struct {
	Adapters  map[SourceKind]Adapter
	Cache     *cache.Cache[Payload]
	Breakers  map[SourceKind]*breaker.Breaker
	Profiles  *ProfileStore
	Emitter   *events.Emitter
	Logger    *log.Logger
	Telemetry *telemetry.Telemetry
}

// Orchestrator coordinates routing, source execution and scoring for impact
// card requests.
type Orchestrator struct {
	cfg       *config.Config
	logger    *log.Logger
	telemetry *telemetry.Telemetry
	router    *Router
	scorer    *Scorer
	chains    map[SourceKind]*sourceChain
	breakers  map[SourceKind]*breaker.Breaker
	payloads  *cache.Cache[Payload]
	profiles  *ProfileStore
	emitter   *events.Emitter
	semaphore chan struct{}

	mu       sync.RWMutex
	requests map[string]*RequestStatus
	order    []string
}

// RequestStatus is the registry view of one request's progress.
type RequestStatus struct {
	RequestID   string                `json:"request_id"`
	Entity      string                `json:"entity"`
	Route       Route                 `json:"route,omitempty"`
	State       string                `json:"state"`
	Stages      map[SourceKind]string `json:"stages,omitempty"`
	Error       string                `json:"error,omitempty"`
	StartedAt   time.Time             `json:"started_at"`
	CompletedAt *time.Time            `json:"completed_at,omitempty"`
	Card        *ImpactCard           `json:"card,omitempty"`
}

// NewOrchestrator validates the wiring and returns a ready orchestrator.
func NewOrchestrator(cfg *config.Config, opts Options) (*Orchestrator, error) {
	if cfg == nil {
		return nil, errors.New("engine: config is required")
	}
	for _, kind := range AllSources {
		if opts.Adapters[kind] == nil {
			return nil, fmt.Errorf("engine: missing adapter for source %q", kind)
		}
		if opts.Breakers[kind] == nil {
			return nil, fmt.Errorf("engine: missing breaker for source %q", kind)
		}
	}
	if opts.Cache == nil {
		return nil, errors.New("engine: cache is required")
	}
	if opts.Profiles == nil {
		return nil, errors.New("engine: profile store is required")
	}
	if opts.Emitter == nil {
		opts.Emitter = events.NewEmitter()
	}
	if opts.Logger == nil {
		opts.Logger = log.New(log.Writer(), "[ENGINE] ", log.LstdFlags)
	}
	if opts.Telemetry == nil {
		opts.Telemetry = telemetry.New(cfg.Telemetry)
	}

	chains := make(map[SourceKind]*sourceChain, len(AllSources))
	for _, kind := range AllSources {
		chains[kind] = &sourceChain{
			kind:    kind,
			adapter: opts.Adapters[kind],
			brk:     opts.Breakers[kind],
			cache:   opts.Cache,
			retry:   cfg.Retry,
		}
	}

	return &Orchestrator{
		cfg:       cfg,
		logger:    opts.Logger,
		telemetry: opts.Telemetry,
		router:    NewRouter(cfg.Router, opts.Profiles),
		scorer:    NewScorer(cfg.Scoring),
		chains:    chains,
		breakers:  opts.Breakers,
		payloads:  opts.Cache,
		profiles:  opts.Profiles,
		emitter:   opts.Emitter,
		semaphore: make(chan struct{}, cfg.General.MaxConcurrentRequests),
		requests:  make(map[string]*RequestStatus),
	}, nil
}

// Run executes one request end to end and returns its impact card. The only
// fatal outcomes are an invalid request (*PlanningError), every planned
// source failing (*AggregationFailure) and ctx ending before admission.
func (o *Orchestrator) Run(ctx context.Context, req Request) (*ImpactCard, error) {
	start := time.Now()
	requestID := req.RequestID
	if requestID == "" {
		requestID = uuid.New().String()
	}

	ctx, span := engineTracer.Start(ctx, "engine.run",
		trace.WithAttributes(
			attribute.String("request.id", requestID),
			attribute.String("request.entity", req.Entity),
			attribute.String("request.urgency", string(req.Urgency)),
		))
	defer span.End()

	select {
	case o.semaphore <- struct{}{}:
		defer func() { <-o.semaphore }()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	o.track(requestID, req, start)

	runEvent := telemetry.RunEvent{RequestID: requestID, Entity: req.Entity, StartTime: start}
	defer func() {
		runEvent.EndTime = time.Now()
		runEvent.Duration = runEvent.EndTime.Sub(runEvent.StartTime)
		o.telemetry.RecordRunEvent(ctx, runEvent)
	}()

	o.logger.Printf("run %s: entity=%q urgency=%s", requestID, req.Entity, req.Urgency)
	o.emit(ctx, requestID, events.StagePlan, events.StatusStarted, "", "")

	plan, err := o.router.Plan(req.Entity, req.Keywords, req.Urgency)
	if err != nil {
		o.emit(ctx, requestID, events.StagePlan, events.StatusFailed, "", err.Error())
		o.finishStatus(requestID, "failed", err.Error(), nil)
		runEvent.Error = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	runEvent.Route = string(plan.Route)
	o.setPlan(requestID, plan)
	o.emit(ctx, requestID, events.StagePlan, events.StatusCompleted,
		fmt.Sprintf("route=%s stages=%d budget=%s", plan.Route, len(plan.Stages), plan.Budget), "")
	span.AddEvent("plan.complete", trace.WithAttributes(
		attribute.String("plan.route", string(plan.Route)),
		attribute.Int("plan.stages", len(plan.Stages)),
		attribute.Float64("plan.complexity", plan.Complexity),
	))

	runCtx, cancel := context.WithDeadline(ctx, start.Add(plan.Budget))
	defer cancel()
	results := o.executeStages(runCtx, requestID, plan)

	succeeded := 0
	for _, res := range results {
		if res.Status != SourceFailed {
			succeeded++
		}
	}
	if succeeded == 0 {
		reasons := make(map[SourceKind]ReasonCode, len(results))
		for _, res := range results {
			reasons[res.Source] = res.Reason
		}
		err := &AggregationFailure{Entity: plan.Entity, Reasons: reasons}
		o.emit(ctx, requestID, events.StageRequest, events.StatusFailed, "", err.Error())
		o.finishStatus(requestID, "failed", err.Error(), nil)
		runEvent.Error = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	o.emit(ctx, requestID, events.StageScore, events.StatusStarted, "", "")
	var baseline *Profile
	if plan.Route == RouteFastTrack {
		if p, ok := o.profiles.Get(plan.Entity); ok {
			baseline = &p
		}
	}
	scores := o.scorer.Score(plan, results, baseline)
	o.emit(ctx, requestID, events.StageScore, events.StatusCompleted,
		fmt.Sprintf("risk=%.1f confidence=%.1f credibility=%.2f", scores.Risk, scores.Confidence, scores.Credibility), "")

	card := &ImpactCard{
		RequestID:        requestID,
		Entity:           plan.Entity,
		Keywords:         plan.Keywords,
		Route:            plan.Route,
		RiskScore:        scores.Risk,
		ConfidenceScore:  scores.Confidence,
		CredibilityScore: scores.Credibility,
		Insights:         scores.Insights,
		ImpactAreas:      scores.ImpactAreas,
		Report:           scores.Report,
		Evidence:         scores.Evidence,
		Results:          results,
		Degraded:         scores.Degraded,
		GeneratedAt:      time.Now().UTC(),
		Elapsed:          time.Since(start),
	}
	o.profiles.Record(card)

	o.emit(ctx, requestID, events.StageRequest, events.StatusCompleted,
		fmt.Sprintf("risk=%.1f degraded=%d elapsed=%s", card.RiskScore, len(card.Degraded), card.Elapsed.Round(time.Millisecond)), "")
	o.finishStatus(requestID, "completed", "", card)
	runEvent.Success = true
	runEvent.DegradedSources = len(card.Degraded)

	span.SetAttributes(
		attribute.Float64("card.risk_score", card.RiskScore),
		attribute.Float64("card.confidence_score", card.ConfidenceScore),
		attribute.Int("card.degraded_sources", len(card.Degraded)),
	)
	span.SetStatus(codes.Ok, "completed")
	o.logger.Printf("run %s: completed route=%s risk=%.1f degraded=%d elapsed=%s",
		requestID, card.Route, card.RiskScore, len(card.Degraded), card.Elapsed.Round(time.Millisecond))
	return card, nil
}

// stageOutcome lets dependent stages wait for a result without polling.
// done is closed exactly once, after result is final.
type stageOutcome struct {
	result SourceResult
	done   chan struct{}
}

// executeStages runs every planned stage on its own goroutine. Independent
// stages start immediately; dependent ones wait on their dependencies'
// outcomes. Returns results in plan order.
func (o *Orchestrator) executeStages(ctx context.Context, requestID string, plan ExecutionPlan) []SourceResult {
	outcomes := make(map[SourceKind]*stageOutcome, len(plan.Stages))
	for _, st := range plan.Stages {
		outcomes[st.Source] = &stageOutcome{done: make(chan struct{})}
	}

	var wg sync.WaitGroup
	for _, st := range plan.Stages {
		wg.Add(1)
		go func(st PlanStage) {
			defer wg.Done()
			out := outcomes[st.Source]
			defer close(out.done)
			out.result = o.runStage(ctx, requestID, plan, st, outcomes)
		}(st)
	}
	// Every stage observes ctx itself, so this wait ends shortly after the
	// deadline even when upstream fetches are still running detached.
	wg.Wait()

	results := make([]SourceResult, 0, len(plan.Stages))
	for _, st := range plan.Stages {
		results = append(results, outcomes[st.Source].result)
	}
	return results
}

func (o *Orchestrator) runStage(ctx context.Context, requestID string, plan ExecutionPlan, st PlanStage, outcomes map[SourceKind]*stageOutcome) SourceResult {
	ctx, span := engineTracer.Start(ctx, "engine.stage",
		trace.WithAttributes(attribute.String("stage.source", string(st.Source))))
	defer span.End()

	stage := string(st.Source)
	o.emit(ctx, requestID, stage, events.StatusStarted, "", "")
	o.setStage(requestID, st.Source, "running")

	for _, dep := range st.DependsOn {
		select {
		case <-outcomes[dep].done:
		case <-ctx.Done():
		}
	}
	if err := ctx.Err(); err != nil {
		return o.failStage(ctx, span, requestID, st.Source, SourceResult{
			Source: st.Source,
			Status: SourceFailed,
			Reason: ReasonDeadlineExceeded,
		}, err)
	}

	q := Query{Entity: plan.Entity, Keywords: plan.Keywords}
	if st.Source == SourceAnalysis {
		q.Analysis = analysisContext(st.DependsOn, outcomes)
	}

	stageStart := time.Now()
	lookup, err := o.chains[st.Source].fetch(ctx, q)
	latency := time.Since(stageStart)
	if err != nil {
		res := SourceResult{
			Source:  st.Source,
			Status:  SourceFailed,
			Latency: latency,
			Reason:  reasonFor(err),
		}
		return o.failStage(ctx, span, requestID, st.Source, res, err)
	}

	res := SourceResult{
		Source:    st.Source,
		Status:    SourceOK,
		Payload:   lookup.Value,
		FromCache: lookup.FromCache,
		Stale:     lookup.Stale,
		FetchedAt: lookup.FetchedAt,
		Latency:   latency,
	}
	if lookup.Stale {
		res.Status = SourceDegraded
		res.Reason = ReasonStaleCache
	}
	// Analysis over an empty context is a weaker signal than its payload
	// admits; record that on the card.
	if st.Source == SourceAnalysis && res.Status == SourceOK && emptyContext(q.Analysis) && len(st.DependsOn) > 0 {
		res.Status = SourceDegraded
		res.Reason = ReasonEmptyContext
	}

	o.setStage(requestID, st.Source, string(res.Status))
	o.emit(ctx, requestID, stage, events.StatusCompleted, summarize(res), string(res.Reason))
	o.telemetry.RecordSourceEvent(ctx, telemetry.SourceEvent{
		RequestID: requestID,
		Source:    string(st.Source),
		Duration:  latency,
		Success:   true,
		FromCache: lookup.FromCache,
		Stale:     lookup.Stale,
		Results:   payloadSize(res.Payload),
	})
	span.SetStatus(codes.Ok, string(res.Status))
	return res
}

func (o *Orchestrator) failStage(ctx context.Context, span trace.Span, requestID string, source SourceKind, res SourceResult, err error) SourceResult {
	o.setStage(requestID, source, string(SourceFailed))
	o.emit(ctx, requestID, string(source), events.StatusFailed, "", string(res.Reason))
	o.telemetry.RecordSourceEvent(ctx, telemetry.SourceEvent{
		RequestID: requestID,
		Source:    string(source),
		Duration:  res.Latency,
		Success:   false,
		Reason:    string(res.Reason),
	})
	o.logger.Printf("run %s: stage %s failed: %v", requestID, source, err)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return res
}

// analysisContext assembles the dependency payloads for the analysis stage.
// Failed dependencies contribute empty slices; analysis always runs.
func analysisContext(deps []SourceKind, outcomes map[SourceKind]*stageOutcome) *AnalysisContext {
	actx := &AnalysisContext{Headlines: []Article{}, Findings: []WebResult{}}
	for _, dep := range deps {
		out, ok := outcomes[dep]
		if !ok {
			continue
		}
		switch p := out.result.Payload.(type) {
		case NewsPayload:
			actx.Headlines = p.Articles
			if len(actx.Headlines) > maxContextItems {
				actx.Headlines = actx.Headlines[:maxContextItems]
			}
		case SearchPayload:
			actx.Findings = p.Results
			if len(actx.Findings) > maxContextItems {
				actx.Findings = actx.Findings[:maxContextItems]
			}
		}
	}
	return actx
}

func emptyContext(actx *AnalysisContext) bool {
	return actx == nil || (len(actx.Headlines) == 0 && len(actx.Findings) == 0)
}

func payloadSize(p Payload) int {
	switch p := p.(type) {
	case NewsPayload:
		return len(p.Articles)
	case SearchPayload:
		return len(p.Results)
	case ResearchPayload:
		return len(p.Citations)
	case AnalysisPayload:
		return len(p.Insights)
	default:
		return 0
	}
}

func summarize(res SourceResult) string {
	var s string
	switch p := res.Payload.(type) {
	case NewsPayload:
		s = fmt.Sprintf("%d articles", len(p.Articles))
	case SearchPayload:
		s = fmt.Sprintf("%d results", len(p.Results))
	case AnalysisPayload:
		s = fmt.Sprintf("risk=%.1f insights=%d", p.RiskScore, len(p.Insights))
	case ResearchPayload:
		s = fmt.Sprintf("report %d chars, %d citations", len(p.Report), len(p.Citations))
	default:
		return ""
	}
	if res.Stale {
		return s + " (stale)"
	}
	if res.FromCache {
		return s + " (cache)"
	}
	return s
}

func (o *Orchestrator) emit(ctx context.Context, requestID, stage string, status events.Status, summary, reason string) {
	o.emitter.Emit(ctx, events.Event{
		RequestID: requestID,
		Stage:     stage,
		Status:    status,
		Summary:   summary,
		Reason:    reason,
	})
}

func (o *Orchestrator) track(requestID string, req Request, start time.Time) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.requests[requestID] = &RequestStatus{
		RequestID: requestID,
		Entity:    NormalizeEntity(req.Entity),
		State:     "planning",
		StartedAt: start,
	}
	o.order = append(o.order, requestID)
	for len(o.order) > maxTrackedRequests {
		delete(o.requests, o.order[0])
		o.order = o.order[1:]
	}
}

func (o *Orchestrator) setPlan(requestID string, plan ExecutionPlan) {
	o.mu.Lock()
	defer o.mu.Unlock()
	st, ok := o.requests[requestID]
	if !ok {
		return
	}
	st.Route = plan.Route
	st.State = "running"
	st.Stages = make(map[SourceKind]string, len(plan.Stages))
	for _, stage := range plan.Stages {
		st.Stages[stage.Source] = "pending"
	}
}

func (o *Orchestrator) setStage(requestID string, source SourceKind, state string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	st, ok := o.requests[requestID]
	if !ok || st.Stages == nil {
		return
	}
	st.Stages[source] = state
}

func (o *Orchestrator) finishStatus(requestID, state, errMsg string, card *ImpactCard) {
	o.mu.Lock()
	defer o.mu.Unlock()
	st, ok := o.requests[requestID]
	if !ok {
		return
	}
	now := time.Now()
	st.State = state
	st.Error = errMsg
	st.Card = card
	st.CompletedAt = &now
}

// Status returns a copy of the registry entry for requestID. The embedded
// card pointer is shared; cards are immutable once returned.
func (o *Orchestrator) Status(requestID string) (RequestStatus, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	st, ok := o.requests[requestID]
	if !ok {
		return RequestStatus{}, false
	}
	cp := *st
	if st.Stages != nil {
		cp.Stages = make(map[SourceKind]string, len(st.Stages))
		for k, v := range st.Stages {
			cp.Stages[k] = v
		}
	}
	return cp, true
}

// BreakerSnapshots reports every source breaker, ordered by source name.
func (o *Orchestrator) BreakerSnapshots() []breaker.Snapshot {
	snaps := make([]breaker.Snapshot, 0, len(o.breakers))
	for _, kind := range AllSources {
		if b, ok := o.breakers[kind]; ok {
			snaps = append(snaps, b.Snapshot())
		}
	}
	return snaps
}

// CacheStats exposes the payload cache counters.
func (o *Orchestrator) CacheStats() cache.Stats {
	return o.payloads.Stats()
}
