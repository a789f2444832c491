package engine

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/rish2jain/youcom-sub007/config"
	"github.com/rish2jain/youcom-sub007/internal/breaker"
	"github.com/rish2jain/youcom-sub007/internal/cache"
	"github.com/rish2jain/youcom-sub007/internal/events"
	"github.com/rish2jain/youcom-sub007/internal/telemetry"
)

// stubAdapter is a scriptable in-memory upstream. It records call times and
// queries so tests can assert scheduling order.
type stubAdapter struct {
	kind    SourceKind
	delay   time.Duration
	payload Payload
	err     error

	mu      sync.Mutex
	calls   int
	started []time.Time
	ended   []time.Time
	queries []Query
}

func (s *stubAdapter) Kind() SourceKind { return s.kind }

func (s *stubAdapter) Fetch(ctx context.Context, q Query) (Payload, error) {
	s.mu.Lock()
	s.calls++
	s.started = append(s.started, time.Now())
	s.queries = append(s.queries, q)
	delay, payload, err := s.delay, s.payload, s.err
	s.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			s.finish()
			return nil, ctx.Err()
		}
	}
	s.finish()
	if err != nil {
		return nil, err
	}
	if payload == nil {
		payload = stubPayload(s.kind)
	}
	return payload, nil
}

func (s *stubAdapter) finish() {
	s.mu.Lock()
	s.ended = append(s.ended, time.Now())
	s.mu.Unlock()
}

func (s *stubAdapter) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *stubAdapter) firstStart() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.started) == 0 {
		return time.Time{}
	}
	return s.started[0]
}

func (s *stubAdapter) lastEnd() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.ended) == 0 {
		return time.Time{}
	}
	return s.ended[len(s.ended)-1]
}

func (s *stubAdapter) lastQuery() (Query, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queries) == 0 {
		return Query{}, false
	}
	return s.queries[len(s.queries)-1], true
}

func stubPayload(kind SourceKind) Payload {
	switch kind {
	case SourceNews:
		return NewsPayload{Articles: []Article{{
			Title:       "Acme acquires Widgets",
			URL:         "https://www.reuters.com/acme-widgets",
			PublishedAt: time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC),
		}}}
	case SourceSearch:
		return SearchPayload{Results: []WebResult{{
			Title: "Acme company profile",
			URL:   "https://www.reuters.com/acme-profile",
		}}}
	case SourceAnalysis:
		return AnalysisPayload{
			RiskScore:   60,
			Insights:    []string{"supply chain exposure"},
			ImpactAreas: []string{"operations"},
		}
	default:
		risk := 40.0
		return ResearchPayload{
			Report:    "deep findings",
			RiskScore: &risk,
			Citations: []Citation{{URL: "https://www.reuters.com/acme-deep"}},
		}
	}
}

func upstreamErr(kind SourceKind) *AdapterError {
	return &AdapterError{Source: kind, Kind: AdapterHTTP, StatusCode: 500}
}

// recordingSink captures every emitted event in delivery order.
type recordingSink struct {
	mu  sync.Mutex
	evs []events.Event
}

func (r *recordingSink) Publish(_ context.Context, ev events.Event) {
	r.mu.Lock()
	r.evs = append(r.evs, ev)
	r.mu.Unlock()
}

func (r *recordingSink) forRequest(id string) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.Event, 0, len(r.evs))
	for _, ev := range r.evs {
		if ev.RequestID == id {
			out = append(out, ev)
		}
	}
	return out
}

type harness struct {
	orch     *Orchestrator
	stubs    map[SourceKind]*stubAdapter
	store    cache.Store[Payload]
	profiles *ProfileStore
	sink     *recordingSink
	cfg      *config.Config
}

func newHarness(t *testing.T, mutate func(*config.Config)) *harness {
	t.Helper()

	cfg := config.Default()
	cfg.Telemetry.Enabled = false
	cfg.Retry.MaxAttempts = 1
	cfg.Retry.InitialInterval = time.Millisecond
	cfg.Retry.MaxElapsedTime = time.Second
	if mutate != nil {
		mutate(cfg)
	}

	stubs := make(map[SourceKind]*stubAdapter, len(AllSources))
	adapters := make(map[SourceKind]Adapter, len(AllSources))
	for _, kind := range AllSources {
		stub := &stubAdapter{kind: kind}
		stubs[kind] = stub
		adapters[kind] = stub
	}

	store, err := cache.NewLRUStore[Payload](128)
	if err != nil {
		t.Fatalf("NewLRUStore: %v", err)
	}
	policies := map[string]cache.Policy{
		string(SourceNews):     {TTL: cfg.Cache.TTL.News, StaleFor: cfg.Cache.StaleFor.News},
		string(SourceSearch):   {TTL: cfg.Cache.TTL.Search, StaleFor: cfg.Cache.StaleFor.Search},
		string(SourceAnalysis): {TTL: cfg.Cache.TTL.Analysis, StaleFor: cfg.Cache.StaleFor.Analysis},
		string(SourceResearch): {TTL: cfg.Cache.TTL.Research, StaleFor: cfg.Cache.StaleFor.Research},
	}
	quiet := log.New(io.Discard, "", 0)
	payloads := cache.New[Payload](store, policies, quiet)

	breakers := make(map[SourceKind]*breaker.Breaker, len(AllSources))
	for _, kind := range AllSources {
		breakers[kind] = breaker.New(string(kind), breaker.Config{
			FailureThreshold: cfg.Breaker.FailureThreshold,
			RecoveryTimeout:  cfg.Breaker.RecoveryTimeout,
			IsFailure:        countsAgainstBreaker,
		})
	}

	profiles, err := NewProfileStore(32)
	if err != nil {
		t.Fatalf("NewProfileStore: %v", err)
	}

	sink := &recordingSink{}
	orch, err := NewOrchestrator(cfg, Options{
		Adapters:  adapters,
		Cache:     payloads,
		Breakers:  breakers,
		Profiles:  profiles,
		Emitter:   events.NewEmitter(sink),
		Logger:    quiet,
		Telemetry: telemetry.New(cfg.Telemetry),
	})
	if err != nil {
		t.Fatalf("NewOrchestrator: %v", err)
	}

	return &harness{orch: orch, stubs: stubs, store: store, profiles: profiles, sink: sink, cfg: cfg}
}

// seedProfile makes entity warm enough for the fast track.
func (h *harness) seedProfile(entity string, risk float64) {
	h.profiles.Record(&ImpactCard{
		Entity:           entity,
		RiskScore:        risk,
		CredibilityScore: 0.9,
		Route:            RouteStandard,
		GeneratedAt:      time.Now(),
	})
}

func resultFor(t *testing.T, card *ImpactCard, kind SourceKind) SourceResult {
	t.Helper()
	for _, res := range card.Results {
		if res.Source == kind {
			return res
		}
	}
	t.Fatalf("card has no result for %s: %+v", kind, card.Results)
	return SourceResult{}
}

func TestRunStandardRouteDependencyOrder(t *testing.T) {
	h := newHarness(t, nil)
	h.stubs[SourceNews].delay = 30 * time.Millisecond
	h.stubs[SourceSearch].delay = 50 * time.Millisecond
	h.stubs[SourceAnalysis].delay = 10 * time.Millisecond

	card, err := h.orch.Run(context.Background(), Request{
		Entity:   "Acme Corp",
		Keywords: []string{"merger", "layoffs"},
		Urgency:  UrgencyNormal,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if card.Route != RouteStandard {
		t.Fatalf("route = %s, want standard", card.Route)
	}
	if got := h.stubs[SourceResearch].callCount(); got != 0 {
		t.Fatalf("research called %d times on the standard route", got)
	}
	if len(card.Results) != 3 {
		t.Fatalf("results = %d, want 3", len(card.Results))
	}
	for _, res := range card.Results {
		if res.Status != SourceOK {
			t.Fatalf("%s status = %s: %+v", res.Source, res.Status, res)
		}
	}

	analysisStart := h.stubs[SourceAnalysis].firstStart()
	if !analysisStart.After(h.stubs[SourceNews].lastEnd()) {
		t.Fatal("analysis started before news finished")
	}
	if !analysisStart.After(h.stubs[SourceSearch].lastEnd()) {
		t.Fatal("analysis started before search finished")
	}

	q, ok := h.stubs[SourceAnalysis].lastQuery()
	if !ok || q.Analysis == nil {
		t.Fatal("analysis ran without context")
	}
	if len(q.Analysis.Headlines) != 1 || len(q.Analysis.Findings) != 1 {
		t.Fatalf("analysis context = %d headlines, %d findings", len(q.Analysis.Headlines), len(q.Analysis.Findings))
	}

	if !almostEqual(card.RiskScore, 60) {
		t.Fatalf("risk = %v, want 60 from analysis with full credibility", card.RiskScore)
	}
	if len(card.Degraded) != 0 {
		t.Fatalf("degraded = %+v, want none", card.Degraded)
	}
}

func TestRunDeepDiveRunsResearchInParallel(t *testing.T) {
	h := newHarness(t, nil)
	h.stubs[SourceNews].delay = 40 * time.Millisecond
	h.stubs[SourceSearch].delay = 40 * time.Millisecond
	h.stubs[SourceResearch].delay = 80 * time.Millisecond

	card, err := h.orch.Run(context.Background(), Request{
		Entity:   "Acme Corp",
		Keywords: []string{"merger", "litigation", "recall"},
		Urgency:  UrgencyThorough,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if card.Route != RouteDeepDive {
		t.Fatalf("route = %s, want deep_dive", card.Route)
	}

	researchStart := h.stubs[SourceResearch].firstStart()
	if !researchStart.Before(h.stubs[SourceNews].lastEnd()) {
		t.Fatal("research waited for news; it must start immediately")
	}
	if !researchStart.Before(h.stubs[SourceAnalysis].firstStart()) {
		t.Fatal("research started after analysis; it must not be downstream of anything")
	}

	if card.Report != "deep findings" {
		t.Fatalf("report = %q", card.Report)
	}
	// 0.7*60 + 0.3*40 with full credibility and nothing degraded.
	if !almostEqual(card.RiskScore, 54) {
		t.Fatalf("risk = %v, want 54", card.RiskScore)
	}
}

func TestRunResearchFailureStillProducesCard(t *testing.T) {
	h := newHarness(t, nil)
	h.stubs[SourceResearch].err = upstreamErr(SourceResearch)

	card, err := h.orch.Run(context.Background(), Request{
		Entity:   "Acme Corp",
		Keywords: []string{"merger", "litigation", "recall"},
		Urgency:  UrgencyThorough,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	res := resultFor(t, card, SourceResearch)
	if res.Status != SourceFailed || res.Reason != ReasonUpstreamError {
		t.Fatalf("research result = %+v", res)
	}
	if card.Report != "" {
		t.Fatalf("report = %q, want empty when research failed", card.Report)
	}
	if len(card.Degraded) != 1 || card.Degraded[0].Source != SourceResearch {
		t.Fatalf("degraded = %+v", card.Degraded)
	}
	// Analysis alone grounds risk: 60 * (1 - 0.3*(1/4)).
	if !almostEqual(card.RiskScore, 55.5) {
		t.Fatalf("risk = %v, want 55.5", card.RiskScore)
	}
}

func TestRunAllSourcesFailedReturnsAggregationFailure(t *testing.T) {
	h := newHarness(t, nil)
	for _, kind := range AllSources {
		h.stubs[kind].err = upstreamErr(kind)
	}

	_, err := h.orch.Run(context.Background(), Request{
		Entity:  "Acme Corp",
		Urgency: UrgencyNormal,
	})

	var agg *AggregationFailure
	if !errors.As(err, &agg) {
		t.Fatalf("error = %v, want *AggregationFailure", err)
	}
	if len(agg.Reasons) != 3 {
		t.Fatalf("reasons = %+v, want one per planned source", agg.Reasons)
	}
	for src, reason := range agg.Reasons {
		if reason != ReasonUpstreamError {
			t.Errorf("%s reason = %s, want upstream_error", src, reason)
		}
	}
}

func TestRunInvalidRequestFailsPlanning(t *testing.T) {
	h := newHarness(t, nil)

	_, err := h.orch.Run(context.Background(), Request{Entity: "   "})

	var perr *PlanningError
	if !errors.As(err, &perr) {
		t.Fatalf("error = %v, want *PlanningError", err)
	}
	for _, stub := range h.stubs {
		if stub.callCount() != 0 {
			t.Fatalf("%s called despite planning failure", stub.kind)
		}
	}
}

func TestRunFastTrackUsesProfileBaseline(t *testing.T) {
	h := newHarness(t, nil)
	h.seedProfile("beta inc", 55)

	card, err := h.orch.Run(context.Background(), Request{
		Entity:  "Beta Inc",
		Urgency: UrgencyRealtime,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if card.Route != RouteFastTrack {
		t.Fatalf("route = %s, want fast_track", card.Route)
	}
	if len(card.Results) != 1 || card.Results[0].Source != SourceNews {
		t.Fatalf("results = %+v, want news only", card.Results)
	}
	for _, kind := range []SourceKind{SourceSearch, SourceAnalysis, SourceResearch} {
		if h.stubs[kind].callCount() != 0 {
			t.Fatalf("%s called on the fast track", kind)
		}
	}
	if !almostEqual(card.RiskScore, 55) {
		t.Fatalf("risk = %v, want the profile baseline 55", card.RiskScore)
	}
	if card.ConfidenceScore <= ungroundedConfidenceCap {
		t.Fatalf("confidence = %v, want above the ungrounded cap with a baseline", card.ConfidenceScore)
	}
}

func TestRunFastTrackOnlySourceFailureIsFatal(t *testing.T) {
	h := newHarness(t, nil)
	h.seedProfile("beta inc", 55)
	h.stubs[SourceNews].err = upstreamErr(SourceNews)

	_, err := h.orch.Run(context.Background(), Request{
		Entity:  "Beta Inc",
		Urgency: UrgencyRealtime,
	})

	var agg *AggregationFailure
	if !errors.As(err, &agg) {
		t.Fatalf("error = %v, want *AggregationFailure when the only source fails", err)
	}
}

func TestRunDeadlineMarksPendingStagesFailed(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) {
		cfg.Router.Budgets.Standard = 80 * time.Millisecond
	})
	h.stubs[SourceSearch].delay = 500 * time.Millisecond

	start := time.Now()
	card, err := h.orch.Run(context.Background(), Request{
		Entity:  "Acme Corp",
		Urgency: UrgencyNormal,
	})
	elapsed := time.Since(start)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if elapsed >= 400*time.Millisecond {
		t.Fatalf("run took %s; the deadline must not wait for in-flight fetches", elapsed)
	}

	if res := resultFor(t, card, SourceNews); res.Status != SourceOK {
		t.Fatalf("news = %+v, want ok", res)
	}
	if res := resultFor(t, card, SourceSearch); res.Status != SourceFailed || res.Reason != ReasonDeadlineExceeded {
		t.Fatalf("search = %+v, want failed with deadline_exceeded", res)
	}
	if res := resultFor(t, card, SourceAnalysis); res.Status != SourceFailed || res.Reason != ReasonDeadlineExceeded {
		t.Fatalf("analysis = %+v, want failed with deadline_exceeded", res)
	}

	// Nothing quantified risk, so the card must say so.
	if card.RiskScore != 0 {
		t.Fatalf("risk = %v, want 0", card.RiskScore)
	}
	if card.ConfidenceScore > ungroundedConfidenceCap {
		t.Fatalf("confidence = %v, want capped at %v", card.ConfidenceScore, ungroundedConfidenceCap)
	}
}

func TestRunServesStaleCacheOnUpstreamFailure(t *testing.T) {
	h := newHarness(t, nil)
	h.stubs[SourceNews].err = upstreamErr(SourceNews)

	key := string(FingerprintFor(SourceNews, "acme corp", nil))
	err := h.store.Set(context.Background(), key, cache.Entry[Payload]{
		Value:     stubPayload(SourceNews),
		FetchedAt: time.Now().Add(-10 * time.Minute),
		TTL:       5 * time.Minute,
		StaleFor:  30 * time.Minute,
	})
	if err != nil {
		t.Fatalf("seed cache: %v", err)
	}

	card, runErr := h.orch.Run(context.Background(), Request{
		Entity:  "Acme Corp",
		Urgency: UrgencyNormal,
	})
	if runErr != nil {
		t.Fatalf("Run: %v", runErr)
	}

	res := resultFor(t, card, SourceNews)
	if res.Status != SourceDegraded || res.Reason != ReasonStaleCache || !res.Stale {
		t.Fatalf("news = %+v, want degraded stale_cache", res)
	}
	if _, ok := res.Payload.(NewsPayload); !ok {
		t.Fatalf("stale payload missing: %+v", res)
	}

	found := false
	for _, d := range card.Degraded {
		if d.Source == SourceNews && d.Stale && d.Reason == ReasonStaleCache {
			found = true
		}
	}
	if !found {
		t.Fatalf("degraded = %+v, want stale news entry", card.Degraded)
	}
	// 60 * (1 - 0.3*(1/3)) with full credibility.
	if !almostEqual(card.RiskScore, 54) {
		t.Fatalf("risk = %v, want 54", card.RiskScore)
	}
}

func TestRunBreakerOpensAndShortCircuits(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) {
		cfg.Breaker.FailureThreshold = 2
	})
	h.stubs[SourceNews].err = upstreamErr(SourceNews)

	entities := []string{"Corp One", "Corp Two", "Corp Three"}
	var last *ImpactCard
	for _, entity := range entities {
		card, err := h.orch.Run(context.Background(), Request{Entity: entity, Urgency: UrgencyNormal})
		if err != nil {
			t.Fatalf("Run(%s): %v", entity, err)
		}
		last = card
	}

	if got := h.stubs[SourceNews].callCount(); got != 2 {
		t.Fatalf("news adapter called %d times, want 2 before the breaker opened", got)
	}
	if res := resultFor(t, last, SourceNews); res.Reason != ReasonBreakerOpen {
		t.Fatalf("news = %+v, want breaker_open", res)
	}

	var newsSnap *breaker.Snapshot
	for _, snap := range h.orch.BreakerSnapshots() {
		if snap.Name == string(SourceNews) {
			s := snap
			newsSnap = &s
		}
	}
	if newsSnap == nil || newsSnap.State != breaker.StateOpen.String() {
		t.Fatalf("news breaker snapshot = %+v, want open", newsSnap)
	}
}

func TestRunEventOrdering(t *testing.T) {
	h := newHarness(t, nil)

	card, err := h.orch.Run(context.Background(), Request{
		Entity:   "Acme Corp",
		Keywords: []string{"merger"},
		Urgency:  UrgencyNormal,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	evs := h.sink.forRequest(card.RequestID)
	if len(evs) == 0 {
		t.Fatal("no events emitted")
	}

	for i, ev := range evs {
		if ev.Seq != int64(i+1) {
			t.Fatalf("event %d has seq %d; sequence must be gapless and ordered", i, ev.Seq)
		}
	}

	if evs[0].Stage != events.StagePlan || evs[0].Status != events.StatusStarted {
		t.Fatalf("first event = %+v, want plan started", evs[0])
	}
	final := evs[len(evs)-1]
	if !final.Terminal() || final.Status != events.StatusCompleted {
		t.Fatalf("final event = %+v, want terminal request completed", final)
	}

	startedAt := map[string]int64{}
	for _, ev := range evs {
		switch ev.Status {
		case events.StatusStarted:
			startedAt[ev.Stage] = ev.Seq
		case events.StatusCompleted, events.StatusFailed:
			if ev.Stage == events.StageRequest {
				continue
			}
			seq, ok := startedAt[ev.Stage]
			if !ok {
				t.Fatalf("stage %s finished without a started event", ev.Stage)
			}
			if seq >= ev.Seq {
				t.Fatalf("stage %s started at seq %d but finished at %d", ev.Stage, seq, ev.Seq)
			}
		}
	}

	for _, stage := range []string{events.StagePlan, string(SourceNews), string(SourceSearch), string(SourceAnalysis), events.StageScore} {
		if _, ok := startedAt[stage]; !ok {
			t.Errorf("stage %s never emitted a started event", stage)
		}
	}
}

func TestRunSharedFingerprintSingleFlight(t *testing.T) {
	h := newHarness(t, nil)
	h.seedProfile("beta inc", 50)
	h.stubs[SourceNews].delay = 50 * time.Millisecond

	var wg sync.WaitGroup
	cards := make([]*ImpactCard, 2)
	errs := make([]error, 2)
	for i := range cards {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			cards[i], errs[i] = h.orch.Run(context.Background(), Request{
				Entity:  "Beta Inc",
				Urgency: UrgencyRealtime,
			})
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("Run %d: %v", i, err)
		}
	}
	if got := h.stubs[SourceNews].callCount(); got != 1 {
		t.Fatalf("news adapter called %d times, want 1 shared flight", got)
	}
	if cards[0].RiskScore != cards[1].RiskScore {
		t.Fatalf("concurrent cards disagree: %v vs %v", cards[0].RiskScore, cards[1].RiskScore)
	}

	card, err := h.orch.Run(context.Background(), Request{Entity: "Beta Inc", Urgency: UrgencyRealtime})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := h.stubs[SourceNews].callCount(); got != 1 {
		t.Fatalf("news adapter called %d times after a warm run, want 1", got)
	}
	if res := resultFor(t, card, SourceNews); !res.FromCache || res.Stale {
		t.Fatalf("warm result = %+v, want fresh cache hit", res)
	}
}

func TestRunTracksRequestStatus(t *testing.T) {
	h := newHarness(t, nil)

	card, err := h.orch.Run(context.Background(), Request{
		Entity:  "Acme Corp",
		Urgency: UrgencyNormal,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if card.RequestID == "" {
		t.Fatal("card missing request id")
	}

	st, ok := h.orch.Status(card.RequestID)
	if !ok {
		t.Fatal("status not tracked")
	}
	if st.State != "completed" || st.Card == nil {
		t.Fatalf("status = %+v, want completed with card", st)
	}
	if st.CompletedAt == nil {
		t.Fatal("completed_at not set")
	}
	for src, state := range st.Stages {
		if state != string(SourceOK) {
			t.Fatalf("stage %s = %s, want ok", src, state)
		}
	}

	if _, ok := h.orch.Status("no-such-request"); ok {
		t.Fatal("unknown request id reported as tracked")
	}
}

func TestRunAnalysisWithEmptyContextIsDegraded(t *testing.T) {
	h := newHarness(t, nil)
	h.stubs[SourceNews].err = upstreamErr(SourceNews)
	h.stubs[SourceSearch].err = upstreamErr(SourceSearch)

	card, err := h.orch.Run(context.Background(), Request{
		Entity:  "Acme Corp",
		Urgency: UrgencyNormal,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	q, ok := h.stubs[SourceAnalysis].lastQuery()
	if !ok {
		t.Fatal("analysis never ran")
	}
	if q.Analysis == nil || q.Analysis.Headlines == nil || q.Analysis.Findings == nil {
		t.Fatalf("analysis context = %+v, want typed empty slices", q.Analysis)
	}
	if len(q.Analysis.Headlines) != 0 || len(q.Analysis.Findings) != 0 {
		t.Fatalf("analysis context should be empty, got %+v", q.Analysis)
	}

	res := resultFor(t, card, SourceAnalysis)
	if res.Status != SourceDegraded || res.Reason != ReasonEmptyContext {
		t.Fatalf("analysis = %+v, want degraded with empty_context", res)
	}
	if _, ok := res.Payload.(AnalysisPayload); !ok {
		t.Fatal("degraded analysis must still carry its payload")
	}
}
