package engine

import (
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/rish2jain/youcom-sub007/config"
)

// ungroundedConfidenceCap bounds confidence when no analysis, research or
// profile baseline grounded the risk score. The card says "risk 0", and the
// confidence must admit that nothing actually assessed risk.
const ungroundedConfidenceCap = 30.0

// Scorer folds settled source results into the card's scores. It is a pure
// computation over its inputs; all tuning lives in the scoring policy.
type Scorer struct {
	policy config.ScoringConfig
	tier1  map[string]struct{}
	tier2  map[string]struct{}
}

// Scores is the scorer's contribution to an impact card.
type Scores struct {
	Risk        float64
	Confidence  float64
	Credibility float64
	Evidence    []Evidence
	Insights    []string
	ImpactAreas []string
	Report      string
	Degraded    []DegradedSource
}

// NewScorer builds a scorer with the policy's domain tiers preindexed.
func NewScorer(policy config.ScoringConfig) *Scorer {
	s := &Scorer{
		policy: policy,
		tier1:  make(map[string]struct{}, len(policy.Tier1Domains)),
		tier2:  make(map[string]struct{}, len(policy.Tier2Domains)),
	}
	for _, d := range policy.Tier1Domains {
		s.tier1[strings.ToLower(d)] = struct{}{}
	}
	for _, d := range policy.Tier2Domains {
		s.tier2[strings.ToLower(d)] = struct{}{}
	}
	return s
}

// Score computes the card scores for one run. baseline is the entity's
// stored profile and is only consulted when neither analysis nor research
// supplied a risk score, which is the fast-track case.
func (s *Scorer) Score(plan ExecutionPlan, results []SourceResult, baseline *Profile) Scores {
	evidence, credibility := s.collectEvidence(results)

	var degraded []DegradedSource
	for _, res := range results {
		if res.Status == SourceOK {
			continue
		}
		degraded = append(degraded, DegradedSource{Source: res.Source, Reason: res.Reason, Stale: res.Stale})
	}

	risk, grounded := s.baseRisk(results, baseline)
	risk *= s.policy.MinCredibilityFactor + (1-s.policy.MinCredibilityFactor)*credibility
	if planned := len(plan.Stages); planned > 0 {
		degradedShare := float64(len(degraded)) / float64(planned)
		risk *= 1 - s.policy.DegradedPenalty*degradedShare
	}
	risk = clamp(risk, 0, 100)

	confidence := s.confidence(plan, results, credibility)
	if !grounded {
		confidence = min(confidence, ungroundedConfidenceCap)
	}

	scores := Scores{
		Risk:        risk,
		Confidence:  confidence,
		Credibility: credibility,
		Evidence:    evidence,
		Degraded:    degraded,
	}
	if analysis, ok := payloadOf[AnalysisPayload](results); ok {
		scores.Insights = analysis.Insights
		scores.ImpactAreas = analysis.ImpactAreas
	}
	if research, ok := payloadOf[ResearchPayload](results); ok {
		scores.Report = research.Report
	}
	return scores
}

// baseRisk picks the risk signal: analysis blended with research when both
// quantified risk, either alone otherwise, the profile baseline as the
// fast-track fallback. The second return is false when nothing grounded the
// number.
func (s *Scorer) baseRisk(results []SourceResult, baseline *Profile) (float64, bool) {
	analysis, hasAnalysis := payloadOf[AnalysisPayload](results)
	research, hasResearch := payloadOf[ResearchPayload](results)
	researchRisk := hasResearch && research.RiskScore != nil

	switch {
	case hasAnalysis && researchRisk:
		w := s.policy.AnalysisWeight
		return w*analysis.RiskScore + (1-w)**research.RiskScore, true
	case hasAnalysis:
		return analysis.RiskScore, true
	case researchRisk:
		return *research.RiskScore, true
	case baseline != nil:
		return baseline.RiskScore, true
	default:
		return 0, false
	}
}

// confidence blends delivery rate, latency headroom and credibility into a
// 0 to 100 score.
func (s *Scorer) confidence(plan ExecutionPlan, results []SourceResult, credibility float64) float64 {
	planned := len(plan.Stages)
	if planned == 0 {
		return 0
	}

	delivered := 0
	var totalLatency time.Duration
	settled := 0
	for _, res := range results {
		if res.Status != SourceFailed {
			delivered++
		}
		if res.Latency > 0 {
			totalLatency += res.Latency
			settled++
		}
	}
	successFrac := float64(delivered) / float64(planned)

	latencyFrac := 0.0
	if settled > 0 && plan.Budget > 0 {
		avg := totalLatency / time.Duration(settled)
		latencyFrac = 1 - clamp(float64(avg)/float64(plan.Budget), 0, 1)
	}

	w := s.policy.Confidence
	total := w.Success + w.Latency + w.Credibility
	if total <= 0 {
		return clamp(successFrac*100, 0, 100)
	}
	conf := (w.Success*successFrac + w.Latency*latencyFrac + w.Credibility*credibility) / total
	return clamp(conf*100, 0, 100)
}

// collectEvidence gathers every cited URL across payloads, deduplicated,
// weighted by domain tier. Credibility is the mean weight over everything
// collected, computed before the card's display cap is applied.
func (s *Scorer) collectEvidence(results []SourceResult) ([]Evidence, float64) {
	seen := make(map[string]struct{})
	var out []Evidence
	add := func(rawURL, title string) {
		if rawURL == "" {
			return
		}
		if _, dup := seen[rawURL]; dup {
			return
		}
		seen[rawURL] = struct{}{}
		domain := domainOf(rawURL)
		tier := s.tierFor(domain)
		out = append(out, Evidence{
			URL:    rawURL,
			Title:  title,
			Domain: domain,
			Tier:   tier,
			Weight: s.weightFor(tier),
		})
	}

	for _, res := range results {
		if res.Payload == nil {
			continue
		}
		switch p := res.Payload.(type) {
		case NewsPayload:
			for _, a := range p.Articles {
				add(a.URL, a.Title)
			}
		case SearchPayload:
			for _, r := range p.Results {
				add(r.URL, r.Title)
			}
		case ResearchPayload:
			for _, c := range p.Citations {
				add(c.URL, c.Title)
			}
		}
	}

	credibility := 0.0
	if len(out) > 0 {
		var sum float64
		for _, ev := range out {
			sum += ev.Weight
		}
		credibility = clamp(sum/float64(len(out)), 0, 1)
	}

	if s.policy.MaxEvidence > 0 && len(out) > s.policy.MaxEvidence {
		sort.SliceStable(out, func(i, j int) bool { return out[i].Weight > out[j].Weight })
		out = out[:s.policy.MaxEvidence]
	}
	return out, credibility
}

// tierFor matches a domain against the policy lists, exactly first and then
// by parent-domain suffix so subdomains inherit the registrations.
func (s *Scorer) tierFor(domain string) int {
	if domain == "" {
		return 3
	}
	if _, ok := s.tier1[domain]; ok {
		return 1
	}
	if _, ok := s.tier2[domain]; ok {
		return 2
	}
	for d := range s.tier1 {
		if strings.HasSuffix(domain, "."+d) {
			return 1
		}
	}
	for d := range s.tier2 {
		if strings.HasSuffix(domain, "."+d) {
			return 2
		}
	}
	return 3
}

func (s *Scorer) weightFor(tier int) float64 {
	switch tier {
	case 1:
		return s.policy.TierWeights.Tier1
	case 2:
		return s.policy.TierWeights.Tier2
	default:
		return s.policy.TierWeights.Tier3
	}
}

func domainOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	host := strings.ToLower(u.Hostname())
	return strings.TrimPrefix(host, "www.")
}

func payloadOf[T Payload](results []SourceResult) (T, bool) {
	for _, res := range results {
		if p, ok := res.Payload.(T); ok {
			return p, true
		}
	}
	var zero T
	return zero, false
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
