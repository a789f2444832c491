package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/rish2jain/youcom-sub007/config"
)

// Adapter is one upstream client. Fetch returns the typed payload for the
// adapter's source or an *AdapterError.
type Adapter interface {
	Kind() SourceKind
	Fetch(ctx context.Context, q Query) (Payload, error)
}

// maxSnippetLength bounds snippets carried into analysis context and cards.
const maxSnippetLength = 240

// newAdapterClient builds the shared http.Client. Timeouts are applied per
// attempt through the request context, so the client itself carries none.
func newAdapterClient() *http.Client {
	return &http.Client{}
}

// waitLimiter blocks on the adapter's rate limiter. A nil limiter admits
// everything.
func waitLimiter(ctx context.Context, source SourceKind, limiter *rate.Limiter) error {
	if limiter == nil {
		return nil
	}
	if err := limiter.Wait(ctx); err != nil {
		return &AdapterError{Source: source, Kind: AdapterTimeout, Err: err}
	}
	return nil
}

// checkStatus converts a non-200 response into an *AdapterError.
func checkStatus(source SourceKind, resp *http.Response) error {
	if resp.StatusCode == http.StatusOK {
		return nil
	}
	return &AdapterError{Source: source, Kind: AdapterHTTP, StatusCode: resp.StatusCode}
}

// parseError wraps a validation or decoding failure. These fail closed: the
// payload is discarded even if parts of it decoded.
func parseError(source SourceKind, err error) *AdapterError {
	return &AdapterError{Source: source, Kind: AdapterParse, Err: err}
}

// searchTerms joins the entity and keywords into one query string.
func searchTerms(q Query) string {
	terms := append([]string{q.Entity}, q.Keywords...)
	return strings.Join(terms, " ")
}

func trimSnippet(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= maxSnippetLength {
		return s
	}
	return s[:maxSnippetLength]
}

// NewsAdapter queries the news API for recent coverage of the entity.
type NewsAdapter struct {
	cfg     config.SourceConfig
	client  *http.Client
	limiter *rate.Limiter
}

func NewNewsAdapter(cfg config.SourceConfig, limiter *rate.Limiter) *NewsAdapter {
	return &NewsAdapter{cfg: cfg, client: newAdapterClient(), limiter: limiter}
}

func (a *NewsAdapter) Kind() SourceKind { return SourceNews }

func (a *NewsAdapter) Fetch(ctx context.Context, q Query) (Payload, error) {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()
	if err := waitLimiter(ctx, SourceNews, a.limiter); err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Set("q", searchTerms(q))
	params.Set("count", strconv.Itoa(a.cfg.MaxResults))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.cfg.Endpoint+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("news request: %w", err)
	}
	req.Header.Set("X-API-Key", a.cfg.APIKey)

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, transportError(SourceNews, err)
	}
	defer resp.Body.Close()
	if err := checkStatus(SourceNews, resp); err != nil {
		return nil, err
	}

	var body struct {
		Articles *[]struct {
			Title       string `json:"title"`
			URL         string `json:"url"`
			PublishedAt string `json:"published_at"`
			Snippet     string `json:"snippet"`
		} `json:"articles"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, parseError(SourceNews, err)
	}
	if body.Articles == nil {
		return nil, parseError(SourceNews, fmt.Errorf("missing articles field"))
	}

	articles := make([]Article, 0, len(*body.Articles))
	for i, raw := range *body.Articles {
		if raw.Title == "" || raw.URL == "" {
			return nil, parseError(SourceNews, fmt.Errorf("article %d missing title or url", i))
		}
		published, err := time.Parse(time.RFC3339, raw.PublishedAt)
		if err != nil {
			return nil, parseError(SourceNews, fmt.Errorf("article %d published_at: %w", i, err))
		}
		articles = append(articles, Article{
			Title:       raw.Title,
			URL:         raw.URL,
			PublishedAt: published,
			Snippet:     trimSnippet(raw.Snippet),
		})
	}
	return NewsPayload{Articles: articles}, nil
}

// SearchAdapter queries the web search API for broader context.
type SearchAdapter struct {
	cfg     config.SourceConfig
	client  *http.Client
	limiter *rate.Limiter
}

func NewSearchAdapter(cfg config.SourceConfig, limiter *rate.Limiter) *SearchAdapter {
	return &SearchAdapter{cfg: cfg, client: newAdapterClient(), limiter: limiter}
}

func (a *SearchAdapter) Kind() SourceKind { return SourceSearch }

func (a *SearchAdapter) Fetch(ctx context.Context, q Query) (Payload, error) {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()
	if err := waitLimiter(ctx, SourceSearch, a.limiter); err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Set("q", searchTerms(q))
	params.Set("count", strconv.Itoa(a.cfg.MaxResults))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.cfg.Endpoint+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("search request: %w", err)
	}
	req.Header.Set("X-API-Key", a.cfg.APIKey)

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, transportError(SourceSearch, err)
	}
	defer resp.Body.Close()
	if err := checkStatus(SourceSearch, resp); err != nil {
		return nil, err
	}

	var body struct {
		Results *[]struct {
			Title   string `json:"title"`
			URL     string `json:"url"`
			Snippet string `json:"snippet"`
		} `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, parseError(SourceSearch, err)
	}
	if body.Results == nil {
		return nil, parseError(SourceSearch, fmt.Errorf("missing results field"))
	}

	results := make([]WebResult, 0, len(*body.Results))
	for i, raw := range *body.Results {
		if raw.URL == "" {
			return nil, parseError(SourceSearch, fmt.Errorf("result %d missing url", i))
		}
		results = append(results, WebResult{
			Title:   raw.Title,
			URL:     raw.URL,
			Snippet: trimSnippet(raw.Snippet),
		})
	}
	return SearchPayload{Results: results}, nil
}

// AnalysisAdapter asks the analysis model for a risk assessment grounded in
// the news and search material gathered earlier in the run.
type AnalysisAdapter struct {
	cfg     config.AnalysisConfig
	client  *http.Client
	limiter *rate.Limiter
}

func NewAnalysisAdapter(cfg config.AnalysisConfig, limiter *rate.Limiter) *AnalysisAdapter {
	return &AnalysisAdapter{cfg: cfg, client: newAdapterClient(), limiter: limiter}
}

func (a *AnalysisAdapter) Kind() SourceKind { return SourceAnalysis }

func (a *AnalysisAdapter) Fetch(ctx context.Context, q Query) (Payload, error) {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()
	if err := waitLimiter(ctx, SourceAnalysis, a.limiter); err != nil {
		return nil, err
	}

	// The wire contract is empty-but-typed: the model sees [] for a missing
	// dependency, never null.
	analysisCtx := &AnalysisContext{Headlines: []Article{}, Findings: []WebResult{}}
	if q.Analysis != nil {
		if q.Analysis.Headlines != nil {
			analysisCtx.Headlines = q.Analysis.Headlines
		}
		if q.Analysis.Findings != nil {
			analysisCtx.Findings = q.Analysis.Findings
		}
	}
	reqBody := struct {
		Model    string           `json:"model"`
		Entity   string           `json:"entity"`
		Keywords []string         `json:"keywords,omitempty"`
		Context  *AnalysisContext `json:"context"`
	}{
		Model:    a.cfg.Model,
		Entity:   q.Entity,
		Keywords: q.Keywords,
		Context:  analysisCtx,
	}
	raw, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("analysis request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.Endpoint, bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("analysis request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+a.cfg.APIKey)

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, transportError(SourceAnalysis, err)
	}
	defer resp.Body.Close()
	if err := checkStatus(SourceAnalysis, resp); err != nil {
		return nil, err
	}

	var body struct {
		RiskScore   *float64  `json:"risk_score"`
		Insights    *[]string `json:"insights"`
		ImpactAreas *[]string `json:"impact_areas"`
		Summary     string    `json:"summary"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, parseError(SourceAnalysis, err)
	}
	if body.RiskScore == nil {
		return nil, parseError(SourceAnalysis, fmt.Errorf("missing risk_score"))
	}
	if *body.RiskScore < 0 || *body.RiskScore > 100 {
		return nil, parseError(SourceAnalysis, fmt.Errorf("risk_score %.2f out of range", *body.RiskScore))
	}
	if body.Insights == nil {
		return nil, parseError(SourceAnalysis, fmt.Errorf("missing insights"))
	}
	if body.ImpactAreas == nil {
		return nil, parseError(SourceAnalysis, fmt.Errorf("missing impact_areas"))
	}

	return AnalysisPayload{
		RiskScore:   *body.RiskScore,
		Insights:    *body.Insights,
		ImpactAreas: *body.ImpactAreas,
		Summary:     body.Summary,
	}, nil
}

// ResearchAdapter commissions a deep research report. The slowest source by
// far; plans schedule it so nothing waits on it.
type ResearchAdapter struct {
	cfg     config.ResearchConfig
	client  *http.Client
	limiter *rate.Limiter
}

func NewResearchAdapter(cfg config.ResearchConfig, limiter *rate.Limiter) *ResearchAdapter {
	return &ResearchAdapter{cfg: cfg, client: newAdapterClient(), limiter: limiter}
}

func (a *ResearchAdapter) Kind() SourceKind { return SourceResearch }

func (a *ResearchAdapter) Fetch(ctx context.Context, q Query) (Payload, error) {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()
	if err := waitLimiter(ctx, SourceResearch, a.limiter); err != nil {
		return nil, err
	}

	query := fmt.Sprintf("Recent risk signals and business impact for %s", q.Entity)
	if len(q.Keywords) > 0 {
		query += " focusing on " + strings.Join(q.Keywords, ", ")
	}
	reqBody := struct {
		Query      string `json:"query"`
		MaxSources int    `json:"max_sources"`
	}{
		Query:      query,
		MaxSources: a.cfg.MaxSources,
	}
	raw, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("research request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.Endpoint, bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("research request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+a.cfg.APIKey)

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, transportError(SourceResearch, err)
	}
	defer resp.Body.Close()
	if err := checkStatus(SourceResearch, resp); err != nil {
		return nil, err
	}

	var body struct {
		Report       string   `json:"report"`
		RiskScore    *float64 `json:"risk_score"`
		CitedSources *[]struct {
			Title string `json:"title"`
			URL   string `json:"url"`
		} `json:"cited_sources"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, parseError(SourceResearch, err)
	}
	if strings.TrimSpace(body.Report) == "" {
		return nil, parseError(SourceResearch, fmt.Errorf("empty report"))
	}
	if body.CitedSources == nil {
		return nil, parseError(SourceResearch, fmt.Errorf("missing cited_sources"))
	}
	if body.RiskScore != nil && (*body.RiskScore < 0 || *body.RiskScore > 100) {
		return nil, parseError(SourceResearch, fmt.Errorf("risk_score %.2f out of range", *body.RiskScore))
	}

	citations := make([]Citation, 0, len(*body.CitedSources))
	for i, raw := range *body.CitedSources {
		if raw.URL == "" {
			return nil, parseError(SourceResearch, fmt.Errorf("cited source %d missing url", i))
		}
		citations = append(citations, Citation{Title: raw.Title, URL: raw.URL})
	}

	return ResearchPayload{
		Report:    body.Report,
		RiskScore: body.RiskScore,
		Citations: citations,
	}, nil
}
