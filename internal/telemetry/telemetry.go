// Package telemetry aggregates run, source, cache and breaker activity into
// in-process counters for operator logs and the performance report.
package telemetry

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/rish2jain/youcom-sub007/config"
)

// Telemetry collects engine activity. All methods are safe for concurrent
// use and become no-ops when disabled.
type Telemetry struct {
	config  config.TelemetryConfig
	logger  *log.Logger
	mu      sync.RWMutex
	metrics *metrics
}

type metrics struct {
	totalRuns      int64
	succeededRuns  int64
	failedRuns     int64
	degradedRuns   int64
	averageRunTime time.Duration

	routeCounts map[string]int64

	sourceRequests  map[string]int64
	sourceSuccesses map[string]int64
	sourceCacheHits map[string]int64
	sourceStale     map[string]int64
	sourceAvgTimes  map[string]time.Duration

	breakerOpens  map[string]int64
	breakerCloses map[string]int64
}

// Snapshot is a copy of the counters with derived rates filled in.
type Snapshot struct {
	TotalRuns      int64
	SucceededRuns  int64
	FailedRuns     int64
	DegradedRuns   int64
	AverageRunTime time.Duration

	RouteCounts map[string]int64

	SourceRequests     map[string]int64
	SourceSuccessRates map[string]float64
	SourceCacheHits    map[string]int64
	SourceStaleServes  map[string]int64
	SourceAverageTimes map[string]time.Duration

	BreakerOpens  map[string]int64
	BreakerCloses map[string]int64
}

// RunEvent describes one finished request, successful or not.
type RunEvent struct {
	RequestID       string
	Entity          string
	Route           string
	StartTime       time.Time
	EndTime         time.Time
	Duration        time.Duration
	Success         bool
	DegradedSources int
	Error           string
}

// SourceEvent describes one settled source stage.
type SourceEvent struct {
	RequestID string
	Source    string
	Duration  time.Duration
	Success   bool
	FromCache bool
	Stale     bool
	Results   int
	Reason    string
}

// New creates a telemetry collector. Periodic snapshot logging starts only
// when both Enabled and PeriodicLogs are set.
func New(cfg config.TelemetryConfig) *Telemetry {
	t := &Telemetry{
		config: cfg,
		logger: log.New(log.Writer(), "[TELEMETRY] ", log.LstdFlags),
		metrics: &metrics{
			routeCounts:     make(map[string]int64),
			sourceRequests:  make(map[string]int64),
			sourceSuccesses: make(map[string]int64),
			sourceCacheHits: make(map[string]int64),
			sourceStale:     make(map[string]int64),
			sourceAvgTimes:  make(map[string]time.Duration),
			breakerOpens:    make(map[string]int64),
			breakerCloses:   make(map[string]int64),
		},
	}

	if cfg.Enabled && cfg.PeriodicLogs {
		go t.startSnapshotLogging()
	}

	return t
}

// RecordRunEvent records a completed request.
func (t *Telemetry) RecordRunEvent(ctx context.Context, event RunEvent) {
	if !t.config.Enabled {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	m := t.metrics
	m.totalRuns++
	if event.Success {
		m.succeededRuns++
	} else {
		m.failedRuns++
	}
	if event.Success && event.DegradedSources > 0 {
		m.degradedRuns++
	}
	if event.Route != "" {
		m.routeCounts[event.Route]++
	}

	if m.totalRuns == 1 {
		m.averageRunTime = event.Duration
	} else {
		total := m.averageRunTime * time.Duration(m.totalRuns-1)
		m.averageRunTime = (total + event.Duration) / time.Duration(m.totalRuns)
	}

	t.logger.Printf("Run: id=%s entity=%q route=%s success=%t degraded=%d duration=%v",
		event.RequestID, event.Entity, event.Route, event.Success, event.DegradedSources, event.Duration)
}

// RecordSourceEvent records one source stage outcome.
func (t *Telemetry) RecordSourceEvent(ctx context.Context, event SourceEvent) {
	if !t.config.Enabled {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	m := t.metrics
	m.sourceRequests[event.Source]++
	if event.Success {
		m.sourceSuccesses[event.Source]++
	}
	if event.FromCache {
		m.sourceCacheHits[event.Source]++
	}
	if event.Stale {
		m.sourceStale[event.Source]++
	}

	requests := m.sourceRequests[event.Source]
	if requests == 1 {
		m.sourceAvgTimes[event.Source] = event.Duration
	} else {
		total := m.sourceAvgTimes[event.Source] * time.Duration(requests-1)
		m.sourceAvgTimes[event.Source] = (total + event.Duration) / time.Duration(requests)
	}

	t.logger.Printf("Source: source=%s success=%t cache=%t stale=%t results=%d duration=%v",
		event.Source, event.Success, event.FromCache, event.Stale, event.Results, event.Duration)
}

// RecordBreakerTransition records a breaker state change.
func (t *Telemetry) RecordBreakerTransition(name, from, to string) {
	if !t.config.Enabled {
		return
	}

	t.mu.Lock()
	switch to {
	case "open":
		t.metrics.breakerOpens[name]++
	case "closed":
		if from != "closed" {
			t.metrics.breakerCloses[name]++
		}
	}
	t.mu.Unlock()

	t.logger.Printf("Breaker: name=%s %s>%s", name, from, to)
}

// GetMetrics returns a snapshot with success rates computed from the raw
// counters.
func (t *Telemetry) GetMetrics() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()

	m := t.metrics
	snap := Snapshot{
		TotalRuns:          m.totalRuns,
		SucceededRuns:      m.succeededRuns,
		FailedRuns:         m.failedRuns,
		DegradedRuns:       m.degradedRuns,
		AverageRunTime:     m.averageRunTime,
		RouteCounts:        make(map[string]int64, len(m.routeCounts)),
		SourceRequests:     make(map[string]int64, len(m.sourceRequests)),
		SourceSuccessRates: make(map[string]float64, len(m.sourceRequests)),
		SourceCacheHits:    make(map[string]int64, len(m.sourceCacheHits)),
		SourceStaleServes:  make(map[string]int64, len(m.sourceStale)),
		SourceAverageTimes: make(map[string]time.Duration, len(m.sourceAvgTimes)),
		BreakerOpens:       make(map[string]int64, len(m.breakerOpens)),
		BreakerCloses:      make(map[string]int64, len(m.breakerCloses)),
	}

	for k, v := range m.routeCounts {
		snap.RouteCounts[k] = v
	}
	for k, v := range m.sourceRequests {
		snap.SourceRequests[k] = v
		snap.SourceSuccessRates[k] = float64(m.sourceSuccesses[k]) / float64(v)
	}
	for k, v := range m.sourceCacheHits {
		snap.SourceCacheHits[k] = v
	}
	for k, v := range m.sourceStale {
		snap.SourceStaleServes[k] = v
	}
	for k, v := range m.sourceAvgTimes {
		snap.SourceAverageTimes[k] = v
	}
	for k, v := range m.breakerOpens {
		snap.BreakerOpens[k] = v
	}
	for k, v := range m.breakerCloses {
		snap.BreakerCloses[k] = v
	}

	return snap
}

// Report renders a human-readable summary of everything collected.
func (t *Telemetry) Report() string {
	snap := t.GetMetrics()

	report := fmt.Sprintf(`
=== IMPACT ENGINE REPORT ===
Runs:
  Total: %d
  Succeeded: %d
  Failed: %d
  Degraded: %d
  Average Duration: %v

Routes:
`, snap.TotalRuns, snap.SucceededRuns, snap.FailedRuns, snap.DegradedRuns, snap.AverageRunTime)

	for _, route := range sortedKeys(snap.RouteCounts) {
		report += fmt.Sprintf("  %s: %d\n", route, snap.RouteCounts[route])
	}

	report += "\nSources:\n"
	for _, source := range sortedKeys(snap.SourceRequests) {
		report += fmt.Sprintf("  %s: %d requests, %.2f%% success, %d cache, %d stale, %v avg time\n",
			source, snap.SourceRequests[source], snap.SourceSuccessRates[source]*100,
			snap.SourceCacheHits[source], snap.SourceStaleServes[source], snap.SourceAverageTimes[source])
	}

	report += "\nBreakers:\n"
	for _, name := range sortedKeys(snap.BreakerOpens) {
		report += fmt.Sprintf("  %s: opened %d, recovered %d\n",
			name, snap.BreakerOpens[name], snap.BreakerCloses[name])
	}

	return report
}

func (t *Telemetry) startSnapshotLogging() {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		snap := t.GetMetrics()
		t.logger.Printf("Snapshot: runs=%d/%d failed=%d degraded=%d avg=%v",
			snap.SucceededRuns, snap.TotalRuns, snap.FailedRuns, snap.DegradedRuns, snap.AverageRunTime)
	}
}

// Shutdown logs the final report.
func (t *Telemetry) Shutdown() {
	if !t.config.Enabled {
		return
	}
	snap := t.GetMetrics()
	t.logger.Println("Shutting down telemetry")
	t.logger.Printf("  Total Runs: %d", snap.TotalRuns)
	if snap.TotalRuns > 0 {
		t.logger.Printf("  Success Rate: %.2f%%", float64(snap.SucceededRuns)/float64(snap.TotalRuns)*100)
	}
	t.logger.Printf("  Average Run Time: %v", snap.AverageRunTime)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
