package engine

import (
	"errors"
	"log"
	"math"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/rish2jain/youcom-sub007/config"
	"github.com/rish2jain/youcom-sub007/internal/breaker"
	"github.com/rish2jain/youcom-sub007/internal/cache"
	"github.com/rish2jain/youcom-sub007/internal/events"
	"github.com/rish2jain/youcom-sub007/internal/telemetry"
)

// New wires the production orchestrator from config: real adapters with rate
// limiters, the payload cache on the configured backend, one breaker per
// source reporting transitions to telemetry. rdb may be nil unless the cache
// backend is redis.
func New(cfg *config.Config, logger *log.Logger, tele *telemetry.Telemetry, emitter *events.Emitter, rdb *redis.Client) (*Orchestrator, error) {
	if cfg == nil {
		return nil, errors.New("engine: config is required")
	}
	if tele == nil {
		tele = telemetry.New(cfg.Telemetry)
	}

	profiles, err := NewProfileStore(cfg.Cache.Capacity)
	if err != nil {
		return nil, err
	}

	var store cache.Store[Payload]
	switch cfg.Cache.Backend {
	case "redis":
		if rdb == nil {
			return nil, errors.New("engine: redis cache backend requires a redis client")
		}
		store, err = cache.NewRedisStore[Payload](rdb, cfg.Storage.Redis.KeyPrefix+":cache:", cache.Codec[Payload]{
			Encode: EncodePayload,
			Decode: DecodePayload,
		})
	default:
		store, err = cache.NewLRUStore[Payload](cfg.Cache.Capacity)
	}
	if err != nil {
		return nil, err
	}

	policies := map[string]cache.Policy{
		string(SourceNews):     {TTL: cfg.Cache.TTL.News, StaleFor: cfg.Cache.StaleFor.News},
		string(SourceSearch):   {TTL: cfg.Cache.TTL.Search, StaleFor: cfg.Cache.StaleFor.Search},
		string(SourceAnalysis): {TTL: cfg.Cache.TTL.Analysis, StaleFor: cfg.Cache.StaleFor.Analysis},
		string(SourceResearch): {TTL: cfg.Cache.TTL.Research, StaleFor: cfg.Cache.StaleFor.Research},
	}
	payloads := cache.New[Payload](store, policies, nil)

	breakers := make(map[SourceKind]*breaker.Breaker, len(AllSources))
	for _, kind := range AllSources {
		breakers[kind] = breaker.New(string(kind), breaker.Config{
			FailureThreshold: cfg.Breaker.FailureThreshold,
			RecoveryTimeout:  cfg.Breaker.RecoveryTimeout,
			IsFailure:        countsAgainstBreaker,
			OnTransition: func(name string, from, to breaker.State) {
				tele.RecordBreakerTransition(name, from.String(), to.String())
			},
		})
	}

	adapters := map[SourceKind]Adapter{
		SourceNews:     NewNewsAdapter(cfg.Sources.News, limiterFor(cfg.RateLimits.NewsRPS)),
		SourceSearch:   NewSearchAdapter(cfg.Sources.Search, limiterFor(cfg.RateLimits.SearchRPS)),
		SourceAnalysis: NewAnalysisAdapter(cfg.Sources.Analysis, limiterFor(cfg.RateLimits.AnalysisRPS)),
		SourceResearch: NewResearchAdapter(cfg.Sources.Research, limiterFor(cfg.RateLimits.ResearchRPS)),
	}

	return NewOrchestrator(cfg, Options{
		Adapters:  adapters,
		Cache:     payloads,
		Breakers:  breakers,
		Profiles:  profiles,
		Emitter:   emitter,
		Logger:    logger,
		Telemetry: tele,
	})
}

// limiterFor builds a per-source limiter. Zero or negative RPS disables
// limiting. Burst is at least one token so sub-1 RPS limits still admit a
// whole request.
func limiterFor(rps float64) *rate.Limiter {
	if rps <= 0 {
		return nil
	}
	burst := int(math.Ceil(rps))
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(rps), burst)
}
