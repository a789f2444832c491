package engine

import (
	"context"

	"github.com/rish2jain/youcom-sub007/config"
	"github.com/rish2jain/youcom-sub007/internal/breaker"
	"github.com/rish2jain/youcom-sub007/internal/cache"
)

// sourceChain is the per-source call path: cache in front, breaker around
// the retried adapter call behind it. A breaker failure is recorded once per
// chain invocation, after retries are exhausted, so transient blips that
// retries absorb never move the breaker.
type sourceChain struct {
	kind    SourceKind
	adapter Adapter
	brk     *breaker.Breaker
	cache   *cache.Cache[Payload]
	retry   config.RetryConfig
}

// fetch resolves the query through cache, breaker and retry. The returned
// Lookup carries provenance (cache hit, staleness) for the card.
func (sc *sourceChain) fetch(ctx context.Context, q Query) (cache.Lookup[Payload], error) {
	key := string(FingerprintFor(sc.kind, q.Entity, q.Keywords))
	return sc.cache.GetOrFetch(ctx, string(sc.kind), key, func(fctx context.Context) (Payload, error) {
		var payload Payload
		err := sc.brk.Do(fctx, func(bctx context.Context) error {
			return withRetry(bctx, sc.retry, func(rctx context.Context) error {
				p, err := sc.adapter.Fetch(rctx, q)
				if err != nil {
					return err
				}
				payload = p
				return nil
			})
		})
		if err != nil {
			return nil, err
		}
		return payload, nil
	})
}
