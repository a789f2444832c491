// Package cache provides the read-through payload cache shared by all
// upstream adapters. Lookups collapse concurrent fetches for the same key
// into one upstream call and fall back to expired entries while the
// upstream is failing.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// ErrMiss reports an absent or unusable entry. It never escapes the cache:
// GetOrFetch resolves every miss by fetching or by surfacing the fetch error.
var ErrMiss = errors.New("cache: miss")

// Policy is one source's freshness window. Entries are fresh for TTL after
// the fetch and remain usable as a degraded fallback for StaleFor beyond it.
type Policy struct {
	TTL      time.Duration
	StaleFor time.Duration
}

// Entry is a cached payload plus the bookkeeping needed to age it.
type Entry[V any] struct {
	Value     V             `json:"value"`
	FetchedAt time.Time     `json:"fetched_at"`
	TTL       time.Duration `json:"ttl"`
	StaleFor  time.Duration `json:"stale_for"`
}

// FreshAt reports whether the entry can be served without refetching.
func (e Entry[V]) FreshAt(t time.Time) bool {
	return t.Before(e.FetchedAt.Add(e.TTL))
}

// UsableAt reports whether the entry may still back a stale fallback.
func (e Entry[V]) UsableAt(t time.Time) bool {
	return t.Before(e.FetchedAt.Add(e.TTL + e.StaleFor))
}

// ExpiresAt is the end of the fresh window.
func (e Entry[V]) ExpiresAt() time.Time {
	return e.FetchedAt.Add(e.TTL)
}

// Store is the entry backend. Get returns ErrMiss for absent entries;
// implementations may also drop entries past their usable window.
type Store[V any] interface {
	Get(ctx context.Context, key string) (Entry[V], error)
	Set(ctx context.Context, key string, entry Entry[V]) error
}

// FetchFunc loads a value from the upstream on a cache miss.
type FetchFunc[V any] func(ctx context.Context) (V, error)

// Lookup is the outcome of GetOrFetch.
type Lookup[V any] struct {
	Value V
	// FromCache is true when the value was served from the store rather than
	// a fetch performed for this call.
	FromCache bool
	// Stale marks a value past its TTL served because the fetch failed.
	Stale bool
	// Shared marks a flight whose result was handed to multiple callers.
	Shared    bool
	FetchedAt time.Time
}

// Stats counts cache outcomes since startup.
type Stats struct {
	Hits          int64 `json:"hits"`
	Misses        int64 `json:"misses"`
	Fetches       int64 `json:"fetches"`
	StaleServes   int64 `json:"stale_serves"`
	SharedFlights int64 `json:"shared_flights"`
	FetchErrors   int64 `json:"fetch_errors"`
}

// Cache is a read-through cache keyed by query fingerprint. Policies are
// resolved per source at lookup time from the table given at construction.
type Cache[V any] struct {
	store    Store[V]
	policies map[string]Policy
	group    singleflight.Group
	logger   *log.Logger
	now      func() time.Time

	mu    sync.Mutex
	stats Stats
}

// New builds a cache over store with a per-source policy table.
func New[V any](store Store[V], policies map[string]Policy, logger *log.Logger) *Cache[V] {
	if logger == nil {
		logger = log.New(log.Writer(), "[CACHE] ", log.LstdFlags)
	}
	return &Cache[V]{
		store:    store,
		policies: policies,
		logger:   logger,
		now:      time.Now,
	}
}

// GetOrFetch returns the cached value for key or loads it with fetch.
// Concurrent calls for the same key share one fetch. The fetch runs detached
// from ctx's cancellation so an abandoned caller still populates the cache;
// ctx only bounds how long this call waits. On fetch failure an expired
// entry still inside its stale window is returned with Stale set.
func (c *Cache[V]) GetOrFetch(ctx context.Context, source, key string, fetch FetchFunc[V]) (Lookup[V], error) {
	var zero Lookup[V]
	pol, ok := c.policies[source]
	if !ok {
		return zero, fmt.Errorf("cache: no policy for source %q", source)
	}

	if ent, err := c.store.Get(ctx, key); err == nil && ent.FreshAt(c.now()) {
		c.count(func(s *Stats) { s.Hits++ })
		return Lookup[V]{Value: ent.Value, FromCache: true, FetchedAt: ent.FetchedAt}, nil
	} else if err != nil && !errors.Is(err, ErrMiss) {
		// A broken store degrades to fetching, never to failing the lookup.
		c.logger.Printf("store get %s: %v", key, err)
	}
	c.count(func(s *Stats) { s.Misses++ })

	ch := c.group.DoChan(key, func() (interface{}, error) {
		return c.resolve(context.WithoutCancel(ctx), key, pol, fetch)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return zero, res.Err
		}
		lk := res.Val.(Lookup[V])
		if res.Shared {
			lk.Shared = true
			c.count(func(s *Stats) { s.SharedFlights++ })
		}
		return lk, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// resolve runs inside the single flight for key.
func (c *Cache[V]) resolve(ctx context.Context, key string, pol Policy, fetch FetchFunc[V]) (Lookup[V], error) {
	// A caller queued behind a finished flight may find the entry already
	// written; serve it instead of fetching again.
	if ent, err := c.store.Get(ctx, key); err == nil && ent.FreshAt(c.now()) {
		return Lookup[V]{Value: ent.Value, FromCache: true, FetchedAt: ent.FetchedAt}, nil
	}

	c.count(func(s *Stats) { s.Fetches++ })
	val, err := fetch(ctx)
	if err == nil {
		ent := Entry[V]{Value: val, FetchedAt: c.now(), TTL: pol.TTL, StaleFor: pol.StaleFor}
		c.write(ctx, key, ent)
		return Lookup[V]{Value: val, FetchedAt: ent.FetchedAt}, nil
	}

	if ent, serr := c.store.Get(ctx, key); serr == nil && ent.UsableAt(c.now()) {
		c.count(func(s *Stats) { s.StaleServes++ })
		return Lookup[V]{Value: ent.Value, FromCache: true, Stale: true, FetchedAt: ent.FetchedAt}, nil
	}

	c.count(func(s *Stats) { s.FetchErrors++ })
	var zero Lookup[V]
	return zero, err
}

// write stores ent unless the existing entry already expires later. Fetches
// can finish out of order; an older response must not shorten the window a
// newer one established.
func (c *Cache[V]) write(ctx context.Context, key string, ent Entry[V]) {
	if cur, err := c.store.Get(ctx, key); err == nil && cur.ExpiresAt().After(ent.ExpiresAt()) {
		return
	}
	if err := c.store.Set(ctx, key, ent); err != nil {
		c.logger.Printf("store set %s: %v", key, err)
	}
}

func (c *Cache[V]) count(fn func(*Stats)) {
	c.mu.Lock()
	fn(&c.stats)
	c.mu.Unlock()
}

// Stats returns a copy of the counters.
func (c *Cache[V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}
