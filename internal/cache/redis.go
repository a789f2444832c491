package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Codec serializes values for stores that leave process memory. Decode must
// accept exactly what Encode produced.
type Codec[V any] struct {
	Encode func(V) ([]byte, error)
	Decode func([]byte) (V, error)
}

// redisStore persists entries in Redis so cache contents survive restarts
// and are shared across replicas. Redis expiry is set to the full usable
// window; freshness within it is judged by the cache.
type redisStore[V any] struct {
	client *redis.Client
	prefix string
	codec  Codec[V]
}

// record is the wire form of an Entry. Durations are stored as milliseconds
// to keep the payload readable from redis-cli.
type record struct {
	Value      json.RawMessage `json:"value"`
	FetchedAt  time.Time       `json:"fetched_at"`
	TTLMS      int64           `json:"ttl_ms"`
	StaleForMS int64           `json:"stale_for_ms"`
}

// NewRedisStore returns a store writing under prefix with the given codec.
func NewRedisStore[V any](client *redis.Client, prefix string, codec Codec[V]) (Store[V], error) {
	if client == nil {
		return nil, errors.New("cache: redis store requires a client")
	}
	if codec.Encode == nil || codec.Decode == nil {
		return nil, errors.New("cache: redis store requires a codec")
	}
	return &redisStore[V]{client: client, prefix: prefix, codec: codec}, nil
}

func (s *redisStore[V]) key(key string) string {
	return s.prefix + key
}

func (s *redisStore[V]) Get(ctx context.Context, key string) (Entry[V], error) {
	var zero Entry[V]
	raw, err := s.client.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return zero, ErrMiss
	}
	if err != nil {
		return zero, fmt.Errorf("redis get: %w", err)
	}
	var rec record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return zero, fmt.Errorf("decode cache record: %w", err)
	}
	val, err := s.codec.Decode(rec.Value)
	if err != nil {
		return zero, fmt.Errorf("decode cache value: %w", err)
	}
	return Entry[V]{
		Value:     val,
		FetchedAt: rec.FetchedAt,
		TTL:       time.Duration(rec.TTLMS) * time.Millisecond,
		StaleFor:  time.Duration(rec.StaleForMS) * time.Millisecond,
	}, nil
}

func (s *redisStore[V]) Set(ctx context.Context, key string, entry Entry[V]) error {
	val, err := s.codec.Encode(entry.Value)
	if err != nil {
		return fmt.Errorf("encode cache value: %w", err)
	}
	rec := record{
		Value:      val,
		FetchedAt:  entry.FetchedAt,
		TTLMS:      entry.TTL.Milliseconds(),
		StaleForMS: entry.StaleFor.Milliseconds(),
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode cache record: %w", err)
	}
	expiry := entry.TTL + entry.StaleFor
	if err := s.client.Set(ctx, s.key(key), raw, expiry).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}
