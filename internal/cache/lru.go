package cache

import (
	"context"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// lruStore keeps entries in process memory with LRU eviction. Entries past
// their usable window are dropped on read.
type lruStore[V any] struct {
	inner *lru.Cache[string, Entry[V]]
	now   func() time.Time
}

// NewLRUStore returns an in-memory store bounded to capacity entries.
func NewLRUStore[V any](capacity int) (Store[V], error) {
	inner, err := lru.New[string, Entry[V]](capacity)
	if err != nil {
		return nil, err
	}
	return &lruStore[V]{inner: inner, now: time.Now}, nil
}

func (s *lruStore[V]) Get(_ context.Context, key string) (Entry[V], error) {
	ent, ok := s.inner.Get(key)
	if !ok {
		return Entry[V]{}, ErrMiss
	}
	if !ent.UsableAt(s.now()) {
		s.inner.Remove(key)
		return Entry[V]{}, ErrMiss
	}
	return ent, nil
}

func (s *lruStore[V]) Set(_ context.Context, key string, entry Entry[V]) error {
	s.inner.Add(key, entry)
	return nil
}
