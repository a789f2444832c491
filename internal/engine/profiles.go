package engine

import (
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Profile is the distilled memory of the last card produced for an entity.
// The router uses it to fast-track repeat lookups; the scorer uses it as the
// risk baseline when a fast-track run carries no analysis.
type Profile struct {
	Entity           string    `json:"entity"`
	RiskScore        float64   `json:"risk_score"`
	CredibilityScore float64   `json:"credibility_score"`
	Route            Route     `json:"route"`
	GeneratedAt      time.Time `json:"generated_at"`
}

// ProfileStore keeps recent entity profiles in memory with LRU eviction.
type ProfileStore struct {
	inner *lru.Cache[string, Profile]
}

// NewProfileStore creates a store bounded to capacity entities.
func NewProfileStore(capacity int) (*ProfileStore, error) {
	inner, err := lru.New[string, Profile](capacity)
	if err != nil {
		return nil, err
	}
	return &ProfileStore{inner: inner}, nil
}

// Get returns the profile for entity, keyed by normalized name.
func (s *ProfileStore) Get(entity string) (Profile, bool) {
	return s.inner.Get(NormalizeEntity(entity))
}

// Record remembers the card's scores as the entity's current profile.
func (s *ProfileStore) Record(card *ImpactCard) {
	if card == nil {
		return
	}
	key := NormalizeEntity(card.Entity)
	if key == "" {
		return
	}
	s.inner.Add(key, Profile{
		Entity:           key,
		RiskScore:        card.RiskScore,
		CredibilityScore: card.CredibilityScore,
		Route:            card.Route,
		GeneratedAt:      card.GeneratedAt,
	})
}

// Len is the number of profiled entities.
func (s *ProfileStore) Len() int {
	return s.inner.Len()
}
