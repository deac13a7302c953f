package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cap-immersion/sourcing-cli/internal/model"
)

// MemoryStore is an in-memory Store used by component tests. It mirrors
// the transactional semantics of the database adapters: drain is
// read-and-mark under one lock, upserts honor source precedence.
type MemoryStore struct {
	mu             sync.Mutex
	attempts       []model.SourcingAttempt
	demands        map[string]*model.SearchDemand
	establishments map[string]model.Establishment
	offers         map[OfferKey]model.ImmersionOffer
}

var _ Store = (*MemoryStore)(nil)

// NewMemory creates an empty MemoryStore.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		demands:        make(map[string]*model.SearchDemand),
		establishments: make(map[string]model.Establishment),
		offers:         make(map[OfferKey]model.ImmersionOffer),
	}
}

// Migrate is a no-op for the in-memory store.
func (s *MemoryStore) Migrate(context.Context) error { return nil }

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) RecordAttempt(_ context.Context, attempt model.SourcingAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts = append(s.attempts, attempt)
	return nil
}

func (s *MemoryStore) ListAttemptsSince(_ context.Context, occupationCode string, since time.Time) ([]model.SourcingAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.SourcingAttempt
	for _, a := range s.attempts {
		if a.OccupationCode == occupationCode && !a.RequestedAt.Before(since) {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *MemoryStore) CountAttemptsSince(_ context.Context, since time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int
	for _, a := range s.attempts {
		if !a.RequestedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) InsertDemand(_ context.Context, demand model.SearchDemand) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if demand.ID == "" {
		demand.ID = uuid.New().String()
	}
	demand.Pending = true
	demand.UpdatedAt = time.Now().UTC()
	s.demands[demand.ID] = &demand
	return nil
}

func (s *MemoryStore) DrainPendingDemand(context.Context) ([]model.SearchDemand, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var drained []model.SearchDemand
	for _, d := range s.demands {
		if d.Pending {
			drained = append(drained, *d)
			d.Pending = false
			d.UpdatedAt = time.Now().UTC()
		}
	}
	// Deterministic order for tests.
	sort.Slice(drained, func(i, j int) bool { return drained[i].ID < drained[j].ID })
	return drained, nil
}

func (s *MemoryStore) CountPendingDemand(context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int
	for _, d := range s.demands {
		if d.Pending {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) SourcesBySiret(_ context.Context, sirets []string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sources := make(map[string]string, len(sirets))
	for _, siret := range sirets {
		if e, ok := s.establishments[siret]; ok {
			sources[siret] = e.DataSource
		}
	}
	return sources, nil
}

func (s *MemoryStore) OfferSources(_ context.Context, sirets []string) (map[OfferKey]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wanted := make(map[string]bool, len(sirets))
	for _, siret := range sirets {
		wanted[siret] = true
	}
	sources := make(map[OfferKey]string)
	for key, o := range s.offers {
		if wanted[key.Siret] {
			sources[key] = o.DataSource
		}
	}
	return sources, nil
}

func (s *MemoryStore) UpsertBatch(_ context.Context, establishments []model.Establishment, offers []model.ImmersionOffer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range establishments {
		existing, ok := s.establishments[e.Siret]
		if ok && model.IsFormSource(existing.DataSource) && !model.IsFormSource(e.DataSource) {
			continue
		}
		s.establishments[e.Siret] = e
	}

	for _, o := range offers {
		key := OfferKey{Siret: o.Siret, OccupationCode: o.OccupationCode}
		existing, ok := s.offers[key]
		if !ok {
			s.offers[key] = o
			continue
		}
		if model.IsFormSource(existing.DataSource) {
			continue
		}
		existing.Score = o.Score
		existing.UpdatedAt = o.UpdatedAt
		s.offers[key] = existing
	}
	return nil
}

func (s *MemoryStore) GetEstablishment(_ context.Context, siret string) (*model.Establishment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.establishments[siret]; ok {
		return &e, nil
	}
	return nil, nil
}

func (s *MemoryStore) ListOffers(_ context.Context, siret string) ([]model.ImmersionOffer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var offers []model.ImmersionOffer
	for key, o := range s.offers {
		if key.Siret == siret {
			offers = append(offers, o)
		}
	}
	sort.Slice(offers, func(i, j int) bool { return offers[i].OccupationCode < offers[j].OccupationCode })
	return offers, nil
}

func (s *MemoryStore) CountEstablishments(context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.establishments), nil
}

func (s *MemoryStore) CountOffers(context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.offers), nil
}
