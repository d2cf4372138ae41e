package inmem

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/flexrt/flexcore/capreg"
)

// CapabilityStore is an in-memory capreg.Store, used by cmd/flexd's
// no-Mongo demo wiring and by tests that need a Registry backed by
// something richer than a single-test-file fake.
type CapabilityStore struct {
	mu   sync.Mutex
	recs map[string]capreg.Record
}

// NewCapabilityStore returns an empty CapabilityStore.
func NewCapabilityStore() *CapabilityStore {
	return &CapabilityStore{recs: make(map[string]capreg.Record)}
}

// Upsert stores rec, preserving RegisteredAt/CreatedAt across re-registration.
func (s *CapabilityStore) Upsert(_ context.Context, rec capreg.Record) (capreg.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.recs[rec.CapabilityID]; ok {
		rec.RegisteredAt = existing.RegisteredAt
		rec.CreatedAt = existing.CreatedAt
	}
	s.recs[rec.CapabilityID] = rec
	return rec, nil
}

// Get returns the capability registered under id.
func (s *CapabilityStore) Get(_ context.Context, id string) (capreg.Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[id]
	return rec, ok, nil
}

// List returns every capability in capability-ID order.
func (s *CapabilityStore) List(_ context.Context) ([]capreg.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.recs))
	for id := range s.recs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]capreg.Record, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.recs[id])
	}
	return out, nil
}

// MarkInactive flips the given capability IDs to inactive.
func (s *CapabilityStore) MarkInactive(_ context.Context, ids []string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		rec := s.recs[id]
		rec.Status = capreg.StatusInactive
		rec.UpdatedAt = now
		s.recs[id] = rec
	}
	return nil
}

var _ capreg.Store = (*CapabilityStore)(nil)
