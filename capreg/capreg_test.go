package capreg_test

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/flexrt/flexcore/capreg"
	"github.com/flexrt/flexcore/facet"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memStore is an in-memory capreg.Store fake, mirroring the teacher's
// registry/store/memory pattern.
type memStore struct {
	mu   sync.Mutex
	recs map[string]capreg.Record
}

func newMemStore() *memStore {
	return &memStore{recs: make(map[string]capreg.Record)}
}

func (s *memStore) Upsert(_ context.Context, rec capreg.Record) (capreg.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.recs[rec.CapabilityID]; ok {
		rec.RegisteredAt = existing.RegisteredAt
		rec.CreatedAt = existing.CreatedAt
	}
	s.recs[rec.CapabilityID] = rec
	return rec, nil
}

func (s *memStore) Get(_ context.Context, id string) (capreg.Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[id]
	return rec, ok, nil
}

func (s *memStore) List(_ context.Context) ([]capreg.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]capreg.Record, 0, len(s.recs))
	ids := make([]string, 0, len(s.recs))
	for id := range s.recs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		out = append(out, s.recs[id])
	}
	return out, nil
}

func (s *memStore) MarkInactive(_ context.Context, ids []string, now time.Time) error {
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

func newTestCatalog(t *testing.T) *facet.Catalog {
	t.Helper()
	cat := facet.NewCatalog()
	require.NoError(t, cat.Register(facet.Definition{
		Name: "brief", Title: "Brief", Pointer: "/brief", Direction: facet.DirectionBoth,
		Schema: map[string]any{"type": "object"},
	}))
	return cat
}

func TestRegisterRejectsMissingOutputContract(t *testing.T) {
	cat := newTestCatalog(t)
	reg := capreg.New(newMemStore(), cat)
	_, err := reg.Register(context.Background(), capreg.Registration{
		CapabilityID: "draft-copy",
	})
	require.Error(t, err)
	var rejected *capreg.RegistrationRejected
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, "missing_output_contract", rejected.Code)
}

func TestRegisterCompilesFacetContracts(t *testing.T) {
	cat := newTestCatalog(t)
	reg := capreg.New(newMemStore(), cat)
	rec, err := reg.Register(context.Background(), capreg.Registration{
		CapabilityID:   "draft-copy",
		AgentType:      capreg.AgentTypeAI,
		OutputContract: facet.Contract{Mode: facet.ModeFacets, Facets: []string{"brief"}},
	})
	require.NoError(t, err)
	assert.Equal(t, capreg.StatusActive, rec.Status)
	assert.Equal(t, []string{"brief"}, rec.OutputFacets())
}

func TestListActiveDemotesExpiredHeartbeats(t *testing.T) {
	cat := newTestCatalog(t)
	store := newMemStore()
	reg := capreg.New(store, cat, capreg.WithCacheTTL(time.Millisecond))
	timeout := 1
	_, err := reg.Register(context.Background(), capreg.Registration{
		CapabilityID:   "slow-agent",
		OutputContract: facet.Contract{Mode: facet.ModeFacets, Facets: []string{"brief"}},
		Heartbeat:      capreg.Heartbeat{TimeoutSeconds: &timeout},
	})
	require.NoError(t, err)

	// Force the stored lastSeenAt far enough in the past to exceed the
	// 1-second timeout.
	stored, _, _ := store.Get(context.Background(), "slow-agent")
	stored.LastSeenAt = time.Now().Add(-5 * time.Second)
	_, _ = store.Upsert(context.Background(), stored)

	time.Sleep(2 * time.Millisecond) // let the cache TTL lapse
	active, err := reg.ListActive(context.Background())
	require.NoError(t, err)
	assert.Empty(t, active)

	rec, _, _ := store.Get(context.Background(), "slow-agent")
	assert.Equal(t, capreg.StatusInactive, rec.Status)
}

func TestRegisterRejectsUnsupportedDeclineAction(t *testing.T) {
	cat := newTestCatalog(t)
	reg := capreg.New(newMemStore(), cat)
	_, err := reg.Register(context.Background(), capreg.Registration{
		CapabilityID:       "human-review",
		OutputContract:     facet.Contract{Mode: facet.ModeFacets, Facets: []string{"brief"}},
		AssignmentDefaults: &capreg.AssignmentDefaults{OnDecline: "continue"},
	})
	require.Error(t, err)
	var rejected *capreg.RegistrationRejected
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, "unsupported_decline_action", rejected.Code)
}
