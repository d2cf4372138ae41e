// Package inmem implements persistence.Store entirely in process memory,
// mirroring the teacher's registry/store/memory pattern: a map keyed by
// run ID guarded by a mutex, used by tests and the cmd/flexd demo's
// no-Mongo fallback.
package inmem

import (
	"context"
	"sync"

	"github.com/flexrt/flexcore/persistence"
)

type runEntry struct {
	run      persistence.RunRecord
	snapshot persistence.PlanSnapshot
	hasSnap  bool
	output   persistence.RunOutputRecord
	hasOut   bool
	resumes  []persistence.ResumeAudit
}

// Store is an in-memory persistence.Store.
type Store struct {
	mu   sync.Mutex
	runs map[string]*runEntry
}

// New returns an empty Store.
func New() *Store {
	return &Store{runs: make(map[string]*runEntry)}
}

func (s *Store) entry(runID string) *runEntry {
	e, ok := s.runs[runID]
	if !ok {
		e = &runEntry{}
		s.runs[runID] = e
	}
	return e
}

// CreateOrUpdateRun upserts a run record, matching flex_runs' $set semantics.
func (s *Store) CreateOrUpdateRun(_ context.Context, rec persistence.RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entry(rec.RunID)
	if !e.run.CreatedAt.IsZero() {
		rec.CreatedAt = e.run.CreatedAt
	}
	e.run = rec
	return nil
}

// UpdateRunStatus updates only a run's status and last error.
func (s *Store) UpdateRunStatus(_ context.Context, runID string, status persistence.RunStatus, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entry(runID)
	e.run.Status = status
	e.run.LastError = lastError
	return nil
}

// SavePlanSnapshot stores the latest plan snapshot for a run, overwriting
// any prior snapshot (flex_plan_snapshots keeps the single current
// snapshot per run, not a history).
func (s *Store) SavePlanSnapshot(_ context.Context, snap persistence.PlanSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entry(snap.RunID)
	e.snapshot = snap
	e.hasSnap = true
	return nil
}

// LoadPlanSnapshot returns the current plan snapshot for a run.
func (s *Store) LoadPlanSnapshot(_ context.Context, runID string) (persistence.PlanSnapshot, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.runs[runID]
	if !ok || !e.hasSnap {
		return persistence.PlanSnapshot{}, false, nil
	}
	return e.snapshot, true, nil
}

// RecordResult stores the final composed output of a run.
func (s *Store) RecordResult(_ context.Context, out persistence.RunOutputRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entry(out.RunID)
	e.output = out
	e.hasOut = true
	return nil
}

// LoadRun returns the run record for runID.
func (s *Store) LoadRun(_ context.Context, runID string) (persistence.RunRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.runs[runID]
	if !ok {
		return persistence.RunRecord{}, false, nil
	}
	return e.run, true, nil
}

// FindRunByThreadID implements the secondary threadId query surface.
func (s *Store) FindRunByThreadID(_ context.Context, threadID string) (persistence.RunRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if threadID == "" {
		return persistence.RunRecord{}, false, nil
	}
	for _, e := range s.runs {
		if e.run.ThreadID == threadID {
			return e.run, true, nil
		}
	}
	return persistence.RunRecord{}, false, nil
}

// ListPendingHumanTasks scans every run's plan snapshot for nodes awaiting
// a human assignment.
func (s *Store) ListPendingHumanTasks(_ context.Context, filter persistence.HumanTaskFilter) ([]persistence.NodeSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []persistence.NodeSnapshot
	for _, e := range s.runs {
		if !e.hasSnap {
			continue
		}
		for _, ns := range e.snapshot.Nodes {
			if ns.Status != persistence.NodeAwaitingHuman {
				continue
			}
			if filter.Role != "" {
				role, _ := ns.Node.Bundle.Assignment["role"].(string)
				if role != filter.Role {
					continue
				}
			}
			if filter.AssignedTo != "" {
				assignee, _ := ns.Node.Bundle.Assignment["assignedTo"].(string)
				if assignee != filter.AssignedTo {
					continue
				}
			}
			out = append(out, ns)
		}
	}
	return out, nil
}

// RecordResumeAudit appends a resume audit entry for a run.
func (s *Store) RecordResumeAudit(_ context.Context, audit persistence.ResumeAudit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entry(audit.RunID)
	e.resumes = append(e.resumes, audit)
	return nil
}

var _ persistence.Store = (*Store)(nil)
