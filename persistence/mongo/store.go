package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/flexrt/flexcore/persistence"
)

const (
	defaultRunsCollection     = "flex_runs"
	defaultSnapshotCollection = "flex_plan_snapshots"
	defaultNodesCollection    = "flex_plan_nodes"
	defaultOutputsCollection  = "flex_run_outputs"
)

// Store is a MongoDB-backed persistence.Store. It spreads a run's state
// across four collections: flex_runs for lifecycle/status, flex_plan_nodes
// for one document per node (the surface ListPendingHumanTasks queries),
// flex_plan_snapshots for the full point-in-time plan graph and run
// context, and flex_run_outputs for completed results.
type Store struct {
	runs      collection
	snapshots collection
	nodes     collection
	outputs   collection
	timeout   time.Duration
	pinger    Pinger
}

// New connects a Store to the four flex_* collections under opts.Database.
func New(ctx context.Context, opts Options) (*Store, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	db := opts.Client.Database(opts.Database)
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}

	runs := mongoCollection{coll: db.Collection(defaultRunsCollection)}
	snapshots := mongoCollection{coll: db.Collection(defaultSnapshotCollection)}
	nodes := mongoCollection{coll: db.Collection(defaultNodesCollection)}
	outputs := mongoCollection{coll: db.Collection(defaultOutputsCollection)}

	ictx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := ensureUniqueIndex(ictx, runs, "run_id"); err != nil {
		return nil, fmt.Errorf("mongo flex_runs index: %w", err)
	}
	if err := ensureIndex(ictx, runs, bson.D{{Key: "thread_id", Value: 1}}); err != nil {
		return nil, fmt.Errorf("mongo flex_runs thread index: %w", err)
	}
	if err := ensureUniqueIndex(ictx, snapshots, "run_id"); err != nil {
		return nil, fmt.Errorf("mongo flex_plan_snapshots index: %w", err)
	}
	if err := ensureUniqueIndex(ictx, outputs, "run_id"); err != nil {
		return nil, fmt.Errorf("mongo flex_run_outputs index: %w", err)
	}
	if err := ensureIndex(ictx, nodes, bson.D{{Key: "run_id", Value: 1}, {Key: "node_id", Value: 1}}); err != nil {
		return nil, fmt.Errorf("mongo flex_plan_nodes index: %w", err)
	}
	if err := ensureIndex(ictx, nodes, bson.D{{Key: "status", Value: 1}, {Key: "role", Value: 1}}); err != nil {
		return nil, fmt.Errorf("mongo flex_plan_nodes task index: %w", err)
	}

	return &Store{
		runs:      runs,
		snapshots: snapshots,
		nodes:     nodes,
		outputs:   outputs,
		timeout:   timeout,
		pinger:    Pinger{client: opts.Client, name: "flexcore-mongo"},
	}, nil
}

// Pinger exposes a health.Pinger for the underlying Mongo client.
func (s *Store) Pinger() Pinger { return s.pinger }

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, s.timeout)
}

type runDocument struct {
	RunID       string         `bson:"run_id"`
	ThreadID    string         `bson:"thread_id,omitempty"`
	Envelope    any            `bson:"envelope"`
	Status      string         `bson:"status"`
	PlanVersion int            `bson:"plan_version"`
	Result      map[string]any `bson:"result,omitempty"`
	Metadata    map[string]any `bson:"metadata,omitempty"`
	LastError   string         `bson:"last_error,omitempty"`
	CreatedAt   time.Time      `bson:"created_at"`
	UpdatedAt   time.Time      `bson:"updated_at"`
}

func fromRunRecord(rec persistence.RunRecord) runDocument {
	return runDocument{
		RunID:       rec.RunID,
		ThreadID:    rec.ThreadID,
		Envelope:    rec.Envelope,
		Status:      string(rec.Status),
		PlanVersion: rec.PlanVersion,
		Result:      rec.Result,
		Metadata:    rec.Metadata,
		LastError:   rec.LastError,
		CreatedAt:   rec.CreatedAt,
		UpdatedAt:   rec.UpdatedAt,
	}
}

func (d runDocument) toRunRecord() persistence.RunRecord {
	rec := persistence.RunRecord{
		RunID:       d.RunID,
		ThreadID:    d.ThreadID,
		Status:      persistence.RunStatus(d.Status),
		PlanVersion: d.PlanVersion,
		Result:      d.Result,
		Metadata:    d.Metadata,
		LastError:   d.LastError,
		CreatedAt:   d.CreatedAt,
		UpdatedAt:   d.UpdatedAt,
	}
	if d.Envelope != nil {
		_ = bson.Unmarshal(mustMarshal(d.Envelope), &rec.Envelope)
	}
	return rec
}

func mustMarshal(v any) []byte {
	b, err := bson.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}

// CreateOrUpdateRun upserts a run record, matching flex_runs' $set/$setOnInsert semantics.
func (s *Store) CreateOrUpdateRun(ctx context.Context, rec persistence.RunRecord) error {
	if rec.RunID == "" {
		return errors.New("run id is required")
	}
	now := time.Now().UTC()
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = now
	}
	doc := fromRunRecord(rec)
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"run_id": rec.RunID}
	update := bson.M{
		"$set":         doc,
		"$setOnInsert": bson.M{"created_at": now},
	}
	_, err := s.runs.UpdateOne(ctx, filter, update, options.UpdateOne().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("mongo upsert run %q: %w", rec.RunID, err)
	}
	return nil
}

// UpdateRunStatus updates only a run's status and last error.
func (s *Store) UpdateRunStatus(ctx context.Context, runID string, status persistence.RunStatus, lastError string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"run_id": runID}
	update := bson.M{"$set": bson.M{
		"status":     string(status),
		"last_error": lastError,
		"updated_at": time.Now().UTC(),
	}}
	_, err := s.runs.UpdateOne(ctx, filter, update, options.UpdateOne().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("mongo update run status %q: %w", runID, err)
	}
	return nil
}

// LoadRun returns the run record for runID.
func (s *Store) LoadRun(ctx context.Context, runID string) (persistence.RunRecord, bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var doc runDocument
	if err := s.runs.FindOne(ctx, bson.M{"run_id": runID}).Decode(&doc); err != nil {
		if errors.Is(err, errNoDocuments) {
			return persistence.RunRecord{}, false, nil
		}
		return persistence.RunRecord{}, false, fmt.Errorf("mongo load run %q: %w", runID, err)
	}
	return doc.toRunRecord(), true, nil
}

// FindRunByThreadID implements the secondary threadId query surface.
func (s *Store) FindRunByThreadID(ctx context.Context, threadID string) (persistence.RunRecord, bool, error) {
	if threadID == "" {
		return persistence.RunRecord{}, false, nil
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var doc runDocument
	if err := s.runs.FindOne(ctx, bson.M{"thread_id": threadID}).Decode(&doc); err != nil {
		if errors.Is(err, errNoDocuments) {
			return persistence.RunRecord{}, false, nil
		}
		return persistence.RunRecord{}, false, fmt.Errorf("mongo find run by thread %q: %w", threadID, err)
	}
	return doc.toRunRecord(), true, nil
}

type planSnapshotDocument struct {
	RunID        string `bson:"run_id"`
	PlanVersion  int    `bson:"plan_version"`
	Plan         any    `bson:"plan"`
	Nodes        any    `bson:"nodes"`
	RunContext   any    `bson:"run_context"`
	SchemaHash   string `bson:"schema_hash"`
	PendingState any    `bson:"pending_state"`
}

type nodeDocument struct {
	RunID      string `bson:"run_id"`
	NodeID     string `bson:"node_id"`
	Status     string `bson:"status"`
	Role       string `bson:"role,omitempty"`
	AssignedTo string `bson:"assigned_to,omitempty"`
	Snapshot   any    `bson:"snapshot"`
}

// SavePlanSnapshot stores the latest plan snapshot for a run, and explodes
// its node snapshots into flex_plan_nodes so ListPendingHumanTasks can be
// answered with an indexed query instead of a full snapshot scan.
func (s *Store) SavePlanSnapshot(ctx context.Context, snap persistence.PlanSnapshot) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	doc := planSnapshotDocument{
		RunID:        snap.RunID,
		PlanVersion:  snap.PlanVersion,
		Plan:         snap.Plan,
		Nodes:        snap.Nodes,
		RunContext:   snap.RunContext,
		SchemaHash:   snap.SchemaHash,
		PendingState: snap.PendingState,
	}
	filter := bson.M{"run_id": snap.RunID}
	update := bson.M{"$set": doc}
	if _, err := s.snapshots.UpdateOne(ctx, filter, update, options.UpdateOne().SetUpsert(true)); err != nil {
		return fmt.Errorf("mongo save plan snapshot %q: %w", snap.RunID, err)
	}
	for _, ns := range snap.Nodes {
		role, _ := ns.Node.Bundle.Assignment["role"].(string)
		assignee, _ := ns.Node.Bundle.Assignment["assignedTo"].(string)
		ndoc := nodeDocument{
			RunID:      snap.RunID,
			NodeID:     ns.Node.ID,
			Status:     string(ns.Status),
			Role:       role,
			AssignedTo: assignee,
			Snapshot:   ns,
		}
		nfilter := bson.M{"run_id": snap.RunID, "node_id": ns.Node.ID}
		nupdate := bson.M{"$set": ndoc}
		if _, err := s.nodes.UpdateOne(ctx, nfilter, nupdate, options.UpdateOne().SetUpsert(true)); err != nil {
			return fmt.Errorf("mongo save plan node %q/%q: %w", snap.RunID, ns.Node.ID, err)
		}
	}
	return nil
}

// LoadPlanSnapshot returns the current plan snapshot for a run.
func (s *Store) LoadPlanSnapshot(ctx context.Context, runID string) (persistence.PlanSnapshot, bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var doc planSnapshotDocument
	if err := s.snapshots.FindOne(ctx, bson.M{"run_id": runID}).Decode(&doc); err != nil {
		if errors.Is(err, errNoDocuments) {
			return persistence.PlanSnapshot{}, false, nil
		}
		return persistence.PlanSnapshot{}, false, fmt.Errorf("mongo load plan snapshot %q: %w", runID, err)
	}
	snap := persistence.PlanSnapshot{
		RunID:       doc.RunID,
		PlanVersion: doc.PlanVersion,
		SchemaHash:  doc.SchemaHash,
	}
	if doc.Plan != nil {
		_ = bson.Unmarshal(mustMarshal(doc.Plan), &snap.Plan)
	}
	if doc.Nodes != nil {
		var wrapper struct {
			Nodes []persistence.NodeSnapshot `bson:"nodes"`
		}
		if err := bson.Unmarshal(mustMarshal(bson.M{"nodes": doc.Nodes}), &wrapper); err == nil {
			snap.Nodes = wrapper.Nodes
		}
	}
	if doc.RunContext != nil {
		_ = bson.Unmarshal(mustMarshal(doc.RunContext), &snap.RunContext)
	}
	if doc.PendingState != nil {
		_ = bson.Unmarshal(mustMarshal(doc.PendingState), &snap.PendingState)
	}
	return snap, true, nil
}

// ListPendingHumanTasks queries flex_plan_nodes for nodes awaiting a human
// assignment, optionally narrowed by role or assignee.
func (s *Store) ListPendingHumanTasks(ctx context.Context, filter persistence.HumanTaskFilter) ([]persistence.NodeSnapshot, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	q := bson.M{"status": string(persistence.NodeAwaitingHuman)}
	if filter.Role != "" {
		q["role"] = filter.Role
	}
	if filter.AssignedTo != "" {
		q["assigned_to"] = filter.AssignedTo
	}
	cur, err := s.nodes.Find(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("mongo list pending human tasks: %w", err)
	}
	var docs []nodeDocument
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("mongo decode pending human tasks: %w", err)
	}
	out := make([]persistence.NodeSnapshot, 0, len(docs))
	for _, d := range docs {
		var ns persistence.NodeSnapshot
		if d.Snapshot != nil {
			_ = bson.Unmarshal(mustMarshal(d.Snapshot), &ns)
		}
		out = append(out, ns)
	}
	return out, nil
}

type runOutputDocument struct {
	RunID                string `bson:"run_id"`
	PlanVersion          int    `bson:"plan_version"`
	SchemaHash           string `bson:"schema_hash"`
	Status               string `bson:"status"`
	Output               any    `bson:"output"`
	RunContext           any    `bson:"run_context"`
	Provenance           any    `bson:"provenance"`
	GoalConditionResults any    `bson:"goal_condition_results"`
}

// RecordResult stores the final composed output of a run, overwriting any
// prior result (flex_run_outputs keeps the most recent attempt per run).
func (s *Store) RecordResult(ctx context.Context, out persistence.RunOutputRecord) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	doc := runOutputDocument{
		RunID:                out.RunID,
		PlanVersion:          out.PlanVersion,
		SchemaHash:           out.SchemaHash,
		Status:               string(out.Status),
		Output:               out.Output,
		RunContext:           out.RunContext,
		Provenance:           out.Provenance,
		GoalConditionResults: out.GoalConditionResults,
	}
	filter := bson.M{"run_id": out.RunID}
	update := bson.M{"$set": doc}
	if _, err := s.outputs.UpdateOne(ctx, filter, update, options.UpdateOne().SetUpsert(true)); err != nil {
		return fmt.Errorf("mongo record result %q: %w", out.RunID, err)
	}
	return nil
}

type resumeAuditDocument struct {
	RunID    string    `bson:"run_id"`
	Operator string    `bson:"operator"`
	Note     string    `bson:"note,omitempty"`
	At       time.Time `bson:"at"`
}

// RecordResumeAudit appends a resume audit entry, stored alongside the run
// document under an append-only array field.
func (s *Store) RecordResumeAudit(ctx context.Context, audit persistence.ResumeAudit) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	doc := resumeAuditDocument{
		RunID:    audit.RunID,
		Operator: audit.Operator,
		Note:     audit.Note,
		At:       audit.At,
	}
	filter := bson.M{"run_id": audit.RunID}
	update := bson.M{"$push": bson.M{"resume_audits": doc}}
	if _, err := s.runs.UpdateOne(ctx, filter, update, options.UpdateOne().SetUpsert(true)); err != nil {
		return fmt.Errorf("mongo record resume audit %q: %w", audit.RunID, err)
	}
	return nil
}

var _ persistence.Store = (*Store)(nil)
