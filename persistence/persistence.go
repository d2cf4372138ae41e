// Package persistence defines the Store contract the execution engine
// depends on for durable run/plan/output state, grounded on
// features/run/mongo and features/memory/mongo's adapter-over-narrow-client
// layering in the teacher repo.
package persistence

import (
	"context"
	"time"

	"github.com/flexrt/flexcore/condition"
	"github.com/flexrt/flexcore/envelope"
	"github.com/flexrt/flexcore/facet"
	"github.com/flexrt/flexcore/plan"
	"github.com/flexrt/flexcore/runctx"
)

// RunStatus is the lifecycle state of a run, persisted in flex_runs.
type RunStatus string

const (
	RunPending       RunStatus = "pending"
	RunRunning       RunStatus = "running"
	RunAwaitingHITL  RunStatus = "awaiting_hitl"
	RunAwaitingHuman RunStatus = "awaiting_human"
	RunPaused        RunStatus = "paused"
	RunCompleted     RunStatus = "completed"
	RunFailed        RunStatus = "failed"
	RunCancelled     RunStatus = "cancelled"
)

// RunRecord is the flex_runs document: a run's identity, envelope, and
// current status.
type RunRecord struct {
	RunID       string
	ThreadID    string
	Envelope    envelope.Envelope
	Status      RunStatus
	PlanVersion int
	Result      map[string]any
	Metadata    map[string]any
	LastError   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// NodeStatus is the lifecycle state of one plan node, persisted in
// flex_plan_nodes.
type NodeStatus string

const (
	NodePending       NodeStatus = "pending"
	NodeRunning       NodeStatus = "running"
	NodeCompleted     NodeStatus = "completed"
	NodeError         NodeStatus = "error"
	NodeAwaitingHITL  NodeStatus = "awaiting_hitl"
	NodeAwaitingHuman NodeStatus = "awaiting_human"
)

// NodeSnapshot is one plan node's persisted execution state.
type NodeSnapshot struct {
	Node                  plan.Node
	Status                NodeStatus
	StartedAt             *time.Time
	CompletedAt           *time.Time
	Output                map[string]any
	Error                 string
	PostConditionResults  []condition.Result
}

// PendingPolicyAction records a hitl runtime-policy action still awaiting
// the operator's decision on its request. Goto attempt counts are kept in
// PendingState.PolicyAttempts, not here.
type PendingPolicyAction struct {
	PolicyID      string
	NodeID        string
	RequestID     string
	ApproveAction *envelope.Action
	RejectAction  *envelope.Action
}

// PendingState is the engine's resumable control-flow state: what mode a
// paused run is in and the bookkeeping needed to resume it correctly.
type PendingState struct {
	CompletedNodeIDs      []string
	NodeOutputs           map[string]map[string]any
	RoutingSelections     map[string][]string
	PolicyActions         []PendingPolicyAction
	PolicyAttempts        map[string]int
	PostConditionAttempts map[string]int
	Mode                  string // "", "pause", "hitl", "awaiting_human"
	GoalConditionFailures []condition.Result
}

// PlanSnapshot is the flex_plan_snapshots document: a full point-in-time
// capture of one run's plan graph, node states, and facet store.
type PlanSnapshot struct {
	RunID        string
	PlanVersion  int
	Plan         plan.Plan
	Nodes        []NodeSnapshot
	RunContext   runctx.Snapshot
	SchemaHash   string
	PendingState PendingState
}

// RunOutputRecord is the flex_run_outputs document: the final composed
// output of a completed (or terminally failed) run.
type RunOutputRecord struct {
	RunID                string
	PlanVersion          int
	SchemaHash           string
	Status               RunStatus
	Output               map[string]any
	RunContext           runctx.Snapshot
	Provenance           []facet.ProvenanceEntry
	GoalConditionResults []condition.Result
}

// ResumeAudit records who resumed a paused run, when, and with what note.
type ResumeAudit struct {
	RunID    string
	Operator string
	Note     string
	At       time.Time
}

// HumanTaskFilter narrows ListPendingHumanTasks.
type HumanTaskFilter struct {
	AssignedTo string
	Role       string
}

// Store is the full persistence contract the execution engine depends on.
type Store interface {
	CreateOrUpdateRun(ctx context.Context, rec RunRecord) error
	UpdateRunStatus(ctx context.Context, runID string, status RunStatus, lastError string) error
	SavePlanSnapshot(ctx context.Context, snap PlanSnapshot) error
	LoadPlanSnapshot(ctx context.Context, runID string) (PlanSnapshot, bool, error)
	RecordResult(ctx context.Context, out RunOutputRecord) error
	LoadRun(ctx context.Context, runID string) (RunRecord, bool, error)
	FindRunByThreadID(ctx context.Context, threadID string) (RunRecord, bool, error)
	ListPendingHumanTasks(ctx context.Context, filter HumanTaskFilter) ([]NodeSnapshot, error)
	RecordResumeAudit(ctx context.Context, audit ResumeAudit) error
}
