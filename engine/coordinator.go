package engine

import (
	"context"
	"fmt"

	"github.com/flexrt/flexcore/condition"
	"github.com/flexrt/flexcore/envelope"
	"github.com/flexrt/flexcore/persistence"
	"github.com/flexrt/flexcore/planner"
)

// Coordinator is the Flex Execution Engine's entry point: it owns the
// replan loop around one plan-execution attempt (4.H.3's replan action) and
// the resume protocol (4.H.9).
type Coordinator struct {
	deps Dependencies
}

// New constructs a Coordinator. Catalog, Registry, Planner, Store, HITL, and
// AI are required; every other Dependencies field defaults to a no-op or
// process-local implementation.
func New(deps Dependencies) *Coordinator {
	deps.applyDefaults()
	return &Coordinator{deps: deps}
}

// Result is the outcome of a Run or Resume call: either a terminal status
// (completed, failed) or a pause point the caller must eventually resume.
type Result struct {
	RunID                string
	Status               persistence.RunStatus
	Output               map[string]any
	GoalConditionResults []condition.Result
	PendingHITLRequestID string
	PendingAssignmentID  string
	PendingNodeID        string
	FailureMessage       string
}

// Run starts or resumes a run described by env. If env.Constraints names a
// resumeRunId or threadId matching a persisted run in a resumable status,
// this delegates to the resume protocol (4.H.9); the env's Inputs carry the
// submitted response (4.H.1's execution(human) resume path). Otherwise a
// brand new run is created and planned from scratch.
func (c *Coordinator) Run(ctx context.Context, env envelope.Envelope) (Result, error) {
	runID, resuming, err := c.resolveResumeTarget(ctx, env)
	if err != nil {
		return Result{}, err
	}
	if resuming {
		return c.Resume(ctx, ResumeOptions{
			RunID:         runID,
			HumanResponse: humanResponseFromEnvelope(env),
		})
	}
	return c.startRun(ctx, env)
}

func (c *Coordinator) resolveResumeTarget(ctx context.Context, env envelope.Envelope) (runID string, resuming bool, err error) {
	if env.Constraints.ResumeRunID != "" {
		rec, ok, err := c.deps.Store.LoadRun(ctx, env.Constraints.ResumeRunID)
		if err != nil {
			return "", false, fmt.Errorf("engine: loading run %q: %w", env.Constraints.ResumeRunID, err)
		}
		return rec.RunID, ok && resumableStatus(rec.Status), nil
	}
	if env.Constraints.ThreadID != "" {
		rec, ok, err := c.deps.Store.FindRunByThreadID(ctx, env.Constraints.ThreadID)
		if err != nil {
			return "", false, fmt.Errorf("engine: loading thread %q: %w", env.Constraints.ThreadID, err)
		}
		return rec.RunID, ok && resumableStatus(rec.Status), nil
	}
	return "", false, nil
}

func resumableStatus(s persistence.RunStatus) bool {
	switch s {
	case persistence.RunAwaitingHuman, persistence.RunAwaitingHITL, persistence.RunPaused:
		return true
	default:
		return false
	}
}

// humanResponseFromEnvelope adapts a resume call's envelope into the
// submitted human task response, the convention documented for Run: Inputs
// is the submission payload, and Metadata["decline"] == true marks a
// decline rather than a completed submission.
func humanResponseFromEnvelope(env envelope.Envelope) *HumanResponseSubmission {
	decline, _ := env.Metadata["decline"].(bool)
	return &HumanResponseSubmission{Output: env.Inputs, Decline: decline}
}

func (c *Coordinator) startRun(ctx context.Context, env envelope.Envelope) (Result, error) {
	runID := c.deps.IDSource()
	now := c.deps.Now()
	if err := c.deps.Store.CreateOrUpdateRun(ctx, persistence.RunRecord{
		RunID:     runID,
		ThreadID:  env.Constraints.ThreadID,
		Envelope:  env,
		Status:    persistence.RunRunning,
		CreatedAt: now,
		UpdatedAt: now,
	}); err != nil {
		return Result{}, fmt.Errorf("engine: creating run %q: %w", runID, err)
	}
	return c.runAttempts(ctx, runID, env, nil, nil)
}

// runAttempts drives the plan/execute/replan loop (4.H.3's replan action):
// each iteration computes a fresh plan and executes it; a ReplanRequestedError
// or GoalConditionFailedError re-enters the planner with graph context
// derived from the failed attempt's state, up to MaxPlannerAttempts.
func (c *Coordinator) runAttempts(ctx context.Context, runID string, env envelope.Envelope, graphCtx *planner.GraphContext, seedState *persistence.PendingState) (Result, error) {
	for n := 0; ; n++ {
		p, err := c.deps.Planner.Plan(ctx, runID, env, graphCtx)
		if err != nil {
			_ = c.deps.Store.UpdateRunStatus(ctx, runID, persistence.RunFailed, err.Error())
			return Result{}, fmt.Errorf("engine: planning run %q: %w", runID, err)
		}
		c.publish(ctx, c.planGeneratedEvent(runID, p))

		a := newAttempt(c, runID, env, p)
		fireOnStart := true
		if seedState != nil {
			a.seedFrom(*seedState)
			seedState = nil // only the very first attempt inherits pre-replan state
			fireOnStart = false
		}

		output, runErr := a.run(ctx, fireOnStart)
		if runErr == nil {
			return c.completeRun(ctx, runID, a, output)
		}

		switch e := runErr.(type) {
		case *GoalConditionFailedError:
			if n+1 >= c.deps.MaxPlannerAttempts {
				return c.failRun(ctx, runID, fmt.Errorf("engine: goal conditions still failing after %d attempt(s): %v", n+1, e.FailedConditions))
			}
			graphCtx = graphContextFromState(e.State)
			graphCtx.GoalConditionFailureFacets = failedConditionFacets(e.FailedConditions)
			continue
		case *ReplanRequestedError:
			if n+1 >= c.deps.MaxPlannerAttempts {
				return c.failRun(ctx, runID, fmt.Errorf("engine: replanning exhausted after %d attempt(s) (trigger %q)", n+1, e.Trigger))
			}
			graphCtx = graphContextFromState(e.State)
			continue
		case *HitlPauseError:
			return Result{RunID: runID, Status: persistence.RunAwaitingHITL, PendingHITLRequestID: e.RequestID, PendingNodeID: e.NodeID}, nil
		case *RunPausedError:
			return Result{RunID: runID, Status: e.Status, FailureMessage: e.Reason}, nil
		case *AwaitingHumanInputError:
			return Result{RunID: runID, Status: persistence.RunAwaitingHuman, PendingAssignmentID: e.AssignmentID, PendingNodeID: e.NodeID}, nil
		case *RuntimePolicyFailureError:
			return c.failRun(ctx, runID, e)
		case *FlexValidationError:
			return c.failRun(ctx, runID, e)
		default:
			return Result{}, fmt.Errorf("engine: run %q: %w", runID, runErr)
		}
	}
}

// graphContextFromState derives a replan's CRCS graph context from the
// failed attempt's accumulated node outputs: every key of every completed
// node's output object names a facet now available to the next plan.
func graphContextFromState(state persistence.PendingState) *planner.GraphContext {
	seen := map[string]bool{}
	var facets []string
	for _, output := range state.NodeOutputs {
		for name := range output {
			if !seen[name] {
				seen[name] = true
				facets = append(facets, name)
			}
		}
	}
	return &planner.GraphContext{CompletedNodeOutputFacets: facets}
}

// failedConditionFacets names every facet an observed goal-condition
// failure references, so the next plan pins that facet's producers
// alongside the envelope's own goal_condition list.
func failedConditionFacets(results []condition.Result) []string {
	seen := map[string]bool{}
	var facets []string
	for _, r := range results {
		if r.Satisfied || r.Facet == "" || seen[r.Facet] {
			continue
		}
		seen[r.Facet] = true
		facets = append(facets, r.Facet)
	}
	return facets
}

func (c *Coordinator) completeRun(ctx context.Context, runID string, a *attempt, output map[string]any) (Result, error) {
	snap := a.rctx.Snapshot()
	goalResults := condition.EvaluateGoalConditions(a.env.GoalConditions, snap)
	if err := c.deps.Store.RecordResult(ctx, persistence.RunOutputRecord{
		RunID:                runID,
		PlanVersion:          a.plan.Version,
		Status:               persistence.RunCompleted,
		Output:               output,
		RunContext:           snap,
		GoalConditionResults: goalResults,
	}); err != nil {
		return Result{}, fmt.Errorf("engine: recording result for run %q: %w", runID, err)
	}
	if err := c.deps.Store.UpdateRunStatus(ctx, runID, persistence.RunCompleted, ""); err != nil {
		return Result{}, fmt.Errorf("engine: updating run %q status: %w", runID, err)
	}
	c.publish(ctx, c.completeEvent(runID, persistence.RunCompleted))
	return Result{RunID: runID, Status: persistence.RunCompleted, Output: output, GoalConditionResults: goalResults}, nil
}

func (c *Coordinator) failRun(ctx context.Context, runID string, cause error) (Result, error) {
	_ = c.deps.Store.UpdateRunStatus(ctx, runID, persistence.RunFailed, cause.Error())
	c.publish(ctx, c.completeEvent(runID, persistence.RunFailed))
	return Result{RunID: runID, Status: persistence.RunFailed, FailureMessage: cause.Error()}, nil
}

// HumanResponseSubmission is a completed (or declined) human task
// submission arriving via Resume.
type HumanResponseSubmission struct {
	Output  map[string]any
	Decline bool
}
