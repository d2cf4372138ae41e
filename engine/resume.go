package engine

import (
	"context"
	"fmt"

	"github.com/flexrt/flexcore/condition"
	"github.com/flexrt/flexcore/envelope"
	"github.com/flexrt/flexcore/facet"
	"github.com/flexrt/flexcore/hitl"
	"github.com/flexrt/flexcore/hooks"
	"github.com/flexrt/flexcore/persistence"
	"github.com/flexrt/flexcore/plan"
	"github.com/flexrt/flexcore/runctx"
)

// ResumeOptions describes how to continue a paused run: which run, and
// (when resuming a paused execution(human) node) the submitted or declined
// response. InitialFacets overrides the persisted run-context snapshot
// entirely when set, the caller-supplied-state path 4.H.9 step 1 names.
type ResumeOptions struct {
	RunID         string
	HumanResponse *HumanResponseSubmission
	InitialFacets map[string]any
}

// Resume implements the resume protocol (4.H.9): rebuild the run context,
// resolve any pending runtime-policy decisions against the latest HITL
// responses, deliver a submitted human response if one is waiting, and
// drive the plan forward from there. A run already in a terminal status
// replays its stored result rather than re-executing anything.
func (c *Coordinator) Resume(ctx context.Context, opts ResumeOptions) (Result, error) {
	rec, ok, err := c.deps.Store.LoadRun(ctx, opts.RunID)
	if err != nil {
		return Result{}, fmt.Errorf("engine: loading run %q: %w", opts.RunID, err)
	}
	if !ok {
		return Result{}, fmt.Errorf("engine: no run %q to resume", opts.RunID)
	}
	if rec.Status == persistence.RunCompleted || rec.Status == persistence.RunFailed || rec.Status == persistence.RunCancelled {
		return c.replayTerminal(ctx, rec)
	}

	snap, hasSnap, err := c.deps.Store.LoadPlanSnapshot(ctx, opts.RunID)
	if err != nil {
		return Result{}, fmt.Errorf("engine: loading plan snapshot for run %q: %w", opts.RunID, err)
	}
	if !hasSnap {
		return Result{}, fmt.Errorf("engine: run %q has no plan snapshot to resume from", opts.RunID)
	}

	a := newAttempt(c, opts.RunID, rec.Envelope, snap.Plan)
	a.seedFrom(snap.PendingState)
	a.seedContext(c.buildResumeContext(opts, snap))

	if opts.HumanResponse != nil {
		if nodeID := pendingHumanNodeID(snap); nodeID != "" {
			if err := a.resolveHumanResponse(ctx, nodeID, *opts.HumanResponse); err != nil {
				return c.handleResumeError(ctx, opts.RunID, rec.Envelope, err)
			}
		}
	}

	output, runErr := a.run(ctx, false)
	if runErr != nil {
		return c.handleResumeError(ctx, opts.RunID, rec.Envelope, runErr)
	}
	return c.completeRun(ctx, opts.RunID, a, output)
}

func (c *Coordinator) buildResumeContext(opts ResumeOptions, snap persistence.PlanSnapshot) *runctx.Context {
	if opts.InitialFacets == nil {
		return runctx.FromSnapshot(snap.RunContext)
	}
	rctx := runctx.New()
	now := c.deps.Now()
	for name, value := range opts.InitialFacets {
		rctx.UpdateFacet(name, value, runctx.ProvenanceRecord{Rationale: "resume initial state", Timestamp: now})
	}
	return rctx
}

func pendingHumanNodeID(snap persistence.PlanSnapshot) string {
	for _, n := range snap.Nodes {
		if n.Status == persistence.NodeAwaitingHuman {
			return n.Node.ID
		}
	}
	return ""
}

// resolveHumanResponse delivers a submitted human task response as the
// node's output, then runs the normal onNodeComplete policy dispatch
// exactly as a successful execute would have. A declined response fails the
// run with a RuntimePolicyFailureError instead.
func (a *attempt) resolveHumanResponse(ctx context.Context, nodeID string, resp HumanResponseSubmission) error {
	node, ok := a.plan.NodeByID(nodeID)
	if !ok {
		return fmt.Errorf("engine: plan for run %q has no node %q", a.runID, nodeID)
	}
	if resp.Decline {
		return &RuntimePolicyFailureError{Message: fmt.Sprintf("human task for node %q was declined", nodeID)}
	}
	if err := a.validateScope(ctx, "capability_output", nodeID, node.Contracts.Output, resp.Output); err != nil {
		return err
	}

	now := a.coord.deps.Now()
	a.rctx.UpdateFromNode(nodeID, node.CapabilityID, node.Facets.Output, resp.Output, "human submission", now)
	a.recordNodeOutput(nodeID, resp.Output)
	a.sched.MarkCompleted(nodeID)
	a.markNodeStatus(ctx, nodeID, persistence.NodeCompleted)
	a.coord.publish(ctx, hooks.NewNodeCompletedEvent(a.runID, nodeID, node.CapabilityID, resp.Output, now))
	return a.dispatchPolicies(ctx, envelope.TriggerOnNodeComplete, node, resp.Output)
}

func nodeOrNil(p plan.Plan, nodeID string) *plan.Node {
	n, ok := p.NodeByID(nodeID)
	if !ok {
		return nil
	}
	return n
}

// resolvePendingPolicyActions resolves every still-pending hitl policy
// action against the latest HITL responses (4.H.9 step 2): an operator's
// decision is recorded through hitl.Service.Resolve out of band, before
// Resume is ever called, so this only reads the resolved state and applies
// whichever action (approve or reject) the triggering policy configured.
func (a *attempt) resolvePendingPolicyActions(ctx context.Context) error {
	if len(a.policyActions) == 0 {
		return nil
	}
	state, err := a.coord.deps.HITL.LoadRunState(ctx, a.runID)
	if err != nil {
		return fmt.Errorf("engine: loading hitl state for run %q: %w", a.runID, err)
	}
	responseByRequest := make(map[string]hitl.Response, len(state.Responses))
	for _, r := range state.Responses {
		responseByRequest[r.RequestID] = r
	}

	var remaining []persistence.PendingPolicyAction
	for _, pending := range a.policyActions {
		resp, answered := responseByRequest[pending.RequestID]
		if !answered {
			remaining = append(remaining, pending)
			continue
		}
		action := pending.RejectAction
		if resp.Approved {
			action = pending.ApproveAction
		}
		if action == nil {
			if !resp.Approved {
				return &RuntimePolicyFailureError{PolicyID: pending.PolicyID, Message: "hitl decision rejected with no configured reject action"}
			}
			continue
		}
		if err := a.applyAction(ctx, pending.PolicyID, nodeOrNil(a.plan, pending.NodeID), *action); err != nil {
			return err
		}
	}
	a.policyActions = remaining
	return nil
}

// handleResumeError maps a control-flow or terminal error out of a.run into
// a Result, the same mapping runAttempts uses for a fresh run. A replan
// request re-enters the planner through runAttempts, which gives the
// resumed run a fresh MaxPlannerAttempts budget; attempts consumed before
// the pause are not counted.
func (c *Coordinator) handleResumeError(ctx context.Context, runID string, env envelope.Envelope, runErr error) (Result, error) {
	switch e := runErr.(type) {
	case *GoalConditionFailedError:
		gc := graphContextFromState(e.State)
		gc.GoalConditionFailureFacets = failedConditionFacets(e.FailedConditions)
		return c.runAttempts(ctx, runID, env, gc, nil)
	case *ReplanRequestedError:
		return c.runAttempts(ctx, runID, env, graphContextFromState(e.State), nil)
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
		return Result{}, fmt.Errorf("engine: resuming run %q: %w", runID, runErr)
	}
}

// replayTerminal re-emits a completed run's terminal events rather than
// re-executing anything (4.H.9 step 3): a Resume call against an already-
// finished run is idempotent.
func (c *Coordinator) replayTerminal(ctx context.Context, rec persistence.RunRecord) (Result, error) {
	if rec.Status != persistence.RunCompleted {
		return Result{RunID: rec.RunID, Status: rec.Status, FailureMessage: rec.LastError}, nil
	}

	snap, hasSnap, err := c.deps.Store.LoadPlanSnapshot(ctx, rec.RunID)
	if err != nil {
		return Result{}, fmt.Errorf("engine: loading plan snapshot for completed run %q: %w", rec.RunID, err)
	}

	var terminalNodeID, terminalCapabilityID string
	var runSnap runctx.Snapshot
	if hasSnap {
		runSnap = snap.RunContext
		for i := len(snap.Plan.Nodes) - 1; i >= 0; i-- {
			n := snap.Plan.Nodes[i]
			if n.Kind == plan.NodeExecution {
				terminalNodeID, terminalCapabilityID = n.ID, n.CapabilityID
				break
			}
		}
	}

	now := c.deps.Now()
	c.publish(ctx, hooks.NewNodeStartedEvent(rec.RunID, terminalNodeID, terminalCapabilityID, now))
	c.publish(ctx, hooks.NewNodeCompletedEvent(rec.RunID, terminalNodeID, terminalCapabilityID, rec.Result, now))

	if outputContract, err := c.deps.Catalog.CompileContract(rec.Envelope.OutputContract, "output"); err == nil && outputContract != nil {
		if validator, verr := facet.CompileValidator(outputContract); verr == nil {
			if ferr := validator.Validate(rec.Result); ferr != nil {
				c.publish(ctx, hooks.NewValidationErrorEvent(rec.RunID, "final_output", "", ferr.Error(), now))
			}
		}
	}

	goalResults := condition.EvaluateGoalConditions(rec.Envelope.GoalConditions, runSnap)
	c.publish(ctx, c.completeEvent(rec.RunID, persistence.RunCompleted))
	return Result{RunID: rec.RunID, Status: persistence.RunCompleted, Output: rec.Result, GoalConditionResults: goalResults}, nil
}
