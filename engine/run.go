package engine

import (
	"context"
	"fmt"

	"github.com/flexrt/flexcore/capreg"
	"github.com/flexrt/flexcore/condition"
	"github.com/flexrt/flexcore/envelope"
	"github.com/flexrt/flexcore/hooks"
	"github.com/flexrt/flexcore/persistence"
	"github.com/flexrt/flexcore/plan"
	"github.com/flexrt/flexcore/runctx"
	"github.com/flexrt/flexcore/scheduler"
)

// attempt holds every piece of mutable state one plan-execution attempt
// accumulates: which nodes have run, what they produced, and the runtime
// policy/post-condition bookkeeping the resume protocol needs to rebuild.
type attempt struct {
	coord *Coordinator
	runID string
	env   envelope.Envelope
	plan  plan.Plan

	sched *scheduler.Scheduler
	rctx  *runctx.Context

	nodeOutputs           map[string]map[string]any
	nodeErrors            map[string]string
	nodeStatuses          map[string]persistence.NodeStatus
	routingSelections     map[string][]string
	policyActions         []persistence.PendingPolicyAction
	policyAttempts        map[string]int
	postConditionAttempts map[string]int
	postConditionResults  map[string][]condition.Result
	previousFeedback      []FeedbackEntry
}

func newAttempt(c *Coordinator, runID string, env envelope.Envelope, p plan.Plan) *attempt {
	rctx := runctx.New()
	now := c.deps.Now()
	for name, value := range env.Inputs {
		rctx.UpdateFacet(name, value, runctx.ProvenanceRecord{NodeID: "", CapabilityID: "", Rationale: "envelope input", Timestamp: now})
	}
	return &attempt{
		coord:                 c,
		runID:                 runID,
		env:                   env,
		plan:                  p,
		sched:                 scheduler.New(p, nil, nil),
		rctx:                  rctx,
		nodeOutputs:           map[string]map[string]any{},
		nodeErrors:            map[string]string{},
		nodeStatuses:          map[string]persistence.NodeStatus{},
		routingSelections:     map[string][]string{},
		policyAttempts:        map[string]int{},
		postConditionAttempts: map[string]int{},
		postConditionResults:  map[string][]condition.Result{},
	}
}

// seedFrom rebuilds this attempt's scheduler and bookkeeping from a prior
// pending state, the mid-plan resume path (HITL/goto resolution, not a
// replan, which always starts a fresh attempt against a fresh plan).
func (a *attempt) seedFrom(state persistence.PendingState) {
	a.sched = scheduler.New(a.plan, state.CompletedNodeIDs, state.RoutingSelections)
	for k, v := range state.NodeOutputs {
		a.nodeOutputs[k] = v
	}
	for k, v := range state.RoutingSelections {
		a.routingSelections[k] = v
	}
	a.policyActions = append([]persistence.PendingPolicyAction(nil), state.PolicyActions...)
	for k, v := range state.PolicyAttempts {
		a.policyAttempts[k] = v
	}
	for k, v := range state.PostConditionAttempts {
		a.postConditionAttempts[k] = v
	}
}

// seedContext overrides the attempt's run context. Resume calls it every
// time, with either the context rebuilt from the persisted snapshot or, when
// ResumeOptions.InitialFacets is set (4.H.9 step 1), one built from those
// facets.
func (a *attempt) seedContext(c *runctx.Context) { a.rctx = c }

// run drives the scheduler to completion (or to the first control-flow
// interruption) and returns the composed, goal-condition-checked final
// output.
func (a *attempt) run(ctx context.Context, fireOnStart bool) (map[string]any, error) {
	if fireOnStart {
		if err := a.validateEnvelopeScope(ctx); err != nil {
			return nil, err
		}
		if err := a.dispatchPolicies(ctx, envelope.TriggerOnStart, nil, nil); err != nil {
			_ = a.persistSnapshot(ctx, pendingModeFor(err))
			return nil, err
		}
	}

	for {
		if err := a.resolvePendingPolicyActions(ctx); err != nil {
			return nil, err
		}
		node, ok := a.sched.Peek()
		if !ok {
			break
		}
		if err := a.dispatchNode(ctx, node); err != nil {
			return nil, err
		}
	}

	return a.finish(ctx)
}

func (a *attempt) finish(ctx context.Context) (map[string]any, error) {
	composed, err := runctx.ComposeFinalOutput(a.coord.deps.Catalog, a.rctx, a.env.OutputContract)
	if err != nil {
		return nil, fmt.Errorf("engine: composing final output for run %q: %w", a.runID, err)
	}
	if isEmptyOutput(composed) {
		if last, ok := a.lastExecutionOutput(); ok {
			composed = last
		}
	}
	outputContract, err := a.coord.deps.Catalog.CompileContract(a.env.OutputContract, "output")
	if err != nil {
		return nil, fmt.Errorf("engine: compiling envelope output contract for run %q: %w", a.runID, err)
	}
	if err := a.validateScope(ctx, "final_output", "", outputContract, composed); err != nil {
		return nil, err
	}

	snap := a.rctx.Snapshot()
	failures := condition.EvaluateGoalConditions(a.env.GoalConditions, snap)
	var failed []condition.Result
	for _, f := range failures {
		if !f.Satisfied {
			failed = append(failed, f)
		}
	}
	if len(failed) > 0 {
		return nil, &GoalConditionFailedError{
			ReplanRequestedError: ReplanRequestedError{Trigger: "goal_condition_failed", State: a.pendingState("")},
			FailedConditions:     failed,
			ComposedOutput:       composed,
		}
	}
	return composed, nil
}

func isEmptyOutput(m map[string]any) bool {
	if len(m) == 0 {
		return true
	}
	for _, v := range m {
		if v != nil {
			return false
		}
	}
	return true
}

func (a *attempt) lastExecutionOutput() (map[string]any, bool) {
	for i := len(a.plan.Nodes) - 1; i >= 0; i-- {
		n := a.plan.Nodes[i]
		if n.Kind != plan.NodeExecution {
			continue
		}
		if out, ok := a.nodeOutputs[n.ID]; ok {
			return out, true
		}
	}
	return nil, false
}

// dispatchNode runs one ready node to completion (success) or a
// control-flow interruption (error), marking the scheduler, run context,
// and persisted snapshot as it goes.
func (a *attempt) dispatchNode(ctx context.Context, node plan.Node) error {
	a.coord.publish(ctx, hooks.NewNodeStartedEvent(a.runID, node.ID, node.CapabilityID, a.coord.deps.Now()))
	a.markNodeStatus(ctx, node.ID, persistence.NodeRunning)

	var output map[string]any
	var err error
	switch node.Kind {
	case plan.NodeVirtual:
		output, err = map[string]any{}, nil
	case plan.NodeRouting:
		err = a.executeRouting(ctx, node)
		output = a.nodeOutputs[node.ID]
	case plan.NodeValidation:
		output, err = a.executeValidation(ctx, node)
	case plan.NodeExecution:
		if node.CapabilityAgentType == capreg.AgentTypeHuman {
			err = a.executeHuman(ctx, node)
		} else {
			output, err = a.executeAINode(ctx, node)
		}
	default:
		err = fmt.Errorf("engine: unknown node kind %q for node %q", node.Kind, node.ID)
	}

	if err != nil {
		switch err.(type) {
		case *HitlPauseError:
			a.markNodeStatus(ctx, node.ID, persistence.NodeAwaitingHITL)
		case *AwaitingHumanInputError:
			a.markNodeStatus(ctx, node.ID, persistence.NodeAwaitingHuman)
		case *RunPausedError:
			// The node itself did not fail; a runtime policy paused the run
			// around it. Its last-known status (usually NodeCompleted) stands.
		default:
			a.nodeErrors[node.ID] = err.Error()
			a.markNodeStatus(ctx, node.ID, persistence.NodeError)
			a.coord.publish(ctx, hooks.NewNodeErrorEvent(a.runID, node.ID, err.Error(), a.coord.deps.Now()))
		}
		_ = a.persistSnapshot(ctx, pendingModeFor(err))
		return err
	}

	if node.Kind != plan.NodeRouting {
		a.recordNodeOutput(node.ID, output)
	}
	a.sched.MarkCompleted(node.ID)
	a.markNodeStatus(ctx, node.ID, persistence.NodeCompleted)
	a.coord.publish(ctx, hooks.NewNodeCompletedEvent(a.runID, node.ID, node.CapabilityID, output, a.coord.deps.Now()))

	if err := a.dispatchPolicies(ctx, envelope.TriggerOnNodeComplete, &node, output); err != nil {
		_ = a.persistSnapshot(ctx, pendingModeFor(err))
		return err
	}
	return a.persistSnapshot(ctx, "")
}

func pendingModeFor(err error) string {
	switch err.(type) {
	case *HitlPauseError:
		return "hitl"
	case *RunPausedError:
		return "pause"
	case *AwaitingHumanInputError:
		return "awaiting_human"
	default:
		return ""
	}
}

func (a *attempt) recordNodeOutput(nodeID string, output map[string]any) {
	a.nodeOutputs[nodeID] = output
}

func (a *attempt) markNodeStatus(ctx context.Context, nodeID string, status persistence.NodeStatus) {
	if _, ok := a.plan.NodeByID(nodeID); !ok {
		return
	}
	a.nodeStatuses[nodeID] = status
	// SavePlanSnapshot replaces the whole document per call (4.I), not a
	// per-node upsert, so a status change must re-save every node's
	// last-known state, not just the one that changed.
	if err := a.persistSnapshot(ctx, ""); err != nil {
		a.coord.deps.Logger.Warn("engine: marking node status failed", "error", err, "nodeId", nodeID, "status", status)
	}
}

// persistSnapshot writes the full plan snapshot (4.H.7), used at every
// pause point and at normal per-node advancement.
func (a *attempt) persistSnapshot(ctx context.Context, mode string) error {
	nodes := make([]persistence.NodeSnapshot, 0, len(a.plan.Nodes))
	for _, n := range a.plan.Nodes {
		status, explicit := a.nodeStatuses[n.ID]
		if !explicit {
			status = persistence.NodePending
			switch {
			case a.sched.CompletedContains(n.ID):
				status = persistence.NodeCompleted
			case a.nodeErrors[n.ID] != "":
				status = persistence.NodeError
			}
		}
		nodes = append(nodes, persistence.NodeSnapshot{
			Node:                 n,
			Status:               status,
			Output:               a.nodeOutputs[n.ID],
			Error:                a.nodeErrors[n.ID],
			PostConditionResults: a.postConditionResults[n.ID],
		})
	}
	snap := persistence.PlanSnapshot{
		RunID:        a.runID,
		PlanVersion:  a.plan.Version,
		Plan:         a.plan,
		Nodes:        nodes,
		RunContext:   a.rctx.Snapshot(),
		PendingState: a.pendingState(mode),
	}
	return a.coord.deps.Store.SavePlanSnapshot(ctx, snap)
}

func (a *attempt) pendingState(mode string) persistence.PendingState {
	return persistence.PendingState{
		CompletedNodeIDs:      a.sched.CompletedNodeIDs(),
		NodeOutputs:           a.nodeOutputs,
		RoutingSelections:     a.routingSelections,
		PolicyActions:         a.policyActions,
		PolicyAttempts:        a.policyAttempts,
		PostConditionAttempts: a.postConditionAttempts,
		Mode:                  mode,
	}
}

func (a *attempt) newReplanError(trigger string) error {
	return &ReplanRequestedError{Trigger: trigger, State: a.pendingState("")}
}
