package engine

import (
	"context"
	"fmt"

	"github.com/flexrt/flexcore/condition"
	"github.com/flexrt/flexcore/envelope"
	"github.com/flexrt/flexcore/hitl"
	"github.com/flexrt/flexcore/hooks"
	"github.com/flexrt/flexcore/persistence"
	"github.com/flexrt/flexcore/plan"
	"github.com/flexrt/flexcore/runctx"
)

func hitlRaiseContext(nodeID, defaultPrompt, rationale string) hitl.RaiseContext {
	prompt := rationale
	if prompt == "" {
		prompt = defaultPrompt
	}
	return hitl.RaiseContext{PendingNodeID: nodeID, OperatorPrompt: prompt}
}

// dispatchPolicies evaluates every enabled runtime policy bound to kind,
// in declaration order, applying each one whose selector matches the node
// and whose condition (if any) matches; it stops at the first action that
// returns an error. Grounded on applyRuntimePolicy
// in the teacher repo: decide, then apply, then publish — here generalized
// from a single per-turn policy to a list evaluated against a trigger kind.
func (a *attempt) dispatchPolicies(ctx context.Context, kind envelope.TriggerKind, node *plan.Node, output map[string]any) error {
	for _, policy := range a.env.Policies.Runtime {
		if !policy.Enabled || policy.Trigger.Kind != kind {
			continue
		}
		if !selectorMatches(policy.Trigger.Selector, node) {
			continue
		}
		if policy.Trigger.Condition != nil && !a.evaluatePolicyCondition(*policy.Trigger.Condition, node, output) {
			continue
		}

		nodeID := ""
		if node != nil {
			nodeID = node.ID
		}
		a.coord.publish(ctx, hooks.NewPolicyTriggeredEvent(a.runID, policy.ID, nodeID, string(kind), a.coord.deps.Now()))
		if err := a.applyAction(ctx, policy.ID, node, policy.Action); err != nil {
			return err
		}
	}
	return nil
}

// selectorMatches reports whether sel narrows the trigger to a node/capability
// that node actually is. A nil selector always matches. A non-nil selector
// with node == nil (the onStart trigger, which has no node) never matches,
// since a selector only makes sense against a specific node.
func selectorMatches(sel *envelope.Selector, node *plan.Node) bool {
	if sel == nil {
		return true
	}
	if node == nil {
		return false
	}
	if sel.CapabilityID != "" && sel.CapabilityID != node.CapabilityID {
		return false
	}
	if sel.NodeID != "" && sel.NodeID != node.ID {
		return false
	}
	return true
}

func (a *attempt) evaluatePolicyCondition(cond envelope.Condition, node *plan.Node, output map[string]any) bool {
	logic := cond.JSONLogic
	if logic == nil {
		var err error
		_, logic, err = condition.CompileDSL(cond.DSL)
		if err != nil {
			a.coord.deps.Logger.Warn("engine: compiling runtime policy condition failed", "error", err)
			return false
		}
	}
	data := a.policyConditionData(node, output)
	result := condition.EvaluateBool(logic, data)
	return result.OK
}

func (a *attempt) policyConditionData(node *plan.Node, output map[string]any) map[string]any {
	var nodeData map[string]any
	if node != nil {
		nodeData = map[string]any{
			"id":           node.ID,
			"capabilityId": node.CapabilityID,
			"kind":         string(node.Kind),
			"label":        node.Label,
		}
	}
	return map[string]any{
		"run": map[string]any{
			"runId":     a.runID,
			"objective": a.env.Objective,
			"inputs":    a.env.Inputs,
			"metadata":  a.env.Metadata,
		},
		"node":   nodeData,
		"output": output,
		"metadata": map[string]any{
			"runContextSnapshot": snapshotFacetValues(a.rctx.Snapshot()),
		},
	}
}

func snapshotFacetValues(snap runctx.Snapshot) map[string]any {
	out := make(map[string]any, len(snap.Facets))
	for name, entry := range snap.Facets {
		out[name] = entry.Value
	}
	return out
}

// applyAction applies one runtime policy action (4.H.3), mutating attempt
// state first and publishing the policy_update audit event second, in that
// order — the same decision-then-publish shape as the teacher's
// applyRuntimePolicy. A hitl decision's approveAction or rejectAction is
// applied through this same switch, so one of kind replan re-enters the
// planner; no action kind edits plan nodes directly.
func (a *attempt) applyAction(ctx context.Context, policyID string, node *plan.Node, act envelope.Action) error {
	nodeID := ""
	if node != nil {
		nodeID = node.ID
	}

	switch act.Kind {
	case envelope.ActionReplan:
		return a.newReplanError(fmt.Sprintf("policy:%s", policyID))

	case envelope.ActionGoto:
		a.policyAttempts[policyID]++
		maxAttempts := act.MaxAttempts
		if maxAttempts <= 0 {
			maxAttempts = 1
		}
		if a.policyAttempts[policyID] > maxAttempts {
			return &RuntimePolicyFailureError{PolicyID: policyID, Message: fmt.Sprintf("goto action exhausted %d attempt(s) targeting node %q", maxAttempts, act.Next)}
		}
		a.sched.ResetFromNode(act.Next)
		a.coord.publish(ctx, hooks.NewPolicyUpdateEvent(a.runID, policyID, nodeID, "goto", map[string]any{"next": act.Next}, a.coord.deps.Now()))
		return nil

	case envelope.ActionHITL:
		return a.applyHITLAction(ctx, policyID, node, act)

	case envelope.ActionPause:
		if err := a.coord.deps.Store.UpdateRunStatus(ctx, a.runID, persistence.RunAwaitingHITL, ""); err != nil {
			return fmt.Errorf("engine: pausing run %q: %w", a.runID, err)
		}
		if err := a.persistSnapshot(ctx, "pause"); err != nil {
			return fmt.Errorf("engine: persisting paused snapshot for run %q: %w", a.runID, err)
		}
		a.coord.publish(ctx, hooks.NewPolicyUpdateEvent(a.runID, policyID, nodeID, "pause", map[string]any{"reason": act.Reason}, a.coord.deps.Now()))
		return &RunPausedError{Reason: act.Reason, Status: persistence.RunAwaitingHITL}

	case envelope.ActionEmit:
		a.coord.publish(ctx, hooks.NewPolicyUpdateEvent(a.runID, policyID, nodeID, "emit", act.Payload, a.coord.deps.Now()))
		a.coord.publish(ctx, hooks.NewLogEvent(a.runID, "info", act.Event, a.coord.deps.Now()))
		return nil

	case envelope.ActionFail:
		return &RuntimePolicyFailureError{PolicyID: policyID, Message: act.Message}

	default:
		return fmt.Errorf("engine: unknown runtime policy action kind %q", act.Kind)
	}
}

// applyHITLAction raises a HITL request and registers the pending policy
// action so a later resume can resolve it against the operator's decision
// (4.H.3's hitl action, 4.H.9's resume protocol step 2).
func (a *attempt) applyHITLAction(ctx context.Context, policyID string, node *plan.Node, act envelope.Action) error {
	nodeID := ""
	if node != nil {
		nodeID = node.ID
	}
	result, err := a.coord.deps.HITL.RaiseRequest(ctx, a.runID, hitlRaiseContext(nodeID, a.coord.deps.HITLOperatorPromptDefault, act.Rationale))
	if err != nil {
		return fmt.Errorf("engine: raising hitl request for policy %q: %w", policyID, err)
	}
	if result.Status == "denied" {
		if act.RejectAction != nil {
			return a.applyAction(ctx, policyID, node, *act.RejectAction)
		}
		return &RuntimePolicyFailureError{PolicyID: policyID, Message: "hitl request denied: " + result.Reason}
	}

	requestID := ""
	if result.Request != nil {
		requestID = result.Request.ID
	}
	a.policyActions = append(a.policyActions, persistence.PendingPolicyAction{
		PolicyID:      policyID,
		NodeID:        nodeID,
		RequestID:     requestID,
		ApproveAction: act.ApproveAction,
		RejectAction:  act.RejectAction,
	})

	if err := a.coord.deps.Store.UpdateRunStatus(ctx, a.runID, persistence.RunAwaitingHITL, ""); err != nil {
		return fmt.Errorf("engine: transitioning run %q to awaiting_hitl: %w", a.runID, err)
	}
	if err := a.persistSnapshot(ctx, "hitl"); err != nil {
		return fmt.Errorf("engine: persisting hitl-pending snapshot for run %q: %w", a.runID, err)
	}
	a.coord.publish(ctx, hooks.NewHITLRequestEvent(a.runID, requestID, nodeID, a.coord.deps.Now()))
	a.coord.publish(ctx, hooks.NewPolicyUpdateEvent(a.runID, policyID, nodeID, "hitl", map[string]any{"requestId": requestID}, a.coord.deps.Now()))
	return &HitlPauseError{PolicyID: policyID, NodeID: nodeID, RequestID: requestID}
}
