package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/flexrt/flexcore/condition"
	"github.com/flexrt/flexcore/envelope"
	"github.com/flexrt/flexcore/hooks"
	"github.com/flexrt/flexcore/plan"
)

// retryNodeSignal is an internal, non-control-flow error: it tells
// executeAINode's dispatch loop to re-invoke the capability with a retry
// context summarizing the failures, rather than surfacing as a run-level
// error. It never escapes the engine package.
type retryNodeSignal struct {
	Results []condition.Result
}

func (e *retryNodeSignal) Error() string { return "engine: post-condition retry requested" }

// handlePostConditions evaluates a completed execution node's post-condition
// guards (4.H.4) against the run's current facet state. All satisfied: nil.
// Some failed and retries remain: a *retryNodeSignal. Retries exhausted: the
// matching onPostConditionFailed policy's action is dispatched (falling back
// to failing the run if none is configured).
func (a *attempt) handlePostConditions(ctx context.Context, node plan.Node, output map[string]any) error {
	if len(node.PostConditionGuards) == 0 {
		return nil
	}

	snap := a.rctx.Snapshot()
	results := make([]condition.Result, 0, len(node.PostConditionGuards))
	var failed []condition.Result
	for _, pc := range node.PostConditionGuards {
		r := condition.EvaluateCondition(pc.Facet, pc.Path, pc.Condition, snap)
		results = append(results, r)
		if !r.Satisfied || r.Error != "" {
			failed = append(failed, r)
		}
	}
	a.postConditionResults[node.ID] = results
	if len(failed) == 0 {
		return nil
	}

	policy, hasPolicy := a.findPostConditionPolicy(node)
	maxRetries := a.coord.deps.DefaultPostConditionMaxRetries
	if hasPolicy && policy.Trigger.MaxRetries != nil && *policy.Trigger.MaxRetries >= 0 {
		maxRetries = *policy.Trigger.MaxRetries
	}

	a.postConditionAttempts[node.ID]++
	if a.postConditionAttempts[node.ID] <= maxRetries {
		return &retryNodeSignal{Results: failed}
	}

	if !hasPolicy {
		return &RuntimePolicyFailureError{
			Message: fmt.Sprintf("node %q post-conditions failed after %d attempt(s) and no onPostConditionFailed policy is configured: %s",
				node.ID, a.postConditionAttempts[node.ID], summarizeFailures(failed)),
		}
	}

	a.coord.publish(ctx, hooks.NewPolicyTriggeredEvent(a.runID, policy.ID, node.ID, string(envelope.TriggerOnPostConditionFailed), a.coord.deps.Now()))
	return a.applyAction(ctx, policy.ID, &node, policy.Action)
}

func (a *attempt) findPostConditionPolicy(node plan.Node) (envelope.RuntimePolicy, bool) {
	for _, p := range a.env.Policies.Runtime {
		if !p.Enabled || p.Trigger.Kind != envelope.TriggerOnPostConditionFailed {
			continue
		}
		if !selectorMatches(p.Trigger.Selector, &node) {
			continue
		}
		return p, true
	}
	return envelope.RuntimePolicy{}, false
}

func summarizeFailures(results []condition.Result) string {
	parts := make([]string, 0, len(results))
	for _, r := range results {
		location := r.Facet
		if r.Path != "" {
			location += "." + r.Path
		}
		if r.Error != "" {
			parts = append(parts, fmt.Sprintf("%s: error evaluating condition: %s", location, r.Error))
			continue
		}
		parts = append(parts, fmt.Sprintf("%s: observed value %v did not satisfy the post-condition", location, r.ObservedValue))
	}
	return strings.Join(parts, "; ")
}
