package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/flexrt/flexcore/capreg"
	"github.com/flexrt/flexcore/condition"
	"github.com/flexrt/flexcore/facet"
	"github.com/flexrt/flexcore/hooks"
	"github.com/flexrt/flexcore/persistence"
	"github.com/flexrt/flexcore/plan"
	"github.com/flexrt/flexcore/runctx"
)

func facetContractsFor(node plan.Node) facet.CompiledContracts {
	return facet.CompiledContracts{Input: node.Contracts.Input, Output: node.Contracts.Output}
}

const (
	maxSiblingOutputs   = 5
	maxRelevantFeedback = 10
)

// executeRouting evaluates a routing node's branch table (4.H.1): the first
// route whose condition matches wins, a routing node with no match falls
// back to elseTo, and one with neither requests a replan. The chosen branch
// is recorded on the scheduler (excluding every other branch's successors)
// and as the node's output.
func (a *attempt) executeRouting(ctx context.Context, node plan.Node) error {
	data := a.routingConditionData()
	var traces []map[string]any

	if node.Routing != nil {
		for _, route := range node.Routing.Routes {
			logic := route.Condition.JSONLogic
			if logic == nil {
				var err error
				_, logic, err = condition.CompileDSL(route.Condition.DSL)
				if err != nil {
					traces = append(traces, map[string]any{"target": route.Target, "error": err.Error()})
					continue
				}
			}
			result := condition.EvaluateBool(logic, data)
			traces = append(traces, map[string]any{
				"target":            route.Target,
				"matched":           result.OK,
				"resolvedVariables": result.ResolvedVariables,
			})
			if result.OK {
				a.recordRoutingSelection(node.ID, route.Target, "match", traces)
				a.coord.publish(ctx, hooks.NewRoutingEvent(a.runID, node.ID, route.Target, "match", a.coord.deps.Now()))
				return nil
			}
		}
		if node.Routing.ElseTo != "" {
			a.recordRoutingSelection(node.ID, node.Routing.ElseTo, "else", traces)
			a.coord.publish(ctx, hooks.NewRoutingEvent(a.runID, node.ID, node.Routing.ElseTo, "else", a.coord.deps.Now()))
			return nil
		}
	}

	a.coord.publish(ctx, hooks.NewRoutingEvent(a.runID, node.ID, "", "replan", a.coord.deps.Now()))
	a.coord.publish(ctx, hooks.NewLogEvent(a.runID, "warn", fmt.Sprintf("routing_no_match on node %q", node.ID), a.coord.deps.Now()))
	return a.newReplanError("routing_no_match")
}

func (a *attempt) recordRoutingSelection(nodeID, target, resolution string, traces []map[string]any) {
	a.sched.MarkRoutingSelection(nodeID, []string{target})
	a.routingSelections[nodeID] = []string{target}
	a.nodeOutputs[nodeID] = map[string]any{
		"routingResult": map[string]any{
			"selectedTarget": target,
			"resolution":     resolution,
			"traces":         traces,
		},
	}
}

func (a *attempt) routingConditionData() map[string]any {
	return map[string]any{
		"run": map[string]any{
			"runId":     a.runID,
			"objective": a.env.Objective,
			"inputs":    a.env.Inputs,
			"metadata":  a.env.Metadata,
		},
		"metadata": map[string]any{
			"runContextSnapshot": snapshotFacetValues(a.rctx.Snapshot()),
		},
	}
}

// executeValidation runs a standalone contract-validation node: no
// capability dispatch, just a gate that the declared input (or, absent an
// input contract, output) contract still holds against the current
// run-context values before the plan proceeds past it. Validation nodes are
// not detailed as their own dispatch contract; this is the natural
// extension of the same validateScope machinery execution nodes use,
// against a node that exists purely to check rather than produce.
func (a *attempt) executeValidation(ctx context.Context, node plan.Node) (map[string]any, error) {
	merged := a.mergeInputs(node)
	contract := node.Contracts.Input
	scope := "capability_input"
	if contract == nil {
		contract = node.Contracts.Output
		scope = "capability_output"
	}
	if err := a.validateScope(ctx, scope, node.ID, contract, merged); err != nil {
		return nil, err
	}
	return merged, nil
}

// mergeInputs resolves a node's input values: run-context values for every
// declared input facet, overridden by any value the planner pinned directly
// into the node's bundle (4.H.1's "merge node.bundle.inputs with run-context
// values per declared input facet").
func (a *attempt) mergeInputs(node plan.Node) map[string]any {
	merged := map[string]any{}
	for _, name := range node.Facets.Input {
		if entry, ok := a.rctx.Facet(name); ok {
			merged[name] = entry.Value
		}
	}
	for k, v := range node.Bundle.Inputs {
		merged[k] = v
	}
	return merged
}

// executeAINode resolves the node's capability, validates and dispatches
// its input, validates the returned output, updates the run context, and
// runs the post-condition retry loop (4.H.1, 4.H.4) before returning the
// capability's final accepted output.
func (a *attempt) executeAINode(ctx context.Context, node plan.Node) (map[string]any, error) {
	rec, ok, err := a.coord.deps.Registry.GetCapabilityByID(ctx, node.CapabilityID)
	if err != nil {
		return nil, fmt.Errorf("engine: resolving capability %q for node %q: %w", node.CapabilityID, node.ID, err)
	}
	if !ok || rec.Status != capreg.StatusActive {
		return nil, fmt.Errorf("engine: capability %q for node %q is not active", node.CapabilityID, node.ID)
	}

	merged := a.mergeInputs(node)
	inputContract := node.Contracts.Input
	if inputContract == nil {
		inputContract = rec.InputContract
	}
	if err := a.validateScope(ctx, "capability_input", node.ID, inputContract, merged); err != nil {
		return nil, err
	}

	var retryNote string
	for {
		prompt := a.composePrompt(node, rec, merged, retryNote)
		output, err := a.coord.deps.AI.Dispatch(ctx, DispatchRequest{
			RunID:        a.runID,
			NodeID:       node.ID,
			CapabilityID: node.CapabilityID,
			Prompt:       prompt,
		})
		if err != nil {
			return nil, fmt.Errorf("engine: dispatching node %q to capability %q: %w", node.ID, node.CapabilityID, err)
		}

		outputContract := node.Contracts.Output
		if outputContract == nil {
			outputContract = rec.OutputContract
		}
		if err := a.validateScope(ctx, "capability_output", node.ID, outputContract, output); err != nil {
			return nil, err
		}

		now := a.coord.deps.Now()
		rationale := strings.Join(node.Rationale, "; ")
		a.rctx.UpdateFromNode(node.ID, node.CapabilityID, node.Facets.Output, output, rationale, now)
		if containsFacet(node.Facets.Output, "feedback") {
			a.diffFeedback(ctx, normalizeFeedback(output["feedback"]))
		}

		pcErr := a.handlePostConditions(ctx, node, output)
		if pcErr == nil {
			return output, nil
		}
		sig, isRetry := pcErr.(*retryNodeSignal)
		if !isRetry {
			return nil, pcErr
		}
		retryNote = summarizeFailures(sig.Results)
	}
}

func containsFacet(names []string, target string) bool {
	for _, n := range names {
		if n == target {
			return true
		}
	}
	return false
}

func (a *attempt) composePrompt(node plan.Node, rec capreg.Record, merged map[string]any, retryNote string) PromptContext {
	capabilityInstructions := ""
	if rec.InstructionTemplates != nil {
		if s, ok := rec.InstructionTemplates["default"].(string); ok {
			capabilityInstructions = s
		}
	}
	return PromptContext{
		CapabilityInstructions:  capabilityInstructions,
		PlannerInstructions:     node.Bundle.Instructions,
		Objective:               node.Bundle.Objective,
		Inputs:                  merged,
		Policies:                node.Bundle.Policies,
		PlannerStage:            stringField(node.Metadata, "stage"),
		CompletedSiblingOutputs: a.completedSiblingOutputs(node, maxSiblingOutputs),
		FacetSnapshot:           snapshotFacetValues(a.rctx.Snapshot()),
		RelevantFeedback:        relevantFeedback(a.previousFeedback, maxRelevantFeedback),
		ClarificationHistory:    clarificationHistory(a.rctx.Clarifications()),
		PlannerRationale:        node.Rationale,
		InputContract:           node.Contracts.Input,
		OutputContract:          node.Contracts.Output,
		SpecialInstructions:     a.env.SpecialInstructions,
		RetryContext:            retryNote,
	}
}

// completedSiblingOutputs returns up to limit of node's completed direct
// predecessors' outputs, cap-limited per 4.H.1 so a wide plan doesn't blow
// up the prompt.
func (a *attempt) completedSiblingOutputs(node plan.Node, limit int) map[string]map[string]any {
	out := map[string]map[string]any{}
	for _, predID := range a.plan.Predecessors(node.ID) {
		output, ok := a.nodeOutputs[predID]
		if !ok {
			continue
		}
		out[predID] = output
		if len(out) >= limit {
			break
		}
	}
	return out
}

// relevantFeedback keeps only still-open feedback entries, truncated to
// limit — resolved/dismissed feedback has nothing left to act on.
func relevantFeedback(entries []FeedbackEntry, limit int) []FeedbackEntry {
	var open []FeedbackEntry
	for _, e := range entries {
		if e.Resolution == "" || e.Resolution == "open" {
			open = append(open, e)
		}
	}
	if len(open) > limit {
		open = open[:limit]
	}
	return open
}

func clarificationHistory(qs []runctx.ClarificationQuestion) []string {
	out := make([]string, 0, len(qs))
	for _, q := range qs {
		line := "Q: " + q.Question
		if q.Answer != nil {
			line += " A: " + *q.Answer
		}
		out = append(out, line)
	}
	return out
}

// executeHuman resolves the node's capability, validates its input,
// dispatches an assignment to the human collaborator, and raises
// AwaitingHumanInputError: the run pauses here until a fresh Resume call
// delivers the submitted (or declined) response (4.H.1, 4.H.9).
func (a *attempt) executeHuman(ctx context.Context, node plan.Node) error {
	rec, ok, err := a.coord.deps.Registry.GetCapabilityByID(ctx, node.CapabilityID)
	if err != nil {
		return fmt.Errorf("engine: resolving capability %q for node %q: %w", node.CapabilityID, node.ID, err)
	}
	if !ok || rec.Status != capreg.StatusActive {
		return fmt.Errorf("engine: capability %q for node %q is not active", node.CapabilityID, node.ID)
	}

	merged := a.mergeInputs(node)
	if err := a.validateScope(ctx, "capability_input", node.ID, node.Contracts.Input, merged); err != nil {
		return err
	}

	assignmentID := a.coord.deps.IDSource()
	req := a.buildAssignment(node, rec, merged, assignmentID)
	if a.coord.deps.Human != nil {
		if err := a.coord.deps.Human.Assign(ctx, req); err != nil {
			return fmt.Errorf("engine: assigning node %q to a human collaborator: %w", node.ID, err)
		}
	}

	a.nodeOutputs[node.ID] = map[string]any{"assignmentId": assignmentID}
	if err := a.coord.deps.Store.UpdateRunStatus(ctx, a.runID, persistence.RunAwaitingHuman, ""); err != nil {
		return fmt.Errorf("engine: transitioning run %q to awaiting_human: %w", a.runID, err)
	}
	return &AwaitingHumanInputError{NodeID: node.ID, AssignmentID: assignmentID}
}

func (a *attempt) buildAssignment(node plan.Node, rec capreg.Record, merged map[string]any, assignmentID string) AssignmentRequest {
	defaults := rec.AssignmentDefaults
	req := AssignmentRequest{
		RunID:           a.runID,
		NodeID:          node.ID,
		AssignmentID:    assignmentID,
		Instructions:    node.Bundle.Instructions,
		CurrentInputs:   merged,
		RunContextSnap:  snapshotFacetValues(a.rctx.Snapshot()),
		Facets:          node.Facets.Output,
		Contracts:       facetContractsFor(node),
		FacetProvenance: node.Provenance.Output,
	}
	if defaults != nil {
		req.Role = defaults.Role
		req.TimeoutSeconds = defaults.TimeoutSeconds
		req.MaxNotifications = defaults.MaxNotifications
		req.NotifyChannels = defaults.NotifyChannels
	}
	if assignedTo, ok := node.Bundle.Assignment["assignedTo"].(string); ok {
		req.AssignedTo = assignedTo
	}
	if priority, ok := node.Bundle.Assignment["priority"].(string); ok {
		req.Priority = priority
	}
	return req
}
