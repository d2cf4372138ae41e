package engine

import (
	"fmt"

	"github.com/flexrt/flexcore/condition"
	"github.com/flexrt/flexcore/facet"
	"github.com/flexrt/flexcore/persistence"
)

// ValidationDetail is the engine package's name for one Ajv-style validation
// failure; it is exactly facet.ValidationDetail; the alias lets engine
// callers that never otherwise import facet reference FlexValidationError's
// Details field by its engine-local name.
type ValidationDetail = facet.ValidationDetail

// ReplanRequestedError signals that the coordinator must abandon the
// current plan attempt and re-enter the planner, carrying enough of the
// run's accumulated state (4.H.3) for the new plan to pick up where the old
// one left off.
type ReplanRequestedError struct {
	Trigger string
	State   persistence.PendingState
}

func (e *ReplanRequestedError) Error() string {
	return fmt.Sprintf("engine: replan requested (trigger %q)", e.Trigger)
}

// HitlPauseError signals that a runtime policy's hitl action raised a
// pending request and the run must pause until it is resolved.
type HitlPauseError struct {
	PolicyID  string
	NodeID    string
	RequestID string
}

func (e *HitlPauseError) Error() string {
	return fmt.Sprintf("engine: run paused awaiting hitl decision %q on node %q", e.RequestID, e.NodeID)
}

// RunPausedError signals that a runtime policy's pause action fired. Status
// is always persistence.RunAwaitingHITL: 4.H.3 defines the pause action as
// transitioning the run to awaiting_hitl, the same status a hitl action
// produces, pending an operator resuming it out of band.
type RunPausedError struct {
	Reason string
	Status persistence.RunStatus
}

func (e *RunPausedError) Error() string {
	if e.Reason == "" {
		return "engine: run paused by policy"
	}
	return fmt.Sprintf("engine: run paused by policy: %s", e.Reason)
}

// AwaitingHumanInputError signals that an execution(human) node is now
// waiting on a human task submission.
type AwaitingHumanInputError struct {
	NodeID       string
	AssignmentID string
}

func (e *AwaitingHumanInputError) Error() string {
	return fmt.Sprintf("engine: node %q is awaiting human input (assignment %q)", e.NodeID, e.AssignmentID)
}

// RuntimePolicyFailureError signals that a runtime policy's fail action
// fired, or that a hitl rejection defaulted to failing the run.
type RuntimePolicyFailureError struct {
	PolicyID string
	Message  string
}

func (e *RuntimePolicyFailureError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("engine: policy %q failed the run: %s", e.PolicyID, e.Message)
	}
	return fmt.Sprintf("engine: policy %q failed the run", e.PolicyID)
}

// FlexValidationError reports a contract-validation-scope rejection (4.H.2).
// The engine never retries a validation failure silently; it always fails
// the node.
type FlexValidationError struct {
	Scope   string
	NodeID  string
	Details []ValidationDetail
}

func (e *FlexValidationError) Error() string {
	return fmt.Sprintf("engine: %s validation failed for node %q (%d detail(s))", e.Scope, e.NodeID, len(e.Details))
}

// GoalConditionFailedError reports that the composed final output failed
// one or more envelope goal conditions (4.H.6). It carries the same state
// payload as ReplanRequestedError since the coordinator's recovery is
// identical: replan.
type GoalConditionFailedError struct {
	ReplanRequestedError
	FailedConditions []condition.Result
	ComposedOutput   map[string]any
}

func (e *GoalConditionFailedError) Error() string {
	return fmt.Sprintf("engine: %d goal condition(s) failed, replanning", len(e.FailedConditions))
}
