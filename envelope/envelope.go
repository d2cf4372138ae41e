// Package envelope defines the task envelope submitted to start or resume a
// run, and the declarative policy/condition vocabulary (planner selection
// hints, runtime policies, goal conditions) that travels with it.
package envelope

import "github.com/flexrt/flexcore/facet"

// Envelope is the caller-supplied description of a unit of work: an
// objective, concrete inputs, the contract the composed output must satisfy,
// and the policies that govern planning and runtime behavior.
type Envelope struct {
	Objective           string
	Inputs              map[string]any
	OutputContract      facet.Contract
	GoalConditions      []GoalCondition
	SpecialInstructions string
	Metadata            map[string]any
	Policies            Policies
	Constraints         Constraints
}

// Constraints carries caller-supplied identifiers that change how a run is
// created or resumed, rather than what it does.
type Constraints struct {
	ResumeRunID string
	ThreadID    string
}

// GoalCondition names a facet (and optional sub-path within its value) that
// must satisfy a DSL condition before a run is considered complete.
type GoalCondition struct {
	Facet string
	Path  string
	DSL   string
}

// Policies bundles the planner-selection policy and the list of runtime
// policies attached to an envelope.
type Policies struct {
	Planner *PlannerPolicy
	Runtime []RuntimePolicy
}

// PlannerPolicy narrows or steers capability selection during planning.
type PlannerPolicy struct {
	Require    []string
	Avoid      []string
	Forbid     []string
	Directives map[string]any
}

// TriggerKind enumerates the points in a run's lifecycle a runtime policy
// can bind to.
type TriggerKind string

const (
	TriggerOnStart               TriggerKind = "onStart"
	TriggerOnNodeComplete        TriggerKind = "onNodeComplete"
	TriggerOnPostConditionFailed TriggerKind = "onPostConditionFailed"
	TriggerManual                TriggerKind = "manual"
)

// Selector narrows a trigger to a specific capability or plan node; a zero
// value matches every node.
type Selector struct {
	CapabilityID string
	NodeID       string
}

// Condition pairs a DSL source string with its compiled JSON-Logic form.
// CanonicalDSL is the re-rendered, normalized form of DSL produced at
// compile time; JSONLogic is populated once condition.CompileDSL succeeds.
type Condition struct {
	DSL          string
	CanonicalDSL string
	JSONLogic    map[string]any
}

// Trigger describes when a runtime policy fires.
type Trigger struct {
	Kind       TriggerKind
	Selector   *Selector
	Condition  *Condition
	MaxRetries *int
}

// ActionKind enumerates the runtime policy actions spec.md 4.H.3 defines.
type ActionKind string

const (
	ActionReplan ActionKind = "replan"
	ActionGoto   ActionKind = "goto"
	ActionHITL   ActionKind = "hitl"
	ActionPause  ActionKind = "pause"
	ActionEmit   ActionKind = "emit"
	ActionFail   ActionKind = "fail"
)

// Action is the effect a triggered runtime policy applies. Only the fields
// relevant to Kind are populated; the rest are zero.
type Action struct {
	Kind ActionKind

	// ActionGoto
	Next        string
	MaxAttempts int

	// ActionHITL
	ApproveAction *Action
	RejectAction  *Action
	Rationale     string

	// ActionPause
	Reason string

	// ActionEmit
	Event   string
	Payload map[string]any

	// ActionFail
	Message string
}

// RuntimePolicy is a single trigger/action pair attached to an envelope.
type RuntimePolicy struct {
	ID      string
	Enabled bool
	Trigger Trigger
	Action  Action
}
