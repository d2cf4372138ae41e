// Package engine implements the Flex Execution Engine: it drives a plan
// graph to a contract-conforming output, dispatching nodes to AI or human
// collaborators, enforcing contract-validation scopes, runtime policies,
// post-conditions, and goal conditions, persisting a resumable snapshot at
// every pause point, and streaming events. It is grounded on the
// runtime/agent/runtime workflow loop and policy dispatch in the teacher
// repo, generalized from a single-agent tool-calling loop to a
// multi-capability plan-graph walk.
package engine

import (
	"context"
	"os"
	"strconv"
	"time"

	"github.com/flexrt/flexcore/capreg"
	"github.com/flexrt/flexcore/envelope"
	"github.com/flexrt/flexcore/facet"
	"github.com/flexrt/flexcore/hitl"
	"github.com/flexrt/flexcore/hooks"
	"github.com/flexrt/flexcore/persistence"
	"github.com/flexrt/flexcore/planner"
	"github.com/flexrt/flexcore/stream"
	"github.com/flexrt/flexcore/telemetry"
)

// PromptContext is the structured composition the engine assembles for an
// execution(ai) node dispatch, gathering every input source 4.H.1 names.
// The AIDispatcher (the external LLM runtime) is responsible for rendering
// this into whatever wire format its model expects.
type PromptContext struct {
	CapabilityInstructions string
	PlannerInstructions    string
	Objective              string
	Inputs                 map[string]any
	Policies               envelope.Policies
	PlannerStage           string
	CompletedSiblingOutputs map[string]map[string]any
	FacetSnapshot          map[string]any
	RelevantFeedback       []FeedbackEntry
	ClarificationHistory   []string
	PlannerRationale       []string
	InputContract          *facet.JSONSchemaContract
	OutputContract         *facet.JSONSchemaContract
	SpecialInstructions    string
	RetryContext           string
}

// DispatchRequest is handed to an AIDispatcher for one execution(ai) node.
type DispatchRequest struct {
	RunID        string
	NodeID       string
	CapabilityID string
	Prompt       PromptContext
}

// AIDispatcher is the external LLM runtime boundary: given a composed
// prompt it returns the capability's raw output object, prior to contract
// validation.
type AIDispatcher interface {
	Dispatch(ctx context.Context, req DispatchRequest) (map[string]any, error)
}

// AssignmentRequest is handed to a HumanDispatcher when an execution(human)
// node is reached. Dispatch is fire-and-forget: the human's actual response
// arrives later, out of band, via Coordinator.Resume.
type AssignmentRequest struct {
	RunID            string
	NodeID           string
	AssignmentID     string
	Role             string
	AssignedTo       string
	DueAt            *time.Time
	Priority         string
	NotifyChannels   []string
	TimeoutSeconds   int
	MaxNotifications int
	Instructions     string
	CurrentInputs    map[string]any
	RunContextSnap   map[string]any
	Facets           []string
	Contracts        facet.CompiledContracts
	FacetProvenance  []facet.ProvenanceEntry
}

// HumanDispatcher notifies whatever out-of-process system tracks human
// task assignments (a ticketing queue, a chat bot).
type HumanDispatcher interface {
	Assign(ctx context.Context, req AssignmentRequest) error
}

const envPostConditionMaxRetries = "FLEX_CAPABILITY_POST_CONDITION_MAX_RETRIES"

// Dependencies wires every collaborator the engine needs. Only Catalog,
// Registry, Planner, Store, HITL, and AI are required; the rest default to
// no-ops or process-local implementations suitable for tests and the
// cmd/flexd demo.
type Dependencies struct {
	Catalog  *facet.Catalog
	Registry CapabilityResolver
	Planner  *planner.Planner
	Store    persistence.Store
	HITL     hitl.Service
	Bus      *hooks.Bus
	Stream   stream.Sink

	AI    AIDispatcher
	Human HumanDispatcher

	Logger  telemetry.Logger
	Metrics telemetry.Metrics
	Tracer  telemetry.Tracer

	IDSource func() string
	Now      func() time.Time

	MaxPlannerAttempts             int
	DefaultPostConditionMaxRetries int
	HITLOperatorPromptDefault      string
}

// CapabilityResolver is the subset of capreg.Registry the engine needs:
// listing the active snapshot (for prompt composition context) and
// resolving one capability by ID at dispatch time.
type CapabilityResolver interface {
	ListActive(ctx context.Context) ([]capreg.Record, error)
	GetCapabilityByID(ctx context.Context, id string) (capreg.Record, bool, error)
}

func (d *Dependencies) applyDefaults() {
	if d.Bus == nil {
		d.Bus = hooks.NewBus()
	}
	if d.Logger == nil {
		d.Logger = telemetry.NoopLogger{}
	}
	if d.Metrics == nil {
		d.Metrics = telemetry.NoopMetrics{}
	}
	if d.Tracer == nil {
		d.Tracer = telemetry.NoopTracer{}
	}
	if d.IDSource == nil {
		d.IDSource = defaultIDSource()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.MaxPlannerAttempts <= 0 {
		d.MaxPlannerAttempts = 2
	}
	if d.DefaultPostConditionMaxRetries <= 0 {
		d.DefaultPostConditionMaxRetries = defaultPostConditionMaxRetriesFromEnv()
	}
}

func defaultPostConditionMaxRetriesFromEnv() int {
	if raw := os.Getenv(envPostConditionMaxRetries); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n >= 0 {
			return n
		}
	}
	return 1
}

func defaultIDSource() func() string {
	var n int
	return func() string {
		n++
		return "id-" + strconv.Itoa(n)
	}
}

// publish fans an event out through both the in-process bus and, when
// configured, the external stream sink.
func (c *Coordinator) publish(ctx context.Context, ev hooks.Event) {
	c.deps.Bus.Publish(ev)
	if c.deps.Stream != nil {
		if err := c.deps.Stream.Send(ctx, ev); err != nil {
			c.deps.Logger.Warn("engine: forwarding event to stream sink failed", "error", err, "eventType", ev.EventType())
		}
	}
}
