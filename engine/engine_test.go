package engine

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/flexrt/flexcore/capreg"
	"github.com/flexrt/flexcore/envelope"
	"github.com/flexrt/flexcore/facet"
	"github.com/flexrt/flexcore/hitl"
	"github.com/flexrt/flexcore/persistence"
	"github.com/flexrt/flexcore/persistence/inmem"
	"github.com/flexrt/flexcore/plan"
	"github.com/flexrt/flexcore/runctx"
	"github.com/stretchr/testify/require"
)

// fakeRegistry is a minimal CapabilityResolver backed by a fixed map,
// standing in for capreg.Registry's cache/singleflight machinery in tests
// that only need lookup-by-ID.
type fakeRegistry struct {
	records map[string]capreg.Record
}

func (f *fakeRegistry) ListActive(context.Context) ([]capreg.Record, error) {
	out := make([]capreg.Record, 0, len(f.records))
	for _, r := range f.records {
		out = append(out, r)
	}
	return out, nil
}

func (f *fakeRegistry) GetCapabilityByID(_ context.Context, id string) (capreg.Record, bool, error) {
	r, ok := f.records[id]
	return r, ok, nil
}

// fakeAI dispatches every call to a caller-supplied function, letting tests
// script multi-call behavior (e.g. fail then succeed across a post-condition
// retry) without a real LLM runtime.
type fakeAI struct {
	dispatch func(ctx context.Context, req DispatchRequest) (map[string]any, error)
	calls    int
}

func (f *fakeAI) Dispatch(ctx context.Context, req DispatchRequest) (map[string]any, error) {
	f.calls++
	return f.dispatch(ctx, req)
}

func testCatalog(t *testing.T) *facet.Catalog {
	t.Helper()
	cat := facet.NewCatalog()
	require.NoError(t, cat.Register(facet.Definition{
		Name: "input_text", Pointer: "/input_text", Direction: facet.DirectionInput,
		Schema: map[string]any{"type": "string"},
	}))
	require.NoError(t, cat.Register(facet.Definition{
		Name: "summary", Pointer: "/summary", Direction: facet.DirectionOutput,
		Schema: map[string]any{"type": "string"},
	}))
	require.NoError(t, cat.Register(facet.Definition{
		Name: "feedback", Pointer: "/feedback", Direction: facet.DirectionOutput,
		Schema: map[string]any{"type": "array", "items": map[string]any{"type": "object"}},
	}))
	return cat
}

func fixedClock(at time.Time) func() time.Time {
	return func() time.Time { return at }
}

func counterIDs(prefix string) func() string {
	n := 0
	return func() string {
		n++
		return prefix + "-" + strconv.Itoa(n)
	}
}

func newTestCoordinator(t *testing.T, cat *facet.Catalog, registry CapabilityResolver, ai AIDispatcher, store persistence.Store, svc hitl.Service) *Coordinator {
	t.Helper()
	return New(Dependencies{
		Catalog:  cat,
		Registry: registry,
		Store:    store,
		HITL:     svc,
		AI:       ai,
		IDSource: counterIDs("run"),
		Now:      fixedClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)),
	})
}

func summarizeCapability(cat *facet.Catalog, t *testing.T) capreg.Record {
	t.Helper()
	contracts, err := cat.CompileContracts(
		facet.Contract{Mode: facet.ModeFacets, Facets: []string{"input_text"}},
		facet.Contract{Mode: facet.ModeFacets, Facets: []string{"summary"}},
	)
	require.NoError(t, err)
	return capreg.Record{
		CapabilityID:   "summarize",
		AgentType:      capreg.AgentTypeAI,
		Status:         capreg.StatusActive,
		InputContract:  contracts.Input,
		OutputContract: contracts.Output,
	}
}

func linearPlan(cat *facet.Catalog, t *testing.T) plan.Plan {
	t.Helper()
	rec := summarizeCapability(cat, t)
	return plan.Plan{
		RunID:   "run-1",
		Version: 1,
		Nodes: []plan.Node{
			{
				ID:                  "n1",
				Kind:                plan.NodeExecution,
				CapabilityID:        rec.CapabilityID,
				CapabilityAgentType: rec.AgentType,
				Facets:              plan.FacetRefs{Input: []string{"input_text"}, Output: []string{"summary"}},
				Contracts:           plan.Contracts{Input: rec.InputContract, Output: rec.OutputContract},
			},
		},
	}
}

func baseEnvelope() envelope.Envelope {
	return envelope.Envelope{
		Objective: "summarize the input",
		Inputs:    map[string]any{"input_text": "hello world"},
		OutputContract: facet.Contract{
			Mode:   facet.ModeFacets,
			Facets: []string{"summary"},
		},
	}
}

func TestAttemptRun_LinearExecutionSucceeds(t *testing.T) {
	cat := testCatalog(t)
	registry := &fakeRegistry{records: map[string]capreg.Record{"summarize": summarizeCapability(cat, t)}}
	ai := &fakeAI{dispatch: func(context.Context, DispatchRequest) (map[string]any, error) {
		return map[string]any{"summary": "a short summary"}, nil
	}}
	store := inmem.New()
	svc := hitl.NewInMemoryService(0, nil)
	coord := newTestCoordinator(t, cat, registry, ai, store, svc)

	env := baseEnvelope()
	p := linearPlan(cat, t)
	a := newAttempt(coord, "run-1", env, p)

	output, err := a.run(context.Background(), true)
	require.NoError(t, err)
	require.Equal(t, "a short summary", output["summary"])
	require.Equal(t, 1, ai.calls)

	snap, ok, err := store.LoadPlanSnapshot(context.Background(), "run-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, snap.Nodes, 1)
	require.Equal(t, persistence.NodeCompleted, snap.Nodes[0].Status)
}

func TestAttemptRun_RoutingFallsBackToElseBranch(t *testing.T) {
	cat := testCatalog(t)
	registry := &fakeRegistry{}
	ai := &fakeAI{dispatch: func(context.Context, DispatchRequest) (map[string]any, error) {
		t.Fatal("ai dispatch should not be reached by the unmatched branch")
		return nil, nil
	}}
	store := inmem.New()
	svc := hitl.NewInMemoryService(0, nil)
	coord := newTestCoordinator(t, cat, registry, ai, store, svc)

	p := plan.Plan{
		RunID:   "run-2",
		Version: 1,
		Nodes: []plan.Node{
			{
				ID:   "route",
				Kind: plan.NodeRouting,
				Routing: &plan.Routing{
					Routes: []plan.Route{
						{Condition: envelope.Condition{JSONLogic: map[string]any{"==": []any{1, 2}}}, Target: "unreachable"},
					},
					ElseTo: "fallback",
				},
			},
			{ID: "unreachable", Kind: plan.NodeVirtual},
			{ID: "fallback", Kind: plan.NodeVirtual},
		},
		Edges: []plan.Edge{{From: "route", To: "unreachable"}, {From: "route", To: "fallback"}},
	}
	env := envelope.Envelope{Objective: "route only", OutputContract: facet.Contract{Mode: facet.ModeFacets}}
	a := newAttempt(coord, "run-2", env, p)

	_, err := a.run(context.Background(), true)
	require.NoError(t, err)
	require.Equal(t, []string{"fallback"}, a.routingSelections["route"])
	routingResult, _ := a.nodeOutputs["route"]["routingResult"].(map[string]any)
	require.Equal(t, "else", routingResult["resolution"])
}

func TestAttemptRun_PostConditionRetriesThenSucceeds(t *testing.T) {
	cat := testCatalog(t)
	rec := summarizeCapability(cat, t)
	rec.PostConditions = []capreg.PostCondition{{Facet: "summary", Condition: envelope.Condition{DSL: "value != \"\""}}}
	registry := &fakeRegistry{records: map[string]capreg.Record{"summarize": rec}}

	attemptNum := 0
	ai := &fakeAI{dispatch: func(context.Context, DispatchRequest) (map[string]any, error) {
		attemptNum++
		if attemptNum == 1 {
			return map[string]any{"summary": ""}, nil
		}
		return map[string]any{"summary": "retry worked"}, nil
	}}
	store := inmem.New()
	svc := hitl.NewInMemoryService(0, nil)
	coord := newTestCoordinator(t, cat, registry, ai, store, svc)
	coord.deps.DefaultPostConditionMaxRetries = 2

	p := linearPlan(cat, t)
	p.Nodes[0].PostConditionGuards = rec.PostConditions
	env := baseEnvelope()
	a := newAttempt(coord, "run-3", env, p)

	output, err := a.run(context.Background(), true)
	require.NoError(t, err)
	require.Equal(t, "retry worked", output["summary"])
	require.Equal(t, 2, ai.calls)
}

func TestAttemptRun_GoalConditionFailureRequestsReplan(t *testing.T) {
	cat := testCatalog(t)
	registry := &fakeRegistry{records: map[string]capreg.Record{"summarize": summarizeCapability(cat, t)}}
	ai := &fakeAI{dispatch: func(context.Context, DispatchRequest) (map[string]any, error) {
		return map[string]any{"summary": "too short"}, nil
	}}
	store := inmem.New()
	svc := hitl.NewInMemoryService(0, nil)
	coord := newTestCoordinator(t, cat, registry, ai, store, svc)

	p := linearPlan(cat, t)
	env := baseEnvelope()
	env.GoalConditions = []envelope.GoalCondition{
		{Facet: "summary", DSL: "value == \"a long and thorough summary\""},
	}
	a := newAttempt(coord, "run-4", env, p)

	_, err := a.run(context.Background(), true)
	require.Error(t, err)
	var goalErr *GoalConditionFailedError
	require.ErrorAs(t, err, &goalErr)
	require.Len(t, goalErr.FailedConditions, 1)
}

func TestCoordinatorResume_HITLApprovalAppliesApproveAction(t *testing.T) {
	cat := testCatalog(t)
	registry := &fakeRegistry{records: map[string]capreg.Record{"summarize": summarizeCapability(cat, t)}}
	ai := &fakeAI{dispatch: func(context.Context, DispatchRequest) (map[string]any, error) {
		return map[string]any{"summary": "approved path"}, nil
	}}
	store := inmem.New()
	svc := hitl.NewInMemoryService(0, nil)
	coord := newTestCoordinator(t, cat, registry, ai, store, svc)
	ctx := context.Background()

	raised, err := svc.RaiseRequest(ctx, "run-5", hitl.RaiseContext{PendingNodeID: "n1", OperatorPrompt: "proceed?"})
	require.NoError(t, err)
	_, err = svc.Resolve(ctx, "run-5", raised.Request.ID, hitl.Response{Approved: true})
	require.NoError(t, err)

	p := linearPlan(cat, t)
	env := baseEnvelope()
	require.NoError(t, store.CreateOrUpdateRun(ctx, persistence.RunRecord{
		RunID: "run-5", Envelope: env, Status: persistence.RunAwaitingHITL,
	}))
	require.NoError(t, store.SavePlanSnapshot(ctx, persistence.PlanSnapshot{
		RunID: "run-5", Plan: p,
		RunContext: runctx.Snapshot{
			Facets: map[string]runctx.FacetEntry{"input_text": {Value: "hello world"}},
		},
		PendingState: persistence.PendingState{
			PolicyActions: []persistence.PendingPolicyAction{{
				PolicyID: "p1", NodeID: "n1", RequestID: raised.Request.ID,
				ApproveAction: &envelope.Action{Kind: envelope.ActionEmit, Event: "resumed"},
			}},
		},
	}))

	result, err := coord.Resume(ctx, ResumeOptions{RunID: "run-5"})
	require.NoError(t, err)
	require.Equal(t, persistence.RunCompleted, result.Status)
	require.Equal(t, "approved path", result.Output["summary"])
}

func TestCoordinatorResume_HumanTaskSubmissionCompletesNode(t *testing.T) {
	cat := testCatalog(t)
	store := inmem.New()
	svc := hitl.NewInMemoryService(0, nil)
	coord := newTestCoordinator(t, cat, &fakeRegistry{}, &fakeAI{dispatch: func(context.Context, DispatchRequest) (map[string]any, error) {
		t.Fatal("no ai node in this plan")
		return nil, nil
	}}, store, svc)
	ctx := context.Background()

	humanNode := plan.Node{
		ID:                  "review",
		Kind:                plan.NodeExecution,
		CapabilityID:        "human-review",
		CapabilityAgentType: capreg.AgentTypeHuman,
		Facets:              plan.FacetRefs{Output: []string{"summary"}},
	}
	p := plan.Plan{RunID: "run-6", Version: 1, Nodes: []plan.Node{humanNode}}
	env := envelope.Envelope{Objective: "human review", OutputContract: facet.Contract{Mode: facet.ModeFacets, Facets: []string{"summary"}}}

	require.NoError(t, store.CreateOrUpdateRun(ctx, persistence.RunRecord{RunID: "run-6", Envelope: env, Status: persistence.RunAwaitingHuman}))
	require.NoError(t, store.SavePlanSnapshot(ctx, persistence.PlanSnapshot{
		RunID: "run-6", Plan: p,
		Nodes: []persistence.NodeSnapshot{{Node: humanNode, Status: persistence.NodeAwaitingHuman}},
	}))

	result, err := coord.Resume(ctx, ResumeOptions{
		RunID:         "run-6",
		HumanResponse: &HumanResponseSubmission{Output: map[string]any{"summary": "human wrote this"}},
	})
	require.NoError(t, err)
	require.Equal(t, persistence.RunCompleted, result.Status)
	require.Equal(t, "human wrote this", result.Output["summary"])
}

func TestCoordinatorResume_CompletedRunReplaysWithoutReexecuting(t *testing.T) {
	cat := testCatalog(t)
	store := inmem.New()
	svc := hitl.NewInMemoryService(0, nil)
	ai := &fakeAI{dispatch: func(context.Context, DispatchRequest) (map[string]any, error) {
		t.Fatal("a completed run must not be re-dispatched")
		return nil, nil
	}}
	coord := newTestCoordinator(t, cat, &fakeRegistry{}, ai, store, svc)
	ctx := context.Background()

	env := envelope.Envelope{Objective: "done already", OutputContract: facet.Contract{Mode: facet.ModeFacets, Facets: []string{"summary"}}}
	require.NoError(t, store.CreateOrUpdateRun(ctx, persistence.RunRecord{
		RunID: "run-7", Envelope: env, Status: persistence.RunCompleted,
		Result: map[string]any{"summary": "already finished"},
	}))

	result, err := coord.Resume(ctx, ResumeOptions{RunID: "run-7"})
	require.NoError(t, err)
	require.Equal(t, persistence.RunCompleted, result.Status)
	require.Equal(t, "already finished", result.Output["summary"])
	require.Equal(t, 0, ai.calls)
}
