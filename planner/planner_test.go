package planner_test

import (
	"context"
	"testing"

	"github.com/flexrt/flexcore/capreg"
	"github.com/flexrt/flexcore/envelope"
	"github.com/flexrt/flexcore/facet"
	"github.com/flexrt/flexcore/plan"
	"github.com/flexrt/flexcore/planner"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubRegistry struct {
	records []capreg.Record
}

func (s stubRegistry) ListActive(context.Context) ([]capreg.Record, error) {
	return s.records, nil
}

type stubService struct {
	draft planner.Draft
	err   error
}

func (s stubService) Propose(context.Context, planner.ServiceRequest) (planner.Draft, error) {
	return s.draft, s.err
}

func contractFromFacets(names ...string) *facet.JSONSchemaContract {
	c := &facet.JSONSchemaContract{}
	for _, n := range names {
		c.Provenance = append(c.Provenance, facet.ProvenanceEntry{Facet: n})
	}
	return c
}

func TestPlanCompilesExecutionNodesFromRegistry(t *testing.T) {
	rec := capreg.Record{
		CapabilityID:   "draft-copy",
		DisplayName:    "Draft Copy",
		Status:         capreg.StatusActive,
		OutputContract: contractFromFacets("copyVariants"),
	}
	reg := stubRegistry{records: []capreg.Record{rec}}
	svc := stubService{draft: planner.Draft{
		Nodes: []planner.DraftNode{
			{ID: "n1", Kind: plan.NodeExecution, CapabilityID: "draft-copy"},
		},
	}}
	p := planner.New(planner.Options{Catalog: facet.NewCatalog(), Registry: reg, Service: svc})

	env := envelope.Envelope{OutputContract: facet.Contract{Mode: facet.ModeFacets, Facets: []string{"copyVariants"}}}
	result, err := p.Plan(context.Background(), "run-1", env, nil)
	require.NoError(t, err)
	require.Len(t, result.Nodes, 1)
	assert.Equal(t, "draft-copy", result.Nodes[0].CapabilityID)
	assert.Equal(t, []string{"copyVariants"}, result.Nodes[0].Facets.Output)
}

func TestPlanRejectsUnknownCapability(t *testing.T) {
	reg := stubRegistry{}
	svc := stubService{draft: planner.Draft{
		Nodes: []planner.DraftNode{{ID: "n1", Kind: plan.NodeExecution, CapabilityID: "ghost"}},
	}}
	p := planner.New(planner.Options{Catalog: facet.NewCatalog(), Registry: reg, Service: svc})

	_, err := p.Plan(context.Background(), "run-1", envelope.Envelope{}, nil)
	require.Error(t, err)
	var rejected *planner.DraftRejectedError
	assert.ErrorAs(t, err, &rejected)
}

func TestPlanFailsFastOnMissingPinnedCapability(t *testing.T) {
	reg := stubRegistry{}
	svc := stubService{}
	p := planner.New(planner.Options{Catalog: facet.NewCatalog(), Registry: reg, Service: svc})

	env := envelope.Envelope{Policies: envelope.Policies{Planner: &envelope.PlannerPolicy{Require: []string{"draft-copy"}}}}
	_, err := p.Plan(context.Background(), "run-1", env, nil)
	require.Error(t, err)
	var missing *planner.MissingPinnedCapabilitiesError
	assert.ErrorAs(t, err, &missing)
}

func TestPlanFailsFastOnMissingRuntimeSelectorCapability(t *testing.T) {
	reg := stubRegistry{}
	svc := stubService{}
	p := planner.New(planner.Options{Catalog: facet.NewCatalog(), Registry: reg, Service: svc})

	env := envelope.Envelope{Policies: envelope.Policies{Runtime: []envelope.RuntimePolicy{{
		Trigger: envelope.Trigger{Selector: &envelope.Selector{CapabilityID: "ghost-capability"}},
	}}}}
	_, err := p.Plan(context.Background(), "run-1", env, nil)
	require.Error(t, err)
	var missing *planner.MissingPinnedCapabilitiesError
	require.ErrorAs(t, err, &missing)
	assert.Contains(t, missing.CapabilityIDs, "ghost-capability")
}

func TestPlanPassesRuntimeSelectorAndGoalConditionRowsToService(t *testing.T) {
	records := []capreg.Record{
		{CapabilityID: "draft-copy", Status: capreg.StatusActive, OutputContract: contractFromFacets("copyVariants")},
		{CapabilityID: "score-copy", Status: capreg.StatusActive, InputContract: contractFromFacets("copyVariants"), OutputContract: contractFromFacets("qualityScore")},
		{CapabilityID: "audit-log", Status: capreg.StatusActive, OutputContract: contractFromFacets("auditEntry")},
	}
	reg := stubRegistry{records: records}
	svc := &capturingService{draft: planner.Draft{Nodes: []planner.DraftNode{
		{ID: "n1", Kind: plan.NodeExecution, CapabilityID: "draft-copy"},
	}}}
	p := planner.New(planner.Options{Catalog: facet.NewCatalog(), Registry: reg, Service: svc})

	env := envelope.Envelope{
		OutputContract: facet.Contract{Mode: facet.ModeFacets, Facets: []string{"copyVariants"}},
		GoalConditions: []envelope.GoalCondition{{Facet: "qualityScore"}},
		Policies: envelope.Policies{Runtime: []envelope.RuntimePolicy{{
			Trigger: envelope.Trigger{Selector: &envelope.Selector{CapabilityID: "audit-log"}},
		}}},
	}
	_, err := p.Plan(context.Background(), "run-1", env, nil)
	require.NoError(t, err)

	ids := make([]string, 0, len(svc.lastRequest.Capabilities))
	for _, row := range svc.lastRequest.Capabilities {
		ids = append(ids, row.CapabilityID)
	}
	assert.Contains(t, ids, "score-copy")
	assert.Contains(t, ids, "audit-log")
}

type capturingService struct {
	draft       planner.Draft
	lastRequest planner.ServiceRequest
}

func (s *capturingService) Propose(_ context.Context, req planner.ServiceRequest) (planner.Draft, error) {
	s.lastRequest = req
	return s.draft, nil
}

func TestPlanBuildsSequentialEdgesWhenNoneProvided(t *testing.T) {
	records := []capreg.Record{
		{CapabilityID: "a", Status: capreg.StatusActive, OutputContract: contractFromFacets("x")},
		{CapabilityID: "b", Status: capreg.StatusActive, OutputContract: contractFromFacets("y")},
	}
	reg := stubRegistry{records: records}
	svc := stubService{draft: planner.Draft{Nodes: []planner.DraftNode{
		{ID: "n1", Kind: plan.NodeExecution, CapabilityID: "a"},
		{ID: "n2", Kind: plan.NodeExecution, CapabilityID: "b"},
	}}}
	p := planner.New(planner.Options{Catalog: facet.NewCatalog(), Registry: reg, Service: svc})

	result, err := p.Plan(context.Background(), "run-1", envelope.Envelope{}, nil)
	require.NoError(t, err)
	require.Len(t, result.Edges, 1)
	assert.Equal(t, plan.Edge{From: "n1", To: "n2"}, result.Edges[0])
}
