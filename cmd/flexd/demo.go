package main

import (
	"context"
	"fmt"

	"github.com/flexrt/flexcore/engine"
	"github.com/flexrt/flexcore/plan"
	"github.com/flexrt/flexcore/planner"
)

// demoPlannerService is a deterministic, offline planner.Service: it turns
// every CRCS row it is offered into its own execution node, chained in the
// order CRCS produced them, with no routing or branching. It exists for local/demo
// runs exactly the way the pack's cmd/mock-llm stands in for a real model
// during workflow wiring tests — it is not a capability-selection algorithm
// and must never be pointed at a production registry.
type demoPlannerService struct{}

func (demoPlannerService) Propose(_ context.Context, req planner.ServiceRequest) (planner.Draft, error) {
	draft := planner.Draft{Nodes: make([]planner.DraftNode, 0, len(req.Capabilities))}
	for i, row := range req.Capabilities {
		draft.Nodes = append(draft.Nodes, planner.DraftNode{
			ID:           fmt.Sprintf("n%d", i+1),
			Kind:         plan.NodeExecution,
			CapabilityID: row.CapabilityID,
			Label:        row.DisplayName,
			InputFacets:  row.InputFacets,
			OutputFacets: row.OutputFacets,
			Rationale:    []string{"demo planner: sequential CRCS order"},
		})
	}
	return draft, nil
}

// demoAIDispatcher answers every execution(ai) node by copying every input
// value into its output under the same name, then emitting a placeholder
// string for each declared output facet the inputs did not supply. It never calls out to a real model; it
// exists so `flexd serve` runs end to end without external credentials.
type demoAIDispatcher struct{}

func (demoAIDispatcher) Dispatch(_ context.Context, req engine.DispatchRequest) (map[string]any, error) {
	out := map[string]any{}
	for name, value := range req.Prompt.Inputs {
		out[name] = value
	}
	if req.Prompt.OutputContract != nil {
		for _, name := range req.Prompt.OutputContract.FacetNames() {
			if _, ok := out[name]; !ok {
				out[name] = fmt.Sprintf("demo output for %s/%s", req.CapabilityID, name)
			}
		}
	}
	return out, nil
}
