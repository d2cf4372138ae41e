// Package planner turns an envelope and a CRCS snapshot into a compiled
// plan graph: it delegates the creative decision of which capabilities to
// sequence (the Service boundary, an external collaborator per spec.md §1)
// and owns validating and compiling the resulting draft into a plan.Plan.
package planner

import (
	"context"
	"fmt"
	"time"

	"github.com/flexrt/flexcore/capreg"
	"github.com/flexrt/flexcore/condition"
	"github.com/flexrt/flexcore/crcs"
	"github.com/flexrt/flexcore/envelope"
	"github.com/flexrt/flexcore/facet"
	"github.com/flexrt/flexcore/plan"
)

// ServiceRequest is passed to the planner Service: the envelope, the CRCS
// rows it may choose from, and any graph context from a prior partial plan
// (set only on a replan).
type ServiceRequest struct {
	RunID        string
	Envelope     envelope.Envelope
	Capabilities []crcs.Row
	GraphContext map[string]any
}

// DraftRoute is one branch of a proposed routing node, DSL not yet compiled.
type DraftRoute struct {
	DSL    string
	Target string
}

// DraftNode is a planner Service's raw proposal for one node, prior to
// registry validation and contract compilation.
type DraftNode struct {
	ID           string
	Kind         plan.NodeKind
	CapabilityID string
	Label        string
	Instructions string
	InputFacets  []string
	OutputFacets []string
	Routes       []DraftRoute
	ElseTo       string
	Rationale    []string
	Metadata     map[string]any
}

// Draft is a planner Service's full proposal: an ordered node list plus
// optional explicit edges (if omitted, the compiler chains nodes
// sequentially in list order).
type Draft struct {
	Nodes    []DraftNode
	Edges    []plan.Edge
	Metadata map[string]any
}

// Service is the external planning collaborator boundary: given a request,
// it proposes a draft plan. Concrete implementations (an LLM-backed
// planner, a rules engine) live outside this module.
type Service interface {
	Propose(ctx context.Context, req ServiceRequest) (Draft, error)
}

// Diagnostic reports one problem found while validating a Service's draft.
type Diagnostic struct {
	Code    string
	NodeID  string
	Message string
}

// DraftRejectedError reports that a Service's draft failed validation.
type DraftRejectedError struct {
	Diagnostics []Diagnostic
}

func (e *DraftRejectedError) Error() string {
	return fmt.Sprintf("planner: draft rejected with %d diagnostic(s)", len(e.Diagnostics))
}

// MissingPinnedCapabilitiesError reports that one or more capabilities the
// envelope's planner policy required were not present in the active
// registry snapshot.
type MissingPinnedCapabilitiesError struct {
	CapabilityIDs []string
}

func (e *MissingPinnedCapabilitiesError) Error() string {
	return fmt.Sprintf("planner: required capabilities not found: %v", e.CapabilityIDs)
}

// Options configures a Planner.
type Options struct {
	Catalog  *facet.Catalog
	Registry CapabilityLister
	Service  Service
	MaxRows  int
}

// CapabilityLister is the subset of capreg.Registry the planner depends on.
type CapabilityLister interface {
	ListActive(ctx context.Context) ([]capreg.Record, error)
}

// Planner computes CRCS, delegates to the planning Service, validates the
// returned draft, and compiles it into a plan.Plan.
type Planner struct {
	catalog  *facet.Catalog
	registry CapabilityLister
	service  Service
	maxRows  int
}

// New constructs a Planner.
func New(opts Options) *Planner {
	return &Planner{
		catalog:  opts.Catalog,
		registry: opts.Registry,
		service:  opts.Service,
		maxRows:  opts.MaxRows,
	}
}

// GraphContext optionally carries prior-plan state into a replan.
type GraphContext struct {
	CompletedNodeOutputFacets  []string
	GoalConditionFailureFacets []string
	Extra                      map[string]any
}

// Plan computes a fresh plan.Plan for runID/env. When graphCtx is non-nil
// this is a replan: CRCS recomputes forward reachability from the prior
// plan's completed-node output facets in addition to the envelope's inputs.
func (p *Planner) Plan(ctx context.Context, runID string, env envelope.Envelope, graphCtx *GraphContext) (plan.Plan, error) {
	active, err := p.registry.ListActive(ctx)
	if err != nil {
		return plan.Plan{}, fmt.Errorf("planner: listing active capabilities: %w", err)
	}

	var crcsGraphCtx *crcs.GraphContext
	var goalConditionFailureFacets []string
	if graphCtx != nil {
		crcsGraphCtx = &crcs.GraphContext{CompletedNodeOutputFacets: graphCtx.CompletedNodeOutputFacets}
		goalConditionFailureFacets = graphCtx.GoalConditionFailureFacets
	}
	var maxRows *int
	if p.maxRows > 0 {
		maxRows = &p.maxRows
	}
	snapshot, err := crcs.Compute(crcs.Input{
		Envelope:                     env,
		Active:                       active,
		GraphContext:                 crcsGraphCtx,
		MaxRows:                      maxRows,
		PolicyRequiredCapabilityIDs:  plannerRequiredCapabilities(env),
		RuntimeSelectorCapabilityIDs: runtimeSelectorCapabilities(env),
		GoalConditionFailureFacets:   goalConditionFailureFacets,
	})
	if err != nil {
		return plan.Plan{}, fmt.Errorf("planner: computing CRCS: %w", err)
	}
	if len(snapshot.MissingPinnedCapabilityIDs) > 0 {
		return plan.Plan{}, &MissingPinnedCapabilitiesError{CapabilityIDs: snapshot.MissingPinnedCapabilityIDs}
	}

	svcReq := ServiceRequest{RunID: runID, Envelope: env, Capabilities: snapshot.Rows}
	if graphCtx != nil {
		svcReq.GraphContext = graphCtx.Extra
	}
	draft, err := p.service.Propose(ctx, svcReq)
	if err != nil {
		return plan.Plan{}, fmt.Errorf("planner: service proposal failed: %w", err)
	}

	recordsByID := make(map[string]capreg.Record, len(active))
	for _, rec := range active {
		recordsByID[rec.CapabilityID] = rec
	}

	return p.compile(runID, draft, recordsByID)
}

// plannerRequiredCapabilities extracts the capability IDs the envelope's
// planner policy Require list names. Neither the planner nor CRCS reads
// "forbid"/"avoid"; they reach the Service only inside the envelope passed
// in ServiceRequest, and enforcing them is left to the Service.
func plannerRequiredCapabilities(env envelope.Envelope) []string {
	if env.Policies.Planner == nil {
		return nil
	}
	return env.Policies.Planner.Require
}

// runtimeSelectorCapabilities extracts every capability ID named by a
// policies.runtime[].trigger.selector, the second of the three pinned
// sources CRCS must fold into the snapshot alongside planner-required and
// goal-condition-facet-resolved capabilities.
func runtimeSelectorCapabilities(env envelope.Envelope) []string {
	var ids []string
	for _, rp := range env.Policies.Runtime {
		if rp.Trigger.Selector != nil && rp.Trigger.Selector.CapabilityID != "" {
			ids = append(ids, rp.Trigger.Selector.CapabilityID)
		}
	}
	return ids
}

func (p *Planner) compile(runID string, draft Draft, records map[string]capreg.Record) (plan.Plan, error) {
	var diagnostics []Diagnostic
	nodes := make([]plan.Node, 0, len(draft.Nodes))

	for _, dn := range draft.Nodes {
		if dn.ID == "" {
			diagnostics = append(diagnostics, Diagnostic{Code: "missing_node_id", Message: "draft node missing id"})
			continue
		}
		node := plan.Node{
			ID:        dn.ID,
			Kind:      dn.Kind,
			Label:     dn.Label,
			Rationale: dn.Rationale,
			Metadata:  dn.Metadata,
			Bundle: plan.Bundle{
				Instructions: dn.Instructions,
			},
			Facets: plan.FacetRefs{Input: dn.InputFacets, Output: dn.OutputFacets},
		}

		if dn.Kind == plan.NodeExecution || dn.Kind == "" {
			node.Kind = plan.NodeExecution
			rec, ok := records[dn.CapabilityID]
			if !ok {
				diagnostics = append(diagnostics, Diagnostic{Code: "unknown_capability", NodeID: dn.ID, Message: dn.CapabilityID})
				continue
			}
			node.CapabilityID = rec.CapabilityID
			node.CapabilityLabel = rec.DisplayName
			node.CapabilityVersion = rec.Version
			node.CapabilityAgentType = rec.AgentType
			node.Contracts = plan.Contracts{Input: rec.InputContract, Output: rec.OutputContract}
			node.Provenance = plan.Provenance{
				Input:  provenanceOf(rec.InputContract),
				Output: provenanceOf(rec.OutputContract),
			}
			node.Facets = plan.FacetRefs{Input: rec.InputFacets(), Output: rec.OutputFacets()}
			node.PostConditionGuards = rec.PostConditions
		}

		if dn.Kind == plan.NodeRouting {
			routing, err := compileRouting(dn)
			if err != nil {
				diagnostics = append(diagnostics, Diagnostic{Code: "invalid_route_condition", NodeID: dn.ID, Message: err.Error()})
				continue
			}
			node.Routing = routing
		}

		nodes = append(nodes, node)
	}

	if len(diagnostics) > 0 {
		return plan.Plan{}, &DraftRejectedError{Diagnostics: diagnostics}
	}

	edges := draft.Edges
	if len(edges) == 0 {
		edges = sequentialEdges(nodes)
	}

	return plan.Plan{
		RunID:     runID,
		Version:   1,
		CreatedAt: time.Now(),
		Nodes:     nodes,
		Edges:     edges,
		Metadata:  draft.Metadata,
	}, nil
}

func provenanceOf(c *facet.JSONSchemaContract) []facet.ProvenanceEntry {
	if c == nil {
		return nil
	}
	return c.Provenance
}

func compileRouting(dn DraftNode) (*plan.Routing, error) {
	routing := &plan.Routing{ElseTo: dn.ElseTo}
	for _, r := range dn.Routes {
		canonical, logic, err := condition.CompileDSL(r.DSL)
		if err != nil {
			return nil, fmt.Errorf("route to %q: %w", r.Target, err)
		}
		routing.Routes = append(routing.Routes, plan.Route{
			Condition: envelope.Condition{DSL: r.DSL, CanonicalDSL: canonical, JSONLogic: logic},
			Target:    r.Target,
		})
	}
	return routing, nil
}

func sequentialEdges(nodes []plan.Node) []plan.Edge {
	var edges []plan.Edge
	for i := 0; i+1 < len(nodes); i++ {
		if nodes[i].Kind == plan.NodeRouting {
			continue // routing nodes declare their own successors via Routing
		}
		edges = append(edges, plan.Edge{From: nodes[i].ID, To: nodes[i+1].ID})
	}
	for _, n := range nodes {
		if n.Routing == nil {
			continue
		}
		for _, r := range n.Routing.Routes {
			edges = append(edges, plan.Edge{From: n.ID, To: r.Target})
		}
		if n.Routing.ElseTo != "" {
			edges = append(edges, plan.Edge{From: n.ID, To: n.Routing.ElseTo})
		}
	}
	return edges
}
