// Package plan defines the plan graph data model: nodes, edges, compiled
// contracts, and the routing table a planner produces and the scheduler and
// execution engine consume.
package plan

import (
	"time"

	"github.com/flexrt/flexcore/capreg"
	"github.com/flexrt/flexcore/envelope"
	"github.com/flexrt/flexcore/facet"
)

// NodeKind distinguishes the four node shapes spec.md 4.F names.
type NodeKind string

const (
	NodeExecution NodeKind = "execution"
	NodeValidation NodeKind = "validation"
	NodeRouting    NodeKind = "routing"
	NodeVirtual    NodeKind = "virtual"
)

// Bundle is the self-contained dispatch envelope a node carries: everything
// the execution engine needs to either hand the node to an AI/human
// dispatcher or evaluate it locally, without reaching back into the plan.
type Bundle struct {
	Objective    string
	Instructions string
	Inputs       map[string]any
	Policies     envelope.Policies
	Assignment   map[string]any
}

// Contracts pairs a node's compiled input and output JSON Schema contracts.
type Contracts struct {
	Input  *facet.JSONSchemaContract
	Output *facet.JSONSchemaContract
}

// FacetRefs pairs the facet name lists a node reads from and writes to.
type FacetRefs struct {
	Input  []string
	Output []string
}

// Provenance pairs the input/output facet provenance entries compiled for a
// node's contracts.
type Provenance struct {
	Input  []facet.ProvenanceEntry
	Output []facet.ProvenanceEntry
}

// Route is one branch of a routing node: if Condition evaluates truthy,
// execution continues at Target.
type Route struct {
	Condition envelope.Condition
	Target    string
}

// Routing is a routing node's full branch table: an ordered list of
// condition/target routes plus a fallback.
type Routing struct {
	Routes []Route
	ElseTo string
}

// Node is one vertex of a plan graph.
type Node struct {
	ID                  string
	Kind                NodeKind
	CapabilityID         string
	CapabilityLabel      string
	CapabilityVersion    string
	CapabilityAgentType  capreg.AgentType
	DerivedCapability    bool
	Label                string
	Bundle               Bundle
	Contracts            Contracts
	Facets               FacetRefs
	Provenance           Provenance
	Rationale            []string
	Routing              *Routing
	PostConditionGuards  []capreg.PostCondition
	Metadata             map[string]any
}

// Edge is a directed plan-graph edge, sequential dependency ordering
// between two nodes.
type Edge struct {
	From string
	To   string
}

// Plan is a full plan graph: a versioned set of nodes and edges for one run.
type Plan struct {
	RunID     string
	Version   int
	CreatedAt time.Time
	Nodes     []Node
	Edges     []Edge
	Metadata  map[string]any
}

// NodeByID returns the node with the given ID, if present.
func (p *Plan) NodeByID(id string) (*Node, bool) {
	for i := range p.Nodes {
		if p.Nodes[i].ID == id {
			return &p.Nodes[i], true
		}
	}
	return nil, false
}

// IndexOf returns the index of the node with the given ID, or -1.
func (p *Plan) IndexOf(id string) int {
	for i := range p.Nodes {
		if p.Nodes[i].ID == id {
			return i
		}
	}
	return -1
}

// Successors returns the IDs of nodes with an incoming edge from nodeID.
func (p *Plan) Successors(nodeID string) []string {
	var out []string
	for _, e := range p.Edges {
		if e.From == nodeID {
			out = append(out, e.To)
		}
	}
	return out
}

// Predecessors returns the IDs of nodes with an outgoing edge to nodeID.
func (p *Plan) Predecessors(nodeID string) []string {
	var out []string
	for _, e := range p.Edges {
		if e.To == nodeID {
			out = append(out, e.From)
		}
	}
	return out
}
