// Package scheduler walks a compiled plan graph in dependency order,
// tracking which nodes are completed and which routing branches have been
// selected (and therefore which alternate branches are permanently locked
// out for this run).
package scheduler

import "github.com/flexrt/flexcore/plan"

// Scheduler produces the next runnable node of a plan: one whose
// predecessors are all completed and which has not itself completed or
// been excluded by an upstream routing decision.
type Scheduler struct {
	p         plan.Plan
	completed map[string]bool
	// excluded marks nodes that can no longer run because an upstream
	// routing node chose a different branch.
	excluded map[string]bool
}

// New builds a Scheduler over p, seeded with any nodes already completed
// (the resume path) and having already applied any routing selections
// recorded before this scheduler was constructed.
func New(p plan.Plan, completedNodeIDs []string, routingSelections map[string][]string) *Scheduler {
	s := &Scheduler{
		p:         p,
		completed: make(map[string]bool, len(completedNodeIDs)),
		excluded:  make(map[string]bool),
	}
	for _, id := range completedNodeIDs {
		s.completed[id] = true
	}
	for routingNodeID, selected := range routingSelections {
		s.applyRoutingSelection(routingNodeID, selected)
	}
	return s
}

// Peek returns the next runnable node without marking it in any way, or
// false if no node is currently runnable (either the plan is done, or every
// remaining node is still waiting on an incomplete predecessor).
func (s *Scheduler) Peek() (plan.Node, bool) {
	for _, n := range s.p.Nodes {
		if s.completed[n.ID] || s.excluded[n.ID] {
			continue
		}
		if s.predecessorsSatisfied(n.ID) {
			return n, true
		}
	}
	return plan.Node{}, false
}

func (s *Scheduler) predecessorsSatisfied(nodeID string) bool {
	for _, pred := range s.p.Predecessors(nodeID) {
		if s.excluded[pred] {
			continue // a locked-out predecessor can never complete; don't block on it
		}
		if !s.completed[pred] {
			return false
		}
	}
	return true
}

// MarkCompleted records that a node finished successfully.
func (s *Scheduler) MarkCompleted(nodeID string) {
	s.completed[nodeID] = true
}

// MarkRoutingSelection records a routing node's chosen branch, excluding
// every successor of routingNodeID not reachable via selectedTargets.
func (s *Scheduler) MarkRoutingSelection(routingNodeID string, selectedTargets []string) {
	s.completed[routingNodeID] = true
	s.applyRoutingSelection(routingNodeID, selectedTargets)
}

func (s *Scheduler) applyRoutingSelection(routingNodeID string, selectedTargets []string) {
	selected := make(map[string]bool, len(selectedTargets))
	for _, t := range selectedTargets {
		selected[t] = true
	}
	for _, successor := range s.p.Successors(routingNodeID) {
		if !selected[successor] {
			s.excluded[successor] = true
		}
	}
}

// ResetFromNode un-completes nodeID and every node reachable forward from
// it, the mechanism a goto runtime-policy action uses to re-enter a plan at
// an earlier point. Routing exclusions downstream of nodeID are cleared
// since the branch may be re-evaluated differently on the next pass.
func (s *Scheduler) ResetFromNode(nodeID string) {
	visited := map[string]bool{}
	var visit func(id string)
	visit = func(id string) {
		if visited[id] {
			return
		}
		visited[id] = true
		delete(s.completed, id)
		delete(s.excluded, id)
		for _, succ := range s.p.Successors(id) {
			visit(succ)
		}
	}
	visit(nodeID)
}

// IsDone reports whether every node in the plan is either completed or
// permanently excluded by a routing decision.
func (s *Scheduler) IsDone() bool {
	for _, n := range s.p.Nodes {
		if !s.completed[n.ID] && !s.excluded[n.ID] {
			return false
		}
	}
	return true
}

// CompletedContains reports whether nodeID has been marked completed.
func (s *Scheduler) CompletedContains(nodeID string) bool { return s.completed[nodeID] }

// CompletedNodeIDs returns the IDs of every node marked completed so far.
func (s *Scheduler) CompletedNodeIDs() []string {
	out := make([]string, 0, len(s.completed))
	for id, done := range s.completed {
		if done {
			out = append(out, id)
		}
	}
	return out
}
