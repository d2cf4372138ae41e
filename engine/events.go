package engine

import (
	"github.com/flexrt/flexcore/hooks"
	"github.com/flexrt/flexcore/plan"
	"github.com/flexrt/flexcore/persistence"
)

func (c *Coordinator) planGeneratedEvent(runID string, p plan.Plan) hooks.PlanGeneratedEvent {
	ids := make([]string, 0, len(p.Nodes))
	for _, n := range p.Nodes {
		ids = append(ids, n.ID)
	}
	return hooks.NewPlanGeneratedEvent(runID, p.Version, ids, c.deps.Now())
}

func (c *Coordinator) completeEvent(runID string, status persistence.RunStatus) hooks.CompleteEvent {
	return hooks.NewCompleteEvent(runID, string(status), c.deps.Now())
}
