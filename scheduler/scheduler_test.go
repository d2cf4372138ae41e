package scheduler_test

import (
	"testing"

	"github.com/flexrt/flexcore/plan"
	"github.com/flexrt/flexcore/scheduler"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func linearPlan() plan.Plan {
	return plan.Plan{
		Nodes: []plan.Node{{ID: "a"}, {ID: "b"}, {ID: "c"}},
		Edges: []plan.Edge{{From: "a", To: "b"}, {From: "b", To: "c"}},
	}
}

func TestSchedulerWalksInOrder(t *testing.T) {
	s := scheduler.New(linearPlan(), nil, nil)

	n, ok := s.Peek()
	require.True(t, ok)
	assert.Equal(t, "a", n.ID)

	s.MarkCompleted("a")
	n, ok = s.Peek()
	require.True(t, ok)
	assert.Equal(t, "b", n.ID)

	s.MarkCompleted("b")
	s.MarkCompleted("c")
	assert.True(t, s.IsDone())
}

func TestRoutingSelectionExcludesOtherBranches(t *testing.T) {
	p := plan.Plan{
		Nodes: []plan.Node{{ID: "route"}, {ID: "left"}, {ID: "right"}},
		Edges: []plan.Edge{{From: "route", To: "left"}, {From: "route", To: "right"}},
	}
	s := scheduler.New(p, nil, nil)
	s.MarkRoutingSelection("route", []string{"left"})

	n, ok := s.Peek()
	require.True(t, ok)
	assert.Equal(t, "left", n.ID)

	s.MarkCompleted("left")
	assert.True(t, s.IsDone())
}

func TestResetFromNodeReopensDownstream(t *testing.T) {
	s := scheduler.New(linearPlan(), []string{"a", "b", "c"}, nil)
	assert.True(t, s.IsDone())

	s.ResetFromNode("b")
	n, ok := s.Peek()
	require.True(t, ok)
	assert.Equal(t, "b", n.ID)
}
