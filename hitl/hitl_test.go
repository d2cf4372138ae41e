package hitl_test

import (
	"context"
	"testing"

	"github.com/flexrt/flexcore/envelope"
	"github.com/flexrt/flexcore/hitl"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRaiseThenResolveApprove(t *testing.T) {
	svc := hitl.NewInMemoryService(0, nil)
	ctx := context.Background()

	result, err := svc.RaiseRequest(ctx, "run-1", hitl.RaiseContext{PendingNodeID: "node-1"})
	require.NoError(t, err)
	require.Equal(t, "pending", result.Status)

	decision, err := svc.Resolve(ctx, "run-1", result.Request.ID, hitl.Response{Approved: true})
	require.NoError(t, err)
	assert.Equal(t, "approve", decision.Kind)

	state, err := svc.LoadRunState(ctx, "run-1")
	require.NoError(t, err)
	assert.Empty(t, state.PendingRequestID)
}

func TestDenialCapExhaustion(t *testing.T) {
	svc := hitl.NewInMemoryService(1, nil)
	ctx := context.Background()

	first, err := svc.RaiseRequest(ctx, "run-1", hitl.RaiseContext{})
	require.NoError(t, err)
	_, err = svc.Resolve(ctx, "run-1", first.Request.ID, hitl.Response{Approved: false})
	require.NoError(t, err)

	second, err := svc.RaiseRequest(ctx, "run-1", hitl.RaiseContext{})
	require.NoError(t, err)
	assert.Equal(t, "denied", second.Status)
}

func TestParseDecisionActionPicksApproveOrReject(t *testing.T) {
	approve := &envelope.Action{Kind: envelope.ActionGoto, Next: "node-2"}
	reject := &envelope.Action{Kind: envelope.ActionFail, Message: "operator rejected"}
	policy := envelope.RuntimePolicy{
		ID:     "p1",
		Action: envelope.Action{Kind: envelope.ActionHITL, ApproveAction: approve, RejectAction: reject},
	}

	action, err := hitl.ParseDecisionAction(policy, hitl.Decision{Kind: "approve"})
	require.NoError(t, err)
	assert.Equal(t, envelope.ActionGoto, action.Kind)

	action, err = hitl.ParseDecisionAction(policy, hitl.Decision{Kind: "reject"})
	require.NoError(t, err)
	assert.Equal(t, envelope.ActionFail, action.Kind)
}
