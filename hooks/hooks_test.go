package hooks_test

import (
	"testing"
	"time"

	"github.com/flexrt/flexcore/hooks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusPublishFansOutInOrder(t *testing.T) {
	bus := hooks.NewBus()
	var received []string
	bus.Subscribe(func(ev hooks.Event) { received = append(received, ev.EventType()+":1") })
	bus.Subscribe(func(ev hooks.Event) { received = append(received, ev.EventType()+":2") })

	bus.Publish(hooks.NewNodeStartedEvent("run-1", "node-1", "draft-copy", time.Now()))

	require.Len(t, received, 2)
	assert.Equal(t, []string{"node_started:1", "node_started:2"}, received)
}

func TestEventAccessors(t *testing.T) {
	now := time.Now()
	ev := hooks.NewPlanGeneratedEvent("run-1", 2, []string{"n1", "n2"}, now)
	assert.Equal(t, "plan_generated", ev.EventType())
	assert.Equal(t, "run-1", ev.EventRunID())
	assert.Equal(t, now, ev.EventTimestamp())
	assert.Equal(t, 2, ev.PlanVersion)
}
