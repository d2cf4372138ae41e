package inmem_test

import (
	"context"
	"testing"

	"github.com/flexrt/flexcore/persistence"
	"github.com/flexrt/flexcore/persistence/inmem"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateOrUpdateRunPreservesCreatedAt(t *testing.T) {
	store := inmem.New()
	ctx := context.Background()
	require.NoError(t, store.CreateOrUpdateRun(ctx, persistence.RunRecord{RunID: "run-1", Status: persistence.RunPending}))
	first, ok, err := store.LoadRun(ctx, "run-1")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, store.CreateOrUpdateRun(ctx, persistence.RunRecord{RunID: "run-1", Status: persistence.RunRunning}))
	second, ok, err := store.LoadRun(ctx, "run-1")
	require.NoError(t, err)
	require.True(t, ok)

	assert.Equal(t, first.CreatedAt, second.CreatedAt)
	assert.Equal(t, persistence.RunRunning, second.Status)
}

func TestFindRunByThreadID(t *testing.T) {
	store := inmem.New()
	ctx := context.Background()
	require.NoError(t, store.CreateOrUpdateRun(ctx, persistence.RunRecord{RunID: "run-1", ThreadID: "thread-xyz"}))

	found, ok, err := store.FindRunByThreadID(ctx, "thread-xyz")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "run-1", found.RunID)

	_, ok, err = store.FindRunByThreadID(ctx, "does-not-exist")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLoadPlanSnapshotMissing(t *testing.T) {
	store := inmem.New()
	_, ok, err := store.LoadPlanSnapshot(context.Background(), "never-saved")
	require.NoError(t, err)
	assert.False(t, ok)
}
