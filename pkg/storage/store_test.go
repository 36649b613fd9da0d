package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/schedcore/pkg/types"
)

func TestQueryMatches(t *testing.T) {
	jobKey := types.JobKey{Role: "web", Name: "app"}
	task := &types.ScheduledTask{
		TaskID: "t1",
		Config: types.TaskConfig{Role: "web", JobName: "app", ShardID: 2},
		Status: types.RUNNING,
	}

	assert.True(t, ByID("t1").Matches(task))
	assert.False(t, ByID("t2").Matches(task))

	assert.True(t, ByStatuses(types.RUNNING, types.ASSIGNED).Matches(task))
	assert.False(t, ByStatuses(types.FAILED).Matches(task))

	shard := 2
	assert.True(t, ByJobShard(jobKey, &shard).Matches(task))
	otherShard := 3
	assert.False(t, ByJobShard(jobKey, &otherShard).Matches(task))

	assert.True(t, ActiveQuery(jobKey).Matches(task))

	task.Status = types.FINISHED
	assert.False(t, ActiveQuery(jobKey).Matches(task))
}

func TestMemStoreTaskLifecycle(t *testing.T) {
	store := NewMemStore()

	task := &types.ScheduledTask{TaskID: "t1", Config: types.TaskConfig{Role: "web", JobName: "app"}, Status: types.PENDING}
	require.NoError(t, store.SaveTasks([]*types.ScheduledTask{task}))

	fetched, err := store.FetchTasks(ByID("t1"))
	require.NoError(t, err)
	require.Len(t, fetched, 1)
	assert.Equal(t, types.PENDING, fetched[0].Status)

	count, err := store.MutateTasks(ByID("t1"), func(t *types.ScheduledTask) { t.Status = types.ASSIGNED })
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	fetched, _ = store.FetchTasks(ByID("t1"))
	assert.Equal(t, types.ASSIGNED, fetched[0].Status)

	require.NoError(t, store.RemoveTasks([]string{"t1"}))
	fetched, _ = store.FetchTasks(ByID("t1"))
	assert.Empty(t, fetched)
}

func TestMemStoreShardUpdateConfigs(t *testing.T) {
	store := NewMemStore()

	configs := []*types.ShardUpdateConfiguration{
		{ShardID: 0, NewConfig: &types.TaskConfig{Role: "web", JobName: "app"}},
		{ShardID: 1, NewConfig: &types.TaskConfig{Role: "web", JobName: "app"}},
	}
	require.NoError(t, store.SaveShardUpdateConfigs("web", "app", "token-1", configs))

	cfg, ok, err := store.FetchShardUpdateConfig("web", "app", 0)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "token-1", cfg.Token)

	all, err := store.FetchShardUpdateConfigs("web", "app", nil)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	require.NoError(t, store.RemoveShardUpdateConfigs("web", "app"))
	all, _ = store.FetchShardUpdateConfigs("web", "app", nil)
	assert.Empty(t, all)
}

func TestMemStoreFrameworkID(t *testing.T) {
	store := NewMemStore()

	_, found, err := store.FetchFrameworkID()
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, store.SaveFrameworkID("fw-1"))
	id, found, err := store.FetchFrameworkID()
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "fw-1", id)
}
