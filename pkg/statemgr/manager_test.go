package statemgr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/schedcore/pkg/resource"
	"github.com/cuemby/schedcore/pkg/storage"
	"github.com/cuemby/schedcore/pkg/types"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	mgr, err := NewManager(Config{
		NodeID:   "test-node",
		BindAddr: "127.0.0.1:0",
		DataDir:  t.TempDir(),
	})
	require.NoError(t, err)
	require.NoError(t, mgr.Prepare())
	_, err = mgr.Initialize()
	require.NoError(t, err)
	require.NoError(t, mgr.StartManager(func(string) error { return nil }))
	t.Cleanup(func() { _ = mgr.Stop() })
	return mgr
}

func testConfig(role, job string, shard int) types.TaskConfig {
	return types.TaskConfig{
		Role:      role,
		JobName:   job,
		ShardID:   shard,
		Resources: resource.Bag{resource.CPU: 1, resource.RAM: 256},
	}
}

func TestLifecycleRequiresOrder(t *testing.T) {
	mgr, err := NewManager(Config{NodeID: "n1", BindAddr: "127.0.0.1:0", DataDir: t.TempDir()})
	require.NoError(t, err)

	assert.Panics(t, func() { _, _ = mgr.InsertTasks(nil) })

	require.NoError(t, mgr.Prepare())
	assert.Panics(t, func() { _ = mgr.StartManager(nil) }, "StartManager before Initialize is a programmer error")

	_, err = mgr.Initialize()
	require.NoError(t, err)
	assert.Panics(t, func() { _, _ = mgr.Initialize() }, "Initialize is not idempotent")

	require.NoError(t, mgr.StartManager(func(string) error { return nil }))
	require.NoError(t, mgr.Stop())
}

func TestInsertTasks(t *testing.T) {
	mgr := newTestManager(t)

	ids, err := mgr.InsertTasks([]types.TaskConfig{testConfig("web", "frontend", 0), testConfig("web", "frontend", 1)})
	require.NoError(t, err)
	require.Len(t, ids, 2)

	tasks, err := mgr.FetchTasks(storage.ActiveQuery(types.JobKey{Role: "web", Name: "frontend"}))
	require.NoError(t, err)
	assert.Len(t, tasks, 2)
	for _, task := range tasks {
		assert.Equal(t, types.PENDING, task.Status)
	}
}

func TestAssignTask(t *testing.T) {
	mgr := newTestManager(t)

	ids, err := mgr.InsertTasks([]types.TaskConfig{testConfig("web", "frontend", 0)})
	require.NoError(t, err)

	assigned, err := mgr.AssignTask(ids[0], "host-a", "slave-1", map[string]int{"http": 31000})
	require.NoError(t, err)
	require.NotNil(t, assigned)
	assert.Equal(t, types.ASSIGNED, assigned.Status)
	assert.Equal(t, "host-a", assigned.Assignment.SlaveHost)

	byHost := mgr.GetHostAssignedTasks()
	assert.Equal(t, []string{ids[0]}, byHost["host-a"])
}

func TestAssignTaskTwicePanics(t *testing.T) {
	mgr := newTestManager(t)

	ids, err := mgr.InsertTasks([]types.TaskConfig{testConfig("web", "frontend", 0)})
	require.NoError(t, err)

	_, err = mgr.AssignTask(ids[0], "host-a", "slave-1", nil)
	require.NoError(t, err)

	assert.Panics(t, func() {
		_, _ = mgr.AssignTask(ids[0], "host-b", "slave-2", nil)
	})
}

func TestChangeState(t *testing.T) {
	mgr := newTestManager(t)

	ids, err := mgr.InsertTasks([]types.TaskConfig{testConfig("web", "frontend", 0)})
	require.NoError(t, err)
	_, err = mgr.AssignTask(ids[0], "host-a", "slave-1", nil)
	require.NoError(t, err)

	changed, err := mgr.ChangeState(storage.ByID(ids[0]), types.RUNNING, "executor reported running")
	require.NoError(t, err)
	assert.Equal(t, 1, changed)

	tasks, err := mgr.FetchTasks(storage.ByID(ids[0]))
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, types.RUNNING, tasks[0].Status)

	changed, err = mgr.ChangeState(storage.ByID(ids[0]), types.FINISHED, "done")
	require.NoError(t, err)
	assert.Equal(t, 1, changed)
	assert.Empty(t, mgr.GetHostAssignedTasks()["host-a"], "a terminal status clears the host assignment view")
}

func TestRegisterAndFinishUpdate(t *testing.T) {
	mgr := newTestManager(t)

	ids, err := mgr.InsertTasks([]types.TaskConfig{testConfig("web", "frontend", 0)})
	require.NoError(t, err)
	_, err = mgr.AssignTask(ids[0], "host-a", "slave-1", nil)
	require.NoError(t, err)
	_, err = mgr.ChangeState(storage.ByID(ids[0]), types.RUNNING, "running")
	require.NoError(t, err)

	newCfg := testConfig("web", "frontend", 0)
	newCfg.Priority = 5
	token, err := mgr.RegisterUpdate("web", "frontend", []*types.TaskConfig{&newCfg})
	require.NoError(t, err)
	assert.NotEmpty(t, token)

	_, err = mgr.RegisterUpdate("web", "frontend", []*types.TaskConfig{&newCfg})
	assert.Error(t, err, "a second concurrent update for the same job is rejected")

	configs, err := mgr.FetchUpdatedTaskConfigs("web", "frontend", nil)
	require.NoError(t, err)
	require.Len(t, configs, 1)
	assert.Equal(t, 5, configs[0].Priority)

	require.NoError(t, mgr.FinishUpdate("web", "frontend", token, types.UpdateSuccess))

	_, err = mgr.FetchUpdatedTaskConfigs("web", "frontend", nil)
	require.NoError(t, err)
}

func TestRegisterUpdateRejectsWithNoActiveTasks(t *testing.T) {
	mgr := newTestManager(t)
	_, err := mgr.RegisterUpdate("ghost", "job", nil)
	assert.Error(t, err)
	var updateErr *UpdateError
	assert.ErrorAs(t, err, &updateErr)
}

func TestAbandonTasksRemovesRow(t *testing.T) {
	mgr := newTestManager(t)

	ids, err := mgr.InsertTasks([]types.TaskConfig{testConfig("web", "frontend", 0)})
	require.NoError(t, err)
	_, err = mgr.AssignTask(ids[0], "host-a", "slave-1", nil)
	require.NoError(t, err)

	require.NoError(t, mgr.AbandonTasks(ids))

	tasks, err := mgr.FetchTasks(storage.ByID(ids[0]))
	require.NoError(t, err)
	assert.Empty(t, tasks, "abandoning a task removes its row once drained")
	assert.Empty(t, mgr.GetHostAssignedTasks()["host-a"])
}

func TestScanOutstandingTasksLeavesFreshAssignmentsAlone(t *testing.T) {
	mgr := newTestManager(t)

	ids, err := mgr.InsertTasks([]types.TaskConfig{testConfig("web", "frontend", 0)})
	require.NoError(t, err)
	_, err = mgr.AssignTask(ids[0], "host-a", "slave-1", nil)
	require.NoError(t, err)

	require.NoError(t, mgr.ScanOutstandingTasks())

	tasks, err := mgr.FetchTasks(storage.ByID(ids[0]))
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, types.ASSIGNED, tasks[0].Status, "a just-assigned task has not exceeded its grace period")
}

func TestHostAttributeAdapterReportsUnknownHost(t *testing.T) {
	mgr := newTestManager(t)
	adapter := HostAttributeAdapter{Store: mgr.store}

	_, found := adapter.GetHostAttributes("no-such-host")
	assert.False(t, found)
}
