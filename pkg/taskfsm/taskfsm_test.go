package taskfsm

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/schedcore/pkg/types"
)

type recordingSink struct {
	commands []WorkCommand
}

func (s *recordingSink) Enqueue(cmd WorkCommand) {
	s.commands = append(s.commands, cmd)
}

func newMachine(status types.ScheduleStatus, sink *recordingSink) *Machine {
	task := &types.ScheduledTask{TaskID: "t1", Status: status, Config: types.TaskConfig{Role: "web", JobName: "app"}}
	return &Machine{
		TaskID: "t1",
		JobKey: task.JobKey(),
		Task:   task,
		Sink:   sink,
		Clock:  func() time.Time { return time.Unix(0, 0) },
	}
}

func TestInsertTransition(t *testing.T) {
	sink := &recordingSink{}
	m := newMachine(types.INIT, sink)

	require.NoError(t, m.Insert())
	assert.Equal(t, types.PENDING, m.Status())
	require.Len(t, sink.commands, 1)
	assert.IsType(t, UpdateState{}, sink.commands[0])
}

func TestAssignTaskStampsAssignment(t *testing.T) {
	sink := &recordingSink{}
	m := newMachine(types.PENDING, sink)

	require.NoError(t, m.AssignTask("host-a", "slave-1", map[string]int{"http": 8080}))

	assert.Equal(t, types.ASSIGNED, m.Status())
	require.NotNil(t, m.Task.Assignment)
	assert.Equal(t, "host-a", m.Task.Assignment.SlaveHost)
	assert.Equal(t, 8080, m.Task.Assignment.Ports["http"])
}

func TestIllegalTransitionRejected(t *testing.T) {
	sink := &recordingSink{}
	m := newMachine(types.INIT, sink)

	err := m.StatusUpdate(types.RUNNING, "bogus")

	assert.ErrorIs(t, err, ErrIllegalTransition)
	assert.Equal(t, types.INIT, m.Status())
	assert.Empty(t, sink.commands)
}

func TestTerminalStatusAbsorbsCallbacks(t *testing.T) {
	sink := &recordingSink{}
	m := newMachine(types.FINISHED, sink)

	err := m.StatusUpdate(types.RUNNING, "late callback")

	assert.NoError(t, err)
	assert.Equal(t, types.FINISHED, m.Status())
	assert.Empty(t, sink.commands)
}

func TestFailEmitsIncrementAndRescheduleBeforeUpdateState(t *testing.T) {
	sink := &recordingSink{}
	m := newMachine(types.RUNNING, sink)

	require.NoError(t, m.Fail("oom"))

	require.Len(t, sink.commands, 3)
	assert.IsType(t, IncrementFailures{}, sink.commands[0])
	assert.IsType(t, Reschedule{}, sink.commands[1])
	assert.IsType(t, UpdateState{}, sink.commands[2])
	assert.Equal(t, types.FAILED, m.Status())
	assert.Equal(t, 1, m.Task.FailureCount)
}

func TestFailBeyondBudgetDoesNotReschedule(t *testing.T) {
	sink := &recordingSink{}
	m := newMachine(types.RUNNING, sink)
	m.Task.FailureCount = MaxFailures

	require.NoError(t, m.Fail("oom"))

	require.Len(t, sink.commands, 2)
	assert.IsType(t, IncrementFailures{}, sink.commands[0])
	assert.IsType(t, UpdateState{}, sink.commands[1])
}

func TestLoseEmitsRescheduleBeforeUpdateState(t *testing.T) {
	sink := &recordingSink{}
	m := newMachine(types.ASSIGNED, sink)

	require.NoError(t, m.Lose("agent lost"))

	require.Len(t, sink.commands, 2)
	assert.IsType(t, Reschedule{}, sink.commands[0])
	assert.IsType(t, UpdateState{}, sink.commands[1])
	assert.Equal(t, types.LOST, m.Status())
}

func TestKillEmitsKillBeforeUpdateState(t *testing.T) {
	sink := &recordingSink{}
	m := newMachine(types.RUNNING, sink)

	require.NoError(t, m.Kill("user requested"))

	require.Len(t, sink.commands, 2)
	assert.IsType(t, Kill{}, sink.commands[0])
	assert.IsType(t, UpdateState{}, sink.commands[1])
	assert.Equal(t, types.KILLING, m.Status())
}

func TestAbandonEmitsDeleteBeforeUpdateState(t *testing.T) {
	sink := &recordingSink{}
	m := newMachine(types.RUNNING, sink)

	require.NoError(t, m.Abandon("operator abandon"))

	require.Len(t, sink.commands, 2)
	assert.IsType(t, Delete{}, sink.commands[0])
	assert.IsType(t, UpdateState{}, sink.commands[1])
	assert.Equal(t, types.UNKNOWN, m.Status())
}

func TestAbandonFromUnknownIsIdempotent(t *testing.T) {
	sink := &recordingSink{}
	m := newMachine(types.UNKNOWN, sink)

	require.NoError(t, m.Abandon("again"))
	assert.Empty(t, sink.commands)
}

func TestUpdateTickNoopWithoutActiveUpdate(t *testing.T) {
	sink := &recordingSink{}
	m := newMachine(types.RUNNING, sink)
	m.UpdateInProgress = func(types.JobKey) bool { return false }

	require.NoError(t, m.UpdateTick(false))
	assert.Empty(t, sink.commands)
	assert.Equal(t, types.RUNNING, m.Status())
}

func TestUpdateTickEmitsUpdate(t *testing.T) {
	sink := &recordingSink{}
	m := newMachine(types.RUNNING, sink)
	m.UpdateInProgress = func(types.JobKey) bool { return true }

	require.NoError(t, m.UpdateTick(false))

	require.Len(t, sink.commands, 2)
	assert.IsType(t, Update{}, sink.commands[0])
	assert.Equal(t, types.RESTARTING, m.Status())
}

func TestIsTimedOut(t *testing.T) {
	sink := &recordingSink{}
	m := newMachine(types.ASSIGNED, sink)
	m.Task.Events = []types.TransitionEvent{{Timestamp: time.Unix(0, 0), Status: types.ASSIGNED}}

	assert.True(t, m.IsTimedOut(nil, time.Unix(0, 0).Add(GracePeriod+time.Second)))
	assert.False(t, m.IsTimedOut(nil, time.Unix(0, 0).Add(time.Second)))

	running := newMachine(types.RUNNING, sink)
	running.Task.Events = []types.TransitionEvent{{Timestamp: time.Unix(0, 0)}}
	assert.False(t, running.IsTimedOut(nil, time.Unix(0, 0).Add(time.Hour)))
}
