package txn

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/schedcore/pkg/taskfsm"
)

type memStore struct {
	calls int
}

func (m *memStore) WithTransaction(fn func() error) error {
	m.calls++
	return fn()
}

func noopDrain(taskfsm.WorkCommand) error { return nil }

func TestRunInTransactionAppliesSideEffectsOnlyOnCommit(t *testing.T) {
	store := &memStore{}
	env := NewEnvelope(store)

	err := env.RunInTransaction(func() error {
		env.AdjustCount("web/app", "", "PENDING")
		env.AddHost("t1", "host-a")
		return nil
	}, noopDrain)
	require.NoError(t, err)

	snap := env.State().Snapshot()
	assert.Equal(t, 1, snap.Counters["web/app"]["PENDING"])
	assert.Equal(t, "host-a", snap.TaskHosts["t1"])
}

func TestRunInTransactionDiscardsSideEffectsOnError(t *testing.T) {
	store := &memStore{}
	env := NewEnvelope(store)
	boom := errors.New("boom")

	err := env.RunInTransaction(func() error {
		env.AddHost("t1", "host-a")
		return boom
	}, noopDrain)

	assert.ErrorIs(t, err, boom)
	snap := env.State().Snapshot()
	assert.Empty(t, snap.TaskHosts)
}

func TestRunInTransactionDrainsWorkQueueBeforeCommit(t *testing.T) {
	store := &memStore{}
	env := NewEnvelope(store)

	var drained []taskfsm.WorkCommand
	drain := func(cmd taskfsm.WorkCommand) error {
		drained = append(drained, cmd)
		return nil
	}

	err := env.RunInTransaction(func() error {
		env.Enqueue(taskfsm.Delete{TaskID: "t1"})
		return nil
	}, drain)
	require.NoError(t, err)

	require.Len(t, drained, 1)
	assert.IsType(t, taskfsm.Delete{}, drained[0])
}

func TestEnqueueOutsideTransactionPanics(t *testing.T) {
	env := NewEnvelope(&memStore{})
	assert.Panics(t, func() {
		env.Enqueue(taskfsm.Delete{TaskID: "t1"})
	})
}

func TestReentrantTransactionCollapses(t *testing.T) {
	store := &memStore{}
	env := NewEnvelope(store)

	err := env.RunInTransaction(func() error {
		return env.RunInTransaction(func() error {
			env.AddHost("t1", "host-a")
			return nil
		}, noopDrain)
	}, noopDrain)
	require.NoError(t, err)

	assert.Equal(t, 1, store.calls)
	_, ok := env.State().HostOf("t1")
	assert.True(t, ok)
}

func TestRemoveHostSideEffect(t *testing.T) {
	store := &memStore{}
	env := NewEnvelope(store)

	require.NoError(t, env.RunInTransaction(func() error {
		env.AddHost("t1", "host-a")
		return nil
	}, noopDrain))

	require.NoError(t, env.RunInTransaction(func() error {
		env.RemoveHost("t1")
		return nil
	}, noopDrain))

	_, ok := env.State().HostOf("t1")
	assert.False(t, ok)
}
