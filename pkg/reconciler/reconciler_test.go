package reconciler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/schedcore/pkg/statemgr"
)

func newTestManager(t *testing.T) *statemgr.Manager {
	t.Helper()
	mgr, err := statemgr.NewManager(statemgr.Config{
		NodeID:   "test-node",
		BindAddr: "127.0.0.1:0",
		DataDir:  t.TempDir(),
	})
	require.NoError(t, err)
	require.NoError(t, mgr.Prepare())
	_, err = mgr.Initialize()
	require.NoError(t, err)
	require.NoError(t, mgr.StartManager(func(string) error { return nil }))
	return mgr
}

func TestReconcileRunsWithoutError(t *testing.T) {
	mgr := newTestManager(t)
	r := NewReconciler(mgr)
	require.NoError(t, r.reconcile())
}

func TestStartStop(t *testing.T) {
	mgr := newTestManager(t)
	r := NewReconciler(mgr)
	Interval = 10 * time.Millisecond
	defer func() { Interval = 10 * time.Second }()

	r.Start()
	time.Sleep(30 * time.Millisecond)
	r.Stop()
}
