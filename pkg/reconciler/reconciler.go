// Package reconciler drives the periodic outstanding-task scan: the
// external loop that calls statemgr.Manager.ScanOutstandingTasks on a
// fixed interval so tasks whose last transition event is older than the
// missing-task grace period are handed to the manager's kill callback.
// The scan itself does not change any task's status.
package reconciler

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/schedcore/pkg/log"
	"github.com/cuemby/schedcore/pkg/metrics"
	"github.com/cuemby/schedcore/pkg/statemgr"
)

// Interval is how often the reconciler scans for outstanding tasks.
var Interval = 10 * time.Second

// Reconciler periodically calls ScanOutstandingTasks against a
// statemgr.Manager.
type Reconciler struct {
	manager *statemgr.Manager
	logger  zerolog.Logger
	mu      sync.Mutex
	stopCh  chan struct{}
}

// NewReconciler builds a Reconciler over mgr.
func NewReconciler(mgr *statemgr.Manager) *Reconciler {
	return &Reconciler{
		manager: mgr,
		logger:  log.WithComponent("reconciler"),
		stopCh:  make(chan struct{}),
	}
}

// Start begins the reconciliation loop in its own goroutine.
func (r *Reconciler) Start() {
	go r.run()
}

// Stop ends the reconciliation loop.
func (r *Reconciler) Stop() {
	close(r.stopCh)
}

func (r *Reconciler) run() {
	ticker := time.NewTicker(Interval)
	defer ticker.Stop()

	r.logger.Info().Msg("reconciler started")

	for {
		select {
		case <-ticker.C:
			if err := r.reconcile(); err != nil {
				r.logger.Error().Err(err).Msg("reconciliation cycle failed")
			}
		case <-r.stopCh:
			r.logger.Info().Msg("reconciler stopped")
			return
		}
	}
}

func (r *Reconciler) reconcile() error {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.ReconciliationDuration)
		metrics.ReconciliationCyclesTotal.Inc()
	}()

	r.mu.Lock()
	defer r.mu.Unlock()

	return r.manager.ScanOutstandingTasks()
}
