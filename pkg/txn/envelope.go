// Package txn implements the transactional storage envelope: a wrapper
// over a pluggable store that serialises mutation, drains a per-
// transaction work queue, and defers in-memory side effects until the
// wrapped transaction commits.
//
// This generalises the teacher's bbolt `db.Update(func(tx *bolt.Tx)
// error {...})` pattern: in the reference storage adapter,
// RunInTransaction's callback runs inside a single bbolt transaction, so
// bbolt's own ACID guarantee *is* the envelope's transaction boundary.
package txn

import (
	"sync"

	"github.com/cuemby/schedcore/pkg/log"
	"github.com/cuemby/schedcore/pkg/metrics"
	"github.com/cuemby/schedcore/pkg/taskfsm"
)

// Store is whatever the envelope wraps: a callback runner that executes
// fn within one backing-store transaction. The bbolt-backed adapter in
// pkg/storage implements this over db.Update; an in-memory test double
// can implement it with a no-op (or mutex-guarded) pass-through.
type Store interface {
	WithTransaction(fn func() error) error
}

// sideEffect is the tagged union of deferred process-state mutations
// queued during a transaction and applied atomically at commit.
type sideEffect interface {
	apply(*ProcessState)
}

type adjustCount struct {
	jobKey string
	from   string
	to     string
}

func (e adjustCount) apply(p *ProcessState) {
	if e.from != "" {
		p.decrementLocked(e.jobKey, e.from)
	}
	if e.to != "" {
		p.incrementLocked(e.jobKey, e.to)
	}
}

type addHost struct {
	taskID string
	host   string
}

func (e addHost) apply(p *ProcessState) {
	p.taskHosts[e.taskID] = e.host
}

type removeHost struct {
	taskID string
}

func (e removeHost) apply(p *ProcessState) {
	delete(p.taskHosts, e.taskID)
}

// ProcessState is the process-wide mutable state the envelope owns:
// per-job/per-status population counters and the task id -> host
// assignment map. It is mutated only by side effects applied at commit
// time and is otherwise exposed to readers only via Snapshot.
type ProcessState struct {
	mu        sync.RWMutex
	counters  map[string]map[string]int // jobKey -> status -> count
	taskHosts map[string]string          // taskID -> hostname
}

// NewProcessState returns an empty ProcessState.
func NewProcessState() *ProcessState {
	return &ProcessState{
		counters:  make(map[string]map[string]int),
		taskHosts: make(map[string]string),
	}
}

func (p *ProcessState) incrementLocked(jobKey, status string) {
	if p.counters[jobKey] == nil {
		p.counters[jobKey] = make(map[string]int)
	}
	p.counters[jobKey][status]++
}

func (p *ProcessState) decrementLocked(jobKey, status string) {
	if p.counters[jobKey] == nil {
		return
	}
	if p.counters[jobKey][status] > 0 {
		p.counters[jobKey][status]--
	}
}

// Snapshot is an immutable copy of ProcessState for readers.
type Snapshot struct {
	Counters  map[string]map[string]int
	TaskHosts map[string]string
}

// Snapshot returns a deep copy of the current process state.
func (p *ProcessState) Snapshot() Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()

	counters := make(map[string]map[string]int, len(p.counters))
	for job, byStatus := range p.counters {
		inner := make(map[string]int, len(byStatus))
		for status, n := range byStatus {
			inner[status] = n
		}
		counters[job] = inner
	}

	hosts := make(map[string]string, len(p.taskHosts))
	for id, host := range p.taskHosts {
		hosts[id] = host
	}

	return Snapshot{Counters: counters, TaskHosts: hosts}
}

// HostOf returns the hostname a task is currently assigned to, and
// whether an assignment exists.
func (p *ProcessState) HostOf(taskID string) (string, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	host, ok := p.taskHosts[taskID]
	return host, ok
}

// Envelope is the transactional storage envelope. Construct one per
// state manager instance, wrapping its backing Store.
type Envelope struct {
	store Store
	state *ProcessState

	mu          sync.Mutex
	inTxn       bool
	workQueue   []taskfsm.WorkCommand
	sideEffects []sideEffect
}

// NewEnvelope wraps store with an empty ProcessState.
func NewEnvelope(store Store) *Envelope {
	return &Envelope{store: store, state: NewProcessState()}
}

// State returns the envelope's owned ProcessState.
func (e *Envelope) State() *ProcessState {
	return e.state
}

// Enqueue implements taskfsm.WorkSink: transitions call this to queue a
// work command for draining before the enclosing transaction commits.
// Enqueue is only meaningful while a transaction is open; it panics
// otherwise, since work commands must never outlive their transaction.
func (e *Envelope) Enqueue(cmd taskfsm.WorkCommand) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.inTxn {
		panic("txn: Enqueue called outside a transaction")
	}
	e.workQueue = append(e.workQueue, cmd)
	metrics.WorkQueueLength.Set(float64(len(e.workQueue)))
}

// enqueueSideEffect records a deferred process-state mutation. It is
// reached through AdjustCount, AddHost and RemoveHost, which pkg/statemgr
// calls from its operation bodies and its work-command drain handlers.
func (e *Envelope) enqueueSideEffect(eff sideEffect) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sideEffects = append(e.sideEffects, eff)
}

// AdjustCount queues a counter move for jobKey from `from` to `to`;
// either may be empty to mean "no prior slot" / "no new slot".
func (e *Envelope) AdjustCount(jobKey, from, to string) {
	e.enqueueSideEffect(adjustCount{jobKey: jobKey, from: from, to: to})
}

// AddHost queues a taskHosts[taskID] = host assignment.
func (e *Envelope) AddHost(taskID, host string) {
	e.enqueueSideEffect(addHost{taskID: taskID, host: host})
}

// RemoveHost queues removal of taskHosts[taskID].
func (e *Envelope) RemoveHost(taskID string) {
	e.enqueueSideEffect(removeHost{taskID: taskID})
}

// drain hands back the queued work commands and empties the queue.
// RunInTransaction calls it after the operation body and before commit,
// repeatedly until it returns nothing: processing a work command may
// enqueue further side effects (via AdjustCount / AddHost / RemoveHost)
// and further work commands (RESCHEDULE inserts a successor, whose
// INIT -> PENDING transition enqueues UpdateState), so the queue is only
// guaranteed empty once that loop ends.
func (e *Envelope) drain() []taskfsm.WorkCommand {
	e.mu.Lock()
	defer e.mu.Unlock()
	queue := e.workQueue
	e.workQueue = nil
	metrics.WorkQueueLength.Set(0)
	return queue
}

// RunInTransaction is the envelope's sole entry point. fn receives
// nothing and returns an error; it is expected to call back into the
// state manager's storage-bound operation body, which itself calls
// Enqueue (via task state machines) and the Adjust*/Add*/Remove* side-
// effect helpers.
//
// Re-entrant calls collapse: if a transaction is already open on this
// envelope (the check is envelope-wide, not per goroutine), fn runs
// directly, sharing the enclosing transaction, and only the outermost
// call drains the work queue and applies side effects.
//
// drainFn is supplied by pkg/statemgr: it knows how to interpret each
// taskfsm.WorkCommand (RESCHEDULE, KILL, UPDATE, ROLLBACK, DELETE,
// INCREMENT_FAILURES) against the store and the envelope's own
// Adjust*/Add*/Remove* helpers. The envelope deliberately has no
// knowledge of work-command semantics; it only guarantees drain-before-
// commit ordering.
func (e *Envelope) RunInTransaction(fn func() error, drainFn func(taskfsm.WorkCommand) error) error {
	e.mu.Lock()
	if e.inTxn {
		// Re-entrant: run directly, sharing the enclosing transaction.
		e.mu.Unlock()
		return fn()
	}
	e.inTxn = true
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.inTxn = false
		e.workQueue = nil
		e.sideEffects = nil
		e.mu.Unlock()
	}()

	err := e.store.WithTransaction(func() error {
		if err := fn(); err != nil {
			return err
		}

		// Drain until the queue settles: a drain handler may enqueue a
		// follow-on command (e.g. RESCHEDULE driving a fresh Insert).
		for {
			queue := e.drain()
			if len(queue) == 0 {
				break
			}
			for _, cmd := range queue {
				if err := drainFn(cmd); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		log.Logger.Debug().Err(err).Msg("txn: transaction aborted, discarding side effects")
		return err
	}

	e.mu.Lock()
	effects := e.sideEffects
	e.sideEffects = nil
	e.mu.Unlock()

	e.state.mu.Lock()
	for _, eff := range effects {
		eff.apply(e.state)
	}
	e.state.mu.Unlock()

	return nil
}
