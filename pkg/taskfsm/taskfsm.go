// Package taskfsm implements the per-task finite state machine that
// enforces legal ScheduleStatus transitions and emits work commands as
// side effects. The machine never touches storage directly: it mutates
// its own in-memory ScheduledTask copy and hands tagged WorkCommand
// values to a WorkSink, which the transactional envelope (pkg/txn)
// drains before the enclosing transaction commits.
package taskfsm

import (
	"errors"
	"time"

	"github.com/cuemby/schedcore/pkg/log"
	"github.com/cuemby/schedcore/pkg/types"
)

// ErrIllegalTransition is returned when a status callback names an edge
// not present in the legal transition table. The row is left untouched.
var ErrIllegalTransition = errors.New("taskfsm: illegal transition")

// MaxFailures bounds how many times a task may fail before the state
// machine stops rescheduling it and leaves it FAILED terminally. It is a
// package variable so deployments can tune the retry budget.
var MaxFailures = 10

// legalTransitions is the authoritative adjacency of the task lifecycle.
// A from/to pair absent here is illegal regardless of trigger.
var legalTransitions = map[types.ScheduleStatus]map[types.ScheduleStatus]bool{
	types.INIT: {
		types.PENDING: true,
	},
	types.PENDING: {
		types.ASSIGNED: true,
		types.KILLING:  true,
		types.UNKNOWN:  true,
	},
	types.ASSIGNED: {
		types.STARTING: true,
		types.RUNNING:  true,
		types.LOST:     true,
		types.KILLING:  true,
		types.UNKNOWN:  true,
	},
	types.STARTING: {
		types.RUNNING: true,
		types.FAILED:  true,
		types.LOST:    true,
		types.KILLING: true,
		types.UNKNOWN: true,
	},
	types.RUNNING: {
		types.FAILED:     true,
		types.FINISHED:   true,
		types.LOST:       true,
		types.KILLING:    true,
		types.PREEMPTING: true,
		types.RESTARTING: true,
		types.UNKNOWN:    true,
	},
	types.PREEMPTING: {
		types.KILLING: true,
		types.LOST:    true,
		types.UNKNOWN: true,
	},
	types.RESTARTING: {
		types.RUNNING: true,
		types.LOST:    true,
		types.KILLING: true,
		types.UNKNOWN: true,
	},
	types.KILLING: {
		types.KILLED: true,
		types.LOST:   true,
		types.UNKNOWN: true,
	},
	types.FAILED:   {types.UNKNOWN: true},
	types.FINISHED: {types.UNKNOWN: true},
	types.KILLED:   {types.UNKNOWN: true},
	types.LOST:     {types.UNKNOWN: true},
}

// WorkCommand is the tagged union of deferred actions a transition may
// emit. Concrete variants are UpdateState, Reschedule, Kill, Update,
// Rollback, Delete and IncrementFailures.
type WorkCommand interface {
	workCommand()
}

// UpdateState persists the new status and runs Mutator (if non-nil)
// against the stored row in the same transaction.
type UpdateState struct {
	TaskID    string
	NewStatus types.ScheduleStatus
	Message   string
	Mutator   func(*types.ScheduledTask)
}

// Reschedule clones the task, strips its assignment, mints a new task
// id, links AncestorID to the original, and transitions the clone to
// PENDING.
type Reschedule struct {
	Original *types.ScheduledTask
}

// Kill invokes the externally supplied kill callback for TaskID.
type Kill struct {
	TaskID string
}

// Update consults the update store for the shard's new config and
// reschedules the task under it.
type Update struct {
	TaskID string
}

// Rollback consults the update store for the shard's old config and
// reschedules the task under it.
type Rollback struct {
	TaskID string
}

// Delete removes the row for TaskID and clears its taskHosts entry.
type Delete struct {
	TaskID string
}

// IncrementFailures bumps the task's failure counter.
type IncrementFailures struct {
	TaskID string
}

func (UpdateState) workCommand()       {}
func (Reschedule) workCommand()        {}
func (Kill) workCommand()              {}
func (Update) workCommand()            {}
func (Rollback) workCommand()          {}
func (Delete) workCommand()            {}
func (IncrementFailures) workCommand() {}

// WorkSink accepts work commands emitted by a transition. The
// transactional envelope is the canonical implementation.
type WorkSink interface {
	Enqueue(cmd WorkCommand)
}

// Machine is the per-task state machine. Construct one per row, at the
// row's persisted status, before driving any transitions.
type Machine struct {
	TaskID           string
	JobKey           types.JobKey
	Task             *types.ScheduledTask
	UpdateInProgress func(types.JobKey) bool
	Sink             WorkSink
	Clock            func() time.Time
}

// Status returns the machine's current status.
func (m *Machine) Status() types.ScheduleStatus {
	if m.Task == nil {
		return types.INIT
	}
	return m.Task.Status
}

func (m *Machine) now() time.Time {
	if m.Clock != nil {
		return m.Clock()
	}
	return time.Now()
}

// transition appends a history event, sets the new status on m.Task,
// and enqueues UpdateState. Callers must have already validated the
// edge is legal.
func (m *Machine) transition(to types.ScheduleStatus, message string, mutator func(*types.ScheduledTask)) {
	m.Task.Status = to
	m.Task.Events = append(m.Task.Events, types.TransitionEvent{
		Timestamp: m.now(),
		Status:    to,
		Message:   message,
	})
	if mutator != nil {
		mutator(m.Task)
	}
	m.Sink.Enqueue(UpdateState{TaskID: m.TaskID, NewStatus: to, Message: message, Mutator: mutator})
}

// legal reports whether from->to is a legal edge.
func legal(from, to types.ScheduleStatus) bool {
	edges, ok := legalTransitions[from]
	if !ok {
		return false
	}
	return edges[to]
}

// StatusUpdate drives a generic status callback (STARTING, RUNNING,
// FINISHED and the common case of any->UNKNOWN). Terminal statuses
// absorb further callbacks idempotently, per §4.3. FAILED, LOST and
// KILLING have dedicated methods because they emit extra work commands;
// routing them through StatusUpdate is also legal and idempotent.
func (m *Machine) StatusUpdate(to types.ScheduleStatus, message string) error {
	from := m.Status()

	if from.IsTerminal() {
		return nil
	}
	if from == to {
		return nil
	}

	switch to {
	case types.FAILED:
		return m.Fail(message)
	case types.LOST:
		return m.Lose(message)
	case types.KILLING:
		return m.Kill(message)
	case types.UNKNOWN:
		return m.Abandon(message)
	}

	if !legal(from, to) {
		log.Logger.Warn().Str("task_id", m.TaskID).Str("from", string(from)).Str("to", string(to)).Msg("taskfsm: illegal transition rejected")
		return ErrIllegalTransition
	}

	m.transition(to, message, nil)
	return nil
}

// Insert drives INIT -> PENDING. Called once, immediately after a task
// row is first persisted.
func (m *Machine) Insert() error {
	from := m.Status()
	if !legal(from, types.PENDING) {
		return ErrIllegalTransition
	}
	m.transition(types.PENDING, "inserted", nil)
	return nil
}

// AssignTask drives PENDING -> ASSIGNED, expanding ports into the
// command template and stamping host/slave id via mutate.
func (m *Machine) AssignTask(slaveHost, slaveID string, ports map[string]int) error {
	from := m.Status()
	if !legal(from, types.ASSIGNED) {
		return ErrIllegalTransition
	}
	m.transition(types.ASSIGNED, "assigned", func(t *types.ScheduledTask) {
		t.Assignment = &types.Assignment{SlaveHost: slaveHost, SlaveID: slaveID, Ports: ports}
	})
	return nil
}

// Fail drives RUNNING/STARTING -> FAILED. It always emits
// IncrementFailures first; when the incremented failure count is within
// MaxFailures it then emits Reschedule, and UpdateState comes last —
// matching the table's emission order for this edge. Exceeding the
// budget still records FAILED but does not reschedule.
func (m *Machine) Fail(message string) error {
	from := m.Status()
	if !legal(from, types.FAILED) {
		return ErrIllegalTransition
	}

	m.Sink.Enqueue(IncrementFailures{TaskID: m.TaskID})
	m.Task.FailureCount++

	shouldReschedule := m.Task.FailureCount <= MaxFailures
	if shouldReschedule {
		original := m.Task.Clone()
		m.Sink.Enqueue(Reschedule{Original: original})
	}

	m.transition(types.FAILED, message, nil)
	return nil
}

// Lose drives RUNNING/ASSIGNED/STARTING/PREEMPTING/RESTARTING/KILLING
// -> LOST, emitting Reschedule before UpdateState.
func (m *Machine) Lose(message string) error {
	from := m.Status()
	if !legal(from, types.LOST) {
		return ErrIllegalTransition
	}

	original := m.Task.Clone()
	m.Sink.Enqueue(Reschedule{Original: original})
	m.transition(types.LOST, message, nil)
	return nil
}

// Kill drives any live status -> KILLING, emitting Kill before
// UpdateState.
func (m *Machine) Kill(message string) error {
	from := m.Status()
	if !legal(from, types.KILLING) {
		return ErrIllegalTransition
	}

	m.Sink.Enqueue(Kill{TaskID: m.TaskID})
	m.transition(types.KILLING, message, nil)
	return nil
}

// Abandon drives any status -> UNKNOWN, emitting Delete. Per §4.5's
// abandonTasks ordering requirement, the caller must drain the work
// queue (which applies Delete) before removing the row from storage.
func (m *Machine) Abandon(message string) error {
	from := m.Status()
	if from == types.UNKNOWN {
		return nil
	}
	if !legal(from, types.UNKNOWN) {
		return ErrIllegalTransition
	}

	m.Sink.Enqueue(Delete{TaskID: m.TaskID})
	m.transition(types.UNKNOWN, message, nil)
	return nil
}

// UpdateTick drives a rolling-update step on a RUNNING task, emitting
// Update (new config) or Rollback (old config) before UpdateState. It
// is a no-op unless UpdateInProgress reports an active update for the
// task's job key.
func (m *Machine) UpdateTick(rollback bool) error {
	if m.UpdateInProgress == nil || !m.UpdateInProgress(m.JobKey) {
		return nil
	}
	if m.Status() != types.RUNNING {
		return nil
	}

	if rollback {
		m.Sink.Enqueue(Rollback{TaskID: m.TaskID})
	} else {
		m.Sink.Enqueue(Update{TaskID: m.TaskID})
	}
	m.transition(types.RESTARTING, "update tick", nil)
	return nil
}

// TimeoutFunc decides whether a task's event history means it should be
// considered lost under the missing-task grace period.
type TimeoutFunc func(events []types.TransitionEvent, now time.Time) bool

// GracePeriod is the default missing-task grace period consulted by
// DefaultTimeout.
var GracePeriod = 10 * time.Minute

// DefaultTimeout reports a task as timed out when its last event is
// older than GracePeriod.
func DefaultTimeout(events []types.TransitionEvent, now time.Time) bool {
	if len(events) == 0 {
		return false
	}
	last := events[len(events)-1]
	return now.Sub(last.Timestamp) > GracePeriod
}

// IsTimedOut applies fn (DefaultTimeout when nil) to m.Task, but only
// for statuses the §4.3 timeout rule covers (ASSIGNED, STARTING,
// PREEMPTING, RESTARTING, KILLING).
func (m *Machine) IsTimedOut(fn TimeoutFunc, now time.Time) bool {
	if !m.Status().IsTimeoutEligible() {
		return false
	}
	if fn == nil {
		fn = DefaultTimeout
	}
	return fn(m.Task.Events, now)
}
