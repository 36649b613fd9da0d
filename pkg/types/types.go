// Package types defines the data model shared by every component of the
// scheduler core: task configuration, the mutable scheduled-task record,
// the schedule-status enum, and the small value types the preemption
// filter and state manager pass between each other.
package types

import (
	"fmt"
	"time"

	"github.com/cuemby/schedcore/pkg/resource"
)

// JobKey is the canonical role/name identifier for a job. Shards of the
// same job share a JobKey; task ids additionally carry a shard index.
type JobKey struct {
	Role string
	Name string
}

// String renders the canonical "role/name" form used in logs and ids.
func (k JobKey) String() string {
	return fmt.Sprintf("%s/%s", k.Role, k.Name)
}

// Command is an optional structured command a task executes. The core
// treats it as an opaque payload; executor launch semantics are handled
// entirely outside this module.
type Command struct {
	Argv []string
	Env  map[string]string
}

// TaskConfig is an immutable description of a workload unit: the unit
// the State Manager turns into one or more ScheduledTask rows.
type TaskConfig struct {
	Role       string
	JobName    string
	ShardID    int
	Resources  resource.Bag
	Priority   int
	Tier       string
	Command    *Command
	Production bool
}

// JobKey derives the canonical role/name key for this config.
func (c TaskConfig) JobKey() JobKey {
	return JobKey{Role: c.Role, Name: c.JobName}
}

// ScheduleStatus is the finite set of states a ScheduledTask moves
// through. INIT is the pre-persistence state; UNKNOWN marks a task id
// that does not (or no longer) exists.
type ScheduleStatus string

const (
	INIT        ScheduleStatus = "INIT"
	PENDING     ScheduleStatus = "PENDING"
	ASSIGNED    ScheduleStatus = "ASSIGNED"
	STARTING    ScheduleStatus = "STARTING"
	RUNNING     ScheduleStatus = "RUNNING"
	FAILED      ScheduleStatus = "FAILED"
	FINISHED    ScheduleStatus = "FINISHED"
	PREEMPTING  ScheduleStatus = "PREEMPTING"
	RESTARTING  ScheduleStatus = "RESTARTING"
	KILLING     ScheduleStatus = "KILLING"
	KILLED      ScheduleStatus = "KILLED"
	LOST        ScheduleStatus = "LOST"
	UNKNOWN     ScheduleStatus = "UNKNOWN"
)

// terminalStatuses absorb further status callbacks idempotently: once a
// task reaches one of these, further transitions are no-ops rather than
// errors.
var terminalStatuses = map[ScheduleStatus]bool{
	FINISHED: true,
	KILLED:   true,
	LOST:     true,
}

// IsTerminal reports whether s is a terminal schedule status.
func (s ScheduleStatus) IsTerminal() bool {
	return terminalStatuses[s]
}

// assignedLiveStatuses is the set of statuses for which a task holds an
// entry in the process-wide taskHosts map (ASSIGNED..KILLING inclusive).
var assignedLiveStatuses = map[ScheduleStatus]bool{
	ASSIGNED:   true,
	STARTING:   true,
	RUNNING:    true,
	PREEMPTING: true,
	RESTARTING: true,
	KILLING:    true,
}

// IsAssignedLive reports whether a task in status s should have an entry
// in the taskHosts map.
func (s ScheduleStatus) IsAssignedLive() bool {
	return assignedLiveStatuses[s]
}

// timeoutEligible is the set of statuses scanOutstandingTasks considers
// for the missing-task grace-period timeout rule (see pkg/taskfsm).
var timeoutEligible = map[ScheduleStatus]bool{
	ASSIGNED:   true,
	STARTING:   true,
	PREEMPTING: true,
	RESTARTING: true,
	KILLING:    true,
}

// IsTimeoutEligible reports whether s is one of the statuses subject to
// the missing-task grace period.
func (s ScheduleStatus) IsTimeoutEligible() bool {
	return timeoutEligible[s]
}

// TransitionEvent records one historical status transition of a task.
type TransitionEvent struct {
	Timestamp time.Time
	Status    ScheduleStatus
	Message   string
}

// Assignment records where a task landed once scheduled.
type Assignment struct {
	SlaveID   string
	SlaveHost string
	Ports     map[string]int
}

// ScheduledTask is the mutable record the State Manager persists: a
// TaskConfig plus identity and runtime metadata.
type ScheduledTask struct {
	TaskID       string
	AncestorID   string
	Config       TaskConfig
	Status       ScheduleStatus
	Events       []TransitionEvent
	FailureCount int
	Assignment   *Assignment
}

// JobKey derives the canonical role/name key for the wrapped config.
func (t *ScheduledTask) JobKey() JobKey {
	return t.Config.JobKey()
}

// LastEvent returns the most recent transition event, or the zero value
// if the task has no recorded history.
func (t *ScheduledTask) LastEvent() (TransitionEvent, bool) {
	if len(t.Events) == 0 {
		return TransitionEvent{}, false
	}
	return t.Events[len(t.Events)-1], true
}

// Clone returns a deep-enough copy of t: the events slice, assignment
// and resource bag are copied so mutating the clone never touches the
// original row. Used by the RESCHEDULE work command to produce the
// successor task.
func (t *ScheduledTask) Clone() *ScheduledTask {
	clone := *t
	clone.Events = append([]TransitionEvent(nil), t.Events...)
	clone.Config.Resources = t.Config.Resources.Clone()
	if t.Assignment != nil {
		a := *t.Assignment
		a.Ports = make(map[string]int, len(t.Assignment.Ports))
		for k, v := range t.Assignment.Ports {
			a.Ports[k] = v
		}
		clone.Assignment = &a
	}
	return &clone
}

// PreemptionVictim is the projection of a ScheduledTask the preemption
// filter needs: just enough to rank and evict, nothing more.
type PreemptionVictim struct {
	TaskID       string
	Config       TaskConfig
	Role         string
	Resources    resource.Bag
	SlaveHost    string
}

// HostOffer is the free resource slack on a host before any preemption.
type HostOffer struct {
	Hostname  string
	SlaveID   string
	Resources resource.Bag
}

// ShardUpdateConfiguration pairs a shard's old and new TaskConfig under
// a job-wide update token. Either side may be nil: nil OldConfig means
// the shard is being added; nil NewConfig means the shard is being
// removed by the update.
type ShardUpdateConfiguration struct {
	ShardID   int
	Token     string
	OldConfig *TaskConfig
	NewConfig *TaskConfig
}

// UpdateResult is the outcome reported to finishUpdate.
type UpdateResult string

const (
	UpdateSuccess UpdateResult = "SUCCESS"
	UpdateFailed  UpdateResult = "FAILED"
)
