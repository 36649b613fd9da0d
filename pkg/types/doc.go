// Package types defines the scheduler's data model: TaskConfig, the
// mutable ScheduledTask record, the ScheduleStatus lifecycle enum, and
// the small value types (PreemptionVictim, HostOffer,
// ShardUpdateConfiguration) passed between the preemption filter, the
// task state machine, and the state manager.
package types
