/*
Package statemgr implements the State Manager: the single authority for
mutating task records. It owns a small lifecycle state machine over
itself, composes the per-task state machine (pkg/taskfsm) with the
transactional storage envelope (pkg/txn), and commits every mutation
through a single-node Raft log before it touches the backing store.

# Architecture

	┌─────────────────────────── MANAGER ────────────────────────────┐
	│                                                                  │
	│   InsertTasks / AssignTask / ChangeState / RegisterUpdate /     │
	│   FinishUpdate / AbandonTasks                                   │
	│              │ marshal to Command{Op, Data}                     │
	│              ▼                                                  │
	│   ┌────────────────── raft.Raft.Apply ───────────────────┐      │
	│   │  single-node log; committed entries are delivered to │      │
	│   │  schedulerFSM.Apply in log order                      │      │
	│   └──────────────────────┬─────────────────────────────--┘      │
	│                          ▼                                      │
	│   ┌───────────────── Manager.apply* ─────────────────────┐      │
	│   │  runs the real operation body inside                 │      │
	│   │  txn.Envelope.RunInTransaction:                       │      │
	│   │    - drives one taskfsm.Machine per affected row      │      │
	│   │    - drains emitted WorkCommands (RESCHEDULE, KILL,   │      │
	│   │      UPDATE, ROLLBACK, DELETE, INCREMENT_FAILURES)    │      │
	│   │    - queues AdjustCount/AddHost/RemoveHost side       │      │
	│   │      effects, applied only after the wrapped          │      │
	│   │      storage.Store transaction commits                │      │
	│   └──────────────────────┬─────────────────────────────--┘      │
	│                          ▼                                      │
	│                  storage.Store (BoltStore / MemStore)           │
	└──────────────────────────────────────────────────────────────--─┘

# Lifecycle

A Manager moves through four states in order: CREATED (constructed,
store open), INITIALIZED (raft bootstrapped and led by this node,
persisted framework id read; persisted task rows are not loaded into the
envelope's counters or task-host view), STARTED (kill callback registered, operations enabled), STOPPED. Calling
an operation out of order is a programmer error and panics rather than
returning an error — see assertState/assertAtLeast.

# Scope

This package deliberately bootstraps only a single-node raft cluster:
the spec's concurrency model is a single active State Manager per
cluster (see pkg/txn's single-writer discipline), not a replicated
quorum of schedulers. Multi-node membership, leader forwarding and an
admin RPC surface are not implemented anywhere in this module;
cmd/schedulerd only boots one Manager.

# See Also

  - pkg/taskfsm for the per-task transition table and work commands
  - pkg/txn for the transactional envelope and its side-effect model
  - pkg/storage for the backing store contract
  - pkg/reconciler for the periodic caller of ScanOutstandingTasks
*/
package statemgr
