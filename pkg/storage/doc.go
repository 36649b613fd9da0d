// Package storage defines the StoreProvider contract the state manager
// depends on (TaskStore, SchedulerStore, UpdateStore, AttributeStore,
// plus an immutable Query filter) and two implementations: BoltStore, a
// bbolt-backed reference store whose db.Update transaction doubles as
// the transactional envelope's own transaction, and MemStore, an
// in-memory store used by tests.
package storage
