package storage

import (
	"sync"

	"github.com/cuemby/schedcore/pkg/types"
)

// MemStore is an in-memory Store used by pkg/storage's tests. It holds
// the single-writer discipline with a plain mutex, matching the
// BoltStore's WithTransaction contract without touching disk.
type MemStore struct {
	mu         sync.Mutex
	tasks      map[string]*types.ScheduledTask
	frameworkID string
	haveFramework bool
	updates    map[string]*types.ShardUpdateConfiguration
	attributes map[string]map[string]string
}

// NewMemStore returns an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		tasks:      make(map[string]*types.ScheduledTask),
		updates:    make(map[string]*types.ShardUpdateConfiguration),
		attributes: make(map[string]map[string]string),
	}
}

// WithTransaction holds the store's mutex for the duration of fn,
// matching BoltStore's single-writer serialisation.
func (s *MemStore) WithTransaction(fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn()
}

func (s *MemStore) Close() error { return nil }

// FetchTasks returns copies of every matching row: callers (and the
// task state machine, which mutates its Task argument in place) must
// never be able to observe a row before it is actually persisted via
// SaveTasks/MutateTasks, matching BoltStore's decode-a-fresh-copy
// behavior.
func (s *MemStore) FetchTasks(q Query) ([]*types.ScheduledTask, error) {
	var out []*types.ScheduledTask
	for _, t := range s.tasks {
		if q.Matches(t) {
			out = append(out, t.Clone())
		}
	}
	return out, nil
}

func (s *MemStore) FetchTaskIDs(q Query) ([]string, error) {
	tasks, _ := s.FetchTasks(q)
	ids := make([]string, len(tasks))
	for i, t := range tasks {
		ids[i] = t.TaskID
	}
	return ids, nil
}

// SaveTasks stores a copy of each task, decoupling the map's row from
// whatever the caller's pointer goes on to do next — mirroring
// BoltStore's encode-to-bytes decoupling.
func (s *MemStore) SaveTasks(tasks []*types.ScheduledTask) error {
	for _, t := range tasks {
		s.tasks[t.TaskID] = t.Clone()
	}
	return nil
}

// MutateTasks mutates a private copy of each matching row and writes
// the copy back, so mutator never observes (or corrupts) a row any
// other in-flight reference holds.
func (s *MemStore) MutateTasks(q Query, mutator func(*types.ScheduledTask)) (int, error) {
	count := 0
	for id, t := range s.tasks {
		if !q.Matches(t) {
			continue
		}
		clone := t.Clone()
		mutator(clone)
		s.tasks[id] = clone
		count++
	}
	return count, nil
}

func (s *MemStore) RemoveTasks(ids []string) error {
	for _, id := range ids {
		delete(s.tasks, id)
	}
	return nil
}

func (s *MemStore) FetchFrameworkID() (string, bool, error) {
	return s.frameworkID, s.haveFramework, nil
}

func (s *MemStore) SaveFrameworkID(id string) error {
	s.frameworkID = id
	s.haveFramework = true
	return nil
}

func (s *MemStore) FetchShardUpdateConfig(role, job string, shard int) (*types.ShardUpdateConfiguration, bool, error) {
	cfg, ok := s.updates[updateMemKey(role, job, shard)]
	return cfg, ok, nil
}

func (s *MemStore) FetchShardUpdateConfigs(role, job string, shards []int) ([]*types.ShardUpdateConfiguration, error) {
	want := map[int]bool{}
	for _, sh := range shards {
		want[sh] = true
	}
	var out []*types.ShardUpdateConfiguration
	prefix := updatePrefix(role, job)
	for k, cfg := range s.updates {
		if !hasPrefix([]byte(k), prefix) {
			continue
		}
		if len(want) > 0 && !want[cfg.ShardID] {
			continue
		}
		out = append(out, cfg)
	}
	return out, nil
}

func (s *MemStore) SaveShardUpdateConfigs(role, job, token string, configs []*types.ShardUpdateConfiguration) error {
	for _, cfg := range configs {
		cfg.Token = token
		s.updates[updateMemKey(role, job, cfg.ShardID)] = cfg
	}
	return nil
}

func (s *MemStore) RemoveShardUpdateConfigs(role, job string) error {
	prefix := updatePrefix(role, job)
	for k := range s.updates {
		if hasPrefix([]byte(k), prefix) {
			delete(s.updates, k)
		}
	}
	return nil
}

func (s *MemStore) GetHostAttributes(host string) (map[string]string, bool, error) {
	attrs, ok := s.attributes[host]
	return attrs, ok, nil
}

// SetHostAttributes seeds attributes for host, used by tests.
func (s *MemStore) SetHostAttributes(host string, attrs map[string]string) {
	s.attributes[host] = attrs
}

func updateMemKey(role, job string, shard int) string {
	return string(updateKey(role, job, shard))
}
