package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/schedcore/pkg/types"
)

var (
	bucketTasks       = []byte("tasks")
	bucketScheduler   = []byte("scheduler")
	bucketUpdates     = []byte("updates")
	bucketAttributes  = []byte("attributes")
)

const frameworkIDKey = "framework_id"

// BoltStore is the reference Store implementation, backed by a single
// bbolt database file. Every public method that mutates state opens its
// own db.Update; WithTransaction additionally exposes a single db.Update
// call spanning an entire state-manager operation, so pkg/txn.Envelope
// can make the envelope's transaction boundary and bbolt's own ACID
// transaction boundary the same thing.
type BoltStore struct {
	db        *bolt.DB
	currentTx txHolder
}

// NewBoltStore opens (creating if necessary) a bbolt database under
// dataDir and ensures the scheduler's buckets exist.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "schedcore.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("storage: open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketTasks, bucketScheduler, bucketUpdates, bucketAttributes} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("storage: create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the underlying database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// WithTransaction runs fn inside a single bbolt read-write transaction.
// This is what makes bbolt's ACID transaction the envelope's own
// transaction in the reference deployment: every TaskStore/UpdateStore/
// SchedulerStore call made from within fn reuses this same db.Update by
// virtue of running on the same goroutine inside bbolt's writer lock
// (bbolt serialises writers, so nested db.Update calls from the same
// logical operation are avoided entirely — callers issue their mutations
// directly against helper methods below that accept the open tx).
func (s *BoltStore) WithTransaction(fn func() error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		prev := s.currentTx.Swap(tx)
		defer s.currentTx.Swap(prev)
		return fn()
	})
}

// txHolder threads the open bbolt transaction from WithTransaction down
// to the TaskStore/UpdateStore/SchedulerStore methods below without
// requiring every call site in pkg/statemgr to pass a *bolt.Tx
// explicitly. tx is only ever non-nil while a WithTransaction call for
// this store is on the stack; since the single-writer discipline
// (pkg/statemgr's mutex) guarantees at most one WithTransaction call is
// active per store at a time, no further synchronisation is needed here.
type txHolder struct {
	tx *bolt.Tx
}

func (h *txHolder) Swap(tx *bolt.Tx) *bolt.Tx {
	prev := h.tx
	h.tx = tx
	return prev
}

func (s *BoltStore) view(fn func(*bolt.Tx) error) error {
	if s.currentTx.tx != nil {
		return fn(s.currentTx.tx)
	}
	return s.db.View(fn)
}

func (s *BoltStore) update(fn func(*bolt.Tx) error) error {
	if s.currentTx.tx != nil {
		return fn(s.currentTx.tx)
	}
	return s.db.Update(fn)
}

// FetchTasks returns every task matching q.
func (s *BoltStore) FetchTasks(q Query) ([]*types.ScheduledTask, error) {
	var out []*types.ScheduledTask
	err := s.view(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketTasks).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var task types.ScheduledTask
			if err := json.Unmarshal(v, &task); err != nil {
				return fmt.Errorf("storage: decode task %s: %w", k, err)
			}
			if q.Matches(&task) {
				out = append(out, &task)
			}
		}
		return nil
	})
	return out, err
}

// FetchTaskIDs returns the ids of every task matching q.
func (s *BoltStore) FetchTaskIDs(q Query) ([]string, error) {
	tasks, err := s.FetchTasks(q)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(tasks))
	for i, t := range tasks {
		ids[i] = t.TaskID
	}
	return ids, nil
}

// SaveTasks upserts every task by id.
func (s *BoltStore) SaveTasks(tasks []*types.ScheduledTask) error {
	return s.update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		for _, task := range tasks {
			data, err := json.Marshal(task)
			if err != nil {
				return fmt.Errorf("storage: encode task %s: %w", task.TaskID, err)
			}
			if err := b.Put([]byte(task.TaskID), data); err != nil {
				return err
			}
		}
		return nil
	})
}

// MutateTasks applies mutator to every task matching q and persists the
// result, returning the count of rows touched.
func (s *BoltStore) MutateTasks(q Query, mutator func(*types.ScheduledTask)) (int, error) {
	count := 0
	err := s.update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var task types.ScheduledTask
			if err := json.Unmarshal(v, &task); err != nil {
				return fmt.Errorf("storage: decode task %s: %w", k, err)
			}
			if !q.Matches(&task) {
				continue
			}
			mutator(&task)
			data, err := json.Marshal(&task)
			if err != nil {
				return fmt.Errorf("storage: encode task %s: %w", task.TaskID, err)
			}
			if err := b.Put([]byte(task.TaskID), data); err != nil {
				return err
			}
			count++
		}
		return nil
	})
	return count, err
}

// RemoveTasks deletes the named task rows.
func (s *BoltStore) RemoveTasks(ids []string) error {
	return s.update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		for _, id := range ids {
			if err := b.Delete([]byte(id)); err != nil {
				return err
			}
		}
		return nil
	})
}

// FetchFrameworkID returns the persisted framework id, if any.
func (s *BoltStore) FetchFrameworkID() (string, bool, error) {
	var id string
	var found bool
	err := s.view(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketScheduler).Get([]byte(frameworkIDKey))
		if v == nil {
			return nil
		}
		found = true
		id = string(v)
		return nil
	})
	return id, found, err
}

// SaveFrameworkID persists the framework id.
func (s *BoltStore) SaveFrameworkID(id string) error {
	return s.update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketScheduler).Put([]byte(frameworkIDKey), []byte(id))
	})
}

func updateKey(role, job string, shard int) []byte {
	return []byte(fmt.Sprintf("%s/%s/%d", role, job, shard))
}

func updatePrefix(role, job string) []byte {
	return []byte(fmt.Sprintf("%s/%s/", role, job))
}

// FetchShardUpdateConfig returns the update row for one shard, if any.
func (s *BoltStore) FetchShardUpdateConfig(role, job string, shard int) (*types.ShardUpdateConfiguration, bool, error) {
	var cfg types.ShardUpdateConfiguration
	var found bool
	err := s.view(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketUpdates).Get(updateKey(role, job, shard))
		if v == nil {
			return nil
		}
		found = true
		return json.Unmarshal(v, &cfg)
	})
	if !found {
		return nil, false, err
	}
	return &cfg, true, err
}

// FetchShardUpdateConfigs returns every update row for (role, job),
// optionally restricted to the named shards.
func (s *BoltStore) FetchShardUpdateConfigs(role, job string, shards []int) ([]*types.ShardUpdateConfiguration, error) {
	want := map[int]bool{}
	for _, sh := range shards {
		want[sh] = true
	}

	var out []*types.ShardUpdateConfiguration
	prefix := updatePrefix(role, job)
	err := s.view(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketUpdates).Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var cfg types.ShardUpdateConfiguration
			if err := json.Unmarshal(v, &cfg); err != nil {
				return err
			}
			if len(want) > 0 && !want[cfg.ShardID] {
				continue
			}
			out = append(out, &cfg)
		}
		return nil
	})
	return out, err
}

func hasPrefix(b, prefix []byte) bool {
	if len(b) < len(prefix) {
		return false
	}
	for i := range prefix {
		if b[i] != prefix[i] {
			return false
		}
	}
	return true
}

// SaveShardUpdateConfigs writes one row per config, stamped with token.
func (s *BoltStore) SaveShardUpdateConfigs(role, job, token string, configs []*types.ShardUpdateConfiguration) error {
	return s.update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketUpdates)
		for _, cfg := range configs {
			cfg.Token = token
			data, err := json.Marshal(cfg)
			if err != nil {
				return err
			}
			if err := b.Put(updateKey(role, job, cfg.ShardID), data); err != nil {
				return err
			}
		}
		return nil
	})
}

// RemoveShardUpdateConfigs deletes every update row for (role, job).
func (s *BoltStore) RemoveShardUpdateConfigs(role, job string) error {
	return s.update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketUpdates)
		c := b.Cursor()
		prefix := updatePrefix(role, job)
		var keys [][]byte
		for k, _ := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, _ = c.Next() {
			keys = append(keys, append([]byte(nil), k...))
		}
		for _, k := range keys {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetHostAttributes returns the stored attribute map for host, if known.
// Attribute population is outside this module's scope (the tier
// catalogue and feasibility filter are plug-in contracts); this store
// only persists whatever SetHostAttributes last wrote for host; nothing
// in this module calls SetHostAttributes itself.
func (s *BoltStore) GetHostAttributes(host string) (map[string]string, bool, error) {
	var attrs map[string]string
	var found bool
	err := s.view(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketAttributes).Get([]byte(host))
		if v == nil {
			return nil
		}
		found = true
		return json.Unmarshal(v, &attrs)
	})
	return attrs, found, err
}

// SetHostAttributes overwrites the attribute map stored for host.
func (s *BoltStore) SetHostAttributes(host string, attrs map[string]string) error {
	return s.update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(attrs)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketAttributes).Put([]byte(host), data)
	})
}
