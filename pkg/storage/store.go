package storage

import (
	"github.com/cuemby/schedcore/pkg/types"
)

// Query is an immutable filter over tasks. The zero value matches every
// task. Build one with the By*/ActiveQuery constructors. Fields are
// exported so a Query survives a JSON round trip unmodified — the raft
// log entry for changeState carries one verbatim.
type Query struct {
	TaskIDs    []string                `json:"taskIds,omitempty"`
	Statuses   []types.ScheduleStatus  `json:"statuses,omitempty"`
	JobKey     *types.JobKey           `json:"jobKey,omitempty"`
	ShardID    *int                    `json:"shardId,omitempty"`
	ActiveOnly bool                    `json:"activeOnly,omitempty"`
}

// ByID matches only the named task ids.
func ByID(ids ...string) Query {
	return Query{TaskIDs: ids}
}

// ByStatuses matches tasks whose status is in the given set.
func ByStatuses(statuses ...types.ScheduleStatus) Query {
	return Query{Statuses: statuses}
}

// ByJobShard matches tasks of a single job, optionally restricted to one
// shard. Pass a nil shard to match every shard of the job.
func ByJobShard(jobKey types.JobKey, shard *int) Query {
	return Query{JobKey: &jobKey, ShardID: shard}
}

// ActiveQuery yields rows of jobKey in a non-terminal, non-UNKNOWN
// status: the set of "currently live" shards for a job.
func ActiveQuery(jobKey types.JobKey) Query {
	return Query{JobKey: &jobKey, ActiveOnly: true}
}

// Matches reports whether task satisfies every predicate set on q. A
// predicate left unset (nil/empty) does not constrain the match.
func (q Query) Matches(task *types.ScheduledTask) bool {
	if len(q.TaskIDs) > 0 && !containsString(q.TaskIDs, task.TaskID) {
		return false
	}
	if len(q.Statuses) > 0 && !containsStatus(q.Statuses, task.Status) {
		return false
	}
	if q.JobKey != nil {
		jk := task.JobKey()
		if jk.Role != q.JobKey.Role || jk.Name != q.JobKey.Name {
			return false
		}
	}
	if q.ActiveOnly && (task.Status.IsTerminal() || task.Status == types.UNKNOWN) {
		return false
	}
	if q.ShardID != nil && task.Config.ShardID != *q.ShardID {
		return false
	}
	return true
}

func containsString(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

func containsStatus(set []types.ScheduleStatus, v types.ScheduleStatus) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

// TaskStore is the mutation/query surface over ScheduledTask rows.
type TaskStore interface {
	FetchTasks(q Query) ([]*types.ScheduledTask, error)
	FetchTaskIDs(q Query) ([]string, error)
	SaveTasks(tasks []*types.ScheduledTask) error
	MutateTasks(q Query, mutator func(*types.ScheduledTask)) (int, error)
	RemoveTasks(ids []string) error
}

// SchedulerStore persists the single framework id this scheduler
// instance registered under.
type SchedulerStore interface {
	FetchFrameworkID() (string, bool, error)
	SaveFrameworkID(id string) error
}

// UpdateStore persists in-flight ShardUpdateConfiguration rows.
type UpdateStore interface {
	FetchShardUpdateConfig(role, job string, shard int) (*types.ShardUpdateConfiguration, bool, error)
	FetchShardUpdateConfigs(role, job string, shards []int) ([]*types.ShardUpdateConfiguration, error)
	SaveShardUpdateConfigs(role, job, token string, configs []*types.ShardUpdateConfiguration) error
	RemoveShardUpdateConfigs(role, job string) error
}

// AttributeStore resolves host attributes for the preemption filter and
// the scheduling feasibility filter.
type AttributeStore interface {
	GetHostAttributes(host string) (map[string]string, bool, error)
}

// Store is the aggregate contract the state manager depends on: the
// four sub-stores, plus WithTransaction so pkg/txn can wrap arbitrary
// implementations uniformly.
type Store interface {
	TaskStore
	SchedulerStore
	UpdateStore
	AttributeStore

	// WithTransaction runs fn inside one backing-store transaction,
	// satisfying pkg/txn.Store.
	WithTransaction(fn func() error) error

	Close() error
}
