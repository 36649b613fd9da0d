package statemgr

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/schedcore/pkg/events"
	"github.com/cuemby/schedcore/pkg/metrics"
	"github.com/cuemby/schedcore/pkg/storage"
	"github.com/cuemby/schedcore/pkg/types"
)

func newUpdateToken() string {
	return uuid.NewString()
}

// InsertTasks creates one PENDING task row per config and returns their
// minted ids.
func (m *Manager) InsertTasks(configs []types.TaskConfig) ([]string, error) {
	m.assertAtLeast(stateStarted)
	result, err := m.applyCommand(opInsertTasks, configs)
	if err != nil {
		return nil, err
	}
	ids, _ := result.([]string)
	return ids, nil
}

func (m *Manager) applyInsertTasks(configs []types.TaskConfig) ([]string, error) {
	var ids []string
	err := m.envelope.RunInTransaction(func() error {
		tasks := make([]*types.ScheduledTask, 0, len(configs))
		for _, cfg := range configs {
			task := &types.ScheduledTask{
				TaskID: generateTaskID(cfg.JobKey(), cfg.ShardID),
				Config: cfg,
				Status: types.INIT,
			}
			tasks = append(tasks, task)
		}
		if err := m.store.SaveTasks(tasks); err != nil {
			return err
		}
		for _, task := range tasks {
			sm := m.newMachine(task)
			if err := sm.Insert(); err != nil {
				return err
			}
			m.envelope.AdjustCount(task.JobKey().String(), "", string(task.Status))
			m.publish(events.EventTaskInserted, task.TaskID, task.JobKey().String(), "task inserted")
			ids = append(ids, task.TaskID)
		}
		return nil
	}, m.drainWorkCommand)
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// AssignTask assigns a PENDING task to a host and port set, transitioning
// it to ASSIGNED. Assigning a task that already carries an assignment is
// a programmer error (an invariant violation, not a recoverable race) —
// callers are expected to have already vetoed that via FindVictims/the
// feasibility filter.
func (m *Manager) AssignTask(taskID, slaveHost, slaveID string, ports map[string]int) (*types.ScheduledTask, error) {
	m.assertAtLeast(stateStarted)
	payload := assignTaskPayload{TaskID: taskID, SlaveHost: slaveHost, SlaveID: slaveID, Ports: ports}
	result, err := m.applyCommand(opAssignTask, payload)
	if err != nil {
		return nil, err
	}
	task, _ := result.(*types.ScheduledTask)
	return task, nil
}

func (m *Manager) applyAssignTask(taskID, slaveHost, slaveID string, ports map[string]int) (*types.ScheduledTask, error) {
	var assigned *types.ScheduledTask
	err := m.envelope.RunInTransaction(func() error {
		tasks, err := m.store.FetchTasks(storage.ByID(taskID))
		if err != nil {
			return err
		}
		if len(tasks) != 1 {
			return fmt.Errorf("statemgr: assign: task %s not found", taskID)
		}
		task := tasks[0]
		if task.Assignment != nil {
			panic(fmt.Sprintf("statemgr: duplicate assignment for task %s", taskID))
		}

		sm := m.newMachine(task)
		if err := sm.AssignTask(slaveHost, slaveID, ports); err != nil {
			return err
		}
		m.envelope.AdjustCount(task.JobKey().String(), string(types.PENDING), string(task.Status))
		m.envelope.AddHost(task.TaskID, slaveHost)
		m.publish(events.EventTaskAssigned, task.TaskID, task.JobKey().String(), fmt.Sprintf("assigned to %s", slaveHost))
		assigned = task
		return nil
	}, m.drainWorkCommand)
	if err != nil {
		return nil, err
	}
	return assigned, nil
}

// ChangeState transitions every task matched by q to newStatus, and
// returns how many rows actually changed.
func (m *Manager) ChangeState(q storage.Query, newStatus types.ScheduleStatus, audit string) (int, error) {
	m.assertAtLeast(stateStarted)
	payload := changeStatePayload{Query: q, NewStatus: newStatus, Audit: audit}
	result, err := m.applyCommand(opChangeState, payload)
	if err != nil {
		return 0, err
	}
	count, _ := result.(int)
	return count, nil
}

func (m *Manager) applyChangeState(q storage.Query, newStatus types.ScheduleStatus, audit string) (int, error) {
	changed := 0
	err := m.envelope.RunInTransaction(func() error {
		tasks, err := m.store.FetchTasks(q)
		if err != nil {
			return err
		}
		for _, task := range tasks {
			before := task.Status
			sm := m.newMachine(task)
			if err := sm.StatusUpdate(newStatus, audit); err != nil {
				return err
			}
			if task.Status != before {
				m.envelope.AdjustCount(task.JobKey().String(), string(before), string(task.Status))
				if !task.Status.IsAssignedLive() {
					m.envelope.RemoveHost(task.TaskID)
				}
				if task.Status == types.PREEMPTING {
					m.publish(events.EventTaskPreempting, task.TaskID, task.JobKey().String(), audit)
				} else {
					m.publish(events.EventTaskTransition, task.TaskID, task.JobKey().String(), audit)
				}
				changed++
			}
		}
		return nil
	}, m.drainWorkCommand)
	return changed, err
}

// RegisterUpdate stages a rolling update across the union of role/job's
// currently-active shards and newConfigs, and returns its token.
func (m *Manager) RegisterUpdate(role, job string, newConfigs []*types.TaskConfig) (string, error) {
	m.assertAtLeast(stateStarted)
	payload := registerUpdatePayload{Role: role, Job: job, NewConfigs: newConfigs}
	result, err := m.applyCommand(opRegisterUpdate, payload)
	if err != nil {
		return "", err
	}
	token, _ := result.(string)
	return token, err
}

func (m *Manager) applyRegisterUpdate(role, job string, newConfigs []*types.TaskConfig) (string, error) {
	var token string
	err := m.envelope.RunInTransaction(func() error {
		jobKey := types.JobKey{Role: role, Name: job}
		active, err := m.store.FetchTasks(storage.ActiveQuery(jobKey))
		if err != nil {
			return err
		}
		if len(active) == 0 {
			return &UpdateError{Message: fmt.Sprintf("no active tasks for %s", jobKey.String())}
		}

		existing, err := m.store.FetchShardUpdateConfigs(role, job, nil)
		if err != nil {
			return err
		}
		if len(existing) > 0 {
			return &UpdateError{Message: fmt.Sprintf("update already in progress for %s", jobKey.String())}
		}

		oldByShard := make(map[int]*types.TaskConfig, len(active))
		for _, task := range active {
			cfg := task.Config
			oldByShard[task.Config.ShardID] = &cfg
		}
		newByShard := make(map[int]*types.TaskConfig, len(newConfigs))
		for _, cfg := range newConfigs {
			newByShard[cfg.ShardID] = cfg
		}

		shardSet := map[int]struct{}{}
		for shard := range oldByShard {
			shardSet[shard] = struct{}{}
		}
		for shard := range newByShard {
			shardSet[shard] = struct{}{}
		}

		token = newUpdateToken()
		rows := make([]*types.ShardUpdateConfiguration, 0, len(shardSet))
		for shard := range shardSet {
			rows = append(rows, &types.ShardUpdateConfiguration{
				ShardID:   shard,
				Token:     token,
				OldConfig: oldByShard[shard],
				NewConfig: newByShard[shard],
			})
		}
		if err := m.store.SaveShardUpdateConfigs(role, job, token, rows); err != nil {
			return err
		}
		m.publish(events.EventUpdateRegistered, "", jobKey.String(), fmt.Sprintf("update %s registered", token))
		return nil
	}, m.drainWorkCommand)
	if err != nil {
		return "", err
	}
	return token, nil
}

// FinishUpdate resolves an in-flight update as SUCCESS or FAILED. On
// success, shards the update removed (NewConfig == nil) are killed.
func (m *Manager) FinishUpdate(role, job, token string, result types.UpdateResult) error {
	m.assertAtLeast(stateStarted)
	payload := finishUpdatePayload{Role: role, Job: job, Token: token, Result: result}
	_, err := m.applyCommand(opFinishUpdate, payload)
	return err
}

func (m *Manager) applyFinishUpdate(role, job, token string, result types.UpdateResult) error {
	return m.envelope.RunInTransaction(func() error {
		rows, err := m.store.FetchShardUpdateConfigs(role, job, nil)
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			return &UpdateError{Message: fmt.Sprintf("no update in progress for %s/%s", role, job)}
		}
		if token != "" {
			for _, row := range rows {
				if row.Token != token {
					return &UpdateError{Message: "update token mismatch"}
				}
			}
		}

		if result == types.UpdateSuccess {
			jobKey := types.JobKey{Role: role, Name: job}
			for _, row := range rows {
				if row.NewConfig != nil {
					continue
				}
				shard := row.ShardID
				tasks, err := m.store.FetchTasks(storage.ByJobShard(jobKey, &shard))
				if err != nil {
					return err
				}
				for _, task := range tasks {
					before := task.Status
					sm := m.newMachine(task)
					if err := sm.StatusUpdate(types.KILLING, "update removed shard"); err != nil {
						return err
					}
					m.envelope.AdjustCount(jobKey.String(), string(before), string(task.Status))
				}
			}
		}

		if err := m.store.RemoveShardUpdateConfigs(role, job); err != nil {
			return err
		}
		m.publish(events.EventUpdateFinished, "", types.JobKey{Role: role, Name: job}.String(), string(result))
		return nil
	}, m.drainWorkCommand)
}

// FetchUpdatedTaskConfigs returns the staged new configs for the given
// shards of role/job's in-flight update. This is a read-only path and
// does not go through raft.
func (m *Manager) FetchUpdatedTaskConfigs(role, job string, shards []int) ([]*types.TaskConfig, error) {
	m.assertAtLeast(stateStarted)
	rows, err := m.store.FetchShardUpdateConfigs(role, job, shards)
	if err != nil {
		return nil, err
	}
	configs := make([]*types.TaskConfig, 0, len(rows))
	for _, row := range rows {
		if row.NewConfig != nil {
			configs = append(configs, row.NewConfig)
		}
	}
	return configs, nil
}

// AbandonTasks transitions each named task to UNKNOWN and removes its
// row. Ordering is load-bearing: the row is deleted only while draining
// the DELETE work command the UNKNOWN transition emits, never before.
func (m *Manager) AbandonTasks(ids []string) error {
	m.assertAtLeast(stateStarted)
	_, err := m.applyCommand(opAbandonTasks, ids)
	return err
}

func (m *Manager) applyAbandonTasks(ids []string) error {
	return m.envelope.RunInTransaction(func() error {
		tasks, err := m.store.FetchTasks(storage.ByID(ids...))
		if err != nil {
			return err
		}
		for _, task := range tasks {
			sm := m.newMachine(task)
			if err := sm.Abandon("abandoned"); err != nil {
				return err
			}
			m.publish(events.EventTaskAbandoned, task.TaskID, task.JobKey().String(), "abandoned")
		}
		return nil
	}, m.drainWorkCommand)
}

// ScanOutstandingTasks applies the task state machine's timeout rule to
// every task in a timeout-eligible status (ASSIGNED, STARTING,
// PREEMPTING, RESTARTING, KILLING) and invokes the external kill callback for
// each offender (per §4.3/§4.5: the actual LOST transition is expected
// to arrive later via an external TASK_LOST callback, not from this
// scan directly).
func (m *Manager) ScanOutstandingTasks() error {
	m.assertAtLeast(stateStarted)
	tasks, err := m.store.FetchTasks(storage.Query{ActiveOnly: true})
	if err != nil {
		return err
	}

	now := time.Now()
	var timedOut []string
	for _, task := range tasks {
		sm := m.newMachine(task)
		if sm.IsTimedOut(nil, now) {
			timedOut = append(timedOut, task.TaskID)
		}
	}
	if len(timedOut) == 0 {
		return nil
	}

	metrics.TasksTimedOut.Add(float64(len(timedOut)))
	for _, taskID := range timedOut {
		if m.killTask == nil {
			continue
		}
		if err := m.killTask(taskID); err != nil {
			return fmt.Errorf("statemgr: kill timed-out task %s: %w", taskID, err)
		}
	}
	return nil
}

// GetHostAssignedTasks returns the inverse view of which tasks are
// currently assigned to which host, derived from the envelope's
// in-memory ProcessState.
func (m *Manager) GetHostAssignedTasks() map[string][]string {
	snap := m.envelope.State().Snapshot()
	byHost := make(map[string][]string)
	for taskID, host := range snap.TaskHosts {
		byHost[host] = append(byHost[host], taskID)
	}
	return byHost
}

// FetchTasks is a direct, non-mutating read against the backing store.
func (m *Manager) FetchTasks(q storage.Query) ([]*types.ScheduledTask, error) {
	m.assertAtLeast(stateStarted)
	return m.store.FetchTasks(q)
}

// HostAttributeAdapter adapts storage.AttributeStore (which can fail)
// to preempt.AttributeStore (which treats a lookup failure the same as
// "host unknown" for the purpose of the missing-attributes metric).
type HostAttributeAdapter struct {
	Store storage.AttributeStore
}

func (a HostAttributeAdapter) GetHostAttributes(host string) (map[string]string, bool) {
	attrs, found, err := a.Store.GetHostAttributes(host)
	if err != nil || !found {
		return nil, false
	}
	return attrs, true
}
