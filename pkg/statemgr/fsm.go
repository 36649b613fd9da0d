package statemgr

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/hashicorp/raft"

	"github.com/cuemby/schedcore/pkg/storage"
	"github.com/cuemby/schedcore/pkg/types"
)

// Command is the raft log entry wire format: an operation tag plus its
// JSON-encoded payload. This mirrors the teacher's Command{Op, Data}
// pattern, generalised from cluster-resource CRUD ops to the state
// manager's own mutating operations.
type Command struct {
	Op   string          `json:"op"`
	Data json.RawMessage `json:"data"`
}

const (
	opInsertTasks    = "insert_tasks"
	opAssignTask     = "assign_task"
	opChangeState    = "change_state"
	opRegisterUpdate = "register_update"
	opFinishUpdate   = "finish_update"
	opAbandonTasks   = "abandon_tasks"
)

// applyResult is what every internal apply* method returns; the FSM's
// Apply hands it back as the raft.Log response, and the public Manager
// method that issued the command unpacks it.
type applyResult struct {
	Value any
	Err   error
}

// schedulerFSM implements raft.FSM by delegating every operation to the
// owning Manager's internal (non-exported) apply path, which runs the
// operation body inside the transactional envelope.
type schedulerFSM struct {
	manager *Manager
}

func (f *schedulerFSM) Apply(log *raft.Log) any {
	var cmd Command
	if err := json.Unmarshal(log.Data, &cmd); err != nil {
		return applyResult{Err: fmt.Errorf("statemgr: unmarshal command: %w", err)}
	}

	switch cmd.Op {
	case opInsertTasks:
		var configs []types.TaskConfig
		if err := json.Unmarshal(cmd.Data, &configs); err != nil {
			return applyResult{Err: err}
		}
		ids, err := f.manager.applyInsertTasks(configs)
		return applyResult{Value: ids, Err: err}

	case opAssignTask:
		var payload assignTaskPayload
		if err := json.Unmarshal(cmd.Data, &payload); err != nil {
			return applyResult{Err: err}
		}
		task, err := f.manager.applyAssignTask(payload.TaskID, payload.SlaveHost, payload.SlaveID, payload.Ports)
		return applyResult{Value: task, Err: err}

	case opChangeState:
		var payload changeStatePayload
		if err := json.Unmarshal(cmd.Data, &payload); err != nil {
			return applyResult{Err: err}
		}
		count, err := f.manager.applyChangeState(payload.Query, payload.NewStatus, payload.Audit)
		return applyResult{Value: count, Err: err}

	case opRegisterUpdate:
		var payload registerUpdatePayload
		if err := json.Unmarshal(cmd.Data, &payload); err != nil {
			return applyResult{Err: err}
		}
		token, err := f.manager.applyRegisterUpdate(payload.Role, payload.Job, payload.NewConfigs)
		return applyResult{Value: token, Err: err}

	case opFinishUpdate:
		var payload finishUpdatePayload
		if err := json.Unmarshal(cmd.Data, &payload); err != nil {
			return applyResult{Err: err}
		}
		err := f.manager.applyFinishUpdate(payload.Role, payload.Job, payload.Token, payload.Result)
		return applyResult{Err: err}

	case opAbandonTasks:
		var ids []string
		if err := json.Unmarshal(cmd.Data, &ids); err != nil {
			return applyResult{Err: err}
		}
		err := f.manager.applyAbandonTasks(ids)
		return applyResult{Err: err}

	default:
		return applyResult{Err: fmt.Errorf("statemgr: unknown command %q", cmd.Op)}
	}
}

// schedulerSnapshot is a point-in-time dump of every task row and the
// persisted framework id, sufficient to rebuild the FSM on restore.
type schedulerSnapshot struct {
	Tasks       []*types.ScheduledTask
	FrameworkID string
	HaveFW      bool
}

func (f *schedulerFSM) Snapshot() (raft.FSMSnapshot, error) {
	tasks, err := f.manager.store.FetchTasks(storage.Query{})
	if err != nil {
		return nil, fmt.Errorf("statemgr: snapshot fetch tasks: %w", err)
	}
	fwID, haveFW, err := f.manager.store.FetchFrameworkID()
	if err != nil {
		return nil, fmt.Errorf("statemgr: snapshot fetch framework id: %w", err)
	}
	return &schedulerSnapshot{Tasks: tasks, FrameworkID: fwID, HaveFW: haveFW}, nil
}

func (f *schedulerFSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var snap schedulerSnapshot
	if err := json.NewDecoder(rc).Decode(&snap); err != nil {
		return fmt.Errorf("statemgr: decode snapshot: %w", err)
	}

	if err := f.manager.store.SaveTasks(snap.Tasks); err != nil {
		return fmt.Errorf("statemgr: restore tasks: %w", err)
	}
	if snap.HaveFW {
		if err := f.manager.store.SaveFrameworkID(snap.FrameworkID); err != nil {
			return fmt.Errorf("statemgr: restore framework id: %w", err)
		}
	}
	return nil
}

func (s *schedulerSnapshot) Persist(sink raft.SnapshotSink) error {
	err := func() error {
		if err := json.NewEncoder(sink).Encode(s); err != nil {
			return err
		}
		return sink.Close()
	}()
	if err != nil {
		sink.Cancel()
	}
	return err
}

func (s *schedulerSnapshot) Release() {}

type assignTaskPayload struct {
	TaskID    string
	SlaveHost string
	SlaveID   string
	Ports     map[string]int
}

type changeStatePayload struct {
	Query     storage.Query
	NewStatus types.ScheduleStatus
	Audit     string
}

type registerUpdatePayload struct {
	Role       string
	Job        string
	NewConfigs []*types.TaskConfig
}

type finishUpdatePayload struct {
	Role   string
	Job    string
	Token  string
	Result types.UpdateResult
}
