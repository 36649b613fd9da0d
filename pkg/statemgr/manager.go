// Package statemgr implements the State Manager: the single authority
// for task-record mutation. It owns a lifecycle state machine over
// itself (CREATED -> INITIALIZED -> STARTED -> STOPPED), composes the
// task state machine (pkg/taskfsm) and the transactional envelope
// (pkg/txn), and drives every mutating operation through a raft-backed
// Command{Op, Data} log — exactly the teacher's WarrenFSM/Manager.Apply
// pair, generalised from cluster-resource CRUD to task lifecycle
// operations.
//
//	┌────────────────────────────────────────────────────────────┐
//	│ CREATED --prepare()--> CREATED (boots store, idempotent)   │
//	│ CREATED --initialize()--> INITIALIZED (boots raft)         │
//	│ INITIALIZED --start(killTask)--> STARTED                   │
//	│ STARTED --stop()--> STOPPED                                │
//	└────────────────────────────────────────────────────────────┘
//
// Every public operation asserts the required lifecycle state before
// running; a violation is a programmer error (assertState panics).
package statemgr

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"github.com/rs/zerolog"

	"github.com/cuemby/schedcore/pkg/events"
	"github.com/cuemby/schedcore/pkg/log"
	"github.com/cuemby/schedcore/pkg/metrics"
	"github.com/cuemby/schedcore/pkg/storage"
	"github.com/cuemby/schedcore/pkg/taskfsm"
	"github.com/cuemby/schedcore/pkg/txn"
	"github.com/cuemby/schedcore/pkg/types"
)

// lifecycleState is the manager's own small state machine.
type lifecycleState int

const (
	stateCreated lifecycleState = iota
	stateInitialized
	stateStarted
	stateStopped
)

func (s lifecycleState) String() string {
	switch s {
	case stateCreated:
		return "CREATED"
	case stateInitialized:
		return "INITIALIZED"
	case stateStarted:
		return "STARTED"
	case stateStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// UpdateError is the only user-visible checked failure the manager
// returns: no active tasks, a duplicate update, a missing update, or a
// token mismatch.
type UpdateError struct {
	Message string
}

func (e *UpdateError) Error() string { return e.Message }

// Config configures a Manager.
type Config struct {
	NodeID   string
	BindAddr string
	DataDir  string
}

// Manager is the State Manager.
type Manager struct {
	mu    sync.Mutex
	state lifecycleState

	nodeID   string
	bindAddr string
	dataDir  string

	store    storage.Store
	envelope *txn.Envelope
	fsm      *schedulerFSM
	raft     *raft.Raft

	killTask    func(taskID string) error
	eventBroker *events.Broker

	logger zerolog.Logger
}

var taskIDSanitizer = regexp.MustCompile(`\W+`)

// NewManager constructs a Manager backed by a bbolt store under
// cfg.DataDir. The manager starts in state CREATED; call Prepare,
// Initialize and StartManager in order before driving any operations.
func NewManager(cfg Config) (*Manager, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("statemgr: create data dir: %w", err)
	}

	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("statemgr: create store: %w", err)
	}

	broker := events.NewBroker()
	broker.Start()

	m := &Manager{
		state:       stateCreated,
		nodeID:      cfg.NodeID,
		bindAddr:    cfg.BindAddr,
		dataDir:     cfg.DataDir,
		store:       store,
		envelope:    txn.NewEnvelope(store),
		eventBroker: broker,
		logger:      log.WithComponent("statemgr"),
	}
	m.fsm = &schedulerFSM{manager: m}
	return m, nil
}

// assertState panics (a programmer error, per the spec's failure
// semantics) unless the manager is currently in want.
func (m *Manager) assertState(want lifecycleState) {
	if m.state != want {
		panic(fmt.Sprintf("statemgr: operation requires state %s, have %s", want, m.state))
	}
}

func (m *Manager) assertAtLeast(want lifecycleState) {
	if m.state < want {
		panic(fmt.Sprintf("statemgr: operation requires state >= %s, have %s", want, m.state))
	}
}

// Prepare boots the backing store. Idempotent: calling it again once
// already past CREATED is a no-op.
func (m *Manager) Prepare() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != stateCreated {
		return nil
	}
	// The store is already open (NewManager opened it); prepare exists
	// as its own lifecycle step so callers can sequence boot order
	// explicitly, matching the teacher's staged Bootstrap.
	return nil
}

// Initialize bootstraps the single-node raft cluster backing the
// transactional envelope, waits until this node leads it, and returns
// the persisted framework id, if any. It does not load persisted task
// rows: the envelope's per-job counters and task-host view start empty.
// Transitions CREATED -> INITIALIZED.
func (m *Manager) Initialize() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.assertState(stateCreated)

	if err := m.bootstrapRaft(); err != nil {
		return "", fmt.Errorf("statemgr: bootstrap raft: %w", err)
	}

	fwID, _, err := m.store.FetchFrameworkID()
	if err != nil {
		return "", fmt.Errorf("statemgr: fetch framework id: %w", err)
	}

	m.state = stateInitialized
	return fwID, nil
}

// bootstrapRaft wires a single-node raft cluster over m.fsm and waits
// for this node to become leader, since only a leader accepts Apply.
// This module's scope is single-writer/single-manager (see the Non-goal
// on leader election); no multi-manager membership is implemented.
func (m *Manager) bootstrapRaft() error {
	config := raft.DefaultConfig()
	config.LocalID = raft.ServerID(m.nodeID)
	config.HeartbeatTimeout = 500 * time.Millisecond
	config.ElectionTimeout = 500 * time.Millisecond
	config.LeaderLeaseTimeout = 250 * time.Millisecond

	addr, err := net.ResolveTCPAddr("tcp", m.bindAddr)
	if err != nil {
		return fmt.Errorf("resolve bind address: %w", err)
	}
	transport, err := raft.NewTCPTransport(m.bindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return fmt.Errorf("create transport: %w", err)
	}

	snapshotStore, err := raft.NewFileSnapshotStore(m.dataDir, 2, os.Stderr)
	if err != nil {
		return fmt.Errorf("create snapshot store: %w", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(m.dataDir, "raft-log.db"))
	if err != nil {
		return fmt.Errorf("create log store: %w", err)
	}
	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(m.dataDir, "raft-stable.db"))
	if err != nil {
		return fmt.Errorf("create stable store: %w", err)
	}

	r, err := raft.NewRaft(config, m.fsm, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		return fmt.Errorf("create raft: %w", err)
	}
	m.raft = r

	future := r.BootstrapCluster(raft.Configuration{
		Servers: []raft.Server{{ID: config.LocalID, Address: transport.LocalAddr()}},
	})
	if err := future.Error(); err != nil && err != raft.ErrCantBootstrap {
		return fmt.Errorf("bootstrap cluster: %w", err)
	}

	deadline := time.Now().Add(10 * time.Second)
	for r.State() != raft.Leader {
		if time.Now().After(deadline) {
			return fmt.Errorf("timed out waiting for raft leadership")
		}
		time.Sleep(20 * time.Millisecond)
	}
	return nil
}

// StartManager registers the external kill callback and enables runtime
// operations. Transitions INITIALIZED -> STARTED.
func (m *Manager) StartManager(killTask func(taskID string) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.assertState(stateInitialized)
	m.killTask = killTask
	m.state = stateStarted
	return nil
}

// Stop transitions STARTED -> STOPPED and releases resources.
func (m *Manager) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.assertState(stateStarted)

	if m.eventBroker != nil {
		m.eventBroker.Stop()
	}
	if m.raft != nil {
		if err := m.raft.Shutdown().Error(); err != nil {
			m.logger.Warn().Err(err).Msg("raft shutdown error")
		}
	}
	m.state = stateStopped
	return m.store.Close()
}

// applyCommand marshals op/data, submits it to raft, and unwraps the
// resulting applyResult. When no raft cluster is attached, the command
// is applied to the local FSM in-process without going through a log.
// Either way m.mu is held for the whole call, so mutating operations are
// serialised against each other.
func (m *Manager) applyCommand(op string, payload any) (any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("statemgr: marshal %s payload: %w", op, err)
	}
	cmd := Command{Op: op, Data: data}
	cmdBytes, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("statemgr: marshal command: %w", err)
	}

	var result any
	if m.raft != nil {
		timer := metrics.NewTimer()
		future := m.raft.Apply(cmdBytes, 5*time.Second)
		timer.ObserveDuration(metrics.RaftApplyDuration)
		if err := future.Error(); err != nil {
			return nil, fmt.Errorf("statemgr: raft apply: %w", err)
		}
		result = future.Response()
	} else {
		result = m.fsm.Apply(&raft.Log{Data: cmdBytes})
	}

	ar, ok := result.(applyResult)
	if !ok {
		return nil, fmt.Errorf("statemgr: unexpected apply response type %T", result)
	}
	return ar.Value, ar.Err
}

// publish posts a lifecycle event to the event broker for external
// subscribers. A nil broker (not expected outside tests that construct
// a Manager by hand) is a silent no-op.
func (m *Manager) publish(evtType events.EventType, taskID, jobKey, message string) {
	if m.eventBroker == nil {
		return
	}
	m.eventBroker.Publish(&events.Event{
		ID:      uuid.NewString(),
		Type:    evtType,
		TaskID:  taskID,
		JobKey:  jobKey,
		Message: message,
	})
}

// newMachine builds a taskfsm.Machine for task, wired to m.envelope as
// both work sink and update-in-progress predicate.
func (m *Manager) newMachine(task *types.ScheduledTask) *taskfsm.Machine {
	return &taskfsm.Machine{
		TaskID: task.TaskID,
		JobKey: task.JobKey(),
		Task:   task,
		Sink:   m.envelope,
		UpdateInProgress: func(jk types.JobKey) bool {
			rows, _ := m.store.FetchShardUpdateConfigs(jk.Role, jk.Name, nil)
			return len(rows) > 0
		},
	}
}

// drainWorkCommand interprets one taskfsm.WorkCommand against the
// store. This is the envelope's drainFn: pkg/txn knows nothing about
// what a RESCHEDULE or DELETE means, only that it must run before
// commit.
func (m *Manager) drainWorkCommand(cmd taskfsm.WorkCommand) error {
	switch c := cmd.(type) {
	case taskfsm.UpdateState:
		_, err := m.store.MutateTasks(storage.ByID(c.TaskID), func(t *types.ScheduledTask) {
			t.Status = c.NewStatus
			t.Events = append(t.Events, types.TransitionEvent{Timestamp: time.Now(), Status: c.NewStatus, Message: c.Message})
			if c.Mutator != nil {
				c.Mutator(t)
			}
		})
		return err

	case taskfsm.Reschedule:
		successor := c.Original.Clone()
		successor.TaskID = generateTaskID(successor.JobKey(), successor.Config.ShardID)
		successor.AncestorID = c.Original.TaskID
		successor.Assignment = nil
		successor.FailureCount = c.Original.FailureCount
		successor.Status = types.INIT
		successor.Events = nil
		if err := m.store.SaveTasks([]*types.ScheduledTask{successor}); err != nil {
			return err
		}
		sm := m.newMachine(successor)
		if err := sm.Insert(); err != nil {
			return err
		}
		m.envelope.AdjustCount(successor.JobKey().String(), "", string(successor.Status))
		m.publish(events.EventTaskRescheduled, successor.TaskID, successor.JobKey().String(),
			fmt.Sprintf("rescheduled from %s", c.Original.TaskID))
		return nil

	case taskfsm.Kill:
		if m.killTask != nil {
			return m.killTask(c.TaskID)
		}
		return nil

	case taskfsm.Update:
		return m.rescheduleUnderShardConfig(c.TaskID, false)

	case taskfsm.Rollback:
		return m.rescheduleUnderShardConfig(c.TaskID, true)

	case taskfsm.Delete:
		tasks, err := m.store.FetchTasks(storage.ByID(c.TaskID))
		if err != nil {
			return err
		}
		if len(tasks) == 1 {
			m.envelope.RemoveHost(c.TaskID)
			m.envelope.AdjustCount(tasks[0].JobKey().String(), string(tasks[0].Status), "")
		}
		return m.store.RemoveTasks([]string{c.TaskID})

	case taskfsm.IncrementFailures:
		_, err := m.store.MutateTasks(storage.ByID(c.TaskID), func(t *types.ScheduledTask) {
			t.FailureCount++
		})
		return err

	default:
		return fmt.Errorf("statemgr: unhandled work command %T", cmd)
	}
}

// rescheduleUnderShardConfig consults the update store for the shard's
// new (or, on rollback, old) config and reschedules taskID under it.
func (m *Manager) rescheduleUnderShardConfig(taskID string, rollback bool) error {
	tasks, err := m.store.FetchTasks(storage.ByID(taskID))
	if err != nil || len(tasks) != 1 {
		return err
	}
	task := tasks[0]
	jk := task.JobKey()

	cfg, found, err := m.store.FetchShardUpdateConfig(jk.Role, jk.Name, task.Config.ShardID)
	if err != nil || !found {
		return err
	}

	var newConfig *types.TaskConfig
	if rollback {
		newConfig = cfg.OldConfig
	} else {
		newConfig = cfg.NewConfig
	}
	if newConfig == nil {
		// shard removed by this update: no successor, just let the
		// caller's KILLING transition (driven separately) remove it.
		return nil
	}

	successor := task.Clone()
	successor.TaskID = generateTaskID(jk, newConfig.ShardID)
	successor.AncestorID = task.TaskID
	successor.Config = *newConfig
	successor.Assignment = nil
	successor.Status = types.INIT
	successor.Events = nil

	if err := m.store.SaveTasks([]*types.ScheduledTask{successor}); err != nil {
		return err
	}
	sm := m.newMachine(successor)
	if err := sm.Insert(); err != nil {
		return err
	}
	m.envelope.AdjustCount(jk.String(), "", string(successor.Status))
	return nil
}

// generateTaskID mints `<epoch_ms>-<jobKey>-<shardId>-<uuid>` with
// non-word characters collapsed to '-'.
func generateTaskID(jobKey types.JobKey, shard int) string {
	raw := fmt.Sprintf("%d-%s-%d-%s", time.Now().UnixMilli(), jobKey.String(), shard, uuid.NewString())
	return taskIDSanitizer.ReplaceAllString(raw, "-")
}
