package state

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/roostlabs/roost/pkg/clock"
	"github.com/roostlabs/roost/pkg/events"
	"github.com/roostlabs/roost/pkg/log"
	"github.com/roostlabs/roost/pkg/metrics"
	"github.com/roostlabs/roost/pkg/statemachine"
	"github.com/roostlabs/roost/pkg/storage"
	"github.com/roostlabs/roost/pkg/types"
)

var (
	// ErrTimeout is returned when the kill-and-wait budget is exhausted.
	// The KILLING transitions themselves are not undone.
	ErrTimeout = errors.New("timed out waiting for tasks to terminate")

	// ErrInterrupted is returned when a kill-and-wait is cancelled.
	ErrInterrupted = errors.New("interrupted waiting for tasks to terminate")
)

// Driver sends commands to the cluster manager's agents. Implementations
// must be non-blocking or internally buffered; kill delivery is best-effort
// and reconciled by later status updates.
type Driver interface {
	KillTask(taskID, slaveID string) error
}

// Config holds state-manager settings.
type Config struct {
	// LocalHost is stamped on every task event this scheduler writes.
	LocalHost string

	// KillRetryInitial and KillRetryMax bound the backoff while waiting for
	// killed tasks to reach a terminal state.
	KillRetryInitial time.Duration
	KillRetryMax     time.Duration
}

// DefaultConfig mirrors the flag defaults.
func DefaultConfig(localHost string) Config {
	return Config{
		LocalHost:        localHost,
		KillRetryInitial: time.Second,
		KillRetryMax:     30 * time.Second,
	}
}

// Manager is the state-machine host: it owns the lifecycle of every live
// task id, routes status updates into the transition function, and applies
// the resulting work commands inside the caller's storage transaction.
type Manager struct {
	storage *storage.Storage
	broker  *events.Broker
	driver  Driver
	clock   clock.Clock
	calc    *RescheduleCalculator
	config  Config
	logger  zerolog.Logger
}

// NewManager creates a state manager.
func NewManager(
	st *storage.Storage,
	broker *events.Broker,
	driver Driver,
	clk clock.Clock,
	calc *RescheduleCalculator,
	config Config,
) *Manager {
	return &Manager{
		storage: st,
		broker:  broker,
		driver:  driver,
		clock:   clk,
		calc:    calc,
		config:  config,
		logger:  log.WithComponent("state"),
	}
}

type pendingKill struct {
	taskID  string
	slaveID string
}

type pendingThrottle struct {
	taskID string
	delay  time.Duration
}

// sideEffects accumulates work that must happen after the transaction
// commits: agent kills, event-bus notifications, and throttle timers.
type sideEffects struct {
	kills     []pendingKill
	events    []events.Event
	throttles []pendingThrottle
}

// ChangeState attempts to transition a task, applying all derived work in a
// single write transaction. Returns whether the task changed state.
func (m *Manager) ChangeState(taskID string, to types.ScheduleStatus, message string) (bool, error) {
	return m.change(taskID, to, message, nil)
}

// StatusUpdate routes an agent status report into the state machine.
func (m *Manager) StatusUpdate(taskID string, to types.ScheduleStatus, message string) (bool, error) {
	return m.change(taskID, to, message, nil)
}

// ForceState injects an operator-requested transition. It remains subject to
// the transition table; illegal requests are counted and rejected.
func (m *Manager) ForceState(taskID string, to types.ScheduleStatus) (bool, error) {
	return m.change(taskID, to, fmt.Sprintf("Force state %s", to), nil)
}

// AssignTask moves a PENDING task to ASSIGNED, binding it to the offered
// host and concrete ports in the same transaction as the state change.
func (m *Manager) AssignTask(taskID, slaveID, slaveHost string, ports map[string]int) (bool, error) {
	return m.change(taskID, types.StatusAssigned, fmt.Sprintf("Assigned to %s", slaveHost),
		func(task *types.ScheduledTask) {
			task.Assigned.SlaveID = slaveID
			task.Assigned.SlaveHost = slaveHost
			task.Assigned.AssignedPorts = ports
		})
}

func (m *Manager) change(
	taskID string,
	to types.ScheduleStatus,
	message string,
	mutate func(*types.ScheduledTask),
) (bool, error) {

	var fx sideEffects
	changed := false
	err := m.storage.Write(func(sp storage.MutableStoreProvider) error {
		changed = m.transitionTx(sp, &fx, taskID, to, message, mutate)
		return nil
	})
	if err != nil {
		return false, err
	}
	m.dispatch(&fx)
	return changed, nil
}

// transitionTx runs one state transition inside an open write transaction.
// Work commands mutate the stores immediately; external effects accumulate
// in fx for dispatch after commit.
func (m *Manager) transitionTx(
	sp storage.MutableStoreProvider,
	fx *sideEffects,
	taskID string,
	to types.ScheduleStatus,
	message string,
	mutate func(*types.ScheduledTask),
) bool {

	task := sp.Tasks().FetchTask(taskID)
	if task == nil {
		// An agent reported a task this scheduler has no record of. Tell the
		// agent to kill it so the remote process does not leak.
		switch to {
		case types.StatusAssigned, types.StatusStarting, types.StatusRunning:
			m.logger.Warn().Str("task_id", taskID).Str("status", string(to)).
				Msg("Status update for unknown task, killing")
			fx.kills = append(fx.kills, pendingKill{taskID: taskID})
		}
		return false
	}

	view := statemachine.TaskView{
		Status:          task.Status,
		IsService:       task.Assigned.Task.IsService,
		MaxTaskFailures: task.Assigned.Task.MaxTaskFailures,
		FailureCount:    task.FailureCount,
	}
	res := statemachine.Transition(view, to)
	if res.Noop || (!res.Allowed && len(res.Commands) == 0) {
		return false
	}

	from := task.Status
	deleted := false
	for _, cmd := range res.Commands {
		switch cmd {
		case statemachine.WorkIncrementFailures:
			task.FailureCount++

		case statemachine.WorkKill:
			fx.kills = append(fx.kills, pendingKill{taskID: taskID, slaveID: task.Assigned.SlaveID})

		case statemachine.WorkReschedule:
			m.rescheduleTx(sp, fx, task, res.To)

		case statemachine.WorkDelete:
			sp.MutableTasks().DeleteTasks(taskID)
			deleted = true
			fx.events = append(fx.events, events.TasksDeleted{Tasks: []*types.ScheduledTask{task.Clone()}})

		case statemachine.WorkUpdateState:
			if deleted {
				continue
			}
			if mutate != nil {
				mutate(task)
			}
			task.Status = res.To
			task.TaskEvents = append(task.TaskEvents, types.TaskEvent{
				Timestamp: m.clock.Now(),
				Status:    res.To,
				Message:   message,
				Scheduler: m.config.LocalHost,
			})
			sp.MutableTasks().SaveTask(task)
			fx.events = append(fx.events, events.TaskStateChange{
				TaskID:   taskID,
				Task:     task.Clone(),
				OldState: from,
				NewState: res.To,
			})
		}
	}
	return res.Allowed
}

// rescheduleTx creates the replacement for a terminal task: same config, new
// task id, the ancestor chain extended. Flapping services are throttled
// before they become schedulable again.
func (m *Manager) rescheduleTx(
	sp storage.MutableStoreProvider,
	fx *sideEffects,
	ancestor *types.ScheduledTask,
	terminal types.ScheduleStatus,
) {
	// The ancestor's terminal event is appended after this command runs, so
	// the up-time is judged against a copy that already ends now.
	probe := ancestor.Clone()
	probe.TaskEvents = append(probe.TaskEvents, types.TaskEvent{Timestamp: m.clock.Now(), Status: terminal})
	penalty := m.calc.FlapPenalty(probe)
	status := types.StatusPending
	message := "Rescheduled"
	if penalty > 0 {
		status = types.StatusThrottled
		message = fmt.Sprintf("Rescheduled, throttled for %s", penalty)
	}

	replacement := &types.ScheduledTask{
		Status:       status,
		FailureCount: ancestor.FailureCount,
		AncestorID:   ancestor.Assigned.TaskID,
		Assigned: &types.AssignedTask{
			TaskID:     uuid.New().String(),
			InstanceID: ancestor.Assigned.InstanceID,
			Task:       ancestor.Assigned.Task,
		},
		TaskEvents: []types.TaskEvent{{
			Timestamp: m.clock.Now(),
			Status:    status,
			Message:   message,
			Scheduler: m.config.LocalHost,
		}},
	}
	sp.MutableTasks().SaveTask(replacement)
	metrics.TaskReschedulesTotal.Inc()

	fx.events = append(fx.events, events.TaskStateChange{
		TaskID:   replacement.Assigned.TaskID,
		Task:     replacement.Clone(),
		OldState: types.StatusInit,
		NewState: status,
	})
	if penalty > 0 {
		fx.throttles = append(fx.throttles, pendingThrottle{
			taskID: replacement.Assigned.TaskID,
			delay:  penalty,
		})
	}

	m.logger.Info().
		Str("ancestor", ancestor.Assigned.TaskID).
		Str("task_id", replacement.Assigned.TaskID).
		Str("status", string(status)).
		Msg("Created replacement task")
}

// dispatch performs post-commit effects: kills go to the driver, events to
// the broker, and throttled replacements get their promotion timers.
func (m *Manager) dispatch(fx *sideEffects) {
	for _, k := range fx.kills {
		if err := m.driver.KillTask(k.taskID, k.slaveID); err != nil {
			m.logger.Error().Err(err).Str("task_id", k.taskID).Msg("Failed to send kill")
		}
	}
	for _, ev := range fx.events {
		if change, ok := ev.(events.TaskStateChange); ok {
			if change.OldState != types.StatusInit {
				metrics.TasksTotal.WithLabelValues(string(change.OldState)).Dec()
			}
			metrics.TasksTotal.WithLabelValues(string(change.NewState)).Inc()
		}
		m.broker.Publish(ev)
	}
	for _, th := range fx.throttles {
		id := th.taskID
		m.clock.AfterFunc(th.delay, func() {
			if _, err := m.ChangeState(id, types.StatusPending, "Throttle expired"); err != nil {
				m.logger.Error().Err(err).Str("task_id", id).Msg("Failed to promote throttled task")
			}
		})
	}
}

// InsertPendingTasks creates new PENDING tasks for the given instances of a
// config. It fails if any instance already has an active task.
func (m *Manager) InsertPendingTasks(config *types.TaskConfig, instanceIDs []int) ([]string, error) {
	var fx sideEffects
	var ids []string
	err := m.storage.Write(func(sp storage.MutableStoreProvider) error {
		active := sp.Tasks().FetchTasks(storage.ByJob(config.Job).Active())
		taken := make(map[int]bool, len(active))
		for _, t := range active {
			taken[t.Assigned.InstanceID] = true
		}
		for _, instance := range instanceIDs {
			if taken[instance] {
				return fmt.Errorf("instance %d of %s already has an active task", instance, config.Job)
			}
		}

		for _, instance := range instanceIDs {
			task := &types.ScheduledTask{
				Status: types.StatusPending,
				Assigned: &types.AssignedTask{
					TaskID:     uuid.New().String(),
					InstanceID: instance,
					Task:       config,
				},
				TaskEvents: []types.TaskEvent{{
					Timestamp: m.clock.Now(),
					Status:    types.StatusPending,
					Message:   "Created",
					Scheduler: m.config.LocalHost,
				}},
			}
			sp.MutableTasks().SaveTask(task)
			ids = append(ids, task.Assigned.TaskID)
			fx.events = append(fx.events, events.TaskStateChange{
				TaskID:   task.Assigned.TaskID,
				Task:     task.Clone(),
				OldState: types.StatusInit,
				NewState: types.StatusPending,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.dispatch(&fx)
	return ids, nil
}

// KillTasks transitions every task matching the query toward KILLING and
// returns the matched task ids. Pending tasks are deleted outright by the
// state machine's delete path.
func (m *Manager) KillTasks(q storage.TaskQuery, message string) ([]string, error) {
	var fx sideEffects
	var matched []string
	err := m.storage.Write(func(sp storage.MutableStoreProvider) error {
		tasks := sp.Tasks().FetchTasks(q)
		for _, t := range tasks {
			matched = append(matched, t.Assigned.TaskID)
			if t.Status.IsActive() {
				m.transitionTx(sp, &fx, t.Assigned.TaskID, types.StatusKilling, message, nil)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.dispatch(&fx)
	return matched, nil
}

// RestartShards transitions the active tasks of the given instances to
// RESTARTING, which kills and reschedules them.
func (m *Manager) RestartShards(key types.JobKey, instanceIDs []int, message string) (int, error) {
	var fx sideEffects
	restarted := 0
	err := m.storage.Write(func(sp storage.MutableStoreProvider) error {
		q := storage.ByJob(key).Active()
		q.InstanceIDs = instanceIDs
		for _, t := range sp.Tasks().FetchTasks(q) {
			if m.transitionTx(sp, &fx, t.Assigned.TaskID, types.StatusRestarting, message, nil) {
				restarted++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	m.dispatch(&fx)
	return restarted, nil
}

// DeleteTasks removes task records outright, bypassing the state machine.
// Used by operator cleanup against terminal tasks.
func (m *Manager) DeleteTasks(ids []string) error {
	var fx sideEffects
	err := m.storage.Write(func(sp storage.MutableStoreProvider) error {
		var removed []*types.ScheduledTask
		for _, id := range ids {
			if t := sp.Tasks().FetchTask(id); t != nil {
				removed = append(removed, t)
			}
		}
		if len(removed) == 0 {
			return nil
		}
		sp.MutableTasks().DeleteTasks(ids...)
		fx.events = append(fx.events, events.TasksDeleted{Tasks: removed})
		return nil
	})
	if err != nil {
		return err
	}
	m.dispatch(&fx)
	return nil
}

// WaitForTerminal blocks until every listed task is terminal or deleted,
// polling with exponential backoff. The wait budget comes from ctx; an
// exceeded deadline surfaces ErrTimeout, a cancellation ErrInterrupted.
func (m *Manager) WaitForTerminal(ctx context.Context, ids []string) error {
	backoff := m.config.KillRetryInitial
	for {
		done := true
		err := m.storage.Read(func(sp storage.StoreProvider) error {
			for _, id := range ids {
				task := sp.Tasks().FetchTask(id)
				if task != nil && !task.Status.IsTerminal() {
					done = false
					return nil
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
		if done {
			return nil
		}

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return ErrTimeout
			}
			return ErrInterrupted
		default:
		}

		m.clock.Sleep(backoff)
		backoff *= 2
		if backoff > m.config.KillRetryMax {
			backoff = m.config.KillRetryMax
		}
	}
}
