package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/roostlabs/roost/pkg/clock"
	"github.com/roostlabs/roost/pkg/events"
	"github.com/roostlabs/roost/pkg/log"
	"github.com/roostlabs/roost/pkg/metrics"
	"github.com/roostlabs/roost/pkg/state"
	"github.com/roostlabs/roost/pkg/storage"
	"github.com/roostlabs/roost/pkg/types"
)

// SchedulingAction attempts to place a task, possibly performing
// irreversible actions. Returns whether the task was scheduled.
type SchedulingAction interface {
	Schedule(taskID string) bool
}

// SlotFinder searches for a preemption victim after a failed attempt.
type SlotFinder interface {
	FindPreemptionSlotFor(taskID string)
}

// Settings tunes the scheduling loop.
type Settings struct {
	// InitialPenalty and MaxPenalty bound the per-group backoff.
	InitialPenalty time.Duration
	MaxPenalty     time.Duration

	// MaxScheduleAttemptsPerSec caps placement attempts across all groups.
	MaxScheduleAttemptsPerSec float64
}

// DefaultSettings mirrors the flag defaults.
func DefaultSettings() Settings {
	return Settings{
		InitialPenalty:            time.Second,
		MaxPenalty:                time.Minute,
		MaxScheduleAttemptsPerSec: 40,
	}
}

// TaskGroups batches schedulable tasks by configuration fingerprint and
// drives one cooperative scheduling loop per group. A global token bucket
// limits placement attempts, so one tick delivers at most one attempt per
// group and a large job cannot starve a small one.
type TaskGroups struct {
	storage   *storage.Storage
	clock     clock.Clock
	limiter   *rate.Limiter
	action    SchedulingAction
	preemptor SlotFinder
	calc      *state.RescheduleCalculator
	settings  Settings
	logger    zerolog.Logger

	mu     sync.Mutex
	groups map[string]*TaskGroup
}

// NewTaskGroups creates the scheduling loop host. It stays idle until the
// storage-ready event arms it with the backlog of PENDING tasks.
func NewTaskGroups(
	st *storage.Storage,
	clk clock.Clock,
	action SchedulingAction,
	preemptor SlotFinder,
	calc *state.RescheduleCalculator,
	settings Settings,
) *TaskGroups {
	return &TaskGroups{
		storage:   st,
		clock:     clk,
		limiter:   rate.NewLimiter(rate.Limit(settings.MaxScheduleAttemptsPerSec), 1),
		action:    action,
		preemptor: preemptor,
		calc:      calc,
		settings:  settings,
		logger:    log.WithComponent("scheduler"),
		groups:    make(map[string]*TaskGroup),
	}
}

// Run consumes the event bus until the subscription closes.
func (t *TaskGroups) Run(sub events.Subscriber) {
	for ev := range sub {
		t.HandleEvent(ev)
	}
}

// HandleEvent routes a post-commit event into the loop: tasks entering
// PENDING are enqueued, deleted tasks are evicted, and the storage-ready
// signal enqueues the whole PENDING backlog with a spread-out delay.
func (t *TaskGroups) HandleEvent(ev events.Event) {
	switch e := ev.(type) {
	case events.TaskStateChange:
		if e.NewState == types.StatusPending {
			t.add(e.Task, 0)
		}

	case events.TasksDeleted:
		for _, task := range e.Tasks {
			t.remove(task)
		}

	case events.StorageReady:
		var pending []*types.ScheduledTask
		err := t.storage.Read(func(sp storage.StoreProvider) error {
			pending = sp.Tasks().FetchTasks(storage.TaskQuery{
				Statuses: []types.ScheduleStatus{types.StatusPending},
			})
			return nil
		})
		if err != nil {
			t.logger.Error().Err(err).Msg("Failed to enumerate pending tasks")
			return
		}
		for _, task := range pending {
			t.add(task, t.calc.StartupDelay())
		}
		t.logger.Info().Int("tasks", len(pending)).Msg("Scheduling loop armed")
	}
}

func (t *TaskGroups) add(task *types.ScheduledTask, delay time.Duration) {
	key := task.Assigned.Task.GroupKey()

	// The push happens under the host lock so a concurrent invalidation
	// cannot strand the task in a dropped group.
	t.mu.Lock()
	group, ok := t.groups[key]
	if !ok {
		group = NewTaskGroup(key, NewTruncatedBinaryBackoff(t.settings.InitialPenalty, t.settings.MaxPenalty))
		t.groups[key] = group
		metrics.TaskGroupsActive.Set(float64(len(t.groups)))
	}
	group.Push(task.Assigned.TaskID, t.clock.Now().Add(delay))
	t.mu.Unlock()
	if !ok {
		t.logger.Info().
			Str("job", task.Assigned.Task.Job.String()).
			Dur("penalty", group.Penalty()).
			Msg("Evaluating new task group")
		t.schedule(group, group.Penalty())
	}
}

func (t *TaskGroups) remove(task *types.ScheduledTask) {
	key := task.Assigned.Task.GroupKey()
	t.mu.Lock()
	group := t.groups[key]
	t.mu.Unlock()
	if group != nil {
		group.Remove(task.Assigned.TaskID)
	}
}

// maybeInvalidate drops the group if its queue is empty, ending its loop.
func (t *TaskGroups) maybeInvalidate(group *TaskGroup) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if group.Len() == 0 {
		delete(t.groups, group.Key())
		metrics.TaskGroupsActive.Set(float64(len(t.groups)))
		return true
	}
	return false
}

func (t *TaskGroups) schedule(group *TaskGroup, in time.Duration) {
	t.clock.AfterFunc(in, func() { t.monitor(group) })
}

// monitor is one tick of a group's loop: evaluate, attempt, reschedule.
// Each group is strictly serial; groups progress in parallel.
func (t *TaskGroups) monitor(group *TaskGroup) {
	switch group.State(t.clock.Now()) {
	case GroupEmpty:
		t.maybeInvalidate(group)

	case GroupReady:
		id := group.Pop()
		if err := t.limiter.Wait(context.Background()); err != nil {
			t.logger.Error().Err(err).Msg("Rate limiter wait failed")
			return
		}
		if t.action.Schedule(id) {
			if !t.maybeInvalidate(group) {
				t.schedule(group, group.ResetPenalty())
			}
		} else {
			group.Push(id, t.clock.Now())
			penalty := group.Penalize()
			t.preemptor.FindPreemptionSlotFor(id)
			t.schedule(group, penalty)
		}

	case GroupNotReady:
		t.schedule(group, group.Penalty())
	}
}

// Groups returns a snapshot of the live groups, for inspection.
func (t *TaskGroups) Groups() []*TaskGroup {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*TaskGroup, 0, len(t.groups))
	for _, g := range t.groups {
		out = append(out, g)
	}
	return out
}
