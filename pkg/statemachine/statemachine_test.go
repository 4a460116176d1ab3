package statemachine

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/roostlabs/roost/pkg/types"
)

func view(status types.ScheduleStatus) TaskView {
	return TaskView{Status: status, MaxTaskFailures: 1}
}

func TestHappyPathEmitsUpdates(t *testing.T) {
	steps := []struct {
		from, to types.ScheduleStatus
	}{
		{types.StatusInit, types.StatusPending},
		{types.StatusPending, types.StatusAssigned},
		{types.StatusAssigned, types.StatusStarting},
		{types.StatusStarting, types.StatusRunning},
		{types.StatusRunning, types.StatusFinished},
	}

	for _, s := range steps {
		res := Transition(view(s.from), s.to)
		assert.True(t, res.Allowed, "%s -> %s", s.from, s.to)
		assert.Equal(t, s.to, res.To)
		assert.Contains(t, res.Commands, WorkUpdateState)
	}
}

func TestServiceRescheduledOnFinished(t *testing.T) {
	res := Transition(TaskView{Status: types.StatusRunning, IsService: true}, types.StatusFinished)
	assert.True(t, res.Allowed)
	assert.Equal(t, []WorkCommand{WorkReschedule, WorkUpdateState}, res.Commands)

	res = Transition(TaskView{Status: types.StatusRunning, IsService: false}, types.StatusFinished)
	assert.Equal(t, []WorkCommand{WorkUpdateState}, res.Commands)
}

func TestFailureBudget(t *testing.T) {
	tests := []struct {
		name       string
		view       TaskView
		reschedule bool
	}{
		{
			name:       "budget remaining",
			view:       TaskView{Status: types.StatusRunning, MaxTaskFailures: 10, FailureCount: 0},
			reschedule: true,
		},
		{
			name:       "budget exhausted",
			view:       TaskView{Status: types.StatusRunning, MaxTaskFailures: 10, FailureCount: 9},
			reschedule: false,
		},
		{
			name:       "last allowed failure",
			view:       TaskView{Status: types.StatusRunning, MaxTaskFailures: 3, FailureCount: 2},
			reschedule: false,
		},
		{
			name:       "unlimited failures",
			view:       TaskView{Status: types.StatusRunning, MaxTaskFailures: -1, FailureCount: 1000},
			reschedule: true,
		},
		{
			name:       "service ignores budget",
			view:       TaskView{Status: types.StatusRunning, IsService: true, MaxTaskFailures: 1, FailureCount: 5},
			reschedule: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Transition(tt.view, types.StatusFailed)
			assert.True(t, res.Allowed)
			assert.Contains(t, res.Commands, WorkIncrementFailures)
			if tt.reschedule {
				assert.Contains(t, res.Commands, WorkReschedule)
			} else {
				assert.NotContains(t, res.Commands, WorkReschedule)
			}
		})
	}
}

func TestKilledAndLostReschedule(t *testing.T) {
	rescheduleFroms := []types.ScheduleStatus{
		types.StatusAssigned, types.StatusStarting, types.StatusRunning,
		types.StatusPreempting, types.StatusRestarting,
	}

	for _, from := range rescheduleFroms {
		for _, to := range []types.ScheduleStatus{types.StatusKilled, types.StatusLost} {
			res := Transition(view(from), to)
			assert.True(t, res.Allowed, "%s -> %s", from, to)
			count := 0
			for _, c := range res.Commands {
				if c == WorkReschedule {
					count++
				}
			}
			assert.Equal(t, 1, count, "%s -> %s should emit exactly one reschedule", from, to)
		}
	}

	// A task killed while already in KILLING does not come back.
	res := Transition(view(types.StatusKilling), types.StatusKilled)
	assert.True(t, res.Allowed)
	assert.NotContains(t, res.Commands, WorkReschedule)
}

func TestLostFromPreemptingAlsoKills(t *testing.T) {
	for _, from := range []types.ScheduleStatus{types.StatusPreempting, types.StatusRestarting} {
		res := Transition(view(from), types.StatusLost)
		assert.True(t, res.Allowed)
		assert.Contains(t, res.Commands, WorkKill)
		assert.Contains(t, res.Commands, WorkReschedule)
	}
}

func TestKillingPendingDeletesWithoutUpdate(t *testing.T) {
	res := Transition(view(types.StatusPending), types.StatusKilling)
	assert.True(t, res.Allowed)
	assert.Equal(t, []WorkCommand{WorkDelete}, res.Commands)

	// A throttled task is likewise deleted rather than killed.
	res = Transition(view(types.StatusThrottled), types.StatusKilling)
	assert.True(t, res.Allowed)
	assert.Contains(t, res.Commands, WorkDelete)
	assert.NotContains(t, res.Commands, WorkKill)
}

func TestUnknownRewrittenToLost(t *testing.T) {
	for _, from := range []types.ScheduleStatus{types.StatusStarting, types.StatusRunning} {
		res := Transition(view(from), types.StatusUnknown)
		assert.True(t, res.Allowed, "from %s", from)
		assert.Equal(t, types.StatusLost, res.To)
		assert.Contains(t, res.Commands, WorkReschedule)
	}
}

func TestTerminalToUnknownDeletes(t *testing.T) {
	for _, from := range []types.ScheduleStatus{
		types.StatusFinished, types.StatusFailed, types.StatusKilled, types.StatusLost,
	} {
		res := Transition(view(from), types.StatusUnknown)
		assert.True(t, res.Allowed, "from %s", from)
		assert.Equal(t, []WorkCommand{WorkDelete}, res.Commands)
	}
}

func TestZombieTaskKilled(t *testing.T) {
	for _, to := range []types.ScheduleStatus{
		types.StatusAssigned, types.StatusStarting, types.StatusRunning,
	} {
		res := Transition(view(types.StatusFinished), to)
		assert.False(t, res.Allowed)
		assert.Equal(t, []WorkCommand{WorkKill}, res.Commands)
	}
}

func TestIllegalTransitionsEmitNothing(t *testing.T) {
	tests := []struct {
		from, to types.ScheduleStatus
	}{
		{types.StatusPending, types.StatusRunning},
		{types.StatusPending, types.StatusFinished},
		{types.StatusRunning, types.StatusAssigned},
		{types.StatusFinished, types.StatusFailed},
		{types.StatusUnknown, types.StatusPending},
		{types.StatusKilling, types.StatusRunning},
	}

	for _, tt := range tests {
		res := Transition(view(tt.from), tt.to)
		assert.False(t, res.Allowed, "%s -> %s", tt.from, tt.to)
		assert.Empty(t, res.Commands, "%s -> %s", tt.from, tt.to)
	}
}

func TestNoopTransitionDropped(t *testing.T) {
	res := Transition(view(types.StatusRunning), types.StatusRunning)
	assert.True(t, res.Noop)
	assert.Empty(t, res.Commands)
}

func TestEveryLegalEdgeMatchesTable(t *testing.T) {
	all := []types.ScheduleStatus{
		types.StatusInit, types.StatusPending, types.StatusThrottled, types.StatusAssigned,
		types.StatusStarting, types.StatusRunning, types.StatusPreempting, types.StatusRestarting,
		types.StatusKilling, types.StatusFinished, types.StatusFailed, types.StatusKilled,
		types.StatusLost, types.StatusUnknown,
	}

	for _, from := range all {
		for _, to := range all {
			if from == to {
				continue
			}
			res := Transition(view(from), to)
			// Rewritten targets are judged against the rewritten edge.
			assert.Equal(t, Legal(from, res.To), res.Allowed, "%s -> %s", from, to)
		}
	}
}
