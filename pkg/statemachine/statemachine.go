package statemachine

import (
	"github.com/roostlabs/roost/pkg/log"
	"github.com/roostlabs/roost/pkg/metrics"
	"github.com/roostlabs/roost/pkg/types"
)

// WorkCommand is a side effect that must be performed for a state transition
// to be fully complete. Commands are applied by the state-machine host inside
// the transaction that triggered the transition.
type WorkCommand string

const (
	// WorkUpdateState persists the new status and appends a task event.
	WorkUpdateState WorkCommand = "UPDATE_STATE"

	// WorkKill instructs the agent to terminate the remote process.
	WorkKill WorkCommand = "KILL"

	// WorkReschedule synthesizes a replacement task with a new task id.
	WorkReschedule WorkCommand = "RESCHEDULE"

	// WorkIncrementFailures bumps the task's failure count.
	WorkIncrementFailures WorkCommand = "INCREMENT_FAILURES"

	// WorkDelete removes the task record from storage.
	WorkDelete WorkCommand = "DELETE"
)

// TaskView is the slice of a task's state the transition function needs.
type TaskView struct {
	Status          types.ScheduleStatus
	IsService       bool
	MaxTaskFailures int
	FailureCount    int
}

// Result describes the outcome of an attempted transition.
type Result struct {
	// Allowed reports whether the transition is a legal edge. Commands may
	// still be emitted for a disallowed transition (killing a zombie).
	Allowed bool

	// Noop is set when the target equals the current state; nothing happens.
	Noop bool

	// To is the effective target state. It differs from the requested state
	// when an UNKNOWN report against a live task is rewritten to LOST.
	To types.ScheduleStatus

	Commands []WorkCommand
}

var legalTargets = map[types.ScheduleStatus][]types.ScheduleStatus{
	types.StatusInit:      {types.StatusPending, types.StatusThrottled, types.StatusUnknown},
	types.StatusPending:   {types.StatusAssigned, types.StatusKilling},
	types.StatusThrottled: {types.StatusPending, types.StatusKilling},
	types.StatusAssigned: {
		types.StatusStarting, types.StatusRunning, types.StatusFinished, types.StatusFailed,
		types.StatusRestarting, types.StatusKilled, types.StatusKilling, types.StatusLost,
		types.StatusPreempting,
	},
	types.StatusStarting: {
		types.StatusRunning, types.StatusFinished, types.StatusFailed, types.StatusRestarting,
		types.StatusKilling, types.StatusKilled, types.StatusLost, types.StatusPreempting,
	},
	types.StatusRunning: {
		types.StatusFinished, types.StatusRestarting, types.StatusFailed, types.StatusKilling,
		types.StatusKilled, types.StatusLost, types.StatusPreempting,
	},
	types.StatusPreempting: {
		types.StatusFinished, types.StatusFailed, types.StatusKilling, types.StatusKilled,
		types.StatusLost,
	},
	types.StatusRestarting: {
		types.StatusFinished, types.StatusFailed, types.StatusKilling, types.StatusKilled,
		types.StatusLost,
	},
	types.StatusKilling: {
		types.StatusFinished, types.StatusFailed, types.StatusKilled, types.StatusLost,
		types.StatusUnknown,
	},
	types.StatusFinished: {types.StatusUnknown},
	types.StatusFailed:   {types.StatusUnknown},
	types.StatusKilled:   {types.StatusUnknown},
	types.StatusLost:     {types.StatusUnknown},
	types.StatusUnknown:  {},
}

// Legal reports whether from -> to is an edge of the transition table.
func Legal(from, to types.ScheduleStatus) bool {
	for _, t := range legalTargets[from] {
		if t == to {
			return true
		}
	}
	return false
}

// Transition computes the effective state change and side-effect commands for
// a task currently described by view when status is reported. It is pure:
// interpretation of the commands is left to the caller.
func Transition(view TaskView, status types.ScheduleStatus) Result {
	from := view.Status
	to := status

	// Noop transitions are silently dropped.
	if from == to {
		return Result{Noop: true, To: to}
	}

	// The agent previously acknowledged this task and now stopped reporting
	// it: treat the disappearance as LOST.
	if to == types.StatusUnknown {
		switch from {
		case types.StatusStarting, types.StatusRunning,
			types.StatusPreempting, types.StatusRestarting:
			to = types.StatusLost
		}
	}

	if !Legal(from, to) {
		res := Result{Allowed: false, To: to}
		// An already-terminal task re-announced by an agent is a zombie;
		// the record stays terminal but the remote process must die.
		if from.IsTerminal() {
			switch to {
			case types.StatusAssigned, types.StatusStarting, types.StatusRunning:
				res.Commands = []WorkCommand{WorkKill}
			}
		}
		smLogger := log.WithComponent("statemachine")
		smLogger.Error().
			Str("from", string(from)).
			Str("to", string(status)).
			Msg("Illegal state transition attempted")
		metrics.IllegalTransitionsTotal.Inc()
		return res
	}

	var cmds []WorkCommand

	switch to {
	case types.StatusKilling:
		// Killing a task that never reached an agent deletes the record
		// outright; otherwise the agent must be told.
		if from == types.StatusPending || from == types.StatusThrottled {
			cmds = append(cmds, WorkDelete)
		} else {
			cmds = append(cmds, WorkKill)
		}

	case types.StatusPreempting, types.StatusRestarting:
		cmds = append(cmds, WorkKill)

	case types.StatusFinished:
		if view.IsService {
			cmds = append(cmds, WorkReschedule)
		}

	case types.StatusFailed:
		cmds = append(cmds, WorkIncrementFailures)
		// Max failures is ignored for services and when set to -1.
		if view.IsService || view.MaxTaskFailures == -1 ||
			view.FailureCount < view.MaxTaskFailures-1 {
			cmds = append(cmds, WorkReschedule)
		} else {
			smLogger := log.WithComponent("statemachine")
			smLogger.Info().
				Msg("Task reached failure limit, not rescheduling")
		}

	case types.StatusKilled:
		switch from {
		case types.StatusAssigned, types.StatusStarting, types.StatusRunning,
			types.StatusPreempting, types.StatusRestarting:
			cmds = append(cmds, WorkReschedule)
		}

	case types.StatusLost:
		switch from {
		case types.StatusAssigned:
			cmds = append(cmds, WorkReschedule, WorkKill)
		case types.StatusStarting, types.StatusRunning:
			cmds = append(cmds, WorkReschedule)
		case types.StatusPreempting, types.StatusRestarting:
			cmds = append(cmds, WorkKill, WorkReschedule)
		}

	case types.StatusUnknown:
		// A terminal task that the remote end no longer knows about is
		// garbage collected.
		if from != types.StatusInit {
			cmds = append(cmds, WorkDelete)
		}
	}

	// The status write happens last so derived commands observe the task as
	// it was before the transition. Deleting a pending task replaces the
	// update entirely.
	if to != types.StatusUnknown && !(from == types.StatusPending && to == types.StatusKilling) {
		cmds = append(cmds, WorkUpdateState)
	}

	return Result{Allowed: true, To: to, Commands: cmds}
}
