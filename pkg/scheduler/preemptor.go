package scheduler

import (
	"fmt"
	"sort"

	"github.com/rs/zerolog"

	"github.com/roostlabs/roost/pkg/log"
	"github.com/roostlabs/roost/pkg/metrics"
	"github.com/roostlabs/roost/pkg/state"
	"github.com/roostlabs/roost/pkg/storage"
	"github.com/roostlabs/roost/pkg/types"
)

// Preemptor searches for a lower-priority running task to displace when a
// placement attempt fails. The victim is killed through the state machine;
// the candidate stays queued and retries once the freed resources come back
// as an offer.
type Preemptor struct {
	storage *storage.Storage
	state   *state.Manager
	logger  zerolog.Logger
}

// NewPreemptor creates a preemptor.
func NewPreemptor(st *storage.Storage, sm *state.Manager) *Preemptor {
	return &Preemptor{
		storage: st,
		state:   sm,
		logger:  log.WithComponent("preemptor"),
	}
}

// preemptible decides victim eligibility: production always beats
// non-production; within the same class, strictly greater priority wins.
func preemptible(candidate, victim *types.TaskConfig) bool {
	if candidate.Production && !victim.Production {
		return true
	}
	if candidate.Production == victim.Production {
		return candidate.Priority > victim.Priority
	}
	return false
}

// FindPreemptionSlotFor searches all hosts for a single victim whose removal
// would free enough resources for the candidate, and initiates its
// preemption.
func (p *Preemptor) FindPreemptionSlotFor(taskID string) {
	var candidate *types.ScheduledTask
	var running []*types.ScheduledTask
	attrsByHost := make(map[string]*types.HostAttributes)

	err := p.storage.Read(func(sp storage.StoreProvider) error {
		candidate = sp.Tasks().FetchTask(taskID)
		running = sp.Tasks().FetchTasks(storage.TaskQuery{
			Statuses: []types.ScheduleStatus{types.StatusRunning},
		})
		for _, a := range sp.Attributes().FetchAllHostAttributes() {
			attrsByHost[a.Host] = a
		}
		return nil
	})
	if err != nil {
		p.logger.Error().Err(err).Str("task_id", taskID).Msg("Failed to read preemption state")
		return
	}
	if candidate == nil || candidate.Status != types.StatusPending {
		return
	}
	config := candidate.Assigned.Task

	byHost := make(map[string][]*types.ScheduledTask)
	for _, t := range running {
		byHost[t.Assigned.SlaveHost] = append(byHost[t.Assigned.SlaveHost], t)
	}

	for host, victims := range byHost {
		attrs := attrsByHost[host]
		if attrs != nil {
			switch attrs.Mode {
			case types.MaintenanceDraining, types.MaintenanceDrained:
				continue
			}
		}
		hostAttrs := attrs
		if hostAttrs == nil {
			hostAttrs = &types.HostAttributes{Host: host}
		}
		if !matchConstraints(hostAttrs, config, nil) {
			continue
		}

		// Cheapest eligible victim first.
		sort.Slice(victims, func(i, j int) bool {
			return victims[i].Assigned.Task.Priority < victims[j].Assigned.Task.Priority
		})
		for _, victim := range victims {
			if !preemptible(config, victim.Assigned.Task) {
				continue
			}
			if !victim.Assigned.Task.Resources.AtLeast(config.Resources) {
				continue
			}

			msg := fmt.Sprintf("Preempting in favor of %s", candidate.Assigned.TaskID)
			changed, err := p.state.ChangeState(victim.Assigned.TaskID, types.StatusPreempting, msg)
			if err != nil {
				p.logger.Error().Err(err).
					Str("task_id", victim.Assigned.TaskID).
					Msg("Failed to preempt")
				return
			}
			if changed {
				metrics.PreemptionsTotal.Inc()
				p.logger.Info().
					Str("victim", victim.Assigned.TaskID).
					Str("candidate", taskID).
					Str("host", host).
					Msg("Initiated preemption")
				return
			}
		}
	}
}
