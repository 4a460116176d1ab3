package scheduler

import (
	"github.com/rs/zerolog"

	"github.com/roostlabs/roost/pkg/log"
	"github.com/roostlabs/roost/pkg/metrics"
	"github.com/roostlabs/roost/pkg/state"
	"github.com/roostlabs/roost/pkg/storage"
	"github.com/roostlabs/roost/pkg/types"
)

// Launcher emits the launch message for an assigned task to the cluster
// manager.
type Launcher interface {
	LaunchTask(offer *types.Offer, task *types.AssignedTask) error
}

// Placer is the placement action: given a PENDING task it searches the offer
// pool for a compatible slot, binds the task to it, and launches.
type Placer struct {
	storage  *storage.Storage
	pool     *OfferPool
	state    *state.Manager
	launcher Launcher
	logger   zerolog.Logger
}

// NewPlacer creates a placement action over the offer pool.
func NewPlacer(st *storage.Storage, pool *OfferPool, sm *state.Manager, launcher Launcher) *Placer {
	return &Placer{
		storage:  st,
		pool:     pool,
		state:    sm,
		launcher: launcher,
		logger:   log.WithComponent("placer"),
	}
}

// Schedule attempts to place the task against the current offer pool.
// Returning true removes the task from its group: either it was placed, or
// it is no longer schedulable at all (deleted or moved on).
func (p *Placer) Schedule(taskID string) bool {
	var task *types.ScheduledTask
	var attrsByHost map[string]*types.HostAttributes
	err := p.storage.Read(func(sp storage.StoreProvider) error {
		task = sp.Tasks().FetchTask(taskID)
		attrsByHost = make(map[string]*types.HostAttributes)
		for _, a := range sp.Attributes().FetchAllHostAttributes() {
			attrsByHost[a.Host] = a
		}
		return nil
	})
	if err != nil {
		p.logger.Error().Err(err).Str("task_id", taskID).Msg("Failed to read task")
		metrics.ScheduleAttemptsTotal.WithLabelValues("error").Inc()
		return false
	}
	if task == nil || task.Status != types.StatusPending {
		// Raced with a kill or an operator transition; nothing to place.
		return true
	}

	config := task.Assigned.Task
	for _, offer := range p.pool.Snapshot() {
		if !p.offerMatches(offer, config, attrsByHost[offer.Host]) {
			continue
		}

		ports, ok := assignPorts(offer, config.PortNames)
		if !ok {
			continue
		}

		// Reserve the offer before binding so two groups cannot place onto
		// the same slot.
		if !p.pool.Rescind(offer.ID) {
			continue
		}

		assigned, err := p.state.AssignTask(taskID, offer.SlaveID, offer.Host, ports)
		if err != nil {
			// The write failed and rolled back; return the offer and retry.
			p.pool.Add(offer)
			p.logger.Error().Err(err).Str("task_id", taskID).Msg("Failed to assign task")
			metrics.ScheduleAttemptsTotal.WithLabelValues("error").Inc()
			return false
		}
		if !assigned {
			p.pool.Add(offer)
			return true
		}

		launched := task.Assigned
		launched.SlaveID = offer.SlaveID
		launched.SlaveHost = offer.Host
		launched.AssignedPorts = ports
		if err := p.launcher.LaunchTask(offer, launched); err != nil {
			p.logger.Error().Err(err).Str("task_id", taskID).Msg("Failed to launch task")
		}
		metrics.ScheduleAttemptsTotal.WithLabelValues("success").Inc()
		p.logger.Info().
			Str("task_id", taskID).
			Str("host", offer.Host).
			Msg("Task placed")
		return true
	}

	metrics.ScheduleAttemptsTotal.WithLabelValues("no_match").Inc()
	return false
}

func (p *Placer) offerMatches(offer *types.Offer, config *types.TaskConfig, attrs *types.HostAttributes) bool {
	if attrs != nil {
		switch attrs.Mode {
		case types.MaintenanceDraining, types.MaintenanceDrained:
			return false
		}
	}
	if !offer.Resources.AtLeast(config.Resources) {
		return false
	}
	if len(config.Constraints) > 0 {
		hostAttrs := attrs
		if hostAttrs == nil {
			hostAttrs = &types.HostAttributes{Host: offer.Host}
		}
		var activeOnHost []*types.ScheduledTask
		err := p.storage.Read(func(sp storage.StoreProvider) error {
			activeOnHost = sp.Tasks().FetchTasks(storage.TaskQuery{SlaveHost: offer.Host}.Active())
			return nil
		})
		if err != nil {
			return false
		}
		if !matchConstraints(hostAttrs, config, activeOnHost) {
			return false
		}
	}
	return true
}

// assignPorts picks one concrete port from the offer's ranges for each named
// port. Returns false if the offer cannot cover the request.
func assignPorts(offer *types.Offer, names []string) (map[string]int, bool) {
	if len(names) == 0 {
		return nil, true
	}
	available := offer.Ports()
	if len(available) < len(names) {
		return nil, false
	}
	ports := make(map[string]int, len(names))
	for i, name := range names {
		ports[name] = available[i]
	}
	return ports, true
}
