package maintenance

import (
	"github.com/rs/zerolog"

	"github.com/roostlabs/roost/pkg/events"
	"github.com/roostlabs/roost/pkg/log"
	"github.com/roostlabs/roost/pkg/state"
	"github.com/roostlabs/roost/pkg/storage"
	"github.com/roostlabs/roost/pkg/types"
)

// Controller drives the host drain lifecycle:
// NONE -> SCHEDULED -> DRAINING -> DRAINED -> NONE.
type Controller struct {
	storage *storage.Storage
	state   *state.Manager
	logger  zerolog.Logger
}

// NewController creates a maintenance controller.
func NewController(st *storage.Storage, sm *state.Manager) *Controller {
	return &Controller{
		storage: st,
		state:   sm,
		logger:  log.WithComponent("maintenance"),
	}
}

// StartMaintenance marks hosts as SCHEDULED for maintenance. Placement keeps
// using scheduled hosts; draining them comes later.
func (c *Controller) StartMaintenance(hosts []string) (map[string]types.MaintenanceMode, error) {
	return c.setMode(hosts, types.MaintenanceScheduled, func(mode types.MaintenanceMode) bool {
		return mode == types.MaintenanceNone
	})
}

// EndMaintenance returns hosts to NONE.
func (c *Controller) EndMaintenance(hosts []string) (map[string]types.MaintenanceMode, error) {
	return c.setMode(hosts, types.MaintenanceNone, func(types.MaintenanceMode) bool {
		return true
	})
}

// Status reports the current mode of each host.
func (c *Controller) Status(hosts []string) (map[string]types.MaintenanceMode, error) {
	result := make(map[string]types.MaintenanceMode, len(hosts))
	err := c.storage.Read(func(sp storage.StoreProvider) error {
		for _, host := range hosts {
			result[host] = modeOf(sp, host)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Drain moves SCHEDULED hosts to DRAINING and restarts every active task on
// them; the state machine kills and reschedules each. A host with no active
// tasks goes straight to DRAINED.
func (c *Controller) Drain(hosts []string) (map[string]types.MaintenanceMode, error) {
	result := make(map[string]types.MaintenanceMode, len(hosts))
	var toRestart []string

	err := c.storage.Write(func(sp storage.MutableStoreProvider) error {
		for _, host := range hosts {
			attrs := sp.Attributes().FetchHostAttributes(host)
			if attrs == nil {
				attrs = &types.HostAttributes{Host: host, Mode: types.MaintenanceNone}
			}
			if attrs.Mode != types.MaintenanceScheduled && attrs.Mode != types.MaintenanceDraining {
				result[host] = attrs.Mode
				continue
			}

			active := sp.Tasks().FetchTasks(storage.TaskQuery{SlaveHost: host}.Active())
			if len(active) == 0 {
				attrs.Mode = types.MaintenanceDrained
			} else {
				attrs.Mode = types.MaintenanceDraining
				for _, t := range active {
					toRestart = append(toRestart, t.Assigned.TaskID)
				}
			}
			sp.MutableAttributes().SaveHostAttributes(attrs)
			result[host] = attrs.Mode
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Restarts run as their own transactions; each kills the task and
	// reschedules it elsewhere.
	for _, id := range toRestart {
		if _, err := c.state.ChangeState(id, types.StatusRestarting, "Draining host for maintenance"); err != nil {
			c.logger.Error().Err(err).Str("task_id", id).Msg("Failed to drain task")
		}
	}
	return result, nil
}

// HandleEvent watches task terminations and completes the drain of any host
// that no longer runs active tasks.
func (c *Controller) HandleEvent(ev events.Event) {
	change, ok := ev.(events.TaskStateChange)
	if !ok || !change.NewState.IsTerminal() {
		return
	}
	host := change.Task.Assigned.SlaveHost
	if host == "" {
		return
	}

	err := c.storage.Write(func(sp storage.MutableStoreProvider) error {
		attrs := sp.Attributes().FetchHostAttributes(host)
		if attrs == nil || attrs.Mode != types.MaintenanceDraining {
			return nil
		}
		if len(sp.Tasks().FetchTasks(storage.TaskQuery{SlaveHost: host}.Active())) > 0 {
			return nil
		}
		attrs.Mode = types.MaintenanceDrained
		sp.MutableAttributes().SaveHostAttributes(attrs)
		c.logger.Info().Str("host", host).Msg("Host drained")
		return nil
	})
	if err != nil {
		c.logger.Error().Err(err).Str("host", host).Msg("Failed to update drain state")
	}
}

// Run consumes the event bus until the subscription closes.
func (c *Controller) Run(sub events.Subscriber) {
	for ev := range sub {
		c.HandleEvent(ev)
	}
}

func (c *Controller) setMode(
	hosts []string,
	mode types.MaintenanceMode,
	allowed func(types.MaintenanceMode) bool,
) (map[string]types.MaintenanceMode, error) {

	result := make(map[string]types.MaintenanceMode, len(hosts))
	err := c.storage.Write(func(sp storage.MutableStoreProvider) error {
		for _, host := range hosts {
			attrs := sp.Attributes().FetchHostAttributes(host)
			if attrs == nil {
				attrs = &types.HostAttributes{Host: host, Mode: types.MaintenanceNone}
			}
			if allowed(attrs.Mode) {
				attrs.Mode = mode
				sp.MutableAttributes().SaveHostAttributes(attrs)
			}
			result[host] = attrs.Mode
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func modeOf(sp storage.StoreProvider, host string) types.MaintenanceMode {
	if attrs := sp.Attributes().FetchHostAttributes(host); attrs != nil {
		return attrs.Mode
	}
	return types.MaintenanceNone
}
