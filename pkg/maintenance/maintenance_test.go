package maintenance

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roostlabs/roost/pkg/clock"
	"github.com/roostlabs/roost/pkg/events"
	"github.com/roostlabs/roost/pkg/state"
	"github.com/roostlabs/roost/pkg/storage"
	"github.com/roostlabs/roost/pkg/types"
)

type nullDriver struct{}

func (nullDriver) KillTask(taskID, slaveID string) error { return nil }

func newFixture(t *testing.T) (*Controller, *state.Manager, *storage.Storage) {
	stores := storage.NewStores()
	st := storage.New(stores, storage.DirectAppender{Stores: stores})
	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	calc := state.NewRescheduleCalculator(state.RescheduleConfig{}, 1)
	sm := state.NewManager(st, broker, nullDriver{}, clock.NewFake(), calc, state.DefaultConfig("test"))
	return NewController(st, sm), sm, st
}

func runningTaskOn(t *testing.T, sm *state.Manager, host string, instance int) string {
	config := &types.TaskConfig{
		Job:             types.JobKey{Role: "www-data", Environment: "prod", Name: "web"},
		Resources:       types.Resources{CPUs: 1, RAMMb: 64, DiskMb: 8},
		MaxTaskFailures: 1,
	}
	ids, err := sm.InsertPendingTasks(config, []int{instance})
	require.NoError(t, err)
	_, err = sm.AssignTask(ids[0], "slave-"+host, host, nil)
	require.NoError(t, err)
	_, err = sm.StatusUpdate(ids[0], types.StatusStarting, "")
	require.NoError(t, err)
	_, err = sm.StatusUpdate(ids[0], types.StatusRunning, "")
	require.NoError(t, err)
	return ids[0]
}

func TestLifecycleWithoutTasks(t *testing.T) {
	c, _, _ := newFixture(t)

	modes, err := c.StartMaintenance([]string{"hostA"})
	require.NoError(t, err)
	assert.Equal(t, types.MaintenanceScheduled, modes["hostA"])

	// Nothing to drain: straight to DRAINED.
	modes, err = c.Drain([]string{"hostA"})
	require.NoError(t, err)
	assert.Equal(t, types.MaintenanceDrained, modes["hostA"])

	modes, err = c.EndMaintenance([]string{"hostA"})
	require.NoError(t, err)
	assert.Equal(t, types.MaintenanceNone, modes["hostA"])
}

func TestDrainRestartsActiveTasks(t *testing.T) {
	c, sm, st := newFixture(t)
	id := runningTaskOn(t, sm, "hostA", 0)

	_, err := c.StartMaintenance([]string{"hostA"})
	require.NoError(t, err)

	modes, err := c.Drain([]string{"hostA"})
	require.NoError(t, err)
	assert.Equal(t, types.MaintenanceDraining, modes["hostA"])

	var task *types.ScheduledTask
	st.Read(func(sp storage.StoreProvider) error {
		task = sp.Tasks().FetchTask(id)
		return nil
	})
	assert.Equal(t, types.StatusRestarting, task.Status)

	// The agent confirms the kill; the host empties and drains.
	_, err = sm.StatusUpdate(id, types.StatusKilled, "")
	require.NoError(t, err)

	st.Read(func(sp storage.StoreProvider) error {
		task = sp.Tasks().FetchTask(id)
		return nil
	})
	c.HandleEvent(events.TaskStateChange{
		TaskID: id, Task: task,
		OldState: types.StatusRestarting, NewState: types.StatusKilled,
	})

	status, err := c.Status([]string{"hostA"})
	require.NoError(t, err)
	assert.Equal(t, types.MaintenanceDrained, status["hostA"])
}

func TestDrainRequiresScheduled(t *testing.T) {
	c, _, _ := newFixture(t)

	// Draining a host that was never scheduled is a no-op.
	modes, err := c.Drain([]string{"hostA"})
	require.NoError(t, err)
	assert.Equal(t, types.MaintenanceNone, modes["hostA"])
}
