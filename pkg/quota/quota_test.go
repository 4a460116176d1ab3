package quota

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roostlabs/roost/pkg/storage"
	"github.com/roostlabs/roost/pkg/types"
)

func newStorage() *storage.Storage {
	stores := storage.NewStores()
	return storage.New(stores, storage.DirectAppender{Stores: stores})
}

func prodTask(id string, status types.ScheduleStatus, cpus float64) *types.ScheduledTask {
	return &types.ScheduledTask{
		Status: status,
		Assigned: &types.AssignedTask{
			TaskID: id,
			Task: &types.TaskConfig{
				Job:        types.JobKey{Role: "www-data", Environment: "prod", Name: "web"},
				Production: true,
				Resources:  types.Resources{CPUs: cpus, RAMMb: 100, DiskMb: 10},
			},
		},
	}
}

func TestConsumptionCountsProductionActiveOnly(t *testing.T) {
	st := newStorage()
	require.NoError(t, st.Write(func(sp storage.MutableStoreProvider) error {
		sp.MutableTasks().SaveTask(prodTask("t1", types.StatusRunning, 2))
		sp.MutableTasks().SaveTask(prodTask("t2", types.StatusPending, 3))
		// Terminal production task does not count.
		sp.MutableTasks().SaveTask(prodTask("t3", types.StatusFinished, 5))
		// Active non-production task does not count.
		nonProd := prodTask("t4", types.StatusRunning, 7)
		nonProd.Assigned.Task.Production = false
		sp.MutableTasks().SaveTask(nonProd)
		return nil
	}))

	st.Read(func(sp storage.StoreProvider) error {
		used := Consumption(sp, "www-data")
		assert.Equal(t, float64(5), used.CPUs)
		return nil
	})
}

func TestCheckAdmission(t *testing.T) {
	st := newStorage()
	m := NewManager(st)
	require.NoError(t, m.Set("www-data", types.Resources{CPUs: 10, RAMMb: 10000, DiskMb: 10000}))

	config := &types.TaskConfig{
		Job:        types.JobKey{Role: "www-data", Environment: "prod", Name: "web"},
		Production: true,
		Resources:  types.Resources{CPUs: 4, RAMMb: 100, DiskMb: 10},
	}

	var quotaErr *Error
	st.Read(func(sp storage.StoreProvider) error {
		assert.NoError(t, CheckAdmission(sp, config, 2))
		assert.ErrorAs(t, CheckAdmission(sp, config, 3), &quotaErr)

		// Non-production requests are always admitted.
		free := *config
		free.Production = false
		assert.NoError(t, CheckAdmission(sp, &free, 100))
		return nil
	})

	// A role without quota cannot run production jobs.
	other := *config
	other.Job.Role = "ads"
	st.Read(func(sp storage.StoreProvider) error {
		assert.ErrorAs(t, CheckAdmission(sp, &other, 1), &quotaErr)
		return nil
	})
}
