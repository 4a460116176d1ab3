package api

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roostlabs/roost/pkg/clock"
	"github.com/roostlabs/roost/pkg/events"
	"github.com/roostlabs/roost/pkg/locks"
	"github.com/roostlabs/roost/pkg/maintenance"
	"github.com/roostlabs/roost/pkg/quota"
	"github.com/roostlabs/roost/pkg/recovery"
	"github.com/roostlabs/roost/pkg/state"
	"github.com/roostlabs/roost/pkg/storage"
	"github.com/roostlabs/roost/pkg/types"
)

type nullDriver struct{}

func (nullDriver) KillTask(taskID, slaveID string) error { return nil }

type nullSnapshotter struct{ calls int }

func (n *nullSnapshotter) Snapshot() error {
	n.calls++
	return nil
}

type fixture struct {
	service     *Service
	storage     *storage.Storage
	state       *state.Manager
	clock       *clock.Fake
	snapshotter *nullSnapshotter
	recovery    *recovery.Recovery
	broker      *events.Broker
}

func newFixture(t *testing.T) *fixture {
	stores := storage.NewStores()
	st := storage.New(stores, storage.DirectAppender{Stores: stores})
	clk := clock.NewFake()
	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	calc := state.NewRescheduleCalculator(state.RescheduleConfig{}, 1)
	sm := state.NewManager(st, broker, nullDriver{}, clk, calc, state.DefaultConfig("test"))
	lockMgr := locks.NewManager(st, clk)
	quotaMgr := quota.NewManager(st)
	maint := maintenance.NewController(st, sm)

	rec, err := recovery.Open(t.TempDir(), st, broker, clk)
	require.NoError(t, err)
	t.Cleanup(func() { rec.Close() })

	snapshotter := &nullSnapshotter{}
	svc := NewService(Deps{
		Storage:     st,
		State:       sm,
		Locks:       lockMgr,
		Quota:       quotaMgr,
		Maintenance: maint,
		Recovery:    rec,
		Snapshotter: snapshotter,
		Clock:       clk,
	}, Config{KillTimeout: 100 * time.Millisecond})

	return &fixture{
		service: svc, storage: st, state: sm, clock: clk,
		snapshotter: snapshotter, recovery: rec, broker: broker,
	}
}

func session(roles ...string) *SessionKey {
	return &SessionKey{User: "tester", Roles: roles}
}

func rootSession() *SessionKey {
	return &SessionKey{User: "admin", Capabilities: []Capability{CapabilityRoot}}
}

func jobConfig(name string, instances int) *types.JobConfiguration {
	return &types.JobConfiguration{
		Key:           types.JobKey{Role: "www-data", Environment: "prod", Name: name},
		Owner:         types.Identity{Role: "www-data", User: "www-data"},
		InstanceCount: instances,
		Task: &types.TaskConfig{
			Resources: types.Resources{CPUs: 1, RAMMb: 100, DiskMb: 10},
			Command:   "run",
		},
	}
}

func TestCreateJobCreatesPendingTasks(t *testing.T) {
	f := newFixture(t)

	resp := f.service.CreateJob(session("www-data"), jobConfig("web", 3), nil)
	require.Equal(t, CodeOK, resp.Code, resp.Message)

	resp = f.service.GetTasksStatus(storage.TaskQuery{JobName: "web"})
	tasks := resp.Result.([]*types.ScheduledTask)
	assert.Len(t, tasks, 3)
	for _, task := range tasks {
		assert.Equal(t, types.StatusPending, task.Status)
		// Defaults applied by populate.
		assert.Equal(t, 1, task.Assigned.Task.MaxTaskFailures)
	}
}

func TestCreateJobRejectsDuplicates(t *testing.T) {
	f := newFixture(t)

	require.Equal(t, CodeOK, f.service.CreateJob(session("www-data"), jobConfig("web", 1), nil).Code)
	resp := f.service.CreateJob(session("www-data"), jobConfig("web", 1), nil)
	assert.Equal(t, CodeInvalidRequest, resp.Code)
	assert.Contains(t, resp.Message, "already exists")
}

func TestCreateJobAuthChecks(t *testing.T) {
	f := newFixture(t)

	resp := f.service.CreateJob(session("other-role"), jobConfig("web", 1), nil)
	assert.Equal(t, CodeAuthFailed, resp.Code)

	resp = f.service.CreateJob(nil, jobConfig("web", 1), nil)
	assert.Equal(t, CodeAuthFailed, resp.Code)

	// ROOT bypasses role ownership.
	resp = f.service.CreateJob(rootSession(), jobConfig("web", 1), nil)
	assert.Equal(t, CodeOK, resp.Code)
}

func TestCreateJobQuota(t *testing.T) {
	f := newFixture(t)

	job := jobConfig("web", 2)
	job.Task.Production = true

	// No quota set for the role.
	resp := f.service.CreateJob(session("www-data"), job, nil)
	assert.Equal(t, CodeInvalidRequest, resp.Code)

	require.Equal(t, CodeOK, f.service.SetQuota(rootSession(), "www-data",
		types.Resources{CPUs: 10, RAMMb: 1000, DiskMb: 1000}).Code)
	resp = f.service.CreateJob(session("www-data"), job, nil)
	assert.Equal(t, CodeOK, resp.Code, resp.Message)

	// A second production job that would exceed the quota is rejected.
	big := jobConfig("bigger", 20)
	big.Task.Production = true
	resp = f.service.CreateJob(session("www-data"), big, nil)
	assert.Equal(t, CodeInvalidRequest, resp.Code)
	assert.Contains(t, resp.Message, "quota")
}

func TestLockGatedKill(t *testing.T) {
	f := newFixture(t)

	require.Equal(t, CodeOK, f.service.CreateJob(session("www-data"), jobConfig("web", 1), nil).Code)

	resp := f.service.AcquireLock(session("www-data"), types.LockKey{
		Job: types.JobKey{Role: "www-data", Environment: "prod", Name: "web"},
	})
	require.Equal(t, CodeOK, resp.Code)
	token := resp.Result.(*types.Lock)

	// Kill without the token is refused.
	resp = f.service.KillTasks(session("www-data"), storage.TaskQuery{JobName: "web"}, nil)
	assert.Equal(t, CodeInvalidRequest, resp.Code)
	assert.Contains(t, resp.Message, "locked")

	// Kill with the token proceeds; pending tasks are deleted immediately.
	resp = f.service.KillTasks(session("www-data"), storage.TaskQuery{JobName: "web"}, token)
	assert.Equal(t, CodeOK, resp.Code, resp.Message)
}

func TestKillTasksEmptyMatch(t *testing.T) {
	f := newFixture(t)

	resp := f.service.KillTasks(session("www-data"), storage.TaskQuery{JobName: "nothing"}, nil)
	assert.Equal(t, CodeInvalidRequest, resp.Code)
	assert.Contains(t, resp.Message, "no tasks found")
}

func TestLockRoundTrip(t *testing.T) {
	f := newFixture(t)
	key := types.LockKey{Job: types.JobKey{Role: "www-data", Environment: "prod", Name: "web"}}

	resp := f.service.AcquireLock(session("www-data"), key)
	require.Equal(t, CodeOK, resp.Code)
	token := resp.Result.(*types.Lock)

	// Double acquire fails.
	assert.Equal(t, CodeInvalidRequest, f.service.AcquireLock(session("www-data"), key).Code)

	require.Equal(t, CodeOK, f.service.ReleaseLock(session("www-data"), token, LockChecked).Code)

	// Released: acquire succeeds again.
	assert.Equal(t, CodeOK, f.service.AcquireLock(session("www-data"), key).Code)
}

func TestForceTaskState(t *testing.T) {
	f := newFixture(t)

	require.Equal(t, CodeOK, f.service.CreateJob(session("www-data"), jobConfig("web", 1), nil).Code)
	tasks := f.service.GetTasksStatus(storage.TaskQuery{}).Result.([]*types.ScheduledTask)
	require.Len(t, tasks, 1)
	id := tasks[0].Assigned.TaskID

	// Requires ROOT.
	assert.Equal(t, CodeAuthFailed, f.service.ForceTaskState(session("www-data"), id, types.StatusAssigned).Code)

	resp := f.service.ForceTaskState(rootSession(), id, types.StatusAssigned)
	assert.Equal(t, CodeOK, resp.Code)

	observed := f.service.GetTasksStatus(storage.TaskQuery{IDs: []string{id}}).Result.([]*types.ScheduledTask)
	assert.Equal(t, types.StatusAssigned, observed[0].Status)

	// Still bound by the transition table.
	resp = f.service.ForceTaskState(rootSession(), id, types.StatusPending)
	assert.Equal(t, CodeInvalidRequest, resp.Code)
}

func TestCronJobLifecycle(t *testing.T) {
	f := newFixture(t)

	job := jobConfig("nightly", 2)
	job.CronSchedule = "0 3 * * *"
	require.Equal(t, CodeOK, f.service.CreateJob(session("www-data"), job, nil).Code)

	// No tasks yet; the template is stored.
	tasks := f.service.GetTasksStatus(storage.TaskQuery{}).Result.([]*types.ScheduledTask)
	assert.Empty(t, tasks)

	resp := f.service.StartCronJob(session("www-data"), job.Key)
	require.Equal(t, CodeOK, resp.Code, resp.Message)
	tasks = f.service.GetTasksStatus(storage.TaskQuery{}).Result.([]*types.ScheduledTask)
	assert.Len(t, tasks, 2)

	// Template replacement requires the job to exist as cron.
	other := jobConfig("adhoc", 1)
	other.CronSchedule = "0 4 * * *"
	other.Key.Name = "unknown"
	assert.Equal(t, CodeInvalidRequest,
		f.service.ReplaceCronTemplate(session("www-data"), other, nil).Code)

	job.InstanceCount = 3
	assert.Equal(t, CodeOK, f.service.ReplaceCronTemplate(session("www-data"), job, nil).Code)
}

func TestGetJobsAndRoleSummary(t *testing.T) {
	f := newFixture(t)

	require.Equal(t, CodeOK, f.service.CreateJob(session("www-data"), jobConfig("web", 2), nil).Code)
	cron := jobConfig("nightly", 1)
	cron.CronSchedule = "0 3 * * *"
	require.Equal(t, CodeOK, f.service.CreateJob(session("www-data"), cron, nil).Code)

	jobs := f.service.GetJobs("www-data").Result.([]*JobSummary)
	require.Len(t, jobs, 2)

	summary := f.service.GetRoleSummary().Result.([]*RoleSummary)
	require.Len(t, summary, 1)
	assert.Equal(t, "www-data", summary[0].Role)
	assert.Equal(t, 1, summary[0].JobCount)
	assert.Equal(t, 1, summary[0].CronCount)
}

func TestMaintenanceRequiresRoot(t *testing.T) {
	f := newFixture(t)

	assert.Equal(t, CodeAuthFailed, f.service.StartMaintenance(session("www-data"), []string{"hostA"}).Code)

	resp := f.service.StartMaintenance(rootSession(), []string{"hostA"})
	require.Equal(t, CodeOK, resp.Code)
	modes := resp.Result.(map[string]types.MaintenanceMode)
	assert.Equal(t, types.MaintenanceScheduled, modes["hostA"])

	resp = f.service.DrainHosts(rootSession(), []string{"hostA"})
	require.Equal(t, CodeOK, resp.Code)
	modes = resp.Result.(map[string]types.MaintenanceMode)
	// No tasks on the host: straight to DRAINED.
	assert.Equal(t, types.MaintenanceDrained, modes["hostA"])

	resp = f.service.EndMaintenance(rootSession(), []string{"hostA"})
	require.Equal(t, CodeOK, resp.Code)
	modes = resp.Result.(map[string]types.MaintenanceMode)
	assert.Equal(t, types.MaintenanceNone, modes["hostA"])
}

func TestSnapshotAndVersion(t *testing.T) {
	f := newFixture(t)

	assert.Equal(t, CodeAuthFailed, f.service.Snapshot(session("www-data")).Code)
	assert.Equal(t, CodeOK, f.service.Snapshot(rootSession()).Code)
	assert.Equal(t, 1, f.snapshotter.calls)

	resp := f.service.GetVersion()
	assert.Equal(t, CodeOK, resp.Code)
	assert.Equal(t, APIVersion, resp.Result)
}

func TestRewriteConfigsAggregatesFailures(t *testing.T) {
	f := newFixture(t)

	require.Equal(t, CodeOK, f.service.CreateJob(session("www-data"), jobConfig("web", 1), nil).Code)
	tasks := f.service.GetTasksStatus(storage.TaskQuery{}).Result.([]*types.ScheduledTask)
	id := tasks[0].Assigned.TaskID

	good := *tasks[0].Assigned.Task
	good.Command = "run --updated"

	resp := f.service.RewriteConfigs(rootSession(), map[string]*types.TaskConfig{
		id:        &good,
		"missing": &good,
	})
	assert.Equal(t, CodeWarning, resp.Code)
	assert.Contains(t, resp.Message, "missing")

	observed := f.service.GetTasksStatus(storage.TaskQuery{IDs: []string{id}}).Result.([]*types.ScheduledTask)
	assert.Equal(t, "run --updated", observed[0].Assigned.Task.Command)
}

func TestBackupWorkflow(t *testing.T) {
	f := newFixture(t)

	require.Equal(t, CodeOK, f.service.CreateJob(session("www-data"), jobConfig("web", 2), nil).Code)

	resp := f.service.PerformBackup(rootSession())
	require.Equal(t, CodeOK, resp.Code)
	backupID := resp.Result.(string)

	list := f.service.ListBackups(rootSession())
	assert.Contains(t, list.Result.([]string), backupID)

	// Unknown backup id fails cleanly.
	assert.Equal(t, CodeInvalidRequest, f.service.StageRecovery(rootSession(), "nope").Code)

	require.Equal(t, CodeOK, f.service.StageRecovery(rootSession(), backupID).Code)

	staged := f.service.QueryRecovery(rootSession(), storage.TaskQuery{}).Result.([]*types.ScheduledTask)
	assert.Len(t, staged, 2)

	require.Equal(t, CodeOK, f.service.CommitRecovery(rootSession()).Code)
	tasks := f.service.GetTasksStatus(storage.TaskQuery{}).Result.([]*types.ScheduledTask)
	assert.Len(t, tasks, 2)
}
