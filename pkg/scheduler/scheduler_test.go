package scheduler

import (
	"sync"
	"testing"
	"time"

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

type recordingLauncher struct {
	mu       sync.Mutex
	launched []string
}

func (l *recordingLauncher) LaunchTask(offer *types.Offer, task *types.AssignedTask) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.launched = append(l.launched, task.TaskID)
	return nil
}

type fixture struct {
	storage  *storage.Storage
	state    *state.Manager
	pool     *OfferPool
	placer   *Placer
	launcher *recordingLauncher
	clock    *clock.Fake
	broker   *events.Broker
}

func newFixture(t *testing.T) *fixture {
	stores := storage.NewStores()
	st := storage.New(stores, storage.DirectAppender{Stores: stores})
	clk := clock.NewFake()
	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	calc := state.NewRescheduleCalculator(state.DefaultRescheduleConfig(), 1)
	sm := state.NewManager(st, broker, nullDriver{}, clk, calc, state.DefaultConfig("test"))

	pool := NewOfferPool()
	launcher := &recordingLauncher{}
	placer := NewPlacer(st, pool, sm, launcher)

	return &fixture{
		storage: st, state: sm, pool: pool, placer: placer,
		launcher: launcher, clock: clk, broker: broker,
	}
}

func testConfig(name string, production bool, priority int) *types.TaskConfig {
	return &types.TaskConfig{
		Job:             types.JobKey{Role: "www-data", Environment: "prod", Name: name},
		Resources:       types.Resources{CPUs: 1, RAMMb: 100, DiskMb: 10},
		Production:      production,
		Priority:        priority,
		MaxTaskFailures: 1,
	}
}

func testOffer(id, host string) *types.Offer {
	return &types.Offer{
		ID:      id,
		SlaveID: "slave-" + host,
		Host:    host,
		Resources: types.Resources{
			CPUs: 4, RAMMb: 4096, DiskMb: 40960,
		},
		PortRanges: []types.PortRange{{Begin: 31000, End: 31010}},
	}
}

func (f *fixture) pending(t *testing.T, config *types.TaskConfig, instance int) string {
	ids, err := f.state.InsertPendingTasks(config, []int{instance})
	require.NoError(t, err)
	return ids[0]
}

func (f *fixture) taskStatus(t *testing.T, id string) types.ScheduleStatus {
	var status types.ScheduleStatus
	require.NoError(t, f.storage.Read(func(sp storage.StoreProvider) error {
		task := sp.Tasks().FetchTask(id)
		require.NotNil(t, task)
		status = task.Status
		return nil
	}))
	return status
}

func TestPlacementSuccess(t *testing.T) {
	f := newFixture(t)

	cfg := testConfig("web", false, 0)
	cfg.PortNames = []string{"http"}
	id := f.pending(t, cfg, 0)
	f.pool.Add(testOffer("o1", "hostA"))

	assert.True(t, f.placer.Schedule(id))
	assert.Equal(t, types.StatusAssigned, f.taskStatus(t, id))
	assert.Equal(t, []string{id}, f.launcher.launched)
	assert.Equal(t, 0, f.pool.Size())

	f.storage.Read(func(sp storage.StoreProvider) error {
		task := sp.Tasks().FetchTask(id)
		assert.Equal(t, "hostA", task.Assigned.SlaveHost)
		assert.Equal(t, 31000, task.Assigned.AssignedPorts["http"])
		return nil
	})
}

func TestPlacementFailsWithoutOffers(t *testing.T) {
	f := newFixture(t)

	id := f.pending(t, testConfig("web", false, 0), 0)
	assert.False(t, f.placer.Schedule(id))
	assert.Equal(t, types.StatusPending, f.taskStatus(t, id))
}

func TestPlacementSkipsSmallOffers(t *testing.T) {
	f := newFixture(t)

	cfg := testConfig("web", false, 0)
	cfg.Resources = types.Resources{CPUs: 8, RAMMb: 100, DiskMb: 10}
	id := f.pending(t, cfg, 0)
	f.pool.Add(testOffer("o1", "hostA"))

	assert.False(t, f.placer.Schedule(id))
	assert.Equal(t, 1, f.pool.Size())
}

func TestPlacementSkipsDrainingHosts(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.storage.Write(func(sp storage.MutableStoreProvider) error {
		sp.MutableAttributes().SaveHostAttributes(&types.HostAttributes{
			Host: "hostA", Mode: types.MaintenanceDraining,
		})
		return nil
	}))

	id := f.pending(t, testConfig("web", false, 0), 0)
	f.pool.Add(testOffer("o1", "hostA"))

	assert.False(t, f.placer.Schedule(id))
}

func TestPlacementHonorsValueConstraints(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.storage.Write(func(sp storage.MutableStoreProvider) error {
		sp.MutableAttributes().SaveHostAttributes(&types.HostAttributes{
			Host:       "hostA",
			Attributes: map[string][]string{"rack": {"r1"}},
		})
		sp.MutableAttributes().SaveHostAttributes(&types.HostAttributes{
			Host:       "hostB",
			Attributes: map[string][]string{"rack": {"r2"}},
		})
		return nil
	}))

	cfg := testConfig("web", false, 0)
	cfg.Constraints = []types.Constraint{{
		Name: "rack", Mode: types.ConstraintValue, Values: []string{"r2"},
	}}
	id := f.pending(t, cfg, 0)

	f.pool.Add(testOffer("o1", "hostA"))
	f.pool.Add(testOffer("o2", "hostB"))

	assert.True(t, f.placer.Schedule(id))
	f.storage.Read(func(sp storage.StoreProvider) error {
		assert.Equal(t, "hostB", sp.Tasks().FetchTask(id).Assigned.SlaveHost)
		return nil
	})
}

func TestPlacementOfTerminalTaskIsDropped(t *testing.T) {
	f := newFixture(t)

	id := f.pending(t, testConfig("web", false, 0), 0)
	_, err := f.state.KillTasks(storage.TaskQuery{IDs: []string{id}}, "killed")
	require.NoError(t, err)

	// The record is gone; the group should drop the task.
	assert.True(t, f.placer.Schedule(id))
}

func TestPreemptorPicksLowerPriorityVictim(t *testing.T) {
	f := newFixture(t)

	victimID := f.pending(t, testConfig("batch", false, 0), 0)
	_, err := f.state.AssignTask(victimID, "slave-hostA", "hostA", nil)
	require.NoError(t, err)
	_, err = f.state.StatusUpdate(victimID, types.StatusStarting, "")
	require.NoError(t, err)
	_, err = f.state.StatusUpdate(victimID, types.StatusRunning, "")
	require.NoError(t, err)

	candidateID := f.pending(t, testConfig("web", true, 10), 0)

	preemptor := NewPreemptor(f.storage, f.state)
	preemptor.FindPreemptionSlotFor(candidateID)

	assert.Equal(t, types.StatusPreempting, f.taskStatus(t, victimID))
	// Candidate is untouched until the freed resources come back.
	assert.Equal(t, types.StatusPending, f.taskStatus(t, candidateID))
}

func TestPreemptorIgnoresHigherPriorityTasks(t *testing.T) {
	f := newFixture(t)

	victimID := f.pending(t, testConfig("important", true, 100), 0)
	_, err := f.state.AssignTask(victimID, "slave-hostA", "hostA", nil)
	require.NoError(t, err)
	_, err = f.state.StatusUpdate(victimID, types.StatusStarting, "")
	require.NoError(t, err)
	_, err = f.state.StatusUpdate(victimID, types.StatusRunning, "")
	require.NoError(t, err)

	candidateID := f.pending(t, testConfig("web", true, 10), 0)

	preemptor := NewPreemptor(f.storage, f.state)
	preemptor.FindPreemptionSlotFor(candidateID)

	assert.Equal(t, types.StatusRunning, f.taskStatus(t, victimID))
}

type stubAction struct {
	mu      sync.Mutex
	results map[string][]bool
	calls   []string
}

func (a *stubAction) Schedule(taskID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, taskID)
	rs := a.results[taskID]
	if len(rs) == 0 {
		return true
	}
	r := rs[0]
	a.results[taskID] = rs[1:]
	return r
}

func (a *stubAction) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.calls)
}

type stubSlotFinder struct {
	mu    sync.Mutex
	asked []string
}

func (s *stubSlotFinder) FindPreemptionSlotFor(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.asked = append(s.asked, taskID)
}

func pendingTask(id, job string) *types.ScheduledTask {
	return &types.ScheduledTask{
		Status: types.StatusPending,
		Assigned: &types.AssignedTask{
			TaskID: id,
			Task:   testConfig(job, false, 0),
		},
	}
}

func newGroups(f *fixture, action SchedulingAction, finder SlotFinder) *TaskGroups {
	settings := Settings{
		InitialPenalty:            time.Second,
		MaxPenalty:                time.Minute,
		MaxScheduleAttemptsPerSec: 1e6,
	}
	calc := state.NewRescheduleCalculator(state.RescheduleConfig{}, 1)
	return NewTaskGroups(f.storage, f.clock, action, finder, calc, settings)
}

func TestGroupLoopSchedulesPendingTask(t *testing.T) {
	f := newFixture(t)
	action := &stubAction{results: map[string][]bool{}}
	groups := newGroups(f, action, &stubSlotFinder{})

	task := pendingTask("t1", "web")
	groups.HandleEvent(events.TaskStateChange{
		TaskID: "t1", Task: task, OldState: types.StatusInit, NewState: types.StatusPending,
	})
	require.Len(t, groups.Groups(), 1)

	// First tick fires after the initial penalty.
	f.clock.Advance(time.Second)
	assert.Equal(t, 1, action.callCount())

	// Success empties the queue and drops the group.
	assert.Empty(t, groups.Groups())
}

func TestGroupLoopBacksOffAndProbesPreemptor(t *testing.T) {
	f := newFixture(t)
	action := &stubAction{results: map[string][]bool{"t1": {false, false, true}}}
	finder := &stubSlotFinder{}
	groups := newGroups(f, action, finder)

	groups.HandleEvent(events.TaskStateChange{
		TaskID: "t1", Task: pendingTask("t1", "web"),
		OldState: types.StatusInit, NewState: types.StatusPending,
	})

	f.clock.Advance(time.Second) // attempt 1: fail, penalty 2s
	assert.Equal(t, 1, action.callCount())
	assert.Equal(t, []string{"t1"}, finder.asked)

	f.clock.Advance(2 * time.Second) // attempt 2: fail, penalty 4s
	assert.Equal(t, 2, action.callCount())

	f.clock.Advance(4 * time.Second) // attempt 3: success
	assert.Equal(t, 3, action.callCount())
	assert.Empty(t, groups.Groups())
}

func TestGroupsShareFingerprint(t *testing.T) {
	f := newFixture(t)
	action := &stubAction{results: map[string][]bool{}}
	groups := newGroups(f, action, &stubSlotFinder{})

	groups.HandleEvent(events.TaskStateChange{
		TaskID: "t1", Task: pendingTask("t1", "web"),
		OldState: types.StatusInit, NewState: types.StatusPending,
	})
	groups.HandleEvent(events.TaskStateChange{
		TaskID: "t2", Task: pendingTask("t2", "web"),
		OldState: types.StatusInit, NewState: types.StatusPending,
	})
	groups.HandleEvent(events.TaskStateChange{
		TaskID: "t3", Task: pendingTask("t3", "other"),
		OldState: types.StatusInit, NewState: types.StatusPending,
	})

	assert.Len(t, groups.Groups(), 2)
}

func TestDeletedTaskLeavesGroup(t *testing.T) {
	f := newFixture(t)
	action := &stubAction{results: map[string][]bool{}}
	groups := newGroups(f, action, &stubSlotFinder{})

	task := pendingTask("t1", "web")
	groups.HandleEvent(events.TaskStateChange{
		TaskID: "t1", Task: task, OldState: types.StatusInit, NewState: types.StatusPending,
	})
	groups.HandleEvent(events.TasksDeleted{Tasks: []*types.ScheduledTask{task}})

	// The loop finds the group empty and drops it without an attempt.
	f.clock.Advance(time.Second)
	assert.Equal(t, 0, action.callCount())
	assert.Empty(t, groups.Groups())
}

func TestStorageReadyEnqueuesBacklog(t *testing.T) {
	f := newFixture(t)
	id := f.pending(t, testConfig("web", false, 0), 0)

	action := &stubAction{results: map[string][]bool{}}
	groups := newGroups(f, action, &stubSlotFinder{})
	groups.HandleEvent(events.StorageReady{})

	require.Len(t, groups.Groups(), 1)
	f.clock.Advance(time.Second)
	assert.Equal(t, 1, action.callCount())
	assert.Equal(t, []string{id}, action.calls)
}
