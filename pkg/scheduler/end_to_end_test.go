package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roostlabs/roost/pkg/events"
	"github.com/roostlabs/roost/pkg/storage"
	"github.com/roostlabs/roost/pkg/types"
)

// pump forwards broker events for the given task into the scheduling loop,
// discarding the rest, until n events were received.
func pump(t *testing.T, sub events.Subscriber, groups *TaskGroups, taskID string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case ev := <-sub:
			if change, ok := ev.(events.TaskStateChange); !ok || taskID == "" || change.TaskID == taskID {
				groups.HandleEvent(ev)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for event")
		}
	}
}

func TestEndToEndHappyPath(t *testing.T) {
	f := newFixture(t)
	sub := f.broker.Subscribe()
	preemptor := NewPreemptor(f.storage, f.state)
	groups := newGroups(f, f.placer, preemptor)

	f.pool.Add(testOffer("o1", "slaveA"))

	cfg := testConfig("web", false, 0)
	id := f.pending(t, cfg, 0)
	pump(t, sub, groups, id, 1)

	// One backoff tick places the task against the offer.
	f.clock.Advance(time.Second)
	assert.Equal(t, types.StatusAssigned, f.taskStatus(t, id))
	assert.Equal(t, []string{id}, f.launcher.launched)
	assert.Empty(t, groups.Groups())

	// The agent runs it to completion; a non-service task stays finished.
	for _, s := range []types.ScheduleStatus{types.StatusStarting, types.StatusRunning, types.StatusFinished} {
		_, err := f.state.StatusUpdate(id, s, "")
		require.NoError(t, err)
	}
	assert.Equal(t, types.StatusFinished, f.taskStatus(t, id))

	var committed []types.ScheduleStatus
	f.storage.Read(func(sp storage.StoreProvider) error {
		for _, ev := range sp.Tasks().FetchTask(id).TaskEvents {
			committed = append(committed, ev.Status)
		}
		return nil
	})
	assert.Equal(t, []types.ScheduleStatus{
		types.StatusPending, types.StatusAssigned, types.StatusStarting,
		types.StatusRunning, types.StatusFinished,
	}, committed)

	// Remote removal garbage collects the record.
	_, err := f.state.StatusUpdate(id, types.StatusUnknown, "")
	require.NoError(t, err)
	f.storage.Read(func(sp storage.StoreProvider) error {
		assert.Nil(t, sp.Tasks().FetchTask(id))
		return nil
	})
}

func TestEndToEndServiceReschedule(t *testing.T) {
	f := newFixture(t)
	sub := f.broker.Subscribe()
	groups := newGroups(f, f.placer, &stubSlotFinder{})

	f.pool.Add(testOffer("o1", "slaveA"))

	cfg := testConfig("web", false, 0)
	cfg.IsService = true
	id := f.pending(t, cfg, 0)
	pump(t, sub, groups, id, 1)
	f.clock.Advance(time.Second)
	require.Equal(t, types.StatusAssigned, f.taskStatus(t, id))

	for _, s := range []types.ScheduleStatus{types.StatusStarting, types.StatusRunning} {
		_, err := f.state.StatusUpdate(id, s, "")
		require.NoError(t, err)
	}
	// Stay up long enough not to count as flapping.
	f.clock.Advance(10 * time.Minute)
	_, err := f.state.StatusUpdate(id, types.StatusFinished, "")
	require.NoError(t, err)

	// A fresh PENDING task with the ancestor chain extended appears.
	var replacement *types.ScheduledTask
	f.storage.Read(func(sp storage.StoreProvider) error {
		for _, task := range sp.Tasks().FetchTasks(storage.TaskQuery{
			Statuses: []types.ScheduleStatus{types.StatusPending},
		}) {
			replacement = task
		}
		return nil
	})
	require.NotNil(t, replacement)
	assert.Equal(t, id, replacement.AncestorID)
	assert.NotEqual(t, id, replacement.Assigned.TaskID)
}

func TestEndToEndPreemption(t *testing.T) {
	f := newFixture(t)
	sub := f.broker.Subscribe()
	preemptor := NewPreemptor(f.storage, f.state)
	groups := newGroups(f, f.placer, preemptor)

	// A low-priority task occupies the only host; the offer pool is empty.
	victimID := f.pending(t, testConfig("batch", false, 0), 0)
	_, err := f.state.AssignTask(victimID, "slave-hostA", "hostA", nil)
	require.NoError(t, err)
	for _, s := range []types.ScheduleStatus{types.StatusStarting, types.StatusRunning} {
		_, err = f.state.StatusUpdate(victimID, s, "")
		require.NoError(t, err)
	}

	candidateID := f.pending(t, testConfig("web", true, 10), 0)
	pump(t, sub, groups, candidateID, 5)

	// The attempt fails and the preemptor picks the victim.
	f.clock.Advance(time.Second)
	assert.Equal(t, types.StatusPreempting, f.taskStatus(t, victimID))
	assert.Equal(t, types.StatusPending, f.taskStatus(t, candidateID))

	// The victim dies and its resources come back as an offer.
	_, err = f.state.StatusUpdate(victimID, types.StatusKilled, "")
	require.NoError(t, err)
	f.pool.Add(testOffer("o-returned", "hostA"))

	// The candidate's next tick lands on the freed host.
	f.clock.Advance(2 * time.Second)
	assert.Equal(t, types.StatusAssigned, f.taskStatus(t, candidateID))
	f.storage.Read(func(sp storage.StoreProvider) error {
		assert.Equal(t, "hostA", sp.Tasks().FetchTask(candidateID).Assigned.SlaveHost)
		return nil
	})
}
