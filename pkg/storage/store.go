package storage

import (
	"github.com/roostlabs/roost/pkg/types"
)

// TaskQuery selects tasks by any combination of coordinates. Zero fields
// match everything.
type TaskQuery struct {
	IDs         []string
	Role        string
	Environment string
	JobName     string
	Statuses    []types.ScheduleStatus
	SlaveHost   string
	InstanceIDs []int
}

// Matches reports whether the task satisfies every populated field.
func (q TaskQuery) Matches(t *types.ScheduledTask) bool {
	if t == nil || t.Assigned == nil || t.Assigned.Task == nil {
		return false
	}
	if len(q.IDs) > 0 && !containsString(q.IDs, t.Assigned.TaskID) {
		return false
	}
	job := t.Assigned.Task.Job
	if q.Role != "" && job.Role != q.Role {
		return false
	}
	if q.Environment != "" && job.Environment != q.Environment {
		return false
	}
	if q.JobName != "" && job.Name != q.JobName {
		return false
	}
	if len(q.Statuses) > 0 {
		found := false
		for _, s := range q.Statuses {
			if t.Status == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if q.SlaveHost != "" && t.Assigned.SlaveHost != q.SlaveHost {
		return false
	}
	if len(q.InstanceIDs) > 0 {
		found := false
		for _, id := range q.InstanceIDs {
			if t.Assigned.InstanceID == id {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// ByJob returns a query scoped to a job key.
func ByJob(key types.JobKey) TaskQuery {
	return TaskQuery{Role: key.Role, Environment: key.Environment, JobName: key.Name}
}

// Active returns q narrowed to active states.
func (q TaskQuery) Active() TaskQuery {
	q.Statuses = append([]types.ScheduleStatus(nil), types.ActiveStates...)
	return q
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

// SchedulerStore holds scheduler-level singletons.
type SchedulerStore interface {
	FrameworkID() string
}

// TaskStore reads task records.
type TaskStore interface {
	FetchTask(id string) *types.ScheduledTask
	FetchTasks(q TaskQuery) []*types.ScheduledTask
}

// JobStore reads stored job configurations (cron/templated jobs only).
type JobStore interface {
	FetchJob(key types.JobKey) *types.JobConfiguration
	FetchJobs() []*types.JobConfiguration
}

// QuotaStore reads per-role quotas.
type QuotaStore interface {
	FetchQuota(role string) *types.Quota
	FetchQuotas() []*types.Quota
}

// LockStore reads advisory locks.
type LockStore interface {
	FetchLock(key types.LockKey) *types.Lock
	FetchLocks() []*types.Lock
}

// AttributeStore reads host attributes and maintenance state.
type AttributeStore interface {
	FetchHostAttributes(host string) *types.HostAttributes
	FetchAllHostAttributes() []*types.HostAttributes
}

// StoreProvider exposes read access to every subordinate store.
type StoreProvider interface {
	Scheduler() SchedulerStore
	Tasks() TaskStore
	Jobs() JobStore
	Quotas() QuotaStore
	Locks() LockStore
	Attributes() AttributeStore
}

// MutableSchedulerStore mutates scheduler-level singletons.
type MutableSchedulerStore interface {
	SchedulerStore
	SaveFrameworkID(id string)
}

// MutableTaskStore mutates task records.
type MutableTaskStore interface {
	TaskStore
	SaveTask(t *types.ScheduledTask)
	DeleteTasks(ids ...string)
}

// MutableJobStore mutates stored job configurations.
type MutableJobStore interface {
	JobStore
	SaveJob(job *types.JobConfiguration)
	RemoveJob(key types.JobKey)
}

// MutableQuotaStore mutates quotas.
type MutableQuotaStore interface {
	QuotaStore
	SaveQuota(q *types.Quota)
	RemoveQuota(role string)
}

// MutableLockStore mutates locks.
type MutableLockStore interface {
	LockStore
	SaveLock(l *types.Lock)
	RemoveLock(key types.LockKey)
}

// MutableAttributeStore mutates host attributes.
type MutableAttributeStore interface {
	AttributeStore
	SaveHostAttributes(a *types.HostAttributes)
}

// MutableStoreProvider exposes write access inside a write transaction.
// Reads through it observe the transaction's own uncommitted writes.
type MutableStoreProvider interface {
	StoreProvider
	MutableScheduler() MutableSchedulerStore
	MutableTasks() MutableTaskStore
	MutableJobs() MutableJobStore
	MutableQuotas() MutableQuotaStore
	MutableLocks() MutableLockStore
	MutableAttributes() MutableAttributeStore
}
