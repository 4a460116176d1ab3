package storage

import (
	"github.com/roostlabs/roost/pkg/types"
)

// txn is the MutableStoreProvider handed to a write transaction. Mutations
// are staged in overlays and recorded as ops; reads merge the overlay over
// the base stores so the transaction observes its own writes. Nothing
// touches the base stores until the op batch is committed through the log.
type txn struct {
	base *Stores

	stagedTasks  map[string]*types.ScheduledTask
	deletedTasks map[string]bool

	stagedJobs  map[string]*types.JobConfiguration
	deletedJobs map[string]bool

	stagedQuotas  map[string]*types.Quota
	deletedQuotas map[string]bool

	stagedLocks  map[string]*types.Lock
	deletedLocks map[string]bool

	stagedAttrs map[string]*types.HostAttributes

	frameworkID    string
	frameworkIDSet bool

	ops []Op
}

func newTxn(base *Stores) *txn {
	return &txn{
		base:          base,
		stagedTasks:   make(map[string]*types.ScheduledTask),
		deletedTasks:  make(map[string]bool),
		stagedJobs:    make(map[string]*types.JobConfiguration),
		deletedJobs:   make(map[string]bool),
		stagedQuotas:  make(map[string]*types.Quota),
		deletedQuotas: make(map[string]bool),
		stagedLocks:   make(map[string]*types.Lock),
		deletedLocks:  make(map[string]bool),
		stagedAttrs:   make(map[string]*types.HostAttributes),
	}
}

func (t *txn) Scheduler() SchedulerStore                { return t }
func (t *txn) Tasks() TaskStore                         { return t }
func (t *txn) Jobs() JobStore                           { return t }
func (t *txn) Quotas() QuotaStore                       { return t }
func (t *txn) Locks() LockStore                         { return t }
func (t *txn) Attributes() AttributeStore               { return t }
func (t *txn) MutableScheduler() MutableSchedulerStore  { return t }
func (t *txn) MutableTasks() MutableTaskStore           { return t }
func (t *txn) MutableJobs() MutableJobStore             { return t }
func (t *txn) MutableQuotas() MutableQuotaStore         { return t }
func (t *txn) MutableLocks() MutableLockStore           { return t }
func (t *txn) MutableAttributes() MutableAttributeStore { return t }

// Scheduler store

func (t *txn) FrameworkID() string {
	if t.frameworkIDSet {
		return t.frameworkID
	}
	return t.base.frameworkIDValue()
}

func (t *txn) SaveFrameworkID(id string) {
	t.frameworkID = id
	t.frameworkIDSet = true
	t.ops = append(t.ops, mustOp(OpSaveFrameworkID, id))
}

// Task store

func (t *txn) FetchTask(id string) *types.ScheduledTask {
	if t.deletedTasks[id] {
		return nil
	}
	if staged, ok := t.stagedTasks[id]; ok {
		return staged.Clone()
	}
	return t.base.fetchTask(id)
}

func (t *txn) FetchTasks(q TaskQuery) []*types.ScheduledTask {
	var out []*types.ScheduledTask
	for _, task := range t.base.fetchTasks(q) {
		id := task.Assigned.TaskID
		if t.deletedTasks[id] {
			continue
		}
		if _, overridden := t.stagedTasks[id]; overridden {
			continue
		}
		out = append(out, task)
	}
	for _, task := range t.stagedTasks {
		if q.Matches(task) {
			out = append(out, task.Clone())
		}
	}
	return out
}

func (t *txn) SaveTask(task *types.ScheduledTask) {
	copied := task.Clone()
	id := copied.Assigned.TaskID
	delete(t.deletedTasks, id)
	t.stagedTasks[id] = copied
	t.ops = append(t.ops, mustOp(OpSaveTask, copied))
}

func (t *txn) DeleteTasks(ids ...string) {
	for _, id := range ids {
		delete(t.stagedTasks, id)
		t.deletedTasks[id] = true
		t.ops = append(t.ops, mustOp(OpRemoveTask, id))
	}
}

// Job store

func (t *txn) FetchJob(key types.JobKey) *types.JobConfiguration {
	if t.deletedJobs[key.String()] {
		return nil
	}
	if staged, ok := t.stagedJobs[key.String()]; ok {
		job := *staged
		return &job
	}
	return t.base.fetchJob(key)
}

func (t *txn) FetchJobs() []*types.JobConfiguration {
	var out []*types.JobConfiguration
	for _, job := range t.base.fetchJobs() {
		key := job.Key.String()
		if t.deletedJobs[key] {
			continue
		}
		if _, overridden := t.stagedJobs[key]; overridden {
			continue
		}
		out = append(out, job)
	}
	for _, job := range t.stagedJobs {
		j := *job
		out = append(out, &j)
	}
	return out
}

func (t *txn) SaveJob(job *types.JobConfiguration) {
	copied := *job
	delete(t.deletedJobs, copied.Key.String())
	t.stagedJobs[copied.Key.String()] = &copied
	t.ops = append(t.ops, mustOp(OpSaveJob, &copied))
}

func (t *txn) RemoveJob(key types.JobKey) {
	delete(t.stagedJobs, key.String())
	t.deletedJobs[key.String()] = true
	t.ops = append(t.ops, mustOp(OpRemoveJob, key))
}

// Quota store

func (t *txn) FetchQuota(role string) *types.Quota {
	if t.deletedQuotas[role] {
		return nil
	}
	if staged, ok := t.stagedQuotas[role]; ok {
		q := *staged
		return &q
	}
	return t.base.fetchQuota(role)
}

func (t *txn) FetchQuotas() []*types.Quota {
	var out []*types.Quota
	for _, q := range t.base.fetchQuotas() {
		if t.deletedQuotas[q.Role] {
			continue
		}
		if _, overridden := t.stagedQuotas[q.Role]; overridden {
			continue
		}
		out = append(out, q)
	}
	for _, q := range t.stagedQuotas {
		quota := *q
		out = append(out, &quota)
	}
	return out
}

func (t *txn) SaveQuota(q *types.Quota) {
	copied := *q
	delete(t.deletedQuotas, copied.Role)
	t.stagedQuotas[copied.Role] = &copied
	t.ops = append(t.ops, mustOp(OpSaveQuota, &copied))
}

func (t *txn) RemoveQuota(role string) {
	delete(t.stagedQuotas, role)
	t.deletedQuotas[role] = true
	t.ops = append(t.ops, mustOp(OpRemoveQuota, role))
}

// Lock store

func (t *txn) FetchLock(key types.LockKey) *types.Lock {
	if t.deletedLocks[key.Job.String()] {
		return nil
	}
	if staged, ok := t.stagedLocks[key.Job.String()]; ok {
		l := *staged
		return &l
	}
	return t.base.fetchLock(key)
}

func (t *txn) FetchLocks() []*types.Lock {
	var out []*types.Lock
	for _, l := range t.base.fetchLocks() {
		key := l.Key.Job.String()
		if t.deletedLocks[key] {
			continue
		}
		if _, overridden := t.stagedLocks[key]; overridden {
			continue
		}
		out = append(out, l)
	}
	for _, l := range t.stagedLocks {
		lock := *l
		out = append(out, &lock)
	}
	return out
}

func (t *txn) SaveLock(l *types.Lock) {
	copied := *l
	delete(t.deletedLocks, copied.Key.Job.String())
	t.stagedLocks[copied.Key.Job.String()] = &copied
	t.ops = append(t.ops, mustOp(OpSaveLock, &copied))
}

func (t *txn) RemoveLock(key types.LockKey) {
	delete(t.stagedLocks, key.Job.String())
	t.deletedLocks[key.Job.String()] = true
	t.ops = append(t.ops, mustOp(OpRemoveLock, key))
}

// Attribute store

func (t *txn) FetchHostAttributes(host string) *types.HostAttributes {
	if staged, ok := t.stagedAttrs[host]; ok {
		a := *staged
		return &a
	}
	return t.base.fetchHostAttributes(host)
}

func (t *txn) FetchAllHostAttributes() []*types.HostAttributes {
	var out []*types.HostAttributes
	for _, a := range t.base.fetchAllHostAttributes() {
		if _, overridden := t.stagedAttrs[a.Host]; overridden {
			continue
		}
		out = append(out, a)
	}
	for _, a := range t.stagedAttrs {
		attrs := *a
		out = append(out, &attrs)
	}
	return out
}

func (t *txn) SaveHostAttributes(a *types.HostAttributes) {
	copied := *a
	t.stagedAttrs[copied.Host] = &copied
	t.ops = append(t.ops, mustOp(OpSaveHostAttributes, &copied))
}
