package storage

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/roostlabs/roost/pkg/types"
)

// Op is a single store mutation captured during a write transaction. One
// committed transaction appends one batch of ops to the replicated log;
// replaying batches in log order reproduces the stores exactly.
type Op struct {
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// Op kinds understood by Stores.Apply.
const (
	OpSaveTask           = "save_task"
	OpRemoveTask         = "remove_task"
	OpSaveJob            = "save_job"
	OpRemoveJob          = "remove_job"
	OpSaveQuota          = "save_quota"
	OpRemoveQuota        = "remove_quota"
	OpSaveLock           = "save_lock"
	OpRemoveLock         = "remove_lock"
	OpSaveHostAttributes = "save_host_attributes"
	OpSaveFrameworkID    = "save_framework_id"
	OpRestoreSnapshot    = "restore_snapshot"
)

func mustOp(kind string, payload interface{}) Op {
	data, err := json.Marshal(payload)
	if err != nil {
		// Domain types are plain data; a marshal failure is a programming
		// error, not a runtime condition.
		panic(fmt.Sprintf("marshal %s op: %v", kind, err))
	}
	return Op{Kind: kind, Data: data}
}

// SnapshotData is a complete serialized image of every store.
type SnapshotData struct {
	FrameworkID string
	Tasks       []*types.ScheduledTask
	Jobs        []*types.JobConfiguration
	Quotas      []*types.Quota
	Locks       []*types.Lock
	Attributes  []*types.HostAttributes
}

// Stores is the authoritative in-memory state, mutated only by applying ops.
// The replicated-log FSM owns the apply path; readers go through the facade.
type Stores struct {
	mu          sync.RWMutex
	frameworkID string
	tasks       map[string]*types.ScheduledTask
	jobs        map[string]*types.JobConfiguration
	quotas      map[string]*types.Quota
	locks       map[string]*types.Lock
	attrs       map[string]*types.HostAttributes
}

// NewStores returns empty stores.
func NewStores() *Stores {
	return &Stores{
		tasks:  make(map[string]*types.ScheduledTask),
		jobs:   make(map[string]*types.JobConfiguration),
		quotas: make(map[string]*types.Quota),
		locks:  make(map[string]*types.Lock),
		attrs:  make(map[string]*types.HostAttributes),
	}
}

// Apply applies a batch of ops. Replay is deterministic: ops mutate maps
// keyed by natural identity and later ops win.
func (s *Stores) Apply(ops []Op) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, op := range ops {
		if err := s.applyLocked(op); err != nil {
			return err
		}
	}
	return nil
}

func (s *Stores) applyLocked(op Op) error {
	switch op.Kind {
	case OpSaveTask:
		var task types.ScheduledTask
		if err := json.Unmarshal(op.Data, &task); err != nil {
			return fmt.Errorf("failed to unmarshal task: %w", err)
		}
		s.tasks[task.Assigned.TaskID] = &task

	case OpRemoveTask:
		var id string
		if err := json.Unmarshal(op.Data, &id); err != nil {
			return fmt.Errorf("failed to unmarshal task id: %w", err)
		}
		delete(s.tasks, id)

	case OpSaveJob:
		var job types.JobConfiguration
		if err := json.Unmarshal(op.Data, &job); err != nil {
			return fmt.Errorf("failed to unmarshal job: %w", err)
		}
		s.jobs[job.Key.String()] = &job

	case OpRemoveJob:
		var key types.JobKey
		if err := json.Unmarshal(op.Data, &key); err != nil {
			return fmt.Errorf("failed to unmarshal job key: %w", err)
		}
		delete(s.jobs, key.String())

	case OpSaveQuota:
		var quota types.Quota
		if err := json.Unmarshal(op.Data, &quota); err != nil {
			return fmt.Errorf("failed to unmarshal quota: %w", err)
		}
		s.quotas[quota.Role] = &quota

	case OpRemoveQuota:
		var role string
		if err := json.Unmarshal(op.Data, &role); err != nil {
			return fmt.Errorf("failed to unmarshal role: %w", err)
		}
		delete(s.quotas, role)

	case OpSaveLock:
		var lock types.Lock
		if err := json.Unmarshal(op.Data, &lock); err != nil {
			return fmt.Errorf("failed to unmarshal lock: %w", err)
		}
		s.locks[lock.Key.Job.String()] = &lock

	case OpRemoveLock:
		var key types.LockKey
		if err := json.Unmarshal(op.Data, &key); err != nil {
			return fmt.Errorf("failed to unmarshal lock key: %w", err)
		}
		delete(s.locks, key.Job.String())

	case OpSaveHostAttributes:
		var attrs types.HostAttributes
		if err := json.Unmarshal(op.Data, &attrs); err != nil {
			return fmt.Errorf("failed to unmarshal host attributes: %w", err)
		}
		s.attrs[attrs.Host] = &attrs

	case OpSaveFrameworkID:
		var id string
		if err := json.Unmarshal(op.Data, &id); err != nil {
			return fmt.Errorf("failed to unmarshal framework id: %w", err)
		}
		s.frameworkID = id

	case OpRestoreSnapshot:
		var snap SnapshotData
		if err := json.Unmarshal(op.Data, &snap); err != nil {
			return fmt.Errorf("failed to unmarshal snapshot: %w", err)
		}
		s.restoreLocked(&snap)

	default:
		return fmt.Errorf("unknown op: %s", op.Kind)
	}
	return nil
}

// Snapshot serializes every store into a single image.
func (s *Stores) Snapshot() *SnapshotData {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := &SnapshotData{FrameworkID: s.frameworkID}
	for _, t := range s.tasks {
		snap.Tasks = append(snap.Tasks, t.Clone())
	}
	for _, j := range s.jobs {
		job := *j
		snap.Jobs = append(snap.Jobs, &job)
	}
	for _, q := range s.quotas {
		quota := *q
		snap.Quotas = append(snap.Quotas, &quota)
	}
	for _, l := range s.locks {
		lock := *l
		snap.Locks = append(snap.Locks, &lock)
	}
	for _, a := range s.attrs {
		attrs := *a
		snap.Attributes = append(snap.Attributes, &attrs)
	}
	return snap
}

// Restore replaces all store contents with the snapshot image.
func (s *Stores) Restore(snap *SnapshotData) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.restoreLocked(snap)
}

func (s *Stores) restoreLocked(snap *SnapshotData) {
	s.frameworkID = snap.FrameworkID
	s.tasks = make(map[string]*types.ScheduledTask, len(snap.Tasks))
	for _, t := range snap.Tasks {
		s.tasks[t.Assigned.TaskID] = t
	}
	s.jobs = make(map[string]*types.JobConfiguration, len(snap.Jobs))
	for _, j := range snap.Jobs {
		s.jobs[j.Key.String()] = j
	}
	s.quotas = make(map[string]*types.Quota, len(snap.Quotas))
	for _, q := range snap.Quotas {
		s.quotas[q.Role] = q
	}
	s.locks = make(map[string]*types.Lock, len(snap.Locks))
	for _, l := range snap.Locks {
		s.locks[l.Key.Job.String()] = l
	}
	s.attrs = make(map[string]*types.HostAttributes, len(snap.Attributes))
	for _, a := range snap.Attributes {
		s.attrs[a.Host] = a
	}
}

// Read-side accessors used by the facade's providers. Each call copies so
// callers never alias store-owned memory.

func (s *Stores) fetchTask(id string) *types.ScheduledTask {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil
	}
	return t.Clone()
}

func (s *Stores) fetchTasks(q TaskQuery) []*types.ScheduledTask {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*types.ScheduledTask
	for _, t := range s.tasks {
		if q.Matches(t) {
			out = append(out, t.Clone())
		}
	}
	return out
}

func (s *Stores) fetchJob(key types.JobKey) *types.JobConfiguration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[key.String()]
	if !ok {
		return nil
	}
	job := *j
	return &job
}

func (s *Stores) fetchJobs() []*types.JobConfiguration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*types.JobConfiguration
	for _, j := range s.jobs {
		job := *j
		out = append(out, &job)
	}
	return out
}

func (s *Stores) fetchQuota(role string) *types.Quota {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q, ok := s.quotas[role]
	if !ok {
		return nil
	}
	quota := *q
	return &quota
}

func (s *Stores) fetchQuotas() []*types.Quota {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*types.Quota
	for _, q := range s.quotas {
		quota := *q
		out = append(out, &quota)
	}
	return out
}

func (s *Stores) fetchLock(key types.LockKey) *types.Lock {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.locks[key.Job.String()]
	if !ok {
		return nil
	}
	lock := *l
	return &lock
}

func (s *Stores) fetchLocks() []*types.Lock {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*types.Lock
	for _, l := range s.locks {
		lock := *l
		out = append(out, &lock)
	}
	return out
}

func (s *Stores) fetchHostAttributes(host string) *types.HostAttributes {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.attrs[host]
	if !ok {
		return nil
	}
	attrs := *a
	return &attrs
}

func (s *Stores) fetchAllHostAttributes() []*types.HostAttributes {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*types.HostAttributes
	for _, a := range s.attrs {
		attrs := *a
		out = append(out, &attrs)
	}
	return out
}

func (s *Stores) frameworkIDValue() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.frameworkID
}
