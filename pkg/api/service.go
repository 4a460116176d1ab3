package api

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/roostlabs/roost/pkg/clock"
	"github.com/roostlabs/roost/pkg/locks"
	"github.com/roostlabs/roost/pkg/log"
	"github.com/roostlabs/roost/pkg/maintenance"
	"github.com/roostlabs/roost/pkg/quota"
	"github.com/roostlabs/roost/pkg/recovery"
	"github.com/roostlabs/roost/pkg/state"
	"github.com/roostlabs/roost/pkg/storage"
	"github.com/roostlabs/roost/pkg/types"
)

// APIVersion is the compiled API version returned by GetVersion.
const APIVersion = 3

// LockValidation selects how ReleaseLock treats the supplied token.
type LockValidation string

const (
	// LockChecked verifies the token against the held lock.
	LockChecked LockValidation = "CHECKED"
	// LockUnchecked releases without verifying, for operator cleanup.
	LockUnchecked LockValidation = "UNCHECKED"
)

// Snapshotter forces a snapshot of the replicated log.
type Snapshotter interface {
	Snapshot() error
}

// Config tunes the RPC service.
type Config struct {
	// KillTimeout is the wait budget for killTasks to observe matched tasks
	// reaching a terminal state.
	KillTimeout time.Duration
}

// Deps collects the service's collaborators.
type Deps struct {
	Storage     *storage.Storage
	State       *state.Manager
	Locks       *locks.Manager
	Quota       *quota.Manager
	Maintenance *maintenance.Controller
	Recovery    *recovery.Recovery
	Snapshotter Snapshotter
	Validator   SessionValidator
	Clock       clock.Clock
}

// Service is the scheduler's RPC surface: a thin translation layer between
// requests and the core. Cross-cutting concerns run as a middleware
// pipeline around every handler.
type Service struct {
	deps       Deps
	config     Config
	middleware []Middleware
	logger     zerolog.Logger
}

// NewService creates the RPC service with the standard middleware pipeline.
func NewService(deps Deps, config Config) *Service {
	if deps.Validator == nil {
		deps.Validator = CapabilityValidator{}
	}
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	return &Service{
		deps:   deps,
		config: config,
		middleware: []Middleware{
			RecoverMiddleware(),
			LoggingMiddleware(deps.Clock),
		},
		logger: log.WithComponent("api"),
	}
}

func (s *Service) invoke(op string, handler func() *Response) *Response {
	return applyMiddleware(s.middleware, op, handler)
}

// errorResponse maps domain errors onto response codes.
func errorResponse(err error) *Response {
	var lockErr *locks.Error
	var quotaErr *quota.Error
	var authErr *AuthError
	var recoveryErr *recovery.Error
	switch {
	case errors.As(err, &lockErr), errors.As(err, &quotaErr):
		return invalidRequest("%s", err.Error())
	case errors.As(err, &authErr):
		return authFailed(err)
	case errors.As(err, &recoveryErr):
		return invalidRequest("%s", err.Error())
	case errors.Is(err, state.ErrTimeout), errors.Is(err, state.ErrInterrupted):
		return internalError(err)
	case errors.Is(err, storage.ErrUnavailable):
		return internalError(err)
	default:
		return internalError(err)
	}
}

// populate fills config defaults and binds the template to the job key.
func populate(job *types.JobConfiguration) *types.TaskConfig {
	config := *job.Task
	config.Job = job.Key
	if config.Owner == (types.Identity{}) {
		config.Owner = job.Owner
	}
	if config.MaxTaskFailures == 0 {
		config.MaxTaskFailures = 1
	}
	return &config
}

func validateJob(job *types.JobConfiguration) error {
	if job == nil || !job.Key.Valid() {
		return fmt.Errorf("job key is invalid")
	}
	if job.Task == nil {
		return fmt.Errorf("job has no task configuration")
	}
	if job.InstanceCount <= 0 && job.CronSchedule == "" {
		return fmt.Errorf("instance count must be positive")
	}
	if job.Task.Resources.CPUs <= 0 || job.Task.Resources.RAMMb <= 0 {
		return fmt.Errorf("tasks must require at least some cpu and memory")
	}
	return nil
}

func instanceRange(n int) []int {
	ids := make([]int, n)
	for i := range ids {
		ids[i] = i
	}
	return ids
}

// CreateJob validates the configuration and creates PENDING tasks for each
// instance, or stores the template for a cron job.
func (s *Service) CreateJob(session *SessionKey, job *types.JobConfiguration, lockToken *types.Lock) *Response {
	return s.invoke("createJob", func() *Response {
		if err := validateJob(job); err != nil {
			return invalidRequest("%s", err.Error())
		}
		if err := s.deps.Validator.Authenticate(session, []string{job.Key.Role}); err != nil {
			return errorResponse(err)
		}

		config := populate(job)
		var precheck error
		s.deps.Storage.Read(func(sp storage.StoreProvider) error {
			if err := s.deps.Locks.ValidateIfLocked(sp, types.LockKey{Job: job.Key}, lockToken); err != nil {
				precheck = err
				return nil
			}
			if sp.Jobs().FetchJob(job.Key) != nil {
				precheck = fmt.Errorf("job %s already exists as a cron job", job.Key)
				return nil
			}
			if len(sp.Tasks().FetchTasks(storage.ByJob(job.Key).Active())) > 0 {
				precheck = fmt.Errorf("job %s already exists", job.Key)
				return nil
			}
			precheck = quota.CheckAdmission(sp, config, job.InstanceCount)
			return nil
		})
		if precheck != nil {
			var lockErr *locks.Error
			var quotaErr *quota.Error
			if errors.As(precheck, &lockErr) || errors.As(precheck, &quotaErr) {
				return errorResponse(precheck)
			}
			return invalidRequest("%s", precheck.Error())
		}

		if job.CronSchedule != "" {
			stored := *job
			stored.Task = config
			stored.CreatedAt = s.deps.Clock.Now()
			err := s.deps.Storage.Write(func(sp storage.MutableStoreProvider) error {
				sp.MutableJobs().SaveJob(&stored)
				return nil
			})
			if err != nil {
				return errorResponse(err)
			}
			return ok(nil, "Cron job %s stored", job.Key)
		}

		if _, err := s.deps.State.InsertPendingTasks(config, instanceRange(job.InstanceCount)); err != nil {
			return errorResponse(err)
		}
		return ok(nil, "Created job %s with %d instances", job.Key, job.InstanceCount)
	})
}

// ReplaceCronTemplate updates the stored template of a known cron job.
func (s *Service) ReplaceCronTemplate(session *SessionKey, job *types.JobConfiguration, lockToken *types.Lock) *Response {
	return s.invoke("replaceCronTemplate", func() *Response {
		if err := validateJob(job); err != nil {
			return invalidRequest("%s", err.Error())
		}
		if job.CronSchedule == "" {
			return invalidRequest("job %s has no cron schedule", job.Key)
		}
		if err := s.deps.Validator.Authenticate(session, []string{job.Key.Role}); err != nil {
			return errorResponse(err)
		}

		config := populate(job)
		var precheck error
		s.deps.Storage.Read(func(sp storage.StoreProvider) error {
			if err := s.deps.Locks.ValidateIfLocked(sp, types.LockKey{Job: job.Key}, lockToken); err != nil {
				precheck = err
				return nil
			}
			if sp.Jobs().FetchJob(job.Key) == nil {
				precheck = fmt.Errorf("job %s is not a cron job", job.Key)
			}
			return nil
		})
		if precheck != nil {
			var lockErr *locks.Error
			if errors.As(precheck, &lockErr) {
				return errorResponse(precheck)
			}
			return invalidRequest("%s", precheck.Error())
		}

		err := s.deps.Storage.Write(func(sp storage.MutableStoreProvider) error {
			stored := *job
			stored.Task = config
			stored.CreatedAt = s.deps.Clock.Now()
			sp.MutableJobs().SaveJob(&stored)
			return nil
		})
		if err != nil {
			return errorResponse(err)
		}
		return ok(nil, "Replaced cron template for %s", job.Key)
	})
}

// PopulateJobConfig is pure: it returns the defaults-applied task config.
func (s *Service) PopulateJobConfig(job *types.JobConfiguration) *Response {
	return s.invoke("populateJobConfig", func() *Response {
		if err := validateJob(job); err != nil {
			return invalidRequest("%s", err.Error())
		}
		return ok(populate(job), "Populated job configuration")
	})
}

// StartCronJob launches tasks from a stored cron template now.
func (s *Service) StartCronJob(session *SessionKey, key types.JobKey) *Response {
	return s.invoke("startCronJob", func() *Response {
		if err := s.deps.Validator.Authenticate(session, []string{key.Role}); err != nil {
			return errorResponse(err)
		}
		var job *types.JobConfiguration
		s.deps.Storage.Read(func(sp storage.StoreProvider) error {
			job = sp.Jobs().FetchJob(key)
			return nil
		})
		if job == nil {
			return invalidRequest("job %s is not a cron job", key)
		}
		if _, err := s.deps.State.InsertPendingTasks(job.Task, instanceRange(job.InstanceCount)); err != nil {
			var sched *quota.Error
			if errors.As(err, &sched) {
				return errorResponse(err)
			}
			return invalidRequest("cron job %s is already running: %s", key, err.Error())
		}
		return ok(nil, "Started cron job %s", key)
	})
}

// GetTasksStatus returns the tasks matching the query.
func (s *Service) GetTasksStatus(query storage.TaskQuery) *Response {
	return s.invoke("getTasksStatus", func() *Response {
		var tasks []*types.ScheduledTask
		err := s.deps.Storage.Read(func(sp storage.StoreProvider) error {
			tasks = sp.Tasks().FetchTasks(query)
			return nil
		})
		if err != nil {
			return errorResponse(err)
		}
		return ok(tasks, "Fetched %d tasks", len(tasks))
	})
}

// JobSummary describes one job reconstructed from live tasks or a stored
// cron template.
type JobSummary struct {
	Job           *types.JobConfiguration
	ActiveTasks   int
	PendingTasks  int
	FinishedTasks int
	IsCron        bool
}

// GetJobs returns the jobs of a role (or all roles when empty).
func (s *Service) GetJobs(role string) *Response {
	return s.invoke("getJobs", func() *Response {
		summaries := make(map[string]*JobSummary)
		err := s.deps.Storage.Read(func(sp storage.StoreProvider) error {
			for _, t := range sp.Tasks().FetchTasks(storage.TaskQuery{Role: role}) {
				key := t.Assigned.Task.Job
				summary, ok := summaries[key.String()]
				if !ok {
					summary = &JobSummary{Job: &types.JobConfiguration{
						Key:   key,
						Owner: t.Assigned.Task.Owner,
						Task:  t.Assigned.Task,
					}}
					summaries[key.String()] = summary
				}
				switch {
				case t.Status == types.StatusPending || t.Status == types.StatusThrottled:
					summary.PendingTasks++
					summary.Job.InstanceCount++
				case t.Status.IsActive():
					summary.ActiveTasks++
					summary.Job.InstanceCount++
				default:
					summary.FinishedTasks++
				}
			}
			for _, job := range sp.Jobs().FetchJobs() {
				if role != "" && job.Key.Role != role {
					continue
				}
				summary, ok := summaries[job.Key.String()]
				if !ok {
					summary = &JobSummary{Job: job}
					summaries[job.Key.String()] = summary
				}
				summary.IsCron = true
			}
			return nil
		})
		if err != nil {
			return errorResponse(err)
		}

		out := make([]*JobSummary, 0, len(summaries))
		for _, sm := range summaries {
			out = append(out, sm)
		}
		sort.Slice(out, func(i, j int) bool {
			return out[i].Job.Key.String() < out[j].Job.Key.String()
		})
		return ok(out, "Fetched %d jobs", len(out))
	})
}

// RoleSummary aggregates a role's jobs.
type RoleSummary struct {
	Role      string
	JobCount  int
	CronCount int
}

// GetRoleSummary returns per-role job counts.
func (s *Service) GetRoleSummary() *Response {
	return s.invoke("getRoleSummary", func() *Response {
		byRole := make(map[string]*RoleSummary)
		err := s.deps.Storage.Read(func(sp storage.StoreProvider) error {
			seen := make(map[string]bool)
			for _, t := range sp.Tasks().FetchTasks(storage.TaskQuery{}) {
				key := t.Assigned.Task.Job
				if seen[key.String()] {
					continue
				}
				seen[key.String()] = true
				summary, ok := byRole[key.Role]
				if !ok {
					summary = &RoleSummary{Role: key.Role}
					byRole[key.Role] = summary
				}
				summary.JobCount++
			}
			for _, job := range sp.Jobs().FetchJobs() {
				summary, ok := byRole[job.Key.Role]
				if !ok {
					summary = &RoleSummary{Role: job.Key.Role}
					byRole[job.Key.Role] = summary
				}
				summary.CronCount++
			}
			return nil
		})
		if err != nil {
			return errorResponse(err)
		}

		out := make([]*RoleSummary, 0, len(byRole))
		for _, summary := range byRole {
			out = append(out, summary)
		}
		sort.Slice(out, func(i, j int) bool { return out[i].Role < out[j].Role })
		return ok(out, "Fetched %d roles", len(out))
	})
}

// GetQuota returns the role's quota.
func (s *Service) GetQuota(role string) *Response {
	return s.invoke("getQuota", func() *Response {
		q, err := s.deps.Quota.Get(role)
		if err != nil {
			return errorResponse(err)
		}
		return ok(q, "Fetched quota for %s", role)
	})
}

// SetQuota updates a role's quota. Privileged.
func (s *Service) SetQuota(session *SessionKey, role string, resources types.Resources) *Response {
	return s.invoke("setQuota", func() *Response {
		if err := s.requireRoot(session); err != nil {
			return errorResponse(err)
		}
		if err := s.deps.Quota.Set(role, resources); err != nil {
			return errorResponse(err)
		}
		return ok(nil, "Quota for %s updated", role)
	})
}

// KillTasks transitions matched tasks toward KILLING and waits, within the
// configured budget, for them to become terminal.
func (s *Service) KillTasks(session *SessionKey, query storage.TaskQuery, lockToken *types.Lock) *Response {
	return s.invoke("killTasks", func() *Response {
		var matched []*types.ScheduledTask
		err := s.deps.Storage.Read(func(sp storage.StoreProvider) error {
			matched = sp.Tasks().FetchTasks(query)
			return nil
		})
		if err != nil {
			return errorResponse(err)
		}
		if len(matched) == 0 {
			return invalidRequest("no tasks found")
		}

		jobKeys := make(map[types.JobKey]bool)
		var roles []string
		seenRole := make(map[string]bool)
		for _, t := range matched {
			key := t.Assigned.Task.Job
			jobKeys[key] = true
			if !seenRole[key.Role] {
				seenRole[key.Role] = true
				roles = append(roles, key.Role)
			}
		}
		if err := s.deps.Validator.Authenticate(session, roles); err != nil {
			return errorResponse(err)
		}

		var lockCheck error
		s.deps.Storage.Read(func(sp storage.StoreProvider) error {
			for key := range jobKeys {
				if err := s.deps.Locks.ValidateIfLocked(sp, types.LockKey{Job: key}, lockToken); err != nil {
					lockCheck = err
					return nil
				}
			}
			return nil
		})
		if lockCheck != nil {
			return errorResponse(lockCheck)
		}

		ids, err := s.deps.State.KillTasks(query, fmt.Sprintf("Killed by %s", session.User))
		if err != nil {
			return errorResponse(err)
		}

		ctx, cancel := context.WithTimeout(context.Background(), s.config.KillTimeout)
		defer cancel()
		if err := s.deps.State.WaitForTerminal(ctx, ids); err != nil {
			return errorResponse(err)
		}
		return ok(nil, "Killed %d tasks", len(ids))
	})
}

// RestartShards transitions the given instances to RESTARTING.
func (s *Service) RestartShards(session *SessionKey, key types.JobKey, instanceIDs []int, lockToken *types.Lock) *Response {
	return s.invoke("restartShards", func() *Response {
		if !key.Valid() || len(instanceIDs) == 0 {
			return invalidRequest("a job key and at least one instance id are required")
		}
		if err := s.deps.Validator.Authenticate(session, []string{key.Role}); err != nil {
			return errorResponse(err)
		}

		var lockCheck error
		s.deps.Storage.Read(func(sp storage.StoreProvider) error {
			lockCheck = s.deps.Locks.ValidateIfLocked(sp, types.LockKey{Job: key}, lockToken)
			return nil
		})
		if lockCheck != nil {
			return errorResponse(lockCheck)
		}

		restarted, err := s.deps.State.RestartShards(key, instanceIDs, fmt.Sprintf("Restarted by %s", session.User))
		if err != nil {
			return errorResponse(err)
		}
		if restarted == 0 {
			return invalidRequest("no active tasks found for job %s", key)
		}
		return ok(nil, "Restarted %d instances", restarted)
	})
}

// AddInstances creates additional PENDING tasks for an existing job.
func (s *Service) AddInstances(session *SessionKey, key types.JobKey, instanceIDs []int, config *types.TaskConfig, lockToken *types.Lock) *Response {
	return s.invoke("addInstances", func() *Response {
		if !key.Valid() || config == nil || len(instanceIDs) == 0 {
			return invalidRequest("a job key, task config, and instance ids are required")
		}
		if err := s.deps.Validator.Authenticate(session, []string{key.Role}); err != nil {
			return errorResponse(err)
		}

		populated := populate(&types.JobConfiguration{Key: key, Owner: config.Owner, Task: config})
		var precheck error
		s.deps.Storage.Read(func(sp storage.StoreProvider) error {
			if err := s.deps.Locks.ValidateIfLocked(sp, types.LockKey{Job: key}, lockToken); err != nil {
				precheck = err
				return nil
			}
			precheck = quota.CheckAdmission(sp, populated, len(instanceIDs))
			return nil
		})
		if precheck != nil {
			return errorResponse(precheck)
		}

		if _, err := s.deps.State.InsertPendingTasks(populated, instanceIDs); err != nil {
			return invalidRequest("%s", err.Error())
		}
		return ok(nil, "Added %d instances to %s", len(instanceIDs), key)
	})
}

// AcquireLock obtains an advisory lock on a job key.
func (s *Service) AcquireLock(session *SessionKey, key types.LockKey) *Response {
	return s.invoke("acquireLock", func() *Response {
		if !key.Job.Valid() {
			return invalidRequest("lock key is invalid")
		}
		if err := s.deps.Validator.Authenticate(session, []string{key.Job.Role}); err != nil {
			return errorResponse(err)
		}
		lock, err := s.deps.Locks.AcquireLock(key, session.User)
		if err != nil {
			return errorResponse(err)
		}
		return ok(lock, "Lock acquired on %s", key.Job)
	})
}

// ReleaseLock releases an advisory lock.
func (s *Service) ReleaseLock(session *SessionKey, lock *types.Lock, validation LockValidation) *Response {
	return s.invoke("releaseLock", func() *Response {
		if lock == nil {
			return invalidRequest("no lock provided")
		}
		if err := s.deps.Validator.Authenticate(session, []string{lock.Key.Job.Role}); err != nil {
			return errorResponse(err)
		}
		if validation == LockChecked {
			if err := s.deps.Locks.ReleaseLock(lock); err != nil {
				return errorResponse(err)
			}
			return ok(nil, "Lock released on %s", lock.Key.Job)
		}
		err := s.deps.Storage.Write(func(sp storage.MutableStoreProvider) error {
			sp.MutableLocks().RemoveLock(lock.Key)
			return nil
		})
		if err != nil {
			return errorResponse(err)
		}
		return ok(nil, "Lock on %s removed without validation", lock.Key.Job)
	})
}

// ForceTaskState injects a state transition. Privileged; the transition
// table still applies.
func (s *Service) ForceTaskState(session *SessionKey, taskID string, status types.ScheduleStatus) *Response {
	return s.invoke("forceTaskState", func() *Response {
		if err := s.requireRoot(session); err != nil {
			return errorResponse(err)
		}
		changed, err := s.deps.State.ForceState(taskID, status)
		if err != nil {
			return errorResponse(err)
		}
		if !changed {
			return invalidRequest("transition to %s is not allowed for task %s", status, taskID)
		}
		return ok(nil, "Task %s forced to %s", taskID, status)
	})
}

// StartMaintenance marks hosts for maintenance.
func (s *Service) StartMaintenance(session *SessionKey, hosts []string) *Response {
	return s.invoke("startMaintenance", func() *Response {
		return s.maintenanceOp(session, hosts, s.deps.Maintenance.StartMaintenance)
	})
}

// DrainHosts begins draining hosts, evicting their active tasks.
func (s *Service) DrainHosts(session *SessionKey, hosts []string) *Response {
	return s.invoke("drainHosts", func() *Response {
		return s.maintenanceOp(session, hosts, s.deps.Maintenance.Drain)
	})
}

// MaintenanceStatus reports the drain state of hosts.
func (s *Service) MaintenanceStatus(session *SessionKey, hosts []string) *Response {
	return s.invoke("maintenanceStatus", func() *Response {
		return s.maintenanceOp(session, hosts, s.deps.Maintenance.Status)
	})
}

// EndMaintenance returns hosts to service.
func (s *Service) EndMaintenance(session *SessionKey, hosts []string) *Response {
	return s.invoke("endMaintenance", func() *Response {
		return s.maintenanceOp(session, hosts, s.deps.Maintenance.EndMaintenance)
	})
}

func (s *Service) maintenanceOp(
	session *SessionKey,
	hosts []string,
	op func([]string) (map[string]types.MaintenanceMode, error),
) *Response {
	if err := s.requireRoot(session); err != nil {
		return errorResponse(err)
	}
	if len(hosts) == 0 {
		return invalidRequest("no hosts specified")
	}
	modes, err := op(hosts)
	if err != nil {
		return errorResponse(err)
	}
	return ok(modes, "Maintenance status for %d hosts", len(modes))
}

// PerformBackup writes a full backup to the archive.
func (s *Service) PerformBackup(session *SessionKey) *Response {
	return s.invoke("performBackup", func() *Response {
		if err := s.requireRoot(session); err != nil {
			return errorResponse(err)
		}
		id, err := s.deps.Recovery.PerformBackup()
		if err != nil {
			return errorResponse(err)
		}
		return ok(id, "Backup %s written", id)
	})
}

// ListBackups lists archived backup ids.
func (s *Service) ListBackups(session *SessionKey) *Response {
	return s.invoke("listBackups", func() *Response {
		if err := s.requireRoot(session); err != nil {
			return errorResponse(err)
		}
		ids, err := s.deps.Recovery.ListBackups()
		if err != nil {
			return errorResponse(err)
		}
		return ok(ids, "%d backups available", len(ids))
	})
}

// StageRecovery loads a backup into the recovery staging area.
func (s *Service) StageRecovery(session *SessionKey, backupID string) *Response {
	return s.invoke("stageRecovery", func() *Response {
		if err := s.requireRoot(session); err != nil {
			return errorResponse(err)
		}
		if err := s.deps.Recovery.Stage(backupID); err != nil {
			return errorResponse(err)
		}
		return ok(nil, "Staged recovery from %s", backupID)
	})
}

// QueryRecovery inspects the staged recovery's tasks.
func (s *Service) QueryRecovery(session *SessionKey, query storage.TaskQuery) *Response {
	return s.invoke("queryRecovery", func() *Response {
		if err := s.requireRoot(session); err != nil {
			return errorResponse(err)
		}
		tasks, err := s.deps.Recovery.QueryStagedTasks(query)
		if err != nil {
			return errorResponse(err)
		}
		return ok(tasks, "Fetched %d staged tasks", len(tasks))
	})
}

// DeleteRecoveryTasks prunes tasks from the staged recovery.
func (s *Service) DeleteRecoveryTasks(session *SessionKey, query storage.TaskQuery) *Response {
	return s.invoke("deleteRecoveryTasks", func() *Response {
		if err := s.requireRoot(session); err != nil {
			return errorResponse(err)
		}
		removed, err := s.deps.Recovery.DeleteStagedTasks(query)
		if err != nil {
			return errorResponse(err)
		}
		return ok(nil, "Deleted %d staged tasks", removed)
	})
}

// CommitRecovery applies the staged recovery over the live stores.
func (s *Service) CommitRecovery(session *SessionKey) *Response {
	return s.invoke("commitRecovery", func() *Response {
		if err := s.requireRoot(session); err != nil {
			return errorResponse(err)
		}
		if err := s.deps.Recovery.Commit(); err != nil {
			return errorResponse(err)
		}
		return ok(nil, "Recovery committed")
	})
}

// UnloadRecovery discards the staged recovery.
func (s *Service) UnloadRecovery(session *SessionKey) *Response {
	return s.invoke("unloadRecovery", func() *Response {
		if err := s.requireRoot(session); err != nil {
			return errorResponse(err)
		}
		if err := s.deps.Recovery.Unload(); err != nil {
			return errorResponse(err)
		}
		return ok(nil, "Recovery unloaded")
	})
}

// Snapshot forces a replicated-log snapshot.
func (s *Service) Snapshot(session *SessionKey) *Response {
	return s.invoke("snapshot", func() *Response {
		if err := s.requireRoot(session); err != nil {
			return errorResponse(err)
		}
		if err := s.deps.Snapshotter.Snapshot(); err != nil {
			return errorResponse(err)
		}
		return ok(nil, "Snapshot started")
	})
}

// RewriteConfigs replaces stored task configs in place, for emergency
// operator repair. Individual misses are aggregated into a WARNING rather
// than failing the batch.
func (s *Service) RewriteConfigs(session *SessionKey, rewrites map[string]*types.TaskConfig) *Response {
	return s.invoke("rewriteConfigs", func() *Response {
		if err := s.requireRoot(session); err != nil {
			return errorResponse(err)
		}
		if len(rewrites) == 0 {
			return invalidRequest("no rewrites specified")
		}

		var failures []string
		err := s.deps.Storage.Write(func(sp storage.MutableStoreProvider) error {
			for taskID, config := range rewrites {
				task := sp.Tasks().FetchTask(taskID)
				if task == nil {
					failures = append(failures, fmt.Sprintf("task %s not found", taskID))
					continue
				}
				if task.Assigned.Task.Job != config.Job {
					failures = append(failures, fmt.Sprintf("task %s job mismatch", taskID))
					continue
				}
				task.Assigned.Task = config
				sp.MutableTasks().SaveTask(task)
			}
			return nil
		})
		if err != nil {
			return errorResponse(err)
		}
		if len(failures) > 0 {
			return warning("%s", strings.Join(failures, ", "))
		}
		return ok(nil, "Rewrote %d task configs", len(rewrites))
	})
}

// GetVersion returns the compiled API version.
func (s *Service) GetVersion() *Response {
	return s.invoke("getVersion", func() *Response {
		return ok(APIVersion, "API version %d", APIVersion)
	})
}

func (s *Service) requireRoot(session *SessionKey) error {
	if session == nil || !session.HasCapability(CapabilityRoot) {
		return &AuthError{msg: "this operation requires the ROOT capability"}
	}
	log.WithComponent("auth").Info().Str("user", session.User).Msg("ROOT capability used")
	return nil
}
