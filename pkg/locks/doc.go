// Package locks implements the advisory job-lock manager. At most one lock
// exists per job key; mutating RPCs pass their held token through
// ValidateIfLocked before touching the job.
package locks
