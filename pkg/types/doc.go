/*
Package types defines the core data structures used throughout Roost.

This package contains the domain model shared by every other package: job and
task identity, task configuration and its scheduling fingerprint, the task
lifecycle states, advisory locks, per-role quotas, host attributes, and
resource offers.

# Core Types

Job and task identity:
  - JobKey: (role, environment, name) coordinates of a job
  - TaskConfig: immutable per-instance configuration; GroupKey() is its
    scheduling-equivalence fingerprint
  - AssignedTask: a config bound to an instance id and, after placement,
    a host and concrete ports
  - ScheduledTask: the authoritative task record with status, failure count,
    ancestry, and the append-only TaskEvent audit trail

Lifecycle:
  - ScheduleStatus: INIT through UNKNOWN; IsActive/IsTerminal partition the
    states the way quota accounting and garbage collection expect

Cluster state:
  - Lock: advisory exclusion token scoped to a job key
  - Quota: per-role cap on production resources
  - HostAttributes: constraint-matching attributes plus maintenance mode
  - Offer: a time-bounded resource advertisement from a worker host

# Invariants

A ScheduledTask's Status always equals the Status of its latest TaskEvent,
and TaskEvents is monotone non-decreasing in timestamp. Both are maintained
by the state-machine host (pkg/state); code elsewhere treats tasks as
read-only snapshots obtained from storage.

All types are JSON-serializable; the replicated log and snapshots store them
as JSON. Mutations must go through the storage facade, never in place on a
fetched task.
*/
package types
