/*
Package scheduler implements the batched, rate-limited scheduling loop.

# Task groups

Tasks that schedule identically (equal TaskConfig fingerprints) share a
TaskGroup: a FIFO of (taskID, readyAt) plus a truncated-binary backoff. A
group is created lazily when its first task enters PENDING and dropped when
its queue empties. Each group runs one strictly-serial timer-driven loop;
groups progress in parallel, and a global token bucket (golang.org/x/time/rate)
spreads placement attempts round-robin across groups so a 1000-instance job
cannot starve a 1-instance job.

One tick of a group's loop:

	EMPTY     → drop the group
	NOT_READY → re-check after the current penalty
	READY     → pop the head, take a rate-limiter permit, attempt placement
	             success: reset backoff
	             failure: push back, advance backoff, probe the preemptor

# Placement

Placer filters the offer pool — maintenance mode, resource fit, constraint
match — assigns concrete ports from the chosen offer's ranges, transitions
the task PENDING→ASSIGNED through the storage facade, and launches. A write
failure rolls the transition back; the rate-limiter permit is spent either
way.

# Preemption

When placement fails, Preemptor looks for a single RUNNING victim with
strictly lower priority (production beats non-production) whose resources
cover the candidate on a host the candidate's constraints accept, and
transitions it to PREEMPTING. The candidate stays queued and retries after
the victim's resources return as an offer.
*/
package scheduler
