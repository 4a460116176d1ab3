/*
Package state hosts the task state machines.

Manager owns the lifecycle of every live task id. External status updates,
placement results, and operator transitions all funnel into a single write
transaction that evaluates the pure transition function (pkg/statemachine)
and interprets the emitted work commands: status and audit-event writes,
failure-count increments, record deletes, and replacement-task synthesis all
commit atomically with the transition. Agent kills and event-bus
notifications dispatch after the commit.

Replacement tasks get a fresh task id and extend the ancestor chain.
Flapping services are created THROTTLED and promoted to PENDING when their
penalty expires; everything else is immediately PENDING and picked up by the
scheduling loop via TaskStateChange.

KillTasks plus WaitForTerminal implement the operator kill flow: transition
everything matched toward KILLING, then poll with bounded exponential backoff
until the tasks are terminal, surfacing ErrTimeout or ErrInterrupted without
undoing the transitions.
*/
package state
