/*
Package statemachine encodes the task lifecycle as a pure transition function.

Transition takes the task's current state (plus the config fields that decide
rescheduling) and a reported status, and returns the effective target state
and the list of WorkCommands the caller must apply for the transition to be
complete: persist the status, kill the remote process, synthesize a
replacement task, bump the failure count, or delete the record.

Keeping the function pure makes the lifecycle rules testable in isolation;
pkg/state interprets the commands inside the storage transaction that
triggered the transition.

Illegal transitions are not errors. They are logged, counted, and dropped,
with one exception: a terminal task re-announced as ASSIGNED, STARTING, or
RUNNING is a zombie, and a KILL is emitted to reap the remote process even
though the record does not change.
*/
package statemachine
