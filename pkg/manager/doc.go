/*
Package manager wires the scheduler stores into a hashicorp/raft replicated
log.

Each committed write transaction reaches Append as one op batch, replicated
as a single log record and applied by the FSM on every replica, so log-record
order matches commit order and replay is deterministic. The FSM also
serializes full store snapshots at a configurable interval (and on operator
request), letting raft truncate all earlier records.

On startup raft restores the newest snapshot and replays the records after
it; only then does the composition root mark storage ready and arm the
scheduling loop.
*/
package manager
