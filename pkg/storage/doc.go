/*
Package storage provides the transactional facade over Roost's replicated
scheduler state.

# Architecture

State lives in typed in-memory stores (tasks, jobs, quotas, locks, host
attributes, scheduler singletons). The stores are never mutated in place by
callers: a write transaction stages mutations in an overlay, records each as
an Op, and commits the batch as a single record through a LogAppender. The
raft FSM (pkg/manager) is the only code that applies ops to the base stores,
so a replica replaying the log reconstructs byte-identical state.

	Write(fn)
	  └─ fn(MutableStoreProvider)   staged overlay + op capture
	       └─ commit: LogAppender.Append(ops)
	            └─ raft apply → Stores.Apply(ops)

# Consistency

Exactly one writer progresses at a time (global write lock). Reads outside a
transaction observe the latest committed state; reads inside a write observe
the transaction's own staged mutations. An error returned by the write
function discards the overlay, so either every mutation in the transaction
commits together with its log record or none do.

# Recovery

On startup the raft layer restores the latest snapshot and replays subsequent
records into the stores. MarkReady flips the storage-ready flag; the
scheduling loop arms only after the StorageReady event fires.
*/
package storage
