package storage

import (
	"errors"
	"fmt"
	"sync"

	"github.com/roostlabs/roost/pkg/metrics"
	"github.com/roostlabs/roost/pkg/types"
)

// ErrUnavailable marks failures of the underlying replicated log. Callers
// translate it to a storage error response rather than a request error.
var ErrUnavailable = errors.New("storage unavailable")

// LogAppender commits a batch of ops as a single replicated log record.
// Appending implies applying: by the time Append returns, the batch has been
// applied to the authoritative stores.
type LogAppender interface {
	Append(ops []Op) error
}

// DirectAppender applies op batches straight to the stores, bypassing
// replication. It backs tests and single-node operation.
type DirectAppender struct {
	Stores *Stores
}

func (d DirectAppender) Append(ops []Op) error {
	return d.Stores.Apply(ops)
}

// Storage is the transactional facade: the single entry point for every read
// and write against scheduler state. Writes are serialized by a global lock,
// captured as ops, and committed as one log record; any error inside the
// write function discards the staged mutations.
type Storage struct {
	writeMu  sync.Mutex
	stores   *Stores
	appender LogAppender

	readyMu sync.RWMutex
	ready   bool
}

// New creates a facade over the given stores and log appender.
func New(stores *Stores, appender LogAppender) *Storage {
	return &Storage{stores: stores, appender: appender}
}

// Stores exposes the underlying stores to the FSM and recovery plumbing.
func (s *Storage) Stores() *Stores {
	return s.stores
}

type readProvider struct {
	s *Stores
}

func (r readProvider) Scheduler() SchedulerStore  { return r }
func (r readProvider) Tasks() TaskStore           { return r }
func (r readProvider) Jobs() JobStore             { return r }
func (r readProvider) Quotas() QuotaStore         { return r }
func (r readProvider) Locks() LockStore           { return r }
func (r readProvider) Attributes() AttributeStore { return r }

func (r readProvider) FrameworkID() string { return r.s.frameworkIDValue() }

func (r readProvider) FetchTask(id string) *types.ScheduledTask { return r.s.fetchTask(id) }
func (r readProvider) FetchTasks(q TaskQuery) []*types.ScheduledTask {
	return r.s.fetchTasks(q)
}

func (r readProvider) FetchJob(key types.JobKey) *types.JobConfiguration {
	return r.s.fetchJob(key)
}
func (r readProvider) FetchJobs() []*types.JobConfiguration { return r.s.fetchJobs() }

func (r readProvider) FetchQuota(role string) *types.Quota { return r.s.fetchQuota(role) }
func (r readProvider) FetchQuotas() []*types.Quota         { return r.s.fetchQuotas() }

func (r readProvider) FetchLock(key types.LockKey) *types.Lock { return r.s.fetchLock(key) }
func (r readProvider) FetchLocks() []*types.Lock               { return r.s.fetchLocks() }

func (r readProvider) FetchHostAttributes(host string) *types.HostAttributes {
	return r.s.fetchHostAttributes(host)
}
func (r readProvider) FetchAllHostAttributes() []*types.HostAttributes {
	return r.s.fetchAllHostAttributes()
}

// Read runs fn against the latest committed state.
func (s *Storage) Read(fn func(StoreProvider) error) error {
	return fn(readProvider{s.stores})
}

// Write runs fn inside a write transaction. Mutations are staged and only
// reach the stores if fn returns nil and the op batch commits to the log.
func (s *Storage) Write(fn func(MutableStoreProvider) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	t := newTxn(s.stores)
	if err := fn(t); err != nil {
		metrics.WriteTransactionFailures.Inc()
		return err
	}
	if len(t.ops) == 0 {
		return nil
	}
	if err := s.appender.Append(t.ops); err != nil {
		metrics.WriteTransactionFailures.Inc()
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	metrics.WriteTransactionsTotal.Inc()
	return nil
}

// RestoreSnapshot atomically replaces the entire store contents with the
// snapshot image, as a single log record. Used by staged recovery commits.
func (s *Storage) RestoreSnapshot(snap *SnapshotData) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.appender.Append([]Op{mustOp(OpRestoreSnapshot, snap)}); err != nil {
		metrics.WriteTransactionFailures.Inc()
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	metrics.WriteTransactionsTotal.Inc()
	return nil
}

// MarkReady records that recovery replay finished and reads reflect a
// consistent image.
func (s *Storage) MarkReady() {
	s.readyMu.Lock()
	defer s.readyMu.Unlock()
	s.ready = true
}

// Ready reports whether the storage-ready signal has fired.
func (s *Storage) Ready() bool {
	s.readyMu.RLock()
	defer s.readyMu.RUnlock()
	return s.ready
}
