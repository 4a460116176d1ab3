package manager

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/hashicorp/raft"

	"github.com/roostlabs/roost/pkg/metrics"
	"github.com/roostlabs/roost/pkg/storage"
)

// Batch is the unit of replication: the ops captured by one committed write
// transaction, applied atomically by every replica.
type Batch struct {
	Ops []storage.Op `json:"ops"`
}

// FSM implements the Raft finite state machine over the scheduler stores.
// It applies committed op batches and handles snapshot/restore, so a replica
// replaying the log reconstructs the exact store contents.
type FSM struct {
	stores *storage.Stores
}

// NewFSM creates an FSM over the given stores.
func NewFSM(stores *storage.Stores) *FSM {
	return &FSM{stores: stores}
}

// Apply applies a committed log entry to the stores.
func (f *FSM) Apply(entry *raft.Log) interface{} {
	var batch Batch
	if err := json.Unmarshal(entry.Data, &batch); err != nil {
		return fmt.Errorf("failed to unmarshal batch: %w", err)
	}
	if err := f.stores.Apply(batch.Ops); err != nil {
		return err
	}
	return nil
}

// Snapshot serializes every store into a point-in-time snapshot. Raft calls
// this to compact the log; all records preceding the snapshot are truncated.
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	start := time.Now()
	snap := f.stores.Snapshot()
	metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
	metrics.SnapshotsTotal.Inc()
	return &fsmSnapshot{data: snap}, nil
}

// Restore replaces the store contents from a snapshot. Called on restart and
// when a replica falls too far behind the log.
func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var snap storage.SnapshotData
	if err := json.NewDecoder(rc).Decode(&snap); err != nil {
		return fmt.Errorf("failed to decode snapshot: %w", err)
	}
	f.stores.Restore(&snap)
	return nil
}

type fsmSnapshot struct {
	data *storage.SnapshotData
}

// Persist writes the snapshot to the given SnapshotSink
func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	err := func() error {
		if err := json.NewEncoder(sink).Encode(s.data); err != nil {
			return err
		}
		return sink.Close()
	}()

	if err != nil {
		sink.Cancel()
	}
	return err
}

// Release releases the snapshot resources
func (s *fsmSnapshot) Release() {}
