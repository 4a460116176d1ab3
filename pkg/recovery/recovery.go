package recovery

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	bolt "go.etcd.io/bbolt"

	"github.com/roostlabs/roost/pkg/clock"
	"github.com/roostlabs/roost/pkg/events"
	"github.com/roostlabs/roost/pkg/log"
	"github.com/roostlabs/roost/pkg/metrics"
	"github.com/roostlabs/roost/pkg/storage"
	"github.com/roostlabs/roost/pkg/types"
)

var backupsBucket = []byte("backups")

// Error marks recovery workflow failures: unknown backup id, staging
// conflicts, corrupt archives.
type Error struct {
	msg string
}

func (e *Error) Error() string { return e.msg }

func errorf(format string, args ...interface{}) *Error {
	return &Error{msg: fmt.Sprintf(format, args...)}
}

// Recovery owns the backup archive and the staged-restore workflow. Backups
// are full store snapshots written to a local bbolt archive; restoring is a
// three-step operator flow: stage a backup, optionally prune tasks from the
// staged image, then commit it over the live stores.
type Recovery struct {
	db      *bolt.DB
	storage *storage.Storage
	broker  *events.Broker
	clock   clock.Clock
	logger  zerolog.Logger

	mu       sync.Mutex
	staged   *storage.SnapshotData
	stagedID string
}

// Open opens (or creates) the backup archive in dataDir.
func Open(dataDir string, st *storage.Storage, broker *events.Broker, clk clock.Clock) (*Recovery, error) {
	db, err := bolt.Open(filepath.Join(dataDir, "backups.db"), 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open backup archive: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(backupsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create backups bucket: %w", err)
	}
	return &Recovery{
		db:      db,
		storage: st,
		broker:  broker,
		clock:   clk,
		logger:  log.WithComponent("recovery"),
	}, nil
}

// Close closes the archive.
func (r *Recovery) Close() error {
	return r.db.Close()
}

// PerformBackup snapshots every store and writes it to the archive,
// returning the new backup id.
func (r *Recovery) PerformBackup() (string, error) {
	snap := r.storage.Stores().Snapshot()
	data, err := json.Marshal(snap)
	if err != nil {
		return "", fmt.Errorf("failed to serialize backup: %w", err)
	}

	id := fmt.Sprintf("scheduler-backup-%s-%s",
		r.clock.Now().UTC().Format("2006-01-02-15-04-05"),
		uuid.New().String()[:8])

	err = r.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(backupsBucket).Put([]byte(id), data)
	})
	if err != nil {
		return "", fmt.Errorf("failed to write backup: %w", err)
	}
	metrics.BackupsTotal.Inc()
	r.logger.Info().Str("backup_id", id).Int("tasks", len(snap.Tasks)).Msg("Backup written")
	return id, nil
}

// ListBackups returns the ids of every archived backup.
func (r *Recovery) ListBackups() ([]string, error) {
	var ids []string
	err := r.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(backupsBucket).ForEach(func(k, v []byte) error {
			ids = append(ids, string(k))
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// Stage loads a backup into the staging area for inspection. Fails if a
// recovery is already staged.
func (r *Recovery) Stage(backupID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.staged != nil {
		return errorf("recovery %s is already staged; commit or unload it first", r.stagedID)
	}

	var data []byte
	err := r.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(backupsBucket).Get([]byte(backupID)); v != nil {
			data = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if data == nil {
		return errorf("backup %s not found", backupID)
	}

	var snap storage.SnapshotData
	if err := json.Unmarshal(data, &snap); err != nil {
		return errorf("backup %s is corrupt: %v", backupID, err)
	}
	r.staged = &snap
	r.stagedID = backupID
	r.logger.Info().Str("backup_id", backupID).Msg("Recovery staged")
	return nil
}

// QueryStagedTasks returns the staged tasks matching the query.
func (r *Recovery) QueryStagedTasks(q storage.TaskQuery) ([]*types.ScheduledTask, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.staged == nil {
		return nil, errorf("no recovery is staged")
	}
	var out []*types.ScheduledTask
	for _, t := range r.staged.Tasks {
		if q.Matches(t) {
			out = append(out, t.Clone())
		}
	}
	return out, nil
}

// DeleteStagedTasks removes matching tasks from the staged image before it
// is committed.
func (r *Recovery) DeleteStagedTasks(q storage.TaskQuery) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.staged == nil {
		return 0, errorf("no recovery is staged")
	}
	var kept []*types.ScheduledTask
	removed := 0
	for _, t := range r.staged.Tasks {
		if q.Matches(t) {
			removed++
			continue
		}
		kept = append(kept, t)
	}
	r.staged.Tasks = kept
	return removed, nil
}

// Commit replaces the live stores with the staged image and re-arms the
// scheduling loop through the storage-ready signal.
func (r *Recovery) Commit() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.staged == nil {
		return errorf("no recovery is staged")
	}
	if err := r.storage.RestoreSnapshot(r.staged); err != nil {
		return err
	}
	r.logger.Info().Str("backup_id", r.stagedID).Msg("Recovery committed")
	r.staged = nil
	r.stagedID = ""

	r.storage.MarkReady()
	r.broker.Publish(events.StorageReady{})
	return nil
}

// Unload discards the staged image without applying it.
func (r *Recovery) Unload() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.staged == nil {
		return errorf("no recovery is staged")
	}
	r.staged = nil
	r.stagedID = ""
	return nil
}
