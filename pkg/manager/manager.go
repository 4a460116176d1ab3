package manager

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"github.com/rs/zerolog"

	"github.com/roostlabs/roost/pkg/log"
	"github.com/roostlabs/roost/pkg/metrics"
	"github.com/roostlabs/roost/pkg/storage"
)

// Config holds configuration for creating a Manager
type Config struct {
	NodeID   string
	BindAddr string
	DataDir  string

	// SnapshotInterval is how often a full snapshot is written to the log
	// and earlier records truncated.
	SnapshotInterval time.Duration

	// ApplyTimeout bounds a single replicated append.
	ApplyTimeout time.Duration
}

// DefaultConfig mirrors the flag defaults.
func DefaultConfig(nodeID, bindAddr, dataDir string) *Config {
	return &Config{
		NodeID:           nodeID,
		BindAddr:         bindAddr,
		DataDir:          dataDir,
		SnapshotInterval: 5 * time.Minute,
		ApplyTimeout:     5 * time.Second,
	}
}

// Manager owns the replicated log: it wires the FSM into raft, appends op
// batches on behalf of the storage facade, and runs the periodic snapshot
// loop. It implements storage.LogAppender.
type Manager struct {
	config *Config
	raft   *raft.Raft
	fsm    *FSM
	logger zerolog.Logger
	stopCh chan struct{}
}

// NewManager creates a manager over the given stores.
func NewManager(cfg *Config, stores *storage.Stores) (*Manager, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	return &Manager{
		config: cfg,
		fsm:    NewFSM(stores),
		logger: log.WithComponent("manager"),
		stopCh: make(chan struct{}),
	}, nil
}

// Bootstrap initializes a new single-node Raft cluster
func (m *Manager) Bootstrap() error {
	config := raft.DefaultConfig()
	config.LocalID = raft.ServerID(m.config.NodeID)

	// Hashicorp Raft defaults are conservative for WAN deployments; the
	// scheduler runs on a LAN and wants failover well under ten seconds.
	config.HeartbeatTimeout = 500 * time.Millisecond
	config.ElectionTimeout = 500 * time.Millisecond
	config.CommitTimeout = 50 * time.Millisecond
	config.LeaderLeaseTimeout = 250 * time.Millisecond

	addr, err := net.ResolveTCPAddr("tcp", m.config.BindAddr)
	if err != nil {
		return fmt.Errorf("failed to resolve bind address: %w", err)
	}

	transport, err := raft.NewTCPTransport(m.config.BindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return fmt.Errorf("failed to create transport: %w", err)
	}

	snapshotStore, err := raft.NewFileSnapshotStore(m.config.DataDir, 2, os.Stderr)
	if err != nil {
		return fmt.Errorf("failed to create snapshot store: %w", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(m.config.DataDir, "raft-log.db"))
	if err != nil {
		return fmt.Errorf("failed to create log store: %w", err)
	}

	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(m.config.DataDir, "raft-stable.db"))
	if err != nil {
		return fmt.Errorf("failed to create stable store: %w", err)
	}

	r, err := raft.NewRaft(config, m.fsm, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		return fmt.Errorf("failed to create raft: %w", err)
	}
	m.raft = r

	hasState, err := raft.HasExistingState(logStore, stableStore, snapshotStore)
	if err != nil {
		return fmt.Errorf("failed to check existing state: %w", err)
	}
	if !hasState {
		configuration := raft.Configuration{
			Servers: []raft.Server{
				{
					ID:      config.LocalID,
					Address: transport.LocalAddr(),
				},
			},
		}
		if err := m.raft.BootstrapCluster(configuration).Error(); err != nil {
			return fmt.Errorf("failed to bootstrap cluster: %w", err)
		}
	}

	go m.snapshotLoop()
	go m.leadershipLoop()
	return nil
}

// Append commits one batch of ops as a single replicated log record. It
// returns once the batch is applied to the local stores.
func (m *Manager) Append(ops []storage.Op) error {
	if m.raft == nil {
		return fmt.Errorf("raft not initialized")
	}
	data, err := json.Marshal(Batch{Ops: ops})
	if err != nil {
		return fmt.Errorf("failed to marshal batch: %w", err)
	}

	future := m.raft.Apply(data, m.config.ApplyTimeout)
	if err := future.Error(); err != nil {
		return fmt.Errorf("failed to apply batch: %w", err)
	}
	if resp := future.Response(); resp != nil {
		if err, ok := resp.(error); ok && err != nil {
			return err
		}
	}
	return nil
}

// Snapshot forces an immediate snapshot and log truncation.
func (m *Manager) Snapshot() error {
	if m.raft == nil {
		return fmt.Errorf("raft not initialized")
	}
	if err := m.raft.Snapshot().Error(); err != nil {
		return fmt.Errorf("failed to snapshot: %w", err)
	}
	return nil
}

// WaitForLeader blocks until this node becomes leader or the timeout
// expires. Used at startup before arming the scheduling loop.
func (m *Manager) WaitForLeader(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if m.IsLeader() {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("no leader elected within %s", timeout)
}

// IsLeader returns true if this manager is the Raft leader
func (m *Manager) IsLeader() bool {
	if m.raft == nil {
		return false
	}
	return m.raft.State() == raft.Leader
}

// LeaderAddr returns the address of the current Raft leader
func (m *Manager) LeaderAddr() string {
	if m.raft == nil {
		return ""
	}
	return string(m.raft.Leader())
}

// Stats returns Raft statistics
func (m *Manager) Stats() map[string]interface{} {
	if m.raft == nil {
		return nil
	}
	stats := make(map[string]interface{})
	stats["state"] = m.raft.State().String()
	stats["last_log_index"] = m.raft.LastIndex()
	stats["applied_index"] = m.raft.AppliedIndex()
	stats["leader"] = string(m.raft.Leader())
	return stats
}

func (m *Manager) snapshotLoop() {
	if m.config.SnapshotInterval <= 0 {
		return
	}
	ticker := time.NewTicker(m.config.SnapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if !m.IsLeader() {
				continue
			}
			if err := m.Snapshot(); err != nil {
				m.logger.Error().Err(err).Msg("Periodic snapshot failed")
			}
		case <-m.stopCh:
			return
		}
	}
}

func (m *Manager) leadershipLoop() {
	for {
		select {
		case isLeader := <-m.raft.LeaderCh():
			if isLeader {
				metrics.RaftLeader.Set(1)
				m.logger.Info().Msg("Became leader")
			} else {
				metrics.RaftLeader.Set(0)
				m.logger.Info().Msg("Lost leadership")
			}
		case <-m.stopCh:
			return
		}
	}
}

// Shutdown gracefully shuts down the manager
func (m *Manager) Shutdown() error {
	close(m.stopCh)
	if m.raft != nil {
		if err := m.raft.Shutdown().Error(); err != nil {
			return fmt.Errorf("failed to shutdown raft: %w", err)
		}
	}
	return nil
}
