package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/roostlabs/roost/pkg/api"
	"github.com/roostlabs/roost/pkg/clock"
	"github.com/roostlabs/roost/pkg/events"
	"github.com/roostlabs/roost/pkg/locks"
	"github.com/roostlabs/roost/pkg/log"
	"github.com/roostlabs/roost/pkg/maintenance"
	"github.com/roostlabs/roost/pkg/manager"
	"github.com/roostlabs/roost/pkg/metrics"
	"github.com/roostlabs/roost/pkg/quota"
	"github.com/roostlabs/roost/pkg/recovery"
	"github.com/roostlabs/roost/pkg/scheduler"
	"github.com/roostlabs/roost/pkg/state"
	"github.com/roostlabs/roost/pkg/storage"
	"github.com/roostlabs/roost/pkg/types"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "roost",
	Short: "Roost - Cluster workload scheduler",
	Long: `Roost schedules jobs (groups of identically-configured tasks) onto a
pool of worker hosts offered by a cluster resource manager, maintains each
task's lifecycle across failures and operator intervention, and persists all
scheduler state through a replicated log so any replica can recover on
failover.`,
	Version: Version,
}

// serverConfig collects every tunable of the scheduler process. Values come
// from flags, or from an optional YAML file; with a file, only the node id,
// bind address, metrics address, data directory and log level flags override
// it.
type serverConfig struct {
	NodeID      string `yaml:"node_id"`
	BindAddr    string `yaml:"bind_addr"`
	APIAddr     string `yaml:"api_addr"`
	MetricsAddr string `yaml:"metrics_addr"`
	DataDir     string `yaml:"data_dir"`
	LogLevel    string `yaml:"log_level"`
	LogJSON     bool   `yaml:"log_json"`

	SnapshotInterval          time.Duration `yaml:"snapshot_interval"`
	KillTaskInitialBackoff    time.Duration `yaml:"kill_task_initial_backoff"`
	KillTaskMaxBackoff        time.Duration `yaml:"kill_task_max_backoff"`
	KillTimeout               time.Duration `yaml:"kill_timeout"`
	InitialTaskGroupPenalty   time.Duration `yaml:"initial_task_group_penalty"`
	MaxTaskGroupPenalty       time.Duration `yaml:"max_task_group_penalty"`
	MaxRescheduleDelay        time.Duration `yaml:"max_reschedule_delay"`
	FlapThreshold             time.Duration `yaml:"flap_threshold"`
	FlapPenalty               time.Duration `yaml:"flap_penalty"`
	MaxScheduleAttemptsPerSec float64       `yaml:"max_schedule_attempts_per_sec"`
}

func defaultServerConfig() serverConfig {
	hostname, _ := os.Hostname()
	return serverConfig{
		NodeID:                    hostname,
		BindAddr:                  "127.0.0.1:7420",
		MetricsAddr:               "127.0.0.1:7421",
		APIAddr:                   "127.0.0.1:7422",
		DataDir:                   "/var/lib/roost",
		LogLevel:                  "info",
		LogJSON:                   true,
		SnapshotInterval:          5 * time.Minute,
		KillTaskInitialBackoff:    time.Second,
		KillTaskMaxBackoff:        30 * time.Second,
		KillTimeout:               time.Minute,
		InitialTaskGroupPenalty:   time.Second,
		MaxTaskGroupPenalty:       time.Minute,
		MaxRescheduleDelay:        30 * time.Second,
		FlapThreshold:             5 * time.Minute,
		FlapPenalty:               30 * time.Second,
		MaxScheduleAttemptsPerSec: 40,
	}
}

func init() {
	cfg := defaultServerConfig()
	var configFile string

	serverCmd := &cobra.Command{
		Use:   "server",
		Short: "Run the scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			if configFile != "" {
				data, err := os.ReadFile(configFile)
				if err != nil {
					return fmt.Errorf("failed to read config file: %w", err)
				}
				fileCfg := defaultServerConfig()
				if err := yaml.Unmarshal(data, &fileCfg); err != nil {
					return fmt.Errorf("failed to parse config file: %w", err)
				}
				// The node-id, bind-addr, metrics-addr, data-dir and log-level
				// flags, when set on the command line, win over the file. Every
				// other setting comes from the file or its defaults.
				merged := fileCfg
				if cmd.Flags().Changed("node-id") {
					merged.NodeID = cfg.NodeID
				}
				if cmd.Flags().Changed("bind-addr") {
					merged.BindAddr = cfg.BindAddr
				}
				if cmd.Flags().Changed("metrics-addr") {
					merged.MetricsAddr = cfg.MetricsAddr
				}
				if cmd.Flags().Changed("data-dir") {
					merged.DataDir = cfg.DataDir
				}
				if cmd.Flags().Changed("log-level") {
					merged.LogLevel = cfg.LogLevel
				}
				cfg = merged
			}
			return runServer(cfg)
		},
	}

	serverCmd.Flags().StringVar(&configFile, "config", "", "Path to a YAML config file")
	serverCmd.Flags().StringVar(&cfg.NodeID, "node-id", cfg.NodeID, "Unique scheduler node id")
	serverCmd.Flags().StringVar(&cfg.BindAddr, "bind-addr", cfg.BindAddr, "Replicated log bind address")
	serverCmd.Flags().StringVar(&cfg.APIAddr, "api-addr", cfg.APIAddr, "JSON API gateway listen address")
	serverCmd.Flags().StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "Prometheus metrics listen address")
	serverCmd.Flags().StringVar(&cfg.DataDir, "data-dir", cfg.DataDir, "Directory for log, snapshot, and backup data")
	serverCmd.Flags().StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level (debug, info, warn, error)")
	serverCmd.Flags().DurationVar(&cfg.SnapshotInterval, "snapshot-interval", cfg.SnapshotInterval,
		"Interval between full snapshots of the replicated log")
	serverCmd.Flags().DurationVar(&cfg.KillTaskInitialBackoff, "kill-task-initial-backoff", cfg.KillTaskInitialBackoff,
		"Initial backoff while waiting for killed tasks to terminate")
	serverCmd.Flags().DurationVar(&cfg.KillTaskMaxBackoff, "kill-task-max-backoff", cfg.KillTaskMaxBackoff,
		"Maximum backoff while waiting for killed tasks to terminate")
	serverCmd.Flags().DurationVar(&cfg.KillTimeout, "kill-timeout", cfg.KillTimeout,
		"Total wait budget for killTasks")
	serverCmd.Flags().DurationVar(&cfg.InitialTaskGroupPenalty, "initial-task-group-penalty", cfg.InitialTaskGroupPenalty,
		"Initial scheduling penalty for a task group")
	serverCmd.Flags().DurationVar(&cfg.MaxTaskGroupPenalty, "max-task-group-penalty", cfg.MaxTaskGroupPenalty,
		"Maximum scheduling penalty for a task group")
	serverCmd.Flags().DurationVar(&cfg.MaxRescheduleDelay, "max-reschedule-delay", cfg.MaxRescheduleDelay,
		"Upper bound of the random delay applied when re-enqueueing tasks after failover")
	serverCmd.Flags().Float64Var(&cfg.MaxScheduleAttemptsPerSec, "max-schedule-attempts-per-sec", cfg.MaxScheduleAttemptsPerSec,
		"Global cap on placement attempts per second")

	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("roost %s (commit %s, built %s)\n", Version, Commit, BuildTime)
		},
	})
}

// agentDriver is the integration point for the executor/agent transport.
// Until a cluster-manager driver is wired in, commands are logged and kills
// are reconciled by status updates.
type agentDriver struct{}

func (agentDriver) KillTask(taskID, slaveID string) error {
	log.WithComponent("driver").Info().
		Str("task_id", taskID).
		Str("slave_id", slaveID).
		Msg("Kill requested")
	return nil
}

func (agentDriver) LaunchTask(offer *types.Offer, task *types.AssignedTask) error {
	log.WithComponent("driver").Info().
		Str("task_id", task.TaskID).
		Str("host", offer.Host).
		Msg("Launch requested")
	return nil
}

func runServer(cfg serverConfig) error {
	log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})
	logger := log.WithComponent("server")
	metrics.Register()

	clk := clock.New()
	broker := events.NewBroker()
	broker.Start()

	stores := storage.NewStores()
	mgrCfg := manager.DefaultConfig(cfg.NodeID, cfg.BindAddr, cfg.DataDir)
	mgrCfg.SnapshotInterval = cfg.SnapshotInterval
	mgr, err := manager.NewManager(mgrCfg, stores)
	if err != nil {
		return err
	}
	st := storage.New(stores, mgr)

	driver := agentDriver{}
	calc := state.NewRescheduleCalculator(state.RescheduleConfig{
		FlapThreshold:   cfg.FlapThreshold,
		FlapPenalty:     cfg.FlapPenalty,
		MaxStartupDelay: cfg.MaxRescheduleDelay,
	}, time.Now().UnixNano())

	stateCfg := state.DefaultConfig(cfg.NodeID)
	stateCfg.KillRetryInitial = cfg.KillTaskInitialBackoff
	stateCfg.KillRetryMax = cfg.KillTaskMaxBackoff
	stateMgr := state.NewManager(st, broker, driver, clk, calc, stateCfg)

	pool := scheduler.NewOfferPool()
	placer := scheduler.NewPlacer(st, pool, stateMgr, driver)
	preemptor := scheduler.NewPreemptor(st, stateMgr)
	groups := scheduler.NewTaskGroups(st, clk, placer, preemptor, calc, scheduler.Settings{
		InitialPenalty:            cfg.InitialTaskGroupPenalty,
		MaxPenalty:                cfg.MaxTaskGroupPenalty,
		MaxScheduleAttemptsPerSec: cfg.MaxScheduleAttemptsPerSec,
	})

	lockMgr := locks.NewManager(st, clk)
	quotaMgr := quota.NewManager(st)
	maint := maintenance.NewController(st, stateMgr)

	rec, err := recovery.Open(cfg.DataDir, st, broker, clk)
	if err != nil {
		return err
	}

	service := api.NewService(api.Deps{
		Storage:     st,
		State:       stateMgr,
		Locks:       lockMgr,
		Quota:       quotaMgr,
		Maintenance: maint,
		Recovery:    rec,
		Snapshotter: mgr,
		Clock:       clk,
	}, api.Config{KillTimeout: cfg.KillTimeout})

	go groups.Run(broker.Subscribe())
	go maint.Run(broker.Subscribe())

	if err := mgr.Bootstrap(); err != nil {
		return err
	}
	if err := mgr.WaitForLeader(30 * time.Second); err != nil {
		return err
	}

	// Recovery replay finished inside raft bootstrap; arm the scheduler.
	st.MarkReady()
	broker.Publish(events.StorageReady{})
	logger.Info().Str("node_id", cfg.NodeID).Msg("Scheduler ready")

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
			logger.Error().Err(err).Msg("Metrics server failed")
		}
	}()

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/api/", newGateway(service))
		mux.Handle("/agent/", newAgentGateway(pool, stateMgr, clk))
		if err := http.ListenAndServe(cfg.APIAddr, mux); err != nil {
			logger.Error().Err(err).Msg("API gateway failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("Shutting down")
	broker.Stop()
	if err := rec.Close(); err != nil {
		logger.Error().Err(err).Msg("Failed to close backup archive")
	}
	return mgr.Shutdown()
}
