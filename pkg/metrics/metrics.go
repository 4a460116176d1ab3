package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Task lifecycle metrics
	TasksTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "roost_tasks_total",
			Help: "Total number of tasks by state",
		},
		[]string{"state"},
	)

	IllegalTransitionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "roost_illegal_task_state_transitions_total",
			Help: "Attempted task state transitions rejected by the transition table",
		},
	)

	TaskReschedulesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "roost_task_reschedules_total",
			Help: "Replacement tasks created for terminal ancestors",
		},
	)

	// Scheduling metrics
	ScheduleAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roost_schedule_attempts_total",
			Help: "Placement attempts by outcome",
		},
		[]string{"result"},
	)

	TaskGroupsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "roost_task_groups_active",
			Help: "Task groups currently holding pending tasks",
		},
	)

	OffersOutstanding = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "roost_offers_outstanding",
			Help: "Resource offers currently held by the offer pool",
		},
	)

	PreemptionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "roost_preemptions_total",
			Help: "Tasks transitioned to PREEMPTING to make room for higher priority work",
		},
	)

	// Storage metrics
	WriteTransactionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "roost_storage_write_transactions_total",
			Help: "Committed write transactions",
		},
	)

	WriteTransactionFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "roost_storage_write_transaction_failures_total",
			Help: "Write transactions rolled back by an error",
		},
	)

	SnapshotDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "roost_snapshot_duration_seconds",
			Help:    "Time taken to serialize a full store snapshot",
			Buckets: prometheus.DefBuckets,
		},
	)

	SnapshotsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "roost_snapshots_total",
			Help: "Snapshots written to the replicated log",
		},
	)

	BackupsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "roost_backups_total",
			Help: "Backups written to the backup archive",
		},
	)

	// Raft metrics
	RaftLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "roost_raft_is_leader",
			Help: "Whether this scheduler is the Raft leader (1 = leader, 0 = follower)",
		},
	)
)

// Register registers all metrics with the default Prometheus registry
func Register() {
	prometheus.MustRegister(
		TasksTotal,
		IllegalTransitionsTotal,
		TaskReschedulesTotal,
		ScheduleAttemptsTotal,
		TaskGroupsActive,
		OffersOutstanding,
		PreemptionsTotal,
		WriteTransactionsTotal,
		WriteTransactionFailures,
		SnapshotDuration,
		SnapshotsTotal,
		BackupsTotal,
		RaftLeader,
	)
}

// Handler returns the HTTP handler for the /metrics endpoint
func Handler() http.Handler {
	return promhttp.Handler()
}
