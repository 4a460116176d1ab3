package types

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// JobKey uniquely identifies a job within the cluster.
type JobKey struct {
	Role        string
	Environment string
	Name        string
}

// String returns the canonical role/environment/name path for the key.
func (k JobKey) String() string {
	return fmt.Sprintf("%s/%s/%s", k.Role, k.Environment, k.Name)
}

// Valid reports whether all key components are present.
func (k JobKey) Valid() bool {
	return k.Role != "" && k.Environment != "" && k.Name != ""
}

// Identity identifies the user that owns a job.
type Identity struct {
	Role string
	User string
}

// Resources describes a resource request or an available allocation.
type Resources struct {
	CPUs   float64
	RAMMb  int64
	DiskMb int64
}

// AtLeast reports whether r covers the requested resources.
func (r Resources) AtLeast(req Resources) bool {
	return r.CPUs >= req.CPUs && r.RAMMb >= req.RAMMb && r.DiskMb >= req.DiskMb
}

// Add returns the component-wise sum of r and other.
func (r Resources) Add(other Resources) Resources {
	return Resources{
		CPUs:   r.CPUs + other.CPUs,
		RAMMb:  r.RAMMb + other.RAMMb,
		DiskMb: r.DiskMb + other.DiskMb,
	}
}

// ConstraintMode selects how a constraint predicate is evaluated.
type ConstraintMode string

const (
	// ConstraintValue requires the host attribute to contain one of the
	// listed values (or none of them when negated).
	ConstraintValue ConstraintMode = "value"

	// ConstraintLimit caps how many active tasks of the same job may run on
	// a single host (limit=1 spreads instances across hosts). The count is
	// per host whatever attribute the constraint names; hosts sharing a
	// value of another attribute are not counted together.
	ConstraintLimit ConstraintMode = "limit"
)

// Constraint restricts the hosts a task may be placed on.
type Constraint struct {
	Name    string
	Mode    ConstraintMode
	Values  []string
	Negated bool
	Limit   int
}

// TaskConfig is the immutable scheduling contract for every instance of a job.
type TaskConfig struct {
	Job             JobKey
	Owner           Identity
	Resources       Resources
	PortNames       []string
	Command         string
	IsService       bool
	Production      bool
	Priority        int
	MaxTaskFailures int // -1 means unlimited
	Constraints     []Constraint
	Container       string
}

// GroupKey returns a stable fingerprint of the scheduling-relevant fields.
// Tasks with equal group keys are interchangeable for placement and share a
// scheduling group.
func (c *TaskConfig) GroupKey() string {
	ports := append([]string(nil), c.PortNames...)
	sort.Strings(ports)

	var b strings.Builder
	fmt.Fprintf(&b, "%s|%g|%d|%d|", c.Job, c.Resources.CPUs, c.Resources.RAMMb, c.Resources.DiskMb)
	fmt.Fprintf(&b, "%s|%t|%t|%d|%d|%s|", strings.Join(ports, ","), c.IsService, c.Production,
		c.Priority, c.MaxTaskFailures, c.Container)
	b.WriteString(c.Command)
	for _, ct := range c.Constraints {
		fmt.Fprintf(&b, "|%s:%s:%t:%d:%s", ct.Name, ct.Mode, ct.Negated, ct.Limit,
			strings.Join(ct.Values, ","))
	}
	return b.String()
}

// AssignedTask is a task config bound to an instance and, once placed, a host.
type AssignedTask struct {
	TaskID     string
	InstanceID int
	Task       *TaskConfig

	// Populated by placement.
	SlaveID       string
	SlaveHost     string
	AssignedPorts map[string]int
}

// ScheduleStatus is the lifecycle state of a task.
type ScheduleStatus string

const (
	StatusInit       ScheduleStatus = "INIT"
	StatusPending    ScheduleStatus = "PENDING"
	StatusThrottled  ScheduleStatus = "THROTTLED"
	StatusAssigned   ScheduleStatus = "ASSIGNED"
	StatusStarting   ScheduleStatus = "STARTING"
	StatusRunning    ScheduleStatus = "RUNNING"
	StatusPreempting ScheduleStatus = "PREEMPTING"
	StatusRestarting ScheduleStatus = "RESTARTING"
	StatusKilling    ScheduleStatus = "KILLING"
	StatusFinished   ScheduleStatus = "FINISHED"
	StatusFailed     ScheduleStatus = "FAILED"
	StatusKilled     ScheduleStatus = "KILLED"
	StatusLost       ScheduleStatus = "LOST"
	StatusUnknown    ScheduleStatus = "UNKNOWN"
)

// ActiveStates are the states in which a task is the live representation of
// an instance and counts against quota.
var ActiveStates = []ScheduleStatus{
	StatusPending, StatusThrottled, StatusAssigned, StatusStarting,
	StatusRunning, StatusPreempting, StatusRestarting, StatusKilling,
}

// TerminalStates are the states from which a task only moves to UNKNOWN.
var TerminalStates = []ScheduleStatus{
	StatusFinished, StatusFailed, StatusKilled, StatusLost,
}

// IsActive reports whether s is one of the active states.
func (s ScheduleStatus) IsActive() bool {
	switch s {
	case StatusPending, StatusThrottled, StatusAssigned, StatusStarting,
		StatusRunning, StatusPreempting, StatusRestarting, StatusKilling:
		return true
	}
	return false
}

// IsTerminal reports whether s is a terminal state.
func (s ScheduleStatus) IsTerminal() bool {
	switch s {
	case StatusFinished, StatusFailed, StatusKilled, StatusLost:
		return true
	}
	return false
}

// TaskEvent records a single state transition on a task's audit trail.
type TaskEvent struct {
	Timestamp time.Time
	Status    ScheduleStatus
	Message   string
	Scheduler string
}

// ScheduledTask is the authoritative record of a task attempt.
type ScheduledTask struct {
	Assigned     *AssignedTask
	Status       ScheduleStatus
	FailureCount int
	AncestorID   string
	TaskEvents   []TaskEvent
}

// LatestEvent returns the most recent task event, or nil for a task that has
// not transitioned yet.
func (t *ScheduledTask) LatestEvent() *TaskEvent {
	if len(t.TaskEvents) == 0 {
		return nil
	}
	return &t.TaskEvents[len(t.TaskEvents)-1]
}

// Clone returns a deep copy of the task.
func (t *ScheduledTask) Clone() *ScheduledTask {
	out := *t
	if t.Assigned != nil {
		assigned := *t.Assigned
		if t.Assigned.Task != nil {
			cfg := *t.Assigned.Task
			cfg.PortNames = append([]string(nil), t.Assigned.Task.PortNames...)
			cfg.Constraints = append([]Constraint(nil), t.Assigned.Task.Constraints...)
			assigned.Task = &cfg
		}
		if t.Assigned.AssignedPorts != nil {
			ports := make(map[string]int, len(t.Assigned.AssignedPorts))
			for k, v := range t.Assigned.AssignedPorts {
				ports[k] = v
			}
			assigned.AssignedPorts = ports
		}
		out.Assigned = &assigned
	}
	out.TaskEvents = append([]TaskEvent(nil), t.TaskEvents...)
	return &out
}

// JobConfiguration is the stored definition of a cron or templated job.
// Instance jobs are reconstructed from their live tasks and are not stored.
type JobConfiguration struct {
	Key           JobKey
	Owner         Identity
	Task          *TaskConfig
	InstanceCount int
	CronSchedule  string
	CreatedAt     time.Time
}

// LockKey scopes an advisory lock. Today a lock always covers a whole job.
type LockKey struct {
	Job JobKey
}

// Lock is an advisory exclusion token for a job key.
type Lock struct {
	Key         LockKey
	Token       string
	User        string
	TimestampMs int64
	Message     string
}

// Quota is the per-role cap on resources consumed by production tasks.
type Quota struct {
	Role      string
	Resources Resources
}

// MaintenanceMode is the drain lifecycle state of a host.
type MaintenanceMode string

const (
	MaintenanceNone      MaintenanceMode = "NONE"
	MaintenanceScheduled MaintenanceMode = "SCHEDULED"
	MaintenanceDraining  MaintenanceMode = "DRAINING"
	MaintenanceDrained   MaintenanceMode = "DRAINED"
)

// HostAttributes captures the constraint-matching attributes of a host and
// its maintenance state.
type HostAttributes struct {
	Host       string
	SlaveID    string
	Attributes map[string][]string
	Mode       MaintenanceMode
}

// PortRange is an inclusive range of ports offered by a host.
type PortRange struct {
	Begin int
	End   int
}

// Offer is a time-bounded advertisement of available resources on a host.
type Offer struct {
	ID         string
	SlaveID    string
	Host       string
	Resources  Resources
	PortRanges []PortRange
	ReceivedAt time.Time
}

// Ports flattens the offer's port ranges into individual ports.
func (o *Offer) Ports() []int {
	var ports []int
	for _, r := range o.PortRanges {
		for p := r.Begin; p <= r.End; p++ {
			ports = append(ports, p)
		}
	}
	return ports
}
