package state

import (
	"math/rand"
	"time"

	"github.com/roostlabs/roost/pkg/types"
)

// RescheduleConfig tunes replacement-task penalties.
type RescheduleConfig struct {
	// FlapThreshold is the minimum time a service should stay up; a service
	// that terminates faster is flapping and its replacement is throttled.
	FlapThreshold time.Duration

	// FlapPenalty is how long a flapping service's replacement sits in
	// THROTTLED before becoming PENDING.
	FlapPenalty time.Duration

	// MaxStartupDelay bounds the random delay applied to tasks re-enqueued
	// after a failover, spreading the initial scheduling burst.
	MaxStartupDelay time.Duration
}

// DefaultRescheduleConfig mirrors the flag defaults.
func DefaultRescheduleConfig() RescheduleConfig {
	return RescheduleConfig{
		FlapThreshold:   5 * time.Minute,
		FlapPenalty:     30 * time.Second,
		MaxStartupDelay: 30 * time.Second,
	}
}

// RescheduleCalculator decides the delay penalties applied when tasks are
// replaced or re-enqueued.
type RescheduleCalculator struct {
	config RescheduleConfig
	rand   *rand.Rand
}

// NewRescheduleCalculator creates a calculator with its own random source.
func NewRescheduleCalculator(config RescheduleConfig, seed int64) *RescheduleCalculator {
	return &RescheduleCalculator{config: config, rand: rand.New(rand.NewSource(seed))}
}

// StartupDelay returns a bounded random delay for a task enqueued when
// storage becomes ready, avoiding a thundering herd after failover.
func (c *RescheduleCalculator) StartupDelay() time.Duration {
	if c.config.MaxStartupDelay <= 0 {
		return 0
	}
	return time.Duration(c.rand.Int63n(int64(c.config.MaxStartupDelay)))
}

// FlapPenalty returns how long the replacement of ancestor should be held in
// THROTTLED, or zero for a well-behaved task.
func (c *RescheduleCalculator) FlapPenalty(ancestor *types.ScheduledTask) time.Duration {
	if ancestor.Assigned == nil || ancestor.Assigned.Task == nil || !ancestor.Assigned.Task.IsService {
		return 0
	}
	var started, ended *time.Time
	for i := range ancestor.TaskEvents {
		ev := &ancestor.TaskEvents[i]
		if ev.Status == types.StatusRunning && started == nil {
			started = &ev.Timestamp
		}
		if ev.Status.IsTerminal() {
			ended = &ev.Timestamp
		}
	}
	if started == nil {
		// Never reached RUNNING: treat as a flap so a crash-looping service
		// does not spin the scheduler.
		return c.config.FlapPenalty
	}
	if ended != nil && ended.Sub(*started) < c.config.FlapThreshold {
		return c.config.FlapPenalty
	}
	return 0
}
