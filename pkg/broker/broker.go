// Package broker observes the queue broker the engine workers drain and the
// supervisor processes that run them.
package broker

import (
	"context"
	"time"
)

// Driver names.
const (
	DriverRedis    = "redis"
	DriverDatabase = "database"
)

// LaneStats is a point-in-time view of one lane.
type LaneStats struct {
	Depth int64
	// OldestAge is nil when the lane is empty or the oldest item carries no timestamp.
	OldestAge *time.Duration
}

// Probe reads queue depth from a broker.
type Probe interface {
	Driver() string
	Ping(ctx context.Context) error
	LaneStats(ctx context.Context, lane string) (LaneStats, error)
}

// SupervisorRegistry lists the supervisor processes that are currently alive.
type SupervisorRegistry interface {
	ActiveSupervisors(ctx context.Context) ([]string, error)
}
