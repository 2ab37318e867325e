package core

import (
	"context"
	"time"
)

// ClaimParams describes one claim attempt against the unit table.
type ClaimParams struct {
	WorkerName string
	Lanes      []string // empty means every lane
	Token      string
	Now        time.Time
	Lease      time.Duration
}

// CompleteParams describes a fenced completion.
type CompleteParams struct {
	UnitID  string
	Token   string
	Outputs map[string]string
	Now     time.Time
	Audit   AuditEntry
}

// FailParams describes a fenced failure report.
type FailParams struct {
	UnitID    string
	Token     string
	Error     string
	Retryable bool
	Now       time.Time
	Audit     AuditEntry
}

// ForceParams describes an operator override. From lists the statuses the
// override applies to; a unit already in To with no lease is left alone.
type ForceParams struct {
	UnitID            string
	From              []UnitStatus
	To                UnitStatus
	IncrementAttempts bool
	ClearError        bool
	Error             string
	Now               time.Time
	Audit             AuditEntry
}

// UnitStore persists work units and their audit trail.
type UnitStore interface {
	// CreateUnits inserts the units of one job and their audit entries atomically.
	CreateUnits(ctx context.Context, units []*WorkUnit, actor string) error
	// ClaimNext conditionally moves the oldest claimable unit to processing.
	// Returns nil when nothing is claimable or every candidate was lost to a
	// concurrent claimer.
	ClaimNext(ctx context.Context, p ClaimParams) (*WorkUnit, error)
	CompleteUnit(ctx context.Context, p CompleteParams) (*WorkUnit, error)
	FailUnit(ctx context.Context, p FailParams) (*WorkUnit, error)
	ForceUnit(ctx context.Context, p ForceParams) (unit *WorkUnit, changed bool, err error)
	// ReleaseExpired returns expired leases to pending, or fails units that
	// have no attempts left.
	ReleaseExpired(ctx context.Context, now time.Time, limit int) (released, failed int64, err error)

	GetUnit(ctx context.Context, unitID string) (*WorkUnit, error)
	ListUnitsByJob(ctx context.Context, jobID string) ([]*WorkUnit, error)
	AppendAudit(ctx context.Context, entry *AuditEntry) error
	ListAudit(ctx context.Context, unitID string, limit int) ([]AuditEntry, error)
}

// WorkerStore persists engine worker registrations.
type WorkerStore interface {
	UpsertWorker(ctx context.Context, w *EngineWorker) (*EngineWorker, error)
	GetWorkerByName(ctx context.Context, name string) (*EngineWorker, error)
	ListWorkers(ctx context.Context) ([]*EngineWorker, error)
	SetWorkerDrain(ctx context.Context, name string, drain bool) (*EngineWorker, error)
}

// MetricStore persists queue samples and rollups and answers the table
// queries the database driver and the sampler need.
type MetricStore interface {
	LatestSample(ctx context.Context, driver, lane string) (*QueueMetricSample, error)
	InsertSample(ctx context.Context, s *QueueMetricSample) error
	SamplesSince(ctx context.Context, since time.Time) ([]QueueMetricSample, error)
	UpsertRollups(ctx context.Context, rollups []QueueMetricRollup) error
	ListRollups(ctx context.Context, driver, lane string, period PeriodType, since time.Time) ([]QueueMetricRollup, error)
	PruneSamples(ctx context.Context, before time.Time) (int64, error)

	LaneBacklog(ctx context.Context, lane string) (depth int64, oldest *time.Time, err error)
	CountFailedUnits(ctx context.Context) (int64, error)
	CountCompletedSince(ctx context.Context, since time.Time) (int64, error)
}

// IncidentStore persists the incident lifecycle.
type IncidentStore interface {
	ListOpenIncidents(ctx context.Context) ([]*Incident, error)
	// OpenIncident creates inc unless an open incident with the same key
	// exists, in which case it returns ErrDuplicateIncident.
	OpenIncident(ctx context.Context, inc *Incident) error
	RefreshIncident(ctx context.Context, id uint, issue Issue, at time.Time) error
	ResolveIncidents(ctx context.Context, ids []uint, at time.Time) (int64, error)
	ListIncidents(ctx context.Context, f IncidentFilter) ([]*Incident, error)
}

// Storage defines the full persistence layer.
type Storage interface {
	// Migrate creates the necessary database tables.
	Migrate(ctx context.Context) error
	// Ping checks connectivity to the database.
	Ping(ctx context.Context) error

	UnitStore
	WorkerStore
	MetricStore
	IncidentStore
}
