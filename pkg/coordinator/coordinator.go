package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/jdziat/workgate/pkg/core"
	"github.com/jdziat/workgate/pkg/logging"
	"github.com/jdziat/workgate/pkg/security"
	"github.com/jdziat/workgate/pkg/telemetry"
)

// Store is the persistence the coordinator needs.
type Store interface {
	core.UnitStore
	core.WorkerStore
}

// Coordinator is the application service for work units and engine workers.
// Every method bundles a state transition with its audit entry.
type Coordinator struct {
	store         Store
	policy        LeasePolicy
	gate          Gatekeeper
	criticalLanes []string
	metrics       *telemetry.Metrics
	logger        *slog.Logger
	now           func() time.Time
	newToken      func() string
}

// New creates a coordinator over store.
func New(store Store, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:         store,
		policy:        DefaultLeasePolicy(),
		criticalLanes: []string{core.DefaultLane},
		logger:        slog.Default(),
		now:           time.Now,
		newToken:      uuid.NewString,
	}
	for _, opt := range opts {
		opt.apply(c)
	}
	return c
}

// LeasePolicy returns the lease bounds in effect.
func (c *Coordinator) LeasePolicy() LeasePolicy { return c.policy }

func (c *Coordinator) log(ctx context.Context) *slog.Logger {
	return logging.FromContext(ctx, c.logger)
}

// IsCritical reports whether lane bypasses backpressure.
func (c *Coordinator) IsCritical(lane string) bool {
	return slices.Contains(c.criticalLanes, lane)
}

// Submit partitions a job into ordered pending units. Submissions to
// non-critical lanes are refused with a *core.BackpressureError while the
// gate blocks heavy work.
func (c *Coordinator) Submit(ctx context.Context, req SubmitRequest) ([]*core.WorkUnit, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	if req.JobID == "" {
		req.JobID = uuid.NewString()
	}
	if req.Lane == "" {
		req.Lane = core.DefaultLane
	}
	if req.Chunks == 0 {
		req.Chunks = 1
	}
	if req.Actor == "" {
		req.Actor = "api"
	}

	if c.gate != nil && !c.IsCritical(req.Lane) {
		if d := c.gate.AssessHeavySubmission(ctx, req.Lane); d.Blocked {
			return nil, d.Err()
		}
	}

	now := c.now().UTC()
	maxAttempts := security.ClampAttempts(req.MaxAttempts, c.policy.MaxAttempts)
	units := make([]*core.WorkUnit, req.Chunks)
	for i := range units {
		units[i] = &core.WorkUnit{
			JobID:       req.JobID,
			Ordinal:     i,
			Lane:        req.Lane,
			Status:      core.UnitPending,
			MaxAttempts: maxAttempts,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
	}
	if err := c.store.CreateUnits(ctx, units, req.Actor); err != nil {
		return nil, fmt.Errorf("coordinator: submit job %s: %w", req.JobID, err)
	}

	c.metrics.IncTransition(string(core.ActionSubmitted))
	c.log(ctx).Info("job submitted", "job_id", req.JobID, "lane", req.Lane, "units", len(units), "actor", req.Actor)
	return units, nil
}

// ClaimNext leases the oldest claimable unit to a registered worker.
// It returns nil when nothing is claimable, when every candidate was lost to
// a concurrent claimer, or when the worker is draining or inactive.
func (c *Coordinator) ClaimNext(ctx context.Context, req ClaimRequest) (*core.WorkUnit, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	w, err := c.store.GetWorkerByName(ctx, req.WorkerName)
	if err != nil {
		return nil, fmt.Errorf("coordinator: look up worker %s: %w", req.WorkerName, err)
	}
	if w == nil {
		return nil, core.ErrUnknownWorker
	}
	if !w.AcceptsWork() {
		c.metrics.IncClaim("draining")
		return nil, nil
	}

	lease := security.ClampLease(time.Duration(req.LeaseSeconds)*time.Second,
		c.policy.Default, c.policy.Min, c.policy.Max)
	u, err := c.store.ClaimNext(ctx, core.ClaimParams{
		WorkerName: req.WorkerName,
		Lanes:      req.Lanes,
		Token:      c.newToken(),
		Now:        c.now().UTC(),
		Lease:      lease,
	})
	if err != nil {
		return nil, fmt.Errorf("coordinator: claim: %w", err)
	}
	if u == nil {
		c.metrics.IncClaim("empty")
		return nil, nil
	}

	c.metrics.IncClaim("claimed")
	c.log(ctx).Debug("unit claimed",
		"unit_id", u.ID, "job_id", u.JobID, "worker", req.WorkerName,
		"attempt", u.Attempts, "lease", lease)
	return u, nil
}

// Complete records a finished unit. The token must be the unit's current
// claim token.
func (c *Coordinator) Complete(ctx context.Context, req CompleteRequest) (*core.WorkUnit, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	u, err := c.store.CompleteUnit(ctx, core.CompleteParams{
		UnitID:  req.UnitID,
		Token:   req.Token,
		Outputs: req.Outputs,
		Now:     c.now().UTC(),
		Audit:   core.AuditEntry{Actor: req.WorkerName, Message: "completed"},
	})
	if err != nil {
		return nil, c.fenced(ctx, "complete", req.UnitID, req.WorkerName, err)
	}
	c.metrics.IncTransition(string(core.ActionCompleted))
	c.log(ctx).Info("unit completed", "unit_id", u.ID, "job_id", u.JobID, "worker", req.WorkerName)
	return u, nil
}

// Fail records a failed attempt. Retryable failures with attempts left go
// back to pending; everything else is terminal.
func (c *Coordinator) Fail(ctx context.Context, req FailRequest) (*core.WorkUnit, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	msg := security.SanitizeErrorMessage(req.Error)
	u, err := c.store.FailUnit(ctx, core.FailParams{
		UnitID:    req.UnitID,
		Token:     req.Token,
		Error:     msg,
		Retryable: req.Retryable,
		Now:       c.now().UTC(),
		Audit:     core.AuditEntry{Actor: req.WorkerName, Level: core.LevelError, Message: msg},
	})
	if err != nil {
		return nil, c.fenced(ctx, "fail", req.UnitID, req.WorkerName, err)
	}

	if u.Status == core.UnitPending {
		c.metrics.IncTransition(string(core.ActionRetried))
		c.log(ctx).Warn("unit failed, will retry",
			"unit_id", u.ID, "attempt", u.Attempts, "max_attempts", u.MaxAttempts, "error", msg)
	} else {
		c.metrics.IncTransition(string(core.ActionFailed))
		c.log(ctx).Error("unit failed", "unit_id", u.ID, "attempt", u.Attempts, "error", msg)
	}
	return u, nil
}

func (c *Coordinator) fenced(ctx context.Context, op, unitID, worker string, err error) error {
	var reason string
	switch {
	case errors.Is(err, core.ErrInvalidToken):
		reason = "invalid_token"
	case errors.Is(err, core.ErrAlreadyTerminal):
		reason = "terminal"
	case errors.Is(err, core.ErrUnitNotFound):
		reason = "not_found"
	default:
		return fmt.Errorf("coordinator: %s unit %s: %w", op, unitID, err)
	}
	c.metrics.IncFencingRejection(op, reason)
	c.log(ctx).Warn("report rejected", "op", op, "unit_id", unitID, "worker", worker, "reason", reason)
	return err
}

// Requeue returns a unit to pending for another run, counting the
// interrupted or failed run as an attempt and clearing its last error.
// Completed units cannot be requeued.
func (c *Coordinator) Requeue(ctx context.Context, unitID, actor string) (*core.WorkUnit, error) {
	return c.force(ctx, actor, core.ForceParams{
		UnitID:            unitID,
		From:              []core.UnitStatus{core.UnitPending, core.UnitProcessing, core.UnitFailed},
		To:                core.UnitPending,
		IncrementAttempts: true,
		ClearError:        true,
		Audit:             core.AuditEntry{Action: core.ActionRequeued, Message: "requeued by operator"},
	})
}

// MarkFailed fails a unit terminally. Marking a failed unit again is a no-op.
func (c *Coordinator) MarkFailed(ctx context.Context, unitID, actor, reason string) (*core.WorkUnit, error) {
	if reason == "" {
		reason = "marked failed by operator"
	}
	reason = security.SanitizeErrorMessage(reason)
	return c.force(ctx, actor, core.ForceParams{
		UnitID: unitID,
		From:   []core.UnitStatus{core.UnitPending, core.UnitProcessing},
		To:     core.UnitFailed,
		Error:  reason,
		Audit:  core.AuditEntry{Action: core.ActionMarkedFailed, Level: core.LevelWarning, Message: reason},
	})
}

// ForcePending returns a processing or failed unit to pending, counting the
// interrupted run as an attempt.
func (c *Coordinator) ForcePending(ctx context.Context, unitID, actor string) (*core.WorkUnit, error) {
	return c.force(ctx, actor, core.ForceParams{
		UnitID:            unitID,
		From:              []core.UnitStatus{core.UnitProcessing, core.UnitFailed},
		To:                core.UnitPending,
		IncrementAttempts: true,
		Audit:             core.AuditEntry{Action: core.ActionForcedPending, Level: core.LevelWarning, Message: "forced to pending by operator"},
	})
}

func (c *Coordinator) force(ctx context.Context, actor string, p core.ForceParams) (*core.WorkUnit, error) {
	if err := validateActor(actor); err != nil {
		return nil, err
	}
	if p.UnitID == "" {
		return nil, &security.ValidationError{Fields: map[string]string{"unit_id": "is required"}}
	}
	p.Now = c.now().UTC()
	p.Audit.Actor = actor

	u, changed, err := c.store.ForceUnit(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("coordinator: %s unit %s: %w", p.Audit.Action, p.UnitID, err)
	}
	if changed {
		c.metrics.IncTransition(string(p.Audit.Action))
		c.log(ctx).Info("operator override", "action", p.Audit.Action, "unit_id", p.UnitID, "actor", actor)
	}
	return u, nil
}

// Heartbeat registers or refreshes an engine worker. Leases and the drain
// flag are untouched.
func (c *Coordinator) Heartbeat(ctx context.Context, req HeartbeatRequest) (*core.EngineWorker, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	now := c.now().UTC()
	w, err := c.store.UpsertWorker(ctx, &core.EngineWorker{
		Name:            req.Name,
		Address:         req.Address,
		Environment:     req.Environment,
		Region:          req.Region,
		Tags:            core.StringMap(req.Tags),
		IsActive:        true,
		LastHeartbeatAt: &now,
		CreatedAt:       now,
		UpdatedAt:       now,
	})
	if err != nil {
		return nil, fmt.Errorf("coordinator: heartbeat %s: %w", req.Name, err)
	}
	return w, nil
}

// SetDrain stops or resumes claims for a worker.
func (c *Coordinator) SetDrain(ctx context.Context, name string, drain bool, actor string) (*core.EngineWorker, error) {
	if err := validateActor(actor); err != nil {
		return nil, err
	}
	w, err := c.store.SetWorkerDrain(ctx, name, drain)
	if err != nil {
		return nil, fmt.Errorf("coordinator: drain %s: %w", name, err)
	}
	c.log(ctx).Info("worker drain changed", "worker", name, "drain", drain, "actor", actor)
	return w, nil
}

// LogEvent appends a worker log line to a unit's audit trail.
func (c *Coordinator) LogEvent(ctx context.Context, req LogEventRequest) (*core.AuditEntry, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	u, err := c.store.GetUnit(ctx, req.UnitID)
	if err != nil {
		return nil, fmt.Errorf("coordinator: log event: %w", err)
	}
	if u == nil {
		return nil, core.ErrUnitNotFound
	}
	entry := &core.AuditEntry{
		UnitID:    u.ID,
		JobID:     u.JobID,
		Action:    core.ActionLog,
		Actor:     req.WorkerName,
		Level:     req.Level,
		Message:   security.SanitizeLogMessage(req.Message),
		Context:   core.StringMap(req.Context),
		CreatedAt: c.now().UTC(),
	}
	if err := c.store.AppendAudit(ctx, entry); err != nil {
		return nil, fmt.Errorf("coordinator: log event: %w", err)
	}
	return entry, nil
}

// ReleaseExpired sweeps expired leases. Units with attempts left return to
// pending; the rest fail.
func (c *Coordinator) ReleaseExpired(ctx context.Context) (released, failed int64, err error) {
	released, failed, err = c.store.ReleaseExpired(ctx, c.now().UTC(), 0)
	if err != nil {
		return 0, 0, fmt.Errorf("coordinator: release expired leases: %w", err)
	}
	c.metrics.AddLeasesSwept(released, failed)
	if released+failed > 0 {
		c.log(ctx).Warn("expired leases swept", "released", released, "failed", failed)
	}
	return released, failed, nil
}

// Unit returns one unit.
func (c *Coordinator) Unit(ctx context.Context, unitID string) (*core.WorkUnit, error) {
	u, err := c.store.GetUnit(ctx, unitID)
	if err != nil {
		return nil, fmt.Errorf("coordinator: get unit: %w", err)
	}
	if u == nil {
		return nil, core.ErrUnitNotFound
	}
	return u, nil
}

// JobUnits returns the units of a job by ordinal.
func (c *Coordinator) JobUnits(ctx context.Context, jobID string) ([]*core.WorkUnit, error) {
	units, err := c.store.ListUnitsByJob(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("coordinator: list job units: %w", err)
	}
	return units, nil
}

// UnitAudit returns a unit's audit trail, newest first.
func (c *Coordinator) UnitAudit(ctx context.Context, unitID string, limit int) ([]core.AuditEntry, error) {
	if _, err := c.Unit(ctx, unitID); err != nil {
		return nil, err
	}
	entries, err := c.store.ListAudit(ctx, unitID, limit)
	if err != nil {
		return nil, fmt.Errorf("coordinator: list audit: %w", err)
	}
	return entries, nil
}
