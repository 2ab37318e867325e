package health

import (
	"context"
	"log/slog"

	"golang.org/x/sync/singleflight"

	"github.com/jdziat/workgate/pkg/core"
	"github.com/jdziat/workgate/pkg/incident"
	"github.com/jdziat/workgate/pkg/notify"
)

// IncidentSyncer reconciles incidents with a report.
type IncidentSyncer interface {
	Sync(ctx context.Context, report core.HealthReport) (incident.SyncResult, error)
}

// Alerter sends alerts for a report.
type Alerter interface {
	Notify(ctx context.Context, report core.HealthReport) notify.Result
}

// Monitor runs the periodic evaluate, cache, sync and notify cycle and
// serves snapshots to readers.
type Monitor struct {
	evaluator *Evaluator
	cache     *ReportCache
	incidents IncidentSyncer
	alerter   Alerter
	logger    *slog.Logger

	group singleflight.Group
}

// NewMonitor creates a monitor. incidents and alerter may be nil.
func NewMonitor(evaluator *Evaluator, cache *ReportCache, incidents IncidentSyncer, alerter Alerter, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		evaluator: evaluator,
		cache:     cache,
		incidents: incidents,
		alerter:   alerter,
		logger:    logger,
	}
}

// Evaluator returns the evaluator the monitor drives.
func (m *Monitor) Evaluator() *Evaluator { return m.evaluator }

// Tick evaluates once and fans the report out. Cache, incident and alert
// failures are logged; the report is always returned.
func (m *Monitor) Tick(ctx context.Context) core.HealthReport {
	report := m.evaluator.Evaluate(ctx)

	if err := m.cache.Save(ctx, report); err != nil {
		m.logger.Error("health report not cached", "error", err)
	}

	if m.incidents != nil {
		res, err := m.incidents.Sync(ctx, report)
		if err != nil {
			m.logger.Error("incident sync failed", "error", err)
		} else if res.Opened+res.Resolved+res.Collapsed > 0 {
			m.logger.Info("incidents synced",
				"opened", res.Opened, "refreshed", res.Refreshed,
				"resolved", res.Resolved, "collapsed", res.Collapsed)
		}
	}

	if m.alerter != nil {
		res := m.alerter.Notify(ctx, report)
		if res.Failed > 0 {
			m.logger.Warn("some alerts were not delivered", "failed", res.Failed, "delivered", res.Delivered)
		}
	}

	m.logger.Debug("health evaluated",
		"status", report.Status,
		"critical", report.Summary.Critical,
		"warning", report.Summary.Warning)
	return report
}

// Snapshot returns the cached report. With nothing cached it evaluates and
// caches a fresh one; concurrent callers share that evaluation.
func (m *Monitor) Snapshot(ctx context.Context) (core.HealthReport, error) {
	cached, err := m.cache.Latest(ctx)
	if err != nil {
		m.logger.Warn("cached health report unreadable", "error", err)
	}
	if cached != nil {
		return *cached, nil
	}

	v, err, _ := m.group.Do("evaluate", func() (any, error) {
		report := m.evaluator.Evaluate(ctx)
		if err := m.cache.Save(ctx, report); err != nil {
			m.logger.Error("health report not cached", "error", err)
		}
		return report, nil
	})
	if err != nil {
		return core.HealthReport{}, err
	}
	return v.(core.HealthReport), nil
}
