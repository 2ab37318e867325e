// Package incident keeps a durable record of health issues: one open
// incident per issue key while the issue is reported, resolved once it is not.
package incident

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jdziat/workgate/pkg/core"
	"github.com/jdziat/workgate/pkg/telemetry"
)

// SyncResult counts what one Sync changed.
type SyncResult struct {
	Opened    int `json:"opened"`
	Refreshed int `json:"refreshed"`
	Resolved  int `json:"resolved"`
	Collapsed int `json:"collapsed"`
}

// Option configures a Tracker.
type Option interface {
	apply(*Tracker)
}

type optionFunc func(*Tracker)

func (f optionFunc) apply(t *Tracker) { f(t) }

// WithMetrics counts opened and resolved incidents.
func WithMetrics(m *telemetry.Metrics) Option {
	return optionFunc(func(t *Tracker) { t.metrics = m })
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return optionFunc(func(t *Tracker) { t.logger = l })
}

// WithClock replaces the time source used when a report carries no check time.
func WithClock(now func() time.Time) Option {
	return optionFunc(func(t *Tracker) { t.now = now })
}

// Tracker reconciles open incidents against health reports.
type Tracker struct {
	store   core.IncidentStore
	metrics *telemetry.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// NewTracker creates a tracker over store.
func NewTracker(store core.IncidentStore, opts ...Option) *Tracker {
	t := &Tracker{
		store:  store,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt.apply(t)
	}
	return t
}

// Sync refreshes incidents whose issue is still reported, opens incidents
// for new issues and resolves incidents whose issue is gone. When a key has
// more than one open incident the oldest is kept and the rest are resolved.
func (t *Tracker) Sync(ctx context.Context, report core.HealthReport) (SyncResult, error) {
	var res SyncResult
	now := report.CheckedAt
	if now.IsZero() {
		now = t.now()
	}
	now = now.UTC()

	open, err := t.store.ListOpenIncidents(ctx)
	if err != nil {
		return res, fmt.Errorf("incident: list open: %w", err)
	}

	byKey := make(map[string]*core.Incident, len(open))
	var toResolve []uint
	for _, inc := range open {
		if _, seen := byKey[inc.IssueKey]; seen {
			toResolve = append(toResolve, inc.ID)
			res.Collapsed++
			continue
		}
		byKey[inc.IssueKey] = inc
	}

	current := make(map[string]struct{}, len(report.Issues))
	for _, issue := range report.Issues {
		current[issue.Key] = struct{}{}

		if inc, ok := byKey[issue.Key]; ok {
			if err := t.store.RefreshIncident(ctx, inc.ID, issue, now); err != nil {
				return res, fmt.Errorf("incident: refresh %s: %w", issue.Key, err)
			}
			res.Refreshed++
			continue
		}

		err := t.store.OpenIncident(ctx, &core.Incident{
			IssueKey:        issue.Key,
			Severity:        issue.Severity,
			Lane:            issue.Lane,
			Title:           issue.Title,
			Detail:          issue.Detail,
			FirstDetectedAt: now,
			LastDetectedAt:  now,
		})
		switch {
		case errors.Is(err, core.ErrDuplicateIncident):
			// Opened by a concurrent sync since we listed.
			t.logger.Debug("incident already open", "issue", issue.Key)
		case err != nil:
			return res, fmt.Errorf("incident: open %s: %w", issue.Key, err)
		default:
			res.Opened++
			t.logger.Info("incident opened", "issue", issue.Key, "severity", issue.Severity)
		}
	}

	for key, inc := range byKey {
		if _, ok := current[key]; !ok {
			toResolve = append(toResolve, inc.ID)
			t.logger.Info("incident resolved", "issue", key)
		}
	}

	resolved, err := t.store.ResolveIncidents(ctx, toResolve, now)
	if err != nil {
		return res, fmt.Errorf("incident: resolve: %w", err)
	}
	res.Resolved = int(resolved)

	t.metrics.AddIncidents(res.Opened, res.Resolved)
	return res, nil
}

// List returns incidents matching f, newest first.
func (t *Tracker) List(ctx context.Context, f core.IncidentFilter) ([]*core.Incident, error) {
	incidents, err := t.store.ListIncidents(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("incident: list: %w", err)
	}
	return incidents, nil
}
