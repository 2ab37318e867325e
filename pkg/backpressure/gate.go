// Package backpressure decides whether heavy submissions may enter the
// system, based on the latest cached health report.
package backpressure

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/jdziat/workgate/pkg/core"
	"github.com/jdziat/workgate/pkg/health"
	"github.com/jdziat/workgate/pkg/telemetry"
)

// ReportSource returns the latest health report, or nil.
type ReportSource interface {
	Latest(ctx context.Context) (*core.HealthReport, error)
}

// Decision is the outcome of an assessment. Issue is set when a specific
// health issue caused the block.
type Decision struct {
	Blocked bool        `json:"blocked"`
	Reason  string      `json:"reason,omitempty"`
	Issue   *core.Issue `json:"issue,omitempty"`
}

// Err converts a blocking decision into a *core.BackpressureError.
func (d Decision) Err() error {
	if !d.Blocked {
		return nil
	}
	e := &core.BackpressureError{Reason: d.Reason}
	if d.Issue != nil {
		e.IssueKey = d.Issue.Key
	}
	return e
}

// Issue key prefixes that block heavy work regardless of lane.
var systemPrefixes = []string{
	health.KeyBrokerUnavailable,
	health.KeyRegistryUnavailable,
	health.KeyMissingSupervisor,
	health.KeyOrchestratorInactive,
	health.KeyRetryContract,
}

// Option configures a Gate.
type Option interface {
	apply(*Gate)
}

type optionFunc func(*Gate)

func (f optionFunc) apply(g *Gate) { f(g) }

// Disabled turns the gate off; every submission is allowed.
func Disabled() Option {
	return optionFunc(func(g *Gate) { g.enabled = false })
}

// WithMaxReportAge sets how old a report may be before submissions block.
func WithMaxReportAge(d time.Duration) Option {
	return optionFunc(func(g *Gate) { g.maxReportAge = d })
}

// WithBlockOn sets the report statuses that can block.
func WithBlockOn(statuses ...core.HealthStatus) Option {
	return optionFunc(func(g *Gate) { g.blockOn = statuses })
}

// WithHeavyLanes sets the source of heavy lane names.
func WithHeavyLanes(fn func() []string) Option {
	return optionFunc(func(g *Gate) { g.heavyLanes = fn })
}

// WithMetrics counts blocked submissions.
func WithMetrics(m *telemetry.Metrics) Option {
	return optionFunc(func(g *Gate) { g.metrics = m })
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return optionFunc(func(g *Gate) { g.logger = l })
}

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return optionFunc(func(g *Gate) { g.now = now })
}

// Gate blocks heavy submissions while the system is unhealthy.
type Gate struct {
	reports      ReportSource
	enabled      bool
	maxReportAge time.Duration
	blockOn      []core.HealthStatus
	heavyLanes   func() []string
	metrics      *telemetry.Metrics
	logger       *slog.Logger
	now          func() time.Time
}

// NewGate creates an enabled gate reading reports from src.
func NewGate(src ReportSource, opts ...Option) *Gate {
	g := &Gate{
		reports:      src,
		enabled:      true,
		maxReportAge: 5 * time.Minute,
		blockOn:      []core.HealthStatus{core.HealthCritical},
		heavyLanes:   func() []string { return nil },
		logger:       slog.Default(),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt.apply(g)
	}
	return g
}

// AssessHeavySubmission decides whether a heavy submission to lane may
// proceed. With no report available the submission is allowed.
func (g *Gate) AssessHeavySubmission(ctx context.Context, lane string) Decision {
	d := g.assess(ctx)
	if d.Blocked {
		g.metrics.IncBackpressureBlocked(lane)
		g.logger.Warn("heavy submission blocked", "lane", lane, "reason", d.Reason)
	}
	return d
}

func (g *Gate) assess(ctx context.Context) Decision {
	if !g.enabled {
		return Decision{}
	}
	report, err := g.reports.Latest(ctx)
	if err != nil {
		g.logger.Warn("backpressure allowing submission, report unreadable", "error", err)
		return Decision{}
	}
	if report == nil {
		return Decision{}
	}

	age := g.now().Sub(report.CheckedAt)
	if g.maxReportAge > 0 && age > g.maxReportAge {
		return Decision{
			Blocked: true,
			Reason:  fmt.Sprintf("health telemetry is stale (last check %s ago)", age.Truncate(time.Second)),
		}
	}
	if !slices.Contains(g.blockOn, report.Status) {
		return Decision{}
	}

	heavy := g.heavyLanes()
	for i := range report.Issues {
		issue := report.Issues[i]
		if !blocksHeavy(issue, heavy) {
			continue
		}
		return Decision{
			Blocked: true,
			Reason:  issue.Title + ": " + issue.Detail,
			Issue:   &issue,
		}
	}
	return Decision{}
}

func blocksHeavy(issue core.Issue, heavyLanes []string) bool {
	if issue.Lane != "" && slices.Contains(heavyLanes, issue.Lane) {
		return true
	}
	return slices.Contains(systemPrefixes, health.KeyPrefix(issue.Key))
}
