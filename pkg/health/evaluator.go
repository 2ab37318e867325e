package health

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/jdziat/workgate/pkg/broker"
	"github.com/jdziat/workgate/pkg/config"
	"github.com/jdziat/workgate/pkg/core"
	"github.com/jdziat/workgate/pkg/telemetry"
)

// SampleReader returns the newest sample of a lane, or nil.
type SampleReader interface {
	LatestSample(ctx context.Context, driver, lane string) (*core.QueueMetricSample, error)
}

// WorkerLister lists engine worker registrations.
type WorkerLister interface {
	ListWorkers(ctx context.Context) ([]*core.EngineWorker, error)
}

// Option configures an Evaluator.
type Option interface {
	apply(*Evaluator)
}

type optionFunc func(*Evaluator)

func (f optionFunc) apply(e *Evaluator) { f(e) }

// WithRules sets the initial thresholds and required supervisors.
func WithRules(r config.HealthRules) Option {
	return optionFunc(func(e *Evaluator) { e.rules = r })
}

// WithLeaseLength sets the coordinator lease that lane timeouts are checked against.
func WithLeaseLength(d time.Duration) Option {
	return optionFunc(func(e *Evaluator) { e.leaseLength = d })
}

// WithSampleMaxAge sets how old a lane sample may be before it is ignored.
func WithSampleMaxAge(d time.Duration) Option {
	return optionFunc(func(e *Evaluator) { e.sampleMaxAge = d })
}

// WithWorkers enables the engine heartbeat check.
func WithWorkers(w WorkerLister, staleAfter time.Duration) Option {
	return optionFunc(func(e *Evaluator) {
		e.workers = w
		e.workerStaleAfter = staleAfter
	})
}

// WithMetrics records evaluation timings and issue counts.
func WithMetrics(m *telemetry.Metrics) Option {
	return optionFunc(func(e *Evaluator) { e.metrics = m })
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return optionFunc(func(e *Evaluator) { e.logger = l })
}

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return optionFunc(func(e *Evaluator) { e.now = now })
}

// Evaluator builds health reports from its collaborators. Collaborator
// failures become issues; Evaluate never fails.
type Evaluator struct {
	probe       broker.Probe
	supervisors broker.SupervisorRegistry
	samples     SampleReader
	workers     WorkerLister

	mu    sync.RWMutex
	rules config.HealthRules

	leaseLength      time.Duration
	sampleMaxAge     time.Duration
	workerStaleAfter time.Duration

	metrics *telemetry.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// NewEvaluator creates an evaluator.
func NewEvaluator(probe broker.Probe, supervisors broker.SupervisorRegistry, samples SampleReader, opts ...Option) *Evaluator {
	e := &Evaluator{
		probe:            probe,
		supervisors:      supervisors,
		samples:          samples,
		leaseLength:      5 * time.Minute,
		sampleMaxAge:     5 * time.Minute,
		workerStaleAfter: 2 * time.Minute,
		logger:           slog.Default(),
		now:              time.Now,
	}
	for _, opt := range opts {
		opt.apply(e)
	}
	return e
}

// UpdateThresholds swaps the rules used by later evaluations.
func (e *Evaluator) UpdateThresholds(r config.HealthRules) {
	e.mu.Lock()
	e.rules = r
	e.mu.Unlock()
}

// Rules returns the rules in effect.
func (e *Evaluator) Rules() config.HealthRules {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.rules
}

// Evaluate runs every check and returns the finalized report.
func (e *Evaluator) Evaluate(ctx context.Context) core.HealthReport {
	start := time.Now()
	now := e.now().UTC()
	rules := e.Rules()

	report := core.HealthReport{
		CheckedAt: now,
		Issues:    []core.Issue{},
		Meta: core.HealthMeta{
			QueueDriver:         e.probe.Driver(),
			ActiveSupervisors:   []string{},
			RequiredSupervisors: append([]string{}, rules.RequiredSupervisors...),
		},
	}

	e.checkBroker(ctx, rules, &report)
	e.checkLanes(ctx, rules, now, &report)
	e.checkRetryContract(rules, &report)
	e.checkWorkers(ctx, now, &report)

	report.Finalize()
	e.metrics.ObserveEvaluation(time.Since(start), report.Summary.Critical, report.Summary.Warning)
	return report
}

func (e *Evaluator) checkBroker(ctx context.Context, rules config.HealthRules, report *core.HealthReport) {
	if err := e.probe.Ping(ctx); err != nil {
		report.Meta.BrokerError = err.Error()
		report.Issues = append(report.Issues, core.Issue{
			Key:      KeyBrokerUnavailable,
			Severity: core.SeverityCritical,
			Title:    "Queue broker is unreachable",
			Detail:   fmt.Sprintf("The %s queue driver did not answer: %v", e.probe.Driver(), err),
		})
		return
	}
	report.Meta.BrokerReachable = true

	active, err := e.supervisors.ActiveSupervisors(ctx)
	if err != nil {
		report.Issues = append(report.Issues, core.Issue{
			Key:      KeyRegistryUnavailable,
			Severity: core.SeverityCritical,
			Title:    "Supervisor registry is unavailable",
			Detail:   fmt.Sprintf("Active supervisors could not be listed: %v", err),
		})
		return
	}
	slices.Sort(active)
	report.Meta.ActiveSupervisors = active
	report.Meta.ActiveSupervisorCount = len(active)

	for _, name := range rules.RequiredSupervisors {
		if slices.Contains(active, name) {
			continue
		}
		report.Meta.MissingSupervisors = append(report.Meta.MissingSupervisors, name)
		report.Issues = append(report.Issues, core.Issue{
			Key:      ScopedKey(KeyMissingSupervisor, name),
			Severity: core.SeverityCritical,
			Title:    fmt.Sprintf("Supervisor %s is not running", name),
			Detail:   fmt.Sprintf("Required supervisor %s has no recent heartbeat.", name),
		})
	}

	if len(active) == 0 && len(rules.RequiredSupervisors) > 0 {
		report.Issues = append(report.Issues, core.Issue{
			Key:      KeyOrchestratorInactive,
			Severity: core.SeverityCritical,
			Title:    "No queue supervisors are running",
			Detail:   "Supervisors are required but none reported a heartbeat; queued work is not being processed.",
		})
	}
}

func (e *Evaluator) checkLanes(ctx context.Context, rules config.HealthRules, now time.Time, report *core.HealthReport) {
	driver := e.probe.Driver()
	for _, lane := range rules.LaneNames() {
		rule := rules.Lanes[lane]

		sample, err := e.samples.LatestSample(ctx, driver, lane)
		if err != nil {
			report.Issues = append(report.Issues, core.Issue{
				Key:      KeyMetricStoreUnavailable,
				Severity: core.SeverityCritical,
				Title:    "Queue metrics cannot be read",
				Detail:   fmt.Sprintf("Reading lane samples failed: %v", err),
			})
			return
		}

		if sample == nil || now.Sub(sample.CapturedAt) > e.sampleMaxAge {
			detail := fmt.Sprintf("No %s sample for lane %s has been recorded.", driver, lane)
			if sample != nil {
				detail = fmt.Sprintf("The newest %s sample for lane %s was captured at %s.",
					driver, lane, sample.CapturedAt.UTC().Format(time.RFC3339))
			}
			report.Issues = append(report.Issues, core.Issue{
				Key:      ScopedKey(KeyLaneMetricMissing, lane),
				Severity: core.SeverityWarning,
				Title:    fmt.Sprintf("Lane %s has no recent metrics", lane),
				Detail:   detail,
				Lane:     lane,
			})
			continue
		}

		if rule.MaxDepth > 0 && sample.Depth > rule.MaxDepth {
			report.Issues = append(report.Issues, core.Issue{
				Key:      ScopedKey(KeyLaneDepthHigh, lane),
				Severity: core.SeverityWarning,
				Title:    fmt.Sprintf("Lane %s is backed up", lane),
				Detail:   fmt.Sprintf("%d items queued, threshold is %d.", sample.Depth, rule.MaxDepth),
				Lane:     lane,
			})
		}
		if rule.MaxOldestAgeSeconds > 0 && sample.OldestAgeSeconds != nil &&
			*sample.OldestAgeSeconds > rule.MaxOldestAgeSeconds {
			report.Issues = append(report.Issues, core.Issue{
				Key:      ScopedKey(KeyLaneOldestAgeHigh, lane),
				Severity: core.SeverityCritical,
				Title:    fmt.Sprintf("Lane %s is not draining", lane),
				Detail: fmt.Sprintf("Oldest item has waited %s, threshold is %s.",
					humanAge(*sample.OldestAgeSeconds), humanAge(rule.MaxOldestAgeSeconds)),
				Lane: lane,
			})
		}
	}
}

// checkRetryContract flags lanes whose engine timeout does not fit inside
// the lease: the lease would expire and hand the unit to a second engine
// while the first is still working.
func (e *Evaluator) checkRetryContract(rules config.HealthRules, report *core.HealthReport) {
	if e.leaseLength <= 0 {
		return
	}
	for _, lane := range rules.LaneNames() {
		rule := rules.Lanes[lane]
		if rule.TimeoutSeconds <= 0 {
			continue
		}
		timeout := time.Duration(rule.TimeoutSeconds) * time.Second
		if timeout < e.leaseLength {
			continue
		}
		report.Issues = append(report.Issues, core.Issue{
			Key:      ScopedKey(KeyRetryContract, lane),
			Severity: core.SeverityCritical,
			Title:    fmt.Sprintf("Lane %s timeout exceeds the claim lease", lane),
			Detail:   fmt.Sprintf("Engine timeout %s must be shorter than the lease of %s.", timeout, e.leaseLength),
			Lane:     lane,
		})
	}
}

func (e *Evaluator) checkWorkers(ctx context.Context, now time.Time, report *core.HealthReport) {
	if e.workers == nil || e.workerStaleAfter <= 0 {
		return
	}
	workers, err := e.workers.ListWorkers(ctx)
	if err != nil {
		e.logger.Warn("engine worker check skipped", "error", err)
		return
	}
	for _, w := range workers {
		if !w.AcceptsWork() || !w.Stale(now, e.workerStaleAfter) {
			continue
		}
		last := "never"
		if w.LastHeartbeatAt != nil {
			last = w.LastHeartbeatAt.UTC().Format(time.RFC3339)
		}
		report.Issues = append(report.Issues, core.Issue{
			Key:      ScopedKey(KeyWorkerStale, w.Name),
			Severity: core.SeverityWarning,
			Title:    fmt.Sprintf("Engine %s stopped sending heartbeats", w.Name),
			Detail:   fmt.Sprintf("Last heartbeat: %s. Stale after %s.", last, e.workerStaleAfter),
		})
	}
}
