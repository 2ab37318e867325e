// Package queuestats samples lane depth from the broker and rolls samples
// up into hourly and daily aggregates.
package queuestats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/jdziat/workgate/pkg/broker"
	"github.com/jdziat/workgate/pkg/core"
	"github.com/jdziat/workgate/pkg/telemetry"
)

// SampleStore is the slice of the metric store the sampler writes to.
type SampleStore interface {
	LatestSample(ctx context.Context, driver, lane string) (*core.QueueMetricSample, error)
	InsertSample(ctx context.Context, s *core.QueueMetricSample) error
	CountFailedUnits(ctx context.Context) (int64, error)
	CountCompletedSince(ctx context.Context, since time.Time) (int64, error)
}

// Option configures a Sampler or a Rollup.
type Option interface {
	apply(*options)
}

type options struct {
	interval  time.Duration
	lookback  time.Duration
	retention time.Duration
	lanes     func() []string
	metrics   *telemetry.Metrics
	logger    *slog.Logger
	now       func() time.Time
}

type optionFunc func(*options)

func (f optionFunc) apply(o *options) { f(o) }

// WithInterval sets the minimum spacing between samples of one lane.
func WithInterval(d time.Duration) Option {
	return optionFunc(func(o *options) { o.interval = d })
}

// WithLanes sets the source of configured lane names. It is called on every
// collection so reloaded health rules take effect.
func WithLanes(fn func() []string) Option {
	return optionFunc(func(o *options) { o.lanes = fn })
}

// WithLookback sets how far back the rollup re-aggregates.
func WithLookback(d time.Duration) Option {
	return optionFunc(func(o *options) { o.lookback = d })
}

// WithRetention sets how long raw samples are kept. Zero keeps them forever.
func WithRetention(d time.Duration) Option {
	return optionFunc(func(o *options) { o.retention = d })
}

// WithMetrics publishes lane gauges.
func WithMetrics(m *telemetry.Metrics) Option {
	return optionFunc(func(o *options) { o.metrics = m })
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return optionFunc(func(o *options) { o.logger = l })
}

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return optionFunc(func(o *options) { o.now = now })
}

func buildOptions(opts []Option) options {
	o := options{
		interval:  time.Minute,
		lookback:  48 * time.Hour,
		retention: 7 * 24 * time.Hour,
		lanes:     func() []string { return nil },
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt.apply(&o)
	}
	return o
}

// Sampler persists at most one sample per lane per interval.
type Sampler struct {
	store SampleStore
	probe broker.Probe
	opts  options
}

// NewSampler creates a sampler reading lanes from probe.
func NewSampler(store SampleStore, probe broker.Probe, opts ...Option) *Sampler {
	return &Sampler{store: store, probe: probe, opts: buildOptions(opts)}
}

// CollectResult summarizes one collection pass.
type CollectResult struct {
	Written []string
	Skipped []string
}

// Lanes returns the default lane plus every configured lane, sorted and unique.
func (s *Sampler) Lanes() []string {
	lanes := append([]string{core.DefaultLane}, s.opts.lanes()...)
	slices.Sort(lanes)
	return slices.Compact(lanes)
}

// Collect samples every lane that is due. A lane whose probe fails is
// skipped and reported in the returned error; the other lanes still run.
func (s *Sampler) Collect(ctx context.Context) (CollectResult, error) {
	var res CollectResult
	now := s.opts.now().UTC()
	driver := s.probe.Driver()

	failed, err := s.store.CountFailedUnits(ctx)
	if err != nil {
		return res, fmt.Errorf("queuestats: count failed units: %w", err)
	}
	completed, err := s.store.CountCompletedSince(ctx, now.Add(-time.Minute))
	if err != nil {
		return res, fmt.Errorf("queuestats: count throughput: %w", err)
	}

	var errs []error
	for _, lane := range s.Lanes() {
		latest, err := s.store.LatestSample(ctx, driver, lane)
		if err != nil {
			errs = append(errs, fmt.Errorf("lane %s: latest sample: %w", lane, err))
			continue
		}
		if latest != nil && now.Sub(latest.CapturedAt) < s.opts.interval {
			res.Skipped = append(res.Skipped, lane)
			continue
		}

		stats, err := s.probe.LaneStats(ctx, lane)
		if err != nil {
			errs = append(errs, fmt.Errorf("lane %s: probe: %w", lane, err))
			continue
		}
		sample := &core.QueueMetricSample{
			Driver:              driver,
			Lane:                lane,
			Depth:               stats.Depth,
			FailedCount:         failed,
			ThroughputPerMinute: completed,
			CapturedAt:          now,
		}
		if stats.OldestAge != nil {
			secs := int64(stats.OldestAge.Seconds())
			sample.OldestAgeSeconds = &secs
		}
		if err := s.store.InsertSample(ctx, sample); err != nil {
			errs = append(errs, fmt.Errorf("lane %s: insert sample: %w", lane, err))
			continue
		}
		s.opts.metrics.SetLane(driver, lane, sample.Depth, sample.OldestAgeSeconds)
		res.Written = append(res.Written, lane)
	}

	if len(errs) > 0 {
		err := fmt.Errorf("queuestats: %w", errors.Join(errs...))
		s.opts.logger.Warn("queue sampling incomplete", "driver", driver, "written", len(res.Written), "error", err)
		return res, err
	}
	s.opts.logger.Debug("queue sampled", "driver", driver, "written", len(res.Written), "skipped", len(res.Skipped))
	return res, nil
}
