package queuestats

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/jdziat/workgate/pkg/core"
)

// RollupStore is the slice of the metric store the rollup needs.
type RollupStore interface {
	SamplesSince(ctx context.Context, since time.Time) ([]core.QueueMetricSample, error)
	UpsertRollups(ctx context.Context, rollups []core.QueueMetricRollup) error
	PruneSamples(ctx context.Context, before time.Time) (int64, error)
}

// Rollup aggregates recent samples into hourly and daily buckets.
type Rollup struct {
	store RollupStore
	opts  options
}

// NewRollup creates a rollup over store.
func NewRollup(store RollupStore, opts ...Option) *Rollup {
	return &Rollup{store: store, opts: buildOptions(opts)}
}

// RollupResult summarizes one rollup pass.
type RollupResult struct {
	Samples int
	Buckets int
	Pruned  int64
}

// Run re-aggregates every bucket touched since the start of the day that
// contains now minus the lookback, then prunes samples past retention.
// Re-running over the same samples produces the same buckets.
func (r *Rollup) Run(ctx context.Context) (RollupResult, error) {
	var res RollupResult
	now := r.opts.now().UTC()
	since := core.PeriodDay.Truncate(now.Add(-r.opts.lookback))

	samples, err := r.store.SamplesSince(ctx, since)
	if err != nil {
		return res, fmt.Errorf("queuestats: load samples: %w", err)
	}
	res.Samples = len(samples)

	rollups := Aggregate(samples, now)
	if err := r.store.UpsertRollups(ctx, rollups); err != nil {
		return res, fmt.Errorf("queuestats: upsert rollups: %w", err)
	}
	res.Buckets = len(rollups)

	if r.opts.retention > 0 {
		pruned, err := r.store.PruneSamples(ctx, now.Add(-r.opts.retention))
		if err != nil {
			return res, fmt.Errorf("queuestats: prune samples: %w", err)
		}
		res.Pruned = pruned
	}

	r.opts.logger.Info("queue rollup finished",
		"samples", res.Samples, "buckets", res.Buckets, "pruned", res.Pruned)
	return res, nil
}

type bucketKey struct {
	driver, lane string
	period       core.PeriodType
	start        time.Time
}

type accumulator struct {
	count               int64
	depthSum, failedSum int64
	throughputSum       int64
	ageSum, ageCount    int64
	maxDepth, maxFailed int64
	maxThroughput       int64
	maxAge              *int64
}

func (a *accumulator) add(s core.QueueMetricSample) {
	a.count++
	a.depthSum += s.Depth
	a.failedSum += s.FailedCount
	a.throughputSum += s.ThroughputPerMinute
	a.maxDepth = max(a.maxDepth, s.Depth)
	a.maxFailed = max(a.maxFailed, s.FailedCount)
	a.maxThroughput = max(a.maxThroughput, s.ThroughputPerMinute)
	if s.OldestAgeSeconds != nil {
		age := *s.OldestAgeSeconds
		a.ageSum += age
		a.ageCount++
		if a.maxAge == nil || age > *a.maxAge {
			a.maxAge = &age
		}
	}
}

// Aggregate groups samples by (driver, lane, hour) and (driver, lane, day).
// Oldest-age aggregates only count samples that had an oldest item; they
// stay nil for buckets with none. Output is ordered by key.
func Aggregate(samples []core.QueueMetricSample, now time.Time) []core.QueueMetricRollup {
	buckets := make(map[bucketKey]*accumulator)
	for _, s := range samples {
		for _, p := range []core.PeriodType{core.PeriodHour, core.PeriodDay} {
			k := bucketKey{driver: s.Driver, lane: s.Lane, period: p, start: p.Truncate(s.CapturedAt)}
			acc, ok := buckets[k]
			if !ok {
				acc = &accumulator{}
				buckets[k] = acc
			}
			acc.add(s)
		}
	}

	out := make([]core.QueueMetricRollup, 0, len(buckets))
	for k, a := range buckets {
		n := float64(a.count)
		r := core.QueueMetricRollup{
			Driver:                 k.driver,
			Lane:                   k.lane,
			PeriodType:             k.period,
			PeriodStart:            k.start,
			SampleCount:            a.count,
			AvgDepth:               float64(a.depthSum) / n,
			MaxDepth:               a.maxDepth,
			AvgFailedCount:         float64(a.failedSum) / n,
			MaxFailedCount:         a.maxFailed,
			AvgThroughputPerMinute: float64(a.throughputSum) / n,
			MaxThroughputPerMinute: a.maxThroughput,
			MaxOldestAgeSeconds:    a.maxAge,
			UpdatedAt:              now,
		}
		if a.ageCount > 0 {
			avg := float64(a.ageSum) / float64(a.ageCount)
			r.AvgOldestAgeSeconds = &avg
		}
		out = append(out, r)
	}

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Driver != b.Driver {
			return a.Driver < b.Driver
		}
		if a.Lane != b.Lane {
			return a.Lane < b.Lane
		}
		if a.PeriodType != b.PeriodType {
			return a.PeriodType < b.PeriodType
		}
		return a.PeriodStart.Before(b.PeriodStart)
	})
	return out
}
