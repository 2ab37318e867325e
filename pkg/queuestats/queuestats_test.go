package queuestats

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/jdziat/workgate/pkg/broker"
	"github.com/jdziat/workgate/pkg/core"
	"github.com/jdziat/workgate/pkg/storage"
	"github.com/jdziat/workgate/pkg/telemetry"
)

var testNow = time.Date(2026, 3, 2, 12, 30, 0, 0, time.UTC)

func newTestStorage(t *testing.T) *storage.GormStorage {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	s, err := storage.NewGormStorageWithPool(db, storage.MaxOpenConns(1))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

type fakeProbe struct {
	stats map[string]broker.LaneStats
	fail  map[string]bool
}

func (p *fakeProbe) Driver() string             { return broker.DriverRedis }
func (p *fakeProbe) Ping(context.Context) error { return nil }

func (p *fakeProbe) LaneStats(_ context.Context, lane string) (broker.LaneStats, error) {
	if p.fail[lane] {
		return broker.LaneStats{}, errors.New("connection reset")
	}
	return p.stats[lane], nil
}

func ptr[T any](v T) *T { return &v }

// ──────────────────────────────────────────────────────────────────────────────
// Sampler
// ──────────────────────────────────────────────────────────────────────────────

func TestSampler_WritesDefaultAndConfiguredLanes(t *testing.T) {
	ctx := context.Background()
	store := newTestStorage(t)
	probe := &fakeProbe{stats: map[string]broker.LaneStats{
		"default": {Depth: 2},
		"parse":   {Depth: 40, OldestAge: ptr(95 * time.Second)},
	}}
	metrics := telemetry.NewMetrics(prometheus.NewRegistry(), "test")

	clock := testNow
	s := NewSampler(store, probe,
		WithLanes(func() []string { return []string{"parse", "default"} }),
		WithInterval(time.Minute),
		WithMetrics(metrics),
		WithClock(func() time.Time { return clock }),
	)
	assert.Equal(t, []string{"default", "parse"}, s.Lanes())

	res, err := s.Collect(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"default", "parse"}, res.Written)

	parse, err := store.LatestSample(ctx, broker.DriverRedis, "parse")
	require.NoError(t, err)
	require.NotNil(t, parse)
	assert.EqualValues(t, 40, parse.Depth)
	require.NotNil(t, parse.OldestAgeSeconds)
	assert.EqualValues(t, 95, *parse.OldestAgeSeconds)
	assert.Equal(t, 40.0, testutil.ToFloat64(metrics.LaneDepth.WithLabelValues("redis", "parse")))

	// Within the interval nothing new is written.
	clock = testNow.Add(30 * time.Second)
	res, err = s.Collect(ctx)
	require.NoError(t, err)
	assert.Empty(t, res.Written)
	assert.Len(t, res.Skipped, 2)

	clock = testNow.Add(time.Minute)
	res, err = s.Collect(ctx)
	require.NoError(t, err)
	assert.Len(t, res.Written, 2)
}

func TestSampler_ProbeFailureSkipsOnlyThatLane(t *testing.T) {
	ctx := context.Background()
	store := newTestStorage(t)
	probe := &fakeProbe{
		stats: map[string]broker.LaneStats{"default": {Depth: 1}},
		fail:  map[string]bool{"render": true},
	}
	s := NewSampler(store, probe,
		WithLanes(func() []string { return []string{"render"} }),
		WithClock(func() time.Time { return testNow }),
	)

	res, err := s.Collect(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "render")
	assert.Equal(t, []string{"default"}, res.Written)
}

func TestSampler_UsesUnitTableCounts(t *testing.T) {
	ctx := context.Background()
	store := newTestStorage(t)

	units := []*core.WorkUnit{{JobID: "j", Lane: "default", MaxAttempts: 1, CreatedAt: testNow.Add(-time.Hour)}}
	require.NoError(t, store.CreateUnits(ctx, units, "api"))
	claimed, err := store.ClaimNext(ctx, core.ClaimParams{WorkerName: "e", Token: "t", Now: testNow.Add(-30 * time.Second), Lease: time.Minute})
	require.NoError(t, err)
	_, err = store.CompleteUnit(ctx, core.CompleteParams{UnitID: claimed.ID, Token: "t", Now: testNow.Add(-10 * time.Second)})
	require.NoError(t, err)

	s := NewSampler(store, broker.NewTableProbe(store), WithClock(func() time.Time { return testNow }))
	_, err = s.Collect(ctx)
	require.NoError(t, err)

	got, err := store.LatestSample(ctx, broker.DriverDatabase, "default")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.EqualValues(t, 0, got.Depth)
	assert.EqualValues(t, 1, got.ThroughputPerMinute)
	assert.Nil(t, got.OldestAgeSeconds)
}

// ──────────────────────────────────────────────────────────────────────────────
// Rollup
// ──────────────────────────────────────────────────────────────────────────────

func TestAggregate(t *testing.T) {
	samples := []core.QueueMetricSample{
		{Driver: "redis", Lane: "parse", Depth: 10, OldestAgeSeconds: ptr(int64(30)), FailedCount: 1, ThroughputPerMinute: 4, CapturedAt: testNow.Add(-20 * time.Minute)},
		{Driver: "redis", Lane: "parse", Depth: 20, FailedCount: 3, ThroughputPerMinute: 2, CapturedAt: testNow.Add(-10 * time.Minute)},
		{Driver: "redis", Lane: "parse", Depth: 6, OldestAgeSeconds: ptr(int64(90)), CapturedAt: testNow.Add(-2 * time.Hour)},
	}

	got := Aggregate(samples, testNow)
	require.Len(t, got, 3, "two hourly buckets and one daily bucket")

	day := got[0]
	assert.Equal(t, core.PeriodDay, day.PeriodType)
	assert.EqualValues(t, 3, day.SampleCount)
	assert.EqualValues(t, 20, day.MaxDepth)
	assert.InDelta(t, 12.0, day.AvgDepth, 0.001)
	require.NotNil(t, day.AvgOldestAgeSeconds)
	assert.InDelta(t, 60.0, *day.AvgOldestAgeSeconds, 0.001)
	assert.EqualValues(t, 90, *day.MaxOldestAgeSeconds)

	hour := got[2]
	assert.Equal(t, core.PeriodHour, hour.PeriodType)
	assert.True(t, hour.PeriodStart.Equal(time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)))
	assert.EqualValues(t, 2, hour.SampleCount)
	assert.InDelta(t, 3.0, hour.AvgThroughputPerMinute, 0.001)
	assert.EqualValues(t, 3, hour.MaxFailedCount)
	require.NotNil(t, hour.AvgOldestAgeSeconds)
	assert.InDelta(t, 30.0, *hour.AvgOldestAgeSeconds, 0.001, "samples without an age are not averaged in")
}

func TestAggregate_NoAgeLeavesNil(t *testing.T) {
	got := Aggregate([]core.QueueMetricSample{{Driver: "redis", Lane: "x", Depth: 1, CapturedAt: testNow}}, testNow)
	require.Len(t, got, 2)
	for _, r := range got {
		assert.Nil(t, r.AvgOldestAgeSeconds)
		assert.Nil(t, r.MaxOldestAgeSeconds)
	}
}

func TestRollup_RunIsIdempotentAndPrunes(t *testing.T) {
	ctx := context.Background()
	store := newTestStorage(t)

	for _, at := range []time.Time{
		testNow.Add(-9 * 24 * time.Hour),
		testNow.Add(-90 * time.Minute),
		testNow.Add(-5 * time.Minute),
	} {
		require.NoError(t, store.InsertSample(ctx, &core.QueueMetricSample{Driver: "redis", Lane: "parse", Depth: 5, CapturedAt: at}))
	}

	r := NewRollup(store,
		WithLookback(24*time.Hour),
		WithRetention(7*24*time.Hour),
		WithClock(func() time.Time { return testNow }),
	)

	first, err := r.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, first.Samples, "window starts at the day containing now-lookback")
	assert.EqualValues(t, 1, first.Pruned)

	second, err := r.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, first.Buckets, second.Buckets)

	hours, err := store.ListRollups(ctx, "redis", "parse", core.PeriodHour, testNow.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Len(t, hours, 2)

	days, err := store.ListRollups(ctx, "redis", "parse", core.PeriodDay, testNow.Add(-24*time.Hour))
	require.NoError(t, err)
	require.Len(t, days, 1)
	assert.EqualValues(t, 2, days[0].SampleCount)
}
