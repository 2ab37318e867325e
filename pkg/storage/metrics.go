package storage

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jdziat/workgate/pkg/core"
)

// LatestSample returns the newest sample for a lane. Returns nil when none exists.
func (s *GormStorage) LatestSample(ctx context.Context, driver, lane string) (*core.QueueMetricSample, error) {
	var sample core.QueueMetricSample
	err := s.db.WithContext(ctx).
		Where("driver = ? AND lane = ?", driver, lane).
		Order("captured_at DESC, id DESC").
		First(&sample).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sample, nil
}

// InsertSample stores one queue observation. Samples are append-only until
// PruneSamples removes them.
func (s *GormStorage) InsertSample(ctx context.Context, sample *core.QueueMetricSample) error {
	return s.db.WithContext(ctx).Create(sample).Error
}

// SamplesSince returns samples captured at or after since, oldest first.
func (s *GormStorage) SamplesSince(ctx context.Context, since time.Time) ([]core.QueueMetricSample, error) {
	var samples []core.QueueMetricSample
	err := s.db.WithContext(ctx).
		Where("captured_at >= ?", since).
		Order("captured_at ASC, id ASC").
		Find(&samples).Error
	return samples, err
}

// UpsertRollups writes rollups, replacing the aggregates of existing buckets.
func (s *GormStorage) UpsertRollups(ctx context.Context, rollups []core.QueueMetricRollup) error {
	if len(rollups) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "driver"}, {Name: "lane"}, {Name: "period_type"}, {Name: "period_start"},
		},
		DoUpdates: clause.AssignmentColumns([]string{
			"sample_count",
			"avg_depth", "max_depth",
			"avg_oldest_age_seconds", "max_oldest_age_seconds",
			"avg_failed_count", "max_failed_count",
			"avg_throughput_per_minute", "max_throughput_per_minute",
			"updated_at",
		}),
	}).Create(&rollups).Error
}

// ListRollups returns the buckets of one lane starting at or after since.
func (s *GormStorage) ListRollups(ctx context.Context, driver, lane string, period core.PeriodType, since time.Time) ([]core.QueueMetricRollup, error) {
	var rollups []core.QueueMetricRollup
	err := s.db.WithContext(ctx).
		Where("driver = ? AND lane = ? AND period_type = ? AND period_start >= ?", driver, lane, period, since).
		Order("period_start ASC").
		Find(&rollups).Error
	return rollups, err
}

// PruneSamples deletes samples captured before the cutoff.
func (s *GormStorage) PruneSamples(ctx context.Context, before time.Time) (int64, error) {
	result := s.db.WithContext(ctx).
		Where("captured_at < ?", before).
		Delete(&core.QueueMetricSample{})
	return result.RowsAffected, result.Error
}

// LaneBacklog reports how many units of a lane wait to be claimed and when
// the oldest of them was created.
func (s *GormStorage) LaneBacklog(ctx context.Context, lane string) (int64, *time.Time, error) {
	var depth int64
	q := s.db.WithContext(ctx).Model(&core.WorkUnit{}).
		Where("lane = ? AND status = ?", lane, core.UnitPending)
	if err := q.Count(&depth).Error; err != nil {
		return 0, nil, err
	}
	if depth == 0 {
		return 0, nil, nil
	}

	var oldest core.WorkUnit
	err := s.db.WithContext(ctx).
		Select("created_at").
		Where("lane = ? AND status = ?", lane, core.UnitPending).
		Order("created_at ASC").
		First(&oldest).Error
	if err != nil {
		return depth, nil, err
	}
	at := oldest.CreatedAt
	return depth, &at, nil
}

// CountFailedUnits returns the number of units in the failed state.
func (s *GormStorage) CountFailedUnits(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&core.WorkUnit{}).
		Where("status = ?", core.UnitFailed).
		Count(&n).Error
	return n, err
}

// CountCompletedSince returns how many units completed at or after since.
func (s *GormStorage) CountCompletedSince(ctx context.Context, since time.Time) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&core.WorkUnit{}).
		Where("status = ? AND completed_at >= ?", core.UnitCompleted, since).
		Count(&n).Error
	return n, err
}
