package core

import "time"

// QueueMetricSample is a point-in-time snapshot of one lane on one driver.
type QueueMetricSample struct {
	ID                  uint      `gorm:"primaryKey" json:"id"`
	Driver              string    `gorm:"index:idx_samples_driver_lane_ts;size:32;not null" json:"driver"`
	Lane                string    `gorm:"index:idx_samples_driver_lane_ts;size:255;not null" json:"lane"`
	Depth               int64     `gorm:"not null;default:0" json:"depth"`
	OldestAgeSeconds    *int64    `json:"oldest_age_seconds"`
	FailedCount         int64     `gorm:"not null;default:0" json:"failed_count"`
	ThroughputPerMinute int64     `gorm:"not null;default:0" json:"throughput_per_minute"`
	CapturedAt          time.Time `gorm:"index:idx_samples_driver_lane_ts;not null" json:"captured_at"`
}

// PeriodType is the bucket width of a rollup.
type PeriodType string

const (
	PeriodHour PeriodType = "hour"
	PeriodDay  PeriodType = "day"
)

// Truncate returns the start of the period containing t (UTC).
func (p PeriodType) Truncate(t time.Time) time.Time {
	t = t.UTC()
	if p == PeriodDay {
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	}
	return t.Truncate(time.Hour)
}

// QueueMetricRollup aggregates samples for one (driver, lane, period).
type QueueMetricRollup struct {
	ID                     uint       `gorm:"primaryKey" json:"id"`
	Driver                 string     `gorm:"uniqueIndex:idx_rollup_key;size:32;not null" json:"driver"`
	Lane                   string     `gorm:"uniqueIndex:idx_rollup_key;size:255;not null" json:"lane"`
	PeriodType             PeriodType `gorm:"uniqueIndex:idx_rollup_key;size:8;not null" json:"period_type"`
	PeriodStart            time.Time  `gorm:"uniqueIndex:idx_rollup_key;not null" json:"period_start"`
	SampleCount            int64      `json:"sample_count"`
	AvgDepth               float64    `json:"avg_depth"`
	MaxDepth               int64      `json:"max_depth"`
	AvgOldestAgeSeconds    *float64   `json:"avg_oldest_age_seconds"`
	MaxOldestAgeSeconds    *int64     `json:"max_oldest_age_seconds"`
	AvgFailedCount         float64    `json:"avg_failed_count"`
	MaxFailedCount         int64      `json:"max_failed_count"`
	AvgThroughputPerMinute float64    `json:"avg_throughput_per_minute"`
	MaxThroughputPerMinute int64      `json:"max_throughput_per_minute"`
	UpdatedAt              time.Time  `json:"updated_at"`
}
