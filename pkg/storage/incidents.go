package storage

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/jdziat/workgate/pkg/core"
)

// ListOpenIncidents returns every detected incident, oldest first.
func (s *GormStorage) ListOpenIncidents(ctx context.Context) ([]*core.Incident, error) {
	var incidents []*core.Incident
	err := s.db.WithContext(ctx).
		Where("status = ?", core.IncidentDetected).
		Order("id ASC").
		Find(&incidents).Error
	return incidents, err
}

// OpenIncident inserts inc unless the key already has an open incident.
func (s *GormStorage) OpenIncident(ctx context.Context, inc *core.Incident) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var n int64
		if err := tx.Model(&core.Incident{}).
			Where("issue_key = ? AND status = ?", inc.IssueKey, core.IncidentDetected).
			Count(&n).Error; err != nil {
			return err
		}
		if n > 0 {
			return core.ErrDuplicateIncident
		}
		inc.Status = core.IncidentDetected
		return tx.Create(inc).Error
	})
}

// RefreshIncident records that an open incident's issue was seen again.
func (s *GormStorage) RefreshIncident(ctx context.Context, id uint, issue core.Issue, at time.Time) error {
	return s.db.WithContext(ctx).Model(&core.Incident{}).
		Where("id = ? AND status = ?", id, core.IncidentDetected).
		Updates(map[string]any{
			"severity":         issue.Severity,
			"title":            issue.Title,
			"detail":           issue.Detail,
			"lane":             issue.Lane,
			"last_detected_at": at,
			"updated_at":       at,
		}).Error
}

// ResolveIncidents closes the given open incidents.
func (s *GormStorage) ResolveIncidents(ctx context.Context, ids []uint, at time.Time) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	result := s.db.WithContext(ctx).Model(&core.Incident{}).
		Where("id IN ? AND status = ?", ids, core.IncidentDetected).
		Updates(map[string]any{
			"status":      core.IncidentResolved,
			"resolved_at": at,
			"updated_at":  at,
		})
	return result.RowsAffected, result.Error
}

// ListIncidents returns incidents matching f, newest first.
func (s *GormStorage) ListIncidents(ctx context.Context, f core.IncidentFilter) ([]*core.Incident, error) {
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	q := s.db.WithContext(ctx).Model(&core.Incident{})
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if f.IssueKey != "" {
		q = q.Where("issue_key = ?", f.IssueKey)
	}
	var incidents []*core.Incident
	err := q.Order("last_detected_at DESC, id DESC").Limit(limit).Find(&incidents).Error
	return incidents, err
}
