package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jdziat/workgate/pkg/core"
)

// UpsertWorker registers a worker or refreshes its heartbeat and metadata.
// Drain mode is operator-owned and never changed by a heartbeat.
func (s *GormStorage) UpsertWorker(ctx context.Context, w *core.EngineWorker) (*core.EngineWorker, error) {
	if w.ID == "" {
		w.ID = uuid.New().String()
	}
	if w.LastHeartbeatAt == nil {
		now := time.Now().UTC()
		w.LastHeartbeatAt = &now
	}
	w.IsActive = true

	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"address", "environment", "region", "tags",
			"is_active", "last_heartbeat_at", "updated_at",
		}),
	}).Create(w).Error
	if err != nil {
		return nil, err
	}
	return s.GetWorkerByName(ctx, w.Name)
}

// GetWorkerByName retrieves a worker. Returns nil when it is not registered.
func (s *GormStorage) GetWorkerByName(ctx context.Context, name string) (*core.EngineWorker, error) {
	var w core.EngineWorker
	err := s.db.WithContext(ctx).First(&w, "name = ?", name).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &w, nil
}

// ListWorkers returns every registered worker ordered by name.
func (s *GormStorage) ListWorkers(ctx context.Context) ([]*core.EngineWorker, error) {
	var workers []*core.EngineWorker
	err := s.db.WithContext(ctx).Order("name ASC").Find(&workers).Error
	return workers, err
}

// SetWorkerDrain toggles drain mode.
func (s *GormStorage) SetWorkerDrain(ctx context.Context, name string, drain bool) (*core.EngineWorker, error) {
	result := s.db.WithContext(ctx).Model(&core.EngineWorker{}).
		Where("name = ?", name).
		Updates(map[string]any{
			"drain_mode": drain,
			"updated_at": time.Now().UTC(),
		})
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, core.ErrUnknownWorker
	}
	return s.GetWorkerByName(ctx, name)
}
