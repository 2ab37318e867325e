package core

import (
	"time"

	"gorm.io/datatypes"
)

// EngineWorker is the registration of an engine process that claims units.
// Rows are created and refreshed by heartbeats.
type EngineWorker struct {
	ID              string            `gorm:"primaryKey;size:36" json:"id"`
	Name            string            `gorm:"uniqueIndex;size:255;not null" json:"name"`
	Address         string            `gorm:"size:255" json:"address"`
	Environment     string            `gorm:"size:64" json:"environment,omitempty"`
	Region          string            `gorm:"size:64" json:"region,omitempty"`
	Tags            datatypes.JSONMap `json:"tags,omitempty"`
	IsActive        bool              `gorm:"not null;default:true" json:"is_active"`
	DrainMode       bool              `gorm:"not null;default:false" json:"drain_mode"`
	LastHeartbeatAt *time.Time        `gorm:"index" json:"last_heartbeat_at,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// AcceptsWork reports whether new claims may be handed to the worker.
func (w *EngineWorker) AcceptsWork() bool {
	return w.IsActive && !w.DrainMode
}

// Stale reports whether the last heartbeat is older than maxAge.
// A worker that never sent a heartbeat is stale.
func (w *EngineWorker) Stale(now time.Time, maxAge time.Duration) bool {
	if w.LastHeartbeatAt == nil {
		return true
	}
	return now.Sub(*w.LastHeartbeatAt) > maxAge
}
