package core

import (
	"time"

	"gorm.io/datatypes"
)

// UnitStatus represents the current state of a work unit.
type UnitStatus string

const (
	UnitPending    UnitStatus = "pending"
	UnitProcessing UnitStatus = "processing"
	UnitCompleted  UnitStatus = "completed"
	UnitFailed     UnitStatus = "failed"
)

// Terminal reports whether no further worker transition is possible.
func (s UnitStatus) Terminal() bool {
	return s == UnitCompleted || s == UnitFailed
}

// DefaultLane is the lane used when a submission names none.
const DefaultLane = "default"

// WorkUnit is a job, or one ordered chunk of a partitioned job, that engine
// workers claim under lease.
type WorkUnit struct {
	ID               string            `gorm:"primaryKey;size:36" json:"id"`
	JobID            string            `gorm:"index;size:64;not null" json:"job_id"`
	Ordinal          int               `gorm:"not null;default:0" json:"ordinal"`
	Lane             string            `gorm:"index;size:255;not null;default:'default'" json:"lane"`
	Status           UnitStatus        `gorm:"index;size:20;not null;default:'pending'" json:"status"`
	Attempts         int               `gorm:"not null;default:0" json:"attempts"`
	MaxAttempts      int               `gorm:"not null;default:3" json:"max_attempts"`
	AssignedWorkerID string            `gorm:"size:255" json:"assigned_worker_id,omitempty"`
	ClaimToken       string            `gorm:"size:64" json:"-"`
	ClaimedAt        *time.Time        `json:"claimed_at,omitempty"`
	ClaimExpiresAt   *time.Time        `gorm:"index" json:"claim_expires_at,omitempty"`
	Outputs          datatypes.JSONMap `json:"outputs,omitempty"`
	LastError        string            `gorm:"type:text" json:"last_error,omitempty"`
	CompletedAt      *time.Time        `json:"completed_at,omitempty"`
	CreatedAt        time.Time         `gorm:"index" json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

// LeaseExpired reports whether the unit is processing under a lease that
// ended strictly before now.
func (u *WorkUnit) LeaseExpired(now time.Time) bool {
	return u.Status == UnitProcessing && u.ClaimExpiresAt != nil && now.After(*u.ClaimExpiresAt)
}

// Claimable reports whether a worker may take the unit at now.
func (u *WorkUnit) Claimable(now time.Time) bool {
	switch u.Status {
	case UnitPending:
		return true
	case UnitProcessing:
		return u.LeaseExpired(now) && u.Attempts < u.MaxAttempts
	default:
		return false
	}
}

// OutputLocations returns the stored outputs as plain strings.
func (u *WorkUnit) OutputLocations() map[string]string {
	if len(u.Outputs) == 0 {
		return nil
	}
	out := make(map[string]string, len(u.Outputs))
	for k, v := range u.Outputs {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}

// StringMap converts a string map into a JSON column value.
func StringMap(m map[string]string) datatypes.JSONMap {
	if len(m) == 0 {
		return nil
	}
	out := make(datatypes.JSONMap, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
