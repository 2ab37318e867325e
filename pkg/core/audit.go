package core

import (
	"time"

	"gorm.io/datatypes"
)

// AuditAction names a recorded unit transition.
type AuditAction string

const (
	ActionSubmitted     AuditAction = "submitted"
	ActionClaimed       AuditAction = "claimed"
	ActionCompleted     AuditAction = "completed"
	ActionFailed        AuditAction = "failed"
	ActionRetried       AuditAction = "retried"
	ActionRequeued      AuditAction = "requeued"
	ActionMarkedFailed  AuditAction = "marked_failed"
	ActionForcedPending AuditAction = "forced_pending"
	ActionLeaseExpired  AuditAction = "lease_expired"
	ActionLog           AuditAction = "log"
)

// LogLevel is the severity of a worker-reported event.
type LogLevel string

const (
	LevelDebug   LogLevel = "debug"
	LevelInfo    LogLevel = "info"
	LevelWarning LogLevel = "warning"
	LevelError   LogLevel = "error"
)

// Valid reports whether l is one of the known levels.
func (l LogLevel) Valid() bool {
	switch l {
	case LevelDebug, LevelInfo, LevelWarning, LevelError:
		return true
	}
	return false
}

// AuditEntry records a unit state transition or a worker log event.
// Entries are written in the same transaction as the change they describe.
type AuditEntry struct {
	ID        uint              `gorm:"primaryKey" json:"id"`
	UnitID    string            `gorm:"index;size:36;not null" json:"unit_id"`
	JobID     string            `gorm:"index;size:64" json:"job_id"`
	Action    AuditAction       `gorm:"size:32;not null" json:"action"`
	Actor     string            `gorm:"size:255" json:"actor"`
	Level     LogLevel          `gorm:"size:16;not null;default:'info'" json:"level"`
	Message   string            `gorm:"type:text" json:"message,omitempty"`
	Context   datatypes.JSONMap `json:"context,omitempty"`
	CreatedAt time.Time         `gorm:"index" json:"created_at"`
}

// TableName keeps the audit log name stable across renames of the struct.
func (AuditEntry) TableName() string { return "unit_audit_log" }
