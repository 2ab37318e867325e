package core

import (
	"time"

	"gorm.io/datatypes"
)

// IncidentStatus is the lifecycle state of an incident.
type IncidentStatus string

const (
	IncidentDetected IncidentStatus = "detected"
	IncidentResolved IncidentStatus = "resolved"
)

// Incident is the durable audit trail of one health issue key.
type Incident struct {
	ID              uint              `gorm:"primaryKey" json:"id"`
	IssueKey        string            `gorm:"index;size:255;not null" json:"issue_key"`
	Severity        Severity          `gorm:"size:16;not null" json:"severity"`
	Status          IncidentStatus    `gorm:"index;size:16;not null;default:'detected'" json:"status"`
	Lane            string            `gorm:"size:255" json:"lane,omitempty"`
	Title           string            `gorm:"size:255" json:"title"`
	Detail          string            `gorm:"type:text" json:"detail"`
	FirstDetectedAt time.Time         `json:"first_detected_at"`
	LastDetectedAt  time.Time         `json:"last_detected_at"`
	ResolvedAt      *time.Time        `json:"resolved_at,omitempty"`
	Meta            datatypes.JSONMap `json:"meta,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// TableName keeps incidents apart from any application tables.
func (Incident) TableName() string { return "health_incidents" }

// IncidentFilter narrows incident listings.
type IncidentFilter struct {
	Status   IncidentStatus
	IssueKey string
	Limit    int
}

// AlertState is the notifier's per-key memory, kept in the key-value store.
type AlertState struct {
	Issue
	FirstSeenAt   time.Time `json:"first_seen_at"`
	LastSeenAt    time.Time `json:"last_seen_at"`
	LastAlertedAt time.Time `json:"last_alerted_at"`
}
