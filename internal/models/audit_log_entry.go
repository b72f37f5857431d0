package models

import (
	"time"

	"gorm.io/gorm"
)

// AuditLogEntry records a gate decision, queue transition, or review action.
// Rows are insert-only.
type AuditLogEntry struct {
	ID          int64  `gorm:"primaryKey;autoIncrement:false"`
	WorkspaceID string `gorm:"size:32;index:idx_audit_workspace_time"`
	MessageID   string `gorm:"size:32;index"`
	QueueItemID *int64
	EventType   string    `gorm:"size:48;not null;index"`
	Actor       string    `gorm:"size:64"`
	Decision    string    `gorm:"size:32"`
	Reason      string    `gorm:"size:64"`
	Details     string    `gorm:"type:json"`
	CreatedAt   time.Time `gorm:"index:idx_audit_workspace_time"`
}

// BeforeCreate defaults Details to an empty JSON object.
func (e *AuditLogEntry) BeforeCreate(tx *gorm.DB) error {
	if e.Details == "" {
		e.Details = "{}"
	}
	return nil
}
