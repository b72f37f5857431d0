package models

import "time"

// AutoSendQueueItem is a scheduled send awaiting dispatch by the queue worker.
//
// ActiveMessageID mirrors MessageID while the item is pending or processing
// and is NULL once the item reaches a terminal status. The unique index on it
// keeps at most one live item per message.
type AutoSendQueueItem struct {
	ID              int64      `gorm:"primaryKey;autoIncrement:false"`
	WorkspaceID     string     `gorm:"size:32;not null;index"`
	MessageID       string     `gorm:"size:32;not null;index"`
	DraftID         string     `gorm:"size:32;not null"`
	ConnectionID    string     `gorm:"size:64"`
	ActiveMessageID *string    `gorm:"size:32;uniqueIndex"`
	Source          string     `gorm:"size:16;default:gate"`
	ScheduledSendAt time.Time  `gorm:"index:idx_due"`
	Status          string     `gorm:"size:16;default:pending;index:idx_due"`
	ConfidenceScore float64
	Attempts        int        `gorm:"default:0"`
	ClaimedAt       *time.Time
	LastAttemptAt   *time.Time
	ErrorMessage    string     `gorm:"type:text"`
	SentAt          *time.Time
	SentMessageID   string     `gorm:"size:255"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// TableName keeps the table name stable across gorm naming strategies.
func (AutoSendQueueItem) TableName() string {
	return "auto_send_queue"
}
