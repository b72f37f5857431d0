package models

import "time"

// ChannelConnection links a workspace to one provider account.
type ChannelConnection struct {
	ID          string `gorm:"primaryKey;size:64"`
	WorkspaceID string `gorm:"size:32;not null;index"`
	Provider    string `gorm:"size:16;not null"`
	Name        string `gorm:"size:128"`
	Status      string `gorm:"size:24;default:active;index"`
	LastError   string `gorm:"type:text"`
	FlaggedAt   *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}
