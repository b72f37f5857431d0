package models

import (
	"time"

	"gorm.io/gorm"
)

// Draft is a candidate reply body for a Message.
type Draft struct {
	ID                string  `gorm:"primaryKey;size:32"`
	MessageID         string  `gorm:"size:32;not null;index"`
	Body              string  `gorm:"type:text"`
	OriginalBody      string  `gorm:"type:text"`
	ConfidenceScore   float64 `gorm:"default:0"`
	HoldForReview     bool    `gorm:"default:false;index"`
	ReviewReason      string  `gorm:"size:64"`
	UncertaintyNotes  string  `gorm:"type:text"`
	SchedulingContext string  `gorm:"type:json"`
	EditedAt          *time.Time
	EditedBy          string `gorm:"size:64"`
	CreatedAt         time.Time
	UpdatedAt         time.Time

	Message *Message `gorm:"foreignKey:MessageID"`
}

// Edited reports whether a human has overwritten the generated body.
func (d *Draft) Edited() bool {
	return d.EditedAt != nil
}

// BeforeSave stores an empty JSON object when no scheduling context is set,
// since MySQL rejects empty strings in JSON columns.
func (d *Draft) BeforeSave(tx *gorm.DB) error {
	if d.SchedulingContext == "" {
		d.SchedulingContext = "{}"
	}
	return nil
}
