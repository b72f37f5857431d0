package models

import (
	"time"

	"gorm.io/gorm"
)

// Workspace holds the per-tenant auto-send and inbox-zero policy. This
// subsystem only reads it.
type Workspace struct {
	ID                  string  `gorm:"primaryKey;size:32"`
	Name                string  `gorm:"size:128"`
	Timezone            string  `gorm:"size:64;default:UTC"`
	AutoSendEnabled     bool    `gorm:"default:false"`
	AutoSendPaused      bool    `gorm:"default:false"`
	ConfidenceThreshold float64 `gorm:"default:0.85"`
	DelayType           string  `gorm:"size:16;default:exact"`
	DelayMinMinutes     int     `gorm:"default:0"`
	DelayMaxMinutes     int     `gorm:"default:0"`
	SendWindowStart     string  `gorm:"size:5"`
	SendWindowEnd       string  `gorm:"size:5"`
	SkipCategories      string  `gorm:"type:json"`
	InboxZeroEnabled    bool    `gorm:"default:false"`
	InboxZeroArchive    bool    `gorm:"default:false"`
	InboxZeroApplyLabel bool    `gorm:"default:false"`
	InboxZeroLabel      string  `gorm:"size:64"`
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// BeforeSave defaults SkipCategories to an empty JSON array.
func (w *Workspace) BeforeSave(tx *gorm.DB) error {
	if w.SkipCategories == "" {
		w.SkipCategories = "[]"
	}
	return nil
}
