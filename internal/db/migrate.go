package db

import (
	"encoding/json"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/iworkr/aiva.io-sub003/internal/config"
	"github.com/iworkr/aiva.io-sub003/internal/models"
)

// AllModels returns every GORM model owned by the dispatch engine.
func AllModels() []interface{} {
	return []interface{}{
		&models.Workspace{},
		&models.ChannelConnection{},
		&models.Message{},
		&models.Draft{},
		&models.AutoSendQueueItem{},
		&models.AuditLogEntry{},
	}
}

// AutoMigrate creates or updates all tables.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("db: auto-migrate: %w", err)
	}
	return nil
}

// SeedWorkspaces upserts workspace policy rows from configuration.
func SeedWorkspaces(db *gorm.DB, workspaces []config.WorkspaceConfig) error {
	for _, wc := range workspaces {
		skip, err := marshalJSON(wc.AutoSend.SkipCategories)
		if err != nil {
			return fmt.Errorf("db: marshal skip_categories for workspace %q: %w", wc.ID, err)
		}

		ws := models.Workspace{
			ID:                  wc.ID,
			Name:                wc.Name,
			Timezone:            wc.Timezone,
			AutoSendEnabled:     wc.AutoSend.Enabled,
			AutoSendPaused:      wc.AutoSend.Paused,
			ConfidenceThreshold: wc.AutoSend.ConfidenceThreshold,
			DelayType:           wc.AutoSend.DelayType,
			DelayMinMinutes:     wc.AutoSend.DelayMinMinutes,
			DelayMaxMinutes:     wc.AutoSend.DelayMaxMinutes,
			SendWindowStart:     wc.AutoSend.SendWindowStart,
			SendWindowEnd:       wc.AutoSend.SendWindowEnd,
			SkipCategories:      skip,
			InboxZeroEnabled:    wc.InboxZero.Enabled,
			InboxZeroArchive:    wc.InboxZero.Archive,
			InboxZeroApplyLabel: wc.InboxZero.ApplyLabel,
			InboxZeroLabel:      wc.InboxZero.Label,
		}

		result := db.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"name", "timezone", "auto_send_enabled", "auto_send_paused",
				"confidence_threshold", "delay_type", "delay_min_minutes", "delay_max_minutes",
				"send_window_start", "send_window_end", "skip_categories",
				"inbox_zero_enabled", "inbox_zero_archive", "inbox_zero_apply_label", "inbox_zero_label",
			}),
		}).Create(&ws)
		if result.Error != nil {
			return fmt.Errorf("db: seed workspace %q: %w", wc.ID, result.Error)
		}
	}
	return nil
}

// SeedConnections registers configured provider connections. Existing rows
// keep their status so a pending reconnect flag survives a re-seed.
func SeedConnections(db *gorm.DB, refs []config.ConnectionRef) error {
	for _, ref := range refs {
		conn := models.ChannelConnection{
			ID:          ref.ID,
			WorkspaceID: ref.Workspace,
			Provider:    ref.Provider,
			Name:        ref.ID,
			Status:      "active",
		}
		result := db.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"workspace_id", "provider"}),
		}).Create(&conn)
		if result.Error != nil {
			return fmt.Errorf("db: seed connection %q: %w", ref.ID, result.Error)
		}
	}
	return nil
}

// marshalJSON marshals a value to a JSON string, returning "[]" for a nil slice.
func marshalJSON(v []string) (string, error) {
	if v == nil {
		return "[]", nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
