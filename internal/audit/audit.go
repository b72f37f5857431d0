// Package audit appends and queries the dispatch audit log. Entries are never
// updated once written.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/iworkr/aiva.io-sub003/internal/id"
	"github.com/iworkr/aiva.io-sub003/internal/models"
)

// Event types.
const (
	EventGateDecision      = "gate_decision"
	EventQueued            = "queued"
	EventSent              = "sent"
	EventSendRetry         = "send_retry"
	EventFailed            = "failed"
	EventCancelled         = "cancelled"
	EventClaimReaped       = "claim_reaped"
	EventReviewApproved    = "review_approved"
	EventReviewEdited      = "review_edited"
	EventReviewRejected    = "review_rejected"
	EventHandled           = "handled"
	EventRestored          = "restored"
	EventReconnectRequired = "channel_reconnect_required"
	EventReconnected       = "channel_reconnected"
)

// Actors that are not humans.
const (
	ActorGate   = "gate"
	ActorWorker = "worker"
	ActorSystem = "system"
)

// Entry is the input to Record.
type Entry struct {
	WorkspaceID string
	MessageID   string
	QueueItemID *int64
	EventType   string
	Actor       string
	Decision    string
	Reason      string
	Details     map[string]interface{}
}

// Record appends one entry using tx, which may be a transaction.
func Record(tx *gorm.DB, e Entry) (*models.AuditLogEntry, error) {
	details := "{}"
	if len(e.Details) > 0 {
		data, err := json.Marshal(e.Details)
		if err != nil {
			return nil, fmt.Errorf("audit: marshal details for %s: %w", e.EventType, err)
		}
		details = string(data)
	}
	actor := e.Actor
	if actor == "" {
		actor = ActorSystem
	}

	row := &models.AuditLogEntry{
		ID:          id.New(),
		WorkspaceID: e.WorkspaceID,
		MessageID:   e.MessageID,
		QueueItemID: e.QueueItemID,
		EventType:   e.EventType,
		Actor:       actor,
		Decision:    e.Decision,
		Reason:      e.Reason,
		Details:     details,
	}
	if err := tx.Create(row).Error; err != nil {
		return nil, fmt.Errorf("audit: record %s for message %s: %w", e.EventType, e.MessageID, err)
	}
	return row, nil
}

// Filter narrows List. Zero fields are ignored; Limit defaults to 100.
type Filter struct {
	WorkspaceID string
	MessageID   string
	EventType   string
	Since       time.Time
	Limit       int
}

// List returns entries matching f, newest first.
func List(ctx context.Context, db *gorm.DB, f Filter) ([]models.AuditLogEntry, error) {
	q := db.WithContext(ctx).Model(&models.AuditLogEntry{})
	if f.WorkspaceID != "" {
		q = q.Where("workspace_id = ?", f.WorkspaceID)
	}
	if f.MessageID != "" {
		q = q.Where("message_id = ?", f.MessageID)
	}
	if f.EventType != "" {
		q = q.Where("event_type = ?", f.EventType)
	}
	if !f.Since.IsZero() {
		q = q.Where("created_at >= ?", f.Since.UTC())
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}

	var entries []models.AuditLogEntry
	if err := q.Order("created_at DESC, id DESC").Limit(limit).Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("audit: list: %w", err)
	}
	return entries, nil
}

// Summary aggregates audit counts over a window for metrics.
type Summary struct {
	WorkspaceID string           `json:"workspace_id"`
	Since       time.Time        `json:"since"`
	Events      map[string]int64 `json:"events"`
	Decisions   map[string]int64 `json:"decisions"`
}

// Summarize counts entries per event type and per gate decision since the
// given time. An empty workspaceID covers all workspaces.
func Summarize(ctx context.Context, db *gorm.DB, workspaceID string, since time.Time) (*Summary, error) {
	base := func() *gorm.DB {
		q := db.WithContext(ctx).Model(&models.AuditLogEntry{}).Where("created_at >= ?", since.UTC())
		if workspaceID != "" {
			q = q.Where("workspace_id = ?", workspaceID)
		}
		return q
	}

	type row struct {
		Key   string
		Count int64
	}

	var events []row
	if err := base().Select("event_type AS `key`, COUNT(*) AS count").Group("event_type").Scan(&events).Error; err != nil {
		return nil, fmt.Errorf("audit: summarize events: %w", err)
	}
	var decisions []row
	if err := base().Where("event_type = ?", EventGateDecision).
		Select("decision AS `key`, COUNT(*) AS count").Group("decision").Scan(&decisions).Error; err != nil {
		return nil, fmt.Errorf("audit: summarize decisions: %w", err)
	}

	s := &Summary{
		WorkspaceID: workspaceID,
		Since:       since.UTC(),
		Events:      make(map[string]int64, len(events)),
		Decisions:   make(map[string]int64, len(decisions)),
	}
	for _, r := range events {
		s.Events[r.Key] = r.Count
	}
	for _, r := range decisions {
		s.Decisions[r.Key] = r.Count
	}
	return s, nil
}
