// Package queue stores scheduled auto-sends and moves them through their
// status lifecycle. Every status change is a conditional update on the
// expected current status, so concurrent workers and reviewers cannot both
// win the same transition.
package queue

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/iworkr/aiva.io-sub003/internal/id"
	"github.com/iworkr/aiva.io-sub003/internal/models"
)

// Queue item statuses.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusSent       = "sent"
	StatusFailed     = "failed"
	StatusCancelled  = "cancelled"
)

// Item sources.
const (
	SourceGate   = "gate"
	SourceReview = "review"
)

// ValidTransitions maps each status to its valid next statuses. Terminal
// statuses have no entry. processing → pending is only used for a retryable
// send failure.
var ValidTransitions = map[string][]string{
	StatusPending:    {StatusProcessing, StatusCancelled},
	StatusProcessing: {StatusSent, StatusFailed, StatusCancelled, StatusPending},
}

// ErrConflict is returned when an item was not in the expected status,
// typically because another worker or reviewer moved it first.
var ErrConflict = errors.New("queue: item status changed concurrently")

// ErrNotFound is returned when an item does not exist.
var ErrNotFound = errors.New("queue: item not found")

// IsTerminal reports whether status can never change again.
func IsTerminal(status string) bool {
	_, ok := ValidTransitions[status]
	return !ok
}

func isValidTransition(from, to string) bool {
	for _, v := range ValidTransitions[from] {
		if v == to {
			return true
		}
	}
	return false
}

// transition moves item itemID from → to in one conditional UPDATE. Terminal
// targets release the item's active-message slot.
func transition(db *gorm.DB, itemID int64, from, to string, updates map[string]interface{}) error {
	if !isValidTransition(from, to) {
		return fmt.Errorf("queue: invalid status transition from %q to %q; valid transitions: %v", from, to, ValidTransitions[from])
	}
	if updates == nil {
		updates = map[string]interface{}{}
	}
	updates["status"] = to
	if IsTerminal(to) {
		updates["active_message_id"] = nil
	}

	result := db.Model(&models.AutoSendQueueItem{}).
		Where("id = ? AND status = ?", itemID, from).
		Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("queue: %s → %s for %d: %w", from, to, itemID, result.Error)
	}
	if result.RowsAffected != 1 {
		return fmt.Errorf("queue: %s → %s for %d: %w", from, to, itemID, ErrConflict)
	}
	return nil
}

// EnqueueOpts describes a send to schedule.
type EnqueueOpts struct {
	WorkspaceID     string
	MessageID       string
	DraftID         string
	ConnectionID    string
	ScheduledSendAt time.Time
	ConfidenceScore float64
	Source          string
	// ReplacePending re-points an existing pending item at this draft and
	// schedule instead of leaving it untouched.
	ReplacePending bool
}

// EnqueueResult reports what Enqueue did.
type EnqueueResult struct {
	Item     *models.AutoSendQueueItem
	Created  bool
	Replaced bool
}

// Enqueue schedules a send for a message. A message has at most one pending
// or processing item: if one already exists it is returned (and, with
// ReplacePending, updated while still pending) rather than duplicated.
func Enqueue(db *gorm.DB, opts EnqueueOpts) (*EnqueueResult, error) {
	if opts.MessageID == "" || opts.DraftID == "" {
		return nil, fmt.Errorf("queue: message and draft are required")
	}
	source := opts.Source
	if source == "" {
		source = SourceGate
	}

	existing, err := Active(db, opts.MessageID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return repoint(db, existing, opts, source)
	}

	messageID := opts.MessageID
	item := &models.AutoSendQueueItem{
		ID:              id.New(),
		WorkspaceID:     opts.WorkspaceID,
		MessageID:       opts.MessageID,
		DraftID:         opts.DraftID,
		ConnectionID:    opts.ConnectionID,
		ActiveMessageID: &messageID,
		Source:          source,
		ScheduledSendAt: opts.ScheduledSendAt.UTC(),
		Status:          StatusPending,
		ConfidenceScore: opts.ConfidenceScore,
	}
	// The savepoint keeps an outer transaction usable if a concurrent
	// enqueue wins the unique active_message_id slot.
	err = db.Transaction(func(tx *gorm.DB) error {
		return tx.Create(item).Error
	})
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		existing, err := Active(db, opts.MessageID)
		if err != nil {
			return nil, err
		}
		if existing == nil {
			return nil, fmt.Errorf("queue: enqueue %s: active item vanished: %w", opts.MessageID, ErrConflict)
		}
		return repoint(db, existing, opts, source)
	}
	if err != nil {
		return nil, fmt.Errorf("queue: enqueue %s: %w", opts.MessageID, err)
	}
	return &EnqueueResult{Item: item, Created: true}, nil
}

func repoint(db *gorm.DB, existing *models.AutoSendQueueItem, opts EnqueueOpts, source string) (*EnqueueResult, error) {
	if !opts.ReplacePending || existing.Status != StatusPending {
		return &EnqueueResult{Item: existing}, nil
	}
	at := opts.ScheduledSendAt.UTC()
	result := db.Model(&models.AutoSendQueueItem{}).
		Where("id = ? AND status = ?", existing.ID, StatusPending).
		Updates(map[string]interface{}{
			"draft_id":          opts.DraftID,
			"scheduled_send_at": at,
			"source":            source,
			"confidence_score":  opts.ConfidenceScore,
		})
	if result.Error != nil {
		return nil, fmt.Errorf("queue: re-point %d: %w", existing.ID, result.Error)
	}
	if result.RowsAffected != 1 {
		// Claimed by a worker in the meantime; leave the in-flight send alone.
		current, err := Get(db, existing.ID)
		if err != nil {
			return nil, err
		}
		return &EnqueueResult{Item: current}, nil
	}
	existing.DraftID = opts.DraftID
	existing.ScheduledSendAt = at
	existing.Source = source
	existing.ConfidenceScore = opts.ConfidenceScore
	return &EnqueueResult{Item: existing, Replaced: true}, nil
}

// Get loads one item by ID.
func Get(db *gorm.DB, itemID int64) (*models.AutoSendQueueItem, error) {
	var item models.AutoSendQueueItem
	err := db.Where("id = ?", itemID).First(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("queue: %d: %w", itemID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("queue: get %d: %w", itemID, err)
	}
	return &item, nil
}

// Active returns the pending or processing item for a message, or nil.
func Active(db *gorm.DB, messageID string) (*models.AutoSendQueueItem, error) {
	var items []models.AutoSendQueueItem
	if err := db.Where("active_message_id = ?", messageID).Limit(1).Find(&items).Error; err != nil {
		return nil, fmt.Errorf("queue: active item for %s: %w", messageID, err)
	}
	if len(items) == 0 {
		return nil, nil
	}
	return &items[0], nil
}

// ForMessage returns every item ever created for a message, oldest first.
func ForMessage(db *gorm.DB, messageID string) ([]models.AutoSendQueueItem, error) {
	var items []models.AutoSendQueueItem
	if err := db.Where("message_id = ?", messageID).Order("created_at ASC, id ASC").Find(&items).Error; err != nil {
		return nil, fmt.Errorf("queue: items for %s: %w", messageID, err)
	}
	return items, nil
}

// Filter narrows List. Limit defaults to 100.
type Filter struct {
	WorkspaceID string
	Status      string
	Limit       int
}

// List returns items matching f, soonest scheduled first.
func List(db *gorm.DB, f Filter) ([]models.AutoSendQueueItem, error) {
	q := db.Model(&models.AutoSendQueueItem{})
	if f.WorkspaceID != "" {
		q = q.Where("workspace_id = ?", f.WorkspaceID)
	}
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	var items []models.AutoSendQueueItem
	if err := q.Order("scheduled_send_at ASC, id ASC").Limit(limit).Find(&items).Error; err != nil {
		return nil, fmt.Errorf("queue: list: %w", err)
	}
	return items, nil
}
