package queue

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/iworkr/aiva.io-sub003/internal/models"
)

// ListDue returns pending items whose send time has passed and that are
// still below the attempt bound, oldest schedule first.
func ListDue(db *gorm.DB, now time.Time, maxAttempts, limit int) ([]models.AutoSendQueueItem, error) {
	var items []models.AutoSendQueueItem
	err := db.Where("status = ? AND scheduled_send_at <= ? AND attempts < ?", StatusPending, now.UTC(), maxAttempts).
		Order("scheduled_send_at ASC, id ASC").
		Limit(limit).
		Find(&items).Error
	if err != nil {
		return nil, fmt.Errorf("queue: list due: %w", err)
	}
	return items, nil
}

// Claim moves a pending item to processing. It returns ErrConflict if the
// item is no longer pending, in which case the caller must skip it.
func Claim(db *gorm.DB, itemID int64, now time.Time) (*models.AutoSendQueueItem, error) {
	if err := transition(db, itemID, StatusPending, StatusProcessing, map[string]interface{}{
		"claimed_at": now.UTC(),
	}); err != nil {
		return nil, err
	}
	return Get(db, itemID)
}

// MarkSent records a successful send of a processing item.
func MarkSent(db *gorm.DB, item *models.AutoSendQueueItem, sentMessageID string, now time.Time) error {
	now = now.UTC()
	if err := transition(db, item.ID, StatusProcessing, StatusSent, map[string]interface{}{
		"attempts":        item.Attempts + 1,
		"last_attempt_at": now,
		"sent_at":         now,
		"sent_message_id": sentMessageID,
		"error_message":   "",
	}); err != nil {
		return err
	}
	item.Status = StatusSent
	item.Attempts++
	item.LastAttemptAt = &now
	item.SentAt = &now
	item.SentMessageID = sentMessageID
	item.ErrorMessage = ""
	item.ActiveMessageID = nil
	return nil
}

// Failure describes a failed send attempt.
type Failure struct {
	Message     string
	MaxAttempts int
	// Permanent fails the item regardless of remaining attempts.
	Permanent bool
	// RetryAt reschedules a retry; zero keeps the original send time so the
	// next cycle retries immediately.
	RetryAt time.Time
}

// RecordFailure records a failed attempt on a processing item and returns
// the resulting status: pending for a retry, failed at the attempt bound or
// for a permanent error.
func RecordFailure(db *gorm.DB, item *models.AutoSendQueueItem, f Failure, now time.Time) (string, error) {
	now = now.UTC()
	attempts := item.Attempts + 1
	updates := map[string]interface{}{
		"attempts":        attempts,
		"last_attempt_at": now,
		"error_message":   f.Message,
	}

	next := StatusPending
	if f.Permanent || attempts >= f.MaxAttempts {
		next = StatusFailed
	} else {
		updates["claimed_at"] = nil
		if !f.RetryAt.IsZero() {
			updates["scheduled_send_at"] = f.RetryAt.UTC()
		}
	}

	if err := transition(db, item.ID, StatusProcessing, next, updates); err != nil {
		return "", err
	}
	item.Status = next
	item.Attempts = attempts
	item.LastAttemptAt = &now
	item.ErrorMessage = f.Message
	if next == StatusFailed {
		item.ActiveMessageID = nil
	} else {
		item.ClaimedAt = nil
		if !f.RetryAt.IsZero() {
			item.ScheduledSendAt = f.RetryAt.UTC()
		}
	}
	return next, nil
}

// Cancel cancels a single item that is currently in status from (pending or
// processing). The worker uses it to abandon a claimed send whose message was
// handled elsewhere.
func Cancel(db *gorm.DB, itemID int64, from, reason string) error {
	return transition(db, itemID, from, StatusCancelled, map[string]interface{}{
		"error_message": reason,
	})
}

// CancelPending cancels every pending item for a message and returns the
// items it actually cancelled. Items claimed concurrently are left to finish.
func CancelPending(db *gorm.DB, messageID, reason string) ([]models.AutoSendQueueItem, error) {
	var pending []models.AutoSendQueueItem
	if err := db.Where("message_id = ? AND status = ?", messageID, StatusPending).Find(&pending).Error; err != nil {
		return nil, fmt.Errorf("queue: pending items for %s: %w", messageID, err)
	}

	var cancelled []models.AutoSendQueueItem
	for _, item := range pending {
		err := Cancel(db, item.ID, StatusPending, reason)
		if errors.Is(err, ErrConflict) {
			continue
		}
		if err != nil {
			return cancelled, err
		}
		item.Status = StatusCancelled
		item.ActiveMessageID = nil
		item.ErrorMessage = reason
		cancelled = append(cancelled, item)
	}
	return cancelled, nil
}

// ReapStale fails items stuck in processing since before cutoff, such as
// those claimed by a worker that crashed mid-send. They are never re-sent
// because the provider may already have delivered them.
func ReapStale(db *gorm.DB, cutoff time.Time, now time.Time) ([]models.AutoSendQueueItem, error) {
	var stale []models.AutoSendQueueItem
	if err := db.Where("status = ? AND claimed_at < ?", StatusProcessing, cutoff.UTC()).Find(&stale).Error; err != nil {
		return nil, fmt.Errorf("queue: find stale claims: %w", err)
	}

	var reaped []models.AutoSendQueueItem
	for _, item := range stale {
		msg := fmt.Sprintf("claim expired at %s without a recorded outcome", now.UTC().Format(time.RFC3339))
		err := transition(db, item.ID, StatusProcessing, StatusFailed, map[string]interface{}{
			"error_message":   msg,
			"last_attempt_at": now.UTC(),
		})
		if errors.Is(err, ErrConflict) {
			continue
		}
		if err != nil {
			return reaped, err
		}
		item.Status = StatusFailed
		item.ErrorMessage = msg
		item.ActiveMessageID = nil
		reaped = append(reaped, item)
	}
	return reaped, nil
}

// Backoff returns the retry delay after the given number of failed attempts:
// base doubled per prior failure, capped at max. A zero base disables
// backoff.
func Backoff(base, max time.Duration, attempts int) time.Duration {
	if base <= 0 || attempts < 1 {
		return 0
	}
	d := base
	for i := 1; i < attempts; i++ {
		d *= 2
		if max > 0 && d >= max {
			return max
		}
	}
	if max > 0 && d > max {
		return max
	}
	return d
}
