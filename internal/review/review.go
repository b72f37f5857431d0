// Package review lists drafts that need a human and applies reviewer
// decisions. Every action runs in one transaction and fails with a
// ConsistencyError, changing nothing, when the message was already resolved.
package review

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/iworkr/aiva.io-sub003/internal/audit"
	"github.com/iworkr/aiva.io-sub003/internal/gate"
	"github.com/iworkr/aiva.io-sub003/internal/logging"
	"github.com/iworkr/aiva.io-sub003/internal/models"
	"github.com/iworkr/aiva.io-sub003/internal/queue"
)

// Review actions stored on the message.
const (
	ActionApproved = "approved"
	ActionEdited   = "edited"
	ActionRejected = "rejected"
)

// DefaultLimit caps List when no limit is given.
const DefaultLimit = 50

const cancelReasonRejected = "rejected in review"

// ErrNotFound is returned when the message or draft does not exist.
var ErrNotFound = errors.New("review: not found")

// ConsistencyError reports an action on a message that is no longer
// awaiting review.
type ConsistencyError struct {
	MessageID string
	State     string
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("review: message %s is %s", e.MessageID, e.State)
}

// IsConsistencyError reports whether err is (or wraps) a *ConsistencyError.
func IsConsistencyError(err error) bool {
	var ce *ConsistencyError
	return errors.As(err, &ce)
}

// Item is one entry in the review listing.
type Item struct {
	MessageID       string    `json:"message_id"`
	WorkspaceID     string    `json:"workspace_id"`
	Sender          string    `json:"sender"`
	Subject         string    `json:"subject"`
	Priority        string    `json:"priority"`
	Category        string    `json:"category"`
	ReceivedAt      time.Time `json:"received_at"`
	DraftID         string    `json:"draft_id,omitempty"`
	DraftBody       string    `json:"draft_body,omitempty"`
	ConfidenceScore float64   `json:"confidence_score"`
	ReasonCode      string    `json:"reason_code"`
	Reason          string    `json:"reason"`
}

// Outcome reports what a review action did.
type Outcome struct {
	MessageID       string     `json:"message_id"`
	DraftID         string     `json:"draft_id,omitempty"`
	Action          string     `json:"action"`
	QueueItemID     *int64     `json:"queue_item_id,omitempty"`
	ScheduledSendAt *time.Time `json:"scheduled_send_at,omitempty"`
	Cancelled       int        `json:"cancelled"`
}

// Service implements the review queue.
type Service struct {
	db  *gorm.DB
	log *zap.Logger
	now func() time.Time
}

// NewService returns a Service.
func NewService(db *gorm.DB, logger *zap.Logger) *Service {
	return &Service{db: db, log: logging.OrNop(logger).Named("review"), now: time.Now}
}

// List returns messages awaiting review in a workspace, newest received
// first. Flagged messages and held drafts are merged so each message appears
// once, with its most recent draft.
func (s *Service) List(ctx context.Context, workspaceID string, limit int) ([]Item, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	db := s.db.WithContext(ctx)

	var flagged []models.Message
	if err := db.Where("workspace_id = ? AND requires_human_review = ? AND handled_by_assistant = ?", workspaceID, true, false).
		Order("received_at DESC, id DESC").
		Limit(limit).
		Find(&flagged).Error; err != nil {
		return nil, fmt.Errorf("review: list flagged messages: %w", err)
	}

	var held []models.Draft
	if err := db.Model(&models.Draft{}).
		Select("drafts.*").
		Joins("JOIN messages ON messages.id = drafts.message_id").
		Where("drafts.hold_for_review = ? AND messages.workspace_id = ? AND messages.handled_by_assistant = ?", true, workspaceID, false).
		Order("drafts.created_at DESC, drafts.id DESC").
		Find(&held).Error; err != nil {
		return nil, fmt.Errorf("review: list held drafts: %w", err)
	}

	messages := make(map[string]*models.Message, len(flagged))
	for i := range flagged {
		messages[flagged[i].ID] = &flagged[i]
	}
	var missing []string
	for _, d := range held {
		if _, ok := messages[d.MessageID]; !ok && !contains(missing, d.MessageID) {
			missing = append(missing, d.MessageID)
		}
	}
	if len(missing) > 0 {
		var extra []models.Message
		if err := db.Where("id IN ?", missing).Find(&extra).Error; err != nil {
			return nil, fmt.Errorf("review: load held draft messages: %w", err)
		}
		for i := range extra {
			messages[extra[i].ID] = &extra[i]
		}
	}
	if len(messages) == 0 {
		return []Item{}, nil
	}

	ids := make([]string, 0, len(messages))
	for id := range messages {
		ids = append(ids, id)
	}
	var drafts []models.Draft
	if err := db.Where("message_id IN ?", ids).Order("created_at DESC, id DESC").Find(&drafts).Error; err != nil {
		return nil, fmt.Errorf("review: load drafts: %w", err)
	}
	latest := make(map[string]*models.Draft, len(ids))
	for i := range drafts {
		if _, ok := latest[drafts[i].MessageID]; !ok {
			latest[drafts[i].MessageID] = &drafts[i]
		}
	}

	items := make([]Item, 0, len(messages))
	for _, msg := range messages {
		items = append(items, newItem(msg, latest[msg.ID]))
	}
	sort.Slice(items, func(i, j int) bool {
		if !items[i].ReceivedAt.Equal(items[j].ReceivedAt) {
			return items[i].ReceivedAt.After(items[j].ReceivedAt)
		}
		return items[i].MessageID > items[j].MessageID
	})
	if len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func newItem(msg *models.Message, d *models.Draft) Item {
	it := Item{
		MessageID:   msg.ID,
		WorkspaceID: msg.WorkspaceID,
		Sender:      msg.Sender,
		Subject:     msg.Subject,
		Priority:    msg.Priority,
		Category:    msg.Category,
		ReceivedAt:  msg.ReceivedAt,
		ReasonCode:  msg.ReviewReason,
	}
	if d != nil {
		it.DraftID = d.ID
		it.DraftBody = d.Body
		it.ConfidenceScore = d.ConfidenceScore
		if d.HoldForReview && d.ReviewReason != "" {
			it.ReasonCode = d.ReviewReason
		}
	}
	if it.ReasonCode == "" {
		it.ReasonCode = string(gate.ReasonManualFlag)
	}
	it.Reason = gate.Describe(gate.Reason(it.ReasonCode))
	return it
}

// ApproveRequest selects the draft to send. An empty DraftID picks the most
// recent draft for the message.
type ApproveRequest struct {
	MessageID string
	DraftID   string
	Reviewer  string
}

// EditRequest replaces the draft body before approving.
type EditRequest struct {
	MessageID string
	DraftID   string
	Reviewer  string
	Body      string
}

// RejectRequest dismisses a message without sending.
type RejectRequest struct {
	MessageID string
	Reviewer  string
	Note      string
}

// Approve clears review flags and schedules the draft for immediate send. An
// existing pending item is re-pointed at the draft and pulled forward.
func (s *Service) Approve(ctx context.Context, req ApproveRequest) (*Outcome, error) {
	return s.approve(ctx, req, "")
}

// EditAndSend overwrites the draft body, keeping the generated original, and
// then approves it.
func (s *Service) EditAndSend(ctx context.Context, req EditRequest) (*Outcome, error) {
	body := strings.TrimSpace(req.Body)
	if body == "" {
		return nil, fmt.Errorf("review: edit %s: body is required", req.MessageID)
	}
	return s.approve(ctx, ApproveRequest{MessageID: req.MessageID, DraftID: req.DraftID, Reviewer: req.Reviewer}, req.Body)
}

func (s *Service) approve(ctx context.Context, req ApproveRequest, editedBody string) (*Outcome, error) {
	if req.Reviewer == "" {
		return nil, fmt.Errorf("review: approve %s: reviewer is required", req.MessageID)
	}
	action, event := ActionApproved, audit.EventReviewApproved
	if editedBody != "" {
		action, event = ActionEdited, audit.EventReviewEdited
	}
	out := &Outcome{MessageID: req.MessageID, Action: action}
	now := s.now().UTC()

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		msg, err := loadOpen(tx, req.MessageID)
		if err != nil {
			return err
		}
		draft, err := pickDraft(tx, msg.ID, req.DraftID)
		if err != nil {
			return err
		}
		out.DraftID = draft.ID

		if editedBody != "" {
			original := draft.OriginalBody
			if original == "" {
				original = draft.Body
			}
			if err := tx.Model(&models.Draft{}).Where("id = ?", draft.ID).Updates(map[string]interface{}{
				"body":          editedBody,
				"original_body": original,
				"edited_at":     now,
				"edited_by":     req.Reviewer,
			}).Error; err != nil {
				return fmt.Errorf("review: edit draft %s: %w", draft.ID, err)
			}
		}
		if err := resolve(tx, msg, req.Reviewer, action, now); err != nil {
			return err
		}

		res, err := queue.Enqueue(tx, queue.EnqueueOpts{
			WorkspaceID:     msg.WorkspaceID,
			MessageID:       msg.ID,
			DraftID:         draft.ID,
			ConnectionID:    msg.ConnectionID,
			ScheduledSendAt: now,
			ConfidenceScore: draft.ConfidenceScore,
			Source:          queue.SourceReview,
			ReplacePending:  true,
		})
		if err != nil {
			return err
		}
		if !res.Created && !res.Replaced {
			return &ConsistencyError{MessageID: msg.ID, State: "already being sent"}
		}
		itemID := res.Item.ID
		at := res.Item.ScheduledSendAt
		out.QueueItemID, out.ScheduledSendAt = &itemID, &at

		_, err = audit.Record(tx, audit.Entry{
			WorkspaceID: msg.WorkspaceID,
			MessageID:   msg.ID,
			QueueItemID: &itemID,
			EventType:   event,
			Actor:       req.Reviewer,
			Decision:    action,
			Reason:      msg.ReviewReason,
			Details: map[string]interface{}{
				"draft_id":          draft.ID,
				"scheduled_send_at": at.Format(time.RFC3339),
				"replaced":          res.Replaced,
			},
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("review approved",
		zap.String("message", out.MessageID),
		zap.String("draft", out.DraftID),
		zap.String("action", action),
		zap.String("reviewer", req.Reviewer))
	return out, nil
}

// Reject marks the message reviewed without sending and cancels pending
// sends. The message stays unhandled.
func (s *Service) Reject(ctx context.Context, req RejectRequest) (*Outcome, error) {
	if req.Reviewer == "" {
		return nil, fmt.Errorf("review: reject %s: reviewer is required", req.MessageID)
	}
	out := &Outcome{MessageID: req.MessageID, Action: ActionRejected}
	now := s.now().UTC()

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		msg, err := loadOpen(tx, req.MessageID)
		if err != nil {
			return err
		}
		if err := resolve(tx, msg, req.Reviewer, ActionRejected, now); err != nil {
			return err
		}
		cancelled, err := queue.CancelPending(tx, msg.ID, cancelReasonRejected)
		if err != nil {
			return err
		}
		for i := range cancelled {
			itemID := cancelled[i].ID
			if _, err := audit.Record(tx, audit.Entry{
				WorkspaceID: msg.WorkspaceID,
				MessageID:   msg.ID,
				QueueItemID: &itemID,
				EventType:   audit.EventCancelled,
				Actor:       req.Reviewer,
				Reason:      cancelReasonRejected,
			}); err != nil {
				return err
			}
		}
		out.Cancelled = len(cancelled)

		details := map[string]interface{}{"cancelled": len(cancelled)}
		if req.Note != "" {
			details["note"] = req.Note
		}
		_, err = audit.Record(tx, audit.Entry{
			WorkspaceID: msg.WorkspaceID,
			MessageID:   msg.ID,
			EventType:   audit.EventReviewRejected,
			Actor:       req.Reviewer,
			Decision:    ActionRejected,
			Reason:      msg.ReviewReason,
			Details:     details,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("review rejected",
		zap.String("message", out.MessageID),
		zap.Int("cancelled", out.Cancelled),
		zap.String("reviewer", req.Reviewer))
	return out, nil
}

// loadOpen loads a message that is still awaiting review.
func loadOpen(tx *gorm.DB, messageID string) (*models.Message, error) {
	var msg models.Message
	err := tx.Where("id = ?", messageID).First(&msg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: message %s", ErrNotFound, messageID)
	}
	if err != nil {
		return nil, fmt.Errorf("review: load message %s: %w", messageID, err)
	}

	if msg.HandledByAssistant {
		return nil, &ConsistencyError{MessageID: msg.ID, State: "already handled"}
	}
	var sent int64
	if err := tx.Model(&models.AutoSendQueueItem{}).
		Where("message_id = ? AND status = ?", msg.ID, queue.StatusSent).
		Count(&sent).Error; err != nil {
		return nil, fmt.Errorf("review: check sends for %s: %w", msg.ID, err)
	}
	if sent > 0 {
		return nil, &ConsistencyError{MessageID: msg.ID, State: "already sent"}
	}
	if msg.ReviewedAt != nil {
		return nil, &ConsistencyError{MessageID: msg.ID, State: "already reviewed"}
	}
	if !msg.RequiresHumanReview {
		var held int64
		if err := tx.Model(&models.Draft{}).
			Where("message_id = ? AND hold_for_review = ?", msg.ID, true).
			Count(&held).Error; err != nil {
			return nil, fmt.Errorf("review: check held drafts for %s: %w", msg.ID, err)
		}
		if held == 0 {
			return nil, &ConsistencyError{MessageID: msg.ID, State: "not awaiting review"}
		}
	}
	return &msg, nil
}

func pickDraft(tx *gorm.DB, messageID, draftID string) (*models.Draft, error) {
	q := tx.Where("message_id = ?", messageID)
	if draftID != "" {
		q = q.Where("id = ?", draftID)
	}
	var d models.Draft
	err := q.Order("created_at DESC, id DESC").First(&d).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		if draftID != "" {
			return nil, fmt.Errorf("%w: draft %s for message %s", ErrNotFound, draftID, messageID)
		}
		return nil, fmt.Errorf("%w: no draft for message %s", ErrNotFound, messageID)
	}
	if err != nil {
		return nil, fmt.Errorf("review: load draft for %s: %w", messageID, err)
	}
	return &d, nil
}

// resolve clears review flags on the message and its drafts. The message
// update is conditional so two reviewers cannot both resolve it.
func resolve(tx *gorm.DB, msg *models.Message, reviewer, action string, now time.Time) error {
	result := tx.Model(&models.Message{}).
		Where("id = ? AND reviewed_at IS NULL AND handled_by_assistant = ?", msg.ID, false).
		Updates(map[string]interface{}{
			"requires_human_review": false,
			"reviewed_at":           now,
			"reviewed_by":           reviewer,
			"review_action":         action,
		})
	if result.Error != nil {
		return fmt.Errorf("review: resolve %s: %w", msg.ID, result.Error)
	}
	if result.RowsAffected != 1 {
		return &ConsistencyError{MessageID: msg.ID, State: "already reviewed"}
	}
	if err := tx.Model(&models.Draft{}).
		Where("message_id = ? AND hold_for_review = ?", msg.ID, true).
		Update("hold_for_review", false).Error; err != nil {
		return fmt.Errorf("review: clear held drafts for %s: %w", msg.ID, err)
	}
	return nil
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
