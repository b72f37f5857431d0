// Package autosend turns a generated draft into a gate decision and, for
// auto-send decisions, a scheduled queue item. The decision is audited in the
// same transaction as, and before, any queue write it causes.
package autosend

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/iworkr/aiva.io-sub003/internal/audit"
	"github.com/iworkr/aiva.io-sub003/internal/gate"
	"github.com/iworkr/aiva.io-sub003/internal/logging"
	"github.com/iworkr/aiva.io-sub003/internal/models"
	"github.com/iworkr/aiva.io-sub003/internal/policy"
	"github.com/iworkr/aiva.io-sub003/internal/queue"
	"github.com/iworkr/aiva.io-sub003/internal/schedule"
)

// ErrNotFound is returned when the message or draft does not exist, or the
// draft belongs to another message.
var ErrNotFound = errors.New("autosend: not found")

// cancelReasonHeld is stored on pending items superseded by a review hold.
const cancelReasonHeld = "superseded by review hold"

// Evaluation is the outcome of EvaluateDraft.
type Evaluation struct {
	MessageID       string        `json:"message_id"`
	DraftID         string        `json:"draft_id,omitempty"`
	Decision        gate.Decision `json:"decision"`
	Reason          gate.Reason   `json:"reason"`
	Detail          string        `json:"detail,omitempty"`
	Gap             float64       `json:"gap,omitempty"`
	ScheduledSendAt *time.Time    `json:"scheduled_send_at,omitempty"`
	QueueItemID     *int64        `json:"queue_item_id,omitempty"`
	Created         bool          `json:"created"`
	Replaced        bool          `json:"replaced"`
	Cancelled       int           `json:"cancelled"`
}

// Service evaluates drafts against workspace policy.
type Service struct {
	db         *gorm.DB
	policies   policy.Store
	classifier Classifier
	drafts     DraftGenerator
	log        *zap.Logger
	now        func() time.Time

	rngMu sync.Mutex
	rng   *rand.Rand
}

// ServiceOpts holds parameters for creating a Service.
type ServiceOpts struct {
	DB       *gorm.DB
	Policies policy.Store
	// Classifier and Drafts are only needed by ProcessMessage.
	Classifier Classifier
	Drafts     DraftGenerator
	// Seed fixes the random delay sequence; zero seeds from the clock.
	Seed   int64
	Logger *zap.Logger
}

// NewService returns a Service.
func NewService(opts ServiceOpts) *Service {
	seed := opts.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Service{
		db:         opts.DB,
		policies:   opts.Policies,
		classifier: opts.Classifier,
		drafts:     opts.Drafts,
		log:        logging.OrNop(opts.Logger).Named("autosend"),
		now:        time.Now,
		rng:        rand.New(rand.NewSource(seed)),
	}
}

// EvaluateDraft runs the confidence gate for a draft and applies the
// decision:
//   - auto_send schedules (or re-points) the message's single active queue
//     item;
//   - hold_for_review flags the draft and message and cancels any pending
//     send for the message;
//   - skip records the decision only.
//
// Gate and scheduling problems never surface as errors; they degrade to
// skip or hold_for_review. Errors are returned only for missing rows and
// storage failures.
func (s *Service) EvaluateDraft(ctx context.Context, messageID, draftID string) (*Evaluation, error) {
	msg, draft, err := s.load(ctx, messageID, draftID)
	if err != nil {
		return nil, err
	}
	ev := &Evaluation{MessageID: msg.ID, DraftID: draft.ID}
	if msg.HandledByAssistant {
		ev.Decision, ev.Reason = gate.Skip, gate.ReasonAlreadyHandled
		return ev, s.recordDecision(ctx, msg, draft, ev, nil)
	}

	pol, err := s.policies.Get(ctx, msg.WorkspaceID)
	if err != nil {
		if !policy.IsError(err) {
			s.log.Error("policy lookup failed", zap.String("workspace", msg.WorkspaceID), zap.Error(err))
		}
		ev.Decision, ev.Reason, ev.Detail = gate.Skip, gate.ReasonNoPolicy, err.Error()
		return ev, s.recordDecision(ctx, msg, draft, ev, nil)
	}

	res := gate.Evaluate(gate.Input{
		Confidence: draft.ConfidenceScore,
		Priority:   msg.Priority,
		Category:   msg.Category,
		Flagged:    draft.HoldForReview || msg.RequiresHumanReview,
	}, pol.Gate())
	ev.Decision, ev.Reason, ev.Detail, ev.Gap = res.Decision, res.Reason, res.Detail, res.Gap

	// An existing review flag outranks a passing score.
	if ev.Decision == gate.AutoSend && (draft.HoldForReview || msg.RequiresHumanReview) {
		ev.Decision, ev.Reason, ev.Detail = gate.HoldForReview, existingReason(msg, draft), "already flagged for review"
	}

	if ev.Decision == gate.AutoSend {
		at, err := s.schedule(pol)
		if err != nil {
			s.log.Warn("scheduling failed, holding for review",
				zap.String("message", msg.ID), zap.String("workspace", msg.WorkspaceID), zap.Error(err))
			ev.Decision, ev.Reason, ev.Detail = gate.HoldForReview, gate.ReasonSchedulingFailed, err.Error()
		} else {
			ev.ScheduledSendAt = &at
		}
	}

	s.log.Info("gate decision",
		zap.String("message", msg.ID),
		zap.String("draft", draft.ID),
		zap.String("decision", string(ev.Decision)),
		zap.String("reason", string(ev.Reason)))
	return ev, s.recordDecision(ctx, msg, draft, ev, pol)
}

func (s *Service) schedule(pol *policy.WorkspacePolicy) (time.Time, error) {
	s.rngMu.Lock()
	defer s.rngMu.Unlock()
	return schedule.Next(s.now(), pol.Schedule(), s.rng)
}

// recordDecision writes the audit entry and the decision's effects in one
// transaction.
func (s *Service) recordDecision(ctx context.Context, msg *models.Message, draft *models.Draft, ev *Evaluation, pol *policy.WorkspacePolicy) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		details := map[string]interface{}{
			"confidence": gate.Clamp(draft.ConfidenceScore),
		}
		if draft.ID != "" {
			details["draft_id"] = draft.ID
		}
		if pol != nil {
			details["threshold"] = pol.ConfidenceThreshold
		}
		if ev.Detail != "" {
			details["detail"] = ev.Detail
		}
		if ev.Reason == gate.ReasonLowConfidence {
			details["gap"] = ev.Gap
		}
		if ev.ScheduledSendAt != nil {
			details["scheduled_send_at"] = ev.ScheduledSendAt.Format(time.RFC3339)
		}
		if _, err := audit.Record(tx, audit.Entry{
			WorkspaceID: msg.WorkspaceID,
			MessageID:   msg.ID,
			EventType:   audit.EventGateDecision,
			Actor:       audit.ActorGate,
			Decision:    string(ev.Decision),
			Reason:      string(ev.Reason),
			Details:     details,
		}); err != nil {
			return err
		}

		switch ev.Decision {
		case gate.AutoSend:
			return s.enqueue(tx, msg, draft, ev)
		case gate.HoldForReview:
			return hold(tx, msg, draft, ev)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("autosend: record decision for %s: %w", msg.ID, err)
	}
	return nil
}

func (s *Service) enqueue(tx *gorm.DB, msg *models.Message, draft *models.Draft, ev *Evaluation) error {
	res, err := queue.Enqueue(tx, queue.EnqueueOpts{
		WorkspaceID:     msg.WorkspaceID,
		MessageID:       msg.ID,
		DraftID:         draft.ID,
		ConnectionID:    msg.ConnectionID,
		ScheduledSendAt: *ev.ScheduledSendAt,
		ConfidenceScore: gate.Clamp(draft.ConfidenceScore),
		Source:          queue.SourceGate,
		ReplacePending:  true,
	})
	if err != nil {
		return err
	}
	itemID := res.Item.ID
	ev.QueueItemID = &itemID
	ev.Created, ev.Replaced = res.Created, res.Replaced
	if !res.Created && !res.Replaced {
		// A send for this message is already in flight.
		at := res.Item.ScheduledSendAt
		ev.ScheduledSendAt = &at
		return nil
	}
	_, err = audit.Record(tx, audit.Entry{
		WorkspaceID: msg.WorkspaceID,
		MessageID:   msg.ID,
		QueueItemID: &itemID,
		EventType:   audit.EventQueued,
		Actor:       audit.ActorGate,
		Details: map[string]interface{}{
			"draft_id":          draft.ID,
			"scheduled_send_at": res.Item.ScheduledSendAt.Format(time.RFC3339),
			"replaced":          res.Replaced,
		},
	})
	return err
}

// hold flags the draft and message for review and cancels pending sends.
// A new hold reopens a message that was reviewed before.
func hold(tx *gorm.DB, msg *models.Message, draft *models.Draft, ev *Evaluation) error {
	reason := string(ev.Reason)
	if draft.ID != "" {
		if err := tx.Model(&models.Draft{}).Where("id = ?", draft.ID).Updates(map[string]interface{}{
			"hold_for_review": true,
			"review_reason":   reason,
		}).Error; err != nil {
			return err
		}
	}
	if err := tx.Model(&models.Message{}).Where("id = ?", msg.ID).Updates(map[string]interface{}{
		"requires_human_review": true,
		"review_reason":         reason,
		"reviewed_at":           nil,
		"reviewed_by":           "",
		"review_action":         "",
	}).Error; err != nil {
		return err
	}

	cancelled, err := queue.CancelPending(tx, msg.ID, cancelReasonHeld)
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
			Actor:       audit.ActorGate,
			Reason:      cancelReasonHeld,
		}); err != nil {
			return err
		}
	}
	ev.Cancelled = len(cancelled)
	return nil
}

func (s *Service) load(ctx context.Context, messageID, draftID string) (*models.Message, *models.Draft, error) {
	var msg models.Message
	err := s.db.WithContext(ctx).Where("id = ?", messageID).First(&msg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil, fmt.Errorf("%w: message %s", ErrNotFound, messageID)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("autosend: load message %s: %w", messageID, err)
	}
	var draft models.Draft
	err = s.db.WithContext(ctx).Where("id = ? AND message_id = ?", draftID, messageID).First(&draft).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil, fmt.Errorf("%w: draft %s for message %s", ErrNotFound, draftID, messageID)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("autosend: load draft %s: %w", draftID, err)
	}
	return &msg, &draft, nil
}

func existingReason(msg *models.Message, draft *models.Draft) gate.Reason {
	switch {
	case draft.HoldForReview && draft.ReviewReason != "":
		return gate.Reason(draft.ReviewReason)
	case msg.RequiresHumanReview && msg.ReviewReason != "":
		return gate.Reason(msg.ReviewReason)
	}
	return gate.ReasonManualFlag
}
