package autosend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/iworkr/aiva.io-sub003/internal/audit"
	"github.com/iworkr/aiva.io-sub003/internal/gate"
	"github.com/iworkr/aiva.io-sub003/internal/id"
	"github.com/iworkr/aiva.io-sub003/internal/models"
)

// Classification is the classifier's view of a message.
type Classification struct {
	Priority   string  `json:"priority"`
	Category   string  `json:"category"`
	Confidence float64 `json:"confidence"`
}

// Classifier assigns priority and category to a message.
type Classifier interface {
	Classify(ctx context.Context, msg *models.Message) (Classification, error)
}

// DraftOptions is passed to the draft generator.
type DraftOptions struct {
	WorkspaceID    string
	Classification Classification
}

// GeneratedDraft is a candidate reply.
type GeneratedDraft struct {
	Body             string
	ConfidenceScore  float64
	UncertaintyNotes string
	// SchedulingContext is stored as JSON on the draft.
	SchedulingContext map[string]interface{}
	// NoCalendarMatch flags a scheduling reply that matched no free slot.
	NoCalendarMatch bool
}

// DraftGenerator writes reply drafts.
type DraftGenerator interface {
	Generate(ctx context.Context, msg *models.Message, opts DraftOptions) (GeneratedDraft, error)
}

// ProcessMessage classifies a message, stores a generated draft and
// evaluates it. A classifier or generator failure holds the message for
// review instead of returning an error.
func (s *Service) ProcessMessage(ctx context.Context, messageID string) (*Evaluation, error) {
	if s.classifier == nil || s.drafts == nil {
		return nil, fmt.Errorf("autosend: process %s: classifier and draft generator are required", messageID)
	}
	var msg models.Message
	if err := s.db.WithContext(ctx).Where("id = ?", messageID).First(&msg).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: message %s", ErrNotFound, messageID)
		}
		return nil, fmt.Errorf("autosend: load message %s: %w", messageID, err)
	}
	if msg.HandledByAssistant {
		return &Evaluation{MessageID: msg.ID, Decision: gate.Skip, Reason: gate.ReasonAlreadyHandled}, nil
	}

	cls, err := s.classifier.Classify(ctx, &msg)
	if err != nil {
		s.log.Warn("classification failed, holding for review", zap.String("message", msg.ID), zap.Error(err))
		return s.holdMessage(ctx, &msg, gate.ReasonClassificationFailed, err)
	}
	if err := s.db.WithContext(ctx).Model(&models.Message{}).Where("id = ?", msg.ID).Updates(map[string]interface{}{
		"priority": cls.Priority,
		"category": cls.Category,
	}).Error; err != nil {
		return nil, fmt.Errorf("autosend: store classification for %s: %w", msg.ID, err)
	}
	msg.Priority, msg.Category = cls.Priority, cls.Category

	gen, err := s.drafts.Generate(ctx, &msg, DraftOptions{WorkspaceID: msg.WorkspaceID, Classification: cls})
	if err != nil {
		s.log.Warn("draft generation failed, holding for review", zap.String("message", msg.ID), zap.Error(err))
		return s.holdMessage(ctx, &msg, gate.ReasonDraftFailed, err)
	}

	draft, err := s.storeDraft(ctx, &msg, gen)
	if err != nil {
		return nil, err
	}
	return s.EvaluateDraft(ctx, msg.ID, draft.ID)
}

func (s *Service) storeDraft(ctx context.Context, msg *models.Message, gen GeneratedDraft) (*models.Draft, error) {
	draft := &models.Draft{
		ID:               id.NewString(),
		MessageID:        msg.ID,
		Body:             gen.Body,
		OriginalBody:     gen.Body,
		ConfidenceScore:  gate.Clamp(gen.ConfidenceScore),
		UncertaintyNotes: gen.UncertaintyNotes,
	}
	if len(gen.SchedulingContext) > 0 {
		data, err := json.Marshal(gen.SchedulingContext)
		if err != nil {
			return nil, fmt.Errorf("autosend: encode scheduling context for %s: %w", msg.ID, err)
		}
		draft.SchedulingContext = string(data)
	}
	if gen.NoCalendarMatch {
		draft.HoldForReview = true
		draft.ReviewReason = string(gate.ReasonNoCalendarMatch)
	}
	if err := s.db.WithContext(ctx).Create(draft).Error; err != nil {
		return nil, fmt.Errorf("autosend: store draft for %s: %w", msg.ID, err)
	}
	return draft, nil
}

// holdMessage flags a message that has no usable draft.
func (s *Service) holdMessage(ctx context.Context, msg *models.Message, reason gate.Reason, cause error) (*Evaluation, error) {
	ev := &Evaluation{
		MessageID: msg.ID,
		Decision:  gate.HoldForReview,
		Reason:    reason,
		Detail:    cause.Error(),
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := audit.Record(tx, audit.Entry{
			WorkspaceID: msg.WorkspaceID,
			MessageID:   msg.ID,
			EventType:   audit.EventGateDecision,
			Actor:       audit.ActorGate,
			Decision:    string(ev.Decision),
			Reason:      string(ev.Reason),
			Details:     map[string]interface{}{"detail": ev.Detail},
		}); err != nil {
			return err
		}
		return hold(tx, msg, &models.Draft{}, ev)
	})
	if err != nil {
		return nil, fmt.Errorf("autosend: hold %s: %w", msg.ID, err)
	}
	return ev, nil
}
