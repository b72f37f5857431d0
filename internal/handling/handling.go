// Package handling records when a message is handled by the assistant,
// applies the workspace inbox-zero side effects in the provider, and
// reverses both on restore.
//
// The local state is authoritative: provider failures are recorded and
// surfaced on the Result, but never block the database transition.
package handling

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/iworkr/aiva.io-sub003/internal/audit"
	"github.com/iworkr/aiva.io-sub003/internal/connection"
	"github.com/iworkr/aiva.io-sub003/internal/logging"
	"github.com/iworkr/aiva.io-sub003/internal/models"
	"github.com/iworkr/aiva.io-sub003/internal/policy"
	"github.com/iworkr/aiva.io-sub003/internal/provider"
)

// Handle actions.
const (
	ActionAutoReplied    = "auto_replied"
	ActionReviewApproved = "review_approved"
	ActionManualReply    = "manual_reply"
	ActionDismissed      = "dismissed"
)

// ValidActions lists the actions Handle accepts.
var ValidActions = []string{ActionAutoReplied, ActionReviewApproved, ActionManualReply, ActionDismissed}

// DefaultProviderTimeout bounds each provider call.
const DefaultProviderTimeout = 30 * time.Second

// ErrNotFound is returned for an unknown message id.
var ErrNotFound = errors.New("handling: message not found")

// Overrides adjust the inbox-zero policy for one call. Nil fields keep the
// policy value.
type Overrides struct {
	MarkRead   *bool  `json:"mark_read,omitempty"`
	Archive    *bool  `json:"archive,omitempty"`
	ApplyLabel *bool  `json:"apply_label,omitempty"`
	Label      string `json:"label,omitempty"`
}

// Result describes the outcome of Handle or Restore.
type Result struct {
	MessageID string                `json:"message_id"`
	Action    string                `json:"action,omitempty"`
	NoOp      bool                  `json:"no_op"`
	Attempted bool                  `json:"provider_attempted"`
	Provider  provider.HandleResult `json:"provider"`
	// ProviderErr is set when a provider call failed. The local state
	// transition still happened.
	ProviderErr error `json:"-"`
}

// ProviderError returns the provider error message, or "".
func (r *Result) ProviderError() string {
	if r.ProviderErr == nil {
		return ""
	}
	return r.ProviderErr.Error()
}

// Machine drives the handled/unhandled transitions.
type Machine struct {
	db       *gorm.DB
	policies policy.Store
	conns    *connection.Service
	timeout  time.Duration
	log      *zap.Logger
	now      func() time.Time
}

// MachineOpts holds parameters for creating a Machine.
type MachineOpts struct {
	DB              *gorm.DB
	Policies        policy.Store
	Connections     *connection.Service
	ProviderTimeout time.Duration
	Logger          *zap.Logger
}

// New returns a Machine.
func New(opts MachineOpts) *Machine {
	timeout := opts.ProviderTimeout
	if timeout <= 0 {
		timeout = DefaultProviderTimeout
	}
	return &Machine{
		db:       opts.DB,
		policies: opts.Policies,
		conns:    opts.Connections,
		timeout:  timeout,
		log:      logging.OrNop(opts.Logger).Named("handling"),
		now:      time.Now,
	}
}

// IsValidAction reports whether action is accepted by Handle.
func IsValidAction(action string) bool {
	for _, a := range ValidActions {
		if a == action {
			return true
		}
	}
	return false
}

// Handle marks the message handled with action. When the workspace has
// inbox-zero enabled and the message carries provider ids, the provider
// side effects are applied first; whatever succeeded is recorded. A message
// that is already handled is left unchanged and reported as NoOp.
func (m *Machine) Handle(ctx context.Context, messageID, action, actor string, ov Overrides) (*Result, error) {
	if !IsValidAction(action) {
		return nil, fmt.Errorf("handling: invalid action %q", action)
	}
	msg, err := m.load(ctx, messageID)
	if err != nil {
		return nil, err
	}
	res := &Result{MessageID: msg.ID, Action: action}
	if msg.HandledByAssistant {
		res.NoOp = true
		return res, nil
	}

	iz, err := m.inboxZero(ctx, msg.WorkspaceID)
	if err != nil {
		return nil, err
	}
	if iz.Enabled && msg.HasProviderRef() {
		opts := handleOptions(iz, ov)
		if opts.Any() {
			res.Attempted = true
			res.Provider, res.ProviderErr = m.markHandled(ctx, msg, opts)
		}
	}

	now := m.now().UTC()
	if actor == "" {
		actor = audit.ActorSystem
	}
	err = m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		upd := tx.Model(&models.Message{}).
			Where("id = ? AND handled_by_assistant = ?", msg.ID, false).
			Updates(map[string]interface{}{
				"handled_by_assistant": true,
				"handled_at":           now,
				"handle_action":        action,
				"archived_in_provider": res.Provider.Archived,
			})
		if upd.Error != nil {
			return upd.Error
		}
		if upd.RowsAffected == 0 {
			res.NoOp = true
			return nil
		}
		details := map[string]interface{}{
			"provider_attempted": res.Attempted,
			"marked_read":        res.Provider.MarkedRead,
			"archived":           res.Provider.Archived,
			"labeled":            res.Provider.Labeled,
		}
		if res.ProviderErr != nil {
			details["provider_error"] = res.ProviderErr.Error()
		}
		_, err := audit.Record(tx, audit.Entry{
			WorkspaceID: msg.WorkspaceID,
			MessageID:   msg.ID,
			EventType:   audit.EventHandled,
			Actor:       actor,
			Decision:    action,
			Details:     details,
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("handling: handle %s: %w", messageID, err)
	}
	return res, nil
}

// Restore returns a handled message to unhandled. The provider inverse
// (unarchive, unlabel) runs first when the message has provider ids; its
// failure is surfaced on the Result and does not block the reset.
func (m *Machine) Restore(ctx context.Context, messageID, actor string) (*Result, error) {
	msg, err := m.load(ctx, messageID)
	if err != nil {
		return nil, err
	}
	res := &Result{MessageID: msg.ID, Action: msg.HandleAction}
	if !msg.HandledByAssistant {
		res.NoOp = true
		return res, nil
	}

	iz, err := m.inboxZero(ctx, msg.WorkspaceID)
	if err != nil {
		return nil, err
	}
	if msg.HasProviderRef() {
		opts := provider.HandleOptions{
			Archive:    msg.ArchivedInProvider,
			ApplyLabel: iz.Enabled && iz.ApplyLabel,
			Label:      iz.Label,
		}
		if opts.Any() {
			res.Attempted = true
			res.ProviderErr = m.restore(ctx, msg, opts)
		}
	}

	if actor == "" {
		actor = audit.ActorSystem
	}
	err = m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		upd := tx.Model(&models.Message{}).
			Where("id = ? AND handled_by_assistant = ?", msg.ID, true).
			Updates(map[string]interface{}{
				"handled_by_assistant": false,
				"handled_at":           nil,
				"handle_action":        "",
				"archived_in_provider": false,
			})
		if upd.Error != nil {
			return upd.Error
		}
		if upd.RowsAffected == 0 {
			res.NoOp = true
			return nil
		}
		details := map[string]interface{}{
			"previous_action":    msg.HandleAction,
			"provider_attempted": res.Attempted,
		}
		if res.ProviderErr != nil {
			details["provider_error"] = res.ProviderErr.Error()
		}
		_, err := audit.Record(tx, audit.Entry{
			WorkspaceID: msg.WorkspaceID,
			MessageID:   msg.ID,
			EventType:   audit.EventRestored,
			Actor:       actor,
			Details:     details,
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("handling: restore %s: %w", messageID, err)
	}
	return res, nil
}

func (m *Machine) load(ctx context.Context, messageID string) (*models.Message, error) {
	var msg models.Message
	err := m.db.WithContext(ctx).Where("id = ?", messageID).First(&msg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, messageID)
	}
	if err != nil {
		return nil, fmt.Errorf("handling: load %s: %w", messageID, err)
	}
	return &msg, nil
}

// inboxZero returns the workspace's inbox-zero settings. A workspace with
// no policy gets no side effects.
func (m *Machine) inboxZero(ctx context.Context, workspaceID string) (policy.InboxZero, error) {
	p, err := m.policies.Get(ctx, workspaceID)
	if policy.IsError(err) {
		m.log.Warn("no policy, skipping inbox-zero", zap.String("workspace", workspaceID), zap.Error(err))
		return policy.InboxZero{}, nil
	}
	if err != nil {
		return policy.InboxZero{}, fmt.Errorf("handling: policy for %s: %w", workspaceID, err)
	}
	return p.InboxZero, nil
}

func handleOptions(iz policy.InboxZero, ov Overrides) provider.HandleOptions {
	opts := provider.HandleOptions{
		MarkRead:   true,
		Archive:    iz.Archive,
		ApplyLabel: iz.ApplyLabel,
		Label:      iz.Label,
	}
	if ov.MarkRead != nil {
		opts.MarkRead = *ov.MarkRead
	}
	if ov.Archive != nil {
		opts.Archive = *ov.Archive
	}
	if ov.ApplyLabel != nil {
		opts.ApplyLabel = *ov.ApplyLabel
	}
	if ov.Label != "" {
		opts.Label = ov.Label
	}
	return opts
}

func (m *Machine) markHandled(ctx context.Context, msg *models.Message, opts provider.HandleOptions) (provider.HandleResult, error) {
	adapter, _, err := m.conns.Resolve(ctx, msg.ConnectionID)
	if err != nil {
		m.log.Warn("cannot resolve connection", zap.String("message", msg.ID), zap.Error(err))
		return provider.HandleResult{}, err
	}
	callCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	res, err := adapter.MarkHandled(callCtx, msg.ConnectionID, ref(msg), opts)
	if err != nil {
		m.providerFailed(ctx, msg, "mark handled", err)
	}
	return res, err
}

func (m *Machine) restore(ctx context.Context, msg *models.Message, opts provider.HandleOptions) error {
	adapter, _, err := m.conns.Resolve(ctx, msg.ConnectionID)
	if err != nil {
		m.log.Warn("cannot resolve connection", zap.String("message", msg.ID), zap.Error(err))
		return err
	}
	callCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	if err := adapter.Restore(callCtx, msg.ConnectionID, ref(msg), opts); err != nil {
		m.providerFailed(ctx, msg, "restore", err)
		return err
	}
	return nil
}

// providerFailed logs a side-effect failure and raises the reconnect signal
// for permanent ones.
func (m *Machine) providerFailed(ctx context.Context, msg *models.Message, op string, err error) {
	m.log.Warn("provider side effect failed",
		zap.String("op", op),
		zap.String("message", msg.ID),
		zap.String("connection", msg.ConnectionID),
		zap.Error(err))
	if provider.IsPermanent(err) {
		if ferr := m.conns.MarkNeedsReconnect(ctx, msg.ConnectionID, msg.ID, err); ferr != nil {
			m.log.Error("flag connection", zap.String("connection", msg.ConnectionID), zap.Error(ferr))
		}
	}
}

func ref(msg *models.Message) provider.MessageRef {
	return provider.MessageRef{ThreadID: msg.ProviderThreadID, MessageID: msg.ProviderMessageID}
}
