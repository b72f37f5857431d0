// Package policy loads workspace auto-send and inbox-zero settings as an
// immutable value that is fetched once per evaluation.
package policy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/iworkr/aiva.io-sub003/internal/gate"
	"github.com/iworkr/aiva.io-sub003/internal/models"
	"github.com/iworkr/aiva.io-sub003/internal/schedule"
)

// WorkspacePolicy is a snapshot of one workspace's settings.
type WorkspacePolicy struct {
	WorkspaceID string `json:"workspace_id"`
	Timezone    string `json:"timezone"`

	AutoSendEnabled     bool     `json:"auto_send_enabled"`
	AutoSendPaused      bool     `json:"auto_send_paused"`
	ConfidenceThreshold float64  `json:"confidence_threshold"`
	DelayType           string   `json:"delay_type"`
	DelayMinMinutes     int      `json:"delay_min_minutes"`
	DelayMaxMinutes     int      `json:"delay_max_minutes"`
	SendWindowStart     string   `json:"send_window_start"`
	SendWindowEnd       string   `json:"send_window_end"`
	SkipCategories      []string `json:"skip_categories"`

	InboxZero InboxZero `json:"inbox_zero"`
}

// InboxZero controls provider-side side effects when a message is handled.
type InboxZero struct {
	Enabled    bool   `json:"enabled"`
	Archive    bool   `json:"archive"`
	ApplyLabel bool   `json:"apply_label"`
	Label      string `json:"label"`
}

// Gate returns the settings the confidence gate consults.
func (p *WorkspacePolicy) Gate() gate.Policy {
	return gate.Policy{
		Enabled:        p.AutoSendEnabled,
		Paused:         p.AutoSendPaused,
		Threshold:      p.ConfidenceThreshold,
		SkipCategories: p.SkipCategories,
	}
}

// Schedule returns the delay and window settings for the send scheduler.
func (p *WorkspacePolicy) Schedule() schedule.Policy {
	return schedule.Policy{
		DelayType:   schedule.DelayType(p.DelayType),
		DelayMin:    p.DelayMinMinutes,
		DelayMax:    p.DelayMaxMinutes,
		WindowStart: p.SendWindowStart,
		WindowEnd:   p.SendWindowEnd,
		Timezone:    p.Timezone,
	}
}

// Disabled is the fail-safe policy used when none can be resolved: auto-send
// off and no inbox-zero side effects.
func Disabled(workspaceID string) *WorkspacePolicy {
	return &WorkspacePolicy{WorkspaceID: workspaceID, Timezone: "UTC"}
}

// FromModel converts a workspace row into a policy value.
func FromModel(ws *models.Workspace) (*WorkspacePolicy, error) {
	var skip []string
	if ws.SkipCategories != "" {
		if err := json.Unmarshal([]byte(ws.SkipCategories), &skip); err != nil {
			return nil, fmt.Errorf("policy: decode skip categories for %s: %w", ws.ID, err)
		}
	}
	return &WorkspacePolicy{
		WorkspaceID:         ws.ID,
		Timezone:            ws.Timezone,
		AutoSendEnabled:     ws.AutoSendEnabled,
		AutoSendPaused:      ws.AutoSendPaused,
		ConfidenceThreshold: ws.ConfidenceThreshold,
		DelayType:           ws.DelayType,
		DelayMinMinutes:     ws.DelayMinMinutes,
		DelayMaxMinutes:     ws.DelayMaxMinutes,
		SendWindowStart:     ws.SendWindowStart,
		SendWindowEnd:       ws.SendWindowEnd,
		SkipCategories:      skip,
		InboxZero: InboxZero{
			Enabled:    ws.InboxZeroEnabled,
			Archive:    ws.InboxZeroArchive,
			ApplyLabel: ws.InboxZeroApplyLabel,
			Label:      ws.InboxZeroLabel,
		},
	}, nil
}

// Error reports that a workspace has no resolvable policy.
type Error struct {
	WorkspaceID string
	Err         error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("policy: workspace %s: %v", e.WorkspaceID, e.Err)
	}
	return fmt.Sprintf("policy: workspace %s has no policy", e.WorkspaceID)
}

func (e *Error) Unwrap() error { return e.Err }

// IsError reports whether err is (or wraps) a *Error.
func IsError(err error) bool {
	var pe *Error
	return errors.As(err, &pe)
}

// Store resolves workspace policies.
type Store interface {
	Get(ctx context.Context, workspaceID string) (*WorkspacePolicy, error)
}

// GormStore reads policies from the workspaces table.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore returns a Store backed by db.
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// Get loads the policy for workspaceID. A missing row or undecodable policy
// returns *Error.
func (s *GormStore) Get(ctx context.Context, workspaceID string) (*WorkspacePolicy, error) {
	var ws models.Workspace
	err := s.db.WithContext(ctx).Where("id = ?", workspaceID).First(&ws).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, &Error{WorkspaceID: workspaceID}
	}
	if err != nil {
		return nil, fmt.Errorf("policy: get %s: %w", workspaceID, err)
	}
	p, err := FromModel(&ws)
	if err != nil {
		return nil, &Error{WorkspaceID: workspaceID, Err: err}
	}
	return p, nil
}
