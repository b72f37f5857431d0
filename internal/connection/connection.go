// Package connection resolves channel connections to provider adapters and
// owns the "reconnect this channel" signal raised by permanent provider
// failures.
package connection

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/iworkr/aiva.io-sub003/internal/audit"
	"github.com/iworkr/aiva.io-sub003/internal/logging"
	"github.com/iworkr/aiva.io-sub003/internal/models"
	"github.com/iworkr/aiva.io-sub003/internal/provider"
)

// Connection statuses.
const (
	StatusActive         = "active"
	StatusNeedsReconnect = "needs_reconnect"
)

// ErrNotFound is returned for an unknown connection id.
var ErrNotFound = errors.New("connection: not found")

// Service looks up connections and flags them for reconnection.
type Service struct {
	db       *gorm.DB
	registry *provider.Registry
	alert    AlertConfig
	log      *zap.Logger
	now      func() time.Time
}

// NewService returns a Service. alert may be zero to disable alerts.
func NewService(db *gorm.DB, registry *provider.Registry, alert AlertConfig, logger *zap.Logger) *Service {
	return &Service{
		db:       db,
		registry: registry,
		alert:    alert,
		log:      logging.OrNop(logger).Named("connection"),
		now:      time.Now,
	}
}

// Get loads one connection.
func (s *Service) Get(ctx context.Context, connectionID string) (*models.ChannelConnection, error) {
	var c models.ChannelConnection
	err := s.db.WithContext(ctx).Where("id = ?", connectionID).First(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, connectionID)
	}
	if err != nil {
		return nil, fmt.Errorf("connection: get %s: %w", connectionID, err)
	}
	return &c, nil
}

// Resolve returns the adapter serving the connection's provider along with
// the connection row.
func (s *Service) Resolve(ctx context.Context, connectionID string) (provider.Adapter, *models.ChannelConnection, error) {
	c, err := s.Get(ctx, connectionID)
	if err != nil {
		return nil, nil, err
	}
	a, err := s.registry.Get(c.Provider)
	if err != nil {
		return nil, c, fmt.Errorf("connection: resolve %s: %w", connectionID, err)
	}
	return a, c, nil
}

// MarkNeedsReconnect flags the connection after a permanent provider error.
// The audit entry and alert fire only on the active to needs_reconnect
// transition; repeated failures just refresh LastError.
func (s *Service) MarkNeedsReconnect(ctx context.Context, connectionID, messageID string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	now := s.now().UTC()

	var flagged *models.ChannelConnection
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var c models.ChannelConnection
		if err := tx.Where("id = ?", connectionID).First(&c).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: %s", ErrNotFound, connectionID)
			}
			return err
		}
		if c.Status == StatusNeedsReconnect {
			return tx.Model(&c).Update("last_error", msg).Error
		}

		res := tx.Model(&models.ChannelConnection{}).
			Where("id = ? AND status <> ?", connectionID, StatusNeedsReconnect).
			Updates(map[string]interface{}{
				"status":     StatusNeedsReconnect,
				"last_error": msg,
				"flagged_at": now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		if _, err := audit.Record(tx, audit.Entry{
			WorkspaceID: c.WorkspaceID,
			MessageID:   messageID,
			EventType:   audit.EventReconnectRequired,
			Actor:       audit.ActorWorker,
			Reason:      "permanent_provider_error",
			Details: map[string]interface{}{
				"connection_id": c.ID,
				"provider":      c.Provider,
				"error":         msg,
			},
		}); err != nil {
			return err
		}
		c.Status = StatusNeedsReconnect
		c.LastError = msg
		c.FlaggedAt = &now
		flagged = &c
		return nil
	})
	if err != nil {
		return fmt.Errorf("connection: flag %s: %w", connectionID, err)
	}

	if flagged != nil {
		s.log.Warn("channel needs reconnect",
			zap.String("connection", flagged.ID),
			zap.String("provider", flagged.Provider),
			zap.String("workspace", flagged.WorkspaceID),
			zap.String("error", msg))
		Alert(ctx, flagged, s.alert, s.log)
	}
	return nil
}

// ListNeedingReconnect returns flagged connections, optionally limited to a
// workspace, most recently flagged first.
func (s *Service) ListNeedingReconnect(ctx context.Context, workspaceID string) ([]models.ChannelConnection, error) {
	q := s.db.WithContext(ctx).Where("status = ?", StatusNeedsReconnect)
	if workspaceID != "" {
		q = q.Where("workspace_id = ?", workspaceID)
	}
	var conns []models.ChannelConnection
	if err := q.Order("flagged_at DESC, id").Find(&conns).Error; err != nil {
		return nil, fmt.Errorf("connection: list needing reconnect: %w", err)
	}
	return conns, nil
}

// Reconnected clears the flag once an operator has restored credentials.
// It is a no-op for an active connection.
func (s *Service) Reconnected(ctx context.Context, connectionID, actor string) error {
	if actor == "" {
		actor = audit.ActorSystem
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var c models.ChannelConnection
		if err := tx.Where("id = ?", connectionID).First(&c).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: %s", ErrNotFound, connectionID)
			}
			return err
		}
		if c.Status != StatusNeedsReconnect {
			return nil
		}
		if err := tx.Model(&c).Updates(map[string]interface{}{
			"status":     StatusActive,
			"last_error": "",
			"flagged_at": nil,
		}).Error; err != nil {
			return err
		}
		_, err := audit.Record(tx, audit.Entry{
			WorkspaceID: c.WorkspaceID,
			EventType:   audit.EventReconnected,
			Actor:       actor,
			Details:     map[string]interface{}{"connection_id": c.ID, "provider": c.Provider},
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("connection: reconnected %s: %w", connectionID, err)
	}
	return nil
}
