package api

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/iworkr/aiva.io-sub003/internal/models"
)

const (
	ssePollInterval      = 3 * time.Second
	sseHeartbeatInterval = 15 * time.Second
	sseBatchLimit        = 100
)

// auditEvent is the payload of an "audit" SSE event.
type auditEvent struct {
	ID          int64     `json:"id,string"`
	WorkspaceID string    `json:"workspace_id"`
	MessageID   string    `json:"message_id,omitempty"`
	EventType   string    `json:"event_type"`
	Actor       string    `json:"actor"`
	Decision    string    `json:"decision,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// handleSSE streams audit entries written after the client connected. The
// optional workspace query parameter narrows the stream.
func handleSSE(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Content-Type", "text/event-stream")
		c.Header("Cache-Control", "no-cache")
		c.Header("Connection", "keep-alive")
		c.Header("X-Accel-Buffering", "no")

		writeSSE(c.Writer, "connected", map[string]string{"type": "connected"})
		c.Writer.Flush()

		if db == nil {
			return
		}
		workspaceID := c.Query("workspace")
		scope := func() *gorm.DB {
			q := db.WithContext(c.Request.Context()).Model(&models.AuditLogEntry{})
			if workspaceID != "" {
				q = q.Where("workspace_id = ?", workspaceID)
			}
			return q
		}

		// Only entries newer than the current max are streamed.
		var lastSeenID int64
		var latest models.AuditLogEntry
		if err := scope().Order("id DESC").Limit(1).First(&latest).Error; err == nil {
			lastSeenID = latest.ID
		}

		ctx := c.Request.Context()
		ticker := time.NewTicker(ssePollInterval)
		heartbeat := time.NewTicker(sseHeartbeatInterval)
		defer ticker.Stop()
		defer heartbeat.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-heartbeat.C:
				writeSSE(c.Writer, "heartbeat", map[string]string{
					"timestamp": time.Now().UTC().Format(time.RFC3339),
				})
				c.Writer.Flush()
			case <-ticker.C:
				var entries []models.AuditLogEntry
				if err := scope().Where("id > ?", lastSeenID).
					Order("id ASC").
					Limit(sseBatchLimit).
					Find(&entries).Error; err != nil || len(entries) == 0 {
					continue
				}
				lastSeenID = entries[len(entries)-1].ID
				for _, e := range entries {
					writeSSE(c.Writer, "audit", auditEvent{
						ID:          e.ID,
						WorkspaceID: e.WorkspaceID,
						MessageID:   e.MessageID,
						EventType:   e.EventType,
						Actor:       e.Actor,
						Decision:    e.Decision,
						Reason:      e.Reason,
						CreatedAt:   e.CreatedAt,
					})
				}
				c.Writer.Flush()
			}
		}
	}
}

// writeSSE writes a single SSE event to the writer.
func writeSSE(w io.Writer, event string, data any) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, string(jsonData))
}
