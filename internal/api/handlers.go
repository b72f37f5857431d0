package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/iworkr/aiva.io-sub003/internal/audit"
	"github.com/iworkr/aiva.io-sub003/internal/autosend"
	"github.com/iworkr/aiva.io-sub003/internal/connection"
	"github.com/iworkr/aiva.io-sub003/internal/handling"
	"github.com/iworkr/aiva.io-sub003/internal/queue"
	"github.com/iworkr/aiva.io-sub003/internal/review"
)

// defaultSummaryWindow is used when /audit/summary has no since parameter.
const defaultSummaryWindow = 24 * time.Hour

type handlers struct {
	svc Services
	log *zap.Logger
}

func (h *handlers) health(c *gin.Context) {
	sqlDB, err := h.svc.DB.DB()
	if err == nil {
		err = sqlDB.PingContext(c.Request.Context())
	}
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type evaluateRequest struct {
	DraftID string `json:"draft_id" binding:"required"`
}

func (h *handlers) evaluate(c *gin.Context) {
	var req evaluateRequest
	if !h.bind(c, &req) {
		return
	}
	ev, err := h.svc.AutoSend.EvaluateDraft(c.Request.Context(), c.Param("id"), req.DraftID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, ev)
}

func (h *handlers) process(c *gin.Context) {
	ev, err := h.svc.AutoSend.ProcessMessage(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, ev)
}

type handleRequest struct {
	Action    string             `json:"action" binding:"required"`
	Actor     string             `json:"actor"`
	Overrides handling.Overrides `json:"overrides"`
}

type handleResponse struct {
	*handling.Result
	ProviderError string `json:"provider_error,omitempty"`
}

func (h *handlers) handle(c *gin.Context) {
	var req handleRequest
	if !h.bind(c, &req) {
		return
	}
	if !handling.IsValidAction(req.Action) {
		badRequest(c, fmt.Errorf("action must be one of %v", handling.ValidActions))
		return
	}
	res, err := h.svc.Handling.Handle(c.Request.Context(), c.Param("id"), req.Action, req.Actor, req.Overrides)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, handleResponse{Result: res, ProviderError: res.ProviderError()})
}

type restoreRequest struct {
	Actor string `json:"actor"`
}

func (h *handlers) restore(c *gin.Context) {
	var req restoreRequest
	if c.Request.ContentLength > 0 && !h.bind(c, &req) {
		return
	}
	res, err := h.svc.Handling.Restore(c.Request.Context(), c.Param("id"), req.Actor)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, handleResponse{Result: res, ProviderError: res.ProviderError()})
}

func (h *handlers) reviewList(c *gin.Context) {
	limit, ok := intQuery(c, "limit", review.DefaultLimit)
	if !ok {
		return
	}
	items, err := h.svc.Review.List(c.Request.Context(), c.Param("workspace"), limit)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items, "count": len(items)})
}

type approveRequest struct {
	DraftID  string `json:"draft_id"`
	Reviewer string `json:"reviewer" binding:"required"`
}

func (h *handlers) reviewApprove(c *gin.Context) {
	var req approveRequest
	if !h.bind(c, &req) {
		return
	}
	out, err := h.svc.Review.Approve(c.Request.Context(), review.ApproveRequest{
		MessageID: c.Param("id"),
		DraftID:   req.DraftID,
		Reviewer:  req.Reviewer,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

type editRequest struct {
	DraftID  string `json:"draft_id"`
	Reviewer string `json:"reviewer" binding:"required"`
	Body     string `json:"body" binding:"required"`
}

func (h *handlers) reviewEdit(c *gin.Context) {
	var req editRequest
	if !h.bind(c, &req) {
		return
	}
	out, err := h.svc.Review.EditAndSend(c.Request.Context(), review.EditRequest{
		MessageID: c.Param("id"),
		DraftID:   req.DraftID,
		Reviewer:  req.Reviewer,
		Body:      req.Body,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

type rejectRequest struct {
	Reviewer string `json:"reviewer" binding:"required"`
	Note     string `json:"note"`
}

func (h *handlers) reviewReject(c *gin.Context) {
	var req rejectRequest
	if !h.bind(c, &req) {
		return
	}
	out, err := h.svc.Review.Reject(c.Request.Context(), review.RejectRequest{
		MessageID: c.Param("id"),
		Reviewer:  req.Reviewer,
		Note:      req.Note,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (h *handlers) queueList(c *gin.Context) {
	limit, ok := intQuery(c, "limit", 100)
	if !ok {
		return
	}
	items, err := queue.List(h.svc.DB.WithContext(c.Request.Context()), queue.Filter{
		WorkspaceID: c.Query("workspace"),
		Status:      c.Query("status"),
		Limit:       limit,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items, "count": len(items)})
}

type workerRunRequest struct {
	BatchLimit int `json:"batch_limit"`
}

func (h *handlers) workerRun(c *gin.Context) {
	if h.svc.Worker == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "worker not enabled in this process"})
		return
	}
	var req workerRunRequest
	if c.Request.ContentLength > 0 && !h.bind(c, &req) {
		return
	}
	res, err := h.svc.Worker.RunCycle(c.Request.Context(), req.BatchLimit)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *handlers) auditList(c *gin.Context) {
	limit, ok := intQuery(c, "limit", 100)
	if !ok {
		return
	}
	since, ok := sinceQuery(c, 0)
	if !ok {
		return
	}
	entries, err := audit.List(c.Request.Context(), h.svc.DB, audit.Filter{
		WorkspaceID: c.Query("workspace"),
		MessageID:   c.Query("message"),
		EventType:   c.Query("event"),
		Since:       since,
		Limit:       limit,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}

func (h *handlers) auditSummary(c *gin.Context) {
	since, ok := sinceQuery(c, defaultSummaryWindow)
	if !ok {
		return
	}
	s, err := audit.Summarize(c.Request.Context(), h.svc.DB, c.Query("workspace"), since)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, s)
}

func (h *handlers) connectionsNeedingReconnect(c *gin.Context) {
	conns, err := h.svc.Connections.ListNeedingReconnect(c.Request.Context(), c.Query("workspace"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"connections": conns, "count": len(conns)})
}

type reconnectedRequest struct {
	Actor string `json:"actor"`
}

func (h *handlers) connectionReconnected(c *gin.Context) {
	var req reconnectedRequest
	if c.Request.ContentLength > 0 && !h.bind(c, &req) {
		return
	}
	if err := h.svc.Connections.Reconnected(c.Request.Context(), c.Param("id"), req.Actor); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"connection_id": c.Param("id"), "status": connection.StatusActive})
}

func (h *handlers) bind(c *gin.Context, req interface{}) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		badRequest(c, err)
		return false
	}
	return true
}

// fail maps service errors to status codes.
func (h *handlers) fail(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.log.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, autosend.ErrNotFound),
		errors.Is(err, review.ErrNotFound),
		errors.Is(err, handling.ErrNotFound),
		errors.Is(err, connection.ErrNotFound),
		errors.Is(err, queue.ErrNotFound):
		return http.StatusNotFound
	case review.IsConsistencyError(err), errors.Is(err, queue.ErrConflict):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
}

func intQuery(c *gin.Context, key string, def int) (int, bool) {
	raw := c.Query(key)
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		badRequest(c, fmt.Errorf("%s must be a non-negative integer", key))
		return 0, false
	}
	return n, true
}

// sinceQuery accepts an RFC 3339 time or a duration back from now. An empty
// value is now minus def, or the zero time when def is zero.
func sinceQuery(c *gin.Context, def time.Duration) (time.Time, bool) {
	t, err := ParseSince(c.Query("since"), def, time.Now())
	if err != nil {
		badRequest(c, err)
		return time.Time{}, false
	}
	return t, true
}

// ParseSince parses raw as an RFC 3339 time or a Go duration counted back
// from now.
func ParseSince(raw string, def time.Duration, now time.Time) (time.Time, error) {
	if raw == "" {
		if def == 0 {
			return time.Time{}, nil
		}
		return now.Add(-def), nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d < 0 {
		return time.Time{}, fmt.Errorf("since must be an RFC 3339 time or a duration like 24h")
	}
	return now.Add(-d), nil
}
