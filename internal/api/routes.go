package api

import (
	"github.com/gin-gonic/gin"
)

// registerRoutes sets up all API routes on the Gin router.
func registerRoutes(router *gin.Engine, h *handlers) {
	router.GET("/healthz", h.health)

	api := router.Group("/api")

	// Gate and pipeline.
	api.POST("/messages/:id/evaluate", h.evaluate)
	api.POST("/messages/:id/process", h.process)

	// Handling state machine.
	api.POST("/messages/:id/handle", h.handle)
	api.POST("/messages/:id/restore", h.restore)

	// Review queue.
	api.GET("/workspaces/:workspace/review", h.reviewList)
	api.POST("/review/:id/approve", h.reviewApprove)
	api.POST("/review/:id/edit", h.reviewEdit)
	api.POST("/review/:id/reject", h.reviewReject)

	// Auto-send queue.
	api.GET("/queue", h.queueList)
	api.POST("/worker/run", h.workerRun)

	// Audit.
	api.GET("/audit", h.auditList)
	api.GET("/audit/summary", h.auditSummary)
	api.GET("/events", handleSSE(h.svc.DB))

	// Channel connections.
	api.GET("/connections/reconnect", h.connectionsNeedingReconnect)
	api.POST("/connections/:id/reconnected", h.connectionReconnected)
}
