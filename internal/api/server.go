// Package api exposes the dispatch engine over HTTP.
package api

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/iworkr/aiva.io-sub003/internal/autosend"
	"github.com/iworkr/aiva.io-sub003/internal/connection"
	"github.com/iworkr/aiva.io-sub003/internal/handling"
	"github.com/iworkr/aiva.io-sub003/internal/logging"
	"github.com/iworkr/aiva.io-sub003/internal/review"
	"github.com/iworkr/aiva.io-sub003/internal/worker"
)

// Services are the components the API serves. Worker may be nil when a
// separate process runs the queue.
type Services struct {
	DB          *gorm.DB
	AutoSend    *autosend.Service
	Review      *review.Service
	Handling    *handling.Machine
	Connections *connection.Service
	Worker      *worker.Worker
}

// StartOpts holds configuration for the API server.
type StartOpts struct {
	Services Services
	Port     int
	Out      io.Writer
	Logger   *zap.Logger
}

// Start launches the API server. It blocks until ctx is cancelled, then
// shuts down gracefully.
func Start(ctx context.Context, opts StartOpts) error {
	if opts.Services.DB == nil {
		return fmt.Errorf("api: db is required")
	}
	if opts.Port <= 0 {
		opts.Port = 8080
	}

	gin.SetMode(gin.ReleaseMode)
	router := NewRouter(opts.Services, opts.Logger)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", opts.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if opts.Out != nil {
		fmt.Fprintf(opts.Out, "API listening on http://localhost:%d\n", opts.Port)
	}

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api: %w", err)
	}
	return nil
}

// NewRouter returns a gin engine with every route registered.
func NewRouter(svc Services, logger *zap.Logger) *gin.Engine {
	log := logging.OrNop(logger).Named("api")
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(log))
	registerRoutes(router, &handlers{svc: svc, log: log})
	return router
}

func requestLogger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
}
