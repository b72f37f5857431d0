// Package worker dispatches due auto-send queue items through provider
// adapters. A cycle reaps stale claims, claims due items with a conditional
// update and sends them concurrently; per-item failures never abort the
// cycle.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/iworkr/aiva.io-sub003/internal/audit"
	"github.com/iworkr/aiva.io-sub003/internal/connection"
	"github.com/iworkr/aiva.io-sub003/internal/handling"
	"github.com/iworkr/aiva.io-sub003/internal/logging"
	"github.com/iworkr/aiva.io-sub003/internal/models"
	"github.com/iworkr/aiva.io-sub003/internal/provider"
	"github.com/iworkr/aiva.io-sub003/internal/queue"
)

const (
	defaultSchedule    = "@every 1m"
	defaultBatchLimit  = 50
	defaultMaxAttempts = 3
	defaultConcurrency = 4
	defaultTimeout     = 30 * time.Second

	cancelReasonHandled = "message handled before send"
)

// Per-item outcomes.
const (
	outcomeSkipped   = "skipped"
	outcomeSent      = "sent"
	outcomeRetry     = "retry"
	outcomeFailed    = "failed"
	outcomeCancelled = "cancelled"
)

// Options configures a Worker. Zero values take the defaults above.
type Options struct {
	DB          *gorm.DB
	Connections *connection.Service
	Handler     *handling.Machine
	Schedule    string
	BatchLimit  int
	MaxAttempts int
	Concurrency int
	// ProviderTimeout bounds each SendReply call.
	ProviderTimeout time.Duration
	// RetryBackoff is the base delay before a retry, doubled per attempt up
	// to RetryBackoffMax. Zero retries on the next cycle.
	RetryBackoff    time.Duration
	RetryBackoffMax time.Duration
	// StaleClaim is how long an item may stay processing before it is
	// reaped. Zero disables reaping.
	StaleClaim time.Duration
	Logger     *zap.Logger
}

// CycleResult counts what one cycle did.
type CycleResult struct {
	Reaped    int `json:"reaped"`
	Due       int `json:"due"`
	Sent      int `json:"sent"`
	Retried   int `json:"retried"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
	Skipped   int `json:"skipped"`
}

func (r *CycleResult) add(outcome string) {
	switch outcome {
	case outcomeSent:
		r.Sent++
	case outcomeRetry:
		r.Retried++
	case outcomeFailed:
		r.Failed++
	case outcomeCancelled:
		r.Cancelled++
	default:
		r.Skipped++
	}
}

// Worker runs dispatch cycles.
type Worker struct {
	db    *gorm.DB
	conns *connection.Service
	hm    *handling.Machine
	opts  Options
	log   *zap.Logger
	now   func() time.Time
}

// New returns a Worker.
func New(opts Options) *Worker {
	if opts.Schedule == "" {
		opts.Schedule = defaultSchedule
	}
	if opts.BatchLimit <= 0 {
		opts.BatchLimit = defaultBatchLimit
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultConcurrency
	}
	if opts.ProviderTimeout <= 0 {
		opts.ProviderTimeout = defaultTimeout
	}
	return &Worker{
		db:    opts.DB,
		conns: opts.Connections,
		hm:    opts.Handler,
		opts:  opts,
		log:   logging.OrNop(opts.Logger).Named("worker"),
		now:   time.Now,
	}
}

// Run executes a cycle on the configured schedule until ctx is cancelled.
// A cycle still running when the next one is due is skipped.
func (w *Worker) Run(ctx context.Context) error {
	cronLog := cron.PrintfLogger(zap.NewStdLog(w.log.Named("cron")))
	c := cron.New(
		cron.WithLogger(cronLog),
		cron.WithChain(cron.Recover(cronLog), cron.SkipIfStillRunning(cronLog)),
	)
	if _, err := c.AddFunc(w.opts.Schedule, func() {
		if _, err := w.RunCycle(ctx, w.opts.BatchLimit); err != nil {
			w.log.Error("cycle failed", zap.Error(err))
		}
	}); err != nil {
		return fmt.Errorf("worker: schedule %q: %w", w.opts.Schedule, err)
	}

	w.log.Info("worker started", zap.String("schedule", w.opts.Schedule), zap.Int("concurrency", w.opts.Concurrency))
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	w.log.Info("worker stopped")
	return nil
}

// RunCycle performs one dispatch pass over at most batchLimit due items.
// The error is non-nil only when the due items could not be listed.
func (w *Worker) RunCycle(ctx context.Context, batchLimit int) (*CycleResult, error) {
	if batchLimit <= 0 {
		batchLimit = w.opts.BatchLimit
	}
	res := &CycleResult{}
	now := w.now()

	if w.opts.StaleClaim > 0 {
		res.Reaped = w.reap(ctx, now)
	}

	due, err := queue.ListDue(w.db.WithContext(ctx), now, w.opts.MaxAttempts, batchLimit)
	if err != nil {
		return res, fmt.Errorf("worker: %w", err)
	}
	res.Due = len(due)

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(w.opts.Concurrency)
	for i := range due {
		item := due[i]
		g.Go(func() error {
			outcome := w.process(ctx, &item)
			mu.Lock()
			res.add(outcome)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	if res.Due > 0 || res.Reaped > 0 {
		w.log.Info("cycle complete",
			zap.Int("due", res.Due),
			zap.Int("sent", res.Sent),
			zap.Int("retried", res.Retried),
			zap.Int("failed", res.Failed),
			zap.Int("cancelled", res.Cancelled),
			zap.Int("skipped", res.Skipped),
			zap.Int("reaped", res.Reaped))
	}
	return res, nil
}

func (w *Worker) reap(ctx context.Context, now time.Time) int {
	var reaped []models.AutoSendQueueItem
	err := w.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		reaped, err = queue.ReapStale(tx, now.Add(-w.opts.StaleClaim), now)
		if err != nil {
			return err
		}
		for i := range reaped {
			itemID := reaped[i].ID
			if _, err := audit.Record(tx, audit.Entry{
				WorkspaceID: reaped[i].WorkspaceID,
				MessageID:   reaped[i].MessageID,
				QueueItemID: &itemID,
				EventType:   audit.EventClaimReaped,
				Actor:       audit.ActorWorker,
				Reason:      reaped[i].ErrorMessage,
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		w.log.Error("reap stale claims failed", zap.Error(err))
		return 0
	}
	for _, item := range reaped {
		w.log.Warn("reaped stale claim", zap.Int64("item", item.ID), zap.String("message", item.MessageID))
	}
	return len(reaped)
}

// process claims and sends one item and returns its outcome.
func (w *Worker) process(ctx context.Context, due *models.AutoSendQueueItem) string {
	log := w.log.With(zap.Int64("item", due.ID), zap.String("message", due.MessageID))

	item, err := queue.Claim(w.db.WithContext(ctx), due.ID, w.now())
	if errors.Is(err, queue.ErrConflict) {
		return outcomeSkipped
	}
	if err != nil {
		log.Error("claim failed", zap.Error(err))
		return outcomeSkipped
	}

	var msg models.Message
	if err := w.db.WithContext(ctx).Where("id = ?", item.MessageID).First(&msg).Error; err != nil {
		return w.fail(ctx, log, item, nil, fmt.Errorf("load message: %w", err), true)
	}
	var draft models.Draft
	if err := w.db.WithContext(ctx).Where("id = ?", item.DraftID).First(&draft).Error; err != nil {
		return w.fail(ctx, log, item, nil, fmt.Errorf("load draft: %w", err), true)
	}

	if msg.HandledByAssistant {
		return w.cancelHandled(ctx, log, item)
	}

	connID := item.ConnectionID
	if connID == "" {
		connID = msg.ConnectionID
	}
	adapter, conn, err := w.conns.Resolve(ctx, connID)
	if err != nil {
		return w.fail(ctx, log, item, nil, err, true)
	}
	if conn.Status == connection.StatusNeedsReconnect {
		return w.fail(ctx, log, item, nil, fmt.Errorf("connection %s needs reconnect", conn.ID), true)
	}

	sendCtx, cancel := context.WithTimeout(ctx, w.opts.ProviderTimeout)
	sent, err := adapter.SendReply(sendCtx, conn.ID, provider.Threading{
		ThreadID:  msg.ProviderThreadID,
		MessageID: msg.ProviderMessageID,
		Recipient: msg.Sender,
		Subject:   msg.Subject,
	}, draft.Body)
	cancel()
	if err != nil {
		return w.fail(ctx, log, item, conn, err, provider.IsPermanent(err))
	}
	return w.succeed(ctx, log, item, &msg, sent)
}

func (w *Worker) succeed(ctx context.Context, log *zap.Logger, item *models.AutoSendQueueItem, msg *models.Message, sent provider.SendResult) string {
	err := w.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := queue.MarkSent(tx, item, sent.ProviderMessageID, w.now()); err != nil {
			return err
		}
		itemID := item.ID
		_, err := audit.Record(tx, audit.Entry{
			WorkspaceID: item.WorkspaceID,
			MessageID:   item.MessageID,
			QueueItemID: &itemID,
			EventType:   audit.EventSent,
			Actor:       audit.ActorWorker,
			Details: map[string]interface{}{
				"draft_id":            item.DraftID,
				"provider_message_id": sent.ProviderMessageID,
				"attempts":            item.Attempts,
				"source":              item.Source,
			},
		})
		return err
	})
	if err != nil {
		// The provider accepted the reply; a stale-claim reaper may have
		// failed the item meanwhile.
		log.Error("record sent failed", zap.String("provider_message_id", sent.ProviderMessageID), zap.Error(err))
	} else {
		log.Info("reply sent", zap.String("provider_message_id", sent.ProviderMessageID))
	}

	action := handling.ActionAutoReplied
	if item.Source == queue.SourceReview {
		action = handling.ActionReviewApproved
	}
	hres, err := w.hm.Handle(ctx, msg.ID, action, audit.ActorWorker, handling.Overrides{})
	if err != nil {
		log.Error("mark handled failed", zap.Error(err))
	} else if hres.ProviderErr != nil {
		log.Warn("inbox-zero side effects incomplete", zap.Error(hres.ProviderErr))
	}
	return outcomeSent
}

// fail records a failed attempt. conn is nil when the failure happened before
// a provider call.
func (w *Worker) fail(ctx context.Context, log *zap.Logger, item *models.AutoSendQueueItem, conn *models.ChannelConnection, cause error, permanent bool) string {
	now := w.now()
	f := queue.Failure{
		Message:     cause.Error(),
		MaxAttempts: w.opts.MaxAttempts,
		Permanent:   permanent,
	}
	if delay := queue.Backoff(w.opts.RetryBackoff, w.opts.RetryBackoffMax, item.Attempts+1); delay > 0 {
		f.RetryAt = now.Add(delay)
	}

	var status string
	err := w.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		status, err = queue.RecordFailure(tx, item, f, now)
		if err != nil {
			return err
		}
		event := audit.EventFailed
		details := map[string]interface{}{
			"error":     cause.Error(),
			"attempts":  item.Attempts,
			"permanent": permanent,
		}
		if status == queue.StatusPending {
			event = audit.EventSendRetry
			details["retry_at"] = item.ScheduledSendAt.Format(time.RFC3339)
		}
		itemID := item.ID
		_, err = audit.Record(tx, audit.Entry{
			WorkspaceID: item.WorkspaceID,
			MessageID:   item.MessageID,
			QueueItemID: &itemID,
			EventType:   event,
			Actor:       audit.ActorWorker,
			Reason:      cause.Error(),
			Details:     details,
		})
		return err
	})
	if err != nil {
		log.Error("record failure failed", zap.NamedError("cause", cause), zap.Error(err))
		return outcomeSkipped
	}

	if conn != nil && permanent {
		if err := w.conns.MarkNeedsReconnect(ctx, conn.ID, item.MessageID, cause); err != nil {
			log.Error("flag connection failed", zap.String("connection", conn.ID), zap.Error(err))
		}
	}

	if status == queue.StatusPending {
		log.Warn("send failed, will retry",
			zap.Int("attempts", item.Attempts),
			zap.Time("retry_at", item.ScheduledSendAt),
			zap.Error(cause))
		return outcomeRetry
	}
	log.Error("send failed", zap.Int("attempts", item.Attempts), zap.Bool("permanent", permanent), zap.Error(cause))
	return outcomeFailed
}

func (w *Worker) cancelHandled(ctx context.Context, log *zap.Logger, item *models.AutoSendQueueItem) string {
	err := w.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := queue.Cancel(tx, item.ID, queue.StatusProcessing, cancelReasonHandled); err != nil {
			return err
		}
		itemID := item.ID
		_, err := audit.Record(tx, audit.Entry{
			WorkspaceID: item.WorkspaceID,
			MessageID:   item.MessageID,
			QueueItemID: &itemID,
			EventType:   audit.EventCancelled,
			Actor:       audit.ActorWorker,
			Reason:      cancelReasonHandled,
		})
		return err
	})
	if err != nil {
		log.Error("cancel failed", zap.Error(err))
		return outcomeSkipped
	}
	log.Info("send cancelled, message already handled")
	return outcomeCancelled
}
