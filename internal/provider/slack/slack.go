// Package slack implements the provider Adapter for Slack workspaces.
//
// Message references use the form "<channel>:<ts>". Replies are posted in
// the thread named by the thread reference; the label side effect is a
// reaction on the original message. Slack has no archive for a single
// message, so Archive is reported as not applied.
package slack

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	slackapi "github.com/slack-go/slack"
	"go.uber.org/zap"

	"github.com/iworkr/aiva.io-sub003/internal/config"
	"github.com/iworkr/aiva.io-sub003/internal/logging"
	"github.com/iworkr/aiva.io-sub003/internal/provider"
)

const (
	// maxRetries is the max number of retries for rate-limited API calls.
	maxRetries = 3
	// defaultReaction is used when a label is requested without a name.
	defaultReaction = "white_check_mark"
)

// permanentCodes are Slack error codes that no retry can fix.
var permanentCodes = map[string]bool{
	"invalid_auth":      true,
	"not_authed":        true,
	"token_revoked":     true,
	"token_expired":     true,
	"account_inactive":  true,
	"missing_scope":     true,
	"channel_not_found": true,
	"not_in_channel":    true,
	"is_archived":       true,
}

// slackClient abstracts the Slack API methods we use, enabling test mocks.
type slackClient interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slackapi.MsgOption) (string, string, error)
	MarkConversationContext(ctx context.Context, channel, ts string) error
	AddReactionContext(ctx context.Context, name string, item slackapi.ItemRef) error
	RemoveReactionContext(ctx context.Context, name string, item slackapi.ItemRef) error
}

type clients struct {
	bot  slackClient
	user slackClient // nil without a user token
}

// Adapter implements provider.Adapter for Slack.
type Adapter struct {
	mu      sync.RWMutex
	conns   map[string]clients
	retryIn func(attempt int, rle *slackapi.RateLimitedError) time.Duration
	log     *zap.Logger
}

// AdapterOpts holds parameters for creating a Slack Adapter.
type AdapterOpts struct {
	Connections []config.SlackConnection
	Logger      *zap.Logger
	// For testing: build clients from a token instead of the real API.
	NewClient func(token string) slackClient
}

// New creates a Slack Adapter with one API client per connection.
func New(opts AdapterOpts) (*Adapter, error) {
	newClient := opts.NewClient
	if newClient == nil {
		newClient = func(token string) slackClient { return slackapi.New(token) }
	}
	a := &Adapter{
		conns:   make(map[string]clients, len(opts.Connections)),
		retryIn: rateLimitWait,
		log:     logging.OrNop(opts.Logger).Named("slack"),
	}
	for _, c := range opts.Connections {
		if c.BotToken == "" {
			return nil, fmt.Errorf("slack: connection %q: bot token is required", c.ID)
		}
		cl := clients{bot: newClient(c.BotToken)}
		if c.UserToken != "" {
			cl.user = newClient(c.UserToken)
		}
		a.conns[c.ID] = cl
	}
	return a, nil
}

// Provider returns "slack".
func (a *Adapter) Provider() string { return provider.Slack }

func (a *Adapter) clients(connectionID string) (clients, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	cl, ok := a.conns[connectionID]
	if !ok {
		return clients{}, provider.NewError(provider.Slack, "resolve", provider.Permanent,
			fmt.Errorf("unknown connection %q", connectionID))
	}
	return cl, nil
}

// SendReply posts body in the thread. The returned id is "<channel>:<ts>".
func (a *Adapter) SendReply(ctx context.Context, connectionID string, th provider.Threading, body string) (provider.SendResult, error) {
	cl, err := a.clients(connectionID)
	if err != nil {
		return provider.SendResult{}, err
	}
	channel, threadTS, err := parseRef(th.ThreadID)
	if err != nil {
		channel, threadTS, err = parseRef(th.MessageID)
		if err != nil {
			return provider.SendResult{}, provider.NewError(provider.Slack, "send", provider.Permanent, err)
		}
	}

	var postedChannel, ts string
	err = a.retryOnRateLimit(ctx, func() error {
		var postErr error
		postedChannel, ts, postErr = cl.bot.PostMessageContext(ctx, channel,
			slackapi.MsgOptionText(body, false),
			slackapi.MsgOptionTS(threadTS),
		)
		return postErr
	})
	if err != nil {
		return provider.SendResult{}, classify("send", err)
	}
	if postedChannel == "" {
		postedChannel = channel
	}
	return provider.SendResult{ProviderMessageID: postedChannel + ":" + ts}, nil
}

// MarkHandled marks the conversation read up to the message (user token
// only) and adds the label reaction. Effects that succeed are reported even
// when another fails.
func (a *Adapter) MarkHandled(ctx context.Context, connectionID string, ref provider.MessageRef, opts provider.HandleOptions) (provider.HandleResult, error) {
	var res provider.HandleResult
	cl, err := a.clients(connectionID)
	if err != nil {
		return res, err
	}
	channel, ts, err := parseRef(ref.MessageID)
	if err != nil {
		return res, provider.NewError(provider.Slack, "handle", provider.Permanent, err)
	}

	var errs []error
	if opts.MarkRead {
		if cl.user == nil {
			a.log.Debug("mark read skipped, no user token", zap.String("connection", connectionID))
		} else if err := a.retryOnRateLimit(ctx, func() error {
			return cl.user.MarkConversationContext(ctx, channel, ts)
		}); err != nil {
			errs = append(errs, classify("mark_read", err))
		} else {
			res.MarkedRead = true
		}
	}
	if opts.ApplyLabel {
		err := a.retryOnRateLimit(ctx, func() error {
			return cl.bot.AddReactionContext(ctx, reactionName(opts.Label), slackapi.NewRefToMessage(channel, ts))
		})
		if err != nil && !hasCode(err, "already_reacted") {
			errs = append(errs, classify("label", err))
		} else {
			res.Labeled = true
		}
	}
	return res, errors.Join(errs...)
}

// Restore removes the label reaction. Read state cannot be reverted.
func (a *Adapter) Restore(ctx context.Context, connectionID string, ref provider.MessageRef, opts provider.HandleOptions) error {
	if !opts.ApplyLabel {
		return nil
	}
	cl, err := a.clients(connectionID)
	if err != nil {
		return err
	}
	channel, ts, err := parseRef(ref.MessageID)
	if err != nil {
		return provider.NewError(provider.Slack, "restore", provider.Permanent, err)
	}
	err = a.retryOnRateLimit(ctx, func() error {
		return cl.bot.RemoveReactionContext(ctx, reactionName(opts.Label), slackapi.NewRefToMessage(channel, ts))
	})
	if err != nil && !hasCode(err, "no_reaction") {
		return classify("restore", err)
	}
	return nil
}

// parseRef splits "<channel>:<ts>".
func parseRef(ref string) (channel, ts string, err error) {
	channel, ts, ok := strings.Cut(ref, ":")
	if !ok || channel == "" || ts == "" {
		return "", "", fmt.Errorf("malformed slack reference %q", ref)
	}
	return channel, ts, nil
}

func reactionName(label string) string {
	label = strings.Trim(strings.TrimSpace(label), ":")
	if label == "" {
		return defaultReaction
	}
	return label
}

func errorCode(err error) string {
	var ser slackapi.SlackErrorResponse
	if errors.As(err, &ser) {
		return ser.Err
	}
	return err.Error()
}

func hasCode(err error, code string) bool {
	return err != nil && errorCode(err) == code
}

// classify wraps err as a provider.Error.
func classify(op string, err error) error {
	kind := provider.Transient
	var sce slackapi.StatusCodeError
	switch {
	case permanentCodes[errorCode(err)]:
		kind = provider.Permanent
	case errors.As(err, &sce) && (sce.Code == 401 || sce.Code == 403 || sce.Code == 404):
		kind = provider.Permanent
	}
	return provider.NewError(provider.Slack, op, kind, err)
}

// retryOnRateLimit retries fn when Slack returns a rate limit error,
// waiting for the advised duration (or exponential backoff).
func (a *Adapter) retryOnRateLimit(ctx context.Context, fn func() error) error {
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		var rle *slackapi.RateLimitedError
		if !errors.As(err, &rle) {
			return err // not a rate limit error, don't retry
		}
		if attempt == maxRetries {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(a.retryIn(attempt, rle)):
		}
	}
	return nil // unreachable
}

func rateLimitWait(attempt int, rle *slackapi.RateLimitedError) time.Duration {
	if rle.RetryAfter > 0 {
		return rle.RetryAfter
	}
	return time.Duration(math.Pow(2, float64(attempt))) * time.Second
}
