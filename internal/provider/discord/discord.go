// Package discord implements the provider Adapter for Discord bots.
//
// Message references use the form "<channel>:<message>". Replies reference
// the original message; the label is a reaction; archive applies only when
// the message lives in a thread, which is archived or unarchived.
package discord

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"

	"github.com/iworkr/aiva.io-sub003/internal/config"
	"github.com/iworkr/aiva.io-sub003/internal/logging"
	"github.com/iworkr/aiva.io-sub003/internal/provider"
)

const (
	// maxRetries is the max number of retries for rate-limited API calls.
	maxRetries = 3
	// baseBackoff is the initial backoff for rate-limited calls.
	baseBackoff = 2 * time.Second
	// maxBackoff caps the exponential backoff.
	maxBackoff = 30 * time.Second
	// defaultReaction is used when a label is requested without a name.
	defaultReaction = "✅"
)

// session abstracts the discordgo.Session methods we use, enabling test mocks.
type session interface {
	Channel(channelID string, options ...discordgo.RequestOption) (*discordgo.Channel, error)
	ChannelEdit(channelID string, data *discordgo.ChannelEdit, options ...discordgo.RequestOption) (*discordgo.Channel, error)
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
	MessageReactionAdd(channelID, messageID, emojiID string, options ...discordgo.RequestOption) error
	MessageReactionRemove(channelID, messageID, emojiID, userID string, options ...discordgo.RequestOption) error
}

// Adapter implements provider.Adapter for Discord.
type Adapter struct {
	mu          sync.RWMutex
	sessions    map[string]session
	baseBackoff time.Duration
	maxBackoff  time.Duration
	log         *zap.Logger
}

// AdapterOpts holds parameters for creating a Discord Adapter.
type AdapterOpts struct {
	Connections []config.DiscordConnection
	Logger      *zap.Logger
	// For testing: build sessions from a token instead of the real API.
	NewSession func(token string) (session, error)
}

// New creates a Discord Adapter with one REST session per connection. No
// gateway connection is opened.
func New(opts AdapterOpts) (*Adapter, error) {
	newSession := opts.NewSession
	if newSession == nil {
		newSession = func(token string) (session, error) {
			s, err := discordgo.New("Bot " + token)
			if err != nil {
				return nil, err
			}
			return s, nil
		}
	}
	a := &Adapter{
		sessions:    make(map[string]session, len(opts.Connections)),
		baseBackoff: baseBackoff,
		maxBackoff:  maxBackoff,
		log:         logging.OrNop(opts.Logger).Named("discord"),
	}
	for _, c := range opts.Connections {
		if c.BotToken == "" {
			return nil, fmt.Errorf("discord: connection %q: bot token is required", c.ID)
		}
		s, err := newSession(c.BotToken)
		if err != nil {
			return nil, fmt.Errorf("discord: connection %q: %w", c.ID, err)
		}
		a.sessions[c.ID] = s
	}
	return a, nil
}

// Provider returns "discord".
func (a *Adapter) Provider() string { return provider.Discord }

func (a *Adapter) session(connectionID string) (session, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	s, ok := a.sessions[connectionID]
	if !ok {
		return nil, provider.NewError(provider.Discord, "resolve", provider.Permanent,
			fmt.Errorf("unknown connection %q", connectionID))
	}
	return s, nil
}

// SendReply posts body to the thread channel as a reply to the message.
func (a *Adapter) SendReply(ctx context.Context, connectionID string, th provider.Threading, body string) (provider.SendResult, error) {
	s, err := a.session(connectionID)
	if err != nil {
		return provider.SendResult{}, err
	}
	channelID, messageID, err := parseRef(th.MessageID)
	if err != nil {
		return provider.SendResult{}, provider.NewError(provider.Discord, "send", provider.Permanent, err)
	}
	if threadChannel, _, ok := strings.Cut(th.ThreadID, ":"); ok && threadChannel != "" {
		channelID = threadChannel
	}

	data := &discordgo.MessageSend{
		Content: body,
		Reference: &discordgo.MessageReference{
			MessageID: messageID,
			ChannelID: channelID,
		},
	}
	var msg *discordgo.Message
	err = a.retryOnRateLimit(ctx, func() error {
		var apiErr error
		msg, apiErr = s.ChannelMessageSendComplex(channelID, data, discordgo.WithContext(ctx))
		return apiErr
	})
	if err != nil {
		return provider.SendResult{}, classify("send", err)
	}
	return provider.SendResult{ProviderMessageID: msg.ChannelID + ":" + msg.ID}, nil
}

// MarkHandled adds the label reaction and archives the containing thread.
// Bots have no read state, so MarkedRead is always false.
func (a *Adapter) MarkHandled(ctx context.Context, connectionID string, ref provider.MessageRef, opts provider.HandleOptions) (provider.HandleResult, error) {
	var res provider.HandleResult
	s, err := a.session(connectionID)
	if err != nil {
		return res, err
	}
	channelID, messageID, err := parseRef(ref.MessageID)
	if err != nil {
		return res, provider.NewError(provider.Discord, "handle", provider.Permanent, err)
	}

	var errs []error
	if opts.ApplyLabel {
		err := a.retryOnRateLimit(ctx, func() error {
			return s.MessageReactionAdd(channelID, messageID, reactionName(opts.Label), discordgo.WithContext(ctx))
		})
		if err != nil {
			errs = append(errs, classify("label", err))
		} else {
			res.Labeled = true
		}
	}
	if opts.Archive {
		archived, err := a.setArchived(ctx, s, channelID, true)
		if err != nil {
			errs = append(errs, classify("archive", err))
		}
		res.Archived = archived
	}
	return res, errors.Join(errs...)
}

// Restore unarchives the thread, then removes the bot's label reaction.
func (a *Adapter) Restore(ctx context.Context, connectionID string, ref provider.MessageRef, opts provider.HandleOptions) error {
	s, err := a.session(connectionID)
	if err != nil {
		return err
	}
	channelID, messageID, err := parseRef(ref.MessageID)
	if err != nil {
		return provider.NewError(provider.Discord, "restore", provider.Permanent, err)
	}
	var errs []error
	if opts.Archive {
		if _, err := a.setArchived(ctx, s, channelID, false); err != nil {
			errs = append(errs, classify("unarchive", err))
		}
	}
	if opts.ApplyLabel {
		err := a.retryOnRateLimit(ctx, func() error {
			return s.MessageReactionRemove(channelID, messageID, reactionName(opts.Label), "@me", discordgo.WithContext(ctx))
		})
		if err != nil {
			errs = append(errs, classify("unlabel", err))
		}
	}
	return errors.Join(errs...)
}

// setArchived toggles the archived flag when channelID is a thread. It
// reports false without error for regular channels.
func (a *Adapter) setArchived(ctx context.Context, s session, channelID string, archived bool) (bool, error) {
	var ch *discordgo.Channel
	err := a.retryOnRateLimit(ctx, func() error {
		var apiErr error
		ch, apiErr = s.Channel(channelID, discordgo.WithContext(ctx))
		return apiErr
	})
	if err != nil {
		return false, err
	}
	if !ch.IsThread() {
		a.log.Debug("archive skipped, not a thread", zap.String("channel", channelID))
		return false, nil
	}
	err = a.retryOnRateLimit(ctx, func() error {
		_, apiErr := s.ChannelEdit(channelID, &discordgo.ChannelEdit{Archived: &archived}, discordgo.WithContext(ctx))
		return apiErr
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

// parseRef splits "<channel>:<message>".
func parseRef(ref string) (channelID, messageID string, err error) {
	channelID, messageID, ok := strings.Cut(ref, ":")
	if !ok || channelID == "" || messageID == "" {
		return "", "", fmt.Errorf("malformed discord reference %q", ref)
	}
	return channelID, messageID, nil
}

func reactionName(label string) string {
	label = strings.TrimSpace(label)
	if label == "" {
		return defaultReaction
	}
	return label
}

func statusCode(err error) int {
	var restErr *discordgo.RESTError
	if errors.As(err, &restErr) && restErr.Response != nil {
		return restErr.Response.StatusCode
	}
	return 0
}

// classify wraps err as a provider.Error. Auth, permission and unknown
// resource responses are permanent.
func classify(op string, err error) error {
	kind := provider.Transient
	switch statusCode(err) {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
		kind = provider.Permanent
	}
	if errors.Is(err, discordgo.ErrUnauthorized) {
		kind = provider.Permanent
	}
	return provider.NewError(provider.Discord, op, kind, err)
}

// retryOnRateLimit calls fn and retries with exponential backoff on Discord
// rate limit errors. It respects context cancellation.
func (a *Adapter) retryOnRateLimit(ctx context.Context, fn func() error) error {
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if statusCode(err) != http.StatusTooManyRequests {
			return err
		}
		if attempt == maxRetries {
			return err
		}

		wait := time.Duration(math.Pow(2, float64(attempt))) * a.baseBackoff
		if wait > a.maxBackoff {
			wait = a.maxBackoff
		}
		a.log.Warn("rate limited, retrying",
			zap.Int("attempt", attempt+1), zap.Duration("wait", wait))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil // unreachable
}
