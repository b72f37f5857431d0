// Package github implements the provider Adapter for GitHub issues.
//
// The thread reference is the issue number. The message reference is the
// notification thread id the message was ingested from, and may be empty.
// Replies are issue comments; the label is an issue label; archive closes
// the issue and restore reopens it.
package github

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"

	gh "github.com/google/go-github/v68/github"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/iworkr/aiva.io-sub003/internal/config"
	"github.com/iworkr/aiva.io-sub003/internal/logging"
	"github.com/iworkr/aiva.io-sub003/internal/provider"
)

// defaultLabel is applied when a label is requested without a name.
const defaultLabel = "handled"

// issuesService abstracts the go-github issue methods we use.
type issuesService interface {
	CreateComment(ctx context.Context, owner, repo string, number int, comment *gh.IssueComment) (*gh.IssueComment, *gh.Response, error)
	AddLabelsToIssue(ctx context.Context, owner, repo string, number int, labels []string) ([]*gh.Label, *gh.Response, error)
	RemoveLabelForIssue(ctx context.Context, owner, repo string, number int, label string) (*gh.Response, error)
	Edit(ctx context.Context, owner, repo string, number int, issue *gh.IssueRequest) (*gh.Issue, *gh.Response, error)
}

// activityService abstracts the go-github notification methods we use.
type activityService interface {
	MarkThreadRead(ctx context.Context, id string) (*gh.Response, error)
}

type repository struct {
	owner, name string
	issues      issuesService
	activity    activityService
}

// Adapter implements provider.Adapter for GitHub.
type Adapter struct {
	mu    sync.RWMutex
	repos map[string]*repository
	log   *zap.Logger
}

// AdapterOpts holds parameters for creating a GitHub Adapter.
type AdapterOpts struct {
	Connections []config.GitHubConnection
	Logger      *zap.Logger
	// For testing: build API services from a token instead of the real client.
	NewServices func(token string) (issuesService, activityService)
}

// New creates a GitHub Adapter with one authenticated client per connection.
func New(opts AdapterOpts) (*Adapter, error) {
	newServices := opts.NewServices
	if newServices == nil {
		newServices = func(token string) (issuesService, activityService) {
			ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
			c := gh.NewClient(oauth2.NewClient(context.Background(), ts))
			return c.Issues, c.Activity
		}
	}
	a := &Adapter{
		repos: make(map[string]*repository, len(opts.Connections)),
		log:   logging.OrNop(opts.Logger).Named("github"),
	}
	for _, c := range opts.Connections {
		if c.Token == "" || c.Owner == "" || c.Repo == "" {
			return nil, fmt.Errorf("github: connection %q: token, owner and repo are required", c.ID)
		}
		issues, activity := newServices(c.Token)
		a.repos[c.ID] = &repository{owner: c.Owner, name: c.Repo, issues: issues, activity: activity}
	}
	return a, nil
}

// Provider returns "github".
func (a *Adapter) Provider() string { return provider.GitHub }

func (a *Adapter) repo(connectionID string) (*repository, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	r, ok := a.repos[connectionID]
	if !ok {
		return nil, provider.NewError(provider.GitHub, "resolve", provider.Permanent,
			fmt.Errorf("unknown connection %q", connectionID))
	}
	return r, nil
}

// SendReply comments on the issue. The returned id is the comment id.
func (a *Adapter) SendReply(ctx context.Context, connectionID string, th provider.Threading, body string) (provider.SendResult, error) {
	r, err := a.repo(connectionID)
	if err != nil {
		return provider.SendResult{}, err
	}
	number, err := issueNumber(th.ThreadID)
	if err != nil {
		return provider.SendResult{}, provider.NewError(provider.GitHub, "send", provider.Permanent, err)
	}
	comment, _, err := r.issues.CreateComment(ctx, r.owner, r.name, number, &gh.IssueComment{Body: gh.Ptr(body)})
	if err != nil {
		return provider.SendResult{}, classify("send", err)
	}
	return provider.SendResult{ProviderMessageID: strconv.FormatInt(comment.GetID(), 10)}, nil
}

// MarkHandled marks the notification thread read, labels the issue and
// closes it.
func (a *Adapter) MarkHandled(ctx context.Context, connectionID string, ref provider.MessageRef, opts provider.HandleOptions) (provider.HandleResult, error) {
	var res provider.HandleResult
	r, err := a.repo(connectionID)
	if err != nil {
		return res, err
	}
	number, err := issueNumber(ref.ThreadID)
	if err != nil {
		return res, provider.NewError(provider.GitHub, "handle", provider.Permanent, err)
	}

	var errs []error
	if opts.MarkRead && ref.MessageID != "" {
		if _, err := r.activity.MarkThreadRead(ctx, ref.MessageID); err != nil {
			errs = append(errs, classify("mark_read", err))
		} else {
			res.MarkedRead = true
		}
	}
	if opts.ApplyLabel {
		if _, _, err := r.issues.AddLabelsToIssue(ctx, r.owner, r.name, number, []string{labelName(opts.Label)}); err != nil {
			errs = append(errs, classify("label", err))
		} else {
			res.Labeled = true
		}
	}
	if opts.Archive {
		if err := r.setState(ctx, number, "closed"); err != nil {
			errs = append(errs, classify("archive", err))
		} else {
			res.Archived = true
		}
	}
	return res, errors.Join(errs...)
}

// Restore reopens the issue, then removes the label.
func (a *Adapter) Restore(ctx context.Context, connectionID string, ref provider.MessageRef, opts provider.HandleOptions) error {
	r, err := a.repo(connectionID)
	if err != nil {
		return err
	}
	number, err := issueNumber(ref.ThreadID)
	if err != nil {
		return provider.NewError(provider.GitHub, "restore", provider.Permanent, err)
	}
	if opts.Archive {
		if err := r.setState(ctx, number, "open"); err != nil {
			return classify("unarchive", err)
		}
	}
	if opts.ApplyLabel {
		resp, err := r.issues.RemoveLabelForIssue(ctx, r.owner, r.name, number, labelName(opts.Label))
		if err != nil && (resp == nil || resp.StatusCode != http.StatusNotFound) {
			return classify("unlabel", err)
		}
	}
	return nil
}

func (r *repository) setState(ctx context.Context, number int, state string) error {
	_, _, err := r.issues.Edit(ctx, r.owner, r.name, number, &gh.IssueRequest{State: gh.Ptr(state)})
	return err
}

// issueNumber parses "42" or "#42".
func issueNumber(ref string) (int, error) {
	n, err := strconv.Atoi(strings.TrimPrefix(strings.TrimSpace(ref), "#"))
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("malformed github issue reference %q", ref)
	}
	return n, nil
}

func labelName(label string) string {
	if label = strings.TrimSpace(label); label == "" {
		return defaultLabel
	}
	return label
}

// classify wraps err as a provider.Error. Rate limits are transient; auth,
// permission, missing resource and validation responses are permanent.
func classify(op string, err error) error {
	kind := provider.Transient
	var rle *gh.RateLimitError
	var abuse *gh.AbuseRateLimitError
	var er *gh.ErrorResponse
	switch {
	case errors.As(err, &rle), errors.As(err, &abuse):
	case errors.As(err, &er) && er.Response != nil:
		switch er.Response.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound,
			http.StatusGone, http.StatusUnprocessableEntity:
			kind = provider.Permanent
		}
	}
	return provider.NewError(provider.GitHub, op, kind, err)
}
