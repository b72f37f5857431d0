// Package provider defines the channel adapter interface used to send
// replies and apply inbox side effects, and the registry that selects an
// adapter by provider id.
package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Provider ids.
const (
	Slack   = "slack"
	Discord = "discord"
	Email   = "email"
	GitHub  = "github"
)

// Adapter is implemented once per provider. A single adapter serves every
// connection of its provider; connectionID selects the credentials.
type Adapter interface {
	// Provider returns the provider id this adapter serves.
	Provider() string

	// SendReply posts body as a reply within the given thread.
	SendReply(ctx context.Context, connectionID string, th Threading, body string) (SendResult, error)

	// MarkHandled applies the requested inbox side effects. It returns what
	// actually succeeded even when err is non-nil.
	MarkHandled(ctx context.Context, connectionID string, ref MessageRef, opts HandleOptions) (HandleResult, error)

	// Restore undoes the side effects described by opts, unarchiving first.
	Restore(ctx context.Context, connectionID string, ref MessageRef, opts HandleOptions) error
}

// Threading identifies where a reply goes. The format of ThreadID and
// MessageID is provider specific and comes straight from the stored message.
type Threading struct {
	ThreadID  string
	MessageID string
	Recipient string // email only
	Subject   string // email only
}

// MessageRef addresses a stored message in its provider.
type MessageRef struct {
	ThreadID  string
	MessageID string
}

// SendResult is returned for a delivered reply.
type SendResult struct {
	ProviderMessageID string
}

// HandleOptions selects inbox side effects.
type HandleOptions struct {
	MarkRead   bool
	Archive    bool
	ApplyLabel bool
	Label      string
}

// Any reports whether any side effect is requested.
func (o HandleOptions) Any() bool {
	return o.MarkRead || o.Archive || o.ApplyLabel
}

// HandleResult records which side effects took effect.
type HandleResult struct {
	MarkedRead bool `json:"marked_read"`
	Archived   bool `json:"archived"`
	Labeled    bool `json:"labeled"`
}

// ErrUnknownProvider is returned by Registry.Get for an unregistered id.
var ErrUnknownProvider = errors.New("provider: no adapter registered")

// Registry maps provider ids to adapters.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry returns a registry pre-populated with adapters.
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[string]Adapter)}
	for _, a := range adapters {
		r.Register(a)
	}
	return r
}

// Register adds or replaces the adapter for a.Provider().
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Provider()] = a
}

// Get returns the adapter for provider.
func (r *Registry) Get(provider string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[provider]
	if !ok {
		return nil, fmt.Errorf("%w for %q", ErrUnknownProvider, provider)
	}
	return a, nil
}

// Providers lists the registered provider ids in sorted order.
func (r *Registry) Providers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.adapters))
	for id := range r.adapters {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
