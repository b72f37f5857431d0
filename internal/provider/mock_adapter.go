package provider

import (
	"context"
	"fmt"
	"sync"
)

// SentReply is one reply recorded by MockAdapter.
type SentReply struct {
	ConnectionID string
	Threading    Threading
	Body         string
}

// MockAdapter implements Adapter for tests. It records every call and
// returns configurable results.
type MockAdapter struct {
	mu       sync.Mutex
	provider string

	sent      []SentReply
	sendErrs  []error
	sendHook  func(ctx context.Context) error
	handled   []MessageRef
	restored  []MessageRef
	result    HandleResult
	handleErr error
	restErr   error
	counter   int
}

// NewMockAdapter returns a mock serving provider whose MarkHandled honors
// every requested option.
func NewMockAdapter(provider string) *MockAdapter {
	return &MockAdapter{provider: provider}
}

// Provider returns the configured provider id.
func (m *MockAdapter) Provider() string { return m.provider }

// SendReply records the reply, or returns the next queued error.
func (m *MockAdapter) SendReply(ctx context.Context, connectionID string, th Threading, body string) (SendResult, error) {
	m.mu.Lock()
	hook := m.sendHook
	m.mu.Unlock()
	if hook != nil {
		if err := hook(ctx); err != nil {
			return SendResult{}, err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sendErrs) > 0 {
		err := m.sendErrs[0]
		m.sendErrs = m.sendErrs[1:]
		if err != nil {
			return SendResult{}, err
		}
	}
	m.counter++
	m.sent = append(m.sent, SentReply{ConnectionID: connectionID, Threading: th, Body: body})
	return SendResult{ProviderMessageID: fmt.Sprintf("%s-reply-%d", m.provider, m.counter)}, nil
}

// MarkHandled records the call. Without SetHandleResult it reports every
// requested option as applied.
func (m *MockAdapter) MarkHandled(ctx context.Context, connectionID string, ref MessageRef, opts HandleOptions) (HandleResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handled = append(m.handled, ref)
	if m.result != (HandleResult{}) || m.handleErr != nil {
		return m.result, m.handleErr
	}
	return HandleResult{MarkedRead: opts.MarkRead, Archived: opts.Archive, Labeled: opts.ApplyLabel}, nil
}

// Restore records the call and returns the configured error.
func (m *MockAdapter) Restore(ctx context.Context, connectionID string, ref MessageRef, opts HandleOptions) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.restored = append(m.restored, ref)
	return m.restErr
}

// --- Test helpers ---

// FailSends queues errors returned by successive SendReply calls. A nil
// entry lets that call succeed.
func (m *MockAdapter) FailSends(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sendErrs = append(m.sendErrs, errs...)
}

// OnSend installs a hook run at the start of every SendReply.
func (m *MockAdapter) OnSend(hook func(ctx context.Context) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sendHook = hook
}

// SetHandleResult fixes the MarkHandled outcome.
func (m *MockAdapter) SetHandleResult(r HandleResult, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.result = r
	m.handleErr = err
}

// SetRestoreError makes Restore fail with err.
func (m *MockAdapter) SetRestoreError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.restErr = err
}

// SentCount returns the number of delivered replies.
func (m *MockAdapter) SentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

// LastSent returns the most recent reply and whether one exists.
func (m *MockAdapter) LastSent() (SentReply, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sent) == 0 {
		return SentReply{}, false
	}
	return m.sent[len(m.sent)-1], true
}

// HandledCount returns the number of MarkHandled calls.
func (m *MockAdapter) HandledCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.handled)
}

// RestoredCount returns the number of Restore calls.
func (m *MockAdapter) RestoredCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.restored)
}
