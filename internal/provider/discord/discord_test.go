package discord

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/iworkr/aiva.io-sub003/internal/config"
	"github.com/iworkr/aiva.io-sub003/internal/provider"
)

// --- Mock session ---

type mockSession struct {
	mu        sync.Mutex
	sent      []sentMessage
	sendErrs  []error
	channels  map[string]*discordgo.Channel
	archived  map[string]bool
	reactions map[string]bool
	reactErr  error
	editErr   error
}

type sentMessage struct {
	channelID string
	data      *discordgo.MessageSend
}

func newMockSession() *mockSession {
	return &mockSession{
		channels:  make(map[string]*discordgo.Channel),
		archived:  make(map[string]bool),
		reactions: make(map[string]bool),
	}
}

func (m *mockSession) Channel(channelID string, options ...discordgo.RequestOption) (*discordgo.Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.channels[channelID]
	if !ok {
		return &discordgo.Channel{ID: channelID, Type: discordgo.ChannelTypeGuildText}, nil
	}
	return ch, nil
}

func (m *mockSession) ChannelEdit(channelID string, data *discordgo.ChannelEdit, options ...discordgo.RequestOption) (*discordgo.Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.editErr != nil {
		return nil, m.editErr
	}
	if data.Archived != nil {
		m.archived[channelID] = *data.Archived
	}
	return m.channels[channelID], nil
}

func (m *mockSession) ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sendErrs) > 0 {
		err := m.sendErrs[0]
		m.sendErrs = m.sendErrs[1:]
		return nil, err
	}
	m.sent = append(m.sent, sentMessage{channelID: channelID, data: data})
	return &discordgo.Message{ID: "M900", ChannelID: channelID}, nil
}

func (m *mockSession) MessageReactionAdd(channelID, messageID, emojiID string, options ...discordgo.RequestOption) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.reactErr != nil {
		return m.reactErr
	}
	m.reactions[channelID+":"+messageID+":"+emojiID] = true
	return nil
}

func (m *mockSession) MessageReactionRemove(channelID, messageID, emojiID, userID string, options ...discordgo.RequestOption) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.reactions, channelID+":"+messageID+":"+emojiID)
	return nil
}

func restError(status int) error {
	return &discordgo.RESTError{Response: &http.Response{StatusCode: status}}
}

func newTestAdapter(t *testing.T) (*Adapter, *mockSession) {
	t.Helper()
	sess := newMockSession()
	a, err := New(AdapterOpts{
		Connections: []config.DiscordConnection{{ID: "dc", Workspace: "ws1", BotToken: "tok"}},
		NewSession:  func(string) (session, error) { return sess, nil },
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	a.baseBackoff = time.Millisecond
	a.maxBackoff = time.Millisecond
	return a, sess
}

func TestNew_RequiresToken(t *testing.T) {
	if _, err := New(AdapterOpts{Connections: []config.DiscordConnection{{ID: "dc"}}}); err == nil {
		t.Fatal("expected error for missing bot token")
	}
}

func TestSendReply(t *testing.T) {
	a, sess := newTestAdapter(t)
	res, err := a.SendReply(context.Background(), "dc",
		provider.Threading{ThreadID: "T1:M1", MessageID: "T1:M2"}, "On it")
	if err != nil {
		t.Fatalf("SendReply: %v", err)
	}
	if res.ProviderMessageID != "T1:M900" {
		t.Errorf("ProviderMessageID = %q, want %q", res.ProviderMessageID, "T1:M900")
	}
	if len(sess.sent) != 1 {
		t.Fatalf("sent = %d, want 1", len(sess.sent))
	}
	got := sess.sent[0].data
	if got.Content != "On it" || got.Reference == nil || got.Reference.MessageID != "M2" {
		t.Errorf("message = %+v", got)
	}
}

func TestSendReply_RetriesRateLimit(t *testing.T) {
	a, sess := newTestAdapter(t)
	sess.sendErrs = []error{restError(http.StatusTooManyRequests), restError(http.StatusTooManyRequests)}
	if _, err := a.SendReply(context.Background(), "dc", provider.Threading{MessageID: "C1:M1"}, "hi"); err != nil {
		t.Fatalf("SendReply: %v", err)
	}
	if len(sess.sent) != 1 {
		t.Errorf("sent = %d, want 1", len(sess.sent))
	}
}

func TestSendReply_ErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		permanent bool
	}{
		{"unauthorized", restError(http.StatusUnauthorized), true},
		{"forbidden", restError(http.StatusForbidden), true},
		{"unknown channel", restError(http.StatusNotFound), true},
		{"server error", restError(http.StatusBadGateway), false},
		{"network", errors.New("dial tcp: i/o timeout"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, sess := newTestAdapter(t)
			sess.sendErrs = []error{tt.err}
			_, err := a.SendReply(context.Background(), "dc", provider.Threading{MessageID: "C1:M1"}, "hi")
			if err == nil {
				t.Fatal("expected error")
			}
			if provider.IsPermanent(err) != tt.permanent {
				t.Errorf("IsPermanent = %v, want %v", provider.IsPermanent(err), tt.permanent)
			}
		})
	}
}

func TestSendReply_MalformedRef(t *testing.T) {
	a, _ := newTestAdapter(t)
	_, err := a.SendReply(context.Background(), "dc", provider.Threading{MessageID: "M1"}, "hi")
	if !provider.IsPermanent(err) {
		t.Errorf("err = %v, want permanent", err)
	}
}

func TestMarkHandled_ThreadArchive(t *testing.T) {
	a, sess := newTestAdapter(t)
	sess.channels["T1"] = &discordgo.Channel{ID: "T1", Type: discordgo.ChannelTypeGuildPublicThread}
	ref := provider.MessageRef{ThreadID: "T1:M1", MessageID: "T1:M2"}

	res, err := a.MarkHandled(context.Background(), "dc", ref,
		provider.HandleOptions{MarkRead: true, Archive: true, ApplyLabel: true})
	if err != nil {
		t.Fatalf("MarkHandled: %v", err)
	}
	want := provider.HandleResult{Archived: true, Labeled: true}
	if res != want {
		t.Errorf("result = %+v, want %+v", res, want)
	}
	if !sess.archived["T1"] {
		t.Error("thread not archived")
	}
	if !sess.reactions["T1:M2:"+defaultReaction] {
		t.Errorf("reactions = %v", sess.reactions)
	}

	if err := a.Restore(context.Background(), "dc", ref, provider.HandleOptions{Archive: true, ApplyLabel: true}); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if sess.archived["T1"] {
		t.Error("thread still archived after restore")
	}
	if len(sess.reactions) != 0 {
		t.Errorf("reactions after restore = %v", sess.reactions)
	}
}

func TestMarkHandled_RegularChannelNotArchived(t *testing.T) {
	a, sess := newTestAdapter(t)
	res, err := a.MarkHandled(context.Background(), "dc",
		provider.MessageRef{MessageID: "C1:M1"}, provider.HandleOptions{Archive: true})
	if err != nil {
		t.Fatalf("MarkHandled: %v", err)
	}
	if res.Archived {
		t.Error("regular channel reported archived")
	}
	if len(sess.archived) != 0 {
		t.Errorf("ChannelEdit called: %v", sess.archived)
	}
}

func TestMarkHandled_PartialSuccess(t *testing.T) {
	a, sess := newTestAdapter(t)
	sess.channels["T1"] = &discordgo.Channel{ID: "T1", Type: discordgo.ChannelTypeGuildPrivateThread}
	sess.editErr = restError(http.StatusForbidden)

	res, err := a.MarkHandled(context.Background(), "dc",
		provider.MessageRef{MessageID: "T1:M1"}, provider.HandleOptions{Archive: true, ApplyLabel: true})
	if err == nil {
		t.Fatal("expected archive error")
	}
	if !res.Labeled || res.Archived {
		t.Errorf("result = %+v, want labeled only", res)
	}
}
