package handling

import (
	"context"
	"errors"
	"testing"
	"time"

	"gorm.io/gorm"

	"github.com/iworkr/aiva.io-sub003/internal/audit"
	"github.com/iworkr/aiva.io-sub003/internal/connection"
	"github.com/iworkr/aiva.io-sub003/internal/db"
	"github.com/iworkr/aiva.io-sub003/internal/models"
	"github.com/iworkr/aiva.io-sub003/internal/policy"
	"github.com/iworkr/aiva.io-sub003/internal/provider"
)

type fixture struct {
	db      *gorm.DB
	adapter *provider.MockAdapter
	machine *Machine
	conns   *connection.Service
}

func newFixture(t *testing.T, ws models.Workspace) *fixture {
	t.Helper()
	gormDB, err := db.ConnectSQLite(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := db.AutoMigrate(gormDB); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if err := gormDB.Create(&ws).Error; err != nil {
		t.Fatalf("seed workspace: %v", err)
	}
	conn := models.ChannelConnection{ID: "mail", WorkspaceID: ws.ID, Provider: provider.Email, Status: connection.StatusActive}
	if err := gormDB.Create(&conn).Error; err != nil {
		t.Fatalf("seed connection: %v", err)
	}

	adapter := provider.NewMockAdapter(provider.Email)
	conns := connection.NewService(gormDB, provider.NewRegistry(adapter), connection.AlertConfig{}, nil)
	m := New(MachineOpts{DB: gormDB, Policies: policy.NewGormStore(gormDB), Connections: conns})
	m.now = func() time.Time { return time.Date(2025, 6, 2, 9, 30, 0, 0, time.UTC) }
	return &fixture{db: gormDB, adapter: adapter, machine: m, conns: conns}
}

func inboxZeroWorkspace() models.Workspace {
	return models.Workspace{
		ID:                  "ws1",
		Timezone:            "UTC",
		InboxZeroEnabled:    true,
		InboxZeroArchive:    true,
		InboxZeroApplyLabel: true,
		InboxZeroLabel:      "Handled",
	}
}

func (f *fixture) seedMessage(t *testing.T, id string, withRef bool) {
	t.Helper()
	msg := models.Message{ID: id, WorkspaceID: "ws1", ConnectionID: "mail", ReceivedAt: time.Now().UTC()}
	if withRef {
		msg.ProviderThreadID = "<root@x>"
		msg.ProviderMessageID = "<" + id + "@x>"
	}
	if err := f.db.Create(&msg).Error; err != nil {
		t.Fatalf("seed message: %v", err)
	}
}

func (f *fixture) message(t *testing.T, id string) models.Message {
	t.Helper()
	var msg models.Message
	if err := f.db.First(&msg, "id = ?", id).Error; err != nil {
		t.Fatalf("load message: %v", err)
	}
	return msg
}

func TestHandleThenRestore(t *testing.T) {
	f := newFixture(t, inboxZeroWorkspace())
	f.seedMessage(t, "m1", true)
	ctx := context.Background()

	res, err := f.machine.Handle(ctx, "m1", ActionAutoReplied, audit.ActorWorker, Overrides{})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if res.NoOp || !res.Attempted || !res.Provider.Archived || !res.Provider.Labeled || !res.Provider.MarkedRead {
		t.Errorf("Handle result = %+v", res)
	}
	msg := f.message(t, "m1")
	if !msg.HandledByAssistant || msg.HandledAt == nil || msg.HandleAction != ActionAutoReplied || !msg.ArchivedInProvider {
		t.Errorf("after handle = %+v", msg)
	}

	f.adapter.SetRestoreError(provider.NewError(provider.Email, "unarchive", provider.Transient, errors.New("imap timeout")))
	res, err = f.machine.Restore(ctx, "m1", "reviewer@example.com")
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if res.ProviderErr == nil {
		t.Error("provider error not surfaced")
	}
	msg = f.message(t, "m1")
	if msg.HandledByAssistant || msg.HandledAt != nil || msg.HandleAction != "" || msg.ArchivedInProvider {
		t.Errorf("after restore = %+v", msg)
	}
	if f.adapter.RestoredCount() != 1 {
		t.Errorf("Restore calls = %d, want 1", f.adapter.RestoredCount())
	}

	entries, _ := audit.List(ctx, f.db, audit.Filter{MessageID: "m1"})
	if len(entries) != 2 || entries[0].EventType != audit.EventRestored || entries[1].EventType != audit.EventHandled {
		t.Errorf("audit = %+v", entries)
	}
}

func TestHandle_PartialSuccessRecorded(t *testing.T) {
	f := newFixture(t, inboxZeroWorkspace())
	f.seedMessage(t, "m1", true)
	f.adapter.SetHandleResult(provider.HandleResult{MarkedRead: true, Labeled: true},
		provider.NewError(provider.Email, "archive", provider.Transient, errors.New("quota")))

	res, err := f.machine.Handle(context.Background(), "m1", ActionAutoReplied, "", Overrides{})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if res.ProviderErr == nil || res.Provider.Archived {
		t.Errorf("result = %+v", res)
	}
	msg := f.message(t, "m1")
	if !msg.HandledByAssistant || msg.ArchivedInProvider {
		t.Errorf("message = %+v, want handled and not archived", msg)
	}
	entries, _ := audit.List(context.Background(), f.db, audit.Filter{MessageID: "m1", EventType: audit.EventHandled})
	if len(entries) != 1 {
		t.Fatalf("handled entries = %d", len(entries))
	}
	if entries[0].Details == "{}" {
		t.Error("audit details should record which effects succeeded")
	}
}

func TestHandle_PermanentErrorFlagsConnection(t *testing.T) {
	f := newFixture(t, inboxZeroWorkspace())
	f.seedMessage(t, "m1", true)
	f.adapter.SetHandleResult(provider.HandleResult{},
		provider.NewError(provider.Email, "connect", provider.Permanent, errors.New("535 auth")))

	if _, err := f.machine.Handle(context.Background(), "m1", ActionManualReply, "", Overrides{}); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	c, err := f.conns.Get(context.Background(), "mail")
	if err != nil {
		t.Fatalf("Get connection: %v", err)
	}
	if c.Status != connection.StatusNeedsReconnect {
		t.Errorf("connection status = %q", c.Status)
	}
}

func TestHandle_InboxZeroDisabled(t *testing.T) {
	ws := inboxZeroWorkspace()
	ws.InboxZeroEnabled = false
	f := newFixture(t, ws)
	f.seedMessage(t, "m1", true)

	res, err := f.machine.Handle(context.Background(), "m1", ActionAutoReplied, "", Overrides{})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if res.Attempted || f.adapter.HandledCount() != 0 {
		t.Error("provider called with inbox-zero disabled")
	}
	if !f.message(t, "m1").HandledByAssistant {
		t.Error("message not handled")
	}
}

func TestHandle_NoProviderRef(t *testing.T) {
	f := newFixture(t, inboxZeroWorkspace())
	f.seedMessage(t, "m1", false)
	if _, err := f.machine.Handle(context.Background(), "m1", ActionAutoReplied, "", Overrides{}); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if f.adapter.HandledCount() != 0 {
		t.Error("provider called without provider ids")
	}
}

func TestHandle_Overrides(t *testing.T) {
	f := newFixture(t, inboxZeroWorkspace())
	f.seedMessage(t, "m1", true)
	no := false
	res, err := f.machine.Handle(context.Background(), "m1", ActionDismissed, "", Overrides{Archive: &no})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if res.Provider.Archived || !res.Provider.Labeled {
		t.Errorf("result = %+v, want label without archive", res.Provider)
	}
}

func TestHandle_AlreadyHandledIsNoOp(t *testing.T) {
	f := newFixture(t, inboxZeroWorkspace())
	f.seedMessage(t, "m1", true)
	ctx := context.Background()
	if _, err := f.machine.Handle(ctx, "m1", ActionAutoReplied, "", Overrides{}); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	res, err := f.machine.Handle(ctx, "m1", ActionReviewApproved, "", Overrides{})
	if err != nil {
		t.Fatalf("second Handle: %v", err)
	}
	if !res.NoOp {
		t.Error("second Handle should be a no-op")
	}
	if f.adapter.HandledCount() != 1 {
		t.Errorf("provider calls = %d, want 1", f.adapter.HandledCount())
	}
	if got := f.message(t, "m1").HandleAction; got != ActionAutoReplied {
		t.Errorf("HandleAction = %q, want first action kept", got)
	}
}

func TestRestore_UnhandledIsNoOp(t *testing.T) {
	f := newFixture(t, inboxZeroWorkspace())
	f.seedMessage(t, "m1", true)
	res, err := f.machine.Restore(context.Background(), "m1", "")
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if !res.NoOp || f.adapter.RestoredCount() != 0 {
		t.Errorf("Restore = %+v, calls = %d", res, f.adapter.RestoredCount())
	}
}

func TestHandle_Errors(t *testing.T) {
	f := newFixture(t, inboxZeroWorkspace())
	if _, err := f.machine.Handle(context.Background(), "missing", ActionAutoReplied, "", Overrides{}); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing err = %v, want ErrNotFound", err)
	}
	if _, err := f.machine.Handle(context.Background(), "m1", "bogus", "", Overrides{}); err == nil {
		t.Error("expected error for invalid action")
	}
}

func TestHandle_MissingPolicyMeansNoSideEffects(t *testing.T) {
	f := newFixture(t, inboxZeroWorkspace())
	msg := models.Message{ID: "m2", WorkspaceID: "ws-missing", ConnectionID: "mail", ProviderMessageID: "<m2@x>", ReceivedAt: time.Now().UTC()}
	if err := f.db.Create(&msg).Error; err != nil {
		t.Fatalf("seed: %v", err)
	}
	res, err := f.machine.Handle(context.Background(), "m2", ActionAutoReplied, "", Overrides{})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if res.Attempted {
		t.Error("provider called without a policy")
	}
}
