package autosend

import (
	"context"
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	"gorm.io/gorm"

	"github.com/iworkr/aiva.io-sub003/internal/audit"
	"github.com/iworkr/aiva.io-sub003/internal/db"
	"github.com/iworkr/aiva.io-sub003/internal/gate"
	"github.com/iworkr/aiva.io-sub003/internal/models"
	"github.com/iworkr/aiva.io-sub003/internal/policy"
	"github.com/iworkr/aiva.io-sub003/internal/queue"
)

var tenAM = time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	gormDB, err := db.ConnectSQLite(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := db.AutoMigrate(gormDB); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return gormDB
}

func autoSendWorkspace() models.Workspace {
	return models.Workspace{
		ID:                  "ws1",
		Timezone:            "UTC",
		AutoSendEnabled:     true,
		ConfidenceThreshold: 0.85,
		DelayType:           "exact",
		DelayMinMinutes:     10,
		SendWindowStart:     "09:00",
		SendWindowEnd:       "21:00",
	}
}

func newTestService(t *testing.T, ws models.Workspace) (*Service, *gorm.DB) {
	t.Helper()
	gormDB := openTestDB(t)
	if err := gormDB.Create(&ws).Error; err != nil {
		t.Fatalf("seed workspace: %v", err)
	}
	svc := NewService(ServiceOpts{DB: gormDB, Policies: policy.NewGormStore(gormDB), Seed: 7})
	svc.now = func() time.Time { return tenAM }
	return svc, gormDB
}

func seedMessage(t *testing.T, gormDB *gorm.DB, id, priority, category string) {
	t.Helper()
	msg := models.Message{
		ID: id, WorkspaceID: "ws1", ConnectionID: "mail",
		Priority: priority, Category: category, ReceivedAt: tenAM.Add(-time.Hour),
	}
	if err := gormDB.Create(&msg).Error; err != nil {
		t.Fatalf("seed message: %v", err)
	}
}

func seedDraft(t *testing.T, gormDB *gorm.DB, id, messageID string, confidence float64) {
	t.Helper()
	d := models.Draft{ID: id, MessageID: messageID, Body: "Sounds good.", OriginalBody: "Sounds good.", ConfidenceScore: confidence}
	if err := gormDB.Create(&d).Error; err != nil {
		t.Fatalf("seed draft: %v", err)
	}
}

func activeItems(t *testing.T, gormDB *gorm.DB, messageID string) []models.AutoSendQueueItem {
	t.Helper()
	var items []models.AutoSendQueueItem
	if err := gormDB.Where("message_id = ? AND status IN ?", messageID,
		[]string{queue.StatusPending, queue.StatusProcessing}).Find(&items).Error; err != nil {
		t.Fatalf("load items: %v", err)
	}
	return items
}

func TestEvaluateDraft_AutoSendWithinWindow(t *testing.T) {
	svc, gormDB := newTestService(t, autoSendWorkspace())
	seedMessage(t, gormDB, "m1", "low", "notification")
	seedDraft(t, gormDB, "d1", "m1", 0.92)

	ev, err := svc.EvaluateDraft(context.Background(), "m1", "d1")
	if err != nil {
		t.Fatalf("EvaluateDraft: %v", err)
	}
	if ev.Decision != gate.AutoSend {
		t.Fatalf("Decision = %q, want auto_send (reason %s)", ev.Decision, ev.Reason)
	}
	want := tenAM.Add(10 * time.Minute)
	if ev.ScheduledSendAt == nil || !ev.ScheduledSendAt.Equal(want) {
		t.Errorf("ScheduledSendAt = %v, want %v", ev.ScheduledSendAt, want)
	}
	if !ev.Created || ev.QueueItemID == nil {
		t.Errorf("evaluation = %+v, want a created queue item", ev)
	}

	items := activeItems(t, gormDB, "m1")
	if len(items) != 1 || items[0].DraftID != "d1" || items[0].Source != queue.SourceGate {
		t.Errorf("items = %+v", items)
	}

	entries, _ := audit.List(context.Background(), gormDB, audit.Filter{MessageID: "m1"})
	if len(entries) != 2 {
		t.Fatalf("audit entries = %d, want gate_decision and queued", len(entries))
	}
	// Newest first: the decision must precede the queue write.
	if entries[1].EventType != audit.EventGateDecision || entries[0].EventType != audit.EventQueued {
		t.Errorf("audit order = %s, %s", entries[1].EventType, entries[0].EventType)
	}
}

func TestEvaluateDraft_LowConfidenceHolds(t *testing.T) {
	svc, gormDB := newTestService(t, autoSendWorkspace())
	seedMessage(t, gormDB, "m1", "low", "notification")
	seedDraft(t, gormDB, "d1", "m1", 0.60)

	ev, err := svc.EvaluateDraft(context.Background(), "m1", "d1")
	if err != nil {
		t.Fatalf("EvaluateDraft: %v", err)
	}
	if ev.Decision != gate.HoldForReview || ev.Reason != gate.ReasonLowConfidence {
		t.Fatalf("evaluation = %+v", ev)
	}
	if math.Abs(ev.Gap-0.25) > 1e-9 {
		t.Errorf("Gap = %v, want 0.25", ev.Gap)
	}
	if !strings.Contains(ev.Detail, "confidence") {
		t.Errorf("Detail = %q, want mention of confidence", ev.Detail)
	}

	var d models.Draft
	gormDB.First(&d, "id = ?", "d1")
	if !d.HoldForReview || d.ReviewReason != string(gate.ReasonLowConfidence) {
		t.Errorf("draft = %+v", d)
	}
	var m models.Message
	gormDB.First(&m, "id = ?", "m1")
	if !m.RequiresHumanReview {
		t.Error("message not flagged for review")
	}
	if n := len(activeItems(t, gormDB, "m1")); n != 0 {
		t.Errorf("active items = %d, want 0", n)
	}
}

func TestEvaluateDraft_TwiceKeepsOneActiveItem(t *testing.T) {
	svc, gormDB := newTestService(t, autoSendWorkspace())
	seedMessage(t, gormDB, "m1", "low", "notification")
	seedDraft(t, gormDB, "d1", "m1", 0.95)
	seedDraft(t, gormDB, "d2", "m1", 0.97)

	if _, err := svc.EvaluateDraft(context.Background(), "m1", "d1"); err != nil {
		t.Fatalf("first EvaluateDraft: %v", err)
	}
	ev, err := svc.EvaluateDraft(context.Background(), "m1", "d2")
	if err != nil {
		t.Fatalf("second EvaluateDraft: %v", err)
	}
	if !ev.Replaced {
		t.Errorf("second evaluation = %+v, want re-pointed item", ev)
	}
	items := activeItems(t, gormDB, "m1")
	if len(items) != 1 {
		t.Fatalf("active items = %d, want 1", len(items))
	}
	if items[0].DraftID != "d2" {
		t.Errorf("DraftID = %q, want latest draft", items[0].DraftID)
	}
}

func TestEvaluateDraft_HoldCancelsPending(t *testing.T) {
	svc, gormDB := newTestService(t, autoSendWorkspace())
	seedMessage(t, gormDB, "m1", "low", "notification")
	seedDraft(t, gormDB, "d1", "m1", 0.95)
	seedDraft(t, gormDB, "d2", "m1", 0.40)

	if _, err := svc.EvaluateDraft(context.Background(), "m1", "d1"); err != nil {
		t.Fatalf("EvaluateDraft d1: %v", err)
	}
	ev, err := svc.EvaluateDraft(context.Background(), "m1", "d2")
	if err != nil {
		t.Fatalf("EvaluateDraft d2: %v", err)
	}
	if ev.Decision != gate.HoldForReview || ev.Cancelled != 1 {
		t.Errorf("evaluation = %+v, want hold cancelling one item", ev)
	}
	if n := len(activeItems(t, gormDB, "m1")); n != 0 {
		t.Errorf("active items = %d, want 0", n)
	}
}

func TestEvaluateDraft_SkipCases(t *testing.T) {
	tests := []struct {
		name     string
		ws       func(*models.Workspace)
		priority string
		category string
		reason   gate.Reason
	}{
		{"disabled", func(w *models.Workspace) { w.AutoSendEnabled = false }, "low", "", gate.ReasonAutoSendDisabled},
		{"paused", func(w *models.Workspace) { w.AutoSendPaused = true }, "low", "", gate.ReasonAutoSendPaused},
		{"urgent", nil, "urgent", "", gate.ReasonHighPriority},
		{"legal", nil, "low", "legal", gate.ReasonSensitiveCategory},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ws := autoSendWorkspace()
			if tt.ws != nil {
				tt.ws(&ws)
			}
			svc, gormDB := newTestService(t, ws)
			seedMessage(t, gormDB, "m1", tt.priority, tt.category)
			seedDraft(t, gormDB, "d1", "m1", 0.99)

			ev, err := svc.EvaluateDraft(context.Background(), "m1", "d1")
			if err != nil {
				t.Fatalf("EvaluateDraft: %v", err)
			}
			if ev.Decision != gate.Skip || ev.Reason != tt.reason {
				t.Errorf("evaluation = %s/%s, want skip/%s", ev.Decision, ev.Reason, tt.reason)
			}
			if n := len(activeItems(t, gormDB, "m1")); n != 0 {
				t.Errorf("active items = %d, want 0", n)
			}
		})
	}
}

func TestEvaluateDraft_NoPolicySkips(t *testing.T) {
	svc, gormDB := newTestService(t, autoSendWorkspace())
	msg := models.Message{ID: "m9", WorkspaceID: "ws-unknown", ReceivedAt: tenAM}
	gormDB.Create(&msg)
	seedDraft(t, gormDB, "d9", "m9", 0.99)

	ev, err := svc.EvaluateDraft(context.Background(), "m9", "d9")
	if err != nil {
		t.Fatalf("EvaluateDraft: %v", err)
	}
	if ev.Decision != gate.Skip || ev.Reason != gate.ReasonNoPolicy {
		t.Errorf("evaluation = %+v", ev)
	}
}

func TestEvaluateDraft_SchedulingErrorHolds(t *testing.T) {
	ws := autoSendWorkspace()
	ws.Timezone = "Mars/Olympus_Mons"
	svc, gormDB := newTestService(t, ws)
	seedMessage(t, gormDB, "m1", "low", "")
	seedDraft(t, gormDB, "d1", "m1", 0.99)

	ev, err := svc.EvaluateDraft(context.Background(), "m1", "d1")
	if err != nil {
		t.Fatalf("EvaluateDraft: %v", err)
	}
	if ev.Decision != gate.HoldForReview || ev.Reason != gate.ReasonSchedulingFailed {
		t.Errorf("evaluation = %+v", ev)
	}
}

func TestEvaluateDraft_OutsideWindowDeferred(t *testing.T) {
	ws := autoSendWorkspace()
	ws.SendWindowStart, ws.SendWindowEnd = "22:00", "06:00"
	svc, gormDB := newTestService(t, ws)
	seedMessage(t, gormDB, "m1", "low", "")
	seedDraft(t, gormDB, "d1", "m1", 0.99)

	ev, err := svc.EvaluateDraft(context.Background(), "m1", "d1")
	if err != nil {
		t.Fatalf("EvaluateDraft: %v", err)
	}
	want := time.Date(2025, 6, 2, 22, 0, 0, 0, time.UTC)
	if ev.ScheduledSendAt == nil || !ev.ScheduledSendAt.Equal(want) {
		t.Errorf("ScheduledSendAt = %v, want %v", ev.ScheduledSendAt, want)
	}
}

func TestEvaluateDraft_FlaggedDraftStaysHeld(t *testing.T) {
	svc, gormDB := newTestService(t, autoSendWorkspace())
	seedMessage(t, gormDB, "m1", "low", "")
	d := models.Draft{ID: "d1", MessageID: "m1", Body: "x", ConfidenceScore: 0.99,
		HoldForReview: true, ReviewReason: string(gate.ReasonNoCalendarMatch)}
	gormDB.Create(&d)

	ev, err := svc.EvaluateDraft(context.Background(), "m1", "d1")
	if err != nil {
		t.Fatalf("EvaluateDraft: %v", err)
	}
	if ev.Decision != gate.HoldForReview || ev.Reason != gate.ReasonNoCalendarMatch {
		t.Errorf("evaluation = %+v", ev)
	}
}

func TestEvaluateDraft_NotFound(t *testing.T) {
	svc, gormDB := newTestService(t, autoSendWorkspace())
	seedMessage(t, gormDB, "m1", "low", "")
	seedMessage(t, gormDB, "m2", "low", "")
	seedDraft(t, gormDB, "d2", "m2", 0.9)

	if _, err := svc.EvaluateDraft(context.Background(), "nope", "d2"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing message err = %v", err)
	}
	if _, err := svc.EvaluateDraft(context.Background(), "m1", "d2"); !errors.Is(err, ErrNotFound) {
		t.Errorf("foreign draft err = %v", err)
	}
}

func TestEvaluateDraft_HandledMessageSkipped(t *testing.T) {
	svc, gormDB := newTestService(t, autoSendWorkspace())
	now := tenAM
	msg := models.Message{ID: "m1", WorkspaceID: "ws1", ReceivedAt: now,
		HandledByAssistant: true, HandledAt: &now, HandleAction: "manual_reply"}
	gormDB.Create(&msg)
	seedDraft(t, gormDB, "d1", "m1", 0.99)

	ev, err := svc.EvaluateDraft(context.Background(), "m1", "d1")
	if err != nil {
		t.Fatalf("EvaluateDraft: %v", err)
	}
	if ev.Decision != gate.Skip || ev.Reason != gate.ReasonAlreadyHandled {
		t.Errorf("evaluation = %+v", ev)
	}
}
