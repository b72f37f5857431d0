package review_test

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"gorm.io/gorm"

	"github.com/iworkr/aiva.io-sub003/internal/audit"
	"github.com/iworkr/aiva.io-sub003/internal/db"
	"github.com/iworkr/aiva.io-sub003/internal/models"
	"github.com/iworkr/aiva.io-sub003/internal/queue"
	"github.com/iworkr/aiva.io-sub003/internal/review"
)

var base = time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)

var _ = Describe("Service", func() {
	var (
		ctx    context.Context
		gormDB *gorm.DB
		svc    *review.Service
	)

	seedMessage := func(id string, received time.Time, flagged bool, reason string) {
		msg := models.Message{
			ID: id, WorkspaceID: "ws1", ConnectionID: "mail", Sender: "ana@example.com",
			Subject: "Re: " + id, ReceivedAt: received,
			RequiresHumanReview: flagged, ReviewReason: reason,
		}
		Expect(gormDB.Create(&msg).Error).NotTo(HaveOccurred())
	}

	seedDraft := func(id, messageID string, created time.Time, held bool, reason string) {
		d := models.Draft{
			ID: id, MessageID: messageID, Body: "draft " + id, OriginalBody: "draft " + id,
			ConfidenceScore: 0.6, HoldForReview: held, ReviewReason: reason, CreatedAt: created,
		}
		Expect(gormDB.Create(&d).Error).NotTo(HaveOccurred())
	}

	loadMessage := func(id string) models.Message {
		var m models.Message
		Expect(gormDB.First(&m, "id = ?", id).Error).NotTo(HaveOccurred())
		return m
	}

	BeforeEach(func() {
		ctx = context.Background()
		var err error
		gormDB, err = db.ConnectSQLite(":memory:")
		Expect(err).NotTo(HaveOccurred())
		Expect(db.AutoMigrate(gormDB)).To(Succeed())
		Expect(gormDB.Create(&models.Workspace{ID: "ws1", Timezone: "UTC"}).Error).NotTo(HaveOccurred())
		svc = review.NewService(gormDB, nil)
	})

	Describe("List", func() {
		It("merges flagged messages and held drafts newest first", func() {
			seedMessage("m1", base, true, "low_confidence")
			seedDraft("d1", "m1", base, true, "low_confidence")
			seedMessage("m2", base.Add(2*time.Hour), false, "")
			seedDraft("d2", "m2", base.Add(2*time.Hour), true, "no_calendar_match")
			seedMessage("m3", base.Add(time.Hour), true, "sensitive_category")

			items, err := svc.List(ctx, "ws1", 10)
			Expect(err).NotTo(HaveOccurred())
			Expect(items).To(HaveLen(3))
			Expect(items[0].MessageID).To(Equal("m2"))
			Expect(items[0].Reason).To(Equal("no calendar match"))
			Expect(items[1].MessageID).To(Equal("m3"))
			Expect(items[1].Reason).To(Equal("sensitive category"))
			Expect(items[1].DraftID).To(BeEmpty())
			Expect(items[2].MessageID).To(Equal("m1"))
			Expect(items[2].Reason).To(Equal("low confidence"))
		})

		It("lists a message once with its latest draft", func() {
			seedMessage("m1", base, true, "low_confidence")
			seedDraft("d1", "m1", base, true, "low_confidence")
			seedDraft("d2", "m1", base.Add(time.Minute), true, "low_confidence")

			items, err := svc.List(ctx, "ws1", 10)
			Expect(err).NotTo(HaveOccurred())
			Expect(items).To(HaveLen(1))
			Expect(items[0].DraftID).To(Equal("d2"))
		})

		It("applies the limit after sorting", func() {
			for i, id := range []string{"a", "b", "c"} {
				seedMessage(id, base.Add(time.Duration(i)*time.Hour), true, "manual_flag")
			}
			items, err := svc.List(ctx, "ws1", 2)
			Expect(err).NotTo(HaveOccurred())
			Expect(items).To(HaveLen(2))
			Expect(items[0].MessageID).To(Equal("c"))
			Expect(items[1].MessageID).To(Equal("b"))
		})

		It("skips handled messages and other workspaces", func() {
			now := base
			handled := models.Message{ID: "h1", WorkspaceID: "ws1", ReceivedAt: base,
				RequiresHumanReview: true, HandledByAssistant: true, HandledAt: &now}
			Expect(gormDB.Create(&handled).Error).NotTo(HaveOccurred())
			other := models.Message{ID: "o1", WorkspaceID: "ws2", ReceivedAt: base, RequiresHumanReview: true}
			Expect(gormDB.Create(&other).Error).NotTo(HaveOccurred())

			items, err := svc.List(ctx, "ws1", 10)
			Expect(err).NotTo(HaveOccurred())
			Expect(items).To(BeEmpty())
		})
	})

	Describe("Approve", func() {
		BeforeEach(func() {
			seedMessage("m1", base, true, "low_confidence")
			seedDraft("d1", "m1", base, true, "low_confidence")
			seedDraft("d2", "m1", base.Add(time.Minute), true, "low_confidence")
		})

		It("enqueues the latest draft for immediate send and clears flags", func() {
			out, err := svc.Approve(ctx, review.ApproveRequest{MessageID: "m1", Reviewer: "sam"})
			Expect(err).NotTo(HaveOccurred())
			Expect(out.DraftID).To(Equal("d2"))
			Expect(out.QueueItemID).NotTo(BeNil())

			item, err := queue.Get(gormDB, *out.QueueItemID)
			Expect(err).NotTo(HaveOccurred())
			Expect(item.Source).To(Equal(queue.SourceReview))
			Expect(item.Status).To(Equal(queue.StatusPending))
			Expect(item.ScheduledSendAt).To(BeTemporally("~", time.Now(), 5*time.Second))

			m := loadMessage("m1")
			Expect(m.RequiresHumanReview).To(BeFalse())
			Expect(m.ReviewedBy).To(Equal("sam"))
			Expect(m.ReviewAction).To(Equal(review.ActionApproved))

			var held int64
			gormDB.Model(&models.Draft{}).Where("message_id = ? AND hold_for_review = ?", "m1", true).Count(&held)
			Expect(held).To(BeZero())

			items, err := svc.List(ctx, "ws1", 10)
			Expect(err).NotTo(HaveOccurred())
			Expect(items).To(BeEmpty())

			entries, err := audit.List(ctx, gormDB, audit.Filter{MessageID: "m1"})
			Expect(err).NotTo(HaveOccurred())
			Expect(entries).To(HaveLen(1))
			Expect(entries[0].EventType).To(Equal(audit.EventReviewApproved))
			Expect(entries[0].Actor).To(Equal("sam"))
		})

		It("re-points an existing pending item and pulls it forward", func() {
			res, err := queue.Enqueue(gormDB, queue.EnqueueOpts{
				WorkspaceID: "ws1", MessageID: "m1", DraftID: "d1",
				ScheduledSendAt: time.Now().Add(24 * time.Hour),
			})
			Expect(err).NotTo(HaveOccurred())

			out, err := svc.Approve(ctx, review.ApproveRequest{MessageID: "m1", DraftID: "d2", Reviewer: "sam"})
			Expect(err).NotTo(HaveOccurred())
			Expect(*out.QueueItemID).To(Equal(res.Item.ID))

			item, err := queue.Get(gormDB, res.Item.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(item.DraftID).To(Equal("d2"))
			Expect(item.ScheduledSendAt).To(BeTemporally("<", time.Now().Add(time.Minute)))
		})

		It("rejects a second action on the same message", func() {
			_, err := svc.Approve(ctx, review.ApproveRequest{MessageID: "m1", Reviewer: "sam"})
			Expect(err).NotTo(HaveOccurred())

			_, err = svc.Reject(ctx, review.RejectRequest{MessageID: "m1", Reviewer: "kim"})
			Expect(review.IsConsistencyError(err)).To(BeTrue())
			Expect(loadMessage("m1").ReviewedBy).To(Equal("sam"))
		})

		It("refuses a message already handled", func() {
			now := time.Now()
			Expect(gormDB.Model(&models.Message{}).Where("id = ?", "m1").Updates(map[string]interface{}{
				"handled_by_assistant": true, "handled_at": now,
			}).Error).NotTo(HaveOccurred())

			_, err := svc.Approve(ctx, review.ApproveRequest{MessageID: "m1", Reviewer: "sam"})
			Expect(review.IsConsistencyError(err)).To(BeTrue())

			var count int64
			gormDB.Model(&models.AutoSendQueueItem{}).Count(&count)
			Expect(count).To(BeZero())
		})

		It("refuses a message whose reply was already sent", func() {
			res, err := queue.Enqueue(gormDB, queue.EnqueueOpts{
				WorkspaceID: "ws1", MessageID: "m1", DraftID: "d1", ScheduledSendAt: base,
			})
			Expect(err).NotTo(HaveOccurred())
			item, err := queue.Claim(gormDB, res.Item.ID, base)
			Expect(err).NotTo(HaveOccurred())
			Expect(queue.MarkSent(gormDB, item, "sent-1", base)).To(Succeed())

			_, err = svc.Approve(ctx, review.ApproveRequest{MessageID: "m1", Reviewer: "sam"})
			Expect(review.IsConsistencyError(err)).To(BeTrue())
			Expect(loadMessage("m1").RequiresHumanReview).To(BeTrue())
		})

		It("refuses while the previous draft is mid-send", func() {
			res, err := queue.Enqueue(gormDB, queue.EnqueueOpts{
				WorkspaceID: "ws1", MessageID: "m1", DraftID: "d1", ScheduledSendAt: base,
			})
			Expect(err).NotTo(HaveOccurred())
			_, err = queue.Claim(gormDB, res.Item.ID, base)
			Expect(err).NotTo(HaveOccurred())

			_, err = svc.Approve(ctx, review.ApproveRequest{MessageID: "m1", Reviewer: "sam"})
			Expect(review.IsConsistencyError(err)).To(BeTrue())
			Expect(loadMessage("m1").ReviewedAt).To(BeNil())
		})

		It("returns ErrNotFound for unknown messages and drafts", func() {
			_, err := svc.Approve(ctx, review.ApproveRequest{MessageID: "nope", Reviewer: "sam"})
			Expect(err).To(MatchError(review.ErrNotFound))

			_, err = svc.Approve(ctx, review.ApproveRequest{MessageID: "m1", DraftID: "zz", Reviewer: "sam"})
			Expect(err).To(MatchError(review.ErrNotFound))
		})

		It("requires a reviewer", func() {
			_, err := svc.Approve(ctx, review.ApproveRequest{MessageID: "m1"})
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("EditAndSend", func() {
		BeforeEach(func() {
			seedMessage("m1", base, true, "low_confidence")
			seedDraft("d1", "m1", base, true, "low_confidence")
		})

		It("replaces the body, keeps the original and enqueues", func() {
			out, err := svc.EditAndSend(ctx, review.EditRequest{MessageID: "m1", Reviewer: "sam", Body: "Thursday works."})
			Expect(err).NotTo(HaveOccurred())
			Expect(out.Action).To(Equal(review.ActionEdited))
			Expect(out.QueueItemID).NotTo(BeNil())

			var d models.Draft
			Expect(gormDB.First(&d, "id = ?", "d1").Error).NotTo(HaveOccurred())
			Expect(d.Body).To(Equal("Thursday works."))
			Expect(d.OriginalBody).To(Equal("draft d1"))
			Expect(d.Edited()).To(BeTrue())
			Expect(d.EditedBy).To(Equal("sam"))

			entries, err := audit.List(ctx, gormDB, audit.Filter{MessageID: "m1", EventType: audit.EventReviewEdited})
			Expect(err).NotTo(HaveOccurred())
			Expect(entries).To(HaveLen(1))
		})

		It("rejects an empty body without changes", func() {
			_, err := svc.EditAndSend(ctx, review.EditRequest{MessageID: "m1", Reviewer: "sam", Body: "  "})
			Expect(err).To(HaveOccurred())
			Expect(loadMessage("m1").RequiresHumanReview).To(BeTrue())
		})
	})

	Describe("Reject", func() {
		BeforeEach(func() {
			seedMessage("m1", base, true, "sensitive_category")
			seedDraft("d1", "m1", base, true, "sensitive_category")
		})

		It("cancels pending sends and leaves the message unhandled", func() {
			_, err := queue.Enqueue(gormDB, queue.EnqueueOpts{
				WorkspaceID: "ws1", MessageID: "m1", DraftID: "d1", ScheduledSendAt: base,
			})
			Expect(err).NotTo(HaveOccurred())

			out, err := svc.Reject(ctx, review.RejectRequest{MessageID: "m1", Reviewer: "kim", Note: "will call"})
			Expect(err).NotTo(HaveOccurred())
			Expect(out.Cancelled).To(Equal(1))

			active, err := queue.Active(gormDB, "m1")
			Expect(err).NotTo(HaveOccurred())
			Expect(active).To(BeNil())

			m := loadMessage("m1")
			Expect(m.HandledByAssistant).To(BeFalse())
			Expect(m.RequiresHumanReview).To(BeFalse())
			Expect(m.ReviewAction).To(Equal(review.ActionRejected))

			entries, err := audit.List(ctx, gormDB, audit.Filter{MessageID: "m1"})
			Expect(err).NotTo(HaveOccurred())
			Expect(entries).To(HaveLen(2))
			Expect(entries[0].EventType).To(Equal(audit.EventReviewRejected))
			Expect(entries[1].EventType).To(Equal(audit.EventCancelled))
		})

		It("leaves an in-flight send alone", func() {
			res, err := queue.Enqueue(gormDB, queue.EnqueueOpts{
				WorkspaceID: "ws1", MessageID: "m1", DraftID: "d1", ScheduledSendAt: base,
			})
			Expect(err).NotTo(HaveOccurred())
			_, err = queue.Claim(gormDB, res.Item.ID, base)
			Expect(err).NotTo(HaveOccurred())

			out, err := svc.Reject(ctx, review.RejectRequest{MessageID: "m1", Reviewer: "kim"})
			Expect(err).NotTo(HaveOccurred())
			Expect(out.Cancelled).To(BeZero())

			item, err := queue.Get(gormDB, res.Item.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(item.Status).To(Equal(queue.StatusProcessing))
		})

		It("refuses a message that is not awaiting review", func() {
			seedMessage("m2", base, false, "")
			_, err := svc.Reject(ctx, review.RejectRequest{MessageID: "m2", Reviewer: "kim"})
			Expect(review.IsConsistencyError(err)).To(BeTrue())
		})
	})
})
