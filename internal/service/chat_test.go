package service_test

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"basegraph.app/syncrelay/core/config"
	"basegraph.app/syncrelay/internal/chat"
	"basegraph.app/syncrelay/internal/model"
	"basegraph.app/syncrelay/internal/queue"
	"basegraph.app/syncrelay/internal/service"
	"basegraph.app/syncrelay/internal/store/sqlite"
	"basegraph.app/syncrelay/internal/tenant"
)

const (
	submissionsQueue = "chat-submissions"
	syncQueue        = "sync-processor"
)

var _ = Describe("ChatService", func() {
	var (
		ctx       context.Context
		db        *sqlite.DB
		publisher *mockPublisher
		notifier  *mockNotifier
		svc       service.ChatService
		channel   *model.ChannelConfig
	)

	submission := func(value map[string]any) chat.Activity {
		return chat.Activity{
			Type:         chat.ActivityTypeMessage,
			ID:           "1700000000005",
			ServiceURL:   "https://smba.example/emea/",
			From:         chat.ChannelAccount{ID: "29:user", Name: "Dana", AADObjectID: "aad-dana"},
			Recipient:    chat.ChannelAccount{ID: "28:bot", Name: "Relay"},
			Conversation: chat.ConversationAccount{ID: "19:general@thread.tacv2", TenantID: "tenant-1"},
			ChannelData:  chat.ChannelData{},
			Value:        value,
		}
	}

	withChannel := func(a chat.Activity, channelID string) chat.Activity {
		GinkgoHelper()
		Expect(jsonInto(`{"channel":{"id":"`+channelID+`"},"tenant":{"id":"tenant-1"}}`, &a.ChannelData)).To(Succeed())
		return a
	}

	validForm := func() map[string]any {
		return map[string]any{
			"action":      "submitIssue",
			"type":        "bug",
			"title":       "Login broken",
			"description": "500 on submit",
			"priority":    "2",
		}
	}

	BeforeEach(func() {
		ctx = context.Background()
		var err error
		db, err = sqlite.Open(ctx, ":memory:")
		Expect(err).NotTo(HaveOccurred())

		Expect(db.Tenants().Create(ctx, &model.TenantConfig{
			ID: "tenant-1", Name: "Acme", ExternalOrgID: "org-1", IsActive: true,
		})).To(Succeed())
		channel = &model.ChannelConfig{
			ID:                10,
			TenantID:          "tenant-1",
			ChatChannelID:     "19:general@thread.tacv2",
			ChatServiceURL:    "https://smba.example/emea/",
			TrackerTeamID:     "team-1",
			SyncChatToTracker: true,
			SyncTrackerToChat: true,
			DefaultPriority:   4,
		}
		Expect(db.ChannelConfigs().Create(ctx, channel)).To(Succeed())
		Expect(db.ChannelConfigs().Create(ctx, &model.ChannelConfig{
			ID:             11,
			TenantID:       "tenant-1",
			ChatChannelID:  "19:readonly@thread.tacv2",
			ChatServiceURL: "https://smba.example/emea/",
			TrackerTeamID:  "team-2",
		})).To(Succeed())

		box, err := tenant.NewSecretBox("test-app-key")
		Expect(err).NotTo(HaveOccurred())
		resolver := tenant.NewResolver(db.Tenants(), box, config.CacheConfig{
			TenantTTL: time.Minute, NegativeTTL: time.Second, CleanupInterval: time.Minute,
		})
		publisher = &mockPublisher{}
		notifier = &mockNotifier{}
		svc = service.NewChatService(db, resolver, publisher, notifier, service.ChatQueues{
			Submissions: submissionsQueue,
			Sync:        syncQueue,
		})
	})

	AfterEach(func() {
		Expect(db.Close()).To(Succeed())
	})

	Describe("form submissions", func() {
		It("enqueues a complete submission and confirms it", func() {
			a := withChannel(submission(validForm()), "19:general@thread.tacv2")

			outcome, err := svc.HandleActivity(ctx, a)
			Expect(err).NotTo(HaveOccurred())
			Expect(outcome).To(Equal(service.ChatOutcomeSubmitted))

			Expect(publisher.sent).To(HaveLen(1))
			Expect(publisher.sent[0].queue).To(Equal(submissionsQueue))
			Expect(publisher.sent[0].draft.TenantID).To(Equal("tenant-1"))

			p := publisher.sent[0].draft.Payload.(*queue.ChatSubmissionPayload)
			Expect(p.SubmissionID).NotTo(BeEmpty())
			Expect(p.ChannelConfigID).To(Equal(int64(10)))
			Expect(p.SubmissionType).To(Equal(queue.SubmissionTypeBug))
			Expect(p.Priority).To(Equal(2))
			Expect(p.SubmitterID).To(Equal("aad-dana"))
			Expect(p.SubmitterName).To(Equal("Dana"))
			Expect(p.ConversationReference.ActivityID).To(Equal("1700000000005"))
			Expect(p.ConversationReference.ChannelID).To(Equal("19:general@thread.tacv2"))

			_, err = queue.Build(publisher.sent[0].draft)
			Expect(err).NotTo(HaveOccurred())

			Expect(notifier.replies).To(HaveLen(1))
			Expect(notifier.replies[0].msg.Text).To(Equal(
				`Your bug "Login broken" has been submitted and will be created in the tracker shortly.`))
		})

		DescribeTable("asks for the missing fields and enqueues nothing",
			func(drop string) {
				form := validForm()
				delete(form, drop)
				a := withChannel(submission(form), "19:general@thread.tacv2")

				outcome, err := svc.HandleActivity(ctx, a)
				Expect(err).NotTo(HaveOccurred())
				Expect(outcome).To(Equal(service.ChatOutcomeIncomplete))
				Expect(publisher.sent).To(BeEmpty())
				Expect(notifier.replies).To(HaveLen(1))
				Expect(notifier.replies[0].msg.Text).To(Equal("Please fill in all required fields."))
			},
			Entry("title", "title"),
			Entry("description", "description"),
			Entry("type", "type"),
		)

		It("treats a blank title as missing", func() {
			form := validForm()
			form["title"] = "   "
			outcome, err := svc.HandleActivity(ctx, withChannel(submission(form), "19:general@thread.tacv2"))
			Expect(err).NotTo(HaveOccurred())
			Expect(outcome).To(Equal(service.ChatOutcomeIncomplete))
			Expect(publisher.sent).To(BeEmpty())
		})

		It("falls back to the channel's default priority", func() {
			form := validForm()
			form["priority"] = "urgent-ish"
			_, err := svc.HandleActivity(ctx, withChannel(submission(form), "19:general@thread.tacv2"))
			Expect(err).NotTo(HaveOccurred())
			Expect(publisher.sent[0].draft.Payload.(*queue.ChatSubmissionPayload).Priority).To(Equal(4))
		})

		It("tells users when the channel is not bound", func() {
			outcome, err := svc.HandleActivity(ctx, withChannel(submission(validForm()), "19:random@thread.tacv2"))
			Expect(err).NotTo(HaveOccurred())
			Expect(outcome).To(Equal(service.ChatOutcomeUnbound))
			Expect(publisher.sent).To(BeEmpty())
			Expect(notifier.replies[0].msg.Text).To(ContainSubstring("not connected"))
		})

		It("respects a channel with submissions turned off", func() {
			outcome, err := svc.HandleActivity(ctx, withChannel(submission(validForm()), "19:readonly@thread.tacv2"))
			Expect(err).NotTo(HaveOccurred())
			Expect(outcome).To(Equal(service.ChatOutcomeUnbound))
			Expect(publisher.sent).To(BeEmpty())
		})

		It("rejects unknown chat tenants", func() {
			a := withChannel(submission(validForm()), "19:general@thread.tacv2")
			a.Conversation.TenantID = "tenant-x"

			_, err := svc.HandleActivity(ctx, a)
			Expect(errors.Is(err, service.ErrUnknownTenant)).To(BeTrue())
			Expect(publisher.sent).To(BeEmpty())
		})

		It("ignores other card actions", func() {
			outcome, err := svc.HandleActivity(ctx, submission(map[string]any{"action": "dismiss"}))
			Expect(err).NotTo(HaveOccurred())
			Expect(outcome).To(Equal(service.ChatOutcomeIgnored))
			Expect(notifier.replies).To(BeEmpty())
		})

		It("surfaces publish failures", func() {
			publisher.sendFn = func(string, queue.Draft) error { return errors.New("broker down") }
			_, err := svc.HandleActivity(ctx, withChannel(submission(validForm()), "19:general@thread.tacv2"))
			Expect(err).To(MatchError(ContainSubstring("broker down")))
			Expect(notifier.replies).To(BeEmpty())
		})
	})

	Describe("thread replies", func() {
		var mapping *model.SyncMapping

		BeforeEach(func() {
			var err error
			mapping, _, err = db.SyncMappings().CreateIfAbsent(ctx, &model.SyncMapping{
				ID:                     500,
				TenantID:               "tenant-1",
				ChannelConfigID:        10,
				ChatMessageID:          "1700000000001",
				ChatConversationID:     "19:general@thread.tacv2",
				TrackerIssueID:         "issue-1",
				TrackerIssueIdentifier: "ENG-1",
				Direction:              model.SyncDirectionTrackerToChat,
			})
			Expect(err).NotTo(HaveOccurred())
		})

		reply := func(text string) chat.Activity {
			a := submission(nil)
			a.ID = "1700000000009"
			a.Text = text
			a.Conversation.ID = "19:general@thread.tacv2;messageid=1700000000001"
			return a
		}

		It("enqueues a tracker comment for a synced thread", func() {
			outcome, err := svc.HandleActivity(ctx, reply("<at>Relay</at> repro steps attached"))
			Expect(err).NotTo(HaveOccurred())
			Expect(outcome).To(Equal(service.ChatOutcomeComment))

			Expect(publisher.sent).To(HaveLen(1))
			Expect(publisher.sent[0].queue).To(Equal(syncQueue))
			p := publisher.sent[0].draft.Payload.(*queue.SyncToTrackerPayload)
			Expect(p.SyncMappingID).To(Equal(mapping.ID))
			Expect(p.Action).To(Equal(queue.SyncToTrackerActionCommentAdded))
			Expect(p.Data.Body).To(Equal("repro steps attached"))
			Expect(p.Data.CommentID).To(Equal("1700000000009"))
			Expect(p.Data.AuthorName).To(Equal("Dana"))
		})

		It("ignores threads that are not synced", func() {
			a := reply("hello")
			a.Conversation.ID = "19:general@thread.tacv2;messageid=1699999999999"
			outcome, err := svc.HandleActivity(ctx, a)
			Expect(err).NotTo(HaveOccurred())
			Expect(outcome).To(Equal(service.ChatOutcomeIgnored))
			Expect(publisher.sent).To(BeEmpty())
		})

		It("ignores mention-only replies", func() {
			outcome, err := svc.HandleActivity(ctx, reply("<at>Relay</at>  "))
			Expect(err).NotTo(HaveOccurred())
			Expect(outcome).To(Equal(service.ChatOutcomeIgnored))
		})

		It("ignores the bot's own posts", func() {
			a := reply("Status Updated")
			a.From = a.Recipient
			outcome, err := svc.HandleActivity(ctx, a)
			Expect(err).NotTo(HaveOccurred())
			Expect(outcome).To(Equal(service.ChatOutcomeIgnored))
		})

		It("ignores top-level channel chatter", func() {
			a := reply("anyone around?")
			a.Conversation.ID = "19:general@thread.tacv2"
			outcome, err := svc.HandleActivity(ctx, a)
			Expect(err).NotTo(HaveOccurred())
			Expect(outcome).To(Equal(service.ChatOutcomeIgnored))
		})
	})

	It("ignores non-message activities", func() {
		a := submission(nil)
		a.Type = chat.ActivityTypeConversationUpdate
		outcome, err := svc.HandleActivity(ctx, a)
		Expect(err).NotTo(HaveOccurred())
		Expect(outcome).To(Equal(service.ChatOutcomeIgnored))
	})
})
