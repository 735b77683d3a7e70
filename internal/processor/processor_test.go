package processor_test

import (
	"context"
	"encoding/json"

	"github.com/cockroachdb/errors"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"basegraph.app/syncrelay/internal/chat"
	"basegraph.app/syncrelay/internal/model"
	"basegraph.app/syncrelay/internal/processor"
	"basegraph.app/syncrelay/internal/queue"
	"basegraph.app/syncrelay/internal/store"
	"basegraph.app/syncrelay/internal/store/sqlite"
	"basegraph.app/syncrelay/internal/tracker"
)

const (
	tenantID  = "tenant-1"
	syncQueue = "sync-processor"
)

func envelope(payload queue.Payload) []byte {
	key := tenantID
	if ev, ok := payload.(*queue.InboundTrackerEventPayload); ok {
		key = ev.OrganizationID
	}
	env, err := queue.Build(queue.Draft{TenantID: key, Payload: payload})
	Expect(err).NotTo(HaveOccurred())
	body, err := json.Marshal(env)
	Expect(err).NotTo(HaveOccurred())
	return body
}

func rawJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	Expect(err).NotTo(HaveOccurred())
	return b
}

func issueEvent(action string, data map[string]any, updatedFrom map[string]any) *queue.InboundTrackerEventPayload {
	ev := &queue.InboundTrackerEventPayload{
		WebhookID:      "wh-1",
		Action:         action,
		EventType:      "Issue",
		OrganizationID: "org-1",
		Data:           rawJSON(data),
	}
	if updatedFrom != nil {
		ev.UpdatedFrom = rawJSON(updatedFrom)
	}
	return ev
}

func issueData() map[string]any {
	return map[string]any{
		"id":         "issue-1",
		"identifier": "ENG-1",
		"title":      "Login broken",
		"priority":   2,
		"teamId":     "team-1",
		"state":      map[string]any{"id": "s-1", "name": "Todo"},
		"updatedAt":  "2026-01-01T00:00:00Z",
	}
}

func submission() *queue.ChatSubmissionPayload {
	return &queue.ChatSubmissionPayload{
		SubmissionID:    "sub-1",
		ChannelConfigID: 10,
		SubmissionType:  queue.SubmissionTypeBug,
		Title:           "Export fails",
		Description:     "CSV export returns 500",
		Priority:        2,
		SubmitterID:     "user-1",
		SubmitterName:   "Ada",
		ConversationReference: queue.ConversationReference{
			BotID:          "bot",
			ConversationID: "19:general;messageid=555",
			ServiceURL:     "https://chat.example",
			TenantID:       tenantID,
			ActivityID:     "act-1",
		},
	}
}

var _ = Describe("Processor", func() {
	var (
		ctx       context.Context
		db        *sqlite.DB
		resolver  *mockResolver
		trackerC  *mockTracker
		notifier  *mockNotifier
		publisher *mockPublisher
		proc      *processor.Processor
		channel   *model.ChannelConfig
	)

	BeforeEach(func() {
		ctx = context.Background()
		var err error
		db, err = sqlite.Open(ctx, ":memory:")
		Expect(err).NotTo(HaveOccurred())

		t := &model.TenantConfig{ID: tenantID, Name: "Acme", ExternalOrgID: "org-1", IsActive: true}
		Expect(db.Tenants().Create(ctx, t)).To(Succeed())
		channel = &model.ChannelConfig{
			ID:                10,
			TenantID:          tenantID,
			ChatChannelID:     "19:general",
			ChatServiceURL:    "https://chat.example",
			TrackerTeamID:     "team-1",
			SyncChatToTracker: true,
			SyncTrackerToChat: true,
			SyncComments:      true,
			SyncStatusChanges: true,
			DefaultPriority:   3,
			DefaultLabelIDs:   []string{"triage"},
		}
		Expect(db.ChannelConfigs().Create(ctx, channel)).To(Succeed())

		resolver = &mockResolver{tenants: map[string]*model.TenantConfig{tenantID: t}}
		trackerC = &mockTracker{}
		notifier = &mockNotifier{}
		publisher = &mockPublisher{}
		proc = processor.New(db, db, resolver, trackerC, notifier, publisher, processor.Config{SyncQueue: syncQueue})
	})

	AfterEach(func() {
		Expect(db.Close()).To(Succeed())
	})

	expectTerminal := func(err error, reason queue.DeadLetterReason) {
		GinkgoHelper()
		Expect(err).To(HaveOccurred())
		got, terminal := processor.TerminalReason(err)
		Expect(terminal).To(BeTrue())
		Expect(got).To(Equal(reason))
	}

	Describe("envelope validation", func() {
		It("rejects a body without messageId before anything else runs", func() {
			err := proc.Process(ctx, []byte(`{"type":"sync_to_chat","tenantId":"tenant-1","payload":{}}`))
			expectTerminal(err, queue.DeadLetterReasonInvalidEnvelope)
			Expect(err.Error()).To(Equal("Missing messageId"))
			Expect(notifier.posts).To(BeEmpty())
		})

		It("rejects a payload that does not match its type", func() {
			err := proc.Process(ctx, []byte(`{"messageId":"m","type":"sync_to_chat","tenantId":"tenant-1","payload":{"action":"created"}}`))
			expectTerminal(err, queue.DeadLetterReasonInvalidEnvelope)
		})

		It("acknowledges unknown envelope types", func() {
			err := proc.Process(ctx, []byte(`{"messageId":"m","type":"something_new","tenantId":"tenant-1","payload":{}}`))
			Expect(err).NotTo(HaveOccurred())
		})

		It("rejects envelopes for unknown tenants", func() {
			delete(resolver.tenants, tenantID)
			err := proc.Process(ctx, envelope(issueEvent("create", issueData(), nil)))
			expectTerminal(err, queue.DeadLetterReasonRejected)
		})
	})

	Describe("tracker issue events", func() {
		It("starts one chat thread per issue across redeliveries", func() {
			body := envelope(issueEvent("create", issueData(), nil))

			Expect(proc.Process(ctx, body)).To(Succeed())
			Expect(proc.Process(ctx, body)).To(Succeed())

			Expect(notifier.posts).To(HaveLen(1))
			Expect(notifier.posts[0].Text).To(ContainSubstring("ENG-1: Login broken"))

			m, err := db.SyncMappings().GetByTrackerIssue(ctx, tenantID, "issue-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(m.ChatMessageID).To(Equal("root-1"))
			Expect(m.Direction).To(Equal(model.SyncDirectionTrackerToChat))
		})

		It("completes a mapping whose chat post failed earlier", func() {
			notifier.postErr = errors.New("connector timeout")
			err := proc.Process(ctx, envelope(issueEvent("create", issueData(), nil)))
			Expect(err).To(HaveOccurred())
			_, terminal := processor.TerminalReason(err)
			Expect(terminal).To(BeFalse())

			notifier.postErr = nil
			Expect(proc.Process(ctx, envelope(issueEvent("update", issueData(), map[string]any{"title": "old"})))).To(Succeed())

			Expect(notifier.posts).To(HaveLen(1))
			m, err := db.SyncMappings().GetByTrackerIssue(ctx, tenantID, "issue-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(m.ChatPending()).To(BeFalse())
		})

		It("rejects issues from teams without a channel", func() {
			data := issueData()
			data["teamId"] = "team-unbound"
			err := proc.Process(ctx, envelope(issueEvent("create", data, nil)))
			expectTerminal(err, queue.DeadLetterReasonRejected)
		})

		It("rejects when the connector refuses the bot credentials", func() {
			notifier.postErr = errors.Wrap(chat.ErrUnauthorized, "status 401")
			err := proc.Process(ctx, envelope(issueEvent("create", issueData(), nil)))
			expectTerminal(err, queue.DeadLetterReasonRejected)
		})

		Context("with an existing thread", func() {
			BeforeEach(func() {
				Expect(proc.Process(ctx, envelope(issueEvent("create", issueData(), nil)))).To(Succeed())
			})

			It("notifies a status change once", func() {
				data := issueData()
				data["state"] = map[string]any{"id": "s-2", "name": "In Progress"}
				data["updatedAt"] = "2026-01-02T00:00:00Z"
				ev := issueEvent("update", data, map[string]any{"stateId": "s-1"})

				Expect(proc.Process(ctx, envelope(ev))).To(Succeed())
				Expect(proc.Process(ctx, envelope(ev))).To(Succeed())

				Expect(notifier.replies).To(HaveLen(1))
				Expect(notifier.replies[0].Text).To(ContainSubstring("Status changed to **In Progress**"))
				Expect(notifier.targets[0].RootMessageID).To(Equal("root-1"))
			})

			It("drops status changes when the channel mutes them", func() {
				Expect(db.ChannelConfigs().Create(ctx, &model.ChannelConfig{
					ID: 11, TenantID: tenantID, ChatChannelID: "19:muted", ChatServiceURL: "https://chat.example",
					TrackerTeamID: "team-2", SyncTrackerToChat: true, DefaultPriority: 3,
				})).To(Succeed())

				data := issueData()
				data["id"] = "issue-2"
				data["teamId"] = "team-2"
				Expect(proc.Process(ctx, envelope(issueEvent("create", data, nil)))).To(Succeed())
				Expect(proc.Process(ctx, envelope(issueEvent("update", data, map[string]any{"stateId": "s-0"})))).To(Succeed())

				Expect(notifier.replies).To(BeEmpty())
			})

			It("ignores updates without notable changes", func() {
				Expect(proc.Process(ctx, envelope(issueEvent("update", issueData(), map[string]any{"sortOrder": 1})))).To(Succeed())
				Expect(notifier.replies).To(BeEmpty())
			})

			It("notifies and unlinks on removal", func() {
				Expect(proc.Process(ctx, envelope(issueEvent("remove", issueData(), nil)))).To(Succeed())

				Expect(notifier.replies).To(HaveLen(1))
				Expect(notifier.replies[0].Text).To(HavePrefix("**Issue Removed**"))
				_, err := db.SyncMappings().GetByTrackerIssue(ctx, tenantID, "issue-1")
				Expect(errors.Is(err, store.ErrNotFound)).To(BeTrue())
			})

			It("relays tracker comments once", func() {
				comment := &queue.InboundTrackerEventPayload{
					WebhookID: "wh-1", Action: "create", EventType: "Comment", OrganizationID: "org-1",
					Data: rawJSON(map[string]any{"id": "c-1", "body": "Looking into it", "issueId": "issue-1",
						"user": map[string]any{"id": "u", "name": "Grace"}}),
				}
				Expect(proc.Process(ctx, envelope(comment))).To(Succeed())
				Expect(proc.Process(ctx, envelope(comment))).To(Succeed())

				Expect(notifier.replies).To(HaveLen(1))
				Expect(notifier.replies[0].Text).To(ContainSubstring("**Grace**: Looking into it"))
			})
		})

		It("ignores comments on issues that were never synced", func() {
			comment := &queue.InboundTrackerEventPayload{
				WebhookID: "wh-1", Action: "create", EventType: "Comment", OrganizationID: "org-1",
				Data: rawJSON(map[string]any{"id": "c-9", "body": "hi", "issueId": "issue-unknown"}),
			}
			Expect(proc.Process(ctx, envelope(comment))).To(Succeed())
			Expect(notifier.replies).To(BeEmpty())
		})

		It("ignores resource types it does not sync", func() {
			ev := issueEvent("create", map[string]any{"id": "p-1"}, nil)
			ev.EventType = "Project"
			Expect(proc.Process(ctx, envelope(ev))).To(Succeed())
			Expect(notifier.posts).To(BeEmpty())
		})

		It("dead-letters an issue event without an id", func() {
			err := proc.Process(ctx, envelope(issueEvent("create", map[string]any{"title": "x"}, nil)))
			expectTerminal(err, queue.DeadLetterReasonInvalidEnvelope)
		})
	})

	Describe("chat submissions", func() {
		It("creates one tracker issue with a stable id and confirms through the sync queue", func() {
			body := envelope(submission())
			Expect(proc.Process(ctx, body)).To(Succeed())

			Expect(trackerC.createCalls).To(HaveLen(1))
			in := trackerC.createCalls[0]
			Expect(in.ID).NotTo(BeEmpty())
			Expect(in.TeamID).To(Equal("team-1"))
			Expect(in.Title).To(Equal("[Bug] Export fails"))
			Expect(in.Description).To(ContainSubstring("Submitted from chat by Ada"))
			Expect(in.LabelIDs).To(Equal([]string{"triage"}))

			m, err := db.SyncMappings().GetByChatMessage(ctx, tenantID, "act-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(m.TrackerIssueID).To(Equal(in.ID))
			Expect(m.TrackerIssueIdentifier).To(Equal("ENG-1"))
			Expect(m.ChatConversationID).To(Equal("19:general"))

			Expect(publisher.sent[syncQueue]).To(HaveLen(1))
			confirm := publisher.sent[syncQueue][0].Payload.(*queue.SyncToChatPayload)
			Expect(confirm.Action).To(Equal(queue.SyncToChatActionCreated))
			Expect(confirm.SyncMappingID).To(Equal(m.ID))

			// Redelivery converges on the same mapping without a second create.
			Expect(proc.Process(ctx, body)).To(Succeed())
			Expect(trackerC.createCalls).To(HaveLen(1))
			Expect(publisher.sent[syncQueue]).To(HaveLen(2))
		})

		It("recovers an issue created by an attempt that crashed", func() {
			trackerC.createFn = func(tracker.CreateIssueInput) (*tracker.Issue, error) {
				return nil, errors.Wrap(tracker.ErrAlreadyExists, "duplicate id")
			}
			Expect(proc.Process(ctx, envelope(submission()))).To(Succeed())
			Expect(trackerC.getCalls).To(HaveLen(1))
			Expect(trackerC.getCalls[0]).To(Equal(trackerC.createCalls[0].ID))
		})

		It("rejects when the tracker refuses the tenant key", func() {
			trackerC.createFn = func(tracker.CreateIssueInput) (*tracker.Issue, error) {
				return nil, errors.Wrap(tracker.ErrUnauthorized, "status 401")
			}
			err := proc.Process(ctx, envelope(submission()))
			expectTerminal(err, queue.DeadLetterReasonRejected)
		})

		It("retries when the confirmation cannot be published", func() {
			publisher.sendFn = func(string, queue.Draft) error { return errors.New("broker down") }
			err := proc.Process(ctx, envelope(submission()))
			Expect(err).To(HaveOccurred())
			_, terminal := processor.TerminalReason(err)
			Expect(terminal).To(BeFalse())
		})

		It("rejects submissions for unknown channels", func() {
			sub := submission()
			sub.ChannelConfigID = 99
			err := proc.Process(ctx, envelope(sub))
			expectTerminal(err, queue.DeadLetterReasonRejected)
		})
	})

	Describe("sync messages", func() {
		var mapping *model.SyncMapping

		BeforeEach(func() {
			Expect(proc.Process(ctx, envelope(submission()))).To(Succeed())
			var err error
			mapping, err = db.SyncMappings().GetByChatMessage(ctx, tenantID, "act-1")
			Expect(err).NotTo(HaveOccurred())
		})

		It("posts the creation confirmation once", func() {
			body := envelope(publisher.sent[syncQueue][0].Payload)
			Expect(proc.Process(ctx, body)).To(Succeed())
			Expect(proc.Process(ctx, envelope(publisher.sent[syncQueue][0].Payload))).To(Succeed())

			Expect(notifier.replies).To(HaveLen(1))
			Expect(notifier.replies[0].Text).To(ContainSubstring("Your bug was created as **ENG-1**"))
			Expect(notifier.targets[0]).To(Equal(chat.ThreadTarget{
				ServiceURL: "https://chat.example", ConversationID: "19:general", RootMessageID: "act-1",
			}))
		})

		It("adds chat replies to the tracker issue and suppresses the echo", func() {
			payload := &queue.SyncToTrackerPayload{
				SyncMappingID: mapping.ID,
				Action:        queue.SyncToTrackerActionCommentAdded,
				Data:          queue.SyncToTrackerData{CommentID: "chat-msg-1", Body: "Still broken", AuthorName: "Ada"},
			}
			Expect(proc.Process(ctx, envelope(payload))).To(Succeed())
			Expect(proc.Process(ctx, envelope(payload))).To(Succeed())
			Expect(trackerC.commentCalls).To(Equal([]string{"**Ada** (via chat):\n\nStill broken"}))

			echo := &queue.InboundTrackerEventPayload{
				WebhookID: "wh-1", Action: "create", EventType: "Comment", OrganizationID: "org-1",
				Data: rawJSON(map[string]any{"id": "tc-1", "body": "Still broken", "issueId": mapping.TrackerIssueID}),
			}
			Expect(proc.Process(ctx, envelope(echo))).To(Succeed())
			Expect(notifier.replies).To(BeEmpty())
		})

		It("changes the tracker state", func() {
			payload := &queue.SyncToTrackerPayload{
				SyncMappingID: mapping.ID,
				Action:        queue.SyncToTrackerActionStatusChanged,
				Data:          queue.SyncToTrackerData{StateID: "done"},
			}
			Expect(proc.Process(ctx, envelope(payload))).To(Succeed())
			Expect(trackerC.stateCalls).To(Equal([]string{mapping.TrackerIssueID + "->done"}))
		})

		It("ignores sync messages for mappings that are gone", func() {
			payload := &queue.SyncToTrackerPayload{
				SyncMappingID: 424242,
				Action:        queue.SyncToTrackerActionStatusChanged,
				Data:          queue.SyncToTrackerData{StateID: "done"},
			}
			Expect(proc.Process(ctx, envelope(payload))).To(Succeed())
			Expect(trackerC.stateCalls).To(BeEmpty())
		})
	})
})
