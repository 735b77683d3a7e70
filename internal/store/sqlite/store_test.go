package sqlite_test

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"basegraph.app/syncrelay/internal/model"
	"basegraph.app/syncrelay/internal/store"
	"basegraph.app/syncrelay/internal/store/sqlite"
)

var _ = Describe("SQLite store", func() {
	var (
		ctx context.Context
		db  *sqlite.DB
	)

	const tenantID = "tenant-1"

	BeforeEach(func() {
		ctx = context.Background()
		var err error
		db, err = sqlite.Open(ctx, ":memory:")
		Expect(err).NotTo(HaveOccurred())

		Expect(db.Tenants().Create(ctx, &model.TenantConfig{
			ID:            tenantID,
			Name:          "Acme",
			ExternalOrgID: "org-1",
			IsActive:      true,
			Metadata: model.TenantMetadata{
				Tier:     model.TenantTierPro,
				Branding: &model.TenantBranding{BotDisplayName: "Acme Bot"},
			},
		})).To(Succeed())
		Expect(db.ChannelConfigs().Create(ctx, &model.ChannelConfig{
			ID:                10,
			TenantID:          tenantID,
			ChatChannelID:     "19:general",
			TrackerTeamID:     "team-1",
			SyncChatToTracker: true,
			SyncTrackerToChat: true,
			SyncComments:      true,
			DefaultPriority:   3,
			DefaultLabelIDs:   []string{"label-a"},
		})).To(Succeed())
	})

	AfterEach(func() {
		Expect(db.Close()).To(Succeed())
	})

	Describe("tenants", func() {
		It("round-trips metadata and looks up by external org", func() {
			t, err := db.Tenants().GetByExternalOrgID(ctx, "org-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(t.ID).To(Equal(tenantID))
			Expect(t.IsActive).To(BeTrue())
			Expect(t.BotName("Relay")).To(Equal("Acme Bot"))
		})

		It("returns ErrNotFound for unknown tenants", func() {
			_, err := db.Tenants().GetByID(ctx, "nope")
			Expect(errors.Is(err, store.ErrNotFound)).To(BeTrue())
		})

		It("rejects a duplicate external org", func() {
			err := db.Tenants().Create(ctx, &model.TenantConfig{ID: "tenant-2", Name: "Dup", ExternalOrgID: "org-1"})
			Expect(errors.Is(err, store.ErrConflict)).To(BeTrue())
		})
	})

	Describe("channel configs", func() {
		It("lists configs for a tracker team oldest first", func() {
			Expect(db.ChannelConfigs().Create(ctx, &model.ChannelConfig{
				ID: 11, TenantID: tenantID, ChatChannelID: "19:other", TrackerTeamID: "team-1", DefaultPriority: 2,
			})).To(Succeed())

			configs, err := db.ChannelConfigs().ListByTrackerTeam(ctx, tenantID, "team-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(configs).To(HaveLen(2))
			Expect(configs[0].ID).To(Equal(int64(10)))
			Expect(configs[0].DefaultLabelIDs).To(Equal([]string{"label-a"}))
			Expect(configs[1].DefaultLabelIDs).To(BeEmpty())
		})

		It("defaults the priority when a binding sets none", func() {
			Expect(db.ChannelConfigs().Create(ctx, &model.ChannelConfig{
				ID: 11, TenantID: tenantID, ChatChannelID: "19:triage", TrackerTeamID: "team-3",
			})).To(Succeed())

			got, err := db.ChannelConfigs().GetByID(ctx, tenantID, 11)
			Expect(err).NotTo(HaveOccurred())
			Expect(got.DefaultPriority).To(Equal(model.DefaultChannelPriority))
			Expect(got.DefaultLabelIDs).To(BeEmpty())
		})

		It("scopes lookups to the tenant", func() {
			_, err := db.ChannelConfigs().GetByID(ctx, "someone-else", 10)
			Expect(errors.Is(err, store.ErrNotFound)).To(BeTrue())
		})

		It("rejects a second binding for the same chat channel", func() {
			err := db.ChannelConfigs().Create(ctx, &model.ChannelConfig{
				ID: 12, TenantID: tenantID, ChatChannelID: "19:general", TrackerTeamID: "team-2", DefaultPriority: 3,
			})
			Expect(errors.Is(err, store.ErrConflict)).To(BeTrue())
		})
	})

	Describe("sync mappings", func() {
		newMapping := func(id int64, issueID string) *model.SyncMapping {
			return &model.SyncMapping{
				ID:              id,
				TenantID:        tenantID,
				ChannelConfigID: 10,
				TrackerIssueID:  issueID,
				Direction:       model.SyncDirectionTrackerToChat,
			}
		}

		It("creates a mapping once per tracker issue", func() {
			first, created, err := db.SyncMappings().CreateIfAbsent(ctx, newMapping(100, "issue-1"))
			Expect(err).NotTo(HaveOccurred())
			Expect(created).To(BeTrue())
			Expect(first.ChatPending()).To(BeTrue())

			second, created, err := db.SyncMappings().CreateIfAbsent(ctx, newMapping(101, "issue-1"))
			Expect(err).NotTo(HaveOccurred())
			Expect(created).To(BeFalse())
			Expect(second.ID).To(Equal(int64(100)))
		})

		It("converges concurrent creators on a single row", func() {
			var wg sync.WaitGroup
			ids := make([]int64, 8)
			for i := range ids {
				wg.Add(1)
				go func(i int) {
					defer GinkgoRecover()
					defer wg.Done()
					m, _, err := db.SyncMappings().CreateIfAbsent(ctx, newMapping(int64(200+i), "issue-race"))
					Expect(err).NotTo(HaveOccurred())
					ids[i] = m.ID
				}(i)
			}
			wg.Wait()

			for _, got := range ids {
				Expect(got).To(Equal(ids[0]))
			}
		})

		It("keys chat-originated mappings by chat message", func() {
			m := &model.SyncMapping{
				ID: 300, TenantID: tenantID, ChannelConfigID: 10,
				ChatMessageID: "activity-1", ChatConversationID: "conv-1",
				Direction: model.SyncDirectionChatToTracker,
			}
			_, created, err := db.SyncMappings().CreateIfAbsent(ctx, m)
			Expect(err).NotTo(HaveOccurred())
			Expect(created).To(BeTrue())

			found, err := db.SyncMappings().GetByChatMessage(ctx, tenantID, "activity-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(found.TrackerPending()).To(BeTrue())
		})

		It("requires at least one side", func() {
			_, _, err := db.SyncMappings().CreateIfAbsent(ctx, newMapping(400, ""))
			Expect(err).To(HaveOccurred())
		})

		It("attaches each side only once", func() {
			_, _, err := db.SyncMappings().CreateIfAbsent(ctx, newMapping(500, "issue-5"))
			Expect(err).NotTo(HaveOccurred())

			ok, err := db.SyncMappings().AttachChatMessage(ctx, tenantID, 500, "msg-5", "conv-5")
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeTrue())

			ok, err = db.SyncMappings().AttachChatMessage(ctx, tenantID, 500, "msg-other", "conv-5")
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeFalse())

			m, err := db.SyncMappings().GetByID(ctx, tenantID, 500)
			Expect(err).NotTo(HaveOccurred())
			Expect(m.ChatMessageID).To(Equal("msg-5"))

			ok, err = db.SyncMappings().AttachTrackerIssue(ctx, tenantID, 500, "issue-x", "ENG-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeFalse())
		})

		It("completes a reserved tracker issue id", func() {
			m := &model.SyncMapping{
				ID: 700, TenantID: tenantID, ChannelConfigID: 10,
				ChatMessageID: "activity-7", TrackerIssueID: "reserved-7",
				Direction: model.SyncDirectionChatToTracker,
			}
			reserved, _, err := db.SyncMappings().CreateIfAbsent(ctx, m)
			Expect(err).NotTo(HaveOccurred())
			Expect(reserved.TrackerPending()).To(BeTrue())

			ok, err := db.SyncMappings().AttachTrackerIssue(ctx, tenantID, 700, "reserved-7", "ENG-7")
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeTrue())

			ok, err = db.SyncMappings().AttachTrackerIssue(ctx, tenantID, 700, "reserved-7", "ENG-7")
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeFalse())

			done, err := db.SyncMappings().GetByTrackerIssue(ctx, tenantID, "reserved-7")
			Expect(err).NotTo(HaveOccurred())
			Expect(done.TrackerPending()).To(BeFalse())
			Expect(done.ChatMessageID).To(Equal("activity-7"))
		})

		It("reports a missing mapping on touch", func() {
			err := db.SyncMappings().TouchLastSynced(ctx, tenantID, 999)
			Expect(errors.Is(err, store.ErrNotFound)).To(BeTrue())
		})
	})

	Describe("sync deliveries", func() {
		It("records a delivery key once", func() {
			d := &model.SyncDelivery{TenantID: tenantID, DeliveryKey: "comment:c1", SyncMappingID: 1}

			ok, err := db.SyncDeliveries().Record(ctx, d)
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeTrue())

			ok, err = db.SyncDeliveries().Record(ctx, d)
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeFalse())

			exists, err := db.SyncDeliveries().Exists(ctx, tenantID, "comment:c1")
			Expect(err).NotTo(HaveOccurred())
			Expect(exists).To(BeTrue())

			Expect(db.SyncDeliveries().DeleteByMapping(ctx, tenantID, 1)).To(Succeed())
			exists, err = db.SyncDeliveries().Exists(ctx, tenantID, "comment:c1")
			Expect(err).NotTo(HaveOccurred())
			Expect(exists).To(BeFalse())
		})
	})

	Describe("transactions", func() {
		It("rolls back when the callback fails", func() {
			boom := errors.New("boom")
			err := db.WithTx(ctx, func(p store.Provider) error {
				if _, _, err := p.SyncMappings().CreateIfAbsent(ctx, &model.SyncMapping{
					ID: 600, TenantID: tenantID, ChannelConfigID: 10, TrackerIssueID: "issue-6",
					Direction: model.SyncDirectionTrackerToChat,
				}); err != nil {
					return err
				}
				return boom
			})
			Expect(errors.Is(err, boom)).To(BeTrue())

			_, err = db.SyncMappings().GetByTrackerIssue(ctx, tenantID, "issue-6")
			Expect(errors.Is(err, store.ErrNotFound)).To(BeTrue())
		})
	})
})
