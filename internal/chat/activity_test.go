package chat_test

import (
	"encoding/json"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"basegraph.app/syncrelay/internal/chat"
)

var _ = Describe("Activity", func() {
	var a chat.Activity

	BeforeEach(func() {
		a = chat.Activity{
			Type:         chat.ActivityTypeMessage,
			ID:           "1700000000002",
			ServiceURL:   "https://smba.example/emea/",
			Recipient:    chat.ChannelAccount{ID: "28:bot"},
			Conversation: chat.ConversationAccount{ID: "19:general@thread.tacv2;messageid=1700000000001", TenantID: "tenant-1"},
		}
	})

	It("finds the thread root of a reply", func() {
		root, ok := a.ThreadRootID()
		Expect(ok).To(BeTrue())
		Expect(root).To(Equal("1700000000001"))
	})

	It("treats a thread's root message as top-level", func() {
		a.ID = "1700000000001"
		_, ok := a.ThreadRootID()
		Expect(ok).To(BeFalse())
	})

	It("treats a channel post as top-level", func() {
		a.Conversation.ID = "19:general@thread.tacv2"
		_, ok := a.ThreadRootID()
		Expect(ok).To(BeFalse())
	})

	It("falls back to channel data for the tenant", func() {
		a.Conversation.TenantID = ""
		Expect(a.TenantID()).To(BeEmpty())
		var data chat.ChannelData
		Expect(json.Unmarshal([]byte(`{"tenant":{"id":"tenant-2"},"channel":{"id":"19:c"}}`), &data)).To(Succeed())
		a.ChannelData = data
		Expect(a.TenantID()).To(Equal("tenant-2"))
		Expect(a.ChatChannelID()).To(Equal("19:c"))
	})

	It("builds a reference that answers the activity", func() {
		ref := a.Reference()
		Expect(ref.BotID).To(Equal("28:bot"))
		Expect(ref.ServiceURL).To(Equal("https://smba.example/emea/"))
		Expect(ref.ActivityID).To(Equal("1700000000002"))
		Expect(ref.TenantID).To(Equal("tenant-1"))
	})
})
