package queue_test

import (
	stderrors "errors"

	"github.com/cockroachdb/errors"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"basegraph.app/syncrelay/internal/queue"
)

var _ = Describe("DeadLetterInfo", func() {
	It("records a stack for errors that carry one", func() {
		info := queue.NewDeadLetterInfo(queue.DeadLetterReasonMaxDeliveryCount, errors.New("tracker timed out"), 3)
		Expect(info.Description).To(Equal("tracker timed out"))
		Expect(info.AttemptCount).To(Equal(3))
		Expect(info.LastError).To(ContainSubstring("tracker timed out"))
		Expect(info.LastError).To(ContainSubstring("deadletter_test.go"))
	})

	It("leaves lastError empty for plain errors", func() {
		info := queue.NewDeadLetterInfo(queue.DeadLetterReasonMaxDeliveryCount, stderrors.New("boom"), 3)
		Expect(info.Description).To(Equal("boom"))
		Expect(info.LastError).To(BeEmpty())
	})

	It("never sets lastError for message-only failures", func() {
		info := queue.NewDeadLetterInfoFromMessage(queue.DeadLetterReasonInvalidEnvelope, "Missing messageId", 1)
		Expect(info.Description).To(Equal("Missing messageId"))
		Expect(info.LastError).To(BeEmpty())
	})

	It("wraps the delivery into a dead letter record", func() {
		d := queue.Delivery{ID: "1-0", Queue: "sync-processor", MessageID: "m1", Body: []byte(`{}`), Attempt: 3}
		dl := queue.NewDeadLetter(d, queue.NewDeadLetterInfoFromMessage(queue.DeadLetterReasonRejected, "tenant inactive", 1))
		Expect(dl.Queue).To(Equal("sync-processor"))
		Expect(dl.Body).To(Equal(`{}`))
		Expect(dl.Info.Reason).To(Equal(queue.DeadLetterReasonRejected))
	})
})
