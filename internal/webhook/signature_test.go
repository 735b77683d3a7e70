package webhook_test

import (
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"basegraph.app/syncrelay/internal/webhook"
)

var _ = Describe("Verify", func() {
	const secret = "whsec_test"
	body := []byte(`{"action":"create","type":"Issue","data":{"id":"iss_1"}}`)

	It("accepts the signature computed over the same bytes", func() {
		Expect(webhook.Verify(body, webhook.SignHex(body, secret), secret)).To(BeTrue())
	})

	It("accepts an uppercase hex signature", func() {
		Expect(webhook.Verify(body, strings.ToUpper(webhook.SignHex(body, secret)), secret)).To(BeTrue())
	})

	It("rejects the signature after any single-byte change to the body", func() {
		sig := webhook.SignHex(body, secret)
		for i := range body {
			mutated := append([]byte(nil), body...)
			mutated[i] ^= 0x01
			Expect(webhook.Verify(mutated, sig, secret)).To(BeFalse(), "byte %d", i)
		}
	})

	It("rejects a signature made with another secret", func() {
		Expect(webhook.Verify(body, webhook.SignHex(body, "other"), secret)).To(BeFalse())
	})

	DescribeTable("malformed signatures",
		func(sig string) {
			Expect(webhook.Verify(body, sig, secret)).To(BeFalse())
		},
		Entry("empty", ""),
		Entry("whitespace", "   "),
		Entry("not hex", "zz"+strings.Repeat("0", 62)),
		Entry("odd length", "abc"),
		Entry("too short", "abcd"),
		Entry("too long", strings.Repeat("ab", 33)),
	)

	It("does not re-serialize the body", func() {
		spaced := []byte(`{ "action": "create", "type": "Issue", "data": {"id": "iss_1"} }`)
		Expect(webhook.Verify(spaced, webhook.SignHex(body, secret), secret)).To(BeFalse())
	})
})
