package id_test

import (
	"github.com/google/uuid"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"basegraph.app/syncrelay/common/id"
)

var _ = Describe("id", func() {
	BeforeEach(func() {
		Expect(id.Init(1)).To(Succeed())
	})

	It("generates increasing row ids", func() {
		a, b := id.New(), id.New()
		Expect(b).To(BeNumerically(">", a))
	})

	It("generates distinct uuid message ids", func() {
		a, b := id.NewMessageID(), id.NewMessageID()
		Expect(a).NotTo(Equal(b))
		Expect(uuid.Validate(a)).To(Succeed())
	})

	Describe("Deterministic", func() {
		It("derives the same id for the same key", func() {
			Expect(id.Deterministic("tenant-1:19:abc;messageid=1")).
				To(Equal(id.Deterministic("tenant-1:19:abc;messageid=1")))
		})

		It("derives different ids for different keys", func() {
			Expect(id.Deterministic("a")).NotTo(Equal(id.Deterministic("b")))
		})

		It("returns a version 5 uuid", func() {
			u, err := uuid.Parse(id.Deterministic("a"))
			Expect(err).NotTo(HaveOccurred())
			Expect(u.Version()).To(Equal(uuid.Version(5)))
		})
	})
})
