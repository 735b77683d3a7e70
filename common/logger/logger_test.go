package logger_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"basegraph.app/syncrelay/common/logger"
)

var _ = Describe("TraceHandler", func() {
	var (
		buf *bytes.Buffer
		log *slog.Logger
	)

	BeforeEach(func() {
		buf = &bytes.Buffer{}
		log = slog.New(logger.NewTraceHandler(slog.NewJSONHandler(buf, nil)))
	})

	decode := func() map[string]any {
		var out map[string]any
		Expect(json.Unmarshal(buf.Bytes(), &out)).To(Succeed())
		return out
	}

	It("adds context fields to every record", func() {
		ctx := logger.WithLogFields(context.Background(), logger.LogFields{
			TenantID:  logger.Ptr("tenant-1"),
			Component: "syncrelay.worker",
		})
		ctx = logger.WithLogFields(ctx, logger.LogFields{
			MessageID:     logger.Ptr("m-1"),
			SyncMappingID: logger.Ptr(int64(42)),
		})

		log.InfoContext(ctx, "applied")

		rec := decode()
		Expect(rec).To(HaveKeyWithValue("tenant_id", "tenant-1"))
		Expect(rec).To(HaveKeyWithValue("message_id", "m-1"))
		Expect(rec).To(HaveKeyWithValue("sync_mapping_id", BeNumerically("==", 42)))
		Expect(rec).To(HaveKeyWithValue("component", "syncrelay.worker"))
	})

	It("adds nothing without fields or a span", func() {
		log.InfoContext(context.Background(), "plain")

		rec := decode()
		Expect(rec).NotTo(HaveKey("tenant_id"))
		Expect(rec).NotTo(HaveKey("trace_id"))
	})

	It("lets newer fields win", func() {
		ctx := logger.WithLogFields(context.Background(), logger.LogFields{Queue: logger.Ptr("a")})
		ctx = logger.WithLogFields(ctx, logger.LogFields{Queue: logger.Ptr("b")})

		log.InfoContext(ctx, "x")
		Expect(decode()).To(HaveKeyWithValue("queue", "b"))
	})
})

var _ = Describe("Truncate", func() {
	It("keeps short strings and cuts long ones", func() {
		Expect(logger.Truncate("abc", 5)).To(Equal("abc"))
		Expect(logger.Truncate("abcdef", 3)).To(Equal("abc..."))
	})
})
