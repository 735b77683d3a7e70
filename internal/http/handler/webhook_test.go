package handler_test

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"

	"github.com/cockroachdb/errors"
	"github.com/gin-gonic/gin"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"basegraph.app/syncrelay/internal/http/handler"
	"basegraph.app/syncrelay/internal/service"
	"basegraph.app/syncrelay/internal/webhook"
)

var _ = Describe("TrackerWebhookHandler", func() {
	var (
		router *gin.Engine
		svc    *mockWebhookIngest
	)

	BeforeEach(func() {
		gin.SetMode(gin.TestMode)
		router = gin.New()
		svc = &mockWebhookIngest{}
		h := handler.NewTrackerWebhookHandler(svc)
		router.POST("/webhooks/tracker/:org_id", h.HandleEvent)
	})

	post := func(signature string, body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/webhooks/tracker/org-1", bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
		if signature != "" {
			req.Header.Set(handler.SignatureHeader, signature)
		}
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return w
	}

	It("answers OK once the event is enqueued", func() {
		var gotOrg, gotSig string
		var gotBody []byte
		svc.ingestFn = func(_ context.Context, orgID string, body []byte, sig string) (*service.WebhookIngestResult, error) {
			gotOrg, gotBody, gotSig = orgID, body, sig
			return &service.WebhookIngestResult{MessageID: "msg-1"}, nil
		}

		w := post("abc123", `{"action":"create"}`)

		Expect(w.Code).To(Equal(http.StatusOK))
		Expect(w.Body.String()).To(Equal("OK"))
		Expect(gotOrg).To(Equal("org-1"))
		Expect(gotSig).To(Equal("abc123"))
		Expect(string(gotBody)).To(Equal(`{"action":"create"}`))
	})

	It("refuses a request without a signature before ingesting", func() {
		w := post("", `{}`)

		Expect(w.Code).To(Equal(http.StatusUnauthorized))
		Expect(w.Body.String()).To(Equal("Missing signature"))
		Expect(svc.calls).To(BeZero())
	})

	DescribeTable("maps ingest failures to fixed responses",
		func(err error, status int, text string) {
			svc.ingestFn = func(context.Context, string, []byte, string) (*service.WebhookIngestResult, error) {
				return nil, err
			}

			w := post("invalid", `{}`)

			Expect(w.Code).To(Equal(status))
			Expect(w.Body.String()).To(Equal(text))
		},
		Entry("bad signature", webhook.ErrInvalidSignature,
			http.StatusUnauthorized, "Invalid webhook signature"),
		Entry("malformed JSON", errors.Wrap(webhook.ErrMalformedJSON, "unexpected EOF"),
			http.StatusUnauthorized, "Failed to parse webhook payload"),
		Entry("bad structure", errors.Wrap(webhook.ErrInvalidStructure, "missing data"),
			http.StatusUnauthorized, "Invalid webhook payload structure"),
		Entry("organization mismatch", service.ErrOrganizationMismatch,
			http.StatusUnauthorized, "Invalid webhook payload structure"),
		Entry("missing secret", errors.Mark(errors.New("tenant not found"), service.ErrSecretUnavailable),
			http.StatusInternalServerError, "Server configuration error"),
		Entry("broker failure", errors.Mark(errors.New("redis down"), service.ErrEnqueueFailed),
			http.StatusInternalServerError, "Failed to process webhook"),
		Entry("anything else", errors.New("boom"),
			http.StatusInternalServerError, "Failed to process webhook"),
	)
})
