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

	"basegraph.app/syncrelay/internal/chat"
	"basegraph.app/syncrelay/internal/http/handler"
	"basegraph.app/syncrelay/internal/service"
)

const submitActivity = `{
	"type": "message",
	"id": "1700000000005",
	"serviceUrl": "https://smba.example/emea/",
	"from": {"id": "29:user", "name": "Dana"},
	"recipient": {"id": "28:bot"},
	"conversation": {"id": "19:general@thread.tacv2", "tenantId": "tenant-1"},
	"channelData": {"channel": {"id": "19:general@thread.tacv2"}},
	"value": {"action": "submitIssue", "type": "bug", "title": "Login broken", "description": "500", "priority": "2"}
}`

var _ = Describe("ChatHandler", func() {
	var (
		router *gin.Engine
		svc    *mockChatService
	)

	BeforeEach(func() {
		gin.SetMode(gin.TestMode)
		router = gin.New()
		svc = &mockChatService{}
		h := handler.NewChatHandler(svc)
		router.POST("/api/chat/messages", h.HandleActivity)
	})

	post := func(body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/chat/messages", bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return w
	}

	It("decodes the activity and answers 200", func() {
		svc.handleFn = func(context.Context, chat.Activity) (service.ChatOutcome, error) {
			return service.ChatOutcomeSubmitted, nil
		}

		w := post(submitActivity)

		Expect(w.Code).To(Equal(http.StatusOK))
		Expect(svc.seen).To(HaveLen(1))
		a := svc.seen[0]
		Expect(a.TenantID()).To(Equal("tenant-1"))
		Expect(a.ChatChannelID()).To(Equal("19:general@thread.tacv2"))
		Expect(a.Value).To(HaveKeyWithValue("title", "Login broken"))
	})

	It("returns 400 on an undecodable activity", func() {
		w := post(`{`)
		Expect(w.Code).To(Equal(http.StatusBadRequest))
		Expect(svc.seen).To(BeEmpty())
	})

	It("returns 403 for tenants that are not provisioned", func() {
		svc.handleFn = func(context.Context, chat.Activity) (service.ChatOutcome, error) {
			return "", errors.Mark(errors.New("chat tenant x"), service.ErrUnknownTenant)
		}
		Expect(post(submitActivity).Code).To(Equal(http.StatusForbidden))
	})

	It("returns 500 when the activity could not be applied", func() {
		svc.handleFn = func(context.Context, chat.Activity) (service.ChatOutcome, error) {
			return "", errors.New("broker down")
		}
		Expect(post(submitActivity).Code).To(Equal(http.StatusInternalServerError))
	})
})
