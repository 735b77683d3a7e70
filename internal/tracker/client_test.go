package tracker_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"time"

	"github.com/cockroachdb/errors"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"basegraph.app/syncrelay/core/config"
	"basegraph.app/syncrelay/internal/tracker"
)

type capturedRequest struct {
	Auth      string
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables"`
}

var _ = Describe("Client", func() {
	var (
		ctx      context.Context
		server   *httptest.Server
		client   tracker.Client
		status   int
		response string
		captured capturedRequest
	)

	BeforeEach(func() {
		ctx = context.Background()
		status = http.StatusOK
		captured = capturedRequest{}
		server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer GinkgoRecover()
			captured.Auth = r.Header.Get("Authorization")
			Expect(json.NewDecoder(r.Body).Decode(&captured)).To(Succeed())
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(status)
			_, _ = w.Write([]byte(response))
		}))
		client = tracker.NewClient(config.TrackerConfig{APIURL: server.URL, Timeout: 5 * time.Second})
	})

	AfterEach(func() {
		server.Close()
	})

	Describe("CreateIssue", func() {
		It("sends the client-supplied id and returns the created issue", func() {
			response = `{"data":{"issueCreate":{"success":true,"issue":{"id":"9f1c","identifier":"ENG-42","title":"Login broken","url":"https://tracker/ENG-42","priority":2}}}}`

			issue, err := client.CreateIssue(ctx, "lin_key", tracker.CreateIssueInput{
				ID: "9f1c", TeamID: "team-1", Title: "Login broken", Priority: 2,
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(issue.Identifier).To(Equal("ENG-42"))
			Expect(captured.Auth).To(Equal("lin_key"))
			Expect(captured.Query).To(ContainSubstring("issueCreate"))
			input := captured.Variables["input"].(map[string]any)
			Expect(input["id"]).To(Equal("9f1c"))
			Expect(input["teamId"]).To(Equal("team-1"))
		})

		It("maps a duplicate id to ErrAlreadyExists", func() {
			response = `{"data":null,"errors":[{"message":"Entity with this id already exists"}]}`
			_, err := client.CreateIssue(ctx, "lin_key", tracker.CreateIssueInput{ID: "9f1c", TeamID: "t", Title: "x"})
			Expect(errors.Is(err, tracker.ErrAlreadyExists)).To(BeTrue())
		})

		It("reports success=false as an error", func() {
			response = `{"data":{"issueCreate":{"success":false}}}`
			_, err := client.CreateIssue(ctx, "lin_key", tracker.CreateIssueInput{TeamID: "t", Title: "x"})
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("authentication", func() {
		It("maps HTTP 401 to ErrUnauthorized", func() {
			status = http.StatusUnauthorized
			response = `{"errors":[{"message":"invalid key"}]}`
			_, err := client.GetIssue(ctx, "bad", "issue-1")
			Expect(errors.Is(err, tracker.ErrUnauthorized)).To(BeTrue())
		})

		It("maps an authentication GraphQL error to ErrUnauthorized", func() {
			response = `{"errors":[{"message":"Authentication required","extensions":{"code":"AUTHENTICATION_ERROR"}}]}`
			err := client.UpdateIssueState(ctx, "bad", "issue-1", "state-1")
			Expect(errors.Is(err, tracker.ErrUnauthorized)).To(BeTrue())
		})

		It("refuses to call without a key", func() {
			_, err := client.AddComment(ctx, "", "issue-1", "hi")
			Expect(errors.Is(err, tracker.ErrUnauthorized)).To(BeTrue())
		})
	})

	It("returns ErrNotFound for a null issue", func() {
		response = `{"data":{"issue":null}}`
		_, err := client.GetIssue(ctx, "lin_key", "missing")
		Expect(errors.Is(err, tracker.ErrNotFound)).To(BeTrue())
	})

	It("adds a comment", func() {
		response = `{"data":{"commentCreate":{"success":true,"comment":{"id":"c-1","body":"hello"}}}}`
		comment, err := client.AddComment(ctx, "lin_key", "issue-1", "hello")
		Expect(err).NotTo(HaveOccurred())
		Expect(comment.ID).To(Equal("c-1"))
	})

	It("treats a server error as retryable", func() {
		status = http.StatusBadGateway
		response = `upstream down`
		err := client.UpdateIssueState(ctx, "lin_key", "issue-1", "state-2")
		Expect(err).To(HaveOccurred())
		Expect(errors.Is(err, tracker.ErrUnauthorized)).To(BeFalse())
	})
})
