// Package tracker talks to the issue tracker's GraphQL API on behalf of a tenant.
package tracker

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/go-resty/resty/v2"

	"basegraph.app/syncrelay/common/logger"
	"basegraph.app/syncrelay/core/config"
)

var (
	// ErrUnauthorized means the tenant's API key was refused. Retrying will not help.
	ErrUnauthorized = errors.New("tracker rejected credentials")
	// ErrAlreadyExists is returned by CreateIssue when the client-supplied id is taken.
	ErrAlreadyExists = errors.New("tracker entity already exists")
	ErrNotFound      = errors.New("tracker entity not found")
)

type Client interface {
	// CreateIssue creates an issue with in.ID as its id, so a retried create is detectable.
	CreateIssue(ctx context.Context, apiKey string, in CreateIssueInput) (*Issue, error)
	GetIssue(ctx context.Context, apiKey, issueID string) (*Issue, error)
	AddComment(ctx context.Context, apiKey, issueID, body string) (*Comment, error)
	UpdateIssueState(ctx context.Context, apiKey, issueID, stateID string) error
}

type CreateIssueInput struct {
	ID          string   `json:"id,omitempty"`
	TeamID      string   `json:"teamId"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Priority    int      `json:"priority,omitempty"`
	LabelIDs    []string `json:"labelIds,omitempty"`
}

type IssueState struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type Issue struct {
	ID         string      `json:"id"`
	Identifier string      `json:"identifier"`
	Title      string      `json:"title"`
	URL        string      `json:"url"`
	Priority   int         `json:"priority"`
	State      *IssueState `json:"state,omitempty"`
}

type Comment struct {
	ID   string `json:"id"`
	Body string `json:"body"`
}

type graphQLRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

type graphQLError struct {
	Message    string `json:"message"`
	Extensions struct {
		Code string `json:"code"`
		Type string `json:"type"`
	} `json:"extensions"`
}

type graphQLResponse[T any] struct {
	Data   T              `json:"data"`
	Errors []graphQLError `json:"errors"`
}

type client struct {
	http *resty.Client
}

func NewClient(cfg config.TrackerConfig) Client {
	return &client{
		http: resty.New().
			SetBaseURL(cfg.APIURL).
			SetHeader("Content-Type", "application/json").
			SetTimeout(cfg.Timeout),
	}
}

const issueFields = `id identifier title url priority state { id name }`

func (c *client) CreateIssue(ctx context.Context, apiKey string, in CreateIssueInput) (*Issue, error) {
	const query = `mutation IssueCreate($input: IssueCreateInput!) {
  issueCreate(input: $input) { success issue { ` + issueFields + ` } }
}`
	var data struct {
		IssueCreate struct {
			Success bool   `json:"success"`
			Issue   *Issue `json:"issue"`
		} `json:"issueCreate"`
	}
	if err := do(ctx, c.http, apiKey, "issueCreate", query, map[string]any{"input": in}, &data); err != nil {
		return nil, err
	}
	if !data.IssueCreate.Success || data.IssueCreate.Issue == nil {
		return nil, errors.New("tracker issueCreate reported failure")
	}
	return data.IssueCreate.Issue, nil
}

func (c *client) GetIssue(ctx context.Context, apiKey, issueID string) (*Issue, error) {
	const query = `query Issue($id: String!) { issue(id: $id) { ` + issueFields + ` } }`
	var data struct {
		Issue *Issue `json:"issue"`
	}
	if err := do(ctx, c.http, apiKey, "issue", query, map[string]any{"id": issueID}, &data); err != nil {
		return nil, err
	}
	if data.Issue == nil {
		return nil, errors.Wrapf(ErrNotFound, "issue %s", issueID)
	}
	return data.Issue, nil
}

func (c *client) AddComment(ctx context.Context, apiKey, issueID, body string) (*Comment, error) {
	const query = `mutation CommentCreate($input: CommentCreateInput!) {
  commentCreate(input: $input) { success comment { id body } }
}`
	var data struct {
		CommentCreate struct {
			Success bool     `json:"success"`
			Comment *Comment `json:"comment"`
		} `json:"commentCreate"`
	}
	vars := map[string]any{"input": map[string]string{"issueId": issueID, "body": body}}
	if err := do(ctx, c.http, apiKey, "commentCreate", query, vars, &data); err != nil {
		return nil, err
	}
	if !data.CommentCreate.Success || data.CommentCreate.Comment == nil {
		return nil, errors.New("tracker commentCreate reported failure")
	}
	return data.CommentCreate.Comment, nil
}

func (c *client) UpdateIssueState(ctx context.Context, apiKey, issueID, stateID string) error {
	const query = `mutation IssueUpdate($id: String!, $input: IssueUpdateInput!) {
  issueUpdate(id: $id, input: $input) { success }
}`
	var data struct {
		IssueUpdate struct {
			Success bool `json:"success"`
		} `json:"issueUpdate"`
	}
	vars := map[string]any{"id": issueID, "input": map[string]string{"stateId": stateID}}
	if err := do(ctx, c.http, apiKey, "issueUpdate", query, vars, &data); err != nil {
		return err
	}
	if !data.IssueUpdate.Success {
		return errors.New("tracker issueUpdate reported failure")
	}
	return nil
}

func do[T any](ctx context.Context, rc *resty.Client, apiKey, op, query string, vars map[string]any, out *T) error {
	if apiKey == "" {
		return errors.Wrap(ErrUnauthorized, "no api key configured")
	}

	var result graphQLResponse[T]
	resp, err := rc.R().
		SetContext(ctx).
		SetHeader("Authorization", apiKey).
		SetBody(graphQLRequest{Query: query, Variables: vars}).
		SetResult(&result).
		SetError(&result).
		Post("")
	if err != nil {
		return errors.Wrapf(err, "tracker %s request failed", op)
	}

	if resp.StatusCode() == http.StatusUnauthorized || resp.StatusCode() == http.StatusForbidden {
		return errors.Wrapf(ErrUnauthorized, "tracker %s: status %d", op, resp.StatusCode())
	}
	if gqlErr := classify(result.Errors); gqlErr != nil {
		slog.WarnContext(ctx, "tracker graphql error", "operation", op, "status", resp.StatusCode(), "error", gqlErr)
		return errors.Wrapf(gqlErr, "tracker %s", op)
	}
	if resp.IsError() {
		return errors.Newf("tracker %s: status %s, body: %s", op, resp.Status(), logger.Truncate(resp.String(), 512))
	}

	*out = result.Data
	return nil
}

func classify(errs []graphQLError) error {
	if len(errs) == 0 {
		return nil
	}
	first := errs[0]
	msg := strings.ToLower(first.Message)
	switch {
	case first.Extensions.Code == "AUTHENTICATION_ERROR" || first.Extensions.Type == "authentication error":
		return errors.Wrap(ErrUnauthorized, first.Message)
	case strings.Contains(msg, "already exists") || strings.Contains(msg, "duplicate"):
		return errors.Wrap(ErrAlreadyExists, first.Message)
	case strings.Contains(msg, "not found"):
		return errors.Wrap(ErrNotFound, first.Message)
	default:
		return errors.Newf("graphql error: %s", first.Message)
	}
}
