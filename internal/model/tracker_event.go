package model

import "encoding/json"

// WebhookAction is the tracker's lifecycle verb for a resource.
type WebhookAction string

const (
	WebhookActionCreate WebhookAction = "create"
	WebhookActionUpdate WebhookAction = "update"
	WebhookActionRemove WebhookAction = "remove"
)

// ResourceType identifies which tracker resource a webhook describes.
type ResourceType string

const (
	ResourceTypeIssue      ResourceType = "Issue"
	ResourceTypeComment    ResourceType = "Comment"
	ResourceTypeIssueLabel ResourceType = "IssueLabel"
	ResourceTypeProject    ResourceType = "Project"
	ResourceTypeCycle      ResourceType = "Cycle"
)

// WebhookEvent is a verified, structurally valid tracker webhook.
type WebhookEvent struct {
	Action           WebhookAction   `json:"action"`
	ResourceType     ResourceType    `json:"type"`
	OrganizationID   string          `json:"organizationId"`
	WebhookID        string          `json:"webhookId"`
	WebhookTimestamp int64           `json:"webhookTimestamp"`
	CreatedAt        string          `json:"createdAt"`
	URL              string          `json:"url,omitempty"`
	UpdatedFrom      json.RawMessage `json:"updatedFrom,omitempty"`
	Data             EventData       `json:"-"`
	// RawData is the verbatim "data" object, forwarded into queue payloads untouched.
	RawData json.RawMessage `json:"data"`
}

// EventData is the closed set of webhook data shapes: *IssueData, *CommentData or RawData.
type EventData interface {
	eventData()
}

type IssueState struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"`
}

type IssueTeam struct {
	ID   string `json:"id"`
	Key  string `json:"key"`
	Name string `json:"name"`
}

type IssueUser struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
}

type IssueLabel struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Color string `json:"color,omitempty"`
}

type IssueData struct {
	ID          string       `json:"id"`
	Identifier  string       `json:"identifier"`
	Title       string       `json:"title"`
	Description string       `json:"description,omitempty"`
	Priority    int          `json:"priority"`
	State       *IssueState  `json:"state,omitempty"`
	Team        *IssueTeam   `json:"team,omitempty"`
	TeamID      string       `json:"teamId,omitempty"`
	Assignee    *IssueUser   `json:"assignee,omitempty"`
	Creator     *IssueUser   `json:"creator,omitempty"`
	Labels      []IssueLabel `json:"labels,omitempty"`
	URL         string       `json:"url,omitempty"`
	CreatedAt   string       `json:"createdAt,omitempty"`
	UpdatedAt   string       `json:"updatedAt,omitempty"`
}

// TeamIdentifier returns the owning tracker team id from either payload form.
func (d *IssueData) TeamIdentifier() string {
	if d.Team != nil && d.Team.ID != "" {
		return d.Team.ID
	}
	return d.TeamID
}

type CommentData struct {
	ID        string     `json:"id"`
	Body      string     `json:"body"`
	IssueID   string     `json:"issueId"`
	UserID    string     `json:"userId,omitempty"`
	User      *IssueUser `json:"user,omitempty"`
	CreatedAt string     `json:"createdAt,omitempty"`
	UpdatedAt string     `json:"updatedAt,omitempty"`
}

// RawData carries resource types the relay does not interpret.
type RawData json.RawMessage

func (*IssueData) eventData()   {}
func (*CommentData) eventData() {}
func (RawData) eventData()      {}

// PriorityLabel maps tracker priority numbers to display names.
func PriorityLabel(p int) string {
	switch p {
	case 1:
		return "Urgent"
	case 2:
		return "High"
	case 3:
		return "Medium"
	case 4:
		return "Low"
	default:
		return "No Priority"
	}
}
