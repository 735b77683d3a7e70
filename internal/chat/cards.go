package chat

import (
	"fmt"

	"basegraph.app/syncrelay/internal/model"
)

const adaptiveSchema = "http://adaptivecards.io/schemas/adaptive-card.json"

// IssueSummary is the tracker issue as shown in chat.
type IssueSummary struct {
	Identifier  string
	Title       string
	Description string
	State       string
	Team        string
	Assignee    string
	Priority    int
	URL         string
}

// UpdateKind labels a thread notification.
type UpdateKind string

const (
	UpdateKindCreated       UpdateKind = "created"
	UpdateKindUpdated       UpdateKind = "updated"
	UpdateKindStatusChanged UpdateKind = "status_changed"
	UpdateKindCommentAdded  UpdateKind = "comment_added"
	UpdateKindAssigned      UpdateKind = "assigned"
	UpdateKindRemoved       UpdateKind = "removed"
)

func (k UpdateKind) label() string {
	switch k {
	case UpdateKindCreated:
		return "Issue Created"
	case UpdateKindUpdated:
		return "Issue Updated"
	case UpdateKindStatusChanged:
		return "Status Updated"
	case UpdateKindCommentAdded:
		return "New Comment"
	case UpdateKindAssigned:
		return "Assignment Changed"
	case UpdateKindRemoved:
		return "Issue Removed"
	default:
		return string(k)
	}
}

// IssueMessage renders the card that starts an issue thread.
func IssueMessage(s IssueSummary) Message {
	facts := []map[string]string{}
	if s.State != "" {
		facts = append(facts, fact("Status", s.State))
	}
	facts = append(facts, fact("Priority", model.PriorityLabel(s.Priority)))
	if s.Team != "" {
		facts = append(facts, fact("Team", s.Team))
	}
	if s.Assignee != "" {
		facts = append(facts, fact("Assignee", s.Assignee))
	}

	body := []map[string]any{
		{"type": "TextBlock", "text": heading(s), "wrap": true, "weight": "Bolder", "size": "Medium"},
		{"type": "FactSet", "facts": facts},
	}
	if s.Description != "" {
		body = append(body, map[string]any{"type": "TextBlock", "text": s.Description, "wrap": true, "maxLines": 3})
	}

	return Message{
		Text: fmt.Sprintf("**%s**", heading(s)),
		Card: card(body, s.URL),
	}
}

// UpdateMessage renders a thread notification about s.
func UpdateMessage(s IssueSummary, kind UpdateKind, details string) Message {
	body := []map[string]any{
		{"type": "TextBlock", "text": kind.label(), "weight": "Bolder", "color": "Accent"},
		{"type": "TextBlock", "text": heading(s), "wrap": true, "weight": "Bolder"},
	}
	if details != "" {
		body = append(body, map[string]any{"type": "TextBlock", "text": details, "wrap": true})
	}

	text := fmt.Sprintf("**%s** %s", kind.label(), heading(s))
	if details != "" {
		text += "\n\n" + details
	}
	return Message{Text: text, Card: card(body, s.URL)}
}

func heading(s IssueSummary) string {
	if s.Identifier == "" {
		return s.Title
	}
	if s.Title == "" {
		return s.Identifier
	}
	return s.Identifier + ": " + s.Title
}

func fact(title, value string) map[string]string {
	return map[string]string{"title": title, "value": value}
}

func card(body []map[string]any, url string) map[string]any {
	c := map[string]any{
		"$schema": adaptiveSchema,
		"type":    "AdaptiveCard",
		"version": "1.4",
		"body":    body,
	}
	if url != "" {
		c["actions"] = []map[string]string{{"type": "Action.OpenUrl", "title": "View in tracker", "url": url}}
	}
	return c
}
