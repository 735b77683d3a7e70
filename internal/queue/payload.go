package queue

import (
	"bytes"
	"encoding/json"

	"github.com/cockroachdb/errors"
)

var (
	ErrUnknownMessageType = errors.New("unknown message type")
	ErrPayloadMismatch    = errors.New("payload does not match message type")
)

// Payload is the closed set of envelope bodies. Each variant is bound to exactly one
// MessageType; switches over MessageType must handle every constant.
type Payload interface {
	MessageType() MessageType
	validate() error
}

// InboundTrackerEventPayload forwards a verified tracker webhook.
type InboundTrackerEventPayload struct {
	WebhookID      string          `json:"webhookId"`
	Action         string          `json:"action" jsonschema:"enum=create,enum=update,enum=remove"`
	EventType      string          `json:"eventType" jsonschema:"description=Tracker resource type, e.g. Issue or Comment"`
	OrganizationID string          `json:"organizationId"`
	URL            string          `json:"url,omitempty"`
	Data           json.RawMessage `json:"data" jsonschema:"type=object"`
	UpdatedFrom    json.RawMessage `json:"updatedFrom,omitempty" jsonschema:"type=object"`
}

// ConversationReference is what the chat connector needs to post proactively.
type ConversationReference struct {
	BotID          string `json:"botId"`
	ConversationID string `json:"conversationId"`
	ServiceURL     string `json:"serviceUrl"`
	TenantID       string `json:"tenantId"`
	ChannelID      string `json:"channelId,omitempty"`
	ActivityID     string `json:"activityId,omitempty"`
}

type SubmissionType string

const (
	SubmissionTypeBug     SubmissionType = "bug"
	SubmissionTypeFeature SubmissionType = "feature"
)

// ChatSubmissionPayload is a completed issue form from the chat surface.
type ChatSubmissionPayload struct {
	SubmissionID          string                `json:"submissionId"`
	ChannelConfigID       int64                 `json:"channelConfigId,string"`
	SubmissionType        SubmissionType        `json:"submissionType" jsonschema:"enum=bug,enum=feature"`
	Title                 string                `json:"title"`
	Description           string                `json:"description"`
	Priority              int                   `json:"priority" jsonschema:"minimum=1,maximum=4"`
	SubmitterID           string                `json:"submitterId"`
	SubmitterName         string                `json:"submitterName"`
	ConversationReference ConversationReference `json:"conversationReference"`
}

// ChatMessageKey identifies the chat message a submission maps to.
func (p *ChatSubmissionPayload) ChatMessageKey() string {
	if p.ConversationReference.ActivityID != "" {
		return p.ConversationReference.ActivityID
	}
	return p.SubmissionID
}

type SyncToChatAction string

const (
	SyncToChatActionCreated   SyncToChatAction = "created"
	SyncToChatActionUpdated   SyncToChatAction = "updated"
	SyncToChatActionCommented SyncToChatAction = "commented"
)

// SyncToChatPayload asks the chat side to reflect a tracker change.
type SyncToChatPayload struct {
	TrackerIssueID         string           `json:"trackerIssueId"`
	TrackerIssueIdentifier string           `json:"trackerIssueIdentifier"`
	Action                 SyncToChatAction `json:"action" jsonschema:"enum=created,enum=updated,enum=commented"`
	ChannelConfigID        int64            `json:"channelConfigId,string"`
	SyncMappingID          int64            `json:"syncMappingId,string,omitempty"`
	Changes                map[string]any   `json:"changes,omitempty"`
}

type SyncToTrackerAction string

const (
	SyncToTrackerActionCommentAdded  SyncToTrackerAction = "comment_added"
	SyncToTrackerActionStatusChanged SyncToTrackerAction = "status_changed"
)

type SyncToTrackerData struct {
	CommentID  string `json:"commentId,omitempty"`
	Body       string `json:"body,omitempty"`
	AuthorName string `json:"authorName,omitempty"`
	StateID    string `json:"stateId,omitempty"`
}

// SyncToTrackerPayload asks the tracker side to reflect a chat change.
type SyncToTrackerPayload struct {
	SyncMappingID int64               `json:"syncMappingId,string"`
	Action        SyncToTrackerAction `json:"action" jsonschema:"enum=comment_added,enum=status_changed"`
	Data          SyncToTrackerData   `json:"data"`
}

func (*InboundTrackerEventPayload) MessageType() MessageType {
	return MessageTypeInboundTrackerEvent
}

func (*ChatSubmissionPayload) MessageType() MessageType {
	return MessageTypeOutboundChatSubmission
}

func (*SyncToChatPayload) MessageType() MessageType {
	return MessageTypeSyncToChat
}

func (*SyncToTrackerPayload) MessageType() MessageType {
	return MessageTypeSyncToTracker
}

func (p *InboundTrackerEventPayload) validate() error {
	switch {
	case p.Action == "":
		return errors.Wrap(ErrPayloadMismatch, "missing action")
	case p.EventType == "":
		return errors.Wrap(ErrPayloadMismatch, "missing eventType")
	case len(p.Data) == 0 || bytes.Equal(p.Data, []byte("null")):
		return errors.Wrap(ErrPayloadMismatch, "missing data")
	}
	return nil
}

func (p *ChatSubmissionPayload) validate() error {
	switch {
	case p.SubmissionID == "":
		return errors.Wrap(ErrPayloadMismatch, "missing submissionId")
	case p.ChannelConfigID == 0:
		return errors.Wrap(ErrPayloadMismatch, "missing channelConfigId")
	case p.Title == "" || p.Description == "":
		return errors.Wrap(ErrPayloadMismatch, "missing title or description")
	case p.Priority < 1 || p.Priority > 4:
		return errors.Wrapf(ErrPayloadMismatch, "priority %d out of range", p.Priority)
	case p.ConversationReference.ConversationID == "" || p.ConversationReference.ServiceURL == "":
		return errors.Wrap(ErrPayloadMismatch, "incomplete conversationReference")
	}
	return nil
}

func (p *SyncToChatPayload) validate() error {
	if p.TrackerIssueID == "" {
		return errors.Wrap(ErrPayloadMismatch, "missing trackerIssueId")
	}
	if p.ChannelConfigID == 0 {
		return errors.Wrap(ErrPayloadMismatch, "missing channelConfigId")
	}
	switch p.Action {
	case SyncToChatActionCreated, SyncToChatActionUpdated, SyncToChatActionCommented:
		return nil
	default:
		return errors.Wrapf(ErrPayloadMismatch, "unknown action %q", p.Action)
	}
}

func (p *SyncToTrackerPayload) validate() error {
	if p.SyncMappingID == 0 {
		return errors.Wrap(ErrPayloadMismatch, "missing syncMappingId")
	}
	switch p.Action {
	case SyncToTrackerActionCommentAdded:
		if p.Data.Body == "" {
			return errors.Wrap(ErrPayloadMismatch, "comment_added without body")
		}
		return nil
	case SyncToTrackerActionStatusChanged:
		if p.Data.StateID == "" {
			return errors.Wrap(ErrPayloadMismatch, "status_changed without stateId")
		}
		return nil
	default:
		return errors.Wrapf(ErrPayloadMismatch, "unknown action %q", p.Action)
	}
}

// DecodePayload decodes env.Payload into the variant bound to env.Type.
func DecodePayload(env Envelope) (Payload, error) {
	var p Payload
	switch env.Type {
	case MessageTypeInboundTrackerEvent:
		p = &InboundTrackerEventPayload{}
	case MessageTypeOutboundChatSubmission:
		p = &ChatSubmissionPayload{}
	case MessageTypeSyncToChat:
		p = &SyncToChatPayload{}
	case MessageTypeSyncToTracker:
		p = &SyncToTrackerPayload{}
	default:
		return nil, errors.Wrapf(ErrUnknownMessageType, "%q", env.Type)
	}

	if len(env.Payload) == 0 {
		return nil, errors.Wrap(ErrPayloadMismatch, "empty payload")
	}
	if err := json.Unmarshal(env.Payload, p); err != nil {
		return nil, errors.Wrap(ErrPayloadMismatch, err.Error())
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	return p, nil
}
