package chat

import (
	"strings"

	"basegraph.app/syncrelay/internal/queue"
)

const (
	ActivityTypeMessage            = "message"
	ActivityTypeConversationUpdate = "conversationUpdate"
)

type ChannelAccount struct {
	ID          string `json:"id"`
	Name        string `json:"name,omitempty"`
	AADObjectID string `json:"aadObjectId,omitempty"`
}

type ConversationAccount struct {
	ID               string `json:"id"`
	ConversationType string `json:"conversationType,omitempty"`
	TenantID         string `json:"tenantId,omitempty"`
}

type idRef struct {
	ID string `json:"id"`
}

type ChannelData struct {
	Channel *idRef `json:"channel,omitempty"`
	Team    *idRef `json:"team,omitempty"`
	Tenant  *idRef `json:"tenant,omitempty"`
}

// Activity is an inbound bot activity as delivered to the messaging endpoint.
type Activity struct {
	Type         string              `json:"type"`
	ID           string              `json:"id"`
	ServiceURL   string              `json:"serviceUrl"`
	ChannelID    string              `json:"channelId"`
	From         ChannelAccount      `json:"from"`
	Recipient    ChannelAccount      `json:"recipient"`
	Conversation ConversationAccount `json:"conversation"`
	ReplyToID    string              `json:"replyToId,omitempty"`
	Text         string              `json:"text,omitempty"`
	Value        map[string]any      `json:"value,omitempty"`
	ChannelData  ChannelData         `json:"channelData"`
}

// TenantID is the chat directory tenant the activity came from.
func (a *Activity) TenantID() string {
	if a.Conversation.TenantID != "" {
		return a.Conversation.TenantID
	}
	if a.ChannelData.Tenant != nil {
		return a.ChannelData.Tenant.ID
	}
	return ""
}

// ChatChannelID is the team channel the activity was posted in, empty for personal chats.
func (a *Activity) ChatChannelID() string {
	if a.ChannelData.Channel != nil {
		return a.ChannelData.Channel.ID
	}
	return ""
}

func (a *Activity) ChatTeamID() string {
	if a.ChannelData.Team != nil {
		return a.ChannelData.Team.ID
	}
	return ""
}

// ThreadRootID returns the root message of the thread the activity was posted in.
func (a *Activity) ThreadRootID() (string, bool) {
	_, root, ok := strings.Cut(a.Conversation.ID, ";messageid=")
	if !ok || root == "" || root == a.ID {
		return "", false
	}
	return root, true
}

// Reference captures what is needed to answer this activity later.
func (a *Activity) Reference() queue.ConversationReference {
	return queue.ConversationReference{
		BotID:          a.Recipient.ID,
		ConversationID: a.Conversation.ID,
		ServiceURL:     a.ServiceURL,
		TenantID:       a.TenantID(),
		ChannelID:      a.ChatChannelID(),
		ActivityID:     a.ID,
	}
}

// Text replies are plain messages without a card.
func Text(s string) Message {
	return Message{Text: s}
}
