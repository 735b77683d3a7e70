package model

import "time"

// SyncDirection records which side originated a mapping. Audit only.
type SyncDirection string

const (
	SyncDirectionChatToTracker SyncDirection = "chat_to_tracker"
	SyncDirectionTrackerToChat SyncDirection = "tracker_to_chat"
)

// SyncMapping links a chat message to a tracker issue within one tenant.
// Either side may be empty while it is still being produced.
type SyncMapping struct {
	ID                     int64         `json:"id"`
	TenantID               string        `json:"tenant_id"`
	ChannelConfigID        int64         `json:"channel_config_id"`
	ChatMessageID          string        `json:"chat_message_id"`
	ChatConversationID     string        `json:"chat_conversation_id"`
	TrackerIssueID         string        `json:"tracker_issue_id"`
	TrackerIssueIdentifier string        `json:"tracker_issue_identifier"`
	Direction              SyncDirection `json:"direction"`
	CreatedAt              time.Time     `json:"created_at"`
	LastSyncedAt           time.Time     `json:"last_synced_at"`
}

// ChatPending reports whether the chat side has not been posted yet.
func (m *SyncMapping) ChatPending() bool {
	return m.ChatMessageID == ""
}

// TrackerPending reports whether the tracker issue has not been confirmed yet. Chat-originated
// mappings reserve a tracker issue id before the issue exists, so the identifier decides.
func (m *SyncMapping) TrackerPending() bool {
	return m.TrackerIssueID == "" || m.TrackerIssueIdentifier == ""
}

// SyncDelivery records an outbound side effect that has been delivered, keyed per tenant.
type SyncDelivery struct {
	TenantID      string    `json:"tenant_id"`
	DeliveryKey   string    `json:"delivery_key"`
	SyncMappingID int64     `json:"sync_mapping_id"`
	CreatedAt     time.Time `json:"created_at"`
}
