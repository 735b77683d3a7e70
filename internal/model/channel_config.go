package model

import "time"

// DefaultChannelPriority is the tracker priority (Medium) used when a binding sets none.
const DefaultChannelPriority = 3

// ChannelConfig binds one chat channel to one tracker team with per-direction toggles.
type ChannelConfig struct {
	ID                int64     `json:"id"`
	TenantID          string    `json:"tenant_id"`
	ChatChannelID     string    `json:"chat_channel_id"`
	ChatTeamID        string    `json:"chat_team_id"`
	ChatServiceURL    string    `json:"chat_service_url"`
	TrackerTeamID     string    `json:"tracker_team_id"`
	TrackerTeamKey    string    `json:"tracker_team_key"`
	SyncChatToTracker bool      `json:"sync_chat_to_tracker"`
	SyncTrackerToChat bool      `json:"sync_tracker_to_chat"`
	SyncComments      bool      `json:"sync_comments"`
	SyncStatusChanges bool      `json:"sync_status_changes"`
	DefaultPriority   int       `json:"default_priority"`
	DefaultLabelIDs   []string  `json:"default_label_ids"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// ApplyDefaults fills zero-valued settings with the values the schema would use.
func (c *ChannelConfig) ApplyDefaults() {
	if c.DefaultPriority == 0 {
		c.DefaultPriority = DefaultChannelPriority
	}
	if c.DefaultLabelIDs == nil {
		c.DefaultLabelIDs = []string{}
	}
}
