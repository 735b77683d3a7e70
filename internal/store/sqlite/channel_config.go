package sqlite

import (
	"context"
	"encoding/json"

	"github.com/cockroachdb/errors"

	"basegraph.app/syncrelay/internal/model"
	"basegraph.app/syncrelay/internal/store"
)

type channelConfigRow struct {
	ID                int64  `db:"id"`
	TenantID          string `db:"tenant_id"`
	ChatChannelID     string `db:"chat_channel_id"`
	ChatTeamID        string `db:"chat_team_id"`
	ChatServiceURL    string `db:"chat_service_url"`
	TrackerTeamID     string `db:"tracker_team_id"`
	TrackerTeamKey    string `db:"tracker_team_key"`
	SyncChatToTracker bool   `db:"sync_chat_to_tracker"`
	SyncTrackerToChat bool   `db:"sync_tracker_to_chat"`
	SyncComments      bool   `db:"sync_comments"`
	SyncStatusChanges bool   `db:"sync_status_changes"`
	DefaultPriority   int    `db:"default_priority"`
	DefaultLabelIDs   string `db:"default_label_ids"`
	CreatedAt         int64  `db:"created_at"`
	UpdatedAt         int64  `db:"updated_at"`
}

func (r channelConfigRow) toModel() (*model.ChannelConfig, error) {
	c := &model.ChannelConfig{
		ID:                r.ID,
		TenantID:          r.TenantID,
		ChatChannelID:     r.ChatChannelID,
		ChatTeamID:        r.ChatTeamID,
		ChatServiceURL:    r.ChatServiceURL,
		TrackerTeamID:     r.TrackerTeamID,
		TrackerTeamKey:    r.TrackerTeamKey,
		SyncChatToTracker: r.SyncChatToTracker,
		SyncTrackerToChat: r.SyncTrackerToChat,
		SyncComments:      r.SyncComments,
		SyncStatusChanges: r.SyncStatusChanges,
		DefaultPriority:   r.DefaultPriority,
		CreatedAt:         fromMillis(r.CreatedAt),
		UpdatedAt:         fromMillis(r.UpdatedAt),
	}
	if err := json.Unmarshal([]byte(r.DefaultLabelIDs), &c.DefaultLabelIDs); err != nil {
		return nil, errors.Wrap(err, "decoding default label ids")
	}
	return c, nil
}

type channelConfigStore struct {
	q queryer
}

func (s *channelConfigStore) GetByID(ctx context.Context, tenantID string, id int64) (*model.ChannelConfig, error) {
	var row channelConfigRow
	if err := s.q.GetContext(ctx, &row,
		`SELECT * FROM channel_configs WHERE tenant_id = ? AND id = ?`, tenantID, id); err != nil {
		return nil, notFound(err)
	}
	return row.toModel()
}

func (s *channelConfigStore) GetByChatChannel(ctx context.Context, tenantID, chatChannelID string) (*model.ChannelConfig, error) {
	var row channelConfigRow
	if err := s.q.GetContext(ctx, &row,
		`SELECT * FROM channel_configs WHERE tenant_id = ? AND chat_channel_id = ?`, tenantID, chatChannelID); err != nil {
		return nil, notFound(err)
	}
	return row.toModel()
}

func (s *channelConfigStore) ListByTrackerTeam(ctx context.Context, tenantID, trackerTeamID string) ([]model.ChannelConfig, error) {
	var rows []channelConfigRow
	if err := s.q.SelectContext(ctx, &rows, `
		SELECT * FROM channel_configs
		WHERE tenant_id = ? AND tracker_team_id = ?
		ORDER BY created_at, id`, tenantID, trackerTeamID); err != nil {
		return nil, errors.Wrap(err, "listing channel configs")
	}
	result := make([]model.ChannelConfig, 0, len(rows))
	for _, r := range rows {
		c, err := r.toModel()
		if err != nil {
			return nil, err
		}
		result = append(result, *c)
	}
	return result, nil
}

func (s *channelConfigStore) Create(ctx context.Context, c *model.ChannelConfig) error {
	c.ApplyDefaults()
	encoded, err := json.Marshal(c.DefaultLabelIDs)
	if err != nil {
		return errors.Wrap(err, "encoding default label ids")
	}
	now := nowMillis()
	_, err = s.q.ExecContext(ctx, `
		INSERT INTO channel_configs (id, tenant_id, chat_channel_id, chat_team_id, chat_service_url, tracker_team_id,
			tracker_team_key, sync_chat_to_tracker, sync_tracker_to_chat, sync_comments, sync_status_changes,
			default_priority, default_label_ids, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.TenantID, c.ChatChannelID, c.ChatTeamID, c.ChatServiceURL, c.TrackerTeamID,
		c.TrackerTeamKey, c.SyncChatToTracker, c.SyncTrackerToChat, c.SyncComments, c.SyncStatusChanges,
		c.DefaultPriority, string(encoded), now, now)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrConflict
		}
		return errors.Wrap(err, "inserting channel config")
	}
	c.CreatedAt, c.UpdatedAt = fromMillis(now), fromMillis(now)
	return nil
}
