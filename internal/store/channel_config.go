package store

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5"

	"basegraph.app/syncrelay/core/db"
	"basegraph.app/syncrelay/internal/model"
)

const channelConfigColumns = `id, tenant_id, chat_channel_id, chat_team_id, chat_service_url, tracker_team_id,
	tracker_team_key, sync_chat_to_tracker, sync_tracker_to_chat, sync_comments, sync_status_changes,
	default_priority, default_label_ids, created_at, updated_at`

type channelConfigStore struct {
	conn db.DBTX
}

func newChannelConfigStore(conn db.DBTX) ChannelConfigStore {
	return &channelConfigStore{conn: conn}
}

func (s *channelConfigStore) GetByID(ctx context.Context, tenantID string, id int64) (*model.ChannelConfig, error) {
	row := s.conn.QueryRow(ctx,
		`SELECT `+channelConfigColumns+` FROM channel_configs WHERE tenant_id = $1 AND id = $2`, tenantID, id)
	return scanChannelConfig(row)
}

func (s *channelConfigStore) GetByChatChannel(ctx context.Context, tenantID, chatChannelID string) (*model.ChannelConfig, error) {
	row := s.conn.QueryRow(ctx,
		`SELECT `+channelConfigColumns+` FROM channel_configs WHERE tenant_id = $1 AND chat_channel_id = $2`,
		tenantID, chatChannelID)
	return scanChannelConfig(row)
}

func (s *channelConfigStore) ListByTrackerTeam(ctx context.Context, tenantID, trackerTeamID string) ([]model.ChannelConfig, error) {
	rows, err := s.conn.Query(ctx,
		`SELECT `+channelConfigColumns+` FROM channel_configs
		 WHERE tenant_id = $1 AND tracker_team_id = $2
		 ORDER BY created_at, id`, tenantID, trackerTeamID)
	if err != nil {
		return nil, errors.Wrap(err, "listing channel configs")
	}
	defer rows.Close()

	var result []model.ChannelConfig
	for rows.Next() {
		cfg, err := scanChannelConfig(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *cfg)
	}
	return result, rows.Err()
}

func (s *channelConfigStore) Create(ctx context.Context, c *model.ChannelConfig) error {
	c.ApplyDefaults()
	row := s.conn.QueryRow(ctx, `
		INSERT INTO channel_configs (id, tenant_id, chat_channel_id, chat_team_id, chat_service_url, tracker_team_id,
			tracker_team_key, sync_chat_to_tracker, sync_tracker_to_chat, sync_comments, sync_status_changes,
			default_priority, default_label_ids)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING created_at, updated_at`,
		c.ID, c.TenantID, c.ChatChannelID, c.ChatTeamID, c.ChatServiceURL, c.TrackerTeamID,
		c.TrackerTeamKey, c.SyncChatToTracker, c.SyncTrackerToChat, c.SyncComments, c.SyncStatusChanges,
		c.DefaultPriority, c.DefaultLabelIDs)
	if err := row.Scan(&c.CreatedAt, &c.UpdatedAt); err != nil {
		if db.IsUniqueViolation(err) {
			return ErrConflict
		}
		return errors.Wrap(err, "inserting channel config")
	}
	return nil
}

func scanChannelConfig(row pgx.Row) (*model.ChannelConfig, error) {
	var (
		c        model.ChannelConfig
		priority int16
	)
	err := row.Scan(&c.ID, &c.TenantID, &c.ChatChannelID, &c.ChatTeamID, &c.ChatServiceURL, &c.TrackerTeamID,
		&c.TrackerTeamKey, &c.SyncChatToTracker, &c.SyncTrackerToChat, &c.SyncComments, &c.SyncStatusChanges,
		&priority, &c.DefaultLabelIDs, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrap(err, "scanning channel config")
	}
	c.DefaultPriority = int(priority)
	return &c, nil
}
