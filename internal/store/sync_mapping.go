package store

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5"

	"basegraph.app/syncrelay/core/db"
	"basegraph.app/syncrelay/internal/model"
)

const syncMappingColumns = `id, tenant_id, channel_config_id, chat_message_id, chat_conversation_id,
	tracker_issue_id, tracker_issue_identifier, direction, created_at, last_synced_at`

type syncMappingStore struct {
	conn db.DBTX
}

func newSyncMappingStore(conn db.DBTX) SyncMappingStore {
	return &syncMappingStore{conn: conn}
}

func (s *syncMappingStore) GetByID(ctx context.Context, tenantID string, id int64) (*model.SyncMapping, error) {
	row := s.conn.QueryRow(ctx,
		`SELECT `+syncMappingColumns+` FROM sync_mappings WHERE tenant_id = $1 AND id = $2`, tenantID, id)
	return scanSyncMapping(row)
}

func (s *syncMappingStore) GetByChatMessage(ctx context.Context, tenantID, chatMessageID string) (*model.SyncMapping, error) {
	if chatMessageID == "" {
		return nil, ErrNotFound
	}
	row := s.conn.QueryRow(ctx,
		`SELECT `+syncMappingColumns+` FROM sync_mappings WHERE tenant_id = $1 AND chat_message_id = $2`,
		tenantID, chatMessageID)
	return scanSyncMapping(row)
}

func (s *syncMappingStore) GetByTrackerIssue(ctx context.Context, tenantID, trackerIssueID string) (*model.SyncMapping, error) {
	if trackerIssueID == "" {
		return nil, ErrNotFound
	}
	row := s.conn.QueryRow(ctx,
		`SELECT `+syncMappingColumns+` FROM sync_mappings WHERE tenant_id = $1 AND tracker_issue_id = $2`,
		tenantID, trackerIssueID)
	return scanSyncMapping(row)
}

func (s *syncMappingStore) CreateIfAbsent(ctx context.Context, m *model.SyncMapping) (*model.SyncMapping, bool, error) {
	if m.ChatMessageID == "" && m.TrackerIssueID == "" {
		return nil, false, errors.New("sync mapping needs a chat message id or a tracker issue id")
	}

	// ON CONFLICT DO NOTHING without a target covers both partial unique indexes.
	row := s.conn.QueryRow(ctx, `
		INSERT INTO sync_mappings (id, tenant_id, channel_config_id, chat_message_id, chat_conversation_id,
			tracker_issue_id, tracker_issue_identifier, direction)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT DO NOTHING
		RETURNING `+syncMappingColumns,
		m.ID, m.TenantID, m.ChannelConfigID, m.ChatMessageID, m.ChatConversationID,
		m.TrackerIssueID, m.TrackerIssueIdentifier, string(m.Direction))

	created, err := scanSyncMapping(row)
	if err == nil {
		return created, true, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, false, errors.Wrap(err, "inserting sync mapping")
	}

	existing, err := s.existing(ctx, m)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (s *syncMappingStore) existing(ctx context.Context, m *model.SyncMapping) (*model.SyncMapping, error) {
	if m.TrackerIssueID != "" {
		found, err := s.GetByTrackerIssue(ctx, m.TenantID, m.TrackerIssueID)
		if !errors.Is(err, ErrNotFound) {
			return found, err
		}
	}
	found, err := s.GetByChatMessage(ctx, m.TenantID, m.ChatMessageID)
	if errors.Is(err, ErrNotFound) {
		// Conflicting row vanished between insert and read (concurrent unlink).
		return nil, ErrConflict
	}
	return found, err
}

func (s *syncMappingStore) AttachChatMessage(ctx context.Context, tenantID string, id int64, chatMessageID, conversationID string) (bool, error) {
	tag, err := s.conn.Exec(ctx, `
		UPDATE sync_mappings
		SET chat_message_id = $3, chat_conversation_id = $4, last_synced_at = now()
		WHERE tenant_id = $1 AND id = $2 AND chat_message_id = ''`,
		tenantID, id, chatMessageID, conversationID)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return false, ErrConflict
		}
		return false, errors.Wrap(err, "attaching chat message")
	}
	return tag.RowsAffected() == 1, nil
}

func (s *syncMappingStore) AttachTrackerIssue(ctx context.Context, tenantID string, id int64, trackerIssueID, identifier string) (bool, error) {
	tag, err := s.conn.Exec(ctx, `
		UPDATE sync_mappings
		SET tracker_issue_id = $3, tracker_issue_identifier = $4, last_synced_at = now()
		WHERE tenant_id = $1 AND id = $2 AND tracker_issue_identifier = ''
			AND tracker_issue_id IN ('', $3)`,
		tenantID, id, trackerIssueID, identifier)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return false, ErrConflict
		}
		return false, errors.Wrap(err, "attaching tracker issue")
	}
	return tag.RowsAffected() == 1, nil
}

func (s *syncMappingStore) TouchLastSynced(ctx context.Context, tenantID string, id int64) error {
	tag, err := s.conn.Exec(ctx,
		`UPDATE sync_mappings SET last_synced_at = now() WHERE tenant_id = $1 AND id = $2`, tenantID, id)
	if err != nil {
		return errors.Wrap(err, "touching sync mapping")
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *syncMappingStore) Delete(ctx context.Context, tenantID string, id int64) error {
	if _, err := s.conn.Exec(ctx, `DELETE FROM sync_mappings WHERE tenant_id = $1 AND id = $2`, tenantID, id); err != nil {
		return errors.Wrap(err, "deleting sync mapping")
	}
	return nil
}

func scanSyncMapping(row pgx.Row) (*model.SyncMapping, error) {
	var (
		m         model.SyncMapping
		direction string
	)
	err := row.Scan(&m.ID, &m.TenantID, &m.ChannelConfigID, &m.ChatMessageID, &m.ChatConversationID,
		&m.TrackerIssueID, &m.TrackerIssueIdentifier, &direction, &m.CreatedAt, &m.LastSyncedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrap(err, "scanning sync mapping")
	}
	m.Direction = model.SyncDirection(direction)
	return &m, nil
}

type syncDeliveryStore struct {
	conn db.DBTX
}

func newSyncDeliveryStore(conn db.DBTX) SyncDeliveryStore {
	return &syncDeliveryStore{conn: conn}
}

func (s *syncDeliveryStore) Exists(ctx context.Context, tenantID, deliveryKey string) (bool, error) {
	var exists bool
	err := s.conn.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM sync_deliveries WHERE tenant_id = $1 AND delivery_key = $2)`,
		tenantID, deliveryKey).Scan(&exists)
	if err != nil {
		return false, errors.Wrap(err, "checking sync delivery")
	}
	return exists, nil
}

func (s *syncDeliveryStore) Record(ctx context.Context, d *model.SyncDelivery) (bool, error) {
	tag, err := s.conn.Exec(ctx, `
		INSERT INTO sync_deliveries (tenant_id, delivery_key, sync_mapping_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (tenant_id, delivery_key) DO NOTHING`,
		d.TenantID, d.DeliveryKey, d.SyncMappingID)
	if err != nil {
		return false, errors.Wrap(err, "recording sync delivery")
	}
	return tag.RowsAffected() == 1, nil
}

func (s *syncDeliveryStore) DeleteByMapping(ctx context.Context, tenantID string, syncMappingID int64) error {
	if _, err := s.conn.Exec(ctx,
		`DELETE FROM sync_deliveries WHERE tenant_id = $1 AND sync_mapping_id = $2`, tenantID, syncMappingID); err != nil {
		return errors.Wrap(err, "deleting sync deliveries")
	}
	return nil
}
