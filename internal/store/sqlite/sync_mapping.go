package sqlite

import (
	"context"

	"github.com/cockroachdb/errors"

	"basegraph.app/syncrelay/internal/model"
	"basegraph.app/syncrelay/internal/store"
)

type syncMappingRow struct {
	ID                     int64  `db:"id"`
	TenantID               string `db:"tenant_id"`
	ChannelConfigID        int64  `db:"channel_config_id"`
	ChatMessageID          string `db:"chat_message_id"`
	ChatConversationID     string `db:"chat_conversation_id"`
	TrackerIssueID         string `db:"tracker_issue_id"`
	TrackerIssueIdentifier string `db:"tracker_issue_identifier"`
	Direction              string `db:"direction"`
	CreatedAt              int64  `db:"created_at"`
	LastSyncedAt           int64  `db:"last_synced_at"`
}

func (r syncMappingRow) toModel() *model.SyncMapping {
	return &model.SyncMapping{
		ID:                     r.ID,
		TenantID:               r.TenantID,
		ChannelConfigID:        r.ChannelConfigID,
		ChatMessageID:          r.ChatMessageID,
		ChatConversationID:     r.ChatConversationID,
		TrackerIssueID:         r.TrackerIssueID,
		TrackerIssueIdentifier: r.TrackerIssueIdentifier,
		Direction:              model.SyncDirection(r.Direction),
		CreatedAt:              fromMillis(r.CreatedAt),
		LastSyncedAt:           fromMillis(r.LastSyncedAt),
	}
}

type syncMappingStore struct {
	q queryer
}

func (s *syncMappingStore) get(ctx context.Context, query string, args ...any) (*model.SyncMapping, error) {
	var row syncMappingRow
	if err := s.q.GetContext(ctx, &row, query, args...); err != nil {
		return nil, notFound(err)
	}
	return row.toModel(), nil
}

func (s *syncMappingStore) GetByID(ctx context.Context, tenantID string, id int64) (*model.SyncMapping, error) {
	return s.get(ctx, `SELECT * FROM sync_mappings WHERE tenant_id = ? AND id = ?`, tenantID, id)
}

func (s *syncMappingStore) GetByChatMessage(ctx context.Context, tenantID, chatMessageID string) (*model.SyncMapping, error) {
	if chatMessageID == "" {
		return nil, store.ErrNotFound
	}
	return s.get(ctx, `SELECT * FROM sync_mappings WHERE tenant_id = ? AND chat_message_id = ?`, tenantID, chatMessageID)
}

func (s *syncMappingStore) GetByTrackerIssue(ctx context.Context, tenantID, trackerIssueID string) (*model.SyncMapping, error) {
	if trackerIssueID == "" {
		return nil, store.ErrNotFound
	}
	return s.get(ctx, `SELECT * FROM sync_mappings WHERE tenant_id = ? AND tracker_issue_id = ?`, tenantID, trackerIssueID)
}

func (s *syncMappingStore) CreateIfAbsent(ctx context.Context, m *model.SyncMapping) (*model.SyncMapping, bool, error) {
	if m.ChatMessageID == "" && m.TrackerIssueID == "" {
		return nil, false, errors.New("sync mapping needs a chat message id or a tracker issue id")
	}

	now := nowMillis()
	res, err := s.q.ExecContext(ctx, `
		INSERT INTO sync_mappings (id, tenant_id, channel_config_id, chat_message_id, chat_conversation_id,
			tracker_issue_id, tracker_issue_identifier, direction, created_at, last_synced_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING`,
		m.ID, m.TenantID, m.ChannelConfigID, m.ChatMessageID, m.ChatConversationID,
		m.TrackerIssueID, m.TrackerIssueIdentifier, string(m.Direction), now, now)
	if err != nil {
		return nil, false, errors.Wrap(err, "inserting sync mapping")
	}

	if n, _ := res.RowsAffected(); n == 1 {
		created, err := s.GetByID(ctx, m.TenantID, m.ID)
		return created, err == nil, err
	}

	if m.TrackerIssueID != "" {
		found, err := s.GetByTrackerIssue(ctx, m.TenantID, m.TrackerIssueID)
		if !errors.Is(err, store.ErrNotFound) {
			return found, false, err
		}
	}
	found, err := s.GetByChatMessage(ctx, m.TenantID, m.ChatMessageID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, false, store.ErrConflict
	}
	return found, false, err
}

func (s *syncMappingStore) AttachChatMessage(ctx context.Context, tenantID string, id int64, chatMessageID, conversationID string) (bool, error) {
	res, err := s.q.ExecContext(ctx, `
		UPDATE sync_mappings
		SET chat_message_id = ?, chat_conversation_id = ?, last_synced_at = ?
		WHERE tenant_id = ? AND id = ? AND chat_message_id = ''`,
		chatMessageID, conversationID, nowMillis(), tenantID, id)
	return affectedOne(res, err, "attaching chat message")
}

func (s *syncMappingStore) AttachTrackerIssue(ctx context.Context, tenantID string, id int64, trackerIssueID, identifier string) (bool, error) {
	res, err := s.q.ExecContext(ctx, `
		UPDATE sync_mappings
		SET tracker_issue_id = ?, tracker_issue_identifier = ?, last_synced_at = ?
		WHERE tenant_id = ? AND id = ? AND tracker_issue_identifier = ''
			AND tracker_issue_id IN ('', ?)`,
		trackerIssueID, identifier, nowMillis(), tenantID, id, trackerIssueID)
	return affectedOne(res, err, "attaching tracker issue")
}

func (s *syncMappingStore) TouchLastSynced(ctx context.Context, tenantID string, id int64) error {
	res, err := s.q.ExecContext(ctx,
		`UPDATE sync_mappings SET last_synced_at = ? WHERE tenant_id = ? AND id = ?`, nowMillis(), tenantID, id)
	ok, err := affectedOne(res, err, "touching sync mapping")
	if err != nil {
		return err
	}
	if !ok {
		return store.ErrNotFound
	}
	return nil
}

func (s *syncMappingStore) Delete(ctx context.Context, tenantID string, id int64) error {
	if _, err := s.q.ExecContext(ctx, `DELETE FROM sync_mappings WHERE tenant_id = ? AND id = ?`, tenantID, id); err != nil {
		return errors.Wrap(err, "deleting sync mapping")
	}
	return nil
}

type syncDeliveryStore struct {
	q queryer
}

func (s *syncDeliveryStore) Exists(ctx context.Context, tenantID, deliveryKey string) (bool, error) {
	var n int
	if err := s.q.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM sync_deliveries WHERE tenant_id = ? AND delivery_key = ?`, tenantID, deliveryKey); err != nil {
		return false, errors.Wrap(err, "checking sync delivery")
	}
	return n > 0, nil
}

func (s *syncDeliveryStore) Record(ctx context.Context, d *model.SyncDelivery) (bool, error) {
	res, err := s.q.ExecContext(ctx, `
		INSERT INTO sync_deliveries (tenant_id, delivery_key, sync_mapping_id, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (tenant_id, delivery_key) DO NOTHING`,
		d.TenantID, d.DeliveryKey, d.SyncMappingID, nowMillis())
	return affectedOne(res, err, "recording sync delivery")
}

func (s *syncDeliveryStore) DeleteByMapping(ctx context.Context, tenantID string, syncMappingID int64) error {
	if _, err := s.q.ExecContext(ctx,
		`DELETE FROM sync_deliveries WHERE tenant_id = ? AND sync_mapping_id = ?`, tenantID, syncMappingID); err != nil {
		return errors.Wrap(err, "deleting sync deliveries")
	}
	return nil
}

type rowsAffecter interface {
	RowsAffected() (int64, error)
}

func affectedOne(res rowsAffecter, err error, op string) (bool, error) {
	if err != nil {
		if isUniqueViolation(err) {
			return false, store.ErrConflict
		}
		return false, errors.Wrap(err, op)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, op)
	}
	return n == 1, nil
}
