package sqlite

import (
	"context"
	"encoding/json"

	"github.com/cockroachdb/errors"

	"basegraph.app/syncrelay/internal/model"
	"basegraph.app/syncrelay/internal/store"
)

type tenantRow struct {
	ID                     string `db:"id"`
	Name                   string `db:"name"`
	ExternalOrgID          string `db:"external_org_id"`
	TrackerAPIKeyEncrypted string `db:"tracker_api_key_encrypted"`
	WebhookSecretEncrypted string `db:"webhook_secret_encrypted"`
	IsActive               bool   `db:"is_active"`
	Metadata               string `db:"metadata"`
	CreatedAt              int64  `db:"created_at"`
	UpdatedAt              int64  `db:"updated_at"`
}

func (r tenantRow) toModel() (*model.TenantConfig, error) {
	t := &model.TenantConfig{
		ID:                     r.ID,
		Name:                   r.Name,
		ExternalOrgID:          r.ExternalOrgID,
		TrackerAPIKeyEncrypted: r.TrackerAPIKeyEncrypted,
		WebhookSecretEncrypted: r.WebhookSecretEncrypted,
		IsActive:               r.IsActive,
		CreatedAt:              fromMillis(r.CreatedAt),
		UpdatedAt:              fromMillis(r.UpdatedAt),
	}
	if r.Metadata != "" {
		if err := json.Unmarshal([]byte(r.Metadata), &t.Metadata); err != nil {
			return nil, errors.Wrap(err, "decoding tenant metadata")
		}
	}
	return t, nil
}

type tenantStore struct {
	q queryer
}

func (s *tenantStore) GetByID(ctx context.Context, id string) (*model.TenantConfig, error) {
	var row tenantRow
	if err := s.q.GetContext(ctx, &row, `SELECT * FROM tenants WHERE id = ?`, id); err != nil {
		return nil, notFound(err)
	}
	return row.toModel()
}

func (s *tenantStore) GetByExternalOrgID(ctx context.Context, externalOrgID string) (*model.TenantConfig, error) {
	var row tenantRow
	if err := s.q.GetContext(ctx, &row, `SELECT * FROM tenants WHERE external_org_id = ?`, externalOrgID); err != nil {
		return nil, notFound(err)
	}
	return row.toModel()
}

func (s *tenantStore) Create(ctx context.Context, t *model.TenantConfig) error {
	metadata, err := json.Marshal(t.Metadata)
	if err != nil {
		return errors.Wrap(err, "encoding tenant metadata")
	}
	now := nowMillis()
	_, err = s.q.ExecContext(ctx, `
		INSERT INTO tenants (id, name, external_org_id, tracker_api_key_encrypted, webhook_secret_encrypted,
			is_active, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Name, t.ExternalOrgID, t.TrackerAPIKeyEncrypted, t.WebhookSecretEncrypted,
		t.IsActive, string(metadata), now, now)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrConflict
		}
		return errors.Wrap(err, "inserting tenant")
	}
	t.CreatedAt, t.UpdatedAt = fromMillis(now), fromMillis(now)
	return nil
}
