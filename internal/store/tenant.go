package store

import (
	"context"
	"encoding/json"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5"

	"basegraph.app/syncrelay/core/db"
	"basegraph.app/syncrelay/internal/model"
)

const tenantColumns = `id, name, external_org_id, tracker_api_key_encrypted, webhook_secret_encrypted,
	is_active, metadata, created_at, updated_at`

type tenantStore struct {
	conn db.DBTX
}

func newTenantStore(conn db.DBTX) TenantStore {
	return &tenantStore{conn: conn}
}

func (s *tenantStore) GetByID(ctx context.Context, id string) (*model.TenantConfig, error) {
	row := s.conn.QueryRow(ctx, `SELECT `+tenantColumns+` FROM tenants WHERE id = $1`, id)
	return scanTenant(row)
}

func (s *tenantStore) GetByExternalOrgID(ctx context.Context, externalOrgID string) (*model.TenantConfig, error) {
	row := s.conn.QueryRow(ctx, `SELECT `+tenantColumns+` FROM tenants WHERE external_org_id = $1`, externalOrgID)
	return scanTenant(row)
}

func (s *tenantStore) Create(ctx context.Context, t *model.TenantConfig) error {
	metadata, err := json.Marshal(t.Metadata)
	if err != nil {
		return errors.Wrap(err, "encoding tenant metadata")
	}
	row := s.conn.QueryRow(ctx, `
		INSERT INTO tenants (id, name, external_org_id, tracker_api_key_encrypted, webhook_secret_encrypted, is_active, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at`,
		t.ID, t.Name, t.ExternalOrgID, t.TrackerAPIKeyEncrypted, t.WebhookSecretEncrypted, t.IsActive, metadata)
	if err := row.Scan(&t.CreatedAt, &t.UpdatedAt); err != nil {
		if db.IsUniqueViolation(err) {
			return ErrConflict
		}
		return errors.Wrap(err, "inserting tenant")
	}
	return nil
}

func scanTenant(row pgx.Row) (*model.TenantConfig, error) {
	var (
		t        model.TenantConfig
		metadata []byte
	)
	err := row.Scan(&t.ID, &t.Name, &t.ExternalOrgID, &t.TrackerAPIKeyEncrypted, &t.WebhookSecretEncrypted,
		&t.IsActive, &metadata, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrap(err, "scanning tenant")
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &t.Metadata); err != nil {
			return nil, errors.Wrap(err, "decoding tenant metadata")
		}
	}
	return &t, nil
}
