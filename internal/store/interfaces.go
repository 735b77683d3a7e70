package store

import (
	"context"

	"github.com/cockroachdb/errors"

	"basegraph.app/syncrelay/internal/model"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when a write loses to a concurrent writer on a unique key.
var ErrConflict = errors.New("conflict")

// TenantStore reads tenant installations. Tenants are provisioned elsewhere; Create
// exists for seeding.
type TenantStore interface {
	GetByID(ctx context.Context, id string) (*model.TenantConfig, error)
	GetByExternalOrgID(ctx context.Context, externalOrgID string) (*model.TenantConfig, error)
	Create(ctx context.Context, tenant *model.TenantConfig) error
}

// ChannelConfigStore reads channel bindings, always scoped to a tenant.
type ChannelConfigStore interface {
	GetByID(ctx context.Context, tenantID string, id int64) (*model.ChannelConfig, error)
	GetByChatChannel(ctx context.Context, tenantID, chatChannelID string) (*model.ChannelConfig, error)
	// ListByTrackerTeam returns configs bound to a tracker team, oldest first.
	ListByTrackerTeam(ctx context.Context, tenantID, trackerTeamID string) ([]model.ChannelConfig, error)
	Create(ctx context.Context, cfg *model.ChannelConfig) error
}

// SyncMappingStore owns chat message <-> tracker issue links. All writes are conditional
// so concurrent or repeated deliveries converge on a single mapping.
type SyncMappingStore interface {
	GetByID(ctx context.Context, tenantID string, id int64) (*model.SyncMapping, error)
	GetByChatMessage(ctx context.Context, tenantID, chatMessageID string) (*model.SyncMapping, error)
	GetByTrackerIssue(ctx context.Context, tenantID, trackerIssueID string) (*model.SyncMapping, error)

	// CreateIfAbsent inserts m unless a mapping already holds its chat message id or tracker
	// issue id, in which case the existing row is returned with created=false.
	CreateIfAbsent(ctx context.Context, m *model.SyncMapping) (mapping *model.SyncMapping, created bool, err error)

	// AttachChatMessage fills the chat side of a pending mapping. Returns false if the
	// chat side was already set.
	AttachChatMessage(ctx context.Context, tenantID string, id int64, chatMessageID, conversationID string) (bool, error)

	// AttachTrackerIssue fills the tracker side of a pending mapping. A mapping may reserve
	// its tracker issue id up front; the identifier is what marks it complete. Returns false
	// if the tracker side was already completed or reserved for another issue.
	AttachTrackerIssue(ctx context.Context, tenantID string, id int64, trackerIssueID, identifier string) (bool, error)

	TouchLastSynced(ctx context.Context, tenantID string, id int64) error
	Delete(ctx context.Context, tenantID string, id int64) error
}

// SyncDeliveryStore records outbound side effects that have been performed.
type SyncDeliveryStore interface {
	Exists(ctx context.Context, tenantID, deliveryKey string) (bool, error)
	// Record stores d, returning false if the key was already recorded.
	Record(ctx context.Context, d *model.SyncDelivery) (bool, error)
	DeleteByMapping(ctx context.Context, tenantID string, syncMappingID int64) error
}

// Provider exposes the stores bound to one connection or transaction.
type Provider interface {
	Tenants() TenantStore
	ChannelConfigs() ChannelConfigStore
	SyncMappings() SyncMappingStore
	SyncDeliveries() SyncDeliveryStore
}

// TxRunner runs functions within a transaction and provides stores bound to that transaction.
type TxRunner interface {
	WithTx(ctx context.Context, fn func(stores Provider) error) error
}
