package store

import (
	"context"

	"basegraph.app/syncrelay/core/db"
)

// Stores is the Postgres Provider.
type Stores struct {
	conn db.DBTX
}

func NewStores(conn db.DBTX) *Stores {
	return &Stores{conn: conn}
}

func (s *Stores) Tenants() TenantStore {
	return newTenantStore(s.conn)
}

func (s *Stores) ChannelConfigs() ChannelConfigStore {
	return newChannelConfigStore(s.conn)
}

func (s *Stores) SyncMappings() SyncMappingStore {
	return newSyncMappingStore(s.conn)
}

func (s *Stores) SyncDeliveries() SyncDeliveryStore {
	return newSyncDeliveryStore(s.conn)
}

type dbTxRunner struct {
	db *db.DB
}

// NewTxRunner builds a TxRunner backed by the core DB.
func NewTxRunner(database *db.DB) TxRunner {
	return &dbTxRunner{db: database}
}

func (r *dbTxRunner) WithTx(ctx context.Context, fn func(stores Provider) error) error {
	return r.db.WithTx(ctx, func(tx db.DBTX) error {
		return fn(NewStores(tx))
	})
}
