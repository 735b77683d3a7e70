// Package sqlite is the embedded single-node store, used for local runs and for
// exercising the store constraints in tests without a Postgres server.
package sqlite

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"basegraph.app/syncrelay/core/db/migrations"
	"basegraph.app/syncrelay/internal/store"
)

// Open opens (and migrates) the database at dsn, e.g. "file:syncrelay.db" or ":memory:".
func Open(ctx context.Context, dsn string) (*DB, error) {
	conn, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "opening sqlite")
	}
	// One writer keeps SQLite from returning SQLITE_BUSY under concurrent workers and
	// keeps an in-memory database on a single connection.
	conn.SetMaxOpenConns(1)

	if _, err := conn.ExecContext(ctx, `PRAGMA foreign_keys = ON`); err != nil {
		_ = conn.Close()
		return nil, errors.Wrap(err, "enabling foreign keys")
	}
	if err := migrations.Up(ctx, conn.DB, migrations.DialectSQLite); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return &DB{conn: conn}, nil
}

// DB is the SQLite store.Provider and store.TxRunner.
type DB struct {
	conn *sqlx.DB
}

func (d *DB) Close() error {
	return d.conn.Close()
}

func (d *DB) Tenants() store.TenantStore {
	return &tenantStore{q: d.conn}
}

func (d *DB) ChannelConfigs() store.ChannelConfigStore {
	return &channelConfigStore{q: d.conn}
}

func (d *DB) SyncMappings() store.SyncMappingStore {
	return &syncMappingStore{q: d.conn}
}

func (d *DB) SyncDeliveries() store.SyncDeliveryStore {
	return &syncDeliveryStore{q: d.conn}
}

func (d *DB) WithTx(ctx context.Context, fn func(stores store.Provider) error) error {
	tx, err := d.conn.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "beginning transaction")
	}
	defer tx.Rollback() //nolint:errcheck

	if err := fn(&txProvider{q: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "committing transaction")
	}
	return nil
}

type txProvider struct {
	q queryer
}

func (p *txProvider) Tenants() store.TenantStore               { return &tenantStore{q: p.q} }
func (p *txProvider) ChannelConfigs() store.ChannelConfigStore { return &channelConfigStore{q: p.q} }
func (p *txProvider) SyncMappings() store.SyncMappingStore     { return &syncMappingStore{q: p.q} }
func (p *txProvider) SyncDeliveries() store.SyncDeliveryStore  { return &syncDeliveryStore{q: p.q} }

// queryer is the subset of sqlx shared by *sqlx.DB and *sqlx.Tx.
type queryer interface {
	sqlx.ExtContext
	GetContext(ctx context.Context, dest any, query string, args ...any) error
	SelectContext(ctx context.Context, dest any, query string, args ...any) error
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	return err
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
