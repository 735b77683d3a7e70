package migrations

import (
	"context"
	"database/sql"
	"embed"
	"io/fs"
	"log/slog"

	"github.com/cockroachdb/errors"
	"github.com/pressly/goose/v3"
)

//go:embed postgres/*.sql sqlite/*.sql
var migrationsFS embed.FS

// Dialect selects which migration tree to apply.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

// FS returns the migration files for dialect.
func FS(dialect Dialect) (fs.FS, error) {
	switch dialect {
	case DialectPostgres:
		return fs.Sub(migrationsFS, "postgres")
	case DialectSQLite:
		return fs.Sub(migrationsFS, "sqlite")
	default:
		return nil, errors.Newf("unknown dialect %q", dialect)
	}
}

// Up applies every pending migration for dialect against db.
func Up(ctx context.Context, db *sql.DB, dialect Dialect) error {
	fsys, err := FS(dialect)
	if err != nil {
		return err
	}

	gooseDialect := goose.DialectPostgres
	if dialect == DialectSQLite {
		gooseDialect = goose.DialectSQLite3
	}

	provider, err := goose.NewProvider(gooseDialect, db, fsys)
	if err != nil {
		return errors.Wrap(err, "creating migration provider")
	}

	results, err := provider.Up(ctx)
	if err != nil {
		return errors.Wrap(err, "applying migrations")
	}
	for _, r := range results {
		slog.InfoContext(ctx, "migration applied",
			"version", r.Source.Version,
			"path", r.Source.Path,
			"duration", r.Duration)
	}
	return nil
}
