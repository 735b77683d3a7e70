package main

import (
	"context"
	"database/sql"
	"log/slog"
	"os"
	"time"

	"github.com/cockroachdb/errors"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"basegraph.app/syncrelay/common/logger"
	"basegraph.app/syncrelay/core/config"
	"basegraph.app/syncrelay/core/db/migrations"
	"basegraph.app/syncrelay/internal/bootstrap"
)

func main() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	cfg, err := config.Load(config.ServiceTypeMigrate)
	if err != nil {
		slog.ErrorContext(ctx, "failed to load config", "error", err)
		os.Exit(1)
	}
	logger.Setup(cfg)

	if err := migrate(ctx, cfg.DB.DSN); err != nil {
		slog.ErrorContext(ctx, "migration failed", "error", err)
		os.Exit(1)
	}
	slog.InfoContext(ctx, "migrations complete")
}

func migrate(ctx context.Context, dsn string) error {
	driver, dialect := "pgx", migrations.DialectPostgres
	if path, ok := bootstrap.SQLitePath(dsn); ok {
		driver, dialect, dsn = "sqlite", migrations.DialectSQLite, path
	}

	conn, err := sql.Open(driver, dsn)
	if err != nil {
		return errors.Wrapf(err, "opening %s database", dialect)
	}
	defer conn.Close()

	if err := conn.PingContext(ctx); err != nil {
		return errors.Wrapf(err, "pinging %s database", dialect)
	}

	slog.InfoContext(ctx, "applying migrations", "dialect", dialect)
	return migrations.Up(ctx, conn, dialect)
}
