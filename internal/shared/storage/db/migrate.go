package db

import (
	"context"
	"database/sql"

	"github.com/pressly/goose/v3"

	"grantmatch-backend/internal/shared/storage/db/migrations"
	"grantmatch-backend/internal/shared/telemetry"
)

// RunMigrations applies the embedded goose migrations. A nil database is a no-op so memory-backed
// dev runs can call it unconditionally.
func RunMigrations(ctx context.Context, database *sql.DB) error {
	if database == nil {
		return nil
	}
	if err := useEmbedded(); err != nil {
		return err
	}
	if err := goose.UpContext(ctx, database, "."); err != nil {
		return err
	}
	version, err := goose.GetDBVersionContext(ctx, database)
	if err != nil {
		return err
	}
	telemetry.Info("db.migrated", map[string]any{"version": version})
	return nil
}

// RollbackMigration reverts the most recently applied migration.
func RollbackMigration(ctx context.Context, database *sql.DB) error {
	if database == nil {
		return nil
	}
	if err := useEmbedded(); err != nil {
		return err
	}
	if err := goose.DownContext(ctx, database, "."); err != nil {
		return err
	}
	version, err := goose.GetDBVersionContext(ctx, database)
	if err != nil {
		return err
	}
	telemetry.Info("db.rolled_back", map[string]any{"version": version})
	return nil
}

// MigrationStatus logs applied and pending migrations.
func MigrationStatus(ctx context.Context, database *sql.DB) error {
	if database == nil {
		return nil
	}
	if err := useEmbedded(); err != nil {
		return err
	}
	return goose.StatusContext(ctx, database, ".")
}

func useEmbedded() error {
	goose.SetBaseFS(migrations.FS)
	return goose.SetDialect("postgres")
}
