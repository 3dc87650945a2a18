package main

// Run database migrations:
//   go run ./cmd/migrate          # apply pending migrations
//   go run ./cmd/migrate status   # list applied and pending migrations
//   go run ./cmd/migrate down     # revert the latest migration

import (
	"context"
	"database/sql"
	"os"

	"grantmatch-backend/internal/shared/config"
	"grantmatch-backend/internal/shared/storage/db"
	"grantmatch-backend/internal/shared/telemetry"
)

var commands = map[string]func(context.Context, *sql.DB) error{
	"up":     db.RunMigrations,
	"down":   db.RollbackMigration,
	"status": db.MigrationStatus,
}

func main() {
	cfg := config.Load()
	telemetry.Init(telemetry.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	ctx := context.Background()

	name := "up"
	if len(os.Args) > 1 {
		name = os.Args[1]
	}
	run, ok := commands[name]
	if !ok {
		telemetry.Error("migrate.unknown_command", map[string]any{"command": name, "want": "up|down|status"})
		os.Exit(2)
	}

	sqlDB, err := db.Connect(ctx, cfg.DatabaseURL, db.OptionsFromEnv(db.DefaultMigrateOptions()))
	if err != nil {
		telemetry.Error("migrate.connect_failed", map[string]any{"error": err.Error()})
		os.Exit(1)
	}
	defer sqlDB.Close()

	if err := run(ctx, sqlDB); err != nil {
		telemetry.Error("migrate.failed", map[string]any{"command": name, "error": err.Error()})
		sqlDB.Close()
		os.Exit(1)
	}
	telemetry.Info("migrate.done", map[string]any{"command": name})
}
