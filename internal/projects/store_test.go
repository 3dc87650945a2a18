package projects

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"grantmatch-backend/internal/shared/storage/db/dbtest"
)

func TestMemoryStoreUpdateStatusUpserts(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if _, err := store.Get(ctx, "p1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := store.UpdateStatus(ctx, "p1", StatusAidesElargies); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	if err := store.UpdateStatus(ctx, "p1", StatusAidesAffinees); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	p, err := store.Get(ctx, "p1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if p.Status != StatusAidesAffinees {
		t.Fatalf("expected %q, got %q", StatusAidesAffinees, p.Status)
	}
}

func TestPGStoreUpdateStatus(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	store := &PGStore{DB: db}

	mock.ExpectExec(`INSERT INTO projects (.+) ON CONFLICT \(id\) DO UPDATE`).
		WithArgs("p1", StatusAidesElargies).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := store.UpdateStatus(context.Background(), "p1", StatusAidesElargies); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("ExpectationsWereMet: %v", err)
	}
}

func TestPGStoreGet(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	store := &PGStore{DB: db}
	now := time.Date(2026, time.March, 2, 8, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`SELECT id, status, updated_at\s+FROM projects`).
		WithArgs("p1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "status", "updated_at"}).AddRow("p1", StatusAidesAffinees, now))
	mock.ExpectQuery(`SELECT id, status, updated_at\s+FROM projects`).
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	p, err := store.Get(context.Background(), "p1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if p.Status != StatusAidesAffinees || !p.UpdatedAt.Equal(now) {
		t.Fatalf("unexpected project %+v", p)
	}
	if _, err := store.Get(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPGStoreQueriesMatchMigrations(t *testing.T) {
	schema := dbtest.LoadSchema(t)
	queries := dbtest.QueriesInFile(t, "store_pg.go")
	if len(queries) != 2 {
		t.Fatalf("expected 2 queries, got %d", len(queries))
	}
	schema.RequireColumns(t, []string{"projects"}, queries...)
}
