package local

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"grantmatch-backend/internal/shared/storage/object"
)

func TestStoreSaveAndOpen(t *testing.T) {
	store := New(t.TempDir())
	ctx := context.Background()

	key, err := object.SnapshotKey("project-1", "job-1")
	if err != nil {
		t.Fatalf("SnapshotKey: %v", err)
	}
	n, err := store.SaveWithKey(ctx, key, "application/json", strings.NewReader(`[{"id":"1"}]`))
	if err != nil {
		t.Fatalf("SaveWithKey: %v", err)
	}
	if n != 12 {
		t.Fatalf("expected 12 bytes written, got %d", n)
	}

	rc, err := store.Open(ctx, key)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer rc.Close()
	body, _ := io.ReadAll(rc)
	if string(body) != `[{"id":"1"}]` {
		t.Fatalf("unexpected body %q", body)
	}
}

func TestStoreOverwrite(t *testing.T) {
	store := New(t.TempDir())
	ctx := context.Background()

	if _, err := store.SaveWithKey(ctx, "a/b.json", "application/json", strings.NewReader("first")); err != nil {
		t.Fatalf("SaveWithKey: %v", err)
	}
	if _, err := store.SaveWithKey(ctx, "a/b.json", "application/json", strings.NewReader("second")); err != nil {
		t.Fatalf("SaveWithKey: %v", err)
	}
	rc, err := store.Open(ctx, "a/b.json")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer rc.Close()
	body, _ := io.ReadAll(rc)
	if string(body) != "second" {
		t.Fatalf("expected overwrite, got %q", body)
	}
}

func TestStoreRejectsTraversal(t *testing.T) {
	store := New(t.TempDir())
	ctx := context.Background()

	if _, err := store.SaveWithKey(ctx, "../escape.json", "", strings.NewReader("x")); err == nil {
		t.Fatalf("expected traversal to be rejected")
	}
	if _, err := store.Open(ctx, "/etc/passwd"); err == nil {
		t.Fatalf("expected absolute key to be rejected")
	}
}

func TestStoreOpenMissing(t *testing.T) {
	store := New(t.TempDir())
	if _, err := store.Open(context.Background(), "snapshots/none.json"); !errors.Is(err, object.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
