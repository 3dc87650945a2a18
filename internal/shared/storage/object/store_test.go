package object

import (
	"strings"
	"testing"
)

func TestSnapshotKey(t *testing.T) {
	key, err := SnapshotKey("project-1", "job-1")
	if err != nil {
		t.Fatalf("SnapshotKey: %v", err)
	}
	if key != "snapshots/project-1/job-1.json" {
		t.Fatalf("unexpected key: %s", key)
	}
}

func TestSnapshotKeyHashesUnsafeProject(t *testing.T) {
	key, err := SnapshotKey("../other", "job-1")
	if err != nil {
		t.Fatalf("SnapshotKey: %v", err)
	}
	if strings.Contains(key, "..") {
		t.Fatalf("key escapes prefix: %s", key)
	}
	if !strings.HasPrefix(key, "snapshots/h-") || !strings.HasSuffix(key, "/job-1.json") {
		t.Fatalf("unexpected key: %s", key)
	}
	again, _ := SnapshotKey("../other", "job-1")
	if again != key {
		t.Fatalf("expected stable key, got %s and %s", key, again)
	}
}

func TestSnapshotKeyRejectsUnsafeJob(t *testing.T) {
	if _, err := SnapshotKey("project-1", "../job"); err == nil {
		t.Fatalf("expected error for unsafe job id")
	}
}
