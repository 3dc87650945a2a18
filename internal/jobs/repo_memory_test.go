package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func newTestJob(id, projectID, jobType string, createdAt time.Time) Job {
	return Job{
		ID:        id,
		ProjectID: projectID,
		Type:      jobType,
		Status:    StatusStarting,
		CreatedAt: createdAt,
	}
}

func TestMemoryRepoConcurrentIncrementsAreNotLost(t *testing.T) {
	repo := NewMemoryRepo()
	ctx := context.Background()
	if err := repo.Create(ctx, newTestJob("job-1", "project-1", TypeRefinement, time.Now())); err != nil {
		t.Fatalf("Create: %v", err)
	}
	const batches = 200
	if err := repo.SetTotals(ctx, "job-1", batches*2, batches, 2); err != nil {
		t.Fatalf("SetTotals: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < batches; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := repo.IncrementBatchesCompleted(ctx, "job-1"); err != nil {
				t.Errorf("IncrementBatchesCompleted: %v", err)
			}
		}()
	}
	wg.Wait()

	job, err := repo.GetByID(ctx, "job-1")
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if job.BatchesCompleted != batches {
		t.Fatalf("expected %d completed batches, got %d", batches, job.BatchesCompleted)
	}
}

func TestMemoryRepoCountersNeverExceedTotal(t *testing.T) {
	repo := NewMemoryRepo()
	ctx := context.Background()
	_ = repo.Create(ctx, newTestJob("job-1", "project-1", TypeRefinement, time.Now()))
	_ = repo.SetTotals(ctx, "job-1", 3, 2, 2)

	if _, err := repo.IncrementBatchesCompleted(ctx, "job-1"); err != nil {
		t.Fatalf("first increment: %v", err)
	}
	if _, err := repo.IncrementBatchesFailed(ctx, "job-1"); err != nil {
		t.Fatalf("failed increment: %v", err)
	}
	if _, err := repo.IncrementBatchesCompleted(ctx, "job-1"); !errors.Is(err, ErrCounterFull) {
		t.Fatalf("expected ErrCounterFull, got %v", err)
	}
}

func TestMemoryRepoSetTotalsOnce(t *testing.T) {
	repo := NewMemoryRepo()
	ctx := context.Background()
	_ = repo.Create(ctx, newTestJob("job-1", "project-1", TypeSelection, time.Now()))

	if err := repo.SetTotals(ctx, "job-1", 23, 3, 10); err != nil {
		t.Fatalf("SetTotals: %v", err)
	}
	if err := repo.SetTotals(ctx, "job-1", 1, 1, 10); !errors.Is(err, ErrTotalsAlreadySet) {
		t.Fatalf("expected ErrTotalsAlreadySet, got %v", err)
	}
	job, _ := repo.GetByID(ctx, "job-1")
	if job.TotalItems != 23 || job.TotalBatches != 3 {
		t.Fatalf("expected totals 23/3, got %d/%d", job.TotalItems, job.TotalBatches)
	}
	if err := repo.SetTotals(ctx, "missing", 1, 1, 1); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryRepoUpdateStatusMarksCompletion(t *testing.T) {
	repo := NewMemoryRepo()
	ctx := context.Background()
	_ = repo.Create(ctx, newTestJob("job-1", "project-1", TypeSelection, time.Now()))

	if err := repo.UpdateStatus(ctx, "job-1", StatusProcessing, nil); err != nil {
		t.Fatalf("UpdateStatus processing: %v", err)
	}
	job, _ := repo.GetByID(ctx, "job-1")
	if job.CompletedAt != nil {
		t.Fatalf("expected no completion time while processing")
	}

	msg := "catalogue unavailable"
	if err := repo.UpdateStatus(ctx, "job-1", StatusFailed, &msg); err != nil {
		t.Fatalf("UpdateStatus failed: %v", err)
	}
	job, _ = repo.GetByID(ctx, "job-1")
	if job.Status != StatusFailed || job.CompletedAt == nil {
		t.Fatalf("expected failed with completion time, got %+v", job)
	}
	if job.ErrorMessage == nil || *job.ErrorMessage != msg {
		t.Fatalf("expected error message %q, got %v", msg, job.ErrorMessage)
	}
	if err := repo.UpdateStatus(ctx, "missing", StatusFailed, nil); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryRepoListByProject(t *testing.T) {
	repo := NewMemoryRepo()
	ctx := context.Background()
	base := time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC)
	_ = repo.Create(ctx, newTestJob("sel-old", "project-1", TypeSelection, base))
	_ = repo.Create(ctx, newTestJob("sel-new", "project-1", TypeSelection, base.Add(time.Hour)))
	_ = repo.Create(ctx, newTestJob("ref", "project-1", TypeRefinement, base.Add(2*time.Hour)))
	_ = repo.Create(ctx, newTestJob("other", "project-2", TypeSelection, base))

	got, err := repo.ListByProject(ctx, "project-1", TypeSelection)
	if err != nil {
		t.Fatalf("ListByProject: %v", err)
	}
	if len(got) != 2 || got[0].ID != "sel-new" || got[1].ID != "sel-old" {
		t.Fatalf("unexpected selection jobs: %+v", got)
	}

	all, _ := repo.ListByProject(ctx, "project-1", "")
	if len(all) != 3 {
		t.Fatalf("expected 3 jobs, got %d", len(all))
	}
}

func TestMemoryRepoHonorsCanceledContext(t *testing.T) {
	repo := NewMemoryRepo()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := repo.Create(ctx, newTestJob("job-1", "p", TypeSelection, time.Now())); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestIsTerminal(t *testing.T) {
	terminal := map[string]bool{
		StatusStarting:       false,
		StatusProcessing:     false,
		StatusRefining:       false,
		StatusSelectionDone:  true,
		StatusRefinementDone: true,
		StatusFailed:         true,
	}
	for status, want := range terminal {
		if got := IsTerminal(status); got != want {
			t.Fatalf("IsTerminal(%q) = %v, want %v", status, got, want)
		}
	}
}

func TestMemoryRepoAllowsOneLiveChildPerParent(t *testing.T) {
	repo := NewMemoryRepo()
	ctx := context.Background()

	child := newTestJob("child-1", "project-1", TypeRefinement, time.Now())
	child.ParentJobID = "selection-1"
	if err := repo.Create(ctx, child); err != nil {
		t.Fatalf("Create first child: %v", err)
	}

	second := newTestJob("child-2", "project-1", TypeRefinement, time.Now())
	second.ParentJobID = "selection-1"
	if err := repo.Create(ctx, second); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}

	msg := "engine down"
	if err := repo.UpdateStatus(ctx, "child-1", StatusFailed, &msg); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	if err := repo.Create(ctx, second); err != nil {
		t.Fatalf("expected retry after failed child, got %v", err)
	}

	other := newTestJob("child-3", "project-1", TypeRefinement, time.Now())
	other.ParentJobID = "selection-2"
	if err := repo.Create(ctx, other); err != nil {
		t.Fatalf("Create child of another parent: %v", err)
	}
}
