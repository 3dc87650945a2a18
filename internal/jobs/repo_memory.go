package jobs

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryRepo stores jobs in memory and is safe for concurrent use.
type MemoryRepo struct {
	mu        sync.RWMutex
	byID      map[string]Job
	totalsSet map[string]bool
	now       func() time.Time
}

// NewMemoryRepo constructs a MemoryRepo.
func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{
		byID:      make(map[string]Job),
		totalsSet: make(map[string]bool),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Create stores the job. Like the Postgres index, it allows one live child per parent.
func (r *MemoryRepo) Create(ctx context.Context, job Job) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if job.ParentJobID != "" {
		for _, existing := range r.byID {
			if existing.ParentJobID == job.ParentJobID && existing.Status != StatusFailed {
				return ErrConflict
			}
		}
	}
	if job.UpdatedAt.IsZero() {
		job.UpdatedAt = job.CreatedAt
	}
	job.TotalItems = 0
	job.TotalBatches = 0
	job.BatchesCompleted = 0
	job.BatchesFailed = 0
	r.byID[job.ID] = cloneJob(job)
	return nil
}

// GetByID returns a job by its ID.
func (r *MemoryRepo) GetByID(ctx context.Context, jobID string) (Job, error) {
	if err := ctx.Err(); err != nil {
		return Job{}, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	job, ok := r.byID[jobID]
	if !ok {
		return Job{}, ErrNotFound
	}
	return cloneJob(job), nil
}

// SetTotals records totals exactly once.
func (r *MemoryRepo) SetTotals(ctx context.Context, jobID string, totalItems, totalBatches, batchSize int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.byID[jobID]
	if !ok {
		return ErrNotFound
	}
	if r.totalsSet[jobID] {
		return ErrTotalsAlreadySet
	}
	job.TotalItems = totalItems
	job.TotalBatches = totalBatches
	job.BatchSize = batchSize
	job.UpdatedAt = r.now()
	r.byID[jobID] = job
	r.totalsSet[jobID] = true
	return nil
}

// UpdateStatus sets the status and, for terminal statuses, completion time.
func (r *MemoryRepo) UpdateStatus(ctx context.Context, jobID, status string, errorMessage *string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.byID[jobID]
	if !ok {
		return ErrNotFound
	}
	now := r.now()
	job.Status = status
	if errorMessage != nil {
		msg := *errorMessage
		job.ErrorMessage = &msg
	}
	if IsTerminal(status) && job.CompletedAt == nil {
		job.CompletedAt = &now
	}
	job.UpdatedAt = now
	r.byID[jobID] = job
	return nil
}

// IncrementBatchesCompleted adds one under the write lock.
func (r *MemoryRepo) IncrementBatchesCompleted(ctx context.Context, jobID string) (int, error) {
	return r.increment(ctx, jobID, func(j *Job) *int { return &j.BatchesCompleted })
}

// IncrementBatchesFailed adds one under the write lock.
func (r *MemoryRepo) IncrementBatchesFailed(ctx context.Context, jobID string) (int, error) {
	return r.increment(ctx, jobID, func(j *Job) *int { return &j.BatchesFailed })
}

func (r *MemoryRepo) increment(ctx context.Context, jobID string, field func(*Job) *int) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.byID[jobID]
	if !ok {
		return 0, ErrNotFound
	}
	if job.BatchesCompleted+job.BatchesFailed >= job.TotalBatches {
		return 0, ErrCounterFull
	}
	counter := field(&job)
	*counter++
	job.UpdatedAt = r.now()
	r.byID[jobID] = job
	return *counter, nil
}

// SetSnapshotKey stores the snapshot object key.
func (r *MemoryRepo) SetSnapshotKey(ctx context.Context, jobID, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.byID[jobID]
	if !ok {
		return ErrNotFound
	}
	job.SnapshotKey = key
	job.UpdatedAt = r.now()
	r.byID[jobID] = job
	return nil
}

// ListByProject returns a project's jobs of the given type, newest first.
func (r *MemoryRepo) ListByProject(ctx context.Context, projectID, jobType string) ([]Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	out := make([]Job, 0)
	for _, job := range r.byID {
		if job.ProjectID != projectID {
			continue
		}
		if jobType != "" && job.Type != jobType {
			continue
		}
		out = append(out, cloneJob(job))
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func cloneJob(j Job) Job {
	if j.Context != nil {
		j.Context = append([]byte(nil), j.Context...)
	}
	if j.ErrorMessage != nil {
		msg := *j.ErrorMessage
		j.ErrorMessage = &msg
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		j.CompletedAt = &t
	}
	return j
}

var _ Repo = (*MemoryRepo)(nil)
