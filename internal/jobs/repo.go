package jobs

import "context"

// Repo defines persistence operations for jobs.
type Repo interface {
	Create(ctx context.Context, job Job) error
	GetByID(ctx context.Context, jobID string) (Job, error)
	// SetTotals records the input size once, before any batch is dispatched.
	SetTotals(ctx context.Context, jobID string, totalItems, totalBatches, batchSize int) error
	UpdateStatus(ctx context.Context, jobID, status string, errorMessage *string) error
	// IncrementBatchesCompleted atomically adds one and returns the new value.
	IncrementBatchesCompleted(ctx context.Context, jobID string) (int, error)
	// IncrementBatchesFailed atomically adds one and returns the new value.
	IncrementBatchesFailed(ctx context.Context, jobID string) (int, error)
	SetSnapshotKey(ctx context.Context, jobID, key string) error
	ListByProject(ctx context.Context, projectID, jobType string) ([]Job, error)
}
