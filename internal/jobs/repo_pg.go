package jobs

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

const uniqueViolation = "23505"

// PGRepo implements Repo using Postgres.
type PGRepo struct {
	DB *sql.DB
}

const jobColumns = `id, project_id, type, status, total_items, total_batches, batch_size,
       batches_completed, batches_failed, parent_job_id, context, snapshot_key,
       error_message, created_at, updated_at, completed_at`

// Create inserts a new job. A second live child of the same parent is rejected by the
// jobs_live_child_idx index and reported as ErrConflict.
func (r *PGRepo) Create(ctx context.Context, job Job) error {
	const query = `
INSERT INTO jobs (
	id, project_id, type, status, total_items, total_batches, batch_size,
	batches_completed, batches_failed, parent_job_id, context, created_at, updated_at
)
VALUES ($1, $2, $3, $4, 0, 0, $5, 0, 0, $6, $7, $8, $8)`

	var parent any
	if job.ParentJobID != "" {
		parent = job.ParentJobID
	}
	var jobContext any
	if len(job.Context) > 0 {
		jobContext = []byte(job.Context)
	}
	_, err := r.DB.ExecContext(ctx, query,
		job.ID,
		job.ProjectID,
		job.Type,
		job.Status,
		job.BatchSize,
		parent,
		jobContext,
		job.CreatedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return ErrConflict
	}
	return err
}

// GetByID returns a job by ID.
func (r *PGRepo) GetByID(ctx context.Context, jobID string) (Job, error) {
	query := `SELECT ` + jobColumns + `
FROM jobs
WHERE id = $1
LIMIT 1`

	job, err := scanJob(r.DB.QueryRowContext(ctx, query, jobID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Job{}, ErrNotFound
		}
		return Job{}, err
	}
	return job, nil
}

// SetTotals records total_items/total_batches exactly once.
func (r *PGRepo) SetTotals(ctx context.Context, jobID string, totalItems, totalBatches, batchSize int) error {
	const query = `
UPDATE jobs
SET total_items = $1,
    total_batches = $2,
    batch_size = $3,
    totals_set_at = now(),
    updated_at = now()
WHERE id = $4::uuid AND totals_set_at IS NULL`

	res, err := r.DB.ExecContext(ctx, query, totalItems, totalBatches, batchSize, jobID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := r.GetByID(ctx, jobID); err != nil {
			return err
		}
		return ErrTotalsAlreadySet
	}
	return nil
}

// UpdateStatus sets the status and, for terminal statuses, completed_at.
func (r *PGRepo) UpdateStatus(ctx context.Context, jobID, status string, errorMessage *string) error {
	const query = `
UPDATE jobs
SET status = $1,
    error_message = COALESCE($2::text, error_message),
    completed_at = CASE
        WHEN $1 IN ('selection_done', 'refinement_done', 'failed') AND completed_at IS NULL THEN now()
        ELSE completed_at
    END,
    updated_at = now()
WHERE id = $3::uuid`

	res, err := r.DB.ExecContext(ctx, query, status, errorMessage, jobID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// IncrementBatchesCompleted adds one in a single statement so concurrent batches never lose updates.
func (r *PGRepo) IncrementBatchesCompleted(ctx context.Context, jobID string) (int, error) {
	const query = `
UPDATE jobs
SET batches_completed = batches_completed + 1,
    updated_at = now()
WHERE id = $1::uuid AND batches_completed + batches_failed < total_batches
RETURNING batches_completed`
	return r.increment(ctx, query, jobID)
}

// IncrementBatchesFailed adds one in a single statement.
func (r *PGRepo) IncrementBatchesFailed(ctx context.Context, jobID string) (int, error) {
	const query = `
UPDATE jobs
SET batches_failed = batches_failed + 1,
    updated_at = now()
WHERE id = $1::uuid AND batches_completed + batches_failed < total_batches
RETURNING batches_failed`
	return r.increment(ctx, query, jobID)
}

func (r *PGRepo) increment(ctx context.Context, query, jobID string) (int, error) {
	var value int
	err := r.DB.QueryRowContext(ctx, query, jobID).Scan(&value)
	if err == nil {
		return value, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, err
	}
	if _, getErr := r.GetByID(ctx, jobID); getErr != nil {
		return 0, getErr
	}
	return 0, ErrCounterFull
}

// SetSnapshotKey stores the object key of the archived candidate set.
func (r *PGRepo) SetSnapshotKey(ctx context.Context, jobID, key string) error {
	const query = `
UPDATE jobs
SET snapshot_key = $1,
    updated_at = now()
WHERE id = $2::uuid`

	res, err := r.DB.ExecContext(ctx, query, key, jobID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListByProject lists a project's jobs of the given type, newest first. An empty type lists all.
func (r *PGRepo) ListByProject(ctx context.Context, projectID, jobType string) ([]Job, error) {
	query := `SELECT ` + jobColumns + `
FROM jobs
WHERE project_id = $1 AND ($2::text = '' OR type = $2::text)
ORDER BY created_at DESC`

	rows, err := r.DB.QueryContext(ctx, query, projectID, jobType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (Job, error) {
	var j Job
	var parentJobID sql.NullString
	var jobContext []byte
	var snapshotKey sql.NullString
	var errorMessage sql.NullString
	var completedAt sql.NullTime
	if err := row.Scan(
		&j.ID,
		&j.ProjectID,
		&j.Type,
		&j.Status,
		&j.TotalItems,
		&j.TotalBatches,
		&j.BatchSize,
		&j.BatchesCompleted,
		&j.BatchesFailed,
		&parentJobID,
		&jobContext,
		&snapshotKey,
		&errorMessage,
		&j.CreatedAt,
		&j.UpdatedAt,
		&completedAt,
	); err != nil {
		return Job{}, err
	}
	if parentJobID.Valid {
		j.ParentJobID = parentJobID.String
	}
	if len(jobContext) > 0 {
		j.Context = append([]byte(nil), jobContext...)
	}
	if snapshotKey.Valid {
		j.SnapshotKey = snapshotKey.String
	}
	if errorMessage.Valid {
		j.ErrorMessage = &errorMessage.String
	}
	if completedAt.Valid {
		j.CompletedAt = &completedAt.Time
	}
	return j, nil
}

var _ Repo = (*PGRepo)(nil)
