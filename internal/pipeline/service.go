package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"grantmatch-backend/internal/catalogue"
	"grantmatch-backend/internal/jobs"
	"grantmatch-backend/internal/projects"
	"grantmatch-backend/internal/queue"
	"grantmatch-backend/internal/results"
	"grantmatch-backend/internal/shared/config"
	"grantmatch-backend/internal/shared/metrics"
	"grantmatch-backend/internal/shared/storage/object"
	"grantmatch-backend/internal/shared/telemetry"
	"grantmatch-backend/internal/workflow"
)

// CatalogueSearcher fetches candidate aides for a project.
type CatalogueSearcher interface {
	Search(ctx context.Context, params catalogue.Params) ([]catalogue.Aide, error)
}

// BatchDispatcher sends one batch to the workflow engine and reports the outcome as data.
type BatchDispatcher interface {
	DispatchSelection(ctx context.Context, batch workflow.SelectionBatch) workflow.Outcome
	DispatchRefinement(ctx context.Context, batch workflow.RefinementBatch) workflow.Outcome
}

// Service orchestrates selection and refinement jobs.
type Service struct {
	Jobs       jobs.Repo
	Results    results.Store
	Projects   projects.Store
	Catalogue  CatalogueSearcher
	Dispatcher BatchDispatcher
	// Snapshots archives the candidate set of each selection job. Optional.
	Snapshots object.ObjectStore
	// Events receives terminal job transitions. Optional.
	Events queue.Publisher
	Config config.PipelineConfig
	Now    func() time.Time

	wg sync.WaitGroup
}

// Wait blocks until every background run has settled or ctx ends.
func (s *Service) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

// runBackground detaches run from the request. An error or panic marks the job failed.
func (s *Service) runBackground(ctx context.Context, job jobs.Job, run func(ctx context.Context) error) {
	bg := backgroundWithRequestID(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				s.failJob(bg, job, fmt.Errorf("orchestration panic: %v", r))
			}
		}()
		if err := run(bg); err != nil {
			s.failJob(bg, job, err)
		}
	}()
}

// fanOut dispatches n batches with bounded concurrency and waits for all of them to settle.
// Individual failures never cancel siblings.
func (s *Service) fanOut(
	ctx context.Context,
	n int,
	phase string,
	dispatch func(ctx context.Context, i int) workflow.Outcome,
	settle func(ctx context.Context, i int, out workflow.Outcome),
) {
	var g errgroup.Group
	if limit := s.Config.DispatchConcurrency; limit > 0 {
		g.SetLimit(limit)
	}
	for i := 0; i < n; i++ {
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					telemetry.Error("batch.settle_panic", map[string]any{
						"request_id": requestIDFromContext(ctx),
						"phase":      phase,
						"batch":      i,
						"panic":      fmt.Sprint(r),
					})
				}
			}()
			out := s.dispatchOne(ctx, i, dispatch)
			if out.OK {
				metrics.IncBatchSucceeded(phase)
			} else {
				metrics.IncBatchFailed(phase)
			}
			metrics.ObserveBatchDurationMs(float64(out.Duration.Microseconds()) / 1000.0)
			settle(ctx, i, out)
			return nil
		})
	}
	_ = g.Wait()
}

func (s *Service) dispatchOne(ctx context.Context, i int, dispatch func(context.Context, int) workflow.Outcome) (out workflow.Outcome) {
	defer func() {
		if r := recover(); r != nil {
			out = workflow.Outcome{Err: fmt.Errorf("batch dispatch panic: %v", r)}
		}
	}()
	if s.Config.BatchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Config.BatchTimeout)
		defer cancel()
	}
	return dispatch(ctx, i)
}

// recordBatchFailure bumps BatchesFailed. Counter overflow is logged, never fatal.
func (s *Service) recordBatchFailure(ctx context.Context, job jobs.Job, batchID string, cause error) {
	fields := map[string]any{
		"request_id": requestIDFromContext(ctx),
		"job_id":     job.ID,
		"project_id": job.ProjectID,
		"phase":      job.Type,
		"batch_id":   batchID,
	}
	if cause != nil {
		fields["error"] = sanitizeError(cause)
	}
	if _, err := s.Jobs.IncrementBatchesFailed(ctx, job.ID); err != nil {
		fields["counter_error"] = err.Error()
	}
	telemetry.Warn("batch.not_completed", fields)
}

// finish applies the failure policy, updates the project, then moves the job to its done status.
func (s *Service) finish(ctx context.Context, job jobs.Job, doneStatus, projectStatus string) error {
	latest, err := s.Jobs.GetByID(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("reload job: %w", err)
	}
	if s.Config.FailurePolicy == config.FailurePolicyFailJob && latest.BatchesFailed > 0 {
		return fmt.Errorf("%d of %d %s batches failed", latest.BatchesFailed, latest.TotalBatches, job.Type)
	}
	if s.Projects != nil {
		if err := s.Projects.UpdateStatus(ctx, job.ProjectID, projectStatus); err != nil {
			return fmt.Errorf("update project status: %w", err)
		}
	}
	if err := s.Jobs.UpdateStatus(ctx, job.ID, doneStatus, nil); err != nil {
		return fmt.Errorf("update job status: %w", err)
	}
	metrics.IncJobCompleted(job.Type)
	telemetry.Info("job.status", map[string]any{
		"request_id":        requestIDFromContext(ctx),
		"job_id":            job.ID,
		"project_id":        job.ProjectID,
		"type":              job.Type,
		"status":            doneStatus,
		"status_transition": latest.Status + "->" + doneStatus,
		"total_items":       latest.TotalItems,
		"total_batches":     latest.TotalBatches,
		"batches_completed": latest.BatchesCompleted,
		"batches_failed":    latest.BatchesFailed,
		"duration_ms":       float64(s.now().Sub(latest.CreatedAt).Microseconds()) / 1000.0,
	})
	s.publish(ctx, job, doneStatus)
	return nil
}

func (s *Service) failJob(ctx context.Context, job jobs.Job, cause error) {
	ctx = backgroundWithRequestID(ctx)
	msg := sanitizeError(cause)
	if msg == "" {
		msg = "job failed"
	}
	fields := map[string]any{
		"request_id":        requestIDFromContext(ctx),
		"job_id":            job.ID,
		"project_id":        job.ProjectID,
		"type":              job.Type,
		"status":            jobs.StatusFailed,
		"status_transition": job.Status + "->" + jobs.StatusFailed,
		"error":             msg,
	}
	if err := s.Jobs.UpdateStatus(ctx, job.ID, jobs.StatusFailed, &msg); err != nil {
		fields["update_error"] = err.Error()
		telemetry.Error("job.status", fields)
		return
	}
	metrics.IncJobFailed(job.Type)
	telemetry.Warn("job.status", fields)
	s.publish(ctx, job, jobs.StatusFailed)
}

func (s *Service) publish(ctx context.Context, job jobs.Job, status string) {
	if s.Events == nil {
		return
	}
	evt := queue.JobEvent{
		JobID:     job.ID,
		ProjectID: job.ProjectID,
		Type:      job.Type,
		Status:    status,
		RequestID: requestIDFromContext(ctx),
		EmittedAt: s.now().Format(time.RFC3339),
		Version:   queue.EventVersion,
	}
	if err := s.Events.Publish(ctx, evt); err != nil {
		metrics.IncEventPublishFailed()
		telemetry.Warn("job.event_publish_failed", map[string]any{
			"request_id": evt.RequestID,
			"job_id":     job.ID,
			"status":     status,
			"error":      err.Error(),
		})
	}
}

func decodeSharedContext(raw json.RawMessage) workflow.SharedContext {
	var shared workflow.SharedContext
	if len(raw) == 0 {
		return shared
	}
	_ = json.Unmarshal(raw, &shared)
	return shared
}

func batchID(jobID string, i int) string {
	return fmt.Sprintf("%s-batch-%d", jobID, i)
}

func sanitizeError(err error) string {
	if err == nil {
		return ""
	}
	msg := strings.ReplaceAll(err.Error(), "\n", " ")
	msg = strings.ReplaceAll(msg, "\r", " ")
	msg = strings.TrimSpace(msg)
	const maxLen = 500
	if len(msg) > maxLen {
		msg = msg[:maxLen]
	}
	return msg
}
