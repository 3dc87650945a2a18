package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"grantmatch-backend/internal/chunk"
	"grantmatch-backend/internal/jobs"
	"grantmatch-backend/internal/projects"
	"grantmatch-backend/internal/results"
	"grantmatch-backend/internal/shared/metrics"
	"grantmatch-backend/internal/shared/telemetry"
	"grantmatch-backend/internal/workflow"
)

// StartRefinement creates a refinement job for the pertinent records of a finished selection job.
// It returns ErrNothingToRefine, without creating a job, when selection kept nothing. A selection
// job has at most one live refinement: a second start returns that job with ErrRefinementExists.
// Starting again after a failed refinement first drops the records the failed run stored.
func (s *Service) StartRefinement(ctx context.Context, selectionJobID string) (jobs.Job, error) {
	src, err := s.getJob(ctx, selectionJobID)
	if err != nil {
		return jobs.Job{}, err
	}
	if src.Type != jobs.TypeSelection {
		return jobs.Job{}, ErrNotSelectionJob
	}
	if src.Status != jobs.StatusSelectionDone {
		return jobs.Job{}, fmt.Errorf("%w: status is %s", ErrSelectionNotDone, src.Status)
	}
	live, failed, err := s.refinementsOf(ctx, src)
	if err != nil {
		return jobs.Job{}, err
	}
	if live != nil {
		return *live, ErrRefinementExists
	}
	if s.Dispatcher == nil {
		return jobs.Job{}, workflow.ErrNotConfigured
	}

	pertinent, err := s.Results.ListSelectionByDecision(ctx, src.ID, results.DecisionPertinent)
	if err != nil {
		return jobs.Job{}, err
	}
	if len(pertinent) == 0 {
		telemetry.Info("refinement.skipped", map[string]any{
			"request_id":       requestIDFromContext(ctx),
			"selection_job_id": src.ID,
			"project_id":       src.ProjectID,
		})
		return jobs.Job{}, ErrNothingToRefine
	}

	job := jobs.Job{
		ID:          uuid.NewString(),
		ProjectID:   src.ProjectID,
		Type:        jobs.TypeRefinement,
		Status:      jobs.StatusRefining,
		BatchSize:   positiveOr(s.Config.RefinementBatchSize, defaultRefinementBatchSize),
		ParentJobID: src.ID,
		Context:     src.Context,
		CreatedAt:   s.now(),
	}
	if len(failed) > 0 {
		removed, err := s.Results.DeleteRefinedForJobs(ctx, failed)
		if err != nil {
			return jobs.Job{}, fmt.Errorf("clear failed refinement records: %w", err)
		}
		telemetry.Info("refinement.retry", map[string]any{
			"request_id":       requestIDFromContext(ctx),
			"selection_job_id": src.ID,
			"failed_jobs":      len(failed),
			"records_removed":  removed,
		})
	}
	if err := s.Jobs.Create(ctx, job); err != nil {
		if errors.Is(err, jobs.ErrConflict) {
			// Lost a race with a concurrent start.
			if live, _, lookupErr := s.refinementsOf(ctx, src); lookupErr == nil && live != nil {
				return *live, ErrRefinementExists
			}
			return jobs.Job{}, ErrRefinementExists
		}
		return jobs.Job{}, err
	}
	metrics.IncJobStarted(job.Type)

	batches, err := chunk.Split(pertinent, job.BatchSize)
	if err != nil {
		return s.abortStart(ctx, job, err)
	}
	if err := s.Jobs.SetTotals(ctx, job.ID, len(pertinent), len(batches), job.BatchSize); err != nil {
		return s.abortStart(ctx, job, fmt.Errorf("set totals: %w", err))
	}
	job.TotalItems = len(pertinent)
	job.TotalBatches = len(batches)
	telemetry.Info("job.status", map[string]any{
		"request_id":        requestIDFromContext(ctx),
		"job_id":            job.ID,
		"parent_job_id":     src.ID,
		"project_id":        job.ProjectID,
		"type":              job.Type,
		"status":            job.Status,
		"status_transition": "none->" + job.Status,
		"total_items":       job.TotalItems,
		"total_batches":     job.TotalBatches,
	})

	shared := decodeSharedContext(src.Context)
	s.runBackground(ctx, job, func(ctx context.Context) error {
		return s.runRefinement(ctx, job, shared, batches)
	})
	return job, nil
}

// refinementsOf returns the live refinement child of a selection job, if any, and the ids of
// its failed children.
func (s *Service) refinementsOf(ctx context.Context, src jobs.Job) (*jobs.Job, []string, error) {
	children, err := s.Jobs.ListByProject(ctx, src.ProjectID, jobs.TypeRefinement)
	if err != nil {
		return nil, nil, err
	}
	var live *jobs.Job
	var failed []string
	for i := range children {
		if children[i].ParentJobID != src.ID {
			continue
		}
		if children[i].Status == jobs.StatusFailed {
			failed = append(failed, children[i].ID)
			continue
		}
		if live == nil {
			live = &children[i]
		}
	}
	return live, failed, nil
}

func (s *Service) runRefinement(ctx context.Context, job jobs.Job, shared workflow.SharedContext, batches [][]results.SelectionRecord) error {
	s.fanOut(ctx, len(batches), jobs.TypeRefinement,
		func(ctx context.Context, i int) workflow.Outcome {
			return s.Dispatcher.DispatchRefinement(ctx, workflow.RefinementBatch{
				JobID:     job.ID,
				BatchID:   batchID(job.ID, i),
				ProjectID: job.ProjectID,
				Context:   shared,
				Aides:     refinementItems(batches[i]),
			})
		},
		func(ctx context.Context, i int, out workflow.Outcome) {
			s.settleRefinement(ctx, job, batchID(job.ID, i), batches[i], out)
		},
	)
	return s.finish(ctx, job, jobs.StatusRefinementDone, projects.StatusAidesAffinees)
}

// settleRefinement persists a completed batch, then counts it. A batch whose results cannot be
// stored is counted as failed.
func (s *Service) settleRefinement(ctx context.Context, job jobs.Job, id string, batch []results.SelectionRecord, out workflow.Outcome) {
	if !out.Completed() {
		cause := out.Err
		if cause == nil && out.Refinement != nil {
			cause = fmt.Errorf("refinement status %q", out.Refinement.Status)
		}
		s.recordBatchFailure(ctx, job, id, cause)
		return
	}
	records := refinedRecords(job, batch, out.Refinement.Results)
	if err := s.Results.InsertRefined(ctx, records); err != nil {
		s.recordBatchFailure(ctx, job, id, fmt.Errorf("persist refined results: %w", err))
		return
	}
	completed, err := s.Jobs.IncrementBatchesCompleted(ctx, job.ID)
	fields := map[string]any{
		"request_id":        requestIDFromContext(ctx),
		"job_id":            job.ID,
		"batch_id":          id,
		"persisted":         len(records),
		"dismissed":         len(out.Refinement.Results) - len(records),
		"batches_completed": completed,
	}
	if err != nil {
		fields["error"] = err.Error()
		telemetry.Warn("batch.completed_uncounted", fields)
		return
	}
	telemetry.Debug("batch.completed", fields)
}

func refinementItems(batch []results.SelectionRecord) []workflow.RefinementItem {
	out := make([]workflow.RefinementItem, 0, len(batch))
	for _, r := range batch {
		out = append(out, workflow.RefinementItem{
			ID:          r.ExternalItemID,
			Name:        r.Title,
			URL:         r.URL,
			Description: payloadDescription(r.RawPayload),
		})
	}
	return out
}

func payloadDescription(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var body struct {
		Description string `json:"description"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return ""
	}
	return strings.TrimSpace(body.Description)
}

// refinedRecords maps engine verdicts to records. Dismissed aides are not kept.
func refinedRecords(job jobs.Job, batch []results.SelectionRecord, items []workflow.RefinedItem) []results.RefinedRecord {
	byID := make(map[string]results.SelectionRecord, len(batch))
	for _, r := range batch {
		byID[r.ExternalItemID] = r
	}
	out := make([]results.RefinedRecord, 0, len(items))
	for _, item := range items {
		if item.Pertinence.IsDismissed() {
			continue
		}
		id := strings.TrimSpace(string(item.ID))
		if id == "" {
			continue
		}
		src := byID[id]
		out = append(out, results.RefinedRecord{
			ProjectID:       job.ProjectID,
			JobID:           job.ID,
			ExternalItemID:  id,
			Title:           firstNonEmpty(item.Name, src.Title),
			URL:             firstNonEmpty(item.URL, src.URL),
			RelevanceScore:  float64(item.Pertinence.Score),
			RelevanceLevel:  item.Pertinence.Level,
			Justification:   item.Pertinence.Justification,
			Strengths:       nonNil(item.Pertinence.Strengths),
			Weaknesses:      nonNil(item.Pertinence.Weaknesses),
			Recommendations: string(item.Pertinence.Recommendations),
		})
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
