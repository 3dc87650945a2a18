package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"grantmatch-backend/internal/catalogue"
	"grantmatch-backend/internal/chunk"
	"grantmatch-backend/internal/jobs"
	"grantmatch-backend/internal/projects"
	"grantmatch-backend/internal/shared/metrics"
	"grantmatch-backend/internal/shared/storage/object"
	"grantmatch-backend/internal/shared/telemetry"
	"grantmatch-backend/internal/workflow"
)

const (
	defaultSelectionBatchSize  = 10
	defaultRefinementBatchSize = 2
)

// StartSelectionRequest describes the project a selection job searches aides for.
type StartSelectionRequest struct {
	ProjectID        string   `json:"projectId"`
	ProjectContext   string   `json:"projectContext"`
	Keywords         []string `json:"keywords"`
	KeyElements      []string `json:"key_elements"`
	CategoryIDs      []string `json:"id_categories_aides_territoire"`
	OrganisationType string   `json:"organisationType,omitempty"`
	PerimeterCode    string   `json:"perimeterCode,omitempty"`
}

func (r StartSelectionRequest) sharedContext() workflow.SharedContext {
	return workflow.SharedContext{
		ProjectContext: r.ProjectContext,
		Keywords:       r.Keywords,
		KeyElements:    r.KeyElements,
	}
}

func (r StartSelectionRequest) searchParams() catalogue.Params {
	params := catalogue.Params{
		CategoryIDs:           r.CategoryIDs,
		OrganizationTypeSlugs: catalogue.OrganizationTypeSlugs(r.OrganisationType),
	}
	if code := strings.TrimSpace(r.PerimeterCode); code != "" {
		params.PerimeterCodes = []string{code}
	}
	return params
}

// StartSelection creates a selection job, fetches and chunks the candidates, and dispatches the
// batches in the background. The returned job carries its totals. When the catalogue fails the
// job is returned already failed together with an error wrapping ErrCatalogue.
func (s *Service) StartSelection(ctx context.Context, req StartSelectionRequest) (jobs.Job, error) {
	req.ProjectID = strings.TrimSpace(req.ProjectID)
	if req.ProjectID == "" {
		return jobs.Job{}, fmt.Errorf("%w: projectId is required", ErrInvalidRequest)
	}
	if s.Dispatcher == nil {
		return jobs.Job{}, workflow.ErrNotConfigured
	}
	jobContext, err := json.Marshal(req)
	if err != nil {
		return jobs.Job{}, err
	}

	job := jobs.Job{
		ID:        uuid.NewString(),
		ProjectID: req.ProjectID,
		Type:      jobs.TypeSelection,
		Status:    jobs.StatusStarting,
		BatchSize: positiveOr(s.Config.SelectionBatchSize, defaultSelectionBatchSize),
		Context:   jobContext,
		CreatedAt: s.now(),
	}
	if err := s.Jobs.Create(ctx, job); err != nil {
		return jobs.Job{}, err
	}
	metrics.IncJobStarted(job.Type)
	telemetry.Info("job.status", map[string]any{
		"request_id":        requestIDFromContext(ctx),
		"job_id":            job.ID,
		"project_id":        job.ProjectID,
		"type":              job.Type,
		"status":            job.Status,
		"status_transition": "none->" + job.Status,
	})

	if err := s.clearStaleSelection(ctx, job); err != nil {
		return s.abortStart(ctx, job, fmt.Errorf("clear previous selection results: %w", err))
	}

	if s.Catalogue == nil {
		return s.abortStart(ctx, job, fmt.Errorf("%w: %w", ErrCatalogue, catalogue.ErrNotConfigured))
	}
	found, err := s.Catalogue.Search(ctx, req.searchParams())
	if err != nil {
		return s.abortStart(ctx, job, fmt.Errorf("%w: %w", ErrCatalogue, err))
	}
	active := catalogue.FilterActive(found)
	s.archiveSnapshot(ctx, &job, active)

	batches, err := chunk.Split(active, job.BatchSize)
	if err != nil {
		return s.abortStart(ctx, job, err)
	}
	if err := s.Jobs.SetTotals(ctx, job.ID, len(active), len(batches), job.BatchSize); err != nil {
		return s.abortStart(ctx, job, fmt.Errorf("set totals: %w", err))
	}
	job.TotalItems = len(active)
	job.TotalBatches = len(batches)

	if err := s.Jobs.UpdateStatus(ctx, job.ID, jobs.StatusProcessing, nil); err != nil {
		return s.abortStart(ctx, job, fmt.Errorf("update job status: %w", err))
	}
	telemetry.Info("job.status", map[string]any{
		"request_id":        requestIDFromContext(ctx),
		"job_id":            job.ID,
		"project_id":        job.ProjectID,
		"type":              job.Type,
		"status":            jobs.StatusProcessing,
		"status_transition": job.Status + "->" + jobs.StatusProcessing,
		"total_items":       job.TotalItems,
		"total_batches":     job.TotalBatches,
		"fetched":           len(found),
	})
	job.Status = jobs.StatusProcessing

	shared := req.sharedContext()
	s.runBackground(ctx, job, func(ctx context.Context) error {
		return s.runSelection(ctx, job, shared, batches)
	})
	return job, nil
}

func (s *Service) runSelection(ctx context.Context, job jobs.Job, shared workflow.SharedContext, batches [][]catalogue.Aide) error {
	s.fanOut(ctx, len(batches), jobs.TypeSelection,
		func(ctx context.Context, i int) workflow.Outcome {
			return s.Dispatcher.DispatchSelection(ctx, workflow.SelectionBatch{
				JobID:   job.ID,
				BatchID: batchID(job.ID, i),
				Context: shared,
				Aides:   rawAides(batches[i]),
			})
		},
		func(ctx context.Context, i int, out workflow.Outcome) {
			if !out.OK {
				s.recordBatchFailure(ctx, job, batchID(job.ID, i), out.Err)
			}
		},
	)
	return s.finish(ctx, job, jobs.StatusSelectionDone, projects.StatusAidesElargies)
}

// clearStaleSelection removes the records of every earlier selection job of the project so a
// restart starts from an empty result set.
func (s *Service) clearStaleSelection(ctx context.Context, job jobs.Job) error {
	prior, err := s.Jobs.ListByProject(ctx, job.ProjectID, jobs.TypeSelection)
	if err != nil {
		return err
	}
	ids := make([]string, 0, len(prior))
	for _, p := range prior {
		ids = append(ids, p.ID)
	}
	if len(ids) == 0 {
		return nil
	}
	deleted, err := s.Results.DeleteSelectionForJobs(ctx, ids)
	if err != nil {
		return err
	}
	if deleted > 0 {
		telemetry.Info("selection.cleared", map[string]any{
			"request_id": requestIDFromContext(ctx),
			"job_id":     job.ID,
			"project_id": job.ProjectID,
			"deleted":    deleted,
		})
	}
	return nil
}

// archiveSnapshot stores the filtered candidate set. Failures are logged and never stop the job.
func (s *Service) archiveSnapshot(ctx context.Context, job *jobs.Job, aides []catalogue.Aide) {
	if s.Snapshots == nil {
		return
	}
	key, err := object.SnapshotKey(job.ProjectID, job.ID)
	if err == nil {
		var body []byte
		body, err = json.Marshal(rawAides(aides))
		if err == nil {
			_, err = s.Snapshots.SaveWithKey(ctx, key, "application/json", bytes.NewReader(body))
		}
		if err == nil {
			err = s.Jobs.SetSnapshotKey(ctx, job.ID, key)
		}
	}
	if err != nil {
		telemetry.Warn("selection.snapshot_failed", map[string]any{
			"request_id": requestIDFromContext(ctx),
			"job_id":     job.ID,
			"project_id": job.ProjectID,
			"error":      err.Error(),
		})
		return
	}
	job.SnapshotKey = key
}

func (s *Service) abortStart(ctx context.Context, job jobs.Job, cause error) (jobs.Job, error) {
	s.failJob(ctx, job, cause)
	job.Status = jobs.StatusFailed
	return job, cause
}

// rawAides forwards each item exactly as the catalogue returned it.
func rawAides(aides []catalogue.Aide) []json.RawMessage {
	out := make([]json.RawMessage, 0, len(aides))
	for _, a := range aides {
		if len(a.Raw) > 0 {
			out = append(out, a.Raw)
			continue
		}
		b, err := json.Marshal(a)
		if err != nil {
			continue
		}
		out = append(out, b)
	}
	return out
}

func positiveOr(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}
