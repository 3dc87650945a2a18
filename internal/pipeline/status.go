package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"

	"grantmatch-backend/internal/jobs"
	"grantmatch-backend/internal/results"
	"grantmatch-backend/internal/shared/telemetry"
)

// Progress is the processed/total view of a job.
type Progress struct {
	ProcessedItems int `json:"processedItems"`
	TotalItems     int `json:"totalItems"`
	FailedBatches  int `json:"failedBatches"`
}

// StatusView is the read model served by the status endpoint.
type StatusView struct {
	JobID        string
	Type         string
	Status       string
	IsComplete   bool
	Progress     Progress
	ErrorMessage string
	// Results is set for selection jobs only.
	Results []results.SelectionRecord
}

// GetStatus reads a job and its progress. It never writes.
func (s *Service) GetStatus(ctx context.Context, jobID string) (StatusView, error) {
	job, err := s.getJob(ctx, jobID)
	if err != nil {
		return StatusView{}, err
	}
	view := StatusView{
		JobID:      job.ID,
		Type:       job.Type,
		Status:     job.Status,
		IsComplete: jobs.IsTerminal(job.Status),
		Progress: Progress{
			TotalItems:    job.TotalItems,
			FailedBatches: job.BatchesFailed,
		},
	}
	if job.ErrorMessage != nil {
		view.ErrorMessage = *job.ErrorMessage
	}

	switch job.Type {
	case jobs.TypeSelection:
		records, err := s.Results.ListSelectionByJob(ctx, job.ID)
		if err != nil {
			return StatusView{}, err
		}
		view.Results = records
		// Items the engine reports outside the candidate set never push progress past the total.
		view.Progress.ProcessedItems = min(len(records), job.TotalItems)
	default:
		view.Progress.ProcessedItems = EstimateProcessed(job)
	}
	return view, nil
}

// EstimateProcessed is min(BatchesCompleted*BatchSize, TotalItems).
func EstimateProcessed(job jobs.Job) int {
	processed := job.BatchesCompleted * job.BatchSize
	if processed > job.TotalItems {
		return job.TotalItems
	}
	return processed
}

// IngestRecord is one engine decision posted back for a selection job.
type IngestRecord struct {
	ExternalItemID string          `json:"externalItemId"`
	Title          string          `json:"title"`
	URL            string          `json:"url"`
	Decision       string          `json:"decision"`
	RawPayload     json.RawMessage `json:"rawPayload,omitempty"`
}

// IngestSelectionResults stores the records the engine decided for a selection job and returns how
// many were new. Items already recorded for the job are skipped.
func (s *Service) IngestSelectionResults(ctx context.Context, jobID string, records []IngestRecord) (int, error) {
	job, err := s.getJob(ctx, jobID)
	if err != nil {
		return 0, err
	}
	if job.Type != jobs.TypeSelection {
		return 0, ErrNotSelectionJob
	}
	if len(records) == 0 {
		return 0, nil
	}
	out := make([]results.SelectionRecord, 0, len(records))
	for _, r := range records {
		out = append(out, results.SelectionRecord{
			JobID:          job.ID,
			ExternalItemID: strings.TrimSpace(r.ExternalItemID),
			Title:          r.Title,
			URL:            r.URL,
			Decision:       strings.TrimSpace(r.Decision),
			RawPayload:     r.RawPayload,
		})
	}
	stored, err := s.Results.InsertSelection(ctx, out)
	if err != nil {
		return 0, err
	}
	telemetry.Info("selection.ingested", map[string]any{
		"request_id": requestIDFromContext(ctx),
		"job_id":     job.ID,
		"project_id": job.ProjectID,
		"records":    len(out),
		"duplicates": len(out) - stored,
	})
	return stored, nil
}

// ListRefined returns a project's refined aides, best score first.
func (s *Service) ListRefined(ctx context.Context, projectID string) ([]results.RefinedRecord, error) {
	projectID = strings.TrimSpace(projectID)
	if projectID == "" {
		return nil, fmt.Errorf("%w: projectId is required", ErrInvalidRequest)
	}
	return s.Results.ListRefinedByProject(ctx, projectID)
}

// OpenSnapshot streams the archived candidate set of a selection job.
func (s *Service) OpenSnapshot(ctx context.Context, jobID string) (io.ReadCloser, error) {
	job, err := s.getJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if s.Snapshots == nil || job.SnapshotKey == "" {
		return nil, ErrSnapshotUnavailable
	}
	return s.Snapshots.Open(ctx, job.SnapshotKey)
}

// getJob treats ids that are not UUIDs as unknown jobs.
func (s *Service) getJob(ctx context.Context, jobID string) (jobs.Job, error) {
	jobID = strings.TrimSpace(jobID)
	if _, err := uuid.Parse(jobID); err != nil {
		return jobs.Job{}, jobs.ErrNotFound
	}
	return s.Jobs.GetByID(ctx, jobID)
}
