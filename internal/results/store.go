package results

import (
	"context"
	"errors"
)

var ErrInvalidRecord = errors.New("invalid result record")

// Store persists selection and refinement outcomes.
type Store interface {
	// InsertSelection stores records in order and skips items the job already has. It returns
	// the number of records actually stored.
	InsertSelection(ctx context.Context, records []SelectionRecord) (int, error)
	// DeleteSelectionForJobs removes every selection record of the given jobs.
	DeleteSelectionForJobs(ctx context.Context, jobIDs []string) (int64, error)
	ListSelectionByJob(ctx context.Context, jobID string) ([]SelectionRecord, error)
	CountSelectionByJob(ctx context.Context, jobID string) (int, error)
	ListSelectionByDecision(ctx context.Context, jobID, decision string) ([]SelectionRecord, error)

	// InsertRefined stores records, skipping items the refinement job already has.
	InsertRefined(ctx context.Context, records []RefinedRecord) error
	// DeleteRefinedForJobs removes every refined record of the given jobs.
	DeleteRefinedForJobs(ctx context.Context, jobIDs []string) (int64, error)
	ListRefinedByProject(ctx context.Context, projectID string) ([]RefinedRecord, error)
}

func validateSelection(r SelectionRecord) error {
	if r.JobID == "" || r.ExternalItemID == "" {
		return ErrInvalidRecord
	}
	return nil
}

func validateRefined(r RefinedRecord) error {
	if r.ProjectID == "" || r.ExternalItemID == "" {
		return ErrInvalidRecord
	}
	return nil
}
