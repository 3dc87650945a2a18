package jobs

import (
	"encoding/json"
	"time"
)

const (
	TypeSelection  = "selection"
	TypeRefinement = "refinement"
)

const (
	StatusStarting       = "starting"
	StatusProcessing     = "processing"
	StatusSelectionDone  = "selection_done"
	StatusRefining       = "refining"
	StatusRefinementDone = "refinement_done"
	StatusFailed         = "failed"
)

// Job is one run of a pipeline phase for a project.
type Job struct {
	ID               string          `json:"id"`
	ProjectID        string          `json:"projectId"`
	Type             string          `json:"type"`
	Status           string          `json:"status"`
	TotalItems       int             `json:"totalItems"`
	TotalBatches     int             `json:"totalBatches"`
	BatchSize        int             `json:"batchSize"`
	BatchesCompleted int             `json:"batchesCompleted"`
	BatchesFailed    int             `json:"batchesFailed"`
	ParentJobID      string          `json:"parentJobId,omitempty"`
	Context          json.RawMessage `json:"context,omitempty"`
	SnapshotKey      string          `json:"snapshotKey,omitempty"`
	ErrorMessage     *string         `json:"errorMessage,omitempty"`
	CreatedAt        time.Time       `json:"createdAt"`
	UpdatedAt        time.Time       `json:"updatedAt"`
	CompletedAt      *time.Time      `json:"completedAt,omitempty"`
}

// IsTerminal reports whether status ends a job's lifecycle.
func IsTerminal(status string) bool {
	switch status {
	case StatusSelectionDone, StatusRefinementDone, StatusFailed:
		return true
	default:
		return false
	}
}
