package projects

import (
	"context"
	"errors"
	"time"
)

const (
	StatusAidesElargies = "aides_elargies"
	StatusAidesAffinees = "aides_affinees"
)

var ErrNotFound = errors.New("project not found")

// Project is the pipeline-facing view of a project: its id and workflow status.
type Project struct {
	ID        string    `json:"id"`
	Status    string    `json:"status"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Store records project workflow status.
type Store interface {
	// UpdateStatus sets the project's status, creating the row when absent.
	UpdateStatus(ctx context.Context, projectID, status string) error
	Get(ctx context.Context, projectID string) (Project, error)
}
