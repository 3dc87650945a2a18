package projects

import (
	"context"
	"database/sql"
	"errors"
)

// PGStore implements Store using Postgres.
type PGStore struct {
	DB *sql.DB
}

func (s *PGStore) UpdateStatus(ctx context.Context, projectID, status string) error {
	const query = `
INSERT INTO projects (id, status, updated_at)
VALUES ($1, $2, now())
ON CONFLICT (id) DO UPDATE
SET status = EXCLUDED.status,
    updated_at = EXCLUDED.updated_at`
	_, err := s.DB.ExecContext(ctx, query, projectID, status)
	return err
}

func (s *PGStore) Get(ctx context.Context, projectID string) (Project, error) {
	const query = `
SELECT id, status, updated_at
FROM projects
WHERE id = $1`
	var p Project
	err := s.DB.QueryRowContext(ctx, query, projectID).Scan(&p.ID, &p.Status, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Project{}, ErrNotFound
		}
		return Project{}, err
	}
	return p, nil
}

var _ Store = (*PGStore)(nil)
