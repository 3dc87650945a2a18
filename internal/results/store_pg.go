package results

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// PGStore implements Store on Postgres through sqlx.
type PGStore struct {
	db  *sqlx.DB
	now func() time.Time
}

// NewPGStore wraps an existing pgx-backed *sql.DB.
func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{
		db:  sqlx.NewDb(db, "pgx"),
		now: func() time.Time { return time.Now().UTC() },
	}
}

type selectionRow struct {
	ID             string    `db:"id"`
	JobID          string    `db:"job_id"`
	ExternalItemID string    `db:"external_item_id"`
	Title          string    `db:"title"`
	URL            string    `db:"url"`
	Decision       string    `db:"decision"`
	RawPayload     []byte    `db:"raw_payload"`
	CreatedAt      time.Time `db:"created_at"`
}

type refinedRow struct {
	ID              string         `db:"id"`
	ProjectID       string         `db:"project_id"`
	JobID           sql.NullString `db:"job_id"`
	ExternalItemID  string         `db:"external_item_id"`
	Title           string         `db:"title"`
	URL             string         `db:"url"`
	RelevanceScore  float64        `db:"relevance_score"`
	RelevanceLevel  string         `db:"relevance_level"`
	Justification   string         `db:"justification"`
	Strengths       []byte         `db:"strengths"`
	Weaknesses      []byte         `db:"weaknesses"`
	Recommendations string         `db:"recommendations"`
	CreatedAt       time.Time      `db:"created_at"`
}

// InsertSelection bulk-inserts selection records in one statement. The seq column keeps their
// order; an item already stored for the job is skipped.
func (s *PGStore) InsertSelection(ctx context.Context, records []SelectionRecord) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}
	rows := make([]selectionRow, 0, len(records))
	for _, r := range records {
		if err := validateSelection(r); err != nil {
			return 0, err
		}
		if r.ID == "" {
			r.ID = uuid.NewString()
		}
		if r.CreatedAt.IsZero() {
			r.CreatedAt = s.now()
		}
		var raw []byte
		if len(r.RawPayload) > 0 {
			raw = []byte(r.RawPayload)
		}
		rows = append(rows, selectionRow{
			ID:             r.ID,
			JobID:          r.JobID,
			ExternalItemID: r.ExternalItemID,
			Title:          r.Title,
			URL:            r.URL,
			Decision:       r.Decision,
			RawPayload:     raw,
			CreatedAt:      r.CreatedAt,
		})
	}

	const query = `
INSERT INTO selection_results (id, job_id, external_item_id, title, url, decision, raw_payload, created_at)
VALUES (:id, :job_id, :external_item_id, :title, :url, :decision, :raw_payload, :created_at)
ON CONFLICT (job_id, external_item_id) DO NOTHING`
	res, err := s.db.NamedExecContext(ctx, query, rows)
	if err != nil {
		return 0, fmt.Errorf("insert selection results: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// DeleteSelectionForJobs removes the selection records of the given jobs.
func (s *PGStore) DeleteSelectionForJobs(ctx context.Context, jobIDs []string) (int64, error) {
	if len(jobIDs) == 0 {
		return 0, nil
	}
	query, args, err := sqlx.In(`DELETE FROM selection_results WHERE job_id IN (?)`, jobIDs)
	if err != nil {
		return 0, fmt.Errorf("build delete selection results: %w", err)
	}
	res, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return 0, fmt.Errorf("delete selection results: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ListSelectionByJob returns a job's records in insertion order.
func (s *PGStore) ListSelectionByJob(ctx context.Context, jobID string) ([]SelectionRecord, error) {
	const query = `
SELECT id, job_id, external_item_id, title, url, decision, raw_payload, created_at
FROM selection_results
WHERE job_id = $1
ORDER BY seq ASC`
	var rows []selectionRow
	if err := s.db.SelectContext(ctx, &rows, query, jobID); err != nil {
		return nil, fmt.Errorf("list selection results: %w", err)
	}
	return toSelectionRecords(rows), nil
}

// CountSelectionByJob counts a job's records.
func (s *PGStore) CountSelectionByJob(ctx context.Context, jobID string) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM selection_results WHERE job_id = $1`, jobID); err != nil {
		return 0, fmt.Errorf("count selection results: %w", err)
	}
	return n, nil
}

// ListSelectionByDecision returns a job's records carrying the given decision, in insertion order.
func (s *PGStore) ListSelectionByDecision(ctx context.Context, jobID, decision string) ([]SelectionRecord, error) {
	const query = `
SELECT id, job_id, external_item_id, title, url, decision, raw_payload, created_at
FROM selection_results
WHERE job_id = $1 AND decision = $2
ORDER BY seq ASC`
	var rows []selectionRow
	if err := s.db.SelectContext(ctx, &rows, query, jobID, decision); err != nil {
		return nil, fmt.Errorf("list pertinent selection results: %w", err)
	}
	return toSelectionRecords(rows), nil
}

// InsertRefined bulk-inserts refined records in one statement. A redelivered batch adds nothing.
func (s *PGStore) InsertRefined(ctx context.Context, records []RefinedRecord) error {
	if len(records) == 0 {
		return nil
	}
	rows := make([]refinedRow, 0, len(records))
	for _, r := range records {
		if err := validateRefined(r); err != nil {
			return err
		}
		if r.ID == "" {
			r.ID = uuid.NewString()
		}
		if r.CreatedAt.IsZero() {
			r.CreatedAt = s.now()
		}
		strengths, err := marshalList(r.Strengths)
		if err != nil {
			return err
		}
		weaknesses, err := marshalList(r.Weaknesses)
		if err != nil {
			return err
		}
		rows = append(rows, refinedRow{
			ID:              r.ID,
			ProjectID:       r.ProjectID,
			JobID:           sql.NullString{String: r.JobID, Valid: r.JobID != ""},
			ExternalItemID:  r.ExternalItemID,
			Title:           r.Title,
			URL:             r.URL,
			RelevanceScore:  r.RelevanceScore,
			RelevanceLevel:  r.RelevanceLevel,
			Justification:   r.Justification,
			Strengths:       strengths,
			Weaknesses:      weaknesses,
			Recommendations: r.Recommendations,
			CreatedAt:       r.CreatedAt,
		})
	}

	const query = `
INSERT INTO refined_results (
	id, project_id, job_id, external_item_id, title, url, relevance_score, relevance_level,
	justification, strengths, weaknesses, recommendations, created_at
)
VALUES (
	:id, :project_id, :job_id, :external_item_id, :title, :url, :relevance_score, :relevance_level,
	:justification, :strengths, :weaknesses, :recommendations, :created_at
)
ON CONFLICT (job_id, external_item_id) DO NOTHING`
	if _, err := s.db.NamedExecContext(ctx, query, rows); err != nil {
		return fmt.Errorf("insert refined results: %w", err)
	}
	return nil
}

// DeleteRefinedForJobs removes the refined records of the given jobs.
func (s *PGStore) DeleteRefinedForJobs(ctx context.Context, jobIDs []string) (int64, error) {
	if len(jobIDs) == 0 {
		return 0, nil
	}
	query, args, err := sqlx.In(`DELETE FROM refined_results WHERE job_id IN (?)`, jobIDs)
	if err != nil {
		return 0, fmt.Errorf("build delete refined results: %w", err)
	}
	res, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return 0, fmt.Errorf("delete refined results: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ListRefinedByProject returns a project's refined records, best score first.
func (s *PGStore) ListRefinedByProject(ctx context.Context, projectID string) ([]RefinedRecord, error) {
	const query = `
SELECT id, project_id, job_id, external_item_id, title, url, relevance_score, relevance_level,
       justification, strengths, weaknesses, recommendations, created_at
FROM refined_results
WHERE project_id = $1
ORDER BY relevance_score DESC, created_at ASC`
	var rows []refinedRow
	if err := s.db.SelectContext(ctx, &rows, query, projectID); err != nil {
		return nil, fmt.Errorf("list refined results: %w", err)
	}
	out := make([]RefinedRecord, 0, len(rows))
	for _, row := range rows {
		rec := RefinedRecord{
			ID:              row.ID,
			ProjectID:       row.ProjectID,
			JobID:           row.JobID.String,
			ExternalItemID:  row.ExternalItemID,
			Title:           row.Title,
			URL:             row.URL,
			RelevanceScore:  row.RelevanceScore,
			RelevanceLevel:  row.RelevanceLevel,
			Justification:   row.Justification,
			Recommendations: row.Recommendations,
			CreatedAt:       row.CreatedAt,
		}
		if err := unmarshalList(row.Strengths, &rec.Strengths); err != nil {
			return nil, fmt.Errorf("decode strengths: %w", err)
		}
		if err := unmarshalList(row.Weaknesses, &rec.Weaknesses); err != nil {
			return nil, fmt.Errorf("decode weaknesses: %w", err)
		}
		out = append(out, rec)
	}
	return out, nil
}

func toSelectionRecords(rows []selectionRow) []SelectionRecord {
	out := make([]SelectionRecord, 0, len(rows))
	for _, row := range rows {
		rec := SelectionRecord{
			ID:             row.ID,
			JobID:          row.JobID,
			ExternalItemID: row.ExternalItemID,
			Title:          row.Title,
			URL:            row.URL,
			Decision:       row.Decision,
			CreatedAt:      row.CreatedAt,
		}
		if len(row.RawPayload) > 0 {
			rec.RawPayload = append(json.RawMessage(nil), row.RawPayload...)
		}
		out = append(out, rec)
	}
	return out
}

func marshalList(items []string) ([]byte, error) {
	if items == nil {
		items = []string{}
	}
	return json.Marshal(items)
}

func unmarshalList(raw []byte, dst *[]string) error {
	if len(raw) == 0 {
		*dst = []string{}
		return nil
	}
	return json.Unmarshal(raw, dst)
}

var _ Store = (*PGStore)(nil)
