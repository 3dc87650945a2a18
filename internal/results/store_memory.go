package results

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore keeps results in memory and is safe for concurrent use.
type MemoryStore struct {
	mu        sync.RWMutex
	selection []SelectionRecord
	refined   []RefinedRecord
	seq       int64
	now       func() time.Time
}

// NewMemoryStore constructs a MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{now: func() time.Time { return time.Now().UTC() }}
}

func (s *MemoryStore) InsertSelection(ctx context.Context, records []SelectionRecord) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	for _, r := range records {
		if err := validateSelection(r); err != nil {
			return 0, err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := 0
	for _, r := range records {
		if s.hasSelection(r.JobID, r.ExternalItemID) {
			continue
		}
		if r.ID == "" {
			r.ID = uuid.NewString()
		}
		if r.CreatedAt.IsZero() {
			r.CreatedAt = s.tick()
		}
		s.selection = append(s.selection, cloneSelection(r))
		stored++
	}
	return stored, nil
}

// Callers hold s.mu.
func (s *MemoryStore) hasSelection(jobID, itemID string) bool {
	for _, r := range s.selection {
		if r.JobID == jobID && r.ExternalItemID == itemID {
			return true
		}
	}
	return false
}

func (s *MemoryStore) DeleteSelectionForJobs(ctx context.Context, jobIDs []string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	drop := make(map[string]struct{}, len(jobIDs))
	for _, id := range jobIDs {
		drop[id] = struct{}{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.selection[:0]
	var removed int64
	for _, r := range s.selection {
		if _, ok := drop[r.JobID]; ok {
			removed++
			continue
		}
		kept = append(kept, r)
	}
	s.selection = kept
	return removed, nil
}

func (s *MemoryStore) ListSelectionByJob(ctx context.Context, jobID string) ([]SelectionRecord, error) {
	return s.listSelection(ctx, func(r SelectionRecord) bool { return r.JobID == jobID })
}

func (s *MemoryStore) CountSelectionByJob(ctx context.Context, jobID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, r := range s.selection {
		if r.JobID == jobID {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) ListSelectionByDecision(ctx context.Context, jobID, decision string) ([]SelectionRecord, error) {
	return s.listSelection(ctx, func(r SelectionRecord) bool {
		return r.JobID == jobID && r.Decision == decision
	})
}

func (s *MemoryStore) listSelection(ctx context.Context, keep func(SelectionRecord) bool) ([]SelectionRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	out := make([]SelectionRecord, 0)
	for _, r := range s.selection {
		if keep(r) {
			out = append(out, cloneSelection(r))
		}
	}
	s.mu.RUnlock()
	return out, nil
}

func (s *MemoryStore) InsertRefined(ctx context.Context, records []RefinedRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, r := range records {
		if err := validateRefined(r); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range records {
		if r.JobID != "" && s.hasRefined(r.JobID, r.ExternalItemID) {
			continue
		}
		if r.ID == "" {
			r.ID = uuid.NewString()
		}
		if r.CreatedAt.IsZero() {
			r.CreatedAt = s.tick()
		}
		s.refined = append(s.refined, cloneRefined(r))
	}
	return nil
}

// Callers hold s.mu.
func (s *MemoryStore) hasRefined(jobID, itemID string) bool {
	for _, r := range s.refined {
		if r.JobID == jobID && r.ExternalItemID == itemID {
			return true
		}
	}
	return false
}

func (s *MemoryStore) DeleteRefinedForJobs(ctx context.Context, jobIDs []string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	drop := make(map[string]struct{}, len(jobIDs))
	for _, id := range jobIDs {
		drop[id] = struct{}{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.refined[:0]
	var removed int64
	for _, r := range s.refined {
		if _, ok := drop[r.JobID]; ok && r.JobID != "" {
			removed++
			continue
		}
		kept = append(kept, r)
	}
	s.refined = kept
	return removed, nil
}

func (s *MemoryStore) ListRefinedByProject(ctx context.Context, projectID string) ([]RefinedRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	out := make([]RefinedRecord, 0)
	for _, r := range s.refined {
		if r.ProjectID == projectID {
			out = append(out, cloneRefined(r))
		}
	}
	s.mu.RUnlock()
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].RelevanceScore != out[j].RelevanceScore {
			return out[i].RelevanceScore > out[j].RelevanceScore
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// tick returns a strictly increasing timestamp so refined ties keep insertion order.
// Callers hold s.mu.
func (s *MemoryStore) tick() time.Time {
	s.seq++
	return s.now().Add(time.Duration(s.seq) * time.Microsecond)
}

func cloneSelection(r SelectionRecord) SelectionRecord {
	if r.RawPayload != nil {
		r.RawPayload = append(json.RawMessage(nil), r.RawPayload...)
	}
	return r
}

func cloneRefined(r RefinedRecord) RefinedRecord {
	r.Strengths = append([]string{}, r.Strengths...)
	r.Weaknesses = append([]string{}, r.Weaknesses...)
	return r
}

var _ Store = (*MemoryStore)(nil)
