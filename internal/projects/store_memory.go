package projects

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps project status in memory.
type MemoryStore struct {
	mu   sync.RWMutex
	byID map[string]Project
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[string]Project)}
}

func (s *MemoryStore) UpdateStatus(ctx context.Context, projectID, status string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[projectID] = Project{ID: projectID, Status: status, UpdatedAt: time.Now().UTC()}
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, projectID string) (Project, error) {
	if err := ctx.Err(); err != nil {
		return Project{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.byID[projectID]
	if !ok {
		return Project{}, ErrNotFound
	}
	return p, nil
}

var _ Store = (*MemoryStore)(nil)
