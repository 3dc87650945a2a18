package health

import (
	"context"
	"database/sql"
	"time"
)

const pingTimeout = 2 * time.Second

// Service encapsulates health-related checks.
type Service struct {
	DB *sql.DB
}

// NewService constructs a new health service. A nil db reports in-memory storage.
func NewService(db *sql.DB) *Service {
	return &Service{DB: db}
}

// Status returns the health payload and whether every dependency is reachable.
func (s *Service) Status(ctx context.Context) (map[string]any, bool) {
	body := map[string]any{"ok": true, "storage": "memory"}
	if s == nil || s.DB == nil {
		return body, true
	}

	body["storage"] = "postgres"
	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := s.DB.PingContext(pingCtx); err != nil {
		body["ok"] = false
		body["database"] = "unreachable"
		return body, false
	}
	body["database"] = "ok"
	return body, true
}
