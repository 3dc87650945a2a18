package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"grantmatch-backend/internal/jobs"
	"grantmatch-backend/internal/pipeline"
	"grantmatch-backend/internal/projects"
	"grantmatch-backend/internal/results"
	"grantmatch-backend/internal/services/health"
	"grantmatch-backend/internal/shared/config"
)

func newTestRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	svc := &pipeline.Service{
		Jobs:     jobs.NewMemoryRepo(),
		Results:  results.NewMemoryStore(),
		Projects: projects.NewMemoryStore(),
		Config:   config.PipelineConfig{SelectionBatchSize: 10, RefinementBatchSize: 2},
	}
	now := time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC)
	cfg := config.Config{
		Env:             "dev",
		CORSAllowOrigin: []string{"http://localhost:5173"},
		IngestAPIKey:    "ingest-key",
	}
	return NewRouter(RouterDeps{
		Config:          cfg,
		PipelineHandler: pipeline.NewHandler(svc, time.Second, cfg.CORSAllowOrigin),
		Health:          health.NewService(nil),
		Now:             func() time.Time { return now },
	})
}

func TestHealthRoute(t *testing.T) {
	router := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["ok"] != true {
		t.Fatalf("expected ok=true, got %v", body["ok"])
	}
	if resp.Header().Get("X-Request-Id") == "" {
		t.Fatalf("expected X-Request-Id header")
	}
}

func TestMetricsRoute(t *testing.T) {
	router := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	if !strings.Contains(resp.Body.String(), "pipeline_jobs_started_total") {
		t.Fatalf("expected job counters in metrics output")
	}
}

func TestIngestRouteRequiresServiceKey(t *testing.T) {
	router := newTestRouter(t)
	body := []byte(`{"records":[]}`)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/internal/jobs/00000000-0000-0000-0000-000000000000/selection-results", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without key, got %d", resp.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/v1/internal/jobs/00000000-0000-0000-0000-000000000000/selection-results", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Service-Key", "ingest-key")
	resp = httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown job with key, got %d", resp.Code)
	}
}

func TestStatusPollingUsesPollingBudget(t *testing.T) {
	router := newTestRouter(t)

	for i := 0; i < 25; i++ {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/job-status/unknown", nil)
		resp := httptest.NewRecorder()
		router.ServeHTTP(resp, req)
		if resp.Code != http.StatusNotFound {
			t.Fatalf("poll %d expected 404, got %d", i+1, resp.Code)
		}
	}
}

func TestAddr(t *testing.T) {
	cases := map[string]string{"": ":8080", "9000": ":9000", ":7000": ":7000"}
	for in, want := range cases {
		if got := Addr(in); got != want {
			t.Fatalf("Addr(%q) = %q, want %q", in, got, want)
		}
	}
}
