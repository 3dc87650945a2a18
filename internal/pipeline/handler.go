package pipeline

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"grantmatch-backend/internal/export"
	"grantmatch-backend/internal/jobs"
	"grantmatch-backend/internal/results"
	"grantmatch-backend/internal/shared/server/middleware"
	"grantmatch-backend/internal/shared/server/respond"
	"grantmatch-backend/internal/shared/storage/object"
	"grantmatch-backend/internal/shared/telemetry"
	"grantmatch-backend/internal/shared/util"
	"grantmatch-backend/internal/workflow"
)

const defaultStreamInterval = 2 * time.Second

// Handler wires HTTP handlers to the pipeline service.
type Handler struct {
	Svc            *Service
	StreamInterval time.Duration

	upgrader websocket.Upgrader
}

// NewHandler constructs a Handler. Browser websocket upgrades are accepted only from
// allowedOrigins; requests without an Origin header are not browser-initiated and pass.
func NewHandler(svc *Service, streamInterval time.Duration, allowedOrigins []string) *Handler {
	if streamInterval <= 0 {
		streamInterval = defaultStreamInterval
	}
	origins := middleware.NewOriginSet(allowedOrigins)
	return &Handler{
		Svc:            svc,
		StreamInterval: streamInterval,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || origins.Allows(origin)
			},
		},
	}
}

// RegisterRoutes attaches the public pipeline routes to the router group.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/start-selection-job", h.startSelection)
	rg.POST("/start-refinement-job", h.startRefinement)
	rg.GET("/job-status/:jobId", h.getStatus)
	rg.GET("/job-status/:jobId/stream", h.streamStatus)
	rg.GET("/jobs/:jobId/snapshot", h.getSnapshot)
	rg.GET("/projects/:projectId/refined-aides", h.listRefined)
	rg.GET("/projects/:projectId/refined-aides/export", h.exportRefined)
}

// RegisterIngestRoutes attaches the workflow engine callback. The group must be guarded by a
// service key.
func (h *Handler) RegisterIngestRoutes(rg *gin.RouterGroup) {
	rg.POST("/jobs/:jobId/selection-results", h.ingestSelectionResults)
}

func (h *Handler) startSelection(c *gin.Context) {
	var req StartSelectionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respond.Error(c, http.StatusBadRequest, "validation_error", "invalid request body", nil)
		return
	}

	job, err := h.Svc.StartSelection(WithRequestID(c.Request.Context(), middleware.RequestIDFromContext(c)), req)
	if err != nil {
		var details any
		if job.ID != "" {
			details = gin.H{"jobId": job.ID}
		}
		switch {
		case errors.Is(err, ErrInvalidRequest):
			respond.Error(c, http.StatusBadRequest, "validation_error", err.Error(), nil)
		case errors.Is(err, ErrCatalogue):
			respond.Error(c, http.StatusBadGateway, "catalogue_unavailable", "failed to fetch aides from the catalogue", details)
		case errors.Is(err, workflow.ErrNotConfigured):
			respond.Error(c, http.StatusServiceUnavailable, "not_configured", "workflow engine is not configured", nil)
		default:
			respond.Error(c, http.StatusInternalServerError, "internal_error", "failed to start selection job", details)
		}
		return
	}

	respond.Accepted(c, statusPath(c, job.ID), gin.H{
		"jobId":      job.ID,
		"totalAides": job.TotalItems,
	})
}

type startRefinementRequest struct {
	JobID          string `json:"jobId"`
	SelectionJobID string `json:"selectionJobId"`
}

func (h *Handler) startRefinement(c *gin.Context) {
	var req startRefinementRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respond.Error(c, http.StatusBadRequest, "validation_error", "invalid request body", nil)
		return
	}
	selectionJobID := strings.TrimSpace(req.SelectionJobID)
	if selectionJobID == "" {
		selectionJobID = strings.TrimSpace(req.JobID)
	}
	if selectionJobID == "" {
		respond.Error(c, http.StatusBadRequest, "validation_error", "jobId is required", nil)
		return
	}

	job, err := h.Svc.StartRefinement(WithRequestID(c.Request.Context(), middleware.RequestIDFromContext(c)), selectionJobID)
	if err != nil {
		switch {
		case errors.Is(err, ErrNothingToRefine):
			respond.JSON(c, http.StatusOK, gin.H{"message": "no pertinent aides to refine"})
		case errors.Is(err, ErrRefinementExists):
			var details any
			if job.ID != "" {
				details = gin.H{"refinementJobId": job.ID}
			}
			respond.Error(c, http.StatusConflict, "refinement_exists", "selection job already has a refinement job", details)
		case errors.Is(err, jobs.ErrNotFound):
			respond.Error(c, http.StatusNotFound, "not_found", "selection job not found", nil)
		case errors.Is(err, ErrNotSelectionJob):
			respond.Error(c, http.StatusBadRequest, "validation_error", "job is not a selection job", nil)
		case errors.Is(err, ErrSelectionNotDone):
			respond.Error(c, http.StatusConflict, "selection_not_done", "selection job has not finished", nil)
		case errors.Is(err, workflow.ErrNotConfigured):
			respond.Error(c, http.StatusServiceUnavailable, "not_configured", "workflow engine is not configured", nil)
		default:
			respond.Error(c, http.StatusInternalServerError, "internal_error", "failed to start refinement job", nil)
		}
		return
	}

	respond.Accepted(c, statusPath(c, job.ID), gin.H{
		"refinementJobId": job.ID,
	})
}

func (h *Handler) getStatus(c *gin.Context) {
	view, err := h.Svc.GetStatus(c.Request.Context(), c.Param("jobId"))
	if err != nil {
		statusError(c, err)
		return
	}
	respond.JSON(c, http.StatusOK, statusBody(view))
}

// streamStatus pushes the status view over a websocket until the job completes or the client leaves.
func (h *Handler) streamStatus(c *gin.Context) {
	ctx := c.Request.Context()
	jobID := c.Param("jobId")
	view, err := h.Svc.GetStatus(ctx, jobID)
	if err != nil {
		statusError(c, err)
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		telemetry.Warn("status.stream_upgrade_failed", map[string]any{
			"request_id": middleware.RequestIDFromContext(c),
			"job_id":     jobID,
			"error":      err.Error(),
		})
		return
	}
	defer conn.Close()

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(h.StreamInterval)
	defer ticker.Stop()
	for {
		_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := conn.WriteJSON(statusBody(view)); err != nil {
			return
		}
		if view.IsComplete {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "job complete"),
				time.Now().Add(time.Second))
			return
		}
		select {
		case <-gone:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if view, err = h.Svc.GetStatus(ctx, jobID); err != nil {
			return
		}
	}
}

type ingestRequest struct {
	Records []IngestRecord `json:"records"`
}

func (h *Handler) ingestSelectionResults(c *gin.Context) {
	var req ingestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respond.Error(c, http.StatusBadRequest, "validation_error", "invalid request body", nil)
		return
	}

	n, err := h.Svc.IngestSelectionResults(WithRequestID(c.Request.Context(), middleware.RequestIDFromContext(c)), c.Param("jobId"), req.Records)
	if err != nil {
		switch {
		case errors.Is(err, jobs.ErrNotFound):
			respond.Error(c, http.StatusNotFound, "not_found", "job not found", nil)
		case errors.Is(err, ErrNotSelectionJob):
			respond.Error(c, http.StatusBadRequest, "validation_error", "job is not a selection job", nil)
		case errors.Is(err, results.ErrInvalidRecord):
			respond.Error(c, http.StatusBadRequest, "validation_error", "every record needs an externalItemId", nil)
		default:
			respond.Error(c, http.StatusInternalServerError, "internal_error", "failed to store selection results", nil)
		}
		return
	}

	respond.OK(c, gin.H{"ingested": n})
}

func (h *Handler) getSnapshot(c *gin.Context) {
	body, err := h.Svc.OpenSnapshot(c.Request.Context(), c.Param("jobId"))
	if err != nil {
		switch {
		case errors.Is(err, jobs.ErrNotFound):
			respond.Error(c, http.StatusNotFound, "not_found", "job not found", nil)
		case errors.Is(err, ErrSnapshotUnavailable), errors.Is(err, object.ErrNotFound):
			respond.Error(c, http.StatusNotFound, "not_found", "snapshot not found", nil)
		default:
			respond.Error(c, http.StatusInternalServerError, "internal_error", "failed to open snapshot", nil)
		}
		return
	}
	defer body.Close()

	c.DataFromReader(http.StatusOK, -1, "application/json", body, nil)
}

func (h *Handler) listRefined(c *gin.Context) {
	projectID := c.Param("projectId")
	records, err := h.Svc.ListRefined(c.Request.Context(), projectID)
	if err != nil {
		refinedError(c, err)
		return
	}
	if records == nil {
		records = []results.RefinedRecord{}
	}
	respond.OK(c, gin.H{
		"projectId": projectID,
		"results":   records,
	})
}

func (h *Handler) exportRefined(c *gin.Context) {
	projectID := c.Param("projectId")
	records, err := h.Svc.ListRefined(c.Request.Context(), projectID)
	if err != nil {
		refinedError(c, err)
		return
	}
	body, err := export.RefinedXLSX(records)
	if err != nil {
		respond.Error(c, http.StatusInternalServerError, "internal_error", "failed to build export", nil)
		return
	}

	name := "refined-aides.xlsx"
	if safe, err := util.SafeSegment(projectID); err == nil {
		name = "refined-aides-" + safe + ".xlsx"
	}
	c.Header("Content-Disposition", `attachment; filename="`+name+`"`)
	c.Data(http.StatusOK, export.ContentTypeXLSX, body)
}

// statusPath is the job-status route sibling to the matched start route.
func statusPath(c *gin.Context, jobID string) string {
	full := c.FullPath()
	i := strings.LastIndex(full, "/")
	if i < 0 {
		return ""
	}
	return full[:i] + "/job-status/" + jobID
}

func statusError(c *gin.Context, err error) {
	if errors.Is(err, jobs.ErrNotFound) {
		respond.Error(c, http.StatusNotFound, "not_found", "job not found", nil)
		return
	}
	respond.Error(c, http.StatusInternalServerError, "internal_error", "failed to fetch job status", nil)
}

func refinedError(c *gin.Context, err error) {
	if errors.Is(err, ErrInvalidRequest) {
		respond.Error(c, http.StatusBadRequest, "validation_error", "projectId is required", nil)
		return
	}
	respond.Error(c, http.StatusInternalServerError, "internal_error", "failed to list refined aides", nil)
}

func statusBody(view StatusView) gin.H {
	resp := gin.H{
		"jobId":      view.JobID,
		"isComplete": view.IsComplete,
		"status":     view.Status,
		"progress":   view.Progress,
	}
	if view.Type == jobs.TypeSelection {
		records := view.Results
		if records == nil {
			records = []results.SelectionRecord{}
		}
		resp["results"] = records
	}
	if view.ErrorMessage != "" {
		resp["errorMessage"] = view.ErrorMessage
	}
	return resp
}
