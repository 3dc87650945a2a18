package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"grantmatch-backend/internal/pipeline"
	"grantmatch-backend/internal/services/health"
	"grantmatch-backend/internal/shared/config"
	"grantmatch-backend/internal/shared/metrics"
	"grantmatch-backend/internal/shared/server/middleware"
	"grantmatch-backend/internal/shared/server/respond"
)

const (
	rateGroupDefault = "DEFAULT"
	rateGroupPolling = "POLLING"
	rateGroupIngest  = "INGEST"
	rateGroupExempt  = "EXEMPT"
)

// RouterDeps carries the handlers mounted by NewRouter.
type RouterDeps struct {
	Config          config.Config
	PipelineHandler *pipeline.Handler
	Health          *health.Service
	// Now overrides the rate limiter clock in tests.
	Now func() time.Time
}

// NewRouter constructs the Gin engine with middleware and routes registered.
func NewRouter(deps RouterDeps) *gin.Engine {
	if deps.Config.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()

	r.Use(
		middleware.RequestID(),
		middleware.Logging(),
		middleware.Recovery(),
		middleware.CORS(deps.Config.CORSAllowOrigin),
		middleware.RateLimit(middleware.RateLimitConfig{
			DefaultGroup: rateGroupDefault,
			GroupFor:     rateGroupFor,
			Limiter:      middleware.NewRateLimiter(deps.Now),
			Rules: map[string]middleware.RateLimitRule{
				rateGroupDefault: {Rate: 2, Burst: 20},
				rateGroupPolling: {Rate: 5, Burst: 30},
				rateGroupIngest:  {Rate: 50, Burst: 200},
			},
		}),
	)

	r.GET("/metrics", metrics.Handler())

	api := r.Group("/api/v1")
	api.GET("/health", func(c *gin.Context) {
		body, ok := deps.Health.Status(c.Request.Context())
		status := http.StatusOK
		if !ok {
			status = http.StatusServiceUnavailable
		}
		respond.JSON(c, status, body)
	})

	if deps.PipelineHandler != nil {
		deps.PipelineHandler.RegisterRoutes(api)

		internal := api.Group("/internal", middleware.ServiceKey(deps.Config.IngestAPIKey))
		deps.PipelineHandler.RegisterIngestRoutes(internal)
	}

	return r
}

func rateGroupFor(c *gin.Context) string {
	switch c.FullPath() {
	case "/api/v1/job-status/:jobId", "/api/v1/job-status/:jobId/stream":
		return rateGroupPolling
	case "/api/v1/internal/jobs/:jobId/selection-results":
		return rateGroupIngest
	case "/metrics", "/api/v1/health":
		return rateGroupExempt
	}
	return rateGroupDefault
}

// Addr normalizes the listen address.
func Addr(port string) string {
	if port == "" {
		return ":8080"
	}
	if port[0] == ':' {
		return port
	}
	return ":" + port
}
