package bootstrap

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"strings"

	"github.com/gin-gonic/gin"

	"grantmatch-backend/internal/catalogue"
	"grantmatch-backend/internal/jobs"
	"grantmatch-backend/internal/pipeline"
	"grantmatch-backend/internal/projects"
	"grantmatch-backend/internal/queue"
	"grantmatch-backend/internal/results"
	"grantmatch-backend/internal/services/health"
	"grantmatch-backend/internal/shared/config"
	"grantmatch-backend/internal/shared/server"
	"grantmatch-backend/internal/shared/storage/db"
	"grantmatch-backend/internal/shared/storage/object"
	localstore "grantmatch-backend/internal/shared/storage/object/local"
	s3store "grantmatch-backend/internal/shared/storage/object/s3"
	"grantmatch-backend/internal/shared/telemetry"
	"grantmatch-backend/internal/workflow"
)

// App holds shared dependencies.
type App struct {
	Config          config.Config
	Router          *gin.Engine
	DB              *sql.DB
	Store           object.ObjectStore
	Events          queue.Publisher
	JobsRepo        jobs.Repo
	ResultsStore    results.Store
	ProjectsStore   projects.Store
	Catalogue       *catalogue.Client
	Dispatcher      *workflow.Dispatcher
	Pipeline        *pipeline.Service
	PipelineHandler *pipeline.Handler
	Health          *health.Service

	closers []io.Closer
}

// Build prepares shared dependencies and the HTTP router.
func Build(cfg config.Config) (*App, error) {
	if strings.TrimSpace(cfg.Env) == "" {
		cfg.Env = "dev"
	}
	if strings.TrimSpace(cfg.ObjectStoreType) == "" {
		cfg.ObjectStoreType = "local"
	}
	if strings.TrimSpace(cfg.Events.Backend) == "" {
		cfg.Events.Backend = config.EventsNone
	}
	ctx := context.Background()

	sqlDB, err := buildDB(ctx, cfg)
	if err != nil {
		return nil, err
	}

	store, err := buildStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	app := &App{
		Config: cfg,
		DB:     sqlDB,
		Store:  store,
	}

	events, err := buildEvents(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if events != nil {
		app.Events = events
		if c, ok := events.(io.Closer); ok {
			app.closers = append(app.closers, c)
		}
	}

	if err := buildServices(app); err != nil {
		return nil, err
	}

	app.Router = server.NewRouter(server.RouterDeps{
		Config:          app.Config,
		PipelineHandler: app.PipelineHandler,
		Health:          app.Health,
	})

	return app, nil
}

// Close releases broker connections. The database handle is left to the caller.
func (a *App) Close() error {
	var firstErr error
	for _, c := range a.closers {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func buildDB(ctx context.Context, cfg config.Config) (*sql.DB, error) {
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		if isDevLike(cfg.Env) {
			telemetry.Warn("bootstrap.db_memory", map[string]any{
				"reason": "DATABASE_URL empty",
			})
			return nil, nil
		}
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	var (
		sqlDB *sql.DB
		err   error
	)
	if db.IsLambdaRuntime() {
		opts := db.OptionsFromEnv(db.DefaultLambdaOptions())
		sqlDB, err = db.GetSingleton(ctx, cfg.DatabaseURL, opts)
	} else {
		opts := db.OptionsFromEnv(db.DefaultServerOptions())
		sqlDB, err = db.Connect(ctx, cfg.DatabaseURL, opts)
	}
	if err != nil {
		if isDevLike(cfg.Env) {
			telemetry.Warn("bootstrap.db_memory", map[string]any{
				"reason": "connect failed",
				"error":  err.Error(),
			})
			return nil, nil
		}
		return nil, err
	}

	return sqlDB, nil
}

func buildStore(ctx context.Context, cfg config.Config) (object.ObjectStore, error) {
	switch cfg.ObjectStoreType {
	case "s3":
		return s3store.New(ctx, cfg.AWSRegion, cfg.S3Bucket, cfg.S3Prefix, cfg.SSEKMSKeyID)
	default:
		return localstore.New(cfg.LocalStoreDir), nil
	}
}

func buildEvents(ctx context.Context, cfg config.Config) (queue.Publisher, error) {
	switch cfg.Events.Backend {
	case config.EventsSQS:
		return queue.NewSQSPublisher(ctx, cfg.Events.SQSQueueURL, cfg.AWSRegion)
	case config.EventsRabbitMQ:
		return queue.DialAMQP(AMQPConfig(cfg))
	default:
		return nil, nil
	}
}

// AMQPConfig maps the events settings onto the RabbitMQ client config.
func AMQPConfig(cfg config.Config) queue.AMQPConfig {
	return queue.AMQPConfig{
		URL:        cfg.Events.RabbitMQURL,
		Exchange:   cfg.Events.RabbitMQExchange,
		Queue:      cfg.Events.RabbitMQQueue,
		RoutingKey: cfg.Events.RoutingKey,
	}
}

func isDevLike(env string) bool {
	switch strings.ToLower(strings.TrimSpace(env)) {
	case "dev", "local":
		return true
	default:
		return false
	}
}

func buildServices(app *App) error {
	var jobRepo jobs.Repo
	var resultStore results.Store
	var projectStore projects.Store

	if app.DB != nil {
		jobRepo = &jobs.PGRepo{DB: app.DB}
		resultStore = results.NewPGStore(app.DB)
		projectStore = &projects.PGStore{DB: app.DB}
	} else {
		jobRepo = jobs.NewMemoryRepo()
		resultStore = results.NewMemoryStore()
		projectStore = projects.NewMemoryStore()
	}

	cat := catalogue.NewClient(catalogue.Config{
		BaseURL:    app.Config.Catalogue.BaseURL,
		SiteURL:    app.Config.Catalogue.SiteURL,
		APIKey:     app.Config.Catalogue.APIKey,
		MaxResults: app.Config.Catalogue.MaxResults,
		TokenTTL:   app.Config.Catalogue.TokenTTL,
	})

	dispatcher, err := workflow.NewDispatcher(workflow.Config{
		BaseURL:        app.Config.Workflow.BaseURL,
		APIKey:         app.Config.Workflow.APIKey,
		SelectionPath:  app.Config.Workflow.SelectionPath,
		RefinementPath: app.Config.Workflow.RefinementPath,
	})
	if err != nil {
		return fmt.Errorf("build workflow dispatcher: %w", err)
	}
	// A nil dispatcher makes job starts report not_configured instead of failing every batch.
	var batches pipeline.BatchDispatcher
	if dispatcher.Configured() {
		batches = dispatcher
	} else {
		telemetry.Warn("bootstrap.workflow_unconfigured", map[string]any{
			"base_url_set": app.Config.Workflow.BaseURL != "",
		})
	}

	svc := &pipeline.Service{
		Jobs:       jobRepo,
		Results:    resultStore,
		Projects:   projectStore,
		Catalogue:  cat,
		Dispatcher: batches,
		Snapshots:  app.Store,
		Events:     app.Events,
		Config:     app.Config.Pipeline,
	}

	app.JobsRepo = jobRepo
	app.ResultsStore = resultStore
	app.ProjectsStore = projectStore
	app.Catalogue = cat
	app.Dispatcher = dispatcher
	app.Pipeline = svc
	app.PipelineHandler = pipeline.NewHandler(svc, app.Config.StatusStreamInterval, app.Config.CORSAllowOrigin)
	app.Health = health.NewService(app.DB)

	return nil
}
