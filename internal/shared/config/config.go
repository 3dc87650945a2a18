package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	FailurePolicyTolerate = "tolerate"
	FailurePolicyFailJob  = "fail_job"

	EventsNone     = "none"
	EventsSQS      = "sqs"
	EventsRabbitMQ = "rabbitmq"
)

// Config holds application configuration.
type Config struct {
	Port            string
	CORSAllowOrigin []string
	Env             string
	DatabaseURL     string
	LogLevel        string
	LogFormat       string

	ObjectStoreType string
	LocalStoreDir   string
	AWSRegion       string
	S3Bucket        string
	S3Prefix        string
	SSEKMSKeyID     string

	Workflow  WorkflowConfig
	Catalogue CatalogueConfig
	Pipeline  PipelineConfig
	Events    EventsConfig

	IngestAPIKey         string
	StatusStreamInterval time.Duration
}

// WorkflowConfig points at the external workflow engine.
type WorkflowConfig struct {
	BaseURL        string
	APIKey         string
	SelectionPath  string
	RefinementPath string
}

// CatalogueConfig points at the grants catalogue API.
type CatalogueConfig struct {
	BaseURL    string
	SiteURL    string
	APIKey     string
	MaxResults int
	TokenTTL   time.Duration
}

// PipelineConfig tunes batch dispatch. See ApplyPipelineFile for the YAML overlay.
type PipelineConfig struct {
	SelectionBatchSize  int
	RefinementBatchSize int
	DispatchConcurrency int
	BatchTimeout        time.Duration
	FailurePolicy       string
	AutoRefine          bool
}

// EventsConfig selects where job lifecycle events are published.
type EventsConfig struct {
	Backend          string
	SQSQueueURL      string
	RabbitMQURL      string
	RabbitMQExchange string
	RabbitMQQueue    string
	RoutingKey       string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() Config {
	// Best-effort load of local env files for dev convenience.
	loadEnvFiles(".env", "cmd/.env")

	env := normalizeEnv(getEnv("ENV", "dev"))
	dbURL := os.Getenv("DATABASE_URL")

	if env == "production" && dbURL == "" {
		log.Printf("DATABASE_URL is required in production")
	}

	cfg := Config{
		Port:            getEnv("PORT", "8080"),
		CORSAllowOrigin: splitAndTrim(getEnv("CORS_ALLOW_ORIGINS", "http://localhost:5173")),
		Env:             env,
		DatabaseURL:     dbURL,
		LogLevel:        getEnv("LOG_LEVEL", "info"),
		LogFormat:       getEnv("LOG_FORMAT", defaultLogFormat(env)),
		ObjectStoreType: normalizeStoreType(getEnv("OBJECT_STORE", "local")),
		LocalStoreDir:   getEnv("LOCAL_STORE_DIR", "./data"),
		AWSRegion:       getEnv("AWS_REGION", ""),
		S3Bucket:        getEnv("S3_BUCKET", ""),
		S3Prefix:        getEnv("S3_PREFIX", ""),
		SSEKMSKeyID:     getEnv("SSE_KMS_KEY_ID", ""),
		Workflow: WorkflowConfig{
			BaseURL:        strings.TrimRight(getEnv("WORKFLOW_BASE_URL", ""), "/"),
			APIKey:         getEnv("WORKFLOW_API_KEY", ""),
			SelectionPath:  getEnv("WORKFLOW_SELECTION_PATH", "/webhook/aideSelectionService"),
			RefinementPath: getEnv("WORKFLOW_REFINEMENT_PATH", "/webhook/refineFilteredAides"),
		},
		Catalogue: CatalogueConfig{
			BaseURL:    strings.TrimRight(getEnv("CATALOGUE_BASE_URL", "https://aides-territoires.beta.gouv.fr/api"), "/"),
			SiteURL:    strings.TrimRight(getEnv("CATALOGUE_SITE_URL", "https://aides-territoires.beta.gouv.fr"), "/"),
			APIKey:     getEnv("CATALOGUE_API_KEY", ""),
			MaxResults: getEnvInt("CATALOGUE_MAX_RESULTS", 300),
			TokenTTL:   getEnvDuration("CATALOGUE_TOKEN_TTL", 23*time.Hour),
		},
		Pipeline: PipelineConfig{
			SelectionBatchSize:  getEnvInt("SELECTION_BATCH_SIZE", 10),
			RefinementBatchSize: getEnvInt("REFINEMENT_BATCH_SIZE", 2),
			DispatchConcurrency: getEnvInt("DISPATCH_CONCURRENCY", 8),
			BatchTimeout:        getEnvDuration("BATCH_TIMEOUT", 2*time.Minute),
			FailurePolicy:       normalizeFailurePolicy(getEnv("BATCH_FAILURE_POLICY", FailurePolicyTolerate)),
			AutoRefine:          getEnvBool("AUTO_REFINE", false),
		},
		Events: EventsConfig{
			Backend:          normalizeEventsBackend(getEnv("EVENTS_BACKEND", EventsNone)),
			SQSQueueURL:      getEnv("EVENTS_SQS_QUEUE_URL", ""),
			RabbitMQURL:      getEnv("RABBITMQ_URL", ""),
			RabbitMQExchange: getEnv("RABBITMQ_EXCHANGE", "grantmatch.jobs"),
			RabbitMQQueue:    getEnv("RABBITMQ_QUEUE", "grantmatch.job-events"),
			RoutingKey:       getEnv("RABBITMQ_ROUTING_KEY", "job.event"),
		},
		IngestAPIKey:         getEnv("INGEST_API_KEY", ""),
		StatusStreamInterval: getEnvDuration("STATUS_STREAM_INTERVAL", 2*time.Second),
	}

	if path := strings.TrimSpace(os.Getenv("PIPELINE_CONFIG_FILE")); path != "" {
		overlaid, err := ApplyPipelineFile(cfg.Pipeline, path)
		if err != nil {
			log.Printf("pipeline config overlay skipped: %v", err)
		} else {
			cfg.Pipeline = overlaid
		}
	}

	return cfg
}

// Validate reports configuration errors that must stop the process.
func (c Config) Validate() error {
	var errs []error
	if c.Env == "production" && strings.TrimSpace(c.DatabaseURL) == "" {
		errs = append(errs, errors.New("DATABASE_URL is required in production"))
	}
	if c.Pipeline.SelectionBatchSize <= 0 {
		errs = append(errs, fmt.Errorf("invalid selection batch size: %d", c.Pipeline.SelectionBatchSize))
	}
	if c.Pipeline.RefinementBatchSize <= 0 {
		errs = append(errs, fmt.Errorf("invalid refinement batch size: %d", c.Pipeline.RefinementBatchSize))
	}
	if c.Pipeline.DispatchConcurrency < 0 {
		errs = append(errs, fmt.Errorf("invalid dispatch concurrency: %d", c.Pipeline.DispatchConcurrency))
	}
	switch c.Pipeline.FailurePolicy {
	case FailurePolicyTolerate, FailurePolicyFailJob:
	default:
		errs = append(errs, fmt.Errorf("unknown batch failure policy: %q", c.Pipeline.FailurePolicy))
	}
	switch c.Events.Backend {
	case EventsNone:
	case EventsSQS:
		if strings.TrimSpace(c.Events.SQSQueueURL) == "" {
			errs = append(errs, errors.New("EVENTS_SQS_QUEUE_URL is required when EVENTS_BACKEND=sqs"))
		}
	case EventsRabbitMQ:
		if strings.TrimSpace(c.Events.RabbitMQURL) == "" {
			errs = append(errs, errors.New("RABBITMQ_URL is required when EVENTS_BACKEND=rabbitmq"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown events backend: %q", c.Events.Backend))
	}
	if c.ObjectStoreType == "s3" && strings.TrimSpace(c.S3Bucket) == "" {
		errs = append(errs, errors.New("OBJECT_STORE=s3 requires S3_BUCKET"))
	}
	return errors.Join(errs...)
}

func getEnv(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

func getEnvInt(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("config env %s invalid int: %v", key, err)
		return def
	}
	return val
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	val, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("config env %s invalid duration: %v", key, err)
		return def
	}
	return val
}

func getEnvBool(key string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	val, err := strconv.ParseBool(raw)
	if err != nil {
		return def
	}
	return val
}

func splitAndTrim(raw string) []string {
	parts := strings.Split(raw, ",")
	var out []string
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func normalizeEnv(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "production", "prod":
		return "production"
	case "staging":
		return "staging"
	case "local":
		return "local"
	case "development", "dev":
		return "dev"
	default:
		return "dev"
	}
}

func normalizeStoreType(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "s3":
		return "s3"
	default:
		return "local"
	}
}

func normalizeFailurePolicy(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}

func normalizeEventsBackend(raw string) string {
	switch v := strings.ToLower(strings.TrimSpace(raw)); v {
	case "", EventsNone:
		return EventsNone
	case "amqp":
		return EventsRabbitMQ
	default:
		return v
	}
}

func defaultLogFormat(env string) string {
	if env == "dev" || env == "local" {
		return "console"
	}
	return "json"
}
