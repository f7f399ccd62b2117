package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/caarlos0/env/v11"
	"go.uber.org/fx"
)

var Module = fx.Module("config",
	fx.Provide(NewConfig),
)

// Config holds all application configuration
type Config struct {
	// Server settings
	ServerPort    int    `env:"SERVER_PORT" envDefault:"8080"`
	ServerAddress string `env:"SERVER_ADDRESS" envDefault:"0.0.0.0"`
	Environment   string `env:"ENVIRONMENT" envDefault:"local"`
	Debug         bool   `env:"DEBUG" envDefault:"false"`
	LogLevel      string `env:"LOG_LEVEL" envDefault:"info"`

	Database  DatabaseConfig
	Redis     RedisConfig
	Storage   StorageConfig
	Embedding EmbeddingConfig
	Batch     BatchConfig
	Sync      SyncConfig
	Connector ConnectorConfig

	// Server timeouts
	ReadTimeout     time.Duration `env:"SERVER_READ_TIMEOUT" envDefault:"30s"`
	WriteTimeout    time.Duration `env:"SERVER_WRITE_TIMEOUT" envDefault:"120s"`
	IdleTimeout     time.Duration `env:"SERVER_IDLE_TIMEOUT" envDefault:"300s"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

// DatabaseConfig holds PostgreSQL connection settings
type DatabaseConfig struct {
	Host         string        `env:"DATABASE_HOST" envDefault:"localhost"`
	Port         int           `env:"DATABASE_PORT" envDefault:"5432"`
	User         string        `env:"DATABASE_USER" envDefault:"kbforge"`
	Password     string        `env:"DATABASE_PASSWORD" envDefault:""`
	Database     string        `env:"DATABASE_NAME" envDefault:"kbforge"`
	SSLMode      string        `env:"DATABASE_SSL_MODE" envDefault:"disable"`
	MaxOpenConns int           `env:"DB_MAX_OPEN_CONNS" envDefault:"20"`
	MaxIdleConns int           `env:"DB_MAX_IDLE_CONNS" envDefault:"5"`
	MaxIdleTime  time.Duration `env:"DB_MAX_IDLE_TIME" envDefault:"5m"`
	QueryDebug   bool          `env:"DB_QUERY_DEBUG" envDefault:"false"`
}

// DSN returns the PostgreSQL connection string
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Database, d.SSLMode,
	)
}

// RedisConfig holds Redis settings for caching and rate-limit coordination
type RedisConfig struct {
	URL string `env:"REDIS_URL" envDefault:""`

	// ActionCacheTTL is how long connector action results are cached
	ActionCacheTTL time.Duration `env:"ACTION_CACHE_TTL" envDefault:"5m"`
}

// IsConfigured returns true if Redis is configured
func (r *RedisConfig) IsConfigured() bool {
	return r.URL != ""
}

// StorageConfig holds blob storage (MinIO/S3) configuration
type StorageConfig struct {
	Endpoint      string `env:"STORAGE_ENDPOINT" envDefault:""`
	AccessKey     string `env:"STORAGE_ACCESS_KEY" envDefault:""`
	SecretKey     string `env:"STORAGE_SECRET_KEY" envDefault:""`
	Region        string `env:"STORAGE_REGION" envDefault:"us-east-1"`
	BucketContent string `env:"STORAGE_BUCKET_CONTENT" envDefault:"content"`
	BucketBatch   string `env:"STORAGE_BUCKET_BATCH" envDefault:"batch-inference"`
}

// IsConfigured returns true if blob storage is configured
func (s *StorageConfig) IsConfigured() bool {
	return s.Endpoint != "" && s.AccessKey != "" && s.SecretKey != ""
}

// EmbeddingConfig holds embedding provider configuration
type EmbeddingConfig struct {
	// Provider: jina | cohere | openai | bedrock | local
	Provider string `env:"EMBEDDING_PROVIDER" envDefault:"local"`

	Model       string `env:"EMBEDDING_MODEL" envDefault:""`
	Dimensions  int    `env:"EMBEDDING_DIMENSIONS" envDefault:"1024"`
	MaxModelLen int    `env:"EMBEDDING_MAX_MODEL_LEN" envDefault:"8192"`

	// Provider credentials
	APIKey   string `env:"EMBEDDING_API_KEY" envDefault:""`
	Endpoint string `env:"EMBEDDING_ENDPOINT" envDefault:""`

	// AWS settings for the Bedrock provider
	AWSRegion string `env:"AWS_REGION" envDefault:"us-east-1"`

	// Request handling
	Timeout       time.Duration `env:"EMBEDDING_TIMEOUT" envDefault:"60s"`
	MaxRetries    int           `env:"EMBEDDING_MAX_RETRIES" envDefault:"3"`
	RetryBaseWait time.Duration `env:"EMBEDDING_RETRY_BASE_WAIT" envDefault:"1s"`

	// Dispatcher
	QueueCapacity int `env:"EMBEDDING_QUEUE_CAPACITY" envDefault:"100"`

	// Default chunk size in tokens for passage chunking
	ChunkSize int `env:"EMBEDDING_CHUNK_SIZE" envDefault:"512"`
}

// BatchConfig holds batch-inference configuration (cloud-batch path and the
// online batch processor).
type BatchConfig struct {
	// Online mode
	OnlineBatchSize     int           `env:"EMBEDDING_ONLINE_BATCH_SIZE" envDefault:"10"`
	OnlinePollInterval  time.Duration `env:"EMBEDDING_ONLINE_POLL_INTERVAL" envDefault:"5s"`
	OnlineYieldInterval time.Duration `env:"EMBEDDING_ONLINE_YIELD_INTERVAL" envDefault:"100ms"`

	// Cloud-batch accumulation
	MinDocuments        int           `env:"EMBEDDING_BATCH_MIN_DOCUMENTS" envDefault:"100"`
	MaxDocuments        int           `env:"EMBEDDING_BATCH_MAX_DOCUMENTS" envDefault:"10000"`
	AccumulationTimeout time.Duration `env:"EMBEDDING_BATCH_ACCUMULATION_TIMEOUT_SECONDS" envDefault:"300s"`
	AccumulationPoll    time.Duration `env:"EMBEDDING_BATCH_ACCUMULATION_POLL_INTERVAL" envDefault:"10s"`
	MonitorPollInterval time.Duration `env:"EMBEDDING_BATCH_MONITOR_POLL_INTERVAL" envDefault:"30s"`

	// Bedrock batch inference
	BedrockBatchRoleARN string `env:"BEDROCK_BATCH_ROLE_ARN" envDefault:""`

	// Work queue
	MaxRetries int `env:"EMBEDDING_MAX_QUEUE_RETRIES" envDefault:"3"`

	// DeadLetterInterval is how often failed-but-retryable items are requeued
	DeadLetterInterval time.Duration `env:"EMBEDDING_DEAD_LETTER_INTERVAL" envDefault:"1m"`
}

// UseCloudBatch returns true if the cloud-batch path should run instead of
// the online loop.
func (b *BatchConfig) UseCloudBatch(provider string) bool {
	return provider == "bedrock" && b.BedrockBatchRoleARN != ""
}

// SyncConfig holds connector sync orchestration settings
type SyncConfig struct {
	StaleSyncTimeoutMinutes   int `env:"STALE_SYNC_TIMEOUT_MINUTES" envDefault:"30"`
	MaxConcurrentSyncs        int `env:"MAX_CONCURRENT_SYNCS" envDefault:"10"`
	MaxConcurrentSyncsPerType int `env:"MAX_CONCURRENT_SYNCS_PER_TYPE" envDefault:"3"`

	// CheckpointInterval is how many documents a connector emits between
	// state checkpoints.
	CheckpointInterval int `env:"SYNC_CHECKPOINT_INTERVAL" envDefault:"50"`

	// ReaperInterval is how often the stale-sync reaper runs
	ReaperInterval time.Duration `env:"STALE_SYNC_REAPER_INTERVAL" envDefault:"1m"`
}

// StaleSyncTimeout returns the stale timeout as a Duration
func (s *SyncConfig) StaleSyncTimeout() time.Duration {
	return time.Duration(s.StaleSyncTimeoutMinutes) * time.Minute
}

// ConnectorConfig holds settings for a connector runtime process
type ConnectorConfig struct {
	// ManagerURL is the base URL of the pipeline's SDK surface
	ManagerURL string `env:"MANAGER_URL" envDefault:"http://localhost:8080"`

	// RuntimeURL is where the Manager reaches the connector runtime to
	// start and cancel syncs
	RuntimeURL string `env:"CONNECTOR_RUNTIME_URL" envDefault:"http://localhost:8090"`

	// Port the connector runtime listens on
	Port int `env:"CONNECTOR_PORT" envDefault:"8090"`

	// RequestTimeout bounds SDK calls to the Manager
	RequestTimeout time.Duration `env:"CONNECTOR_REQUEST_TIMEOUT" envDefault:"30s"`

	// PageTimeout bounds one upstream paged API call
	PageTimeout time.Duration `env:"CONNECTOR_PAGE_TIMEOUT" envDefault:"30s"`
}

// NewConfig loads configuration from environment variables
func NewConfig(log *slog.Logger) (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	log.Info("configuration loaded",
		slog.String("environment", cfg.Environment),
		slog.Int("port", cfg.ServerPort),
		slog.String("db_host", cfg.Database.Host),
		slog.String("embedding_provider", cfg.Embedding.Provider),
	)

	return cfg, nil
}
