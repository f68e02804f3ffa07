package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/observatoryhq/observatory/pkg/models"
)

// Config holds all configuration for the Observatory job execution core.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	RateLimit RateLimitConfig
	Queue     QueueConfig
	Jobs      JobsConfig
	Worker    WorkerConfig
	Results   ResultsConfig
	Analyzer  AnalyzerConfig
	Webhook   WebhookConfig
}

type ServerConfig struct {
	Port int
	Env  string
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	URL string
}

// RateLimitConfig carries the per-tier quotas. Values are requests per
// window; the limit itself is inclusive.
type RateLimitConfig struct {
	PublicPerMinute  int
	PublicPerDay     int
	KeyedPerMinute   int
	KeyedPerDay      int
	PartnerPerMinute int
	PartnerPerDay    int
}

type QueueConfig struct {
	MaxBatchSize   int
	MaxQueueSize   int
	DequeueTimeout time.Duration
	MaxRetries     int
	RetryBaseWait  time.Duration
}

type JobsConfig struct {
	AnalysisTimeout time.Duration
	CancelGrace     time.Duration
}

type WorkerConfig struct {
	Count       int
	PollTimeout time.Duration
}

type ResultsConfig struct {
	ResultTTL   time.Duration
	MetadataTTL time.Duration
}

type AnalyzerConfig struct {
	BaseURL               string
	Model                 string
	Timeout               time.Duration
	MaxConversationLength int
}

// WebhookConfig controls batch event notifications. Secret is optional; when
// set, deliveries carry an HMAC-SHA256 signature header.
type WebhookConfig struct {
	Timeout    time.Duration
	Secret     string
	MaxRetries int
}

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port: envInt("OBSERVATORY_PORT", 8080),
			Env:  envString("OBSERVATORY_ENV", "development"),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		RateLimit: RateLimitConfig{
			PublicPerMinute:  envInt("RATE_LIMIT_PUBLIC_PER_MINUTE", 10),
			PublicPerDay:     envInt("RATE_LIMIT_PUBLIC_PER_DAY", 500),
			KeyedPerMinute:   envInt("RATE_LIMIT_KEYED_PER_MINUTE", 60),
			KeyedPerDay:      envInt("RATE_LIMIT_KEYED_PER_DAY", 5000),
			PartnerPerMinute: envInt("RATE_LIMIT_PARTNER_PER_MINUTE", 600),
			PartnerPerDay:    envInt("RATE_LIMIT_PARTNER_PER_DAY", 50000),
		},
		Queue: QueueConfig{
			MaxBatchSize:   envInt("QUEUE_MAX_BATCH_SIZE", 1000),
			MaxQueueSize:   envInt("QUEUE_MAX_SIZE", 10000),
			DequeueTimeout: envDurationSecs("QUEUE_DEQUEUE_TIMEOUT_SECS", 5*time.Second),
			MaxRetries:     envInt("QUEUE_MAX_RETRIES", 3),
			RetryBaseWait:  envDuration("QUEUE_RETRY_BASE_WAIT", 100*time.Millisecond),
		},
		Jobs: JobsConfig{
			AnalysisTimeout: envDurationSecs("ANALYSIS_TIMEOUT_SECS", 30*time.Second),
			CancelGrace:     envDuration("JOB_CANCEL_GRACE", 5*time.Second),
		},
		Worker: WorkerConfig{
			Count:       envInt("WORKER_COUNT", 2),
			PollTimeout: envDurationSecs("WORKER_POLL_TIMEOUT_SECS", 5*time.Second),
		},
		Results: ResultsConfig{
			ResultTTL:   envDuration("RESULTS_TTL", 30*24*time.Hour),
			MetadataTTL: envDuration("METADATA_TTL", 90*24*time.Hour),
		},
		Analyzer: AnalyzerConfig{
			BaseURL:               envString("ANALYZER_BASE_URL", "http://localhost:11434"),
			Model:                 envString("ANALYZER_MODEL", "observer"),
			Timeout:               envDurationSecs("ANALYZER_TIMEOUT_SECS", 30*time.Second),
			MaxConversationLength: envInt("MAX_CONVERSATION_LENGTH", 10000),
		},
		Webhook: WebhookConfig{
			Timeout:    envDurationSecs("WEBHOOK_TIMEOUT_SECS", 10*time.Second),
			Secret:     os.Getenv("WEBHOOK_SECRET"),
			MaxRetries: envInt("WEBHOOK_MAX_RETRIES", 0),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Quotas converts the rate-limit config into per-tier quota records.
func (c *Config) Quotas() map[string]models.TierQuota {
	return map[string]models.TierQuota{
		models.TierPublic: {
			Tier:              models.TierPublic,
			RequestsPerMinute: c.RateLimit.PublicPerMinute,
			RequestsPerDay:    c.RateLimit.PublicPerDay,
		},
		models.TierKeyed: {
			Tier:              models.TierKeyed,
			RequestsPerMinute: c.RateLimit.KeyedPerMinute,
			RequestsPerDay:    c.RateLimit.KeyedPerDay,
		},
		models.TierPartner: {
			Tier:              models.TierPartner,
			RequestsPerMinute: c.RateLimit.PartnerPerMinute,
			RequestsPerDay:    c.RateLimit.PartnerPerDay,
		},
	}
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if c.Queue.MaxBatchSize <= 0 {
		return fmt.Errorf("QUEUE_MAX_BATCH_SIZE must be positive, got %d", c.Queue.MaxBatchSize)
	}
	if c.Queue.MaxQueueSize <= 0 {
		return fmt.Errorf("QUEUE_MAX_SIZE must be positive, got %d", c.Queue.MaxQueueSize)
	}

	if c.Worker.Count <= 0 {
		return fmt.Errorf("WORKER_COUNT must be positive, got %d", c.Worker.Count)
	}

	limits := []struct {
		name  string
		value int
	}{
		{"RATE_LIMIT_PUBLIC_PER_MINUTE", c.RateLimit.PublicPerMinute},
		{"RATE_LIMIT_PUBLIC_PER_DAY", c.RateLimit.PublicPerDay},
		{"RATE_LIMIT_KEYED_PER_MINUTE", c.RateLimit.KeyedPerMinute},
		{"RATE_LIMIT_KEYED_PER_DAY", c.RateLimit.KeyedPerDay},
		{"RATE_LIMIT_PARTNER_PER_MINUTE", c.RateLimit.PartnerPerMinute},
		{"RATE_LIMIT_PARTNER_PER_DAY", c.RateLimit.PartnerPerDay},
	}
	for _, l := range limits {
		if l.value <= 0 {
			return fmt.Errorf("%s must be positive, got %d", l.name, l.value)
		}
	}

	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

func envDurationSecs(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	secs, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return time.Duration(secs) * time.Second
}
