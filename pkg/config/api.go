package config

import "time"

// RedisConfig locates the Redis instance backing the job queue and log relay.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// QueueConfig tunes the durable deployment queue.
type QueueConfig struct {
	Name          string
	Prefix        string
	MaxAttempts   int
	LeaseDuration time.Duration
	PollInterval  time.Duration
	ReapInterval  time.Duration
}

// APIConfig holds runtime configuration for the API service.
type APIConfig struct {
	Environment       string
	Addr              string
	LogLevel          string
	DatabaseURL       string
	MigrationsDir     string
	Redis             RedisConfig
	Queue             QueueConfig
	BaseDomain        string
	DefaultOwnerID    string
	LogHistoryLimit   int
	DeployRateLimit   int
	EmbedWorker       bool
	ReconcileInterval time.Duration
	DeploymentTTL     time.Duration
}

// LoadAPIConfig constructs an APIConfig from environment variables.
func LoadAPIConfig() APIConfig {
	return APIConfig{
		Environment:       GetString("APP_ENV", "development"),
		Addr:              GetString("API_ADDR", ":9000"),
		LogLevel:          GetString("LOG_LEVEL", "info"),
		DatabaseURL:       GetString("DATABASE_URL", "postgres://devport:devport@db:5432/devport?sslmode=disable"),
		MigrationsDir:     GetString("DB_MIGRATIONS_DIR", ""),
		Redis:             loadRedisConfig(),
		Queue:             loadQueueConfig(),
		BaseDomain:        GetString("BASE_DOMAIN", "localhost:8000"),
		DefaultOwnerID:    GetString("DEFAULT_OWNER_ID", "00000000-0000-0000-0000-000000000001"),
		LogHistoryLimit:   GetInt("LOG_HISTORY_LIMIT", 1000),
		DeployRateLimit:   GetInt("DEPLOY_RATE_LIMIT_PER_MIN", 30),
		EmbedWorker:       GetBool("API_EMBED_WORKER", false),
		ReconcileInterval: GetDuration("RECONCILE_INTERVAL", time.Minute),
		DeploymentTTL:     GetDuration("DEPLOYMENT_TTL", 2*time.Hour),
	}
}

func loadRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:     GetString("REDIS_ADDR", "redis:6379"),
		Password: GetString("REDIS_PASSWORD", ""),
		DB:       GetInt("REDIS_DB", 0),
	}
}

func loadQueueConfig() QueueConfig {
	return QueueConfig{
		Name:          GetString("QUEUE_NAME", "deployments"),
		Prefix:        GetString("QUEUE_PREFIX", "devport:queue"),
		MaxAttempts:   GetInt("QUEUE_MAX_ATTEMPTS", 3),
		LeaseDuration: GetDuration("QUEUE_LEASE", time.Minute),
		PollInterval:  GetDuration("QUEUE_POLL_INTERVAL", time.Second),
		ReapInterval:  GetDuration("QUEUE_REAP_INTERVAL", 15*time.Second),
	}
}
