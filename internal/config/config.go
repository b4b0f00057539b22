// Package config loads the agentsaga service configuration.
package config

import (
	"fmt"
	"net/url"
	"strconv"
	"time"

	envconfig "github.com/agentops/platform/pkg/config"
)

type Config struct {
	ServiceName string
	Env         string
	OpsPort     int
	LogLevel    string

	// PostgreSQL
	DBHost         string
	DBPort         int
	DBUser         string
	DBPassword     string
	DBName         string
	DBSSLMode      string
	DBMaxOpenConns int

	// Redis
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Weaviate
	WeaviateHost   string
	WeaviateScheme string
	WeaviateAPIKey string
	WeaviateClass  string

	// Badger
	BadgerPath     string
	BadgerInMemory bool

	// Session cache TTL bounds
	SessionTTL    time.Duration
	SessionMinTTL time.Duration
	SessionMaxTTL time.Duration

	// Saga journal
	JournalPrefix string
	JournalTTL    time.Duration
	SweepSchedule string
	StuckAfter    time.Duration

	TracingEnabled    bool
	TracingEndpoint   string
	TracingInsecure   bool
	TracingSampleRate float64

	AuditQueueSize  int
	WorkerID        int64
	ShutdownTimeout time.Duration
}

func Load() *Config {
	return &Config{
		ServiceName: envconfig.GetEnv("SERVICE_NAME", "agentsaga"),
		Env:         envconfig.GetEnv("APP_ENV", "dev"),
		OpsPort:     envconfig.GetEnvInt("OPS_PORT", 9102),
		LogLevel:    envconfig.GetEnv("LOG_LEVEL", "info"),

		DBHost:         envconfig.GetEnv("DB_HOST", "localhost"),
		DBPort:         envconfig.GetEnvInt("DB_PORT", 5432),
		DBUser:         envconfig.GetEnv("DB_USER", "agentops"),
		DBPassword:     envconfig.GetEnv("DB_PASSWORD", "dev-postgres-password-change-me"),
		DBName:         envconfig.GetEnv("DB_NAME", "agentops"),
		DBSSLMode:      envconfig.GetEnv("DB_SSLMODE", "disable"),
		DBMaxOpenConns: envconfig.GetEnvInt("DB_MAX_OPEN_CONNS", 20),

		RedisAddr:     envconfig.GetEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: envconfig.GetEnv("REDIS_PASSWORD", ""),
		RedisDB:       envconfig.GetEnvInt("REDIS_DB", 0),

		WeaviateHost:   envconfig.GetEnv("WEAVIATE_HOST", "localhost:8080"),
		WeaviateScheme: envconfig.GetEnv("WEAVIATE_SCHEME", "http"),
		WeaviateAPIKey: envconfig.GetEnv("WEAVIATE_API_KEY", ""),
		WeaviateClass:  envconfig.GetEnv("WEAVIATE_CLASS", "AgentEmbedding"),

		BadgerPath:     envconfig.GetEnv("BADGER_PATH", "./data/graph"),
		BadgerInMemory: envconfig.GetEnvBool("BADGER_IN_MEMORY", false),

		SessionTTL:    envconfig.GetEnvDuration("SESSION_TTL", time.Hour),
		SessionMinTTL: envconfig.GetEnvDuration("SESSION_MIN_TTL", time.Minute),
		SessionMaxTTL: envconfig.GetEnvDuration("SESSION_MAX_TTL", 24*time.Hour),

		JournalPrefix: envconfig.GetEnv("JOURNAL_PREFIX", "saga:"),
		JournalTTL:    envconfig.GetEnvDuration("JOURNAL_TTL", 7*24*time.Hour),
		SweepSchedule: envconfig.GetEnv("SWEEP_SCHEDULE", "@every 1m"),
		StuckAfter:    envconfig.GetEnvDuration("SAGA_STUCK_AFTER", 5*time.Minute),

		TracingEnabled:    envconfig.GetEnvBool("TRACING_ENABLED", false),
		TracingEndpoint:   envconfig.GetEnv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
		TracingInsecure:   envconfig.GetEnvBool("OTEL_EXPORTER_OTLP_INSECURE", true),
		TracingSampleRate: envconfig.GetEnvFloat64("TRACING_SAMPLE_RATE", 0.1),

		AuditQueueSize:  envconfig.GetEnvInt("AUDIT_QUEUE_SIZE", 1024),
		WorkerID:        envconfig.GetEnvInt64("WORKER_ID", 1),
		ShutdownTimeout: envconfig.GetEnvDuration("SHUTDOWN_TIMEOUT", 15*time.Second),
	}
}

// Validate rejects settings that cannot work and, outside dev, placeholder
// credentials.
func (c *Config) Validate() error {
	if c.SessionMinTTL <= 0 || c.SessionMaxTTL < c.SessionMinTTL {
		return fmt.Errorf("session ttl bounds invalid: min=%s max=%s", c.SessionMinTTL, c.SessionMaxTTL)
	}
	if c.SessionTTL < c.SessionMinTTL || c.SessionTTL > c.SessionMaxTTL {
		return fmt.Errorf("SESSION_TTL %s outside [%s, %s]", c.SessionTTL, c.SessionMinTTL, c.SessionMaxTTL)
	}
	if c.StuckAfter <= 0 {
		return fmt.Errorf("SAGA_STUCK_AFTER must be positive")
	}
	if c.WorkerID < 0 || c.WorkerID > 1023 {
		return fmt.Errorf("WORKER_ID %d outside [0, 1023]", c.WorkerID)
	}
	if !c.BadgerInMemory && c.BadgerPath == "" {
		return fmt.Errorf("BADGER_PATH is required unless BADGER_IN_MEMORY is set")
	}
	if c.Env == "dev" {
		return nil
	}
	if envconfig.IsInsecureDevSecret(c.DBPassword) || len(c.DBPassword) < envconfig.MinSecretLength {
		return fmt.Errorf("DB_PASSWORD is a placeholder or shorter than %d bytes", envconfig.MinSecretLength)
	}
	if c.WeaviateAPIKey != "" && envconfig.IsInsecureDevSecret(c.WeaviateAPIKey) {
		return fmt.Errorf("WEAVIATE_API_KEY is a placeholder")
	}
	return nil
}

// DSN returns the lib/pq connection string.
func (c *Config) DSN() string {
	return "host=" + c.DBHost +
		" port=" + strconv.Itoa(c.DBPort) +
		" user=" + c.DBUser +
		" password=" + c.DBPassword +
		" dbname=" + c.DBName +
		" sslmode=" + c.DBSSLMode
}

// WeaviateReadyURL is the readiness endpoint probed by the health check.
func (c *Config) WeaviateReadyURL() string {
	u := url.URL{Scheme: c.WeaviateScheme, Host: c.WeaviateHost, Path: "/v1/.well-known/ready"}
	return u.String()
}
