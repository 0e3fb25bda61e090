// Package config loads the orchestration service configuration from the
// environment.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	envconfig "github.com/engagement/orchestration/pkg/config"
)

type Config struct {
	ServiceName string
	HTTPPort    int
	AppEnv      string

	// Redis (event store, execution store, locks, notify fanout)
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// PostgreSQL archive
	ArchiveEnabled    bool
	DBHost            string
	DBPort            int
	DBUser            string
	DBPassword        string
	DBName            string
	DBSSLMode         string
	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxLifetime time.Duration
	DBConnMaxIdleTime time.Duration

	// Event bus
	EventChannels        []string
	ConsumerName         string
	BusMaxRetries        int64
	HandlerTimeout       time.Duration
	ClaimMinIdle         time.Duration
	PendingCheckInterval time.Duration

	// Saga
	StepTimeout       time.Duration
	CompensateTimeout time.Duration
	ExecutionTTL      time.Duration
	EngagementLockTTL time.Duration

	// External services
	LedgerServiceURL     string
	ComplianceServiceURL string
	ReportingServiceURL  string
	StorageServiceURL    string
	AdapterToken         string
	AdapterTimeout       time.Duration
	AdapterMaxAttempts   int
	BreakerThreshold     int
	BreakerCooldown      time.Duration

	// Retention windows (consumed by cmd/retention)
	EventRetention time.Duration
	SagaRetention  time.Duration

	// Auth
	InternalToken string
	MetricsToken  string

	// Tracing
	TracingEnabled  bool
	JaegerEndpoint  string
	TraceSampleRate float64

	WorkerID int64
}

func Load() *Config {
	appEnv := strings.ToLower(envconfig.GetEnv("APP_ENV", "dev"))
	return &Config{
		ServiceName: envconfig.GetEnv("SERVICE_NAME", "engagement-orchestrator"),
		HTTPPort:    envconfig.GetEnvInt("ORCHESTRATOR_HTTP_PORT", envconfig.GetEnvInt("HTTP_PORT", 8090)),
		AppEnv:      appEnv,

		RedisAddr:     envconfig.GetEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: envconfig.GetEnv("REDIS_PASSWORD", ""),
		RedisDB:       envconfig.GetEnvInt("REDIS_DB", 0),

		ArchiveEnabled:    envconfig.GetEnvBool("ARCHIVE_ENABLED", true),
		DBHost:            envconfig.GetEnv("DB_HOST", "localhost"),
		DBPort:            envconfig.GetEnvInt("DB_PORT", 5432),
		DBUser:            envconfig.GetEnv("DB_USER", "engagement"),
		DBPassword:        envconfig.GetEnv("DB_PASSWORD", "engagement123"),
		DBName:            envconfig.GetEnv("DB_NAME", "engagement"),
		DBSSLMode:         envconfig.GetEnv("DB_SSL_MODE", "disable"),
		DBMaxOpenConns:    envconfig.GetEnvInt("DB_MAX_OPEN_CONNS", 50),
		DBMaxIdleConns:    envconfig.GetEnvInt("DB_MAX_IDLE_CONNS", 10),
		DBConnMaxLifetime: envconfig.GetEnvDuration("DB_CONN_MAX_LIFETIME", 30*time.Minute),
		DBConnMaxIdleTime: envconfig.GetEnvDuration("DB_CONN_MAX_IDLE_TIME", 5*time.Minute),

		EventChannels: envconfig.GetEnvSlice("EVENT_CHANNELS", []string{
			"saga.lifecycle", "engagement.finalized", "report.rendered",
		}),
		ConsumerName:         envconfig.GetEnv("EVENT_CONSUMER_NAME", "orchestrator-1"),
		BusMaxRetries:        envconfig.GetEnvInt64("BUS_MAX_RETRIES", 3),
		HandlerTimeout:       envconfig.GetEnvDuration("BUS_HANDLER_TIMEOUT", 30*time.Second),
		ClaimMinIdle:         envconfig.GetEnvDuration("BUS_CLAIM_MIN_IDLE", 30*time.Second),
		PendingCheckInterval: envconfig.GetEnvDuration("BUS_PENDING_CHECK_INTERVAL", 30*time.Second),

		StepTimeout:       envconfig.GetEnvDuration("SAGA_STEP_TIMEOUT", 30*time.Second),
		CompensateTimeout: envconfig.GetEnvDuration("SAGA_COMPENSATE_TIMEOUT", 30*time.Second),
		ExecutionTTL:      envconfig.GetEnvDuration("SAGA_EXECUTION_TTL", 30*24*time.Hour),
		EngagementLockTTL: envconfig.GetEnvDuration("ENGAGEMENT_LOCK_TTL", 15*time.Minute),

		LedgerServiceURL:     envconfig.GetEnv("LEDGER_SERVICE_URL", "http://localhost:8091"),
		ComplianceServiceURL: envconfig.GetEnv("COMPLIANCE_SERVICE_URL", "http://localhost:8092"),
		ReportingServiceURL:  envconfig.GetEnv("REPORTING_SERVICE_URL", "http://localhost:8093"),
		StorageServiceURL:    envconfig.GetEnv("STORAGE_SERVICE_URL", "http://localhost:8094"),
		AdapterToken:         envconfig.GetEnv("ADAPTER_TOKEN", ""),
		AdapterTimeout:       envconfig.GetEnvDuration("ADAPTER_TIMEOUT", 5*time.Second),
		AdapterMaxAttempts:   envconfig.GetEnvInt("ADAPTER_MAX_ATTEMPTS", 3),
		BreakerThreshold:     envconfig.GetEnvInt("BREAKER_THRESHOLD", 5),
		BreakerCooldown:      envconfig.GetEnvDuration("BREAKER_COOLDOWN", 30*time.Second),

		EventRetention: envconfig.GetEnvDuration("EVENT_RETENTION", 7*24*time.Hour),
		SagaRetention:  envconfig.GetEnvDuration("SAGA_RETENTION", 24*time.Hour),

		InternalToken: envconfig.GetEnv("INTERNAL_TOKEN", ""),
		MetricsToken:  envconfig.GetEnv("METRICS_TOKEN", ""),

		TracingEnabled:  envconfig.GetEnvBool("TRACING_ENABLED", false),
		JaegerEndpoint:  envconfig.GetEnv("JAEGER_ENDPOINT", "http://localhost:14268/api/traces"),
		TraceSampleRate: envconfig.GetEnvFloat64("TRACE_SAMPLE_RATE", 0.1),

		WorkerID: envconfig.GetEnvInt64("WORKER_ID", 1),
	}
}

func (c *Config) Validate() error {
	if c.HTTPPort <= 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("HTTP_PORT %d out of range", c.HTTPPort)
	}
	if c.InternalToken == "" {
		return fmt.Errorf("INTERNAL_TOKEN is required")
	}
	if len(c.EventChannels) == 0 {
		return fmt.Errorf("EVENT_CHANNELS must list at least one channel")
	}
	if c.AppEnv != "dev" {
		if len(c.InternalToken) < envconfig.MinSecretLength {
			return fmt.Errorf("INTERNAL_TOKEN must be at least %d characters (APP_ENV=%s)", envconfig.MinSecretLength, c.AppEnv)
		}
		if envconfig.IsInsecureDevSecret(c.InternalToken) {
			return fmt.Errorf("INTERNAL_TOKEN must not be a dev placeholder (APP_ENV=%s)", c.AppEnv)
		}
		if c.MetricsToken != "" && envconfig.IsInsecureDevSecret(c.MetricsToken) {
			return fmt.Errorf("METRICS_TOKEN must not be a dev placeholder (APP_ENV=%s)", c.AppEnv)
		}
		if c.AdapterToken != "" && envconfig.IsInsecureDevSecret(c.AdapterToken) {
			return fmt.Errorf("ADAPTER_TOKEN must not be a dev placeholder (APP_ENV=%s)", c.AppEnv)
		}
		if c.ArchiveEnabled {
			if c.DBPassword == "" || c.DBPassword == "engagement123" {
				return fmt.Errorf("DB_PASSWORD must be explicitly set (APP_ENV=%s)", c.AppEnv)
			}
			if strings.EqualFold(c.DBSSLMode, "disable") {
				return fmt.Errorf("DB_SSL_MODE must not be disable (APP_ENV=%s)", c.AppEnv)
			}
		}
	}
	return nil
}

func (c *Config) DSN() string {
	return "host=" + c.DBHost +
		" port=" + strconv.Itoa(c.DBPort) +
		" user=" + c.DBUser +
		" password=" + c.DBPassword +
		" dbname=" + c.DBName +
		" sslmode=" + c.DBSSLMode
}
