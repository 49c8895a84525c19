// Package config provides configuration management and environment variable handling for the application
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/amirphl/whatsapp-courier/utils"
	"github.com/joho/godotenv"
)

// ProductionConfig holds all configuration for production environment
type ProductionConfig struct {
	Database  DatabaseConfig  `json:"database"`
	Server    ServerConfig    `json:"server"`
	JWT       JWTConfig       `json:"jwt"`
	Logging   LoggingConfig   `json:"logging"`
	Metrics   MetricsConfig   `json:"metrics"`
	Cache     CacheConfig     `json:"cache"`
	Queue     QueueConfig     `json:"queue"`
	Dispatch  DispatchConfig  `json:"dispatch"`
	Dedup     DedupConfig     `json:"dedup"`
	Scheduler SchedulerConfig `json:"scheduler"`
	WhatsApp  WhatsAppConfig  `json:"whatsapp"`
	Phone     PhoneConfig     `json:"phone"`
}

type DatabaseConfig struct {
	Host            string        `json:"host"`
	Port            int           `json:"port"`
	Name            string        `json:"name"`
	User            string        `json:"user"`
	Password        string        `json:"password"`
	SSLMode         string        `json:"ssl_mode"`
	MaxOpenConns    int           `json:"max_open_conns"`
	MaxIdleConns    int           `json:"max_idle_conns"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `json:"conn_max_idle_time"`
	EnableTracing   bool          `json:"enable_tracing"`
	AutoMigrate     bool          `json:"auto_migrate"`
}

type ServerConfig struct {
	Host            string        `json:"host"`
	Port            int           `json:"port"`
	ReadTimeout     time.Duration `json:"read_timeout"`
	WriteTimeout    time.Duration `json:"write_timeout"`
	IdleTimeout     time.Duration `json:"idle_timeout"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout"`
	BodyLimit       int           `json:"body_limit"`
	GlobalRateLimit int           `json:"global_rate_limit"` // requests per minute
}

type JWTConfig struct {
	SecretKey      string        `json:"secret_key"`
	AccessTokenTTL time.Duration `json:"access_token_ttl"`
	Issuer         string        `json:"issuer"`
	Audience       string        `json:"audience"`
}

type LoggingConfig struct {
	Level      string `json:"level"`  // debug, info, warn, error
	Format     string `json:"format"` // json, text
	Output     string `json:"output"` // stdout, file, both
	FilePath   string `json:"file_path"`
	MaxSize    int    `json:"max_size"` // MB
	MaxBackups int    `json:"max_backups"`
	MaxAge     int    `json:"max_age"` // days
	Compress   bool   `json:"compress"`
}

type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type CacheConfig struct {
	Enabled        bool          `json:"enabled"`
	RedisURL       string        `json:"redis_url"`
	RedisDB        int           `json:"redis_db"`
	RedisPrefix    string        `json:"redis_prefix"`
	HealthInterval time.Duration `json:"health_interval"`
}

// QueueConfig selects the queue backend and its redrive policy
type QueueConfig struct {
	Backend           string        `json:"backend"` // storm, amqp
	StormPath         string        `json:"storm_path"`
	AMQPURL           string        `json:"amqp_url"`
	AMQPPrefetch      int           `json:"amqp_prefetch"`
	MaxReceiveCount   int           `json:"max_receive_count"`
	VisibilityTimeout time.Duration `json:"visibility_timeout"`
	LongPollWait      time.Duration `json:"long_poll_wait"`
}

type DispatchConfig struct {
	OutboundWorkers  int           `json:"outbound_workers"`
	InboundWorkers   int           `json:"inbound_workers"`
	BatchSize        int           `json:"batch_size"`
	TransportTimeout time.Duration `json:"transport_timeout"`
	BaseBackoff      time.Duration `json:"base_backoff"`
	MaxBackoff       time.Duration `json:"max_backoff"`
}

type DedupConfig struct {
	Backend      string        `json:"backend"` // redis, postgres
	TTL          time.Duration `json:"ttl"`
	SweepEnabled bool          `json:"sweep_enabled"`
}

type SchedulerConfig struct {
	DailyDispatchEnabled  bool          `json:"daily_dispatch_enabled"`
	DailyDispatchInterval time.Duration `json:"daily_dispatch_interval"`
	ReconcileInterval     time.Duration `json:"reconcile_interval"`
	Timezone              string        `json:"timezone"`
}

type WhatsAppConfig struct {
	Provider       string        `json:"provider"` // cloudapi, mock
	APIBaseURL     string        `json:"api_base_url"`
	APIVersion     string        `json:"api_version"`
	PhoneNumberID  string        `json:"phone_number_id"`
	AccessToken    string        `json:"access_token"`
	RatePerSecond  float64       `json:"rate_per_second"`
	RateBurst      int           `json:"rate_burst"`
	RequestTimeout time.Duration `json:"request_timeout"`
}

type PhoneConfig struct {
	DefaultRegion string `json:"default_region"`
}

// LoadProductionConfig loads and validates configuration from environment variables
func LoadProductionConfig() (*ProductionConfig, error) {
	// Values already present in the environment win over the .env file
	if err := godotenv.Load(getEnvString("ENV_FILE", ".env")); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}

	cfg := &ProductionConfig{
		Database: DatabaseConfig{
			Host:            getEnvString("DB_HOST", "localhost"),
			Port:            getEnvInt("DB_PORT", 5432),
			Name:            getEnvString("DB_NAME", "postgres"),
			User:            getEnvString("DB_USER", "postgres"),
			Password:        getEnvString("DB_PASSWORD", ""),
			SSLMode:         getEnvString("DB_SSL_MODE", "require"),
			MaxOpenConns:    getEnvInt("DB_MAX_OPEN_CONNS", 100),
			MaxIdleConns:    getEnvInt("DB_MAX_IDLE_CONNS", 10),
			ConnMaxLifetime: getEnvDuration("DB_CONN_MAX_LIFETIME", 30*time.Minute),
			ConnMaxIdleTime: getEnvDuration("DB_CONN_MAX_IDLE_TIME", 15*time.Minute),
			EnableTracing:   getEnvBool("DB_ENABLE_TRACING", false),
			AutoMigrate:     getEnvBool("DB_AUTO_MIGRATE", true),
		},
		Server: ServerConfig{
			Host:            getEnvString("SERVER_HOST", "0.0.0.0"),
			Port:            getEnvInt("SERVER_PORT", 8080),
			ReadTimeout:     getEnvDuration("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout:    getEnvDuration("SERVER_WRITE_TIMEOUT", 30*time.Second),
			IdleTimeout:     getEnvDuration("SERVER_IDLE_TIMEOUT", 120*time.Second),
			ShutdownTimeout: getEnvDuration("SERVER_SHUTDOWN_TIMEOUT", 30*time.Second),
			BodyLimit:       getEnvInt("SERVER_BODY_LIMIT", 16*1024*1024), // recipient uploads
			GlobalRateLimit: getEnvInt("GLOBAL_RATE_LIMIT", 2000),
		},
		JWT: JWTConfig{
			SecretKey:      getEnvString("JWT_SECRET_KEY", ""),
			AccessTokenTTL: getEnvDuration("JWT_ACCESS_TOKEN_TTL", 24*time.Hour),
			Issuer:         getEnvString("JWT_ISSUER", "whatsapp-courier"),
			Audience:       getEnvString("JWT_AUDIENCE", "whatsapp-courier-admin"),
		},
		Logging: LoggingConfig{
			Level:      getEnvString("LOG_LEVEL", "info"),
			Format:     getEnvString("LOG_FORMAT", "json"),
			Output:     getEnvString("LOG_OUTPUT", "stdout"),
			FilePath:   getEnvString("LOG_FILE_PATH", "data/courier.log"),
			MaxSize:    getEnvInt("LOG_MAX_SIZE", 100),
			MaxBackups: getEnvInt("LOG_MAX_BACKUPS", 10),
			MaxAge:     getEnvInt("LOG_MAX_AGE", 30),
			Compress:   getEnvBool("LOG_COMPRESS", true),
		},
		Metrics: MetricsConfig{
			Enabled: getEnvBool("METRICS_ENABLED", true),
			Path:    getEnvString("METRICS_PATH", "/metrics"),
		},
		Cache: CacheConfig{
			Enabled:        getEnvBool("CACHE_ENABLED", true),
			RedisURL:       getEnvString("CACHE_REDIS_URL", "redis://localhost:6379/0"),
			RedisDB:        getEnvInt("CACHE_REDIS_DB", 0),
			RedisPrefix:    getEnvString("CACHE_REDIS_PREFIX", "courier:"),
			HealthInterval: getEnvDuration("CACHE_HEALTH_INTERVAL", 30*time.Second),
		},
		Queue: QueueConfig{
			Backend:           getEnvString("QUEUE_BACKEND", "storm"),
			StormPath:         getEnvString("QUEUE_STORM_PATH", "data/queues.db"),
			AMQPURL:           getEnvString("QUEUE_AMQP_URL", ""),
			AMQPPrefetch:      getEnvInt("QUEUE_AMQP_PREFETCH", 100),
			MaxReceiveCount:   getEnvInt("QUEUE_MAX_RECEIVE_COUNT", utils.DefaultMaxReceiveCount),
			VisibilityTimeout: getEnvDuration("QUEUE_VISIBILITY_TIMEOUT", utils.DefaultVisibilityTimeout),
			LongPollWait:      getEnvDuration("QUEUE_LONG_POLL_WAIT", utils.DefaultLongPollWait),
		},
		Dispatch: DispatchConfig{
			OutboundWorkers:  getEnvInt("DISPATCH_OUTBOUND_WORKERS", 8),
			InboundWorkers:   getEnvInt("DISPATCH_INBOUND_WORKERS", 4),
			BatchSize:        getEnvInt("DISPATCH_BATCH_SIZE", 10),
			TransportTimeout: getEnvDuration("DISPATCH_TRANSPORT_TIMEOUT", 15*time.Second),
			BaseBackoff:      getEnvDuration("DISPATCH_BASE_BACKOFF", 30*time.Second),
			MaxBackoff:       getEnvDuration("DISPATCH_MAX_BACKOFF", 15*time.Minute),
		},
		Dedup: DedupConfig{
			Backend:      getEnvString("DEDUP_BACKEND", "redis"),
			TTL:          getEnvDuration("DEDUP_TTL", utils.DefaultDedupTTL),
			SweepEnabled: getEnvBool("DEDUP_SWEEP_ENABLED", true),
		},
		Scheduler: SchedulerConfig{
			DailyDispatchEnabled:  getEnvBool("SCHEDULER_DAILY_DISPATCH_ENABLED", true),
			DailyDispatchInterval: getEnvDuration("SCHEDULER_DAILY_DISPATCH_INTERVAL", 10*time.Minute),
			ReconcileInterval:     getEnvDuration("SCHEDULER_RECONCILE_INTERVAL", 15*time.Minute),
			Timezone:              getEnvString("SCHEDULER_TIMEZONE", "UTC"),
		},
		WhatsApp: WhatsAppConfig{
			Provider:       getEnvString("WHATSAPP_PROVIDER", "mock"),
			APIBaseURL:     getEnvString("WHATSAPP_API_BASE_URL", "https://graph.facebook.com"),
			APIVersion:     getEnvString("WHATSAPP_API_VERSION", "v20.0"),
			PhoneNumberID:  getEnvString("WHATSAPP_PHONE_NUMBER_ID", ""),
			AccessToken:    getEnvString("WHATSAPP_ACCESS_TOKEN", ""),
			RatePerSecond:  getEnvFloat("WHATSAPP_RATE_PER_SECOND", 50),
			RateBurst:      getEnvInt("WHATSAPP_RATE_BURST", 10),
			RequestTimeout: getEnvDuration("WHATSAPP_REQUEST_TIMEOUT", 10*time.Second),
		},
		Phone: PhoneConfig{
			DefaultRegion: getEnvString("PHONE_DEFAULT_REGION", utils.DefaultRegion),
		},
	}

	if err := ValidateProductionConfig(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Location resolves the scheduler timezone; calendar days are evaluated in it
func (c SchedulerConfig) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Helper functions for environment variable parsing
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// ValidateProductionConfig validates the production configuration
func ValidateProductionConfig(cfg *ProductionConfig) error {
	var errors []string

	// Validate database configuration
	if cfg.Database.Host == "" {
		errors = append(errors, "DB_HOST is required")
	}
	if cfg.Database.Port <= 0 || cfg.Database.Port > 65535 {
		errors = append(errors, "DB_PORT must be between 1 and 65535")
	}
	if cfg.Database.Name == "" {
		errors = append(errors, "DB_NAME is required")
	}
	if cfg.Database.User == "" {
		errors = append(errors, "DB_USER is required")
	}

	// Validate JWT configuration
	if len(cfg.JWT.SecretKey) < 32 {
		errors = append(errors, "JWT_SECRET_KEY must be at least 32 characters long")
	}
	if cfg.JWT.AccessTokenTTL <= 0 {
		errors = append(errors, "JWT_ACCESS_TOKEN_TTL must be positive")
	}

	// Validate server configuration
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errors = append(errors, "SERVER_PORT must be between 1 and 65535")
	}

	// Validate logging configuration
	switch cfg.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		errors = append(errors, "LOG_LEVEL must be one of: [debug info warn error]")
	}
	switch cfg.Logging.Output {
	case "stdout":
	case "file", "both":
		if cfg.Logging.FilePath == "" {
			errors = append(errors, "LOG_FILE_PATH is required when LOG_OUTPUT writes to a file")
		}
	default:
		errors = append(errors, "LOG_OUTPUT must be one of: [stdout file both]")
	}

	// Validate queue configuration
	switch cfg.Queue.Backend {
	case "storm":
		if cfg.Queue.StormPath == "" {
			errors = append(errors, "QUEUE_STORM_PATH is required for the storm queue backend")
		}
	case "amqp":
		if cfg.Queue.AMQPURL == "" {
			errors = append(errors, "QUEUE_AMQP_URL is required for the amqp queue backend")
		}
	default:
		errors = append(errors, "QUEUE_BACKEND must be one of: [storm amqp]")
	}
	if cfg.Queue.MaxReceiveCount < 1 {
		errors = append(errors, "QUEUE_MAX_RECEIVE_COUNT must be at least 1")
	}
	if batchBudget := time.Duration(max(cfg.Dispatch.BatchSize, 1)) * cfg.Dispatch.TransportTimeout; cfg.Queue.VisibilityTimeout <= batchBudget {
		errors = append(errors, fmt.Sprintf("QUEUE_VISIBILITY_TIMEOUT must exceed DISPATCH_BATCH_SIZE * DISPATCH_TRANSPORT_TIMEOUT (%s)", batchBudget))
	}
	if cfg.Queue.LongPollWait <= 0 {
		errors = append(errors, "QUEUE_LONG_POLL_WAIT must be positive")
	}

	// Validate dispatch configuration
	if cfg.Dispatch.OutboundWorkers < 1 || cfg.Dispatch.InboundWorkers < 1 {
		errors = append(errors, "DISPATCH_OUTBOUND_WORKERS and DISPATCH_INBOUND_WORKERS must be at least 1")
	}
	if cfg.Dispatch.BatchSize < 1 {
		errors = append(errors, "DISPATCH_BATCH_SIZE must be at least 1")
	}
	if cfg.Dispatch.TransportTimeout <= 0 {
		errors = append(errors, "DISPATCH_TRANSPORT_TIMEOUT must be positive")
	}
	if cfg.Dispatch.BaseBackoff <= 0 || cfg.Dispatch.MaxBackoff < cfg.Dispatch.BaseBackoff {
		errors = append(errors, "DISPATCH_MAX_BACKOFF must be at least DISPATCH_BASE_BACKOFF and both positive")
	}

	// Validate dedup configuration
	switch cfg.Dedup.Backend {
	case "redis":
		if !cfg.Cache.Enabled || cfg.Cache.RedisURL == "" {
			errors = append(errors, "CACHE_REDIS_URL is required when DEDUP_BACKEND is redis")
		}
	case "postgres":
	default:
		errors = append(errors, "DEDUP_BACKEND must be one of: [redis postgres]")
	}
	if cfg.Dedup.TTL <= cfg.Queue.VisibilityTimeout {
		errors = append(errors, "DEDUP_TTL must exceed QUEUE_VISIBILITY_TIMEOUT")
	}

	// Validate scheduler configuration
	if _, err := time.LoadLocation(cfg.Scheduler.Timezone); err != nil {
		errors = append(errors, fmt.Sprintf("SCHEDULER_TIMEZONE is invalid: %v", err))
	}
	if cfg.Scheduler.DailyDispatchInterval <= 0 {
		errors = append(errors, "SCHEDULER_DAILY_DISPATCH_INTERVAL must be positive")
	}

	// Validate WhatsApp configuration
	if cfg.WhatsApp.Provider != "mock" {
		if cfg.WhatsApp.PhoneNumberID == "" {
			errors = append(errors, "WHATSAPP_PHONE_NUMBER_ID is required for the WhatsApp provider")
		}
		if cfg.WhatsApp.AccessToken == "" {
			errors = append(errors, "WHATSAPP_ACCESS_TOKEN is required for the WhatsApp provider")
		}
	}
	if cfg.WhatsApp.RatePerSecond <= 0 {
		errors = append(errors, "WHATSAPP_RATE_PER_SECOND must be positive")
	}

	// Return validation errors if any
	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errors, "; "))
	}

	return nil
}
