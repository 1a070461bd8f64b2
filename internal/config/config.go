// Package config handles application configuration from environment variables
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/antifraudhub/antifraudhub/internal/decision"
	"github.com/antifraudhub/antifraudhub/internal/security"
	"github.com/antifraudhub/antifraudhub/internal/worker"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Role of this process
	WorkerMode worker.Mode

	// Prediction store (PostgreSQL, optional: in-memory if not set)
	DatabaseURL string

	// Decision policy
	ReviewThreshold float64
	BlockThreshold  float64

	// Classifier artifact
	ModelPath string

	// Raw feature source
	FeatureSource    string // "clickhouse" or "fixtures"
	FixturesPath     string // JSON rows, used when FeatureSource is "fixtures"
	ClickHouse       ClickHouseConfig
	ActiveWindowDays int // who is active (batch)
	FeatureWindow    int // aggregation horizon for batch rows, days
	UserFeatureDays  int // aggregation horizon for single-user rows, days

	// Gateway (api mode)
	RealtimeURL     string
	BatchURL        string
	RealtimeTimeout time.Duration
	BatchTimeout    time.Duration

	// Identity
	AuthEnabled    bool
	JWTSecret      string
	AccessTokenTTL time.Duration
	AdminEmail     string // bootstrap admin created at startup when set
	AdminPassword  string

	// Rate limiting
	RedisURL     string // optional: shared limiter across replicas
	RateLimitRPM int

	// Public api CORS
	CORSOrigins []string

	// Tracing
	OTLPEndpoint string
}

// ClickHouseConfig holds analytical store connection parameters.
type ClickHouseConfig struct {
	Host        string
	Port        int
	User        string
	Password    string
	Database    string
	DialTimeout time.Duration
	ReadTimeout time.Duration
}

// Addr returns host:port.
func (c ClickHouseConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

const (
	DefaultPort            = "8000"
	DefaultEnv             = "development"
	DefaultLogLevel        = "info"
	DefaultLogFormat       = "text"
	DefaultWorkerMode      = "realtime"
	DefaultModelPath       = "models/fraud_model.json"
	DefaultFeatureSource   = "clickhouse"
	DefaultClickHousePort  = 9000
	DefaultClickHouseDB    = "dbt_mart"
	DefaultActiveDays      = 7
	DefaultFeatureDays     = 90
	DefaultUserFeatureDays = 90
	DefaultRealtimeURL     = "http://antifraud-realtime:8000/internal/fraud"
	DefaultBatchURL        = "http://antifraud-batch:8000/internal/fraud"
	DefaultRealtimeTimeout = 30 * time.Second
	DefaultBatchTimeout    = 300 * time.Second
	DefaultAccessTokenTTL  = 120 * time.Minute
	DefaultRateLimit       = 120
)

// StartupError is a configuration problem that must stop the process.
type StartupError struct {
	Key string
	Err error
}

func (e *StartupError) Error() string {
	return fmt.Sprintf("startup configuration error: %s: %v", e.Key, e.Err)
}

func (e *StartupError) Unwrap() error { return e.Err }

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	mode, err := worker.ParseMode(getEnv("WORKER_MODE", DefaultWorkerMode))
	if err != nil {
		return nil, &StartupError{Key: "WORKER_MODE", Err: err}
	}

	review, err := getEnvFloat("FRAUD_REVIEW_THRESHOLD", decision.DefaultReviewThreshold)
	if err != nil {
		return nil, err
	}
	block, err := getEnvFloat("FRAUD_BLOCK_THRESHOLD", decision.DefaultBlockThreshold)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Port:            getEnv("PORT", DefaultPort),
		Env:             getEnv("ENV", DefaultEnv),
		LogLevel:        getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:       getEnv("LOG_FORMAT", DefaultLogFormat),
		WorkerMode:      mode,
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		ReviewThreshold: review,
		BlockThreshold:  block,
		ModelPath:       getEnv("MODEL_PATH", DefaultModelPath),
		FeatureSource:   strings.ToLower(getEnv("FEATURE_SOURCE", DefaultFeatureSource)),
		FixturesPath:    os.Getenv("FEATURE_FIXTURES_PATH"),
		ClickHouse: ClickHouseConfig{
			Host:        os.Getenv("CLICK_HOST"),
			Port:        int(getEnvInt64("CLICK_PORT", DefaultClickHousePort)),
			User:        getEnv("CLICK_USER", "default"),
			Password:    os.Getenv("CLICK_PASSWORD"),
			Database:    getEnv("CLICK_DATABASE", DefaultClickHouseDB),
			DialTimeout: getEnvDuration("CLICK_DIAL_TIMEOUT", 10*time.Second),
			ReadTimeout: getEnvDuration("CLICK_READ_TIMEOUT", 5*time.Minute),
		},
		ActiveWindowDays: int(getEnvInt64("ACTIVE_WINDOW_DAYS", DefaultActiveDays)),
		FeatureWindow:    int(getEnvInt64("FEATURE_WINDOW_DAYS", DefaultFeatureDays)),
		UserFeatureDays:  int(getEnvInt64("USER_FEATURE_WINDOW_DAYS", DefaultUserFeatureDays)),
		RealtimeURL:      strings.TrimRight(getEnv("REALTIME_URL", DefaultRealtimeURL), "/"),
		BatchURL:         strings.TrimRight(getEnv("BATCH_URL", DefaultBatchURL), "/"),
		RealtimeTimeout:  getEnvDuration("REALTIME_TIMEOUT", DefaultRealtimeTimeout),
		BatchTimeout:     getEnvDuration("BATCH_TIMEOUT", DefaultBatchTimeout),
		AuthEnabled:      getEnvBool("AUTH_ENABLED", false),
		JWTSecret:        os.Getenv("JWT_SECRET"),
		AccessTokenTTL:   getEnvDuration("ACCESS_TOKEN_TTL", DefaultAccessTokenTTL),
		AdminEmail:       os.Getenv("ADMIN_EMAIL"),
		AdminPassword:    os.Getenv("ADMIN_PASSWORD"),
		RedisURL:         os.Getenv("REDIS_URL"),
		RateLimitRPM:     int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimit)),
		CORSOrigins:      splitList(os.Getenv("CORS_ALLOWED_ORIGINS")),
		OTLPEndpoint:     os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Thresholds returns the configured decision policy.
func (c *Config) Thresholds() decision.Thresholds {
	return decision.Thresholds{Review: c.ReviewThreshold, Block: c.BlockThreshold}
}

// Validate checks that the configuration is complete for the selected mode.
// Every failure is a *StartupError.
func (c *Config) Validate() error {
	if _, err := worker.ParseMode(string(c.WorkerMode)); err != nil {
		return &StartupError{Key: "WORKER_MODE", Err: err}
	}

	if err := c.Thresholds().Validate(); err != nil {
		return &StartupError{Key: "FRAUD_REVIEW_THRESHOLD/FRAUD_BLOCK_THRESHOLD", Err: err}
	}

	switch c.WorkerMode {
	case worker.ModeAPI:
		if c.RealtimeURL == "" || c.BatchURL == "" {
			return &StartupError{Key: "REALTIME_URL/BATCH_URL", Err: errors.New("both worker URLs are required in api mode")}
		}
		if err := security.ValidateUpstreamURL(c.RealtimeURL); err != nil {
			return &StartupError{Key: "REALTIME_URL", Err: err}
		}
		if err := security.ValidateUpstreamURL(c.BatchURL); err != nil {
			return &StartupError{Key: "BATCH_URL", Err: err}
		}
		if c.RealtimeTimeout <= 0 || c.BatchTimeout <= 0 {
			return &StartupError{Key: "REALTIME_TIMEOUT/BATCH_TIMEOUT", Err: errors.New("timeouts must be positive")}
		}
		if c.AuthEnabled && c.JWTSecret == "" {
			return &StartupError{Key: "JWT_SECRET", Err: errors.New("required when AUTH_ENABLED=true")}
		}
		if (c.AdminEmail == "") != (c.AdminPassword == "") {
			return &StartupError{Key: "ADMIN_EMAIL/ADMIN_PASSWORD", Err: errors.New("set both or neither")}
		}
	case worker.ModeRealtime, worker.ModeBatch:
		if c.ModelPath == "" {
			return &StartupError{Key: "MODEL_PATH", Err: errors.New("required on scoring workers")}
		}
		switch c.FeatureSource {
		case "clickhouse":
			if c.ClickHouse.Host == "" {
				return &StartupError{Key: "CLICK_HOST", Err: errors.New("required when FEATURE_SOURCE=clickhouse")}
			}
		case "fixtures":
			if c.FixturesPath == "" {
				return &StartupError{Key: "FEATURE_FIXTURES_PATH", Err: errors.New("required when FEATURE_SOURCE=fixtures")}
			}
		default:
			return &StartupError{Key: "FEATURE_SOURCE", Err: fmt.Errorf("unknown source %q", c.FeatureSource)}
		}
		if c.ActiveWindowDays <= 0 || c.FeatureWindow <= 0 || c.UserFeatureDays <= 0 {
			return &StartupError{Key: "ACTIVE_WINDOW_DAYS/FEATURE_WINDOW_DAYS", Err: errors.New("windows must be positive")}
		}
	}

	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

// getEnvFloat is strict: a malformed threshold must not silently fall back.
func getEnvFloat(key string, defaultValue float64) (float64, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return 0, &StartupError{Key: key, Err: fmt.Errorf("not a number: %q", value)}
	}
	return f, nil
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go durations ("45s") or bare seconds ("45").
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
