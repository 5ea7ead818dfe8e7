package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

const (
	StorageBackendPostgres = "postgres"
	StorageBackendMongo    = "mongo"
	StorageBackendMemory   = "memory"

	SessionBackendMemory = "memory"
	SessionBackendRedis  = "redis"

	AdmissionPolicyFailOpen   = "fail_open"
	AdmissionPolicyFailClosed = "fail_closed"

	TokenEstimatorTiktoken = "tiktoken"
	TokenEstimatorApprox   = "approx"
)

type Config struct {
	// Server
	Port     string // default: 8080
	LogLevel string // default: info

	// Storage
	StorageBackend string // "postgres", "mongo" or "memory"
	PostgresDSN    string
	MongoURI       string
	MongoDatabase  string

	// Cache
	RedisAddr string

	// Sessions
	SessionBackend    string        // "memory" or "redis"
	SessionTTL        time.Duration // 0 disables expiry
	SessionMaxEntries int           // 0 means unbounded, memory backend only
	HistoryWindow     int           // default: 6

	// Providers
	OpenAIAPIKey    string
	GeminiAPIKey    string
	AnthropicAPIKey string
	DefaultModel    string
	MaxOutputTokens int    // default: 1024
	TokenEstimator  string // "tiktoken" or "approx"

	// Observability
	OTELExporterType     string // "stdout" or "otlp"
	OTELExporterEndpoint string // default: "localhost:4317"

	// Rate Limiting
	DefaultRateLimitTPM int64 // tokens per minute, default: 100000

	// Quota
	DefaultTokenLimit int64   // default: 20000000
	WarningRatio      float64 // default: 0.75
	AdmissionPolicy   string  // "fail_open" or "fail_closed"

	// Usage logging
	UsageAsync     bool
	UsageQueueSize int
	UsageWorkers   int

	RunSeed bool
}

func Load() (*Config, error) {
	// Load .env file if present (non-fatal if missing)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", "8080"),
		LogLevel:             getEnv("LOG_LEVEL", "info"),
		StorageBackend:       getEnv("STORAGE_BACKEND", StorageBackendPostgres),
		PostgresDSN:          os.Getenv("POSTGRES_DSN"),
		MongoURI:             os.Getenv("MONGO_URI"),
		MongoDatabase:        getEnv("MONGO_DATABASE", "reportdesk"),
		RedisAddr:            os.Getenv("REDIS_ADDR"),
		SessionBackend:       getEnv("SESSION_BACKEND", SessionBackendMemory),
		OpenAIAPIKey:         os.Getenv("OPENAI_API_KEY"),
		GeminiAPIKey:         os.Getenv("GEMINI_API_KEY"),
		AnthropicAPIKey:      os.Getenv("ANTHROPIC_API_KEY"),
		DefaultModel:         getEnv("DEFAULT_MODEL", "gpt-4o-mini"),
		OTELExporterType:     getEnv("OTEL_EXPORTER_TYPE", "stdout"),
		OTELExporterEndpoint: getEnv("OTEL_EXPORTER_ENDPOINT", "localhost:4317"),
		AdmissionPolicy:      getEnv("ADMISSION_POLICY", AdmissionPolicyFailOpen),
		TokenEstimator:       getEnv("TOKEN_ESTIMATOR", TokenEstimatorTiktoken),
	}

	var err error
	if cfg.DefaultRateLimitTPM, err = getInt64("DEFAULT_RATE_LIMIT_TPM", 100000); err != nil {
		return nil, err
	}
	if cfg.DefaultTokenLimit, err = getInt64("DEFAULT_TOKEN_LIMIT", 20000000); err != nil {
		return nil, err
	}
	if cfg.WarningRatio, err = getFloat("QUOTA_WARNING_RATIO", 0.75); err != nil {
		return nil, err
	}
	if cfg.HistoryWindow, err = getInt("HISTORY_WINDOW", 6); err != nil {
		return nil, err
	}
	if cfg.MaxOutputTokens, err = getInt("MAX_OUTPUT_TOKENS", 1024); err != nil {
		return nil, err
	}
	if cfg.SessionMaxEntries, err = getInt("SESSION_MAX_ENTRIES", 0); err != nil {
		return nil, err
	}
	if cfg.UsageQueueSize, err = getInt("USAGE_QUEUE_SIZE", 1024); err != nil {
		return nil, err
	}
	if cfg.UsageWorkers, err = getInt("USAGE_WORKERS", 2); err != nil {
		return nil, err
	}
	if cfg.SessionTTL, err = getDuration("SESSION_TTL", 0); err != nil {
		return nil, err
	}
	if cfg.UsageAsync, err = getBool("USAGE_ASYNC", false); err != nil {
		return nil, err
	}
	if cfg.RunSeed, err = getBool("RUN_SEED", false); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints. It is separate from Load so tests
// can build a Config literal and validate it.
func (c *Config) Validate() error {
	switch c.StorageBackend {
	case StorageBackendPostgres:
		if c.PostgresDSN == "" {
			return fmt.Errorf("POSTGRES_DSN is required")
		}
	case StorageBackendMongo:
		if c.MongoURI == "" {
			return fmt.Errorf("MONGO_URI is required")
		}
	case StorageBackendMemory:
	default:
		return fmt.Errorf("invalid STORAGE_BACKEND: %q", c.StorageBackend)
	}

	if c.RedisAddr == "" {
		return fmt.Errorf("REDIS_ADDR is required")
	}

	switch c.SessionBackend {
	case SessionBackendMemory, SessionBackendRedis:
	default:
		return fmt.Errorf("invalid SESSION_BACKEND: %q", c.SessionBackend)
	}

	switch c.AdmissionPolicy {
	case AdmissionPolicyFailOpen, AdmissionPolicyFailClosed:
	default:
		return fmt.Errorf("invalid ADMISSION_POLICY: %q", c.AdmissionPolicy)
	}

	switch c.TokenEstimator {
	case "", TokenEstimatorTiktoken, TokenEstimatorApprox:
	default:
		return fmt.Errorf("invalid TOKEN_ESTIMATOR: %q", c.TokenEstimator)
	}

	if c.WarningRatio <= 0 || c.WarningRatio > 1 {
		return fmt.Errorf("QUOTA_WARNING_RATIO must be in (0, 1], got %v", c.WarningRatio)
	}
	if c.DefaultTokenLimit <= 0 {
		return fmt.Errorf("DEFAULT_TOKEN_LIMIT must be positive, got %d", c.DefaultTokenLimit)
	}
	if c.HistoryWindow < 1 {
		return fmt.Errorf("HISTORY_WINDOW must be at least 1, got %d", c.HistoryWindow)
	}
	if c.SessionTTL < 0 {
		return fmt.Errorf("SESSION_TTL must not be negative")
	}
	if c.UsageAsync && (c.UsageQueueSize < 1 || c.UsageWorkers < 1) {
		return fmt.Errorf("USAGE_QUEUE_SIZE and USAGE_WORKERS must be positive when USAGE_ASYNC is set")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getInt64(key string, fallback int64) (int64, error) {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}

func getInt(key string, fallback int) (int, error) {
	v, err := getInt64(key, int64(fallback))
	return int(v), err
}

func getFloat(key string, fallback float64) (float64, error) {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}

func getBool(key string, fallback bool) (bool, error) {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		return fallback, nil
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}
