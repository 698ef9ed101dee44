// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration
type Config struct {
	DataDir  string // Base directory for all databases (always absolute)
	Port     int
	DevMode  bool
	LogLevel string

	// Provider credentials
	AlpacaAPIKey    string
	AlpacaAPISecret string
	PolygonAPIKey   string // POLYGON_API_KEY, falls back to MASSIVE_API_KEY
	TradierAPIKey   string
	FinnhubAPIKey   string

	// Rate bucket overrides in requests per minute. Zero means use the
	// built-in default for that provider. *_MAX_RPS wins over *_MAX_RPM
	// when both are set.
	FinnhubBucketRPM float64
	MassiveBucketRPM float64

	// Orchestrator tuning
	MaxConcurrent   int
	MaxAttempts     int
	StuckRunTimeout time.Duration

	// Response cache TTLs
	CacheTTLQuote        time.Duration
	CacheTTLBars         time.Duration
	CacheTTLNews         time.Duration
	CacheTTLFundamentals time.Duration
	CacheTTLSymbols      time.Duration

	// Backups
	BackupRetentionDays int
	S3Backup            *S3BackupConfig
}

// S3BackupConfig holds S3-compatible offsite backup settings.
// Works with AWS S3 and Cloudflare R2 (set Endpoint for R2).
type S3BackupConfig struct {
	Enabled         bool
	Endpoint        string
	Region          string
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	// Resolve the data directory to an absolute path and make sure it exists
	dataDir := getEnv("DATA_DIR", "./data")
	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}
	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	// Polygon and Massive are the same upstream; accept either key name
	polygonKey := getEnv("POLYGON_API_KEY", "")
	if polygonKey == "" {
		polygonKey = getEnv("MASSIVE_API_KEY", "")
	}

	cfg := &Config{
		DataDir:  absDataDir,
		Port:     getEnvAsInt("PORT", 8080),
		DevMode:  getEnvAsBool("DEV_MODE", false),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		AlpacaAPIKey:    getEnv("ALPACA_API_KEY", ""),
		AlpacaAPISecret: getEnv("ALPACA_API_SECRET", ""),
		PolygonAPIKey:   polygonKey,
		TradierAPIKey:   getEnv("TRADIER_API_KEY", ""),
		FinnhubAPIKey:   getEnv("FINNHUB_API_KEY", ""),

		FinnhubBucketRPM: bucketOverride("FINNHUB"),
		MassiveBucketRPM: bucketOverride("MASSIVE"),

		MaxConcurrent:   getEnvAsInt("ORCHESTRATOR_MAX_CONCURRENT", 5),
		MaxAttempts:     getEnvAsInt("ORCHESTRATOR_MAX_ATTEMPTS", 5),
		StuckRunTimeout: time.Duration(getEnvAsInt("STUCK_RUN_TIMEOUT_MINUTES", 10)) * time.Minute,

		CacheTTLQuote:        time.Duration(getEnvAsInt("CACHE_TTL_QUOTE", 60)) * time.Second,
		CacheTTLBars:         time.Duration(getEnvAsInt("CACHE_TTL_BARS", 300)) * time.Second,
		CacheTTLNews:         time.Duration(getEnvAsInt("CACHE_TTL_NEWS", 600)) * time.Second,
		CacheTTLFundamentals: time.Duration(getEnvAsInt("CACHE_TTL_FUNDAMENTALS", 86400)) * time.Second,
		CacheTTLSymbols:      time.Duration(getEnvAsInt("CACHE_TTL_SYMBOLS", 86400)) * time.Second,

		BackupRetentionDays: getEnvAsInt("BACKUP_RETENTION_DAYS", 7),
		S3Backup:            loadS3BackupConfig(),
	}

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks if required configuration is present
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if c.MaxConcurrent < 1 {
		return fmt.Errorf("ORCHESTRATOR_MAX_CONCURRENT must be at least 1, got %d", c.MaxConcurrent)
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("ORCHESTRATOR_MAX_ATTEMPTS must be at least 1, got %d", c.MaxAttempts)
	}
	if c.StuckRunTimeout < time.Minute {
		return fmt.Errorf("STUCK_RUN_TIMEOUT_MINUTES must be at least 1, got %s", c.StuckRunTimeout)
	}

	// Note: provider credentials are optional. Providers without keys are
	// skipped by the router; yfinance needs no key at all.

	if c.S3Backup.Enabled {
		if c.S3Backup.Bucket == "" {
			return fmt.Errorf("S3_BUCKET required when S3_BACKUP_ENABLED is true")
		}
		if c.S3Backup.AccessKeyID == "" || c.S3Backup.SecretAccessKey == "" {
			return fmt.Errorf("S3 credentials required when S3_BACKUP_ENABLED is true")
		}
	}

	return nil
}

// bucketOverride resolves a rate bucket override for the given env prefix.
// <PREFIX>_MAX_RPS takes precedence (converted to per-minute); otherwise
// <PREFIX>_MAX_RPM is used directly. Returns 0 when neither is set.
func bucketOverride(prefix string) float64 {
	if rps := getEnvAsFloat(prefix+"_MAX_RPS", 0); rps > 0 {
		return rps * 60
	}
	return getEnvAsFloat(prefix+"_MAX_RPM", 0)
}

// loadS3BackupConfig loads offsite backup settings. Disabled by default.
func loadS3BackupConfig() *S3BackupConfig {
	return &S3BackupConfig{
		Enabled:         getEnvAsBool("S3_BACKUP_ENABLED", false),
		Endpoint:        getEnv("S3_ENDPOINT", ""),
		Region:          getEnv("S3_REGION", "auto"),
		Bucket:          getEnv("S3_BUCKET", ""),
		AccessKeyID:     getEnv("S3_ACCESS_KEY_ID", ""),
		SecretAccessKey: getEnv("S3_SECRET_ACCESS_KEY", ""),
	}
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}
