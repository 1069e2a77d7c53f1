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
	DataDir  string // Base directory for databases and the dataset spill cache
	LogLevel string
	Port     int
	DevMode  bool

	// Backtest data-quality policy
	MaxStalePeriods int     // Periods a last-known price may be carried before exclusion
	MaxGapFraction  float64 // Fraction of the active universe allowed to be gapped per period

	// Rebalancing policy
	DriftThreshold    float64 // Absolute per-strategy weight drift that triggers a rebalance
	CostRate          float64 // Variable transaction cost as a fraction of turnover
	FixedCostPerTrade float64 // Fixed cost per order
	MaxRetries        int     // Failed rebalance attempts before escalation
	CostBenefitCheck  bool    // Skip rebalances whose cost exceeds the drift benefit

	// Allocation solver
	SolverTolerance  float64
	SolverIterations int
	MaxAllocation    float64 // Per-strategy weight cap

	// Dataset cache
	CacheTTL       time.Duration // Lifetime of unreferenced cache entries
	FetchBatchSize int           // Symbols per parallel fetch batch

	// Market data / signal collaborator. Empty falls back to the built-in
	// synthetic feed (development only).
	FeedURL string

	// Ledger backup (disabled unless bucket is configured)
	Backup *BackupConfig
}

// BackupConfig holds S3-compatible backup configuration
type BackupConfig struct {
	Bucket    string
	Endpoint  string // Custom endpoint for R2/minio style storage, empty for AWS
	Region    string
	AccessKey string
	SecretKey string
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	dataDir := getEnv("HELMSMAN_DATA_DIR", "")
	if dataDir == "" {
		dataDir = "./data"
	}

	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}

	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	cfg := &Config{
		DataDir:  absDataDir,
		Port:     getEnvAsInt("HELMSMAN_PORT", 8001),
		DevMode:  getEnvAsBool("DEV_MODE", false),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		MaxStalePeriods: getEnvAsInt("BACKTEST_MAX_STALE_PERIODS", 5),
		MaxGapFraction:  getEnvAsFloat("BACKTEST_MAX_GAP_FRACTION", 0.5),

		DriftThreshold:    getEnvAsFloat("REBALANCE_DRIFT_THRESHOLD", 0.05),
		CostRate:          getEnvAsFloat("REBALANCE_COST_RATE", 0.001),
		FixedCostPerTrade: getEnvAsFloat("REBALANCE_FIXED_COST", 2.0),
		MaxRetries:        getEnvAsInt("REBALANCE_MAX_RETRIES", 3),
		CostBenefitCheck:  getEnvAsBool("REBALANCE_COST_BENEFIT_CHECK", false),

		SolverTolerance:  getEnvAsFloat("ALLOCATOR_TOLERANCE", 1e-6),
		SolverIterations: getEnvAsInt("ALLOCATOR_MAX_ITERATIONS", 1000),
		MaxAllocation:    getEnvAsFloat("ALLOCATOR_MAX_SINGLE", 0.5),

		CacheTTL:       time.Duration(getEnvAsInt("DATASET_CACHE_TTL_MINUTES", 60)) * time.Minute,
		FetchBatchSize: getEnvAsInt("DATASET_FETCH_BATCH_SIZE", 50),

		FeedURL: getEnv("HELMSMAN_FEED_URL", ""),
	}

	// Backup is opt-in: only configured when a bucket is set
	if bucket := getEnv("BACKUP_BUCKET", ""); bucket != "" {
		cfg.Backup = &BackupConfig{
			Bucket:    bucket,
			Endpoint:  getEnv("BACKUP_ENDPOINT", ""),
			Region:    getEnv("BACKUP_REGION", "auto"),
			AccessKey: getEnv("BACKUP_ACCESS_KEY", ""),
			SecretKey: getEnv("BACKUP_SECRET_KEY", ""),
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks if required configuration is present and sane
func (c *Config) Validate() error {
	if c.MaxGapFraction <= 0 || c.MaxGapFraction > 1 {
		return fmt.Errorf("BACKTEST_MAX_GAP_FRACTION must be in (0,1], got %v", c.MaxGapFraction)
	}
	if c.DriftThreshold <= 0 {
		return fmt.Errorf("REBALANCE_DRIFT_THRESHOLD must be positive, got %v", c.DriftThreshold)
	}
	if c.MaxAllocation <= 0 || c.MaxAllocation > 1 {
		return fmt.Errorf("ALLOCATOR_MAX_SINGLE must be in (0,1], got %v", c.MaxAllocation)
	}
	if c.Backup != nil && c.Backup.AccessKey == "" {
		return fmt.Errorf("BACKUP_BUCKET is set but BACKUP_ACCESS_KEY is empty")
	}
	return nil
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

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
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
