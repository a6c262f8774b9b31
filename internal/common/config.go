package common

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	Database DatabaseConfig
	Queue    QueueConfig
	Ingest   IngestConfig
	Storage  StorageConfig
}

// DatabaseConfig holds database-related configuration
type DatabaseConfig struct {
	Driver          string // "pgx" or "sqlite"
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	DialTimeout     time.Duration
}

// QueueConfig holds delivery and retry configuration
type QueueConfig struct {
	RedisURL       string
	Concurrency    int
	MaxAttempts    int
	RetryBaseDelay time.Duration
}

// IngestConfig holds worker tuning knobs and the optional startup sweep
type IngestConfig struct {
	BatchSize       int
	CheckpointEvery int
	SweepDir        string // when set, spreadsheets under this dir are submitted at startup
	SweepOwnerID    string
}

// StorageConfig holds uploaded-file storage configuration
type StorageConfig struct {
	Dir string
}

// LoadConfig loads configuration from environment variables.
// A .env file is read first when present.
func LoadConfig() *Config {
	_ = godotenv.Load()

	return &Config{
		Database: DatabaseConfig{
			Driver:          getEnv("DB_DRIVER", "pgx"),
			DSN:             getEnv("DB_URL", ""),
			MaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 20),
			MaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getEnvAsDuration("DB_CONN_MAX_LIFETIME", 30*time.Minute),
			ConnMaxIdleTime: getEnvAsDuration("DB_CONN_MAX_IDLE_TIME", 5*time.Minute),
			DialTimeout:     getEnvAsDuration("DB_DIAL_TIMEOUT", 3*time.Second),
		},
		Queue: QueueConfig{
			RedisURL:       getEnv("QUEUE_REDIS_URL", "redis://localhost:6379/0"),
			Concurrency:    getEnvAsInt("QUEUE_CONCURRENCY", 4),
			MaxAttempts:    getEnvAsInt("QUEUE_MAX_ATTEMPTS", 3),
			RetryBaseDelay: getEnvAsDuration("QUEUE_RETRY_BASE_DELAY", 2*time.Second),
		},
		Ingest: IngestConfig{
			BatchSize:       getEnvAsInt("INGEST_BATCH_SIZE", 100),
			CheckpointEvery: getEnvAsInt("INGEST_CHECKPOINT_EVERY", 10),
			SweepDir:        getEnv("INGEST_SWEEP_DIR", ""),
			SweepOwnerID:    getEnv("INGEST_SWEEP_OWNER_ID", ""),
		},
		Storage: StorageConfig{
			Dir: getEnv("STORAGE_DIR", "./uploads"),
		},
	}
}

// Helper functions for environment variable parsing
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

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// Validate validates the loaded configuration
func (c *Config) Validate() error {
	if c.Database.DSN == "" {
		return NewAppError("CONFIG_ERROR", "DB_URL is required", ErrInvalidInput)
	}
	if c.Database.Driver != "pgx" && c.Database.Driver != "sqlite" {
		return NewAppError("CONFIG_ERROR", "DB_DRIVER must be pgx or sqlite", ErrInvalidInput)
	}
	if c.Queue.RedisURL == "" {
		return NewAppError("CONFIG_ERROR", "QUEUE_REDIS_URL is required", ErrInvalidInput)
	}
	if c.Queue.MaxAttempts < 1 {
		return NewAppError("CONFIG_ERROR", "QUEUE_MAX_ATTEMPTS must be at least 1", ErrInvalidInput)
	}
	return nil
}
