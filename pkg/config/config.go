// Package config loads engine configuration from the environment and
// optional per-shop YAML profiles.
package config

import (
	"os"
	"strconv"
)

// Config holds engine configuration.
type Config struct {
	StorePath            string
	PostgresURL          string
	RedisAddr            string
	RedisPassword        string
	RedisDB              int
	LogLevel             string
	MaxRepairCycles      int
	ConflictMaxAttempts  int
	BackoffBaseMs        int64
	BackoffMaxMs         int64
	BackoffMaxJitterMs   int64
	StoreWritesPerMinute int
	StoreWriteBurst      int
}

// Load loads configuration from environment variables.
func Load() *Config {
	return &Config{
		StorePath:            envOr("STORE_PATH", "spooltrack.db"),
		PostgresURL:          os.Getenv("POSTGRES_URL"),
		RedisAddr:            os.Getenv("REDIS_ADDR"),
		RedisPassword:        os.Getenv("REDIS_PASSWORD"),
		RedisDB:              envInt("REDIS_DB", 0),
		LogLevel:             envOr("LOG_LEVEL", "INFO"),
		MaxRepairCycles:      envInt("MAX_REPAIR_CYCLES", 3),
		ConflictMaxAttempts:  envInt("CONFLICT_MAX_ATTEMPTS", 5),
		BackoffBaseMs:        int64(envInt("BACKOFF_BASE_MS", 100)),
		BackoffMaxMs:         int64(envInt("BACKOFF_MAX_MS", 3000)),
		BackoffMaxJitterMs:   int64(envInt("BACKOFF_MAX_JITTER_MS", 250)),
		StoreWritesPerMinute: envInt("STORE_WRITES_PER_MINUTE", 50),
		StoreWriteBurst:      envInt("STORE_WRITE_BURST", 5),
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
