// Package config loads process configuration from the environment:
// os.Getenv with explicit defaults, covering storage, Redis connectivity,
// and the stream-timing knobs the gateway and worker share.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds every environment-sourced setting shared by the gateway and
// worker entry points.
type Config struct {
	Port     string
	RedisURL string
	Prefix   string
	Storage  string
	StoragePath string
	LogLevel string
	AuthPublicKey string

	ReadBlock               time.Duration
	WorkerBlock             time.Duration
	RedisMinMessageLifetime time.Duration
	RedisWorkerTimeout      time.Duration
	StreamMaxLen            int64
}

// Load reads Config from the process environment. It returns an error for
// missing required configuration (REDIS_URL); callers should treat that as
// a fatal startup error.
func Load() (Config, error) {
	c := Config{
		Port:          getEnv("PORT", "8080"),
		RedisURL:      os.Getenv("REDIS_URL"),
		Prefix:        getEnv("REDIS_PREFIX", "y"),
		Storage:       getEnv("STORAGE", "memory"),
		StoragePath:   getEnv("STORAGE_PATH", "./data/lattice"),
		LogLevel:      getEnv("LOG_LEVEL", "info"),
		AuthPublicKey: os.Getenv("AUTH_PUBLIC_KEY"),
	}

	if c.RedisURL == "" {
		return Config{}, fmt.Errorf("config: REDIS_URL is required")
	}

	var err error
	if c.ReadBlock, err = getDurationMs("READ_BLOCK_MS", 1000); err != nil {
		return Config{}, err
	}
	if c.WorkerBlock, err = getDurationMs("WORKER_BLOCK_MS", 1000); err != nil {
		return Config{}, err
	}
	if c.RedisMinMessageLifetime, err = getDurationMs("REDIS_MIN_MESSAGE_LIFETIME_MS", 10_000); err != nil {
		return Config{}, err
	}
	if c.RedisWorkerTimeout, err = getDurationMs("REDIS_WORKER_TIMEOUT_MS", 60_000); err != nil {
		return Config{}, err
	}
	if c.StreamMaxLen, err = getInt64("REDIS_STREAM_MAXLEN", 10_000); err != nil {
		return Config{}, err
	}

	minWorkerTimeout := c.RedisMinMessageLifetime + 2*defaultPersistLatencyEstimate
	if c.RedisWorkerTimeout <= minWorkerTimeout {
		return Config{}, fmt.Errorf(
			"config: REDIS_WORKER_TIMEOUT_MS (%s) must exceed REDIS_MIN_MESSAGE_LIFETIME_MS + 2x typical persist latency (%s), or a slow compaction risks a second worker double-claiming the same room",
			c.RedisWorkerTimeout, minWorkerTimeout,
		)
	}

	return c, nil
}

// defaultPersistLatencyEstimate stands in for "typical persistDoc latency"
// when validating REDIS_WORKER_TIMEOUT_MS; operators with slower storage
// backends should raise REDIS_WORKER_TIMEOUT_MS accordingly.
const defaultPersistLatencyEstimate = 2 * time.Second

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getDurationMs(key string, defMs int64) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return time.Duration(defMs) * time.Millisecond, nil
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("config: invalid %s=%q: %w", key, raw, err)
	}
	return time.Duration(ms) * time.Millisecond, nil
}

func getInt64(key string, def int64) (int64, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("config: invalid %s=%q: %w", key, raw, err)
	}
	return n, nil
}
