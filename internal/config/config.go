package config

import (
	"os"
	"strconv"
)

// Config centralizes runtime settings for the qgen CLI.
type Config struct {
	BackendBaseURL    string
	BackendAuthToken  string
	BackendTimeoutMS  int
	BackendMaxRetries int

	RateLimitRPS   float64
	RateLimitBurst int

	PollIntervalMS int

	StateFile    string
	StateProfile string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisKey      string

	DatabaseURL string

	PrereqCacheTTLSeconds int
	PrereqCacheMaxEntries int
}

func Load() Config {
	return Config{
		BackendBaseURL:    getEnv("QGEN_BACKEND_URL", ""),
		BackendAuthToken:  getEnv("QGEN_AUTH_TOKEN", ""),
		BackendTimeoutMS:  getEnvInt("QGEN_BACKEND_TIMEOUT_MS", 15000),
		BackendMaxRetries: getEnvInt("QGEN_BACKEND_MAX_RETRIES", 2),

		RateLimitRPS:   getEnvFloat("QGEN_RATE_LIMIT_RPS", 10),
		RateLimitBurst: getEnvInt("QGEN_RATE_LIMIT_BURST", 20),

		PollIntervalMS: getEnvInt("QGEN_POLL_INTERVAL_MS", 2000),

		StateFile:    getEnv("QGEN_STATE_FILE", ""),
		StateProfile: getEnv("QGEN_STATE_PROFILE", "default"),

		RedisAddr:     getEnv("QGEN_REDIS_ADDR", ""),
		RedisPassword: getEnv("QGEN_REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("QGEN_REDIS_DB", 0),
		RedisKey:      getEnv("QGEN_REDIS_KEY", "qgen:generation_task"),

		DatabaseURL: getEnv("QGEN_DATABASE_URL", ""),

		PrereqCacheTTLSeconds: getEnvInt("QGEN_PREREQ_CACHE_TTL_SECONDS", 300),
		PrereqCacheMaxEntries: getEnvInt("QGEN_PREREQ_CACHE_MAX_ENTRIES", 256),
	}
}

func getEnv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getEnvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvFloat(key string, fallback float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}
