package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	HTTPAddr          string
	LogDev            bool
	SentryDSN         string
	SentryEnvironment string

	RedisAddr       string
	RedisPassword   string
	RedisDB         int
	RedisPrefix     string
	PendingQueue    string
	ProcessingQueue string
	FailedQueue     string
	WorkerCount     int
	MaxAttempts     int
	StaleAfter      time.Duration

	DatabaseURL string

	WhiteboardBaseURL    string
	WhiteboardSDKToken   string
	WhiteboardTimeout    time.Duration
	WhiteboardMaxRetries int
}

func Load() *Config {
	redisPrefix := getEnv("REDIS_PREFIX", "")

	return &Config{
		HTTPAddr:          getEnv("HTTP_ADDR", ":8080"),
		LogDev:            getEnvBool("LOG_DEV", false),
		SentryDSN:         getEnv("SENTRY_DSN", ""),
		SentryEnvironment: getEnv("SENTRY_ENVIRONMENT", "production"),

		RedisAddr:     getEnv("REDIS_ADDR", "redis:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_RECONCILE_DB", 4),
		RedisPrefix:   redisPrefix,
		PendingQueue:  applyPrefix(getEnv("RECONCILE_PENDING_QUEUE", "convert:reconcile:pending"), redisPrefix),
		ProcessingQueue: applyPrefix(
			getEnv("RECONCILE_PROCESSING_QUEUE", "convert:reconcile:processing"),
			redisPrefix,
		),
		FailedQueue: applyPrefix(
			getEnv("RECONCILE_FAILED_QUEUE", "convert:reconcile:failed"),
			redisPrefix,
		),
		WorkerCount: getEnvInt("RECONCILE_WORKER_COUNT", 3),
		MaxAttempts: getEnvInt("RECONCILE_MAX_ATTEMPTS", 20),
		StaleAfter:  getEnvDuration("RECONCILE_STALE_AFTER", 5*time.Minute),

		DatabaseURL: databaseURL(),

		WhiteboardBaseURL:    strings.TrimRight(getEnv("WHITEBOARD_BASE_URL", "https://api.netless.link"), "/"),
		WhiteboardSDKToken:   getEnv("WHITEBOARD_SDK_TOKEN", ""),
		WhiteboardTimeout:    getEnvDuration("WHITEBOARD_TIMEOUT", 10*time.Second),
		WhiteboardMaxRetries: getEnvInt("WHITEBOARD_MAX_RETRIES", 2),
	}
}

// MinStaleAfter covers the longest requeue delay (1m) plus the reconcile
// flight timeout (30s). Jobs inside that window are still owned by a worker.
const MinStaleAfter = 90 * time.Second

// Validate reports settings the service cannot start without.
func (c *Config) Validate() error {
	var errs []error
	if c.WhiteboardBaseURL == "" {
		errs = append(errs, errors.New("WHITEBOARD_BASE_URL is required"))
	}
	if c.WhiteboardSDKToken == "" {
		errs = append(errs, errors.New("WHITEBOARD_SDK_TOKEN is required"))
	}
	if c.WorkerCount < 0 {
		errs = append(errs, fmt.Errorf("RECONCILE_WORKER_COUNT must not be negative, got %d", c.WorkerCount))
	}
	return errors.Join(append(errs, c.ValidateQueue())...)
}

// ValidateQueue checks only the redis queue settings, for commands that
// enqueue without talking to the conversion service.
func (c *Config) ValidateQueue() error {
	var errs []error
	if c.RedisAddr == "" {
		errs = append(errs, errors.New("REDIS_ADDR is required"))
	}
	if c.PendingQueue == "" || c.ProcessingQueue == "" || c.FailedQueue == "" {
		errs = append(errs, errors.New("reconcile queue names must not be empty"))
	}
	if c.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("RECONCILE_MAX_ATTEMPTS must be at least 1, got %d", c.MaxAttempts))
	}
	if c.StaleAfter <= MinStaleAfter {
		errs = append(errs, fmt.Errorf("RECONCILE_STALE_AFTER must be longer than %s, got %s", MinStaleAfter, c.StaleAfter))
	}
	return errors.Join(errs...)
}

func databaseURL() string {
	dbHost := getEnv("DB_HOST", "localhost")
	dbPort := getEnv("DB_PORT", "5432")
	dbName := getEnv("DB_DATABASE", "flat")
	dbUser := getEnv("DB_USERNAME", "flat")
	dbPassword := getEnv("DB_PASSWORD", "")
	dbSSLMode := getEnv("DB_SSLMODE", "disable")
	dbSSLCert := getEnv("DB_SSLCERT", "")
	dbSSLKey := getEnv("DB_SSLKEY", "")
	dbSSLRootCert := getEnv("DB_SSLROOTCERT", "")

	// lib/pq "key=value" form avoids URI escaping of passwords.
	var dbURL string
	if dbPassword != "" {
		dbURL = fmt.Sprintf(
			"host=%s port=%s dbname=%s user=%s password=%s sslmode=%s",
			dbHost, dbPort, dbName, dbUser, dbPassword, dbSSLMode,
		)
	} else {
		dbURL = fmt.Sprintf(
			"host=%s port=%s dbname=%s user=%s sslmode=%s",
			dbHost, dbPort, dbName, dbUser, dbSSLMode,
		)
	}

	if dbSSLCert != "" {
		dbURL += fmt.Sprintf(" sslcert=%s", dbSSLCert)
	}
	if dbSSLKey != "" {
		dbURL += fmt.Sprintf(" sslkey=%s", dbSSLKey)
	}
	if dbSSLRootCert != "" {
		dbURL += fmt.Sprintf(" sslrootcert=%s", dbSSLRootCert)
	}
	return dbURL
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	return parseEnv(key, fallback, strconv.Atoi)
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	return parseEnv(key, fallback, time.ParseDuration)
}

func getEnvBool(key string, fallback bool) bool {
	return parseEnv(key, fallback, parseBool)
}

// parseEnv returns fallback when key is unset or does not parse.
func parseEnv[T any](key string, fallback T, parse func(string) (T, error)) T {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return fallback
	}
	parsed, err := parse(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func parseBool(value string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true, nil
	case "0", "false", "no", "off":
		return false, nil
	}
	return false, fmt.Errorf("invalid boolean %q", value)
}

func applyPrefix(key string, prefix string) string {
	if prefix == "" {
		return key
	}
	return prefix + key
}
