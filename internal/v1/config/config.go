package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/lecturehall/classroom/backend/go/internal/v1/logging"
	"go.uber.org/zap"
)

// Config holds validated environment configuration
type Config struct {
	// Required variables
	Port string

	// Optional variables with defaults
	GoEnv          string
	LogLevel       string
	AllowedOrigins string
	StorePath      string

	// Room lifecycle
	RoomCleanupInterval   time.Duration
	RoomInactiveThreshold time.Duration
	KickCloseDelay        time.Duration

	// Chat
	MessageHistoryLimit int
	RateLimitMessages   int
	RateLimitWindow     time.Duration

	// Tracing (empty disables the exporter)
	TracingEndpoint string
}

// DevelopmentMode reports whether the process runs with development
// defaults (colored logs, permissive origins).
func (c *Config) DevelopmentMode() bool {
	return c.GoEnv == "development"
}

// Origins returns the allowed origins as a list, split on commas with
// surrounding whitespace removed. Empty entries are dropped.
func (c *Config) Origins() []string {
	parts := strings.Split(c.AllowedOrigins, ",")
	origins := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	return origins
}

// ValidateEnv validates all required environment variables and returns a Config object
// Returns an error if any required variable is missing or invalid
func ValidateEnv() (*Config, error) {
	cfg := &Config{}
	var errors []string

	// Required: PORT (valid port number)
	cfg.Port = os.Getenv("PORT")
	if cfg.Port == "" {
		errors = append(errors, "PORT is required")
	} else {
		port, err := strconv.Atoi(cfg.Port)
		if err != nil || port < 1 || port > 65535 {
			errors = append(errors, fmt.Sprintf("PORT must be a valid port number between 1 and 65535 (got '%s')", cfg.Port))
		}
	}

	// Optional: GO_ENV (defaults to "production")
	cfg.GoEnv = getEnvOrDefault("GO_ENV", "production")

	// Optional: LOG_LEVEL (defaults to "info")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")

	// Optional: ALLOWED_ORIGINS (comma-separated; defaults to local frontend)
	cfg.AllowedOrigins = getEnvOrDefault("ALLOWED_ORIGINS", "http://localhost:3000")

	// Optional: STORE_PATH (defaults to a file next to the binary)
	cfg.StorePath = getEnvOrDefault("STORE_PATH", "classroom.json")

	// Room lifecycle intervals, all in milliseconds
	cfg.RoomCleanupInterval = getEnvDurationMs("ROOM_CLEANUP_INTERVAL_MS", 5*time.Minute, &errors)
	cfg.RoomInactiveThreshold = getEnvDurationMs("ROOM_INACTIVE_THRESHOLD_MS", 30*time.Minute, &errors)
	cfg.KickCloseDelay = getEnvDurationMs("KICK_CLOSE_DELAY_MS", time.Second, &errors)

	// Chat history and rate limiting
	cfg.MessageHistoryLimit = getEnvPositiveInt("MESSAGE_HISTORY_LIMIT", 100, &errors)
	cfg.RateLimitMessages = getEnvPositiveInt("RATE_LIMIT_MESSAGES", 5, &errors)
	cfg.RateLimitWindow = getEnvDurationMs("RATE_LIMIT_WINDOW_MS", 10*time.Second, &errors)

	// Optional: OTLP collector address, e.g. "collector:4317"
	cfg.TracingEndpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if cfg.TracingEndpoint != "" && !isValidHostPort(cfg.TracingEndpoint) {
		errors = append(errors, fmt.Sprintf("OTEL_EXPORTER_OTLP_ENDPOINT must be in format 'host:port' (got '%s')", cfg.TracingEndpoint))
	}

	// If there are validation errors, return them
	if len(errors) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errors, "\n  - "))
	}

	// Log validated configuration
	logValidatedConfig(cfg)

	return cfg, nil
}

// isValidHostPort checks if a string is in the format "host:port"
func isValidHostPort(addr string) bool {
	parts := strings.Split(addr, ":")
	if len(parts) != 2 {
		return false
	}

	// Validate port is a number
	port, err := strconv.Atoi(parts[1])
	if err != nil || port < 1 || port > 65535 {
		return false
	}

	// Validate host is not empty
	if parts[0] == "" {
		return false
	}

	return true
}

// logValidatedConfig logs the validated configuration
func logValidatedConfig(cfg *Config) {
	logging.Info(context.Background(), "Environment configuration validated",
		zap.String("port", cfg.Port),
		zap.String("go_env", cfg.GoEnv),
		zap.String("log_level", cfg.LogLevel),
		zap.String("allowed_origins", cfg.AllowedOrigins),
		zap.String("store_path", cfg.StorePath),
		zap.Duration("room_cleanup_interval", cfg.RoomCleanupInterval),
		zap.Duration("room_inactive_threshold", cfg.RoomInactiveThreshold),
		zap.Duration("kick_close_delay", cfg.KickCloseDelay),
		zap.Int("message_history_limit", cfg.MessageHistoryLimit),
		zap.Int("rate_limit_messages", cfg.RateLimitMessages),
		zap.Duration("rate_limit_window", cfg.RateLimitWindow),
		zap.String("tracing_endpoint", cfg.TracingEndpoint),
	)
}

// getEnvOrDefault returns the value of the environment variable or a default value if not set
func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

// getEnvDurationMs parses a millisecond count from the environment. Invalid
// or non-positive values append to errs and leave the default in place.
func getEnvDurationMs(key string, defaultValue time.Duration, errs *[]string) time.Duration {
	value, exists := os.LookupEnv(key)
	if !exists || value == "" {
		return defaultValue
	}
	ms, err := strconv.Atoi(value)
	if err != nil || ms <= 0 {
		*errs = append(*errs, fmt.Sprintf("%s must be a positive integer of milliseconds (got '%s')", key, value))
		return defaultValue
	}
	return time.Duration(ms) * time.Millisecond
}

// getEnvPositiveInt parses a positive integer from the environment. Invalid
// values append to errs and leave the default in place.
func getEnvPositiveInt(key string, defaultValue int, errs *[]string) int {
	value, exists := os.LookupEnv(key)
	if !exists || value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil || n <= 0 {
		*errs = append(*errs, fmt.Sprintf("%s must be a positive integer (got '%s')", key, value))
		return defaultValue
	}
	return n
}
