package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"forexpaper/internal/adapters/logger" // Import the logger package for LogLevel
	"forexpaper/internal/domain"
)

// Config holds all application configuration.
type Config struct {
	// Price provider
	APIKey      string
	RESTBaseURL string
	StreamURL   string

	// Subscription
	Symbols   []string
	Timeframe domain.Timeframe

	// Monitoring / polling cadence
	MonitorInterval   time.Duration // Trade monitor tick interval
	PollInterval      time.Duration // Polling fallback interval
	KeepaliveInterval time.Duration // Streaming keepalive ping interval

	// Streaming reconnect policy
	ReconnectBaseDelay time.Duration // First retry delay, doubled per attempt
	ReconnectMaxDelay  time.Duration // Backoff cap
	MaxFeedFailures    int           // Consecutive failures before permanent polling fallback
	PushEnabled        bool          // false = polling only, by design

	// Historical fetch retries
	FetchAttempts int

	// Database
	DBPath string

	// Metrics
	MetricsAddr string // Empty disables the /metrics listener

	// Logging
	LogLevel logger.LogLevel
}

// LoadConfig loads configuration from environment variables (.env file).
func LoadConfig() (*Config, error) {
	// Load .env file, but don't fail if it doesn't exist (allow pure env vars)
	_ = godotenv.Load()

	cfg := &Config{}
	var errs []string // Collect validation errors

	cfg.APIKey = getEnv("PRICE_API_KEY", "")
	if cfg.APIKey == "" {
		errs = append(errs, "PRICE_API_KEY must be set")
	}
	cfg.RESTBaseURL = getEnv("PRICE_REST_URL", "https://api.polygon.io")
	cfg.StreamURL = getEnv("PRICE_STREAM_URL", "wss://socket.polygon.io/forex")

	symbols := getEnv("SYMBOLS", "EURUSD")
	for _, s := range strings.Split(symbols, ",") {
		s = strings.TrimSpace(s)
		if s != "" {
			cfg.Symbols = append(cfg.Symbols, strings.ToUpper(s))
		}
	}
	if len(cfg.Symbols) == 0 {
		errs = append(errs, "SYMBOLS must list at least one pair")
	}

	unit := domain.TimeframeUnit(getEnv("TIMEFRAME_UNIT", "minute"))
	switch unit {
	case domain.UnitMinute, domain.UnitHour, domain.UnitDay:
	default:
		errs = append(errs, fmt.Sprintf("invalid TIMEFRAME_UNIT %q (minute|hour|day)", unit))
	}
	mult := getEnvAsInt("TIMEFRAME_MULTIPLIER", 1)
	if mult <= 0 {
		errs = append(errs, "TIMEFRAME_MULTIPLIER must be positive")
	}
	cfg.Timeframe = domain.Timeframe{Unit: unit, Multiplier: mult}

	cfg.MonitorInterval = getEnvAsDuration("MONITOR_INTERVAL_SECONDS", 5)
	if cfg.MonitorInterval <= 0 {
		errs = append(errs, "MONITOR_INTERVAL_SECONDS must be positive")
	}
	cfg.PollInterval = getEnvAsDuration("POLL_INTERVAL_SECONDS", 5)
	if cfg.PollInterval <= 0 {
		errs = append(errs, "POLL_INTERVAL_SECONDS must be positive")
	}
	cfg.KeepaliveInterval = getEnvAsDuration("KEEPALIVE_INTERVAL_SECONDS", 30)
	if cfg.KeepaliveInterval <= 0 {
		errs = append(errs, "KEEPALIVE_INTERVAL_SECONDS must be positive")
	}

	cfg.ReconnectBaseDelay = getEnvAsDuration("RECONNECT_BASE_DELAY_SECONDS", 1)
	if cfg.ReconnectBaseDelay <= 0 {
		errs = append(errs, "RECONNECT_BASE_DELAY_SECONDS must be positive")
	}
	cfg.ReconnectMaxDelay = getEnvAsDuration("RECONNECT_MAX_DELAY_SECONDS", 30)
	if cfg.ReconnectMaxDelay < cfg.ReconnectBaseDelay {
		errs = append(errs, "RECONNECT_MAX_DELAY_SECONDS must be >= RECONNECT_BASE_DELAY_SECONDS")
	}
	cfg.MaxFeedFailures = getEnvAsInt("MAX_FEED_FAILURES", 3)
	if cfg.MaxFeedFailures <= 0 {
		errs = append(errs, "MAX_FEED_FAILURES must be positive")
	}
	cfg.PushEnabled = getEnvAsBool("PUSH_ENABLED", true)

	cfg.FetchAttempts = getEnvAsInt("FETCH_ATTEMPTS", 3)
	if cfg.FetchAttempts <= 0 {
		errs = append(errs, "FETCH_ATTEMPTS must be positive")
	}

	cfg.DBPath = getEnv("DB_PATH", "./data/papertrader.db")
	if cfg.DBPath == "" {
		errs = append(errs, "DB_PATH must be set")
	}

	cfg.MetricsAddr = getEnv("METRICS_ADDR", "")

	cfg.LogLevel = logger.ParseLevel(getEnv("LOG_LEVEL", "INFO"))

	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}
	return cfg, nil
}

// --- Env Var Helpers ---

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultSeconds int) time.Duration {
	return time.Duration(getEnvAsInt(key, defaultSeconds)) * time.Second
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
