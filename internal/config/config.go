// Package config loads process settings from the environment once at start.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	// Storage
	DBDriver    string // "sqlite3" or "postgres"
	DatabaseURL string

	// Feeds
	FeedsConfigPath  string
	FetchInterval    time.Duration
	FetchTimeout     time.Duration
	FetchConcurrency int
	CycleTimeout     time.Duration
	// EnrichSummaries looks up a page description for items without one.
	EnrichSummaries bool
	EnrichLimit     int

	// Trending
	TrendingEnabled bool
	TrendingWeight  float64
	TrendingFeedURL string
	RecencyHalfLife time.Duration

	// Selection
	MaxArticlesPerCategory int
	PerSourceCap           int

	// Retention
	RetentionDays     int
	RetentionSchedule string

	// Delivery
	DeliverySchedule  string
	SendTimeout       time.Duration
	MaxRetryAge       time.Duration
	RetryAttempts     int
	RetryDelay        time.Duration
	SendRatePerSecond float64
	SendRatePerChat   float64
	MoreCooldown      time.Duration

	// Telegram settings
	TelegramToken  string
	TelegramAPIURL string
	// WebhookSecret, when set, must match the secret token header on
	// incoming webhook updates.
	WebhookSecret string

	// Gemini settings (optional sentiment layer)
	GeminiAPIKey string
	GeminiModel  string

	// App settings
	HTTPAddr  string
	LogLevel  string
	LogFormat string
	Debug     bool
}

func Load() (*Config, error) {
	cfg := &Config{
		DBDriver:               getEnvOrDefault("DB_DRIVER", "sqlite3"),
		DatabaseURL:            getEnvOrDefault("DATABASE_URL", "clearfeed.db"),
		FeedsConfigPath:        getEnvOrDefault("FEEDS_CONFIG_PATH", "configs/feeds.yaml"),
		FetchInterval:          getEnvDurationOrDefault("FETCH_INTERVAL", 2*time.Hour),
		FetchTimeout:           getEnvDurationOrDefault("FETCH_TIMEOUT", 20*time.Second),
		FetchConcurrency:       getEnvIntOrDefault("FETCH_CONCURRENCY", 8),
		CycleTimeout:           getEnvDurationOrDefault("CYCLE_TIMEOUT", 10*time.Minute),
		EnrichSummaries:        getEnvBoolOrDefault("ENRICH_SUMMARIES", true),
		EnrichLimit:            getEnvIntOrDefault("ENRICH_LIMIT", 20),
		TrendingEnabled:        getEnvBoolOrDefault("TRENDING_ENABLED", true),
		TrendingWeight:         getEnvFloatOrDefault("TRENDING_WEIGHT", 0.6),
		TrendingFeedURL:        os.Getenv("TRENDING_FEED_URL"),
		RecencyHalfLife:        getEnvDurationOrDefault("RECENCY_HALF_LIFE", 24*time.Hour),
		MaxArticlesPerCategory: getEnvIntOrDefault("MAX_ARTICLES_PER_CATEGORY", 5),
		PerSourceCap:           getEnvIntOrDefault("PER_SOURCE_CAP", 2),
		RetentionDays:          getEnvIntOrDefault("RETENTION_DAYS", 30),
		RetentionSchedule:      getEnvOrDefault("RETENTION_SCHEDULE", "0 3 * * *"),
		DeliverySchedule:       getEnvOrDefault("DELIVERY_SCHEDULE", "* * * * *"),
		SendTimeout:            getEnvDurationOrDefault("SEND_TIMEOUT", 30*time.Second),
		MaxRetryAge:            getEnvDurationOrDefault("MAX_RETRY_AGE", 3*time.Hour),
		RetryAttempts:          getEnvIntOrDefault("RETRY_ATTEMPTS", 3),
		RetryDelay:             getEnvDurationOrDefault("RETRY_DELAY", 2*time.Second),
		SendRatePerSecond:      getEnvFloatOrDefault("SEND_RATE_PER_SECOND", 25),
		SendRatePerChat:        getEnvFloatOrDefault("SEND_RATE_PER_CHAT", 1),
		MoreCooldown:           getEnvDurationOrDefault("MORE_COOLDOWN", 2*time.Second),
		TelegramToken:          os.Getenv("TELEGRAM_TOKEN"),
		TelegramAPIURL:         getEnvOrDefault("TELEGRAM_API_URL", "https://api.telegram.org"),
		WebhookSecret:          os.Getenv("TELEGRAM_WEBHOOK_SECRET"),
		GeminiAPIKey:           os.Getenv("GEMINI_API_KEY"),
		GeminiModel:            getEnvOrDefault("GEMINI_MODEL", "gemini-1.5-flash"),
		HTTPAddr:               getEnvOrDefault("HTTP_ADDR", ":8080"),
		LogLevel:               getEnvOrDefault("LOG_LEVEL", "info"),
		LogFormat:              getEnvOrDefault("LOG_FORMAT", "text"),
	}

	if debug := os.Getenv("DEBUG"); debug == "true" {
		cfg.Debug = true
		cfg.LogLevel = "debug"
	}

	return cfg, cfg.Validate()
}

// RetentionHorizon is the article age past which rows are purged.
func (c *Config) RetentionHorizon() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

// ClassifierEnabled reports whether the Gemini sentiment layer is on.
func (c *Config) ClassifierEnabled() bool {
	return c.GeminiAPIKey != ""
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func (c *Config) Validate() error {
	if c.TelegramToken == "" {
		return fmt.Errorf("TELEGRAM_TOKEN is required")
	}
	switch strings.ToLower(c.DBDriver) {
	case "sqlite3", "postgres":
	default:
		return fmt.Errorf("DB_DRIVER must be 'sqlite3' or 'postgres'")
	}
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.TrendingWeight < 0 || c.TrendingWeight > 1 {
		return fmt.Errorf("TRENDING_WEIGHT must be within [0,1], got %v", c.TrendingWeight)
	}
	if c.MaxArticlesPerCategory < 1 {
		return fmt.Errorf("MAX_ARTICLES_PER_CATEGORY must be positive")
	}
	if c.RetentionDays < 1 {
		return fmt.Errorf("RETENTION_DAYS must be positive")
	}
	if c.FetchInterval < time.Minute {
		return fmt.Errorf("FETCH_INTERVAL must be at least 1m")
	}
	if c.FetchConcurrency < 1 {
		return fmt.Errorf("FETCH_CONCURRENCY must be positive")
	}
	if c.SendTimeout <= 0 || c.FetchTimeout <= 0 || c.CycleTimeout <= 0 {
		return fmt.Errorf("timeouts must be positive")
	}
	if c.RecencyHalfLife <= 0 {
		return fmt.Errorf("RECENCY_HALF_LIFE must be positive")
	}
	return nil
}
