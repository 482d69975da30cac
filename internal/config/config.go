// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Database
	DatabaseURL   string // PostgreSQL connection string (optional, uses in-memory if not set)
	RunMigrations bool

	// Escrow settings
	AutoReleaseDays     int
	ConfirmationTimeout time.Duration
	PlatformFeeBPS      int64 // fee in basis points of the sale amount
	TimerInterval       time.Duration

	// Negotiation settings
	MaxCounterOffers int
	OfferTTL         time.Duration

	// Rating settings
	RatingRetryInterval time.Duration

	// Notifications
	NotifyWebhookURL    string // bot service endpoint; empty logs notifications instead
	NotifyWebhookSecret string

	// Security
	AdminSecret        string
	CORSAllowedOrigins []string
	RateLimitRPM       int
	RateLimitBurst     int

	// Observability
	OTLPEndpoint string
}

const (
	DefaultPort                = "8080"
	DefaultEnv                 = "development"
	DefaultLogLevel            = "info"
	DefaultLogFormat           = "text"
	DefaultAutoReleaseDays     = 7
	DefaultConfirmationTimeout = 30 * time.Second
	DefaultPlatformFeeBPS      = 500
	DefaultTimerInterval       = 30 * time.Second
	DefaultMaxCounterOffers    = 3
	DefaultOfferTTL            = 48 * time.Hour
	DefaultRatingRetryInterval = time.Minute
	DefaultRateLimitRPM        = 120
	DefaultRateLimitBurst      = 20
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:                getEnv("PORT", DefaultPort),
		Env:                 getEnv("ENV", DefaultEnv),
		LogLevel:            getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:           getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		RunMigrations:       getEnvBool("RUN_MIGRATIONS", false),
		AutoReleaseDays:     int(getEnvInt64("AUTO_RELEASE_DAYS", DefaultAutoReleaseDays)),
		ConfirmationTimeout: getEnvDuration("CONFIRMATION_TIMEOUT", DefaultConfirmationTimeout),
		PlatformFeeBPS:      getEnvInt64("PLATFORM_FEE_BPS", DefaultPlatformFeeBPS),
		TimerInterval:       getEnvDuration("TIMER_INTERVAL", DefaultTimerInterval),
		MaxCounterOffers:    int(getEnvInt64("MAX_COUNTER_OFFERS", DefaultMaxCounterOffers)),
		OfferTTL:            getEnvDuration("OFFER_TTL", DefaultOfferTTL),
		RatingRetryInterval: getEnvDuration("RATING_RETRY_INTERVAL", DefaultRatingRetryInterval),
		NotifyWebhookURL:    os.Getenv("NOTIFY_WEBHOOK_URL"),
		NotifyWebhookSecret: os.Getenv("NOTIFY_WEBHOOK_SECRET"),
		AdminSecret:         os.Getenv("ADMIN_SECRET"),
		CORSAllowedOrigins:  getEnvList("CORS_ALLOWED_ORIGINS"),
		RateLimitRPM:        int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimitRPM)),
		RateLimitBurst:      int(getEnvInt64("RATE_LIMIT_BURST", DefaultRateLimitBurst)),
		OTLPEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks ranges and production requirements.
func (c *Config) Validate() error {
	if c.AutoReleaseDays <= 0 {
		return fmt.Errorf("AUTO_RELEASE_DAYS must be positive")
	}
	if c.ConfirmationTimeout <= 0 {
		return fmt.Errorf("CONFIRMATION_TIMEOUT must be positive")
	}
	if c.PlatformFeeBPS < 0 || c.PlatformFeeBPS > 10000 {
		return fmt.Errorf("PLATFORM_FEE_BPS must be between 0 and 10000")
	}
	if c.MaxCounterOffers < 0 {
		return fmt.Errorf("MAX_COUNTER_OFFERS must not be negative")
	}
	if c.OfferTTL <= 0 {
		return fmt.Errorf("OFFER_TTL must be positive")
	}
	if c.TimerInterval <= 0 {
		return fmt.Errorf("TIMER_INTERVAL must be positive")
	}
	if c.RatingRetryInterval <= 0 {
		return fmt.Errorf("RATING_RETRY_INTERVAL must be positive")
	}
	if c.RateLimitRPM <= 0 || c.RateLimitBurst <= 0 {
		return fmt.Errorf("RATE_LIMIT_RPM and RATE_LIMIT_BURST must be positive")
	}
	if c.IsProduction() {
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required in production")
		}
		if c.AdminSecret == "" {
			return fmt.Errorf("ADMIN_SECRET is required in production")
		}
		if c.NotifyWebhookURL != "" && c.NotifyWebhookSecret == "" {
			return fmt.Errorf("NOTIFY_WEBHOOK_SECRET is required with NOTIFY_WEBHOOK_URL in production")
		}
	}
	return nil
}

// AutoReleaseWindow is the escrow auto-release window as a duration.
func (c *Config) AutoReleaseWindow() time.Duration {
	return time.Duration(c.AutoReleaseDays) * 24 * time.Hour
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(strings.TrimSpace(value)); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvList splits a comma-separated variable, dropping empty items.
func getEnvList(key string) []string {
	var out []string
	for _, item := range strings.Split(os.Getenv(key), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
