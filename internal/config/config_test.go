package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test helper to set env vars and clean up after
func setEnv(t *testing.T, key, value string) {
	t.Helper()
	old, had := os.LookupEnv(key)
	os.Setenv(key, value)
	t.Cleanup(func() {
		if !had {
			os.Unsetenv(key)
		} else {
			os.Setenv(key, old)
		}
	})
}

func TestLoad_Defaults(t *testing.T) {
	setEnv(t, "ENV", "development")
	setEnv(t, "PORT", "9090")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, DefaultAutoReleaseDays, cfg.AutoReleaseDays)
	assert.Equal(t, 7*24*time.Hour, cfg.AutoReleaseWindow())
	assert.Equal(t, DefaultConfirmationTimeout, cfg.ConfirmationTimeout)
	assert.Equal(t, int64(DefaultPlatformFeeBPS), cfg.PlatformFeeBPS)
	assert.Equal(t, DefaultMaxCounterOffers, cfg.MaxCounterOffers)
	assert.True(t, cfg.IsDevelopment())
}

func TestLoad_Overrides(t *testing.T) {
	setEnv(t, "ENV", "staging")
	setEnv(t, "AUTO_RELEASE_DAYS", "3")
	setEnv(t, "CONFIRMATION_TIMEOUT", "2m")
	setEnv(t, "MAX_COUNTER_OFFERS", "5")
	setEnv(t, "RUN_MIGRATIONS", "true")
	setEnv(t, "OFFER_TTL", "not-a-duration")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.AutoReleaseDays)
	assert.Equal(t, 2*time.Minute, cfg.ConfirmationTimeout)
	assert.Equal(t, 5, cfg.MaxCounterOffers)
	assert.True(t, cfg.RunMigrations)
	assert.Equal(t, DefaultOfferTTL, cfg.OfferTTL, "unparseable values fall back to the default")
}

func TestLoad_OriginList(t *testing.T) {
	setEnv(t, "ENV", "development")
	setEnv(t, "CORS_ALLOWED_ORIGINS", "https://bot.example, ,https://admin.example")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"https://bot.example", "https://admin.example"}, cfg.CORSAllowedOrigins)
	assert.Equal(t, DefaultRateLimitRPM, cfg.RateLimitRPM)
}

func TestLoad_ProductionRequiresDatabase(t *testing.T) {
	setEnv(t, "ENV", "production")
	setEnv(t, "DATABASE_URL", "")
	setEnv(t, "ADMIN_SECRET", "s3cret")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DATABASE_URL is required")
}

func TestConfig_Validate(t *testing.T) {
	valid := func() Config {
		return Config{
			Env:                 "development",
			AutoReleaseDays:     7,
			ConfirmationTimeout: time.Second,
			PlatformFeeBPS:      500,
			MaxCounterOffers:    3,
			OfferTTL:            time.Hour,
			TimerInterval:       time.Second,
			RatingRetryInterval: time.Minute,
			RateLimitRPM:        60,
			RateLimitBurst:      10,
		}
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "valid config", mutate: func(c *Config) {}},
		{name: "zero release window", mutate: func(c *Config) { c.AutoReleaseDays = 0 }, wantErr: "AUTO_RELEASE_DAYS"},
		{name: "fee above 100%", mutate: func(c *Config) { c.PlatformFeeBPS = 10001 }, wantErr: "PLATFORM_FEE_BPS"},
		{name: "negative counters", mutate: func(c *Config) { c.MaxCounterOffers = -1 }, wantErr: "MAX_COUNTER_OFFERS"},
		{name: "zero confirmation timeout", mutate: func(c *Config) { c.ConfirmationTimeout = 0 }, wantErr: "CONFIRMATION_TIMEOUT"},
		{
			name: "production without admin secret",
			mutate: func(c *Config) {
				c.Env = "production"
				c.DatabaseURL = "postgres://localhost/escrow"
			},
			wantErr: "ADMIN_SECRET",
		},
		{
			name: "production webhook without secret",
			mutate: func(c *Config) {
				c.Env = "production"
				c.DatabaseURL = "postgres://localhost/escrow"
				c.AdminSecret = "s3cret"
				c.NotifyWebhookURL = "http://bot:8081/notify"
			},
			wantErr: "NOTIFY_WEBHOOK_SECRET",
		},
		{name: "zero rate limit", mutate: func(c *Config) { c.RateLimitRPM = 0 }, wantErr: "RATE_LIMIT_RPM"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
