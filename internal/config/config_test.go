package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("APP_ENV", "local")
	t.Setenv("APP_PORT", "8080")
	t.Setenv("DB_HOST", "localhost")
	t.Setenv("DB_USER", "postgres")
	t.Setenv("DB_NAME", "billing")
	t.Setenv("JWT_SECRET", "secret")
	t.Setenv("PROVIDER_BASE_URL", "https://provider.example/")
	t.Setenv("PROVIDER_API_KEY", "key")
	for _, k := range []string{"DATABASE_URL", "DB_PORT", "DB_SSLMODE", "REDIS_HOST", "REDIS_PORT", "INGEST_INTERVAL", "JWT_ISSUER", "JWT_AUDIENCE"} {
		t.Setenv(k, "")
	}
}

func TestValidate_ReportsMissingRequired(t *testing.T) {
	c := Config{}
	err := c.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "APP_ENV is required")
	assert.Contains(t, err.Error(), "JWT_SECRET is required")
	assert.Contains(t, err.Error(), "PROVIDER_BASE_URL is required")
}

func TestFromEnv_Defaults(t *testing.T) {
	setRequired(t)

	c, err := FromEnv()
	require.NoError(t, err)

	assert.Equal(t, "disable", c.DB.SSLMode)
	assert.Equal(t, 5432, c.DB.Port)
	assert.Equal(t, "https://provider.example", c.Provider.BaseURL)
	assert.Equal(t, 2, c.Provider.RetryCount)
	assert.Equal(t, time.Minute, c.Ingestion.Interval)
	assert.Equal(t, 5*time.Minute, c.Ingestion.LeaseTTL)
	assert.True(t, c.Ingestion.AutoStart)
	assert.Equal(t, 15*time.Minute, c.Auth.AccessTokenTTL)
	assert.Equal(t, 20*time.Second, c.App.ShutdownTimeout)

	assert.Equal(t, int64(11), c.Pricing.RatePerMinuteCents)
	assert.Equal(t, int64(30), c.Pricing.MinimumBillableSeconds)
	assert.True(t, c.Pricing.RoundUpPartialMinutes)

	assert.False(t, c.RedisEnabled())
	assert.Equal(t, "call-billing:ingest:cursor", c.Redis.CursorKey)
	assert.Contains(t, c.PostgresDSN(), "host=localhost port=5432")
}

func TestFromEnv_DatabaseURLWins(t *testing.T) {
	setRequired(t)
	t.Setenv("DB_HOST", "")
	t.Setenv("DATABASE_URL", "postgres://u:p@db:5432/billing")

	c, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, "postgres://u:p@db:5432/billing", c.PostgresDSN())
}

func TestFromEnv_RejectsMalformedValues(t *testing.T) {
	setRequired(t)
	t.Setenv("INGEST_INTERVAL", "every minute")
	t.Setenv("DB_AUTO_MIGRATE", "sometimes")
	t.Setenv("PROVIDER_PAGE_SIZE", "ten")

	_, err := FromEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "INGEST_INTERVAL")
	assert.Contains(t, err.Error(), "DB_AUTO_MIGRATE")
	assert.Contains(t, err.Error(), "PROVIDER_PAGE_SIZE")
}

func TestFromEnv_RejectsNegativePricing(t *testing.T) {
	setRequired(t)
	t.Setenv("PRICING_RATE_PER_MINUTE_CENTS", "-1")

	_, err := FromEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate_per_minute_cents")
}

func TestValidate_ProductionRequiresSSLModeAndIssuer(t *testing.T) {
	setRequired(t)
	t.Setenv("APP_ENV", "production")

	_, err := FromEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DB_SSLMODE is required in production")
	assert.Contains(t, err.Error(), "JWT_ISSUER is required in production")
}

func TestFromEnv_Redis(t *testing.T) {
	setRequired(t)
	t.Setenv("REDIS_HOST", "cache")
	t.Setenv("REDIS_PORT", "6380")

	c, err := FromEnv()
	require.NoError(t, err)
	assert.True(t, c.RedisEnabled())
	assert.Equal(t, "cache:6380", c.RedisAddr())
}
