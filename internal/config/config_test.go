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
	old := os.Getenv(key)
	os.Setenv(key, value)
	t.Cleanup(func() {
		if old == "" {
			os.Unsetenv(key)
		} else {
			os.Setenv(key, old)
		}
	})
}

func TestLoad_WithValidConfig(t *testing.T) {
	setEnv(t, "EVM_PAY_TO", "0x1234567890123456789012345678901234567890")
	setEnv(t, "PORT", "9090")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, DefaultEVMNetwork, cfg.EVMNetwork)
	assert.Equal(t, DefaultPaymentAsset, cfg.PaymentAsset)
	assert.Equal(t, DefaultBookingTTL, cfg.BookingTTL)
	assert.Equal(t, DefaultHeartbeatThreshold, cfg.HeartbeatThreshold)
}

func TestLoad_MissingRecipientOutsideDevMode(t *testing.T) {
	setEnv(t, "DEV_MODE", "false")
	setEnv(t, "EVM_PAY_TO", "")
	setEnv(t, "SOLANA_PAY_TO", "")

	_, err := Load()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "EVM_PAY_TO or SOLANA_PAY_TO")
}

func TestLoad_DevModeWithoutRecipient(t *testing.T) {
	setEnv(t, "DEV_MODE", "true")
	setEnv(t, "EVM_PAY_TO", "")
	setEnv(t, "SOLANA_PAY_TO", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.DevMode)
}

func TestLoad_DurationOverrides(t *testing.T) {
	setEnv(t, "DEV_MODE", "true")
	setEnv(t, "HEARTBEAT_THRESHOLD", "90s")
	setEnv(t, "BOOKING_TTL", "30m")
	setEnv(t, "PAYMENT_SKEW", "2m")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 90*time.Second, cfg.HeartbeatThreshold)
	assert.Equal(t, 30*time.Minute, cfg.BookingTTL)
	assert.Equal(t, 2*time.Minute, cfg.PaymentSkew)
}

func TestLoad_InvalidDurationFallsBack(t *testing.T) {
	setEnv(t, "DEV_MODE", "true")
	setEnv(t, "BOOKING_TTL", "not-a-duration")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, DefaultBookingTTL, cfg.BookingTTL)
}

func TestLoad_CORSOrigins(t *testing.T) {
	setEnv(t, "DEV_MODE", "true")
	setEnv(t, "CORS_ORIGINS", "https://app.example.com, https://coach.example.com")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"https://app.example.com", "https://coach.example.com"}, cfg.CORSOrigins)
}

func TestIsDevelopment(t *testing.T) {
	cfg := &Config{Env: "development"}
	assert.True(t, cfg.IsDevelopment())
	assert.False(t, cfg.IsProduction())

	cfg.Env = "production"
	assert.False(t, cfg.IsDevelopment())
	assert.True(t, cfg.IsProduction())
}
