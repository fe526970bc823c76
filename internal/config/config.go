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
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Registry settings
	DevMode            bool          // permit registrations without an identity proof
	HeartbeatThreshold time.Duration // heartbeat age past which a dynamic agent is stale
	LivenessInterval   time.Duration // how often the staleness sweep runs
	BookingTTL         time.Duration // how long a booking holds its slot
	BookingInterval    time.Duration // how often the booking expiry sweep runs

	// Payment settings
	PaymentAsset  string        // settlement asset, e.g. "USDC"
	PaymentSkew   time.Duration // accepted payment timestamp skew
	EVMNetwork    string        // EVM settlement network name
	EVMPayTo      string        // EVM recipient address
	SolanaNetwork string        // Solana settlement network name
	SolanaPayTo   string        // Solana recipient address

	// Security
	RateLimitRPS int
	CORSOrigins  []string

	// Observability
	OTLPEndpoint string // OTLP gRPC endpoint; empty disables tracing
}

// Base Sepolia defaults
const (
	DefaultPort               = "8080"
	DefaultEnv                = "development"
	DefaultLogLevel           = "info"
	DefaultEVMNetwork         = "base-sepolia"
	DefaultSolanaNetwork      = "solana-devnet"
	DefaultPaymentAsset       = "USDC"
	DefaultRateLimit          = 100
	DefaultHeartbeatThreshold = 5 * time.Minute
	DefaultLivenessInterval   = time.Minute
	DefaultBookingTTL         = time.Hour
	DefaultBookingInterval    = 5 * time.Minute
	DefaultPaymentSkew        = 5 * time.Minute
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:               getEnv("PORT", DefaultPort),
		Env:                getEnv("ENV", DefaultEnv),
		LogLevel:           getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:        os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		DevMode:            getEnvBool("DEV_MODE", false),
		HeartbeatThreshold: getEnvDuration("HEARTBEAT_THRESHOLD", DefaultHeartbeatThreshold),
		LivenessInterval:   getEnvDuration("LIVENESS_SWEEP_INTERVAL", DefaultLivenessInterval),
		BookingTTL:         getEnvDuration("BOOKING_TTL", DefaultBookingTTL),
		BookingInterval:    getEnvDuration("BOOKING_SWEEP_INTERVAL", DefaultBookingInterval),
		PaymentAsset:       getEnv("PAYMENT_ASSET", DefaultPaymentAsset),
		PaymentSkew:        getEnvDuration("PAYMENT_SKEW", DefaultPaymentSkew),
		EVMNetwork:         getEnv("EVM_NETWORK", DefaultEVMNetwork),
		EVMPayTo:           os.Getenv("EVM_PAY_TO"),
		SolanaNetwork:      getEnv("SOLANA_NETWORK", DefaultSolanaNetwork),
		SolanaPayTo:        os.Getenv("SOLANA_PAY_TO"),
		RateLimitRPS:       int(getEnvInt64("RATE_LIMIT_RPS", int64(DefaultRateLimit))),
		OTLPEndpoint:       os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if origins := os.Getenv("CORS_ORIGINS"); origins != "" {
		for _, o := range strings.Split(origins, ",") {
			if o = strings.TrimSpace(o); o != "" {
				cfg.CORSOrigins = append(cfg.CORSOrigins, o)
			}
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	// Outside dev mode at least one payment recipient must be set or
	// every paid route would fail to issue a challenge.
	if !c.DevMode && c.EVMPayTo == "" && c.SolanaPayTo == "" {
		return fmt.Errorf("EVM_PAY_TO or SOLANA_PAY_TO is required outside dev mode")
	}
	if c.HeartbeatThreshold <= 0 {
		return fmt.Errorf("HEARTBEAT_THRESHOLD must be positive")
	}
	if c.BookingTTL <= 0 {
		return fmt.Errorf("BOOKING_TTL must be positive")
	}
	return nil
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
		if b, err := strconv.ParseBool(value); err == nil {
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
