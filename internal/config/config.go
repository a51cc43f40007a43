// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
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

	// Payment provider
	StripeAPIKey string // Optional; simulated provider when unset

	// Settlement
	SettleConcurrency   int           // Max concurrent per-user charge attempts in a batch
	ExpiryCheckInterval time.Duration // How often the expiry checker scans for lapsed grace periods
	EstimateMultiplier  int           // Worst-case usage multiplier for revoked monitoring

	// Security
	AdminSecret  string // Operator API secret
	RateLimitRPM int

	// Observability
	OTLPEndpoint string
}

const (
	DefaultPort                = "8080"
	DefaultEnv                 = "development"
	DefaultLogLevel            = "info"
	DefaultRateLimit           = 120
	DefaultSettleConcurrency   = 8
	DefaultExpiryCheckInterval = time.Minute
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                getEnv("PORT", DefaultPort),
		Env:                 getEnv("ENV", DefaultEnv),
		LogLevel:            getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:         os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		StripeAPIKey:        os.Getenv("STRIPE_API_KEY"),
		SettleConcurrency:   getEnvInt("SETTLE_CONCURRENCY", DefaultSettleConcurrency),
		ExpiryCheckInterval: getEnvDuration("EXPIRY_CHECK_INTERVAL", DefaultExpiryCheckInterval),
		EstimateMultiplier:  getEnvInt("ESTIMATE_MULTIPLIER", 0), // 0 = package default
		AdminSecret:         os.Getenv("ADMIN_SECRET"),
		RateLimitRPM:        getEnvInt("RATE_LIMIT_RPM", DefaultRateLimit),
		OTLPEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.SettleConcurrency < 1 {
		return fmt.Errorf("SETTLE_CONCURRENCY must be at least 1")
	}
	if c.ExpiryCheckInterval < time.Second {
		return fmt.Errorf("EXPIRY_CHECK_INTERVAL must be at least 1s")
	}
	if c.EstimateMultiplier < 0 {
		return fmt.Errorf("ESTIMATE_MULTIPLIER must not be negative")
	}
	if c.IsProduction() && c.AdminSecret == "" {
		return fmt.Errorf("ADMIN_SECRET is required in production")
	}
	if c.IsProduction() && c.StripeAPIKey == "" {
		return fmt.Errorf("STRIPE_API_KEY is required in production")
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

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
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
