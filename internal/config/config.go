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

	// Ledger settings
	RPCURL        string
	Commitment    string // "processed", "confirmed", "finalized"
	SignatureScan int    // max signatures fetched per reference scan

	// Reconciliation settings
	ScanInterval     time.Duration // coordinator sweep interval
	DispatchInterval time.Duration // webhook dispatcher sweep interval
	ToleranceBps     int           // amount sufficiency tolerance, basis points

	// Webhook delivery
	WebhookTimeout time.Duration // per-attempt HTTP timeout
	DispatchBatch  int           // max events per dispatcher sweep

	// Tracing
	OTLPEndpoint string
}

// Defaults target Solana devnet.
const (
	DefaultRPCURL           = "https://api.devnet.solana.com"
	DefaultCommitment       = "confirmed"
	DefaultPort             = "8080"
	DefaultEnv              = "development"
	DefaultLogLevel         = "info"
	DefaultSignatureScan    = 10
	DefaultToleranceBps     = 100 // 1%
	DefaultScanInterval     = 5 * time.Second
	DefaultDispatchInterval = time.Second
	DefaultWebhookTimeout   = 10 * time.Second
	DefaultDispatchBatch    = 50
)

// Load reads configuration from environment variables.
// It loads .env file if present (for local development).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:             getEnv("PORT", DefaultPort),
		Env:              getEnv("ENV", DefaultEnv),
		LogLevel:         getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:      os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		RPCURL:           getEnv("RPC_URL", DefaultRPCURL),
		Commitment:       getEnv("COMMITMENT", DefaultCommitment),
		SignatureScan:    getEnvInt("SIGNATURE_SCAN_LIMIT", DefaultSignatureScan),
		ScanInterval:     getEnvDuration("SCAN_INTERVAL", DefaultScanInterval),
		DispatchInterval: getEnvDuration("DISPATCH_INTERVAL", DefaultDispatchInterval),
		ToleranceBps:     getEnvInt("TOLERANCE_BPS", DefaultToleranceBps),
		WebhookTimeout:   getEnvDuration("WEBHOOK_TIMEOUT", DefaultWebhookTimeout),
		DispatchBatch:    getEnvInt("DISPATCH_BATCH", DefaultDispatchBatch),
		OTLPEndpoint:     os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present and sane.
func (c *Config) Validate() error {
	if c.RPCURL == "" {
		return fmt.Errorf("RPC_URL is required")
	}

	switch c.Commitment {
	case "processed", "confirmed", "finalized":
	default:
		return fmt.Errorf("COMMITMENT must be processed, confirmed, or finalized")
	}

	if c.SignatureScan <= 0 || c.SignatureScan > 1000 {
		return fmt.Errorf("SIGNATURE_SCAN_LIMIT must be between 1 and 1000")
	}

	if c.ToleranceBps < 0 || c.ToleranceBps >= 10000 {
		return fmt.Errorf("TOLERANCE_BPS must be between 0 and 9999")
	}

	if c.ScanInterval < time.Second {
		return fmt.Errorf("SCAN_INTERVAL must be at least 1s")
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
