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

	// Wallet node
	WalletRPCURL     string // JSON-RPC endpoint of the wallet node
	WalletRPCTimeout time.Duration

	// Settlement settings
	RequiredConfirmations uint64 // single authoritative threshold for Funded -> Active
	PollInterval          time.Duration
	SetupTimeout          time.Duration // wall-clock budget for multisig setup

	// Security
	ArbiterSecret string // authenticates the dispute resolution endpoint
	RateLimitRPS  int

	// Observability
	OTLPEndpoint string

	// SimulatePayments enables the test-only fake ledger source.
	// Refused outright in production.
	SimulatePayments bool
}

const (
	DefaultPort          = "8080"
	DefaultEnv           = "development"
	DefaultLogLevel      = "info"
	DefaultWalletRPCURL  = "http://127.0.0.1:18083/json_rpc"
	DefaultRPCTimeout    = 30 * time.Second
	DefaultConfirmations = 10
	DefaultPollInterval  = 15 * time.Second
	DefaultSetupTimeout  = 15 * time.Minute
	DefaultRateLimit     = 100

	// Polling bounds: faster wastes wallet-RPC budget, slower delays
	// funding detection past what the checkout flow tolerates.
	minPollInterval = 10 * time.Second
	maxPollInterval = 30 * time.Second
)

// Load reads configuration from environment variables.
// It loads .env file if present (for local development).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:                  getEnv("PORT", DefaultPort),
		Env:                   getEnv("ENV", DefaultEnv),
		LogLevel:              getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:           os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		WalletRPCURL:          getEnv("WALLET_RPC_URL", DefaultWalletRPCURL),
		WalletRPCTimeout:      getEnvDuration("WALLET_RPC_TIMEOUT", DefaultRPCTimeout),
		RequiredConfirmations: uint64(getEnvInt64("REQUIRED_CONFIRMATIONS", DefaultConfirmations)),
		PollInterval:          getEnvDuration("POLL_INTERVAL", DefaultPollInterval),
		SetupTimeout:          getEnvDuration("SETUP_TIMEOUT", DefaultSetupTimeout),
		ArbiterSecret:         os.Getenv("ARBITER_SECRET"),
		RateLimitRPS:          int(getEnvInt64("RATE_LIMIT_RPS", DefaultRateLimit)),
		OTLPEndpoint:          os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		SimulatePayments:      getEnvBool("SIMULATE_PAYMENTS", false),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present and sane
func (c *Config) Validate() error {
	if c.WalletRPCURL == "" {
		return fmt.Errorf("WALLET_RPC_URL is required")
	}

	if c.RequiredConfirmations == 0 {
		return fmt.Errorf("REQUIRED_CONFIRMATIONS must be at least 1")
	}

	if c.PollInterval < minPollInterval || c.PollInterval > maxPollInterval {
		return fmt.Errorf("POLL_INTERVAL must be between %s and %s", minPollInterval, maxPollInterval)
	}

	if c.SetupTimeout < time.Minute {
		return fmt.Errorf("SETUP_TIMEOUT must be at least 1m")
	}

	if c.SimulatePayments && c.IsProduction() {
		return fmt.Errorf("SIMULATE_PAYMENTS cannot be enabled in production")
	}

	if c.IsProduction() && c.ArbiterSecret == "" {
		return fmt.Errorf("ARBITER_SECRET is required in production")
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

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
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
