// Package config handles application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration.
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Blockchain settings
	RPCURL            string
	ChainID           int64
	PrivateKey        string // Hex-encoded, 0x prefix optional
	AutoPayerContract string // Deployed AutoPayer escrow contract

	// AI verification
	OpenAIAPIKey    string
	OpenAIModel     string
	DownloadTimeout time.Duration

	// Receipt uploads
	IPFSAPIURL       string
	IPFSGatewayURL   string
	MaxReceiptSizeMB int64
	AllowedMIMETypes []string

	// Oracle defaults (admin calls can change these at runtime)
	PlatformFeeRateBps  int64
	EscrowDuration      time.Duration
	MinEscrowAmount     string // smallest token unit
	MaxEscrowAmount     string
	MaxRateDeviationBps int64
	RateValidityPeriod  time.Duration

	// Security
	AdminSecret  string
	RateLimitRPM int

	// Observability
	OTLPEndpoint string
}

// Defaults
const (
	DefaultRPCURL       = "https://bsc-testnet-rpc.publicnode.com"
	DefaultChainID      = 97 // BNB Smart Chain testnet
	DefaultPort         = "8080"
	DefaultEnv          = "development"
	DefaultLogLevel     = "info"
	DefaultOpenAIModel  = "gpt-4o"
	DefaultIPFSAPIURL   = "http://localhost:5001"
	DefaultIPFSGateway  = "https://ipfs.io/ipfs"
	DefaultFeeRateBps   = 100 // 1%
	DefaultDeviationBps = 500 // 5%
	DefaultRateLimitRPM = 120
)

// Load reads configuration from environment variables.
// It loads a .env file first if present (for local development).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:                getEnv("PORT", DefaultPort),
		Env:                 getEnv("ENV", DefaultEnv),
		LogLevel:            getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		RPCURL:              getEnv("RPC_URL", DefaultRPCURL),
		ChainID:             getEnvInt64("CHAIN_ID", DefaultChainID),
		PrivateKey:          os.Getenv("PRIVATE_KEY"), // Required, no default
		AutoPayerContract:   os.Getenv("AUTOPAYER_CONTRACT"),
		OpenAIAPIKey:        os.Getenv("OPENAI_API_KEY"),
		OpenAIModel:         getEnv("OPENAI_MODEL", DefaultOpenAIModel),
		DownloadTimeout:     getEnvDuration("RECEIPT_DOWNLOAD_TIMEOUT", 30*time.Second),
		IPFSAPIURL:          getEnv("IPFS_API_URL", DefaultIPFSAPIURL),
		IPFSGatewayURL:      getEnv("IPFS_GATEWAY_URL", DefaultIPFSGateway),
		MaxReceiptSizeMB:    getEnvInt64("MAX_RECEIPT_SIZE_MB", 10),
		AllowedMIMETypes:    getEnvList("ALLOWED_MIME_TYPES", []string{"image/jpeg", "image/png", "image/webp", "application/pdf"}),
		PlatformFeeRateBps:  getEnvInt64("PLATFORM_FEE_RATE_BPS", DefaultFeeRateBps),
		EscrowDuration:      getEnvDuration("ESCROW_DURATION", 24*time.Hour),
		MinEscrowAmount:     getEnv("MIN_ESCROW_AMOUNT", "1000000"),           // 1 token at 6 decimals
		MaxEscrowAmount:     getEnv("MAX_ESCROW_AMOUNT", "1000000000000"),     // 1M tokens at 6 decimals
		MaxRateDeviationBps: getEnvInt64("MAX_RATE_DEVIATION_BPS", DefaultDeviationBps),
		RateValidityPeriod:  getEnvDuration("RATE_VALIDITY_PERIOD", time.Hour),
		AdminSecret:         os.Getenv("ADMIN_SECRET"),
		RateLimitRPM:        int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimitRPM)),
		OTLPEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present and sane.
func (c *Config) Validate() error {
	if c.PrivateKey == "" {
		return fmt.Errorf("PRIVATE_KEY is required")
	}

	key := strings.TrimPrefix(c.PrivateKey, "0x")
	if len(key) != 64 {
		return fmt.Errorf("PRIVATE_KEY must be 64 hex characters (with or without 0x prefix)")
	}

	if c.RPCURL == "" {
		return fmt.Errorf("RPC_URL is required")
	}

	if c.AutoPayerContract == "" {
		return fmt.Errorf("AUTOPAYER_CONTRACT is required")
	}

	if c.PlatformFeeRateBps < 0 || c.PlatformFeeRateBps > 10000 {
		return fmt.Errorf("PLATFORM_FEE_RATE_BPS must be in [0, 10000]")
	}

	if c.MaxReceiptSizeMB <= 0 {
		return fmt.Errorf("MAX_RECEIPT_SIZE_MB must be positive")
	}

	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode.
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
		if d, err := time.ParseDuration(value); err == nil && d > 0 {
			return d
		}
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
