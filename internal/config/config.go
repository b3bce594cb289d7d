// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"

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

	// Provider credentials. Each is the raw API key for one provider type;
	// empty means the provider is disabled.
	OpenAIKey    string
	AnthropicKey string
	GoogleKey    string
	MockProvider bool // serve canned completions instead of real providers

	// Security
	APIKeySecret  string // HMAC secret for hashing API keys at rest
	WebhookSecret string // shared secret for signing outbound webhooks
	RateLimitRPS  int
	DeniedCIDRs   string // comma-separated CIDR blocks scored as hostile

	// Billing
	StripeSecretKey     string // Stripe API key (optional, billing disabled if unset)
	StripeWebhookSecret string // Stripe webhook signing secret

	// Observability
	OTLPEndpoint string // OTLP gRPC endpoint (optional, tracing disabled if unset)
}

const (
	DefaultPort      = "8080"
	DefaultEnv       = "development"
	DefaultLogLevel  = "info"
	DefaultRateLimit = 100
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
		OpenAIKey:           os.Getenv("OPENAI_API_KEY"),
		AnthropicKey:        os.Getenv("ANTHROPIC_API_KEY"),
		GoogleKey:           os.Getenv("GOOGLE_API_KEY"),
		MockProvider:        getEnvBool("MOCK_PROVIDER", false),
		APIKeySecret:        os.Getenv("API_KEY_SECRET"),
		WebhookSecret:       os.Getenv("WEBHOOK_SECRET"),
		RateLimitRPS:        int(getEnvInt64("RATE_LIMIT_RPS", int64(DefaultRateLimit))),
		DeniedCIDRs:         os.Getenv("DENIED_CIDRS"),
		StripeSecretKey:     os.Getenv("STRIPE_SECRET_KEY"),
		StripeWebhookSecret: os.Getenv("STRIPE_WEBHOOK_SECRET"),
		OTLPEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if !c.MockProvider && c.OpenAIKey == "" && c.AnthropicKey == "" && c.GoogleKey == "" {
		return fmt.Errorf("at least one provider key is required (OPENAI_API_KEY, ANTHROPIC_API_KEY, GOOGLE_API_KEY) unless MOCK_PROVIDER=true")
	}

	if c.StripeWebhookSecret != "" && c.StripeSecretKey == "" {
		return fmt.Errorf("STRIPE_WEBHOOK_SECRET is set but STRIPE_SECRET_KEY is missing")
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
