// Package config handles dashboard configuration from environment variables
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"

	"github.com/mbd888/paydash/internal/dashboard"
)

// Config holds all dashboard configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Payment backend
	APIBaseURL string

	// Views mounted for the whole process lifetime
	PinnedViews []string

	// Browser origins allowed to call the API; empty allows all in development
	AllowedOrigins []string

	// Verification rate limit per client IP
	VerifyRatePerMinute int
	VerifyBurst         int

	// Tracing (optional)
	OTLPEndpoint string
}

const (
	DefaultAPIBaseURL = "http://localhost:8080"
	DefaultPort       = "3000"
	DefaultEnv        = "development"
	DefaultLogLevel   = "info"
	DefaultLogFormat  = "text"
	DefaultPinned     = "overview"

	DefaultVerifyRatePerMinute = 30
	DefaultVerifyBurst         = 5
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:           getEnv("PORT", DefaultPort),
		Env:            getEnv("ENV", DefaultEnv),
		LogLevel:       getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:      getEnv("LOG_FORMAT", DefaultLogFormat),
		APIBaseURL:     strings.TrimRight(getEnv("API_BASE_URL", DefaultAPIBaseURL), "/"),
		PinnedViews:    getEnvList("PINNED_VIEWS", DefaultPinned),
		AllowedOrigins: getEnvList("ALLOWED_ORIGINS", ""),
		OTLPEndpoint:   os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	var err error
	if cfg.VerifyRatePerMinute, err = getEnvInt("VERIFY_RATE_PER_MINUTE", DefaultVerifyRatePerMinute); err != nil {
		return nil, err
	}
	if cfg.VerifyBurst, err = getEnvInt("VERIFY_BURST", DefaultVerifyBurst); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is usable
func (c *Config) Validate() error {
	u, err := url.Parse(c.APIBaseURL)
	if err != nil {
		return fmt.Errorf("API_BASE_URL is not a valid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("API_BASE_URL must use http or https, got %q", c.APIBaseURL)
	}
	if u.Host == "" {
		return fmt.Errorf("API_BASE_URL must include a host")
	}

	if c.Port == "" {
		return fmt.Errorf("PORT is required")
	}

	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("LOG_FORMAT must be text or json, got %q", c.LogFormat)
	}

	if c.VerifyRatePerMinute < 0 || c.VerifyBurst < 0 {
		return fmt.Errorf("VERIFY_RATE_PER_MINUTE and VERIFY_BURST must not be negative")
	}

	for _, v := range c.PinnedViews {
		if _, ok := dashboard.ParseView(v); !ok {
			return fmt.Errorf("PINNED_VIEWS: unknown view %q", v)
		}
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

func getEnvInt(key string, defaultValue int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", key, raw)
	}
	return n, nil
}

// getEnvList splits a comma-separated variable, dropping blanks.
// An unset variable uses defaultValue; a set-but-empty one yields nothing.
func getEnvList(key, defaultValue string) []string {
	raw, ok := os.LookupEnv(key)
	if !ok {
		raw = defaultValue
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
