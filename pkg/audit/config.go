package audit

import (
	"os"
	"strconv"
)

// Config controls audit behavior.
type Config struct {
	RetentionDays int  // Default 365
	LogDenied     bool // Whether rejected use cases are recorded
	Enabled       bool // Whether use cases are recorded at all
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		RetentionDays: 365,
		LogDenied:     true,
		Enabled:       true,
	}
}

// ConfigFromEnv loads config from environment variables.
// CREDREG_AUDIT_RETENTION_DAYS, CREDREG_AUDIT_LOG_DENIED, CREDREG_AUDIT_ENABLED
func ConfigFromEnv() *Config {
	cfg := DefaultConfig()

	if v := os.Getenv("CREDREG_AUDIT_RETENTION_DAYS"); v != "" {
		if days, err := strconv.Atoi(v); err == nil && days > 0 {
			cfg.RetentionDays = days
		}
	}

	if v := os.Getenv("CREDREG_AUDIT_LOG_DENIED"); v != "" {
		cfg.LogDenied, _ = strconv.ParseBool(v)
	}

	if v := os.Getenv("CREDREG_AUDIT_ENABLED"); v != "" {
		cfg.Enabled, _ = strconv.ParseBool(v)
	}

	return cfg
}
