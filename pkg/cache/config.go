package cache

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config controls the catalog read cache.
type Config struct {
	Enabled bool          // Default true
	TTL     time.Duration // Default 30s
	MaxSize int           // Max cached responses. Default 256
}

// DefaultConfig returns the default cache configuration.
func DefaultConfig() *Config {
	return &Config{
		Enabled: true,
		TTL:     30 * time.Second,
		MaxSize: 256,
	}
}

// ConfigFromEnv reads CREDREG_CACHE_ENABLED, CREDREG_CACHE_TTL_SECONDS and
// CREDREG_CACHE_MAX_SIZE, falling back to defaults.
func ConfigFromEnv() *Config {
	cfg := DefaultConfig()

	if v := os.Getenv("CREDREG_CACHE_ENABLED"); v != "" {
		cfg.Enabled = strings.EqualFold(v, "true") || v == "1"
	}
	if v := os.Getenv("CREDREG_CACHE_TTL_SECONDS"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			cfg.TTL = time.Duration(secs) * time.Second
		}
	}
	if v := os.Getenv("CREDREG_CACHE_MAX_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxSize = n
		}
	}
	return cfg
}
