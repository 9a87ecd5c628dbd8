// Package config loads server configuration from flags, CREDREG_*
// environment variables and an optional YAML file.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gorm.io/gorm/logger"

	"github.com/solaius/credential-registry/pkg/audit"
	"github.com/solaius/credential-registry/pkg/cache"
	"github.com/solaius/credential-registry/pkg/db"
	"github.com/solaius/credential-registry/pkg/ha"
	"github.com/solaius/credential-registry/pkg/token"
)

// EnvPrefix prefixes every environment variable the server reads.
const EnvPrefix = "CREDREG"

// Config is the resolved server configuration.
type Config struct {
	Listen      string         `mapstructure:"listen"`
	Database    DatabaseConfig `mapstructure:"database"`
	ArtifactDir string         `mapstructure:"artifact-dir"`
	QRSize      int            `mapstructure:"qr-size"`
	CatalogFile string         `mapstructure:"catalog-file"`
	LogLevel    string         `mapstructure:"log-level"`
	LogFormat   string         `mapstructure:"log-format"`

	// Sub-configurations owned by their packages. Each starts from its
	// package's environment reader; the sweep, audit, cache and leader keys
	// of the file and flags are applied on top.
	HA    *ha.HAConfig       `mapstructure:"-"`
	Sweep *token.SweepConfig `mapstructure:"-"`
	Audit *audit.Config      `mapstructure:"-"`
	Cache *cache.Config      `mapstructure:"-"`
}

// DatabaseConfig selects the database.
type DatabaseConfig struct {
	Type         string `mapstructure:"type"`
	DSN          string `mapstructure:"dsn"`
	MaxOpenConns int    `mapstructure:"max-open-conns"`
}

// flag name -> config key
var flagKeys = map[string]string{
	"listen":            "listen",
	"db-type":           "database.type",
	"db-dsn":            "database.dsn",
	"db-max-open-conns": "database.max-open-conns",
	"artifact-dir":      "artifact-dir",
	"qr-size":           "qr-size",
	"catalog-file":      "catalog-file",
	"log-level":         "log-level",
	"log-format":        "log-format",

	"sweep-enabled":          "sweep.enabled",
	"sweep-interval-seconds": "sweep.interval-seconds",
	"sweep-batch-size":       "sweep.batch-size",
	"audit-enabled":          "audit.enabled",
	"audit-retention-days":   "audit.retention-days",
	"cache-enabled":          "cache.enabled",
	"cache-ttl-seconds":      "cache.ttl-seconds",
	"leader-election":        "leader.election-enabled",
	"migration-lock":         "migration-lock-enabled",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen", ":8080")
	v.SetDefault("database.type", db.TypeSQLite)
	v.SetDefault("database.dsn", "credreg.db")
	v.SetDefault("database.max-open-conns", 10)
	v.SetDefault("artifact-dir", "artifacts")
	v.SetDefault("qr-size", 256)
	v.SetDefault("catalog-file", "")
	v.SetDefault("log-level", "info")
	v.SetDefault("log-format", "text")
}

// BindFlags registers the server flags on fs. Flag defaults are left empty so
// that unset flags fall through to the environment and the config file.
func BindFlags(fs *pflag.FlagSet) {
	fs.String("config", "", "Path to a YAML config file")
	fs.String("listen", "", "Address to listen on (default :8080)")
	fs.String("db-type", "", "Database type: sqlite, postgres or mysql (default sqlite)")
	fs.String("db-dsn", "", "Database connection string")
	fs.Int("db-max-open-conns", 0, "Maximum open database connections")
	fs.String("artifact-dir", "", "Directory for rendered credential artifacts")
	fs.Int("qr-size", 0, "Rendered QR code size in pixels")
	fs.String("catalog-file", "", "YAML catalog of posts and processes to seed")
	fs.String("log-level", "", "Log level: debug, info, warn or error")
	fs.String("log-format", "", "Log format: text or json")
	fs.Bool("sweep-enabled", true, "Release expired process tokens periodically")
	fs.Int("sweep-interval-seconds", 0, "Seconds between token sweeps (default 60)")
	fs.Int("sweep-batch-size", 0, "Maximum tokens released per sweep (default 100)")
	fs.Bool("audit-enabled", true, "Record use cases in the audit trail")
	fs.Int("audit-retention-days", 0, "Days audit events are kept (default 365)")
	fs.Bool("cache-enabled", true, "Cache read API responses")
	fs.Int("cache-ttl-seconds", 0, "Read cache TTL in seconds (default 30)")
	fs.Bool("leader-election", false, "Run background workers only on the Lease holder")
	fs.Bool("migration-lock", true, "Serialize schema migration across replicas")
}

// Load resolves the configuration. Precedence, highest first: explicitly set
// flags, CREDREG_* environment variables, the config file, defaults. fs may
// be nil.
func Load(fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	file := v.GetString("config")
	if fs != nil {
		for name, key := range flagKeys {
			if f := fs.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
		if f := fs.Lookup("config"); f != nil && f.Changed {
			file = f.Value.String()
		}
	}

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", file, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.HA = ha.HAConfigFromEnv()
	cfg.Sweep = token.SweepConfigFromEnv()
	cfg.Audit = audit.ConfigFromEnv()
	cfg.Cache = cache.ConfigFromEnv()
	applySubConfigs(v, cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applySubConfigs overlays the sub-configuration keys that are set in the
// file, the environment or an explicit flag. The keys map onto the same
// CREDREG_* names the packages read, so precedence matches the top-level keys.
func applySubConfigs(v *viper.Viper, cfg *Config) {
	setBool(v, "sweep.enabled", &cfg.Sweep.Enabled)
	setSeconds(v, "sweep.interval-seconds", &cfg.Sweep.Interval)
	setInt(v, "sweep.batch-size", &cfg.Sweep.BatchSize)

	setBool(v, "audit.enabled", &cfg.Audit.Enabled)
	setBool(v, "audit.log-denied", &cfg.Audit.LogDenied)
	setInt(v, "audit.retention-days", &cfg.Audit.RetentionDays)

	setBool(v, "cache.enabled", &cfg.Cache.Enabled)
	setSeconds(v, "cache.ttl-seconds", &cfg.Cache.TTL)
	setInt(v, "cache.max-size", &cfg.Cache.MaxSize)

	setBool(v, "leader.election-enabled", &cfg.HA.LeaderElectionEnabled)
	setString(v, "leader.lease-name", &cfg.HA.LeaseName)
	setString(v, "leader.lease-namespace", &cfg.HA.LeaseNamespace)
	setSeconds(v, "leader.lease-duration-seconds", &cfg.HA.LeaseDuration)
	setSeconds(v, "leader.renew-deadline-seconds", &cfg.HA.RenewDeadline)
	setSeconds(v, "leader.retry-period-seconds", &cfg.HA.RetryPeriod)
	setBool(v, "migration-lock-enabled", &cfg.HA.MigrationLockEnabled)
}

func setBool(v *viper.Viper, key string, dst *bool) {
	if v.IsSet(key) {
		*dst = v.GetBool(key)
	}
}

func setString(v *viper.Viper, key string, dst *string) {
	if v.IsSet(key) && v.GetString(key) != "" {
		*dst = v.GetString(key)
	}
}

// setInt ignores non-positive values, as the environment readers do.
func setInt(v *viper.Viper, key string, dst *int) {
	if v.IsSet(key) && v.GetInt(key) > 0 {
		*dst = v.GetInt(key)
	}
}

func setSeconds(v *viper.Viper, key string, dst *time.Duration) {
	if v.IsSet(key) && v.GetInt(key) > 0 {
		*dst = time.Duration(v.GetInt(key)) * time.Second
	}
}

// Validate checks the resolved values.
func (c *Config) Validate() error {
	var errs []error
	switch c.Database.Type {
	case db.TypeSQLite, db.TypePostgres, db.TypeMySQL:
	default:
		errs = append(errs, fmt.Errorf("unsupported database type %q", c.Database.Type))
	}
	if c.Database.Type != db.TypeSQLite && c.Database.DSN == "" {
		errs = append(errs, fmt.Errorf("database dsn is required for %s", c.Database.Type))
	}
	if c.Listen == "" {
		errs = append(errs, errors.New("listen address is required"))
	}
	if c.QRSize <= 0 {
		errs = append(errs, fmt.Errorf("qr size must be positive, got %d", c.QRSize))
	}
	if _, err := c.level(); err != nil {
		errs = append(errs, err)
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("unsupported log format %q", c.LogFormat))
	}
	if c.HA != nil {
		if err := c.HA.Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c *Config) level() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return l, fmt.Errorf("unsupported log level %q", c.LogLevel)
	}
	return l, nil
}

// NewLogger builds the process logger writing to w.
func (c *Config) NewLogger(w io.Writer) *slog.Logger {
	level, err := c.level()
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// DB returns the database options. SQL statements are logged at debug level.
func (c *Config) DB() db.Config {
	lvl := logger.Warn
	if l, err := c.level(); err == nil && l <= slog.LevelDebug {
		lvl = logger.Info
	}
	return db.Config{
		Type:         c.Database.Type,
		DSN:          c.Database.DSN,
		MaxOpenConns: c.Database.MaxOpenConns,
		LogLevel:     lvl,
	}
}
