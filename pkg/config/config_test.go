package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm/logger"

	"github.com/solaius/credential-registry/pkg/db"
)

func newFlags(t *testing.T, args ...string) *pflag.FlagSet {
	t.Helper()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	BindFlags(fs)
	require.NoError(t, fs.Parse(args))
	return fs
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(nil)
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Listen)
	assert.Equal(t, db.TypeSQLite, cfg.Database.Type)
	assert.Equal(t, "credreg.db", cfg.Database.DSN)
	assert.Equal(t, 256, cfg.QRSize)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "text", cfg.LogFormat)
	require.NotNil(t, cfg.HA)
	require.NotNil(t, cfg.Sweep)
	require.NotNil(t, cfg.Audit)
	assert.Equal(t, 365, cfg.Audit.RetentionDays)
}

func TestLoad_Env(t *testing.T) {
	t.Setenv("CREDREG_LISTEN", ":9090")
	t.Setenv("CREDREG_DATABASE_TYPE", "postgres")
	t.Setenv("CREDREG_DATABASE_DSN", "host=db user=credreg")
	t.Setenv("CREDREG_DATABASE_MAX_OPEN_CONNS", "25")
	t.Setenv("CREDREG_ARTIFACT_DIR", "/var/lib/credreg")
	t.Setenv("CREDREG_SWEEP_BATCH_SIZE", "7")

	cfg, err := Load(newFlags(t))
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Listen)
	assert.Equal(t, db.TypePostgres, cfg.Database.Type)
	assert.Equal(t, "host=db user=credreg", cfg.Database.DSN)
	assert.Equal(t, 25, cfg.Database.MaxOpenConns)
	assert.Equal(t, "/var/lib/credreg", cfg.ArtifactDir)
	assert.Equal(t, 7, cfg.Sweep.BatchSize)
}

func TestLoad_FileAndFlagPrecedence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credreg.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
listen: ":7070"
log-format: json
database:
  type: mysql
  dsn: "credreg:secret@tcp(db:3306)/credreg"
catalog-file: /etc/credreg/catalog.yaml
`), 0o600))

	t.Setenv("CREDREG_LOG_FORMAT", "text")
	cfg, err := Load(newFlags(t, "--config", path, "--listen", ":6060"))
	require.NoError(t, err)

	assert.Equal(t, ":6060", cfg.Listen, "flag beats file")
	assert.Equal(t, "text", cfg.LogFormat, "env beats file")
	assert.Equal(t, db.TypeMySQL, cfg.Database.Type)
	assert.Equal(t, "/etc/credreg/catalog.yaml", cfg.CatalogFile)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(newFlags(t, "--config", filepath.Join(t.TempDir(), "missing.yaml")))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read config")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"unknown db", func(c *Config) { c.Database.Type = "oracle" }, "unsupported database type"},
		{"postgres without dsn", func(c *Config) { c.Database.Type = db.TypePostgres; c.Database.DSN = "" }, "dsn is required"},
		{"bad level", func(c *Config) { c.LogLevel = "loud" }, "unsupported log level"},
		{"bad format", func(c *Config) { c.LogFormat = "xml" }, "unsupported log format"},
		{"bad qr size", func(c *Config) { c.QRSize = 0 }, "qr size"},
		{"ha timing", func(c *Config) {
			c.HA.LeaderElectionEnabled = true
			c.HA.RenewDeadline = c.HA.LeaseDuration
		}, "must exceed renew deadline"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(nil)
			require.NoError(t, err)
			tt.mutate(cfg)
			err = cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	cfg := &Config{LogLevel: "warn", LogFormat: "json"}
	log := cfg.NewLogger(&buf)

	log.Info("hidden")
	log.Warn("shown", "k", "v")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"msg":"shown"`)
}

func TestDB(t *testing.T) {
	cfg := &Config{LogLevel: "debug", Database: DatabaseConfig{Type: db.TypeSQLite, DSN: ":memory:"}}
	assert.Equal(t, logger.Info, cfg.DB().LogLevel)

	cfg.LogLevel = "info"
	assert.Equal(t, logger.Warn, cfg.DB().LogLevel)
	assert.Equal(t, ":memory:", cfg.DB().DSN)
}

func TestLoad_SubConfigsFromFileAndFlags(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credreg.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
sweep:
  batch-size: 9
  interval-seconds: 15
audit:
  retention-days: 30
  log-denied: false
cache:
  enabled: false
leader:
  lease-name: credreg-workers
`), 0o600))

	t.Setenv("CREDREG_AUDIT_RETENTION_DAYS", "90")
	cfg, err := Load(newFlags(t, "--config", path, "--sweep-enabled=false", "--leader-election"))
	require.NoError(t, err)

	assert.Equal(t, 9, cfg.Sweep.BatchSize)
	assert.Equal(t, 15*time.Second, cfg.Sweep.Interval)
	assert.False(t, cfg.Sweep.Enabled, "flag")
	assert.Equal(t, 90, cfg.Audit.RetentionDays, "env beats file")
	assert.False(t, cfg.Audit.LogDenied)
	assert.True(t, cfg.Audit.Enabled)
	assert.False(t, cfg.Cache.Enabled)
	assert.Equal(t, 256, cfg.Cache.MaxSize)
	assert.True(t, cfg.HA.LeaderElectionEnabled)
	assert.Equal(t, "credreg-workers", cfg.HA.LeaseName)
}

func TestLoad_UnsetSubConfigFlagsKeepDefaults(t *testing.T) {
	cfg, err := Load(newFlags(t))
	require.NoError(t, err)

	assert.True(t, cfg.Sweep.Enabled)
	assert.Equal(t, time.Minute, cfg.Sweep.Interval)
	assert.True(t, cfg.Cache.Enabled)
	assert.False(t, cfg.HA.LeaderElectionEnabled)
}
