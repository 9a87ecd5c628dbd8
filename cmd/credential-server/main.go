// Package main provides the credential registry server and its
// maintenance commands.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"github.com/solaius/credential-registry/pkg/config"
	"github.com/solaius/credential-registry/pkg/db"
	"github.com/solaius/credential-registry/pkg/ha"
	"github.com/solaius/credential-registry/pkg/metrics"
	"github.com/solaius/credential-registry/pkg/orchestrator"
	"github.com/solaius/credential-registry/pkg/token"
)

var rootCmd = &cobra.Command{
	Use:   "credential-server",
	Short: "Registry of people, their posts and the credentials issued to them",
	Long: `credential-server tracks each registered person through the credential
lifecycle: registration, printing, delivery, activation, return and
resignation. It serves the lifecycle API over HTTP and runs the token
expiry sweep and audit retention in the background.`,
	SilenceUsage: true,
}

func init() {
	config.BindFlags(rootCmd.PersistentFlags())

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(seedCmd)
	rootCmd.AddCommand(sweepCmd)
	rootCmd.AddCommand(healthcheckCmd)
}

func main() {
	// Initialize glog for backwards compatibility
	_ = flag.Set("logtostderr", "true")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// app holds everything a command needs once configuration is resolved.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	db       *gorm.DB
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	orch     *orchestrator.Orchestrator
}

func newApp(cmd *cobra.Command) (*app, error) {
	cfg, err := config.Load(cmd.Flags())
	if err != nil {
		return nil, err
	}
	logger := cfg.NewLogger(os.Stdout)
	slog.SetDefault(logger)

	gdb, err := db.Open(cfg.DB())
	if err != nil {
		return nil, fmt.Errorf("connect to %s database: %w", cfg.Database.Type, err)
	}

	renderer, err := token.NewQRRenderer(cfg.ArtifactDir, cfg.QRSize)
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	orch := orchestrator.New(gdb, orchestrator.Options{
		Renderer: renderer,
		Audit:    cfg.Audit,
		Metrics:  m,
		Logger:   logger,
	})
	return &app{cfg: cfg, logger: logger, db: gdb, registry: reg, metrics: m, orch: orch}, nil
}

// migrate creates the schema under the migration lock and seeds the status
// catalog.
func (a *app) migrate(ctx context.Context) error {
	locker := ha.NewMigrationLocker(a.db, a.cfg.HA)
	if err := ha.Migrate(ctx, locker, a.orch.Migrators()...); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return a.orch.Bootstrap(ctx)
}

func mustApp(cmd *cobra.Command) *app {
	a, err := newApp(cmd)
	if err != nil {
		glog.Fatalf("Failed to initialize: %v", err)
	}
	return a
}
