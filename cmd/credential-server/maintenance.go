package main

import (
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/solaius/credential-registry/pkg/token"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database schema and exit",
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		if err := a.migrate(cmd.Context()); err != nil {
			return err
		}
		a.logger.Info("migration complete", "database", a.cfg.Database.Type)
		return nil
	},
}

var seedCmd = &cobra.Command{
	Use:   "seed <catalog.yaml>",
	Short: "Load posts and processes from a catalog file",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		path := a.cfg.CatalogFile
		if len(args) == 1 {
			path = args[0]
		}
		if path == "" {
			return fmt.Errorf("no catalog file given (pass a path or set --catalog-file)")
		}
		if err := a.migrate(cmd.Context()); err != nil {
			return err
		}
		return seedCatalog(cmd.Context(), a, path)
	},
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Release expired tokens once and exit",
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		if err := a.migrate(cmd.Context()); err != nil {
			return err
		}
		sweeper := token.NewSweeper(a.orch.Tokens(), a.cfg.Sweep, a.metrics, a.logger)
		released, err := sweeper.SweepOnce(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "released %d expired tokens\n", released)
		return nil
	},
}

var healthcheckURL string

// healthcheckCmd exits non-zero unless url answers 2xx. It needs no database
// and is meant for container probes.
var healthcheckCmd = &cobra.Command{
	Use:   "healthcheck",
	Short: "Probe a running server",
	RunE: func(cmd *cobra.Command, _ []string) error {
		client := &http.Client{Timeout: 5 * time.Second}
		resp, err := client.Get(healthcheckURL)
		if err != nil {
			return fmt.Errorf("healthcheck failed: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return fmt.Errorf("healthcheck failed: status %d", resp.StatusCode)
		}
		return nil
	},
}

func init() {
	healthcheckCmd.Flags().StringVar(&healthcheckURL, "url", "http://localhost:8080/readyz", "URL to probe")
}
