package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/golang/glog"
	"github.com/spf13/cobra"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"

	"github.com/solaius/credential-registry/pkg/api"
	"github.com/solaius/credential-registry/pkg/assignment"
	"github.com/solaius/credential-registry/pkg/audit"
	"github.com/solaius/credential-registry/pkg/cache"
	"github.com/solaius/credential-registry/pkg/ha"
	"github.com/solaius/credential-registry/pkg/token"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and background workers",
	RunE: func(cmd *cobra.Command, _ []string) error {
		a := mustApp(cmd)
		logger := a.logger

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		// Handle shutdown signals
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			sig := <-sigCh
			logger.Info("received shutdown signal", "signal", sig)
			cancel()
		}()

		if err := a.migrate(ctx); err != nil {
			glog.Fatalf("Failed to migrate database: %v", err)
		}
		if a.cfg.CatalogFile != "" {
			if err := seedCatalog(ctx, a, a.cfg.CatalogFile); err != nil {
				glog.Fatalf("Failed to seed catalog: %v", err)
			}
		}

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.runWorkers(ctx)
		}()

		httpServer := &http.Server{
			Addr:              a.cfg.Listen,
			Handler:           api.NewServer(a.orch, a.db, a.registry, logger).WithCache(cache.New(a.cfg.Cache)).Router(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				glog.Fatalf("HTTP server error: %v", err)
			}
		}()
		logger.Info("credential server ready", "listen", a.cfg.Listen, "database", a.cfg.Database.Type)

		<-ctx.Done()
		logger.Info("shutting down...")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", "error", err)
		}
		wg.Wait()

		logger.Info("credential server stopped")
		return nil
	},
}

// runWorkers runs the token sweep and audit retention on one replica. With
// leader election enabled the replica holding the lease runs them.
func (a *app) runWorkers(ctx context.Context) {
	var client kubernetes.Interface
	if a.cfg.HA.LeaderElectionEnabled {
		k8sCfg, err := rest.InClusterConfig()
		if err != nil {
			glog.Fatalf("Failed to create in-cluster K8s config (is the server running in a pod?): %v", err)
		}
		clientset, err := kubernetes.NewForConfig(k8sCfg)
		if err != nil {
			glog.Fatalf("Failed to create K8s clientset: %v", err)
		}
		client = clientset
	}

	sweeper := token.NewSweeper(a.orch.Tokens(), a.cfg.Sweep, a.metrics, a.logger)
	retention := audit.NewRetentionWorker(a.orch.AuditStore(), a.cfg.Audit.RetentionDays, a.metrics, a.logger)

	task := func(ctx context.Context) {
		var wg sync.WaitGroup
		wg.Add(2)
		go func() { defer wg.Done(); sweeper.Run(ctx) }()
		go func() { defer wg.Done(); retention.Run(ctx) }()
		wg.Wait()
	}
	ha.RunSingleton(ctx, a.cfg.HA, client, a.logger, task)
}

func seedCatalog(ctx context.Context, a *app, path string) error {
	f, err := assignment.LoadCatalogFile(path)
	if err != nil {
		return err
	}
	if err := a.orch.Catalog().Seed(ctx, f); err != nil {
		return err
	}
	a.logger.Info("catalog seeded", "path", path, "posts", len(f.Posts), "processes", len(f.Processes))
	return nil
}
