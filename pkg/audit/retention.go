package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/solaius/credential-registry/pkg/metrics"
)

// RetentionWorker periodically deletes audit events older than the
// retention window.
type RetentionWorker struct {
	store     *Store
	retention time.Duration
	interval  time.Duration
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// NewRetentionWorker creates a new RetentionWorker that runs daily.
// A non-positive retentionDays disables it.
func NewRetentionWorker(store *Store, retentionDays int, m *metrics.Metrics, logger *slog.Logger) *RetentionWorker {
	if logger == nil {
		logger = slog.Default()
	}
	return &RetentionWorker{
		store:     store,
		retention: time.Duration(retentionDays) * 24 * time.Hour,
		interval:  24 * time.Hour,
		metrics:   m,
		logger:    logger,
	}
}

// Run starts the retention worker. It runs until the context is cancelled.
func (w *RetentionWorker) Run(ctx context.Context) {
	if w.store == nil || w.retention <= 0 {
		w.logger.Info("audit retention worker disabled",
			"hasStore", w.store != nil,
			"retentionDays", int(w.retention.Hours()/24))
		return
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.logger.Info("audit retention worker started",
		"retentionDays", int(w.retention.Hours()/24),
		"interval", w.interval.String())

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("audit retention worker stopped")
			return
		case <-ticker.C:
			_, _ = w.Cleanup(ctx, time.Now().UTC())
		}
	}
}

// Cleanup performs a single retention pass relative to now.
func (w *RetentionWorker) Cleanup(ctx context.Context, now time.Time) (int64, error) {
	cutoff := now.Add(-w.retention)
	deleted, err := w.store.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		w.logger.Error("audit retention cleanup failed", "error", err)
		return 0, err
	}
	w.metrics.AddAuditPruned(deleted)
	if deleted > 0 {
		w.logger.Info("audit retention cleanup completed",
			"deleted", deleted,
			"cutoff", cutoff.Format(time.RFC3339))
	}
	return deleted, nil
}
