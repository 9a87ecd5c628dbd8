package token

import (
	"context"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/solaius/credential-registry/pkg/metrics"
)

// SweepConfig controls the token expiry sweep.
type SweepConfig struct {
	Interval  time.Duration // How often the sweep runs. Default 1m.
	BatchSize int           // Max tokens released per run. Default 100.
	Enabled   bool          // Whether the sweep runs at all. Default true.
}

// DefaultSweepConfig returns the default sweep configuration.
func DefaultSweepConfig() *SweepConfig {
	return &SweepConfig{
		Interval:  time.Minute,
		BatchSize: 100,
		Enabled:   true,
	}
}

// SweepConfigFromEnv loads config from environment variables.
// CREDREG_SWEEP_INTERVAL_SECONDS, CREDREG_SWEEP_BATCH_SIZE, CREDREG_SWEEP_ENABLED
func SweepConfigFromEnv() *SweepConfig {
	cfg := DefaultSweepConfig()

	if v := os.Getenv("CREDREG_SWEEP_INTERVAL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Interval = time.Duration(n) * time.Second
		}
	}

	if v := os.Getenv("CREDREG_SWEEP_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.BatchSize = n
		}
	}

	if v := os.Getenv("CREDREG_SWEEP_ENABLED"); v != "" {
		cfg.Enabled, _ = strconv.ParseBool(v)
	}

	return cfg
}

// Sweeper releases ASSIGNED tokens whose expiry has passed.
type Sweeper struct {
	allocator *Allocator
	cfg       *SweepConfig
	metrics   *metrics.Metrics
	logger    *slog.Logger
	now       func() time.Time
}

// NewSweeper creates a sweeper. A nil cfg uses the defaults.
func NewSweeper(allocator *Allocator, cfg *SweepConfig, m *metrics.Metrics, logger *slog.Logger) *Sweeper {
	if cfg == nil {
		cfg = DefaultSweepConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		allocator: allocator,
		cfg:       cfg,
		metrics:   m,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Run sweeps every cfg.Interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	if s.allocator == nil || !s.cfg.Enabled {
		s.logger.Info("token sweep disabled")
		return
	}

	s.logger.Info("token sweep starting",
		"interval", s.cfg.Interval.String(),
		"batchSize", s.cfg.BatchSize)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("token sweep stopped")
			return
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx); err != nil {
				s.logger.Error("token sweep failed", "error", err)
			}
		}
	}
}

// SweepOnce releases at most one batch of expired tokens and returns how many
// were released. Tokens that changed state since they were listed are
// skipped, so running it again over the same tokens is a no-op.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	now := s.now()
	expired, err := s.allocator.Expired(ctx, now, s.cfg.BatchSize)
	if err != nil {
		s.metrics.ObserveSweep(0, err)
		return 0, err
	}

	released := 0
	for _, tok := range expired {
		ok, err := s.allocator.ReleaseExpired(ctx, tok.ID, now)
		if err != nil {
			s.metrics.ObserveSweep(released, err)
			return released, err
		}
		if ok {
			released++
			s.logger.Info("released expired token", "tokenID", tok.ID, "code", tok.Code)
		}
	}
	if released > 0 {
		s.logger.Info("token sweep completed", "released", released)
	}
	s.metrics.ObserveSweep(released, nil)
	return released, nil
}
