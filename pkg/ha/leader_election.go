package ha

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/leaderelection"
	"k8s.io/client-go/tools/leaderelection/resourcelock"
)

// Singleton runs a background task on one replica at a time. With leader
// election the task runs for as long as this replica holds the Lease; its
// context is cancelled when the Lease is lost and the replica campaigns
// again. Without election the task simply runs here.
type Singleton struct {
	cfg    *HAConfig
	client kubernetes.Interface
	logger *slog.Logger
	task   func(ctx context.Context)

	leading atomic.Bool
	terms   atomic.Int64
}

// NewSingleton creates a Singleton for task. A nil client disables election.
func NewSingleton(cfg *HAConfig, client kubernetes.Interface, logger *slog.Logger, task func(ctx context.Context)) *Singleton {
	if cfg == nil {
		cfg = DefaultHAConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Singleton{cfg: cfg, client: client, logger: logger, task: task}
}

// Leading reports whether the task currently runs on this replica because it
// holds the Lease.
func (s *Singleton) Leading() bool {
	return s.leading.Load()
}

// Terms returns how many times this replica has started leading.
func (s *Singleton) Terms() int64 {
	return s.terms.Load()
}

func (s *Singleton) elected() bool {
	return s.cfg.LeaderElectionEnabled && s.client != nil
}

// Run blocks until ctx is cancelled.
func (s *Singleton) Run(ctx context.Context) {
	if !s.elected() {
		s.task(ctx)
		return
	}
	for ctx.Err() == nil {
		if err := s.campaign(ctx); err != nil {
			s.logger.Error("leader election failed", "lease", s.cfg.LeaseName, "error", err)
		}
		select {
		case <-ctx.Done():
		case <-time.After(s.cfg.RetryPeriod):
		}
	}
}

// campaign holds one election round: it returns once this replica has lost
// the Lease or ctx is done.
func (s *Singleton) campaign(ctx context.Context) error {
	elector, err := leaderelection.NewLeaderElector(leaderelection.LeaderElectionConfig{
		Name: s.cfg.LeaseName,
		Lock: &resourcelock.LeaseLock{
			LeaseMeta: metav1.ObjectMeta{Name: s.cfg.LeaseName, Namespace: s.cfg.LeaseNamespace},
			Client:    s.client.CoordinationV1(),
			LockConfig: resourcelock.ResourceLockConfig{
				Identity: s.cfg.Identity,
			},
		},
		LeaseDuration:   s.cfg.LeaseDuration,
		RenewDeadline:   s.cfg.RenewDeadline,
		RetryPeriod:     s.cfg.RetryPeriod,
		ReleaseOnCancel: true,
		Callbacks: leaderelection.LeaderCallbacks{
			OnStartedLeading: s.lead,
			OnStoppedLeading: func() {
				if s.leading.Swap(false) {
					s.logger.Info("background workers stopped: lease lost", "identity", s.cfg.Identity, "term", s.terms.Load())
				}
			},
			OnNewLeader: func(identity string) {
				if identity != s.cfg.Identity {
					s.logger.Info("background workers run on another replica", "leader", identity)
				}
			},
		},
	})
	if err != nil {
		return fmt.Errorf("configure leader election: %w", err)
	}

	s.logger.Info("campaigning for background workers",
		"identity", s.cfg.Identity,
		"lease", s.cfg.LeaseName,
		"namespace", s.cfg.LeaseNamespace)
	elector.Run(ctx)
	return nil
}

// lead runs the task for one leadership term. The term ends when ctx is
// cancelled, even if the task returned earlier.
func (s *Singleton) lead(ctx context.Context) {
	term := s.terms.Add(1)
	s.leading.Store(true)
	s.logger.Info("background workers started: lease acquired", "identity", s.cfg.Identity, "term", term)
	s.task(ctx)
	<-ctx.Done()
}

// RunSingleton runs task on the elected replica only, campaigning again after
// a lost Lease. Without leader election (disabled or no client) task runs
// directly. It blocks until ctx is cancelled.
func RunSingleton(ctx context.Context, cfg *HAConfig, client kubernetes.Interface, logger *slog.Logger, task func(ctx context.Context)) {
	NewSingleton(cfg, client, logger, task).Run(ctx)
}
