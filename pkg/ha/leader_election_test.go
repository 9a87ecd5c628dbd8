package ha

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"
)

func testHAConfig() *HAConfig {
	return &HAConfig{
		LeaderElectionEnabled: true,
		LeaseName:             "test-lease",
		LeaseNamespace:        "default",
		LeaseDuration:         2 * time.Second,
		RenewDeadline:         time.Second,
		RetryPeriod:           100 * time.Millisecond,
		Identity:              "test-pod",
	}
}

func TestNewSingleton_Defaults(t *testing.T) {
	s := NewSingleton(nil, nil, nil, func(context.Context) {})
	assert.NotNil(t, s.logger)
	assert.NotNil(t, s.cfg)
	assert.False(t, s.Leading())
	assert.Zero(t, s.Terms())
}

func TestSingleton_RunsTaskWhileHoldingLease(t *testing.T) {
	client := fake.NewSimpleClientset()
	started := make(chan struct{})
	s := NewSingleton(testHAConfig(), client, nil, func(ctx context.Context) {
		close(started)
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Run(ctx)
	}()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("task did not start")
	}
	// a task that returns early does not end the term
	assert.True(t, s.Leading())
	assert.Equal(t, int64(1), s.Terms())

	lease, err := client.CoordinationV1().Leases("default").Get(ctx, "test-lease", metav1.GetOptions{})
	require.NoError(t, err)
	require.NotNil(t, lease.Spec.HolderIdentity)
	assert.Equal(t, "test-pod", *lease.Spec.HolderIdentity)

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return after cancel")
	}
	assert.False(t, s.Leading())
}

func TestSingleton_InvalidTimingIsReported(t *testing.T) {
	cfg := testHAConfig()
	cfg.RenewDeadline = cfg.LeaseDuration
	s := NewSingleton(cfg, fake.NewSimpleClientset(), nil, func(context.Context) {
		t.Error("task must not run")
	})

	err := s.campaign(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "configure leader election")

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	s.Run(ctx)
	assert.Zero(t, s.Terms())
}

func TestRunSingleton_WithoutElectionRunsDirectly(t *testing.T) {
	cfg := testHAConfig()
	cfg.LeaderElectionEnabled = false

	ran := false
	RunSingleton(context.Background(), cfg, nil, nil, func(context.Context) { ran = true })
	assert.True(t, ran)

	ran = false
	RunSingleton(context.Background(), testHAConfig(), nil, nil, func(context.Context) { ran = true })
	assert.True(t, ran, "no client means no election")
}
