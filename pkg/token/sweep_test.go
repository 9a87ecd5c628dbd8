package token

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/solaius/credential-registry/pkg/metrics"
)

func TestSweepConfigFromEnv(t *testing.T) {
	t.Setenv("CREDREG_SWEEP_INTERVAL_SECONDS", "30")
	t.Setenv("CREDREG_SWEEP_BATCH_SIZE", "10")
	t.Setenv("CREDREG_SWEEP_ENABLED", "false")

	cfg := SweepConfigFromEnv()
	assert.Equal(t, 30*time.Second, cfg.Interval)
	assert.Equal(t, 10, cfg.BatchSize)
	assert.False(t, cfg.Enabled)
}

func TestSweepConfigFromEnv_IgnoresInvalid(t *testing.T) {
	t.Setenv("CREDREG_SWEEP_INTERVAL_SECONDS", "-3")
	t.Setenv("CREDREG_SWEEP_BATCH_SIZE", "many")

	cfg := SweepConfigFromEnv()
	assert.Equal(t, DefaultSweepConfig().Interval, cfg.Interval)
	assert.Equal(t, DefaultSweepConfig().BatchSize, cfg.BatchSize)
	assert.True(t, cfg.Enabled)
}

func TestSweeper_ReleasesExpiredOnce(t *testing.T) {
	ctx := context.Background()
	a, _ := newTestAllocator(t)
	m := metrics.New(prometheus.NewRegistry())
	s := NewSweeper(a, &SweepConfig{Interval: time.Minute, BatchSize: 10, Enabled: true}, m,
		slog.New(slog.NewTextHandler(io.Discard, nil)))

	now := time.Now().UTC()
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	expired, err := a.Generate(ctx, "p1")
	require.NoError(t, err)
	_, err = a.Assign(ctx, expired.ID, "p1", &past)
	require.NoError(t, err)

	live, err := a.Generate(ctx, "p2")
	require.NoError(t, err)
	_, err = a.Assign(ctx, live.ID, "p2", &future)
	require.NoError(t, err)

	permanent, err := a.Generate(ctx, "p3")
	require.NoError(t, err)
	_, err = a.Assign(ctx, permanent.ID, "p3", nil)
	require.NoError(t, err)

	n, err := s.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := a.Get(ctx, expired.ID)
	require.NoError(t, err)
	assert.Equal(t, StateFree, got.State)
	assert.Nil(t, got.OwnerID)

	for _, id := range []string{live.ID, permanent.ID} {
		got, err := a.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, StateAssigned, got.State)
	}

	// Re-sweeping is a no-op.
	n, err = s.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TokensReleased))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.SweepRuns.WithLabelValues(metrics.OutcomeSuccess)))
}

func TestReleaseExpired_NoOpWhenNotAssigned(t *testing.T) {
	ctx := context.Background()
	a, _ := newTestAllocator(t)
	tok, err := a.Generate(ctx, "p1")
	require.NoError(t, err)

	changed, err := a.ReleaseExpired(ctx, tok.ID, time.Now())
	require.NoError(t, err)
	assert.False(t, changed)

	past := time.Now().UTC().Add(-time.Minute)
	_, err = a.Assign(ctx, tok.ID, "p1", &past)
	require.NoError(t, err)
	_, err = a.Retire(ctx, tok.ID)
	require.NoError(t, err)

	changed, err = a.ReleaseExpired(ctx, tok.ID, time.Now())
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestSweeper_RunStopsOnCancel(t *testing.T) {
	a, _ := newTestAllocator(t)
	s := NewSweeper(a, &SweepConfig{Interval: 10 * time.Millisecond, BatchSize: 10, Enabled: true}, nil,
		slog.New(slog.NewTextHandler(io.Discard, nil)))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()
	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("sweeper did not stop")
	}
}
