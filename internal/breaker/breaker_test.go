package breaker

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

func newTestBreaker(cfg Config) *Breaker {
	return New(cfg, nil)
}

func TestClosedDoesNotOpenAtNMinus1Failures(t *testing.T) {
	cfg := DefaultConfig("svc")
	cfg.FailureThreshold = 3
	cfg.MonitoringWindow = time.Minute
	b := newTestBreaker(cfg)

	for i := 0; i < 2; i++ {
		_ = b.Execute(context.Background(), func(ctx context.Context) error { return errBoom })
	}
	assert.Equal(t, StateClosed, b.GetState())

	_ = b.Execute(context.Background(), func(ctx context.Context) error { return errBoom })
	assert.Equal(t, StateOpen, b.GetState())
}

func TestTripsThenRecovers(t *testing.T) {
	cfg := DefaultConfig("svc")
	cfg.FailureThreshold = 3
	cfg.RecoveryTimeout = 100 * time.Millisecond
	cfg.SuccessThreshold = 2
	b := newTestBreaker(cfg)

	for i := 0; i < 3; i++ {
		_ = b.Execute(context.Background(), func(ctx context.Context) error { return errBoom })
	}
	require.Equal(t, StateOpen, b.GetState())

	err := b.Execute(context.Background(), func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrOpen)

	time.Sleep(150 * time.Millisecond)

	require.NoError(t, b.Execute(context.Background(), func(ctx context.Context) error { return nil }))
	assert.Equal(t, StateHalfOpen, b.GetState())

	require.NoError(t, b.Execute(context.Background(), func(ctx context.Context) error { return nil }))
	assert.Equal(t, StateClosed, b.GetState())

	assert.Equal(t, int64(1), b.GetMetrics().Trips)
}

func TestSlowCallTrip(t *testing.T) {
	cfg := DefaultConfig("svc")
	cfg.SlowCallThreshold = 10 * time.Millisecond
	cfg.SlowCallRateThreshold = 0.8
	cfg.FailureThreshold = 100
	cfg.MinSamples = 10
	cfg.MonitoringWindow = time.Minute
	b := newTestBreaker(cfg)

	for i := 0; i < 10; i++ {
		_ = b.Execute(context.Background(), func(ctx context.Context) error {
			time.Sleep(20 * time.Millisecond)
			return nil
		})
	}

	m := b.GetMetrics()
	assert.Equal(t, StateOpen, b.GetState())
	assert.GreaterOrEqual(t, m.Slow, int64(8))
	assert.Equal(t, int64(1), m.Trips)
}

func TestHalfOpenFailureReopens(t *testing.T) {
	cfg := DefaultConfig("svc")
	cfg.FailureThreshold = 1
	cfg.RecoveryTimeout = 10 * time.Millisecond
	b := newTestBreaker(cfg)

	_ = b.Execute(context.Background(), func(ctx context.Context) error { return errBoom })
	require.Equal(t, StateOpen, b.GetState())

	time.Sleep(20 * time.Millisecond)
	err := b.Execute(context.Background(), func(ctx context.Context) error { return errBoom })
	assert.Error(t, err)
	assert.Equal(t, StateOpen, b.GetState())
	assert.Equal(t, int64(2), b.GetMetrics().Trips)
}

func TestRequestTimeoutRecordedAsTimeout(t *testing.T) {
	cfg := DefaultConfig("svc")
	cfg.RequestTimeout = 10 * time.Millisecond
	cfg.FailureThreshold = 100
	b := newTestBreaker(cfg)

	err := b.Execute(context.Background(), func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, int64(1), b.GetMetrics().Timeouts)
}

func TestForceStateDoesNotIncrementTrips(t *testing.T) {
	b := newTestBreaker(DefaultConfig("svc"))
	b.ForceState(StateOpen, "operator maintenance")
	assert.Equal(t, StateOpen, b.GetState())
	assert.Equal(t, int64(0), b.GetMetrics().Trips)
}

func TestResetClearsCounters(t *testing.T) {
	cfg := DefaultConfig("svc")
	cfg.FailureThreshold = 1
	b := newTestBreaker(cfg)
	_ = b.Execute(context.Background(), func(ctx context.Context) error { return errBoom })
	require.Equal(t, StateOpen, b.GetState())

	b.Reset()
	assert.Equal(t, StateClosed, b.GetState())
	assert.Equal(t, int64(0), b.GetMetrics().Total)
}

func TestPersistenceRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "breaker-state.json")

	cfg := DefaultConfig("svc")
	cfg.FailureThreshold = 1
	cfg.PersistenceEnabled = true
	cfg.PersistencePath = path
	b := newTestBreaker(cfg)
	_ = b.Execute(context.Background(), func(ctx context.Context) error { return errBoom })
	require.Equal(t, StateOpen, b.GetState())
	require.NoError(t, b.Destroy())

	b2 := New(cfg, nil)
	assert.Equal(t, StateOpen, b2.GetState())
}

func TestPersistenceSchemaMismatchFallsBackToClosed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "breaker-state.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"version":999,"state":1}`), 0o600))

	cfg := DefaultConfig("svc")
	cfg.PersistenceEnabled = true
	cfg.PersistencePath = path
	b := New(cfg, nil)
	assert.Equal(t, StateClosed, b.GetState())
}

func TestPersistenceCorruptFileFallsBackToClosed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "breaker-state.json")
	require.NoError(t, os.WriteFile(path, []byte(`not json`), 0o600))

	cfg := DefaultConfig("svc")
	cfg.PersistenceEnabled = true
	cfg.PersistencePath = path
	b := New(cfg, nil)
	assert.Equal(t, StateClosed, b.GetState())
}
