package dedup

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterCollapsesConcurrentCallers(t *testing.T) {
	d := New(DefaultConfig(), nil)
	defer d.Shutdown()

	var invocations int64
	work := func(ctx context.Context) (interface{}, error) {
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt64(&invocations, 1)
		return "result", nil
	}

	const callers = 10
	results := make([]interface{}, callers)
	var wg sync.WaitGroup
	wg.Add(callers)
	for i := 0; i < callers; i++ {
		go func(i int) {
			defer wg.Done()
			r, err := d.Register(context.Background(), "key-1", work)
			require.NoError(t, err)
			results[i] = r
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(1), atomic.LoadInt64(&invocations))
	for _, r := range results {
		assert.Equal(t, "result", r)
	}

	// give the settle goroutine a moment to record the completion timestamp
	time.Sleep(5 * time.Millisecond)
	stats := d.Stats()
	assert.Equal(t, 0, stats.PendingRequests)
	assert.Equal(t, 1, stats.CachedTimestamps)
}

func TestRegisterPropagatesFailureToAllCallers(t *testing.T) {
	d := New(DefaultConfig(), nil)
	defer d.Shutdown()

	sentinelErr := assert.AnError
	work := func(ctx context.Context) (interface{}, error) {
		return nil, sentinelErr
	}

	var wg sync.WaitGroup
	errs := make([]error, 5)
	wg.Add(5)
	for i := 0; i < 5; i++ {
		go func(i int) {
			defer wg.Done()
			_, err := d.Register(context.Background(), "key-err", work)
			errs[i] = err
		}(i)
	}
	wg.Wait()

	for _, e := range errs {
		assert.Equal(t, sentinelErr, e)
	}
}

func TestCancellingOneAttacherDoesNotCancelOthers(t *testing.T) {
	d := New(DefaultConfig(), nil)
	defer d.Shutdown()

	started := make(chan struct{})
	release := make(chan struct{})
	work := func(ctx context.Context) (interface{}, error) {
		close(started)
		<-release
		return "ok", nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	var cancelledErr error
	go func() {
		defer wg.Done()
		_, cancelledErr = d.Register(ctx, "key-cancel", work)
	}()

	<-started
	cancel()
	wg.Wait()
	assert.ErrorIs(t, cancelledErr, context.Canceled)

	var result interface{}
	var err error
	wg.Add(1)
	go func() {
		defer wg.Done()
		result, err = d.Register(context.Background(), "key-cancel", work)
	}()
	assert.Eventually(t, func() bool { return d.Stats().DuplicateRequests == 1 }, time.Second, time.Millisecond)
	close(release)
	wg.Wait()
	require.NoError(t, err)
	assert.Equal(t, "ok", result)
}

func TestIsDuplicateReflectsPendingAndCompleted(t *testing.T) {
	d := New(DefaultConfig(), nil)
	defer d.Shutdown()

	release := make(chan struct{})
	work := func(ctx context.Context) (interface{}, error) {
		<-release
		return "done", nil
	}

	go d.Register(context.Background(), "key-dup", work)
	assert.Eventually(t, func() bool {
		return d.IsDuplicate("key-dup")
	}, time.Second, time.Millisecond)

	close(release)
	assert.Eventually(t, func() bool {
		d.mu.Lock()
		_, pending := d.pending["key-dup"]
		d.mu.Unlock()
		return !pending && d.IsDuplicate("key-dup")
	}, time.Second, time.Millisecond)
}

func TestAdaptiveTTLAdjustsWithDuplicateRate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AdaptiveEnabled = true
	cfg.AdjustEvery = 0
	d := New(cfg, nil)
	defer d.Shutdown()

	d.mu.Lock()
	d.totalCount = 100
	d.dupCount = 60
	d.lastAdjust = time.Time{}
	before := d.cfg.TTL
	d.adjustTTLLocked()
	after := d.cfg.TTL
	d.mu.Unlock()

	assert.Greater(t, after, before)
}
