// Package dedup implements the Request Deduplicator (spec §4.1): concurrent
// identical requests collapse into a single in-flight computation, keyed by
// a fingerprint.Identifiers key.
package dedup

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Config controls deduplication TTL and adaptive-TTL behavior. TTL is kept
// fully independent of the cache's TTL (SPEC_FULL §6, open question 2).
type Config struct {
	TTL             time.Duration // default PendingRequest/completion TTL
	MinTTL          time.Duration // adaptive floor
	MaxTTL          time.Duration // adaptive ceiling
	AdaptiveEnabled bool
	AdjustEvery     time.Duration
	SweepInterval   time.Duration
}

// DefaultConfig mirrors the spec's 5-minute default TTL.
func DefaultConfig() Config {
	return Config{
		TTL:             5 * time.Minute,
		MinTTL:          30 * time.Second,
		MaxTTL:          15 * time.Minute,
		AdaptiveEnabled: false,
		AdjustEvery:     30 * time.Second,
		SweepInterval:   30 * time.Second,
	}
}

// Work is the idempotent closure a caller supplies for a given key. It must
// produce the same logical result for the same key within the
// deduplication TTL.
type Work func(ctx context.Context) (interface{}, error)

// pendingRequest is the in-flight computation shared by concurrent callers.
type pendingRequest struct {
	id           string
	registeredAt time.Time
	done         chan struct{}
	result       interface{}
	err          error
}

// Deduplicator collapses concurrent identical requests into one call to
// Work. Its adaptive-TTL sweep is grounded on the teacher's
// internal/relay/solana_dedup.go duplicate-rate-driven TTL adjustment,
// generalized from block hashes to request fingerprints.
type Deduplicator struct {
	mu         sync.Mutex
	cfg        Config
	logger     *zap.Logger
	pending    map[string]*pendingRequest
	completed  map[string]time.Time // key -> settle time, for isDuplicate probes
	totalCount int64
	dupCount   int64
	lastAdjust time.Time

	shutdownCh chan struct{}
	wg         sync.WaitGroup
	closeOnce  sync.Once
}

// New constructs a Deduplicator and starts its background sweeper.
func New(cfg Config, logger *zap.Logger) *Deduplicator {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Deduplicator{
		cfg:        cfg,
		logger:     logger,
		pending:    make(map[string]*pendingRequest),
		completed:  make(map[string]time.Time),
		lastAdjust: time.Now(),
		shutdownCh: make(chan struct{}),
	}
	d.wg.Add(1)
	go d.sweepLoop()
	return d
}

// Register attaches the caller to the PendingRequest for key, invoking work
// exactly once across all concurrent callers. Cancelling ctx abandons this
// caller's wait without cancelling work for other attachers (spec §5).
func (d *Deduplicator) Register(ctx context.Context, key string, work Work) (interface{}, error) {
	d.mu.Lock()
	d.totalCount++
	if pr, ok := d.pending[key]; ok {
		d.dupCount++
		d.mu.Unlock()
		return d.await(ctx, pr)
	}

	pr := &pendingRequest{
		id:           uuid.NewString(),
		registeredAt: time.Now(),
		done:         make(chan struct{}),
	}
	d.pending[key] = pr
	d.mu.Unlock()

	go d.invoke(context.WithoutCancel(ctx), key, pr, work)

	return d.await(ctx, pr)
}

func (d *Deduplicator) invoke(ctx context.Context, key string, pr *pendingRequest, work Work) {
	result, err := work(ctx)

	d.mu.Lock()
	pr.result = result
	pr.err = err
	delete(d.pending, key)
	d.completed[key] = time.Now()
	d.mu.Unlock()

	close(pr.done)
}

func (d *Deduplicator) await(ctx context.Context, pr *pendingRequest) (interface{}, error) {
	select {
	case <-pr.done:
		return pr.result, pr.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// IsDuplicate reports whether key currently has an in-flight PendingRequest
// or a recently-settled completion timestamp within the TTL.
func (d *Deduplicator) IsDuplicate(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.pending[key]; ok {
		return true
	}
	if t, ok := d.completed[key]; ok {
		return time.Since(t) <= d.cfg.TTL
	}
	return false
}

// Stats reports the deduplicator's current bookkeeping, used by end-to-end
// scenario assertions (spec §8 scenario 1).
type Stats struct {
	PendingRequests   int
	CachedTimestamps  int
	TotalRequests     int64
	DuplicateRequests int64
}

func (d *Deduplicator) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Stats{
		PendingRequests:   len(d.pending),
		CachedTimestamps:  len(d.completed),
		TotalRequests:     d.totalCount,
		DuplicateRequests: d.dupCount,
	}
}

// Shutdown stops the background sweeper.
func (d *Deduplicator) Shutdown() {
	d.closeOnce.Do(func() {
		close(d.shutdownCh)
	})
	d.wg.Wait()
}

func (d *Deduplicator) sweepLoop() {
	defer d.wg.Done()

	interval := d.cfg.SweepInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-d.shutdownCh:
			return
		case <-ticker.C:
			d.sweep()
		}
	}
}

func (d *Deduplicator) sweep() {
	now := time.Now()
	d.mu.Lock()
	defer d.mu.Unlock()

	for k, pr := range d.pending {
		if now.Sub(pr.registeredAt) > d.cfg.TTL {
			delete(d.pending, k)
		}
	}
	for k, t := range d.completed {
		if now.Sub(t) > d.cfg.TTL {
			delete(d.completed, k)
		}
	}

	if d.cfg.AdaptiveEnabled && now.Sub(d.lastAdjust) >= d.cfg.AdjustEvery {
		d.adjustTTLLocked()
		d.lastAdjust = now
	}
}

// adjustTTLLocked grows/shrinks cfg.TTL based on the observed duplicate
// rate, the exact shape of teacher internal/relay/solana_dedup.go's
// adjustTTLLocked, generalized from block hashes to request fingerprints.
func (d *Deduplicator) adjustTTLLocked() {
	if d.totalCount < 20 {
		return
	}
	rate := float64(d.dupCount) / float64(d.totalCount)
	switch {
	case rate > 0.50:
		d.cfg.TTL += 10 * time.Second
	case rate > 0.25:
		d.cfg.TTL += 5 * time.Second
	case rate < 0.05:
		if d.cfg.TTL > 10*time.Second {
			d.cfg.TTL -= 5 * time.Second
		}
	default:
		d.cfg.TTL += time.Second
	}
	if d.cfg.TTL < d.cfg.MinTTL {
		d.cfg.TTL = d.cfg.MinTTL
	}
	if d.cfg.TTL > d.cfg.MaxTTL {
		d.cfg.TTL = d.cfg.MaxTTL
	}
	d.totalCount /= 2
	d.dupCount /= 2
}
