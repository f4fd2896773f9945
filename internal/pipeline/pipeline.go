// Package pipeline wires the resilience stack into the request path spec
// §2 describes: deduplication collapses concurrent identical lookups, a
// cache hit short-circuits the store entirely, a miss runs breaker-
// protected and retried against the query optimizer, and any failure that
// survives retry and recovery degrades to a best-effort fallback rather
// than propagating to the caller.
//
// Grounded on the teacher's cmd/sprint/main.go wiring style: every
// subsystem is constructed independently by the caller (cmd/sentineld) and
// Pipeline only holds references and sequences calls between them, never
// constructing a subsystem itself.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/riskshield/sentinel-core/internal/breaker"
	"github.com/riskshield/sentinel-core/internal/cache"
	"github.com/riskshield/sentinel-core/internal/dedup"
	"github.com/riskshield/sentinel-core/internal/degradation"
	sentinelerrors "github.com/riskshield/sentinel-core/internal/errors"
	"github.com/riskshield/sentinel-core/internal/fingerprint"
	"github.com/riskshield/sentinel-core/internal/metrics"
	"github.com/riskshield/sentinel-core/internal/optimizer"
	"github.com/riskshield/sentinel-core/internal/retry"
	"github.com/riskshield/sentinel-core/internal/store"
	"go.uber.org/zap"
)

// Pipeline sequences the full request path over an already-constructed
// resilience stack.
type Pipeline struct {
	dedup       *dedup.Deduplicator
	cache       *cache.Cache
	breaker     *breaker.Breaker
	retryMgr    *retry.Manager
	retryPolicy retry.Policy
	optimizer   *optimizer.Optimizer
	degrader    *degradation.Handler
	metrics     *metrics.Collector
	logger      *zap.Logger
}

// New constructs a Pipeline over already-built subsystems.
func New(
	d *dedup.Deduplicator,
	c *cache.Cache,
	b *breaker.Breaker,
	rm *retry.Manager,
	rp retry.Policy,
	opt *optimizer.Optimizer,
	dg *degradation.Handler,
	mc *metrics.Collector,
	logger *zap.Logger,
) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		dedup:       d,
		cache:       c,
		breaker:     b,
		retryMgr:    rm,
		retryPolicy: rp,
		optimizer:   opt,
		degrader:    dg,
		metrics:     mc,
		logger:      logger,
	}
}

// loadResult carries both the resolved value and whether it was served
// from cache, since dedup.Work's return type is an opaque interface{}.
type loadResult struct {
	value    interface{}
	cacheHit bool
}

// FindCustomer resolves a customer by identifiers through the full
// resilience path. It never returns an error for a recoverable failure:
// retry, recovery, and degradation are all exhausted first, and only an
// unrecoverable failure (including context cancellation) reaches the
// caller.
func (p *Pipeline) FindCustomer(ctx context.Context, ids store.Identifiers) (*store.Customer, error) {
	const endpoint = "findCustomer"
	key := "customer:" + fingerprintKey(ids)

	start := time.Now()
	raw, err := p.dedup.Register(ctx, key, func(ctx context.Context) (interface{}, error) {
		return p.loadCustomer(ctx, key, ids)
	})
	duration := time.Since(start)

	if err != nil {
		wrapped := sentinelerrors.Wrap(err).WithContext("cacheKey", key).WithContext("identifiers", ids)
		result := p.degrader.Handle(ctx, wrapped)
		p.record(endpoint, duration, result.Success, false, wrapped)
		if result.Success {
			if c, decodeErr := decodeAs[store.Customer](result.Data); decodeErr == nil {
				return c, nil
			}
		}
		return nil, wrapped
	}

	lr, _ := raw.(loadResult)
	customer, _ := lr.value.(*store.Customer)
	p.record(endpoint, duration, true, lr.cacheHit, nil)
	return customer, nil
}

func (p *Pipeline) loadCustomer(ctx context.Context, key string, ids store.Identifiers) (interface{}, error) {
	if cached, ok := p.cache.Get(key); ok {
		if c, err := decodeAs[store.Customer](cached); err == nil {
			return loadResult{value: c, cacheHit: true}, nil
		}
	}

	var resolved *store.Customer
	breakerErr := p.breaker.Execute(ctx, func(ctx context.Context) error {
		res := p.retryMgr.Execute(ctx, func(ctx context.Context) (interface{}, error) {
			return p.optimizer.FindCustomerByIdentifiers(ctx, ids)
		}, p.retryPolicy)
		if !res.Success {
			return resultError(res)
		}
		c, _ := res.Data.(*store.Customer)
		resolved = c
		return nil
	})
	if breakerErr != nil {
		return nil, wrapBreakerErr(breakerErr, key)
	}

	if resolved != nil {
		if err := p.cache.Set(key, resolved, 0); err != nil {
			p.logger.Warn("pipeline: failed to populate cache after customer lookup",
				zap.String("key", key), zap.Error(err))
		}
	}
	return loadResult{value: resolved, cacheHit: false}, nil
}

// GetOrderHistory resolves a customer's order history through the same
// cache -> breaker(retry) -> degradation path, without deduplication: order
// history reads are not expected to arrive as concurrent identical bursts
// the way a single checkout's customer lookup does.
func (p *Pipeline) GetOrderHistory(ctx context.Context, customerID string, q store.OrderEventQuery) ([]store.OrderEvent, error) {
	const endpoint = "getOrderHistory"
	key := fmt.Sprintf("orderEvents:%s:%v", customerID, q.EventTypes)

	start := time.Now()
	if cached, ok := p.cache.Get(key); ok {
		if events, err := decodeAs[[]store.OrderEvent](cached); err == nil {
			p.record(endpoint, time.Since(start), true, true, nil)
			return *events, nil
		}
	}

	var events []store.OrderEvent
	breakerErr := p.breaker.Execute(ctx, func(ctx context.Context) error {
		res := p.retryMgr.Execute(ctx, func(ctx context.Context) (interface{}, error) {
			return p.optimizer.FindOrderEvents(ctx, customerID, q)
		}, p.retryPolicy)
		if !res.Success {
			return resultError(res)
		}
		ev, _ := res.Data.([]store.OrderEvent)
		events = ev
		return nil
	})
	duration := time.Since(start)

	if breakerErr != nil {
		wrapped := wrapBreakerErr(breakerErr, key)
		result := p.degrader.Handle(ctx, wrapped)
		p.record(endpoint, duration, result.Success, false, wrapped)
		if result.Success {
			if ev, err := decodeAs[[]store.OrderEvent](result.Data); err == nil {
				return *ev, nil
			}
		}
		return nil, wrapped
	}

	if events != nil {
		if err := p.cache.Set(key, events, 0); err != nil {
			p.logger.Warn("pipeline: failed to populate cache after order history lookup",
				zap.String("key", key), zap.Error(err))
		}
	}
	p.record(endpoint, duration, true, false, nil)
	return events, nil
}

// Shutdown stops every subsystem's background work and flushes breaker
// persistence, in the teacher's reverse-construction-order shutdown idiom.
func (p *Pipeline) Shutdown() {
	if err := p.breaker.Destroy(); err != nil {
		p.logger.Warn("pipeline: breaker persistence flush failed on shutdown", zap.Error(err))
	}
	p.cache.Shutdown()
	p.dedup.Shutdown()
}

func (p *Pipeline) record(endpoint string, d time.Duration, success, cacheHit bool, err error) {
	status := "ok"
	errorClass := ""
	if !success || err != nil {
		status = "error"
	}
	if err != nil {
		if se := sentinelerrors.AsSentinel(err); se != nil {
			errorClass = string(se.Type)
		} else {
			errorClass = string(sentinelerrors.KindInternal)
		}
	}
	p.metrics.RecordAPICall(endpoint, float64(d.Milliseconds()), status, cacheHit, errorClass)
}

func resultError(res retry.Result) error {
	if res.Err != nil {
		return res.Err
	}
	return sentinelerrors.New(sentinelerrors.KindInternal, "RETRY_EXHAUSTED", "retry exhausted without an error detail")
}

func wrapBreakerErr(err error, cacheKey string) error {
	switch err {
	case breaker.ErrOpen:
		return sentinelerrors.New(sentinelerrors.KindCircuitBreaker, "BREAKER_OPEN", "circuit breaker is open").
			WithContext("cacheKey", cacheKey)
	case breaker.ErrTimeout:
		return sentinelerrors.New(sentinelerrors.KindTimeout, "BREAKER_TIMEOUT", "request exceeded breaker timeout").
			WithContext("cacheKey", cacheKey)
	default:
		return sentinelerrors.Wrap(err).WithContext("cacheKey", cacheKey)
	}
}

func fingerprintKey(ids store.Identifiers) string {
	id := fingerprint.Normalize(ids.Phone, ids.Email, ids.OrderID, ids.CheckoutToken, "")
	return id.Key()
}

// decodeAs round-trips v (a cache hit's generic JSON-decoded value, or an
// already-typed value) through JSON into a *T, so callers have one decode
// path regardless of whether the value came from the cache, the store, or
// a fallback generator.
func decodeAs[T any](v interface{}) (*T, error) {
	if typed, ok := v.(*T); ok {
		return typed, nil
	}
	if typed, ok := v.(T); ok {
		return &typed, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out T
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
