// Package recovery implements the Recovery Strategy Manager (spec §4.5): a
// priority-ordered registry of strategies keyed by error-type predicates.
// The database and circuit-breaker strategies probe the cache first, then a
// fallback-data provider; the timeout and network strategies return only a
// retry recommendation.
//
// Grounded on the teacher-adjacent 2lar-b2 internal/errors/recovery.go
// RecoveryManager: the priority-sorted strategy slice and
// CanRecover/Recover/Name/Priority interface shape are kept; strategies are
// specialized to the four built-ins spec §4.5 names instead of generic
// retry/fallback/circuit-breaker strategies.
package recovery

import (
	"context"
	"sort"
	"sync"
	"time"

	sentinelerrors "github.com/riskshield/sentinel-core/internal/errors"
	"go.uber.org/zap"
)

// CacheLookup is the narrow cache-read surface a strategy may use.
type CacheLookup func(key string) (interface{}, bool)

// FallbackProvider supplies fallback data keyed by a logical fallback kind
// (e.g. "new_customer_profile", "generic_customer_profile", "order_by_id",
// "default_risk_assessment").
type FallbackProvider func(ctx context.Context, kind string, hint map[string]interface{}) (interface{}, bool)

// Outcome is what a strategy (or the manager) produced.
type Outcome struct {
	Data         interface{}
	FallbackUsed bool
	RetryAfter   time.Duration
	Source       string
}

// Strategy is a single recovery strategy, matched by error-kind predicate.
type Strategy interface {
	Name() string
	Priority() int
	CanRecover(err *sentinelerrors.SentinelError) bool
	Recover(ctx context.Context, err *sentinelerrors.SentinelError) (Outcome, bool)
}

// Manager runs registered strategies in priority order (highest first); the
// first strategy that produces a result wins, and a strategy error simply
// advances to the next.
type Manager struct {
	mu         sync.RWMutex
	strategies []Strategy
	logger     *zap.Logger
}

// New constructs an empty Manager.
func New(logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{logger: logger}
}

// Register adds strategy and keeps strategies sorted by descending priority.
func (m *Manager) Register(s Strategy) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.strategies = append(m.strategies, s)
	sort.SliceStable(m.strategies, func(i, j int) bool {
		return m.strategies[i].Priority() > m.strategies[j].Priority()
	})
}

// AttemptRecovery tries each matching strategy in priority order.
func (m *Manager) AttemptRecovery(ctx context.Context, err error) (Outcome, bool) {
	se := sentinelerrors.Wrap(err)

	m.mu.RLock()
	strategies := make([]Strategy, len(m.strategies))
	copy(strategies, m.strategies)
	m.mu.RUnlock()

	for _, s := range strategies {
		if !s.CanRecover(se) {
			continue
		}
		outcome, ok := s.Recover(ctx, se)
		if ok {
			m.logger.Info("recovery: strategy succeeded", zap.String("strategy", s.Name()))
			return outcome, true
		}
		m.logger.Debug("recovery: strategy declined, trying next", zap.String("strategy", s.Name()))
	}
	return Outcome{}, false
}

// Recover adapts AttemptRecovery to the retry.Recoverer interface
// (data, fallbackUsed, ok), letting internal/retry depend on this manager
// without an import cycle.
func (m *Manager) Recover(ctx context.Context, err error) (interface{}, bool, bool) {
	outcome, ok := m.AttemptRecovery(ctx, err)
	if !ok {
		return nil, false, false
	}
	return outcome.Data, outcome.FallbackUsed, true
}

// --- built-in strategies ---

// DatabaseErrorRecovery: cache lookup, then new-customer-profile fallback.
type DatabaseErrorRecovery struct {
	Cache    CacheLookup
	Fallback FallbackProvider
}

func (DatabaseErrorRecovery) Name() string  { return "database_error_recovery" }
func (DatabaseErrorRecovery) Priority() int { return 30 }

func (DatabaseErrorRecovery) CanRecover(err *sentinelerrors.SentinelError) bool {
	return err.Type == sentinelerrors.KindDatabase
}

func (s DatabaseErrorRecovery) Recover(ctx context.Context, err *sentinelerrors.SentinelError) (Outcome, bool) {
	if s.Cache != nil {
		if key, ok := err.Context["cacheKey"].(string); ok {
			if data, found := s.Cache(key); found {
				return Outcome{Data: data, Source: "cache"}, true
			}
		}
	}
	if s.Fallback != nil {
		if data, ok := s.Fallback(ctx, "new_customer_profile", err.Context); ok {
			return Outcome{Data: data, FallbackUsed: true, Source: "fallback_generator"}, true
		}
	}
	return Outcome{}, false
}

// CircuitBreakerErrorRecovery: no retry; cache first, else fallback; the
// retry delay equals the breaker's own RetryAfter.
type CircuitBreakerErrorRecovery struct {
	Cache    CacheLookup
	Fallback FallbackProvider
}

func (CircuitBreakerErrorRecovery) Name() string  { return "circuit_breaker_error_recovery" }
func (CircuitBreakerErrorRecovery) Priority() int { return 40 }

func (CircuitBreakerErrorRecovery) CanRecover(err *sentinelerrors.SentinelError) bool {
	return err.Type == sentinelerrors.KindCircuitBreaker
}

func (s CircuitBreakerErrorRecovery) Recover(ctx context.Context, err *sentinelerrors.SentinelError) (Outcome, bool) {
	if s.Cache != nil {
		if key, ok := err.Context["cacheKey"].(string); ok {
			if data, found := s.Cache(key); found {
				return Outcome{Data: data, Source: "cache", RetryAfter: err.RetryAfter}, true
			}
		}
	}
	if s.Fallback != nil {
		if data, ok := s.Fallback(ctx, "generic_customer_profile", err.Context); ok {
			return Outcome{Data: data, FallbackUsed: true, Source: "fallback_generator", RetryAfter: err.RetryAfter}, true
		}
	}
	return Outcome{}, false
}

// TimeoutErrorRecovery: retry up to N with growing delay; no fallback data.
type TimeoutErrorRecovery struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

func (TimeoutErrorRecovery) Name() string  { return "timeout_error_recovery" }
func (TimeoutErrorRecovery) Priority() int { return 20 }

func (TimeoutErrorRecovery) CanRecover(err *sentinelerrors.SentinelError) bool {
	return err.Type == sentinelerrors.KindTimeout
}

func (s TimeoutErrorRecovery) Recover(ctx context.Context, err *sentinelerrors.SentinelError) (Outcome, bool) {
	attempt, _ := err.Context["attempt"].(int)
	if attempt >= s.MaxAttempts {
		return Outcome{}, false
	}
	delay := time.Duration(attempt+1) * s.BaseDelay
	return Outcome{RetryAfter: delay, Source: "retry_recommendation"}, true
}

// NetworkErrorRecovery: retry up to M with growing delay; no fallback data.
type NetworkErrorRecovery struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

func (NetworkErrorRecovery) Name() string  { return "network_error_recovery" }
func (NetworkErrorRecovery) Priority() int { return 10 }

func (NetworkErrorRecovery) CanRecover(err *sentinelerrors.SentinelError) bool {
	return err.Type == sentinelerrors.KindNetwork
}

func (s NetworkErrorRecovery) Recover(ctx context.Context, err *sentinelerrors.SentinelError) (Outcome, bool) {
	attempt, _ := err.Context["attempt"].(int)
	if attempt >= s.MaxAttempts {
		return Outcome{}, false
	}
	delay := time.Duration(attempt+1) * s.BaseDelay
	return Outcome{RetryAfter: delay, Source: "retry_recommendation"}, true
}
