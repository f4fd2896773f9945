// Package retry implements the Retry Manager (spec §4.5): exponential
// backoff with jitter and an overall timeout budget, normalizing every
// attempt's error through internal/errors before deciding retryability.
//
// Grounded on the teacher's internal/throttle/endpoint_throttle.go backoff
// shape (base delay x multiplier^attempt, capped at a max delay), adapted
// here to per-attempt jitter and a wall-clock timeout budget rather than a
// token-bucket rate limit.
package retry

import (
	"context"
	"math/rand"
	"time"

	sentinelerrors "github.com/riskshield/sentinel-core/internal/errors"
	"go.uber.org/zap"
)

// Policy controls retry scheduling. A zero-value Policy{} (Configured
// left false) falls back to DefaultPolicy's values in Execute; any
// caller-built Policy, including one that deliberately sets
// MaxRetries:0, must set Configured:true so a real zero-retry budget
// isn't mistaken for "unset".
type Policy struct {
	Configured        bool
	MaxRetries        int
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
	JitterEnabled     bool
	Timeout           time.Duration
	RetryableKinds    map[sentinelerrors.Kind]bool // nil means "use error.IsRetryable"
}

// DefaultPolicy mirrors the spec's suggested defaults.
func DefaultPolicy() Policy {
	return Policy{
		Configured:        true,
		MaxRetries:        3,
		BaseDelay:         100 * time.Millisecond,
		MaxDelay:          5 * time.Second,
		BackoffMultiplier: 2.0,
		JitterEnabled:     true,
		Timeout:           30 * time.Second,
	}
}

// Work is the operation retried across attempts.
type Work func(ctx context.Context) (interface{}, error)

// Attempt records one try's outcome (spec: "delayMs, durationMs, outcome").
type Attempt struct {
	Number   int
	Delay    time.Duration
	Duration time.Duration
	Err      error
}

// Result is the spec's executeWithRetry return shape.
type Result struct {
	Success       bool
	Data          interface{}
	Err           error
	Attempts      []Attempt
	RecoveryUsed  bool
	FallbackUsed  bool
}

// Recoverer is implemented by internal/recovery.Manager; kept as a narrow
// interface here to avoid an import cycle between retry and recovery.
type Recoverer interface {
	Recover(ctx context.Context, err error) (data interface{}, fallbackUsed bool, ok bool)
}

// Manager executes work under a Policy, invoking recovery on exhaustion.
type Manager struct {
	logger    *zap.Logger
	recoverer Recoverer
}

// New constructs a Manager. recoverer may be nil, in which case step 4 of
// the algorithm (invoke RecoveryStrategyManager) is skipped.
func New(recoverer Recoverer, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{logger: logger, recoverer: recoverer}
}

// Execute runs work per the spec §4.5 retry algorithm.
func (m *Manager) Execute(ctx context.Context, work Work, policy Policy) Result {
	if !policy.Configured {
		policy = DefaultPolicy()
	}

	start := time.Now()
	var attempts []Attempt
	var lastErr error

	for attempt := 1; ; attempt++ {
		attemptStart := time.Now()
		data, err := work(ctx)
		duration := time.Since(attemptStart)

		if err == nil {
			attempts = append(attempts, Attempt{Number: attempt, Duration: duration})
			return Result{Success: true, Data: data, Attempts: attempts}
		}

		normalized := sentinelerrors.Wrap(err)
		lastErr = normalized
		attempts = append(attempts, Attempt{Number: attempt, Duration: duration, Err: normalized})

		retryable := m.isRetryable(normalized, policy)
		if !retryable || attempt >= policy.MaxRetries+1 {
			break
		}

		delay := backoffDelay(policy, attempt)
		if policy.Timeout > 0 && time.Since(start)+delay > policy.Timeout {
			break
		}

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			lastErr = sentinelerrors.Wrap(ctx.Err())
			attempts[len(attempts)-1].Delay = delay
			return Result{Success: false, Err: lastErr, Attempts: attempts}
		}
		attempts[len(attempts)-1].Delay = delay

		if policy.Timeout > 0 && time.Since(start) > policy.Timeout {
			break
		}
	}

	if m.recoverer != nil {
		if data, fallbackUsed, ok := m.recoverer.Recover(ctx, lastErr); ok {
			return Result{
				Success:      true,
				Data:         data,
				Attempts:     attempts,
				RecoveryUsed: true,
				FallbackUsed: fallbackUsed,
			}
		}
	}

	return Result{Success: false, Err: lastErr, Attempts: attempts}
}

func (m *Manager) isRetryable(err error, policy Policy) bool {
	if policy.RetryableKinds != nil {
		if se := sentinelerrors.AsSentinel(err); se != nil {
			return policy.RetryableKinds[se.Type]
		}
	}
	return sentinelerrors.IsRetryable(err)
}

// backoffDelay computes min(base * multiplier^(attempt-1), max), applying
// +-10% jitter when enabled.
func backoffDelay(policy Policy, attempt int) time.Duration {
	base := float64(policy.BaseDelay)
	mult := policy.BackoffMultiplier
	if mult <= 0 {
		mult = 2.0
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= mult
	}
	if policy.MaxDelay > 0 && delay > float64(policy.MaxDelay) {
		delay = float64(policy.MaxDelay)
	}
	if policy.JitterEnabled {
		jitter := (rand.Float64()*2 - 1) * 0.10 * delay
		delay += jitter
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}
