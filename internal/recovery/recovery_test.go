package recovery

import (
	"context"
	"testing"
	"time"

	sentinelerrors "github.com/riskshield/sentinel-core/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDatabaseErrorRecoveryPrefersCache(t *testing.T) {
	m := New(nil)
	m.Register(DatabaseErrorRecovery{
		Cache: func(key string) (interface{}, bool) {
			if key == "cust:1" {
				return "cached-profile", true
			}
			return nil, false
		},
	})

	err := sentinelerrors.New(sentinelerrors.KindDatabase, "D1", "db down").WithContext("cacheKey", "cust:1")
	outcome, ok := m.AttemptRecovery(context.Background(), err)
	require.True(t, ok)
	assert.Equal(t, "cached-profile", outcome.Data)
	assert.False(t, outcome.FallbackUsed)
}

func TestDatabaseErrorRecoveryFallsBackWhenCacheMisses(t *testing.T) {
	m := New(nil)
	m.Register(DatabaseErrorRecovery{
		Cache: func(key string) (interface{}, bool) { return nil, false },
		Fallback: func(ctx context.Context, kind string, hint map[string]interface{}) (interface{}, bool) {
			assert.Equal(t, "new_customer_profile", kind)
			return "new-profile", true
		},
	})

	err := sentinelerrors.New(sentinelerrors.KindDatabase, "D1", "db down")
	outcome, ok := m.AttemptRecovery(context.Background(), err)
	require.True(t, ok)
	assert.Equal(t, "new-profile", outcome.Data)
	assert.True(t, outcome.FallbackUsed)
}

func TestCircuitBreakerErrorRecoveryCarriesRetryAfter(t *testing.T) {
	m := New(nil)
	m.Register(CircuitBreakerErrorRecovery{
		Fallback: func(ctx context.Context, kind string, hint map[string]interface{}) (interface{}, bool) {
			return "generic-profile", true
		},
	})

	err := sentinelerrors.New(sentinelerrors.KindCircuitBreaker, "CB1", "open").WithRetryAfter(15 * time.Second)
	outcome, ok := m.AttemptRecovery(context.Background(), err)
	require.True(t, ok)
	assert.Equal(t, 15*time.Second, outcome.RetryAfter)
}

func TestTimeoutErrorRecoveryRespectsMaxAttempts(t *testing.T) {
	m := New(nil)
	m.Register(TimeoutErrorRecovery{MaxAttempts: 2, BaseDelay: 10 * time.Millisecond})

	err := sentinelerrors.New(sentinelerrors.KindTimeout, "T1", "timeout").WithContext("attempt", 2)
	_, ok := m.AttemptRecovery(context.Background(), err)
	assert.False(t, ok)

	err2 := sentinelerrors.New(sentinelerrors.KindTimeout, "T1", "timeout").WithContext("attempt", 0)
	outcome, ok := m.AttemptRecovery(context.Background(), err2)
	require.True(t, ok)
	assert.Equal(t, 10*time.Millisecond, outcome.RetryAfter)
}

func TestPriorityOrderTriesHigherPriorityFirst(t *testing.T) {
	m := New(nil)
	var called []string
	m.Register(stubStrategy{name: "low", priority: 1, canRecover: true, ok: false, record: &called})
	m.Register(stubStrategy{name: "high", priority: 100, canRecover: true, ok: true, record: &called})

	_, ok := m.AttemptRecovery(context.Background(), sentinelerrors.New(sentinelerrors.KindInternal, "I1", "x"))
	require.True(t, ok)
	assert.Equal(t, []string{"high"}, called)
}

func TestNoMatchingStrategyReturnsFalse(t *testing.T) {
	m := New(nil)
	_, ok := m.AttemptRecovery(context.Background(), sentinelerrors.New(sentinelerrors.KindValidation, "V1", "bad"))
	assert.False(t, ok)
}

type stubStrategy struct {
	name       string
	priority   int
	canRecover bool
	ok         bool
	record     *[]string
}

func (s stubStrategy) Name() string  { return s.name }
func (s stubStrategy) Priority() int { return s.priority }
func (s stubStrategy) CanRecover(err *sentinelerrors.SentinelError) bool { return s.canRecover }
func (s stubStrategy) Recover(ctx context.Context, err *sentinelerrors.SentinelError) (Outcome, bool) {
	*s.record = append(*s.record, s.name)
	if !s.ok {
		return Outcome{}, false
	}
	return Outcome{Data: "ok"}, true
}
