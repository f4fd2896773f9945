package degradation

import (
	"context"
	"errors"
	"testing"

	sentinelerrors "github.com/riskshield/sentinel-core/internal/errors"
	"github.com/stretchr/testify/assert"
)

func TestCircuitBreakerErrorPrefersCache(t *testing.T) {
	h := New(
		func(key string) (interface{}, bool) { return "cached", true },
		nil,
		nil,
	)
	err := sentinelerrors.New(sentinelerrors.KindCircuitBreaker, "CB1", "open").WithContext("cacheKey", "k1")
	result := h.Handle(context.Background(), err)

	assert.True(t, result.Success)
	assert.Equal(t, SourceCache, result.Source)
	assert.Equal(t, 0.8, result.Confidence)
}

func TestDatabaseErrorFallsBackWhenNoCache(t *testing.T) {
	h := New(nil, func(ctx context.Context, kind string, hint map[string]interface{}) (interface{}, bool) {
		return "fallback-data", true
	}, nil)
	err := sentinelerrors.New(sentinelerrors.KindDatabase, "D1", "down")
	result := h.Handle(context.Background(), err)

	assert.True(t, result.Success)
	assert.True(t, result.Fallback)
	assert.Equal(t, SourceFallbackGenerator, result.Source)
	assert.Equal(t, 0.4, result.Confidence)
}

func TestTimeoutUsesFallbackGeneratorOnly(t *testing.T) {
	h := New(
		func(key string) (interface{}, bool) { t.Fatal("cache should not be consulted for timeout"); return nil, false },
		func(ctx context.Context, kind string, hint map[string]interface{}) (interface{}, bool) { return "fb", true },
		nil,
	)
	err := sentinelerrors.New(sentinelerrors.KindTimeout, "T1", "timeout")
	result := h.Handle(context.Background(), err)
	assert.Equal(t, SourceFallbackGenerator, result.Source)
}

func TestValidationErrorYieldsMinimalResponse(t *testing.T) {
	h := New(nil, nil, nil)
	err := sentinelerrors.New(sentinelerrors.KindValidation, "V1", "bad input")
	result := h.Handle(context.Background(), err)

	assert.False(t, result.Success)
	assert.Equal(t, SourceMinimalResponse, result.Source)
	assert.Equal(t, float64(0), result.Confidence)
}

func TestUnknownErrorFallsBackToMinimalResponse(t *testing.T) {
	h := New(nil, nil, nil)
	result := h.Handle(context.Background(), errors.New("weird"))
	assert.Equal(t, SourceMinimalResponse, result.Source)
}

func TestHandlerPanicYieldsEmergencyFallback(t *testing.T) {
	h := New(func(key string) (interface{}, bool) {
		panic("cache exploded")
	}, nil, nil)
	err := sentinelerrors.New(sentinelerrors.KindCircuitBreaker, "CB1", "open").WithContext("cacheKey", "k1")

	result := h.Handle(context.Background(), err)
	assert.False(t, result.Success)
	assert.Equal(t, SourceEmergencyFallback, result.Source)
	assert.Equal(t, float64(0), result.Confidence)
}
