// Package degradation implements the Graceful Degradation Handler (spec
// §4.5): the last line of defense after retry and recovery have both
// failed. It never returns an error to its caller; an internal failure in
// the handler itself degrades further to an emergency fallback.
//
// Grounded on the same 2lar-b2 internal/errors strategy-selection idiom as
// internal/recovery, specialized to the spec's four-way source/confidence
// table instead of a generic strategy list.
package degradation

import (
	"context"

	sentinelerrors "github.com/riskshield/sentinel-core/internal/errors"
	"go.uber.org/zap"
)

// Source identifies which layer ultimately produced the response.
type Source string

const (
	SourceCache             Source = "cache"
	SourceFallbackGenerator Source = "fallback_generator"
	SourceMinimalResponse   Source = "minimal_response"
	SourceEmergencyFallback Source = "emergency_fallback"
)

// Result is the spec's handleDegradation return shape.
type Result struct {
	Success    bool
	Data       interface{}
	Fallback   bool
	Source     Source
	Confidence float64
	Metadata   map[string]interface{}
}

// CacheLookup mirrors recovery.CacheLookup; kept separate to avoid a
// dependency from degradation onto the recovery package.
type CacheLookup func(key string) (interface{}, bool)

// FallbackGenerator produces one of: new-customer profile, generic
// customer profile from identifiers, order fallback by id, default risk
// assessment, depending on kind.
type FallbackGenerator func(ctx context.Context, kind string, hint map[string]interface{}) (interface{}, bool)

// Handler implements handleDegradation.
type Handler struct {
	cache    CacheLookup
	fallback FallbackGenerator
	logger   *zap.Logger
}

// New constructs a Handler. Either dependency may be nil.
func New(cache CacheLookup, fallback FallbackGenerator, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{cache: cache, fallback: fallback, logger: logger}
}

// Handle selects a degraded response per the spec §4.5 source/confidence
// table. It never panics outward: any internal failure degrades to
// emergency_fallback.
func (h *Handler) Handle(ctx context.Context, err error) (result Result) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("degradation: handler panicked, emitting emergency fallback", zap.Any("recovered", r))
			result = Result{Success: false, Source: SourceEmergencyFallback, Confidence: 0}
		}
	}()

	se := sentinelerrors.Wrap(err)

	switch se.Type {
	case sentinelerrors.KindCircuitBreaker, sentinelerrors.KindDatabase:
		if data, ok := h.tryCache(se); ok {
			return Result{Success: true, Data: data, Fallback: false, Source: SourceCache, Confidence: 0.8}
		}
		if data, ok := h.tryFallback(ctx, se, "generic_customer_profile"); ok {
			return Result{Success: true, Data: data, Fallback: true, Source: SourceFallbackGenerator, Confidence: 0.4}
		}
		return h.minimalResponse()

	case sentinelerrors.KindTimeout, sentinelerrors.KindNetwork:
		if data, ok := h.tryFallback(ctx, se, "generic_customer_profile"); ok {
			return Result{Success: true, Data: data, Fallback: true, Source: SourceFallbackGenerator, Confidence: 0.4}
		}
		return h.minimalResponse()

	case sentinelerrors.KindValidation, sentinelerrors.KindAuthorization, sentinelerrors.KindAuthentication:
		return h.minimalResponse()

	default:
		return h.minimalResponse()
	}
}

func (h *Handler) tryCache(se *sentinelerrors.SentinelError) (interface{}, bool) {
	if h.cache == nil {
		return nil, false
	}
	key, ok := se.Context["cacheKey"].(string)
	if !ok {
		return nil, false
	}
	return h.cache(key)
}

func (h *Handler) tryFallback(ctx context.Context, se *sentinelerrors.SentinelError, kind string) (interface{}, bool) {
	if h.fallback == nil {
		return nil, false
	}
	return h.fallback(ctx, kind, se.Context)
}

func (h *Handler) minimalResponse() Result {
	return Result{Success: false, Source: SourceMinimalResponse, Confidence: 0}
}
