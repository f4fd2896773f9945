// Package errors implements the sentinel-core error taxonomy: every error
// that crosses a subsystem boundary is normalized into a SentinelError so
// that retry, recovery, and degradation logic never has to type-switch on
// ad-hoc error values.
package errors

import (
	"encoding/json"
	"fmt"
	"regexp"
	"time"
)

// Kind enumerates the error taxonomy defined by the request core.
type Kind string

const (
	KindValidation       Kind = "VALIDATION_ERROR"
	KindAuthentication   Kind = "AUTHENTICATION_ERROR"
	KindAuthorization    Kind = "AUTHORIZATION_ERROR"
	KindNotFound         Kind = "NOT_FOUND_ERROR"
	KindTimeout          Kind = "TIMEOUT_ERROR"
	KindDatabase         Kind = "DATABASE_ERROR"
	KindCircuitBreaker   Kind = "CIRCUIT_BREAKER_ERROR"
	KindRateLimit        Kind = "RATE_LIMIT_ERROR"
	KindNetwork          Kind = "NETWORK_ERROR"
	KindInternal         Kind = "INTERNAL_SERVER_ERROR"
)

// defaultRetryAfter holds the spec-mandated default retry delay per kind.
var defaultRetryAfter = map[Kind]time.Duration{
	KindTimeout:  1 * time.Second,
	KindDatabase: 5 * time.Second,
	KindNetwork:  2 * time.Second,
}

// retryableKinds lists kinds that are retryable absent any other signal.
var retryableKinds = map[Kind]bool{
	KindTimeout:   true,
	KindDatabase:  true,
	KindRateLimit: true,
	KindNetwork:   true,
}

// SentinelError is the single error type that crosses subsystem boundaries.
type SentinelError struct {
	Type       Kind                   `json:"type"`
	Code       string                 `json:"code"`
	Message    string                 `json:"message"`
	Retryable  bool                   `json:"retryable"`
	RetryAfter time.Duration          `json:"retryAfter,omitempty"`
	Context    map[string]interface{} `json:"context,omitempty"`
	cause      error
}

// Error implements the error interface.
func (e *SentinelError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("[%s:%s] %s", e.Type, e.Code, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Type, e.Message)
}

// Unwrap exposes the underlying cause for errors.Is/errors.As.
func (e *SentinelError) Unwrap() error {
	return e.cause
}

// New builds a SentinelError of the given kind.
func New(kind Kind, code, message string) *SentinelError {
	e := &SentinelError{
		Type:      kind,
		Code:      code,
		Message:   message,
		Retryable: retryableKinds[kind],
		Context:   make(map[string]interface{}),
	}
	if d, ok := defaultRetryAfter[kind]; ok {
		e.RetryAfter = d
	}
	return e
}

// Wrap normalizes an arbitrary error/value into a SentinelError. If err is
// already a *SentinelError it is returned unchanged. An unclassified error
// is normalized to INTERNAL_SERVER_ERROR with the original value preserved
// in context.originalError, per spec §7 propagation policy.
func Wrap(err error) *SentinelError {
	if err == nil {
		return nil
	}
	if se, ok := err.(*SentinelError); ok {
		return se
	}
	msg := err.Error()
	if msg == "" {
		msg = "Unknown error occurred"
	}
	se := New(KindInternal, "UNCLASSIFIED", msg)
	se.cause = err
	se.Context["originalError"] = err.Error()
	return se
}

// WithRetryAfter overrides the retry-after hint (e.g. server-suggested
// RATE_LIMIT_ERROR or breaker-derived CIRCUIT_BREAKER_ERROR retryAfter).
func (e *SentinelError) WithRetryAfter(d time.Duration) *SentinelError {
	e.RetryAfter = d
	return e
}

// WithContext attaches a context key/value, returning e for chaining.
func (e *SentinelError) WithContext(key string, value interface{}) *SentinelError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithCause records the underlying error without changing classification.
func (e *SentinelError) WithCause(cause error) *SentinelError {
	e.cause = cause
	return e
}

var (
	phonePattern = regexp.MustCompile(`\d{7,}`)
	emailPattern = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	sensitiveKeys = map[string]bool{
		"password": true,
		"token":    true,
		"secret":   true,
	}
)

// MarshalJSON redacts sensitive fields before serialization: keys named
// password/token/secret are dropped, any string value containing a 7+
// digit run (phone-shaped) or an email address is masked, and Message
// itself — the likeliest carrier of an interpolated identifier — gets the
// same treatment.
func (e *SentinelError) MarshalJSON() ([]byte, error) {
	type alias SentinelError
	redactedContext := redactContext(e.Context)
	cp := (*alias)(e)
	out := struct {
		*alias
		Message string                 `json:"message"`
		Context map[string]interface{} `json:"context,omitempty"`
	}{alias: cp, Message: redactString(e.Message), Context: redactedContext}
	return json.Marshal(out)
}

func redactContext(ctx map[string]interface{}) map[string]interface{} {
	if ctx == nil {
		return nil
	}
	out := make(map[string]interface{}, len(ctx))
	for k, v := range ctx {
		if sensitiveKeys[k] {
			continue
		}
		if s, ok := v.(string); ok {
			out[k] = redactString(s)
			continue
		}
		out[k] = v
	}
	return out
}

func redactString(s string) string {
	s = emailPattern.ReplaceAllString(s, "[redacted]")
	return phonePattern.ReplaceAllStringFunc(s, func(m string) string {
		return "[redacted]"
	})
}

// RedactForLogging masks phone- and email-shaped substrings in s. Exposed
// for internal/logging's redacting zapcore.Core, which applies the same
// policy to free-form log field values.
func RedactForLogging(s string) string {
	return redactString(s)
}

// IsRetryable reports whether err (after normalization) is retryable.
func IsRetryable(err error) bool {
	return Wrap(err).Retryable
}

// AsSentinel returns err as a *SentinelError if it already is one, without
// normalizing it. Callers that need a guaranteed SentinelError should use
// Wrap instead; AsSentinel is for call sites that want to distinguish
// "already classified" from "needs classification".
func AsSentinel(err error) *SentinelError {
	se, _ := err.(*SentinelError)
	return se
}
