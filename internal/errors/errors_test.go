package errors

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAppliesDefaults(t *testing.T) {
	e := New(KindDatabase, "DB001", "connection refused")
	assert.True(t, e.Retryable)
	assert.Equal(t, 5*time.Second, e.RetryAfter)

	v := New(KindValidation, "VAL001", "bad phone")
	assert.False(t, v.Retryable)
	assert.Zero(t, v.RetryAfter)
}

func TestWrapPassesThroughSentinelError(t *testing.T) {
	e := New(KindTimeout, "T1", "slow")
	assert.Same(t, e, Wrap(e))
}

func TestWrapNormalizesUnknownError(t *testing.T) {
	raw := errors.New("boom")
	e := Wrap(raw)
	assert.Equal(t, KindInternal, e.Type)
	assert.Equal(t, "boom", e.Context["originalError"])
}

func TestWrapDefaultsMessageWhenEmpty(t *testing.T) {
	e := Wrap(errors.New(""))
	assert.Equal(t, "Unknown error occurred", e.Message)
}

func TestMarshalRedactsSensitiveFieldsAndPhones(t *testing.T) {
	e := New(KindValidation, "V1", "bad input").
		WithContext("password", "hunter2").
		WithContext("phone", "+1 555 123 4567").
		WithContext("orderId", "ORDER-42")

	data, err := json.Marshal(e)
	require.NoError(t, err)

	s := string(data)
	assert.NotContains(t, s, "hunter2")
	assert.NotContains(t, s, "5551234567")
	assert.True(t, strings.Contains(s, "ORDER-42"))
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(New(KindNetwork, "N1", "timeout")))
	assert.False(t, IsRetryable(New(KindAuthorization, "A1", "denied")))
}
