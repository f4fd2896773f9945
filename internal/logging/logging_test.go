package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestRingBufferCapturesEntries(t *testing.T) {
	logger, ring := New(zapcore.InfoLevel, 10)
	defer logger.Sync()

	logger.Info("request completed", zap.String("endpoint", "findCustomer"))

	entries := ring.Snapshot()
	require.Len(t, entries, 1)
	assert.Equal(t, "request completed", entries[0].Message)
	assert.Equal(t, "findCustomer", entries[0].Fields["endpoint"])
}

func TestRingBufferWrapsAtCapacity(t *testing.T) {
	logger, ring := New(zapcore.InfoLevel, 3)
	defer logger.Sync()

	for i := 0; i < 5; i++ {
		logger.Info("tick")
	}

	entries := ring.Snapshot()
	assert.Len(t, entries, 3)
}

func TestSensitiveFieldIsRedacted(t *testing.T) {
	logger, ring := New(zapcore.InfoLevel, 10)
	defer logger.Sync()

	logger.Info("auth attempt", zap.String("password", "hunter2"))

	entries := ring.Snapshot()
	require.Len(t, entries, 1)
	assert.Equal(t, "[redacted]", entries[0].Fields["password"])
}

func TestPhoneShapedValueIsRedacted(t *testing.T) {
	logger, ring := New(zapcore.InfoLevel, 10)
	defer logger.Sync()

	logger.Info("lookup", zap.String("note", "called 5551234567 twice"))

	entries := ring.Snapshot()
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].Fields["note"], "[redacted]")
	assert.NotContains(t, entries[0].Fields["note"], "5551234567")
}
