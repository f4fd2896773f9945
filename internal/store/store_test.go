package store

import (
	"errors"
	"testing"

	sentinelerrors "github.com/riskshield/sentinel-core/internal/errors"
	"github.com/stretchr/testify/assert"
)

func TestClassifyErrReturnsNilForNil(t *testing.T) {
	assert.Nil(t, classifyErr(nil))
}

func TestClassifyErrMapsToDatabaseError(t *testing.T) {
	err := classifyErr(errors.New("connection reset by peer"))
	se := sentinelerrors.AsSentinel(err)
	if assert.NotNil(t, se) {
		assert.Equal(t, sentinelerrors.KindDatabase, se.Type)
		assert.True(t, se.Retryable)
	}
}
