package analyzer

import (
	"testing"

	"github.com/riskshield/sentinel-core/internal/logging"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestAnalyzeClustersSimilarMessages(t *testing.T) {
	logger, ring := logging.New(zapcore.InfoLevel, 100)
	defer logger.Sync()

	logger.Error("database error after 204ms")
	logger.Error("database error after 91ms")
	logger.Error("database error after 15ms")
	logger.Info("ok")

	a := New(ring, nil)
	report := a.Analyze()

	require := func(cond bool, msg string) {
		if !cond {
			t.Fatal(msg)
		}
	}
	require(len(report.Clusters) == 2, "expected 2 clusters (error + info)")

	var dbCluster *Cluster
	for i := range report.Clusters {
		if report.Clusters[i].Count == 3 {
			dbCluster = &report.Clusters[i]
		}
	}
	require(dbCluster != nil, "expected a 3-entry database error cluster")
}

func TestHealthScoreReflectsErrorRate(t *testing.T) {
	logger, ring := logging.New(zapcore.InfoLevel, 100)
	defer logger.Sync()

	for i := 0; i < 9; i++ {
		logger.Info("fine")
	}
	logger.Error("database error")

	a := New(ring, nil)
	report := a.Analyze()

	assert.InDelta(t, 90.0, report.HealthScore, 0.01)
}

func TestPersistentDatabaseErrorsSuggestConnectionCheck(t *testing.T) {
	logger, ring := logging.New(zapcore.InfoLevel, 100)
	defer logger.Sync()

	for i := 0; i < 5; i++ {
		logger.Error("database error", zap.Int("attempt", i))
	}

	a := New(ring, nil)
	report := a.Analyze()

	found := false
	for _, s := range report.Suggestions {
		if s == "Persistent database errors detected: check connection pool health and store reachability." {
			found = true
		}
	}
	assert.True(t, found)
}

func TestEmptyBufferYieldsPerfectHealth(t *testing.T) {
	_, ring := logging.New(zapcore.InfoLevel, 100)
	a := New(ring, nil)
	report := a.Analyze()
	assert.Equal(t, 100.0, report.HealthScore)
	assert.Empty(t, report.Clusters)
}
