package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRecordAndSnapshotComputesPercentiles(t *testing.T) {
	c := NewCollector(NewRegistry(), time.Minute)

	for _, ms := range []float64{10, 20, 30, 40, 50, 60, 70, 80, 90, 100} {
		c.RecordAPICall("findCustomer", ms, "ok", true, "")
	}

	snap := c.Snapshot("findCustomer")
	assert.Equal(t, int64(10), snap.Count)
	assert.Equal(t, int64(10), snap.CacheHits)
	assert.Equal(t, float64(55), snap.AvgResponseMs)
	assert.Greater(t, snap.P95Ms, snap.P50Ms)
}

func TestBreakerErrorClassIncrementsTripCounter(t *testing.T) {
	c := NewCollector(NewRegistry(), time.Minute)
	c.RecordAPICall("findCustomer", 5, "error", false, "CIRCUIT_BREAKER_ERROR")

	snap := c.Snapshot("findCustomer")
	assert.Equal(t, int64(1), snap.BreakerTrips)
	assert.Equal(t, int64(1), snap.ErrorCount)
}

func TestSamplesOutsideWindowAreDropped(t *testing.T) {
	c := NewCollector(NewRegistry(), 10*time.Millisecond)
	c.RecordAPICall("findCustomer", 5, "ok", false, "")

	time.Sleep(30 * time.Millisecond)
	c.RecordAPICall("findCustomer", 5, "ok", false, "")

	snap := c.Snapshot("findCustomer")
	assert.Equal(t, int64(1), snap.Count)
}

func TestSnapshotAllReturnsEveryEndpoint(t *testing.T) {
	c := NewCollector(NewRegistry(), time.Minute)
	c.RecordAPICall("a", 1, "ok", false, "")
	c.RecordAPICall("b", 1, "ok", false, "")

	snaps := c.SnapshotAll()
	assert.Len(t, snaps, 2)
}

func TestUnknownEndpointSnapshotIsEmpty(t *testing.T) {
	c := NewCollector(NewRegistry(), time.Minute)
	snap := c.Snapshot("nope")
	assert.Equal(t, int64(0), snap.Count)
}
