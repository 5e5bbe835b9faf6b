package resource

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mkSample(i int) Sample {
	return Sample{
		MemoryUsage: float64(i) / 100,
		Timestamp:   time.Unix(int64(i), 0),
	}
}

func TestSampleRingEmpty(t *testing.T) {
	r := newSampleRing(3)

	_, ok := r.latest()
	assert.False(t, ok)
	assert.Nil(t, r.snapshot())
	assert.Equal(t, 0, r.len())
}

func TestSampleRingFillsThenEvictsOldest(t *testing.T) {
	r := newSampleRing(3)

	for i := 1; i <= 5; i++ {
		r.append(mkSample(i))
	}

	assert.Equal(t, 3, r.len(), "capacity caps retention")

	latest, ok := r.latest()
	require.True(t, ok)
	assert.Equal(t, mkSample(5), latest)

	snap := r.snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, mkSample(3), snap[0], "oldest first")
	assert.Equal(t, mkSample(4), snap[1])
	assert.Equal(t, mkSample(5), snap[2])
}

func TestSampleRingPartialFill(t *testing.T) {
	r := newSampleRing(10)
	r.append(mkSample(1))
	r.append(mkSample(2))

	snap := r.snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, mkSample(1), snap[0])
	assert.Equal(t, mkSample(2), snap[1])
}

func TestSampleRingSnapshotIsACopy(t *testing.T) {
	r := newSampleRing(3)
	r.append(mkSample(1))

	snap := r.snapshot()
	snap[0].MemoryUsage = 0.99

	latest, _ := r.latest()
	assert.Equal(t, mkSample(1), latest, "mutating the snapshot must not touch the ring")
}

func TestClamp01(t *testing.T) {
	assert.Equal(t, 0.0, clamp01(-0.3))
	assert.Equal(t, 0.5, clamp01(0.5))
	assert.Equal(t, 1.0, clamp01(1.7))
}
