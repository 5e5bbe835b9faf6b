package resource

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeLeases struct {
	mu     sync.Mutex
	active int
	total  int
}

func (l *fakeLeases) ActiveLeases() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.active
}

func (l *fakeLeases) Total() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.total
}

func (l *fakeLeases) set(active, total int) {
	l.mu.Lock()
	l.active, l.total = active, total
	l.mu.Unlock()
}

// fixedStats returns the same reading on every sample.
func fixedStats(mem, cpu, disk float64) StatsSource {
	return StatsFunc(func(context.Context) (SystemStats, error) {
		return SystemStats{MemoryUsage: mem, CPUUsage: cpu, DiskUsage: disk}, nil
	})
}

func testController(t *testing.T, stats StatsSource, leases LeaseSource) *Controller {
	t.Helper()
	return NewController(zap.NewNop(), Config{MaxPoolSize: 4}, stats, leases)
}

func TestSampleOnceRecords(t *testing.T) {
	leases := &fakeLeases{active: 2, total: 3}
	c := testController(t, fixedStats(0.5, 0.3, 0.2), leases)

	s, err := c.SampleOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0.5, s.MemoryUsage)
	assert.Equal(t, 2, s.ActiveLeases)
	assert.False(t, s.Timestamp.IsZero())

	latest, ok := c.LatestSample()
	require.True(t, ok)
	assert.Equal(t, s, latest)
	assert.Len(t, c.SampleHistory(), 1)

	assert.False(t, c.CheckPressure().Overall, "half-loaded host is not pressured")
}

func TestSampleOnceStatsFailure(t *testing.T) {
	boom := errors.New("procfs unreadable")
	c := testController(t, StatsFunc(func(context.Context) (SystemStats, error) {
		return SystemStats{}, boom
	}), &fakeLeases{})

	_, err := c.SampleOnce(context.Background())
	require.ErrorIs(t, err, boom)

	_, ok := c.LatestSample()
	assert.False(t, ok, "failed samples are not retained")
}

func TestPressureFlagsPerDimension(t *testing.T) {
	c := testController(t, fixedStats(0.85, 0.2, 0.2), &fakeLeases{})
	_, err := c.SampleOnce(context.Background())
	require.NoError(t, err)

	pr := c.CheckPressure()
	assert.True(t, pr.Memory)
	assert.False(t, pr.CPU)
	assert.False(t, pr.Disk)
	assert.False(t, pr.Network)
	assert.True(t, pr.Overall)
}

func TestCriticalMemoryForcesShrink(t *testing.T) {
	leases := &fakeLeases{active: 1, total: 3}
	c := testController(t, fixedStats(0.95, 0.1, 0.1), leases)

	_, err := c.SampleOnce(context.Background())
	require.NoError(t, err)

	assert.Less(t, c.OptimalPoolSize(), leases.Total(),
		"critical memory must recommend a size below the current one")
	assert.False(t, c.ShouldExpandPool())
	assert.True(t, c.ShouldShrinkPool())
}

func TestOptimalPoolSizeTracksHeadroom(t *testing.T) {
	leases := &fakeLeases{active: 0, total: 2}

	relaxed := testController(t, fixedStats(0.1, 0.1, 0.1), leases)
	_, err := relaxed.SampleOnce(context.Background())
	require.NoError(t, err)

	loaded := testController(t, fixedStats(0.7, 0.6, 0.1), leases)
	_, err = loaded.SampleOnce(context.Background())
	require.NoError(t, err)

	assert.Greater(t, relaxed.OptimalPoolSize(), loaded.OptimalPoolSize(),
		"less headroom, smaller recommendation")

	// Bounds hold at both extremes.
	assert.LessOrEqual(t, relaxed.OptimalPoolSize(), 4)
	assert.GreaterOrEqual(t, loaded.OptimalPoolSize(), 1)
}

func TestSaturatedLeasesPullRecommendationUp(t *testing.T) {
	leases := &fakeLeases{active: 2, total: 2}
	c := testController(t, fixedStats(0.2, 0.2, 0.2), leases)

	_, err := c.SampleOnce(context.Background())
	require.NoError(t, err)

	assert.Greater(t, c.OptimalPoolSize(), leases.Total(),
		"every instance leased plus headroom should grow the pool")
	assert.True(t, c.ShouldExpandPool())
}

func TestNoExpansionWithoutSamples(t *testing.T) {
	c := testController(t, fixedStats(0, 0, 0), &fakeLeases{total: 2})
	assert.False(t, c.ShouldExpandPool())
	assert.False(t, c.ShouldShrinkPool())
	assert.Equal(t, 2, c.OptimalPoolSize(), "no data, keep the current size")
}

func TestCPUPressureEnablesThrottling(t *testing.T) {
	c := testController(t, fixedStats(0.1, 0.9, 0.1), &fakeLeases{})

	_, err := c.SampleOnce(context.Background())
	require.NoError(t, err)

	assert.True(t, c.Degradation().Status().RequestThrottlingEnabled)

	c.Degradation().Reset()
	assert.False(t, c.Degradation().Status().RequestThrottlingEnabled)
	assert.True(t, c.Degradation().Allow())
}

func TestCriticalMemoryDegradesRendering(t *testing.T) {
	c := testController(t, fixedStats(0.95, 0.1, 0.1), &fakeLeases{})

	_, err := c.SampleOnce(context.Background())
	require.NoError(t, err)

	st := c.Degradation().Status()
	assert.True(t, st.RenderingQualityReduced)
	assert.True(t, st.NonEssentialFeaturesDisabled)
}

func TestCalmSampleClearsShrinkRecommendation(t *testing.T) {
	leases := &fakeLeases{active: 0, total: 1}
	readings := make(chan SystemStats, 2)
	readings <- SystemStats{MemoryUsage: 0.95}
	readings <- SystemStats{MemoryUsage: 0.2}

	c := NewController(zap.NewNop(), Config{MaxPoolSize: 4},
		StatsFunc(func(context.Context) (SystemStats, error) { return <-readings, nil }), leases)

	_, err := c.SampleOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, c.ShouldShrinkPool())

	_, err = c.SampleOnce(context.Background())
	require.NoError(t, err)
	assert.False(t, c.ShouldShrinkPool(), "recovery clears the standing shrink advice")
}

func TestAlertsDispatchedAndPanicIsolated(t *testing.T) {
	c := testController(t, fixedStats(0.9, 0.1, 0.1), &fakeLeases{})

	var got []Sample
	var mu sync.Mutex
	c.OnPressure(func(Pressure, Sample) { panic("bad dashboard hook") })
	c.OnPressure(func(_ Pressure, s Sample) {
		mu.Lock()
		got = append(got, s)
		mu.Unlock()
	})

	_, err := c.SampleOnce(context.Background())
	require.NoError(t, err, "a panicking callback must not break sampling")
	_, err = c.SampleOnce(context.Background())
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, got, 2, "later callbacks still run after an earlier panic")
}

func TestNoAlertsWithoutPressure(t *testing.T) {
	c := testController(t, fixedStats(0.2, 0.2, 0.2), &fakeLeases{})

	called := false
	c.OnPressure(func(Pressure, Sample) { called = true })

	_, err := c.SampleOnce(context.Background())
	require.NoError(t, err)
	assert.False(t, called)
}

func TestRunSamplesPeriodically(t *testing.T) {
	c := NewController(zap.NewNop(), Config{SampleInterval: 10 * time.Millisecond, MaxPoolSize: 4},
		fixedStats(0.3, 0.3, 0.3), &fakeLeases{})

	c.Run()
	defer c.Stop()

	require.Eventually(t, func() bool {
		return c.history.len() >= 3
	}, 2*time.Second, 5*time.Millisecond)
}

func TestRecommendationsSnapshot(t *testing.T) {
	leases := &fakeLeases{active: 1, total: 2}
	c := testController(t, fixedStats(0.3, 0.3, 0.3), leases)

	_, err := c.SampleOnce(context.Background())
	require.NoError(t, err)

	rec := c.Recommendations()
	assert.Equal(t, 2, rec.CurrentPoolSize)
	assert.Equal(t, c.OptimalPoolSize(), rec.OptimalPoolSize)
	assert.False(t, rec.Pressure.Overall)
	assert.False(t, rec.Degradation.RequestThrottlingEnabled)
}
