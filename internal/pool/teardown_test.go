package pool

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edirooss/renderd/internal/renderer"
)

func acquireOne(t *testing.T, p *Pool) *Instance {
	t.Helper()
	inst, err := p.Acquire(context.Background())
	require.NoError(t, err)
	return inst
}

func TestTeardownGracefulCloseSuffices(t *testing.T) {
	p, f, sup := newTestPool(t, testConfig())
	inst := acquireOne(t, p)

	p.mu.Lock()
	delete(p.busy, inst.ID)
	p.mu.Unlock()

	p.destroyInstance(context.Background(), inst)

	assert.Equal(t, 1, f.destroyed, "cooperative close goes through the factory")
	assert.False(t, sup.Alive(inst.PID))
	assert.Equal(t, 0, sup.killCount(), "no escalation when graceful close lands")
	assert.Equal(t, 0, sup.sweepCount())
	assert.EqualValues(t, 1, p.Metrics().Destroyed)
}

func TestTeardownEscalatesToForceKill(t *testing.T) {
	p, f, sup := newTestPool(t, testConfig())
	f.leaveAlive = true // factory acknowledges, process survives
	inst := acquireOne(t, p)

	p.mu.Lock()
	delete(p.busy, inst.ID)
	p.mu.Unlock()

	p.destroyInstance(context.Background(), inst)

	assert.Equal(t, 1, sup.killCount(), "surviving process must be force-killed")
	assert.False(t, sup.Alive(inst.PID))
	assert.Equal(t, 0, sup.sweepCount())
	assert.EqualValues(t, 1, p.Metrics().Destroyed)
}

func TestTeardownEscalatesToSystemSweep(t *testing.T) {
	p, f, sup := newTestPool(t, testConfig())
	f.leaveAlive = true
	sup.surviveKill = true
	inst := acquireOne(t, p)

	p.mu.Lock()
	delete(p.busy, inst.ID)
	p.mu.Unlock()

	p.destroyInstance(context.Background(), inst)

	assert.Equal(t, 1, sup.killCount())
	require.Equal(t, 1, sup.sweepCount(), "last resort is the fingerprint sweep")
	assert.Equal(t, inst.Handle.Fingerprint(), sup.swept[0])
	// The sweep tier never retries: bookkeeping progressed regardless.
	assert.EqualValues(t, 1, p.Metrics().Destroyed)
}

func TestTeardownRunsExactlyOnce(t *testing.T) {
	p, f, _ := newTestPool(t, testConfig())
	inst := acquireOne(t, p)

	p.mu.Lock()
	delete(p.busy, inst.ID)
	p.mu.Unlock()

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.destroyInstance(context.Background(), inst)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, f.destroyed, "concurrent teardowns collapse onto one run")
	assert.EqualValues(t, 1, p.Metrics().Destroyed)
}

func TestShutdownDestroysBusyAndAvailable(t *testing.T) {
	cfg := testConfig()
	cfg.MaxSize = 3
	p, _, sup := newTestPool(t, cfg)
	ctx := context.Background()

	a := acquireOne(t, p)
	b := acquireOne(t, p)
	c := acquireOne(t, p)
	p.Release(ctx, a) // one available, two still leased

	pids := []int{a.PID, b.PID, c.PID}

	p.Shutdown(ctx)

	st := p.Status()
	assert.Equal(t, 0, st.Total, "pool always ends empty")
	assert.True(t, st.ShuttingDown)
	assert.EqualValues(t, 3, st.Metrics.Destroyed)
	for _, pid := range pids {
		assert.False(t, sup.Alive(pid), "pid %d survived shutdown", pid)
	}

	// Idempotent.
	p.Shutdown(ctx)
	assert.EqualValues(t, 3, p.Metrics().Destroyed)
}

func TestShutdownWakesParkedWaiters(t *testing.T) {
	cfg := testConfig()
	cfg.MaxSize = 1
	cfg.AcquireWaitTimeout = 10 * time.Second
	p, _, _ := newTestPool(t, cfg)
	ctx := context.Background()

	acquireOne(t, p)

	errs := make(chan error, 1)
	go func() {
		_, err := p.Acquire(ctx)
		errs <- err
	}()

	require.Eventually(t, func() bool { return p.Status().Waiters == 1 },
		time.Second, 5*time.Millisecond)

	p.Shutdown(ctx)

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, ErrPoolShuttingDown)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter not woken by shutdown")
	}
}

func TestReleaseDuringShutdownDestroysInline(t *testing.T) {
	p, _, sup := newTestPool(t, testConfig())
	ctx := context.Background()

	inst := acquireOne(t, p)

	// Shutdown runs concurrently with the lease still out; the pool must
	// not wait for the leaseholder.
	p.Shutdown(ctx)
	assert.False(t, sup.Alive(inst.PID))

	// A late release of the already-destroyed lease is a no-op.
	p.Release(ctx, inst)
	assert.Equal(t, 0, p.Total())
}

func TestShutdownDestroysInFlightCreation(t *testing.T) {
	cfg := testConfig()
	cfg.MinSize = 1
	p, f, sup := newTestPool(t, cfg)
	ctx := context.Background()

	enter := make(chan struct{}, 1)
	gate := make(chan struct{})
	f.setCreateGate(enter, gate)

	warmed := make(chan struct{})
	go func() {
		p.WarmUp(ctx)
		close(warmed)
	}()

	select {
	case <-enter: // creation is in flight
	case <-time.After(2 * time.Second):
		t.Fatal("warm-up never reached the factory")
	}

	p.Shutdown(ctx)
	close(gate) // handle arrives after shutdown collected its victims
	<-warmed

	require.Eventually(t, func() bool {
		st := p.Status()
		return st.Total == 0 && st.Metrics.Destroyed == 1
	}, 3*time.Second, 10*time.Millisecond, "late arrival must be torn down, not pooled")
	assert.False(t, sup.Alive(1001))
}

func TestShutdownNotStalledByMaintenanceCreation(t *testing.T) {
	cfg := testConfig()
	cfg.MinSize = 1
	cfg.CleanupInterval = 20 * time.Millisecond
	cfg.CreateTimeout = 10 * time.Second
	p, f, _ := newTestPool(t, cfg)
	ctx := context.Background()

	require.NoError(t, p.Initialize(ctx))

	// Evict the warm instance so the next cycle tries to restore MinSize,
	// with that creation parked behind the gate.
	inst, err := p.Acquire(ctx)
	require.NoError(t, err)
	enter := make(chan struct{}, 1)
	gate := make(chan struct{}) // never released; only cancellation frees Create
	f.setCreateGate(enter, gate)
	f.setValidateFn(func(h renderer.Handle) bool { return false })
	p.Release(ctx, inst)

	select {
	case <-enter:
	case <-time.After(3 * time.Second):
		t.Fatal("maintenance cycle never attempted the replacement creation")
	}

	done := make(chan struct{})
	go func() {
		p.Shutdown(ctx)
		close(done)
	}()
	select {
	case <-done: // well under the 10s CreateTimeout
	case <-time.After(3 * time.Second):
		t.Fatal("shutdown stalled behind an in-flight maintenance creation")
	}
}
