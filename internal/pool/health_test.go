package pool

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edirooss/renderd/internal/renderer"
)

func TestHealthCheckDeadProcessShortCircuits(t *testing.T) {
	p, f, sup := newTestPool(t, testConfig())
	inst := acquireOne(t, p)

	var probes atomic.Int32
	f.setValidateFn(func(renderer.Handle) bool {
		probes.Add(1)
		return true
	})

	sup.setAlive(inst.PID, false)

	ok := p.health.check(context.Background(), inst)
	assert.False(t, ok)
	assert.EqualValues(t, 0, probes.Load(), "no functional probe for a dead process")
}

func TestHealthCheckFunctionalFailure(t *testing.T) {
	p, f, _ := newTestPool(t, testConfig())
	inst := acquireOne(t, p)

	f.setValidateFn(func(renderer.Handle) bool { return false })

	assert.False(t, p.health.check(context.Background(), inst))
}

func TestHealthCheckTimeoutOnHangingValidation(t *testing.T) {
	cfg := testConfig()
	cfg.HealthCheckTimeout = 50 * time.Millisecond
	p, f, _ := newTestPool(t, cfg)
	inst := acquireOne(t, p)

	block := make(chan struct{})
	defer close(block)
	f.setValidateFn(func(renderer.Handle) bool {
		<-block
		return true
	})

	start := time.Now()
	ok := p.health.check(context.Background(), inst)
	elapsed := time.Since(start)

	require.False(t, ok, "a hanging validation counts as unhealthy")
	assert.Less(t, elapsed, time.Second, "timeout must be enforced pool-side")
}
