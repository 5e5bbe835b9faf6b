package pool

import (
	"context"
	"time"

	"github.com/edirooss/renderd/internal/proc"
	"github.com/edirooss/renderd/internal/renderer"
	"go.uber.org/zap"
)

// healthChecker validates instances in two tiers: a cheap OS liveness
// probe, then a bounded functional round-trip through the factory. Both
// must pass for "healthy".
type healthChecker struct {
	log     *zap.Logger
	factory renderer.Factory
	sup     proc.Supervisor
	timeout time.Duration
}

func newHealthChecker(log *zap.Logger, factory renderer.Factory, sup proc.Supervisor, timeout time.Duration) *healthChecker {
	return &healthChecker{
		log:     log.Named("health"),
		factory: factory,
		sup:     sup,
		timeout: timeout,
	}
}

// check runs both tiers. It never holds pool state and may take up to the
// configured functional timeout.
func (h *healthChecker) check(ctx context.Context, inst *Instance) bool {
	// Tier 1: liveness. A dead process short-circuits without probing.
	if inst.PID > 0 && !h.sup.Alive(inst.PID) {
		h.log.Warn("instance process gone", zap.String("instance", inst.ID), zap.Int("pid", inst.PID))
		return false
	}

	// Tier 2: functional round-trip, with the timeout enforced on our
	// side. A factory that never returns must not wedge the caller.
	cctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	done := make(chan bool, 1)
	go func() { done <- h.factory.Validate(cctx, inst.Handle) }()

	select {
	case ok := <-done:
		if !ok {
			h.log.Warn("functional validation failed", zap.String("instance", inst.ID))
		}
		return ok
	case <-cctx.Done():
		h.log.Warn("functional validation timed out",
			zap.String("instance", inst.ID),
			zap.Duration("timeout", h.timeout))
		return false
	}
}
