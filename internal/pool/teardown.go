package pool

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// teardownTier is one escalation level of the teardown state machine:
//
//	GracefulClose → ForceKill → SystemSweep → Terminated
//
// Each tier's failure is logged and degrades to the next; the final tier
// never retries, so bookkeeping always progresses.
type teardownTier int

// gracefulVerifyDelay is the grace window between a successful
// cooperative close and the signal-probe verification.
const gracefulVerifyDelay = 250 * time.Millisecond

const (
	tierGracefulClose teardownTier = iota
	tierForceKill
	tierSystemSweep
	tierTerminated
)

func (t teardownTier) String() string {
	switch t {
	case tierGracefulClose:
		return "graceful-close"
	case tierForceKill:
		return "force-kill"
	case tierSystemSweep:
		return "system-sweep"
	case tierTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// destroyInstance drives one instance through the teardown tiers until it
// is Terminated, then performs the destroyed/total bookkeeping exactly
// once. Idempotent: concurrent callers collapse onto a single run. Never
// fails from the caller's perspective.
//
// The caller must have removed the instance from both pool sets first.
func (p *Pool) destroyInstance(ctx context.Context, inst *Instance) {
	inst.destroyOnce.Do(func() {
		p.mu.Lock()
		inst.state = StateDestroying
		inst.healthy = false
		p.mu.Unlock()

		tier := p.runTeardown(ctx, inst)

		p.mu.Lock()
		inst.state = StateTerminated
		p.counters.Destroyed++
		p.mu.Unlock()

		p.log.Info("instance terminated",
			zap.String("instance", inst.ID),
			zap.Int("pid", inst.PID),
			zap.String("final_tier", tier.String()))
	})
}

// runTeardown walks the tiers and returns the one that settled the
// instance. Slow waits happen here, never under the pool mutex.
func (p *Pool) runTeardown(ctx context.Context, inst *Instance) teardownTier {
	log := p.log.With(zap.String("instance", inst.ID), zap.Int("pid", inst.PID))

	// Tier 1: cooperative close through the factory, bounded, then
	// verify the OS process is actually gone. Factory acknowledgment
	// alone is not trusted.
	if err := p.gracefulClose(ctx, inst); err != nil {
		log.Warn("graceful close failed", zap.Error(err))
	} else {
		// Pipe and fd teardown can lag actual process exit; allow a
		// short grace window before declaring the close a failure.
		p.settle(ctx, gracefulVerifyDelay)
		if p.processGone(inst) {
			return tierGracefulClose
		}
		log.Warn("graceful close acknowledged but process still alive")
	}

	// Tier 2: unconditional kill signal, brief settle, re-verify.
	if inst.PID > 0 {
		if err := p.sup.Kill(inst.PID); err != nil {
			log.Warn("force kill failed", zap.Error(err))
		}
		p.settle(ctx, p.cfg.ForceKillWait)
		if p.processGone(inst) {
			return tierForceKill
		}
		log.Warn("process survived force kill")
	}

	// Tier 3: last resort — fingerprint sweep over the OS process
	// table. Failure here is logged and NOT retried; the instance is
	// marked terminated regardless so the pool's bookkeeping always
	// makes progress.
	if n, err := p.sup.Sweep(ctx, inst.Handle.Fingerprint()); err != nil {
		log.Error("system sweep failed", zap.Error(err))
	} else if n > 0 {
		log.Warn("system sweep terminated stray processes", zap.Int("matched", n))
	}
	return tierSystemSweep
}

// gracefulClose asks the factory to close cooperatively, with the timeout
// enforced on our side even if the factory call never returns.
func (p *Pool) gracefulClose(ctx context.Context, inst *Instance) error {
	cctx, cancel := context.WithTimeout(ctx, p.cfg.GracefulCloseTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- p.factory.Destroy(cctx, inst.Handle) }()

	select {
	case err := <-done:
		return err
	case <-cctx.Done():
		return cctx.Err()
	}
}

// processGone is the signal-probe verification after each tier. With no
// recorded pid there is nothing to verify, so the factory's word stands.
func (p *Pool) processGone(inst *Instance) bool {
	if inst.PID <= 0 {
		return true
	}
	return !p.sup.Alive(inst.PID)
}

func (p *Pool) settle(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
