package pool

import (
	"context"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
)

// maintenanceLoop runs the reclamation cycle on a fixed cadence until
// shutdown. It shares no lock with the resource controller's sampling
// loop; recommendations arrive through the Advisor calls inside maintain.
func (p *Pool) maintenanceLoop() {
	defer p.wg.Done()

	// Cancelled when shutdown closes stopCh, so an in-flight warm-up
	// creation cannot stall shutdown for a full CreateTimeout.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-p.stopCh
		cancel()
	}()

	ticker := time.NewTicker(p.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.maintain(ctx)
		case <-p.stopCh:
			return
		}
	}
}

// maintain is one reclamation cycle: idle eviction, health sweep,
// emergency recovery, warm-up. Exposed on the Pool (rather than buried in
// the loop) so the cycle is invokable on demand and in tests.
func (p *Pool) maintain(ctx context.Context) {
	p.reclaimIdle(ctx)
	p.sweepHealth(ctx)
	p.recoverIfEmpty(ctx)
	p.WarmUp(ctx)
	p.expandForDemand(ctx)

	p.mu.Lock()
	p.lastCleanup = time.Now()
	p.mu.Unlock()
}

// reclaimIdle tears down available instances idle past IdleTimeout, never
// shrinking below MinSize. When the resource controller recommends a
// shrink, the floor is pulled further down toward its optimal size (still
// never below MinSize), trading cache warmth for headroom.
func (p *Pool) reclaimIdle(ctx context.Context) {
	now := time.Now()

	floor := p.cfg.MinSize
	pressured := false
	if p.advisor != nil && p.advisor.ShouldShrinkPool() {
		if opt := p.advisor.OptimalPoolSize(); opt < p.cfg.MaxSize {
			pressured = true
			if opt > floor {
				floor = opt
			}
		}
	}

	type victim struct {
		inst *Instance
		idle time.Duration
	}
	var victims []victim

	p.mu.Lock()
	// Oldest-idle instances sit at the front of the available slice. A
	// pressure shrink evicts regardless of idle age; the normal path
	// only takes instances past their timeout.
	for len(p.available) > 0 && p.totalLocked() > floor {
		inst := p.available[0]
		idle := inst.idleFor(now)
		if idle <= p.cfg.IdleTimeout && !pressured {
			break
		}
		p.available = p.available[1:]
		victims = append(victims, victim{inst, idle})
	}
	p.mu.Unlock()

	for _, v := range victims {
		p.log.Info("reclaiming idle instance",
			zap.String("instance", v.inst.ID),
			zap.Duration("idle", v.idle),
			zap.Bool("pressure_shrink", pressured))
		p.destroyInstance(ctx, v.inst)
		p.mu.Lock()
		p.signalWaiterLocked()
		p.mu.Unlock()
	}
}

// sweepHealth revalidates every currently-available instance. Unhealthy
// ones are torn down immediately regardless of idle time; healthy ones
// rejoin with their idle age intact.
func (p *Pool) sweepHealth(ctx context.Context) {
	p.mu.Lock()
	snapshot := p.available
	p.available = nil
	// Swept instances keep holding their capacity slots while out of
	// the sets.
	p.reserved += len(snapshot)
	p.mu.Unlock()

	for _, inst := range snapshot {
		if p.health.check(ctx, inst) {
			p.mu.Lock()
			p.reserved--
			inst.healthy = true
			p.returnToPoolLocked(inst)
			p.mu.Unlock()
			continue
		}

		p.log.Warn("health sweep evicting instance", zap.String("instance", inst.ID))
		p.destroyInstance(ctx, inst)
		p.releaseSlot()
	}
}

// recoverIfEmpty attempts a single emergency creation when the pool has
// drained to nothing. Failure is logged, not escalated: the pool degrades
// to empty and retries on the next acquire or cycle.
func (p *Pool) recoverIfEmpty(ctx context.Context) {
	p.mu.Lock()
	empty := !p.shuttingDown && p.totalLocked() == 0 && p.reserved == 0
	if empty {
		p.reserved++
	}
	p.mu.Unlock()
	if !empty {
		return
	}

	inst, err := p.createInstance(ctx)

	p.mu.Lock()
	p.reserved--
	if err != nil {
		p.mu.Unlock()
		p.log.Error("emergency creation failed, pool stays empty", zap.Error(err))
		return
	}
	p.returnToPoolLocked(inst)
	p.mu.Unlock()

	p.log.Info("emergency instance created", zap.String("instance", inst.ID))
}

// expandForDemand warms the pool past MinSize toward the controller's
// optimal size when lease demand is high and the system has headroom.
func (p *Pool) expandForDemand(ctx context.Context) {
	if p.advisor == nil || !p.advisor.ShouldExpandPool() {
		return
	}
	target := p.advisor.OptimalPoolSize()
	if target <= p.Total() {
		return
	}
	p.log.Info("expanding pool ahead of demand", zap.Int("target", target))
	p.fillTo(ctx, target)
}

// createWithRetry wraps createInstance with a short exponential backoff,
// used on warm-up paths where a transiently busy machine is the common
// failure mode.
func (p *Pool) createWithRetry(ctx context.Context) (*Instance, error) {
	backoff := retry.WithMaxRetries(2, retry.NewExponential(500*time.Millisecond))

	var inst *Instance
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		var err error
		inst, err = p.createInstance(ctx)
		if err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return inst, nil
}
