// Package pool manages a bounded set of expensive renderer instances and
// shares them across concurrent short-lived leases. The pool owns all
// lifecycle bookkeeping; actual launch/validate/destroy of a renderer is
// delegated to the renderer.Factory boundary and OS-level supervision to
// proc.Supervisor.
//
// Locking model: a single mutex serializes set membership and counter
// updates. Slow operations (factory creation, health round-trips,
// graceful-close waits, acquire waits) always run outside the critical
// section so one stalled renderer cannot wedge unrelated callers.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/edirooss/renderd/internal/proc"
	"github.com/edirooss/renderd/internal/renderer"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrPoolExhausted is returned when Acquire timed out waiting for
	// capacity. Recoverable: the caller may retry.
	ErrPoolExhausted = errors.New("pool: acquire timed out waiting for a free instance")

	// ErrPoolShuttingDown is returned by Acquire once shutdown has begun.
	// Terminal for this pool instance.
	ErrPoolShuttingDown = errors.New("pool: shutting down")

	// ErrInitializationFailed means the pool could not create even one
	// instance at startup. Fatal to the owning process.
	ErrInitializationFailed = errors.New("pool: initialization failed")
)

// Counters are the pool's monotonic metrics. They are never reset for the
// lifetime of a Pool value.
type Counters struct {
	Created   uint64 `json:"created"`
	Destroyed uint64 `json:"destroyed"`
	Reused    uint64 `json:"reused"`
	Errors    uint64 `json:"errors"`
}

// Status is a read-only snapshot, safe to request concurrently with any
// pool operation.
type Status struct {
	Total        int           `json:"total"`
	Available    int           `json:"available"`
	Busy         int           `json:"busy"`
	Healthy      int           `json:"healthy"`
	Unhealthy    int           `json:"unhealthy"`
	Waiters      int           `json:"waiters"`
	Uptime       time.Duration `json:"uptime"`
	ShuttingDown bool          `json:"shutting_down"`
	LastCleanup  time.Time     `json:"last_cleanup"`
	Metrics      Counters      `json:"metrics"`
}

// Advisor is the resource controller's recommendation surface, consumed
// by the reclamation cycle. Coordination happens through these explicit
// calls only; the pool and the controller share no locks.
type Advisor interface {
	ShouldShrinkPool() bool
	ShouldExpandPool() bool
	OptimalPoolSize() int
}

// Pool is the renderer instance pool.
type Pool struct {
	log     *zap.Logger
	cfg     Config
	factory renderer.Factory
	sup     proc.Supervisor
	health  *healthChecker

	mu        sync.Mutex
	available []*Instance // most-recently-used at the end
	busy      map[string]*Instance
	// reserved counts capacity slots held by work in flight: factory
	// creations and on-release revalidations. It keeps concurrent
	// acquires from overshooting MaxSize while an instance is out of
	// both sets.
	reserved     int
	waiters      waitQueue
	shuttingDown bool
	counters     Counters
	lastCleanup  time.Time
	startedAt    time.Time

	advisor Advisor

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New constructs a pool. No instances are created and no background work
// starts until Initialize.
func New(log *zap.Logger, cfg Config, factory renderer.Factory, sup proc.Supervisor) *Pool {
	cfg = cfg.withDefaults()
	log = log.Named("pool")

	return &Pool{
		log:       log,
		cfg:       cfg,
		factory:   factory,
		sup:       sup,
		health:    newHealthChecker(log, factory, sup, cfg.HealthCheckTimeout),
		busy:      make(map[string]*Instance),
		stopCh:    make(chan struct{}),
		startedAt: time.Now(),
	}
}

// SetAdvisor wires the resource controller's recommendations into the
// reclamation cycle. Optional; must be called before Initialize.
func (p *Pool) SetAdvisor(a Advisor) { p.advisor = a }

// Initialize warms the pool up to MinSize and starts the maintenance
// loop. It fails fast with ErrInitializationFailed when MinSize > 0 and
// not a single instance could be created: a pool that cannot create even
// one renderer is not usable.
func (p *Pool) Initialize(ctx context.Context) error {
	p.WarmUp(ctx)

	if p.cfg.MinSize > 0 && p.Total() == 0 {
		return fmt.Errorf("%w: could not create any of %d minimum instances", ErrInitializationFailed, p.cfg.MinSize)
	}

	p.wg.Add(1)
	go p.maintenanceLoop()

	p.log.Info("pool initialized",
		zap.Int("min_size", p.cfg.MinSize),
		zap.Int("max_size", p.cfg.MaxSize),
		zap.Int("warm", p.Total()))
	return nil
}

// Acquire leases an instance: reuse the most-recently-used available one,
// create a new one under MaxSize, or wait FIFO for a slot. The wait is
// bounded by AcquireWaitTimeout (and ctx); on expiry it fails with
// ErrPoolExhausted. After shutdown begins it fails immediately with
// ErrPoolShuttingDown.
func (p *Pool) Acquire(ctx context.Context) (*Instance, error) {
	deadline := time.Now().Add(p.cfg.AcquireWaitTimeout)

	for {
		p.mu.Lock()

		if p.shuttingDown {
			p.mu.Unlock()
			return nil, ErrPoolShuttingDown
		}

		// Fast path: reuse. MRU selection keeps the hottest renderer
		// (OS page cache, JIT state) in rotation. Tunable policy, see
		// DESIGN.md.
		if n := len(p.available); n > 0 {
			inst := p.available[n-1]
			p.available[n-1] = nil
			p.available = p.available[:n-1]
			p.leaseLocked(inst)
			p.mu.Unlock()
			return inst, nil
		}

		// Grow path: capacity left, create outside the lock.
		if p.totalLocked()+p.reserved < p.cfg.MaxSize {
			p.reserved++
			p.mu.Unlock()

			inst, err := p.createInstance(ctx)

			p.mu.Lock()
			p.reserved--
			if err != nil {
				// The slot we reserved is free again; let the next
				// waiter re-evaluate.
				p.signalWaiterLocked()
				p.mu.Unlock()
				return nil, err
			}
			if p.shuttingDown {
				p.mu.Unlock()
				go p.destroyInstance(context.Background(), inst)
				return nil, ErrPoolShuttingDown
			}
			inst.state = StateBusy
			inst.lastUsed = time.Now()
			p.busy[inst.ID] = inst
			p.mu.Unlock()
			return inst, nil
		}

		// Wait path: park FIFO until a release hands an instance over,
		// a teardown frees a slot, or the wait deadline passes.
		w := p.waiters.enqueue()
		p.mu.Unlock()

		inst, err := p.await(ctx, w, deadline)
		if err != nil {
			return nil, err
		}
		if inst != nil {
			return inst, nil
		}
		// nil instance: a slot may have freed; take another lap.
	}
}

// await parks on the waiter channel until hand-off, capacity signal,
// deadline, or cancellation.
func (p *Pool) await(ctx context.Context, w *waiter, deadline time.Time) (*Instance, error) {
	wait := time.Until(deadline)
	if wait <= 0 {
		return nil, p.abandonWaiter(w, ErrPoolExhausted)
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case inst, ok := <-w.ch:
		if !ok {
			return nil, ErrPoolShuttingDown
		}
		return inst, nil
	case <-timer.C:
		return nil, p.abandonWaiter(w, ErrPoolExhausted)
	case <-ctx.Done():
		return nil, p.abandonWaiter(w, ctx.Err())
	}
}

// abandonWaiter unlinks w. If a hand-off raced the timeout the delivered
// value is already buffered (sends happen under the pool mutex), so it is
// recovered here rather than leaked.
func (p *Pool) abandonWaiter(w *waiter, cause error) error {
	p.mu.Lock()
	removed := p.waiters.remove(w)
	p.mu.Unlock()

	if removed {
		return cause
	}

	select {
	case inst, ok := <-w.ch:
		if !ok {
			return ErrPoolShuttingDown
		}
		if inst != nil {
			// Delivered just as we gave up; give the lease back so
			// the instance is not stranded in busy forever.
			p.Release(context.Background(), inst)
		} else {
			// The buffered nil was a capacity token. Dropping it would
			// leave the next waiter parked beside a free slot, so pass
			// it on.
			p.mu.Lock()
			p.signalWaiterLocked()
			p.mu.Unlock()
		}
	default:
	}
	return cause
}

// Release returns a leased instance. Unknown instances are ignored with a
// warning (double-release guard). The instance is revalidated; healthy
// ones go back to the available set (or straight to the oldest waiter),
// unhealthy ones are routed into teardown and never rejoin the pool.
func (p *Pool) Release(ctx context.Context, inst *Instance) {
	if inst == nil {
		p.log.Warn("release of nil instance ignored")
		return
	}

	p.mu.Lock()
	if _, leased := p.busy[inst.ID]; !leased {
		p.mu.Unlock()
		p.log.Warn("release of instance not in busy set ignored",
			zap.String("instance", inst.ID),
			zap.String("state", inst.state.String()))
		return
	}
	delete(p.busy, inst.ID)
	shutting := p.shuttingDown
	// Hold a capacity slot while the instance is out of both sets for
	// revalidation.
	p.reserved++
	p.mu.Unlock()

	if shutting {
		p.destroyInstance(ctx, inst)
		p.releaseSlot()
		return
	}

	healthy := p.health.check(ctx, inst)

	if !healthy {
		p.log.Warn("unhealthy instance on release, evicting", zap.String("instance", inst.ID))
		// The capacity slot stays reserved until teardown completes, so
		// total only shrinks once the renderer is verifiably gone.
		go func() {
			p.destroyInstance(context.Background(), inst)
			p.releaseSlot()
		}()
		return
	}

	p.mu.Lock()
	p.reserved--
	inst.healthy = true
	inst.lastUsed = time.Now()
	p.returnToPoolLocked(inst)
	p.mu.Unlock()
}

// WarmUp creates instances until the pool holds MinSize, best-effort.
// Failures are logged and counted, never thrown; the next reclamation
// cycle retries.
func (p *Pool) WarmUp(ctx context.Context) {
	p.fillTo(ctx, p.cfg.MinSize)
}

// fillTo creates instances until total (counting in-flight work) reaches
// target. Stops on the first failed creation.
func (p *Pool) fillTo(ctx context.Context, target int) {
	if target > p.cfg.MaxSize {
		target = p.cfg.MaxSize
	}
	for {
		p.mu.Lock()
		if p.shuttingDown || p.totalLocked()+p.reserved >= target {
			p.mu.Unlock()
			return
		}
		p.reserved++
		p.mu.Unlock()

		inst, err := p.createWithRetry(ctx)

		p.mu.Lock()
		p.reserved--
		if err != nil {
			p.mu.Unlock()
			p.log.Warn("warm-up creation failed", zap.Error(err))
			return
		}
		p.returnToPoolLocked(inst)
		p.mu.Unlock()
	}
}

// Shutdown is cooperative-then-authoritative: new acquires fail
// immediately, parked waiters are woken with ErrPoolShuttingDown, and
// every instance — busy ones included, without waiting for their
// leaseholders — is run through the teardown state machine concurrently.
// Individual tier failures are collected in logs, never propagated; the
// pool always ends empty. A final OS-wide verification sweep logs any
// straggler processes.
func (p *Pool) Shutdown(ctx context.Context) {
	p.mu.Lock()
	if p.shuttingDown {
		p.mu.Unlock()
		return
	}
	p.shuttingDown = true

	victims := make([]*Instance, 0, len(p.available)+len(p.busy))
	for _, inst := range p.available {
		victims = append(victims, inst)
	}
	for _, inst := range p.busy {
		victims = append(victims, inst)
	}
	p.available = nil
	p.busy = make(map[string]*Instance)

	parked := p.waiters.drainAll()
	p.mu.Unlock()

	for _, w := range parked {
		close(w.ch)
	}

	p.stopOnce.Do(func() { close(p.stopCh) })

	p.log.Info("shutting down", zap.Int("instances", len(victims)), zap.Int("waiters", len(parked)))

	var g errgroup.Group
	for _, inst := range victims {
		g.Go(func() error {
			p.destroyInstance(ctx, inst)
			return nil
		})
	}
	_ = g.Wait()
	p.wg.Wait()

	// Best-effort verification sweep: anything still alive at this
	// point escaped every tier and deserves a log line plus one more
	// fingerprint sweep.
	for _, inst := range victims {
		if inst.PID > 0 && p.sup.Alive(inst.PID) {
			p.log.Error("straggler renderer process after shutdown",
				zap.String("instance", inst.ID), zap.Int("pid", inst.PID))
			if _, err := p.sup.Sweep(ctx, inst.Handle.Fingerprint()); err != nil {
				p.log.Error("straggler sweep failed", zap.String("instance", inst.ID), zap.Error(err))
			}
		}
	}

	p.log.Info("shutdown complete", zap.Uint64("destroyed_total", p.Metrics().Destroyed))
}

// Status returns an observability snapshot.
func (p *Pool) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()

	healthy, unhealthy := 0, 0
	for _, inst := range p.available {
		if inst.healthy {
			healthy++
		} else {
			unhealthy++
		}
	}
	for _, inst := range p.busy {
		if inst.healthy {
			healthy++
		} else {
			unhealthy++
		}
	}

	return Status{
		Total:        p.totalLocked(),
		Available:    len(p.available),
		Busy:         len(p.busy),
		Healthy:      healthy,
		Unhealthy:    unhealthy,
		Waiters:      p.waiters.len(),
		Uptime:       time.Since(p.startedAt),
		ShuttingDown: p.shuttingDown,
		LastCleanup:  p.lastCleanup,
		Metrics:      p.counters,
	}
}

// Metrics returns the monotonic counters.
func (p *Pool) Metrics() Counters {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.counters
}

// Total reports available + busy.
func (p *Pool) Total() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.totalLocked()
}

// ActiveLeases reports the number of busy instances. Part of the resource
// controller's lease-source surface.
func (p *Pool) ActiveLeases() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.busy)
}

// ---- internals -------------------------------------------------------------

func (p *Pool) totalLocked() int { return len(p.available) + len(p.busy) }

// leaseLocked transitions an instance out of available into busy.
func (p *Pool) leaseLocked(inst *Instance) {
	inst.state = StateBusy
	inst.lastUsed = time.Now()
	inst.healthy = true
	p.busy[inst.ID] = inst
	p.counters.Reused++
}

// returnToPoolLocked places an instance back under pool ownership: hand
// it to the oldest waiter when one is parked, otherwise append to the
// available set. lastUsed is deliberately left alone so sweep re-adds do
// not reset idle age.
func (p *Pool) returnToPoolLocked(inst *Instance) {
	if p.shuttingDown {
		// Shutdown collected its victims while this instance was out of
		// both sets (creation or revalidation in flight). Nothing reaps
		// the available set after that point, so route it straight into
		// teardown instead.
		go p.destroyInstance(context.Background(), inst)
		return
	}
	if w := p.waiters.pop(); w != nil {
		inst.state = StateBusy
		p.busy[inst.ID] = inst
		p.counters.Reused++
		w.ch <- inst
		return
	}
	inst.state = StateAvailable
	p.available = append(p.available, inst)
}

// signalWaiterLocked nudges the oldest waiter to re-run its acquire loop
// after a capacity slot freed without an instance to hand over.
func (p *Pool) signalWaiterLocked() {
	if w := p.waiters.pop(); w != nil {
		w.ch <- nil
	}
}

func (p *Pool) releaseSlot() {
	p.mu.Lock()
	p.reserved--
	p.signalWaiterLocked()
	p.mu.Unlock()
}

// createInstance performs one bounded factory creation. The timeout holds
// even if the factory call never returns; a handle arriving after the
// deadline is destroyed, not leaked.
func (p *Pool) createInstance(ctx context.Context) (*Instance, error) {
	cctx, cancel := context.WithTimeout(ctx, p.cfg.CreateTimeout)
	defer cancel()

	type result struct {
		h   renderer.Handle
		err error
	}
	ch := make(chan result, 1)
	go func() {
		h, err := p.factory.Create(cctx)
		ch <- result{h, err}
	}()

	var h renderer.Handle
	select {
	case r := <-ch:
		if r.err != nil {
			p.bumpErrors()
			return nil, fmt.Errorf("%w: %v", renderer.ErrCreationFailed, r.err)
		}
		h = r.h
	case <-cctx.Done():
		go func() {
			if r := <-ch; r.h != nil {
				_ = p.factory.Destroy(context.Background(), r.h)
			}
		}()
		p.bumpErrors()
		return nil, fmt.Errorf("%w: creation timed out after %s", renderer.ErrCreationFailed, p.cfg.CreateTimeout)
	}

	now := time.Now()
	inst := &Instance{
		ID:        uuid.NewString(),
		Handle:    h,
		PID:       h.PID(),
		CreatedAt: now,
		lastUsed:  now,
		healthy:   true,
		state:     StateAvailable,
	}

	p.mu.Lock()
	p.counters.Created++
	p.mu.Unlock()

	p.log.Info("instance created", zap.String("instance", inst.ID), zap.Int("pid", inst.PID))
	return inst, nil
}

func (p *Pool) bumpErrors() {
	p.mu.Lock()
	p.counters.Errors++
	p.mu.Unlock()
}
