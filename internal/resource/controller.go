// Package resource samples live system metrics, derives pressure signals
// against configured thresholds, and turns them into degradation actions
// and pool-sizing recommendations. It runs its own periodic loop,
// independent of the pool's reclamation scheduler: the two coordinate
// only through explicit recommendation calls, never shared locks.
package resource

import (
	"context"
	"fmt"
	"math"
	"runtime"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Thresholds are the per-dimension pressure levels, ratios in [0,1].
// Warning levels raise pressure flags; critical levels additionally drive
// the harder degradation and shrink decisions.
type Thresholds struct {
	MemoryWarning  float64 `json:"memory_warning" yaml:"memory_warning"`
	MemoryCritical float64 `json:"memory_critical" yaml:"memory_critical"`
	CPUWarning     float64 `json:"cpu_warning" yaml:"cpu_warning"`
	CPUCritical    float64 `json:"cpu_critical" yaml:"cpu_critical"`
	DiskWarning    float64 `json:"disk_warning" yaml:"disk_warning"`
	DiskCritical   float64 `json:"disk_critical" yaml:"disk_critical"`
}

func (t Thresholds) withDefaults() Thresholds {
	def := func(v *float64, d float64) {
		if *v <= 0 {
			*v = d
		}
	}
	def(&t.MemoryWarning, 0.80)
	def(&t.MemoryCritical, 0.90)
	def(&t.CPUWarning, 0.85)
	def(&t.CPUCritical, 0.95)
	def(&t.DiskWarning, 0.90)
	def(&t.DiskCritical, 0.97)
	return t
}

// Pressure is the derived per-dimension flag set for one sample. Network
// is carried for interface completeness but stays false: no network
// dimension is sampled on this platform.
type Pressure struct {
	Memory  bool `json:"memory"`
	CPU     bool `json:"cpu"`
	Disk    bool `json:"disk"`
	Network bool `json:"network"`
	Overall bool `json:"overall"`
}

// Config carries the controller's tunables as plain values.
type Config struct {
	SampleInterval time.Duration
	HistorySize    int
	Thresholds     Thresholds

	// MaxPoolSize mirrors the pool's cap; sizing recommendations are
	// clamped to [1, MaxPoolSize].
	MaxPoolSize int

	ThrottlePerSec float64
	ThrottleBurst  int
}

func (c Config) withDefaults() Config {
	if c.SampleInterval <= 0 {
		c.SampleInterval = 10 * time.Second
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 60
	}
	if c.MaxPoolSize <= 0 {
		c.MaxPoolSize = 4
	}
	c.Thresholds = c.Thresholds.withDefaults()
	return c
}

// LeaseSource is the pool's read-only load surface.
type LeaseSource interface {
	ActiveLeases() int
	Total() int
}

// AlertFunc receives every sample whose overall pressure flag is raised.
// Callbacks run synchronously on the sampling loop; a panicking callback
// is caught and logged, never allowed to break sampling.
type AlertFunc func(Pressure, Sample)

// Recommendation is the read-only optimization snapshot exposed over the
// observability surface.
type Recommendation struct {
	OptimalPoolSize int               `json:"optimal_pool_size"`
	CurrentPoolSize int               `json:"current_pool_size"`
	ShouldExpand    bool              `json:"should_expand"`
	ShouldShrink    bool              `json:"should_shrink"`
	Pressure        Pressure          `json:"pressure"`
	Degradation     DegradationStatus `json:"degradation"`
}

// Controller owns the sampling loop and all pressure-derived decisions.
type Controller struct {
	log    *zap.Logger
	cfg    Config
	stats  StatsSource
	leases LeaseSource

	history *sampleRing
	degr    *Degradation

	mu                sync.RWMutex
	alerts            []AlertFunc
	shrinkRecommended bool

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewController wires the sampler against a stats source and the pool's
// lease surface.
func NewController(log *zap.Logger, cfg Config, stats StatsSource, leases LeaseSource) *Controller {
	cfg = cfg.withDefaults()
	log = log.Named("resource-ctrl")

	return &Controller{
		log:     log,
		cfg:     cfg,
		stats:   stats,
		leases:  leases,
		history: newSampleRing(cfg.HistorySize),
		degr:    NewDegradation(log, cfg.ThrottlePerSec, cfg.ThrottleBurst),
		stopCh:  make(chan struct{}),
	}
}

// Run starts the sampling loop. Stop with Stop.
func (c *Controller) Run() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()

		ticker := time.NewTicker(c.cfg.SampleInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if _, err := c.SampleOnce(context.Background()); err != nil {
					c.log.Warn("sampling failed", zap.Error(err))
				}
			case <-c.stopCh:
				return
			}
		}
	}()
}

// Stop terminates the sampling loop and waits for it to exit.
func (c *Controller) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

// OnPressure registers an alert callback.
func (c *Controller) OnPressure(fn AlertFunc) {
	c.mu.Lock()
	c.alerts = append(c.alerts, fn)
	c.mu.Unlock()
}

// Degradation exposes the flag set for admission layers.
func (c *Controller) Degradation() *Degradation { return c.degr }

// SampleOnce takes one sample, retains it, dispatches alerts and applies
// limit enforcement. Also invoked by the periodic loop.
func (c *Controller) SampleOnce(ctx context.Context) (Sample, error) {
	stats, err := c.stats.Read(ctx)
	if err != nil {
		return Sample{}, fmt.Errorf("read system stats: %w", err)
	}

	s := Sample{
		MemoryUsage:  clamp01(stats.MemoryUsage),
		CPUUsage:     clamp01(stats.CPUUsage),
		DiskUsage:    clamp01(stats.DiskUsage),
		ActiveLeases: c.leases.ActiveLeases(),
		Timestamp:    time.Now(),
	}
	c.history.append(s)

	pr := c.evaluate(s)
	if pr.Overall {
		c.dispatchAlerts(pr, s)
	}
	c.EnforceLimits(s)

	return s, nil
}

// CheckPressure evaluates the latest sample against warning thresholds.
// Zero-valued when nothing has been sampled yet.
func (c *Controller) CheckPressure() Pressure {
	s, ok := c.history.latest()
	if !ok {
		return Pressure{}
	}
	return c.evaluate(s)
}

// EnforceLimits applies degradation actions for the given sample: memory
// pressure triggers a GC hint and a shrink recommendation, CPU pressure
// enables request throttling, and lease counts at the concurrency cap
// recommend a shrink. A pressure-free sample clears the shrink
// recommendation (degradation flags stay until Reset).
func (c *Controller) EnforceLimits(s Sample) {
	pr := c.evaluate(s)
	t := c.cfg.Thresholds

	if pr.Memory {
		c.log.Warn("memory pressure", zap.Float64("usage", s.MemoryUsage))
		runtime.GC()
		c.setShrinkRecommended(true)

		if s.MemoryUsage >= t.MemoryCritical {
			c.degr.ReduceRenderingQuality()
			c.degr.DisableNonEssentialFeatures()
		}
	}

	if pr.CPU {
		c.log.Warn("cpu pressure", zap.Float64("usage", s.CPUUsage))
		c.degr.EnableRequestThrottling()
	}

	if s.ActiveLeases >= c.cfg.MaxPoolSize {
		c.log.Warn("lease count at concurrency cap", zap.Int("active_leases", s.ActiveLeases))
		c.setShrinkRecommended(true)
	}

	if !pr.Overall && s.ActiveLeases < c.cfg.MaxPoolSize {
		c.setShrinkRecommended(false)
	}
}

// OptimalPoolSize recommends a pool size from the latest sample: lower
// memory/CPU/disk headroom pulls the size down toward 1, lease demand at
// the current size pulls it up. Always within [1, MaxPoolSize].
func (c *Controller) OptimalPoolSize() int {
	total := c.leases.Total()

	s, ok := c.history.latest()
	if !ok {
		if total < 1 {
			return 1
		}
		return total
	}

	headroom := 1 - math.Max(s.MemoryUsage, math.Max(s.CPUUsage, s.DiskUsage))
	size := int(math.Floor(headroom * float64(c.cfg.MaxPoolSize)))

	// Saturated leases with real headroom left: grow by one.
	if total > 0 && s.ActiveLeases >= total && headroom >= 0.5 && size < total+1 {
		size = total + 1
	}

	// Any critical dimension forces a shrink below the current size.
	if c.anyCritical(s) && size >= total {
		size = total - 1
	}

	if size < 1 {
		size = 1
	}
	if size > c.cfg.MaxPoolSize {
		size = c.cfg.MaxPoolSize
	}
	return size
}

// ShouldExpandPool is a cheap predicate for the pool's scheduler: grow
// only when pressure-free and the recommendation exceeds current size.
func (c *Controller) ShouldExpandPool() bool {
	s, ok := c.history.latest()
	if !ok {
		return false
	}
	if c.evaluate(s).Overall {
		return false
	}
	return c.OptimalPoolSize() > c.leases.Total()
}

// ShouldShrinkPool reports whether the pool should give capacity back.
func (c *Controller) ShouldShrinkPool() bool {
	c.mu.RLock()
	recommended := c.shrinkRecommended
	c.mu.RUnlock()

	if recommended {
		return true
	}
	if _, ok := c.history.latest(); !ok {
		return false
	}
	return c.OptimalPoolSize() < c.leases.Total()
}

// LatestSample returns the newest retained sample.
func (c *Controller) LatestSample() (Sample, bool) { return c.history.latest() }

// SampleHistory returns retained samples, oldest first.
func (c *Controller) SampleHistory() []Sample { return c.history.snapshot() }

// Recommendations assembles the optimization snapshot for the
// observability surface.
func (c *Controller) Recommendations() Recommendation {
	return Recommendation{
		OptimalPoolSize: c.OptimalPoolSize(),
		CurrentPoolSize: c.leases.Total(),
		ShouldExpand:    c.ShouldExpandPool(),
		ShouldShrink:    c.ShouldShrinkPool(),
		Pressure:        c.CheckPressure(),
		Degradation:     c.degr.Status(),
	}
}

// ---- internals -------------------------------------------------------------

func (c *Controller) evaluate(s Sample) Pressure {
	t := c.cfg.Thresholds
	pr := Pressure{
		Memory: s.MemoryUsage >= t.MemoryWarning,
		CPU:    s.CPUUsage >= t.CPUWarning,
		Disk:   s.DiskUsage >= t.DiskWarning,
	}
	pr.Overall = pr.Memory || pr.CPU || pr.Disk || pr.Network
	return pr
}

func (c *Controller) anyCritical(s Sample) bool {
	t := c.cfg.Thresholds
	return s.MemoryUsage >= t.MemoryCritical ||
		s.CPUUsage >= t.CPUCritical ||
		s.DiskUsage >= t.DiskCritical
}

// dispatchAlerts invokes callbacks synchronously, isolating each one so a
// panic cannot break the sampling loop.
func (c *Controller) dispatchAlerts(pr Pressure, s Sample) {
	c.mu.RLock()
	alerts := make([]AlertFunc, len(c.alerts))
	copy(alerts, c.alerts)
	c.mu.RUnlock()

	for i, fn := range alerts {
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.log.Error("pressure alert callback panicked",
						zap.Int("callback", i), zap.Any("panic", r))
				}
			}()
			fn(pr, s)
		}()
	}
}

func (c *Controller) setShrinkRecommended(v bool) {
	c.mu.Lock()
	c.shrinkRecommended = v
	c.mu.Unlock()
}
