package pool

import "time"

// Config carries the pool's tunables as plain values. Loading and merging
// of configuration files is the binary's problem, not the pool's.
type Config struct {
	// MinSize is the floor the reclamation cycle warms the pool back up
	// to. Zero disables warm-keeping entirely.
	MinSize int

	// MaxSize caps total instances, counting in-flight creations.
	MaxSize int

	// IdleTimeout is how long an available instance may sit unused
	// before the reclamation cycle tears it down (while above MinSize).
	IdleTimeout time.Duration

	// CleanupInterval is the cadence of the reclamation/health-sweep/
	// warm-up cycle.
	CleanupInterval time.Duration

	// AcquireWaitTimeout bounds how long Acquire blocks for a free slot
	// before failing with ErrPoolExhausted.
	AcquireWaitTimeout time.Duration

	// CreateTimeout bounds one factory creation, enforced even if the
	// factory call never returns.
	CreateTimeout time.Duration

	// HealthCheckTimeout bounds the functional validation round-trip.
	HealthCheckTimeout time.Duration

	// GracefulCloseTimeout bounds the cooperative-close teardown tier.
	GracefulCloseTimeout time.Duration

	// ForceKillWait is the settle time after the force-kill tier before
	// re-verifying the process is gone.
	ForceKillWait time.Duration
}

// withDefaults fills unset fields with the documented defaults.
func (c Config) withDefaults() Config {
	if c.MaxSize <= 0 {
		c.MaxSize = 4
	}
	if c.MinSize < 0 {
		c.MinSize = 0
	}
	if c.MinSize > c.MaxSize {
		c.MinSize = c.MaxSize
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 5 * time.Minute
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = time.Minute
	}
	if c.AcquireWaitTimeout <= 0 {
		c.AcquireWaitTimeout = 30 * time.Second
	}
	if c.CreateTimeout <= 0 {
		c.CreateTimeout = 30 * time.Second
	}
	if c.HealthCheckTimeout <= 0 {
		c.HealthCheckTimeout = 5 * time.Second
	}
	if c.GracefulCloseTimeout <= 0 {
		c.GracefulCloseTimeout = 5 * time.Second
	}
	if c.ForceKillWait <= 0 {
		c.ForceKillWait = time.Second
	}
	return c
}
