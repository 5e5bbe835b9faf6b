package resource

import "context"

// SystemStats is a point-in-time reading of host resource usage, each
// dimension a ratio in [0,1].
type SystemStats struct {
	MemoryUsage float64
	CPUUsage    float64
	DiskUsage   float64
}

// StatsSource produces SystemStats. One implementation reads the host
// (per platform family); tests inject fixed readings.
type StatsSource interface {
	Read(ctx context.Context) (SystemStats, error)
}

// StatsFunc adapts a plain function to StatsSource.
type StatsFunc func(ctx context.Context) (SystemStats, error)

func (f StatsFunc) Read(ctx context.Context) (SystemStats, error) { return f(ctx) }

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
