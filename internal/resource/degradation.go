package resource

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// DegradationStatus is a read-only snapshot of the active degradation
// flags.
type DegradationStatus struct {
	RequestThrottlingEnabled     bool `json:"request_throttling_enabled"`
	RenderingQualityReduced      bool `json:"rendering_quality_reduced"`
	NonEssentialFeaturesDisabled bool `json:"non_essential_features_disabled"`
}

// Degradation is the reversible service-level reduction applied under
// pressure. Every setter is guarded and idempotent: enabling an already
// active flag is a no-op and repeats no side effects. Reset reverses all
// flags at once.
type Degradation struct {
	log *zap.Logger

	throttleRate  rate.Limit
	throttleBurst int

	// The lock also publishes the limiter pointer; a nil limiter means
	// throttling is off.
	mu               sync.Mutex
	limiter          *rate.Limiter
	qualityReduced   bool
	featuresDisabled bool
}

// NewDegradation builds the flag set. throttlePerSec bounds request
// admission while throttling is active.
func NewDegradation(log *zap.Logger, throttlePerSec float64, burst int) *Degradation {
	if throttlePerSec <= 0 {
		throttlePerSec = 10
	}
	if burst <= 0 {
		burst = 5
	}
	return &Degradation{
		log:           log.Named("degradation"),
		throttleRate:  rate.Limit(throttlePerSec),
		throttleBurst: burst,
	}
}

// EnableRequestThrottling activates the admission limiter. Reports
// whether the call changed anything.
func (d *Degradation) EnableRequestThrottling() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.limiter != nil {
		return false
	}
	d.limiter = rate.NewLimiter(d.throttleRate, d.throttleBurst)
	d.log.Warn("request throttling enabled",
		zap.Float64("rate_per_sec", float64(d.throttleRate)),
		zap.Int("burst", d.throttleBurst))
	return true
}

// ReduceRenderingQuality marks the quality-reduction flag.
func (d *Degradation) ReduceRenderingQuality() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.qualityReduced {
		return false
	}
	d.qualityReduced = true
	d.log.Warn("rendering quality reduced")
	return true
}

// DisableNonEssentialFeatures marks the feature-shedding flag.
func (d *Degradation) DisableNonEssentialFeatures() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.featuresDisabled {
		return false
	}
	d.featuresDisabled = true
	d.log.Warn("non-essential features disabled")
	return true
}

// Reset reverses every active flag in one call.
func (d *Degradation) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.limiter == nil && !d.qualityReduced && !d.featuresDisabled {
		return
	}
	d.limiter = nil
	d.qualityReduced = false
	d.featuresDisabled = false
	d.log.Info("degradation reset")
}

// Allow admits one request under the current throttling policy. Always
// true while throttling is off.
func (d *Degradation) Allow() bool {
	d.mu.Lock()
	l := d.limiter
	d.mu.Unlock()

	if l == nil {
		return true
	}
	return l.Allow()
}

// Throttle blocks until the limiter admits one request or ctx ends.
func (d *Degradation) Throttle(ctx context.Context) error {
	d.mu.Lock()
	l := d.limiter
	d.mu.Unlock()

	if l == nil {
		return nil
	}
	return l.Wait(ctx)
}

// Status snapshots the flags.
func (d *Degradation) Status() DegradationStatus {
	d.mu.Lock()
	defer d.mu.Unlock()
	return DegradationStatus{
		RequestThrottlingEnabled:     d.limiter != nil,
		RenderingQualityReduced:      d.qualityReduced,
		NonEssentialFeaturesDisabled: d.featuresDisabled,
	}
}
