package renderer

import (
	"context"
	"errors"
	"fmt"
)

// ErrCreationFailed indicates the factory could not produce a validated
// renderer instance after exhausting its fallback launch configurations.
// Callers may retry; the pool does not retry internally beyond the
// factory's own fallback list.
var ErrCreationFailed = errors.New("renderer: creation failed")

// Handle is the opaque connection to one externally-launched renderer
// process. The pool owns it exclusively while the instance sits in the
// available set; it is co-owned by the leaseholder while busy. After
// teardown begins a Handle must never be touched again.
type Handle interface {
	// PID reports the OS process id backing this handle, or 0 when the
	// renderer runs out-of-process in a way we cannot supervise directly.
	PID() int

	// Fingerprint returns the launch markers assigned at creation time.
	// The teardown system-sweep tier matches OS processes against these.
	Fingerprint() Fingerprint
}

// Fingerprint carries the per-instance launch markers the pool assigned:
// the remote debugging port and the private user-data directory. Both are
// unique per instance, which makes them safe process-matching keys.
type Fingerprint struct {
	DebugPort   int
	UserDataDir string
}

// Marker returns the strongest single matching key for OS-level process
// enumeration. The user-data dir is preferred: it appears verbatim on the
// renderer's command line and is never reused across instances.
func (f Fingerprint) Marker() string {
	if f.UserDataDir != "" {
		return f.UserDataDir
	}
	return fmt.Sprintf("--remote-debugging-port=%d", f.DebugPort)
}

// LaunchConfig is one candidate way to start a renderer. Factories hold an
// ordered list and fall back through it until one yields a validated
// instance; the pool only ever observes overall success or failure.
type LaunchConfig struct {
	Name     string
	Headless bool
	Args     []string
}

// Factory creates, functionally validates, and destroys renderer
// instances. Implementations wrap the actual browser/automation tooling;
// the pool depends only on this boundary.
//
// Every method must honor ctx cancellation. The pool additionally bounds
// each call with its own hard timeout, so a hanging implementation cannot
// wedge pool bookkeeping.
type Factory interface {
	// Create launches and validates one renderer, trying launch
	// configurations in order. Errors wrap ErrCreationFailed.
	Create(ctx context.Context) (Handle, error)

	// Validate exercises the instance with a trivial, side-effect-free
	// round-trip and reports whether it is still functional.
	Validate(ctx context.Context, h Handle) bool

	// Destroy cooperatively closes the instance. Best-effort: the pool
	// proceeds through its own teardown tiers regardless of the outcome.
	Destroy(ctx context.Context, h Handle) error

	// LaunchConfigurations exposes the ordered fallback list, primarily
	// for diagnostics.
	LaunchConfigurations() []LaunchConfig
}
