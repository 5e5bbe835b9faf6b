// Package proc abstracts OS-level process supervision behind a small
// capability interface so the pool's teardown state machine stays
// platform-agnostic. One implementation exists per platform family.
package proc

import (
	"context"

	"github.com/edirooss/renderd/internal/renderer"
)

// Supervisor probes and terminates renderer OS processes. All methods are
// best-effort and safe to call on already-dead pids.
type Supervisor interface {
	// Alive reports whether a process with the given pid still exists.
	// pid <= 0 always reports false.
	Alive(pid int) bool

	// Terminate sends the platform's cooperative termination signal
	// (SIGTERM family) to the process group of pid.
	Terminate(pid int) error

	// Kill sends the unconditional kill signal to the process group of pid.
	Kill(pid int) error

	// Sweep enumerates OS processes matching the instance's launch
	// fingerprint and terminates every match. Returns the number of
	// processes that were signaled.
	Sweep(ctx context.Context, fp renderer.Fingerprint) (int, error)
}
