//go:build linux

package proc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/edirooss/renderd/internal/renderer"
	"go.uber.org/zap"
)

// linuxSupervisor signals process groups directly and falls back to
// pkill(1) fingerprint matching for the sweep tier.
type linuxSupervisor struct {
	log *zap.Logger
}

// NewSupervisor returns the Supervisor for this platform.
func NewSupervisor(log *zap.Logger) Supervisor {
	return &linuxSupervisor{log: log.Named("proc")}
}

// Alive uses the null-signal probe. ESRCH means gone; EPERM means the
// process exists but belongs to someone else, which still counts as alive.
func (s *linuxSupervisor) Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil || err == syscall.EPERM
}

func (s *linuxSupervisor) Terminate(pid int) error {
	return s.signal(pid, syscall.SIGTERM)
}

func (s *linuxSupervisor) Kill(pid int) error {
	return s.signal(pid, syscall.SIGKILL)
}

// signal targets the whole process group: renderers fork helpers
// (gpu/network/zygote) that must die with the main process. Launchers set
// Setpgid, so -pid addresses the full group.
func (s *linuxSupervisor) signal(pid int, sig syscall.Signal) error {
	if pid <= 0 {
		return fmt.Errorf("signal %s: invalid pid %d", sig, pid)
	}
	if err := syscall.Kill(-pid, sig); err != nil {
		if err == syscall.ESRCH {
			// Group already gone; try the single pid in case the child
			// escaped its group before dying.
			if err2 := syscall.Kill(pid, sig); err2 != nil && err2 != syscall.ESRCH {
				return fmt.Errorf("signal pid %d with %s: %w", pid, sig, err2)
			}
			return nil
		}
		return fmt.Errorf("signal pgid %d with %s: %w", pid, sig, err)
	}
	return nil
}

// Sweep terminates every process whose command line carries the
// instance's launch marker. pkill -f matches the full command line, and
// the user-data dir marker is unique per instance, so collateral damage
// is not possible.
func (s *linuxSupervisor) Sweep(ctx context.Context, fp renderer.Fingerprint) (int, error) {
	marker := fp.Marker()
	if marker == "" {
		return 0, fmt.Errorf("sweep: empty fingerprint")
	}

	matched, err := s.pgrepCount(ctx, marker)
	if err != nil {
		return 0, err
	}
	if matched == 0 {
		return 0, nil
	}

	s.log.Warn("sweeping stray renderer processes",
		zap.String("marker", marker),
		zap.Int("matched", matched))

	if err := s.run(ctx, "pkill", "-KILL", "-f", marker); err != nil {
		return matched, fmt.Errorf("pkill: %w", err)
	}
	return matched, nil
}

// pgrepCount counts command lines matching the marker. pgrep exits 1 on
// zero matches, which is not an error here.
func (s *linuxSupervisor) pgrepCount(ctx context.Context, marker string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var out bytes.Buffer
	cmd := exec.CommandContext(ctx, "pgrep", "-f", marker)
	cmd.Stdout = &out

	if err := cmd.Run(); err != nil {
		var eerr *exec.ExitError
		if errors.As(err, &eerr) && eerr.ExitCode() == 1 {
			return 0, nil
		}
		return 0, fmt.Errorf("pgrep: %w", err)
	}

	lines := strings.Fields(strings.TrimSpace(out.String()))
	return len(lines), nil
}

func (s *linuxSupervisor) run(ctx context.Context, name string, args ...string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		var eerr *exec.ExitError
		if errors.As(err, &eerr) && eerr.ExitCode() == 1 {
			// Matched processes died between enumeration and kill.
			return nil
		}
		return fmt.Errorf("%s %s: %w (stderr: %s)", name, strings.Join(args, " "), err, stderr.String())
	}
	return nil
}
