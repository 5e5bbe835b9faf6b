//go:build linux

package renderer

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// chromiumHandle is the live state of one headless Chromium we launched.
type chromiumHandle struct {
	cmd *exec.Cmd
	fp  Fingerprint
}

func (h *chromiumHandle) PID() int {
	if h.cmd == nil || h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

func (h *chromiumHandle) Fingerprint() Fingerprint { return h.fp }

// ChromiumFactory launches headless Chromium processes and validates them
// over the DevTools HTTP endpoint. It owns nothing after Create returns;
// lifecycle supervision is the pool's job.
type ChromiumFactory struct {
	log     *zap.Logger
	binary  string
	dataDir string
	configs []LaunchConfig
	httpc   *http.Client
}

// NewChromiumFactory builds a factory around the given browser binary.
// dataDir is the parent under which per-instance user-data dirs are
// created; it doubles as the sweep marker namespace.
func NewChromiumFactory(log *zap.Logger, binary, dataDir string) *ChromiumFactory {
	if binary == "" {
		binary = "chromium"
	}
	return &ChromiumFactory{
		log:     log.Named("chromium-factory"),
		binary:  binary,
		dataDir: dataDir,
		configs: defaultLaunchConfigs(),
		httpc:   &http.Client{Timeout: 3 * time.Second},
	}
}

// defaultLaunchConfigs is the ordered fallback list: start with the
// optimal sandboxed profile, degrade to the most permissive one that can
// still render.
func defaultLaunchConfigs() []LaunchConfig {
	base := []string{
		"--headless=new",
		"--disable-gpu",
		"--no-first-run",
		"--no-default-browser-check",
		"--disable-background-networking",
	}
	return []LaunchConfig{
		{Name: "optimal", Headless: true, Args: base},
		{Name: "no-sandbox", Headless: true, Args: append(append([]string{}, base...), "--no-sandbox")},
		{Name: "single-process", Headless: true, Args: append(append([]string{}, base...), "--no-sandbox", "--single-process", "--no-zygote")},
	}
}

func (f *ChromiumFactory) LaunchConfigurations() []LaunchConfig { return f.configs }

// Create tries each launch configuration in order until one produces a
// renderer that answers its DevTools endpoint.
func (f *ChromiumFactory) Create(ctx context.Context) (Handle, error) {
	var lastErr error
	for _, cfg := range f.configs {
		h, err := f.launch(ctx, cfg)
		if err == nil {
			f.log.Info("renderer launched",
				zap.String("config", cfg.Name),
				zap.Int("pid", h.PID()),
				zap.Int("debug_port", h.Fingerprint().DebugPort))
			return h, nil
		}
		lastErr = err
		f.log.Warn("launch configuration failed", zap.String("config", cfg.Name), zap.Error(err))
		if ctx.Err() != nil {
			break
		}
	}
	return nil, fmt.Errorf("%w: %v", ErrCreationFailed, lastErr)
}

func (f *ChromiumFactory) launch(ctx context.Context, cfg LaunchConfig) (*chromiumHandle, error) {
	port, err := freePort()
	if err != nil {
		return nil, fmt.Errorf("allocate debug port: %w", err)
	}

	userDir, err := os.MkdirTemp(f.dataDir, "renderd-profile-")
	if err != nil {
		return nil, fmt.Errorf("create user-data dir: %w", err)
	}

	fp := Fingerprint{DebugPort: port, UserDataDir: userDir}

	argv := append([]string{}, cfg.Args...)
	argv = append(argv,
		fmt.Sprintf("--remote-debugging-port=%d", port),
		"--user-data-dir="+userDir,
		"about:blank",
	)

	cmd := exec.Command(f.binary, argv...)
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGKILL,
	}

	if err := cmd.Start(); err != nil {
		_ = os.RemoveAll(userDir)
		return nil, fmt.Errorf("start %s: %w", f.binary, err)
	}

	// Reap on natural exit so the child never zombies.
	go func() { _ = cmd.Wait() }()

	h := &chromiumHandle{cmd: cmd, fp: fp}
	if err := f.waitDevTools(ctx, port); err != nil {
		_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		_ = os.RemoveAll(userDir)
		return nil, fmt.Errorf("devtools endpoint never came up: %w", err)
	}
	return h, nil
}

// waitDevTools polls /json/version until the browser answers or ctx ends.
func (f *ChromiumFactory) waitDevTools(ctx context.Context, port int) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		if f.probe(ctx, port) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (f *ChromiumFactory) probe(ctx context.Context, port int) bool {
	url := fmt.Sprintf("http://127.0.0.1:%d/json/version", port)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := f.httpc.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// Validate performs the functional round-trip: the DevTools version
// endpoint only answers when the browser's main loop is servicing
// requests, which is a stronger signal than process existence.
func (f *ChromiumFactory) Validate(ctx context.Context, h Handle) bool {
	ch, ok := h.(*chromiumHandle)
	if !ok {
		return false
	}
	return f.probe(ctx, ch.fp.DebugPort)
}

// Destroy asks the browser to exit by signaling its process group with
// SIGTERM and removes the instance profile. The pool escalates through
// its own teardown tiers if this is not enough.
func (f *ChromiumFactory) Destroy(ctx context.Context, h Handle) error {
	ch, ok := h.(*chromiumHandle)
	if !ok {
		return fmt.Errorf("destroy: foreign handle %T", h)
	}

	pid := ch.PID()
	if pid > 0 {
		if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil && err != syscall.ESRCH {
			return fmt.Errorf("signal pgid %d: %w", pid, err)
		}
	}

	if ch.fp.UserDataDir != "" {
		if err := os.RemoveAll(ch.fp.UserDataDir); err != nil {
			f.log.Warn("profile cleanup failed", zap.String("dir", ch.fp.UserDataDir), zap.Error(err))
		}
	}
	return nil
}

func freePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}
