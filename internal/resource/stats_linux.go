//go:build linux

package resource

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"syscall"
)

// procStats reads host usage from procfs and statfs. CPU usage is a delta
// between consecutive /proc/stat readings, so the very first Read reports
// zero CPU and calibrates the baseline.
type procStats struct {
	root string // filesystem to measure for disk usage

	mu        sync.Mutex
	prevIdle  uint64
	prevTotal uint64
}

// NewProcStats returns the Linux StatsSource. root is the mount point
// whose usage feeds the disk dimension ("/" when empty).
func NewProcStats(root string) StatsSource {
	if root == "" {
		root = "/"
	}
	return &procStats{root: root}
}

func (p *procStats) Read(ctx context.Context) (SystemStats, error) {
	var out SystemStats

	mem, err := readMemUsage()
	if err != nil {
		return out, fmt.Errorf("meminfo: %w", err)
	}
	out.MemoryUsage = clamp01(mem)

	cpu, err := p.readCPUUsage()
	if err != nil {
		return out, fmt.Errorf("proc stat: %w", err)
	}
	out.CPUUsage = clamp01(cpu)

	disk, err := readDiskUsage(p.root)
	if err != nil {
		return out, fmt.Errorf("statfs %s: %w", p.root, err)
	}
	out.DiskUsage = clamp01(disk)

	return out, ctx.Err()
}

// readMemUsage derives usage from MemTotal and MemAvailable, the same
// figures free(1) reports.
func readMemUsage() (float64, error) {
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return 0, err
	}
	defer f.Close()

	var total, avail uint64
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 2 {
			continue
		}
		switch fields[0] {
		case "MemTotal:":
			total, _ = strconv.ParseUint(fields[1], 10, 64)
		case "MemAvailable:":
			avail, _ = strconv.ParseUint(fields[1], 10, 64)
		}
		if total > 0 && avail > 0 {
			break
		}
	}
	if err := sc.Err(); err != nil {
		return 0, err
	}
	if total == 0 {
		return 0, fmt.Errorf("MemTotal missing")
	}
	return 1 - float64(avail)/float64(total), nil
}

// readCPUUsage computes busy/total from the aggregate cpu line delta.
func (p *procStats) readCPUUsage() (float64, error) {
	f, err := os.Open("/proc/stat")
	if err != nil {
		return 0, err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	if !sc.Scan() {
		return 0, fmt.Errorf("empty /proc/stat")
	}
	fields := strings.Fields(sc.Text())
	if len(fields) < 5 || fields[0] != "cpu" {
		return 0, fmt.Errorf("unexpected first line %q", sc.Text())
	}

	var total, idle uint64
	for i, raw := range fields[1:] {
		v, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("field %d: %w", i, err)
		}
		total += v
		// idle + iowait
		if i == 3 || i == 4 {
			idle += v
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	dTotal := total - p.prevTotal
	dIdle := idle - p.prevIdle
	first := p.prevTotal == 0
	p.prevTotal, p.prevIdle = total, idle

	if first || dTotal == 0 {
		return 0, nil
	}
	return 1 - float64(dIdle)/float64(dTotal), nil
}

func readDiskUsage(root string) (float64, error) {
	var st syscall.Statfs_t
	if err := syscall.Statfs(root, &st); err != nil {
		return 0, err
	}
	if st.Blocks == 0 {
		return 0, nil
	}
	return 1 - float64(st.Bavail)/float64(st.Blocks), nil
}
