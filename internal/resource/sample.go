package resource

import (
	"sync"
	"time"
)

// Sample is one observation of system resource usage plus pool load.
// Usage values are ratios in [0,1].
type Sample struct {
	MemoryUsage  float64   `json:"memory_usage"`
	CPUUsage     float64   `json:"cpu_usage"`
	DiskUsage    float64   `json:"disk_usage"`
	ActiveLeases int       `json:"active_leases"`
	Timestamp    time.Time `json:"timestamp"`
}

// sampleRing is a thread-safe circular buffer of samples with O(1) append
// and a fixed cap: the oldest sample is evicted first once full.
type sampleRing struct {
	mu      sync.RWMutex
	entries []Sample
	head    int
	size    int
	full    bool
}

func newSampleRing(capacity int) *sampleRing {
	if capacity <= 0 {
		capacity = 60
	}
	return &sampleRing{entries: make([]Sample, capacity)}
}

// append records a sample, overwriting the oldest when full.
func (r *sampleRing) append(s Sample) {
	r.mu.Lock()
	defer r.mu.Unlock()

	capN := len(r.entries)
	r.entries[r.head] = s
	r.head = (r.head + 1) % capN

	if r.full {
		return
	}
	r.size++
	if r.size == capN {
		r.full = true
	}
}

// latest returns the newest sample, if any.
func (r *sampleRing) latest() (Sample, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.size == 0 {
		return Sample{}, false
	}
	capN := len(r.entries)
	newest := (r.head - 1 + capN) % capN
	return r.entries[newest], true
}

// snapshot returns all retained samples, oldest → newest. The caller owns
// the returned slice.
func (r *sampleRing) snapshot() []Sample {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.size == 0 {
		return nil
	}

	capN := len(r.entries)
	out := make([]Sample, r.size)

	var oldest int
	if r.full {
		oldest = r.head
	} else {
		oldest = 0
	}
	for i := 0; i < r.size; i++ {
		out[i] = r.entries[(oldest+i)%capN]
	}
	return out
}

func (r *sampleRing) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.size
}
