package pool

import (
	"sync"
	"time"

	"github.com/edirooss/renderd/internal/renderer"
)

// State is the lifecycle position of an Instance.
//
//	Available → Busy → Available      (healthy release)
//	                 ↘ Destroying → Terminated
//
// An instance appears in at most one of the pool's sets at any time, and
// is never handed to a caller once Destroying is reached.
type State int32

const (
	StateAvailable State = iota
	StateBusy
	StateDestroying
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateAvailable:
		return "available"
	case StateBusy:
		return "busy"
	case StateDestroying:
		return "destroying"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Instance is one pooled renderer process. ID, Handle, PID and CreatedAt
// are immutable after construction; the remaining fields belong to the
// pool and are guarded by the pool mutex.
type Instance struct {
	ID        string
	Handle    renderer.Handle
	PID       int
	CreatedAt time.Time

	lastUsed time.Time
	healthy  bool
	state    State

	// Guarantees the Destroying → Terminated transition and its
	// bookkeeping (destroyed++, slot release) happen exactly once no
	// matter how many paths route the instance into teardown.
	destroyOnce sync.Once
}

// IdleFor reports how long the instance has sat unused relative to now.
// Caller must hold the pool mutex.
func (i *Instance) idleFor(now time.Time) time.Duration {
	return now.Sub(i.lastUsed)
}
