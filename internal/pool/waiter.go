package pool

// waiter is one caller blocked in Acquire. The channel is buffered so the
// releaser never blocks handing off: either the waiter is parked on a
// receive, or it will drain the buffer on its cleanup path.
//
// A nil send means "capacity may have freed, re-run the acquire loop"; a
// non-nil send is a direct instance hand-off (the instance is already in
// the busy set, owned by the receiver). Channel close means the pool shut
// down.
type waiter struct {
	ch chan *Instance
}

// waitQueue is a FIFO of parked acquirers. All operations require the
// pool mutex; the queue has no locking of its own.
//
// Waiters are served in arrival order once a slot frees, replacing the
// sleep-and-recheck polling an earlier design used.
type waitQueue struct {
	q []*waiter
}

func (wq *waitQueue) enqueue() *waiter {
	w := &waiter{ch: make(chan *Instance, 1)}
	wq.q = append(wq.q, w)
	return w
}

// pop removes and returns the oldest waiter, or nil.
func (wq *waitQueue) pop() *waiter {
	if len(wq.q) == 0 {
		return nil
	}
	w := wq.q[0]
	wq.q[0] = nil
	wq.q = wq.q[1:]
	return w
}

// remove unlinks w if still queued. Reports false when w was already
// popped, meaning a hand-off to it is in flight (or delivered).
func (wq *waitQueue) remove(w *waiter) bool {
	for i, cand := range wq.q {
		if cand == w {
			wq.q = append(wq.q[:i], wq.q[i+1:]...)
			return true
		}
	}
	return false
}

// drainAll pops every waiter, used at shutdown.
func (wq *waitQueue) drainAll() []*waiter {
	out := wq.q
	wq.q = nil
	return out
}

func (wq *waitQueue) len() int { return len(wq.q) }
