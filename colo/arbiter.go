package colo

import (
	"context"
	"sync"
)

// Arbiter latches the process-wide "failover requested" flag and
// dispatches a deferred failover action exactly once, then exposes a
// way for loop-exit cleanup to wait for that action to finish
// (spec.md §4.B). It replaces the original's busy spin loops
// (while (!failover_completed) ;) with a condition variable, per the
// explicit Design Note in spec.md §9, and its own
// request-is-idempotent contract with a sync.Once, mirroring
// paxos/cond.go's thin wrapper over sync.Cond.
type Arbiter struct {
	mu        sync.Mutex
	cond      *sync.Cond
	requested bool
	completed bool
	once      sync.Once
}

// NewArbiter returns an Arbiter with both latches clear.
func NewArbiter() *Arbiter {
	a := &Arbiter{}
	a.cond = sync.NewCond(&a.mu)
	return a
}

// Request latches failover_requested and schedules deferred exactly
// once; repeated calls are no-ops after the first (spec.md §4.B,
// property P7). Request starts deferred in a new goroutine of its own
// (the original runs it on the main event thread); deferred must call
// Complete() when the role-specific failover action finishes.
func (a *Arbiter) Request(deferred func()) {
	a.mu.Lock()
	a.requested = true
	a.mu.Unlock()

	a.once.Do(func() {
		if deferred != nil {
			go deferred()
		}
	})
}

// IsSet is a non-blocking read of failover_requested.
func (a *Arbiter) IsSet() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.requested
}

// Complete latches failover_completed and wakes any WaitCompleted
// callers. Only the deferred failover action should call this.
func (a *Arbiter) Complete() {
	a.mu.Lock()
	a.completed = true
	a.mu.Unlock()
	a.cond.Broadcast()
}

// IsCompleted is a non-blocking read of failover_completed.
func (a *Arbiter) IsCompleted() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.completed
}

// WaitCompleted blocks until failover_completed is observed or ctx is
// done. This is the happens-after barrier spec.md §5 requires before
// loop-exit cleanup releases the control channel or the buffer.
func (a *Arbiter) WaitCompleted(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		a.mu.Lock()
		for !a.completed {
			a.cond.Wait()
		}
		a.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Clear resets both latches. Invoked only during shutdown cleanup,
// after failover_completed has been observed (spec.md §4.B).
func (a *Arbiter) Clear() {
	a.mu.Lock()
	a.requested = false
	a.completed = false
	a.once = sync.Once{}
	a.mu.Unlock()
}

// LostHeartbeat is the management entrypoint colo_lost_heartbeat:
// equivalent to Request(deferred). The management surface in
// colo/management does not call it; it goes through a loop's
// RequestFailover, which supplies that loop's own failover action.
func (a *Arbiter) LostHeartbeat(deferred func()) {
	a.Request(deferred)
}
