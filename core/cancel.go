package core

import (
	"context"
	"sync"
)

// CancelRegistry tracks in-flight runs so an external cancel request can
// terminate the currently running step. Cancelling an unknown or already
// finished run is a recorded no-op, which keeps cancel idempotent: the flag
// stays set, so a retry of Cancel observes the same terminal outcome.
type CancelRegistry struct {
	mu      sync.Mutex
	active  map[int64]context.CancelFunc
	flagged map[int64]struct{}
}

func NewCancelRegistry() *CancelRegistry {
	return &CancelRegistry{
		active:  make(map[int64]context.CancelFunc),
		flagged: make(map[int64]struct{}),
	}
}

// Register installs the cancel function for a run about to execute. If a
// cancel was requested before the run registered, the returned value is
// false and the engine must finalize the run as cancelled without executing.
func (r *CancelRegistry) Register(runID int64, cancel context.CancelFunc) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, cancelled := r.flagged[runID]; cancelled {
		return false
	}
	r.active[runID] = cancel
	return true
}

// Unregister removes a completed run. The cancelled flag is cleared as well;
// cancellation after terminal state is a no-op by contract.
func (r *CancelRegistry) Unregister(runID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.active, runID)
	delete(r.flagged, runID)
}

// Cancel requests cancellation of a run. Safe to call multiple times.
func (r *CancelRegistry) Cancel(runID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flagged[runID] = struct{}{}
	if cancel, ok := r.active[runID]; ok {
		cancel()
	}
}

// Cancelled reports whether a cancel has been requested for the run.
func (r *CancelRegistry) Cancelled(runID int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.flagged[runID]
	return ok
}
