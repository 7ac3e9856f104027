// Package control provides in-memory pause/resume/stop state for a running
// scan. Checkpoints are cheap and require no database access, so agents can
// call them at every loop boundary.
package control

import (
	"context"
	"sync"
)

// State represents the current control state of a run
type State int

const (
	StateRunning State = iota
	StatePaused
	StateStopped
)

// String returns the string representation of the state
func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// RunControl manages pause/resume/stop state for one scan. It is safe for
// concurrent use by multiple goroutines; these are the only thread-safe entry
// points into a running orchestrator or worker pool.
type RunControl struct {
	scanID uint
	state  State
	mu     sync.RWMutex

	// pauseCond blocks agents while paused
	pauseCond *sync.Cond

	// ctx is cancelled when the run is stopped
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a RunControl in running state
func New(scanID uint) *RunControl {
	ctx, cancel := context.WithCancel(context.Background())
	rc := &RunControl{
		scanID: scanID,
		state:  StateRunning,
		ctx:    ctx,
		cancel: cancel,
	}
	rc.pauseCond = sync.NewCond(&rc.mu)
	return rc
}

// ScanID returns the scan this control belongs to
func (rc *RunControl) ScanID() uint {
	return rc.scanID
}

// Context returns a context cancelled when the run is stopped. Use it for
// model and tool calls so an in-flight operation is not silently abandoned
// but the next one never starts.
func (rc *RunControl) Context() context.Context {
	return rc.ctx
}

// State returns current state
func (rc *RunControl) State() State {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	return rc.state
}

// Pause transitions to paused state
func (rc *RunControl) Pause() {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	if rc.state == StateStopped {
		return
	}
	rc.state = StatePaused
}

// Resume transitions back to running state and unblocks paused agents
func (rc *RunControl) Resume() {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	if rc.state == StateStopped {
		return
	}

	wasPaused := rc.state == StatePaused
	rc.state = StateRunning
	if wasPaused {
		rc.pauseCond.Broadcast()
	}
}

// Stop transitions to stopped state. Stopping is cooperative: agents observe
// it at their next checkpoint, never mid-tool-call.
func (rc *RunControl) Stop() {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	if rc.state == StateStopped {
		return
	}
	rc.state = StateStopped
	rc.cancel()
	rc.pauseCond.Broadcast()
}

// Checkpoint blocks while paused and returns false once stopped. Agents call
// this at every step boundary:
//
//	for _, step := range plan.Steps {
//	    if !ctrl.Checkpoint() {
//	        return // run was stopped
//	    }
//	    executeStep(step)
//	}
func (rc *RunControl) Checkpoint() bool {
	rc.mu.RLock()
	state := rc.state
	rc.mu.RUnlock()

	if state == StateRunning {
		return true
	}
	if state == StateStopped {
		return false
	}

	rc.mu.Lock()
	for rc.state == StatePaused {
		rc.pauseCond.Wait()
	}
	state = rc.state
	rc.mu.Unlock()

	return state != StateStopped
}

// IsStopped returns true if the run has been stopped
func (rc *RunControl) IsStopped() bool {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	return rc.state == StateStopped
}

// IsPaused returns true if the run is paused
func (rc *RunControl) IsPaused() bool {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	return rc.state == StatePaused
}

// IsRunning returns true if the run is active
func (rc *RunControl) IsRunning() bool {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	return rc.state == StateRunning
}
