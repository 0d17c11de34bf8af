// Package performance runs virtual users through a staged load plan.
package performance

import (
	"context"
	"sync"
	"sync/atomic"
)

// VUState represents the lifecycle state of a Virtual User.
type VUState int32

const (
	// VUStateIdle indicates the VU is between iterations.
	VUStateIdle VUState = iota
	// VUStateRunning indicates the VU is executing an iteration.
	VUStateRunning
	// VUStateStopping indicates the VU has been asked to stop after the
	// current iteration.
	VUStateStopping
	// VUStateStopped indicates the VU goroutine has exited.
	VUStateStopped
)

func (s VUState) String() string {
	switch s {
	case VUStateIdle:
		return "idle"
	case VUStateRunning:
		return "running"
	case VUStateStopping:
		return "stopping"
	case VUStateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// VirtualUser is one simulated client. It loops sample, record, pace until
// asked to stop.
//
// A stop request is graceful: the iteration in progress completes. The
// per-VU context is the hard path; cancelling it interrupts the in-flight
// sample.
type VirtualUser struct {
	// Unique identifier for this VU
	ID int

	state atomic.Int32

	stopCh   chan struct{}
	stopOnce sync.Once

	doneCh   chan struct{}
	doneOnce sync.Once

	iterations atomic.Int64

	// busy is set while an iteration is in flight
	busy atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
}

func newVirtualUser(id int, parent context.Context) *VirtualUser {
	ctx, cancel := context.WithCancel(withVUID(parent, id))
	return &VirtualUser{
		ID:     id,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
}

// State returns the current VU state.
func (vu *VirtualUser) State() VUState {
	return VUState(vu.state.Load())
}

// Iterations returns the number of iterations started by this VU.
func (vu *VirtualUser) Iterations() int64 {
	return vu.iterations.Load()
}

// RequestStop asks the VU to exit after its current iteration. Safe to call
// more than once.
func (vu *VirtualUser) RequestStop() {
	vu.stopOnce.Do(func() {
		for {
			cur := vu.state.Load()
			if VUState(cur) == VUStateStopped {
				break
			}
			if vu.state.CompareAndSwap(cur, int32(VUStateStopping)) {
				break
			}
		}
		close(vu.stopCh)
	})
}

// Done is closed once the VU goroutine has exited.
func (vu *VirtualUser) Done() <-chan struct{} {
	return vu.doneCh
}

// forceStop cancels the VU. It reports whether an iteration was in flight
// and therefore interrupted.
func (vu *VirtualUser) forceStop() bool {
	vu.RequestStop()
	select {
	case <-vu.doneCh:
		return false
	default:
	}
	inFlight := vu.busy.Load()
	vu.cancel()
	return inFlight
}

func (vu *VirtualUser) stopRequested() bool {
	select {
	case <-vu.stopCh:
		return true
	case <-vu.ctx.Done():
		return true
	default:
		return false
	}
}

// beginIteration moves idle to running. It fails once a stop was requested.
func (vu *VirtualUser) beginIteration() bool {
	// busy goes up before the transition so forceStop never misses an
	// iteration that is about to start
	vu.busy.Store(true)
	if !vu.state.CompareAndSwap(int32(VUStateIdle), int32(VUStateRunning)) {
		vu.busy.Store(false)
		return false
	}
	vu.iterations.Add(1)
	return true
}

func (vu *VirtualUser) endIteration() {
	vu.busy.Store(false)
	vu.state.CompareAndSwap(int32(VUStateRunning), int32(VUStateIdle))
}

func (vu *VirtualUser) markStopped() {
	vu.state.Store(int32(VUStateStopped))
	vu.doneOnce.Do(func() { close(vu.doneCh) })
	vu.cancel()
}

type vuIDKey struct{}

func withVUID(ctx context.Context, id int) context.Context {
	return context.WithValue(ctx, vuIDKey{}, id)
}

// VUID returns the id of the virtual user running the sample that received
// ctx.
func VUID(ctx context.Context) (int, bool) {
	id, ok := ctx.Value(vuIDKey{}).(int)
	return id, ok
}
