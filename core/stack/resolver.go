package stack

import (
	"errors"
	"sync"
)

var (
	ErrNoPendingWork = errors.New("stack does not provide has-pending-work")
	ErrNoWaitable    = errors.New("stack does not provide a waitable descriptor")
	ErrNoZeroCopy    = errors.New("stack does not provide zero-copy receive")
)

// Resolver locates optional stack primitives once and caches the outcome
// for every stack registered afterwards.
type Resolver struct {
	cap Capability

	pendingOnce sync.Once
	pending     PendingWorker
	pendingErr  error

	waitOnce sync.Once
	wait     Waitable
	waitErr  error

	zcOnce sync.Once
	zc     ZeroCopyReceiver
	zcErr  error
}

// NewResolver creates a resolver over one stack library.
func NewResolver(c Capability) *Resolver {
	return &Resolver{cap: c}
}

// Capability returns the wrapped stack library.
func (r *Resolver) Capability() Capability {
	return r.cap
}

// PendingWork resolves the has-pending-work primitive.
func (r *Resolver) PendingWork() (PendingWorker, error) {
	r.pendingOnce.Do(func() {
		if p, ok := r.cap.(PendingWorker); ok {
			r.pending = p
			return
		}
		r.pendingErr = Resolution("has_pending_work", ErrNoPendingWork)
	})
	return r.pending, r.pendingErr
}

// Waitable resolves the get/prime wait-descriptor primitives.
func (r *Resolver) Waitable() (Waitable, error) {
	r.waitOnce.Do(func() {
		if w, ok := r.cap.(Waitable); ok {
			r.wait = w
			return
		}
		r.waitErr = Resolution("waitable_fd", ErrNoWaitable)
	})
	return r.wait, r.waitErr
}

// ZeroCopy resolves the zero-copy receive primitives.
func (r *Resolver) ZeroCopy() (ZeroCopyReceiver, error) {
	r.zcOnce.Do(func() {
		if z, ok := r.cap.(ZeroCopyReceiver); ok {
			r.zc = z
			return
		}
		r.zcErr = Resolution("zc_recv", ErrNoZeroCopy)
	})
	return r.zc, r.zcErr
}
