// Package monitor runs the per-stack Pending-Work Monitor: a goroutine that
// calls the stack's has-pending-work primitive as fast as it can so that the
// stack completes deferred work even when no caller is driving it.
//
// The loop trades one CPU for latency. It never blocks and checks its stop
// signal once per iteration, so Stop always returns once the current call
// into the stack finishes.
package monitor

import (
	"errors"
	"runtime"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/searchktools/stack-agent/core/stack"
	"github.com/searchktools/stack-agent/internal/logging"
)

var ErrStopped = errors.New("monitor: already stopped")

// Monitor owns the background goroutine for one stack.
type Monitor struct {
	stack  stack.Handle
	worker stack.PendingWorker
	stopCh chan struct{}
	done   chan struct{}
	log    *zap.Logger

	stopped    atomic.Bool
	iterations atomic.Uint64
}

// Start resolves the has-pending-work primitive and starts polling it for h.
func Start(h stack.Handle, r *stack.Resolver) (*Monitor, error) {
	w, err := r.PendingWork()
	if err != nil {
		return nil, err
	}

	m := &Monitor{
		stack:  h,
		worker: w,
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
		log:    logging.Named("monitor").With(zap.Uint64("stack", uint64(h))),
	}
	go m.run()
	m.log.Debug("monitor started")
	return m, nil
}

func (m *Monitor) run() {
	defer close(m.done)

	// Keep the busy loop on one thread for the lifetime of the stack.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	for {
		select {
		case <-m.stopCh:
			return
		default:
		}

		v, err := m.worker.HasPendingWork(m.stack)
		if err != nil || v < 0 {
			// The primitive cannot fail on a healthy stack.
			logging.Fatal("has_pending_work failed, stack state is corrupt",
				zap.Uint64("stack", uint64(m.stack)),
				zap.Int("result", v),
				zap.Error(err))
			return
		}
		m.iterations.Add(1)
	}
}

// Iterations returns how many successful checks the loop has made.
func (m *Monitor) Iterations() uint64 {
	return m.iterations.Load()
}

// Stop signals the goroutine and waits for it to exit.
func (m *Monitor) Stop() error {
	if !m.stopped.CompareAndSwap(false, true) {
		return ErrStopped
	}
	close(m.stopCh)
	<-m.done
	m.log.Debug("monitor stopped", zap.Uint64("iterations", m.iterations.Load()))
	return nil
}
