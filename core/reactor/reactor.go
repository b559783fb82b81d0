// Package reactor drives a stack's process-events primitive in the three
// patterns callers need: wait for one event, drain everything pending, and
// drain for a fixed wall-clock duration.
//
// When a readiness bridge is present the wait-for-event loops block on it
// instead of spinning; without one every iteration calls the stack directly.
// The reactor adds no locking around the stack. Callers must not drive the
// same stack from two goroutines at once.
package reactor

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/searchktools/stack-agent/config"
	"github.com/searchktools/stack-agent/core/poller"
	"github.com/searchktools/stack-agent/core/stack"
	"github.com/searchktools/stack-agent/internal/logging"
)

// DefaultRetryTimeout bounds every bridge wait after the first one.
const DefaultRetryTimeout = 100 * time.Millisecond

// Waiter blocks until a stack has work. *poller.Bridge implements it.
type Waiter interface {
	Wait(timeoutMs int, logSuccess bool) (int, error)
}

// Reactor runs the event loop for one stack.
type Reactor struct {
	Stack stack.Handle
	Cap   stack.Capability

	// Inline, when set, is polled for pending work before every
	// ProcessEvents call.
	Inline stack.PendingWorker

	// Bridge gates the wait loops. Nil disables gating.
	Bridge Waiter

	RetryTimeout time.Duration
}

// New builds a reactor for h following cfg. bridge may be nil.
func New(h stack.Handle, r *stack.Resolver, cfg *config.Config, bridge *poller.Bridge) (*Reactor, error) {
	re := &Reactor{
		Stack:        h,
		Cap:          r.Capability(),
		RetryTimeout: cfg.RetryWait(),
	}
	if cfg.InlineCheck {
		w, err := r.PendingWork()
		if err != nil {
			return nil, err
		}
		re.Inline = w
	}
	if bridge != nil {
		re.Bridge = bridge
	}
	return re, nil
}

// ProcessStep runs the stack once and returns how many events it handled.
func (r *Reactor) ProcessStep() (int, error) {
	if r.Inline != nil {
		v, err := r.Inline.HasPendingWork(r.Stack)
		if err != nil || v < 0 {
			logging.Fatal("has_pending_work failed, stack state is corrupt",
				zap.Uint64("stack", uint64(r.Stack)),
				zap.Int("result", v),
				zap.Error(err))
			if err == nil {
				err = fmt.Errorf("result %d", v)
			}
			return 0, stack.Failed("has_pending_work", err)
		}
	}

	n, err := r.Cap.ProcessEvents(r.Stack)
	if err != nil {
		return 0, stack.Failed("process_events", err)
	}
	if n < 0 {
		return 0, stack.Failed("process_events", fmt.Errorf("result %d", n))
	}
	return n, nil
}

// WaitForOneEvent loops until one ProcessStep handles at least one event.
func (r *Reactor) WaitForOneEvent(ctx context.Context) error {
	for first := true; ; first = false {
		if err := ctx.Err(); err != nil {
			return err
		}

		ready, err := r.gate(first)
		if err != nil {
			return err
		}
		if !ready {
			continue
		}

		n, err := r.ProcessStep()
		if err != nil {
			return err
		}
		if n > 0 {
			return nil
		}
	}
}

// DrainAllPending calls ProcessStep until it reports no events and returns
// the sum of all counts.
func (r *Reactor) DrainAllPending(ctx context.Context) (int, error) {
	total := 0
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}

		n, err := r.ProcessStep()
		if err != nil {
			return total, err
		}
		if n == 0 {
			return total, nil
		}
		total += n
	}
}

// DrainForDuration keeps processing until d has elapsed and returns the
// number of events handled.
func (r *Reactor) DrainForDuration(ctx context.Context, d time.Duration) (int, error) {
	start := time.Now()
	total := 0
	for first := true; time.Since(start) < d; first = false {
		if err := ctx.Err(); err != nil {
			return total, err
		}

		ready, err := r.gate(first)
		if err != nil {
			return total, err
		}
		if !ready {
			continue
		}

		n, err := r.ProcessStep()
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// gate waits on the bridge when there is one. The first wait is unbounded
// and logged; later ones use RetryTimeout so the loop can notice ctx.
func (r *Reactor) gate(first bool) (bool, error) {
	if r.Bridge == nil {
		return true, nil
	}

	timeout := -1
	if !first {
		timeout = int(r.retryTimeout() / time.Millisecond)
	}
	n, err := r.Bridge.Wait(timeout, first)
	if err != nil {
		logging.Named("reactor").Debug("bridge wait failed",
			zap.Uint64("stack", uint64(r.Stack)),
			zap.Int("timeout_ms", timeout),
			zap.Error(err))
		return false, err
	}
	return n > 0, nil
}

func (r *Reactor) retryTimeout() time.Duration {
	if r.RetryTimeout <= 0 {
		return DefaultRetryTimeout
	}
	return r.RetryTimeout
}
