// Package registry keeps the process-wide table of stacks the agent drives.
//
// Each registered stack gets one Context holding the optional Pending-Work
// Monitor and Readiness Bridge chosen by the process configuration. Slots
// freed by Unregister are reused, lowest index first.
package registry

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/searchktools/stack-agent/config"
	"github.com/searchktools/stack-agent/core/monitor"
	"github.com/searchktools/stack-agent/core/poller"
	"github.com/searchktools/stack-agent/core/stack"
	"github.com/searchktools/stack-agent/internal/logging"
)

// Context is the agent-side state for one stack. Which of Monitor and
// Bridge are present is decided at registration and does not change.
type Context struct {
	Stack   stack.Handle
	Monitor *monitor.Monitor
	Bridge  *poller.Bridge
}

// Registry maps stack handles to their Context.
type Registry struct {
	mu       sync.Mutex
	slots    []*Context
	cfg      *config.Config
	resolver *stack.Resolver
	log      *zap.Logger

	openBridge func(stack.Handle, *stack.Resolver) (*poller.Bridge, error)
}

// New creates an empty registry. cfg and r are shared by every stack
// registered later.
func New(cfg *config.Config, r *stack.Resolver) *Registry {
	return &Registry{
		slots:      make([]*Context, 0, 8),
		cfg:        cfg,
		resolver:   r,
		log:        logging.Named("registry"),
		openBridge: poller.Open,
	}
}

// Config returns the configuration the registry was built with.
func (r *Registry) Config() *config.Config {
	return r.cfg
}

// Resolver returns the primitive resolver shared by all stacks.
func (r *Registry) Resolver() *stack.Resolver {
	return r.resolver
}

// Register creates the Context for h, starting a monitor and opening a
// bridge when enabled. If any step fails, whatever was started is undone
// and h is left unregistered; the stack itself stays allocated.
func (r *Registry) Register(h stack.Handle) error {
	if h == 0 {
		return stack.ErrInvalidHandle
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.indexLocked(h) >= 0 {
		return fmt.Errorf("register stack %d: %w", h, stack.ErrAlreadyRegistered)
	}

	ctx := &Context{Stack: h}
	if r.cfg.MonitorEnabled {
		m, err := monitor.Start(h, r.resolver)
		if err != nil {
			return fmt.Errorf("register stack %d: start monitor: %w", h, err)
		}
		ctx.Monitor = m
	}
	if r.cfg.BridgeEnabled {
		b, err := r.openBridge(h, r.resolver)
		if err != nil {
			if ctx.Monitor != nil {
				if stopErr := ctx.Monitor.Stop(); stopErr != nil {
					err = errors.Join(err, stopErr)
				}
			}
			return fmt.Errorf("register stack %d: open bridge: %w", h, err)
		}
		ctx.Bridge = b
	}

	slot := r.freeSlotLocked()
	if slot < 0 {
		r.slots = append(r.slots, ctx)
		slot = len(r.slots) - 1
	} else {
		r.slots[slot] = ctx
	}

	r.log.Info("stack registered",
		zap.Uint64("stack", uint64(h)),
		zap.Int("slot", slot),
		zap.Bool("monitor", ctx.Monitor != nil),
		zap.Bool("bridge", ctx.Bridge != nil))
	return nil
}

// With runs fn on the Context for h while holding the registry lock, so
// the Context cannot be torn down underneath it. fn must not block.
func (r *Registry) With(h stack.Handle, fn func(*Context) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	i := r.indexLocked(h)
	if i < 0 {
		return fmt.Errorf("lookup stack %d: %w", h, stack.ErrNotFound)
	}
	return fn(r.slots[i])
}

// Release calls free for h unless h is registered. The registry lock is
// held throughout so h cannot be registered while it is being freed.
func (r *Registry) Release(h stack.Handle, free func(stack.Handle) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.indexLocked(h) >= 0 {
		return fmt.Errorf("free stack %d: %w", h, stack.ErrAlreadyRegistered)
	}
	return free(h)
}

// Unregister stops the monitor, closes the bridge and frees the slot. If a
// teardown step fails the stack stays registered without the parts already
// torn down, and Unregister may be retried.
func (r *Registry) Unregister(h stack.Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	i := r.indexLocked(h)
	if i < 0 {
		return fmt.Errorf("unregister stack %d: %w", h, stack.ErrNotFound)
	}
	ctx := r.slots[i]

	if ctx.Monitor != nil {
		if err := ctx.Monitor.Stop(); err != nil {
			return fmt.Errorf("unregister stack %d: stop monitor: %w", h, err)
		}
		ctx.Monitor = nil
	}
	if ctx.Bridge != nil {
		if err := ctx.Bridge.Close(); err != nil {
			return fmt.Errorf("unregister stack %d: close bridge: %w", h, err)
		}
		ctx.Bridge = nil
	}

	r.slots[i] = nil
	r.log.Info("stack unregistered", zap.Uint64("stack", uint64(h)), zap.Int("slot", i))
	return nil
}

// Len returns the number of registered stacks.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, c := range r.slots {
		if c != nil {
			n++
		}
	}
	return n
}

// Slot returns the slot index holding h.
func (r *Registry) Slot(h stack.Handle) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	i := r.indexLocked(h)
	return i, i >= 0
}

// Capacity returns the size of the slot table, free slots included.
func (r *Registry) Capacity() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.slots)
}

// Stacks returns the registered handles in slot order.
func (r *Registry) Stacks() []stack.Handle {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]stack.Handle, 0, len(r.slots))
	for _, c := range r.slots {
		if c != nil {
			out = append(out, c.Stack)
		}
	}
	return out
}

// Close unregisters every stack.
func (r *Registry) Close() error {
	var errs []error
	for _, h := range r.Stacks() {
		if err := r.Unregister(h); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (r *Registry) indexLocked(h stack.Handle) int {
	for i, c := range r.slots {
		if c != nil && c.Stack == h {
			return i
		}
	}
	return -1
}

func (r *Registry) freeSlotLocked() int {
	for i, c := range r.slots {
		if c == nil {
			return i
		}
	}
	return -1
}
