// Package agent exposes the reactor and zero-copy lifecycle to a remote
// controller. Service methods follow the RPC registry's
// func(ctx, *Arg) (*Reply, error) shape and are registered under Name.
package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/searchktools/stack-agent/core/poller"
	"github.com/searchktools/stack-agent/core/reactor"
	"github.com/searchktools/stack-agent/core/registry"
	"github.com/searchktools/stack-agent/core/stack"
	"github.com/searchktools/stack-agent/core/zerocopy"
	"github.com/searchktools/stack-agent/internal/logging"
)

// Name is the service name on the RPC server.
const Name = "Agent"

// Service implements the agent's boundary operations.
type Service struct {
	reg     *registry.Registry
	tracker *zerocopy.Tracker
	zcErr   error
	log     *zap.Logger
}

// NewService serves the stacks in reg. Zero-copy operations fail with a
// resolution error when the stack library has no zero-copy receive.
func NewService(reg *registry.Registry) *Service {
	s := &Service{
		reg: reg,
		log: logging.Named("agent"),
	}
	s.tracker, s.zcErr = zerocopy.NewTracker(reg.Resolver())
	return s
}

// Tracker returns the zero-copy tracker, or nil when unsupported.
func (s *Service) Tracker() *zerocopy.Tracker {
	return s.tracker
}

// InitReactorContext registers the stack with the reactor runtime.
func (s *Service) InitReactorContext(_ context.Context, args *StackArgs) (*Status, error) {
	if err := s.reg.Register(args.Stack); err != nil {
		return nil, classify("init_reactor_context", err)
	}
	return &Status{OK: true}, nil
}

// TeardownReactorContext stops the monitor, closes the bridge and frees the
// stack's slot. On a partial failure the stack stays registered and the
// call may be retried.
func (s *Service) TeardownReactorContext(_ context.Context, args *StackArgs) (*Status, error) {
	if err := s.reg.Unregister(args.Stack); err != nil {
		if !errors.Is(err, stack.ErrNotFound) {
			s.log.Error("teardown failed, stack left registered",
				zap.Uint64("stack", uint64(args.Stack)), zap.Error(err))
		}
		return nil, classify("teardown_reactor_context", err)
	}
	return &Status{OK: true}, nil
}

// WaitForOneEvent returns once the stack has processed at least one event.
func (s *Service) WaitForOneEvent(ctx context.Context, args *StackArgs) (*Status, error) {
	r, err := s.reactorFor(args.Stack)
	if err != nil {
		return nil, err
	}
	if err := r.WaitForOneEvent(ctx); err != nil {
		return nil, err
	}
	return &Status{OK: true}, nil
}

// DrainAllPending processes until the stack reports no events.
func (s *Service) DrainAllPending(ctx context.Context, args *StackArgs) (*CountReply, error) {
	r, err := s.reactorFor(args.Stack)
	if err != nil {
		return nil, err
	}
	n, err := r.DrainAllPending(ctx)
	if err != nil {
		return nil, err
	}
	return &CountReply{Count: n}, nil
}

// DrainForDuration processes for DurationMs milliseconds.
func (s *Service) DrainForDuration(ctx context.Context, args *DurationArgs) (*CountReply, error) {
	if args.DurationMs < 0 {
		return nil, stack.Protocol("drain_for_duration", fmt.Errorf("negative duration %dms", args.DurationMs))
	}
	r, err := s.reactorFor(args.Stack)
	if err != nil {
		return nil, err
	}
	n, err := r.DrainForDuration(ctx, time.Duration(args.DurationMs)*time.Millisecond)
	if err != nil {
		return nil, err
	}
	return &CountReply{Count: n}, nil
}

// ZeroCopyReceive receives up to MaxFragments datagrams. A reply with
// FragmentCount 0 carries no token and needs no finalize.
func (s *Service) ZeroCopyReceive(_ context.Context, args *ReceiveArgs) (*zerocopy.Message, error) {
	if s.zcErr != nil {
		return nil, s.zcErr
	}
	return s.tracker.Receive(args.Zocket, args.MaxFragments, args.ReservedLen)
}

// ZeroCopyFinalizeAll releases every fragment of the pending message.
func (s *Service) ZeroCopyFinalizeAll(_ context.Context, args *FinalizeArgs) (*Status, error) {
	if s.zcErr != nil {
		return nil, s.zcErr
	}
	if err := s.tracker.FinalizeAll(args.Zocket, args.Token); err != nil {
		return nil, err
	}
	return &Status{OK: true}, nil
}

// ZeroCopyFinalizePartial releases BytesConsumed bytes of the pending
// message and leaves the rest for the next receive.
func (s *Service) ZeroCopyFinalizePartial(_ context.Context, args *FinalizeArgs) (*Status, error) {
	if s.zcErr != nil {
		return nil, s.zcErr
	}
	if err := s.tracker.FinalizePartial(args.Zocket, args.Token, args.BytesConsumed); err != nil {
		return nil, err
	}
	return &Status{OK: true}, nil
}

// reactorFor builds a reactor around the stack's bridge. The registry lock
// is released before any wait.
func (s *Service) reactorFor(h stack.Handle) (*reactor.Reactor, error) {
	var bridge *poller.Bridge
	err := s.reg.With(h, func(c *registry.Context) error {
		bridge = c.Bridge
		return nil
	})
	if err != nil {
		return nil, classify("lookup", err)
	}
	return reactor.New(h, s.reg.Resolver(), s.reg.Config(), bridge)
}

// classify tags registry errors so they keep their kind across the wire.
func classify(op string, err error) error {
	if stack.KindOf(err) != "" {
		return err
	}
	switch {
	case errors.Is(err, stack.ErrNotFound),
		errors.Is(err, stack.ErrAlreadyRegistered),
		errors.Is(err, stack.ErrInvalidHandle):
		return stack.Protocol(op, err)
	}
	return stack.Failed(op, err)
}
