package agent

import (
	"context"
	"errors"

	"github.com/searchktools/stack-agent/core/registry"
	"github.com/searchktools/stack-agent/core/stack"
)

// StacksName is the name of the stack allocation service.
const StacksName = "Stacks"

// Allocator creates and destroys stacks in the stack library.
type Allocator interface {
	Alloc() (stack.Handle, error)
	Free(stack.Handle) error
}

// StackService lets a controller allocate stacks before registering them
// with the Agent service.
type StackService struct {
	reg *registry.Registry
	lib Allocator
}

// NewStackService serves lib. Stacks registered in reg cannot be freed.
func NewStackService(reg *registry.Registry, lib Allocator) *StackService {
	return &StackService{reg: reg, lib: lib}
}

// Alloc creates a stack and returns its handle. The argument is ignored.
func (s *StackService) Alloc(context.Context, *StackArgs) (*StackArgs, error) {
	h, err := s.lib.Alloc()
	if err != nil {
		return nil, stack.Failed("alloc", err)
	}
	return &StackArgs{Stack: h}, nil
}

// Free destroys a stack. A stack still registered with the reactor must be
// torn down first.
func (s *StackService) Free(_ context.Context, args *StackArgs) (*Status, error) {
	if err := s.reg.Release(args.Stack, s.lib.Free); err != nil {
		if errors.Is(err, stack.ErrAlreadyRegistered) {
			return nil, stack.Protocol("free", err)
		}
		return nil, stack.Failed("free", err)
	}
	return &Status{OK: true}, nil
}
