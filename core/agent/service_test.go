package agent

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/searchktools/stack-agent/config"
	"github.com/searchktools/stack-agent/core/registry"
	"github.com/searchktools/stack-agent/core/stack"
	"github.com/searchktools/stack-agent/core/stack/simstack"
	"github.com/searchktools/stack-agent/core/zerocopy"
	"github.com/searchktools/stack-agent/internal/logging"
)

func newService(t *testing.T, cfg *config.Config) (*Service, *simstack.Library) {
	t.Helper()
	lib := simstack.New()
	reg := registry.New(cfg, stack.NewResolver(lib))
	t.Cleanup(func() {
		reg.Close()
		lib.Close()
	})
	return NewService(reg), lib
}

func allocStack(t *testing.T, lib *simstack.Library) stack.Handle {
	t.Helper()
	h, err := lib.Alloc()
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	return h
}

func TestDrainAllPendingSumsSteps(t *testing.T) {
	s, lib := newService(t, config.Default())
	ctx := context.Background()
	h := allocStack(t, lib)

	if _, err := s.InitReactorContext(ctx, &StackArgs{Stack: h}); err != nil {
		t.Fatalf("InitReactorContext: %v", err)
	}
	if err := lib.Script(h, 3, 2, 0); err != nil {
		t.Fatalf("Script: %v", err)
	}

	reply, err := s.DrainAllPending(ctx, &StackArgs{Stack: h})
	if err != nil {
		t.Fatalf("DrainAllPending: %v", err)
	}
	if reply.Count != 5 {
		t.Errorf("Expected 5, got %d", reply.Count)
	}

	if _, err := s.TeardownReactorContext(ctx, &StackArgs{Stack: h}); err != nil {
		t.Fatalf("TeardownReactorContext: %v", err)
	}
}

func TestInitTwiceIsProtocolError(t *testing.T) {
	s, lib := newService(t, config.Default())
	ctx := context.Background()
	h := allocStack(t, lib)

	if _, err := s.InitReactorContext(ctx, &StackArgs{Stack: h}); err != nil {
		t.Fatalf("InitReactorContext: %v", err)
	}
	_, err := s.InitReactorContext(ctx, &StackArgs{Stack: h})
	if stack.KindOf(err) != stack.KindProtocol || !errors.Is(err, stack.ErrAlreadyRegistered) {
		t.Fatalf("Expected protocol ErrAlreadyRegistered, got %v", err)
	}
}

func TestOperationsNeedRegisteredStack(t *testing.T) {
	s, _ := newService(t, config.Default())
	ctx := context.Background()

	if _, err := s.DrainAllPending(ctx, &StackArgs{Stack: 99}); !errors.Is(err, stack.ErrNotFound) {
		t.Errorf("DrainAllPending: expected ErrNotFound, got %v", err)
	}
	if _, err := s.WaitForOneEvent(ctx, &StackArgs{Stack: 99}); !errors.Is(err, stack.ErrNotFound) {
		t.Errorf("WaitForOneEvent: expected ErrNotFound, got %v", err)
	}
	if _, err := s.TeardownReactorContext(ctx, &StackArgs{Stack: 99}); stack.KindOf(err) != stack.KindProtocol {
		t.Errorf("TeardownReactorContext: expected protocol error, got %v", err)
	}
	if _, err := s.DrainForDuration(ctx, &DurationArgs{Stack: 99, DurationMs: -1}); stack.KindOf(err) != stack.KindProtocol {
		t.Errorf("DrainForDuration: expected protocol error, got %v", err)
	}
}

func TestWaitForOneEventWithMonitorAndInlineCheck(t *testing.T) {
	cfg := config.Default()
	cfg.MonitorEnabled = true
	cfg.InlineCheck = true
	s, lib := newService(t, cfg)
	ctx := context.Background()
	h := allocStack(t, lib)

	if _, err := s.InitReactorContext(ctx, &StackArgs{Stack: h}); err != nil {
		t.Fatalf("InitReactorContext: %v", err)
	}
	if err := lib.Script(h, 0, 0, 4); err != nil {
		t.Fatalf("Script: %v", err)
	}
	if _, err := s.WaitForOneEvent(ctx, &StackArgs{Stack: h}); err != nil {
		t.Fatalf("WaitForOneEvent: %v", err)
	}
	if _, processed, _ := lib.Stats(h); processed != 3 {
		t.Errorf("Expected 3 ProcessEvents calls, got %d", processed)
	}
}

func TestZeroCopyFinalizeTwice(t *testing.T) {
	s, lib := newService(t, config.Default())
	ctx := context.Background()
	h := allocStack(t, lib)
	z, err := lib.OpenZocket(h)
	if err != nil {
		t.Fatalf("OpenZocket: %v", err)
	}
	for _, d := range []string{"one", "two"} {
		if err := lib.Deliver(z, []byte(d)); err != nil {
			t.Fatalf("Deliver: %v", err)
		}
	}

	msg, err := s.ZeroCopyReceive(ctx, &ReceiveArgs{Zocket: z, MaxFragments: 8, ReservedLen: stack.ReservedLen})
	if err != nil {
		t.Fatalf("ZeroCopyReceive: %v", err)
	}
	if msg.FragmentCount != 2 || msg.Token == uuid.Nil {
		t.Fatalf("Expected 2 fragments with a token, got %+v", msg)
	}

	args := &FinalizeArgs{Zocket: z, Token: msg.Token}
	if _, err := s.ZeroCopyFinalizeAll(ctx, args); err != nil {
		t.Fatalf("ZeroCopyFinalizeAll: %v", err)
	}
	_, err = s.ZeroCopyFinalizeAll(ctx, args)
	if stack.KindOf(err) != stack.KindProtocol || !errors.Is(err, zerocopy.ErrNotPending) {
		t.Fatalf("Expected protocol ErrNotPending, got %v", err)
	}
	if lib.Released(z) != 1 {
		t.Errorf("Second finalize reached the stack")
	}
}

func TestZeroCopyPartial(t *testing.T) {
	s, lib := newService(t, config.Default())
	ctx := context.Background()
	h := allocStack(t, lib)
	z, err := lib.OpenZocket(h)
	if err != nil {
		t.Fatalf("OpenZocket: %v", err)
	}
	if err := lib.Deliver(z, []byte("0123456789")); err != nil {
		t.Fatalf("Deliver: %v", err)
	}

	recv := &ReceiveArgs{Zocket: z, MaxFragments: 1, ReservedLen: stack.ReservedLen}
	msg, err := s.ZeroCopyReceive(ctx, recv)
	if err != nil {
		t.Fatalf("ZeroCopyReceive: %v", err)
	}
	if _, err := s.ZeroCopyFinalizePartial(ctx, &FinalizeArgs{Zocket: z, Token: msg.Token, BytesConsumed: 7}); err != nil {
		t.Fatalf("ZeroCopyFinalizePartial: %v", err)
	}

	msg, err = s.ZeroCopyReceive(ctx, recv)
	if err != nil {
		t.Fatalf("ZeroCopyReceive: %v", err)
	}
	if msg.FragmentCount != 1 || string(msg.Fragments[0].Data) != "789" {
		t.Fatalf("Expected redelivered %q, got %+v", "789", msg)
	}
}

// eventsOnly has no zero-copy receive.
type eventsOnly struct{}

func (eventsOnly) ProcessEvents(stack.Handle) (int, error) { return 0, nil }

func TestZeroCopyUnsupported(t *testing.T) {
	s := NewService(registry.New(config.Default(), stack.NewResolver(eventsOnly{})))
	ctx := context.Background()

	_, err := s.ZeroCopyReceive(ctx, &ReceiveArgs{Zocket: 1, MaxFragments: 1, ReservedLen: stack.ReservedLen})
	if stack.KindOf(err) != stack.KindResolution {
		t.Fatalf("Expected resolution error, got %v", err)
	}
	if _, err := s.ZeroCopyFinalizeAll(ctx, &FinalizeArgs{Zocket: 1}); stack.KindOf(err) != stack.KindResolution {
		t.Fatalf("Expected resolution error, got %v", err)
	}
}

func TestStackServiceAllocFree(t *testing.T) {
	s, lib := newService(t, config.Default())
	stacks := NewStackService(s.reg, lib)
	ctx := context.Background()

	reply, err := stacks.Alloc(ctx, &StackArgs{})
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if _, err := s.InitReactorContext(ctx, reply); err != nil {
		t.Fatalf("InitReactorContext: %v", err)
	}
	if _, err := s.TeardownReactorContext(ctx, reply); err != nil {
		t.Fatalf("TeardownReactorContext: %v", err)
	}
	if _, err := stacks.Free(ctx, reply); err != nil {
		t.Fatalf("Free: %v", err)
	}
	if _, err := stacks.Free(ctx, reply); stack.KindOf(err) != stack.KindStack {
		t.Fatalf("Expected stack error freeing twice, got %v", err)
	}
}

func TestFreeRegisteredStackIsRejected(t *testing.T) {
	fatal := make(chan string, 1)
	restore := logging.SetFatalHook(func(msg string, _ ...zap.Field) {
		select {
		case fatal <- msg:
		default:
		}
	})
	defer restore()

	cfg := config.Default()
	cfg.MonitorEnabled = true
	s, lib := newService(t, cfg)
	stacks := NewStackService(s.reg, lib)
	ctx := context.Background()

	h, err := stacks.Alloc(ctx, &StackArgs{})
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if _, err := s.InitReactorContext(ctx, h); err != nil {
		t.Fatalf("InitReactorContext: %v", err)
	}

	_, err = stacks.Free(ctx, h)
	if stack.KindOf(err) != stack.KindProtocol || !errors.Is(err, stack.ErrAlreadyRegistered) {
		t.Fatalf("Expected protocol ErrAlreadyRegistered, got %v", err)
	}

	select {
	case msg := <-fatal:
		t.Fatalf("Monitor hit a fatal condition: %s", msg)
	case <-time.After(20 * time.Millisecond):
	}

	if _, err := s.TeardownReactorContext(ctx, h); err != nil {
		t.Fatalf("TeardownReactorContext: %v", err)
	}
	if _, err := stacks.Free(ctx, h); err != nil {
		t.Fatalf("Free after teardown: %v", err)
	}
}
