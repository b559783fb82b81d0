package monitor

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/searchktools/stack-agent/core/stack"
	"github.com/searchktools/stack-agent/internal/logging"
)

type pendingStack struct {
	calls  atomic.Uint64
	result atomic.Int64
}

func (p *pendingStack) ProcessEvents(stack.Handle) (int, error) { return 0, nil }

func (p *pendingStack) HasPendingWork(stack.Handle) (int, error) {
	p.calls.Add(1)
	return int(p.result.Load()), nil
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("Test timeout")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestMonitorPollsUntilStopped(t *testing.T) {
	s := &pendingStack{}
	m, err := Start(1, stack.NewResolver(s))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	waitFor(t, func() bool { return m.Iterations() > 100 })

	if err := m.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	calls := s.calls.Load()
	time.Sleep(10 * time.Millisecond)
	if s.calls.Load() != calls {
		t.Error("Monitor kept polling after Stop returned")
	}
}

func TestMonitorDoubleStop(t *testing.T) {
	m, err := Start(1, stack.NewResolver(&pendingStack{}))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := m.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := m.Stop(); !errors.Is(err, ErrStopped) {
		t.Fatalf("Expected ErrStopped, got %v", err)
	}
}

type noPending struct{}

func (noPending) ProcessEvents(stack.Handle) (int, error) { return 0, nil }

func TestMonitorResolutionError(t *testing.T) {
	_, err := Start(1, stack.NewResolver(noPending{}))
	if stack.KindOf(err) != stack.KindResolution {
		t.Fatalf("Expected resolution error, got %v", err)
	}
}

func TestMonitorNegativeResultIsFatal(t *testing.T) {
	fatal := make(chan string, 1)
	restore := logging.SetFatalHook(func(msg string, _ ...zap.Field) {
		fatal <- msg
	})
	defer restore()

	s := &pendingStack{}
	s.result.Store(-1)
	m, err := Start(1, stack.NewResolver(s))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	select {
	case <-fatal:
	case <-time.After(5 * time.Second):
		t.Fatal("Expected fatal hook to run")
	}

	// The goroutine has exited; Stop must still return.
	if err := m.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}
