package poller

import (
	"errors"
	"testing"

	"github.com/searchktools/stack-agent/core/stack"
)

type scriptedPoller struct {
	results [][]Event
	errs    []error
	waits   []int
	closed  bool
	removed []int
}

func (p *scriptedPoller) Add(fd int, events uint32) error { return nil }
func (p *scriptedPoller) Remove(fd int) error { p.removed = append(p.removed, fd); return nil }
func (p *scriptedPoller) Close() error { p.closed = true; return nil }

func (p *scriptedPoller) Wait(timeout int) ([]Event, error) {
	p.waits = append(p.waits, timeout)
	i := len(p.waits) - 1
	var err error
	if i < len(p.errs) {
		err = p.errs[i]
	}
	if i < len(p.results) {
		return p.results[i], err
	}
	return nil, err
}

type countingWaitable struct {
	fd     int
	primes int
}

func (w *countingWaitable) WaitFD(stack.Handle) (int, error) { return w.fd, nil }
func (w *countingWaitable) PrimeWaitFD(stack.Handle) error { w.primes++; return nil }

func newScripted(t *testing.T, p *scriptedPoller) (*Bridge, *countingWaitable) {
	t.Helper()
	w := &countingWaitable{fd: 7}
	b, err := NewBridge(1, w, p)
	if err != nil {
		t.Fatalf("NewBridge: %v", err)
	}
	return b, w
}

func TestBridgeWaitReady(t *testing.T) {
	p := &scriptedPoller{results: [][]Event{{{Fd: 7, Events: EventRead}}}}
	b, w := newScripted(t, p)

	n, err := b.Wait(-1, true)
	if err != nil || n != 1 {
		t.Fatalf("Wait = %d, %v; want 1, nil", n, err)
	}
	if w.primes != 1 {
		t.Errorf("Expected 1 prime, got %d", w.primes)
	}
}

func TestBridgeWaitTimeout(t *testing.T) {
	b, _ := newScripted(t, &scriptedPoller{})

	n, err := b.Wait(100, false)
	if err != nil || n != 0 {
		t.Fatalf("Wait = %d, %v; want 0, nil", n, err)
	}
}

func TestBridgeInfiniteWaitEmpty(t *testing.T) {
	b, _ := newScripted(t, &scriptedPoller{})

	if _, err := b.Wait(-1, false); !errors.Is(err, ErrInfiniteWaitEmpty) {
		t.Fatalf("Expected ErrInfiniteWaitEmpty, got %v", err)
	}
}

func TestBridgeRejectsUnexpectedEvents(t *testing.T) {
	cases := map[string][]Event{
		"foreign fd": {{Fd: 8, Events: EventRead}},
		"extra mask": {{Fd: 7, Events: EventRead | EventHangup}},
		"write mask": {{Fd: 7, Events: EventWrite}},
		"two events": {{Fd: 7, Events: EventRead}, {Fd: 7, Events: EventRead}},
	}
	for name, events := range cases {
		t.Run(name, func(t *testing.T) {
			b, _ := newScripted(t, &scriptedPoller{results: [][]Event{events}})
			if _, err := b.Wait(10, false); !errors.Is(err, ErrUnexpectedEvent) {
				t.Fatalf("Expected ErrUnexpectedEvent, got %v", err)
			}
		})
	}
}

func TestBridgeInterruptedWait(t *testing.T) {
	// Finite waits report an interruption as no event.
	b, _ := newScripted(t, &scriptedPoller{errs: []error{ErrInterrupted}})
	if n, err := b.Wait(10, false); err != nil || n != 0 {
		t.Fatalf("Wait = %d, %v; want 0, nil", n, err)
	}

	// Infinite waits retry.
	p := &scriptedPoller{
		errs:    []error{ErrInterrupted},
		results: [][]Event{nil, {{Fd: 7, Events: EventRead}}},
	}
	b, w := newScripted(t, p)
	if n, err := b.Wait(-1, false); err != nil || n != 1 {
		t.Fatalf("Wait = %d, %v; want 1, nil", n, err)
	}
	if len(p.waits) != 2 {
		t.Errorf("Expected 2 poller waits, got %d", len(p.waits))
	}
	if w.primes != 1 {
		t.Errorf("Expected a single prime per Wait, got %d", w.primes)
	}
}

func TestBridgePrimesEveryWait(t *testing.T) {
	p := &scriptedPoller{}
	b, w := newScripted(t, p)
	for i := 0; i < 3; i++ {
		b.Wait(0, false)
	}
	if w.primes != 3 {
		t.Errorf("Expected 3 primes, got %d", w.primes)
	}
}

func TestBridgeClose(t *testing.T) {
	p := &scriptedPoller{}
	b, _ := newScripted(t, p)
	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !p.closed {
		t.Error("Expected poller to be closed")
	}
	if len(p.removed) != 1 || p.removed[0] != 7 {
		t.Errorf("Expected stack descriptor removed, got %v", p.removed)
	}
	if _, err := b.Wait(0, false); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed after Close, got %v", err)
	}
}

type noWait struct{}

func (noWait) ProcessEvents(stack.Handle) (int, error) { return 0, nil }

func TestOpenResolutionError(t *testing.T) {
	_, err := Open(1, stack.NewResolver(noWait{}))
	if stack.KindOf(err) != stack.KindResolution {
		t.Fatalf("Expected resolution error, got %v", err)
	}
}
