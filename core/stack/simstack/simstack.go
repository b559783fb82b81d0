// Package simstack is an in-memory stack library implementing every
// primitive in package stack. Event counts are scripted per stack, the wait
// descriptor is a real OS descriptor with edge-style priming, and each zocket
// holds a FIFO of datagrams served through zero-copy receive.
package simstack

import (
	"errors"
	"fmt"
	"sync"

	"github.com/eapache/queue"

	"github.com/searchktools/stack-agent/core/stack"
)

var (
	ErrUnknownStack   = errors.New("simstack: unknown stack")
	ErrUnknownZocket  = fmt.Errorf("simstack: %w", stack.ErrZocketGone)
	ErrBusy           = errors.New("simstack: zero-copy message outstanding")
	ErrNotOutstanding = errors.New("simstack: no zero-copy message outstanding")
)

// Library holds every simulated stack in one process.
type Library struct {
	mu      sync.Mutex
	next    uint64
	stacks  map[stack.Handle]*simStack
	zockets map[stack.Zocket]*simZocket
}

type simStack struct {
	steps      *queue.Queue // int or error per ProcessEvents call
	pendingErr error
	waitFD     *waitFD
	pending    int
	checks     uint64
	processed  uint64
	primes     uint64
	signalled  bool
	armed      bool
}

type simZocket struct {
	stack       stack.Handle
	dgrams      *queue.Queue // []byte
	outstanding int          // fragments handed out and not yet released
	released    uint64
}

// New creates an empty library.
func New() *Library {
	return &Library{
		stacks:  make(map[stack.Handle]*simStack),
		zockets: make(map[stack.Zocket]*simZocket),
	}
}

// Alloc creates a stack and its wait descriptor.
func (l *Library) Alloc() (stack.Handle, error) {
	fd, err := newWaitFD()
	if err != nil {
		return 0, fmt.Errorf("simstack: wait descriptor: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.next++
	h := stack.Handle(l.next)
	l.stacks[h] = &simStack{steps: queue.New(), waitFD: fd}
	return h, nil
}

// Free destroys a stack, its zockets and its wait descriptor.
func (l *Library) Free(h stack.Handle) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.stacks[h]
	if !ok {
		return ErrUnknownStack
	}
	for z, zk := range l.zockets {
		if zk.stack == h {
			delete(l.zockets, z)
		}
	}
	delete(l.stacks, h)
	return s.waitFD.close()
}

// Close frees every stack.
func (l *Library) Close() error {
	l.mu.Lock()
	handles := make([]stack.Handle, 0, len(l.stacks))
	for h := range l.stacks {
		handles = append(handles, h)
	}
	l.mu.Unlock()

	var errs []error
	for _, h := range handles {
		if err := l.Free(h); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Script queues results for successive ProcessEvents calls on h. Once the
// script is exhausted ProcessEvents returns 0.
func (l *Library) Script(h stack.Handle, counts ...int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.stacks[h]
	if !ok {
		return ErrUnknownStack
	}
	for _, c := range counts {
		s.steps.Add(c)
	}
	s.kickLocked()
	return nil
}

// ScriptError queues a failing ProcessEvents call.
func (l *Library) ScriptError(h stack.Handle, err error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.stacks[h]
	if !ok {
		return ErrUnknownStack
	}
	s.steps.Add(err)
	s.kickLocked()
	return nil
}

// Signal marks h as having work without scripting an event count.
func (l *Library) Signal(h stack.Handle) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.stacks[h]
	if !ok {
		return ErrUnknownStack
	}
	s.signalled = true
	s.kickLocked()
	return nil
}

// SetPendingWork fixes the value HasPendingWork reports for h.
func (l *Library) SetPendingWork(h stack.Handle, v int, err error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.stacks[h]
	if !ok {
		return ErrUnknownStack
	}
	s.pending = v
	s.pendingErr = err
	return nil
}

// Stats reports call counters for h.
func (l *Library) Stats(h stack.Handle) (checks, processed, primes uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.stacks[h]
	if !ok {
		return 0, 0, 0
	}
	return s.checks, s.processed, s.primes
}

// ProcessEvents pops the next scripted result for h.
func (l *Library) ProcessEvents(h stack.Handle) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.stacks[h]
	if !ok {
		return 0, ErrUnknownStack
	}
	s.processed++
	s.signalled = false
	if s.steps.Length() == 0 {
		return 0, nil
	}
	switch v := s.steps.Remove().(type) {
	case error:
		return 0, v
	case int:
		return v, nil
	}
	return 0, nil
}

// HasPendingWork reports the value fixed by SetPendingWork.
func (l *Library) HasPendingWork(h stack.Handle) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.stacks[h]
	if !ok {
		return -1, ErrUnknownStack
	}
	s.checks++
	return s.pending, s.pendingErr
}

// WaitFD returns the descriptor that becomes readable when h has work and
// the descriptor was primed.
func (l *Library) WaitFD(h stack.Handle) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.stacks[h]
	if !ok {
		return -1, ErrUnknownStack
	}
	return s.waitFD.fd(), nil
}

// PrimeWaitFD clears stale readiness and re-arms the descriptor. If work is
// already pending the descriptor becomes readable immediately.
func (l *Library) PrimeWaitFD(h stack.Handle) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.stacks[h]
	if !ok {
		return ErrUnknownStack
	}
	s.primes++
	if err := s.waitFD.drain(); err != nil {
		return err
	}
	s.armed = true
	s.kickLocked()
	return nil
}

// kickLocked makes the descriptor readable when armed and work is pending.
func (s *simStack) kickLocked() {
	if !s.armed || (!s.signalled && s.steps.Length() == 0) {
		return
	}
	s.armed = false
	_ = s.waitFD.notify()
}
