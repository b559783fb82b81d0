package poller

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/searchktools/stack-agent/core/stack"
	"github.com/searchktools/stack-agent/internal/logging"
)

var (
	ErrInfiniteWaitEmpty = errors.New("bridge: infinite wait returned no event")
	ErrUnexpectedEvent   = errors.New("bridge: unexpected readiness event")
	ErrClosed            = errors.New("bridge: closed")
)

// Bridge exposes a stack's wait descriptor through a Poller so callers can
// block until the stack has work instead of spinning on ProcessEvents.
type Bridge struct {
	stack    stack.Handle
	waitable stack.Waitable
	poller   Poller
	fd       int
	closed   bool
	log      *zap.Logger
}

// Open resolves the wait-descriptor primitives, creates a multiplexer and
// registers the stack's descriptor for read readiness. Anything opened
// before a failure is closed again.
func Open(h stack.Handle, r *stack.Resolver) (*Bridge, error) {
	w, err := r.Waitable()
	if err != nil {
		return nil, err
	}
	p, err := NewPoller()
	if err != nil {
		return nil, fmt.Errorf("bridge: create poller: %w", err)
	}
	b, err := NewBridge(h, w, p)
	if err != nil {
		p.Close()
		return nil, err
	}
	return b, nil
}

// NewBridge registers the wait descriptor of h on p. Open is the usual
// entry point; p is not closed on failure.
func NewBridge(h stack.Handle, w stack.Waitable, p Poller) (*Bridge, error) {
	fd, err := w.WaitFD(h)
	if err != nil {
		return nil, stack.Failed("waitable_fd_get", err)
	}
	if err := p.Add(fd, EventRead); err != nil {
		return nil, fmt.Errorf("bridge: register fd %d: %w", fd, err)
	}
	return &Bridge{
		stack:    h,
		waitable: w,
		poller:   p,
		fd:       fd,
		log:      logging.Named("bridge").With(zap.Uint64("stack", uint64(h)), zap.Int("fd", fd)),
	}, nil
}

// FD returns the stack descriptor the bridge waits on.
func (b *Bridge) FD() int {
	return b.fd
}

// Wait primes the stack descriptor and blocks up to timeoutMs milliseconds
// (negative means forever). It returns 1 when the descriptor became
// readable and 0 when a finite wait timed out.
func (b *Bridge) Wait(timeoutMs int, logSuccess bool) (int, error) {
	if b.closed {
		return 0, ErrClosed
	}
	if err := b.waitable.PrimeWaitFD(b.stack); err != nil {
		return 0, stack.Failed("waitable_fd_prime", err)
	}

	for {
		events, err := b.poller.Wait(timeoutMs)
		if errors.Is(err, ErrInterrupted) {
			if timeoutMs < 0 {
				continue
			}
			return 0, nil
		}
		if err != nil {
			return 0, fmt.Errorf("bridge: wait: %w", err)
		}

		switch len(events) {
		case 0:
			if timeoutMs < 0 {
				return 0, ErrInfiniteWaitEmpty
			}
			return 0, nil
		case 1:
			ev := events[0]
			if ev.Fd != b.fd || ev.Events != EventRead {
				return 0, fmt.Errorf("%w: fd=%d events=%#x", ErrUnexpectedEvent, ev.Fd, ev.Events)
			}
			if logSuccess {
				b.log.Debug("stack descriptor ready", zap.Int("timeout_ms", timeoutMs))
			}
			return 1, nil
		default:
			return 0, fmt.Errorf("%w: %d events", ErrUnexpectedEvent, len(events))
		}
	}
}

// Close deregisters the stack descriptor and releases the multiplexer. A
// failed Close may be retried.
func (b *Bridge) Close() error {
	if b.closed {
		return nil
	}
	if err := b.poller.Remove(b.fd); err != nil {
		b.log.Debug("remove stack descriptor", zap.Error(err))
	}
	if err := b.poller.Close(); err != nil {
		return fmt.Errorf("bridge: close poller: %w", err)
	}
	b.closed = true
	return nil
}
