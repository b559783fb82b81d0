//go:build darwin
// +build darwin

package poller

import (
	"golang.org/x/sys/unix"
)

// KqueuePoller is a kqueue-based I/O multiplexer
type KqueuePoller struct {
	kqfd   int
	events []unix.Kevent_t
}

// NewPoller creates a new Poller (macOS)
func NewPoller() (Poller, error) {
	kqfd, err := unix.Kqueue()
	if err != nil {
		return nil, err
	}

	return &KqueuePoller{
		kqfd:   kqfd,
		events: make([]unix.Kevent_t, 16),
	}, nil
}

// Add adds a file descriptor to the watch list. Only read interest is
// supported.
func (p *KqueuePoller) Add(fd int, events uint32) error {
	if events&^EventRead != 0 {
		return ErrUnsupported
	}
	ev := unix.Kevent_t{
		Ident:  uint64(fd),
		Filter: unix.EVFILT_READ,
		// Level-triggered; EV_CLEAR would hide readiness left by priming.
		Flags: unix.EV_ADD | unix.EV_ENABLE,
	}

	_, err := unix.Kevent(p.kqfd, []unix.Kevent_t{ev}, nil, nil)
	return err
}

// Remove removes a file descriptor from the watch list
func (p *KqueuePoller) Remove(fd int) error {
	ev := unix.Kevent_t{
		Ident:  uint64(fd),
		Filter: unix.EVFILT_READ,
		Flags:  unix.EV_DELETE,
	}

	_, err := unix.Kevent(p.kqfd, []unix.Kevent_t{ev}, nil, nil)
	return err
}

// Wait waits for I/O events
func (p *KqueuePoller) Wait(timeout int) ([]Event, error) {
	var ts *unix.Timespec
	if timeout >= 0 {
		t := unix.NsecToTimespec(int64(timeout) * 1_000_000)
		ts = &t
	}

	n, err := unix.Kevent(p.kqfd, nil, p.events, ts)
	if err == unix.EINTR {
		return nil, ErrInterrupted
	}
	if err != nil {
		return nil, err
	}

	if n <= 0 {
		return nil, nil
	}

	out := make([]Event, 0, n)
	for i := 0; i < n; i++ {
		ev := Event{Fd: int(p.events[i].Ident)}
		if p.events[i].Filter == unix.EVFILT_READ {
			ev.Events |= EventRead
		}
		if p.events[i].Flags&unix.EV_ERROR != 0 {
			ev.Events |= EventError
		}
		if p.events[i].Flags&unix.EV_EOF != 0 {
			ev.Events |= EventHangup
		}
		out = append(out, ev)
	}

	return out, nil
}

// Close closes the Poller
func (p *KqueuePoller) Close() error {
	return unix.Close(p.kqfd)
}
