//go:build linux
// +build linux

package poller

import (
	"golang.org/x/sys/unix"
)

// EpollPoller is an epoll-based I/O multiplexer
type EpollPoller struct {
	epfd   int
	events []unix.EpollEvent
}

// NewPoller creates a new Poller (Linux)
func NewPoller() (Poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}

	return &EpollPoller{
		epfd:   epfd,
		events: make([]unix.EpollEvent, 16),
	}, nil
}

// Add adds a file descriptor to the watch list
func (p *EpollPoller) Add(fd int, events uint32) error {
	ev := unix.EpollEvent{
		// Level-triggered; the stack descriptor is re-armed by priming.
		Events: toEpoll(events),
		Fd:     int32(fd),
	}

	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev)
}

// Remove removes a file descriptor from the watch list
func (p *EpollPoller) Remove(fd int) error {
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

// Wait waits for I/O events
func (p *EpollPoller) Wait(timeout int) ([]Event, error) {
	if timeout < 0 {
		timeout = -1
	}
	n, err := unix.EpollWait(p.epfd, p.events, timeout)
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
		out = append(out, Event{
			Fd:     int(p.events[i].Fd),
			Events: fromEpoll(p.events[i].Events),
		})
	}

	return out, nil
}

// Close closes the Poller
func (p *EpollPoller) Close() error {
	return unix.Close(p.epfd)
}

func toEpoll(events uint32) uint32 {
	var ev uint32
	if events&EventRead != 0 {
		ev |= unix.EPOLLIN
	}
	if events&EventWrite != 0 {
		ev |= unix.EPOLLOUT
	}
	return ev
}

func fromEpoll(ev uint32) uint32 {
	var events uint32
	if ev&unix.EPOLLIN != 0 {
		events |= EventRead
	}
	if ev&unix.EPOLLOUT != 0 {
		events |= EventWrite
	}
	if ev&unix.EPOLLERR != 0 {
		events |= EventError
	}
	if ev&(unix.EPOLLHUP|unix.EPOLLRDHUP) != 0 {
		events |= EventHangup
	}
	return events
}
