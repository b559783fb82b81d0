package poller

import "errors"

// Event masks reported by Wait.
const (
	EventRead uint32 = 1 << iota
	EventWrite
	EventError
	EventHangup
)

var (
	ErrInterrupted = errors.New("poller: wait interrupted")
	ErrUnsupported = errors.New("poller: platform not supported")
)

// Event is one readiness notification.
type Event struct {
	Fd     int
	Events uint32
}

// Poller is the I/O multiplexing interface
type Poller interface {
	Add(fd int, events uint32) error
	Remove(fd int) error
	// Wait blocks up to timeout milliseconds (negative blocks forever) and
	// returns the ready descriptors. A signal interrupting the wait yields
	// ErrInterrupted.
	Wait(timeout int) ([]Event, error)
	Close() error
}
