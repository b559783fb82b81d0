package stack

// Handle identifies one network-stack instance. The stack library owns the
// instance; the agent only keeps context around it. Handle 0 is invalid.
type Handle uint64

// Zocket identifies one endpoint multiplexed over a stack.
type Zocket uint64

// ReservedLen is the number of reserved words in a zero-copy receive
// descriptor. Callers must send exactly this many.
const ReservedLen = 4

// Capability is the primitive every stack provides: advance protocol state
// and deliver completions. It returns the number of events processed.
type Capability interface {
	ProcessEvents(h Handle) (int, error)
}

// PendingWorker is implemented by stacks that need an external nudge to
// finish some completions promptly. HasPendingWork returns a value >= 0;
// a negative value means the stack is corrupt.
type PendingWorker interface {
	HasPendingWork(h Handle) (int, error)
}

// Waitable exposes the stack's internal wait descriptor. The descriptor is
// edge-style: it must be primed before every wait or it will not report
// readiness again.
type Waitable interface {
	WaitFD(h Handle) (int, error)
	PrimeWaitFD(h Handle) error
}

// RecvMessage is the scatter/gather descriptor exchanged with the stack's
// zero-copy receive. Iov entries reference stack-owned memory until the
// message is finalized.
type RecvMessage struct {
	Reserved   [ReservedLen]int32
	DgramsLeft int
	Flags      int
	Iovcnt     int
	Iov        [][]byte
}

// TotalBytes returns the byte length of the valid fragments.
func (m *RecvMessage) TotalBytes() int {
	n := 0
	for i := 0; i < m.Iovcnt && i < len(m.Iov); i++ {
		n += len(m.Iov[i])
	}
	return n
}

// ZeroCopyReceiver is the stack's zero-copy receive surface.
//
// ZeroCopyRecv fills at most len(msg.Iov) fragments and sets msg.Iovcnt;
// Iovcnt == 0 means nothing was available. ZeroCopyRecvDone releases every
// fragment; ZeroCopyRecvDoneSome releases only the first n bytes and keeps
// the remainder for the next receive.
type ZeroCopyReceiver interface {
	ZeroCopyRecv(z Zocket, msg *RecvMessage) error
	ZeroCopyRecvDone(z Zocket, msg *RecvMessage) error
	ZeroCopyRecvDoneSome(z Zocket, msg *RecvMessage, n int) error
}
