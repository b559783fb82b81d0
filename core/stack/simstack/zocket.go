package simstack

import (
	"github.com/eapache/queue"

	"github.com/searchktools/stack-agent/core/stack"
)

// OpenZocket creates a receive endpoint on h.
func (l *Library) OpenZocket(h stack.Handle) (stack.Zocket, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.stacks[h]; !ok {
		return 0, ErrUnknownStack
	}
	l.next++
	z := stack.Zocket(l.next)
	l.zockets[z] = &simZocket{stack: h, dgrams: queue.New()}
	return z, nil
}

// Deliver queues one datagram on z. The stack keeps its own copy.
func (l *Library) Deliver(z stack.Zocket, data []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	zk, ok := l.zockets[z]
	if !ok {
		return ErrUnknownZocket
	}
	zk.dgrams.Add(append([]byte(nil), data...))
	if s, ok := l.stacks[zk.stack]; ok {
		s.signalled = true
		s.kickLocked()
	}
	return nil
}

// Queued returns the number of bytes still held for z.
func (l *Library) Queued(z stack.Zocket) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	zk, ok := l.zockets[z]
	if !ok {
		return 0
	}
	n := 0
	for i := 0; i < zk.dgrams.Length(); i++ {
		n += len(zk.dgrams.Get(i).([]byte))
	}
	return n
}

// Released returns how many finalize calls z has accepted.
func (l *Library) Released(z stack.Zocket) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if zk, ok := l.zockets[z]; ok {
		return zk.released
	}
	return 0
}

// ZeroCopyRecv hands out up to len(msg.Iov) queued datagrams, one per
// fragment, referencing the library's own buffers.
func (l *Library) ZeroCopyRecv(z stack.Zocket, msg *stack.RecvMessage) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	zk, ok := l.zockets[z]
	if !ok {
		return ErrUnknownZocket
	}
	if zk.outstanding > 0 {
		return ErrBusy
	}

	n := len(msg.Iov)
	if n > zk.dgrams.Length() {
		n = zk.dgrams.Length()
	}
	for i := 0; i < n; i++ {
		msg.Iov[i] = zk.dgrams.Get(i).([]byte)
	}
	msg.Iovcnt = n
	msg.DgramsLeft = zk.dgrams.Length() - n
	zk.outstanding = n
	return nil
}

// ZeroCopyRecvDone releases every outstanding fragment. Released buffers
// are scribbled over to model the stack reusing them.
func (l *Library) ZeroCopyRecvDone(z stack.Zocket, msg *stack.RecvMessage) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	zk, ok := l.zockets[z]
	if !ok {
		return ErrUnknownZocket
	}
	if zk.outstanding == 0 {
		return ErrNotOutstanding
	}
	for i := 0; i < zk.outstanding; i++ {
		scribble(zk.dgrams.Remove().([]byte))
	}
	zk.outstanding = 0
	zk.released++
	msg.Iovcnt = 0
	return nil
}

// ZeroCopyRecvDoneSome releases the first n bytes of the outstanding
// fragments. A partly consumed fragment keeps its tail at the queue head.
func (l *Library) ZeroCopyRecvDoneSome(z stack.Zocket, msg *stack.RecvMessage, n int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	zk, ok := l.zockets[z]
	if !ok {
		return ErrUnknownZocket
	}
	if zk.outstanding == 0 {
		return ErrNotOutstanding
	}

	remaining := n
	for i := 0; i < zk.outstanding && remaining > 0; i++ {
		head := zk.dgrams.Peek().([]byte)
		if remaining < len(head) {
			// Replace the head with its unconsumed tail while keeping order.
			tail := append([]byte(nil), head[remaining:]...)
			rebuilt := queue.New()
			rebuilt.Add(tail)
			zk.dgrams.Remove()
			for zk.dgrams.Length() > 0 {
				rebuilt.Add(zk.dgrams.Remove())
			}
			zk.dgrams = rebuilt
			scribble(head)
			remaining = 0
			break
		}
		remaining -= len(head)
		scribble(zk.dgrams.Remove().([]byte))
	}
	zk.outstanding = 0
	zk.released++
	msg.Iovcnt = 0
	return nil
}

func scribble(b []byte) {
	for i := range b {
		b[i] = 0xdd
	}
}
