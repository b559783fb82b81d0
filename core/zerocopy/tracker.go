// Package zerocopy tracks zero-copy receive messages between the stack and
// a remote caller.
//
// Every zocket is either idle or has exactly one pending message. A pending
// message is identified by a token and must be finalized, fully or
// partially, before the zocket can receive again. Finalizing releases the
// stack's buffers; a partial finalize leaves the unconsumed bytes with the
// stack for the next receive.
package zerocopy

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/searchktools/stack-agent/core/pools"
	"github.com/searchktools/stack-agent/core/stack"
	"github.com/searchktools/stack-agent/internal/logging"
)

var (
	ErrReservedMismatch = errors.New("reserved field length mismatch")
	ErrPending          = errors.New("zocket has a pending message")
	ErrNotPending       = errors.New("token does not name a pending message")
	ErrInvalidLength    = errors.New("invalid length")
)

// MaxFragments caps a single receive.
const MaxFragments = 64

type pending struct {
	token uuid.UUID
	msg   *stack.RecvMessage
	total int
	bufs  []*[]byte
}

// Tracker owns the per-zocket lifecycle state.
type Tracker struct {
	zc   stack.ZeroCopyReceiver
	pool *pools.BufferPool
	log  *zap.Logger

	mu      sync.Mutex
	pending map[stack.Zocket]*pending
}

// NewTracker resolves the zero-copy primitives and returns an empty tracker.
func NewTracker(r *stack.Resolver) (*Tracker, error) {
	zc, err := r.ZeroCopy()
	if err != nil {
		return nil, err
	}
	return &Tracker{
		zc:      zc,
		pool:    pools.NewBufferPool(),
		log:     logging.Named("zerocopy"),
		pending: make(map[stack.Zocket]*pending),
	}, nil
}

// Receive asks the stack for up to maxFragments datagrams on z.
// reservedLen is the caller's reserved-word count and must equal
// stack.ReservedLen. Fragment data stays valid until the message is
// finalized.
func (t *Tracker) Receive(z stack.Zocket, maxFragments, reservedLen int) (*Message, error) {
	if reservedLen != stack.ReservedLen {
		return nil, stack.Protocol("zc_recv", fmt.Errorf("%w: got %d, want %d", ErrReservedMismatch, reservedLen, stack.ReservedLen))
	}
	if maxFragments <= 0 || maxFragments > MaxFragments {
		return nil, stack.Protocol("zc_recv", fmt.Errorf("%w: max fragments %d", ErrInvalidLength, maxFragments))
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.pending[z]; ok {
		return nil, stack.Protocol("zc_recv", ErrPending)
	}

	rm := &stack.RecvMessage{Iov: make([][]byte, maxFragments)}
	if err := t.zc.ZeroCopyRecv(z, rm); err != nil {
		return nil, stack.Failed("zc_recv", err)
	}

	msg := &Message{
		Zocket:        z,
		FragmentCount: rm.Iovcnt,
		LeftCount:     rm.DgramsLeft,
		Flags:         rm.Flags,
		Reserved:      rm.Reserved,
	}
	if rm.Iovcnt == 0 {
		return msg, nil
	}

	p := &pending{token: uuid.New(), msg: rm, bufs: make([]*[]byte, 0, rm.Iovcnt)}
	msg.Fragments = make([]Fragment, rm.Iovcnt)
	for i := 0; i < rm.Iovcnt; i++ {
		buf := t.pool.Get(len(rm.Iov[i]))
		*buf = append((*buf)[:0], rm.Iov[i]...)
		p.bufs = append(p.bufs, buf)
		p.total += len(*buf)
		msg.Fragments[i] = Fragment{Len: len(*buf), Data: *buf}
	}
	msg.Token = p.token
	t.pending[z] = p

	t.log.Debug("message pending",
		zap.Uint64("zocket", uint64(z)),
		zap.Int("fragments", rm.Iovcnt),
		zap.Int("bytes", p.total),
		zap.Int("left", rm.DgramsLeft))
	return msg, nil
}

// FinalizeAll releases every fragment of the pending message named by token.
func (t *Tracker) FinalizeAll(z stack.Zocket, token uuid.UUID) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, err := t.lookupLocked("zc_recv_done", z, token)
	if err != nil {
		return err
	}
	if err := t.zc.ZeroCopyRecvDone(z, p.msg); err != nil {
		return t.failLocked("zc_recv_done", z, p, err)
	}
	t.releaseLocked(z, p)
	return nil
}

// FinalizePartial releases the first n bytes of the pending message. The
// rest is redelivered by the next Receive on z.
func (t *Tracker) FinalizePartial(z stack.Zocket, token uuid.UUID, n int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, err := t.lookupLocked("zc_recv_done_some", z, token)
	if err != nil {
		return err
	}
	if n < 0 || n > p.total {
		return stack.Protocol("zc_recv_done_some", fmt.Errorf("%w: %d of %d bytes", ErrInvalidLength, n, p.total))
	}
	if err := t.zc.ZeroCopyRecvDoneSome(z, p.msg, n); err != nil {
		return t.failLocked("zc_recv_done_some", z, p, err)
	}
	t.releaseLocked(z, p)
	return nil
}

// Pending reports whether z has a message awaiting finalize.
func (t *Tracker) Pending(z stack.Zocket) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.pending[z]
	return ok
}

// Outstanding returns the number of zockets with a pending message.
func (t *Tracker) Outstanding() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

func (t *Tracker) lookupLocked(op string, z stack.Zocket, token uuid.UUID) (*pending, error) {
	p, ok := t.pending[z]
	if !ok || token == uuid.Nil || p.token != token {
		return nil, stack.Protocol(op, ErrNotPending)
	}
	return p, nil
}

// failLocked keeps the message pending for a retry unless the zocket is
// gone, in which case nothing can finalize it.
func (t *Tracker) failLocked(op string, z stack.Zocket, p *pending, err error) error {
	if errors.Is(err, stack.ErrZocketGone) {
		t.log.Warn("dropping message for vanished zocket",
			zap.Uint64("zocket", uint64(z)), zap.Error(err))
		t.releaseLocked(z, p)
	}
	return stack.Failed(op, err)
}

func (t *Tracker) releaseLocked(z stack.Zocket, p *pending) {
	delete(t.pending, z)
	for _, buf := range p.bufs {
		t.pool.Put(buf)
	}
	p.bufs = nil
}
