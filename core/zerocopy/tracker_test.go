package zerocopy

import (
	"bytes"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/searchktools/stack-agent/core/stack"
	"github.com/searchktools/stack-agent/core/stack/simstack"
)

func setup(t *testing.T) (*Tracker, *simstack.Library, stack.Zocket) {
	t.Helper()
	lib := simstack.New()
	t.Cleanup(func() { lib.Close() })

	h, err := lib.Alloc()
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	z, err := lib.OpenZocket(h)
	if err != nil {
		t.Fatalf("OpenZocket: %v", err)
	}
	tr, err := NewTracker(stack.NewResolver(lib))
	if err != nil {
		t.Fatalf("NewTracker: %v", err)
	}
	return tr, lib, z
}

func deliver(t *testing.T, lib *simstack.Library, z stack.Zocket, dgrams ...string) {
	t.Helper()
	for _, d := range dgrams {
		if err := lib.Deliver(z, []byte(d)); err != nil {
			t.Fatalf("Deliver: %v", err)
		}
	}
}

func isProtocol(err error) bool {
	return stack.KindOf(err) == stack.KindProtocol
}

func TestReceiveEmptyIssuesNoToken(t *testing.T) {
	tr, _, z := setup(t)

	msg, err := tr.Receive(z, 4, stack.ReservedLen)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if msg.FragmentCount != 0 || msg.Token != uuid.Nil {
		t.Fatalf("Expected empty message without token, got %+v", msg)
	}
	if tr.Pending(z) {
		t.Error("Empty receive must leave the zocket idle")
	}
	if err := tr.FinalizeAll(z, msg.Token); !isProtocol(err) {
		t.Errorf("Expected protocol error, got %v", err)
	}
}

func TestFinalizeAllExactlyOnce(t *testing.T) {
	tr, lib, z := setup(t)
	deliver(t, lib, z, "hello", "world")

	msg, err := tr.Receive(z, 4, stack.ReservedLen)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if msg.FragmentCount != 2 {
		t.Fatalf("Expected 2 fragments, got %d", msg.FragmentCount)
	}
	if string(msg.Fragments[0].Data) != "hello" || string(msg.Fragments[1].Data) != "world" {
		t.Errorf("Unexpected fragment data: %q %q", msg.Fragments[0].Data, msg.Fragments[1].Data)
	}

	if err := tr.FinalizeAll(z, msg.Token); err != nil {
		t.Fatalf("FinalizeAll: %v", err)
	}
	err = tr.FinalizeAll(z, msg.Token)
	if !isProtocol(err) || !errors.Is(err, ErrNotPending) {
		t.Fatalf("Expected protocol ErrNotPending, got %v", err)
	}
	if err := tr.FinalizePartial(z, msg.Token, 1); !errors.Is(err, ErrNotPending) {
		t.Fatalf("Expected ErrNotPending, got %v", err)
	}
	if got := lib.Released(z); got != 1 {
		t.Errorf("Expected the stack to see one release, got %d", got)
	}
	if lib.Queued(z) != 0 {
		t.Errorf("Expected nothing queued, got %d bytes", lib.Queued(z))
	}
}

func TestFinalizePartialConservesBytes(t *testing.T) {
	tr, lib, z := setup(t)
	deliver(t, lib, z, "abcdef", "ghij")

	msg, err := tr.Receive(z, 4, stack.ReservedLen)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	total := msg.TotalBytes()
	if total != 10 {
		t.Fatalf("Expected 10 bytes, got %d", total)
	}

	if err := tr.FinalizePartial(z, msg.Token, 4); err != nil {
		t.Fatalf("FinalizePartial: %v", err)
	}
	if got := lib.Queued(z); got != total-4 {
		t.Fatalf("Expected %d bytes left, got %d", total-4, got)
	}

	next, err := tr.Receive(z, 4, stack.ReservedLen)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	var got []byte
	for _, f := range next.Fragments {
		got = append(got, f.Data...)
	}
	if !bytes.Equal(got, []byte("efghij")) {
		t.Errorf("Expected redelivery of %q, got %q", "efghij", got)
	}
	if next.Token == msg.Token {
		t.Error("Token reused across messages")
	}
}

func TestFinalizePartialRejectsBadLength(t *testing.T) {
	tr, lib, z := setup(t)
	deliver(t, lib, z, "abc")

	msg, err := tr.Receive(z, 1, stack.ReservedLen)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	for _, n := range []int{-1, 4} {
		if err := tr.FinalizePartial(z, msg.Token, n); !errors.Is(err, ErrInvalidLength) {
			t.Errorf("n=%d: expected ErrInvalidLength, got %v", n, err)
		}
	}
	if !tr.Pending(z) {
		t.Error("Rejected finalize must keep the message pending")
	}
	if lib.Released(z) != 0 {
		t.Error("Rejected finalize reached the stack")
	}
}

func TestReceiveWhilePending(t *testing.T) {
	tr, lib, z := setup(t)
	deliver(t, lib, z, "a", "b")

	msg, err := tr.Receive(z, 1, stack.ReservedLen)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if msg.LeftCount != 1 {
		t.Errorf("Expected 1 datagram left, got %d", msg.LeftCount)
	}
	if _, err := tr.Receive(z, 1, stack.ReservedLen); !errors.Is(err, ErrPending) {
		t.Fatalf("Expected ErrPending, got %v", err)
	}
}

func TestReceiveRejectsReservedMismatch(t *testing.T) {
	tr, lib, z := setup(t)
	deliver(t, lib, z, "a")

	_, err := tr.Receive(z, 1, stack.ReservedLen+1)
	if !isProtocol(err) || !errors.Is(err, ErrReservedMismatch) {
		t.Fatalf("Expected protocol ErrReservedMismatch, got %v", err)
	}
	if lib.Queued(z) != 1 {
		t.Error("Rejected receive reached the stack")
	}
}

func TestFinalizeWrongToken(t *testing.T) {
	tr, lib, z := setup(t)
	deliver(t, lib, z, "a")

	if _, err := tr.Receive(z, 1, stack.ReservedLen); err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if err := tr.FinalizeAll(z, uuid.New()); !errors.Is(err, ErrNotPending) {
		t.Fatalf("Expected ErrNotPending, got %v", err)
	}
	if tr.Outstanding() != 1 {
		t.Errorf("Expected 1 outstanding message, got %d", tr.Outstanding())
	}
}

type recvOnly struct{}

func (recvOnly) ProcessEvents(stack.Handle) (int, error) { return 0, nil }

func TestNewTrackerResolution(t *testing.T) {
	_, err := NewTracker(stack.NewResolver(recvOnly{}))
	if stack.KindOf(err) != stack.KindResolution {
		t.Fatalf("Expected resolution error, got %v", err)
	}
}

func TestFinalizeAfterStackFreedDropsMessage(t *testing.T) {
	tr, lib, z := setup(t)
	deliver(t, lib, z, "orphan")

	msg, err := tr.Receive(z, 4, stack.ReservedLen)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if err := lib.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	err = tr.FinalizeAll(z, msg.Token)
	if stack.KindOf(err) != stack.KindStack || !errors.Is(err, stack.ErrZocketGone) {
		t.Fatalf("Expected stack error for vanished zocket, got %v", err)
	}
	if tr.Pending(z) || tr.Outstanding() != 0 {
		t.Error("Expected pending message to be dropped")
	}
	if err := tr.FinalizeAll(z, msg.Token); !isProtocol(err) {
		t.Errorf("Expected protocol error once dropped, got %v", err)
	}
}
